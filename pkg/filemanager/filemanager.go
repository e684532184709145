package filemanager

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/arxiv/compiler/pkg/config"
	"github.com/arxiv/compiler/pkg/log"
	"github.com/arxiv/compiler/pkg/types"
)

// Sentinel errors for upstream failure modes. The worker translates these
// into the task failure taxonomy exactly once.
var (
	ErrRequestFailed       = errors.New("filemanager request failed")
	ErrRequestUnauthorized = errors.New("filemanager request unauthorized")
	ErrRequestForbidden    = errors.New("filemanager request forbidden")
	ErrNotFound            = errors.New("source package not found")
	ErrOversize            = errors.New("source package too large")
	ErrConnectionFailed    = errors.New("could not connect to filemanager")
	ErrSecurity            = errors.New("TLS connection to filemanager failed")
	ErrBadETag             = errors.New("source etag does not match")
)

// Client talks to the file management service, the upstream source of TeX
// source packages.
type Client struct {
	endpoint   string
	contentTpl string
	statusPath string
	retries    int
	http       *http.Client
}

// New creates a filemanager client from configuration.
func New(cfg config.FilemanagerConfig) *Client {
	transport := http.DefaultTransport
	if !cfg.Verify {
		transport = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		}
	}
	return &Client{
		endpoint:   strings.TrimRight(cfg.Endpoint, "/"),
		contentTpl: cfg.ContentPath,
		statusPath: cfg.StatusEndpoint,
		retries:    cfg.Retries,
		http: &http.Client{
			Transport: transport,
			Timeout:   60 * time.Second,
		},
	}
}

// contentPath substitutes the source ID into the configured path template.
func (c *Client) contentPath(sourceID string) string {
	path := strings.ReplaceAll(c.contentTpl, "{source_id}", url.PathEscape(sourceID))
	return c.endpoint + "/" + strings.TrimLeft(path, "/")
}

// request performs one HTTP request with bounded retries on transient
// failures. Terminal statuses (401/403/404/413) are not retried.
func (c *Client) request(ctx context.Context, method, rawurl, token string) (*http.Response, error) {
	operation := func() (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, method, rawurl, nil)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		if token != "" {
			req.Header.Set("Authorization", token)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, classifyTransportError(err)
		}

		if perr := classifyStatus(resp.StatusCode); perr != nil {
			resp.Body.Close()
			if resp.StatusCode >= 500 {
				// Server errors are worth retrying.
				return nil, perr
			}
			return nil, backoff.Permanent(perr)
		}
		return resp, nil
	}

	resp, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(uint(c.retries)))
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func classifyTransportError(err error) error {
	var uerr *url.Error
	if errors.As(err, &uerr) {
		var certErr *tls.CertificateVerificationError
		var unkErr x509.UnknownAuthorityError
		if errors.As(uerr.Err, &certErr) || errors.As(uerr.Err, &unkErr) {
			return backoff.Permanent(fmt.Errorf("%w: %v", ErrSecurity, err))
		}
	}
	return fmt.Errorf("%w: %v", ErrConnectionFailed, err)
}

func classifyStatus(code int) error {
	switch {
	case code == http.StatusUnauthorized:
		return ErrRequestUnauthorized
	case code == http.StatusForbidden:
		return ErrRequestForbidden
	case code == http.StatusNotFound:
		return ErrNotFound
	case code == http.StatusRequestEntityTooLarge:
		return ErrOversize
	case code >= 500:
		return fmt.Errorf("%w: status %d", ErrRequestFailed, code)
	case code >= 300:
		return fmt.Errorf("%w: unexpected status %d", ErrRequestFailed, code)
	}
	return nil
}

// GetSourceContent retrieves the source package for sourceID and saves it
// under saveTo. The filename is derived from the content-disposition header
// when present, otherwise "{source_id}.tar.gz". A derived path that would
// escape saveTo fails without writing anything to disk.
func (c *Client) GetSourceContent(ctx context.Context, sourceID, token, saveTo string) (types.SourcePackage, error) {
	logger := log.WithSourceID(sourceID)
	logger.Debug().Msg("retrieving source content")

	resp, err := c.request(ctx, http.MethodGet, c.contentPath(sourceID), token)
	if err != nil {
		return types.SourcePackage{}, err
	}
	defer resp.Body.Close()

	path, err := savePath(resp.Header.Get("Content-Disposition"), sourceID, saveTo)
	if err != nil {
		return types.SourcePackage{}, err
	}

	f, err := os.Create(path)
	if err != nil {
		return types.SourcePackage{}, fmt.Errorf("failed to create source file: %w", err)
	}
	defer f.Close()

	if _, err := io.Copy(f, resp.Body); err != nil {
		return types.SourcePackage{}, fmt.Errorf("failed to save source content: %w", err)
	}
	logger.Debug().Str("path", path).Msg("wrote source content")

	return types.SourcePackage{
		SourceID: sourceID,
		Path:     path,
		ETag:     strings.Trim(resp.Header.Get("ETag"), `"`),
	}, nil
}

// savePath derives the local filename for a source download and rejects any
// path that, after normalization, escapes dir.
func savePath(disposition, sourceID, dir string) (string, error) {
	filename := fmt.Sprintf("%s.tar.gz", sourceID)
	if disposition != "" {
		if _, params, err := mime.ParseMediaType(disposition); err == nil {
			if name := params["filename"]; name != "" {
				filename = name
			}
		}
	}

	absDir, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("failed to resolve save directory: %w", err)
	}
	path := filepath.Join(absDir, filename)
	if !strings.HasPrefix(path, absDir+string(os.PathSeparator)) {
		// May be malicious.
		return "", fmt.Errorf("source file path escapes working directory: %s", path)
	}
	return path, nil
}

// Owner returns the principal that owns a source package, from the
// ARXIV-OWNER header of a HEAD request against the content endpoint. The
// response etag must match the requested checksum.
func (c *Client) Owner(ctx context.Context, sourceID, checksum, token string) (string, error) {
	resp, err := c.request(ctx, http.MethodHead, c.contentPath(sourceID), token)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	etag := strings.Trim(resp.Header.Get("ETag"), `"`)
	if etag != checksum {
		return "", fmt.Errorf("%w: expected %s, got %s", ErrBadETag, checksum, etag)
	}
	return resp.Header.Get("ARXIV-OWNER"), nil
}

// IsAvailable checks the connection to the filemanager service.
func (c *Client) IsAvailable(ctx context.Context) bool {
	rawurl := c.endpoint + "/" + strings.TrimLeft(c.statusPath, "/")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawurl, nil)
	if err != nil {
		return false
	}
	resp, err := c.http.Do(req)
	if err != nil {
		log.WithComponent("filemanager").Error().Err(err).Msg("availability check failed")
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}
