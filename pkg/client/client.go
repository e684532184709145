package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/arxiv/compiler/pkg/types"
)

// ErrNotFound indicates that no task, product or log exists for the triple.
var ErrNotFound = errors.New("not found")

// Client is a Go client for the compiler HTTP API.
type Client struct {
	endpoint string
	token    string
	http     *http.Client
}

// New creates a client for the API at endpoint. The token, when non-empty,
// is forwarded as the bearer token on every request.
func New(endpoint, token string) *Client {
	return &Client{
		endpoint: strings.TrimRight(endpoint, "/"),
		token:    token,
		http:     &http.Client{Timeout: 30 * time.Second},
	}
}

type compileRequest struct {
	SourceID     string `json:"source_id"`
	Checksum     string `json:"checksum"`
	OutputFormat string `json:"output_format"`
	Force        bool   `json:"force,omitempty"`
	StampLabel   string `json:"stamp_label,omitempty"`
	StampLink    string `json:"stamp_link,omitempty"`
}

// Compile requests compilation of a source package and returns the task
// state. A request that resolves to an existing task is not an error.
func (c *Client) Compile(ctx context.Context, sourceID, checksum string,
	format types.Format, force bool) (types.Task, error) {
	body, err := json.Marshal(compileRequest{
		SourceID:     sourceID,
		Checksum:     checksum,
		OutputFormat: string(format),
		Force:        force,
	})
	if err != nil {
		return types.Task{}, fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := c.newRequest(ctx, http.MethodPost, "/", bytes.NewReader(body))
	if err != nil {
		return types.Task{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.do(req)
	if err != nil {
		return types.Task{}, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusAccepted, http.StatusSeeOther:
		return c.Status(ctx, sourceID, checksum, format)
	default:
		return types.Task{}, apiError(resp)
	}
}

// Status reports the current state of a compilation task.
func (c *Client) Status(ctx context.Context, sourceID, checksum string,
	format types.Format) (types.Task, error) {
	req, err := c.newRequest(ctx, http.MethodGet, taskPath(sourceID, checksum, format), nil)
	if err != nil {
		return types.Task{}, err
	}
	resp, err := c.do(req)
	if err != nil {
		return types.Task{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return types.Task{}, apiError(resp)
	}
	var task types.Task
	if err := json.NewDecoder(resp.Body).Decode(&task); err != nil {
		return types.Task{}, fmt.Errorf("failed to decode task: %w", err)
	}
	return task, nil
}

// Product retrieves the compiled artifact. The caller must close the stream.
func (c *Client) Product(ctx context.Context, sourceID, checksum string,
	format types.Format) (types.Product, error) {
	return c.retrieve(ctx, taskPath(sourceID, checksum, format)+"/product")
}

// Log retrieves the compilation log. The caller must close the stream.
func (c *Client) Log(ctx context.Context, sourceID, checksum string,
	format types.Format) (types.Product, error) {
	return c.retrieve(ctx, taskPath(sourceID, checksum, format)+"/log")
}

// Await polls a task until it reaches a terminal state or the context is
// cancelled.
func (c *Client) Await(ctx context.Context, sourceID, checksum string,
	format types.Format, interval time.Duration) (types.Task, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		task, err := c.Status(ctx, sourceID, checksum, format)
		if err != nil {
			return types.Task{}, err
		}
		if task.IsTerminal() {
			return task, nil
		}
		select {
		case <-ctx.Done():
			return task, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) retrieve(ctx context.Context, path string) (types.Product, error) {
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return types.Product{}, err
	}
	resp, err := c.do(req)
	if err != nil {
		return types.Product{}, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return types.Product{}, apiError(resp)
	}
	return types.Product{Stream: resp.Body, ETag: resp.Header.Get("ETag")}, nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.endpoint+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

func (c *Client) do(req *http.Request) (*http.Response, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	return resp, nil
}

func taskPath(sourceID, checksum string, format types.Format) string {
	return "/" + pathSegment(sourceID) + "/" + pathSegment(checksum) + "/" + pathSegment(string(format))
}

// pathSegment percent-encodes a path segment, including the base64 padding
// character.
func pathSegment(s string) string {
	return strings.ReplaceAll(url.PathEscape(s), "=", "%3D")
}

// apiError translates a non-success response into an error, reading the
// reason from the JSON body when present. The body is consumed.
func apiError(resp *http.Response) error {
	var body struct {
		Reason string `json:"reason"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&body)

	if resp.StatusCode == http.StatusNotFound {
		if body.Reason != "" {
			return fmt.Errorf("%w: %s", ErrNotFound, body.Reason)
		}
		return ErrNotFound
	}
	if body.Reason != "" {
		return fmt.Errorf("request failed with status %d: %s", resp.StatusCode, body.Reason)
	}
	return fmt.Errorf("request failed with status %d", resp.StatusCode)
}
