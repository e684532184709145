package store

import (
	"bytes"
	"context"
	"crypto/md5"
	"crypto/tls"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/arxiv/compiler/pkg/config"
	"github.com/arxiv/compiler/pkg/log"
	"github.com/arxiv/compiler/pkg/types"
)

// ErrDoesNotExist indicates that the requested content is not in the store.
var ErrDoesNotExist = errors.New("content does not exist")

// probeKey is a reserved key used by availability checks.
const probeKey = ".probe"

// Store is the gateway to the S3-compatible object store holding task
// records, artifacts, and logs. All keys are scoped under one bucket and
// prefixed with the task ID, so a triple maps to exactly one prefix:
//
//	{source_id}/{checksum}/{format}/status.json
//	{source_id}/{checksum}/{format}/{source_id}.{ext}
//	{source_id}/{checksum}/{format}/{source_id}.{ext}.log
type Store struct {
	client *s3.Client
	bucket string
}

// New creates a store gateway from configuration. Credentials fall back to
// the ambient AWS credential chain when not set explicitly.
func New(ctx context.Context, cfg config.StoreConfig) (*Store, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}
	if !cfg.Verify {
		opts = append(opts, awsconfig.WithHTTPClient(&http.Client{
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
			},
		}))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS configuration: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			// Custom endpoints (localstack, minio) need path-style keys.
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &Store{client: client, bucket: cfg.Bucket}, nil
}

func statusKey(t types.Task) string {
	return fmt.Sprintf("%s/status.json", t.TaskID)
}

func artifactKey(t types.Task) string {
	return fmt.Sprintf("%s/%s.%s", t.TaskID, t.SourceID, t.OutputFormat.Ext())
}

func logKey(t types.Task) string {
	return fmt.Sprintf("%s/%s.%s.log", t.TaskID, t.SourceID, t.OutputFormat.Ext())
}

// contentMD5 generates the base64-encoded MD5 hash used for server-side
// integrity verification on PUT.
func contentMD5(body []byte) string {
	sum := md5.Sum(body)
	return base64.StdEncoding.EncodeToString(sum[:])
}

func (s *Store) put(ctx context.Context, key, contentType string, body []byte) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentMD5:  aws.String(contentMD5(body)),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("failed to put %s: %w", key, err)
	}
	return nil
}

func (s *Store) get(ctx context.Context, key string) (types.Product, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nsk *s3types.NoSuchKey
		if errors.As(err, &nsk) {
			return types.Product{}, fmt.Errorf("%w: %s", ErrDoesNotExist, key)
		}
		return types.Product{}, fmt.Errorf("failed to get %s: %w", key, err)
	}
	return types.Product{
		Stream: out.Body,
		ETag:   strings.Trim(aws.ToString(out.ETag), `"`),
	}, nil
}

// GetStatus retrieves the task record for a triple.
func (s *Store) GetStatus(ctx context.Context, sourceID, checksum string, format types.Format) (types.Task, error) {
	key := statusKey(types.Task{TaskID: types.TaskID(sourceID, checksum, format)})
	product, err := s.get(ctx, key)
	if err != nil {
		return types.Task{}, err
	}
	defer product.Stream.Close()

	var task types.Task
	if err := json.NewDecoder(product.Stream).Decode(&task); err != nil {
		return types.Task{}, fmt.Errorf("failed to decode status record %s: %w", key, err)
	}
	return task, nil
}

// SetStatus writes the task record for a triple. Writes are last-write-wins;
// dispatch and workers both key on the task ID so duplicate writes converge.
func (s *Store) SetStatus(ctx context.Context, task types.Task) error {
	body, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to encode status record: %w", err)
	}
	return s.put(ctx, statusKey(task), "application/json", body)
}

// Store stores an artifact blob for a task.
func (s *Store) Store(ctx context.Context, task types.Task, content io.Reader) error {
	body, err := io.ReadAll(content)
	if err != nil {
		return fmt.Errorf("failed to read artifact content: %w", err)
	}
	return s.put(ctx, artifactKey(task), task.OutputFormat.ContentType(), body)
}

// Retrieve fetches the artifact for a triple.
func (s *Store) Retrieve(ctx context.Context, sourceID, checksum string, format types.Format) (types.Product, error) {
	task := types.Task{
		SourceID:     sourceID,
		OutputFormat: format,
		TaskID:       types.TaskID(sourceID, checksum, format),
	}
	return s.get(ctx, artifactKey(task))
}

// StoreLog stores a compilation log for a task.
func (s *Store) StoreLog(ctx context.Context, task types.Task, content io.Reader) error {
	body, err := io.ReadAll(content)
	if err != nil {
		return fmt.Errorf("failed to read log content: %w", err)
	}
	return s.put(ctx, logKey(task), "text/plain", body)
}

// RetrieveLog fetches the compilation log for a triple.
func (s *Store) RetrieveLog(ctx context.Context, sourceID, checksum string, format types.Format) (types.Product, error) {
	task := types.Task{
		SourceID:     sourceID,
		OutputFormat: format,
		TaskID:       types.TaskID(sourceID, checksum, format),
	}
	return s.get(ctx, logKey(task))
}

// IsAvailable verifies connectivity with a tiny PUT under a reserved key.
// Short timeout, no retries; callers use it for startup probing.
func (s *Store) IsAvailable(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	err := s.put(ctx, probeKey, "text/plain", []byte("check"))
	if err != nil {
		log.WithComponent("store").Error().Err(err).Msg("availability check failed")
		return false
	}
	return true
}

// Initialize creates the bucket if it is absent and waits until it is
// reachable. Safe to call repeatedly.
func (s *Store) Initialize(ctx context.Context) error {
	_, err := s.client.CreateBucket(ctx, &s3.CreateBucketInput{
		Bucket: aws.String(s.bucket),
	})
	if err != nil {
		var owned *s3types.BucketAlreadyOwnedByYou
		var exists *s3types.BucketAlreadyExists
		if !errors.As(err, &owned) && !errors.As(err, &exists) {
			return fmt.Errorf("failed to create bucket %s: %w", s.bucket, err)
		}
	}

	// Bucket creation is eventually consistent on some S3 implementations.
	for i := 0; i < 30; i++ {
		_, err = s.client.HeadBucket(ctx, &s3.HeadBucketInput{
			Bucket: aws.String(s.bucket),
		})
		if err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
	}
	return fmt.Errorf("bucket %s did not become reachable: %w", s.bucket, err)
}
