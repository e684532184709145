package types

import (
	"fmt"
	"io"
	"regexp"
)

// Format identifies a compilation output format.
type Format string

const (
	FormatPDF Format = "pdf"
	FormatDVI Format = "dvi"
	FormatPS  Format = "ps"
)

// ParseFormat validates a raw format string.
func ParseFormat(s string) (Format, error) {
	switch Format(s) {
	case FormatPDF, FormatDVI, FormatPS:
		return Format(s), nil
	}
	return "", fmt.Errorf("invalid format: %q", s)
}

// Ext returns the filename extension for a format.
func (f Format) Ext() string {
	return string(f)
}

// ContentType returns the mime type for a format.
func (f Format) ContentType() string {
	switch f {
	case FormatPDF:
		return "application/pdf"
	case FormatDVI:
		return "application/x-dvi"
	case FormatPS:
		return "application/postscript"
	}
	return "application/octet-stream"
}

// Status represents the disposition of a compilation task.
type Status string

const (
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Reason enumerates terminal failure causes.
type Reason string

const (
	ReasonNone        Reason = "none"
	ReasonAuth        Reason = "auth_error"
	ReasonMissing     Reason = "missing_source"
	ReasonSourceType  Reason = "invalid_source_type"
	ReasonCorrupted   Reason = "corrupted_source"
	ReasonStorage     Reason = "storage"
	ReasonCancelled   Reason = "cancelled"
	ReasonCompilation Reason = "compilation_errors"
	ReasonNetwork     Reason = "network_error"
	ReasonDocker      Reason = "docker"
)

// Task is the authoritative record of one compilation attempt. The task ID
// uniquely determines the (source_id, checksum, output_format) triple and is
// used as the primary key in the queue, the object store, and the API.
type Task struct {
	SourceID     string `json:"source_id"`
	Checksum     string `json:"checksum"`
	OutputFormat Format `json:"output_format"`
	TaskID       string `json:"task_id"`
	Status       Status `json:"status"`
	Reason       Reason `json:"reason"`
	Description  string `json:"description"`
	SizeBytes    int64  `json:"size_bytes"`
	Owner        string `json:"owner"`
}

// TaskID generates the key for a source_id/checksum/format combination.
func TaskID(sourceID, checksum string, format Format) string {
	return fmt.Sprintf("%s/%s/%s", sourceID, checksum, format)
}

// NewTask creates an in-progress task for a triple.
func NewTask(sourceID, checksum string, format Format, owner string) Task {
	return Task{
		SourceID:     sourceID,
		Checksum:     checksum,
		OutputFormat: format,
		TaskID:       TaskID(sourceID, checksum, format),
		Status:       StatusInProgress,
		Reason:       ReasonNone,
		Owner:        owner,
	}
}

// IsTerminal reports whether the task has reached a final state.
func (t Task) IsTerminal() bool {
	return t.Status == StatusCompleted || t.Status == StatusFailed
}

// IsFailed reports whether the task terminated unsuccessfully.
func (t Task) IsFailed() bool {
	return t.Status == StatusFailed
}

// Product is a transient handle on a stored blob: a byte stream plus the
// strong etag reported by the store.
type Product struct {
	Stream io.ReadCloser
	ETag   string
}

// SourcePackage is the result of a source fetch. Path points at a file inside
// a worker-writable directory that is also reachable from the converter host.
type SourcePackage struct {
	SourceID string
	Path     string
	ETag     string
}

var (
	sourceIDRe = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)
	checksumRe = regexp.MustCompile(`^[a-zA-Z0-9_=-]+$`)
)

// ValidSourceID reports whether a source identifier is well formed. Source
// identifiers are typically decimal upload IDs, but letters, dots, dashes and
// underscores are tolerated for legacy papers.
func ValidSourceID(s string) bool {
	return sourceIDRe.MatchString(s)
}

// ValidChecksum reports whether a checksum uses the URL-safe base64 alphabet.
func ValidChecksum(s string) bool {
	return s != "" && checksumRe.MatchString(s)
}
