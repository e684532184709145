// Package api implements the compiler's JSON HTTP API: request a
// compilation, poll its state, and retrieve the stored product and log.
// Task resources live under /{source_id}/{checksum}/{output_format}, the
// same triple the dispatcher derives task IDs from, so a resubmitted
// request resolves to the existing resource.
package api
