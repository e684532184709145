/*
Package types defines the core data structures for the compiler service.

The central type is Task, the authoritative record of one compilation
attempt. A task is keyed by the triple (source_id, checksum, output_format),
flattened into the task ID "{source_id}/{checksum}/{output_format}". That key
addresses the queue slot, the result cell, the object store prefix, and the
API URL for the task, so deduplication and idempotency fall out of key
equality everywhere.

Format, Status and Reason are closed string enumerations. Per-format
properties (extension, mime type) are exposed as pure functions on Format
rather than lookup tables at call sites.

Product and SourcePackage are transient values: Product wraps a blob stream
retrieved from the store, SourcePackage points at a fetched source archive on
the worker filesystem.
*/
package types
