/*
Package store is the object store gateway for compilation results.

The store holds three kinds of objects per task, all keyed under the task ID
prefix in a single bucket:

	{source_id}/{checksum}/{format}/status.json
	{source_id}/{checksum}/{format}/{source_id}.{ext}
	{source_id}/{checksum}/{format}/{source_id}.{ext}.log

The intended use pattern is that a client checks the status record for a
triple before taking any IO-intensive action; Retrieve and RetrieveLog trust
that the caller has already established that the task completed. Every PUT
carries a Content-MD5 header for server-side integrity verification. The
gateway works against AWS S3 or any S3-compatible implementation (custom
endpoint with path-style addressing, e.g. localstack for development).
*/
package store
