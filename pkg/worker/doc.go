/*
Package worker executes compilation jobs from the task queue.

One worker processes one job at a time, end to end: fetch the source package
from the file management service, verify its etag against the requested
checksum, run the converter container, and persist the artifact, log and
final status record in the object store. The state machine is

	RECEIVED → FETCHING → FETCHED → COMPILING → COMPILED → STORING → DONE

with a failure taxonomy translated from collaborator errors at exactly one
site (execute). The worker never propagates an error upward: every job
completes with a task record, published to the result backend, and the
scratch workspace is removed on every exit path.

Workers are safe under at-least-once delivery. A redelivered job either
observes an existing terminal status record for its task ID and returns it
unchanged, or overwrites its own in-progress record idempotently.
*/
package worker
