/*
Package dispatch is the request-to-task layer between the API tier and the
worker pool.

Jobs travel through a Redis list with at-least-once delivery: dequeueing
moves the payload onto a processing list, and workers acknowledge completion
by removing it. Each task also has a durable result cell keyed by the
deterministic task ID, tracking the Celery-style states sent, started,
retry, failure and success; the success cell carries the serialized final
Task.

Because the task ID is a pure function of (source_id, checksum,
output_format), concurrent submissions of the same triple collapse onto one
queue slot, one result cell and one store prefix.
*/
package dispatch
