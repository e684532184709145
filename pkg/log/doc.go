/*
Package log provides structured logging for the compiler service using
zerolog.

All components log through the global Logger, initialized once at startup via
Init. Child loggers carry a component field (api, worker, dispatch, store,
filemanager, converter) plus request-scoped fields such as task_id and
source_id, so a single compilation can be traced across the API tier, the
queue and the worker pool.

JSON output is the default in deployed environments; console output is
available for local development.
*/
package log
