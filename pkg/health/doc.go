// Package health aggregates availability probes for the service's upstream
// dependencies: the object store, the task queue, the file management
// service, and the converter runtime. The API's status endpoint reports the
// per-dependency verdict, and process startup can block on Await until every
// dependency answers.
package health
