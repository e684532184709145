/*
Package filemanager is the HTTP client for the upstream file management
service, which owns user-uploaded source packages.

The client retrieves source package bytes by source ID, reports the owner of
a package, and exposes an availability probe. Transient failures are retried
with exponential backoff up to a configured bound; authorization and
not-found responses are surfaced as sentinel errors without retrying.
*/
package filemanager
