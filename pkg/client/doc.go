// Package client is a Go client for the compiler HTTP API, intended for
// other arXiv services that request compilations programmatically.
package client
