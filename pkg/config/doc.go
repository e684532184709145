/*
Package config loads runtime configuration for the compiler service.

Configuration is an explicit value constructed once at startup and injected
into the API server and worker factories; nothing reads the environment after
Load returns. Sources are applied in order: environment variables, an
optional YAML overlay file, then Vault-provided secrets (JWT secret, AWS
credentials) when Vault is enabled.
*/
package config
