package config

import (
	"context"
	"fmt"
	"os"
	"strings"

	vault "github.com/hashicorp/vault/api"

	"github.com/arxiv/compiler/pkg/log"
)

// ApplySecrets authenticates with Vault using the Kubernetes auth method and
// overrides secret-bearing settings in place: the JWT secret and short-lived
// AWS credentials for the object store. No-op when Vault is disabled.
func (c *Config) ApplySecrets(ctx context.Context) error {
	if !c.Vault.Enabled {
		return nil
	}
	logger := log.WithComponent("config")

	vc := vault.DefaultConfig()
	vc.Address = fmt.Sprintf("%s://%s:%s", c.Vault.Scheme, c.Vault.Host, c.Vault.Port)
	if c.Vault.Cert != "" {
		if err := vc.ConfigureTLS(&vault.TLSConfig{CACert: c.Vault.Cert}); err != nil {
			return fmt.Errorf("failed to configure vault TLS: %w", err)
		}
	}

	client, err := vault.NewClient(vc)
	if err != nil {
		return fmt.Errorf("failed to create vault client: %w", err)
	}

	jwt, err := serviceAccountToken(c.Vault.KubeToken)
	if err != nil {
		return fmt.Errorf("failed to read service account token: %w", err)
	}
	auth, err := client.Logical().WriteWithContext(ctx, "auth/kubernetes/login",
		map[string]interface{}{"role": c.Vault.Role, "jwt": jwt})
	if err != nil {
		return fmt.Errorf("failed to authenticate with vault: %w", err)
	}
	client.SetToken(auth.Auth.ClientToken)

	affix := ""
	if c.Namespace != "production" {
		affix = "-" + c.Namespace
	}

	secret, err := client.Logical().ReadWithContext(ctx,
		fmt.Sprintf("secret%s/jwt", affix))
	if err != nil {
		return fmt.Errorf("failed to read jwt secret: %w", err)
	}
	if secret != nil {
		if v, ok := secret.Data["jwt-secret"].(string); ok {
			c.JWTSecret = v
		}
	}

	if c.Vault.Credential != "" {
		creds, err := client.Logical().ReadWithContext(ctx,
			fmt.Sprintf("aws%s/creds/%s", affix, c.Vault.Credential))
		if err != nil {
			return fmt.Errorf("failed to read aws credentials: %w", err)
		}
		if creds != nil {
			if v, ok := creds.Data["access_key"].(string); ok {
				c.Store.AccessKey = v
			}
			if v, ok := creds.Data["secret_key"].(string); ok {
				c.Store.SecretKey = v
			}
			logger.Info().Str("lease_id", creds.LeaseID).Msg("obtained AWS credentials from vault")
		}
	}

	return nil
}

// serviceAccountToken interprets the configured token as either a literal
// value or a path to a mounted token file.
func serviceAccountToken(token string) (string, error) {
	if strings.HasPrefix(token, "/") {
		raw, err := os.ReadFile(token)
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(string(raw)), nil
	}
	return token, nil
}
