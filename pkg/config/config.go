package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Config holds all runtime configuration for the compiler service. Values
// are read from the environment, optionally overlaid from a YAML file, and
// finally overridden with secrets from Vault when enabled.
type Config struct {
	// Namespace qualifies bucket names and Vault mount points per deployment.
	Namespace string `env:"NAMESPACE" yaml:"namespace"`

	Debug bool `env:"DEBUG" yaml:"debug"`

	// ListenAddr is the bind address for the HTTP API tier.
	ListenAddr string `env:"LISTEN_ADDR" envDefault:":8000" yaml:"listen_addr"`

	JWTSecret string `env:"JWT_SECRET" yaml:"jwt_secret"`

	// Filemanager is the upstream source-retrieval service.
	Filemanager FilemanagerConfig `envPrefix:"FILEMANAGER_" yaml:"filemanager"`

	// Store is the S3-compatible object store for artifacts and statuses.
	Store StoreConfig `yaml:"store"`

	// Converter controls the TeX converter container.
	Converter ConverterConfig `envPrefix:"CONVERTER_" yaml:"converter"`

	// RedisEndpoint is the address of the task queue / result backend.
	RedisEndpoint string `env:"REDIS_ENDPOINT" envDefault:"localhost:6379" yaml:"redis_endpoint"`

	// WorkerSourceRoot is where the worker writes source packages. It must
	// refer to the same underlying volume as DINDSourceRoot.
	WorkerSourceRoot string `env:"WORKER_SOURCE_ROOT" envDefault:"/tmp" yaml:"worker_source_root"`

	// DINDSourceRoot is the path under which the converter host sees the
	// worker source volume.
	DINDSourceRoot string `env:"DIND_SOURCE_ROOT" yaml:"dind_source_root"`

	VerboseCompile bool `env:"VERBOSE_COMPILE" yaml:"verbose_compile"`

	Vault VaultConfig `envPrefix:"VAULT_" yaml:"vault"`

	// WaitForServices blocks startup until all dependencies report healthy.
	WaitForServices bool          `env:"WAIT_FOR_SERVICES" yaml:"wait_for_services"`
	WaitOnStartup   time.Duration `env:"WAIT_ON_STARTUP" envDefault:"0s" yaml:"wait_on_startup"`

	LogLevel string `env:"LOGLEVEL" envDefault:"info" yaml:"log_level"`
	LogJSON  bool   `env:"LOG_JSON" envDefault:"true" yaml:"log_json"`
}

// FilemanagerConfig configures the source-retrieval client.
type FilemanagerConfig struct {
	Endpoint string `env:"ENDPOINT" envDefault:"https://arxiv.org/filemanager/api" yaml:"endpoint"`

	// ContentPath is the sub-path template for source packages. The
	// {source_id} placeholder is substituted per request.
	ContentPath    string `env:"CONTENT_PATH" envDefault:"/{source_id}/content" yaml:"content_path"`
	StatusEndpoint string `env:"STATUS_ENDPOINT" envDefault:"status" yaml:"status_endpoint"`

	// Verify enables TLS certificate verification.
	Verify bool `env:"VERIFY" envDefault:"true" yaml:"verify"`

	// VerifyChecksum enables verification of the source etag against the
	// requested checksum.
	VerifyChecksum bool `env:"VERIFY_CHECKSUM" envDefault:"true" yaml:"verify_checksum"`

	// Retries bounds the number of attempts per request.
	Retries int `env:"RETRIES" envDefault:"10" yaml:"retries"`
}

// StoreConfig configures the S3 object store gateway.
type StoreConfig struct {
	Endpoint  string `env:"S3_ENDPOINT" yaml:"endpoint"`
	Verify    bool   `env:"S3_VERIFY" envDefault:"true" yaml:"verify"`
	Bucket    string `env:"S3_BUCKET" yaml:"bucket"`
	Region    string `env:"AWS_REGION" envDefault:"us-east-1" yaml:"region"`
	AccessKey string `env:"AWS_ACCESS_KEY_ID" yaml:"access_key"`
	SecretKey string `env:"AWS_SECRET_ACCESS_KEY" yaml:"secret_key"`
}

// ConverterConfig configures the converter container runtime.
type ConverterConfig struct {
	// Image is the converter image name, optionally with a tag.
	Image string `env:"DOCKER_IMAGE" yaml:"image"`

	// ImagePull enables pulling the image before each invocation.
	ImagePull bool `env:"IMAGE_PULL" envDefault:"true" yaml:"image_pull"`

	// ContainerdSocket is the containerd API socket path.
	ContainerdSocket string `env:"CONTAINERD_SOCKET" envDefault:"/run/containerd/containerd.sock" yaml:"containerd_socket"`

	// Timeout bounds one compilation, forwarded as the -T option.
	Timeout time.Duration `env:"TIMEOUT" envDefault:"600s" yaml:"timeout"`

	// Layout is the dvips page layout, forwarded as the -t option.
	Layout string `env:"LAYOUT" envDefault:"letter" yaml:"layout"`

	// Stamp enables the PDF watermark. When disabled, -s is passed.
	Stamp bool `env:"STAMP" envDefault:"true" yaml:"stamp"`
}

// VaultConfig configures optional secret retrieval from Vault.
type VaultConfig struct {
	Enabled   bool   `env:"ENABLED" yaml:"enabled"`
	Host      string `env:"HOST" yaml:"host"`
	Port      string `env:"PORT" envDefault:"8200" yaml:"port"`
	Scheme    string `env:"SCHEME" envDefault:"https" yaml:"scheme"`
	Role      string `env:"ROLE" envDefault:"compiler" yaml:"role"`
	Cert      string `env:"CERT" yaml:"cert"`
	KubeToken string `env:"KUBE_TOKEN,unset" yaml:"-"`

	// Credential is the Vault AWS role used to mint S3 credentials.
	Credential string `env:"CREDENTIAL" yaml:"credential"`
}

// Load reads configuration from the environment, then overlays the YAML file
// at path when non-empty. Vault secrets are applied separately by the caller
// so that startup can proceed without network access when Vault is disabled.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if cfg.Store.Bucket == "" {
		cfg.Store.Bucket = fmt.Sprintf("compiler-submission-%s", cfg.Namespace)
	}
	if cfg.DINDSourceRoot == "" {
		cfg.DINDSourceRoot = cfg.WorkerSourceRoot
	}
	return cfg, nil
}

// Validate checks settings that have no safe default.
func (c *Config) Validate() error {
	if c.Converter.Image == "" {
		return fmt.Errorf("converter image is required")
	}
	if c.WorkerSourceRoot == "" {
		return fmt.Errorf("worker source root is required")
	}
	if c.Store.Bucket == "" {
		return fmt.Errorf("store bucket is required")
	}
	return nil
}
