package minio

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/mitchellh/mapstructure"
)

const (
	defaultBucket     = "lap-staging"
	defaultBasePrefix = "staging"
	defaultTenantID   = "default"
)

// Config captures the MinIO temporary store configuration.
type Config struct {
	EndpointURL      string `mapstructure:"endpoint_url"`
	Region           string `mapstructure:"region"`
	UseSSL           bool   `mapstructure:"use_ssl"`
	AccessKeyID      string `mapstructure:"access_key_id"`
	SecretAccessKey  string `mapstructure:"secret_access_key"`
	Bucket           string `mapstructure:"bucket"`
	BasePrefix       string `mapstructure:"base_prefix"`
	TenantID         string `mapstructure:"tenant_id"`
	RootPathOverride string `mapstructure:"root_path"`
}

// ParseConfig builds a Config from loose settings. Unset bucket, prefix and
// tenant take their defaults.
func ParseConfig(settings map[string]any) (*Config, error) {
	cfg := &Config{Bucket: defaultBucket, BasePrefix: defaultBasePrefix, TenantID: defaultTenantID}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           cfg,
	})
	if err != nil {
		return nil, err
	}
	if err := decoder.Decode(settings); err != nil {
		return nil, fmt.Errorf("decode minio settings: %w", err)
	}
	cfg.BasePrefix = strings.Trim(cfg.BasePrefix, "/")
	for _, field := range []*string{&cfg.Bucket, &cfg.BasePrefix, &cfg.TenantID} {
		*field = strings.TrimSpace(*field)
	}
	if cfg.Bucket == "" {
		cfg.Bucket = defaultBucket
	}
	if cfg.BasePrefix == "" {
		cfg.BasePrefix = defaultBasePrefix
	}
	if cfg.TenantID == "" {
		cfg.TenantID = defaultTenantID
	}
	return cfg, nil
}

// Validate checks the endpoint and, for http(s) endpoints, the credentials.
func (c *Config) Validate() error {
	endpoint, err := c.endpoint()
	if err != nil {
		return opError("config", "", CodeEndpointUnreachable, false, err)
	}
	if endpoint.Scheme == "file" {
		return nil
	}
	if c.AccessKeyID == "" || c.SecretAccessKey == "" {
		return opError("config", "", CodeAuthInvalid, false, fmt.Errorf("access_key_id and secret_access_key are required"))
	}
	return nil
}

func (c *Config) endpoint() (*url.URL, error) {
	if c.EndpointURL == "" {
		return nil, fmt.Errorf("endpoint_url is required")
	}
	u, err := url.Parse(c.EndpointURL)
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "http", "https", "file":
		return u, nil
	default:
		return nil, fmt.Errorf("endpoint_url scheme must be http, https or file, got %q", u.Scheme)
	}
}

// objectRoot is the LocalStore directory: root_path, the file:// path, or a
// per-host directory under the OS temp dir.
func (c *Config) objectRoot() string {
	if c.RootPathOverride != "" {
		return c.RootPathOverride
	}
	u, err := url.Parse(c.EndpointURL)
	switch {
	case err != nil:
		return filepath.Join(os.TempDir(), "minio-local")
	case u.Scheme == "file" && u.Path != "":
		return u.Path
	case u.Host != "":
		return filepath.Join(os.TempDir(), "minio-"+strings.NewReplacer(":", "_", "/", "_", `\`, "_").Replace(u.Host))
	default:
		return filepath.Join(os.TempDir(), "minio-local")
	}
}
