package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/pingsantohq/ingestcheck/internal/logging"
)

const (
	envConfigPath     = "INGESTCHECK_CONFIG"
	DefaultConfigPath = "/etc/ingestcheck/ingestcheck.yaml"

	DefaultConfigDir = "/etc/opt/microsoft/azuremonitoragent/config-cache/configchunks"
	DefaultProxyFile = "/etc/default/azuremonitoragent"
	DefaultTokenDir  = "/var/opt/azcmagent/tokens"
	DefaultArcMarker = "/opt/azcmagent/bin/himds"

	DefaultIMDSEndpoint = "http://169.254.169.254/metadata/identity/oauth2/token"
	DefaultArcEndpoint  = "http://127.0.0.1:40342/metadata/identity/oauth2/token"
)

type Config struct {
	ConfigDir string         `yaml:"config_dir"`
	ProxyFile string         `yaml:"proxy_file"`
	CAFile    string         `yaml:"ca_file"`
	Workers   int            `yaml:"workers"`
	Timeouts  TimeoutConfig  `yaml:"timeouts"`
	Identity  IdentityConfig `yaml:"identity"`
	Report    ReportConfig   `yaml:"report"`
	Logging   logging.Config `yaml:"logging"`
	Metrics   MetricsConfig  `yaml:"metrics"`
}

// TimeoutConfig bounds each network operation individually.
type TimeoutConfig struct {
	DNS    time.Duration `yaml:"dns"`
	TLS    time.Duration `yaml:"tls"`
	HTTP   time.Duration `yaml:"http"`
	Token  time.Duration `yaml:"token"`
	Ingest time.Duration `yaml:"ingest"`
}

type IdentityConfig struct {
	// Variant forces "imds" or "arc" instead of detecting the metadata service.
	Variant       string `yaml:"variant"`
	IMDSEndpoint  string `yaml:"imds_endpoint"`
	ArcEndpoint   string `yaml:"arc_endpoint"`
	TokenDir      string `yaml:"token_dir"`
	ArcMarker     string `yaml:"arc_marker"`
	Selector      string `yaml:"selector"`
	SelectorValue string `yaml:"selector_value"`
}

type ReportConfig struct {
	CountUnexpectedAsFailed bool `yaml:"count_unexpected_as_failed"`
}

type MetricsConfig struct {
	Textfile string `yaml:"textfile"`
}

// Default returns the configuration used when no file is present.
func Default() Config {
	var cfg Config
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills every unset field.
func (c *Config) ApplyDefaults() {
	if c.ConfigDir == "" {
		c.ConfigDir = DefaultConfigDir
	}
	if c.ProxyFile == "" {
		c.ProxyFile = DefaultProxyFile
	}
	if c.Timeouts.DNS <= 0 {
		c.Timeouts.DNS = 10 * time.Second
	}
	if c.Timeouts.TLS <= 0 {
		c.Timeouts.TLS = 15 * time.Second
	}
	if c.Timeouts.HTTP <= 0 {
		c.Timeouts.HTTP = 30 * time.Second
	}
	if c.Timeouts.Token <= 0 {
		c.Timeouts.Token = 30 * time.Second
	}
	if c.Timeouts.Ingest <= 0 {
		c.Timeouts.Ingest = 30 * time.Second
	}
	if c.Identity.IMDSEndpoint == "" {
		c.Identity.IMDSEndpoint = DefaultIMDSEndpoint
	}
	if c.Identity.ArcEndpoint == "" {
		c.Identity.ArcEndpoint = DefaultArcEndpoint
	}
	if c.Identity.TokenDir == "" {
		c.Identity.TokenDir = DefaultTokenDir
	}
	if c.Identity.ArcMarker == "" {
		c.Identity.ArcMarker = DefaultArcMarker
	}
}

// Validate rejects settings that cannot be acted on.
func (c Config) Validate() error {
	if c.Workers < 0 {
		return fmt.Errorf("workers must not be negative (got %d)", c.Workers)
	}
	switch c.Identity.Variant {
	case "", "imds", "arc":
	default:
		return fmt.Errorf("identity variant %q must be imds or arc", c.Identity.Variant)
	}
	switch c.Identity.Selector {
	case "", "client_id", "mi_res_id", "object_id":
	default:
		return fmt.Errorf("identity selector %q must be one of client_id, mi_res_id, object_id", c.Identity.Selector)
	}
	if c.Identity.Selector != "" && c.Identity.SelectorValue == "" {
		return fmt.Errorf("identity selector %q requires selector_value", c.Identity.Selector)
	}
	return nil
}

func Load(ctx context.Context, path string) (Config, error) {
	var cfg Config

	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return cfg, fmt.Errorf("open config %q: %w", path, err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return cfg, fmt.Errorf("read config %q: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %q: %w", path, err)
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("validate config %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromEnv loads the file named by INGESTCHECK_CONFIG. When the variable is
// unset and the default file does not exist, defaults are returned.
func LoadFromEnv(ctx context.Context) (Config, error) {
	path := os.Getenv(envConfigPath)
	if path != "" {
		return Load(ctx, path)
	}
	cfg, err := Load(ctx, DefaultConfigPath)
	if errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}
