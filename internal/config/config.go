package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models wayleave.yml.
type Config struct {
	Auth struct {
		BootstrapEmail     string        `yaml:"bootstrap_email"`
		AllowedEmailDomain string        `yaml:"allowed_email_domain"`
		MinPasswordLength  int           `yaml:"min_password_length"`
		AccessTTL          time.Duration `yaml:"access_ttl"`
		RefreshTTL         time.Duration `yaml:"refresh_ttl"`
		JWTSecret          string        `yaml:"jwt_secret"`
	} `yaml:"auth"`
	Storage struct {
		Dir           string        `yaml:"dir"`
		SignedURLTTL  time.Duration `yaml:"signed_url_ttl"`
		PublicBaseURL string        `yaml:"public_base_url"`
	} `yaml:"storage"`
	Feed struct {
		PollInterval time.Duration `yaml:"poll_interval"`
		// RecheckInterval is how often long-lived watchers revalidate their session.
		RecheckInterval time.Duration `yaml:"recheck_interval"`
	} `yaml:"feed"`
	Server struct {
		Addr      string  `yaml:"addr"`
		BasePath  string  `yaml:"base_path"`
		LoginRate float64 `yaml:"login_rate"`
	} `yaml:"server"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with wl config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if email := strings.TrimSpace(c.Auth.BootstrapEmail); email != "" && !strings.Contains(email, "@") {
		return fmt.Errorf("config.auth.bootstrap_email %q is not an email address", email)
	}
	if d := c.Auth.AllowedEmailDomain; d != "" && !strings.HasPrefix(d, "@") {
		return fmt.Errorf("config.auth.allowed_email_domain must start with @")
	}
	if d := c.Auth.AllowedEmailDomain; d != "" && c.Auth.BootstrapEmail != "" && !strings.HasSuffix(strings.ToLower(c.Auth.BootstrapEmail), strings.ToLower(d)) {
		return fmt.Errorf("config.auth.bootstrap_email is outside allowed domain %s", d)
	}
	if c.Auth.MinPasswordLength < 1 {
		return fmt.Errorf("config.auth.min_password_length must be positive")
	}
	if c.Auth.AccessTTL <= 0 || c.Auth.RefreshTTL <= 0 {
		return fmt.Errorf("config.auth.access_ttl and refresh_ttl are required")
	}
	if c.Auth.RefreshTTL < c.Auth.AccessTTL {
		return fmt.Errorf("config.auth.refresh_ttl must not be shorter than access_ttl")
	}
	if strings.TrimSpace(c.Auth.JWTSecret) == "" {
		return fmt.Errorf("config.auth.jwt_secret is required")
	}
	if c.Storage.Dir == "" {
		return fmt.Errorf("config.storage.dir is required")
	}
	if c.Storage.SignedURLTTL <= 0 {
		return fmt.Errorf("config.storage.signed_url_ttl must be positive")
	}
	if c.Feed.PollInterval <= 0 {
		return fmt.Errorf("config.feed.poll_interval must be positive")
	}
	if c.Feed.RecheckInterval <= 0 {
		return fmt.Errorf("config.feed.recheck_interval must be positive")
	}
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	if c.Server.LoginRate < 0 {
		return fmt.Errorf("config.server.login_rate must not be negative")
	}
	return nil
}

// StorageDir resolves the blob directory relative to the workspace.
func (c *Config) StorageDir(workspace string) string {
	if filepath.IsAbs(c.Storage.Dir) {
		return c.Storage.Dir
	}
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, c.Storage.Dir)
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "wayleave.yml")
}

// Marshal renders v as YAML; durations are written in their string form.
func Marshal(v any) ([]byte, error) {
	return yaml.Marshal(v)
}

// GenerateDefault returns default config YAML.
func GenerateDefault(jwtSecret string) string {
	return fmt.Sprintf(defaultTemplate, jwtSecret)
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct. The JWT secret is a development
// placeholder and must be replaced for any shared deployment.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(GenerateDefault("dev-only-change-me"))).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Missing keys keep their defaults.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `auth:
  bootstrap_email: ""
  allowed_email_domain: ""
  min_password_length: 6
  access_ttl: 1h
  refresh_ttl: 336h
  jwt_secret: %q

storage:
  dir: attachments
  signed_url_ttl: 60s
  public_base_url: http://127.0.0.1:8080/v0

feed:
  poll_interval: 500ms
  recheck_interval: 5s

server:
  addr: 127.0.0.1:8080
  base_path: /v0
  login_rate: 5
`
