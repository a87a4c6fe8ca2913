package core

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/3cpo-dev/bpsync/internal/fetch"
	"github.com/3cpo-dev/bpsync/internal/publish"
	"github.com/3cpo-dev/bpsync/pkg/api"
)

// Config is the on-disk configuration. Command-line flags override it.
type Config struct {
	Manifest    string `yaml:"manifest"`
	Registry    string `yaml:"registry"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TempDir     string `yaml:"temp_dir"`
	Ledger      string `yaml:"ledger"`
	Concurrency int    `yaml:"concurrency"`
	PlainHTTP   bool   `yaml:"plain_http"`
	Insecure    bool   `yaml:"insecure"`
	Proxy       string `yaml:"proxy"`
	PruneStale  bool   `yaml:"prune_stale"`

	Fetch FetchConfig `yaml:"fetch"`
	S3    S3Config    `yaml:"s3"`
}

type FetchConfig struct {
	Timeout      time.Duration `yaml:"timeout"`
	MaxRetries   int           `yaml:"max_retries"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	SSHUser      string        `yaml:"ssh_user"`
	SSHKey       string        `yaml:"ssh_key"`
	KnownHosts   string        `yaml:"known_hosts"`
}

type S3Config struct {
	Endpoint  string `yaml:"endpoint"`
	Region    string `yaml:"region"`
	UseSSL    bool   `yaml:"use_ssl"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() Config {
	retry := fetch.DefaultRetryConfig()
	return Config{
		Manifest:    "buildpack.toml",
		TempDir:     "tmp_downloads",
		Concurrency: 4,
		Fetch: FetchConfig{
			MaxRetries:   retry.MaxRetries,
			InitialDelay: retry.InitialDelay,
			MaxDelay:     retry.MaxDelay,
		},
		S3: S3Config{UseSSL: true},
	}
}

// ConfigDir resolves $XDG_CONFIG_HOME/bpsync or ~/.config/bpsync.
func ConfigDir() string {
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, _ := os.UserHomeDir()
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "bpsync")
}

// LoadConfig reads YAML configuration over the defaults. If path is empty the
// default location is used and may be absent; an explicit path must exist.
// Secrets are merged from secrets.env next to the config, then from the
// environment.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	explicit := path != ""
	if !explicit {
		path = filepath.Join(ConfigDir(), "config.yaml")
	}
	content, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(content, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	case errors.Is(err, fs.ErrNotExist) && !explicit:
	default:
		return cfg, fmt.Errorf("open config: %w", err)
	}

	secrets, _ := LoadSecretsEnv(filepath.Join(filepath.Dir(path), "secrets.env"))
	mergeEnv(secrets)
	applySecrets(&cfg, secrets)
	return cfg, nil
}

var secretKeys = []string{
	"REGISTRY_USERNAME", "REGISTRY_PASSWORD",
	"ORAS_USERNAME", "ORAS_PASSWORD",
	"S3_ACCESS_KEY", "S3_SECRET_KEY",
}

func mergeEnv(secrets map[string]string) {
	for _, k := range secretKeys {
		if v := os.Getenv(k); v != "" {
			secrets[k] = v
		}
	}
}

func applySecrets(cfg *Config, secrets map[string]string) {
	pick := func(dst *string, keys ...string) {
		for _, k := range keys {
			if v := secrets[k]; v != "" {
				*dst = v
				return
			}
		}
	}
	pick(&cfg.Username, "REGISTRY_USERNAME", "ORAS_USERNAME")
	pick(&cfg.Password, "REGISTRY_PASSWORD", "ORAS_PASSWORD")
	pick(&cfg.S3.AccessKey, "S3_ACCESS_KEY")
	pick(&cfg.S3.SecretKey, "S3_SECRET_KEY")
}

// LedgerPath returns the configured ledger or <temp dir>/ledger.json.
func (c Config) LedgerPath() string {
	if c.Ledger != "" {
		return c.Ledger
	}
	return filepath.Join(c.TempDir, "ledger.json")
}

// Credentials returns the credentials for the configured target. S3 targets
// use the access keys when set, the registry credentials otherwise.
func (c Config) Credentials() api.Credentials {
	if publish.IsS3(c.Registry) && (c.S3.AccessKey != "" || c.S3.SecretKey != "") {
		return api.Credentials{Username: c.S3.AccessKey, Password: c.S3.SecretKey}
	}
	return api.Credentials{Username: c.Username, Password: c.Password}
}

// FetchOptions maps the fetch section onto fetcher options.
func (c Config) FetchOptions(userAgent string) fetch.Options {
	retry := fetch.DefaultRetryConfig()
	retry.MaxRetries = c.Fetch.MaxRetries
	if c.Fetch.InitialDelay > 0 {
		retry.InitialDelay = c.Fetch.InitialDelay
	}
	if c.Fetch.MaxDelay > 0 {
		retry.MaxDelay = c.Fetch.MaxDelay
	}
	return fetch.Options{
		Timeout:        c.Fetch.Timeout,
		Retry:          retry,
		UserAgent:      userAgent,
		SSHUser:        c.Fetch.SSHUser,
		SSHKeyPath:     c.Fetch.SSHKey,
		KnownHostsPath: c.Fetch.KnownHosts,
	}
}

// PublishOptions maps transport settings onto publisher options.
func (c Config) PublishOptions(userAgent string) publish.Options {
	return publish.Options{
		PlainHTTP:  c.PlainHTTP,
		Insecure:   c.Insecure,
		UserAgent:  userAgent,
		S3Endpoint: c.S3.Endpoint,
		S3Region:   c.S3.Region,
		S3UseSSL:   c.S3.UseSSL,
	}
}
