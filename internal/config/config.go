// Package config loads the CLI configuration: application credentials,
// optional server overrides, and logging preferences. Values resolve in
// layers (config file, then DROPBOX_GO_* environment variables, then CLI
// flags) with later layers winning.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// appDirName is the directory under the user config dir holding the
// config file and persisted credentials.
const appDirName = "dropbox-go"

// Config is the top-level configuration structure parsed from a TOML file.
type Config struct {
	// AppKey and AppSecret identify the Dropbox application. The secret
	// may be empty for public clients using the implicit grant.
	AppKey    string `toml:"app_key"`
	AppSecret string `toml:"app_secret"`

	// AuthType selects the OAuth response type: "code" (default) or "token".
	AuthType string `toml:"auth_type"`

	// LogLevel is the baseline slog level: debug, info, warn, or error.
	// The --verbose and --quiet flags override it.
	LogLevel string `toml:"log_level"`

	// CredentialsPath overrides where the credential file is stored.
	CredentialsPath string `toml:"credentials_path"`

	Servers Servers `toml:"servers"`
}

// Servers overrides the API endpoints, typically for tests or proxies.
// Empty fields fall through to the production hosts.
type Servers struct {
	API     string `toml:"api"`
	Content string `toml:"content"`
	Auth    string `toml:"auth"`
	Notify  string `toml:"notify"`
}

// DefaultPath returns the default config file location,
// e.g. ~/.config/dropbox-go/config.toml on Linux.
func DefaultPath() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("config: resolving user config dir: %w", err)
	}

	return filepath.Join(base, appDirName, "config.toml"), nil
}

// Load reads the config file at path (or the default location when path is
// empty), applies environment overrides, and fills defaults. A missing file
// at the default location is not an error since environment variables alone
// can configure the CLI, but an explicit path must exist.
func Load(path string) (*Config, error) {
	explicit := path != ""

	if path == "" {
		var err error
		if path, err = DefaultPath(); err != nil {
			return nil, err
		}
	}

	cfg := &Config{}

	data, err := os.ReadFile(path)

	switch {
	case errors.Is(err, fs.ErrNotExist):
		if explicit {
			return nil, fmt.Errorf("config: %s does not exist", path)
		}
	case err != nil:
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	default:
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parsing %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) applyEnv() {
	overlay(&c.AppKey, "DROPBOX_GO_APP_KEY")
	overlay(&c.AppSecret, "DROPBOX_GO_APP_SECRET")
	overlay(&c.AuthType, "DROPBOX_GO_AUTH_TYPE")
	overlay(&c.LogLevel, "DROPBOX_GO_LOG_LEVEL")
	overlay(&c.CredentialsPath, "DROPBOX_GO_CREDENTIALS_PATH")
	overlay(&c.Servers.API, "DROPBOX_GO_API_SERVER")
	overlay(&c.Servers.Content, "DROPBOX_GO_CONTENT_SERVER")
	overlay(&c.Servers.Auth, "DROPBOX_GO_AUTH_SERVER")
	overlay(&c.Servers.Notify, "DROPBOX_GO_NOTIFY_SERVER")
}

func overlay(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func (c *Config) applyDefaults() {
	if c.AuthType == "" {
		c.AuthType = "code"
	}

	if c.LogLevel == "" {
		c.LogLevel = "info"
	}

	if c.CredentialsPath == "" {
		if base, err := os.UserConfigDir(); err == nil {
			c.CredentialsPath = filepath.Join(base, appDirName, "credentials.json")
		}
	}
}

func (c *Config) validate() error {
	if c.AppKey == "" {
		return errors.New("config: app_key is not set (config file or DROPBOX_GO_APP_KEY)")
	}

	switch c.AuthType {
	case "code", "token":
	default:
		return fmt.Errorf("config: invalid auth_type %q (want code or token)", c.AuthType)
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: invalid log_level %q (want debug, info, warn, or error)", c.LogLevel)
	}

	return nil
}
