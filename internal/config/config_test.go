package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	return path
}

func TestLoad_FileValues(t *testing.T) {
	path := writeConfig(t, `
app_key = "key123"
app_secret = "sec456"
auth_type = "token"
log_level = "debug"

[servers]
api = "https://api.example.test"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "key123", cfg.AppKey)
	assert.Equal(t, "sec456", cfg.AppSecret)
	assert.Equal(t, "token", cfg.AuthType)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "https://api.example.test", cfg.Servers.API)
	assert.Empty(t, cfg.Servers.Content)
}

func TestLoad_Defaults(t *testing.T) {
	path := writeConfig(t, `app_key = "key123"`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "code", cfg.AuthType)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.NotEmpty(t, cfg.CredentialsPath)
	assert.Equal(t, "credentials.json", filepath.Base(cfg.CredentialsPath))
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeConfig(t, `
app_key = "filekey"
log_level = "warn"
`)

	t.Setenv("DROPBOX_GO_APP_KEY", "envkey")
	t.Setenv("DROPBOX_GO_LOG_LEVEL", "error")
	t.Setenv("DROPBOX_GO_API_SERVER", "https://proxy.example.test")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "envkey", cfg.AppKey)
	assert.Equal(t, "error", cfg.LogLevel)
	assert.Equal(t, "https://proxy.example.test", cfg.Servers.API)
}

func TestLoad_EnvOnly(t *testing.T) {
	// Point the default config location at an empty directory so no real
	// user config leaks into the test.
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("DROPBOX_GO_APP_KEY", "envkey")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "envkey", cfg.AppKey)
}

func TestLoad_ExplicitPathMissing(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not exist")
}

func TestLoad_MissingAppKey(t *testing.T) {
	path := writeConfig(t, `log_level = "info"`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "app_key")
}

func TestLoad_InvalidAuthType(t *testing.T) {
	path := writeConfig(t, `
app_key = "key123"
auth_type = "password"
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "auth_type")
}

func TestLoad_InvalidLogLevel(t *testing.T) {
	path := writeConfig(t, `
app_key = "key123"
log_level = "loud"
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "log_level")
}

func TestLoad_MalformedTOML(t *testing.T) {
	path := writeConfig(t, `app_key = [unclosed`)

	_, err := Load(path)
	require.Error(t, err)
}
