package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, lines ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "batchgeocode.conf")
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")), 0o600))
	return path
}

func TestDefaultPathLinux(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("linux-specific default path")
	}

	path, err := DefaultPath()
	require.NoError(t, err)
	assert.Equal(t, "/etc/batchgeocode/batchgeocode.conf", path)
}

func TestLoadParsesConfigAndDefaults(t *testing.T) {
	path := writeConfig(t,
		"# account",
		"username = geo-user",
		"password=geo-pass",
		"; input",
		"input_path=/data/addresses.zip",
		"field_mapping=Address:Address, City:City, Region:State, Postal:Postal",
		"request_method=post",
		"poll_interval=2s",
		"max_wait=1h",
		"source_country=USA",
		"extract_results=true",
		"history_driver=pgx",
		"history_dsn=postgres://localhost/geocode",
	)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "geo-user", cfg.Username)
	assert.Equal(t, "geo-pass", cfg.Password)
	assert.Equal(t, "/data/addresses.zip", cfg.InputPath)
	assert.Equal(t, "Address:Address, City:City, Region:State, Postal:Postal", cfg.FieldMapping)
	assert.Equal(t, "POST", cfg.RequestMethod)
	assert.Equal(t, 2*time.Second, cfg.PollInterval)
	assert.Equal(t, time.Hour, cfg.MaxWait)
	assert.Equal(t, "USA", cfg.Geocode.SourceCountry)
	assert.True(t, cfg.Results.Extract)
	assert.True(t, cfg.History.Enabled())
	assert.False(t, cfg.SFTP.Enabled())

	assert.Equal(t, DefaultDiscoveryURL, cfg.DiscoveryURL)
	assert.Equal(t, DefaultBatchURL, cfg.BatchURL)
	assert.Equal(t, "*", cfg.Geocode.OutFields)
	assert.Equal(t, 60*time.Second, cfg.HTTPTimeout)
	assert.Equal(t, ".", cfg.OutputDir)
	assert.Equal(t, "text", cfg.LogFormat)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	path := writeConfig(t,
		"username=geo-user",
		"password=from-file",
	)
	t.Setenv("BATCHGEOCODE_PASSWORD", "from-env")
	t.Setenv("BATCHGEOCODE_POLL_INTERVAL", "30s")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Password)
	assert.Equal(t, 30*time.Second, cfg.PollInterval)
}

func TestLoadMissingRequiredFields(t *testing.T) {
	path := writeConfig(t, "username=geo-user")

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "password")
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	path := writeConfig(t,
		"username=geo-user",
		"password=geo-pass",
		"request_method=DELETE",
		"log_format=xml",
	)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "request_method")
	assert.Contains(t, err.Error(), "log_format")
}

func TestLoadHistoryDriverNeedsDSN(t *testing.T) {
	path := writeConfig(t,
		"username=geo-user",
		"password=geo-pass",
		"history_driver=mysql",
	)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "history_dsn")
}

func TestLoadInvalidLine(t *testing.T) {
	path := writeConfig(t, "username")

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid config line")
}

func TestLoadBadDuration(t *testing.T) {
	path := writeConfig(t,
		"username=geo-user",
		"password=geo-pass",
		"poll_interval=soon",
	)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "poll_interval")
}

func TestLoadExplicitPathMustExist(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.conf"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "open config")
}

func TestRequireSubmission(t *testing.T) {
	cfg := Config{InputPath: "in.zip"}
	err := cfg.RequireSubmission()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "field_mapping")

	cfg.FieldMapping = "SingleLine:address"
	assert.NoError(t, cfg.RequireSubmission())
}
