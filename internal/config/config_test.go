package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sofatutor/logshipper/internal/region"
	"github.com/sofatutor/logshipper/internal/sender"
)

// clearEnv blanks every variable ApplyEnv reads; empty values are ignored.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		EnvPrivateKey, EnvAppName, EnvSubsystemName, EnvRegion, EnvIngressURL,
		EnvSyncTime, EnvHTTPTimeout, EnvSendRetries, EnvCompress, EnvDebug,
		EnvLogLevel, EnvLogFormat, EnvLogFile,
	} {
		t.Setenv(key, "")
	}
}

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "logshipper.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, sender.DefaultTimeout, cfg.HTTPTimeout)
	assert.Equal(t, sender.DefaultRetries, cfg.SendRetries)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.False(t, cfg.SyncTime)
}

func TestLoad_FileThenEnv(t *testing.T) {
	clearEnv(t)
	path := writeFile(t, `
private_key: file-key
application_name: billing
subsystem_name: api
region: eu1
sync_time: true
http_timeout: 10s
compress: true
`)
	t.Setenv(EnvSubsystemName, "worker")
	t.Setenv(EnvHTTPTimeout, "5")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "file-key", cfg.PrivateKey)
	assert.Equal(t, "billing", cfg.ApplicationName)
	assert.Equal(t, "worker", cfg.SubsystemName)
	assert.Equal(t, "eu1", cfg.Region)
	assert.True(t, cfg.SyncTime)
	assert.True(t, cfg.Compress)
	assert.Equal(t, 5*time.Second, cfg.HTTPTimeout)
}

func TestLoad_EnvOnly(t *testing.T) {
	clearEnv(t)
	t.Setenv(EnvPrivateKey, "env-key")
	t.Setenv(EnvRegion, "US2")
	t.Setenv(EnvDebug, "true")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "env-key", cfg.PrivateKey)
	assert.Equal(t, "US2", cfg.Region)
	assert.True(t, cfg.Debug)
}

func TestLoadFromFile_Errors(t *testing.T) {
	_, err := LoadFromFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = LoadFromFile(writeFile(t, "unknown_field: 1\n"))
	assert.Error(t, err)

	cfg, err := LoadFromFile(writeFile(t, ""))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestValidate_CollectsAllErrors(t *testing.T) {
	clearEnv(t)
	cfg := &Config{
		Region:      "nowhere",
		HTTPTimeout: -time.Second,
		SendRetries: -1,
		LogFormat:   "xml",
	}
	err := cfg.Validate()
	require.Error(t, err)

	var merr *multierror.Error
	require.ErrorAs(t, err, &merr)
	assert.Len(t, merr.Errors, 5)
	assert.ErrorIs(t, err, ErrPrivateKeyRequired)
	var invalid *region.InvalidRegionError
	assert.ErrorAs(t, err, &invalid)
}

func TestValidate_RegionRequiredWithoutIngressURL(t *testing.T) {
	clearEnv(t)
	cfg := DefaultConfig()
	cfg.PrivateKey = "k"
	assert.ErrorIs(t, cfg.Validate(), region.ErrRegionRequired)

	cfg.IngressURL = "http://127.0.0.1:8090"
	assert.NoError(t, cfg.Validate())

	cfg.IngressURL = "not a url"
	assert.Error(t, cfg.Validate())
}

func TestShipper(t *testing.T) {
	cfg := &Config{
		PrivateKey:      "k",
		ApplicationName: "app",
		SubsystemName:   "sub",
		Region:          "AP1",
		SyncTime:        true,
		HTTPTimeout:     time.Second,
		SendRetries:     2,
	}
	sc := cfg.Shipper()
	assert.Equal(t, "k", sc.PrivateKey)
	assert.Equal(t, "app", sc.ApplicationName)
	assert.Equal(t, "sub", sc.SubsystemName)
	assert.Equal(t, "AP1", sc.Region)
	assert.True(t, sc.SyncTime)
	assert.Len(t, cfg.ShipperOptions(), 3)
}
