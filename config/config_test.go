package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cidcache.toml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	require.NoError(t, err)

	require.Equal(t, DefaultListenAddr, cfg.Server.ListenAddr)
	require.Equal(t, DefaultGateways, cfg.Upstream.Gateways)
	require.Equal(t, DefaultMaxContentBytes, cfg.Upstream.MaxContentBytes)
	require.Equal(t, DefaultSweepInterval, cfg.Sweeper.Interval.Std())
	require.True(t, cfg.Upstream.NormalizeListings)
	require.NotEmpty(t, cfg.Storage.DataDir)
	require.Equal(t, filepath.Join(cfg.Storage.DataDir, DefaultIndexName), cfg.Storage.IndexPath)
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
[server]
listen_addr = "0.0.0.0:9000"

[storage]
data_dir = "/var/lib/cidcache"
compression = true

[upstream]
gateways = ["https://gw1.example.com", "https://gw2.example.com/"]
max_tries = 5
max_content_bytes = 1048576
gateway_pause = "30m"

[sweeper]
interval = "2h"
max_bytes = 10737418240
delete_older_than = "168h"

[log]
level = "debug"
format = "json"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, "0.0.0.0:9000", cfg.Server.ListenAddr)
	require.Equal(t, "/var/lib/cidcache", cfg.Storage.DataDir)
	require.Equal(t, filepath.Join("/var/lib/cidcache", DefaultIndexName), cfg.Storage.IndexPath)
	require.True(t, cfg.Storage.Compression)
	require.Equal(t, []string{"https://gw1.example.com", "https://gw2.example.com/"}, cfg.Upstream.Gateways)
	require.Equal(t, 5, cfg.Upstream.MaxTries)
	require.EqualValues(t, 1048576, cfg.Upstream.MaxContentBytes)
	require.Equal(t, 30*time.Minute, cfg.Upstream.GatewayPause.Std())
	require.Equal(t, 2*time.Hour, cfg.Sweeper.Interval.Std())
	require.EqualValues(t, 10737418240, cfg.Sweeper.MaxBytes)
	require.Equal(t, 7*24*time.Hour, cfg.Sweeper.DeleteOlderThan.Std())
	require.Equal(t, "debug", cfg.Log.Level)
	require.Equal(t, "json", cfg.Log.Format)

	// Unset sections keep their defaults.
	require.Equal(t, DefaultSweepBatchSize, cfg.Sweeper.BatchSize)
	require.Equal(t, DefaultGraceWindow, cfg.Sweeper.GraceWindow.Std())
}

func TestLoadEnvOverrides(t *testing.T) {
	path := writeConfig(t, `
[server]
listen_addr = "localhost:7000"
`)
	t.Setenv("CIDCACHE_LISTEN_ADDR", "localhost:7001")
	t.Setenv("CIDCACHE_GATEWAYS", "https://a.example.com, https://b.example.com")
	t.Setenv("CIDCACHE_DATA_DIR", "/tmp/cidcache-test")
	t.Setenv("CIDCACHE_LOG_FORMAT", "json")
	t.Setenv("CIDCACHE_COMPRESSION", "true")

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, "localhost:7001", cfg.Server.ListenAddr)
	require.Equal(t, []string{"https://a.example.com", "https://b.example.com"}, cfg.Upstream.Gateways)
	require.Equal(t, "/tmp/cidcache-test", cfg.Storage.DataDir)
	require.Equal(t, "json", cfg.Log.Format)
	require.True(t, cfg.Storage.Compression)
}

func TestLoadConfigPathFromEnv(t *testing.T) {
	path := writeConfig(t, `
[server]
listen_addr = "localhost:7100"
`)
	t.Setenv("CIDCACHE_CONFIG", path)

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, "localhost:7100", cfg.Server.ListenAddr)
}

func TestLoadMalformedFile(t *testing.T) {
	path := writeConfig(t, `[server`)

	_, err := Load(path)
	require.Error(t, err)
	require.Contains(t, err.Error(), "failed to parse config")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "empty listen addr",
			mutate:  func(c *Config) { c.Server.ListenAddr = "" },
			wantErr: "listen_addr",
		},
		{
			name:    "no gateways",
			mutate:  func(c *Config) { c.Upstream.Gateways = nil },
			wantErr: "at least one gateway",
		},
		{
			name:    "gateway without scheme",
			mutate:  func(c *Config) { c.Upstream.Gateways = []string{"gw.example.com"} },
			wantErr: "scheme",
		},
		{
			name:    "ftp gateway",
			mutate:  func(c *Config) { c.Upstream.Gateways = []string{"ftp://gw.example.com"} },
			wantErr: "scheme",
		},
		{
			name:    "zero max tries",
			mutate:  func(c *Config) { c.Upstream.MaxTries = 0 },
			wantErr: "max_tries",
		},
		{
			name:    "negative byte budget",
			mutate:  func(c *Config) { c.Sweeper.MaxBytes = -1 },
			wantErr: "budgets",
		},
		{
			name:    "bad log format",
			mutate:  func(c *Config) { c.Log.Format = "xml" },
			wantErr: "log.format",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			require.Contains(t, err.Error(), tt.wantErr)
		})
	}

	t.Run("defaults are valid", func(t *testing.T) {
		cfg := Default()
		require.NoError(t, cfg.Validate())
	})
}

func TestDurationRoundTrip(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalText([]byte("90m")))
	require.Equal(t, 90*time.Minute, d.Std())

	text, err := d.MarshalText()
	require.NoError(t, err)
	require.Equal(t, "1h30m0s", string(text))

	require.Error(t, d.UnmarshalText([]byte("not a duration")))
}
