// Package config loads cidcache configuration from a TOML file with
// environment variable overrides.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	DefaultListenAddr  = "localhost:8090"
	DefaultDataDirName = "cidcache"
	DefaultIndexName   = "index.db"

	DefaultMaxContentBytes int64 = 512 * 1024 * 1024
	DefaultMaxTries              = 3
	DefaultGatewayPause          = 15 * time.Minute

	DefaultSweepInterval   = time.Hour
	DefaultStartupDelay    = 5 * time.Minute
	DefaultGraceWindow     = 5 * time.Minute
	DefaultTempMaxAge      = time.Hour
	DefaultSweepBatchSize  = 1000
	DefaultDeleteOlderThan = 30 * 24 * time.Hour

	configPathEnvKey = "CIDCACHE_CONFIG"
)

// DefaultGateways are public IPFS HTTP gateways tried when none are
// configured.
var DefaultGateways = []string{
	"https://ipfs.io",
	"https://dweb.link",
}

// Duration is a time.Duration that unmarshals from TOML strings like
// "15m" or "24h".
type Duration time.Duration

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// ServerConfig defines the HTTP listener.
type ServerConfig struct {
	ListenAddr      string   `toml:"listen_addr"`
	ShutdownTimeout Duration `toml:"shutdown_timeout"`

	// AuthToken, when set, requires "Authorization: Bearer <token>" on
	// all endpoints except /health and /metrics.
	AuthToken string `toml:"auth_token"`
}

// StorageConfig defines where blobs and the object index live.
type StorageConfig struct {
	DataDir     string `toml:"data_dir"`
	IndexPath   string `toml:"index_path"`
	Compression bool   `toml:"compression"`
}

// UpstreamConfig defines how content is fetched from gateways.
type UpstreamConfig struct {
	Gateways          []string `toml:"gateways"`
	MaxTries          int      `toml:"max_tries"`
	MaxContentBytes   int64    `toml:"max_content_bytes"`
	GatewayPause      Duration `toml:"gateway_pause"`
	FetchTimeout      Duration `toml:"fetch_timeout"`
	NormalizeListings bool     `toml:"normalize_listings"`
}

// SweeperConfig defines cache retention budgets and sweep cadence.
type SweeperConfig struct {
	Interval        Duration `toml:"interval"`
	StartupDelay    Duration `toml:"startup_delay"`
	MaxBytes        int64    `toml:"max_bytes"`
	MaxObjects      int64    `toml:"max_objects"`
	DeleteOlderThan Duration `toml:"delete_older_than"`
	GraceWindow     Duration `toml:"grace_window"`
	TempMaxAge      Duration `toml:"temp_max_age"`
	BatchSize       int      `toml:"batch_size"`
}

// TelemetryConfig defines metrics export.
type TelemetryConfig struct {
	OTLPEndpoint string `toml:"otlp_endpoint"`
	Prometheus   bool   `toml:"prometheus"`
}

// LogConfig defines log output.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// Config defines runtime configuration for cidcache.
type Config struct {
	Server    ServerConfig    `toml:"server"`
	Storage   StorageConfig   `toml:"storage"`
	Upstream  UpstreamConfig  `toml:"upstream"`
	Sweeper   SweeperConfig   `toml:"sweeper"`
	Telemetry TelemetryConfig `toml:"telemetry"`
	Log       LogConfig       `toml:"log"`
}

// Default returns default configuration values.
func Default() Config {
	return Config{
		Server: ServerConfig{
			ListenAddr:      DefaultListenAddr,
			ShutdownTimeout: Duration(30 * time.Second),
		},
		Storage: StorageConfig{
			Compression: false,
		},
		Upstream: UpstreamConfig{
			Gateways:          append([]string(nil), DefaultGateways...),
			MaxTries:          DefaultMaxTries,
			MaxContentBytes:   DefaultMaxContentBytes,
			GatewayPause:      Duration(DefaultGatewayPause),
			FetchTimeout:      Duration(5 * time.Minute),
			NormalizeListings: true,
		},
		Sweeper: SweeperConfig{
			Interval:        Duration(DefaultSweepInterval),
			StartupDelay:    Duration(DefaultStartupDelay),
			DeleteOlderThan: Duration(DefaultDeleteOlderThan),
			GraceWindow:     Duration(DefaultGraceWindow),
			TempMaxAge:      Duration(DefaultTempMaxAge),
			BatchSize:       DefaultSweepBatchSize,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

func loadFileIfExists(path string, cfg *Config) (bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	if info.IsDir() {
		return false, nil
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return false, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return true, nil
}

// Load reads config from path (or CIDCACHE_CONFIG when path is empty),
// applies env overrides, and fills in derived defaults. A missing file
// is not an error; defaults apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = strings.TrimSpace(os.Getenv(configPathEnvKey))
	}
	if path != "" {
		if _, err := loadFileIfExists(path, &cfg); err != nil {
			return nil, err
		}
	}

	applyEnvOverrides(&cfg)

	if cfg.Storage.DataDir == "" {
		cacheDir, err := os.UserCacheDir()
		if err != nil {
			return nil, fmt.Errorf("resolving data dir: %w", err)
		}
		cfg.Storage.DataDir = filepath.Join(cacheDir, DefaultDataDirName)
	}
	if cfg.Storage.IndexPath == "" {
		cfg.Storage.IndexPath = filepath.Join(cfg.Storage.DataDir, DefaultIndexName)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("CIDCACHE_LISTEN_ADDR"); v != "" {
		cfg.Server.ListenAddr = v
	}
	if v := os.Getenv("CIDCACHE_AUTH_TOKEN"); v != "" {
		cfg.Server.AuthToken = v
	}
	if v := os.Getenv("CIDCACHE_DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}
	if v := os.Getenv("CIDCACHE_INDEX_PATH"); v != "" {
		cfg.Storage.IndexPath = v
	}
	if v := strings.TrimSpace(os.Getenv("CIDCACHE_GATEWAYS")); v != "" {
		cfg.Upstream.Gateways = splitCSV(v)
	}
	if v := os.Getenv("CIDCACHE_OTLP_ENDPOINT"); v != "" {
		cfg.Telemetry.OTLPEndpoint = v
	}
	if v := os.Getenv("CIDCACHE_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("CIDCACHE_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
	if raw := strings.TrimSpace(os.Getenv("CIDCACHE_COMPRESSION")); raw != "" {
		if parsed, err := strconv.ParseBool(raw); err == nil {
			cfg.Storage.Compression = parsed
		}
	}
	if raw := strings.TrimSpace(os.Getenv("CIDCACHE_MAX_BYTES")); raw != "" {
		if parsed, err := strconv.ParseInt(raw, 10, 64); err == nil && parsed > 0 {
			cfg.Sweeper.MaxBytes = parsed
		}
	}
}

// Validate checks values that would otherwise fail at an awkward time,
// like a malformed gateway URL surfacing on the first cache miss.
func (c *Config) Validate() error {
	if c.Server.ListenAddr == "" {
		return fmt.Errorf("server.listen_addr must not be empty")
	}
	if len(c.Upstream.Gateways) == 0 {
		return fmt.Errorf("upstream.gateways must list at least one gateway")
	}
	for _, gw := range c.Upstream.Gateways {
		u, err := url.Parse(gw)
		if err != nil {
			return fmt.Errorf("upstream gateway %q: %w", gw, err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("upstream gateway %q: scheme must be http or https", gw)
		}
		if u.Host == "" {
			return fmt.Errorf("upstream gateway %q: missing host", gw)
		}
	}
	if c.Upstream.MaxTries <= 0 {
		return fmt.Errorf("upstream.max_tries must be positive")
	}
	if c.Upstream.MaxContentBytes < 0 {
		return fmt.Errorf("upstream.max_content_bytes must not be negative")
	}
	if c.Sweeper.MaxBytes < 0 || c.Sweeper.MaxObjects < 0 {
		return fmt.Errorf("sweeper budgets must not be negative")
	}
	if c.Sweeper.Interval.Std() <= 0 {
		return fmt.Errorf("sweeper.interval must be positive")
	}
	if c.Sweeper.BatchSize <= 0 {
		return fmt.Errorf("sweeper.batch_size must be positive")
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}
	return nil
}

func splitCSV(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return out
}
