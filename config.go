package driftsync

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Transport kinds selectable via configuration.
const (
	TransportHTTP      = "http"
	TransportWebSocket = "websocket"
	TransportS3        = "s3"
)

// Config defines engine configuration.
type Config struct {
	// Storage configures the durable SQLite queue used by Open.
	Storage SQLiteStorageConfig

	// Network configures the probing network monitor used by Open.
	Network NetworkConfig

	// Transport selects and configures the delivery transport used by Open.
	Transport TransportConfig

	// Retry is the backoff policy for transient delivery failures.
	Retry RetryPolicy

	// Worker tunes the delivery loop.
	Worker WorkerConfig

	// Retention controls cleanup of settled and failed operations.
	Retention RetentionConfig

	// Telemetry configures periodic stats push to a remote-write endpoint.
	Telemetry TelemetryConfig

	// OutcomeBufferSize is the per-subscriber outcome event buffer.
	// Default: 64.
	OutcomeBufferSize int

	// Seed fixes the backoff jitter source for reproducible runs.
	// 0 seeds from the clock.
	Seed int64
}

// TransportConfig selects one delivery transport.
type TransportConfig struct {
	// Kind is "http", "websocket", or "s3". Default: "http".
	Kind string `json:"kind" yaml:"kind"`

	HTTP HTTPTransportConfig `json:"http" yaml:"http"`
	WS   WSTransportConfig   `json:"websocket" yaml:"websocket"`
	S3   S3TransportConfig   `json:"s3" yaml:"s3"`
}

// RetentionConfig groups cleanup settings.
type RetentionConfig struct {
	// MaxAge is how long settled operations are kept for bookkeeping
	// before the purge loop drops them. 0 disables the loop.
	MaxAge time.Duration

	// FailedMaxAge is how long failed operations are kept for inspection.
	// 0 keeps them until cleared explicitly.
	FailedMaxAge time.Duration

	// Interval is how often cleanup runs.
	// Default: 1 hour.
	Interval time.Duration
}

// DefaultConfig returns a configuration with sensible defaults. path is
// the SQLite queue location; empty keeps the storage default.
func DefaultConfig(path string) Config {
	storage := DefaultSQLiteStorageConfig()
	if path != "" {
		storage.Path = path
	}
	return Config{
		Storage: storage,
		Network: DefaultNetworkConfig(),
		Transport: TransportConfig{
			Kind: TransportHTTP,
			HTTP: DefaultHTTPTransportConfig(),
			WS:   DefaultWSTransportConfig(),
		},
		Retry:  DefaultRetryPolicy(),
		Worker: DefaultWorkerConfig(),
		Retention: RetentionConfig{
			Interval: time.Hour,
		},
		Telemetry:         DefaultTelemetryConfig(),
		OutcomeBufferSize: 64,
	}
}

// fileConfig is the YAML-facing shape of Config. Duration fields are
// strings in Go duration syntax ("500ms", "1m30s") and are parsed at load
// time; empty strings keep the default.
type fileConfig struct {
	Storage           fileStorageConfig   `yaml:"storage"`
	Network           fileNetworkConfig   `yaml:"network"`
	Transport         fileTransportConfig `yaml:"transport"`
	Retry             fileRetryConfig     `yaml:"retry"`
	Worker            fileWorkerConfig    `yaml:"worker"`
	Retention         fileRetentionConfig `yaml:"retention"`
	Telemetry         fileTelemetryConfig `yaml:"telemetry"`
	OutcomeBufferSize int                 `yaml:"outcome_buffer_size"`
	Seed              int64               `yaml:"seed"`
}

type fileStorageConfig struct {
	Path           string           `yaml:"path"`
	CacheSize      int              `yaml:"cache_size"`
	JournalMode    string           `yaml:"journal_mode"`
	Synchronous    string           `yaml:"synchronous"`
	BusyTimeout    int              `yaml:"busy_timeout"`
	MaxConnections int              `yaml:"max_connections"`
	Compress       bool             `yaml:"compress"`
	Cipher         fileCipherConfig `yaml:"cipher"`
}

type fileCipherConfig struct {
	Enabled bool `yaml:"enabled"`
	// KeyPassword derives the key; raw keys cannot be configured from a
	// file and must be passed programmatically.
	KeyPassword string `yaml:"key_password"`
}

type fileNetworkConfig struct {
	ProbeURL       string `yaml:"probe_url"`
	ProbeInterval  string `yaml:"probe_interval"`
	ProbeTimeout   string `yaml:"probe_timeout"`
	DebounceWindow string `yaml:"debounce_window"`
}

type fileTransportConfig struct {
	Kind string                  `yaml:"kind"`
	HTTP fileHTTPTransportConfig `yaml:"http"`
	WS   fileWSTransportConfig   `yaml:"websocket"`
	S3   S3TransportConfig       `yaml:"s3"`
}

type fileHTTPTransportConfig struct {
	Endpoint string            `yaml:"endpoint"`
	Headers  map[string]string `yaml:"headers"`
	Timeout  string            `yaml:"timeout"`
}

type fileWSTransportConfig struct {
	URL              string            `yaml:"url"`
	Headers          map[string]string `yaml:"headers"`
	HandshakeTimeout string            `yaml:"handshake_timeout"`
	WriteTimeout     string            `yaml:"write_timeout"`
	ReadTimeout      string            `yaml:"read_timeout"`
}

type fileRetryConfig struct {
	BaseDelay      string  `yaml:"base_delay"`
	MaxDelay       string  `yaml:"max_delay"`
	Multiplier     float64 `yaml:"multiplier"`
	MaxAttempts    int     `yaml:"max_attempts"`
	JitterFraction float64 `yaml:"jitter_fraction"`
}

type fileWorkerConfig struct {
	LeaseTTL           string  `yaml:"lease_ttl"`
	SendTimeout        string  `yaml:"send_timeout"`
	BatchSize          int     `yaml:"batch_size"`
	StorageRetryDelay  string  `yaml:"storage_retry_delay"`
	ReclaimInterval    string  `yaml:"reclaim_interval"`
	DegradedMultiplier float64 `yaml:"degraded_multiplier"`
}

type fileRetentionConfig struct {
	MaxAge       string `yaml:"max_age"`
	FailedMaxAge string `yaml:"failed_max_age"`
	Interval     string `yaml:"interval"`
}

type fileTelemetryConfig struct {
	Enabled      bool              `yaml:"enabled"`
	Endpoint     string            `yaml:"endpoint"`
	Headers      map[string]string `yaml:"headers"`
	PushInterval string            `yaml:"push_interval"`
	PushTimeout  string            `yaml:"push_timeout"`
	Instance     string            `yaml:"instance"`
}

// LoadConfig reads a YAML configuration file, overlaying it on defaults.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config file: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig parses YAML configuration, overlaying it on defaults.
func ParseConfig(data []byte) (Config, error) {
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg := DefaultConfig(fc.Storage.Path)

	if fc.Storage.CacheSize != 0 {
		cfg.Storage.CacheSize = fc.Storage.CacheSize
	}
	if fc.Storage.JournalMode != "" {
		cfg.Storage.JournalMode = fc.Storage.JournalMode
	}
	if fc.Storage.Synchronous != "" {
		cfg.Storage.Synchronous = fc.Storage.Synchronous
	}
	if fc.Storage.BusyTimeout != 0 {
		cfg.Storage.BusyTimeout = fc.Storage.BusyTimeout
	}
	if fc.Storage.MaxConnections != 0 {
		cfg.Storage.MaxConnections = fc.Storage.MaxConnections
	}
	cfg.Storage.Compress = fc.Storage.Compress
	cfg.Storage.Cipher.Enabled = fc.Storage.Cipher.Enabled
	cfg.Storage.Cipher.KeyPassword = fc.Storage.Cipher.KeyPassword

	cfg.Network.ProbeURL = fc.Network.ProbeURL
	if err := parseDuration("network.probe_interval", fc.Network.ProbeInterval, &cfg.Network.ProbeInterval); err != nil {
		return Config{}, err
	}
	if err := parseDuration("network.probe_timeout", fc.Network.ProbeTimeout, &cfg.Network.ProbeTimeout); err != nil {
		return Config{}, err
	}
	if err := parseDuration("network.debounce_window", fc.Network.DebounceWindow, &cfg.Network.DebounceWindow); err != nil {
		return Config{}, err
	}

	if fc.Transport.Kind != "" {
		cfg.Transport.Kind = fc.Transport.Kind
	}
	cfg.Transport.HTTP.Endpoint = fc.Transport.HTTP.Endpoint
	if len(fc.Transport.HTTP.Headers) > 0 {
		cfg.Transport.HTTP.Headers = fc.Transport.HTTP.Headers
	}
	if err := parseDuration("transport.http.timeout", fc.Transport.HTTP.Timeout, &cfg.Transport.HTTP.Timeout); err != nil {
		return Config{}, err
	}
	cfg.Transport.WS.URL = fc.Transport.WS.URL
	if len(fc.Transport.WS.Headers) > 0 {
		cfg.Transport.WS.Headers = fc.Transport.WS.Headers
	}
	if err := parseDuration("transport.websocket.handshake_timeout", fc.Transport.WS.HandshakeTimeout, &cfg.Transport.WS.HandshakeTimeout); err != nil {
		return Config{}, err
	}
	if err := parseDuration("transport.websocket.write_timeout", fc.Transport.WS.WriteTimeout, &cfg.Transport.WS.WriteTimeout); err != nil {
		return Config{}, err
	}
	if err := parseDuration("transport.websocket.read_timeout", fc.Transport.WS.ReadTimeout, &cfg.Transport.WS.ReadTimeout); err != nil {
		return Config{}, err
	}
	if fc.Transport.S3.Bucket != "" {
		cfg.Transport.S3 = fc.Transport.S3
	}

	if err := parseDuration("retry.base_delay", fc.Retry.BaseDelay, &cfg.Retry.BaseDelay); err != nil {
		return Config{}, err
	}
	if err := parseDuration("retry.max_delay", fc.Retry.MaxDelay, &cfg.Retry.MaxDelay); err != nil {
		return Config{}, err
	}
	if fc.Retry.Multiplier != 0 {
		cfg.Retry.Multiplier = fc.Retry.Multiplier
	}
	if fc.Retry.MaxAttempts != 0 {
		cfg.Retry.MaxAttempts = fc.Retry.MaxAttempts
	}
	if fc.Retry.JitterFraction != 0 {
		cfg.Retry.JitterFraction = fc.Retry.JitterFraction
	}

	if err := parseDuration("worker.lease_ttl", fc.Worker.LeaseTTL, &cfg.Worker.LeaseTTL); err != nil {
		return Config{}, err
	}
	if err := parseDuration("worker.send_timeout", fc.Worker.SendTimeout, &cfg.Worker.SendTimeout); err != nil {
		return Config{}, err
	}
	if fc.Worker.BatchSize != 0 {
		cfg.Worker.BatchSize = fc.Worker.BatchSize
	}
	if err := parseDuration("worker.storage_retry_delay", fc.Worker.StorageRetryDelay, &cfg.Worker.StorageRetryDelay); err != nil {
		return Config{}, err
	}
	if err := parseDuration("worker.reclaim_interval", fc.Worker.ReclaimInterval, &cfg.Worker.ReclaimInterval); err != nil {
		return Config{}, err
	}
	if fc.Worker.DegradedMultiplier != 0 {
		cfg.Worker.DegradedMultiplier = fc.Worker.DegradedMultiplier
	}

	if err := parseDuration("retention.max_age", fc.Retention.MaxAge, &cfg.Retention.MaxAge); err != nil {
		return Config{}, err
	}
	if err := parseDuration("retention.failed_max_age", fc.Retention.FailedMaxAge, &cfg.Retention.FailedMaxAge); err != nil {
		return Config{}, err
	}
	if err := parseDuration("retention.interval", fc.Retention.Interval, &cfg.Retention.Interval); err != nil {
		return Config{}, err
	}

	cfg.Telemetry.Enabled = fc.Telemetry.Enabled
	cfg.Telemetry.Endpoint = fc.Telemetry.Endpoint
	if len(fc.Telemetry.Headers) > 0 {
		cfg.Telemetry.Headers = fc.Telemetry.Headers
	}
	if err := parseDuration("telemetry.push_interval", fc.Telemetry.PushInterval, &cfg.Telemetry.PushInterval); err != nil {
		return Config{}, err
	}
	if err := parseDuration("telemetry.push_timeout", fc.Telemetry.PushTimeout, &cfg.Telemetry.PushTimeout); err != nil {
		return Config{}, err
	}
	if fc.Telemetry.Instance != "" {
		cfg.Telemetry.Instance = fc.Telemetry.Instance
	}

	if fc.OutcomeBufferSize != 0 {
		cfg.OutcomeBufferSize = fc.OutcomeBufferSize
	}
	cfg.Seed = fc.Seed

	return cfg, nil
}

// parseDuration parses a duration string into dst, leaving it untouched
// when raw is empty.
func parseDuration(field, raw string, dst *time.Duration) error {
	if raw == "" {
		return nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration for %s: %q", field, raw)
	}
	*dst = d
	return nil
}
