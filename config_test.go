package driftsync

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig("/test/queue.db")

	if cfg.Storage.Path != "/test/queue.db" {
		t.Errorf("expected path /test/queue.db, got %s", cfg.Storage.Path)
	}
	if cfg.Transport.Kind != TransportHTTP {
		t.Error("default transport should be http")
	}
	if cfg.Retry.BaseDelay != time.Second {
		t.Error("default retry base delay should be 1 second")
	}
	if cfg.Retry.MaxAttempts != 5 {
		t.Error("default retry max attempts should be 5")
	}
	if cfg.Worker.LeaseTTL != time.Minute {
		t.Error("default lease TTL should be 1 minute")
	}
	if cfg.Retention.Interval != time.Hour {
		t.Error("default retention interval should be 1 hour")
	}
	if cfg.Retention.MaxAge != 0 {
		t.Error("default retention max age should be 0 (keep forever)")
	}
	if cfg.Telemetry.Enabled {
		t.Error("telemetry should default to disabled")
	}
	if cfg.Telemetry.PushInterval != 30*time.Second {
		t.Error("default telemetry push interval should be 30 seconds")
	}
	if cfg.OutcomeBufferSize != 64 {
		t.Error("default outcome buffer size should be 64")
	}
	if cfg.Seed != 0 {
		t.Error("default seed should be 0 (clock-seeded)")
	}
}

func TestDefaultConfig_EmptyPath(t *testing.T) {
	cfg := DefaultConfig("")

	if cfg.Storage.Path != DefaultSQLiteStorageConfig().Path {
		t.Errorf("empty path should keep the storage default, got %s", cfg.Storage.Path)
	}
}

func TestParseConfig_Empty(t *testing.T) {
	cfg, err := ParseConfig([]byte(""))
	if err != nil {
		t.Fatalf("failed to parse empty config: %v", err)
	}

	if cfg.Transport.Kind != TransportHTTP {
		t.Error("empty config should keep the http transport default")
	}
	if cfg.Retry.BaseDelay != time.Second {
		t.Error("empty config should keep the retry defaults")
	}
	if cfg.OutcomeBufferSize != 64 {
		t.Error("empty config should keep the outcome buffer default")
	}
}

func TestParseConfig_Full(t *testing.T) {
	data := []byte(`
storage:
  path: /var/lib/driftsync/queue.db
  cache_size: 5000
  journal_mode: DELETE
  synchronous: FULL
  busy_timeout: 2000
  max_connections: 2
  compress: true
  cipher:
    enabled: true
    key_password: hunter2
network:
  probe_url: https://sync.example.com/healthz
  probe_interval: 5s
  probe_timeout: 2s
  debounce_window: 15s
transport:
  kind: websocket
  websocket:
    url: wss://sync.example.com/ops
    handshake_timeout: 3s
retry:
  base_delay: 250ms
  max_delay: 1m
  multiplier: 3
  max_attempts: 8
  jitter_fraction: 0.2
worker:
  lease_ttl: 45s
  send_timeout: 20s
  batch_size: 32
  degraded_multiplier: 4
retention:
  max_age: 72h
  failed_max_age: 168h
  interval: 30m
telemetry:
  enabled: true
  endpoint: https://push.example.com/api/v1/write
  instance: edge-3
  push_interval: 15s
outcome_buffer_size: 128
seed: 42
`)
	cfg, err := ParseConfig(data)
	if err != nil {
		t.Fatalf("failed to parse config: %v", err)
	}

	if cfg.Storage.Path != "/var/lib/driftsync/queue.db" {
		t.Errorf("storage path not set, got %s", cfg.Storage.Path)
	}
	if cfg.Storage.CacheSize != 5000 {
		t.Error("storage cache size not set")
	}
	if cfg.Storage.JournalMode != "DELETE" {
		t.Error("storage journal mode not set")
	}
	if cfg.Storage.Synchronous != "FULL" {
		t.Error("storage synchronous not set")
	}
	if cfg.Storage.BusyTimeout != 2000 {
		t.Error("storage busy timeout not set")
	}
	if cfg.Storage.MaxConnections != 2 {
		t.Error("storage max connections not set")
	}
	if !cfg.Storage.Compress {
		t.Error("storage compression not enabled")
	}
	if !cfg.Storage.Cipher.Enabled {
		t.Error("storage cipher not enabled")
	}
	if cfg.Storage.Cipher.KeyPassword != "hunter2" {
		t.Error("storage cipher password not set")
	}

	if cfg.Network.ProbeURL != "https://sync.example.com/healthz" {
		t.Error("probe URL not set")
	}
	if cfg.Network.ProbeInterval != 5*time.Second {
		t.Error("probe interval not set")
	}
	if cfg.Network.ProbeTimeout != 2*time.Second {
		t.Error("probe timeout not set")
	}
	if cfg.Network.DebounceWindow != 15*time.Second {
		t.Error("debounce window not set")
	}

	if cfg.Transport.Kind != TransportWebSocket {
		t.Error("transport kind not set")
	}
	if cfg.Transport.WS.URL != "wss://sync.example.com/ops" {
		t.Error("websocket URL not set")
	}
	if cfg.Transport.WS.HandshakeTimeout != 3*time.Second {
		t.Error("websocket handshake timeout not set")
	}

	if cfg.Retry.BaseDelay != 250*time.Millisecond {
		t.Error("retry base delay not set")
	}
	if cfg.Retry.MaxDelay != time.Minute {
		t.Error("retry max delay not set")
	}
	if cfg.Retry.Multiplier != 3 {
		t.Error("retry multiplier not set")
	}
	if cfg.Retry.MaxAttempts != 8 {
		t.Error("retry max attempts not set")
	}
	if cfg.Retry.JitterFraction != 0.2 {
		t.Error("retry jitter fraction not set")
	}

	if cfg.Worker.LeaseTTL != 45*time.Second {
		t.Error("worker lease TTL not set")
	}
	if cfg.Worker.SendTimeout != 20*time.Second {
		t.Error("worker send timeout not set")
	}
	if cfg.Worker.BatchSize != 32 {
		t.Error("worker batch size not set")
	}
	if cfg.Worker.DegradedMultiplier != 4 {
		t.Error("worker degraded multiplier not set")
	}

	if cfg.Retention.MaxAge != 72*time.Hour {
		t.Error("retention max age not set")
	}
	if cfg.Retention.FailedMaxAge != 168*time.Hour {
		t.Error("retention failed max age not set")
	}
	if cfg.Retention.Interval != 30*time.Minute {
		t.Error("retention interval not set")
	}

	if !cfg.Telemetry.Enabled {
		t.Error("telemetry not enabled")
	}
	if cfg.Telemetry.Endpoint != "https://push.example.com/api/v1/write" {
		t.Error("telemetry endpoint not set")
	}
	if cfg.Telemetry.Instance != "edge-3" {
		t.Error("telemetry instance not set")
	}
	if cfg.Telemetry.PushInterval != 15*time.Second {
		t.Error("telemetry push interval not set")
	}

	if cfg.OutcomeBufferSize != 128 {
		t.Error("outcome buffer size not set")
	}
	if cfg.Seed != 42 {
		t.Error("seed not set")
	}
}

func TestParseConfig_PartialKeepsDefaults(t *testing.T) {
	data := []byte(`
retry:
  max_attempts: 10
`)
	cfg, err := ParseConfig(data)
	if err != nil {
		t.Fatalf("failed to parse config: %v", err)
	}

	if cfg.Retry.MaxAttempts != 10 {
		t.Error("retry max attempts not set")
	}
	if cfg.Retry.BaseDelay != time.Second {
		t.Error("unset retry base delay should keep the default")
	}
	if cfg.Worker.LeaseTTL != time.Minute {
		t.Error("unset worker lease TTL should keep the default")
	}
}

func TestParseConfig_S3(t *testing.T) {
	data := []byte(`
transport:
  kind: s3
  s3:
    bucket: sync-ops
    region: eu-west-1
    prefix: tenant-7
`)
	cfg, err := ParseConfig(data)
	if err != nil {
		t.Fatalf("failed to parse config: %v", err)
	}

	if cfg.Transport.Kind != TransportS3 {
		t.Error("transport kind not set")
	}
	if cfg.Transport.S3.Bucket != "sync-ops" {
		t.Error("s3 bucket not set")
	}
	if cfg.Transport.S3.Region != "eu-west-1" {
		t.Error("s3 region not set")
	}
	if cfg.Transport.S3.Prefix != "tenant-7" {
		t.Error("s3 prefix not set")
	}
}

func TestParseConfig_S3RequiresBucket(t *testing.T) {
	// An s3 section without a bucket is ignored rather than half-applied.
	data := []byte(`
transport:
  s3:
    region: eu-west-1
`)
	cfg, err := ParseConfig(data)
	if err != nil {
		t.Fatalf("failed to parse config: %v", err)
	}

	if cfg.Transport.S3.Region != "" {
		t.Error("bucketless s3 section should be ignored")
	}
}

func TestParseConfig_InvalidDuration(t *testing.T) {
	data := []byte(`
retry:
  base_delay: soon
`)
	_, err := ParseConfig(data)
	if err == nil {
		t.Fatal("expected error for invalid duration")
	}
	if !strContains(err.Error(), "retry.base_delay") {
		t.Errorf("error should name the offending field, got %q", err.Error())
	}
}

func TestParseConfig_MalformedYAML(t *testing.T) {
	_, err := ParseConfig([]byte("retry: [unclosed"))
	if err == nil {
		t.Fatal("expected error for malformed yaml")
	}
	if !strContains(err.Error(), "failed to parse config") {
		t.Errorf("unexpected error %q", err.Error())
	}
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "driftsync.yaml")
	data := []byte("transport:\n  kind: websocket\n")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}
	if cfg.Transport.Kind != TransportWebSocket {
		t.Error("transport kind not loaded from file")
	}
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	if err == nil {
		t.Fatal("expected error for missing file")
	}
	if !strContains(err.Error(), "failed to read config file") {
		t.Errorf("unexpected error %q", err.Error())
	}
}
