package driftsync

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/snappy"
	"github.com/prometheus/prometheus/prompb"
)

// TelemetryConfig configures periodic stats push to a Prometheus
// remote-write endpoint.
type TelemetryConfig struct {
	// Enabled turns the reporter on.
	Enabled bool `json:"enabled" yaml:"enabled"`

	// Endpoint is the remote-write URL.
	Endpoint string `json:"endpoint" yaml:"endpoint"`

	// Headers are added to every push (auth tokens).
	Headers map[string]string `json:"headers" yaml:"headers"`

	// PushInterval is how often stats are pushed.
	// Default: 30s
	PushInterval time.Duration `json:"push_interval" yaml:"push_interval"`

	// PushTimeout bounds a single push.
	// Default: 10s
	PushTimeout time.Duration `json:"push_timeout" yaml:"push_timeout"`

	// Instance is the value of the instance label on every series.
	// Default: "driftsync"
	Instance string `json:"instance" yaml:"instance"`

	// Client overrides the HTTP client, mainly for tests.
	Client HTTPDoer `json:"-" yaml:"-"`
}

// DefaultTelemetryConfig returns default telemetry configuration.
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		PushInterval: 30 * time.Second,
		PushTimeout:  10 * time.Second,
		Instance:     "driftsync",
	}
}

// StatsSource provides the snapshot the reporter pushes.
type StatsSource interface {
	Stats(ctx context.Context) (EngineStats, error)
}

// StatsReporter pushes engine stats as Prometheus remote-write samples.
// Pushes are best effort: a failed push is logged and the next interval
// tries again. The reporter never affects queue processing.
type StatsReporter struct {
	config  TelemetryConfig
	source  StatsSource
	client  HTTPDoer
	running atomic.Bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewStatsReporter creates a reporter for the given source.
func NewStatsReporter(config TelemetryConfig, source StatsSource) *StatsReporter {
	if config.PushInterval <= 0 {
		config.PushInterval = 30 * time.Second
	}
	if config.PushTimeout <= 0 {
		config.PushTimeout = 10 * time.Second
	}
	if config.Instance == "" {
		config.Instance = "driftsync"
	}
	client := config.Client
	if client == nil {
		client = &http.Client{Timeout: config.PushTimeout}
	}
	return &StatsReporter{
		config: config,
		source: source,
		client: client,
	}
}

// Start begins pushing in the background.
func (r *StatsReporter) Start() {
	if r.running.Swap(true) {
		return // Already running
	}

	r.stopCh = make(chan struct{})
	r.wg.Add(1)
	go r.pushLoop()
}

// Stop halts pushing.
func (r *StatsReporter) Stop() {
	if !r.running.Swap(false) {
		return
	}

	close(r.stopCh)
	r.wg.Wait()
}

func (r *StatsReporter) pushLoop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.config.PushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.push()
		}
	}
}

// push collects one snapshot and sends it.
func (r *StatsReporter) push() {
	ctx, cancel := context.WithTimeout(context.Background(), r.config.PushTimeout)
	defer cancel()

	stats, err := r.source.Stats(ctx)
	if err != nil {
		slog.Warn("telemetry snapshot failed", "error", err)
		return
	}

	req := r.buildWriteRequest(stats, time.Now())
	data, err := req.Marshal()
	if err != nil {
		slog.Warn("telemetry encode failed", "error", err)
		return
	}
	compressed := snappy.Encode(nil, data)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.config.Endpoint, bytes.NewReader(compressed))
	if err != nil {
		slog.Warn("telemetry request build failed", "error", err)
		return
	}
	httpReq.Header.Set("Content-Type", "application/x-protobuf")
	httpReq.Header.Set("Content-Encoding", "snappy")
	httpReq.Header.Set("X-Prometheus-Remote-Write-Version", "0.1.0")
	for k, v := range r.config.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := r.client.Do(httpReq)
	if err != nil {
		slog.Warn("telemetry push failed", "error", err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		slog.Warn("telemetry push rejected", "status", resp.StatusCode)
		return
	}
	slog.Debug("telemetry pushed", "series", len(req.Timeseries))
}

// buildWriteRequest maps a stats snapshot onto remote-write series. Sample
// timestamps are in milliseconds per the remote-write protocol.
func (r *StatsReporter) buildWriteRequest(stats EngineStats, now time.Time) prompb.WriteRequest {
	ts := now.UnixMilli()

	series := func(name string, value float64) prompb.TimeSeries {
		return prompb.TimeSeries{
			Labels: []prompb.Label{
				{Name: "__name__", Value: name},
				{Name: "instance", Value: r.config.Instance},
			},
			Samples: []prompb.Sample{{Value: value, Timestamp: ts}},
		}
	}

	running := 0.0
	if stats.Running {
		running = 1.0
	}

	return prompb.WriteRequest{
		Timeseries: []prompb.TimeSeries{
			series("driftsync_queue_pending", float64(stats.Storage.Pending)),
			series("driftsync_queue_in_flight", float64(stats.Storage.InFlight)),
			series("driftsync_queue_succeeded", float64(stats.Storage.Succeeded)),
			series("driftsync_queue_conflicted", float64(stats.Storage.Conflicted)),
			series("driftsync_queue_failed", float64(stats.Storage.Failed)),
			series("driftsync_network_state", float64(stats.Network)),
			series("driftsync_outcome_events_dropped_total", float64(stats.DroppedEvents)),
			series("driftsync_running", running),
		},
	}
}
