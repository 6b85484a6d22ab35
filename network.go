package driftsync

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// NetworkState describes last-known connectivity.
type NetworkState int

const (
	// NetworkOffline means delivery must not be attempted. Also the
	// fail-safe answer when connectivity cannot be determined.
	NetworkOffline NetworkState = iota
	// NetworkOnline means delivery may proceed normally.
	NetworkOnline
	// NetworkDegraded permits delivery but tells the worker to back off
	// more conservatively.
	NetworkDegraded
)

func (s NetworkState) String() string {
	switch s {
	case NetworkOffline:
		return "offline"
	case NetworkOnline:
		return "online"
	case NetworkDegraded:
		return "degraded"
	default:
		return "unknown"
	}
}

// NetworkMonitor observes connectivity for the sync worker.
type NetworkMonitor interface {
	// CurrentState returns the last-known state without blocking.
	CurrentState() NetworkState

	// Subscribe returns a subscription that receives state changes,
	// never repeats of the current state. Close it when done.
	Subscribe() *NetworkSubscription
}

// NetworkSubscription is an active network-state subscription.
type NetworkSubscription struct {
	id     string
	ch     chan NetworkState
	hub    *stateHub
	closed bool
	mu     sync.Mutex
}

// C returns the channel for receiving state changes.
func (s *NetworkSubscription) C() <-chan NetworkState {
	return s.ch
}

// Close cancels the subscription.
func (s *NetworkSubscription) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	if s.hub != nil {
		s.hub.remove(s.id)
	}
}

// stateHub tracks the current state and fans changes out to subscribers.
// Shared by the monitor implementations.
type stateHub struct {
	mu     sync.Mutex
	state  NetworkState
	subs   map[string]*NetworkSubscription
	nextID uint64
}

func newStateHub(initial NetworkState) *stateHub {
	return &stateHub{
		state: initial,
		subs:  make(map[string]*NetworkSubscription),
	}
}

func (h *stateHub) current() NetworkState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

func (h *stateHub) subscribe() *NetworkSubscription {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextID++
	sub := &NetworkSubscription{
		id:  fmt.Sprintf("netsub-%d", h.nextID),
		ch:  make(chan NetworkState, 8),
		hub: h,
	}
	h.subs[sub.id] = sub
	return sub
}

func (h *stateHub) remove(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subs, id)
}

// set publishes state when it differs from the current one. A full
// subscriber buffer sheds its oldest event first: intermediate states are
// droppable, the latest state must always land.
func (h *stateHub) set(state NetworkState) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if state == h.state {
		return false
	}
	h.state = state

	for _, sub := range h.subs {
		select {
		case sub.ch <- state:
		default:
			select {
			case <-sub.ch:
			default:
			}
			select {
			case sub.ch <- state:
			default:
			}
		}
	}
	return true
}

// NetworkConfig configures the probing network monitor.
type NetworkConfig struct {
	// ProbeURL is the endpoint checked for reachability.
	ProbeURL string `json:"probe_url" yaml:"probe_url"`

	// ProbeInterval is how often to probe.
	// Default: 5s
	ProbeInterval time.Duration `json:"probe_interval" yaml:"probe_interval"`

	// ProbeTimeout bounds a single probe.
	// Default: 3s
	ProbeTimeout time.Duration `json:"probe_timeout" yaml:"probe_timeout"`

	// DebounceWindow is how long a state must persist before it is
	// reported as changed. Guards the worker against flapping links.
	// Default: 10s
	DebounceWindow time.Duration `json:"debounce_window" yaml:"debounce_window"`

	// Client overrides the HTTP client used for probes.
	Client HTTPDoer `json:"-" yaml:"-"`
}

// DefaultNetworkConfig returns default monitor configuration.
func DefaultNetworkConfig() NetworkConfig {
	return NetworkConfig{
		ProbeInterval:  5 * time.Second,
		ProbeTimeout:   3 * time.Second,
		DebounceWindow: 10 * time.Second,
	}
}

// ProbeMonitor determines connectivity by probing an HTTP endpoint on an
// interval. Probe failures are never surfaced as errors; an unreachable or
// undeterminable endpoint reads as Offline.
type ProbeMonitor struct {
	config  NetworkConfig
	client  HTTPDoer
	hub     *stateHub
	running atomic.Bool
	stopCh  chan struct{}
	wg      sync.WaitGroup

	// debounce bookkeeping, loop-goroutine only
	candidate      NetworkState
	candidateSince time.Time
	baselined      bool
}

// NewProbeMonitor creates a probing monitor. The initial state is Offline
// until the first probe completes.
func NewProbeMonitor(config NetworkConfig) *ProbeMonitor {
	if config.ProbeInterval <= 0 {
		config.ProbeInterval = 5 * time.Second
	}
	if config.ProbeTimeout <= 0 {
		config.ProbeTimeout = 3 * time.Second
	}
	if config.DebounceWindow < 0 {
		config.DebounceWindow = 10 * time.Second
	}
	client := config.Client
	if client == nil {
		client = &http.Client{Timeout: config.ProbeTimeout}
	}
	return &ProbeMonitor{
		config: config,
		client: client,
		hub:    newStateHub(NetworkOffline),
		stopCh: make(chan struct{}),
	}
}

// CurrentState returns the last-known state.
func (m *ProbeMonitor) CurrentState() NetworkState {
	return m.hub.current()
}

// Subscribe registers for state-change events.
func (m *ProbeMonitor) Subscribe() *NetworkSubscription {
	return m.hub.subscribe()
}

// Start begins probing in the background.
func (m *ProbeMonitor) Start() {
	if m.running.Swap(true) {
		return // Already running
	}

	m.wg.Add(1)
	go m.probeLoop()
}

// Stop halts probing.
func (m *ProbeMonitor) Stop() {
	if !m.running.Swap(false) {
		return
	}

	close(m.stopCh)
	m.wg.Wait()
}

func (m *ProbeMonitor) probeLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.config.ProbeInterval)
	defer ticker.Stop()

	m.observe(m.probe(), time.Now())

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.observe(m.probe(), time.Now())
		}
	}
}

// observe feeds one probe result through the debounce filter. The first
// result establishes the baseline immediately; later changes must hold
// for DebounceWindow before they are published.
func (m *ProbeMonitor) observe(state NetworkState, now time.Time) {
	if !m.baselined {
		m.baselined = true
		m.candidate = state
		if m.hub.set(state) {
			slog.Info("network state changed", "state", state)
		}
		return
	}

	if state == m.hub.current() {
		m.candidate = state
		return
	}

	if state != m.candidate {
		m.candidate = state
		m.candidateSince = now
	}

	if now.Sub(m.candidateSince) >= m.config.DebounceWindow {
		if m.hub.set(state) {
			slog.Info("network state changed", "state", state)
		}
	}
}

// probe checks the endpoint once. Any error reads as Offline, a 5xx
// answer as Degraded.
func (m *ProbeMonitor) probe() NetworkState {
	if m.config.ProbeURL == "" {
		return NetworkOffline
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.config.ProbeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, m.config.ProbeURL, nil)
	if err != nil {
		return NetworkOffline
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return NetworkOffline
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 500 {
		return NetworkDegraded
	}
	return NetworkOnline
}

// ManualMonitor is a NetworkMonitor driven by the embedding application,
// for platforms that deliver their own connectivity events. No debounce.
type ManualMonitor struct {
	hub *stateHub
}

// NewManualMonitor creates a manual monitor with the given initial state.
func NewManualMonitor(initial NetworkState) *ManualMonitor {
	return &ManualMonitor{hub: newStateHub(initial)}
}

// CurrentState returns the last state set.
func (m *ManualMonitor) CurrentState() NetworkState {
	return m.hub.current()
}

// Subscribe registers for state-change events.
func (m *ManualMonitor) Subscribe() *NetworkSubscription {
	return m.hub.subscribe()
}

// SetState records a new state and notifies subscribers if it changed.
func (m *ManualMonitor) SetState(state NetworkState) {
	if m.hub.set(state) {
		slog.Info("network state changed", "state", state)
	}
}

var (
	_ NetworkMonitor = (*ProbeMonitor)(nil)
	_ NetworkMonitor = (*ManualMonitor)(nil)
)
