package driftsync

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

// NetworkFaultMockConfig controls the deterministic fault mock.
type NetworkFaultMockConfig struct {
	// Seed drives every random choice the mock makes. The same seed and
	// the same call sequence reproduce the same faults.
	Seed int64 `json:"seed"`
}

// scriptedResponse is one queued transport verdict.
type scriptedResponse struct {
	outcome SendOutcome
	err     error
}

// NetworkFaultMock implements both NetworkMonitor and Transport for tests.
// It centralizes the failure modes an offline-first engine has to survive:
// connectivity flaps, scheduled partitions, added latency, duplicate
// delivery, and out-of-order delivery. All randomness flows from the
// configured seed.
//
// The monitor view and the transport behavior are driven separately:
// SetState changes only what subscribers observe, while SchedulePartition
// drops sends and flips the monitor at the same time. Queue an error with
// QueueError to model a transport that fails while the monitor still
// reports online.
type NetworkFaultMock struct {
	hub *stateHub

	mu  sync.Mutex
	rng *rand.Rand

	partitioned bool
	timers      []*time.Timer

	latencyMin time.Duration
	latencyMax time.Duration

	duplicateProb float64

	reorderWindow int
	reorderBuf    []Operation

	responses []scriptedResponse

	delivered []Operation
	attempts  int
}

// NewNetworkFaultMock creates a mock seeded for reproducible runs. The
// monitor starts online.
func NewNetworkFaultMock(config NetworkFaultMockConfig) *NetworkFaultMock {
	if config.Seed == 0 {
		config.Seed = time.Now().UnixNano()
	}
	return &NetworkFaultMock{
		hub: newStateHub(NetworkOnline),
		rng: rand.New(rand.NewSource(config.Seed)),
	}
}

// CurrentState returns the monitor view of connectivity.
func (m *NetworkFaultMock) CurrentState() NetworkState {
	return m.hub.current()
}

// Subscribe returns a subscription fed by SetState and SchedulePartition.
func (m *NetworkFaultMock) Subscribe() *NetworkSubscription {
	return m.hub.subscribe()
}

// SetState changes what the monitor reports without touching transport
// behavior, so tests can model a monitor that lags reality.
func (m *NetworkFaultMock) SetState(state NetworkState) {
	m.hub.set(state)
}

// SchedulePartition schedules a partition window. After the given delay all
// sends are dropped and the monitor flips offline; both recover when the
// window elapses. A non-positive delay opens the window immediately.
func (m *NetworkFaultMock) SchedulePartition(after, duration time.Duration) {
	if after <= 0 {
		m.openPartition(duration)
		return
	}
	t := time.AfterFunc(after, func() {
		m.openPartition(duration)
	})
	m.mu.Lock()
	m.timers = append(m.timers, t)
	m.mu.Unlock()
}

func (m *NetworkFaultMock) openPartition(duration time.Duration) {
	m.mu.Lock()
	m.partitioned = true
	m.mu.Unlock()
	m.hub.set(NetworkOffline)

	t := time.AfterFunc(duration, func() {
		m.mu.Lock()
		m.partitioned = false
		m.mu.Unlock()
		m.hub.set(NetworkOnline)
	})

	m.mu.Lock()
	m.timers = append(m.timers, t)
	m.mu.Unlock()
}

// HealPartition restores sends and the monitor immediately. Windows whose
// delay has not elapsed yet will still open later.
func (m *NetworkFaultMock) HealPartition() {
	m.mu.Lock()
	m.partitioned = false
	m.mu.Unlock()
	m.hub.set(NetworkOnline)
}

// InjectLatency delays each send by a seeded-uniform duration in [min, max].
func (m *NetworkFaultMock) InjectLatency(min, max time.Duration) {
	if max < min {
		min, max = max, min
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latencyMin = min
	m.latencyMax = max
}

// InjectDuplicateDelivery makes each send count as delivered twice with the
// given probability, modeling a remote that received a retransmit.
func (m *NetworkFaultMock) InjectDuplicateDelivery(probability float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.duplicateProb = probability
}

// InjectOutOfOrder shuffles delivery order within a sliding window of the
// given size. Delivered() only reflects held sends after they leave the
// window; call Flush to drain it.
func (m *NetworkFaultMock) InjectOutOfOrder(window int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reorderWindow = window
}

// QueueOutcome scripts the verdict for the next send. Verdicts are consumed
// in FIFO order; an empty queue means accept.
func (m *NetworkFaultMock) QueueOutcome(outcome SendOutcome) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses = append(m.responses, scriptedResponse{outcome: outcome})
}

// QueueError scripts a transport error for the next send. The operation
// still counts as an attempt but not as a delivery.
func (m *NetworkFaultMock) QueueError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses = append(m.responses, scriptedResponse{err: err})
}

// Send applies the injected faults, records the delivery, and returns the
// next scripted verdict.
func (m *NetworkFaultMock) Send(ctx context.Context, op Operation) (SendOutcome, error) {
	m.mu.Lock()
	m.attempts++
	var delay time.Duration
	if m.latencyMax > 0 {
		span := m.latencyMax - m.latencyMin
		delay = m.latencyMin + time.Duration(m.rng.Float64()*float64(span))
	}
	m.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return SendOutcome{}, ctx.Err()
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.partitioned {
		return SendOutcome{}, newTransportError(ClassTransient, "network partition active", 0, nil)
	}

	if len(m.responses) > 0 && m.responses[0].err != nil {
		resp := m.responses[0]
		m.responses = m.responses[1:]
		return SendOutcome{}, resp.err
	}

	m.record(op)
	if m.duplicateProb > 0 && m.rng.Float64() < m.duplicateProb {
		m.record(op)
	}

	if len(m.responses) > 0 {
		resp := m.responses[0]
		m.responses = m.responses[1:]
		return resp.outcome, nil
	}
	return SendOutcome{Kind: SendAccepted}, nil
}

// record appends to the delivery log, routing through the reorder window
// when one is configured. Caller holds mu.
func (m *NetworkFaultMock) record(op Operation) {
	if m.reorderWindow <= 1 {
		m.delivered = append(m.delivered, op)
		return
	}

	m.reorderBuf = append(m.reorderBuf, op)
	if len(m.reorderBuf) >= m.reorderWindow {
		i := m.rng.Intn(len(m.reorderBuf))
		m.delivered = append(m.delivered, m.reorderBuf[i])
		m.reorderBuf = append(m.reorderBuf[:i], m.reorderBuf[i+1:]...)
	}
}

// Flush drains the reorder window into the delivery log.
func (m *NetworkFaultMock) Flush() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for len(m.reorderBuf) > 0 {
		i := m.rng.Intn(len(m.reorderBuf))
		m.delivered = append(m.delivered, m.reorderBuf[i])
		m.reorderBuf = append(m.reorderBuf[:i], m.reorderBuf[i+1:]...)
	}
}

// Delivered returns a snapshot of operations the remote observed, in the
// order it observed them.
func (m *NetworkFaultMock) Delivered() []Operation {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Operation, len(m.delivered))
	copy(out, m.delivered)
	return out
}

// Attempts returns how many sends were attempted, including ones that
// failed before delivery.
func (m *NetworkFaultMock) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

// Close stops any pending partition timers.
func (m *NetworkFaultMock) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.timers {
		t.Stop()
	}
	m.timers = nil
}

var (
	_ NetworkMonitor = (*NetworkFaultMock)(nil)
	_ Transport      = (*NetworkFaultMock)(nil)
)
