package driftsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Deps are the collaborators an Engine drives. Storage and Transport are
// required; a nil Monitor defaults to a manual monitor that starts online,
// and a nil Resolver defaults to the version-dominance policy without a
// merge function.
type Deps struct {
	Storage   SyncStorage
	Monitor   NetworkMonitor
	Transport Transport
	Resolver  ConflictResolver
}

// Engine is the synchronization engine: a durable operation queue drained
// toward a remote by a background worker that respects connectivity,
// backoff, and conflict-resolution policy.
//
// Producers enqueue operations at any time, including while offline or
// before Start; the queue is the source of truth and outcome events are
// advisory notifications on top of it.
type Engine struct {
	config    Config
	storage   SyncStorage
	monitor   NetworkMonitor
	transport Transport
	resolver  ConflictResolver
	worker    *syncWorker
	events    *outcomeHub
	reporter  *StatsReporter

	// set only when Open built the collaborators, so Close can own them
	ownedMonitor *ProbeMonitor
	closers      []func() error

	running atomic.Bool
	closed  atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates an engine from explicit collaborators.
func New(config Config, deps Deps) (*Engine, error) {
	if deps.Storage == nil {
		return nil, errors.New("storage is required")
	}
	if deps.Transport == nil {
		return nil, errors.New("transport is required")
	}

	monitor := deps.Monitor
	if monitor == nil {
		monitor = NewManualMonitor(NetworkOnline)
	}
	resolver := deps.Resolver
	if resolver == nil {
		resolver = NewVersionResolver(nil)
	}

	if config.Retry.BaseDelay <= 0 {
		config.Retry = DefaultRetryPolicy()
	}
	if config.OutcomeBufferSize <= 0 {
		config.OutcomeBufferSize = 64
	}

	events := newOutcomeHub(config.OutcomeBufferSize)
	backoff := NewBackoff(config.Retry, config.Seed)

	e := &Engine{
		config:    config,
		storage:   deps.Storage,
		monitor:   monitor,
		transport: deps.Transport,
		resolver:  resolver,
		events:    events,
		worker:    newSyncWorker(config.Worker, deps.Storage, deps.Transport, monitor, resolver, backoff, events),
	}
	if config.Telemetry.Enabled {
		e.reporter = NewStatsReporter(config.Telemetry, e)
	}
	return e, nil
}

// Open builds an engine from configuration alone: SQLite storage, a probing
// network monitor, and the configured transport. Close releases everything
// Open created.
func Open(config Config) (*Engine, error) {
	storage, err := NewSQLiteStorage(config.Storage)
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}
	closers := []func() error{storage.Close}

	fail := func(err error) (*Engine, error) {
		for _, c := range closers {
			_ = c()
		}
		return nil, err
	}

	var transport Transport
	switch config.Transport.Kind {
	case "", TransportHTTP:
		t, err := NewHTTPTransport(config.Transport.HTTP)
		if err != nil {
			return fail(err)
		}
		transport = t
	case TransportWebSocket:
		t, err := NewWSTransport(config.Transport.WS)
		if err != nil {
			return fail(err)
		}
		closers = append(closers, t.Close)
		transport = t
	case TransportS3:
		t, err := NewS3Transport(config.Transport.S3)
		if err != nil {
			return fail(err)
		}
		transport = t
	default:
		return fail(fmt.Errorf("unknown transport kind: %s", config.Transport.Kind))
	}

	monitor := NewProbeMonitor(config.Network)

	e, err := New(config, Deps{
		Storage:   storage,
		Monitor:   monitor,
		Transport: transport,
	})
	if err != nil {
		return fail(err)
	}
	e.ownedMonitor = monitor
	e.closers = closers
	return e, nil
}

// Start launches the background worker and any owned collaborators.
func (e *Engine) Start() error {
	if e.closed.Load() {
		return ErrClosed
	}
	if e.running.Swap(true) {
		return fmt.Errorf("sync engine already running")
	}

	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel

	if e.ownedMonitor != nil {
		e.ownedMonitor.Start()
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.worker.run(ctx)
	}()

	if e.config.Retention.MaxAge > 0 {
		e.wg.Add(1)
		go e.retentionLoop(ctx)
	}

	if e.reporter != nil {
		e.reporter.Start()
	}

	slog.Info("sync engine started")
	return nil
}

// Stop halts the worker, waiting for an in-progress attempt to settle.
// The queue stays open: producers can keep enqueueing, and Start resumes
// draining where the worker left off.
func (e *Engine) Stop() {
	if !e.running.Swap(false) {
		return
	}

	e.cancel()
	e.wg.Wait()

	if e.ownedMonitor != nil {
		e.ownedMonitor.Stop()
	}
	if e.reporter != nil {
		e.reporter.Stop()
	}

	slog.Info("sync engine stopped")
}

// Close stops the engine and releases collaborators created by Open.
// Collaborators passed through Deps belong to the caller and are left open.
func (e *Engine) Close() error {
	e.Stop()
	if e.closed.Swap(true) {
		return nil
	}

	var firstErr error
	for _, closeFn := range e.closers {
		if err := closeFn(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Enqueue accepts an operation for eventual delivery and returns its
// assigned id. The write is durable before Enqueue returns. If a Pending
// operation for the same entity was coalesced away, its subscribers get an
// OutcomeSuperseded event naming the new operation.
//
// The caller fills EntityID, EntityVersion, Kind, and optionally
// EntityKind, Payload, Priority, and a future NextAttemptAt to delay
// delivery. Everything else is assigned here.
func (e *Engine) Enqueue(ctx context.Context, op Operation) (OperationID, error) {
	if e.closed.Load() {
		return "", ErrClosed
	}
	if err := ValidateOperation(&op); err != nil {
		return "", err
	}

	now := time.Now()
	if op.ID == "" {
		op.ID = newOperationID()
	}
	if op.Priority == 0 {
		op.Priority = PriorityNormal
	}
	op.EnqueuedAt = now
	if op.NextAttemptAt.IsZero() {
		op.NextAttemptAt = now
	}
	op.State = StatePending
	op.Attempts = 0
	op.UpdatedAt = now
	op.FailReason = ""
	op.SupersededBy = ""
	op.LeaseOwner = ""
	op.LeaseExpiresAt = time.Time{}

	superseded, err := e.storage.Enqueue(ctx, &op)
	if err != nil {
		return "", err
	}

	if superseded != "" {
		e.events.publish(OutcomeEvent{
			OperationID: superseded,
			EntityID:    op.EntityID,
			EntityKind:  op.EntityKind,
			Outcome:     OutcomeSuperseded,
			Reason:      "coalesced into " + string(op.ID),
		})
	}

	slog.Debug("operation enqueued",
		"op", op.ID, "entity", op.EntityID, "kind", op.Kind, "priority", op.Priority)
	e.worker.wake()
	return op.ID, nil
}

// Cancel withdraws a Pending operation. Operations that are in flight,
// conflicted, or settled return ErrNotCancelable; an in-flight attempt
// always runs to completion.
func (e *Engine) Cancel(ctx context.Context, id OperationID) error {
	if e.closed.Load() {
		return ErrClosed
	}

	op, err := e.storage.Get(ctx, id)
	if err != nil {
		return err
	}

	if err := e.storage.Cancel(ctx, id); err != nil {
		return err
	}

	slog.Debug("operation canceled", "op", id, "entity", op.EntityID)
	e.events.publish(OutcomeEvent{
		OperationID: id,
		EntityID:    op.EntityID,
		EntityKind:  op.EntityKind,
		Outcome:     OutcomeCanceled,
	})
	return nil
}

// Get returns the current record for an operation.
func (e *Engine) Get(ctx context.Context, id OperationID) (Operation, error) {
	if e.closed.Load() {
		return Operation{}, ErrClosed
	}
	return e.storage.Get(ctx, id)
}

// SubscribeOutcomes returns a subscription receiving terminal outcome
// events. Events are advisory: a slow consumer loses events rather than
// blocking delivery, and the loss is counted in Stats. The queue itself is
// the durable record.
func (e *Engine) SubscribeOutcomes() *OutcomeSubscription {
	return e.events.subscribe()
}

// Failed lists abandoned operations, newest first, for inspection and
// manual requeue. limit <= 0 means no limit.
func (e *Engine) Failed(ctx context.Context, limit int) ([]Operation, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}
	return e.storage.FailedOperations(ctx, limit)
}

// RequeueFailed puts a Failed operation back in the queue with a fresh
// retry budget.
func (e *Engine) RequeueFailed(ctx context.Context, id OperationID) error {
	if e.closed.Load() {
		return ErrClosed
	}
	if err := e.storage.RequeueFailed(ctx, id); err != nil {
		return err
	}
	e.worker.wake()
	return nil
}

// ClearFailed drops Failed operations last touched before the given time,
// returning how many were removed.
func (e *Engine) ClearFailed(ctx context.Context, before time.Time) (int, error) {
	if e.closed.Load() {
		return 0, ErrClosed
	}
	return e.storage.ClearFailed(ctx, before)
}

// EngineStats is a point-in-time snapshot of engine health.
type EngineStats struct {
	Storage       StorageStats `json:"storage"`
	Network       NetworkState `json:"network"`
	Running       bool         `json:"running"`
	DroppedEvents uint64       `json:"dropped_events"`
}

// Stats reports queue depths, connectivity, and event-delivery health.
func (e *Engine) Stats(ctx context.Context) (EngineStats, error) {
	if e.closed.Load() {
		return EngineStats{}, ErrClosed
	}

	storageStats, err := e.storage.Stats(ctx)
	if err != nil {
		return EngineStats{}, err
	}

	return EngineStats{
		Storage:       storageStats,
		Network:       e.monitor.CurrentState(),
		Running:       e.running.Load(),
		DroppedEvents: e.events.droppedCount(),
	}, nil
}

// retentionLoop periodically drops settled operations past their retention
// age.
func (e *Engine) retentionLoop(ctx context.Context) {
	defer e.wg.Done()

	interval := e.config.Retention.Interval
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := e.storage.PurgeSettled(ctx, e.config.Retention.MaxAge); err != nil {
				slog.Error("retention purge failed", "error", err)
			} else if n > 0 {
				slog.Debug("purged settled operations", "count", n)
			}

			if e.config.Retention.FailedMaxAge > 0 {
				cutoff := time.Now().Add(-e.config.Retention.FailedMaxAge)
				if n, err := e.storage.ClearFailed(ctx, cutoff); err != nil {
					slog.Error("failed-operation cleanup failed", "error", err)
				} else if n > 0 {
					slog.Debug("cleared aged failed operations", "count", n)
				}
			}
		}
	}
}

// OutcomeSubscription is an active subscription to terminal outcome events.
type OutcomeSubscription struct {
	id     string
	ch     chan OutcomeEvent
	hub    *outcomeHub
	closed bool
	mu     sync.Mutex
}

// C returns the channel for receiving outcome events.
func (s *OutcomeSubscription) C() <-chan OutcomeEvent {
	return s.ch
}

// Close cancels the subscription.
func (s *OutcomeSubscription) Close() {
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

// outcomeHub fans terminal outcome events out to subscribers.
type outcomeHub struct {
	mu      sync.Mutex
	subs    map[string]*OutcomeSubscription
	nextID  uint64
	bufSize int
	dropped atomic.Uint64
}

func newOutcomeHub(bufSize int) *outcomeHub {
	return &outcomeHub{
		subs:    make(map[string]*OutcomeSubscription),
		bufSize: bufSize,
	}
}

func (h *outcomeHub) subscribe() *OutcomeSubscription {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextID++
	sub := &OutcomeSubscription{
		id:  fmt.Sprintf("outsub-%d", h.nextID),
		ch:  make(chan OutcomeEvent, h.bufSize),
		hub: h,
	}
	h.subs[sub.id] = sub
	return sub
}

func (h *outcomeHub) remove(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subs, id)
}

// publish delivers to every subscriber without blocking; full buffers drop
// the event and count the loss.
func (h *outcomeHub) publish(ev OutcomeEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, sub := range h.subs {
		select {
		case sub.ch <- ev:
		default:
			h.dropped.Add(1)
		}
	}
}

func (h *outcomeHub) droppedCount() uint64 {
	return h.dropped.Load()
}
