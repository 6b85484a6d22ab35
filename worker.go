package driftsync

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// WorkerConfig tunes the delivery loop.
type WorkerConfig struct {
	// LeaseTTL bounds how long a claimed operation can sit in flight
	// before another worker may reclaim it.
	// Default: 60s
	LeaseTTL time.Duration `json:"lease_ttl" yaml:"lease_ttl"`

	// SendTimeout bounds a single delivery attempt.
	// Default: 30s
	SendTimeout time.Duration `json:"send_timeout" yaml:"send_timeout"`

	// BatchSize caps how many due operations one queue scan claims.
	// Default: 16
	BatchSize int `json:"batch_size" yaml:"batch_size"`

	// StorageRetryDelay is the pause after a failed queue scan. Storage
	// failures are not delivery failures; the loop retries shortly
	// instead of consuming retry budget.
	// Default: 500ms
	StorageRetryDelay time.Duration `json:"storage_retry_delay" yaml:"storage_retry_delay"`

	// ReclaimInterval is how often expired leases are swept back to
	// Pending. Zero means half the lease TTL.
	ReclaimInterval time.Duration `json:"reclaim_interval" yaml:"reclaim_interval"`

	// DegradedMultiplier stretches retry delays while the network is
	// degraded.
	// Default: 2.0
	DegradedMultiplier float64 `json:"degraded_multiplier" yaml:"degraded_multiplier"`
}

// DefaultWorkerConfig returns default worker configuration.
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		LeaseTTL:           60 * time.Second,
		SendTimeout:        30 * time.Second,
		BatchSize:          16,
		StorageRetryDelay:  500 * time.Millisecond,
		DegradedMultiplier: 2.0,
	}
}

// syncWorker drains the queue toward the transport. One worker runs per
// engine; multiple engines may share a storage, with the lease protocol
// keeping them off each other's operations.
type syncWorker struct {
	id        string
	config    WorkerConfig
	storage   SyncStorage
	transport Transport
	monitor   NetworkMonitor
	resolver  ConflictResolver
	backoff   *Backoff
	events    *outcomeHub
	wakeCh    chan struct{}
}

func newSyncWorker(config WorkerConfig, storage SyncStorage, transport Transport,
	monitor NetworkMonitor, resolver ConflictResolver, backoff *Backoff, events *outcomeHub) *syncWorker {

	if config.LeaseTTL <= 0 {
		config.LeaseTTL = 60 * time.Second
	}
	if config.SendTimeout <= 0 {
		config.SendTimeout = 30 * time.Second
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 16
	}
	if config.StorageRetryDelay <= 0 {
		config.StorageRetryDelay = 500 * time.Millisecond
	}
	if config.ReclaimInterval <= 0 {
		config.ReclaimInterval = config.LeaseTTL / 2
	}
	if config.DegradedMultiplier < 1 {
		config.DegradedMultiplier = 2.0
	}

	return &syncWorker{
		id:        "worker-" + string(newOperationID())[:8],
		config:    config,
		storage:   storage,
		transport: transport,
		monitor:   monitor,
		resolver:  resolver,
		backoff:   backoff,
		events:    events,
		wakeCh:    make(chan struct{}, 1),
	}
}

// wake nudges an idle worker to rescan the queue. Non-blocking; a pending
// nudge is as good as many.
func (w *syncWorker) wake() {
	select {
	case w.wakeCh <- struct{}{}:
	default:
	}
}

// run is the worker loop. It drains due operations while the network
// allows, then sleeps until an enqueue, a network change, the next due
// time, or the lease-reclaim tick.
func (w *syncWorker) run(ctx context.Context) {
	netSub := w.monitor.Subscribe()
	defer netSub.Close()

	reclaim := time.NewTicker(w.config.ReclaimInterval)
	defer reclaim.Stop()

	// Leases that expired while the process was down are recoverable
	// immediately.
	w.reclaimLeases(ctx)

	slog.Info("sync worker started", "worker", w.id, "network", w.monitor.CurrentState())

	for {
		if ctx.Err() != nil {
			slog.Info("sync worker stopped", "worker", w.id)
			return
		}

		if w.monitor.CurrentState() == NetworkOffline {
			select {
			case <-ctx.Done():
				slog.Info("sync worker stopped", "worker", w.id)
				return
			case state := <-netSub.C():
				slog.Info("sync worker observed network change", "worker", w.id, "state", state)
			case <-reclaim.C:
				w.reclaimLeases(ctx)
			}
			continue
		}

		processed, err := w.processDue(ctx)
		if err != nil {
			if errors.Is(err, ErrClosed) || ctx.Err() != nil {
				slog.Info("sync worker stopped", "worker", w.id)
				return
			}
			slog.Error("queue scan failed", "worker", w.id, "error", err)
			select {
			case <-ctx.Done():
			case <-time.After(w.config.StorageRetryDelay):
			}
			continue
		}
		if processed > 0 {
			continue
		}

		w.idle(ctx, netSub, reclaim)
	}
}

// idle blocks until something could have made an operation deliverable.
func (w *syncWorker) idle(ctx context.Context, netSub *NetworkSubscription, reclaim *time.Ticker) {
	var dueC <-chan time.Time
	var dueTimer *time.Timer
	if next, ok, err := w.storage.NextDue(ctx); err == nil && ok {
		wait := time.Until(next)
		if wait < 0 {
			wait = 0
		}
		dueTimer = time.NewTimer(wait)
		dueC = dueTimer.C
	}
	defer func() {
		if dueTimer != nil {
			dueTimer.Stop()
		}
	}()

	select {
	case <-ctx.Done():
	case <-w.wakeCh:
	case state := <-netSub.C():
		slog.Info("sync worker observed network change", "worker", w.id, "state", state)
	case <-dueC:
	case <-reclaim.C:
		w.reclaimLeases(ctx)
	}
}

// processDue claims and delivers one batch of due operations.
func (w *syncWorker) processDue(ctx context.Context) (int, error) {
	due, err := w.storage.DueOperations(ctx, time.Now(), w.config.BatchSize)
	if err != nil {
		return 0, err
	}

	processed := 0
	for _, op := range due {
		if ctx.Err() != nil {
			break
		}
		if w.monitor.CurrentState() == NetworkOffline {
			break
		}
		w.attempt(ctx, op)
		processed++
	}
	return processed, nil
}

// attempt claims one operation and runs a delivery. Losing the claim race
// is not an error; the operation is simply someone else's now.
func (w *syncWorker) attempt(ctx context.Context, op Operation) {
	err := w.storage.MarkInFlight(ctx, op.ID, w.id, w.config.LeaseTTL)
	if err != nil {
		switch {
		case errors.Is(err, ErrAlreadyInFlight), errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrNotFound):
			return
		default:
			slog.Error("claim failed", "worker", w.id, "op", op.ID, "error", err)
			return
		}
	}
	op.State = StateInFlight

	w.deliver(ctx, op, false)
}

// deliver sends the operation and settles the result. bypassed marks a
// resend that already skipped backoff after an accept-local conflict
// decision; a second conflict goes back on the schedule.
func (w *syncWorker) deliver(ctx context.Context, op Operation, bypassed bool) {
	sendCtx, cancel := context.WithTimeout(ctx, w.config.SendTimeout)
	outcome, err := w.transport.Send(sendCtx, op)
	cancel()

	if err != nil {
		switch Classify(err) {
		case ClassPermanent:
			w.fail(ctx, op, err.Error(), OutcomeFailed)
		case ClassConflict:
			w.resolveConflict(ctx, op, 0, bypassed)
		default:
			w.retryLater(ctx, op, err.Error())
		}
		return
	}

	switch outcome.Kind {
	case SendAccepted:
		w.ack(ctx, op)
	case SendConflict:
		w.resolveConflict(ctx, op, outcome.RemoteVersion, bypassed)
	case SendRejected:
		w.fail(ctx, op, "rejected by remote: "+outcome.Reason, OutcomeFailed)
	}
}

// ack settles a delivered operation. Ack is idempotent on the storage
// side, so a duplicate delivery caused by a lease handover settles clean.
func (w *syncWorker) ack(ctx context.Context, op Operation) {
	if err := w.storage.Ack(ctx, op.ID, ""); err != nil {
		slog.Error("ack failed", "worker", w.id, "op", op.ID, "error", err)
		return
	}
	slog.Debug("operation delivered", "worker", w.id, "op", op.ID, "entity", op.EntityID)
	w.events.publish(OutcomeEvent{
		OperationID: op.ID,
		EntityID:    op.EntityID,
		EntityKind:  op.EntityKind,
		Outcome:     OutcomeSucceeded,
	})
}

// retryLater puts the operation back on the backoff schedule, or fails it
// when the retry budget is spent.
func (w *syncWorker) retryLater(ctx context.Context, op Operation, reason string) {
	completed := op.Attempts + 1
	if !w.backoff.ShouldRetry(completed) {
		w.fail(ctx, op, "retry budget exhausted: "+reason, OutcomeFailed)
		return
	}

	delay := w.backoff.NextDelay(op.Attempts)
	if w.monitor.CurrentState() == NetworkDegraded {
		delay = time.Duration(float64(delay) * w.config.DegradedMultiplier)
	}

	if err := w.storage.Reschedule(ctx, op.ID, time.Now().Add(delay), completed); err != nil {
		slog.Error("reschedule failed", "worker", w.id, "op", op.ID, "error", err)
		return
	}
	slog.Debug("operation rescheduled",
		"worker", w.id, "op", op.ID, "attempts", completed, "delay", delay, "reason", reason)
}

// fail settles the operation as Failed and reports the outcome.
func (w *syncWorker) fail(ctx context.Context, op Operation, reason string, outcome Outcome) {
	if err := w.storage.MarkFailed(ctx, op.ID, reason); err != nil {
		slog.Error("mark failed failed", "worker", w.id, "op", op.ID, "error", err)
		return
	}
	slog.Warn("operation failed", "worker", w.id, "op", op.ID, "entity", op.EntityID, "reason", reason)
	w.events.publish(OutcomeEvent{
		OperationID: op.ID,
		EntityID:    op.EntityID,
		EntityKind:  op.EntityKind,
		Outcome:     outcome,
		Reason:      reason,
	})
}

// resolveConflict records the conflict, asks the resolver, and applies the
// decision.
func (w *syncWorker) resolveConflict(ctx context.Context, op Operation, remoteVersion uint64, bypassed bool) {
	if err := w.storage.MarkConflicted(ctx, op.ID); err != nil && !errors.Is(err, ErrInvalidTransition) {
		slog.Error("mark conflicted failed", "worker", w.id, "op", op.ID, "error", err)
		return
	}
	op.State = StateConflicted

	decision := w.resolver.Resolve(op, remoteVersion)
	slog.Info("conflict resolved",
		"worker", w.id, "op", op.ID, "entity", op.EntityID,
		"local_version", op.EntityVersion, "remote_version", remoteVersion,
		"decision", decision.Kind)

	switch decision.Kind {
	case DecisionAcceptLocal:
		if !bypassed {
			// One immediate resend per claim; a conflict that survives
			// it waits its turn like any other retry.
			w.deliver(ctx, op, true)
			return
		}
		w.retryLater(ctx, op, "conflict persisted after local-wins resend")

	case DecisionAcceptRemote:
		if err := w.storage.Ack(ctx, op.ID, ""); err != nil {
			slog.Error("ack failed", "worker", w.id, "op", op.ID, "error", err)
			return
		}
		w.events.publish(OutcomeEvent{
			OperationID: op.ID,
			EntityID:    op.EntityID,
			EntityKind:  op.EntityKind,
			Outcome:     OutcomeSuperseded,
			Reason:      "remote version newer",
		})

	case DecisionMerged:
		w.applyMerge(ctx, op, decision)

	case DecisionUnresolvable:
		w.fail(ctx, op, "unresolvable conflict: "+decision.Reason, OutcomeUnresolvable)
	}
}

// applyMerge enqueues the merged replacement and settles the original as
// superseded by it. The replacement goes through the normal queue, so it
// coalesces with any write the producer enqueued meanwhile.
func (w *syncWorker) applyMerge(ctx context.Context, op Operation, decision ConflictDecision) {
	now := time.Now()
	replacement := Operation{
		ID:            newOperationID(),
		EntityID:      op.EntityID,
		EntityKind:    op.EntityKind,
		EntityVersion: decision.Version,
		Payload:       decision.Payload,
		Kind:          op.Kind,
		Priority:      op.Priority,
		EnqueuedAt:    now,
		NextAttemptAt: now,
		State:         StatePending,
	}

	superseded, err := w.storage.Enqueue(ctx, &replacement)
	if err != nil {
		slog.Error("merge enqueue failed", "worker", w.id, "op", op.ID, "error", err)
		return
	}
	if superseded != "" {
		w.events.publish(OutcomeEvent{
			OperationID: superseded,
			EntityID:    op.EntityID,
			EntityKind:  op.EntityKind,
			Outcome:     OutcomeSuperseded,
			Reason:      "coalesced into " + string(replacement.ID),
		})
	}

	if err := w.storage.Ack(ctx, op.ID, replacement.ID); err != nil {
		slog.Error("ack failed", "worker", w.id, "op", op.ID, "error", err)
		return
	}
	slog.Debug("merged replacement enqueued",
		"worker", w.id, "op", op.ID, "replacement", replacement.ID, "version", decision.Version)
	w.events.publish(OutcomeEvent{
		OperationID: op.ID,
		EntityID:    op.EntityID,
		EntityKind:  op.EntityKind,
		Outcome:     OutcomeSuperseded,
		Reason:      "merged into " + string(replacement.ID),
	})
}

// reclaimLeases sweeps expired leases back to Pending.
func (w *syncWorker) reclaimLeases(ctx context.Context) {
	n, err := w.storage.ReclaimExpiredLeases(ctx, time.Now())
	if err != nil {
		if !errors.Is(err, ErrClosed) {
			slog.Error("lease reclaim failed", "worker", w.id, "error", err)
		}
		return
	}
	if n > 0 {
		slog.Warn("reclaimed expired leases", "worker", w.id, "count", n)
	}
}
