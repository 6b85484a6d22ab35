package driftsync

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

// waitUntil polls cond until it holds or the timeout elapses.
func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

// awaitOutcome reads events until the wanted one arrives.
func awaitOutcome(t *testing.T, sub *OutcomeSubscription, id OperationID, outcome Outcome) OutcomeEvent {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-sub.C():
			if ev.OperationID == id && ev.Outcome == outcome {
				return ev
			}
		case <-deadline:
			t.Fatalf("timeout waiting for %s event for %s", outcome, id)
		}
	}
}

// startTestEngine wires an engine to in-memory storage and the fault mock,
// with timings scaled down for tests. Delays are jitter-free so retry
// schedules are predictable.
func startTestEngine(t *testing.T, resolver ConflictResolver, maxAttempts int) (*Engine, *MemoryStorage, *NetworkFaultMock, func()) {
	t.Helper()

	storage := NewMemoryStorage()
	mock := NewNetworkFaultMock(NetworkFaultMockConfig{Seed: 1})

	config := Config{
		Retry: RetryPolicy{
			BaseDelay:      5 * time.Millisecond,
			MaxDelay:       50 * time.Millisecond,
			Multiplier:     2.0,
			MaxAttempts:    maxAttempts,
			JitterFraction: 0,
		},
		Worker: WorkerConfig{
			LeaseTTL:          250 * time.Millisecond,
			SendTimeout:       time.Second,
			BatchSize:         16,
			StorageRetryDelay: 10 * time.Millisecond,
			ReclaimInterval:   25 * time.Millisecond,
		},
		Seed: 1,
	}

	engine, err := New(config, Deps{
		Storage:   storage,
		Monitor:   mock,
		Transport: mock,
		Resolver:  resolver,
	})
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}

	cleanup := func() {
		engine.Stop()
		mock.Close()
		storage.Close()
	}
	return engine, storage, mock, cleanup
}

func TestEngine_OfflineEnqueueOnlineDrain(t *testing.T) {
	engine, _, mock, cleanup := startTestEngine(t, nil, 5)
	defer cleanup()
	ctx := context.Background()

	mock.SetState(NetworkOffline)
	if err := engine.Start(); err != nil {
		t.Fatalf("failed to start: %v", err)
	}

	var ids []OperationID
	for i := 0; i < 3; i++ {
		id, err := engine.Enqueue(ctx, Operation{
			EntityID:      fmt.Sprintf("doc-%d", i),
			EntityVersion: 1,
			Kind:          OpUpdate,
			Payload:       []byte(`{"v":1}`),
		})
		if err != nil {
			t.Fatalf("failed to enqueue: %v", err)
		}
		ids = append(ids, id)
	}

	// Nothing moves while offline.
	time.Sleep(50 * time.Millisecond)
	if n := len(mock.Delivered()); n != 0 {
		t.Fatalf("expected no deliveries while offline, got %d", n)
	}
	stats, err := engine.Stats(ctx)
	if err != nil {
		t.Fatalf("failed to get stats: %v", err)
	}
	if stats.Storage.Pending != 3 {
		t.Errorf("expected 3 pending, got %d", stats.Storage.Pending)
	}

	// Connectivity returns and the queue drains on its own.
	mock.SetState(NetworkOnline)
	waitUntil(t, 2*time.Second, func() bool { return len(mock.Delivered()) == 3 })

	for _, id := range ids {
		op, err := engine.Get(ctx, id)
		if err != nil {
			t.Fatalf("failed to get %s: %v", id, err)
		}
		if op.State != StateSucceeded {
			t.Errorf("expected %s succeeded, got %s", id, op.State)
		}
	}
}

func TestEngine_RetriesTransientFailures(t *testing.T) {
	engine, _, mock, cleanup := startTestEngine(t, nil, 5)
	defer cleanup()
	ctx := context.Background()

	// The first three attempts fail at the network level, the fourth lands.
	mock.QueueError(errors.New("connection refused"))
	mock.QueueError(errors.New("connection reset"))
	mock.QueueError(errors.New("connection timed out"))

	if err := engine.Start(); err != nil {
		t.Fatalf("failed to start: %v", err)
	}

	id, err := engine.Enqueue(ctx, Operation{EntityID: "doc-1", EntityVersion: 1, Kind: OpUpdate})
	if err != nil {
		t.Fatalf("failed to enqueue: %v", err)
	}

	waitUntil(t, 2*time.Second, func() bool {
		op, err := engine.Get(ctx, id)
		return err == nil && op.State == StateSucceeded
	})

	if mock.Attempts() != 4 {
		t.Errorf("expected 4 attempts, got %d", mock.Attempts())
	}
	if len(mock.Delivered()) != 1 {
		t.Errorf("expected exactly 1 delivery, got %d", len(mock.Delivered()))
	}

	op, err := engine.Get(ctx, id)
	if err != nil {
		t.Fatalf("failed to get: %v", err)
	}
	if op.Attempts != 3 {
		t.Errorf("expected 3 recorded failed attempts, got %d", op.Attempts)
	}
}

func TestEngine_RetryBudgetExhausted(t *testing.T) {
	engine, _, mock, cleanup := startTestEngine(t, nil, 2)
	defer cleanup()
	ctx := context.Background()

	mock.QueueError(errors.New("connection refused"))
	mock.QueueError(errors.New("connection refused"))

	sub := engine.SubscribeOutcomes()
	defer sub.Close()

	if err := engine.Start(); err != nil {
		t.Fatalf("failed to start: %v", err)
	}

	id, err := engine.Enqueue(ctx, Operation{EntityID: "doc-1", EntityVersion: 1, Kind: OpUpdate})
	if err != nil {
		t.Fatalf("failed to enqueue: %v", err)
	}

	ev := awaitOutcome(t, sub, id, OutcomeFailed)
	if !strContains(ev.Reason, "retry budget exhausted") {
		t.Errorf("unexpected failure reason %q", ev.Reason)
	}
	if mock.Attempts() != 2 {
		t.Errorf("expected 2 attempts, got %d", mock.Attempts())
	}

	op, err := engine.Get(ctx, id)
	if err != nil {
		t.Fatalf("failed to get: %v", err)
	}
	if op.State != StateFailed {
		t.Errorf("expected failed, got %s", op.State)
	}

	// A manual requeue grants a fresh budget; with the error queue
	// drained the operation now lands.
	if err := engine.RequeueFailed(ctx, id); err != nil {
		t.Fatalf("failed to requeue: %v", err)
	}
	waitUntil(t, 2*time.Second, func() bool {
		op, err := engine.Get(ctx, id)
		return err == nil && op.State == StateSucceeded
	})
}

func TestEngine_ReclaimsExpiredLeasesOnStart(t *testing.T) {
	engine, storage, mock, cleanup := startTestEngine(t, nil, 5)
	defer cleanup()
	ctx := context.Background()

	// A previous worker claimed the operation and died; its lease has
	// already expired by the time this engine starts.
	op := testOperation("op1", "doc-1")
	if _, err := storage.Enqueue(ctx, op); err != nil {
		t.Fatalf("failed to enqueue: %v", err)
	}
	if err := storage.MarkInFlight(ctx, "op1", "worker-dead", time.Millisecond); err != nil {
		t.Fatalf("failed to claim: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	if err := engine.Start(); err != nil {
		t.Fatalf("failed to start: %v", err)
	}

	waitUntil(t, 2*time.Second, func() bool { return len(mock.Delivered()) == 1 })

	got, err := engine.Get(ctx, "op1")
	if err != nil {
		t.Fatalf("failed to get: %v", err)
	}
	if got.State != StateSucceeded {
		t.Errorf("expected succeeded after reclaim and redelivery, got %s", got.State)
	}
}

func TestEngine_ConflictLocalWins(t *testing.T) {
	engine, _, mock, cleanup := startTestEngine(t, nil, 5)
	defer cleanup()
	ctx := context.Background()

	// The remote reports a conflict against an older version: spurious,
	// and the local write is resent immediately without waiting out the
	// backoff.
	mock.QueueOutcome(SendOutcome{Kind: SendConflict, RemoteVersion: 2})

	if err := engine.Start(); err != nil {
		t.Fatalf("failed to start: %v", err)
	}

	id, err := engine.Enqueue(ctx, Operation{EntityID: "doc-1", EntityVersion: 5, Kind: OpUpdate})
	if err != nil {
		t.Fatalf("failed to enqueue: %v", err)
	}

	waitUntil(t, 2*time.Second, func() bool {
		op, err := engine.Get(ctx, id)
		return err == nil && op.State == StateSucceeded
	})

	if mock.Attempts() != 2 {
		t.Errorf("expected conflict then immediate resend, got %d attempts", mock.Attempts())
	}
}

func TestEngine_ConflictPersistsAfterResend(t *testing.T) {
	engine, _, mock, cleanup := startTestEngine(t, nil, 5)
	defer cleanup()
	ctx := context.Background()

	// Both the first send and the bypass resend hit a conflict; the
	// third attempt goes back through the backoff schedule and lands.
	mock.QueueOutcome(SendOutcome{Kind: SendConflict, RemoteVersion: 2})
	mock.QueueOutcome(SendOutcome{Kind: SendConflict, RemoteVersion: 2})

	if err := engine.Start(); err != nil {
		t.Fatalf("failed to start: %v", err)
	}

	id, err := engine.Enqueue(ctx, Operation{EntityID: "doc-1", EntityVersion: 5, Kind: OpUpdate})
	if err != nil {
		t.Fatalf("failed to enqueue: %v", err)
	}

	waitUntil(t, 2*time.Second, func() bool {
		op, err := engine.Get(ctx, id)
		return err == nil && op.State == StateSucceeded
	})

	if mock.Attempts() != 3 {
		t.Errorf("expected 3 attempts, got %d", mock.Attempts())
	}
	op, err := engine.Get(ctx, id)
	if err != nil {
		t.Fatalf("failed to get: %v", err)
	}
	if op.Attempts != 1 {
		t.Errorf("expected 1 scheduled retry recorded, got %d", op.Attempts)
	}
}

func TestEngine_StaleDeleteYieldsToRemote(t *testing.T) {
	engine, _, mock, cleanup := startTestEngine(t, nil, 5)
	defer cleanup()
	ctx := context.Background()

	mock.QueueOutcome(SendOutcome{Kind: SendConflict, RemoteVersion: 9})

	sub := engine.SubscribeOutcomes()
	defer sub.Close()

	if err := engine.Start(); err != nil {
		t.Fatalf("failed to start: %v", err)
	}

	id, err := engine.Enqueue(ctx, Operation{EntityID: "doc-1", EntityVersion: 3, Kind: OpDelete})
	if err != nil {
		t.Fatalf("failed to enqueue: %v", err)
	}

	ev := awaitOutcome(t, sub, id, OutcomeSuperseded)
	if ev.Reason != "remote version newer" {
		t.Errorf("unexpected reason %q", ev.Reason)
	}

	op, err := engine.Get(ctx, id)
	if err != nil {
		t.Fatalf("failed to get: %v", err)
	}
	if op.State != StateSucceeded {
		t.Errorf("expected settled, got %s", op.State)
	}
	// The delete was withdrawn, not delivered again.
	if mock.Attempts() != 1 {
		t.Errorf("expected a single attempt, got %d", mock.Attempts())
	}
}

func TestEngine_MergedConflict(t *testing.T) {
	merge := func(local Operation, remoteVersion uint64) ([]byte, uint64, error) {
		return []byte(`{"merged":true}`), remoteVersion + 1, nil
	}
	engine, _, mock, cleanup := startTestEngine(t, NewVersionResolver(merge), 5)
	defer cleanup()
	ctx := context.Background()

	mock.QueueOutcome(SendOutcome{Kind: SendConflict, RemoteVersion: 7})

	sub := engine.SubscribeOutcomes()
	defer sub.Close()

	if err := engine.Start(); err != nil {
		t.Fatalf("failed to start: %v", err)
	}

	id, err := engine.Enqueue(ctx, Operation{EntityID: "doc-1", EntityVersion: 3, Kind: OpUpdate, Payload: []byte(`{"v":3}`)})
	if err != nil {
		t.Fatalf("failed to enqueue: %v", err)
	}

	ev := awaitOutcome(t, sub, id, OutcomeSuperseded)
	if !strContains(ev.Reason, "merged into ") {
		t.Fatalf("unexpected reason %q", ev.Reason)
	}

	original, err := engine.Get(ctx, id)
	if err != nil {
		t.Fatalf("failed to get original: %v", err)
	}
	if original.State != StateSucceeded {
		t.Errorf("expected original settled, got %s", original.State)
	}
	if original.SupersededBy == "" {
		t.Fatal("expected original superseded by the merged replacement")
	}

	// The replacement carries the merged payload at the bumped version
	// and goes out through the normal queue.
	waitUntil(t, 2*time.Second, func() bool {
		rep, err := engine.Get(ctx, original.SupersededBy)
		return err == nil && rep.State == StateSucceeded
	})
	rep, err := engine.Get(ctx, original.SupersededBy)
	if err != nil {
		t.Fatalf("failed to get replacement: %v", err)
	}
	if rep.EntityVersion != 8 {
		t.Errorf("expected merged version 8, got %d", rep.EntityVersion)
	}
	if string(rep.Payload) != `{"merged":true}` {
		t.Errorf("unexpected merged payload %q", rep.Payload)
	}

	delivered := mock.Delivered()
	if len(delivered) != 2 {
		t.Fatalf("expected original and replacement deliveries, got %d", len(delivered))
	}
	if delivered[1].EntityVersion != 8 {
		t.Errorf("expected replacement delivered at version 8, got %d", delivered[1].EntityVersion)
	}
}

func TestEngine_UnresolvableConflict(t *testing.T) {
	engine, _, mock, cleanup := startTestEngine(t, nil, 5)
	defer cleanup()
	ctx := context.Background()

	// Remote is newer, the operation is an update, and no merge function
	// is registered: the conflict surfaces to the producer.
	mock.QueueOutcome(SendOutcome{Kind: SendConflict, RemoteVersion: 9})

	sub := engine.SubscribeOutcomes()
	defer sub.Close()

	if err := engine.Start(); err != nil {
		t.Fatalf("failed to start: %v", err)
	}

	id, err := engine.Enqueue(ctx, Operation{EntityID: "doc-1", EntityVersion: 3, Kind: OpUpdate})
	if err != nil {
		t.Fatalf("failed to enqueue: %v", err)
	}

	ev := awaitOutcome(t, sub, id, OutcomeUnresolvable)
	if !strContains(ev.Reason, "unresolvable conflict") {
		t.Errorf("unexpected reason %q", ev.Reason)
	}

	op, err := engine.Get(ctx, id)
	if err != nil {
		t.Fatalf("failed to get: %v", err)
	}
	if op.State != StateFailed {
		t.Errorf("expected failed, got %s", op.State)
	}

	failed, err := engine.Failed(ctx, 10)
	if err != nil {
		t.Fatalf("failed to list failed: %v", err)
	}
	if len(failed) != 1 || failed[0].ID != id {
		t.Errorf("expected %s in failed list, got %+v", id, failed)
	}
}

func TestEngine_RejectionFailsImmediately(t *testing.T) {
	engine, _, mock, cleanup := startTestEngine(t, nil, 5)
	defer cleanup()
	ctx := context.Background()

	mock.QueueOutcome(SendOutcome{Kind: SendRejected, Reason: "invalid payload"})

	sub := engine.SubscribeOutcomes()
	defer sub.Close()

	if err := engine.Start(); err != nil {
		t.Fatalf("failed to start: %v", err)
	}

	id, err := engine.Enqueue(ctx, Operation{EntityID: "doc-1", EntityVersion: 1, Kind: OpUpdate})
	if err != nil {
		t.Fatalf("failed to enqueue: %v", err)
	}

	ev := awaitOutcome(t, sub, id, OutcomeFailed)
	if !strContains(ev.Reason, "rejected by remote") {
		t.Errorf("unexpected reason %q", ev.Reason)
	}
	// Rejections are final; no retries.
	if mock.Attempts() != 1 {
		t.Errorf("expected 1 attempt, got %d", mock.Attempts())
	}
}

func TestEngine_PerEntityOrdering(t *testing.T) {
	engine, _, mock, cleanup := startTestEngine(t, nil, 5)
	defer cleanup()
	ctx := context.Background()

	if err := engine.Start(); err != nil {
		t.Fatalf("failed to start: %v", err)
	}

	// Three writes to one entity with distinct ids (forced, to defeat
	// coalescing) must reach the remote in enqueue order.
	var ids []OperationID
	for i := 1; i <= 3; i++ {
		op := Operation{
			ID:            OperationID(fmt.Sprintf("seq-%d", i)),
			EntityID:      "doc-1",
			EntityVersion: uint64(i),
			Kind:          OpUpdate,
		}
		// Stagger enqueues so each lands after the previous delivered,
		// keeping all three alive in the queue.
		id, err := engine.Enqueue(ctx, op)
		if err != nil {
			t.Fatalf("failed to enqueue: %v", err)
		}
		ids = append(ids, id)
		waitUntil(t, 2*time.Second, func() bool { return len(mock.Delivered()) >= i })
	}

	delivered := mock.Delivered()
	if len(delivered) != 3 {
		t.Fatalf("expected 3 deliveries, got %d", len(delivered))
	}
	for i, id := range ids {
		if delivered[i].ID != id {
			t.Errorf("position %d: expected %s, got %s", i, id, delivered[i].ID)
		}
	}
	for i, op := range delivered {
		if op.EntityVersion != uint64(i+1) {
			t.Errorf("position %d: expected version %d, got %d", i, i+1, op.EntityVersion)
		}
	}
}

func TestEngine_CoalescesQueuedWrites(t *testing.T) {
	engine, _, mock, cleanup := startTestEngine(t, nil, 5)
	defer cleanup()
	ctx := context.Background()

	sub := engine.SubscribeOutcomes()
	defer sub.Close()

	// Engine not started: writes pile up in the queue.
	first, err := engine.Enqueue(ctx, Operation{EntityID: "doc-1", EntityVersion: 1, Kind: OpUpdate, Payload: []byte(`{"v":1}`)})
	if err != nil {
		t.Fatalf("failed to enqueue: %v", err)
	}
	second, err := engine.Enqueue(ctx, Operation{EntityID: "doc-1", EntityVersion: 2, Kind: OpUpdate, Payload: []byte(`{"v":2}`)})
	if err != nil {
		t.Fatalf("failed to enqueue: %v", err)
	}

	ev := awaitOutcome(t, sub, first, OutcomeSuperseded)
	if ev.Reason != "coalesced into "+string(second) {
		t.Errorf("unexpected reason %q", ev.Reason)
	}

	if err := engine.Start(); err != nil {
		t.Fatalf("failed to start: %v", err)
	}

	waitUntil(t, 2*time.Second, func() bool { return len(mock.Delivered()) == 1 })
	if got := mock.Delivered()[0].ID; got != second {
		t.Errorf("expected only the newest write delivered, got %s", got)
	}
}
