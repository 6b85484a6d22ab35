package driftsync

import (
	"context"
	"time"
)

// SyncStorage is the durable queue of pending operations and the single
// source of truth for their state. Implementations must be safe for
// concurrent use by multiple workers, possibly in different processes;
// MarkInFlight's compare-and-set is the only mutual-exclusion primitive
// workers share.
//
// Every mutation must be atomic with respect to process crash. An
// operation left InFlight by a crashed worker is reclaimed as Pending by
// ReclaimExpiredLeases once its lease runs out; no operation is silently
// lost.
type SyncStorage interface {
	// Enqueue durably persists a new operation before returning.
	// An existing Pending operation for the same entity is superseded
	// atomically (acked with SupersededBy pointing at the new operation)
	// so the newest write owns the queue slot; its id is returned so the
	// caller can notify the producer. An InFlight operation for the same
	// entity is untouched; the new one queues behind it.
	Enqueue(ctx context.Context, op *Operation) (superseded OperationID, err error)

	// DueOperations returns Pending operations with NextAttemptAt <= now,
	// ordered by priority descending then EnqueuedAt ascending, skipping
	// entities that hold a live InFlight lease. Each call is a fresh
	// snapshot. limit <= 0 means no limit.
	DueOperations(ctx context.Context, now time.Time, limit int) ([]Operation, error)

	// MarkInFlight atomically claims a Pending operation for delivery,
	// recording the worker's lease. Returns ErrAlreadyInFlight when the
	// operation is already claimed, ErrInvalidTransition when it is not
	// Pending.
	MarkInFlight(ctx context.Context, id OperationID, leaseOwner string, leaseTTL time.Duration) error

	// Ack settles an operation as Succeeded and releases its lease.
	// Valid from Pending (coalesced away), InFlight, and Conflicted;
	// acking an already-Succeeded operation is a no-op. supersededBy,
	// when non-empty, records the replacement operation.
	Ack(ctx context.Context, id OperationID, supersededBy OperationID) error

	// Reschedule returns an InFlight or Conflicted operation to Pending
	// with updated retry bookkeeping.
	Reschedule(ctx context.Context, id OperationID, nextAttemptAt time.Time, attempts int) error

	// MarkConflicted flags an InFlight operation as Conflicted while a
	// resolution is produced. The lease is retained so a worker crash
	// mid-resolution is still recovered by ReclaimExpiredLeases.
	MarkConflicted(ctx context.Context, id OperationID) error

	// MarkFailed terminally fails an operation, retaining reason for
	// diagnostics.
	MarkFailed(ctx context.Context, id OperationID, reason string) error

	// Cancel removes a Pending operation at the producer's request.
	// Returns ErrNotCancelable once the operation left Pending.
	Cancel(ctx context.Context, id OperationID) error

	// Get returns a single operation by id.
	Get(ctx context.Context, id OperationID) (Operation, error)

	// ReclaimExpiredLeases flips InFlight and Conflicted operations with
	// expired leases back to Pending and reports how many were
	// reclaimed. Attempt counts are preserved.
	ReclaimExpiredLeases(ctx context.Context, now time.Time) (int, error)

	// NextDue returns the earliest NextAttemptAt across Pending
	// operations. ok is false when nothing is pending.
	NextDue(ctx context.Context) (next time.Time, ok bool, err error)

	// FailedOperations lists terminally failed operations, newest
	// first, for diagnostics and manual requeue. limit <= 0 means no
	// limit.
	FailedOperations(ctx context.Context, limit int) ([]Operation, error)

	// RequeueFailed returns a Failed operation to Pending with a reset
	// attempt counter, making it immediately due.
	RequeueFailed(ctx context.Context, id OperationID) error

	// ClearFailed deletes Failed operations older than before and
	// reports how many were removed.
	ClearFailed(ctx context.Context, before time.Time) (int, error)

	// PurgeSettled deletes Succeeded operations that settled more than
	// olderThan ago, bounding queue growth.
	PurgeSettled(ctx context.Context, olderThan time.Duration) (int, error)

	// Stats reports queue depths by state.
	Stats(ctx context.Context) (StorageStats, error)

	// Close releases any resources.
	Close() error
}

// StorageStats reports queue depths by state.
type StorageStats struct {
	Pending    int `json:"pending"`
	InFlight   int `json:"in_flight"`
	Succeeded  int `json:"succeeded"`
	Conflicted int `json:"conflicted"`
	Failed     int `json:"failed"`
}

// Total returns the number of stored operations across all states.
func (s StorageStats) Total() int {
	return s.Pending + s.InFlight + s.Succeeded + s.Conflicted + s.Failed
}

// Ensure interfaces are implemented
var (
	_ SyncStorage = (*MemoryStorage)(nil)
	_ SyncStorage = (*SQLiteStorage)(nil)
)
