package driftsync

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStorage implements SyncStorage with in-process maps. Useful for
// tests and for embedders that accept losing the queue on restart; durable
// deployments use SQLiteStorage.
type MemoryStorage struct {
	mu     sync.Mutex
	ops    map[OperationID]*Operation
	closed bool
}

// NewMemoryStorage creates an empty in-memory queue.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		ops: make(map[OperationID]*Operation),
	}
}

func (m *MemoryStorage) Enqueue(ctx context.Context, op *Operation) (OperationID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return "", ErrClosed
	}
	if op.ID == "" {
		return "", fmt.Errorf("enqueue: missing operation id")
	}
	if op.EntityID == "" {
		return "", fmt.Errorf("enqueue: missing entity id")
	}
	if _, exists := m.ops[op.ID]; exists {
		return "", fmt.Errorf("enqueue: duplicate operation id %s", op.ID)
	}

	var superseded OperationID
	for _, existing := range m.ops {
		if existing.EntityID == op.EntityID && existing.State == StatePending {
			existing.State = StateSucceeded
			existing.SupersededBy = op.ID
			existing.UpdatedAt = time.Now()
			superseded = existing.ID
			break
		}
	}

	stored := *op
	stored.UpdatedAt = time.Now()
	m.ops[op.ID] = &stored
	return superseded, nil
}

func (m *MemoryStorage) DueOperations(ctx context.Context, now time.Time, limit int) ([]Operation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}

	// Entities with an active claim are skipped to keep delivery
	// serialized per entity.
	busy := make(map[string]struct{})
	for _, op := range m.ops {
		if (op.State == StateInFlight || op.State == StateConflicted) && op.LeaseExpiresAt.After(now) {
			busy[op.EntityID] = struct{}{}
		}
	}

	// At most one operation per entity is handed out, and it must be
	// the entity's oldest Pending one; a newer write never jumps an
	// older one that is not yet due.
	oldest := make(map[string]*Operation)
	for _, op := range m.ops {
		if op.State != StatePending {
			continue
		}
		cur, ok := oldest[op.EntityID]
		if !ok || op.EnqueuedAt.Before(cur.EnqueuedAt) ||
			(op.EnqueuedAt.Equal(cur.EnqueuedAt) && op.ID < cur.ID) {
			oldest[op.EntityID] = op
		}
	}

	var due []Operation
	for entity, op := range oldest {
		if op.NextAttemptAt.After(now) {
			continue
		}
		if _, ok := busy[entity]; ok {
			continue
		}
		due = append(due, *op)
	}

	sort.Slice(due, func(i, j int) bool {
		if due[i].Priority != due[j].Priority {
			return due[i].Priority > due[j].Priority
		}
		if !due[i].EnqueuedAt.Equal(due[j].EnqueuedAt) {
			return due[i].EnqueuedAt.Before(due[j].EnqueuedAt)
		}
		return due[i].ID < due[j].ID
	})

	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (m *MemoryStorage) MarkInFlight(ctx context.Context, id OperationID, leaseOwner string, leaseTTL time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	op, ok := m.ops[id]
	if !ok {
		return ErrNotFound
	}
	switch op.State {
	case StateInFlight:
		return ErrAlreadyInFlight
	case StatePending:
	default:
		return ErrInvalidTransition
	}

	op.State = StateInFlight
	op.LeaseOwner = leaseOwner
	op.LeaseExpiresAt = time.Now().Add(leaseTTL)
	op.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStorage) Ack(ctx context.Context, id OperationID, supersededBy OperationID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	op, ok := m.ops[id]
	if !ok {
		return ErrNotFound
	}
	switch op.State {
	case StateSucceeded:
		return nil // idempotent
	case StateFailed:
		return ErrInvalidTransition
	}

	op.State = StateSucceeded
	if supersededBy != "" {
		op.SupersededBy = supersededBy
	}
	op.LeaseOwner = ""
	op.LeaseExpiresAt = time.Time{}
	op.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStorage) Reschedule(ctx context.Context, id OperationID, nextAttemptAt time.Time, attempts int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	op, ok := m.ops[id]
	if !ok {
		return ErrNotFound
	}
	if op.State != StateInFlight && op.State != StateConflicted {
		return ErrInvalidTransition
	}

	op.State = StatePending
	op.NextAttemptAt = nextAttemptAt
	op.Attempts = attempts
	op.LeaseOwner = ""
	op.LeaseExpiresAt = time.Time{}
	op.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStorage) MarkConflicted(ctx context.Context, id OperationID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	op, ok := m.ops[id]
	if !ok {
		return ErrNotFound
	}
	if op.State != StateInFlight {
		return ErrInvalidTransition
	}

	// Lease stays; reclaim covers a crash mid-resolution.
	op.State = StateConflicted
	op.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStorage) MarkFailed(ctx context.Context, id OperationID, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	op, ok := m.ops[id]
	if !ok {
		return ErrNotFound
	}
	switch op.State {
	case StateFailed:
		return nil // idempotent
	case StateSucceeded:
		return ErrInvalidTransition
	}

	op.State = StateFailed
	op.FailReason = reason
	op.LeaseOwner = ""
	op.LeaseExpiresAt = time.Time{}
	op.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStorage) Cancel(ctx context.Context, id OperationID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	op, ok := m.ops[id]
	if !ok {
		return ErrNotFound
	}
	if op.State != StatePending {
		return ErrNotCancelable
	}

	delete(m.ops, id)
	return nil
}

func (m *MemoryStorage) Get(ctx context.Context, id OperationID) (Operation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return Operation{}, ErrClosed
	}
	op, ok := m.ops[id]
	if !ok {
		return Operation{}, ErrNotFound
	}
	return *op, nil
}

func (m *MemoryStorage) ReclaimExpiredLeases(ctx context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, ErrClosed
	}

	reclaimed := 0
	for _, op := range m.ops {
		if op.State != StateInFlight && op.State != StateConflicted {
			continue
		}
		if op.LeaseExpiresAt.After(now) {
			continue
		}
		op.State = StatePending
		op.LeaseOwner = ""
		op.LeaseExpiresAt = time.Time{}
		op.UpdatedAt = time.Now()
		reclaimed++
	}
	return reclaimed, nil
}

func (m *MemoryStorage) NextDue(ctx context.Context) (time.Time, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return time.Time{}, false, ErrClosed
	}

	var next time.Time
	found := false
	for _, op := range m.ops {
		if op.State != StatePending {
			continue
		}
		if !found || op.NextAttemptAt.Before(next) {
			next = op.NextAttemptAt
			found = true
		}
	}
	return next, found, nil
}

func (m *MemoryStorage) FailedOperations(ctx context.Context, limit int) ([]Operation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}

	var failed []Operation
	for _, op := range m.ops {
		if op.State == StateFailed {
			failed = append(failed, *op)
		}
	}
	sort.Slice(failed, func(i, j int) bool {
		return failed[i].UpdatedAt.After(failed[j].UpdatedAt)
	})
	if limit > 0 && len(failed) > limit {
		failed = failed[:limit]
	}
	return failed, nil
}

func (m *MemoryStorage) RequeueFailed(ctx context.Context, id OperationID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	op, ok := m.ops[id]
	if !ok {
		return ErrNotFound
	}
	if op.State != StateFailed {
		return ErrInvalidTransition
	}

	op.State = StatePending
	op.Attempts = 0
	op.NextAttemptAt = time.Now()
	op.FailReason = ""
	op.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStorage) ClearFailed(ctx context.Context, before time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, ErrClosed
	}

	removed := 0
	for id, op := range m.ops {
		if op.State == StateFailed && op.UpdatedAt.Before(before) {
			delete(m.ops, id)
			removed++
		}
	}
	return removed, nil
}

func (m *MemoryStorage) PurgeSettled(ctx context.Context, olderThan time.Duration) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, ErrClosed
	}

	cutoff := time.Now().Add(-olderThan)
	removed := 0
	for id, op := range m.ops {
		if op.State == StateSucceeded && op.UpdatedAt.Before(cutoff) {
			delete(m.ops, id)
			removed++
		}
	}
	return removed, nil
}

func (m *MemoryStorage) Stats(ctx context.Context) (StorageStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return StorageStats{}, ErrClosed
	}

	var stats StorageStats
	for _, op := range m.ops {
		switch op.State {
		case StatePending:
			stats.Pending++
		case StateInFlight:
			stats.InFlight++
		case StateSucceeded:
			stats.Succeeded++
		case StateConflicted:
			stats.Conflicted++
		case StateFailed:
			stats.Failed++
		}
	}
	return stats, nil
}

func (m *MemoryStorage) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	m.ops = nil
	return nil
}
