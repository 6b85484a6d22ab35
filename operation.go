package driftsync

import (
	"crypto/rand"
	"encoding/hex"
	"time"
)

// OperationID uniquely identifies an enqueued operation. Generated at
// enqueue time, stable across retries.
type OperationID string

func newOperationID() OperationID {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return OperationID(hex.EncodeToString(b))
}

// OperationKind identifies the type of change an operation carries.
type OperationKind int

const (
	// OpCreate introduces a new entity.
	OpCreate OperationKind = iota
	// OpUpdate modifies an existing entity.
	OpUpdate
	// OpDelete removes an entity.
	OpDelete
)

func (k OperationKind) String() string {
	switch k {
	case OpCreate:
		return "create"
	case OpUpdate:
		return "update"
	case OpDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// OperationState tracks an operation through its delivery lifecycle.
// Transitions are one-directional: Pending -> InFlight -> {Succeeded,
// Conflicted, Pending (retry), Failed}. Conflicted moves back to Pending
// when a merged replacement is enqueued, or to Failed when resolution is
// impossible. Succeeded and Failed are terminal.
type OperationState int

const (
	// StatePending means the operation is waiting for delivery.
	StatePending OperationState = iota
	// StateInFlight means a worker holds a lease and a send is underway.
	StateInFlight
	// StateSucceeded means the remote accepted the operation.
	StateSucceeded
	// StateConflicted means the remote rejected the operation with a
	// version conflict that is being resolved.
	StateConflicted
	// StateFailed means delivery was abandoned; FailReason says why.
	StateFailed
)

func (s OperationState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateInFlight:
		return "in_flight"
	case StateSucceeded:
		return "succeeded"
	case StateConflicted:
		return "conflicted"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Priority orders due operations within the queue. Higher drains first;
// equal priorities fall back to enqueue order.
type Priority int

const (
	PriorityLow      Priority = 25
	PriorityNormal   Priority = 50
	PriorityHigh     Priority = 75
	PriorityCritical Priority = 100
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "normal"
	}
}

// Operation is a single pending synchronization unit: one create, update,
// or delete of one entity. The engine never inspects Payload.
type Operation struct {
	// ID is the stable unique identifier assigned at enqueue.
	ID OperationID `json:"id"`

	// EntityID identifies the domain entity being synchronized. Opaque
	// to this layer.
	EntityID string `json:"entity_id"`

	// EntityKind is the producer-declared entity category ("invoice",
	// "contact", ...). Selects the conflict policy; empty uses the
	// default policy.
	EntityKind string `json:"entity_kind,omitempty"`

	// EntityVersion is the logical version the producer knew at enqueue
	// time. Used for conflict detection only, never interpreted beyond
	// ordering comparisons.
	EntityVersion uint64 `json:"entity_version"`

	// Payload is the opaque serialized body to transmit.
	Payload []byte `json:"payload"`

	// Kind is the change type; it affects conflict policy selection.
	Kind OperationKind `json:"kind"`

	// Priority orders delivery among due operations.
	Priority Priority `json:"priority"`

	// EnqueuedAt is when the producer handed the operation over.
	EnqueuedAt time.Time `json:"enqueued_at"`

	// Attempts counts delivery attempts so far.
	Attempts int `json:"attempts"`

	// NextAttemptAt gates delivery; the operation is not due before it.
	NextAttemptAt time.Time `json:"next_attempt_at"`

	// State is the current lifecycle state.
	State OperationState `json:"state"`

	// UpdatedAt is bumped on every state change; retention and
	// failed-queue ordering key off it.
	UpdatedAt time.Time `json:"updated_at"`

	// FailReason is retained for diagnostics once State is Failed.
	FailReason string `json:"fail_reason,omitempty"`

	// SupersededBy holds the replacement operation's ID when this one
	// was settled by a merge or a newer local write.
	SupersededBy OperationID `json:"superseded_by,omitempty"`

	// LeaseOwner and LeaseExpiresAt track the worker that claimed the
	// operation. Expired leases are reclaimed as Pending on restart.
	LeaseOwner     string    `json:"lease_owner,omitempty"`
	LeaseExpiresAt time.Time `json:"lease_expires_at,omitempty"`
}

// terminal reports whether the operation reached a final state.
func (o *Operation) terminal() bool {
	return o.State == StateSucceeded || o.State == StateFailed
}

// Outcome is the terminal fate of an operation as reported to producers.
type Outcome int

const (
	// OutcomeSucceeded means the remote accepted the operation.
	OutcomeSucceeded Outcome = iota
	// OutcomeFailed means delivery was abandoned after exhausting
	// retries or hitting a permanent rejection.
	OutcomeFailed
	// OutcomeSuperseded means the operation was settled by a newer
	// local write or a merged replacement; the producer's write lost.
	OutcomeSuperseded
	// OutcomeUnresolvable means a version conflict could not be
	// resolved; business logic owns the final say.
	OutcomeUnresolvable
	// OutcomeCanceled means the producer canceled the operation before
	// delivery.
	OutcomeCanceled
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSucceeded:
		return "succeeded"
	case OutcomeFailed:
		return "failed"
	case OutcomeSuperseded:
		return "superseded"
	case OutcomeUnresolvable:
		return "unresolvable"
	case OutcomeCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// OutcomeEvent notifies a producer about an operation reaching a terminal
// disposition. Delivered asynchronously via Engine.SubscribeOutcomes.
type OutcomeEvent struct {
	OperationID OperationID `json:"operation_id"`
	EntityID    string      `json:"entity_id"`
	EntityKind  string      `json:"entity_kind,omitempty"`
	Outcome     Outcome     `json:"outcome"`

	// Reason carries diagnostics for Failed and Unresolvable outcomes,
	// and the replacement id for Superseded ones.
	Reason string `json:"reason,omitempty"`
}
