package driftsync

import (
	"fmt"
	"log/slog"
	"sync"
)

// DecisionKind is the verdict of a conflict resolution.
type DecisionKind int

const (
	// DecisionAcceptLocal keeps the local pending write; the reported
	// conflict was spurious and the operation is re-sent.
	DecisionAcceptLocal DecisionKind = iota
	// DecisionAcceptRemote yields to the remote version; the local
	// write is settled as superseded.
	DecisionAcceptRemote
	// DecisionMerged produced a new payload and version that replace
	// the local operation.
	DecisionMerged
	// DecisionUnresolvable means this layer will not guess; business
	// logic owns the final say.
	DecisionUnresolvable
)

func (k DecisionKind) String() string {
	switch k {
	case DecisionAcceptLocal:
		return "accept_local"
	case DecisionAcceptRemote:
		return "accept_remote"
	case DecisionMerged:
		return "merged"
	case DecisionUnresolvable:
		return "unresolvable"
	default:
		return "unknown"
	}
}

// ConflictDecision is the output of a ConflictResolver.
type ConflictDecision struct {
	Kind DecisionKind

	// Payload and Version carry the merged result when Kind is
	// DecisionMerged.
	Payload []byte
	Version uint64

	// Reason explains DecisionUnresolvable verdicts.
	Reason string
}

// AcceptLocal keeps the local write.
func AcceptLocal() ConflictDecision {
	return ConflictDecision{Kind: DecisionAcceptLocal}
}

// AcceptRemote yields to the remote version.
func AcceptRemote() ConflictDecision {
	return ConflictDecision{Kind: DecisionAcceptRemote}
}

// Merged replaces the local write with a merged payload and version.
func Merged(payload []byte, version uint64) ConflictDecision {
	return ConflictDecision{Kind: DecisionMerged, Payload: payload, Version: version}
}

// Unresolvable refuses to decide, surfacing the conflict to the producer.
func Unresolvable(reason string) ConflictDecision {
	return ConflictDecision{Kind: DecisionUnresolvable, Reason: reason}
}

// ConflictResolver decides what happens when the remote rejects a local
// write with a version conflict.
//
// Resolution must be deterministic: the same local operation and remote
// version must always yield the same decision, so that two peers resolving
// the same conflict independently converge. Implementations must not read
// clocks or random sources.
type ConflictResolver interface {
	Resolve(local Operation, remoteVersion uint64) ConflictDecision
}

// MergeFunc combines a local pending write with the remote's reported
// version into a new payload and version. The returned version should
// derive from remoteVersion (typically remoteVersion+1) so the merged
// operation is not itself rejected as stale. A returned error makes the
// conflict unresolvable.
type MergeFunc func(local Operation, remoteVersion uint64) ([]byte, uint64, error)

// VersionResolver is the default version-dominance policy:
//
//   - when the local version is equal to or newer than the remote's,
//     the conflict is spurious: accept local;
//   - when the remote is strictly newer and the local write is a delete,
//     accept remote; deletes never win over newer updates;
//   - otherwise merge if a merge function is configured, else declare
//     the conflict unresolvable.
type VersionResolver struct {
	merge MergeFunc
}

// NewVersionResolver creates the default policy. merge may be nil, in
// which case genuine conflicts resolve as unresolvable.
func NewVersionResolver(merge MergeFunc) *VersionResolver {
	return &VersionResolver{merge: merge}
}

// Resolve applies version dominance.
func (r *VersionResolver) Resolve(local Operation, remoteVersion uint64) ConflictDecision {
	if local.EntityVersion >= remoteVersion {
		return AcceptLocal()
	}

	if local.Kind == OpDelete {
		slog.Warn("stale delete superseded by newer remote version",
			"op", local.ID, "entity", local.EntityID,
			"local_version", local.EntityVersion, "remote_version", remoteVersion)
		return AcceptRemote()
	}

	if r.merge != nil {
		payload, version, err := r.merge(local, remoteVersion)
		if err != nil {
			return Unresolvable(fmt.Sprintf("merge failed: %v", err))
		}
		return Merged(payload, version)
	}

	return Unresolvable(fmt.Sprintf("remote version %d newer than local %d and no merge function registered",
		remoteVersion, local.EntityVersion))
}

// LastWriterWinsResolver resolves purely on version order: the higher
// version wins, ties go to the local write. It never merges and never
// gives up, which suits entities where losing a concurrent write is
// acceptable.
type LastWriterWinsResolver struct{}

// Resolve applies last-writer-wins.
func (LastWriterWinsResolver) Resolve(local Operation, remoteVersion uint64) ConflictDecision {
	if remoteVersion > local.EntityVersion {
		return AcceptRemote()
	}
	return AcceptLocal()
}

// ResolverRegistry dispatches conflict resolution by entity kind. Kinds
// without a registered resolver use the fallback. The registry itself
// implements ConflictResolver, so it plugs directly into the engine.
type ResolverRegistry struct {
	mu       sync.RWMutex
	byKind   map[string]ConflictResolver
	fallback ConflictResolver
}

// NewResolverRegistry creates a registry. A nil fallback installs the
// default VersionResolver without a merge function.
func NewResolverRegistry(fallback ConflictResolver) *ResolverRegistry {
	if fallback == nil {
		fallback = NewVersionResolver(nil)
	}
	return &ResolverRegistry{
		byKind:   make(map[string]ConflictResolver),
		fallback: fallback,
	}
}

// Register installs a resolver for an entity kind, replacing any previous
// registration.
func (g *ResolverRegistry) Register(entityKind string, r ConflictResolver) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.byKind[entityKind] = r
}

// RegisterMerge installs the default version-dominance policy with the
// given merge function for an entity kind.
func (g *ResolverRegistry) RegisterMerge(entityKind string, merge MergeFunc) {
	g.Register(entityKind, NewVersionResolver(merge))
}

// Resolve dispatches to the resolver registered for the operation's
// entity kind.
func (g *ResolverRegistry) Resolve(local Operation, remoteVersion uint64) ConflictDecision {
	g.mu.RLock()
	r, ok := g.byKind[local.EntityKind]
	g.mu.RUnlock()
	if !ok {
		r = g.fallback
	}
	return r.Resolve(local, remoteVersion)
}

var (
	_ ConflictResolver = (*VersionResolver)(nil)
	_ ConflictResolver = LastWriterWinsResolver{}
	_ ConflictResolver = (*ResolverRegistry)(nil)
)
