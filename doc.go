// Package driftsync provides an embedded offline-first synchronization
// engine for clients with intermittent connectivity.
//
// Driftsync queues local writes durably, delivers them to a remote when the
// network allows, and resolves version conflicts deterministically. The
// queue survives process restarts; operations advance through a strict
// lifecycle (Pending, InFlight, Succeeded, Conflicted, Failed) so no
// acknowledged write is ever lost and no settled write is resent.
//
// # Basic Usage
//
// Open an engine with default configuration:
//
//	cfg := driftsync.DefaultConfig("sync.db")
//	cfg.Transport.HTTP.Endpoint = "https://api.example.com/sync"
//	cfg.Network.ProbeURL = "https://api.example.com/health"
//
//	engine, err := driftsync.Open(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer engine.Close()
//
//	if err := engine.Start(); err != nil {
//	    log.Fatal(err)
//	}
//
// Enqueue local writes; they are delivered in the background, surviving
// offline periods:
//
//	id, err := engine.Enqueue(ctx, driftsync.Operation{
//	    EntityID:      "invoice-42",
//	    EntityKind:    "invoice",
//	    EntityVersion: 7,
//	    Kind:          driftsync.OpUpdate,
//	    Payload:       body,
//	})
//
// Observe terminal outcomes:
//
//	sub := engine.SubscribeOutcomes()
//	defer sub.Close()
//	for ev := range sub.C() {
//	    log.Printf("%s: %s", ev.OperationID, ev.Outcome)
//	}
//
// # Features
//
// Queue & Delivery:
//   - Durable SQLite queue with optional snappy compression and
//     AES-256-GCM payload encryption at rest
//   - Per-entity coalescing: a newer pending write supersedes an older one
//   - Priority ordering across entities, strict enqueue order within one
//   - Lease-based claims so duplicate delivery cannot double-apply and
//     crashed workers are recovered automatically
//   - Exponential backoff with jitter, bounded retry budgets, and
//     conservative pacing on degraded links
//
// Connectivity & Conflicts:
//   - Probing network monitor with debounced state changes, or
//     application-driven state for platforms with native reachability
//   - Deterministic conflict resolution by version dominance, per-kind
//     resolver registry, last-writer-wins, and custom merge functions
//
// Transports & Integrations:
//   - HTTP, WebSocket, and S3-compatible object storage transports
//   - Prometheus remote-write telemetry push
//   - Seeded network fault mock for reproducible failure testing
//
// # Configuration
//
// Use [Config] to customize behavior:
//
//	cfg := driftsync.DefaultConfig("sync.db")
//	cfg.Retry = driftsync.RetryPolicy{
//	    BaseDelay:   2 * time.Second,
//	    MaxDelay:    5 * time.Minute,
//	    Multiplier:  2.0,
//	    MaxAttempts: 8,
//	}
//	cfg.Worker.LeaseTTL = 2 * time.Minute
//
// Or load it from YAML with [LoadConfig]. Applications that bring their own
// storage, monitor, transport, or resolver use [New] with [Deps] instead of
// [Open].
package driftsync
