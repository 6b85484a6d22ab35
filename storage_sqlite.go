package driftsync

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang/snappy"

	// SQLite driver using pure Go implementation
	_ "modernc.org/sqlite"
)

// payload codec flags stored per record, so records written before a
// compression or encryption setting changed still decode.
const (
	payloadCodecSnappy    = 1 << 0
	payloadCodecEncrypted = 1 << 1
)

const cipherSaltMetaKey = "cipher_salt"

// SQLiteStorageConfig configures the durable SQLite queue.
type SQLiteStorageConfig struct {
	// Path to the SQLite database file.
	Path string `json:"path" yaml:"path"`

	// CacheSize is the SQLite page cache size in KB (default: 2000 = 2MB).
	CacheSize int `json:"cache_size" yaml:"cache_size"`

	// JournalMode sets the SQLite journal mode (WAL, DELETE, TRUNCATE, etc.).
	JournalMode string `json:"journal_mode" yaml:"journal_mode"`

	// Synchronous sets the synchronous flag (OFF, NORMAL, FULL, EXTRA).
	Synchronous string `json:"synchronous" yaml:"synchronous"`

	// BusyTimeout is the timeout for acquiring locks in milliseconds.
	BusyTimeout int `json:"busy_timeout" yaml:"busy_timeout"`

	// MaxConnections is the max number of database connections.
	MaxConnections int `json:"max_connections" yaml:"max_connections"`

	// Compress snappy-compresses payloads at rest.
	Compress bool `json:"compress" yaml:"compress"`

	// Cipher optionally encrypts payloads at rest.
	Cipher CipherConfig `json:"cipher" yaml:"cipher"`
}

// DefaultSQLiteStorageConfig returns default configuration.
func DefaultSQLiteStorageConfig() SQLiteStorageConfig {
	return SQLiteStorageConfig{
		Path:           "driftsync.db",
		CacheSize:      2000,
		JournalMode:    "WAL",
		Synchronous:    "NORMAL",
		BusyTimeout:    5000,
		MaxConnections: 10,
	}
}

// SQLiteStorage implements SyncStorage on a single SQLite file. State
// transitions are single UPDATE statements guarded by the expected state,
// so claims stay atomic across workers and across processes sharing the
// file, and every mutation is crash-safe under the WAL journal.
type SQLiteStorage struct {
	db     *sql.DB
	config SQLiteStorageConfig
	cipher *PayloadCipher
	mu     sync.RWMutex
	closed bool

	// Prepared statements for the hot queue paths
	insertStmt     *sql.Stmt
	claimStmt      *sql.Stmt
	ackStmt        *sql.Stmt
	rescheduleStmt *sql.Stmt
	getStmt        *sql.Stmt
	dueStmt        *sql.Stmt
	nextDueStmt    *sql.Stmt
	stateStmt      *sql.Stmt
}

// NewSQLiteStorage opens (creating if needed) the queue database.
func NewSQLiteStorage(config SQLiteStorageConfig) (*SQLiteStorage, error) {
	if config.Path == "" {
		config.Path = "driftsync.db"
	}
	if config.CacheSize <= 0 {
		config.CacheSize = 2000
	}
	if config.JournalMode == "" {
		config.JournalMode = "WAL"
	}
	if config.Synchronous == "" {
		config.Synchronous = "NORMAL"
	}
	if config.BusyTimeout <= 0 {
		config.BusyTimeout = 5000
	}
	if config.MaxConnections <= 0 {
		config.MaxConnections = 10
	}

	// Build connection string with pragmas
	dsn := fmt.Sprintf("%s?_cache_size=%d&_journal_mode=%s&_synchronous=%s&_busy_timeout=%d",
		config.Path, config.CacheSize, config.JournalMode, config.Synchronous, config.BusyTimeout)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxConnections)
	db.SetMaxIdleConns(config.MaxConnections / 2)

	storage := &SQLiteStorage{
		db:     db,
		config: config,
	}

	if err := storage.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	if err := storage.initCipher(); err != nil {
		db.Close()
		return nil, err
	}

	if err := storage.prepareStatements(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to prepare statements: %w", err)
	}

	return storage, nil
}

// initSchema creates the database schema.
func (s *SQLiteStorage) initSchema() error {
	schema := `
		-- Pending-operation queue; one row per operation
		CREATE TABLE IF NOT EXISTS operations (
			id TEXT PRIMARY KEY,
			entity_id TEXT NOT NULL,
			entity_kind TEXT NOT NULL DEFAULT '',
			entity_version INTEGER NOT NULL,
			payload BLOB,
			payload_codec INTEGER NOT NULL DEFAULT 0,
			kind INTEGER NOT NULL,
			priority INTEGER NOT NULL,
			enqueued_at INTEGER NOT NULL,
			attempts INTEGER NOT NULL DEFAULT 0,
			next_attempt_at INTEGER NOT NULL,
			state INTEGER NOT NULL,
			fail_reason TEXT NOT NULL DEFAULT '',
			superseded_by TEXT NOT NULL DEFAULT '',
			lease_owner TEXT NOT NULL DEFAULT '',
			lease_expires_at INTEGER NOT NULL DEFAULT 0,
			updated_at INTEGER NOT NULL
		);

		-- Storage-level metadata (cipher salt, schema markers)
		CREATE TABLE IF NOT EXISTS sync_meta (
			key TEXT PRIMARY KEY,
			value BLOB NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_operations_state_due ON operations(state, next_attempt_at);
		CREATE INDEX IF NOT EXISTS idx_operations_entity ON operations(entity_id, state);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// initCipher sets up payload encryption. Password-derived keys persist
// their salt in sync_meta so reopening the file decrypts old records.
func (s *SQLiteStorage) initCipher() error {
	if !s.config.Cipher.Enabled {
		return nil
	}

	if len(s.config.Cipher.Key) > 0 {
		cipher, err := NewPayloadCipher(s.config.Cipher)
		if err != nil {
			return fmt.Errorf("failed to init payload cipher: %w", err)
		}
		s.cipher = cipher
		return nil
	}

	var salt []byte
	err := s.db.QueryRow(`SELECT value FROM sync_meta WHERE key = ?`, cipherSaltMetaKey).Scan(&salt)
	switch {
	case err == sql.ErrNoRows:
		cipher, err := NewPayloadCipher(s.config.Cipher)
		if err != nil {
			return fmt.Errorf("failed to init payload cipher: %w", err)
		}
		if _, err := s.db.Exec(`INSERT INTO sync_meta (key, value) VALUES (?, ?)`,
			cipherSaltMetaKey, cipher.Salt()); err != nil {
			return fmt.Errorf("failed to persist cipher salt: %w", err)
		}
		s.cipher = cipher
	case err != nil:
		return fmt.Errorf("failed to load cipher salt: %w", err)
	default:
		cipher, err := NewPayloadCipherWithSalt(s.config.Cipher.KeyPassword, salt)
		if err != nil {
			return fmt.Errorf("failed to rebuild payload cipher: %w", err)
		}
		s.cipher = cipher
	}
	return nil
}

// prepareStatements prepares the hot queue statements.
func (s *SQLiteStorage) prepareStatements() error {
	var err error

	s.insertStmt, err = s.db.Prepare(`
		INSERT INTO operations (id, entity_id, entity_kind, entity_version, payload, payload_codec,
			kind, priority, enqueued_at, attempts, next_attempt_at, state,
			fail_reason, superseded_by, lease_owner, lease_expires_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, '', '', '', 0, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert statement: %w", err)
	}

	s.claimStmt, err = s.db.Prepare(`
		UPDATE operations SET state = ?, lease_owner = ?, lease_expires_at = ?, updated_at = ?
		WHERE id = ? AND state = ?
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare claim statement: %w", err)
	}

	s.ackStmt, err = s.db.Prepare(`
		UPDATE operations SET state = ?,
			superseded_by = CASE WHEN ? <> '' THEN ? ELSE superseded_by END,
			lease_owner = '', lease_expires_at = 0, updated_at = ?
		WHERE id = ? AND state IN (?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare ack statement: %w", err)
	}

	s.rescheduleStmt, err = s.db.Prepare(`
		UPDATE operations SET state = ?, next_attempt_at = ?, attempts = ?,
			lease_owner = '', lease_expires_at = 0, updated_at = ?
		WHERE id = ? AND state IN (?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare reschedule statement: %w", err)
	}

	s.getStmt, err = s.db.Prepare(selectOperationColumns + ` WHERE id = ?`)
	if err != nil {
		return fmt.Errorf("failed to prepare get statement: %w", err)
	}

	// One operation per entity: only the entity's oldest Pending row is
	// eligible, and entities holding a live lease are skipped entirely.
	s.dueStmt, err = s.db.Prepare(selectOperationColumns + `
		WHERE state = ? AND next_attempt_at <= ?
			AND NOT EXISTS (
				SELECT 1 FROM operations busy
				WHERE busy.entity_id = operations.entity_id
					AND busy.state IN (?, ?)
					AND busy.lease_expires_at > ?
			)
			AND NOT EXISTS (
				SELECT 1 FROM operations older
				WHERE older.entity_id = operations.entity_id
					AND older.state = ?
					AND (older.enqueued_at < operations.enqueued_at
						OR (older.enqueued_at = operations.enqueued_at AND older.id < operations.id))
			)
		ORDER BY priority DESC, enqueued_at ASC, id ASC
		LIMIT ?
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare due statement: %w", err)
	}

	s.nextDueStmt, err = s.db.Prepare(`SELECT MIN(next_attempt_at) FROM operations WHERE state = ?`)
	if err != nil {
		return fmt.Errorf("failed to prepare next due statement: %w", err)
	}

	s.stateStmt, err = s.db.Prepare(`SELECT state FROM operations WHERE id = ?`)
	if err != nil {
		return fmt.Errorf("failed to prepare state statement: %w", err)
	}

	return nil
}

const selectOperationColumns = `
	SELECT id, entity_id, entity_kind, entity_version, payload, payload_codec,
		kind, priority, enqueued_at, attempts, next_attempt_at, state,
		fail_reason, superseded_by, lease_owner, lease_expires_at, updated_at
	FROM operations`

func (s *SQLiteStorage) guard() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

func (s *SQLiteStorage) Enqueue(ctx context.Context, op *Operation) (OperationID, error) {
	if err := s.guard(); err != nil {
		return "", err
	}
	if op.ID == "" {
		return "", newStorageError("enqueue", "missing operation id", nil)
	}
	if op.EntityID == "" {
		return "", newStorageError("enqueue", "missing entity id", nil)
	}

	payload, codec, err := s.encodePayload(op.Payload)
	if err != nil {
		return "", newStorageError("enqueue", "encode payload", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", newStorageError("enqueue", "begin transaction", err)
	}
	defer tx.Rollback()

	now := time.Now().UnixNano()

	var superseded OperationID
	var supersededID string
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM operations WHERE entity_id = ? AND state = ? LIMIT 1`,
		op.EntityID, int(StatePending)).Scan(&supersededID)
	switch {
	case err == sql.ErrNoRows:
	case err != nil:
		return "", newStorageError("enqueue", "find pending for entity", err)
	default:
		if _, err := tx.ExecContext(ctx,
			`UPDATE operations SET state = ?, superseded_by = ?, updated_at = ? WHERE id = ?`,
			int(StateSucceeded), string(op.ID), now, supersededID); err != nil {
			return "", newStorageError("enqueue", "supersede pending", err)
		}
		superseded = OperationID(supersededID)
	}

	stmt := tx.StmtContext(ctx, s.insertStmt)
	if _, err := stmt.ExecContext(ctx,
		string(op.ID), op.EntityID, op.EntityKind, int64(op.EntityVersion), payload, codec,
		int(op.Kind), int(op.Priority), op.EnqueuedAt.UnixNano(), op.Attempts,
		op.NextAttemptAt.UnixNano(), int(op.State), now); err != nil {
		return "", newStorageError("enqueue", "insert operation", err)
	}

	if err := tx.Commit(); err != nil {
		return "", newStorageError("enqueue", "commit", err)
	}
	return superseded, nil
}

func (s *SQLiteStorage) DueOperations(ctx context.Context, now time.Time, limit int) ([]Operation, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = -1
	}

	nowNanos := now.UnixNano()
	rows, err := s.dueStmt.QueryContext(ctx,
		int(StatePending), nowNanos,
		int(StateInFlight), int(StateConflicted), nowNanos,
		int(StatePending), limit)
	if err != nil {
		return nil, newStorageError("due_operations", "query", err)
	}
	defer rows.Close()

	var due []Operation
	for rows.Next() {
		op, err := s.scanOperation(rows)
		if err != nil {
			return nil, newStorageError("due_operations", "scan", err)
		}
		due = append(due, op)
	}
	if err := rows.Err(); err != nil {
		return nil, newStorageError("due_operations", "rows", err)
	}
	return due, nil
}

func (s *SQLiteStorage) MarkInFlight(ctx context.Context, id OperationID, leaseOwner string, leaseTTL time.Duration) error {
	if err := s.guard(); err != nil {
		return err
	}

	now := time.Now()
	res, err := s.claimStmt.ExecContext(ctx,
		int(StateInFlight), leaseOwner, now.Add(leaseTTL).UnixNano(), now.UnixNano(),
		string(id), int(StatePending))
	if err != nil {
		return newStorageError("mark_in_flight", "claim", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return newStorageError("mark_in_flight", "rows affected", err)
	}
	if n == 1 {
		return nil
	}

	state, err := s.operationState(ctx, id)
	if err != nil {
		return err
	}
	if state == StateInFlight {
		return ErrAlreadyInFlight
	}
	return ErrInvalidTransition
}

func (s *SQLiteStorage) Ack(ctx context.Context, id OperationID, supersededBy OperationID) error {
	if err := s.guard(); err != nil {
		return err
	}

	res, err := s.ackStmt.ExecContext(ctx,
		int(StateSucceeded), string(supersededBy), string(supersededBy), time.Now().UnixNano(),
		string(id), int(StatePending), int(StateInFlight), int(StateConflicted))
	if err != nil {
		return newStorageError("ack", "update", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return newStorageError("ack", "rows affected", err)
	}
	if n == 1 {
		return nil
	}

	state, err := s.operationState(ctx, id)
	if err != nil {
		return err
	}
	if state == StateSucceeded {
		return nil // idempotent
	}
	return ErrInvalidTransition
}

func (s *SQLiteStorage) Reschedule(ctx context.Context, id OperationID, nextAttemptAt time.Time, attempts int) error {
	if err := s.guard(); err != nil {
		return err
	}

	res, err := s.rescheduleStmt.ExecContext(ctx,
		int(StatePending), nextAttemptAt.UnixNano(), attempts, time.Now().UnixNano(),
		string(id), int(StateInFlight), int(StateConflicted))
	if err != nil {
		return newStorageError("reschedule", "update", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return newStorageError("reschedule", "rows affected", err)
	}
	if n == 1 {
		return nil
	}

	if _, err := s.operationState(ctx, id); err != nil {
		return err
	}
	return ErrInvalidTransition
}

func (s *SQLiteStorage) MarkConflicted(ctx context.Context, id OperationID) error {
	if err := s.guard(); err != nil {
		return err
	}

	// Lease stays; reclaim covers a crash mid-resolution.
	res, err := s.db.ExecContext(ctx,
		`UPDATE operations SET state = ?, updated_at = ? WHERE id = ? AND state = ?`,
		int(StateConflicted), time.Now().UnixNano(), string(id), int(StateInFlight))
	if err != nil {
		return newStorageError("mark_conflicted", "update", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return newStorageError("mark_conflicted", "rows affected", err)
	}
	if n == 1 {
		return nil
	}

	if _, err := s.operationState(ctx, id); err != nil {
		return err
	}
	return ErrInvalidTransition
}

func (s *SQLiteStorage) MarkFailed(ctx context.Context, id OperationID, reason string) error {
	if err := s.guard(); err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE operations SET state = ?, fail_reason = ?, lease_owner = '', lease_expires_at = 0, updated_at = ?
		WHERE id = ? AND state IN (?, ?, ?)`,
		int(StateFailed), reason, time.Now().UnixNano(),
		string(id), int(StatePending), int(StateInFlight), int(StateConflicted))
	if err != nil {
		return newStorageError("mark_failed", "update", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return newStorageError("mark_failed", "rows affected", err)
	}
	if n == 1 {
		return nil
	}

	state, err := s.operationState(ctx, id)
	if err != nil {
		return err
	}
	if state == StateFailed {
		return nil // idempotent
	}
	return ErrInvalidTransition
}

func (s *SQLiteStorage) Cancel(ctx context.Context, id OperationID) error {
	if err := s.guard(); err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM operations WHERE id = ? AND state = ?`,
		string(id), int(StatePending))
	if err != nil {
		return newStorageError("cancel", "delete", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return newStorageError("cancel", "rows affected", err)
	}
	if n == 1 {
		return nil
	}

	if _, err := s.operationState(ctx, id); err != nil {
		return err
	}
	return ErrNotCancelable
}

func (s *SQLiteStorage) Get(ctx context.Context, id OperationID) (Operation, error) {
	if err := s.guard(); err != nil {
		return Operation{}, err
	}

	row := s.getStmt.QueryRowContext(ctx, string(id))
	op, err := s.scanOperation(row)
	if err == sql.ErrNoRows {
		return Operation{}, ErrNotFound
	}
	if err != nil {
		return Operation{}, newStorageError("get", "scan", err)
	}
	return op, nil
}

func (s *SQLiteStorage) ReclaimExpiredLeases(ctx context.Context, now time.Time) (int, error) {
	if err := s.guard(); err != nil {
		return 0, err
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE operations SET state = ?, lease_owner = '', lease_expires_at = 0, updated_at = ?
		WHERE state IN (?, ?) AND lease_expires_at <= ?`,
		int(StatePending), time.Now().UnixNano(),
		int(StateInFlight), int(StateConflicted), now.UnixNano())
	if err != nil {
		return 0, newStorageError("reclaim_leases", "update", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, newStorageError("reclaim_leases", "rows affected", err)
	}
	return int(n), nil
}

func (s *SQLiteStorage) NextDue(ctx context.Context) (time.Time, bool, error) {
	if err := s.guard(); err != nil {
		return time.Time{}, false, err
	}

	var next sql.NullInt64
	if err := s.nextDueStmt.QueryRowContext(ctx, int(StatePending)).Scan(&next); err != nil {
		return time.Time{}, false, newStorageError("next_due", "query", err)
	}
	if !next.Valid {
		return time.Time{}, false, nil
	}
	return time.Unix(0, next.Int64), true, nil
}

func (s *SQLiteStorage) FailedOperations(ctx context.Context, limit int) ([]Operation, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = -1
	}

	rows, err := s.db.QueryContext(ctx,
		selectOperationColumns+` WHERE state = ? ORDER BY updated_at DESC LIMIT ?`,
		int(StateFailed), limit)
	if err != nil {
		return nil, newStorageError("failed_operations", "query", err)
	}
	defer rows.Close()

	var failed []Operation
	for rows.Next() {
		op, err := s.scanOperation(rows)
		if err != nil {
			return nil, newStorageError("failed_operations", "scan", err)
		}
		failed = append(failed, op)
	}
	return failed, rows.Err()
}

func (s *SQLiteStorage) RequeueFailed(ctx context.Context, id OperationID) error {
	if err := s.guard(); err != nil {
		return err
	}

	now := time.Now()
	res, err := s.db.ExecContext(ctx,
		`UPDATE operations SET state = ?, attempts = 0, next_attempt_at = ?, fail_reason = '', updated_at = ?
		WHERE id = ? AND state = ?`,
		int(StatePending), now.UnixNano(), now.UnixNano(), string(id), int(StateFailed))
	if err != nil {
		return newStorageError("requeue_failed", "update", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return newStorageError("requeue_failed", "rows affected", err)
	}
	if n == 1 {
		return nil
	}

	if _, err := s.operationState(ctx, id); err != nil {
		return err
	}
	return ErrInvalidTransition
}

func (s *SQLiteStorage) ClearFailed(ctx context.Context, before time.Time) (int, error) {
	if err := s.guard(); err != nil {
		return 0, err
	}

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM operations WHERE state = ? AND updated_at < ?`,
		int(StateFailed), before.UnixNano())
	if err != nil {
		return 0, newStorageError("clear_failed", "delete", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, newStorageError("clear_failed", "rows affected", err)
	}
	return int(n), nil
}

func (s *SQLiteStorage) PurgeSettled(ctx context.Context, olderThan time.Duration) (int, error) {
	if err := s.guard(); err != nil {
		return 0, err
	}

	cutoff := time.Now().Add(-olderThan).UnixNano()
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM operations WHERE state = ? AND updated_at < ?`,
		int(StateSucceeded), cutoff)
	if err != nil {
		return 0, newStorageError("purge_settled", "delete", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, newStorageError("purge_settled", "rows affected", err)
	}
	return int(n), nil
}

func (s *SQLiteStorage) Stats(ctx context.Context) (StorageStats, error) {
	if err := s.guard(); err != nil {
		return StorageStats{}, err
	}

	rows, err := s.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM operations GROUP BY state`)
	if err != nil {
		return StorageStats{}, newStorageError("stats", "query", err)
	}
	defer rows.Close()

	var stats StorageStats
	for rows.Next() {
		var state, count int
		if err := rows.Scan(&state, &count); err != nil {
			return StorageStats{}, newStorageError("stats", "scan", err)
		}
		switch OperationState(state) {
		case StatePending:
			stats.Pending = count
		case StateInFlight:
			stats.InFlight = count
		case StateSucceeded:
			stats.Succeeded = count
		case StateConflicted:
			stats.Conflicted = count
		case StateFailed:
			stats.Failed = count
		}
	}
	return stats, rows.Err()
}

// Close releases any resources.
func (s *SQLiteStorage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	for _, stmt := range []*sql.Stmt{
		s.insertStmt, s.claimStmt, s.ackStmt, s.rescheduleStmt,
		s.getStmt, s.dueStmt, s.nextDueStmt, s.stateStmt,
	} {
		if stmt != nil {
			stmt.Close()
		}
	}

	return s.db.Close()
}

// operationState looks up the current state, mapping a missing row to
// ErrNotFound. Used to disambiguate zero-row CAS updates.
func (s *SQLiteStorage) operationState(ctx context.Context, id OperationID) (OperationState, error) {
	var state int
	err := s.stateStmt.QueryRowContext(ctx, string(id)).Scan(&state)
	if err == sql.ErrNoRows {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, newStorageError("state", "query", err)
	}
	return OperationState(state), nil
}

// rowScanner abstracts *sql.Row and *sql.Rows for scanOperation.
type rowScanner interface {
	Scan(dest ...any) error
}

func (s *SQLiteStorage) scanOperation(row rowScanner) (Operation, error) {
	var (
		op            Operation
		id            string
		version       int64
		payload       []byte
		codec         int
		kind          int
		priority      int
		enqueuedAt    int64
		nextAttemptAt int64
		state         int
		supersededBy  string
		leaseExpires  int64
		updatedAt     int64
	)

	err := row.Scan(&id, &op.EntityID, &op.EntityKind, &version, &payload, &codec,
		&kind, &priority, &enqueuedAt, &op.Attempts, &nextAttemptAt, &state,
		&op.FailReason, &supersededBy, &op.LeaseOwner, &leaseExpires, &updatedAt)
	if err != nil {
		return Operation{}, err
	}

	decoded, err := s.decodePayload(payload, codec)
	if err != nil {
		return Operation{}, fmt.Errorf("decode payload for %s: %w", id, err)
	}

	op.ID = OperationID(id)
	op.EntityVersion = uint64(version)
	op.Payload = decoded
	op.Kind = OperationKind(kind)
	op.Priority = Priority(priority)
	op.EnqueuedAt = time.Unix(0, enqueuedAt)
	op.NextAttemptAt = time.Unix(0, nextAttemptAt)
	op.State = OperationState(state)
	op.SupersededBy = OperationID(supersededBy)
	if leaseExpires > 0 {
		op.LeaseExpiresAt = time.Unix(0, leaseExpires)
	}
	op.UpdatedAt = time.Unix(0, updatedAt)
	return op, nil
}

// encodePayload applies compression then encryption per config, returning
// the stored bytes and their codec flags.
func (s *SQLiteStorage) encodePayload(payload []byte) ([]byte, int, error) {
	if len(payload) == 0 {
		return nil, 0, nil
	}

	codec := 0
	data := payload
	if s.config.Compress {
		data = snappy.Encode(nil, data)
		codec |= payloadCodecSnappy
	}
	if s.cipher != nil {
		enc, err := s.cipher.Encrypt(data)
		if err != nil {
			return nil, 0, err
		}
		data = enc
		codec |= payloadCodecEncrypted
	}
	return data, codec, nil
}

// decodePayload reverses encodePayload using the record's own flags.
func (s *SQLiteStorage) decodePayload(data []byte, codec int) ([]byte, error) {
	if len(data) == 0 {
		return nil, nil
	}

	if codec&payloadCodecEncrypted != 0 {
		if s.cipher == nil {
			return nil, errors.New("record is encrypted but no cipher is configured")
		}
		dec, err := s.cipher.Decrypt(data)
		if err != nil {
			return nil, err
		}
		data = dec
	}
	if codec&payloadCodecSnappy != 0 {
		dec, err := snappy.Decode(nil, data)
		if err != nil {
			return nil, err
		}
		data = dec
	}
	return data, nil
}
