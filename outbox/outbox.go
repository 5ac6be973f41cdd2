// Copyright 2026 The Orrery Authors
// SPDX-License-Identifier: Apache-2.0

package outbox

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/orrery-project/orrery/lib/clock"
	"github.com/orrery-project/orrery/lib/codec"
	"github.com/orrery-project/orrery/lib/ref"
	"github.com/orrery-project/orrery/lib/sqlitepool"
	"github.com/orrery-project/orrery/wire"
)

// DeliveryState tracks a pending mutation through its lifecycle. An
// acknowledged mutation has no state: Acknowledge deletes the row.
type DeliveryState int

const (
	// StateQueued marks a mutation written locally but not yet handed
	// to the channel.
	StateQueued DeliveryState = iota

	// StateSent marks a mutation handed to the channel and awaiting
	// the endpoint's ack.
	StateSent

	// StateFailed marks a mutation the endpoint rejected with a
	// non-retryable error. Failed rows are kept for diagnostics and
	// excluded from replay.
	StateFailed
)

func (s DeliveryState) String() string {
	switch s {
	case StateQueued:
		return "queued"
	case StateSent:
		return "sent"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("DeliveryState(%d)", int(s))
	}
}

// DefaultMaxPending bounds the number of stored mutations. Compaction
// keeps the effective requirement at one row per distinct path edited
// offline, so this cap is generous.
const DefaultMaxPending = 4096

// Mutation is one local edit to persist. ID may be zero, in which case
// Enqueue generates one.
type Mutation struct {
	ID          ref.MutationID
	Document    ref.DocumentID
	Path        ref.Path
	Value       any
	Version     wire.Version
	BaseVersion wire.Version
}

// PendingMutation is a stored mutation plus its delivery bookkeeping.
type PendingMutation struct {
	Mutation

	State     DeliveryState
	CreatedAt time.Time

	// Sequence is the storage-assigned emission order. Monotonic and
	// never reused.
	Sequence int64
}

// record is the CBOR document stored alongside the queryable columns.
type record struct {
	ID          ref.MutationID `cbor:"id"`
	Document    ref.DocumentID `cbor:"document"`
	Path        ref.Path       `cbor:"path"`
	Value       any            `cbor:"value"`
	Version     wire.Version   `cbor:"version"`
	BaseVersion wire.Version   `cbor:"base_version,omitempty"`
	CreatedAt   int64          `cbor:"created_at"`
}

// Config holds the parameters for opening an outbox.
type Config struct {
	// Path is the SQLite database file. The parent directory must
	// exist. Required.
	Path string

	// MaxPending caps the number of stored mutations. Defaults to
	// DefaultMaxPending if zero or negative.
	MaxPending int64

	// PoolSize is the connection pool size. Defaults to 2.
	PoolSize int

	// Clock stamps enqueue times. Nil means the real clock.
	Clock clock.Clock

	// Logger receives operational messages. Nil discards.
	Logger *slog.Logger
}

// Stats describes the current state of the store.
type Stats struct {
	Queued int64
	Sent   int64
	Failed int64

	// Compacted counts superseded mutations dropped by compaction
	// since the outbox was opened.
	Compacted int64

	DatabaseSizeBytes int64
}

// Outbox is the durable mutation queue. Safe for concurrent use: all
// writes serialize on an internal mutex (single-writer, matching the
// one-goroutine-per-document coordinator that owns it).
type Outbox struct {
	pool   *sqlitepool.Pool
	clock  clock.Clock
	logger *slog.Logger
	cap    int64

	// writeMu serializes enqueue/compaction so the cap check and the
	// insert are atomic with respect to each other.
	writeMu   sync.Mutex
	compacted int64
}

const schema = `
	CREATE TABLE IF NOT EXISTS outbox (
		seq         INTEGER PRIMARY KEY AUTOINCREMENT,
		mutation_id TEXT NOT NULL UNIQUE,
		document    TEXT NOT NULL,
		path        TEXT NOT NULL,
		state       INTEGER NOT NULL DEFAULT 0,
		created_at  INTEGER NOT NULL,
		record      BLOB NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_outbox_document ON outbox(document, seq);
	CREATE INDEX IF NOT EXISTS idx_outbox_path ON outbox(document, path, seq);
`

// Open creates or reopens the outbox at cfg.Path. Mutations from a
// previous run are immediately visible to ListPending and PeekOldest.
func Open(cfg Config) (*Outbox, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("outbox: Path is required")
	}
	maxPending := cfg.MaxPending
	if maxPending <= 0 {
		maxPending = DefaultMaxPending
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:     cfg.Path,
		PoolSize: cfg.PoolSize,
		Logger:   logger,
	})
	if err != nil {
		return nil, fmt.Errorf("outbox: %w", err)
	}

	o := &Outbox{
		pool:   pool,
		clock:  clk,
		logger: logger,
		cap:    maxPending,
	}

	conn, err := pool.Take(context.Background())
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("outbox: %w", err)
	}
	defer pool.Put(conn)
	if err := sqlitex.ExecuteScript(conn, schema, nil); err != nil {
		pool.Close()
		return nil, fmt.Errorf("outbox: creating schema: %w", err)
	}

	return o, nil
}

// Close closes the underlying pool. Blocks until borrowed connections
// are returned.
func (o *Outbox) Close() error {
	return o.pool.Close()
}

// Enqueue persists one mutation in emission order and returns its ID
// (generated when the mutation carries none). At the cap it compacts
// superseded queued entries first and returns a *StorageFullError only
// if the store is still full.
func (o *Outbox) Enqueue(ctx context.Context, mutation Mutation) (ref.MutationID, error) {
	if mutation.Document.IsZero() {
		return ref.MutationID{}, fmt.Errorf("outbox: enqueue: Document is required")
	}
	if mutation.Path.IsZero() {
		return ref.MutationID{}, fmt.Errorf("outbox: enqueue: Path is required")
	}
	if mutation.Version.IsZero() {
		return ref.MutationID{}, fmt.Errorf("outbox: enqueue: Version is required")
	}
	if mutation.ID.IsZero() {
		id, err := ref.ParseMutationID(uuid.NewString())
		if err != nil {
			return ref.MutationID{}, fmt.Errorf("outbox: generating mutation ID: %w", err)
		}
		mutation.ID = id
	}

	o.writeMu.Lock()
	defer o.writeMu.Unlock()

	conn, err := o.pool.Take(ctx)
	if err != nil {
		return ref.MutationID{}, fmt.Errorf("outbox: enqueue: %w", err)
	}
	defer o.pool.Put(conn)

	if err := o.enqueueLocked(conn, mutation); err != nil {
		return ref.MutationID{}, err
	}
	return mutation.ID, nil
}

func (o *Outbox) enqueueLocked(conn *sqlite.Conn, mutation Mutation) (err error) {
	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("outbox: begin transaction: %w", err)
	}
	defer endTransaction(&err)

	pending, err := rowCount(conn, "SELECT COUNT(*) FROM outbox")
	if err != nil {
		return err
	}
	if pending >= o.cap {
		freed, compactErr := o.compactLocked(conn)
		if compactErr != nil {
			return compactErr
		}
		pending -= freed
		if pending >= o.cap {
			err = &StorageFullError{Pending: pending, Cap: o.cap}
			return err
		}
	}

	now := o.clock.Now()
	blob, err := codec.Marshal(record{
		ID:          mutation.ID,
		Document:    mutation.Document,
		Path:        mutation.Path,
		Value:       mutation.Value,
		Version:     mutation.Version,
		BaseVersion: mutation.BaseVersion,
		CreatedAt:   now.UnixNano(),
	})
	if err != nil {
		return fmt.Errorf("outbox: encoding mutation %s: %w", mutation.ID, err)
	}

	err = sqlitex.Execute(conn,
		`INSERT INTO outbox (mutation_id, document, path, state, created_at, record)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{
			Args: []any{
				mutation.ID.String(),
				mutation.Document.String(),
				mutation.Path.String(),
				int(StateQueued),
				now.UnixNano(),
				blob,
			},
		})
	if err != nil {
		return fmt.Errorf("outbox: inserting mutation %s: %w", mutation.ID, err)
	}
	return nil
}

// compactLocked deletes queued mutations that a later replayable
// mutation to the same document and path has superseded. Sent mutations
// are left alone (in flight, ack expected), and failed mutations never
// count as survivors: a rejected edit must not shadow the queued edit
// behind it out of the replay.
func (o *Outbox) compactLocked(conn *sqlite.Conn) (int64, error) {
	err := sqlitex.Execute(conn,
		`DELETE FROM outbox
		 WHERE state = ?
		   AND seq NOT IN (
		     SELECT MAX(seq) FROM outbox WHERE state != ? GROUP BY document, path
		   )`,
		&sqlitex.ExecOptions{Args: []any{int(StateQueued), int(StateFailed)}})
	if err != nil {
		return 0, fmt.Errorf("outbox: compacting: %w", err)
	}
	freed := int64(conn.Changes())
	if freed > 0 {
		o.compacted += freed
		o.logger.Info("compacted superseded mutations", "freed", freed)
	}
	return freed, nil
}

// PeekOldest returns up to n replayable mutations for a document,
// oldest first. Failed mutations are excluded.
func (o *Outbox) PeekOldest(ctx context.Context, document ref.DocumentID, n int) ([]PendingMutation, error) {
	if n <= 0 {
		return nil, nil
	}
	return o.query(ctx,
		`SELECT seq, state, record FROM outbox
		 WHERE document = ? AND state != ?
		 ORDER BY seq LIMIT ?`,
		[]any{document.String(), int(StateFailed), n})
}

// ListPending returns every replayable mutation for a document in
// emission order.
func (o *Outbox) ListPending(ctx context.Context, document ref.DocumentID) ([]PendingMutation, error) {
	return o.query(ctx,
		`SELECT seq, state, record FROM outbox
		 WHERE document = ? AND state != ?
		 ORDER BY seq`,
		[]any{document.String(), int(StateFailed)})
}

func (o *Outbox) query(ctx context.Context, sql string, args []any) ([]PendingMutation, error) {
	conn, err := o.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("outbox: query: %w", err)
	}
	defer o.pool.Put(conn)

	var results []PendingMutation
	err = sqlitex.Execute(conn, sql, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			pending, err := scanPending(stmt)
			if err != nil {
				return err
			}
			results = append(results, pending)
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("outbox: query: %w", err)
	}
	return results, nil
}

func scanPending(stmt *sqlite.Stmt) (PendingMutation, error) {
	// Columns: seq(0), state(1), record(2)
	blob := make([]byte, stmt.ColumnLen(2))
	stmt.ColumnBytes(2, blob)

	var stored record
	if err := codec.Unmarshal(blob, &stored); err != nil {
		return PendingMutation{}, fmt.Errorf("decoding stored mutation: %w", err)
	}

	return PendingMutation{
		Mutation: Mutation{
			ID:          stored.ID,
			Document:    stored.Document,
			Path:        stored.Path,
			Value:       stored.Value,
			Version:     stored.Version,
			BaseVersion: stored.BaseVersion,
		},
		State:     DeliveryState(stmt.ColumnInt(1)),
		CreatedAt: time.Unix(0, stored.CreatedAt).UTC(),
		Sequence:  stmt.ColumnInt64(0),
	}, nil
}

// MarkSent records that a mutation was handed to the channel.
func (o *Outbox) MarkSent(ctx context.Context, id ref.MutationID) error {
	return o.setState(ctx, id, StateSent)
}

// MarkFailed records a non-retryable endpoint rejection. The row is
// kept for diagnostics but excluded from replay.
func (o *Outbox) MarkFailed(ctx context.Context, id ref.MutationID) error {
	return o.setState(ctx, id, StateFailed)
}

func (o *Outbox) setState(ctx context.Context, id ref.MutationID, state DeliveryState) error {
	if id.IsZero() {
		return fmt.Errorf("outbox: mutation ID is required")
	}
	o.writeMu.Lock()
	defer o.writeMu.Unlock()

	conn, err := o.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("outbox: mark %s: %w", state, err)
	}
	defer o.pool.Put(conn)

	err = sqlitex.Execute(conn,
		"UPDATE outbox SET state = ? WHERE mutation_id = ?",
		&sqlitex.ExecOptions{Args: []any{int(state), id.String()}})
	if err != nil {
		return fmt.Errorf("outbox: mark %s %s: %w", state, id, err)
	}
	return nil
}

// Requeue resets every Sent mutation for a document back to Queued.
// Called on reconnect: sends that were in flight when the channel died
// were never confirmed and must be replayed.
func (o *Outbox) Requeue(ctx context.Context, document ref.DocumentID) error {
	o.writeMu.Lock()
	defer o.writeMu.Unlock()

	conn, err := o.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("outbox: requeue: %w", err)
	}
	defer o.pool.Put(conn)

	err = sqlitex.Execute(conn,
		"UPDATE outbox SET state = ? WHERE document = ? AND state = ?",
		&sqlitex.ExecOptions{Args: []any{int(StateQueued), document.String(), int(StateSent)}})
	if err != nil {
		return fmt.Errorf("outbox: requeue %s: %w", document, err)
	}
	if requeued := conn.Changes(); requeued > 0 {
		o.logger.Info("requeued unconfirmed mutations",
			"document", document,
			"count", requeued,
		)
	}
	return nil
}

// Acknowledge removes a delivered mutation. Idempotent: acknowledging
// an unknown ID (already compacted, or a duplicate ack) is not an
// error. Acks may arrive out of order; removal is by ID, not position.
func (o *Outbox) Acknowledge(ctx context.Context, id ref.MutationID) error {
	if id.IsZero() {
		return fmt.Errorf("outbox: mutation ID is required")
	}
	o.writeMu.Lock()
	defer o.writeMu.Unlock()

	conn, err := o.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("outbox: acknowledge: %w", err)
	}
	defer o.pool.Put(conn)

	err = sqlitex.Execute(conn,
		"DELETE FROM outbox WHERE mutation_id = ?",
		&sqlitex.ExecOptions{Args: []any{id.String()}})
	if err != nil {
		return fmt.Errorf("outbox: acknowledge %s: %w", id, err)
	}
	if conn.Changes() == 0 {
		o.logger.Debug("acknowledge for unknown mutation", "mutation", id)
	}
	return nil
}

// Stats returns current storage statistics.
func (o *Outbox) Stats(ctx context.Context) (Stats, error) {
	conn, err := o.pool.Take(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("outbox: stats: %w", err)
	}
	defer o.pool.Put(conn)

	var stats Stats
	err = sqlitex.Execute(conn,
		"SELECT state, COUNT(*) FROM outbox GROUP BY state",
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				count := stmt.ColumnInt64(1)
				switch DeliveryState(stmt.ColumnInt(0)) {
				case StateQueued:
					stats.Queued = count
				case StateSent:
					stats.Sent = count
				case StateFailed:
					stats.Failed = count
				}
				return nil
			},
		})
	if err != nil {
		return Stats{}, fmt.Errorf("outbox: stats: %w", err)
	}

	err = sqlitex.Execute(conn,
		"SELECT page_count * page_size FROM pragma_page_count(), pragma_page_size()",
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				stats.DatabaseSizeBytes = stmt.ColumnInt64(0)
				return nil
			},
		})
	if err != nil {
		return Stats{}, fmt.Errorf("outbox: database size: %w", err)
	}

	o.writeMu.Lock()
	stats.Compacted = o.compacted
	o.writeMu.Unlock()

	return stats, nil
}

func rowCount(conn *sqlite.Conn, query string) (int64, error) {
	var count int64
	err := sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			count = stmt.ColumnInt64(0)
			return nil
		},
	})
	if err != nil {
		return 0, fmt.Errorf("outbox: counting rows: %w", err)
	}
	return count, nil
}
