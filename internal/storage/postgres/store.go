// Package postgres implements the storage port and the audit sink on a
// PostgreSQL database, for deployments that outgrow the single-file store.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/statorhq/stator/internal/actor"
	"github.com/statorhq/stator/internal/observability/audit"
	apperrors "github.com/statorhq/stator/internal/platform/errors"
	"github.com/statorhq/stator/internal/state"
	"github.com/statorhq/stator/internal/storage"
)

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// schema is applied idempotently at open. The store owns its tables, so
// bootstrap DDL replaces a migration history here.
const schema = `
CREATE TABLE IF NOT EXISTS items (
    collection TEXT NOT NULL,
    id TEXT NOT NULL,
    fields JSONB NOT NULL,
    version BIGINT NOT NULL DEFAULT 1,
    created_at BIGINT NOT NULL,
    updated_at BIGINT NOT NULL,
    PRIMARY KEY (collection, id)
);

CREATE INDEX IF NOT EXISTS idx_items_collection ON items(collection);

CREATE TABLE IF NOT EXISTS audit_events (
    id TEXT PRIMARY KEY,
    occurred_at BIGINT NOT NULL,
    session_id TEXT NOT NULL,
    actor_id TEXT NOT NULL,
    action TEXT NOT NULL,
    collection TEXT NOT NULL,
    item_id TEXT NOT NULL,
    client_seq BIGINT NOT NULL,
    outcome TEXT NOT NULL,
    reason TEXT NOT NULL,
    detail TEXT NOT NULL DEFAULT '',
    trace_id TEXT NOT NULL DEFAULT '',
    span_id TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_audit_events_session ON audit_events(session_id, occurred_at);
`

// Store provides a PostgreSQL-backed storage port.
type Store struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// Open connects to PostgreSQL at the given DSN and ensures the schema
// exists before handing the store to higher layers.
func Open(ctx context.Context, dsn string) (*Store, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("postgres dsn is required")
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return &Store{pool: pool, now: time.Now}, nil
}

// Close releases the connection pool. Nil-safe for deferred cleanup.
func (s *Store) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

// Materialize loads the full canonical snapshot. Every actor currently
// sees the whole board; per-actor visibility scoping would filter here.
func (s *Store) Materialize(ctx context.Context, _ *actor.Actor) (state.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("storage is not configured")
	}

	rows, err := s.pool.Query(ctx, "SELECT collection, id, fields FROM items")
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeStorageFailure, "materialize state", err)
	}
	defer rows.Close()

	snapshot := state.Snapshot{}
	for rows.Next() {
		var collection, id string
		var rawFields []byte
		if err := rows.Scan(&collection, &id, &rawFields); err != nil {
			return nil, apperrors.Wrap(apperrors.CodeStorageFailure, "scan item", err)
		}
		item, err := decodeFields(rawFields)
		if err != nil {
			return nil, err
		}
		col := snapshot[collection]
		if col == nil {
			col = state.Collection{}
			snapshot[collection] = col
		}
		col[id] = item
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeStorageFailure, "iterate items", err)
	}
	return snapshot, nil
}

// Read returns one item's fields and its storage version.
func (s *Store) Read(ctx context.Context, collection, id string) (state.Item, int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	if s == nil || s.pool == nil {
		return nil, 0, fmt.Errorf("storage is not configured")
	}
	if collection == "" || id == "" {
		return nil, 0, fmt.Errorf("collection and id are required")
	}

	var rawFields []byte
	var version int64
	err := s.pool.QueryRow(ctx,
		"SELECT fields, version FROM items WHERE collection = $1 AND id = $2",
		collection, id,
	).Scan(&rawFields, &version)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, 0, storage.ErrNotFound
	}
	if err != nil {
		return nil, 0, apperrors.Wrap(apperrors.CodeStorageFailure, "read item", err)
	}

	item, err := decodeFields(rawFields)
	if err != nil {
		return nil, 0, err
	}
	return item, version, nil
}

// Apply performs one mutation and returns the canonical snapshot that
// results.
func (s *Store) Apply(ctx context.Context, a *actor.Actor, m storage.Mutation) (state.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}

	var err error
	switch m.Kind {
	case storage.MutationInsert:
		err = s.insertItem(ctx, m)
	case storage.MutationUpdate:
		err = s.updateItem(ctx, m)
	case storage.MutationDelete:
		err = s.deleteItem(ctx, m)
	}
	if err != nil {
		return nil, err
	}
	return s.Materialize(ctx, a)
}

func (s *Store) insertItem(ctx context.Context, m storage.Mutation) error {
	raw, err := encodeFields(m.Fields)
	if err != nil {
		return err
	}
	now := toMillis(s.now())
	_, err = s.pool.Exec(ctx,
		"INSERT INTO items (collection, id, fields, version, created_at, updated_at) VALUES ($1, $2, $3, 1, $4, $5)",
		m.Collection, m.ItemID, raw, now, now,
	)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeStorageFailure, "insert item", err)
	}
	return nil
}

func (s *Store) updateItem(ctx context.Context, m storage.Mutation) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeStorageFailure, "begin update", err)
	}
	defer tx.Rollback(ctx)

	var rawFields []byte
	var version int64
	err = tx.QueryRow(ctx,
		"SELECT fields, version FROM items WHERE collection = $1 AND id = $2 FOR UPDATE",
		m.Collection, m.ItemID,
	).Scan(&rawFields, &version)
	if errors.Is(err, pgx.ErrNoRows) {
		return storage.ErrNotFound
	}
	if err != nil {
		return apperrors.Wrap(apperrors.CodeStorageFailure, "read item for update", err)
	}
	if m.ExpectedVersion != 0 && m.ExpectedVersion != version {
		return storage.ErrVersionConflict
	}

	item, err := decodeFields(rawFields)
	if err != nil {
		return err
	}
	if item == nil {
		item = state.Item{}
	}
	for field, value := range m.Fields {
		item[field] = value
	}
	for _, field := range m.ClearFields {
		delete(item, field)
	}

	raw, err := encodeFields(item)
	if err != nil {
		return err
	}
	if _, err := tx.Exec(ctx,
		"UPDATE items SET fields = $1, version = version + 1, updated_at = $2 WHERE collection = $3 AND id = $4",
		raw, toMillis(s.now()), m.Collection, m.ItemID,
	); err != nil {
		return apperrors.Wrap(apperrors.CodeStorageFailure, "update item", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return apperrors.Wrap(apperrors.CodeStorageFailure, "commit update", err)
	}
	return nil
}

func (s *Store) deleteItem(ctx context.Context, m storage.Mutation) error {
	if m.ExpectedVersion != 0 {
		return s.deleteItemGuarded(ctx, m)
	}

	res, err := s.pool.Exec(ctx,
		"DELETE FROM items WHERE collection = $1 AND id = $2",
		m.Collection, m.ItemID,
	)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeStorageFailure, "delete item", err)
	}
	if res.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) deleteItemGuarded(ctx context.Context, m storage.Mutation) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeStorageFailure, "begin delete", err)
	}
	defer tx.Rollback(ctx)

	var version int64
	err = tx.QueryRow(ctx,
		"SELECT version FROM items WHERE collection = $1 AND id = $2 FOR UPDATE",
		m.Collection, m.ItemID,
	).Scan(&version)
	if errors.Is(err, pgx.ErrNoRows) {
		return storage.ErrNotFound
	}
	if err != nil {
		return apperrors.Wrap(apperrors.CodeStorageFailure, "read item for delete", err)
	}
	if version != m.ExpectedVersion {
		return storage.ErrVersionConflict
	}

	if _, err := tx.Exec(ctx,
		"DELETE FROM items WHERE collection = $1 AND id = $2",
		m.Collection, m.ItemID,
	); err != nil {
		return apperrors.Wrap(apperrors.CodeStorageFailure, "delete item", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return apperrors.Wrap(apperrors.CodeStorageFailure, "commit delete", err)
	}
	return nil
}

// RecordAudit persists one audit event.
func (s *Store) RecordAudit(ctx context.Context, ev audit.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.pool == nil {
		return fmt.Errorf("storage is not configured")
	}
	if ev.ID == "" {
		return fmt.Errorf("audit event id is required")
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO audit_events
		(id, occurred_at, session_id, actor_id, action, collection, item_id, client_seq, outcome, reason, detail, trace_id, span_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		ev.ID, toMillis(ev.OccurredAt), ev.SessionID, ev.ActorID, ev.Action,
		ev.Collection, ev.ItemID, ev.ClientSeq, string(ev.Outcome), ev.Reason, ev.Detail,
		ev.TraceID, ev.SpanID,
	)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeStorageFailure, "record audit event", err)
	}
	return nil
}

// RecentAuditEvents returns up to limit audit events, newest first.
func (s *Store) RecentAuditEvents(ctx context.Context, limit int) ([]audit.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, occurred_at, session_id, actor_id, action, collection, item_id, client_seq, outcome, reason, detail, trace_id, span_id
		FROM audit_events ORDER BY occurred_at DESC, id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeStorageFailure, "list audit events", err)
	}
	defer rows.Close()

	var events []audit.Event
	for rows.Next() {
		var ev audit.Event
		var occurredAt int64
		var outcome string
		if err := rows.Scan(&ev.ID, &occurredAt, &ev.SessionID, &ev.ActorID, &ev.Action,
			&ev.Collection, &ev.ItemID, &ev.ClientSeq, &outcome, &ev.Reason, &ev.Detail,
			&ev.TraceID, &ev.SpanID); err != nil {
			return nil, apperrors.Wrap(apperrors.CodeStorageFailure, "scan audit event", err)
		}
		ev.OccurredAt = fromMillis(occurredAt)
		ev.Outcome = audit.Outcome(outcome)
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeStorageFailure, "iterate audit events", err)
	}
	return events, nil
}

func encodeFields(item state.Item) ([]byte, error) {
	raw, err := json.Marshal(item)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeStorageFailure, "encode item fields", err)
	}
	return raw, nil
}

func decodeFields(raw []byte) (state.Item, error) {
	var item state.Item
	if err := json.Unmarshal(raw, &item); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeStorageFailure, "decode item fields", err)
	}
	return item, nil
}

var (
	_ storage.Port = (*Store)(nil)
	_ audit.Sink   = (*Store)(nil)
)
