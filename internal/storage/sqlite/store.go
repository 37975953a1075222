// Package sqlite implements the storage port and the audit sink on a
// single SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/statorhq/stator/internal/actor"
	"github.com/statorhq/stator/internal/observability/audit"
	apperrors "github.com/statorhq/stator/internal/platform/errors"
	"github.com/statorhq/stator/internal/platform/storage/sqlitemigrate"
	"github.com/statorhq/stator/internal/state"
	"github.com/statorhq/stator/internal/storage"
	"github.com/statorhq/stator/internal/storage/sqlite/migrations"
)

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

// fromMillis reverses toMillis for persisted millisecond timestamps.
func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Store provides a SQLite-backed storage port.
type Store struct {
	sqlDB *sql.DB
	now   func() time.Time
}

// Open opens a SQLite store at the provided path and applies embedded
// migrations before handing the store to higher layers.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000&_synchronous=NORMAL"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}

	store := &Store{sqlDB: sqlDB, now: time.Now}
	if err := sqlitemigrate.Apply(context.Background(), sqlDB, migrations.FS); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return store, nil
}

// Close closes the underlying SQLite database.
//
// Close is intentionally nil-safe so callers can defer it in all startup
// paths.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// Materialize loads the full canonical snapshot. Every actor currently
// sees the whole board; per-actor visibility scoping would filter here.
func (s *Store) Materialize(ctx context.Context, _ *actor.Actor) (state.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}

	rows, err := s.sqlDB.QueryContext(ctx, "SELECT collection, id, fields FROM items")
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeStorageFailure, "materialize state", err)
	}
	defer rows.Close()

	snapshot := state.Snapshot{}
	for rows.Next() {
		var collection, id, rawFields string
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
	if s == nil || s.sqlDB == nil {
		return nil, 0, fmt.Errorf("storage is not configured")
	}
	if collection == "" || id == "" {
		return nil, 0, fmt.Errorf("collection and id are required")
	}

	var rawFields string
	var version int64
	err := s.sqlDB.QueryRowContext(ctx,
		"SELECT fields, version FROM items WHERE collection = ? AND id = ?",
		collection, id,
	).Scan(&rawFields, &version)
	if errors.Is(err, sql.ErrNoRows) {
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
// results. The snapshot is materialized after the write commits, so a
// concurrent writer's change may already be reflected in it; every session
// is re-diffed against the same canonical state either way.
func (s *Store) Apply(ctx context.Context, a *actor.Actor, m storage.Mutation) (state.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
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
	_, err = s.sqlDB.ExecContext(ctx,
		"INSERT INTO items (collection, id, fields, version, created_at, updated_at) VALUES (?, ?, ?, 1, ?, ?)",
		m.Collection, m.ItemID, raw, now, now,
	)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeStorageFailure, "insert item", err)
	}
	return nil
}

func (s *Store) updateItem(ctx context.Context, m storage.Mutation) error {
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeStorageFailure, "begin update", err)
	}
	defer tx.Rollback()

	var rawFields string
	var version int64
	err = tx.QueryRowContext(ctx,
		"SELECT fields, version FROM items WHERE collection = ? AND id = ?",
		m.Collection, m.ItemID,
	).Scan(&rawFields, &version)
	if errors.Is(err, sql.ErrNoRows) {
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
	if _, err := tx.ExecContext(ctx,
		"UPDATE items SET fields = ?, version = version + 1, updated_at = ? WHERE collection = ? AND id = ?",
		raw, toMillis(s.now()), m.Collection, m.ItemID,
	); err != nil {
		return apperrors.Wrap(apperrors.CodeStorageFailure, "update item", err)
	}
	if err := tx.Commit(); err != nil {
		return apperrors.Wrap(apperrors.CodeStorageFailure, "commit update", err)
	}
	return nil
}

func (s *Store) deleteItem(ctx context.Context, m storage.Mutation) error {
	if m.ExpectedVersion != 0 {
		return s.deleteItemGuarded(ctx, m)
	}

	res, err := s.sqlDB.ExecContext(ctx,
		"DELETE FROM items WHERE collection = ? AND id = ?",
		m.Collection, m.ItemID,
	)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeStorageFailure, "delete item", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return apperrors.Wrap(apperrors.CodeStorageFailure, "delete item", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) deleteItemGuarded(ctx context.Context, m storage.Mutation) error {
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeStorageFailure, "begin delete", err)
	}
	defer tx.Rollback()

	var version int64
	err = tx.QueryRowContext(ctx,
		"SELECT version FROM items WHERE collection = ? AND id = ?",
		m.Collection, m.ItemID,
	).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ErrNotFound
	}
	if err != nil {
		return apperrors.Wrap(apperrors.CodeStorageFailure, "read item for delete", err)
	}
	if version != m.ExpectedVersion {
		return storage.ErrVersionConflict
	}

	if _, err := tx.ExecContext(ctx,
		"DELETE FROM items WHERE collection = ? AND id = ?",
		m.Collection, m.ItemID,
	); err != nil {
		return apperrors.Wrap(apperrors.CodeStorageFailure, "delete item", err)
	}
	if err := tx.Commit(); err != nil {
		return apperrors.Wrap(apperrors.CodeStorageFailure, "commit delete", err)
	}
	return nil
}

// RecordAudit persists one audit event.
func (s *Store) RecordAudit(ctx context.Context, ev audit.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if ev.ID == "" {
		return fmt.Errorf("audit event id is required")
	}

	_, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO audit_events
		(id, occurred_at, session_id, actor_id, action, collection, item_id, client_seq, outcome, reason, detail, trace_id, span_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
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
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT id, occurred_at, session_id, actor_id, action, collection, item_id, client_seq, outcome, reason, detail, trace_id, span_id
		FROM audit_events ORDER BY occurred_at DESC, id DESC LIMIT ?`, limit)
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

func encodeFields(item state.Item) (string, error) {
	raw, err := json.Marshal(item)
	if err != nil {
		return "", apperrors.Wrap(apperrors.CodeStorageFailure, "encode item fields", err)
	}
	return string(raw), nil
}

func decodeFields(raw string) (state.Item, error) {
	var item state.Item
	if err := json.Unmarshal([]byte(raw), &item); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeStorageFailure, "decode item fields", err)
	}
	return item, nil
}

var (
	_ storage.Port = (*Store)(nil)
	_ audit.Sink   = (*Store)(nil)
)
