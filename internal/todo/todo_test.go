package todo

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/statorhq/stator/internal/action"
	"github.com/statorhq/stator/internal/actor"
	"github.com/statorhq/stator/internal/observability/audit"
	apperrors "github.com/statorhq/stator/internal/platform/errors"
	"github.com/statorhq/stator/internal/policy"
	"github.com/statorhq/stator/internal/state"
	"github.com/statorhq/stator/internal/storage"
	"github.com/statorhq/stator/internal/storage/sqlite"
)

var (
	alice = &actor.Actor{ID: "alice"}
	bob   = &actor.Actor{ID: "bob"}
)

func newDispatcher(t *testing.T) (*action.Dispatcher, storage.Port) {
	t.Helper()
	store, err := sqlite.Open(filepath.Join(t.TempDir(), "todos.sqlite"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close store: %v", err)
		}
	})

	registry := action.NewRegistry()
	policies := policy.NewEvaluator()
	if err := Register(registry, policies); err != nil {
		t.Fatalf("register todo actions: %v", err)
	}
	emitter := audit.NewEmitter(store, time.Now)
	return action.NewDispatcher(registry, policies, store, emitter), store
}

func dispatch(t *testing.T, d *action.Dispatcher, a *actor.Actor, name string, payload map[string]any) state.Snapshot {
	t.Helper()
	snapshot, err := d.Dispatch(context.Background(), a, action.Request{Name: name, Payload: payload})
	if err != nil {
		t.Fatalf("dispatch %s: %v", name, err)
	}
	return snapshot
}

func dispatchErr(t *testing.T, d *action.Dispatcher, a *actor.Actor, name string, payload map[string]any) error {
	t.Helper()
	_, err := d.Dispatch(context.Background(), a, action.Request{Name: name, Payload: payload})
	if err == nil {
		t.Fatalf("dispatch %s: expected error", name)
	}
	return err
}

func onlyTodoID(t *testing.T, snapshot state.Snapshot) string {
	t.Helper()
	todos := snapshot[Collection]
	if len(todos) != 1 {
		t.Fatalf("todos = %d items, want 1", len(todos))
	}
	for id := range todos {
		return id
	}
	return ""
}

func TestCreateSetsDefaults(t *testing.T) {
	d, _ := newDispatcher(t)

	snapshot := dispatch(t, d, alice, ActionCreate, map[string]any{"title": "  Buy milk  "})
	id := onlyTodoID(t, snapshot)
	item := snapshot[Collection][id]

	if item["title"] != "Buy milk" {
		t.Fatalf("title = %v, want Buy milk", item["title"])
	}
	if item["completed"] != false {
		t.Fatalf("completed = %v, want false", item["completed"])
	}
	if item["owner"] != "alice" {
		t.Fatalf("owner = %v, want alice", item["owner"])
	}
	if _, ok := item["due"]; ok {
		t.Fatalf("due should be unset, got %v", item["due"])
	}
}

func TestCreateRequiresAuthentication(t *testing.T) {
	d, store := newDispatcher(t)

	for _, a := range []*actor.Actor{nil, {}} {
		err := dispatchErr(t, d, a, ActionCreate, map[string]any{"title": "Buy milk"})
		if !errors.Is(err, apperrors.New(apperrors.CodePolicyDenied, "")) {
			t.Fatalf("error = %v, want policy denial", err)
		}
	}

	snapshot, err := store.Materialize(context.Background(), nil)
	if err != nil {
		t.Fatalf("materialize: %v", err)
	}
	if len(snapshot[Collection]) != 0 {
		t.Fatalf("todos = %d items, want none", len(snapshot[Collection]))
	}
}

func TestCreateValidatesPayload(t *testing.T) {
	d, _ := newDispatcher(t)

	tests := []struct {
		name    string
		payload map[string]any
	}{
		{"missing title", map[string]any{}},
		{"blank title", map[string]any{"title": "   "}},
		{"non-string title", map[string]any{"title": 42}},
		{"oversized title", map[string]any{"title": strings.Repeat("x", maxTitleRunes+1)}},
		{"non-string due", map[string]any{"title": "ok", "due": 12345}},
		{"malformed due", map[string]any{"title": "ok", "due": "tomorrow"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := dispatchErr(t, d, alice, ActionCreate, tt.payload)
			if apperrors.CodeOf(err) != apperrors.CodeActionPayloadInvalid {
				t.Fatalf("code = %s, want %s", apperrors.CodeOf(err), apperrors.CodeActionPayloadInvalid)
			}
			if apperrors.KindOf(err) != apperrors.KindValidation {
				t.Fatalf("kind = %s, want %s", apperrors.KindOf(err), apperrors.KindValidation)
			}
		})
	}
}

func TestCreateWithDue(t *testing.T) {
	d, _ := newDispatcher(t)

	snapshot := dispatch(t, d, alice, ActionCreate, map[string]any{
		"title": "File taxes",
		"due":   "2026-09-01T10:00:00Z",
	})
	id := onlyTodoID(t, snapshot)
	if got := snapshot[Collection][id]["due"]; got != "2026-09-01T10:00:00Z" {
		t.Fatalf("due = %v, want 2026-09-01T10:00:00Z", got)
	}
}

// TestOwnershipLifecycle walks the canonical scenario: alice creates a todo,
// bob's attempt to complete it is denied without touching state, and alice's
// own completion changes exactly the completed field.
func TestOwnershipLifecycle(t *testing.T) {
	d, store := newDispatcher(t)

	created := dispatch(t, d, alice, ActionCreate, map[string]any{"title": "Buy milk"})
	id := onlyTodoID(t, created)

	err := dispatchErr(t, d, bob, ActionComplete, map[string]any{"id": id})
	if apperrors.CodeOf(err) != apperrors.CodePolicyDenied {
		t.Fatalf("code = %s, want %s", apperrors.CodeOf(err), apperrors.CodePolicyDenied)
	}
	if apperrors.KindOf(err) != apperrors.KindUnauthorized {
		t.Fatalf("kind = %s, want %s", apperrors.KindOf(err), apperrors.KindUnauthorized)
	}

	unchanged, merr := store.Materialize(context.Background(), nil)
	if merr != nil {
		t.Fatalf("materialize: %v", merr)
	}
	if got := unchanged[Collection][id]["completed"]; got != false {
		t.Fatalf("completed after denial = %v, want false", got)
	}

	completed := dispatch(t, d, alice, ActionComplete, map[string]any{"id": id})
	ops := state.Diff(created, completed)
	if len(ops) != 1 {
		t.Fatalf("diff = %d ops, want 1: %v", len(ops), ops)
	}
	want := state.Op{Path: "/" + Collection + "/" + id + "/completed", Op: state.OpReplace, Value: true}
	if ops[0].Path != want.Path || ops[0].Op != want.Op || ops[0].Value != want.Value {
		t.Fatalf("op = %+v, want %+v", ops[0], want)
	}

	reopened := dispatch(t, d, alice, ActionReopen, map[string]any{"id": id})
	if got := reopened[Collection][id]["completed"]; got != false {
		t.Fatalf("completed after reopen = %v, want false", got)
	}
}

func TestScheduleAndClearDue(t *testing.T) {
	d, _ := newDispatcher(t)

	created := dispatch(t, d, alice, ActionCreate, map[string]any{"title": "Water plants"})
	id := onlyTodoID(t, created)

	scheduled := dispatch(t, d, alice, ActionSchedule, map[string]any{
		"id":  id,
		"due": "2026-08-30T08:00:00Z",
	})
	ops := state.Diff(created, scheduled)
	if len(ops) != 1 || ops[0].Op != state.OpAdd || ops[0].Path != "/"+Collection+"/"+id+"/due" {
		t.Fatalf("schedule diff = %v, want single add of due", ops)
	}

	cleared := dispatch(t, d, alice, ActionClearDue, map[string]any{"id": id})
	ops = state.Diff(scheduled, cleared)
	if len(ops) != 1 || ops[0].Op != state.OpRemove || ops[0].Path != "/"+Collection+"/"+id+"/due" {
		t.Fatalf("clear diff = %v, want single remove of due", ops)
	}
	if _, ok := cleared[Collection][id]["due"]; ok {
		t.Fatalf("due still present after clear: %v", cleared[Collection][id]["due"])
	}

	// Clearing an already-clear field succeeds and changes nothing.
	again := dispatch(t, d, alice, ActionClearDue, map[string]any{"id": id})
	if ops := state.Diff(cleared, again); len(ops) != 0 {
		t.Fatalf("repeat clear diff = %v, want empty", ops)
	}
}

func TestScheduleRequiresDue(t *testing.T) {
	d, _ := newDispatcher(t)

	created := dispatch(t, d, alice, ActionCreate, map[string]any{"title": "Water plants"})
	id := onlyTodoID(t, created)

	err := dispatchErr(t, d, alice, ActionSchedule, map[string]any{"id": id})
	if apperrors.CodeOf(err) != apperrors.CodeActionPayloadInvalid {
		t.Fatalf("code = %s, want %s", apperrors.CodeOf(err), apperrors.CodeActionPayloadInvalid)
	}
}

func TestRenameChangesOnlyTitle(t *testing.T) {
	d, _ := newDispatcher(t)

	created := dispatch(t, d, alice, ActionCreate, map[string]any{"title": "Old name"})
	id := onlyTodoID(t, created)

	err := dispatchErr(t, d, bob, ActionRename, map[string]any{"id": id, "title": "Hijacked"})
	if apperrors.CodeOf(err) != apperrors.CodePolicyDenied {
		t.Fatalf("code = %s, want %s", apperrors.CodeOf(err), apperrors.CodePolicyDenied)
	}

	renamed := dispatch(t, d, alice, ActionRename, map[string]any{"id": id, "title": "New name"})
	ops := state.Diff(created, renamed)
	if len(ops) != 1 || ops[0].Path != "/"+Collection+"/"+id+"/title" || ops[0].Value != "New name" {
		t.Fatalf("rename diff = %v, want single title replace", ops)
	}

	if err := dispatchErr(t, d, alice, ActionRename, map[string]any{"id": id, "title": "  "}); apperrors.CodeOf(err) != apperrors.CodeActionPayloadInvalid {
		t.Fatalf("blank rename code = %s, want %s", apperrors.CodeOf(err), apperrors.CodeActionPayloadInvalid)
	}
}

func TestDeleteRemovesItem(t *testing.T) {
	d, _ := newDispatcher(t)

	created := dispatch(t, d, alice, ActionCreate, map[string]any{"title": "Ephemeral"})
	id := onlyTodoID(t, created)

	err := dispatchErr(t, d, bob, ActionDelete, map[string]any{"id": id})
	if apperrors.CodeOf(err) != apperrors.CodePolicyDenied {
		t.Fatalf("code = %s, want %s", apperrors.CodeOf(err), apperrors.CodePolicyDenied)
	}

	deleted := dispatch(t, d, alice, ActionDelete, map[string]any{"id": id})
	if _, ok := deleted[Collection]; ok {
		t.Fatalf("todos collection still present: %v", deleted[Collection])
	}
	ops := state.Diff(created, deleted)
	if len(ops) != 1 || ops[0].Op != state.OpRemove || ops[0].Path != "/"+Collection {
		t.Fatalf("delete diff = %v, want single remove of collection", ops)
	}

	err = dispatchErr(t, d, alice, ActionComplete, map[string]any{"id": id})
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("error = %v, want not found", err)
	}
}

// TestAllowlistStripsProtectedFields covers the payload allowlist: fields a
// handler never declared cannot reach storage, even when the client smuggles
// them into the payload.
func TestAllowlistStripsProtectedFields(t *testing.T) {
	d, _ := newDispatcher(t)

	created := dispatch(t, d, alice, ActionCreate, map[string]any{
		"title":     "Guarded",
		"completed": true,
		"owner":     "mallory",
	})
	id := onlyTodoID(t, created)
	item := created[Collection][id]
	if item["completed"] != false {
		t.Fatalf("completed = %v, want false", item["completed"])
	}
	if item["owner"] != "alice" {
		t.Fatalf("owner = %v, want alice", item["owner"])
	}

	renamed := dispatch(t, d, alice, ActionRename, map[string]any{
		"id":        id,
		"title":     "Still guarded",
		"completed": true,
		"owner":     "mallory",
	})
	ops := state.Diff(created, renamed)
	if len(ops) != 1 || ops[0].Path != "/"+Collection+"/"+id+"/title" {
		t.Fatalf("rename diff = %v, want single title replace", ops)
	}
}

func TestRegisterRejectsSecondRegistration(t *testing.T) {
	registry := action.NewRegistry()
	policies := policy.NewEvaluator()
	if err := Register(registry, policies); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if err := Register(registry, policies); err == nil {
		t.Fatal("expected duplicate registration to fail")
	}
}
