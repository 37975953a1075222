// Package storage defines the port the action dispatcher mutates canonical
// state through. Implementations guarantee atomic per-item writes and
// serialize concurrent sessions racing on the same item; the protocol layer
// above adds no cross-session locking of its own.
package storage

import (
	"context"
	"fmt"

	"github.com/statorhq/stator/internal/actor"
	apperrors "github.com/statorhq/stator/internal/platform/errors"
	"github.com/statorhq/stator/internal/state"
)

// ErrNotFound indicates a mutation or read targeted an item that does not
// exist. Callers use this to distinguish legitimate "no such item" states
// from transport or data corruption failures.
var ErrNotFound = apperrors.New(apperrors.CodeNotFound, "item not found")

// ErrVersionConflict indicates a compare-and-swap guard failed because the
// item changed after it was read.
var ErrVersionConflict = apperrors.New(apperrors.CodeVersionConflict, "item version conflict")

// MutationKind names the three ways an action can change a collection.
type MutationKind string

const (
	MutationInsert MutationKind = "insert"
	MutationUpdate MutationKind = "update"
	MutationDelete MutationKind = "delete"
)

// Mutation is one semantic state change produced by an action handler.
type Mutation struct {
	Collection string
	ItemID     string
	Kind       MutationKind

	// Fields holds the full item on insert and the changed fields on
	// update. Ignored on delete.
	Fields state.Item

	// ClearFields names fields removed from the item on update.
	ClearFields []string

	// ExpectedVersion, when nonzero, makes the write a compare-and-swap:
	// the mutation fails with ErrVersionConflict unless the stored version
	// still matches.
	ExpectedVersion int64
}

// Validate reports malformed mutations. These are handler bugs, not client
// errors, so failures surface as plain errors rather than domain codes.
func (m Mutation) Validate() error {
	if m.Collection == "" {
		return fmt.Errorf("mutation collection is required")
	}
	if m.ItemID == "" {
		return fmt.Errorf("mutation item id is required")
	}
	switch m.Kind {
	case MutationInsert:
		if len(m.Fields) == 0 {
			return fmt.Errorf("insert mutation requires fields")
		}
		if len(m.ClearFields) > 0 {
			return fmt.Errorf("insert mutation cannot clear fields")
		}
	case MutationUpdate:
		if len(m.Fields) == 0 && len(m.ClearFields) == 0 {
			return fmt.Errorf("update mutation changes nothing")
		}
	case MutationDelete:
		if len(m.Fields) > 0 || len(m.ClearFields) > 0 {
			return fmt.Errorf("delete mutation cannot carry fields")
		}
	default:
		return fmt.Errorf("unknown mutation kind %q", m.Kind)
	}
	return nil
}

// Port is the storage boundary between the dispatcher and the data store.
type Port interface {
	// Materialize loads the canonical snapshot visible to the actor.
	Materialize(ctx context.Context, a *actor.Actor) (state.Snapshot, error)

	// Read returns one item's fields and its storage version.
	Read(ctx context.Context, collection, id string) (state.Item, int64, error)

	// Apply performs exactly one mutation and returns the canonical
	// snapshot that results.
	Apply(ctx context.Context, a *actor.Actor, m Mutation) (state.Snapshot, error)

	// Close releases the underlying database handle.
	Close() error
}
