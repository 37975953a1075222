// Package action defines named action requests, handler registration, and
// the dispatch pipeline that gates every state mutation.
package action

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/statorhq/stator/internal/actor"
	"github.com/statorhq/stator/internal/policy"
	"github.com/statorhq/stator/internal/state"
	"github.com/statorhq/stator/internal/storage"
)

var (
	// ErrNameRequired indicates a definition without an action name.
	ErrNameRequired = errors.New("action name is required")
	// ErrKindInvalid indicates a definition with an unknown action kind.
	ErrKindInvalid = errors.New("action kind must be create, update, or delete")
	// ErrCollectionRequired indicates a definition without a collection.
	ErrCollectionRequired = errors.New("action collection is required")
	// ErrHandlerRequired indicates a definition without a handler.
	ErrHandlerRequired = errors.New("action handler is required")
)

// Request is one named action received from a client. Immutable once
// received; one request triggers at most one mutation attempt.
type Request struct {
	Name      string
	Payload   map[string]any
	ClientSeq int64
}

// Input carries the validated request context into a handler. Payload is
// already filtered to the definition's field allowlist. Resource and
// Version are the resolved target for update and delete actions; create
// actions see a nil resource.
type Input struct {
	Actor    *actor.Actor
	Payload  map[string]any
	TargetID string
	Resource state.Item
	Version  int64
}

// HandlerFunc turns one request into exactly one semantic mutation.
// Handlers are intentionally narrow: they never accept arbitrary field
// sets, and they perform no I/O of their own.
type HandlerFunc func(in Input) (storage.Mutation, error)

// Definition registers metadata and the handler for one action name.
//
// Update and delete actions address their target through the request
// payload's "id" field; it is structural and does not need to appear in
// Fields.
type Definition struct {
	Name       string
	Kind       policy.Kind
	Collection string

	// Fields is the accepted-field allowlist. Payload keys outside it are
	// dropped silently before the handler runs, never applied.
	Fields []string

	Handle HandlerFunc
}

// Registry stores action definitions keyed by name.
type Registry struct {
	definitions map[string]Definition
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{definitions: make(map[string]Definition)}
}

// Register adds an action definition to the registry.
func (r *Registry) Register(def Definition) error {
	if r == nil {
		return errors.New("registry is required")
	}
	def.Name = strings.TrimSpace(def.Name)
	if def.Name == "" {
		return ErrNameRequired
	}
	switch def.Kind {
	case policy.KindCreate, policy.KindUpdate, policy.KindDelete:
		// allowed
	default:
		return ErrKindInvalid
	}
	if strings.TrimSpace(def.Collection) == "" {
		return ErrCollectionRequired
	}
	if def.Handle == nil {
		return ErrHandlerRequired
	}
	if r.definitions == nil {
		r.definitions = make(map[string]Definition)
	}
	if _, exists := r.definitions[def.Name]; exists {
		return fmt.Errorf("action already registered: %s", def.Name)
	}
	r.definitions[def.Name] = def
	return nil
}

// Definition returns the registered definition for an action name.
func (r *Registry) Definition(name string) (Definition, bool) {
	if r == nil {
		return Definition{}, false
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return Definition{}, false
	}
	def, ok := r.definitions[name]
	return def, ok
}

// ListDefinitions returns a stable, sorted snapshot of registered
// definitions.
func (r *Registry) ListDefinitions() []Definition {
	if r == nil || len(r.definitions) == 0 {
		return nil
	}
	definitions := make([]Definition, 0, len(r.definitions))
	for _, def := range r.definitions {
		definitions = append(definitions, def)
	}
	sort.Slice(definitions, func(i, j int) bool {
		return definitions[i].Name < definitions[j].Name
	})
	return definitions
}
