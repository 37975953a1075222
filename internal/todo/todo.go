// Package todo wires the built-in todo collection: action handlers for
// creating and editing todos, and the policy rules gating them. Any
// authenticated actor may create; only an item's owner may change or
// delete it.
package todo

import (
	"strings"
	"time"
	"unicode/utf8"

	"github.com/statorhq/stator/internal/action"
	"github.com/statorhq/stator/internal/actor"
	apperrors "github.com/statorhq/stator/internal/platform/errors"
	"github.com/statorhq/stator/internal/platform/id"
	"github.com/statorhq/stator/internal/policy"
	"github.com/statorhq/stator/internal/state"
	"github.com/statorhq/stator/internal/storage"
)

// Collection is the canonical collection name.
const Collection = "todos"

// Action names.
const (
	ActionCreate   = "todo.create"
	ActionComplete = "todo.complete"
	ActionReopen   = "todo.reopen"
	ActionRename   = "todo.rename"
	ActionSchedule = "todo.schedule"
	ActionClearDue = "todo.clear_due"
	ActionDelete   = "todo.delete"
)

const maxTitleRunes = 500

// Register adds the todo actions and their policy rules.
func Register(registry *action.Registry, policies *policy.Evaluator) error {
	for _, def := range definitions() {
		if err := registry.Register(def); err != nil {
			return err
		}
	}
	policies.Register(Collection,
		policy.Rule{
			Name:  "authenticated-create",
			Scope: policy.ForAction(ActionCreate),
			Predicate: func(a *actor.Actor, _ state.Item) bool {
				return !a.IsAnonymous()
			},
		},
		policy.Rule{
			Name:      "owner-update",
			Scope:     policy.ForKind(policy.KindUpdate),
			Predicate: isOwner,
		},
		policy.Rule{
			Name:      "owner-delete",
			Scope:     policy.ForKind(policy.KindDelete),
			Predicate: isOwner,
		},
	)
	return nil
}

func isOwner(a *actor.Actor, resource state.Item) bool {
	if a.IsAnonymous() || resource == nil {
		return false
	}
	owner, _ := resource["owner"].(string)
	return owner != "" && owner == a.ID
}

func definitions() []action.Definition {
	return []action.Definition{
		{
			Name:       ActionCreate,
			Kind:       policy.KindCreate,
			Collection: Collection,
			Fields:     []string{"title", "due"},
			Handle:     handleCreate,
		},
		{
			Name:       ActionComplete,
			Kind:       policy.KindUpdate,
			Collection: Collection,
			Handle:     setCompleted(true),
		},
		{
			Name:       ActionReopen,
			Kind:       policy.KindUpdate,
			Collection: Collection,
			Handle:     setCompleted(false),
		},
		{
			Name:       ActionRename,
			Kind:       policy.KindUpdate,
			Collection: Collection,
			Fields:     []string{"title"},
			Handle:     handleRename,
		},
		{
			Name:       ActionSchedule,
			Kind:       policy.KindUpdate,
			Collection: Collection,
			Fields:     []string{"due"},
			Handle:     handleSchedule,
		},
		{
			Name:       ActionClearDue,
			Kind:       policy.KindUpdate,
			Collection: Collection,
			Handle:     handleClearDue,
		},
		{
			Name:       ActionDelete,
			Kind:       policy.KindDelete,
			Collection: Collection,
			Handle:     handleDelete,
		},
	}
}

func handleCreate(in action.Input) (storage.Mutation, error) {
	title, err := requiredTitle(in.Payload)
	if err != nil {
		return storage.Mutation{}, err
	}
	fields := state.Item{
		"title":     title,
		"completed": false,
	}
	if in.Actor != nil {
		fields["owner"] = in.Actor.ID
	}
	if raw, ok := in.Payload["due"]; ok {
		due, err := dueString(raw)
		if err != nil {
			return storage.Mutation{}, err
		}
		fields["due"] = due
	}
	return storage.Mutation{
		Collection: Collection,
		ItemID:     id.New(),
		Kind:       storage.MutationInsert,
		Fields:     fields,
	}, nil
}

func setCompleted(done bool) action.HandlerFunc {
	return func(in action.Input) (storage.Mutation, error) {
		return storage.Mutation{
			Collection: Collection,
			ItemID:     in.TargetID,
			Kind:       storage.MutationUpdate,
			Fields:     state.Item{"completed": done},
		}, nil
	}
}

func handleRename(in action.Input) (storage.Mutation, error) {
	title, err := requiredTitle(in.Payload)
	if err != nil {
		return storage.Mutation{}, err
	}
	return storage.Mutation{
		Collection: Collection,
		ItemID:     in.TargetID,
		Kind:       storage.MutationUpdate,
		Fields:     state.Item{"title": title},
	}, nil
}

func handleSchedule(in action.Input) (storage.Mutation, error) {
	due, err := dueString(in.Payload["due"])
	if err != nil {
		return storage.Mutation{}, err
	}
	return storage.Mutation{
		Collection: Collection,
		ItemID:     in.TargetID,
		Kind:       storage.MutationUpdate,
		Fields:     state.Item{"due": due},
	}, nil
}

func handleClearDue(in action.Input) (storage.Mutation, error) {
	return storage.Mutation{
		Collection:  Collection,
		ItemID:      in.TargetID,
		Kind:        storage.MutationUpdate,
		ClearFields: []string{"due"},
	}, nil
}

func handleDelete(in action.Input) (storage.Mutation, error) {
	return storage.Mutation{
		Collection: Collection,
		ItemID:     in.TargetID,
		Kind:       storage.MutationDelete,
	}, nil
}

func requiredTitle(payload map[string]any) (string, error) {
	raw, _ := payload["title"].(string)
	title := strings.TrimSpace(raw)
	if title == "" {
		return "", apperrors.New(apperrors.CodeActionPayloadInvalid, "title is required")
	}
	if utf8.RuneCountInString(title) > maxTitleRunes {
		return "", apperrors.New(apperrors.CodeActionPayloadInvalid, "title must be at most 500 characters")
	}
	return title, nil
}

func dueString(v any) (string, error) {
	raw, ok := v.(string)
	if !ok || strings.TrimSpace(raw) == "" {
		return "", apperrors.New(apperrors.CodeActionPayloadInvalid, "due must be an RFC 3339 timestamp")
	}
	if _, err := time.Parse(time.RFC3339, raw); err != nil {
		return "", apperrors.New(apperrors.CodeActionPayloadInvalid, "due must be an RFC 3339 timestamp")
	}
	return raw, nil
}
