package action

import (
	"context"
	"errors"
	"log"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/statorhq/stator/internal/actor"
	"github.com/statorhq/stator/internal/observability/audit"
	"github.com/statorhq/stator/internal/observability/metrics"
	apperrors "github.com/statorhq/stator/internal/platform/errors"
	"github.com/statorhq/stator/internal/platform/requestctx"
	"github.com/statorhq/stator/internal/policy"
	"github.com/statorhq/stator/internal/state"
	"github.com/statorhq/stator/internal/storage"
)

var tracer = otel.Tracer("github.com/statorhq/stator")

// Dispatcher validates, authorizes, and applies action requests. It is the
// single write path: every mutation passes through policy evaluation here
// before it can reach storage.
type Dispatcher struct {
	registry *Registry
	policies *policy.Evaluator
	store    storage.Port
	emitter  *audit.Emitter
}

// NewDispatcher wires the dispatch pipeline.
func NewDispatcher(registry *Registry, policies *policy.Evaluator, store storage.Port, emitter *audit.Emitter) *Dispatcher {
	return &Dispatcher{
		registry: registry,
		policies: policies,
		store:    store,
		emitter:  emitter,
	}
}

// Dispatch runs one request through the full pipeline and returns the new
// canonical snapshot on success. Failures return a coded error and leave
// canonical state untouched; the caller maps the code to a wire kind.
func (d *Dispatcher) Dispatch(ctx context.Context, a *actor.Actor, req Request) (state.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ctx, span := tracer.Start(ctx, "action.dispatch")
	defer span.End()

	name := strings.TrimSpace(req.Name)
	if name == "" {
		err := apperrors.New(apperrors.CodeActionNameEmpty, "action name is empty")
		d.record(ctx, a, req, Definition{}, "", err)
		return nil, err
	}
	def, ok := d.registry.Definition(name)
	if !ok {
		err := apperrors.WithMetadata(apperrors.CodeActionUnknown, "unknown action", map[string]string{
			"action": name,
		})
		d.record(ctx, a, req, Definition{Name: name}, "", err)
		return nil, err
	}

	payload := filterPayload(req.Payload, def.Fields)

	var (
		targetID string
		resource state.Item
		version  int64
	)
	if def.Kind != policy.KindCreate {
		var err error
		targetID, resource, version, err = d.resolveTarget(ctx, def, req.Payload)
		if err != nil {
			d.record(ctx, a, req, def, targetID, err)
			return nil, err
		}
	}

	decision := d.policies.Authorize(a, def.Name, def.Kind, def.Collection, resource)
	if !decision.Allowed {
		// The wire detail stays generic; the matched reason goes to the
		// audit trail only.
		err := apperrors.WithMetadata(apperrors.CodePolicyDenied, "access denied", map[string]string{
			"reason": decision.ReasonCode,
		})
		d.record(ctx, a, req, def, targetID, err)
		return nil, err
	}

	mutation, err := def.Handle(Input{
		Actor:    a,
		Payload:  payload,
		TargetID: targetID,
		Resource: resource,
		Version:  version,
	})
	if err != nil {
		if apperrors.CodeOf(err) == apperrors.CodeUnknown {
			err = apperrors.Wrap(apperrors.CodeInternalFault, "action handler fault", err)
		}
		d.record(ctx, a, req, def, targetID, err)
		return nil, err
	}
	if err := guardMutation(def, targetID, mutation); err != nil {
		d.record(ctx, a, req, def, targetID, err)
		return nil, err
	}

	newState, err := d.store.Apply(ctx, a, mutation)
	if err != nil {
		if apperrors.CodeOf(err) == apperrors.CodeStorageFailure {
			log.Printf("storage failure applying %s: %v", def.Name, err)
		}
		d.record(ctx, a, req, def, targetID, err)
		return nil, err
	}

	d.record(ctx, a, req, def, mutation.ItemID, nil)
	return newState, nil
}

// resolveTarget extracts the target id from the raw payload and loads the
// item. The "id" field addresses the target; the allowlist governs only
// the fields a handler may apply.
func (d *Dispatcher) resolveTarget(ctx context.Context, def Definition, payload map[string]any) (string, state.Item, int64, error) {
	raw, ok := payload["id"].(string)
	targetID := strings.TrimSpace(raw)
	if !ok || targetID == "" {
		return "", nil, 0, apperrors.New(apperrors.CodeActionTargetMissing, "action requires a target id")
	}
	resource, version, err := d.store.Read(ctx, def.Collection, targetID)
	if errors.Is(err, storage.ErrNotFound) {
		return targetID, nil, 0, apperrors.WithMetadata(apperrors.CodeNotFound, "target item not found", map[string]string{
			"collection": def.Collection,
			"item":       targetID,
		})
	}
	if err != nil {
		return targetID, nil, 0, err
	}
	return targetID, resource, version, nil
}

// filterPayload keeps only allowlisted fields. Unknown fields are dropped
// silently, never treated as errors.
func filterPayload(payload map[string]any, allow []string) map[string]any {
	filtered := make(map[string]any, len(allow))
	for _, field := range allow {
		if value, ok := payload[field]; ok {
			filtered[field] = value
		}
	}
	return filtered
}

// guardMutation rejects handlers that stray outside the scope the policy
// decision covered.
func guardMutation(def Definition, targetID string, mutation storage.Mutation) error {
	if mutation.Collection != def.Collection {
		return apperrors.WithMetadata(apperrors.CodeInternalFault, "handler mutated an unexpected collection", map[string]string{
			"expected": def.Collection,
			"got":      mutation.Collection,
		})
	}
	if def.Kind != policy.KindCreate && mutation.ItemID != targetID {
		return apperrors.WithMetadata(apperrors.CodeInternalFault, "handler mutated an unexpected item", map[string]string{
			"expected": targetID,
			"got":      mutation.ItemID,
		})
	}
	return nil
}

// record emits one audit event for the request outcome, counts it, and
// stamps the outcome on the dispatch span.
func (d *Dispatcher) record(ctx context.Context, a *actor.Actor, req Request, def Definition, targetID string, err error) {
	ev := audit.Event{
		SessionID:  requestctx.SessionIDFromContext(ctx),
		Action:     def.Name,
		Collection: def.Collection,
		ItemID:     targetID,
		ClientSeq:  req.ClientSeq,
		Outcome:    audit.OutcomeApplied,
	}
	if a != nil {
		ev.ActorID = a.ID
	}
	if ev.Action == "" {
		ev.Action = strings.TrimSpace(req.Name)
	}
	span := trace.SpanFromContext(ctx)
	if sc := span.SpanContext(); sc.IsValid() {
		ev.TraceID = sc.TraceID().String()
		ev.SpanID = sc.SpanID().String()
	}
	if err != nil {
		ev.Outcome = outcomeFor(err)
		ev.Reason = string(apperrors.CodeOf(err))
		ev.Detail = err.Error()
		var structured *apperrors.Error
		if errors.As(err, &structured) {
			if reason, ok := structured.Metadata["reason"]; ok {
				ev.Reason = reason
			}
		}
	}
	span.SetAttributes(
		attribute.String("action", ev.Action),
		attribute.String("outcome", string(ev.Outcome)),
	)
	d.emitter.Emit(ctx, ev)
	metrics.ActionDispatched(ctx, ev.Action, string(ev.Outcome))
}

func outcomeFor(err error) audit.Outcome {
	switch apperrors.CodeOf(err).Kind() {
	case apperrors.KindUnauthorized:
		return audit.OutcomeDenied
	case apperrors.KindValidation, apperrors.KindStale:
		return audit.OutcomeRejected
	default:
		return audit.OutcomeFailed
	}
}
