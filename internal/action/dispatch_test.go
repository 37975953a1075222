package action

import (
	"context"
	"errors"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/statorhq/stator/internal/actor"
	"github.com/statorhq/stator/internal/observability/audit"
	apperrors "github.com/statorhq/stator/internal/platform/errors"
	"github.com/statorhq/stator/internal/platform/requestctx"
	"github.com/statorhq/stator/internal/policy"
	"github.com/statorhq/stator/internal/state"
	"github.com/statorhq/stator/internal/storage"
)

// fakePort is an in-memory storage.Port that records every mutation it is
// asked to apply.
type fakePort struct {
	snapshot state.Snapshot
	applied  []storage.Mutation
	applyErr error
	readErr  error
}

var _ storage.Port = (*fakePort)(nil)

func newFakePort() *fakePort {
	return &fakePort{snapshot: state.Snapshot{}}
}

func (p *fakePort) Materialize(_ context.Context, _ *actor.Actor) (state.Snapshot, error) {
	return p.snapshot.Clone(), nil
}

func (p *fakePort) Read(_ context.Context, collection, id string) (state.Item, int64, error) {
	if p.readErr != nil {
		return nil, 0, p.readErr
	}
	item, ok := p.snapshot[collection][id]
	if !ok {
		return nil, 0, storage.ErrNotFound
	}
	return item.Clone(), 1, nil
}

func (p *fakePort) Apply(_ context.Context, _ *actor.Actor, m storage.Mutation) (state.Snapshot, error) {
	if p.applyErr != nil {
		return nil, p.applyErr
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	p.applied = append(p.applied, m)

	next := p.snapshot.Clone()
	switch m.Kind {
	case storage.MutationInsert:
		if next[m.Collection] == nil {
			next[m.Collection] = state.Collection{}
		}
		next[m.Collection][m.ItemID] = m.Fields.Clone()
	case storage.MutationUpdate:
		item, ok := next[m.Collection][m.ItemID]
		if !ok {
			return nil, storage.ErrNotFound
		}
		for field, value := range m.Fields {
			item[field] = value
		}
		for _, field := range m.ClearFields {
			delete(item, field)
		}
	case storage.MutationDelete:
		delete(next[m.Collection], m.ItemID)
	}
	p.snapshot = next
	return next.Clone(), nil
}

func (p *fakePort) Close() error { return nil }

func (p *fakePort) seed(collection, id string, item state.Item) {
	if p.snapshot[collection] == nil {
		p.snapshot[collection] = state.Collection{}
	}
	p.snapshot[collection][id] = item
}

type captureSink struct {
	events []audit.Event
}

func (s *captureSink) RecordAudit(_ context.Context, ev audit.Event) error {
	s.events = append(s.events, ev)
	return nil
}

func (s *captureSink) last(t *testing.T) audit.Event {
	t.Helper()
	if len(s.events) == 0 {
		t.Fatal("no audit events recorded")
	}
	return s.events[len(s.events)-1]
}

// docDefinitions returns a small action set over a "docs" collection.
func docDefinitions() []Definition {
	return []Definition{
		{
			Name:       "doc.create",
			Kind:       policy.KindCreate,
			Collection: "docs",
			Fields:     []string{"title"},
			Handle: func(in Input) (storage.Mutation, error) {
				title, _ := in.Payload["title"].(string)
				if strings.TrimSpace(title) == "" {
					return storage.Mutation{}, apperrors.New(apperrors.CodeActionPayloadInvalid, "title is required")
				}
				fields := state.Item{"title": title}
				if in.Actor != nil {
					fields["owner"] = in.Actor.ID
				}
				return storage.Mutation{
					Collection: "docs",
					ItemID:     "doc:" + title,
					Kind:       storage.MutationInsert,
					Fields:     fields,
				}, nil
			},
		},
		{
			Name:       "doc.rename",
			Kind:       policy.KindUpdate,
			Collection: "docs",
			Fields:     []string{"title"},
			Handle: func(in Input) (storage.Mutation, error) {
				title, _ := in.Payload["title"].(string)
				if strings.TrimSpace(title) == "" {
					return storage.Mutation{}, apperrors.New(apperrors.CodeActionPayloadInvalid, "title is required")
				}
				return storage.Mutation{
					Collection: "docs",
					ItemID:     in.TargetID,
					Kind:       storage.MutationUpdate,
					Fields:     state.Item{"title": title},
				}, nil
			},
		},
		{
			Name:       "doc.delete",
			Kind:       policy.KindDelete,
			Collection: "docs",
			Handle: func(in Input) (storage.Mutation, error) {
				return storage.Mutation{
					Collection: "docs",
					ItemID:     in.TargetID,
					Kind:       storage.MutationDelete,
				}, nil
			},
		},
	}
}

func mustRegister(t *testing.T, r *Registry, defs ...Definition) {
	t.Helper()
	for _, def := range defs {
		if err := r.Register(def); err != nil {
			t.Fatalf("Register(%s) error = %v", def.Name, err)
		}
	}
}

func allowAuthenticated(name string, scope policy.Scope) policy.Rule {
	return policy.Rule{
		Name:  name,
		Scope: scope,
		Predicate: func(a *actor.Actor, _ state.Item) bool {
			return !a.IsAnonymous()
		},
	}
}

func allowOwner(name string, scope policy.Scope) policy.Rule {
	return policy.Rule{
		Name:  name,
		Scope: scope,
		Predicate: func(a *actor.Actor, resource state.Item) bool {
			if a.IsAnonymous() || resource == nil {
				return false
			}
			owner, _ := resource["owner"].(string)
			return owner == a.ID
		},
	}
}

// newDocDispatcher wires a dispatcher over the docs action set with the
// given policy rules.
func newDocDispatcher(t *testing.T, port *fakePort, rules ...policy.Rule) (*Dispatcher, *captureSink) {
	t.Helper()
	registry := NewRegistry()
	mustRegister(t, registry, docDefinitions()...)
	evaluator := policy.NewEvaluator()
	evaluator.Register("docs", rules...)
	sink := &captureSink{}
	return NewDispatcher(registry, evaluator, port, audit.NewEmitter(sink, nil)), sink
}

func TestDispatchCreateAppliesMutation(t *testing.T) {
	port := newFakePort()
	d, sink := newDocDispatcher(t, port, allowAuthenticated("authenticated-create", policy.ForKind(policy.KindCreate)))
	alice := &actor.Actor{ID: "alice"}

	snap, err := d.Dispatch(context.Background(), alice, Request{
		Name:      "doc.create",
		Payload:   map[string]any{"title": "alpha"},
		ClientSeq: 1,
	})
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}

	item, ok := snap["docs"]["doc:alpha"]
	if !ok {
		t.Fatalf("snapshot missing created item, got %v", snap)
	}
	if item["title"] != "alpha" || item["owner"] != "alice" {
		t.Fatalf("created item = %v, want title alpha owned by alice", item)
	}
	if len(port.applied) != 1 || port.applied[0].Kind != storage.MutationInsert {
		t.Fatalf("applied mutations = %v, want one insert", port.applied)
	}

	ev := sink.last(t)
	if ev.Outcome != audit.OutcomeApplied {
		t.Fatalf("audit outcome = %s, want %s", ev.Outcome, audit.OutcomeApplied)
	}
	if ev.Action != "doc.create" || ev.ActorID != "alice" || ev.ItemID != "doc:alpha" {
		t.Fatalf("audit event = %+v, want doc.create by alice on doc:alpha", ev)
	}
}

func TestDispatchDenyLeavesStateUntouched(t *testing.T) {
	port := newFakePort()
	port.seed("docs", "d1", state.Item{"title": "alpha", "owner": "alice"})
	d, sink := newDocDispatcher(t, port) // no rules: deny everything

	_, err := d.Dispatch(context.Background(), &actor.Actor{ID: "alice"}, Request{
		Name:    "doc.rename",
		Payload: map[string]any{"id": "d1", "title": "beta"},
	})
	if !errors.Is(err, apperrors.New(apperrors.CodePolicyDenied, "")) {
		t.Fatalf("Dispatch() error = %v, want policy denial", err)
	}
	if apperrors.KindOf(err) != apperrors.KindUnauthorized {
		t.Fatalf("error kind = %s, want %s", apperrors.KindOf(err), apperrors.KindUnauthorized)
	}
	if err.Error() != "access denied" {
		t.Fatalf("denial detail = %q, want the generic %q", err.Error(), "access denied")
	}

	if len(port.applied) != 0 {
		t.Fatalf("denied action reached storage: %v", port.applied)
	}
	if got := port.snapshot["docs"]["d1"]["title"]; got != "alpha" {
		t.Fatalf("title = %v, want alpha untouched", got)
	}

	ev := sink.last(t)
	if ev.Outcome != audit.OutcomeDenied {
		t.Fatalf("audit outcome = %s, want %s", ev.Outcome, audit.OutcomeDenied)
	}
	if ev.Reason != policy.ReasonDenyNoMatchingRule {
		t.Fatalf("audit reason = %q, want %q", ev.Reason, policy.ReasonDenyNoMatchingRule)
	}
}

func TestDispatchDropsFieldsOutsideAllowlist(t *testing.T) {
	var seen map[string]any
	registry := NewRegistry()
	mustRegister(t, registry, Definition{
		Name:       "doc.rename",
		Kind:       policy.KindUpdate,
		Collection: "docs",
		Fields:     []string{"title"},
		Handle: func(in Input) (storage.Mutation, error) {
			seen = in.Payload
			return storage.Mutation{
				Collection: "docs",
				ItemID:     in.TargetID,
				Kind:       storage.MutationUpdate,
				Fields:     state.Item{"title": in.Payload["title"]},
			}, nil
		},
	})
	evaluator := policy.NewEvaluator()
	evaluator.Register("docs", allowAuthenticated("any-update", policy.ForKind(policy.KindUpdate)))
	port := newFakePort()
	port.seed("docs", "d1", state.Item{"title": "alpha", "locked": false})
	d := NewDispatcher(registry, evaluator, port, audit.NewEmitter(&captureSink{}, nil))

	snap, err := d.Dispatch(context.Background(), &actor.Actor{ID: "alice"}, Request{
		Name:    "doc.rename",
		Payload: map[string]any{"id": "d1", "title": "beta", "locked": true},
	})
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}

	if _, ok := seen["locked"]; ok {
		t.Fatalf("handler payload = %v, \"locked\" should have been dropped", seen)
	}
	if _, ok := seen["id"]; ok {
		t.Fatalf("handler payload = %v, \"id\" is structural and not allowlisted", seen)
	}
	if got := snap["docs"]["d1"]["locked"]; got != false {
		t.Fatalf("locked = %v, want false untouched", got)
	}
	if got := snap["docs"]["d1"]["title"]; got != "beta" {
		t.Fatalf("title = %v, want beta", got)
	}
}

func TestDispatchRejectsUnknownAction(t *testing.T) {
	port := newFakePort()
	d, sink := newDocDispatcher(t, port)

	_, err := d.Dispatch(context.Background(), &actor.Actor{ID: "alice"}, Request{Name: "doc.publish"})
	if !errors.Is(err, apperrors.New(apperrors.CodeActionUnknown, "")) {
		t.Fatalf("Dispatch() error = %v, want unknown action", err)
	}
	if apperrors.KindOf(err) != apperrors.KindValidation {
		t.Fatalf("error kind = %s, want %s", apperrors.KindOf(err), apperrors.KindValidation)
	}
	if len(port.applied) != 0 {
		t.Fatalf("unknown action reached storage: %v", port.applied)
	}
	if ev := sink.last(t); ev.Outcome != audit.OutcomeRejected {
		t.Fatalf("audit outcome = %s, want %s", ev.Outcome, audit.OutcomeRejected)
	}
}

func TestDispatchRejectsEmptyName(t *testing.T) {
	d, _ := newDocDispatcher(t, newFakePort())

	_, err := d.Dispatch(context.Background(), &actor.Actor{ID: "alice"}, Request{Name: "   "})
	if !errors.Is(err, apperrors.New(apperrors.CodeActionNameEmpty, "")) {
		t.Fatalf("Dispatch() error = %v, want empty name rejection", err)
	}
}

func TestDispatchRequiresTargetID(t *testing.T) {
	payloads := []map[string]any{
		nil,
		{"title": "beta"},
		{"id": "", "title": "beta"},
		{"id": "   ", "title": "beta"},
		{"id": 42, "title": "beta"},
	}
	for _, payload := range payloads {
		d, _ := newDocDispatcher(t, newFakePort(), allowAuthenticated("any-update", policy.ForKind(policy.KindUpdate)))
		_, err := d.Dispatch(context.Background(), &actor.Actor{ID: "alice"}, Request{
			Name:    "doc.rename",
			Payload: payload,
		})
		if !errors.Is(err, apperrors.New(apperrors.CodeActionTargetMissing, "")) {
			t.Fatalf("Dispatch(payload=%v) error = %v, want missing target", payload, err)
		}
	}
}

func TestDispatchTargetNotFound(t *testing.T) {
	port := newFakePort()
	d, _ := newDocDispatcher(t, port, allowAuthenticated("any-update", policy.ForKind(policy.KindUpdate)))

	_, err := d.Dispatch(context.Background(), &actor.Actor{ID: "alice"}, Request{
		Name:    "doc.rename",
		Payload: map[string]any{"id": "ghost", "title": "beta"},
	})
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("Dispatch() error = %v, want not found", err)
	}
	if apperrors.KindOf(err) != apperrors.KindValidation {
		t.Fatalf("error kind = %s, want %s", apperrors.KindOf(err), apperrors.KindValidation)
	}
	if len(port.applied) != 0 {
		t.Fatalf("missing target reached storage: %v", port.applied)
	}
}

func TestDispatchOwnerPolicySeesResource(t *testing.T) {
	port := newFakePort()
	port.seed("docs", "d1", state.Item{"title": "alpha", "owner": "alice"})
	d, sink := newDocDispatcher(t, port, allowOwner("owner-update", policy.ForKind(policy.KindUpdate)))

	_, err := d.Dispatch(context.Background(), &actor.Actor{ID: "bob"}, Request{
		Name:    "doc.rename",
		Payload: map[string]any{"id": "d1", "title": "stolen"},
	})
	if !errors.Is(err, apperrors.New(apperrors.CodePolicyDenied, "")) {
		t.Fatalf("Dispatch() by bob error = %v, want denial", err)
	}
	if ev := sink.last(t); ev.Reason != policy.ReasonDenyPredicatesFalse {
		t.Fatalf("audit reason = %q, want %q", ev.Reason, policy.ReasonDenyPredicatesFalse)
	}

	snap, err := d.Dispatch(context.Background(), &actor.Actor{ID: "alice"}, Request{
		Name:    "doc.rename",
		Payload: map[string]any{"id": "d1", "title": "beta"},
	})
	if err != nil {
		t.Fatalf("Dispatch() by alice error = %v", err)
	}
	if got := snap["docs"]["d1"]["title"]; got != "beta" {
		t.Fatalf("title = %v, want beta", got)
	}
}

func TestDispatchWrapsHandlerFault(t *testing.T) {
	registry := NewRegistry()
	mustRegister(t, registry, Definition{
		Name:       "doc.explode",
		Kind:       policy.KindCreate,
		Collection: "docs",
		Handle: func(Input) (storage.Mutation, error) {
			return storage.Mutation{}, errors.New("boom")
		},
	})
	evaluator := policy.NewEvaluator()
	evaluator.Register("docs", allowAuthenticated("any-create", policy.ForKind(policy.KindCreate)))
	port := newFakePort()
	sink := &captureSink{}
	d := NewDispatcher(registry, evaluator, port, audit.NewEmitter(sink, nil))

	_, err := d.Dispatch(context.Background(), &actor.Actor{ID: "alice"}, Request{Name: "doc.explode"})
	if !errors.Is(err, apperrors.New(apperrors.CodeInternalFault, "")) {
		t.Fatalf("Dispatch() error = %v, want internal fault", err)
	}
	if apperrors.KindOf(err) != apperrors.KindInternal {
		t.Fatalf("error kind = %s, want %s", apperrors.KindOf(err), apperrors.KindInternal)
	}
	if len(port.applied) != 0 {
		t.Fatalf("faulting handler reached storage: %v", port.applied)
	}
	if ev := sink.last(t); ev.Outcome != audit.OutcomeFailed {
		t.Fatalf("audit outcome = %s, want %s", ev.Outcome, audit.OutcomeFailed)
	}
}

func TestDispatchKeepsHandlerErrorCodes(t *testing.T) {
	d, _ := newDocDispatcher(t, newFakePort(), allowAuthenticated("any-create", policy.ForKind(policy.KindCreate)))

	_, err := d.Dispatch(context.Background(), &actor.Actor{ID: "alice"}, Request{
		Name:    "doc.create",
		Payload: map[string]any{"title": "   "},
	})
	if !errors.Is(err, apperrors.New(apperrors.CodeActionPayloadInvalid, "")) {
		t.Fatalf("Dispatch() error = %v, want payload rejection", err)
	}
	if apperrors.KindOf(err) != apperrors.KindValidation {
		t.Fatalf("error kind = %s, want %s", apperrors.KindOf(err), apperrors.KindValidation)
	}
}

func TestDispatchGuardsHandlerScope(t *testing.T) {
	tests := []struct {
		name     string
		mutation storage.Mutation
	}{
		{
			name: "foreign collection",
			mutation: storage.Mutation{
				Collection: "secrets",
				ItemID:     "d1",
				Kind:       storage.MutationUpdate,
				Fields:     state.Item{"title": "beta"},
			},
		},
		{
			name: "foreign item",
			mutation: storage.Mutation{
				Collection: "docs",
				ItemID:     "d2",
				Kind:       storage.MutationUpdate,
				Fields:     state.Item{"title": "beta"},
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			registry := NewRegistry()
			mutation := tc.mutation
			mustRegister(t, registry, Definition{
				Name:       "doc.rename",
				Kind:       policy.KindUpdate,
				Collection: "docs",
				Handle: func(Input) (storage.Mutation, error) {
					return mutation, nil
				},
			})
			evaluator := policy.NewEvaluator()
			evaluator.Register("docs", allowAuthenticated("any-update", policy.ForKind(policy.KindUpdate)))
			port := newFakePort()
			port.seed("docs", "d1", state.Item{"title": "alpha"})
			port.seed("docs", "d2", state.Item{"title": "other"})
			d := NewDispatcher(registry, evaluator, port, audit.NewEmitter(&captureSink{}, nil))

			_, err := d.Dispatch(context.Background(), &actor.Actor{ID: "alice"}, Request{
				Name:    "doc.rename",
				Payload: map[string]any{"id": "d1"},
			})
			if !errors.Is(err, apperrors.New(apperrors.CodeInternalFault, "")) {
				t.Fatalf("Dispatch() error = %v, want internal fault", err)
			}
			if len(port.applied) != 0 {
				t.Fatalf("out-of-scope mutation reached storage: %v", port.applied)
			}
		})
	}
}

func TestDispatchStorageFailureSurfaces(t *testing.T) {
	port := newFakePort()
	port.applyErr = apperrors.Wrap(apperrors.CodeStorageFailure, "write item", errors.New("disk full"))
	d, sink := newDocDispatcher(t, port, allowAuthenticated("any-create", policy.ForKind(policy.KindCreate)))

	_, err := d.Dispatch(context.Background(), &actor.Actor{ID: "alice"}, Request{
		Name:    "doc.create",
		Payload: map[string]any{"title": "alpha"},
	})
	if !errors.Is(err, apperrors.New(apperrors.CodeStorageFailure, "")) {
		t.Fatalf("Dispatch() error = %v, want storage failure", err)
	}
	if apperrors.KindOf(err) != apperrors.KindInternal {
		t.Fatalf("error kind = %s, want %s", apperrors.KindOf(err), apperrors.KindInternal)
	}
	if ev := sink.last(t); ev.Outcome != audit.OutcomeFailed {
		t.Fatalf("audit outcome = %s, want %s", ev.Outcome, audit.OutcomeFailed)
	}
}

func TestDispatchAuditCarriesSessionContext(t *testing.T) {
	port := newFakePort()
	d, sink := newDocDispatcher(t, port, allowAuthenticated("any-create", policy.ForKind(policy.KindCreate)))

	ctx := requestctx.WithSessionID(context.Background(), "sess-1")
	_, err := d.Dispatch(ctx, &actor.Actor{ID: "alice"}, Request{
		Name:      "doc.create",
		Payload:   map[string]any{"title": "alpha"},
		ClientSeq: 7,
	})
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}

	ev := sink.last(t)
	if ev.SessionID != "sess-1" {
		t.Fatalf("audit session = %q, want sess-1", ev.SessionID)
	}
	if ev.ClientSeq != 7 {
		t.Fatalf("audit client seq = %d, want 7", ev.ClientSeq)
	}
}

func TestDispatchAnonymousActorReachesPolicy(t *testing.T) {
	port := newFakePort()
	d, sink := newDocDispatcher(t, port, allowAuthenticated("any-create", policy.ForKind(policy.KindCreate)))

	_, err := d.Dispatch(context.Background(), nil, Request{
		Name:    "doc.create",
		Payload: map[string]any{"title": "alpha"},
	})
	if !errors.Is(err, apperrors.New(apperrors.CodePolicyDenied, "")) {
		t.Fatalf("Dispatch() error = %v, want denial for anonymous actor", err)
	}
	if ev := sink.last(t); ev.ActorID != "" {
		t.Fatalf("audit actor = %q, want empty for anonymous", ev.ActorID)
	}
}

// This test installs the process-global tracer provider, so it must stay the
// only one in the package that does.
func TestDispatchTracesActionsAndStampsAudit(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	port := newFakePort()
	d, sink := newDocDispatcher(t, port, allowAuthenticated("authenticated-create", policy.ForKind(policy.KindCreate)))

	_, err := d.Dispatch(context.Background(), &actor.Actor{ID: "alice"}, Request{
		Name:    "doc.create",
		Payload: map[string]any{"title": "alpha"},
	})
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("exported spans = %d, want 1", len(spans))
	}
	span := spans[0]
	if span.Name != "action.dispatch" {
		t.Fatalf("span name = %q, want action.dispatch", span.Name)
	}

	ev := sink.last(t)
	if ev.TraceID != span.SpanContext.TraceID().String() {
		t.Fatalf("audit trace id = %q, want %q", ev.TraceID, span.SpanContext.TraceID().String())
	}
	if ev.SpanID != span.SpanContext.SpanID().String() {
		t.Fatalf("audit span id = %q, want %q", ev.SpanID, span.SpanContext.SpanID().String())
	}

	var outcome string
	for _, attr := range span.Attributes {
		if attr.Key == "outcome" {
			outcome = attr.Value.AsString()
		}
	}
	if outcome != "applied" {
		t.Fatalf("span outcome attribute = %q, want applied", outcome)
	}
}
