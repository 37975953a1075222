// Package audit records the outcome of every dispatched action, and every
// session close the server forced, so denied and failed mutations stay
// visible to operators. Clients only ever see the generic wire error; the
// audit trail keeps the reason codes.
package audit

import (
	"context"
	"log"
	"time"

	"github.com/statorhq/stator/internal/platform/id"
)

// Outcome classifies how a dispatch ended.
type Outcome string

const (
	// OutcomeApplied means the mutation was written and pushed.
	OutcomeApplied Outcome = "applied"
	// OutcomeDenied means policy evaluation rejected the action.
	OutcomeDenied Outcome = "denied"
	// OutcomeRejected means the request failed validation or ordering.
	OutcomeRejected Outcome = "rejected"
	// OutcomeFailed means storage or the handler faulted.
	OutcomeFailed Outcome = "failed"
	// OutcomeClosed means the server forced the session shut, for example
	// after a protection budget ran out.
	OutcomeClosed Outcome = "closed"
)

// Event is one audit record.
type Event struct {
	ID         string    `json:"id"`
	OccurredAt time.Time `json:"occurred_at"`
	SessionID  string    `json:"session_id,omitempty"`
	ActorID    string    `json:"actor_id,omitempty"` // empty for anonymous sessions
	Action     string    `json:"action"`
	Collection string    `json:"collection,omitempty"`
	ItemID     string    `json:"item_id,omitempty"`
	ClientSeq  int64     `json:"client_seq"`
	Outcome    Outcome   `json:"outcome"`
	Reason     string    `json:"reason,omitempty"` // policy reason or error code
	Detail     string    `json:"detail,omitempty"`
	TraceID    string    `json:"trace_id,omitempty"` // set when a span context is active
	SpanID     string    `json:"span_id,omitempty"`
}

// Sink persists audit events.
type Sink interface {
	RecordAudit(ctx context.Context, ev Event) error
}

// Emitter assigns record identity and forwards events to a sink.
type Emitter struct {
	sink Sink
	now  func() time.Time
}

// NewEmitter creates an emitter writing to sink. A nil now defaults to
// time.Now; a nil sink sends events to the process log instead.
func NewEmitter(sink Sink, now func() time.Time) *Emitter {
	if now == nil {
		now = time.Now
	}
	return &Emitter{sink: sink, now: now}
}

// Emit records the event. Sink failures are logged, never propagated: an
// audit outage must not reject client actions. Emit is nil-safe so callers
// can run without an emitter wired.
func (e *Emitter) Emit(ctx context.Context, ev Event) {
	if ev.ID == "" {
		ev.ID = id.New()
	}
	if ev.OccurredAt.IsZero() {
		if e != nil {
			ev.OccurredAt = e.now().UTC()
		} else {
			ev.OccurredAt = time.Now().UTC()
		}
	}

	if e == nil || e.sink == nil {
		log.Printf("audit action=%s outcome=%s reason=%s session=%s actor=%s seq=%d",
			ev.Action, ev.Outcome, ev.Reason, ev.SessionID, ev.ActorID, ev.ClientSeq)
		return
	}
	if err := e.sink.RecordAudit(ctx, ev); err != nil {
		log.Printf("audit sink failure: %v (action=%s outcome=%s session=%s)",
			err, ev.Action, ev.Outcome, ev.SessionID)
	}
}
