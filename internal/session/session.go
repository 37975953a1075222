// Package session owns the connection lifecycle: it binds identity once,
// feeds actions through the dispatcher in arrival order, and pushes
// snapshots and minimal patches back over the wire.
package session

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/statorhq/stator/internal/action"
	"github.com/statorhq/stator/internal/actor"
	"github.com/statorhq/stator/internal/hub"
	"github.com/statorhq/stator/internal/observability/audit"
	"github.com/statorhq/stator/internal/observability/metrics"
	apperrors "github.com/statorhq/stator/internal/platform/errors"
	"github.com/statorhq/stator/internal/platform/id"
	"github.com/statorhq/stator/internal/state"
	"github.com/statorhq/stator/internal/storage"
	"github.com/statorhq/stator/internal/transport"
)

// ActionLogout is the reserved action name a client sends to end its
// session. It drains the session directly and never reaches the action
// registry, so no sequence or policy checks apply to it.
const ActionLogout = "session.logout"

const (
	maxDecodeErrors    = 3
	maxFramesPerSecond = 40
	maxInternalFaults  = 3
)

// Phase is a session lifecycle state.
type Phase string

const (
	PhaseConnecting Phase = "connecting"
	PhaseActive     Phase = "active"
	PhaseDraining   Phase = "draining"
	PhaseClosed     Phase = "closed"
)

// Session is one persistent client connection with its sync state: the
// highest processed client sequence and the snapshot last pushed to this
// client. Actions are processed serially in arrival order. Pushes are
// serialized too: each one re-reads canonical state and writes its patch
// under the same lock, so patches reach the wire in the order their diffs
// were computed and never carry state older than an earlier patch.
type Session struct {
	ID    string
	Actor *actor.Actor

	conn        transport.Conn
	store       storage.Port
	dispatch    *action.Dispatcher
	hub         *hub.Hub
	bridge      *hub.Bridge
	emitter     *audit.Emitter
	updates     <-chan struct{}
	unsubscribe func()

	pushMu sync.Mutex

	mu         sync.Mutex
	phase      Phase
	lastSeq    int64
	lastPushed state.Snapshot
	faults     int

	done      chan struct{}
	closeOnce sync.Once
}

func newSession(conn transport.Conn, a *actor.Actor, store storage.Port, dispatch *action.Dispatcher, h *hub.Hub, bridge *hub.Bridge, emitter *audit.Emitter) *Session {
	return &Session{
		ID:       id.New(),
		Actor:    a,
		conn:     conn,
		store:    store,
		dispatch: dispatch,
		hub:      h,
		bridge:   bridge,
		emitter:  emitter,
		phase:    PhaseConnecting,
		done:     make(chan struct{}),
	}
}

// Phase reports the session's current lifecycle phase.
func (s *Session) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// LastSeq reports the highest client sequence processed so far.
func (s *Session) LastSeq() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeq
}

// Done is closed once the session has fully stopped.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// readLoop consumes client frames until the transport fails, the client
// logs out, or a protection budget runs out.
func (s *Session) readLoop(ctx context.Context) {
	windowStart := time.Now()
	framesInWindow := 0
	decodeErrors := 0

	for {
		data, err := s.conn.Read()
		if err != nil {
			// Transport fault. Requests are processed serially, so nothing
			// is in flight once Read returns.
			s.drain("transport fault")
			return
		}
		if len(data) > transport.MaxFrameBytes {
			s.writeFrame(transport.NewError(0, apperrors.KindValidation, "frame too large"))
			continue
		}

		now := time.Now()
		if now.Sub(windowStart) >= time.Second {
			windowStart = now
			framesInWindow = 0
		}
		framesInWindow++
		if framesInWindow > maxFramesPerSecond {
			s.writeFrame(transport.NewError(0, apperrors.KindValidation, "rate limit exceeded"))
			s.recordClose(ctx, "rate limit exceeded")
			s.drain("rate limit exceeded")
			return
		}

		frame, err := transport.DecodeAction(data)
		if err != nil {
			decodeErrors++
			s.writeFrame(transport.ErrorFor(0, err))
			if decodeErrors >= maxDecodeErrors {
				s.recordClose(ctx, "malformed frame budget exhausted")
				s.drain("malformed frame budget exhausted")
				return
			}
			continue
		}
		decodeErrors = 0

		if frame.Name == ActionLogout {
			s.drain("client logout")
			return
		}

		if !s.handleAction(ctx, frame) {
			return
		}
	}
}

// handleAction runs one request through ordering checks and the dispatch
// pipeline. It reports false when the session must stop.
func (s *Session) handleAction(ctx context.Context, frame transport.Action) bool {
	s.mu.Lock()
	if s.phase != PhaseActive {
		s.mu.Unlock()
		s.writeFrame(transport.NewError(frame.Seq, apperrors.KindInternal, "session is draining"))
		return true
	}
	if frame.Seq <= s.lastSeq {
		highest := s.lastSeq
		s.mu.Unlock()
		s.writeFrame(transport.NewError(frame.Seq, apperrors.KindStale,
			fmt.Sprintf("stale sequence: highest processed is %d", highest)))
		return true
	}
	// The request is consumed whatever its outcome: replays of this
	// sequence are stale from here on.
	s.lastSeq = frame.Seq
	s.mu.Unlock()

	_, err := s.dispatch.Dispatch(ctx, s.Actor, action.Request{
		Name:      frame.Name,
		Payload:   frame.Payload,
		ClientSeq: frame.Seq,
	})
	if err != nil {
		s.writeFrame(transport.ErrorFor(frame.Seq, err))
		if apperrors.KindOf(err) != apperrors.KindInternal {
			return true
		}
		s.mu.Lock()
		s.faults++
		exhausted := s.faults >= maxInternalFaults
		s.mu.Unlock()
		if exhausted {
			s.recordClose(ctx, "internal fault budget exhausted")
			s.drain("internal fault budget exhausted")
			return false
		}
		return true
	}

	s.mu.Lock()
	s.faults = 0
	s.mu.Unlock()

	// Peers are notified before the local push: a stalled write to this
	// client must not delay anyone else. The dispatch result is not
	// pushed directly; push re-reads canonical state so a patch never
	// carries state older than one already sent.
	s.hub.Publish(s.ID)
	s.bridge.Announce(ctx)
	s.push(ctx)
	return true
}

// pump pushes on every hub notice until the session stops.
func (s *Session) pump(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case _, ok := <-s.updates:
			if !ok {
				return
			}
			s.push(ctx)
		}
	}
}

// push sends the minimal patch from the last pushed state to the current
// canonical state. Equal states produce no frame at all. The store read,
// the diff, and the frame write happen under one lock: a later push always
// reads state at least as new as an earlier one and writes after it.
func (s *Session) push(ctx context.Context) {
	s.pushMu.Lock()
	defer s.pushMu.Unlock()

	if s.Phase() == PhaseClosed {
		return
	}
	next, err := s.store.Materialize(ctx, s.Actor)
	if err != nil {
		// The client keeps its last state; the next notice retries.
		log.Printf("session %s push skipped, materialize failed: %v", s.ID, err)
		return
	}

	s.mu.Lock()
	ops := state.Diff(s.lastPushed, next)
	if len(ops) == 0 {
		s.mu.Unlock()
		return
	}
	s.lastPushed = next
	baseSeq := s.lastSeq
	s.mu.Unlock()

	s.writeFrame(transport.NewPatch(ops, baseSeq))
	metrics.PatchPushed(ctx, len(ops))
}

func (s *Session) writeFrame(frame any) {
	if err := s.conn.Write(frame); err != nil {
		s.abort("write failure")
	}
}

// drain moves the session out of active. New actions are rejected from
// here on; pending pushes keep flushing until close.
func (s *Session) drain(reason string) {
	s.mu.Lock()
	if s.phase == PhaseDraining || s.phase == PhaseClosed {
		s.mu.Unlock()
		return
	}
	s.phase = PhaseDraining
	s.mu.Unlock()
	log.Printf("session %s draining: %s", s.ID, reason)
}

// abort drains and tears the transport down. A connection whose writes
// fail cannot be flushed, and closing it unblocks the read loop.
func (s *Session) abort(reason string) {
	s.drain(reason)
	s.close()
}

// recordClose audits a close the server forced on the client. Voluntary
// disconnects and logouts are not recorded.
func (s *Session) recordClose(ctx context.Context, reason string) {
	ev := audit.Event{
		SessionID: s.ID,
		Action:    "session.close",
		ClientSeq: s.LastSeq(),
		Outcome:   audit.OutcomeClosed,
		Reason:    reason,
	}
	if s.Actor != nil {
		ev.ActorID = s.Actor.ID
	}
	s.emitter.Emit(ctx, ev)
}

// close stops the session. Idempotent; safe from any goroutine.
func (s *Session) close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.phase = PhaseClosed
		s.mu.Unlock()
		if s.unsubscribe != nil {
			s.unsubscribe()
		}
		close(s.done)
		_ = s.conn.Close()
	})
}
