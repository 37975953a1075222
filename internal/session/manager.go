package session

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/statorhq/stator/internal/action"
	"github.com/statorhq/stator/internal/actor"
	"github.com/statorhq/stator/internal/hub"
	"github.com/statorhq/stator/internal/observability/audit"
	"github.com/statorhq/stator/internal/observability/metrics"
	apperrors "github.com/statorhq/stator/internal/platform/errors"
	"github.com/statorhq/stator/internal/platform/requestctx"
	"github.com/statorhq/stator/internal/platform/timeouts"
	"github.com/statorhq/stator/internal/storage"
	"github.com/statorhq/stator/internal/transport"
)

// Manager runs sessions over accepted connections and drains them all on
// shutdown.
type Manager struct {
	store        storage.Port
	dispatch     *action.Dispatcher
	hub          *hub.Hub
	bridge       *hub.Bridge
	emitter      *audit.Emitter
	drainTimeout time.Duration

	mu       sync.Mutex
	sessions map[string]*Session
	draining bool
}

// NewManager wires the session layer. The bridge may be nil when the
// server runs as a single instance; a non-positive drainTimeout uses the
// default. The emitter records server-forced session closes.
func NewManager(store storage.Port, dispatch *action.Dispatcher, h *hub.Hub, bridge *hub.Bridge, emitter *audit.Emitter, drainTimeout time.Duration) *Manager {
	if drainTimeout <= 0 {
		drainTimeout = timeouts.Drain
	}
	return &Manager{
		store:        store,
		dispatch:     dispatch,
		hub:          h,
		bridge:       bridge,
		emitter:      emitter,
		drainTimeout: drainTimeout,
		sessions:     make(map[string]*Session),
	}
}

// Count reports the number of live sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Run owns one connection for its whole life: it binds the actor, sends
// the initial snapshot, then processes actions until the session closes.
// Reconnecting clients arrive here again and always start from a fresh
// snapshot.
func (m *Manager) Run(ctx context.Context, conn transport.Conn, a *actor.Actor) error {
	if conn == nil {
		return errors.New("connection is required")
	}

	s := newSession(conn, a, m.store, m.dispatch, m.hub, m.bridge, m.emitter)

	m.mu.Lock()
	if m.draining {
		m.mu.Unlock()
		_ = conn.Write(transport.NewError(0, apperrors.KindInternal, "server is draining"))
		_ = conn.Close()
		return apperrors.New(apperrors.CodeSessionDraining, "server is draining")
	}
	m.sessions[s.ID] = s
	m.mu.Unlock()

	ctx = requestctx.WithSessionID(ctx, s.ID)
	if a != nil {
		ctx = requestctx.WithActorID(ctx, a.ID)
	}

	s.updates, s.unsubscribe = m.hub.Subscribe(s.ID)
	metrics.SessionOpened(ctx)

	defer func() {
		s.close()
		m.mu.Lock()
		delete(m.sessions, s.ID)
		m.mu.Unlock()
		metrics.SessionClosed(ctx)
		log.Printf("session %s closed", s.ID)
	}()

	snap, err := m.store.Materialize(ctx, a)
	if err != nil {
		_ = conn.Write(transport.ErrorFor(0, err))
		return err
	}
	if err := conn.Write(transport.NewSnapshot(snap)); err != nil {
		return err
	}
	s.mu.Lock()
	s.lastPushed = snap
	s.phase = PhaseActive
	s.mu.Unlock()
	log.Printf("session %s open actor=%s", s.ID, actorLabel(a))

	go s.pump(ctx)
	s.readLoop(ctx)
	return nil
}

// DrainAll rejects new connections, drains every session, waits up to the
// drain timeout for clients to disconnect on their own, then force-closes
// stragglers. Each client is told once so it can reconnect elsewhere;
// every forced straggler close lands in the audit trail.
func (m *Manager) DrainAll(ctx context.Context) {
	m.mu.Lock()
	m.draining = true
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	for _, s := range sessions {
		s.drain("server shutdown")
		s.writeFrame(transport.NewError(0, apperrors.KindInternal, "server is draining"))
	}

	waitCtx, cancel := context.WithTimeout(ctx, m.drainTimeout)
	defer cancel()
	for _, s := range sessions {
		select {
		case <-s.done:
		case <-waitCtx.Done():
		}
		select {
		case <-s.done:
		default:
			s.recordClose(ctx, "shutdown drain timeout")
		}
		s.close()
	}
}

func actorLabel(a *actor.Actor) string {
	if a.IsAnonymous() {
		return "anonymous"
	}
	return a.ID
}
