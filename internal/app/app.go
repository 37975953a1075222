// Package app assembles the stator server: the websocket sync endpoint,
// the health and admin surfaces, and the serve/drain lifecycle that ties
// them together.
package app

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"

	"github.com/statorhq/stator/internal/action"
	"github.com/statorhq/stator/internal/actor"
	"github.com/statorhq/stator/internal/hub"
	"github.com/statorhq/stator/internal/observability/audit"
	apperrors "github.com/statorhq/stator/internal/platform/errors"
	"github.com/statorhq/stator/internal/platform/timeouts"
	"github.com/statorhq/stator/internal/policy"
	"github.com/statorhq/stator/internal/session"
	"github.com/statorhq/stator/internal/storage"
	"github.com/statorhq/stator/internal/transport"
	"github.com/statorhq/stator/internal/transport/ws"
)

const defaultUpdateChannel = "stator:updates"

const (
	defaultAuditLimit = 50
	maxAuditLimit     = 500
)

// AuditReader exposes recent audit history for the admin surface. The
// bundled stores implement it; a store without history simply leaves the
// endpoint unavailable.
type AuditReader interface {
	RecentAuditEvents(ctx context.Context, limit int) ([]audit.Event, error)
}

// Config defines the inputs for the server assembly.
type Config struct {
	HTTPAddr string
	Store    storage.Port
	Registry *action.Registry
	Policies *policy.Evaluator

	// Verifier resolves handshake tokens. When nil, only anonymous
	// handshakes are accepted and any presented token is rejected.
	Verifier *actor.Verifier

	// Audit receives one event per dispatched action. When nil, events go
	// to the process log.
	Audit audit.Sink

	// AdminToken guards the /admin routes. Empty disables them entirely.
	AdminToken string

	// Redis enables cross-instance update fan-out. Nil runs single-instance.
	Redis         *redis.Client
	UpdateChannel string

	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
	DrainTimeout      time.Duration
}

// App hosts the sync HTTP/WebSocket process.
type App struct {
	httpAddr        string
	shutdownTimeout time.Duration
	httpServer      *http.Server
	manager         *session.Manager
	hub             *hub.Hub
	registry        *action.Registry
	auditReader     AuditReader
	adminToken      string
	bridgeStop      context.CancelFunc
	bridgeDone      chan struct{}
}

// New builds a configured server. The update bridge, when Redis is set,
// starts consuming immediately and runs until Close.
func New(config Config) (*App, error) {
	httpAddr := strings.TrimSpace(config.HTTPAddr)
	if httpAddr == "" {
		return nil, errors.New("http address is required")
	}
	if config.Store == nil {
		return nil, errors.New("store is required")
	}
	if config.Registry == nil {
		return nil, errors.New("action registry is required")
	}
	if config.Policies == nil {
		return nil, errors.New("policy evaluator is required")
	}
	if config.ReadHeaderTimeout <= 0 {
		config.ReadHeaderTimeout = timeouts.ReadHeader
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = timeouts.Shutdown
	}
	if strings.TrimSpace(config.UpdateChannel) == "" {
		config.UpdateChannel = defaultUpdateChannel
	}

	emitter := audit.NewEmitter(config.Audit, nil)
	dispatcher := action.NewDispatcher(config.Registry, config.Policies, config.Store, emitter)
	updates := hub.New()

	var bridge *hub.Bridge
	if config.Redis != nil {
		bridge = hub.NewBridge(config.Redis, updates, config.UpdateChannel)
	}

	a := &App{
		httpAddr:        httpAddr,
		shutdownTimeout: config.ShutdownTimeout,
		manager:         session.NewManager(config.Store, dispatcher, updates, bridge, emitter, config.DrainTimeout),
		hub:             updates,
		registry:        config.Registry,
		adminToken:      config.AdminToken,
	}
	if reader, ok := config.Store.(AuditReader); ok {
		a.auditReader = reader
	}

	a.httpServer = &http.Server{
		Addr:              httpAddr,
		Handler:           a.routes(config.Verifier),
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}

	if bridge != nil {
		bridgeCtx, stop := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() {
			defer close(done)
			if err := bridge.Run(bridgeCtx); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("update bridge stopped: %v", err)
			}
		}()
		a.bridgeStop = stop
		a.bridgeDone = done
	}

	return a, nil
}

// Run builds and serves a server until the context ends.
func Run(ctx context.Context, config Config) error {
	server, err := New(config)
	if err != nil {
		return fmt.Errorf("init server: %w", err)
	}
	defer server.Close()
	if err := server.ListenAndServe(ctx); err != nil {
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}

// ListenAndServe runs the HTTP server until the context ends. On context
// cancellation every live session is drained before the listener shuts
// down; websocket connections are hijacked and would otherwise outlive
// http.Server.Shutdown.
func (a *App) ListenAndServe(ctx context.Context) error {
	if a == nil {
		return errors.New("server is nil")
	}
	if ctx == nil {
		return errors.New("context is required")
	}

	serveErr := make(chan error, 1)
	log.Printf("listening on %s", a.httpAddr)
	go func() {
		serveErr <- a.httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		a.manager.DrainAll(context.Background())
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout)
		err := a.httpServer.Shutdown(shutdownCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("shutdown http server: %w", err)
		}
		return nil
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve http: %w", err)
	}
}

// Close releases server resources. Safe to call after ListenAndServe
// returns.
func (a *App) Close() {
	if a == nil {
		return
	}
	if a.bridgeStop != nil {
		a.bridgeStop()
		<-a.bridgeDone
	}
}

func (a *App) routes(verifier *actor.Verifier) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/sync", a.handleSync(verifier))
	r.Get("/healthz", a.handleHealth)

	if a.adminToken != "" {
		r.Route("/admin", func(admin chi.Router) {
			admin.Use(a.requireAdmin)
			admin.Get("/audit", a.handleAdminAudit)
			admin.Get("/actions", a.handleAdminActions)
			admin.Post("/drain", a.handleAdminDrain)
		})
	}

	return r
}

// handleSync authenticates the handshake, upgrades to a websocket, and
// hands the connection to the session manager for its whole lifetime.
func (a *App) handleSync(verifier *actor.Verifier) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		act, err := resolveActor(verifier, r)
		if err != nil {
			writeJSON(w, http.StatusUnauthorized, transport.ErrorFor(0, err))
			return
		}

		conn, err := ws.Upgrade(w, r)
		if err != nil {
			// Upgrade has already written the handshake error.
			log.Printf("websocket upgrade failed: %v", err)
			return
		}

		if err := a.manager.Run(r.Context(), conn, act); err != nil {
			log.Printf("session ended with error: %v", err)
		}
	}
}

// resolveActor maps the handshake credentials to an actor. No token means
// an anonymous session; a presented token must verify or the handshake is
// rejected outright.
func resolveActor(verifier *actor.Verifier, r *http.Request) (*actor.Actor, error) {
	token := handshakeToken(r)
	if token == "" {
		return nil, nil
	}
	if verifier == nil {
		return nil, apperrors.New(apperrors.CodeTokenInvalid, "token verification is not configured")
	}
	return verifier.Verify(token)
}

// handshakeToken reads the bearer token from the Authorization header,
// falling back to the token query parameter for browser websocket clients
// that cannot set headers.
func handshakeToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if rest, ok := strings.CutPrefix(header, "Bearer "); ok {
		return strings.TrimSpace(rest)
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}

func (a *App) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"sessions": a.manager.Count(),
	})
}

func (a *App) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		presented := r.Header.Get("X-Admin-Token")
		if subtle.ConstantTimeCompare([]byte(presented), []byte(a.adminToken)) != 1 {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "admin token required"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *App) handleAdminAudit(w http.ResponseWriter, r *http.Request) {
	if a.auditReader == nil {
		writeJSON(w, http.StatusNotImplemented, map[string]string{"error": "audit history unavailable"})
		return
	}

	limit := defaultAuditLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a positive integer"})
			return
		}
		limit = min(parsed, maxAuditLimit)
	}

	events, err := a.auditReader.RecentAuditEvents(r.Context(), limit)
	if err != nil {
		log.Printf("read audit events: %v", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "audit history unavailable"})
		return
	}
	if events == nil {
		events = []audit.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

type actionSummary struct {
	Name       string   `json:"name"`
	Kind       string   `json:"kind"`
	Collection string   `json:"collection"`
	Fields     []string `json:"fields,omitempty"`
}

func (a *App) handleAdminActions(w http.ResponseWriter, _ *http.Request) {
	definitions := a.registry.ListDefinitions()
	summaries := make([]actionSummary, 0, len(definitions))
	for _, def := range definitions {
		summaries = append(summaries, actionSummary{
			Name:       def.Name,
			Kind:       string(def.Kind),
			Collection: def.Collection,
			Fields:     def.Fields,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"actions": summaries})
}

// handleAdminDrain closes every live session and leaves the manager
// refusing new ones. Meant as the step before a restart.
func (a *App) handleAdminDrain(w http.ResponseWriter, r *http.Request) {
	a.manager.DrainAll(r.Context())
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "draining"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("write response: %v", err)
	}
}
