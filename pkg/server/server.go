// Package server exposes the control plane HTTP API: slot CRUD and
// commands, lead queries, session upload, remote login sessions, the
// event stream and cluster-routed variants of all slot operations.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/leadhive/leadhive/pkg/auth"
	"github.com/leadhive/leadhive/pkg/events"
	"github.com/leadhive/leadhive/pkg/federation"
	"github.com/leadhive/leadhive/pkg/ledger"
	"github.com/leadhive/leadhive/pkg/log"
	"github.com/leadhive/leadhive/pkg/metrics"
	"github.com/leadhive/leadhive/pkg/remotelogin"
	"github.com/leadhive/leadhive/pkg/statestore"
)

// Server is the control plane.
type Server struct {
	store    *statestore.Store
	ledger   *ledger.Ledger
	authn    *auth.Authenticator
	registry *federation.Registry
	broker   *events.Broker
	logins   *remotelogin.Manager
	logger   zerolog.Logger

	mux        *http.ServeMux
	httpServer *http.Server
}

// New assembles the server. logins may be nil to disable remote login.
func New(addr string, store *statestore.Store, led *ledger.Ledger, authn *auth.Authenticator,
	registry *federation.Registry, broker *events.Broker, logins *remotelogin.Manager) *Server {

	s := &Server{
		store:    store,
		ledger:   led,
		authn:    authn,
		registry: registry,
		broker:   broker,
		logins:   logins,
		logger:   log.WithComponent("server"),
	}
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("POST /api/auth/token", s.withAuth(s.handleMintToken, true))

	mux.HandleFunc("GET /api/nodes", s.withAuth(s.handleNodes, false))
	mux.HandleFunc("GET /api/events", s.withAuth(s.handleEvents, false))

	mux.HandleFunc("GET /api/slots", s.withAuth(s.handleListSlots, false))
	mux.HandleFunc("POST /api/slots", s.withAuth(s.handleCreateSlot, true))

	mux.HandleFunc("GET /api/slots/{ref}", s.slotHandler(s.handleGetSlot, false))
	mux.HandleFunc("DELETE /api/slots/{ref}", s.slotHandler(s.handleDeleteSlot, true))
	mux.HandleFunc("POST /api/slots/{ref}/start", s.slotHandler(s.commandHandler("START"), false))
	mux.HandleFunc("POST /api/slots/{ref}/stop", s.slotHandler(s.commandHandler("STOP"), false))
	mux.HandleFunc("POST /api/slots/{ref}/restart", s.slotHandler(s.commandHandler("RESTART"), false))
	mux.HandleFunc("POST /api/slots/{ref}/pause", s.slotHandler(s.commandHandler("PAUSE"), false))
	mux.HandleFunc("POST /api/slots/{ref}/dry-run/{state}", s.slotHandler(s.handleDryRun, false))
	mux.HandleFunc("GET /api/slots/{ref}/status", s.slotHandler(s.handleGetStatus, false))
	mux.HandleFunc("GET /api/slots/{ref}/metrics", s.slotHandler(s.handleGetSlotMetrics, false))
	mux.HandleFunc("GET /api/slots/{ref}/config", s.slotHandler(s.handleGetConfig, false))
	mux.HandleFunc("PUT /api/slots/{ref}/config", s.slotHandler(s.handlePutConfig, false))
	mux.HandleFunc("GET /api/slots/{ref}/quality", s.slotHandler(s.handleGetQuality, false))
	mux.HandleFunc("POST /api/slots/{ref}/quality", s.slotHandler(s.handleSetQuality, false))
	mux.HandleFunc("GET /api/slots/{ref}/client-limits", s.slotHandler(s.handleGetClientLimits, false))
	mux.HandleFunc("POST /api/slots/{ref}/client-limits", s.slotHandler(s.handleSetClientLimits, false))
	mux.HandleFunc("GET /api/slots/{ref}/login-mode", s.slotHandler(s.handleGetLoginMode, false))
	mux.HandleFunc("POST /api/slots/{ref}/login-mode", s.slotHandler(s.handleSetLoginMode, false))
	mux.HandleFunc("GET /api/slots/{ref}/headless", s.slotHandler(s.handleGetHeadless, false))
	mux.HandleFunc("POST /api/slots/{ref}/headless", s.slotHandler(s.handleSetHeadless, false))
	mux.HandleFunc("POST /api/slots/{ref}/display-name", s.slotHandler(s.handleSetDisplayName, false))
	mux.HandleFunc("GET /api/slots/{ref}/leads", s.slotHandler(s.handleLeads, false))
	mux.HandleFunc("GET /api/slots/{ref}/leads.csv", s.slotHandler(s.handleLeadsCSV, false))
	mux.HandleFunc("POST /api/slots/{ref}/session", s.slotHandler(s.handleUploadSession, false))
	mux.HandleFunc("GET /api/slots/{ref}/log", s.slotHandler(s.handleWorkerLog, false))

	mux.HandleFunc("POST /api/login-sessions", s.withAuth(s.handleOpenLogin, true))
	mux.HandleFunc("GET /api/login-sessions", s.withAuth(s.handleListLogins, true))
	mux.HandleFunc("DELETE /api/login-sessions/{id}", s.withAuth(s.handleCloseLogin, true))
	mux.HandleFunc("GET /api/login-sessions/{id}/ws", s.withAuth(s.handleLoginWS, true))

	// Cluster variants re-serve through the qualified /api paths so
	// both forms share auth, forwarding and handler logic.
	mux.HandleFunc("/cluster/slots/{node}/{slot}", s.handleClusterSlot)
	mux.HandleFunc("/cluster/slots/{node}/{slot}/{rest...}", s.handleClusterSlot)
	mux.HandleFunc("/cluster/login-sessions/{node}", s.withAuth(s.handleClusterLogins, true))
	mux.HandleFunc("/cluster/login-sessions/{node}/{rest...}", s.withAuth(s.handleClusterLogins, true))

	s.mux = mux
	return s.instrument(mux)
}

// handleClusterSlot rewrites /cluster/slots/{node}/{slot}[/suffix] to
// the /api/slots/{node}::{slot} form. Remote nodes are reached through
// the slot handler's usual forwarding.
func (s *Server) handleClusterSlot(w http.ResponseWriter, r *http.Request) {
	path := "/api/slots/" + r.PathValue("node") + "::" + r.PathValue("slot")
	if rest := r.PathValue("rest"); rest != "" {
		path += "/" + rest
	}
	r2 := r.Clone(r.Context())
	r2.URL.Path = path
	r2.URL.RawPath = ""
	s.mux.ServeHTTP(w, r2)
}

// handleClusterLogins routes login-session operations to the named
// node. The interactive websocket stays node-local; callers connect to
// the owning node directly for streaming.
func (s *Server) handleClusterLogins(w http.ResponseWriter, r *http.Request, _ *auth.Claims) {
	node := r.PathValue("node")
	path := "/api/login-sessions"
	if rest := r.PathValue("rest"); rest != "" {
		path += "/" + rest
	}
	if s.registry.IsLocal(node) {
		r2 := r.Clone(r.Context())
		r2.URL.Path = path
		r2.URL.RawPath = ""
		s.mux.ServeHTTP(w, r2)
		return
	}
	s.registry.Forward(w, r, node, path, r.Body)
}

// Start runs the listener until ctx ends.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.httpServer.Addr).Msg("Control plane listening")
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}

// statusRecorder captures the response code for metrics.
type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: 200}
		next.ServeHTTP(rec, r)
		route := r.Method + " " + r.URL.Path
		metrics.RequestDuration.WithLabelValues(route, strconv.Itoa(rec.code)).Observe(time.Since(start).Seconds())
	})
}

type authedHandler func(w http.ResponseWriter, r *http.Request, claims *auth.Claims)

// withAuth authenticates the request, optionally requiring admin.
func (s *Server) withAuth(next authedHandler, adminOnly bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims, err := s.authn.FromRequest(r)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		if adminOnly && !claims.IsAdmin() {
			writeError(w, http.StatusForbidden, "admin role required")
			return
		}
		next(w, r, claims)
	}
}

type slotHandlerFunc func(w http.ResponseWriter, r *http.Request, claims *auth.Claims, slotID string)

// slotHandler resolves the {ref} path element, forwards qualified refs
// to the owning node and enforces the caller's slot access.
func (s *Server) slotHandler(next slotHandlerFunc, adminOnly bool) http.HandlerFunc {
	return s.withAuth(func(w http.ResponseWriter, r *http.Request, claims *auth.Claims) {
		ref, err := federation.ParseSlotRef(r.PathValue("ref"), s.registry.LocalNode().NodeID)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		// Authorization is evaluated here, before any forwarding: the
		// peer call carries this node's token, not the caller's.
		if !claims.CanAccessSlot(ref.SlotID) {
			writeError(w, http.StatusForbidden, "slot not permitted for this token")
			return
		}
		if !ref.Local() {
			// Rewrite the path with the bare slot id for the peer.
			path := rewriteSlotPath(r.URL.Path, r.PathValue("ref"), ref.SlotID)
			s.registry.Forward(w, r, ref.NodeID, path, r.Body)
			return
		}
		next(w, r, claims, ref.SlotID)
	}, adminOnly)
}

func rewriteSlotPath(path, ref, slotID string) string {
	// Path shape is /api/slots/{ref}[/suffix].
	prefix := "/api/slots/" + ref
	suffix := ""
	if len(path) > len(prefix) {
		suffix = path[len(prefix):]
	}
	return "/api/slots/" + slotID + suffix
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"node_id": s.registry.LocalNode().NodeID,
	})
}

func (s *Server) handleMintToken(w http.ResponseWriter, r *http.Request, _ *auth.Claims) {
	var req struct {
		Subject string   `json:"subject"`
		Role    string   `json:"role"`
		Slots   []string `json:"slots"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Subject == "" {
		writeError(w, http.StatusBadRequest, "subject is required")
		return
	}
	token, err := s.authn.Mint(req.Subject, req.Role, req.Slots)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

func (s *Server) handleNodes(w http.ResponseWriter, r *http.Request, _ *auth.Claims) {
	writeJSON(w, http.StatusOK, map[string]any{"nodes": s.registry.Nodes()})
}

// handleEvents streams broker events as server-sent events.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request, claims *auth.Claims) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	sub := s.broker.Subscribe(64)
	defer sub.Cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	for _, ev := range s.broker.Recent() {
		if claims.CanAccessSlot(ev.SlotID) {
			writeEvent(w, ev)
		}
	}
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			if ev.SlotID != "" && !claims.CanAccessSlot(ev.SlotID) {
				continue
			}
			writeEvent(w, ev)
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, ev events.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
}
