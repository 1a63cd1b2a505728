package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/cuemby/stratoforge/pkg/apierr"
	"github.com/cuemby/stratoforge/pkg/events"
	"github.com/cuemby/stratoforge/pkg/log"
	"github.com/cuemby/stratoforge/pkg/metrics"
	"github.com/cuemby/stratoforge/pkg/routing"
	"github.com/cuemby/stratoforge/pkg/scope"
	"github.com/cuemby/stratoforge/pkg/types"
	"github.com/cuemby/stratoforge/pkg/worker"
)

// Config bounds the server's listen address and CORS policy.
type Config struct {
	Addr           string
	AllowedOrigins []string // default ["*"] if empty
}

func (c Config) withDefaults() Config {
	if c.Addr == "" {
		c.Addr = ":8090"
	}
	if len(c.AllowedOrigins) == 0 {
		c.AllowedOrigins = []string{"*"}
	}
	return c
}

// Server is the orchestrator's own HTTP surface: the internal worker
// register/heartbeat endpoints (C9), the routing/proxy endpoint (C10), the
// realtime SSE stream (C13), and the ops endpoints (/healthz, /readyz,
// /livez, /metrics). It does not implement a user-facing REST API — per
// spec.md §1 that layer is out of scope, and this server trusts workspace
// identity headers set by whatever process sits in front of it rather than
// performing its own session authentication.
type Server struct {
	router   chi.Router
	registry *worker.Registry
	engine   *routing.Engine
	broker   *events.Broker
	logger   zerolog.Logger
	cfg      Config
	http     *http.Server
}

// NewServer wires the chi router over the given registry/engine/broker.
// broker may be nil in tests that don't exercise SSE.
func NewServer(registry *worker.Registry, engine *routing.Engine, broker *events.Broker, cfg Config) *Server {
	cfg = cfg.withDefaults()
	s := &Server{
		registry: registry,
		engine:   engine,
		broker:   broker,
		logger:   log.WithComponent("api-server"),
		cfg:      cfg,
	}
	s.router = s.buildRouter()
	return s
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/healthz", metrics.HealthHandler())
	r.Get("/readyz", metrics.ReadyHandler())
	r.Get("/livez", metrics.LivenessHandler())
	r.Handle("/metrics", metrics.Handler())

	r.Post("/internal/worker/register", s.handleWorkerRegister)
	r.Post("/internal/worker/heartbeat", s.handleWorkerHeartbeat)

	r.Get("/internal/events/stream", s.handleEventStream)

	r.HandleFunc("/v1/*", s.handleRoutingProxy)

	return r
}

// ServeHTTP lets Server itself be mounted as an http.Handler, e.g. in tests.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Start runs the HTTP server until Stop is called or it fails to bind.
func (s *Server) Start() error {
	s.http = &http.Server{
		Addr:         s.cfg.Addr,
		Handler:      s.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 0, // unbounded: SSE and streamed inference responses outlive any fixed write deadline
		IdleTimeout:  120 * time.Second,
	}
	s.logger.Info().Str("addr", s.cfg.Addr).Msg("api server listening")
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop gracefully drains in-flight requests.
func (s *Server) Stop(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(auth, prefix) {
		return ""
	}
	return strings.TrimPrefix(auth, prefix)
}

// resolveClientIP mirrors the trust boundary a fronting proxy is expected to
// establish: X-Forwarded-For is honored only as the edge's own claim about
// the original caller, never as something the worker agent can spoof past
// that edge, so deployments without a trusted proxy in front should leave it
// unset and fall back to RemoteAddr.
func resolveClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		return strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) handleWorkerRegister(w http.ResponseWriter, r *http.Request) {
	var req worker.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierr.WriteCode(w, http.StatusBadRequest, "invalid_request_body", "malformed register request")
		return
	}

	resp, err := s.registry.Register(r.Context(), req, bearerToken(r), resolveClientIP(r))
	if err != nil {
		s.writeWorkerError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(resp)
}

func (s *Server) handleWorkerHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req worker.HeartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierr.WriteCode(w, http.StatusBadRequest, "invalid_request_body", "malformed heartbeat request")
		return
	}

	result, err := s.registry.Heartbeat(r.Context(), req, bearerToken(r))
	if err != nil {
		s.writeWorkerError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if result.Dropped {
		w.WriteHeader(http.StatusTooManyRequests)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	_ = json.NewEncoder(w).Encode(result)
}

func (s *Server) writeWorkerError(w http.ResponseWriter, err error) {
	var validationErr validator.ValidationErrors
	switch {
	case errors.Is(err, worker.ErrUnauthorized):
		apierr.WriteCode(w, http.StatusUnauthorized, "unauthorized", "invalid or missing worker token")
	case errors.Is(err, worker.ErrIPMismatch):
		apierr.WriteCode(w, http.StatusForbidden, "ip_mismatch", "caller ip does not match the instance's recorded address")
	case errors.As(err, &validationErr):
		apierr.WriteCode(w, http.StatusBadRequest, "invalid_request_body", err.Error())
	default:
		s.logger.Error().Err(err).Msg("worker registry request failed")
		apierr.WriteCode(w, http.StatusInternalServerError, "internal_error", "internal error")
	}
}

// handleRoutingProxy builds the scoping Workspace from headers a trusted
// fronting process is expected to set after resolving the caller's session —
// this server performs no session/auth resolution of its own (out of scope
// per spec.md §1), only the routing decision of §4.10 on top of whatever
// workspace identity it's handed.
func (s *Server) handleRoutingProxy(w http.ResponseWriter, r *http.Request) {
	requestModel := r.Header.Get("X-Request-Model")
	if requestModel == "" {
		requestModel = r.URL.Query().Get("model")
	}
	if requestModel == "" {
		apierr.WriteCode(w, http.StatusBadRequest, "missing_request_model", "X-Request-Model header or model query parameter is required")
		return
	}

	ws := workspaceFromHeaders(r)
	sessionHint := r.Header.Get("X-Session-Hint")
	path := strings.TrimPrefix(chi.URLParam(r, "*"), "/")

	var consumerOrgID *string
	if id := r.Header.Get("X-Consumer-Organization-Id"); id != "" {
		consumerOrgID = &id
	}

	s.engine.RouteAndProxy(w, r, requestModel, sessionHint, path, ws, consumerOrgID)
}

func workspaceFromHeaders(r *http.Request) scope.Workspace {
	ws := scope.Workspace{Plan: types.SubscriptionPlanFree}
	if plan := r.Header.Get("X-Workspace-Plan"); plan != "" {
		ws.Plan = types.SubscriptionPlan(plan)
	}
	if orgID := r.Header.Get("X-Workspace-Organization-Id"); orgID != "" {
		ws.OrganizationID = &orgID
	}
	if balance := r.Header.Get("X-Workspace-Wallet-Balance-Eur"); balance != "" {
		if v, err := strconv.ParseFloat(balance, 64); err == nil {
			ws.WalletBalanceEUR = v
		}
	}
	return ws
}

// handleEventStream serves the append-only realtime notification feed (C13)
// as server-sent events. An optional X-Workspace-Organization-Id header
// scopes the stream to one organization's events plus organization-less
// (personal-account) ones; omitted, the caller sees every event — this
// server trusts its caller to have already been authorized for that scope,
// same as the routing proxy.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	if s.broker == nil {
		apierr.WriteCode(w, http.StatusServiceUnavailable, "events_unavailable", "realtime event stream is not configured")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		apierr.WriteCode(w, http.StatusInternalServerError, "internal_error", "streaming unsupported")
		return
	}

	orgFilter := r.Header.Get("X-Workspace-Organization-Id")

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sub := s.broker.Subscribe()
	defer s.broker.Unsubscribe(sub)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-sub:
			if !ok {
				return
			}
			if orgFilter != "" && event.OrganizationID != "" && event.OrganizationID != orgFilter {
				continue
			}
			payload, err := json.Marshal(event)
			if err != nil {
				s.logger.Warn().Err(err).Msg("marshalling realtime event")
				continue
			}
			if _, err := w.Write([]byte("data: ")); err != nil {
				return
			}
			if _, err := w.Write(payload); err != nil {
				return
			}
			if _, err := w.Write([]byte("\n\n")); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
