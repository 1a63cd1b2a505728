// Package api is the orchestrator's own HTTP surface. It does not implement
// a user-facing REST API: per the control plane's scope, session
// authentication, pagination, and the rest of the caller-facing surface live
// in a separate process. What lives here is everything the orchestrator
// itself must expose over HTTP to keep the fleet running:
//
//   - POST /internal/worker/register and POST /internal/worker/heartbeat,
//     the two endpoints a worker agent calls directly (C9's worker
//     registry behind them).
//   - /v1/* (any method) as an OpenAI-compatible proxy: resolves a request_model,
//     picks an instance, forwards the call, streams the response back
//     (C10's routing engine behind it).
//   - GET /internal/events/stream, a server-sent-events feed of the
//     realtime notification bus (C13).
//   - GET /healthz, /readyz, /livez, and /metrics, the ops endpoints
//     backed by pkg/metrics.
//
// # Trust boundary
//
// The routing proxy and the event stream both read workspace identity off
// request headers (X-Workspace-Organization-Id, X-Workspace-Plan,
// X-Workspace-Wallet-Balance-Eur, X-Consumer-Organization-Id) rather than
// resolving a session themselves. That's deliberate: whatever fronts this
// server has already authenticated the caller and is expected to set those
// headers itself, the same way a reverse proxy sets X-Forwarded-For. A
// deployment that exposes this server directly to untrusted callers without
// a fronting process stripping and re-setting those headers has a hole —
// this package does not try to close it, since closing it would mean
// re-implementing the session layer that was deliberately kept elsewhere.
//
// # Worker authentication
//
// Register and Heartbeat both take their caller's token from a standard
// Authorization: Bearer header. Register mints the token (by delegating to
// pkg/worker.Registry); Heartbeat, and every subsequent call the worker
// agent makes, must present it back. The only other piece of caller state
// this package resolves itself is the connecting IP, taken from
// X-Forwarded-For when present and RemoteAddr otherwise — used by the
// registry to catch a token replayed from an unexpected address.
//
// # Routing and CORS
//
// Routes are registered on a chi.Router; github.com/go-chi/cors provides the
// CORS middleware. Nothing here does request-body validation beyond what
// the handlers it delegates to already do (pkg/worker, pkg/routing) —
// keeping validation at the edge of whichever package owns the semantics it
// is validating, not duplicated in the HTTP layer.
package api
