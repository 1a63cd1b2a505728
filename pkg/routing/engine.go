// Package routing implements the inference request router (C10): it maps a
// request_model identifier to a canonical model id, narrows to the set of
// instances currently able to serve it, picks one, proxies the HTTP request
// end to end (including SSE), and records best-effort usage accounting.
package routing

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/stratoforge/pkg/apierr"
	"github.com/cuemby/stratoforge/pkg/log"
	"github.com/cuemby/stratoforge/pkg/scope"
	"github.com/cuemby/stratoforge/pkg/storage"
	"github.com/cuemby/stratoforge/pkg/types"
)

// Config bounds the engine's candidate freshness, proxy timeouts, and
// failure-handling thresholds, all per §4.10.
type Config struct {
	StaleThreshold  time.Duration // worker_last_heartbeat freshness window, default 5m
	ConnectTimeout  time.Duration // default 5s
	ReadTimeout     time.Duration // non-streaming read timeout, default 60s
	SSEIdleTimeout  time.Duration // default 30s
	RetryBudget     int           // additional candidates to try after the first, default 2
	StrikeWindow    time.Duration // default 60s
	StrikeThreshold int           // default 3
	StrikeCooldown  time.Duration // default 300s
	MaxCaptureBytes int           // usage-extraction tail buffer size, default 65536
}

func (c Config) withDefaults() Config {
	if c.StaleThreshold <= 0 {
		c.StaleThreshold = 5 * time.Minute
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 5 * time.Second
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 60 * time.Second
	}
	if c.SSEIdleTimeout <= 0 {
		c.SSEIdleTimeout = 30 * time.Second
	}
	if c.RetryBudget <= 0 {
		c.RetryBudget = 2
	}
	if c.StrikeWindow <= 0 {
		c.StrikeWindow = 60 * time.Second
	}
	if c.StrikeThreshold <= 0 {
		c.StrikeThreshold = 3
	}
	if c.StrikeCooldown <= 0 {
		c.StrikeCooldown = 300 * time.Second
	}
	if c.MaxCaptureBytes <= 0 {
		c.MaxCaptureBytes = 64 * 1024
	}
	return c
}

// Engine is the stateful routing/proxying entry point. One Engine should be
// shared across requests so sticky affinity and strike tracking persist.
type Engine struct {
	store   storage.Store
	cfg     Config
	logger  zerolog.Logger
	sticky  *stickyCache
	strikes *StrikeTracker
}

// NewEngine constructs an Engine with defaults filled in for any zero-valued
// Config fields.
func NewEngine(store storage.Store, cfg Config) *Engine {
	cfg = cfg.withDefaults()
	return &Engine{
		store:   store,
		cfg:     cfg,
		logger:  log.WithComponent("routing-engine"),
		sticky:  newStickyCache(),
		strikes: NewStrikeTracker(cfg.StrikeWindow, cfg.StrikeThreshold, cfg.StrikeCooldown),
	}
}

// candidates implements §4.10 step 2, plus the operational and cooldown
// filters the engine itself is responsible for on top of the storage query.
func (e *Engine) candidates(ctx context.Context, hfModelID string) ([]*types.Instance, error) {
	all, err := e.store.ListReadyCandidates(ctx, hfModelID, e.cfg.StaleThreshold)
	if err != nil {
		return nil, err
	}
	out := make([]*types.Instance, 0, len(all))
	for _, inst := range all {
		if !scope.IsOperational(inst) {
			continue
		}
		if e.strikes.InCooldown(inst.ID) {
			continue
		}
		out = append(out, inst)
	}
	return out, nil
}

func withoutInstance(candidates []*types.Instance, instanceID string) []*types.Instance {
	out := make([]*types.Instance, 0, len(candidates))
	for _, c := range candidates {
		if c.ID != instanceID {
			out = append(out, c)
		}
	}
	return out
}

func isRetryableStatus(status int) bool {
	return status == http.StatusBadGateway || status == http.StatusServiceUnavailable || status == http.StatusGatewayTimeout
}

// RouteAndProxy runs the full pipeline for one inference request: resolve,
// select, proxy with retries over the failure budget, usage capture.
// path is the portion of the URL after "/v1/" to forward upstream.
func (e *Engine) RouteAndProxy(w http.ResponseWriter, r *http.Request, requestModel, sessionHint, path string, ws scope.Workspace, consumerOrgID *string) {
	ctx := r.Context()

	resolved, err := Resolve(ctx, e.store, requestModel, ws)
	if err != nil {
		e.writeResolveError(w, err)
		return
	}

	remaining, err := e.candidates(ctx, resolved.HFModelID)
	if err != nil {
		e.logger.Error().Err(err).Str("hf_model_id", resolved.HFModelID).Msg("listing ready candidates")
		apierr.WriteHTTP(w, apierr.ErrNoReadyWorker)
		return
	}

	// Buffered once so each retry attempt can replay the same body: r.Body
	// is a single-read stream, and a failed upstream attempt must not
	// consume it before the next candidate gets a turn.
	var body []byte
	if r.Body != nil {
		body, err = io.ReadAll(r.Body)
		r.Body.Close()
		if err != nil {
			apierr.WriteCode(w, http.StatusBadRequest, "invalid_request_body", "could not read request body")
			return
		}
	}

	attempts := e.cfg.RetryBudget + 1
	for attempt := 0; attempt < attempts && len(remaining) > 0; attempt++ {
		inst := Select(remaining, sessionHint, e.sticky)
		if inst == nil {
			break
		}
		final := attempt == attempts-1
		status, committed := e.proxyOnce(w, r, body, inst, resolved, path, consumerOrgID, final)
		if committed {
			return
		}
		e.strikes.RecordFailure(inst.ID)
		e.logger.Warn().Str("instance_id", inst.ID).Int("upstream_status", status).Msg("upstream attempt failed, trying next candidate")
		remaining = withoutInstance(remaining, inst.ID)
	}

	apierr.WriteHTTP(w, apierr.ErrNoReadyWorker)
}

func (e *Engine) writeResolveError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrModelNotFound):
		apierr.WriteCode(w, http.StatusNotFound, "model_not_found", "model not found")
	case errors.Is(err, ErrForbidden):
		apierr.WriteHTTP(w, apierr.ErrForbidden)
	default:
		e.logger.Error().Err(err).Msg("resolving request_model")
		apierr.WriteCode(w, http.StatusInternalServerError, "internal_error", "internal error")
	}
}

// proxyOnce attempts a single upstream call. It returns committed=true once
// it has written a response to w (either because the upstream succeeded, or
// because this was the last attempt and there's nothing left to retry). A
// connect failure or a retryable status on a non-final attempt is reported
// without writing to w, so the caller can try the next candidate.
func (e *Engine) proxyOnce(w http.ResponseWriter, r *http.Request, body []byte, inst *types.Instance, resolved *ResolvedModel, path string, consumerOrgID *string, final bool) (status int, committed bool) {
	if inst.IPAddress == nil || inst.WorkerVLLMPort == nil {
		if final {
			apierr.WriteHTTP(w, apierr.ErrNoReadyWorker)
			return 0, true
		}
		return 0, false
	}

	target := fmt.Sprintf("http://%s:%d/v1/%s", *inst.IPAddress, *inst.WorkerVLLMPort, strings.TrimPrefix(path, "/"))
	outReq, err := http.NewRequestWithContext(r.Context(), r.Method, target, bytes.NewReader(body))
	if err != nil {
		e.logger.Error().Err(err).Str("instance_id", inst.ID).Msg("building upstream request")
		if final {
			apierr.WriteCode(w, http.StatusBadGateway, "upstream_request_failed", "failed to build upstream request")
			return 0, true
		}
		return 0, false
	}
	outReq.Header = r.Header.Clone()

	client := &http.Client{
		Transport: &http.Transport{
			DialContext:           (&net.Dialer{Timeout: e.cfg.ConnectTimeout}).DialContext,
			ResponseHeaderTimeout: e.cfg.ReadTimeout,
		},
	}

	resp, err := client.Do(outReq)
	if err != nil {
		e.logger.Warn().Err(err).Str("instance_id", inst.ID).Msg("upstream request failed")
		if final {
			apierr.WriteCode(w, http.StatusBadGateway, "upstream_unreachable", "upstream worker unreachable")
			return 0, true
		}
		return 0, false
	}
	defer resp.Body.Close()

	if !final && isRetryableStatus(resp.StatusCode) {
		drainAndClose(resp)
		return resp.StatusCode, false
	}

	e.writeThrough(w, resp, inst, resolved, consumerOrgID)
	return resp.StatusCode, true
}

func drainAndClose(resp *http.Response) {
	buf := make([]byte, 4096)
	for {
		if _, err := resp.Body.Read(buf); err != nil {
			return
		}
	}
}

// writeThrough copies the upstream response to w, flushing immediately so
// server-sent events reach the client without buffering, and captures a
// bounded tail of the body for usage extraction.
func (e *Engine) writeThrough(w http.ResponseWriter, resp *http.Response, inst *types.Instance, resolved *ResolvedModel, consumerOrgID *string) {
	for k, vs := range resp.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	cw := &capturingWriter{ResponseWriter: w, max: e.cfg.MaxCaptureBytes}
	cw.WriteHeader(resp.StatusCode)

	buf := make([]byte, 32*1024)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, writeErr := cw.Write(buf[:n]); writeErr != nil {
				return
			}
		}
		if readErr != nil {
			break
		}
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		go e.recordUsage(inst, resolved, consumerOrgID, cw.captured())
	}
}

// recordUsage implements §4.10 step 5's two best-effort writes. It runs
// detached from the request so a slow or failing accounting write never
// holds up the client response.
func (e *Engine) recordUsage(inst *types.Instance, resolved *ResolvedModel, consumerOrgID *string, body []byte) {
	fields, ok := extractUsage(body)
	if !ok {
		return
	}

	providerOrgID := inst.OrganizationID
	if resolved.ProviderOrgID != nil {
		providerOrgID = *resolved.ProviderOrgID
	}

	usage := types.RequestUsage{
		InstanceID:       inst.ID,
		ProviderOrgID:    providerOrgID,
		ConsumerOrgID:    consumerOrgID,
		ModelID:          resolved.HFModelID,
		PromptTokens:     fields.PromptTokens,
		CompletionTokens: fields.CompletionTokens,
		TotalTokens:      fields.TotalTokens,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := e.store.IncrInstanceRequestMetrics(ctx, usage); err != nil {
		e.logger.Warn().Err(err).Str("instance_id", inst.ID).Msg("updating instance request metrics")
	}
	if err := e.store.InsertInferenceUsage(ctx, usage); err != nil {
		e.logger.Warn().Err(err).Str("instance_id", inst.ID).Msg("inserting inference usage row")
	}
}
