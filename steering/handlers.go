// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package steering

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"axonflow/controlplane/guardrails"
	"axonflow/controlplane/shared/logger"
)

// Handlers exposes the control plane over HTTP: the processing endpoint, the
// read-only monitoring API, and the JWT-guarded admin API.
type Handlers struct {
	pipeline  *Pipeline
	health    *HealthMonitor
	latency   *LatencyMonitor
	routing   *RoutingMonitor
	breaker   *CircuitBreaker
	alerts    *AlertLog
	optimizer *RoutingOptimizer
	drift     *DriftMonitor
	router    *Router
	flags     FlagStore
	shutdown  *EmergencyShutdown
	audit     *guardrails.AuditLogger
	auth      *AdminAuth
	log       *logger.Logger
}

// HandlersConfig wires the HTTP layer. Audit may be nil; the audit endpoint
// then reports itself disabled.
type HandlersConfig struct {
	Pipeline  *Pipeline
	Health    *HealthMonitor
	Latency   *LatencyMonitor
	Routing   *RoutingMonitor
	Breaker   *CircuitBreaker
	Alerts    *AlertLog
	Optimizer *RoutingOptimizer
	Drift     *DriftMonitor
	Router    *Router
	Flags     FlagStore
	Shutdown  *EmergencyShutdown
	Audit     *guardrails.AuditLogger
	Auth      *AdminAuth
}

// NewHandlers creates the HTTP layer.
func NewHandlers(cfg HandlersConfig) *Handlers {
	auth := cfg.Auth
	if auth == nil {
		auth = NewAdminAuth("")
	}
	return &Handlers{
		pipeline:  cfg.Pipeline,
		health:    cfg.Health,
		latency:   cfg.Latency,
		routing:   cfg.Routing,
		breaker:   cfg.Breaker,
		alerts:    cfg.Alerts,
		optimizer: cfg.Optimizer,
		drift:     cfg.Drift,
		router:    cfg.Router,
		flags:     cfg.Flags,
		shutdown:  cfg.Shutdown,
		audit:     cfg.Audit,
		auth:      auth,
		log:       logger.New("steering-api"),
	}
}

// Routes builds the HTTP handler with CORS applied.
func (h *Handlers) Routes(allowedOrigins []string) http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/health", h.handleHealth).Methods("GET")
	r.Handle("/prometheus", promhttp.Handler()).Methods("GET")

	r.HandleFunc("/api/v1/process", h.handleProcess).Methods("POST")

	r.HandleFunc("/api/v1/status", h.handleStatus).Methods("GET")
	r.HandleFunc("/api/v1/metrics/latency", h.handleLatencyMetrics).Methods("GET")
	r.HandleFunc("/api/v1/metrics/paths", h.handlePathMetrics).Methods("GET")
	r.HandleFunc("/api/v1/alerts", h.handleAlerts).Methods("GET")
	r.HandleFunc("/api/v1/optimizations", h.handleOptimizations).Methods("GET")
	r.HandleFunc("/api/v1/drift", h.handleDriftReports).Methods("GET")
	r.HandleFunc("/api/v1/audit", h.handleAuditSearch).Methods("GET")

	r.HandleFunc("/api/v1/admin/circuit/{path}/open", h.auth.Middleware(h.handleCircuitOpen)).Methods("POST")
	r.HandleFunc("/api/v1/admin/circuit/{path}/reset", h.auth.Middleware(h.handleCircuitReset)).Methods("POST")
	r.HandleFunc("/api/v1/admin/shutdown", h.auth.Middleware(h.handleShutdownTrigger)).Methods("POST")
	r.HandleFunc("/api/v1/admin/shutdown/recover", h.auth.Middleware(h.handleShutdownRecover)).Methods("POST")
	r.HandleFunc("/api/v1/admin/flags/{name}", h.auth.Middleware(h.handleFlagUpdate)).Methods("PUT")
	r.HandleFunc("/api/v1/admin/rules", h.auth.Middleware(h.handleRulesUpdate)).Methods("PUT")
	r.HandleFunc("/api/v1/admin/optimizer/reset-baseline", h.auth.Middleware(h.handleBaselineReset)).Methods("POST")
	r.HandleFunc("/api/v1/admin/drift/baseline", h.auth.Middleware(h.handleDriftBaseline)).Methods("PUT")
	r.HandleFunc("/api/v1/admin/drift/snapshot", h.auth.Middleware(h.handleDriftSnapshot)).Methods("POST")

	c := cors.New(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	})
	return c.Handler(r)
}

func (h *Handlers) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Error("", "", "Failed to encode response", map[string]interface{}{
			"error": err.Error(),
		})
	}
}

func (h *Handlers) writeError(w http.ResponseWriter, err error) {
	var se *Error
	if !errors.As(err, &se) {
		se = NewError(ErrInternal, "internal error").WithCause(err)
	}
	h.writeJSON(w, se.HTTPStatus(), map[string]interface{}{"error": se})
}

func (h *Handlers) handleProcess(w http.ResponseWriter, r *http.Request) {
	var req ClientRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, NewError(ErrConfig, "invalid request body"))
		return
	}

	resp, err := h.pipeline.ProcessRequest(r.Context(), req)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	shutdownStatus := h.shutdown.Status()
	if shutdownStatus.IsShutdown {
		status = "shutdown"
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    status,
		"service":   "control-plane",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"shutdown":  shutdownStatus,
		"circuits":  h.breaker.Snapshot(),
	})
}

func (h *Handlers) handleStatus(w http.ResponseWriter, r *http.Request) {
	metrics := h.health.Latest()
	if metrics == nil {
		metrics = h.health.Collect()
	}
	h.writeJSON(w, http.StatusOK, metrics)
}

func (h *Handlers) handleLatencyMetrics(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.latency.Summary())
}

func (h *Handlers) handlePathMetrics(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"paths":      h.routing.AllPathMetrics(),
		"circuits":   h.breaker.Snapshot(),
		"efficiency": h.routing.CalculateRoutingEfficiency(),
	})
}

func (h *Handlers) handleAlerts(w http.ResponseWriter, r *http.Request) {
	alerts := h.alerts.Snapshot()
	if alertType := r.URL.Query().Get("type"); alertType != "" {
		alerts = h.alerts.SnapshotByType(alertType)
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"count":  len(alerts),
		"alerts": alerts,
	})
}

func (h *Handlers) handleOptimizations(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			h.writeError(w, NewErrorf(ErrConfig, "invalid limit %q", raw))
			return
		}
		limit = parsed
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"strategy": h.optimizer.Strategy(),
		"baseline": h.optimizer.Baseline(),
		"history":  h.optimizer.History(limit),
	})
}

func (h *Handlers) handleDriftReports(w http.ResponseWriter, r *http.Request) {
	reports := h.drift.Reports()
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"count":   len(reports),
		"reports": reports,
	})
}

func decodeModelSnapshot(r *http.Request) (ModelSnapshot, error) {
	var snap ModelSnapshot
	if err := json.NewDecoder(r.Body).Decode(&snap); err != nil {
		return snap, NewError(ErrConfig, "invalid request body")
	}
	if snap.Provider == "" || snap.Model == "" {
		return snap, NewError(ErrConfig, "snapshot requires provider and model")
	}
	return snap, nil
}

func (h *Handlers) handleDriftBaseline(w http.ResponseWriter, r *http.Request) {
	snap, err := decodeModelSnapshot(r)
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.drift.SetBaseline(snap)
	h.log.Info("", "", "Drift baseline declared by admin", map[string]interface{}{
		"provider": snap.Provider,
		"model":    snap.Model,
		"actor":    AdminActor(r.Context()),
	})
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"provider": snap.Provider,
		"model":    snap.Model,
	})
}

func (h *Handlers) handleDriftSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := decodeModelSnapshot(r)
	if err != nil {
		h.writeError(w, err)
		return
	}

	report, err := h.drift.UpdateCurrent(snap)
	if err != nil {
		h.writeError(w, NewError(ErrInternal, "drift evaluation failed").WithCause(err))
		return
	}
	if report == nil {
		// Stored for later; nothing to compare against yet.
		h.writeJSON(w, http.StatusOK, map[string]interface{}{
			"provider":  snap.Provider,
			"model":     snap.Model,
			"evaluated": false,
		})
		return
	}
	h.writeJSON(w, http.StatusOK, report)
}

func (h *Handlers) handleAuditSearch(w http.ResponseWriter, r *http.Request) {
	if h.audit == nil || !h.audit.IsEnabled() {
		h.writeJSON(w, http.StatusOK, map[string]interface{}{
			"enabled": false,
			"records": []guardrails.AuditRecord{},
		})
		return
	}

	filter, err := auditFilterFromQuery(r)
	if err != nil {
		h.writeError(w, err)
		return
	}

	records, err := h.audit.Search(r.Context(), filter)
	if err != nil {
		h.writeError(w, NewError(ErrInternal, "audit search failed").WithCause(err))
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"enabled": true,
		"count":   len(records),
		"records": records,
	})
}

func auditFilterFromQuery(r *http.Request) (guardrails.AuditSearchFilter, error) {
	q := r.URL.Query()
	filter := guardrails.AuditSearchFilter{
		RequestID: q.Get("request_id"),
		ClientID:  q.Get("client_id"),
		Decision:  q.Get("decision"),
	}

	if raw := q.Get("since"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return filter, NewErrorf(ErrConfig, "invalid since timestamp %q", raw)
		}
		filter.Since = t
	}
	if raw := q.Get("until"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return filter, NewErrorf(ErrConfig, "invalid until timestamp %q", raw)
		}
		filter.Until = t
	}
	if raw := q.Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			return filter, NewErrorf(ErrConfig, "invalid limit %q", raw)
		}
		filter.Limit = parsed
	}
	return filter, nil
}

// circuitPathFromRequest validates the {path} variable against the known
// serving paths.
func circuitPathFromRequest(r *http.Request) (string, error) {
	path := mux.Vars(r)["path"]
	switch RouteType(path) {
	case RouteDirect, RouteMediated:
		return path, nil
	default:
		return "", NewErrorf(ErrConfig, "unknown circuit path %q", path)
	}
}

func (h *Handlers) handleCircuitOpen(w http.ResponseWriter, r *http.Request) {
	path, err := circuitPathFromRequest(r)
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.breaker.ForceOpen(path)
	h.log.Warn("", "", "Circuit force-opened by admin", map[string]interface{}{
		"path":  path,
		"actor": AdminActor(r.Context()),
	})
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"path":  path,
		"state": h.breaker.State(path).String(),
	})
}

func (h *Handlers) handleCircuitReset(w http.ResponseWriter, r *http.Request) {
	path, err := circuitPathFromRequest(r)
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.breaker.Reset(path)
	h.log.Warn("", "", "Circuit reset by admin", map[string]interface{}{
		"path":  path,
		"actor": AdminActor(r.Context()),
	})
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"path":  path,
		"state": h.breaker.State(path).String(),
	})
}

func (h *Handlers) handleShutdownTrigger(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Scope    string            `json:"scope"`
		Reason   string            `json:"reason"`
		Metadata map[string]string `json:"metadata,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.writeError(w, NewError(ErrConfig, "invalid request body"))
		return
	}

	actor := AdminActor(r.Context())
	if actor == "" {
		actor = "admin-api"
	}
	event, err := h.shutdown.Trigger(r.Context(), ShutdownScope(body.Scope),
		ShutdownReason(body.Reason), actor, body.Metadata)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, event)
}

func (h *Handlers) handleShutdownRecover(w http.ResponseWriter, r *http.Request) {
	actor := AdminActor(r.Context())
	if actor == "" {
		actor = "admin-api"
	}
	if err := h.shutdown.Recover(r.Context(), actor); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, h.shutdown.Status())
}

func (h *Handlers) handleFlagUpdate(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	var body struct {
		Enabled  bool              `json:"enabled"`
		Metadata map[string]string `json:"metadata,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.writeError(w, NewError(ErrConfig, "invalid request body"))
		return
	}

	meta := body.Metadata
	if meta == nil {
		meta = map[string]string{}
	}
	if actor := AdminActor(r.Context()); actor != "" {
		meta["actor"] = actor
	}

	if err := h.flags.Set(r.Context(), name, body.Enabled, meta); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"name":    name,
		"enabled": h.flags.Get(name),
	})
}

func (h *Handlers) handleRulesUpdate(w http.ResponseWriter, r *http.Request) {
	var rules []RoutingRule
	if err := json.NewDecoder(r.Body).Decode(&rules); err != nil {
		h.writeError(w, NewError(ErrConfig, "invalid request body"))
		return
	}

	if err := h.router.SetRules(rules); err != nil {
		h.writeError(w, err)
		return
	}
	h.log.Info("", "", "Routing rules replaced by admin", map[string]interface{}{
		"rules": len(rules),
		"actor": AdminActor(r.Context()),
	})
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"rules": h.router.Rules(),
	})
}

func (h *Handlers) handleBaselineReset(w http.ResponseWriter, r *http.Request) {
	baseline := h.optimizer.ResetBaseline()
	h.log.Info("", "", "Optimizer baseline reset by admin", map[string]interface{}{
		"actor": AdminActor(r.Context()),
	})
	h.writeJSON(w, http.StatusOK, baseline)
}
