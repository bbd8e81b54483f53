// Package api serves the orchestration surface over HTTP and a websocket feed.
package api

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/depin-orcha/orcha/internal/config"
	orchaerrors "github.com/depin-orcha/orcha/internal/errors"
	"github.com/depin-orcha/orcha/internal/logging"
	"github.com/depin-orcha/orcha/internal/models"
	"github.com/depin-orcha/orcha/internal/policy"
)

// Service is the orchestration surface served by the gateway
type Service interface {
	Ready() bool
	Providers() []string
	ProviderStatus(ctx context.Context, id string) (*models.ProviderStatus, error)

	CurrentMetrics() *models.AggregatedMetrics
	MetricsHistory() []models.AggregatedMetrics
	MetricsInRange(ctx context.Context, start, end time.Time) ([]models.AggregatedMetrics, error)

	Opportunities(ctx context.Context, metrics *models.AggregatedMetrics) ([]models.OptimizationOpportunity, error)
	OptimalAllocation(ctx context.Context, metrics *models.AggregatedMetrics) (*models.AllocationPlan, error)

	ExecutePlan(ctx context.Context, plan *models.AllocationPlan) (*models.ExecutionResult, error)
	ExecuteReallocation(ctx context.Context) (*models.ExecutionResult, error)
	Rollback(ctx context.Context) error
	ReallocationHistory() []models.AllocationChange
	RecentReallocations(hours int) []models.AllocationChange

	AlertHistory() []models.Alert
	UnacknowledgedAlerts() []models.Alert
	AcknowledgeAlert(ts time.Time) error
	AcknowledgeAlertByID(id string) error

	DashboardSnapshot(ctx context.Context) (*models.DashboardSnapshot, error)
	GenerateReport(start, end time.Time) (*models.PerformanceReport, error)
	EarningsTrends(hours int) []models.EarningsPoint
	ExportMetrics(start, end time.Time) ([]byte, error)
}

const (
	defaultReportWindow = 24 * time.Hour
	defaultTrendHours   = 24
	defaultPushInterval = 5 * time.Second
)

// HTTPGateway routes API requests to the orchestration service
type HTTPGateway struct {
	service  Service
	policies policy.Engine
	logger   logging.Logger
	limiter  *RateLimiter
	router   *mux.Router
	upgrader websocket.Upgrader
	push     time.Duration
}

// Option configures an HTTPGateway
type Option func(*HTTPGateway)

// WithPolicies exposes the policy engine under /api/v1/policies
func WithPolicies(e policy.Engine) Option {
	return func(g *HTTPGateway) { g.policies = e }
}

// RateLimiter implements per-IP rate limiting
type RateLimiter struct {
	limiters map[string]*rate.Limiter
	mu       sync.Mutex
	rate     rate.Limit
	burst    int
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(r rate.Limit, b int) *RateLimiter {
	return &RateLimiter{
		limiters: make(map[string]*rate.Limiter),
		rate:     r,
		burst:    b,
	}
}

// Allow checks if the request from the given IP is allowed
func (rl *RateLimiter) Allow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	limiter, exists := rl.limiters[ip]
	if !exists {
		limiter = rate.NewLimiter(rl.rate, rl.burst)
		rl.limiters[ip] = limiter
	}

	return limiter.Allow()
}

// NewHTTPGateway creates a gateway over svc
func NewHTTPGateway(svc Service, cfg config.APIConfig, logger logging.Logger, opts ...Option) *HTTPGateway {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	perMinute := cfg.RequestsPerMinute
	if perMinute <= 0 {
		perMinute = 100
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 10
	}
	push := cfg.DashboardPush
	if push <= 0 {
		push = defaultPushInterval
	}

	g := &HTTPGateway{
		service: svc,
		logger:  logger.Named("api"),
		limiter: NewRateLimiter(rate.Every(time.Minute/time.Duration(perMinute)), burst),
		router:  mux.NewRouter(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		push: push,
	}
	for _, apply := range opts {
		apply(g)
	}

	g.setupRoutes()
	return g
}

// Handler returns the routed handler
func (g *HTTPGateway) Handler() http.Handler {
	return g.router
}

func (g *HTTPGateway) setupRoutes() {
	g.router.HandleFunc("/health", g.HealthHandler).Methods(http.MethodGet)
	g.router.HandleFunc("/ready", g.ReadyHandler).Methods(http.MethodGet)
	g.router.HandleFunc("/ws/dashboard", g.dashboardFeedHandler).Methods(http.MethodGet)

	api := g.router.PathPrefix("/api/v1").Subrouter()
	api.Use(g.rateLimitMiddleware, g.corsMiddleware)
	api.Methods(http.MethodOptions).HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	api.HandleFunc("/metrics/current", g.currentMetricsHandler).Methods(http.MethodGet)
	api.HandleFunc("/metrics/history", g.metricsHistoryHandler).Methods(http.MethodGet)

	api.HandleFunc("/providers", g.providersHandler).Methods(http.MethodGet)
	api.HandleFunc("/providers/{id}", g.providerHandler).Methods(http.MethodGet)

	api.HandleFunc("/opportunities", g.opportunitiesHandler).Methods(http.MethodGet)
	api.HandleFunc("/allocation/optimal", g.optimalAllocationHandler).Methods(http.MethodGet)

	api.HandleFunc("/reallocations", g.reallocationHistoryHandler).Methods(http.MethodGet)
	api.HandleFunc("/reallocations", g.executeReallocationHandler).Methods(http.MethodPost)
	api.HandleFunc("/reallocations/rollback", g.rollbackHandler).Methods(http.MethodPost)

	api.HandleFunc("/alerts", g.alertsHandler).Methods(http.MethodGet)
	api.HandleFunc("/alerts/ack", g.acknowledgeByTimestampHandler).Methods(http.MethodPost)
	api.HandleFunc("/alerts/{id}/ack", g.acknowledgeByIDHandler).Methods(http.MethodPost)

	api.HandleFunc("/dashboard", g.dashboardHandler).Methods(http.MethodGet)
	api.HandleFunc("/reports", g.reportHandler).Methods(http.MethodGet)
	api.HandleFunc("/trends", g.trendsHandler).Methods(http.MethodGet)
	api.HandleFunc("/export", g.exportHandler).Methods(http.MethodGet)

	if g.policies != nil {
		api.HandleFunc("/policies", g.listPolicies).Methods(http.MethodGet)
		api.HandleFunc("/policies", g.createPolicy).Methods(http.MethodPost)
		api.HandleFunc("/policies/{id}", g.getPolicy).Methods(http.MethodGet)
		api.HandleFunc("/policies/{id}", g.deletePolicy).Methods(http.MethodDelete)
	}
}

// Middleware functions

// rateLimitMiddleware applies rate limiting
func (g *HTTPGateway) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := getClientIP(r)
		if !g.limiter.Allow(ip) {
			g.writeErrorResponse(w, http.StatusTooManyRequests, "RATE_LIMIT_EXCEEDED", "Rate limit exceeded", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// corsMiddleware adds CORS headers
func (g *HTTPGateway) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		next.ServeHTTP(w, r)
	})
}

// getClientIP extracts the client IP from the request
func getClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		ips := strings.Split(xff, ",")
		return strings.TrimSpace(ips[0])
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}

	ip := r.RemoteAddr
	if colon := strings.LastIndex(ip, ":"); colon != -1 {
		ip = ip[:colon]
	}
	return ip
}

// HealthHandler handles liveness requests
func (g *HTTPGateway) HealthHandler(w http.ResponseWriter, r *http.Request) {
	g.writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"service":   "orcha",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// ReadyHandler reports ready once at least one provider is registered
func (g *HTTPGateway) ReadyHandler(w http.ResponseWriter, r *http.Request) {
	if !g.service.Ready() {
		g.writeErrorResponse(w, http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE", "No providers registered", nil)
		return
	}

	g.writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"status":    "ready",
		"service":   "orcha",
		"providers": len(g.service.Providers()),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// Request and Response types

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// DataResponse wraps payloads that may be empty
type DataResponse struct {
	Data interface{} `json:"data"`
}

// API Handlers

func (g *HTTPGateway) currentMetricsHandler(w http.ResponseWriter, r *http.Request) {
	g.writeJSONResponse(w, http.StatusOK, DataResponse{Data: g.service.CurrentMetrics()})
}

func (g *HTTPGateway) metricsHistoryHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("start") == "" && q.Get("end") == "" {
		history := g.service.MetricsHistory()
		g.writeJSONResponse(w, http.StatusOK, map[string]interface{}{
			"metrics": history,
			"count":   len(history),
		})
		return
	}

	start, end, err := parseWindow(r, defaultReportWindow)
	if err != nil {
		g.writeValidationError(w, err)
		return
	}

	metrics, err := g.service.MetricsInRange(r.Context(), start, end)
	if err != nil {
		g.writeServiceError(w, r, err)
		return
	}
	g.writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"metrics": metrics,
		"count":   len(metrics),
	})
}

func (g *HTTPGateway) providersHandler(w http.ResponseWriter, r *http.Request) {
	ids := g.service.Providers()
	g.writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"providers": ids,
		"count":     len(ids),
	})
}

func (g *HTTPGateway) providerHandler(w http.ResponseWriter, r *http.Request) {
	status, err := g.service.ProviderStatus(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		g.writeServiceError(w, r, err)
		return
	}
	g.writeJSONResponse(w, http.StatusOK, status)
}

// currentOrNoData returns the latest metrics or writes a 404
func (g *HTTPGateway) currentOrNoData(w http.ResponseWriter, r *http.Request, op string) *models.AggregatedMetrics {
	metrics := g.service.CurrentMetrics()
	if metrics == nil {
		g.writeServiceError(w, r, orchaerrors.Coordination(op, "no metrics collected yet", orchaerrors.ErrNoData))
	}
	return metrics
}

func (g *HTTPGateway) opportunitiesHandler(w http.ResponseWriter, r *http.Request) {
	metrics := g.currentOrNoData(w, r, "opportunities")
	if metrics == nil {
		return
	}

	opportunities, err := g.service.Opportunities(r.Context(), metrics)
	if err != nil {
		g.writeServiceError(w, r, err)
		return
	}
	g.writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"opportunities": opportunities,
		"count":         len(opportunities),
	})
}

func (g *HTTPGateway) optimalAllocationHandler(w http.ResponseWriter, r *http.Request) {
	metrics := g.currentOrNoData(w, r, "optimal_allocation")
	if metrics == nil {
		return
	}

	plan, err := g.service.OptimalAllocation(r.Context(), metrics)
	if err != nil {
		g.writeServiceError(w, r, err)
		return
	}
	g.writeJSONResponse(w, http.StatusOK, plan)
}

func (g *HTTPGateway) executeReallocationHandler(w http.ResponseWriter, r *http.Request) {
	var plan *models.AllocationPlan
	if r.ContentLength != 0 {
		var body models.AllocationPlan
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			g.writeErrorResponse(w, http.StatusBadRequest, "INVALID_JSON", "Invalid JSON in request body", map[string]interface{}{
				"error": err.Error(),
			})
			return
		}
		if len(body.Allocation) > 0 {
			plan = &body
		}
	}

	var (
		result *models.ExecutionResult
		err    error
	)
	if plan != nil {
		result, err = g.service.ExecutePlan(r.Context(), plan)
	} else {
		result, err = g.service.ExecuteReallocation(r.Context())
	}
	if err != nil {
		var details map[string]interface{}
		if result != nil {
			details = map[string]interface{}{"result": result}
		}
		g.writeServiceErrorDetails(w, r, err, details)
		return
	}
	g.writeJSONResponse(w, http.StatusOK, result)
}

func (g *HTTPGateway) rollbackHandler(w http.ResponseWriter, r *http.Request) {
	if err := g.service.Rollback(r.Context()); err != nil {
		g.writeServiceError(w, r, err)
		return
	}
	g.writeJSONResponse(w, http.StatusOK, map[string]string{"status": "rolled_back"})
}

func (g *HTTPGateway) reallocationHistoryHandler(w http.ResponseWriter, r *http.Request) {
	var changes []models.AllocationChange
	if raw := r.URL.Query().Get("hours"); raw != "" {
		hours, err := strconv.Atoi(raw)
		if err != nil || hours <= 0 {
			g.writeValidationError(w, fmt.Errorf("hours must be a positive integer"))
			return
		}
		changes = g.service.RecentReallocations(hours)
	} else {
		changes = g.service.ReallocationHistory()
	}
	g.writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"changes": changes,
		"count":   len(changes),
	})
}

func (g *HTTPGateway) alertsHandler(w http.ResponseWriter, r *http.Request) {
	var alerts []models.Alert
	if r.URL.Query().Get("unacknowledged") == "true" {
		alerts = g.service.UnacknowledgedAlerts()
	} else {
		alerts = g.service.AlertHistory()
	}
	g.writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"alerts": alerts,
		"count":  len(alerts),
	})
}

func (g *HTTPGateway) acknowledgeByTimestampHandler(w http.ResponseWriter, r *http.Request) {
	ts, err := time.Parse(time.RFC3339Nano, r.URL.Query().Get("timestamp"))
	if err != nil {
		g.writeValidationError(w, fmt.Errorf("timestamp must be RFC3339: %w", err))
		return
	}
	if err := g.service.AcknowledgeAlert(ts); err != nil {
		g.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (g *HTTPGateway) acknowledgeByIDHandler(w http.ResponseWriter, r *http.Request) {
	if err := g.service.AcknowledgeAlertByID(mux.Vars(r)["id"]); err != nil {
		g.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (g *HTTPGateway) dashboardHandler(w http.ResponseWriter, r *http.Request) {
	snapshot, err := g.service.DashboardSnapshot(r.Context())
	if err != nil {
		g.writeServiceError(w, r, err)
		return
	}
	g.writeJSONResponse(w, http.StatusOK, snapshot)
}

func (g *HTTPGateway) reportHandler(w http.ResponseWriter, r *http.Request) {
	start, end, err := parseWindow(r, defaultReportWindow)
	if err != nil {
		g.writeValidationError(w, err)
		return
	}

	report, err := g.service.GenerateReport(start, end)
	if err != nil {
		g.writeServiceError(w, r, err)
		return
	}
	g.writeJSONResponse(w, http.StatusOK, report)
}

func (g *HTTPGateway) trendsHandler(w http.ResponseWriter, r *http.Request) {
	hours := defaultTrendHours
	if raw := r.URL.Query().Get("hours"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			g.writeValidationError(w, fmt.Errorf("hours must be a positive integer"))
			return
		}
		hours = parsed
	}

	points := g.service.EarningsTrends(hours)
	g.writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"hours":  hours,
		"points": points,
	})
}

func (g *HTTPGateway) exportHandler(w http.ResponseWriter, r *http.Request) {
	start, end, err := parseWindow(r, defaultReportWindow)
	if err != nil {
		g.writeValidationError(w, err)
		return
	}

	data, err := g.service.ExportMetrics(start, end)
	if err != nil {
		g.writeServiceError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition", `attachment; filename="orcha-metrics.json"`)
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		g.logger.Warn(r.Context(), "Failed to write export", zap.Error(err))
	}
}

// Policy handlers

func (g *HTTPGateway) listPolicies(w http.ResponseWriter, r *http.Request) {
	filter := &policy.Filter{Name: r.URL.Query().Get("name")}
	policies, err := g.policies.ListPolicies(r.Context(), filter)
	if err != nil {
		g.writeErrorResponse(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to list policies", nil)
		return
	}
	g.writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"policies": policies,
		"count":    len(policies),
	})
}

func (g *HTTPGateway) createPolicy(w http.ResponseWriter, r *http.Request) {
	var p policy.Policy
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		g.writeErrorResponse(w, http.StatusBadRequest, "INVALID_JSON", "Invalid JSON in request body", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}
	if p.ID == "" || len(p.Rules) == 0 {
		g.writeValidationError(w, fmt.Errorf("id and rules are required"))
		return
	}

	if err := g.policies.CreatePolicy(r.Context(), &p); err != nil {
		g.writeValidationError(w, err)
		return
	}
	g.writeJSONResponse(w, http.StatusCreated, p)
}

func (g *HTTPGateway) getPolicy(w http.ResponseWriter, r *http.Request) {
	p, err := g.policies.GetPolicy(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		g.writeErrorResponse(w, http.StatusNotFound, "NOT_FOUND", err.Error(), nil)
		return
	}
	g.writeJSONResponse(w, http.StatusOK, p)
}

func (g *HTTPGateway) deletePolicy(w http.ResponseWriter, r *http.Request) {
	if err := g.policies.DeletePolicy(r.Context(), mux.Vars(r)["id"]); err != nil {
		g.writeErrorResponse(w, http.StatusNotFound, "NOT_FOUND", err.Error(), nil)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Utility methods

// parseWindow reads RFC3339 start and end query parameters. A missing end
// defaults to now and a missing start to end minus fallback.
func parseWindow(r *http.Request, fallback time.Duration) (time.Time, time.Time, error) {
	q := r.URL.Query()

	end := time.Now()
	if raw := q.Get("end"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("end must be RFC3339: %w", err)
		}
		end = parsed
	}

	start := end.Add(-fallback)
	if raw := q.Get("start"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("start must be RFC3339: %w", err)
		}
		start = parsed
	}

	if start.After(end) {
		return time.Time{}, time.Time{}, fmt.Errorf("start must not be after end")
	}
	return start, end, nil
}

// StatusFor maps a service error to an HTTP status and error code
func StatusFor(err error) (int, string) {
	var oe *orchaerrors.OrchestrationError
	if !stderrors.As(err, &oe) {
		return http.StatusInternalServerError, "INTERNAL_ERROR"
	}

	status := oe.HTTPStatus()
	switch {
	case stderrors.Is(err, orchaerrors.ErrNoData):
		return status, "NO_DATA"
	case stderrors.Is(err, orchaerrors.ErrNotFound), stderrors.Is(err, orchaerrors.ErrProviderNotFound):
		return status, "NOT_FOUND"
	}
	return status, string(oe.Kind)
}

func (g *HTTPGateway) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	g.writeServiceErrorDetails(w, r, err, nil)
}

func (g *HTTPGateway) writeServiceErrorDetails(w http.ResponseWriter, r *http.Request, err error, details map[string]interface{}) {
	status, code := StatusFor(err)
	if status >= http.StatusInternalServerError {
		g.logger.Error(r.Context(), "Request failed",
			zap.String("path", r.URL.Path),
			zap.Error(err))
	} else {
		g.logger.Debug(r.Context(), "Request rejected",
			zap.String("path", r.URL.Path),
			zap.Int("status", status),
			zap.Error(err))
	}
	g.writeErrorResponse(w, status, code, err.Error(), details)
}

func (g *HTTPGateway) writeValidationError(w http.ResponseWriter, err error) {
	g.writeErrorResponse(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), nil)
}

// writeJSONResponse writes a JSON response
func (g *HTTPGateway) writeJSONResponse(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		g.logger.Error(context.Background(), "Failed to encode JSON response", zap.Error(err))
	}
}

// writeErrorResponse writes an error response
func (g *HTTPGateway) writeErrorResponse(w http.ResponseWriter, statusCode int, code, message string, details map[string]interface{}) {
	g.writeJSONResponse(w, statusCode, ErrorResponse{
		Code:    code,
		Message: message,
		Details: details,
	})
}
