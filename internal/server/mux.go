// Package server exposes the bridge's HTTP API: the authenticated-check
// endpoint plus health, readiness and metrics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/RegistryAccord/registryaccord-ledger-bridge/internal/config"
	"github.com/RegistryAccord/registryaccord-ledger-bridge/internal/model"
	"github.com/RegistryAccord/registryaccord-ledger-bridge/internal/validator"
)

type contextKey string

const (
	contextKeyCorrelationID contextKey = "correlationId"

	headerContentType   = "Content-Type"
	headerCorrelationID = "X-Correlation-Id"
	headerCacheControl  = "Cache-Control"

	contentTypeJSON = "application/json"
)

// ReadyCheck reports whether a dependency can serve traffic.
type ReadyCheck func(ctx context.Context) error

type namedCheck struct {
	name  string
	check ReadyCheck
}

type route struct {
	pattern string
	handler http.Handler
}

// Option customises a Handler.
type Option func(*Handler)

// WithReadyCheck adds a dependency probed by /ready.
func WithReadyCheck(name string, check ReadyCheck) Option {
	return func(h *Handler) { h.checks = append(h.checks, namedCheck{name: name, check: check}) }
}

// WithRoute mounts an extra handler behind the logging middleware, e.g. the
// issuer's ledger endpoint.
func WithRoute(pattern string, handler http.Handler) Option {
	return func(h *Handler) { h.routes = append(h.routes, route{pattern: pattern, handler: handler}) }
}

// Handler wires HTTP endpoints using net/http.
type Handler struct {
	cfg       config.Config
	validator *validator.Validator
	checks    []namedCheck
	routes    []route
	limiter   *multiLimiter
	logger    *slog.Logger
	router    *http.ServeMux
	handler   http.Handler
}

// New creates a Handler using the supplied dependencies.
func New(cfg config.Config, v *validator.Validator, logger *slog.Logger, opts ...Option) (*Handler, error) {
	if v == nil {
		return nil, errors.New("token validator is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{
		cfg:       cfg,
		validator: v,
		logger:    logger,
		router:    http.NewServeMux(),
	}
	if cfg.RateLimitRPS > 0 {
		burst := cfg.RateLimitBurst
		if burst <= 0 {
			burst = 1
		}
		h.limiter = newMultiLimiter(rate.Limit(cfg.RateLimitRPS), burst, 10*time.Minute)
	}
	for _, opt := range opts {
		opt(h)
	}
	h.registerRoutes()
	h.handler = h.corsMiddleware(h.router)
	return h, nil
}

// Router returns the root handler with all routes and CORS applied.
func (h *Handler) Router() http.Handler {
	return h.handler
}

func (h *Handler) registerRoutes() {
	h.router.Handle("/health", h.loggingMiddleware(h.timeoutMiddleware(http.HandlerFunc(h.health))))
	h.router.Handle("/ready", h.loggingMiddleware(h.timeoutMiddleware(http.HandlerFunc(h.readyHandler))))
	if h.cfg.MetricsAddress == "" {
		h.router.Handle("/metrics", h.loggingMiddleware(http.HandlerFunc(h.metricsHandler)))
	}

	h.router.Handle("GET /authenticated", h.loggingMiddleware(h.timeoutMiddleware(
		h.wrap(h.rateLimitMiddleware(h.validator.Middleware(http.HandlerFunc(h.handleAuthenticated)))))))

	for _, rt := range h.routes {
		h.router.Handle(rt.pattern, h.loggingMiddleware(rt.handler))
	}
}

type responseEnvelope struct {
	Data  any            `json:"data,omitempty"`
	Error *errorEnvelope `json:"error,omitempty"`
}

type errorEnvelope struct {
	Code          string `json:"code"`
	Message       string `json:"message"`
	Details       any    `json:"details,omitempty"`
	CorrelationID string `json:"correlationId"`
}

func (h *Handler) health(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// wrap assigns a correlation id and turns panics into a JSON 500.
func (h *Handler) wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		correlationID := h.ensureCorrelationID(w, r)
		ctx := context.WithValue(r.Context(), contextKeyCorrelationID, correlationID)
		r = r.WithContext(ctx)

		defer func() {
			if rec := recover(); rec != nil {
				h.logger.Error("panic recovered", "panic", rec, "correlationId", correlationID)
				h.writeError(w, http.StatusInternalServerError, "BRIDGE_INTERNAL", "internal server error", correlationID, nil)
			}
		}()

		next.ServeHTTP(w, r)
	})
}

func (h *Handler) ensureCorrelationID(w http.ResponseWriter, r *http.Request) string {
	id := strings.TrimSpace(r.Header.Get(headerCorrelationID))
	if id == "" {
		id = uuid.NewString()
	}
	w.Header().Set(headerCorrelationID, id)
	return id
}

// handleAuthenticated reports the session principal bound to the bearer
// token's nonce and the token subject. Authentication failures never reach
// this handler.
func (h *Handler) handleAuthenticated(w http.ResponseWriter, r *http.Request) {
	id, ok := validator.FromContext(r.Context())
	if !ok {
		h.writeErrorWithRequest(w, r, http.StatusInternalServerError, "BRIDGE_INTERNAL", "request identity missing", nil)
		return
	}
	w.Header().Set(headerCacheControl, "no-store")
	h.writeJSON(w, http.StatusOK, model.AuthenticatedResponseDTO{
		SessionPrincipal: id.Principal.String(),
		UserSub:          id.Subject,
	}, r)
	h.logger.Info("authenticated request",
		"session_principal", id.Principal.String(),
		"sub", id.Subject,
		"correlationId", correlationIDFrom(r.Context()),
	)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any, r *http.Request) {
	payload := mustJSON(v)
	w.Header().Set(headerContentType, contentTypeJSON)
	w.WriteHeader(status)
	if _, err := w.Write(payload); err != nil {
		h.logger.Warn("write response failed", "error", err, "correlationId", correlationIDFrom(r.Context()))
	}
}

func (h *Handler) writeErrorWithRequest(w http.ResponseWriter, r *http.Request, status int, code, message string, details any) {
	h.writeError(w, status, code, message, correlationIDFrom(r.Context()), details)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, code, message, correlationID string, details any) {
	env := responseEnvelope{Error: &errorEnvelope{Code: code, Message: message, Details: details, CorrelationID: correlationID}}
	payload := mustJSON(env)
	w.Header().Set(headerContentType, contentTypeJSON)
	w.WriteHeader(status)
	if _, err := w.Write(payload); err != nil {
		h.logger.Warn("write error failed", "error", err, "correlationId", correlationID)
	}
}

func mustJSON(v any) []byte {
	payload, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return payload
}

func correlationIDFrom(ctx context.Context) string {
	if v, ok := ctx.Value(contextKeyCorrelationID).(string); ok {
		return v
	}
	return ""
}
