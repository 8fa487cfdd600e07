// Package handlers exposes the cache and quote service over an admin HTTP API
package handlers

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"

	"market-cache/internal/cache"
	"market-cache/internal/circuitbreaker"
	"market-cache/internal/common/errors"
	"market-cache/internal/common/logging"
	"market-cache/internal/marketdata"
	"market-cache/internal/middleware"
	"market-cache/internal/warmer"

	"github.com/gorilla/mux"
)

// CacheAdmin is the part of cache.Manager the API drives
type CacheAdmin interface {
	Statistics(ctx context.Context) cache.Statistics
	HealthCheck(ctx context.Context) cache.HealthReport
	Clear(ctx context.Context) int
	Delete(ctx context.Context, key string) bool
	InvalidateByTag(ctx context.Context, tag string) int
	ResetStats()
}

// QuoteService is the part of marketdata.Service the API drives
type QuoteService interface {
	GetQuote(ctx context.Context, symbol, timeframe string) (marketdata.Quote, error)
	GetQuotes(ctx context.Context, symbols []string, timeframe string) (marketdata.BatchResult, error)
	InvalidateSymbol(ctx context.Context, symbol string) (int, error)
}

// Warmer is the part of warmer.Warmer the API drives
type Warmer interface {
	RunOnce(ctx context.Context) (marketdata.BatchResult, error)
	Status() warmer.Status
}

// Handlers serves the admin API. Quotes, Warmer and Breakers are optional;
// their routes answer 503 or 404 when they are not configured.
type Handlers struct {
	cache    CacheAdmin
	quotes   QuoteService
	warmer   Warmer
	breakers *circuitbreaker.Registry
	limiter  middleware.ClientLimiter
	logger   logging.Logger
}

// Option configures Handlers
type Option func(*Handlers)

// WithQuotes enables the quote routes
func WithQuotes(quotes QuoteService) Option {
	return func(h *Handlers) {
		h.quotes = quotes
	}
}

// WithWarmer enables the warmer routes
func WithWarmer(w Warmer) Option {
	return func(h *Handlers) {
		h.warmer = w
	}
}

// WithBreakers enables the breaker status route
func WithBreakers(registry *circuitbreaker.Registry) Option {
	return func(h *Handlers) {
		h.breakers = registry
	}
}

// WithClientLimiter throttles /api requests per client IP
func WithClientLimiter(limiter middleware.ClientLimiter) Option {
	return func(h *Handlers) {
		h.limiter = limiter
	}
}

// WithLogger sets the handler logger
func WithLogger(logger logging.Logger) Option {
	return func(h *Handlers) {
		h.logger = logger
	}
}

// New creates the API handlers
func New(cacheAdmin CacheAdmin, opts ...Option) *Handlers {
	h := &Handlers{cache: cacheAdmin}
	for _, opt := range opts {
		opt(h)
	}
	if h.logger == nil {
		h.logger = logging.GetGlobalLogger()
	}
	h.logger = h.logger.WithFields(logging.String("component", "api"))
	return h
}

// Router builds a router with every route and the request middleware
func (h *Handlers) Router() *mux.Router {
	router := mux.NewRouter()
	router.Use(middleware.RequestID, middleware.Logging(h.logger))
	h.Register(router)
	return router
}

// Register adds the API routes to router. Routes sit directly on router, not
// on a subrouter, so a known path with the wrong method answers 405.
func (h *Handlers) Register(router *mux.Router) {
	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, errorResponse{
			Error:   http.StatusText(http.StatusNotFound),
			Type:    string(errors.ErrTypeNotFound),
			Message: "no route for " + r.URL.Path,
		})
	})
	router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusMethodNotAllowed, errorResponse{
			Error:   http.StatusText(http.StatusMethodNotAllowed),
			Type:    string(errors.ErrTypeValidation),
			Message: r.Method + " is not allowed on " + r.URL.Path,
		})
	})

	router.HandleFunc("/health", h.Health).Methods(http.MethodGet)

	var throttle func(http.Handler) http.Handler
	if h.limiter != nil {
		throttle = middleware.RateLimit(h.limiter, middleware.ClientIP, h.logger)
	}
	api := func(path string, handler http.HandlerFunc, method string) {
		var next http.Handler = handler
		if throttle != nil {
			next = throttle(next)
		}
		router.Handle("/api"+path, next).Methods(method)
	}

	api("/cache/stats", h.GetCacheStats, http.MethodGet)
	api("/cache/stats/reset", h.ResetCacheStats, http.MethodPost)
	api("/cache/health", h.GetCacheHealth, http.MethodGet)
	api("/cache", h.ClearCache, http.MethodDelete)
	api("/cache/keys/{key}", h.DeleteKey, http.MethodDelete)
	api("/cache/tags/{tag}", h.InvalidateTag, http.MethodDelete)

	api("/quotes", h.GetQuotes, http.MethodGet)
	api("/quotes/{symbol}", h.GetQuote, http.MethodGet)
	api("/quotes/{symbol}", h.InvalidateSymbol, http.MethodDelete)

	api("/warmer", h.GetWarmerStatus, http.MethodGet)
	api("/warmer/run", h.RunWarmer, http.MethodPost)

	api("/breakers", h.GetBreakers, http.MethodGet)
}

// Health is the liveness check
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// errorResponse is the body of every failed request
type errorResponse struct {
	Error   string `json:"error"`
	Type    string `json:"type"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func (h *Handlers) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.WithContext(r.Context()).Error("Request failed", err, logging.String("path", r.URL.Path))
	}

	message := err.Error()
	var appErr *errors.AppError
	if stderrors.As(err, &appErr) {
		message = appErr.Message
	}

	writeJSON(w, status, errorResponse{
		Error:   http.StatusText(status),
		Type:    string(errors.GetType(err)),
		Message: message,
	})
}

func statusFor(err error) int {
	switch errors.GetType(err) {
	case errors.ErrTypeValidation:
		return http.StatusBadRequest
	case errors.ErrTypeNotFound:
		return http.StatusNotFound
	case errors.ErrTypeRateLimit:
		return http.StatusTooManyRequests
	case errors.ErrTypeProvider:
		return http.StatusBadGateway
	case errors.ErrTypeTimeout:
		return http.StatusGatewayTimeout
	case errors.ErrTypeUnavailable, errors.ErrTypeConfig, errors.ErrTypeCancelled:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
