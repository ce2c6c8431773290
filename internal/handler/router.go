package handler

import (
	"net/http"

	"github.com/rs/zerolog"

	"github.com/prn-tf/ndn-sync/internal/metrics"
	"github.com/prn-tf/ndn-sync/internal/middleware"
)

// Router wires the ops endpoints: health probes and metrics. The sync
// engine has no user-facing HTTP API; this surface exists for probes
// and scrapers only.
type Router struct {
	healthChecker *HealthChecker
	tracing       *middleware.Tracing
	logger        zerolog.Logger
}

// RouterConfig configures the ops router.
type RouterConfig struct {
	HealthChecker *HealthChecker
	Tracing       *middleware.Tracing
	Logger        zerolog.Logger
}

// NewRouter creates the ops router.
func NewRouter(cfg RouterConfig) *Router {
	return &Router{
		healthChecker: cfg.HealthChecker,
		tracing:       cfg.Tracing,
		logger:        cfg.Logger.With().Str("component", "router").Logger(),
	}
}

// Handler returns the HTTP handler.
func (rt *Router) Handler() http.Handler {
	mux := http.NewServeMux()

	if rt.healthChecker != nil {
		mux.HandleFunc("/health", rt.healthChecker.HandleHealth)
		mux.HandleFunc("/healthz", rt.healthChecker.HandleLiveness)
	}
	mux.Handle("/metrics", metrics.Handler())

	var h http.Handler = mux
	if rt.tracing != nil {
		h = rt.tracing.Middleware(h)
	}
	return h
}
