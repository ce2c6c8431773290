// Package handler provides the operational HTTP surface: health probes
// and Prometheus metrics.
package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/prn-tf/ndn-sync/internal/storage"
)

// Status constants
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

var startTime = time.Now()

// DatabaseChecker is the item-store surface health needs.
type DatabaseChecker interface {
	Ping(ctx context.Context) error
}

// RedisChecker is the optional redis surface health needs.
type RedisChecker interface {
	Health(ctx context.Context) error
}

// HealthChecker serves liveness and readiness probes. Component checks
// are cached briefly so probe storms do not hammer the stores.
type HealthChecker struct {
	itemStore DatabaseChecker
	staging   storage.Backend
	redis     RedisChecker
	logger    zerolog.Logger

	mu           sync.RWMutex
	cachedStatus *HealthStatus
	cacheExpiry  time.Time
	cacheTTL     time.Duration
}

// HealthCheckerConfig configures the checker. Redis may be nil.
type HealthCheckerConfig struct {
	ItemStore DatabaseChecker
	Staging   storage.Backend
	Redis     RedisChecker
	Logger    zerolog.Logger
	CacheTTL  time.Duration
}

// NewHealthChecker creates a health checker.
func NewHealthChecker(cfg HealthCheckerConfig) *HealthChecker {
	cacheTTL := cfg.CacheTTL
	if cacheTTL == 0 {
		cacheTTL = 5 * time.Second
	}
	return &HealthChecker{
		itemStore: cfg.ItemStore,
		staging:   cfg.Staging,
		redis:     cfg.Redis,
		logger:    cfg.Logger.With().Str("handler", "health").Logger(),
		cacheTTL:  cacheTTL,
	}
}

// HealthStatus is the overall health report.
type HealthStatus struct {
	Status     string                      `json:"status"`
	Timestamp  time.Time                   `json:"timestamp"`
	Uptime     string                      `json:"uptime,omitempty"`
	Components map[string]*ComponentStatus `json:"components"`
}

// ComponentStatus is the health of a single component.
type ComponentStatus struct {
	Status  string `json:"status"`
	Latency string `json:"latency,omitempty"`
	Error   string `json:"error,omitempty"`
}

// HandleLiveness answers liveness probes; reaching the handler is the
// check.
func (h *HealthChecker) HandleLiveness(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": StatusHealthy})
}

// HandleHealth answers readiness probes with per-component status.
func (h *HealthChecker) HandleHealth(w http.ResponseWriter, r *http.Request) {
	status := h.checkAll(r.Context())

	code := http.StatusOK
	if status.Status == StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(status)
}

func (h *HealthChecker) checkAll(ctx context.Context) *HealthStatus {
	h.mu.RLock()
	if h.cachedStatus != nil && time.Now().Before(h.cacheExpiry) {
		cached := h.cachedStatus
		h.mu.RUnlock()
		return cached
	}
	h.mu.RUnlock()

	status := &HealthStatus{
		Status:     StatusHealthy,
		Timestamp:  time.Now().UTC(),
		Uptime:     time.Since(startTime).Round(time.Second).String(),
		Components: make(map[string]*ComponentStatus),
	}

	status.Components["item_store"] = h.check(ctx, func(ctx context.Context) error {
		return h.itemStore.Ping(ctx)
	})
	status.Components["staging"] = h.check(ctx, func(ctx context.Context) error {
		return h.staging.HealthCheck(ctx)
	})
	if h.redis != nil {
		status.Components["redis"] = h.check(ctx, func(ctx context.Context) error {
			return h.redis.Health(ctx)
		})
	}

	for name, comp := range status.Components {
		if comp.Status != StatusHealthy {
			// Redis is an optional accelerator; losing it degrades.
			if name == "redis" {
				if status.Status == StatusHealthy {
					status.Status = StatusDegraded
				}
				continue
			}
			status.Status = StatusUnhealthy
		}
	}

	h.mu.Lock()
	h.cachedStatus = status
	h.cacheExpiry = time.Now().Add(h.cacheTTL)
	h.mu.Unlock()

	return status
}

func (h *HealthChecker) check(ctx context.Context, probe func(context.Context) error) *ComponentStatus {
	checkCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	start := time.Now()
	err := probe(checkCtx)
	latency := time.Since(start)

	if err != nil {
		h.logger.Warn().Err(err).Msg("component health check failed")
		return &ComponentStatus{
			Status:  StatusUnhealthy,
			Latency: latency.String(),
			Error:   err.Error(),
		}
	}
	return &ComponentStatus{Status: StatusHealthy, Latency: latency.String()}
}
