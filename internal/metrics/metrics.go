// Package metrics provides Prometheus metrics for the sync engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics contains all Prometheus metrics for the engine.
type Metrics struct {
	// Scanner metrics
	ItemsScannedTotal *prometheus.CounterVec
	ChunksHashedTotal prometheus.Counter
	BytesHashedTotal  prometheus.Counter

	// Transfer metrics
	ObjectsPushedTotal      *prometheus.CounterVec
	ChunksPushedTotal       prometheus.Counter
	BytesPushedTotal        prometheus.Counter
	PushNegotiationsTotal   *prometheus.CounterVec
	MissingChildrenReported prometheus.Counter

	// Restore metrics
	ItemsRestoredTotal  *prometheus.CounterVec
	ChunksVerifiedTotal prometheus.Counter
	VerifyFailuresTotal prometheus.Counter
	BytesWrittenTotal   prometheus.Counter

	// Pipeline metrics
	PipelineRunsTotal *prometheus.CounterVec
	PipelineDuration  *prometheus.HistogramVec

	// Staging metrics
	StagedObjectsTotal prometheus.Counter
	StagedChunksTotal  prometheus.Counter
}

// New creates all metrics registered with the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		ItemsScannedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ndnsync_items_scanned_total",
			Help: "Items inserted into the catalog by the scanner, by kind.",
		}, []string{"kind"}),
		ChunksHashedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "ndnsync_chunks_hashed_total",
			Help: "Chunks hashed during scanning.",
		}),
		BytesHashedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "ndnsync_bytes_hashed_total",
			Help: "Bytes hashed during scanning.",
		}),

		ObjectsPushedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ndnsync_objects_pushed_total",
			Help: "Named objects pushed to the remote, by object type.",
		}, []string{"obj_type"}),
		ChunksPushedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "ndnsync_chunks_pushed_total",
			Help: "Chunks pushed to the remote.",
		}),
		BytesPushedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "ndnsync_bytes_pushed_total",
			Help: "Chunk bytes pushed to the remote.",
		}),
		PushNegotiationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ndnsync_push_negotiations_total",
			Help: "Push negotiation rounds, by outcome (accepted, missing).",
		}, []string{"outcome"}),
		MissingChildrenReported: factory.NewCounter(prometheus.CounterOpts{
			Name: "ndnsync_missing_children_reported_total",
			Help: "Missing child ids reported by the remote across all pushes.",
		}),

		ItemsRestoredTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ndnsync_items_restored_total",
			Help: "Items materialized by restore, by kind.",
		}, []string{"kind"}),
		ChunksVerifiedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "ndnsync_chunks_verified_total",
			Help: "Chunks fetched and verified during restore.",
		}),
		VerifyFailuresTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "ndnsync_verify_failures_total",
			Help: "Chunk or object verification failures.",
		}),
		BytesWrittenTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "ndnsync_bytes_written_total",
			Help: "Bytes written to the destination filesystem by restore.",
		}),

		PipelineRunsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ndnsync_pipeline_runs_total",
			Help: "Pipeline runs, by pipeline and status.",
		}, []string{"pipeline", "status"}),
		PipelineDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ndnsync_pipeline_duration_seconds",
			Help:    "Wall-clock duration of pipeline runs.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 14),
		}, []string{"pipeline"}),

		StagedObjectsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "ndnsync_staged_objects_total",
			Help: "Objects staged in the local manager.",
		}),
		StagedChunksTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "ndnsync_staged_chunks_total",
			Help: "Chunks staged in the local manager.",
		}),
	}
}

// NewDefault creates metrics on the default registry.
func NewDefault() *Metrics {
	return New(prometheus.DefaultRegisterer)
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
