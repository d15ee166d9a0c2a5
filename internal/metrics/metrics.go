package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var IngestedEvents = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "syncq_ingested_events_total",
		Help: "Events accepted by the ingestion gateway, by source, entity and result (created|duplicate)",
	},
	[]string{"source", "entity", "result"},
)

var Rejections = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "syncq_ingest_rejections_total",
		Help: "Deliveries rejected before persistence",
	},
	[]string{"provider", "reason"},
)

var ProcessingOutcomes = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "syncq_processing_outcomes_total",
		Help: "Finished processing attempts by entity and resulting status",
	},
	[]string{"entity", "status"},
)

var ProcessingDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "syncq_processing_duration_seconds",
		Help:    "Handler execution time per attempt",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"entity"},
)

var ClaimedEvents = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "syncq_claimed_events_total",
		Help: "Events claimed by this instance's dispatcher",
	},
)

var InFlight = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "syncq_inflight_events",
		Help: "Events currently held by this instance's workers",
	},
)

var StoreErrors = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "syncq_store_errors_total",
		Help: "Event store failures seen by background loops",
	},
	[]string{"op"},
)

var ReapedClaims = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "syncq_reaped_claims_total",
		Help: "Stale claims recovered by the reaper",
	},
)

var QueueEvents = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "syncq_queue_events",
		Help: "Events in the store by status, as of the last health read",
	},
	[]string{"status"},
)

func init() {
	prometheus.MustRegister(
		IngestedEvents,
		Rejections,
		ProcessingOutcomes,
		ProcessingDuration,
		ClaimedEvents,
		InFlight,
		StoreErrors,
		ReapedClaims,
		QueueEvents,
	)
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
