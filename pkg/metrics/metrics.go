package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Peer metrics
	PeersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dukasync_peers",
			Help: "Known peers by reachability state",
		},
		[]string{"state"},
	)

	// Event log and sync metrics
	EventLogSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dukasync_event_log_size",
			Help: "Rows currently in the outbound change log",
		},
	)

	EventsCaptured = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dukasync_events_captured",
			Help: "Local changes captured since process start",
		},
	)

	EventsApplied = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dukasync_events_applied",
			Help: "Remote events applied since process start",
		},
	)

	EventsPushed = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dukasync_events_pushed",
			Help: "Events pushed to peers since process start",
		},
	)

	EventsQuarantined = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dukasync_events_quarantined",
			Help: "Events quarantined since process start",
		},
	)

	ConflictsResolved = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dukasync_conflicts_resolved",
			Help: "Conflicts resolved since process start",
		},
	)

	SyncCycles = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dukasync_sync_cycles",
			Help: "Completed sync cycles since process start",
		},
	)

	CycleFailures = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dukasync_sync_cycle_failures",
			Help: "Failed sync cycles since process start",
		},
	)

	LastSyncTimestamp = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dukasync_last_sync_timestamp_seconds",
			Help: "Unix time of the last completed sync cycle, 0 if none yet",
		},
	)

	TrackerQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dukasync_tracker_queue_depth",
			Help: "Captured changes waiting for the store to come back",
		},
	)

	// Partition and recovery metrics
	PartitionsOpen = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dukasync_partitions_open",
			Help: "Unresolved network partitions",
		},
	)

	Recoveries = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dukasync_recoveries",
			Help: "Bulk snapshot recoveries by outcome",
		},
		[]string{"outcome"},
	)

	// Component metrics
	ComponentUp = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dukasync_component_up",
			Help: "Whether a daemon component is running (1 = running)",
		},
		[]string{"component"},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dukasync_api_requests_total",
			Help: "Total number of local API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dukasync_api_request_duration_seconds",
			Help:    "Local API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)
)

func init() {
	prometheus.MustRegister(PeersTotal)
	prometheus.MustRegister(EventLogSize)
	prometheus.MustRegister(EventsCaptured)
	prometheus.MustRegister(EventsApplied)
	prometheus.MustRegister(EventsPushed)
	prometheus.MustRegister(EventsQuarantined)
	prometheus.MustRegister(ConflictsResolved)
	prometheus.MustRegister(SyncCycles)
	prometheus.MustRegister(CycleFailures)
	prometheus.MustRegister(LastSyncTimestamp)
	prometheus.MustRegister(TrackerQueueDepth)
	prometheus.MustRegister(PartitionsOpen)
	prometheus.MustRegister(Recoveries)
	prometheus.MustRegister(ComponentUp)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
}

// Handler returns the Prometheus HTTP handler mounted on the local API.
func Handler() http.Handler {
	return promhttp.Handler()
}
