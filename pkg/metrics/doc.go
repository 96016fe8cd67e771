// Package metrics exposes the daemon's Prometheus instrumentation and the
// health monitor that keeps it fresh.
//
// All collectors are package-level variables registered with the default
// registry at init, so any package can update them without wiring. The
// /metrics endpoint on the local API serves the standard promhttp handler.
//
// # Series
//
// Polled gauges, refreshed by the Monitor from live component state:
//
//	dukasync_peers{state}                     known peers by reachability
//	dukasync_event_log_size                   rows in the outbound change log
//	dukasync_events_captured                  local changes captured
//	dukasync_events_applied                   remote events applied
//	dukasync_events_pushed                    events pushed to peers
//	dukasync_events_quarantined               events quarantined
//	dukasync_conflicts_resolved               conflict verdicts written
//	dukasync_sync_cycles                      completed sync cycles
//	dukasync_sync_cycle_failures              failed sync cycles
//	dukasync_last_sync_timestamp_seconds      unix time of last cycle
//	dukasync_tracker_queue_depth              offline-queued changes
//	dukasync_partitions_open                  unresolved partitions
//	dukasync_recoveries{outcome}              bulk recoveries by outcome
//	dukasync_component_up{component}          component running state
//
// Call-site series, updated where the work happens:
//
//	dukasync_api_requests_total{method,status}     local API requests
//	dukasync_api_request_duration_seconds{method}  local API latency
//
// # Monitor
//
// Monitor ticks every HealthInterval (default 60s), refreshes the polled
// gauges, and persists a sync_metrics counters row so operators can read
// history across restarts:
//
//	mon, err := metrics.NewMonitor(metrics.Config{
//		Store:    store,
//		Registry: registry,
//		Tracker:  trk,
//		Engine:   eng,
//	})
//	mon.Watch("engine", eng)
//	mon.Watch("discovery", disco)
//	mon.Start()
//
// Watched components surface as dukasync_component_up and feed the
// /status endpoint's component map.
package metrics
