// Package api serves the local HTTP surface of a DukaSync node: health
// and status probes, the Prometheus scrape endpoint, and a small
// localhost-only admin interface. It binds one port above the sync
// listener (sync port 8765 puts the API on 8766).
//
// # Endpoints
//
//	GET  /health                          liveness probe, 503 while the
//	                                      sync engine is not running
//	GET  /status                          full operational picture: peers,
//	                                      watermarks, partitions, recovery
//	GET  /metrics                         Prometheus exposition
//	POST /admin/rotate-key                rotate the registration key
//	POST /admin/partitions/{id}/strategy  override a partition strategy
//
// /health is shaped for supervisors and peer probes:
//
//	{
//	  "status": "healthy",
//	  "uptime": 86400.5,
//	  "memoryUsage": 18874368,
//	  "syncService": {
//	    "isRunning": true,
//	    "nodeId": "1f6c...",
//	    "nodeName": "till-3",
//	    "peersConnected": 2,
//	    "totalEventsSynced": 15234,
//	    "lastSyncTime": "2025-11-02T09:15:04Z"
//	  }
//	}
//
// # Admin Surface
//
// The /admin routes answer only to loopback clients. The API deliberately
// binds all interfaces — peers probe /health across the LAN — so the
// restriction is enforced per request from the connection's source
// address, not by the bind address.
//
// # Wiring
//
// The server reads every subsystem through a narrow interface so the
// daemon can wire it last:
//
//	srv, err := api.NewServer(api.Config{
//		BindAddr:   ":8766",
//		Self:       self,
//		Engine:     eng,
//		Registry:   registry,
//		Store:      store,
//		Security:   sec,
//		Partitions: detector,
//		Monitor:    mon,
//	})
//	if err != nil {
//		return err
//	}
//	if err := srv.Start(); err != nil {
//		return err
//	}
//	defer srv.Stop()
//
// Every request is counted and timed into the dukasync_api_requests_total
// and dukasync_api_request_duration_seconds series, labeled by matched
// route.
package api
