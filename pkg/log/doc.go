/*
Package log configures the process-wide zerolog logger.

Init is called once at startup with the level and format from config;
console output is the human default, JSON for service deployments. Every
subsystem takes a child logger via WithComponent so each line carries the
component that wrote it, and the sync-domain helpers WithNodeID,
WithPeerID, and WithSessionID stamp the identities a line concerns:

	logger := log.WithComponent("engine")
	logger.Info().Str("peer", peerID).Msg("sync cycle complete")

Levels follow zerolog: trace, debug, info, warn, error. An unknown level
falls back to info with a warning rather than refusing to start.
*/
package log
