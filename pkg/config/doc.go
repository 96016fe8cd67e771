// Package config resolves the daemon's configuration: compiled defaults,
// then an optional YAML file, then environment variables, each layer
// overriding the last. A local .env file is folded into the environment
// first, so development setups need no shell exports.
//
// Validate distinguishes fatal problems (an unusable port or data
// directory refuses startup) from degraded ones: a missing registration
// key logs a warning and the node runs insecure rather than not at all.
// Derived values (the API port one above the sync port, the discovery
// port, the excluded-table set) come from methods rather than stored
// fields so they can never drift from their inputs.
package config
