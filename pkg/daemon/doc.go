// Package daemon assembles a complete sync node and supervises its
// lifecycle.
//
// New runs the boot sequence: database precheck, identity bootstrap (a
// durable uuid minted on first boot), clock restore, and construction of
// every subsystem in dependency order. Start brings the subsystems up one
// by one and unwinds the ones already running if any of them fails. Run
// blocks until the context is cancelled or a subsystem dies unexpectedly,
// then shuts everything down in reverse order under ShutdownTimeout.
//
// Errors out of New and Run classify into process exit codes via ExitCode:
// configuration problems, precheck exhaustion, identity failures and
// runtime faults each get their own code so service managers can tell a
// corrupt database from a bad config file.
package daemon
