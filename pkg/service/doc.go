// Package service registers the daemon with the host's service manager so
// it starts on boot and restarts after runtime faults.
//
// Manager is the surface the CLI install and uninstall commands drive.
// Systemd is the only implementation: it writes a unit file under
// /etc/systemd/system and shells out to systemctl. Exit codes the daemon
// reserves for configuration and bootstrap failures are excluded from
// automatic restart, so a bad config file does not turn into a crash loop.
package service
