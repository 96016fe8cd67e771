package service

import "errors"

// Status of the host service registration.
type Status string

const (
	StatusNotInstalled Status = "not-installed"
	StatusStopped      Status = "stopped"
	StatusRunning      Status = "running"
)

// ErrNotInstalled is returned by Uninstall when there is nothing to remove.
var ErrNotInstalled = errors.New("service is not installed")

// InstallOptions parameterize the generated service definition.
type InstallOptions struct {
	// ExecPath is the daemon binary the service runs. Defaults to the
	// current executable.
	ExecPath string
	// ConfigFile is passed to the daemon as --config when set.
	ConfigFile string
	// EnvFile is loaded into the service environment when set; the usual
	// home for SYNC_REGISTRATION_KEY so it stays out of the unit file.
	EnvFile string
	// User the service runs as. Empty keeps the manager default.
	User string
}

// Manager installs, removes and inspects the daemon's registration with
// the host service manager.
type Manager interface {
	Install(opts InstallOptions) error
	Uninstall() error
	Status() (Status, error)
}
