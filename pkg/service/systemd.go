package service

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"github.com/dukahub/dukasync/pkg/log"
)

// UnitName is the systemd unit the daemon installs as.
const UnitName = "dukasync.service"

// Systemd manages a unit file under UnitDir and drives systemctl.
type Systemd struct {
	// UnitDir is where the unit file lives. Overridable for tests.
	UnitDir string

	runner func(args ...string) ([]byte, error)
	logger zerolog.Logger
}

// NewSystemd returns a manager operating on /etc/systemd/system.
func NewSystemd() *Systemd {
	return &Systemd{
		UnitDir: "/etc/systemd/system",
		runner:  runSystemctl,
		logger:  log.WithComponent("service"),
	}
}

func (s *Systemd) unitPath() string {
	return filepath.Join(s.UnitDir, UnitName)
}

// Install writes the unit file and enables it so the daemon starts on
// boot. It does not start the service immediately; that stays an explicit
// operator action.
func (s *Systemd) Install(opts InstallOptions) error {
	execPath := opts.ExecPath
	if execPath == "" {
		p, err := os.Executable()
		if err != nil {
			return fmt.Errorf("resolve executable: %w", err)
		}
		execPath = p
	}
	execPath, err := filepath.Abs(execPath)
	if err != nil {
		return fmt.Errorf("resolve executable path: %w", err)
	}

	if err := os.MkdirAll(s.UnitDir, 0o755); err != nil {
		return fmt.Errorf("create unit directory: %w", err)
	}
	if err := os.WriteFile(s.unitPath(), []byte(renderUnit(execPath, opts)), 0o644); err != nil {
		return fmt.Errorf("write unit file: %w", err)
	}

	if _, err := s.runner("daemon-reload"); err != nil {
		return err
	}
	if _, err := s.runner("enable", UnitName); err != nil {
		return err
	}

	s.logger.Info().Str("unit", s.unitPath()).Msg("service installed and enabled")
	return nil
}

// Uninstall disables and stops the unit, then removes its file.
func (s *Systemd) Uninstall() error {
	if _, err := os.Stat(s.unitPath()); errors.Is(err, os.ErrNotExist) {
		return ErrNotInstalled
	} else if err != nil {
		return fmt.Errorf("inspect unit file: %w", err)
	}

	// An inactive or already-disabled unit is not worth failing over; the
	// unit file still has to go.
	if out, err := s.runner("disable", "--now", UnitName); err != nil {
		s.logger.Warn().Err(err).Str("output", strings.TrimSpace(string(out))).Msg("disable failed, removing unit anyway")
	}

	if err := os.Remove(s.unitPath()); err != nil {
		return fmt.Errorf("remove unit file: %w", err)
	}
	if _, err := s.runner("daemon-reload"); err != nil {
		return err
	}

	s.logger.Info().Str("unit", s.unitPath()).Msg("service uninstalled")
	return nil
}

// Status reports whether the unit is installed and active.
func (s *Systemd) Status() (Status, error) {
	if _, err := os.Stat(s.unitPath()); errors.Is(err, os.ErrNotExist) {
		return StatusNotInstalled, nil
	} else if err != nil {
		return "", fmt.Errorf("inspect unit file: %w", err)
	}

	// is-active exits nonzero for anything but "active"; the printed state
	// is still meaningful.
	out, err := s.runner("is-active", UnitName)
	state := strings.TrimSpace(string(out))
	if state == "active" {
		return StatusRunning, nil
	}
	if state == "" && err != nil {
		return "", err
	}
	return StatusStopped, nil
}

// renderUnit builds the unit file body. Exit codes 1-3 mark configuration
// and bootstrap failures a restart cannot fix, so they are excluded from
// Restart=on-failure.
func renderUnit(execPath string, opts InstallOptions) string {
	var b strings.Builder
	b.WriteString("[Unit]\n")
	b.WriteString("Description=DukaSync LAN database synchronization daemon\n")
	b.WriteString("After=network-online.target\n")
	b.WriteString("Wants=network-online.target\n")
	b.WriteString("\n[Service]\n")
	b.WriteString("Type=simple\n")
	fmt.Fprintf(&b, "ExecStart=%s start", execPath)
	if opts.ConfigFile != "" {
		fmt.Fprintf(&b, " --config %s", opts.ConfigFile)
	}
	b.WriteString("\n")
	if opts.EnvFile != "" {
		fmt.Fprintf(&b, "EnvironmentFile=%s\n", opts.EnvFile)
	}
	if opts.User != "" {
		fmt.Fprintf(&b, "User=%s\n", opts.User)
	}
	b.WriteString("Restart=on-failure\n")
	b.WriteString("RestartSec=5\n")
	b.WriteString("RestartPreventExitStatus=1 2 3\n")
	b.WriteString("\n[Install]\n")
	b.WriteString("WantedBy=multi-user.target\n")
	return b.String()
}

func runSystemctl(args ...string) ([]byte, error) {
	out, err := exec.Command("systemctl", args...).CombinedOutput()
	if err != nil {
		return out, fmt.Errorf("systemctl %s: %v: %s", strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return out, nil
}
