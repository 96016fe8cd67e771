package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/dukahub/dukasync/pkg/api"
	"github.com/dukahub/dukasync/pkg/config"
	"github.com/dukahub/dukasync/pkg/daemon"
	"github.com/dukahub/dukasync/pkg/log"
	"github.com/dukahub/dukasync/pkg/service"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "dukasync",
	Short: "DukaSync - LAN database synchronization daemon",
	Long: `DukaSync keeps the local databases of point-of-sale nodes on one LAN
in sync with each other: peers find each other over UDP, exchange
change events over authenticated TCP sessions, and resolve conflicts
deterministically so every till converges to the same data with no
central server.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"DukaSync version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(installCmd)
	rootCmd.AddCommand(uninstallCmd)
	rootCmd.AddCommand(rotateKeyCmd)
	rootCmd.AddCommand(versionCmd)
}

// Start command

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the sync daemon",
	Long: `Start the sync daemon in the foreground.

The daemon prechecks its database, loads or mints the node identity,
then brings up change capture, peer discovery, the sync engine and the
local status API. It runs until interrupted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		configFile, _ := cmd.Flags().GetString("config")

		cfg, err := config.Load(configFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(daemon.ExitConfig)
		}

		log.Init(log.Config{
			Level:      log.Level(cfg.LogLevel),
			JSONOutput: cfg.LogJSON,
		})

		fmt.Println("Starting DukaSync node...")
		fmt.Printf("  Node Name: %s\n", cfg.NodeName)
		fmt.Printf("  Sync Port: %d\n", cfg.SyncPort)
		fmt.Printf("  API Port:  %d\n", cfg.APIPort())
		fmt.Printf("  Data Dir:  %s\n", cfg.DataDir)
		fmt.Println()

		d, err := daemon.New(cfg, Version)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(daemon.ExitCode(err))
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		go func() {
			<-sigCh
			fmt.Println("\nShutting down...")
			cancel()
		}()

		fmt.Printf("Node %s is running. Press Ctrl+C to stop.\n", d.Self().NodeID)

		if err := d.Run(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(daemon.ExitCode(err))
		}

		fmt.Println("✓ Shutdown complete")
		return nil
	},
}

// Status command

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the running daemon's sync status",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		configFile, _ := cmd.Flags().GetString("config")
		apiAddr, _ := cmd.Flags().GetString("api")
		asJSON, _ := cmd.Flags().GetBool("json")

		base, err := apiBase(configFile, apiAddr)
		if err != nil {
			return err
		}

		client := &http.Client{Timeout: 5 * time.Second}
		resp, err := client.Get(base + "/status")
		if err != nil {
			return fmt.Errorf("daemon unreachable at %s (is it running?): %v", base, err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("status endpoint returned %s", resp.Status)
		}

		var st api.StatusResponse
		if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
			return fmt.Errorf("decode status: %v", err)
		}

		if asJSON {
			out, err := json.MarshalIndent(st, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		}

		printStatus(&st)
		return nil
	},
}

func printStatus(st *api.StatusResponse) {
	uptime := time.Duration(st.Node.Uptime * float64(time.Second)).Round(time.Second)

	fmt.Printf("Node:       %s (%s)\n", st.Node.NodeName, st.Node.NodeID)
	fmt.Printf("Version:    %s\n", st.Node.Version)
	fmt.Printf("Endpoint:   %s\n", st.Node.Endpoint)
	fmt.Printf("Uptime:     %s\n", uptime)
	fmt.Printf("Event log:  %s events\n", humanize.Comma(int64(st.EventLog)))
	fmt.Printf("Totals:     %d applied / %d pushed / %d conflicts resolved / %d quarantined\n",
		st.Totals.EventsApplied, st.Totals.EventsPushed,
		st.Totals.ConflictsResolved, st.Totals.EventsQuarantined)
	if !st.Totals.LastSyncAt.IsZero() {
		fmt.Printf("Last sync:  %s\n", humanize.Time(st.Totals.LastSyncAt))
	}

	fmt.Printf("Peers:      %d\n", len(st.Peers))
	for _, p := range st.Peers {
		live := "unreachable"
		if p.Live {
			live = "live"
		}
		fmt.Printf("  %-36s %-11s %-10s pulled=%d pushed=%d",
			p.PeerID, live, p.State, p.EventsPulled, p.EventsPushed)
		if p.LastError != "" {
			fmt.Printf("  last error: %s", p.LastError)
		}
		fmt.Println()
	}

	if len(st.Partitions) > 0 {
		fmt.Printf("Partitions: %d unresolved\n", len(st.Partitions))
		for _, p := range st.Partitions {
			fmt.Printf("  %s  peers=%v  reason=%s  strategy=%s  status=%s\n",
				p.PartitionID, p.Peers, p.Reason, p.Strategy, p.Status)
		}
	}

	if st.Recovery != nil && st.Recovery.Total > 0 {
		fmt.Printf("Recoveries: %d total, %.0f%% success, avg %s\n",
			st.Recovery.Total, st.Recovery.SuccessRate*100,
			st.Recovery.AvgDuration.Round(time.Second))
	}

	if len(st.Components) > 0 {
		fmt.Print("Components:")
		for name, up := range st.Components {
			mark := "✗"
			if up {
				mark = "✓"
			}
			fmt.Printf(" %s %s", mark, name)
		}
		fmt.Println()
	}
}

// Rotate-key command

var rotateKeyCmd = &cobra.Command{
	Use:   "rotate-key",
	Short: "Rotate the shared registration key",
	Long: `Rotate the shared registration key on the local daemon.

The previous key stays valid for the grace period so peers rotating one
by one never lose each other. Run this on every node with the same new
key before the grace period expires.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		configFile, _ := cmd.Flags().GetString("config")
		apiAddr, _ := cmd.Flags().GetString("api")
		newKey, _ := cmd.Flags().GetString("key")
		grace, _ := cmd.Flags().GetDuration("grace")

		if newKey == "" {
			return fmt.Errorf("--key is required")
		}

		base, err := apiBase(configFile, apiAddr)
		if err != nil {
			return err
		}

		body, err := json.Marshal(api.RotateKeyRequest{
			NewKey:       newKey,
			GraceSeconds: int(grace.Seconds()),
		})
		if err != nil {
			return err
		}

		client := &http.Client{Timeout: 5 * time.Second}
		resp, err := client.Post(base+"/admin/rotate-key", "application/json", bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("daemon unreachable at %s (is it running?): %v", base, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			var apiErr api.ErrorResponse
			if err := json.NewDecoder(resp.Body).Decode(&apiErr); err == nil && apiErr.Error != "" {
				return fmt.Errorf("rotation refused: %s", apiErr.Error)
			}
			return fmt.Errorf("rotation failed: %s", resp.Status)
		}

		var out api.RotateKeyResponse
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return fmt.Errorf("decode response: %v", err)
		}

		fmt.Println("✓ Registration key rotated")
		fmt.Printf("  Previous key honored until %s\n", out.GraceUntil.Local().Format(time.RFC3339))
		return nil
	},
}

// Install / uninstall commands

var installCmd = &cobra.Command{
	Use:   "install",
	Short: "Register the daemon with systemd",
	Long: `Write a systemd unit for the daemon and enable it at boot.

The current binary path is embedded in the unit unless --exec overrides
it. The unit is enabled but not started; start it explicitly once the
registration key is in place.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		configFile, _ := cmd.Flags().GetString("config")
		envFile, _ := cmd.Flags().GetString("env-file")
		user, _ := cmd.Flags().GetString("user")
		execPath, _ := cmd.Flags().GetString("exec")

		opts := service.InstallOptions{
			ExecPath: execPath,
			EnvFile:  envFile,
			User:     user,
		}
		if configFile != "" {
			abs, err := filepath.Abs(configFile)
			if err != nil {
				return fmt.Errorf("resolve config path: %v", err)
			}
			opts.ConfigFile = abs
		}

		if err := service.NewSystemd().Install(opts); err != nil {
			return fmt.Errorf("install service: %v", err)
		}

		fmt.Println("✓ Service installed and enabled")
		fmt.Printf("  Start now with: systemctl start %s\n", service.UnitName)
		return nil
	},
}

var uninstallCmd = &cobra.Command{
	Use:   "uninstall",
	Short: "Remove the daemon's systemd registration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true

		if err := service.NewSystemd().Uninstall(); err != nil {
			if errors.Is(err, service.ErrNotInstalled) {
				return fmt.Errorf("nothing to do: %v", err)
			}
			return fmt.Errorf("uninstall service: %v", err)
		}

		fmt.Println("✓ Service uninstalled")
		return nil
	},
}

// Version command

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("DukaSync version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime)
	},
}

func init() {
	startCmd.Flags().String("config", "", "Path to YAML config file (env still applies)")

	statusCmd.Flags().String("config", "", "Path to YAML config file, used to locate the API port")
	statusCmd.Flags().String("api", "", "Override the local API address (host:port)")
	statusCmd.Flags().Bool("json", false, "Print the raw status document")

	rotateKeyCmd.Flags().String("config", "", "Path to YAML config file, used to locate the API port")
	rotateKeyCmd.Flags().String("api", "", "Override the local API address (host:port)")
	rotateKeyCmd.Flags().String("key", "", "New registration key")
	rotateKeyCmd.Flags().Duration("grace", time.Hour, "How long the previous key stays valid")

	installCmd.Flags().String("config", "", "Config file path embedded into the unit")
	installCmd.Flags().String("env-file", "", "EnvironmentFile for the unit (registration key etc.)")
	installCmd.Flags().String("user", "", "User the service runs as")
	installCmd.Flags().String("exec", "", "Daemon binary path (defaults to this executable)")
}

// apiBase resolves the daemon's local API base URL: an explicit --api wins,
// otherwise the port is derived from the same config the daemon loads.
func apiBase(configFile, override string) (string, error) {
	if override != "" {
		return "http://" + override, nil
	}
	cfg, err := config.Load(configFile)
	if err != nil {
		return "", fmt.Errorf("load config: %v", err)
	}
	return fmt.Sprintf("http://127.0.0.1:%d", cfg.APIPort()), nil
}
