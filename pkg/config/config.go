package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DiscoveryMode selects the UDP channel announcements travel on.
type DiscoveryMode string

const (
	DiscoveryMulticast DiscoveryMode = "multicast"
	DiscoveryBroadcast DiscoveryMode = "broadcast"
)

// MulticastGroup is the fixed multicast group announcements use. The port
// is always SyncPort+1.
const MulticastGroup = "239.77.85.1"

// Config is the full daemon configuration. Values resolve in order:
// defaults, then the optional YAML file, then process environment.
type Config struct {
	NodeName        string `yaml:"node_name"`
	RegistrationKey string `yaml:"registration_key"`
	SyncPort        int    `yaml:"sync_port"`
	AdvertiseAddr   string `yaml:"advertise_addr"`
	DataDir         string `yaml:"data_dir"`
	BackupsDir      string `yaml:"backups_dir"`
	DatabaseURL     string `yaml:"database_url"`

	LogLevel string `yaml:"log_level"`
	LogJSON  bool   `yaml:"log_json"`

	SyncInterval time.Duration `yaml:"sync_interval"`
	MaxBatchSize int           `yaml:"max_batch_size"`

	SkipDBPrecheck      bool          `yaml:"skip_db_precheck"`
	DBPrecheckAttempts  int           `yaml:"db_precheck_attempts"`
	DBPrecheckBaseDelay time.Duration `yaml:"db_precheck_base_delay"`

	DiscoveryMode        DiscoveryMode `yaml:"discovery_mode"`
	AnnounceInterval     time.Duration `yaml:"announce_interval"`
	UnreachableThreshold int           `yaml:"unreachable_threshold"`

	SessionTTL           time.Duration `yaml:"session_ttl"`
	SessionHardCap       time.Duration `yaml:"session_hard_cap"`
	AuthTokenTTL         time.Duration `yaml:"auth_token_ttl"`
	RateLimitWindow      time.Duration `yaml:"rate_limit_window"`
	RateLimitMaxRequests int           `yaml:"rate_limit_max_requests"`
	MaxFailedAttempts    int           `yaml:"max_failed_attempts"`

	BackoffBase    time.Duration `yaml:"backoff_base"`
	BackoffMax     time.Duration `yaml:"backoff_max"`
	NetworkTimeout time.Duration `yaml:"network_timeout"`

	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	HealthInterval  time.Duration `yaml:"health_interval"`

	RetentionMaxAge        time.Duration `yaml:"retention_max_age"`
	RetentionSweepInterval time.Duration `yaml:"retention_sweep_interval"`
	DigestWindow           int           `yaml:"digest_window"`
	DigestMismatchCycles   int           `yaml:"digest_mismatch_cycles"`

	// SnapshotRateLimit caps snapshot transfer bandwidth in bytes per
	// second. Zero means unlimited.
	SnapshotRateLimit int `yaml:"snapshot_rate_limit"`

	EnableEncryption  bool `yaml:"enable_encryption"`
	EnableCompression bool `yaml:"enable_compression"`
	EnableSignatures  bool `yaml:"enable_signatures"`

	OfflineQueueSize int `yaml:"offline_queue_size"`

	ExcludedTables []string `yaml:"excluded_tables"`
}

// DefaultExcludedTables are never captured by the change tracker: auth
// tables plus every sync bookkeeping table.
var DefaultExcludedTables = []string{
	"accounts",
	"sessions",
	"verification_tokens",
	"audit_logs",
	"sync_nodes",
	"sync_events",
	"conflict_resolutions",
	"sync_sessions",
	"network_partitions",
	"sync_metrics",
	"sync_configurations",
}

// Default returns the configuration the daemon runs with when nothing is
// overridden.
func Default() *Config {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "duka-node"
	}
	return &Config{
		NodeName:               hostname,
		SyncPort:               8765,
		DataDir:                "./data",
		BackupsDir:             "./backups",
		LogLevel:               "info",
		SyncInterval:           30 * time.Second,
		MaxBatchSize:           100,
		DBPrecheckAttempts:     3,
		DBPrecheckBaseDelay:    500 * time.Millisecond,
		DiscoveryMode:          DiscoveryMulticast,
		AnnounceInterval:       10 * time.Second,
		UnreachableThreshold:   6,
		SessionTTL:             60 * time.Minute,
		SessionHardCap:         4 * time.Hour,
		AuthTokenTTL:           5 * time.Minute,
		RateLimitWindow:        60 * time.Second,
		RateLimitMaxRequests:   100,
		MaxFailedAttempts:      3,
		BackoffBase:            time.Second,
		BackoffMax:             5 * time.Minute,
		NetworkTimeout:         10 * time.Second,
		ShutdownTimeout:        30 * time.Second,
		HealthInterval:         60 * time.Second,
		RetentionMaxAge:        30 * 24 * time.Hour,
		RetentionSweepInterval: time.Hour,
		DigestWindow:           128,
		DigestMismatchCycles:   3,
		EnableEncryption:       true,
		EnableCompression:      true,
		OfflineQueueSize:       512,
		ExcludedTables:         append([]string(nil), DefaultExcludedTables...),
	}
}

// Load builds the effective configuration. A .env file next to the working
// directory is honored if present; configFile may be empty.
func Load(configFile string) (*Config, error) {
	// Missing .env is the normal case.
	_ = godotenv.Load()

	cfg := Default()

	if configFile != "" {
		data, err := os.ReadFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	cfg.applyEnv()

	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = filepath.Join(cfg.DataDir, "dukasync.db")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("SYNC_REGISTRATION_KEY"); v != "" {
		c.RegistrationKey = v
	}
	if v := os.Getenv("SYNC_NODE_NAME"); v != "" {
		c.NodeName = v
	}
	if v := os.Getenv("SYNC_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			c.SyncPort = p
		} else {
			c.SyncPort = -1 // force validation failure instead of silently ignoring
		}
	}
	if v := os.Getenv("SYNC_INTERVAL"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
			c.SyncInterval = time.Duration(ms) * time.Millisecond
		}
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.LogLevel = strings.ToLower(v)
	}
	if v := os.Getenv("SKIP_DB_PRECHECK"); v != "" {
		c.SkipDBPrecheck = parseBool(v)
	}
	if v := os.Getenv("DB_PRECHECK_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.DBPrecheckAttempts = n
		}
	}
	if v := os.Getenv("DB_PRECHECK_BASE_DELAY_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
			c.DBPrecheckBaseDelay = time.Duration(ms) * time.Millisecond
		}
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.DatabaseURL = v
	}
	if v := os.Getenv("SYNC_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("SYNC_BACKUPS_DIR"); v != "" {
		c.BackupsDir = v
	}
	if v := os.Getenv("SYNC_DISCOVERY_MODE"); v != "" {
		c.DiscoveryMode = DiscoveryMode(strings.ToLower(v))
	}
	if v := os.Getenv("SYNC_ADVERTISE_ADDR"); v != "" {
		c.AdvertiseAddr = v
	}
	if v := os.Getenv("SYNC_SNAPSHOT_RATE_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			c.SnapshotRateLimit = n
		}
	}
}

func parseBool(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

// Validate rejects configurations the daemon cannot start with. A missing
// registration key is deliberately not an error here; the daemon starts
// insecure with a warning.
func (c *Config) Validate() error {
	if c.SyncPort < 1 || c.SyncPort > 65534 {
		// 65534 because the local API binds SyncPort+1.
		return fmt.Errorf("invalid sync port %d: must be 1-65534", c.SyncPort)
	}
	if c.SyncInterval <= 0 {
		return fmt.Errorf("invalid sync interval %v", c.SyncInterval)
	}
	if c.MaxBatchSize < 1 {
		return fmt.Errorf("invalid max batch size %d", c.MaxBatchSize)
	}
	if c.DiscoveryMode != DiscoveryMulticast && c.DiscoveryMode != DiscoveryBroadcast {
		return fmt.Errorf("invalid discovery mode %q: must be multicast or broadcast", c.DiscoveryMode)
	}
	if c.DBPrecheckAttempts < 1 {
		return fmt.Errorf("invalid db precheck attempts %d", c.DBPrecheckAttempts)
	}
	if c.UnreachableThreshold < 1 {
		return fmt.Errorf("invalid unreachable threshold %d", c.UnreachableThreshold)
	}
	return nil
}

// APIPort is where the local health/status HTTP server listens.
func (c *Config) APIPort() int {
	return c.SyncPort + 1
}

// DiscoveryPort is the UDP port announcements travel on.
func (c *Config) DiscoveryPort() int {
	return c.SyncPort + 1
}

// IsExcluded reports whether a table is exempt from change capture.
func (c *Config) IsExcluded(table string) bool {
	for _, t := range c.ExcludedTables {
		if t == table {
			return true
		}
	}
	return false
}

// StorePath resolves DATABASE_URL to a filesystem path for the embedded
// store. Accepts plain paths and file: URLs.
func (c *Config) StorePath() string {
	u := c.DatabaseURL
	u = strings.TrimPrefix(u, "file://")
	u = strings.TrimPrefix(u, "file:")
	return u
}
