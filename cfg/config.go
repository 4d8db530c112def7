package cfg

import (
	"flag"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/denisbrodbeck/machineid"
	"github.com/rs/zerolog/log"
)

// DriverType selects the notification source
type DriverType string

const (
	DriverOracle    DriverType = "oracle"    // godror / ODPI-C
	DriverSimulated DriverType = "simulated" // in-process driver, no database
)

// WakeType selects the mailbox wake primitive
type WakeType string

const (
	WakeChannel WakeType = "channel"
	WakePipe    WakeType = "pipe"
)

// OracleConfiguration holds connection settings for the Oracle driver
type OracleConfiguration struct {
	Driver        DriverType `toml:"driver"`
	Username      string     `toml:"username"`
	Password      string     `toml:"password"`
	ConnectString string     `toml:"connect_string"`
	Events        bool       `toml:"events"` // Required by the database for notifications
}

// SubscriptionConfiguration describes one subscription created at startup
type SubscriptionConfiguration struct {
	Name            string   `toml:"name"`
	Queries         []string `toml:"queries"`
	QOS             []string `toml:"qos"`        // e.g. ["query", "rowids"]
	Operations      []string `toml:"operations"` // empty = all operations
	TimeoutSeconds  int      `toml:"timeout_seconds"`
	ClientInitiated bool     `toml:"client_initiated"`
	IPAddress       string   `toml:"ip_address"`
	Port            uint32   `toml:"port"`
	Relay           bool     `toml:"relay"` // Append delivered notifications to the relay log
}

// MailboxConfiguration controls the notification mailbox of each subscription
type MailboxConfiguration struct {
	Wake            WakeType `toml:"wake"`
	MaxMessageBytes int      `toml:"max_message_bytes"` // 0 = unlimited
}

// ServiceConfiguration controls the subscription manager
type ServiceConfiguration struct {
	MaxSubscriptions int `toml:"max_subscriptions"`
	WatchBuffer      int `toml:"watch_buffer"` // Per-watcher buffered signals
}

// SinkConfiguration describes one relay destination
type SinkConfiguration struct {
	Name            string   `toml:"name"`
	Type            string   `toml:"type"`        // "kafka", "nats" or "mock"
	Format          string   `toml:"format"`      // "json", "msgpack" or "envelope"
	Compression     string   `toml:"compression"` // "" or "zstd"
	Brokers         []string `toml:"brokers"`
	NatsURL         string   `toml:"nats_url"`
	TopicPrefix     string   `toml:"topic_prefix"`
	FilterTables    []string `toml:"filter_tables"`
	FilterDatabases []string `toml:"filter_databases"`
	BatchSize       int      `toml:"batch_size"`
	PollIntervalMS  int      `toml:"poll_interval_ms"`
	RetryInitialMS  int      `toml:"retry_initial_ms"`
	RetryMaxMS      int      `toml:"retry_max_ms"`
	RetryMultiplier float64  `toml:"retry_multiplier"`
}

// AdminConfiguration for the admin HTTP server
type AdminConfiguration struct {
	Enabled bool   `toml:"enabled"`
	Address string `toml:"address"`
	Port    int    `toml:"port"`
	Secret  string `toml:"secret"` // Empty disables authentication
}

// LoggingConfiguration controls logging behavior
type LoggingConfiguration struct {
	Verbose bool   `toml:"verbose"`
	Format  string `toml:"format"` // "console" or "json"
}

// PrometheusConfiguration for metrics
type PrometheusConfiguration struct {
	Enabled bool `toml:"enabled"`
}

// Configuration is the main configuration structure
type Configuration struct {
	NodeID  uint64 `toml:"node_id"`
	DataDir string `toml:"data_dir"`

	Oracle        OracleConfiguration         `toml:"oracle"`
	Subscriptions []SubscriptionConfiguration `toml:"subscriptions"`
	Mailbox       MailboxConfiguration        `toml:"mailbox"`
	Service       ServiceConfiguration        `toml:"service"`
	Sinks         []SinkConfiguration         `toml:"sinks"`
	Admin         AdminConfiguration          `toml:"admin"`
	Logging       LoggingConfiguration        `toml:"logging"`
	Prometheus    PrometheusConfiguration     `toml:"prometheus"`
}

// Command line flags
var (
	ConfigPathFlag = flag.String("config", "config.toml", "Path to configuration file")
	DataDirFlag    = flag.String("data-dir", "", "Data directory (overrides config)")
	NodeIDFlag     = flag.Uint64("node-id", 0, "Node ID (overrides config, 0=auto)")
	AdminPortFlag  = flag.Int("admin-port", 0, "Admin HTTP port (overrides config)")
)

// Default configuration
var Config = &Configuration{
	NodeID:  0, // Auto-generate
	DataDir: "./cqnotify-data",

	Oracle: OracleConfiguration{
		Driver: DriverOracle,
		Events: true,
	},

	Mailbox: MailboxConfiguration{
		Wake:            WakeChannel,
		MaxMessageBytes: 16 << 20, // 16MB
	},

	Service: ServiceConfiguration{
		MaxSubscriptions: 64,
		WatchBuffer:      64,
	},

	Admin: AdminConfiguration{
		Enabled: true,
		Address: "127.0.0.1",
		Port:    8090,
	},

	Logging: LoggingConfiguration{
		Verbose: false,
		Format:  "console",
	},

	Prometheus: PrometheusConfiguration{
		Enabled: true,
	},
}

// Load loads configuration from file and applies CLI overrides
func Load(configPath string) error {
	// Load from file if it exists
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			log.Info().Str("path", configPath).Msg("Loading configuration")
			if _, err := toml.DecodeFile(configPath, Config); err != nil {
				return fmt.Errorf("failed to decode config: %w", err)
			}
		} else {
			log.Warn().Str("path", configPath).Msg("Config file not found, using defaults")
		}
	}

	// Apply CLI overrides
	if *DataDirFlag != "" {
		Config.DataDir = *DataDirFlag
	}
	if *NodeIDFlag != 0 {
		Config.NodeID = *NodeIDFlag
	}
	if *AdminPortFlag != 0 {
		Config.Admin.Port = *AdminPortFlag
	}

	// Auto-generate node ID if not set
	if Config.NodeID == 0 {
		id, err := generateNodeID()
		if err != nil {
			log.Warn().Err(err).Msg("Machine ID unavailable, deriving node ID from hostname")
			id, err = hostnameNodeID()
			if err != nil {
				return fmt.Errorf("failed to generate node ID: %w", err)
			}
		}
		Config.NodeID = id
		log.Info().Uint64("node_id", Config.NodeID).Msg("Auto-generated node ID")
	}

	// Ensure data directory exists
	if err := os.MkdirAll(Config.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	return nil
}

// generateNodeID creates a unique node ID based on machine ID
func generateNodeID() (uint64, error) {
	id, err := machineid.ProtectedID("cqnotify")
	if err != nil {
		return 0, err
	}
	return hashID(id), nil
}

func hostnameNodeID() (uint64, error) {
	host, err := os.Hostname()
	if err != nil {
		return 0, err
	}
	return hashID(host), nil
}

func hashID(s string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(s))
	return h.Sum64()
}

// Validate checks configuration for errors
func Validate() error {
	switch Config.Oracle.Driver {
	case DriverOracle:
		if Config.Oracle.ConnectString == "" {
			return fmt.Errorf("oracle connect_string is required")
		}
	case DriverSimulated:
	default:
		return fmt.Errorf("invalid oracle driver: %q", Config.Oracle.Driver)
	}

	switch Config.Mailbox.Wake {
	case WakeChannel, WakePipe:
	default:
		return fmt.Errorf("invalid mailbox wake type: %q", Config.Mailbox.Wake)
	}

	if Config.Mailbox.MaxMessageBytes < 0 {
		return fmt.Errorf("mailbox max_message_bytes must be >= 0")
	}

	if Config.Service.MaxSubscriptions < 1 {
		return fmt.Errorf("service max_subscriptions must be >= 1")
	}

	if Config.Service.WatchBuffer < 1 {
		return fmt.Errorf("service watch_buffer must be >= 1")
	}

	if len(Config.Subscriptions) > Config.Service.MaxSubscriptions {
		return fmt.Errorf("%d subscriptions configured, max_subscriptions is %d",
			len(Config.Subscriptions), Config.Service.MaxSubscriptions)
	}

	names := make(map[string]bool, len(Config.Subscriptions))
	for i, sub := range Config.Subscriptions {
		if sub.Name == "" {
			return fmt.Errorf("subscriptions[%d]: name is required", i)
		}
		if names[sub.Name] {
			return fmt.Errorf("duplicate subscription name %q", sub.Name)
		}
		names[sub.Name] = true
		if sub.TimeoutSeconds < 0 {
			return fmt.Errorf("subscription %q: timeout_seconds must be >= 0", sub.Name)
		}
	}

	sinkNames := make(map[string]bool, len(Config.Sinks))
	for i, sink := range Config.Sinks {
		if sink.Name == "" {
			return fmt.Errorf("sinks[%d]: name is required", i)
		}
		if sinkNames[sink.Name] {
			return fmt.Errorf("duplicate sink name %q", sink.Name)
		}
		sinkNames[sink.Name] = true
		switch sink.Compression {
		case "", "zstd":
		default:
			return fmt.Errorf("sink %q: invalid compression %q", sink.Name, sink.Compression)
		}
	}

	if Config.Admin.Enabled && (Config.Admin.Port < 1 || Config.Admin.Port > 65535) {
		return fmt.Errorf("invalid admin port: %d", Config.Admin.Port)
	}

	return nil
}

// IsAdminAuthEnabled returns true when the admin API requires a secret
func IsAdminAuthEnabled() bool {
	return Config.Admin.Secret != ""
}

// GetAdminSecret returns the shared secret for the admin API
func GetAdminSecret() string {
	return Config.Admin.Secret
}

// RelayLogPath returns the directory of the relay log
func RelayLogPath() string {
	return filepath.Join(Config.DataDir, "relay_log")
}
