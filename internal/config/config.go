// ABOUTME: Configuration loading and parsing for agent-network
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete agent-network configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Machine   MachineConfig   `yaml:"machine"`
	Network   NetworkConfig   `yaml:"network"`
	Limits    LimitsConfig    `yaml:"limits"`
	Retention RetentionConfig `yaml:"retention"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig holds the daemon's listen address
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// MachineConfig identifies this machine to paired peers
type MachineConfig struct {
	Name string `yaml:"name"` // defaults to the hostname
	URL  string `yaml:"url"`  // externally reachable URL, required for pairing
}

// NetworkConfig holds the presence and polling timing parameters.
// The heartbeat interval is kept strictly below the expiry threshold so at
// least one heartbeat lands before a session ages out, even with poll jitter.
type NetworkConfig struct {
	AgentExpiry       time.Duration `yaml:"-"`
	HeartbeatInterval time.Duration `yaml:"-"`
	PollInterval      time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	AgentExpiryRaw       string `yaml:"agent_expiry"`
	HeartbeatIntervalRaw string `yaml:"heartbeat_interval"`
	PollIntervalRaw      string `yaml:"poll_interval"`
}

// LimitsConfig holds message batching and flood-control limits
type LimitsConfig struct {
	InboxBatch         int `yaml:"inbox_batch"`           // check_inbox batch size
	HookBatch          int `yaml:"hook_batch"`            // pre-tool hook batch size
	MaxContentLength   int `yaml:"max_content_length"`    // per-message content cap
	MaxUnreadPerSender int `yaml:"max_unread_per_sender"` // pending cap per sender/recipient pair
	PairRateLimit      int `yaml:"pair_rate_limit"`       // messages per window per pair

	PairRateWindow    time.Duration `yaml:"-"`
	PairRateWindowRaw string        `yaml:"pair_rate_window"`
}

// RetentionConfig holds the delivered-message retention policy
type RetentionConfig struct {
	DeliveredTTL    time.Duration `yaml:"-"`
	DeliveredTTLRaw string        `yaml:"delivered_ttl"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration used when no config file exists.
func Default() *Config {
	return &Config{
		Server:   ServerConfig{HTTPAddr: "127.0.0.1:7777"},
		Database: DatabaseConfig{Path: defaultDBPath()},
		Network: NetworkConfig{
			AgentExpiry:       30 * time.Second,
			HeartbeatInterval: 14 * time.Second,
			PollInterval:      2 * time.Second,
		},
		Limits: LimitsConfig{
			InboxBatch:         5,
			HookBatch:          3,
			MaxContentLength:   8000,
			MaxUnreadPerSender: 5,
			PairRateLimit:      10,
			PairRateWindow:     time.Minute,
		},
		Retention: RetentionConfig{DeliveredTTL: 7 * 24 * time.Hour},
		Logging:   LoggingConfig{Level: "info", Format: "text"},
	}
}

// DefaultPath returns the path to the config file.
// Priority: AGENT_NETWORK_CONFIG env var > XDG_CONFIG_HOME/agent-network/config.yaml > ~/.config/agent-network/config.yaml
func DefaultPath() string {
	if envPath := os.Getenv("AGENT_NETWORK_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "config.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "agent-network", "config.yaml")
}

// defaultDBPath returns the database location.
// Priority: AGENT_NETWORK_DB env var > XDG_DATA_HOME/agent-network/network.db > ~/.local/share/agent-network/network.db
func defaultDBPath() string {
	if envPath := os.Getenv("AGENT_NETWORK_DB"); envPath != "" {
		return envPath
	}

	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "network.db" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "agent-network", "network.db")
}

// SessionStateDir returns the directory holding per-session identity state
// files written by the session-start hook.
func SessionStateDir() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "sessions"
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}
	return filepath.Join(dataDir, "agent-network", "sessions")
}

// Load reads a configuration file from the given path and returns a parsed Config.
// A missing file is not an error: the defaults are returned, so the hooks and
// CLI tools work without any setup. Environment variables in the format
// ${VAR_NAME} are expanded. Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return Default(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expandedData), cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Parse duration fields
	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	// Match ${VAR_NAME} pattern
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// MachineName returns the configured machine name, falling back to
// AGENT_NETWORK_MACHINE_NAME and then the hostname.
func (c *Config) MachineName() string {
	if c.Machine.Name != "" {
		return c.Machine.Name
	}
	if env := os.Getenv("AGENT_NETWORK_MACHINE_NAME"); env != "" {
		return env
	}
	hostname, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return hostname
}

// MachineURL returns this machine's externally reachable URL, falling
// back to AGENT_NETWORK_HTTP_URL. Empty when pairing is not configured.
func (c *Config) MachineURL() string {
	if c.Machine.URL != "" {
		return c.Machine.URL
	}
	return os.Getenv("AGENT_NETWORK_HTTP_URL")
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Network.AgentExpiry <= 0 {
		return fmt.Errorf("network.agent_expiry must be positive")
	}
	if c.Network.HeartbeatInterval >= c.Network.AgentExpiry {
		return fmt.Errorf("network.heartbeat_interval must be shorter than network.agent_expiry")
	}
	if c.Network.PollInterval <= 0 {
		return fmt.Errorf("network.poll_interval must be positive")
	}
	if c.Limits.InboxBatch <= 0 || c.Limits.HookBatch <= 0 {
		return fmt.Errorf("limits.inbox_batch and limits.hook_batch must be positive")
	}
	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Network.AgentExpiryRaw != "" {
		cfg.Network.AgentExpiry, err = time.ParseDuration(cfg.Network.AgentExpiryRaw)
		if err != nil {
			return fmt.Errorf("parsing agent_expiry %q: %w", cfg.Network.AgentExpiryRaw, err)
		}
	}

	if cfg.Network.HeartbeatIntervalRaw != "" {
		cfg.Network.HeartbeatInterval, err = time.ParseDuration(cfg.Network.HeartbeatIntervalRaw)
		if err != nil {
			return fmt.Errorf("parsing heartbeat_interval %q: %w", cfg.Network.HeartbeatIntervalRaw, err)
		}
	}

	if cfg.Network.PollIntervalRaw != "" {
		cfg.Network.PollInterval, err = time.ParseDuration(cfg.Network.PollIntervalRaw)
		if err != nil {
			return fmt.Errorf("parsing poll_interval %q: %w", cfg.Network.PollIntervalRaw, err)
		}
	}

	if cfg.Limits.PairRateWindowRaw != "" {
		cfg.Limits.PairRateWindow, err = time.ParseDuration(cfg.Limits.PairRateWindowRaw)
		if err != nil {
			return fmt.Errorf("parsing pair_rate_window %q: %w", cfg.Limits.PairRateWindowRaw, err)
		}
	}

	if cfg.Retention.DeliveredTTLRaw != "" {
		cfg.Retention.DeliveredTTL, err = time.ParseDuration(cfg.Retention.DeliveredTTLRaw)
		if err != nil {
			return fmt.Errorf("parsing delivered_ttl %q: %w", cfg.Retention.DeliveredTTLRaw, err)
		}
	}

	return nil
}
