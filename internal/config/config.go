// ABOUTME: Configuration loading and parsing for cpx-gateway
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete cpx-gateway configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	WWW       WWWConfig       `yaml:"www"`
	Auth      AuthConfig      `yaml:"auth"`
	Session   SessionConfig   `yaml:"session"`
	Database  DatabaseConfig  `yaml:"database"`
	Cluster   ClusterConfig   `yaml:"cluster"`
	Tailscale TailscaleConfig `yaml:"tailscale"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// WWWConfig holds the on-disk roots served to agent browsers
type WWWConfig struct {
	AgentRoot   string `yaml:"agent_root"`   // index.html and the agent application
	ContribRoot string `yaml:"contrib_root"` // fallback root for unmatched static paths
	DynamicRoot string `yaml:"dynamic_root"` // /dynamic/* content (markdown rendered to HTML)
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	KeyPath   string `yaml:"key_path"`   // RSA private key PEM for the login handshake
	JWTSecret string `yaml:"jwt_secret"` // ops API bearer tokens; ops API disabled when empty
}

// SessionConfig holds session timing configuration
type SessionConfig struct {
	PollTimeout time.Duration `yaml:"-"`
	IdleTimeout time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	PollTimeoutRaw string `yaml:"poll_timeout"`
	IdleTimeoutRaw string `yaml:"idle_timeout"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// ClusterConfig holds queue-registry replication configuration.
// A node with no peers bootstraps a single-node cluster and is its own leader.
type ClusterConfig struct {
	NodeName  string       `yaml:"node_name"` // defaults to the OS hostname
	RaftBind  string       `yaml:"raft_bind"`
	RaftDir   string       `yaml:"raft_dir"`
	RPCAddr   string       `yaml:"rpc_addr"`   // leader-forwarding RPC listen address
	RPCSecret string       `yaml:"rpc_secret"` // shared secret for inter-node RPC
	Bootstrap bool         `yaml:"bootstrap"`  // bootstrap a new cluster with this node
	Peers     []PeerConfig `yaml:"peers"`

	RPCTimeout    time.Duration `yaml:"-"`
	RPCTimeoutRaw string        `yaml:"rpc_timeout"`
}

// PeerConfig identifies one remote cluster member
type PeerConfig struct {
	Name     string `yaml:"name"`
	RaftAddr string `yaml:"raft_addr"`
	RPCAddr  string `yaml:"rpc_addr"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Hostname  string `yaml:"hostname"`
	AuthKey   string `yaml:"auth_key"`
	StateDir  string `yaml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral"`
	CertFile  string `yaml:"cert_file"` // TLS cert file (generate via: tailscale cert <hostname>)
	KeyFile   string `yaml:"key_file"`  // TLS key file
	Funnel    bool   `yaml:"funnel"`    // Enable public Funnel (implies HTTPS)
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Parse duration fields
	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
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

// applyDefaults fills in defaults for fields the file may omit
func (c *Config) applyDefaults() {
	if c.Server.HTTPAddr == "" && !c.Tailscale.Enabled {
		c.Server.HTTPAddr = "0.0.0.0:5050"
	}
	if c.WWW.AgentRoot == "" {
		c.WWW.AgentRoot = "www/agent"
	}
	if c.WWW.ContribRoot == "" {
		c.WWW.ContribRoot = "www/contrib"
	}
	if c.WWW.DynamicRoot == "" {
		c.WWW.DynamicRoot = "www/dynamic"
	}
	if c.Auth.KeyPath == "" {
		c.Auth.KeyPath = "./key"
	}
	if c.Session.PollTimeout == 0 {
		c.Session.PollTimeout = 30 * time.Second
	}
	if c.Session.IdleTimeout == 0 {
		c.Session.IdleTimeout = 2 * time.Minute
	}
	if c.Cluster.NodeName == "" {
		if hostname, err := os.Hostname(); err == nil {
			c.Cluster.NodeName = hostname
		} else {
			c.Cluster.NodeName = "cpx"
		}
	}
	if c.Cluster.RaftBind == "" {
		c.Cluster.RaftBind = "127.0.0.1:5055"
	}
	if c.Cluster.RPCAddr == "" {
		c.Cluster.RPCAddr = "127.0.0.1:5056"
	}
	if c.Cluster.RaftDir == "" {
		c.Cluster.RaftDir = "./raft"
	}
	if c.Cluster.RPCTimeout == 0 {
		c.Cluster.RPCTimeout = 5 * time.Second
	}
	// A node that knows no peers is a cluster of one
	if len(c.Cluster.Peers) == 0 {
		c.Cluster.Bootstrap = true
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	// Server address is required unless Tailscale is enabled
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}

	// Tailscale requires a hostname
	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("auth.jwt_secret must be at least 32 bytes")
	}

	for i, peer := range c.Cluster.Peers {
		if peer.Name == "" {
			return fmt.Errorf("cluster.peers[%d].name is required", i)
		}
		if peer.RaftAddr == "" {
			return fmt.Errorf("cluster.peers[%d].raft_addr is required", i)
		}
		if peer.RPCAddr == "" {
			return fmt.Errorf("cluster.peers[%d].rpc_addr is required", i)
		}
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Session.PollTimeoutRaw != "" {
		cfg.Session.PollTimeout, err = time.ParseDuration(cfg.Session.PollTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing poll_timeout %q: %w", cfg.Session.PollTimeoutRaw, err)
		}
	}

	if cfg.Session.IdleTimeoutRaw != "" {
		cfg.Session.IdleTimeout, err = time.ParseDuration(cfg.Session.IdleTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing idle_timeout %q: %w", cfg.Session.IdleTimeoutRaw, err)
		}
	}

	if cfg.Cluster.RPCTimeoutRaw != "" {
		cfg.Cluster.RPCTimeout, err = time.ParseDuration(cfg.Cluster.RPCTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing rpc_timeout %q: %w", cfg.Cluster.RPCTimeoutRaw, err)
		}
	}

	return nil
}
