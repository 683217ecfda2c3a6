// ABOUTME: Configuration loading for cpx-matrix bridge
// ABOUTME: Loads TOML config from XDG path with environment variable expansion

package main

import (
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Matrix  MatrixConfig  `toml:"matrix"`
	Gateway GatewayConfig `toml:"gateway"`
	Bridge  BridgeConfig  `toml:"bridge"`
	Logging LoggingConfig `toml:"logging"`
}

type MatrixConfig struct {
	Homeserver  string `toml:"homeserver"`
	UserID      string `toml:"user_id"`
	AccessToken string `toml:"access_token"`
	E2EE        bool   `toml:"e2ee"`
	RecoveryKey string `toml:"recovery_key"`
}

type GatewayConfig struct {
	URL string `toml:"url"`
	// JWTSecret must match the gateway's auth.jwt_secret; the bridge mints
	// short-lived ops tokens from it instead of carrying a long-lived one.
	JWTSecret string `toml:"jwt_secret"`
}

type BridgeConfig struct {
	Rooms           []string `toml:"rooms"`
	CommandPrefix   string   `toml:"command_prefix"`
	PollInterval    string   `toml:"poll_interval"`
	AnnounceCDRs    bool     `toml:"announce_cdrs"`
	AnnounceCluster bool     `toml:"announce_cluster"`

	// Poll is parsed from PollInterval during Validate.
	Poll time.Duration `toml:"-"`
}

type LoggingConfig struct {
	Level string `toml:"level"`
}

// Load reads config from the given path, expanding environment variables.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables (${VAR} syntax)
	expanded := expandEnvVars(string(data))

	// Decode over the defaults so absent keys keep them.
	cfg := Config{
		Bridge: BridgeConfig{
			CommandPrefix:   "!cpx",
			PollInterval:    "10s",
			AnnounceCDRs:    true,
			AnnounceCluster: true,
		},
		Logging: LoggingConfig{Level: "info"},
	}
	if _, err := toml.Decode(expanded, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR} with environment variable values.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)
	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := strings.TrimSuffix(strings.TrimPrefix(match, "${"), "}")
		return os.Getenv(varName)
	})
}

// Validate checks that required config fields are present and valid.
func (c *Config) Validate() error {
	if c.Matrix.Homeserver == "" {
		return fmt.Errorf("matrix.homeserver is required")
	}
	if _, err := url.Parse(c.Matrix.Homeserver); err != nil {
		return fmt.Errorf("matrix.homeserver is not a valid URL: %w", err)
	}
	if c.Matrix.UserID == "" {
		return fmt.Errorf("matrix.user_id is required")
	}
	if !strings.HasPrefix(c.Matrix.UserID, "@") || !strings.Contains(c.Matrix.UserID, ":") {
		return fmt.Errorf("matrix.user_id must be a full Matrix ID like @cpxbot:example.org")
	}
	if c.Matrix.AccessToken == "" {
		return fmt.Errorf("matrix.access_token is required")
	}
	if c.Matrix.RecoveryKey != "" && !c.Matrix.E2EE {
		return fmt.Errorf("matrix.recovery_key is set but matrix.e2ee is false")
	}
	if c.Gateway.URL == "" {
		return fmt.Errorf("gateway.url is required")
	}
	u, err := url.Parse(c.Gateway.URL)
	if err != nil {
		return fmt.Errorf("gateway.url is not a valid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("gateway.url must use http or https scheme")
	}
	if c.Gateway.JWTSecret == "" {
		return fmt.Errorf("gateway.jwt_secret is required to reach the ops API")
	}
	if len(c.Bridge.Rooms) == 0 {
		return fmt.Errorf("bridge.rooms must list at least one room")
	}
	for _, room := range c.Bridge.Rooms {
		if !strings.HasPrefix(room, "!") {
			return fmt.Errorf("bridge.rooms entry %q is not a room ID (room IDs start with '!')", room)
		}
	}
	if c.Bridge.CommandPrefix == "" {
		return fmt.Errorf("bridge.command_prefix must not be empty")
	}
	d, err := time.ParseDuration(c.Bridge.PollInterval)
	if err != nil {
		return fmt.Errorf("bridge.poll_interval is not a valid duration: %w", err)
	}
	if d < time.Second {
		return fmt.Errorf("bridge.poll_interval must be at least 1s")
	}
	c.Bridge.Poll = d
	return nil
}
