// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML loading, env var expansion, duration parsing, and defaults

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoad_ValidConfig(t *testing.T) {
	// Create a temporary config file
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
server:
  http_addr: "0.0.0.0:5050"

www:
  agent_root: "www/agent"
  contrib_root: "www/contrib"
  dynamic_root: "/srv/cpx/dynamic"

database:
  path: "./test.db"

auth:
  key_path: "./testkey"
  jwt_secret: "0123456789abcdef0123456789abcdef"

session:
  poll_timeout: "10s"
  idle_timeout: "90s"

cluster:
  node_name: "cpx-a"
  raft_bind: "127.0.0.1:5055"
  raft_dir: "./raft"
  rpc_addr: "127.0.0.1:5056"
  rpc_secret: "swordfish"
  bootstrap: true
  rpc_timeout: "2s"
  peers:
    - name: "cpx-b"
      raft_addr: "127.0.0.1:6055"
      rpc_addr: "127.0.0.1:6056"

logging:
  level: "debug"
  format: "json"
`
	err := os.WriteFile(configPath, []byte(configContent), 0644)
	if err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	// Verify server config
	if cfg.Server.HTTPAddr != "0.0.0.0:5050" {
		t.Errorf("Server.HTTPAddr = %q, want %q", cfg.Server.HTTPAddr, "0.0.0.0:5050")
	}

	// Verify www roots
	if cfg.WWW.DynamicRoot != "/srv/cpx/dynamic" {
		t.Errorf("WWW.DynamicRoot = %q, want %q", cfg.WWW.DynamicRoot, "/srv/cpx/dynamic")
	}

	// Verify database config
	if cfg.Database.Path != "./test.db" {
		t.Errorf("Database.Path = %q, want %q", cfg.Database.Path, "./test.db")
	}

	// Verify auth config
	if cfg.Auth.KeyPath != "./testkey" {
		t.Errorf("Auth.KeyPath = %q, want %q", cfg.Auth.KeyPath, "./testkey")
	}

	// Verify session timing
	if cfg.Session.PollTimeout != 10*time.Second {
		t.Errorf("Session.PollTimeout = %v, want %v", cfg.Session.PollTimeout, 10*time.Second)
	}
	if cfg.Session.IdleTimeout != 90*time.Second {
		t.Errorf("Session.IdleTimeout = %v, want %v", cfg.Session.IdleTimeout, 90*time.Second)
	}

	// Verify cluster config
	if cfg.Cluster.NodeName != "cpx-a" {
		t.Errorf("Cluster.NodeName = %q, want %q", cfg.Cluster.NodeName, "cpx-a")
	}
	if cfg.Cluster.RPCTimeout != 2*time.Second {
		t.Errorf("Cluster.RPCTimeout = %v, want %v", cfg.Cluster.RPCTimeout, 2*time.Second)
	}
	if len(cfg.Cluster.Peers) != 1 || cfg.Cluster.Peers[0].Name != "cpx-b" {
		t.Errorf("Cluster.Peers = %+v, want one peer named cpx-b", cfg.Cluster.Peers)
	}

	// Verify logging config
	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %q, want %q", cfg.Logging.Level, "debug")
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("Logging.Format = %q, want %q", cfg.Logging.Format, "json")
	}
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	// Set environment variables for testing
	t.Setenv("TEST_CPX_RPC_SECRET", "secret-from-env")
	t.Setenv("TEST_CPX_JWT_SECRET", "0123456789abcdef0123456789abcdef")

	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
server:
  http_addr: "0.0.0.0:5050"

database:
  path: "./test.db"

auth:
  jwt_secret: "${TEST_CPX_JWT_SECRET}"

cluster:
  rpc_secret: "${TEST_CPX_RPC_SECRET}"
`
	err := os.WriteFile(configPath, []byte(configContent), 0644)
	if err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	// Verify env var expansion
	if cfg.Cluster.RPCSecret != "secret-from-env" {
		t.Errorf("Cluster.RPCSecret = %q, want %q", cfg.Cluster.RPCSecret, "secret-from-env")
	}
	if cfg.Auth.JWTSecret != "0123456789abcdef0123456789abcdef" {
		t.Errorf("Auth.JWTSecret = %q, want the expanded test secret", cfg.Auth.JWTSecret)
	}
}

func TestLoad_EnvVarExpansion_UnsetVar(t *testing.T) {
	// Ensure the env var is NOT set
	os.Unsetenv("UNSET_VAR_FOR_TEST")

	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
server:
  http_addr: "0.0.0.0:5050"

database:
  path: "./test.db"

cluster:
  rpc_secret: "${UNSET_VAR_FOR_TEST}"
`
	err := os.WriteFile(configPath, []byte(configContent), 0644)
	if err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Cluster.RPCSecret != "" {
		t.Errorf("Cluster.RPCSecret = %q, want empty string for unset var", cfg.Cluster.RPCSecret)
	}
}

func TestLoad_Defaults(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	// Minimal config: only the database path
	configContent := `
database:
  path: "./test.db"
`
	err := os.WriteFile(configPath, []byte(configContent), 0644)
	if err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.HTTPAddr != "0.0.0.0:5050" {
		t.Errorf("Server.HTTPAddr default = %q, want %q", cfg.Server.HTTPAddr, "0.0.0.0:5050")
	}
	if cfg.WWW.AgentRoot != "www/agent" {
		t.Errorf("WWW.AgentRoot default = %q, want %q", cfg.WWW.AgentRoot, "www/agent")
	}
	if cfg.WWW.ContribRoot != "www/contrib" {
		t.Errorf("WWW.ContribRoot default = %q, want %q", cfg.WWW.ContribRoot, "www/contrib")
	}
	if cfg.Auth.KeyPath != "./key" {
		t.Errorf("Auth.KeyPath default = %q, want %q", cfg.Auth.KeyPath, "./key")
	}
	if cfg.Session.PollTimeout != 30*time.Second {
		t.Errorf("Session.PollTimeout default = %v, want %v", cfg.Session.PollTimeout, 30*time.Second)
	}
	if cfg.Session.IdleTimeout != 2*time.Minute {
		t.Errorf("Session.IdleTimeout default = %v, want %v", cfg.Session.IdleTimeout, 2*time.Minute)
	}
	if cfg.Cluster.NodeName == "" {
		t.Error("Cluster.NodeName default is empty, want hostname")
	}
	if !cfg.Cluster.Bootstrap {
		t.Error("Cluster.Bootstrap = false, want true when no peers configured")
	}
	if cfg.Cluster.RPCTimeout != 5*time.Second {
		t.Errorf("Cluster.RPCTimeout default = %v, want %v", cfg.Cluster.RPCTimeout, 5*time.Second)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Error("Load() expected error for missing file, got nil")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
server:
  http_addr: [this is not
  valid yaml: {{
`
	err := os.WriteFile(configPath, []byte(configContent), 0644)
	if err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	_, err = Load(configPath)
	if err == nil {
		t.Error("Load() expected error for invalid YAML, got nil")
	}
	if err != nil && !strings.Contains(err.Error(), "parsing config file") {
		t.Errorf("Load() error = %q, want error containing %q", err.Error(), "parsing config file")
	}
}

func TestLoad_InvalidDuration(t *testing.T) {
	tests := []struct {
		name          string
		configContent string
		wantErrSubstr string
	}{
		{
			name: "invalid poll_timeout",
			configContent: `
server:
  http_addr: "0.0.0.0:5050"
database:
  path: "./test.db"
session:
  poll_timeout: "thirty seconds"
`,
			wantErrSubstr: "parsing poll_timeout",
		},
		{
			name: "invalid idle_timeout",
			configContent: `
server:
  http_addr: "0.0.0.0:5050"
database:
  path: "./test.db"
session:
  idle_timeout: "5 minutes"
`,
			wantErrSubstr: "parsing idle_timeout",
		},
		{
			name: "invalid rpc_timeout",
			configContent: `
server:
  http_addr: "0.0.0.0:5050"
database:
  path: "./test.db"
cluster:
  rpc_timeout: "soon"
`,
			wantErrSubstr: "parsing rpc_timeout",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tmpDir := t.TempDir()
			configPath := filepath.Join(tmpDir, "config.yaml")

			err := os.WriteFile(configPath, []byte(tt.configContent), 0644)
			if err != nil {
				t.Fatalf("failed to write test config: %v", err)
			}

			_, err = Load(configPath)
			if err == nil {
				t.Errorf("Load() expected error containing %q, got nil", tt.wantErrSubstr)
				return
			}

			if !strings.Contains(err.Error(), tt.wantErrSubstr) {
				t.Errorf("Load() error = %q, want error containing %q", err.Error(), tt.wantErrSubstr)
			}
		})
	}
}

func TestLoad_MissingRequiredFields(t *testing.T) {
	tests := []struct {
		name          string
		configContent string
		wantErrSubstr string
	}{
		{
			name: "missing database path",
			configContent: `
server:
  http_addr: "0.0.0.0:5050"
database:
  path: ""
`,
			wantErrSubstr: "database.path is required",
		},
		{
			name: "short jwt secret",
			configContent: `
server:
  http_addr: "0.0.0.0:5050"
database:
  path: "./test.db"
auth:
  jwt_secret: "tooshort"
`,
			wantErrSubstr: "auth.jwt_secret must be at least 32 bytes",
		},
		{
			name: "incomplete peer",
			configContent: `
server:
  http_addr: "0.0.0.0:5050"
database:
  path: "./test.db"
cluster:
  peers:
    - name: "cpx-b"
      raft_addr: "127.0.0.1:6055"
`,
			wantErrSubstr: "cluster.peers[0].rpc_addr is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tmpDir := t.TempDir()
			configPath := filepath.Join(tmpDir, "config.yaml")

			err := os.WriteFile(configPath, []byte(tt.configContent), 0644)
			if err != nil {
				t.Fatalf("failed to write test config: %v", err)
			}

			_, err = Load(configPath)
			if err == nil {
				t.Errorf("Load() expected error containing %q, got nil", tt.wantErrSubstr)
				return
			}

			if !strings.Contains(err.Error(), tt.wantErrSubstr) {
				t.Errorf("Load() error = %q, want error containing %q", err.Error(), tt.wantErrSubstr)
			}
		})
	}
}

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("FOO", "bar")
	t.Setenv("BAZ", "qux")

	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "single env var",
			input:    "${FOO}",
			expected: "bar",
		},
		{
			name:     "env var with surrounding text",
			input:    "prefix-${FOO}-suffix",
			expected: "prefix-bar-suffix",
		},
		{
			name:     "multiple env vars",
			input:    "${FOO}/${BAZ}",
			expected: "bar/qux",
		},
		{
			name:     "no env vars",
			input:    "no-vars-here",
			expected: "no-vars-here",
		},
		{
			name:     "unset env var",
			input:    "${UNSET_VAR}",
			expected: "",
		},
		{
			name:     "empty string",
			input:    "",
			expected: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := expandEnvVars(tt.input)
			if result != tt.expected {
				t.Errorf("expandEnvVars(%q) = %q, want %q", tt.input, result, tt.expected)
			}
		})
	}
}

func TestValidate_TailscaleConfig(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{
			name: "tailscale enabled with hostname",
			cfg: Config{
				Tailscale: TailscaleConfig{Enabled: true, Hostname: "cpx-gateway"},
				Database:  DatabaseConfig{Path: "./test.db"},
			},
			wantErr: false,
		},
		{
			name: "tailscale enabled without hostname",
			cfg: Config{
				Tailscale: TailscaleConfig{Enabled: true},
				Database:  DatabaseConfig{Path: "./test.db"},
			},
			wantErr: true,
		},
		{
			name: "tailscale disabled requires http addr",
			cfg: Config{
				Database: DatabaseConfig{Path: "./test.db"},
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
