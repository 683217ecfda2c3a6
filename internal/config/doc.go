// Package config handles configuration loading for cpx-gateway.
//
// # Overview
//
// Configuration is loaded from YAML files with environment variable expansion.
// The package provides validation and sensible defaults.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from CPX_CONFIG environment variable
//  2. ./config.yaml (current directory)
//  3. ~/.config/cpx/gateway.yaml
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	cluster:
//	  rpc_secret: "${CPX_RPC_SECRET}"
//
// Syntax: ${VAR_NAME}
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	session:
//	  poll_timeout: "30s"
//	  idle_timeout: "2m"
//
// Supported units: ns, us, ms, s, m, h
//
// # Configuration Sections
//
// Server settings:
//
//	server:
//	  http_addr: "0.0.0.0:5050"  # Agent API and static files
//
// Static roots:
//
//	www:
//	  agent_root: "www/agent"
//	  contrib_root: "www/contrib"
//	  dynamic_root: "www/dynamic"
//
// Database:
//
//	database:
//	  path: "/var/lib/cpx/gateway.db"
//
// Authentication:
//
//	auth:
//	  key_path: "./key"                 # RSA private key for the login handshake
//	  jwt_secret: "${CPX_JWT_SECRET}"   # Enables the /ops API when set
//
// Session timing:
//
//	session:
//	  poll_timeout: "30s"
//	  idle_timeout: "2m"
//
// Cluster (queue registry replication):
//
//	cluster:
//	  node_name: "cpx-a"
//	  raft_bind: "10.0.0.1:5055"
//	  raft_dir: "/var/lib/cpx/raft"
//	  rpc_addr: "10.0.0.1:5056"
//	  rpc_secret: "${CPX_RPC_SECRET}"
//	  bootstrap: true
//	  peers:
//	    - name: "cpx-b"
//	      raft_addr: "10.0.0.2:5055"
//	      rpc_addr: "10.0.0.2:5056"
//
// A node with no peers bootstraps itself as a single-node cluster.
//
// Tailscale:
//
//	tailscale:
//	  enabled: false
//	  hostname: "cpx-gateway"
//	  auth_key: "${TS_AUTHKEY}"
//	  funnel: false
//
// Logging:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
// # Validation
//
// Load() validates:
//
//   - Listener addresses present (TCP or tailscale)
//   - Database path present
//   - JWT secret minimum length (32 bytes) when set
//   - Duration format validity
//   - Peer entries complete
//
// # Usage
//
// Load configuration:
//
//	cfg, err := config.Load("/etc/cpx/gateway.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
package config
