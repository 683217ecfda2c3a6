// ABOUTME: Entry point for the cpx-gateway call-center control server
// ABOUTME: Subcommands: serve, init, bootstrap, health, agents

package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/2389/cpx-gateway/internal/auth"
	"github.com/2389/cpx-gateway/internal/config"
	"github.com/2389/cpx-gateway/internal/gateway"
	"github.com/2389/cpx-gateway/internal/session"
	"github.com/2389/cpx-gateway/internal/store"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
                                          _
  ___  _ __  __  __          __ _   __ _ | |_    ___  __      __  __ _  _   _
 / __|| '_ \ \ \/ /  _____  / _' | / _' || __|  / _ \ \ \ /\ / / / _' || | | |
| (__ | |_) | >  <  |_____|| (_| || (_| || |_  |  __/  \ V  V / | (_| || |_| |
 \___|| .__/ /_/\_\         \__, | \__,_| \__|  \___|   \_/\_/   \__,_| \__, |
      |_|                    |___/                                        |___/
`

// getConfigPath returns the path to the gateway config file.
// Priority: CPX_CONFIG env var > XDG_CONFIG_HOME/cpx/gateway.yaml > ~/.config/cpx/gateway.yaml
func getConfigPath() string {
	if envPath := os.Getenv("CPX_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "gateway.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "cpx", "gateway.yaml")
}

// getDataPath returns the path to the cpx data directory.
// Priority: XDG_DATA_HOME/cpx > ~/.local/share/cpx
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "cpx")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: cpx-gateway <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve                  Start the gateway server")
		fmt.Println("  init                   Create a new config file interactively")
		fmt.Println("  bootstrap --seed FILE  Load agents, queues, and clients from a TOML seed")
		fmt.Println("  health                 Check gateway health")
		fmt.Println("  agents                 List agent sessions on the gateway")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit()
	case "bootstrap":
		err = runBootstrap(ctx)
	case "health":
		err = runHealth(ctx)
	case "agents":
		err = runAgents(ctx)
	case "version", "--version", "-v":
		fmt.Printf("cpx-gateway %s\n", version)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := getConfigPath()

	// Print banner
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	// Version info
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config (run `cpx-gateway init` to create one): %w", err)
	}

	// Setup logger. The store and a few helpers log through slog.Default,
	// so the colored handler has to become the default one.
	logger := setupLogger(cfg.Logging)
	slog.SetDefault(logger)

	// Startup info
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	if !cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	}
	green.Print("    ▶ ")
	fmt.Printf("Cluster:   %s (raft %s, rpc %s)\n", cfg.Cluster.NodeName, cfg.Cluster.RaftBind, cfg.Cluster.RPCAddr)
	green.Print("    ▶ ")
	fmt.Printf("Database:  %s\n", cfg.Database.Path)

	// Tailscale status
	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale: ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.Funnel {
			yellow.Print(" [funnel]")
		}
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	}

	fmt.Println()

	logger.Info("starting cpx-gateway",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"rpc_addr", cfg.Cluster.RPCAddr,
		"node", cfg.Cluster.NodeName,
	)

	// Create and run gateway
	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	return gw.Run(ctx)
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = &colorHandler{
			level: level,
		}
	}

	return slog.New(handler)
}

// colorHandler provides colorized log output with thread-safe writes.
type colorHandler struct {
	mu     sync.Mutex
	level  slog.Level
	attrs  []slog.Attr
	groups []string
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var buf strings.Builder

	// Format timestamp
	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))

	// Colorize level
	switch r.Level {
	case slog.LevelDebug:
		buf.WriteString(color.MagentaString("DBG "))
	case slog.LevelInfo:
		buf.WriteString(color.CyanString("INF "))
	case slog.LevelWarn:
		buf.WriteString(color.YellowString("WRN "))
	case slog.LevelError:
		buf.WriteString(color.New(color.FgRed, color.Bold).Sprint("ERR "))
	default:
		buf.WriteString("??? ")
	}

	// Print message
	buf.WriteString(r.Message)

	// Print handler-level attrs first (from WithAttrs)
	for _, a := range h.attrs {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
	}

	// Print record attrs
	r.Attrs(func(a slog.Attr) bool {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
		return true
	})

	buf.WriteString("\n")
	fmt.Print(buf.String())
	return nil
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	newAttrs = append(newAttrs, attrs...)
	return &colorHandler{
		level:  h.level,
		attrs:  newAttrs,
		groups: h.groups,
	}
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	newGroups := make([]string, len(h.groups), len(h.groups)+1)
	copy(newGroups, h.groups)
	newGroups = append(newGroups, name)
	return &colorHandler{
		level:  h.level,
		attrs:  h.attrs,
		groups: newGroups,
	}
}

// serverURL builds the base URL CLI commands use to reach a running gateway.
func serverURL(cfg *config.Config) string {
	if cfg.Tailscale.Enabled {
		return "http://" + cfg.Tailscale.Hostname
	}
	addr := cfg.Server.HTTPAddr
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	} else if strings.HasPrefix(addr, "0.0.0.0:") {
		addr = "localhost" + strings.TrimPrefix(addr, "0.0.0.0")
	}
	return "http://" + addr
}

func runHealth(ctx context.Context) error {
	configPath := getConfigPath()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// Make HTTP request to health endpoint with context
	url := serverURL(cfg) + "/health"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}

	fmt.Println("healthy")
	return nil
}

// runAgents lists the sessions on a running gateway through the ops API.
// The bearer token is minted locally from the shared jwt_secret.
func runAgents(ctx context.Context) error {
	configPath := getConfigPath()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret not configured in %s (the ops API is disabled)", configPath)
	}

	token, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret)).Generate("cli", 5*time.Minute)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}

	url := serverURL(cfg) + "/ops/sessions"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("listing sessions: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized:
		return fmt.Errorf("unauthorized: the gateway runs with a different jwt_secret")
	case http.StatusNotFound:
		return fmt.Errorf("ops API disabled on the gateway (no jwt_secret in its config)")
	default:
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var infos []session.Info
	if err := json.NewDecoder(resp.Body).Decode(&infos); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}

	if len(infos) == 0 {
		fmt.Println("no active sessions")
		return nil
	}

	for _, info := range infos {
		login := info.Login
		if login == "" {
			login = "(pre-login)"
		}
		state := "detached"
		if info.Connected {
			state = "connected"
		}
		fmt.Printf("  %-20s %-10s since %s\n", login, state, info.IssuedAt.Local().Format("15:04:05"))
	}
	return nil
}

// runBootstrap performs first-time data setup of the gateway:
// 1. Generates the RSA login key at the configured path (if not exists)
// 2. Creates the database and loads agents, clients, queues, and release
//    options from a TOML seed file
//
// This is a one-command setup: cpx-gateway bootstrap --seed cpx.toml
func runBootstrap(ctx context.Context) error {
	// Parse args with explicit error handling
	// Supports both "--seed value" and "--seed=value" formats
	var seedPath string
	args := os.Args[2:]
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "--seed" || arg == "-s":
			if i+1 >= len(args) {
				return fmt.Errorf("--seed requires a value")
			}
			seedPath = args[i+1]
			i++
		case strings.HasPrefix(arg, "--seed="):
			seedPath = strings.TrimPrefix(arg, "--seed=")
		case strings.HasPrefix(arg, "-s="):
			seedPath = strings.TrimPrefix(arg, "-s=")
		case strings.HasPrefix(arg, "-"):
			return fmt.Errorf("unknown flag: %s", arg)
		default:
			return fmt.Errorf("unexpected argument: %s", arg)
		}
	}

	if seedPath == "" {
		return fmt.Errorf("--seed flag is required")
	}

	configPath := getConfigPath()

	green := color.New(color.FgGreen)
	cyan := color.New(color.FgCyan)
	yellow := color.New(color.FgYellow)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config (run `cpx-gateway init` first): %w", err)
	}
	cyan.Printf("  Using config: %s\n", configPath)

	seed, err := store.LoadSeed(seedPath)
	if err != nil {
		return err
	}
	if len(seed.Agents) == 0 {
		return fmt.Errorf("seed file has no [[agents]] entries")
	}

	// The login handshake needs the RSA key; create it on first bootstrap
	if _, err := os.Stat(cfg.Auth.KeyPath); os.IsNotExist(err) {
		if err := os.MkdirAll(filepath.Dir(cfg.Auth.KeyPath), 0755); err != nil {
			return fmt.Errorf("creating key directory: %w", err)
		}
		if _, err := auth.GeneratePrivateKey(cfg.Auth.KeyPath); err != nil {
			return fmt.Errorf("generating RSA key: %w", err)
		}
		green.Printf("  ✓ Generated RSA key: %s\n", cfg.Auth.KeyPath)
	} else {
		cyan.Printf("  Using existing RSA key: %s\n", cfg.Auth.KeyPath)
	}

	// Open the store directly
	s, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer s.Close()

	green.Printf("  ✓ Database: %s\n", cfg.Database.Path)

	// Check if any agents already exist
	count, err := s.CountAgents(ctx)
	if err != nil {
		return fmt.Errorf("checking agents: %w", err)
	}

	if count > 0 {
		return fmt.Errorf("bootstrap already complete: %d agent(s) exist", count)
	}

	for _, a := range seed.Agents {
		hash, err := auth.HashPassword(a.Password)
		if err != nil {
			return fmt.Errorf("hashing password for %s: %w", a.Login, err)
		}
		agent := &store.Agent{
			Login:        a.Login,
			PasswordHash: hash,
			Profile:      a.Profile,
			Security:     a.Security,
			RingPath:     a.RingPath,
			Skills:       a.Skills,
		}
		if agent.Security == "" {
			agent.Security = store.SecurityAgent
		}
		if err := s.CreateAgent(ctx, agent); err != nil {
			return fmt.Errorf("creating agent %s: %w", a.Login, err)
		}
	}
	green.Printf("  ✓ Created %d agent(s)\n", len(seed.Agents))

	for _, c := range seed.Clients {
		client := &store.Client{
			ID:            c.ID,
			Label:         c.Label,
			AutoEndWrapup: c.AutoEndWrapup,
		}
		if err := s.CreateClient(ctx, client); err != nil {
			return fmt.Errorf("creating client %s: %w", c.Label, err)
		}
	}
	green.Printf("  ✓ Created %d client(s)\n", len(seed.Clients))

	for _, q := range seed.Queues {
		qc := &store.QueueConfig{
			Name:   q.Name,
			Recipe: q.Recipe,
			Weight: q.Weight,
			Skills: q.Skills,
		}
		if err := s.PutQueueConfig(ctx, qc); err != nil {
			return fmt.Errorf("storing queue %s: %w", q.Name, err)
		}
	}
	green.Printf("  ✓ Stored %d queue(s)\n", len(seed.Queues))

	for _, r := range seed.ReleaseOpts {
		opt := &store.ReleaseOpt{Label: r.Label, Bias: r.Bias}
		if err := s.CreateReleaseOpt(ctx, opt); err != nil {
			return fmt.Errorf("creating release option %s: %w", r.Label, err)
		}
	}
	green.Printf("  ✓ Created %d release option(s)\n", len(seed.ReleaseOpts))

	// Print results
	fmt.Println()
	green.Println("  Bootstrap complete!")
	fmt.Println()

	yellow.Println("  Ready to go:")
	fmt.Println("    cpx-gateway serve      # start the gateway")
	fmt.Println("    cpx-probe              # log an agent in and watch events")
	fmt.Println()

	return nil
}

func runInit() error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("cpx-gateway configuration setup")
	fmt.Println("===============================")
	fmt.Println()

	// Default paths
	defaultConfigPath := getConfigPath()
	defaultDataPath := getDataPath()

	// Output filename
	outputFile := prompt(reader, "Config file path", defaultConfigPath)

	// Check if file exists
	if _, err := os.Stat(outputFile); err == nil {
		overwrite := prompt(reader, "File exists. Overwrite?", "no")
		if strings.ToLower(overwrite) != "yes" && strings.ToLower(overwrite) != "y" {
			fmt.Println("Aborted.")
			return nil
		}
	}

	// Server configuration
	fmt.Println("\n--- Server Configuration ---")
	httpAddr := prompt(reader, "HTTP address", "localhost:5050")
	agentRoot := prompt(reader, "Agent UI root", "www/agent")

	// Storage
	fmt.Println("\n--- Storage Configuration ---")
	dbPath := prompt(reader, "SQLite database path", filepath.Join(defaultDataPath, "cpx.db"))
	keyPath := prompt(reader, "RSA key path", filepath.Join(defaultDataPath, "gateway.key"))

	// Cluster
	fmt.Println("\n--- Cluster Configuration ---")
	nodeName := prompt(reader, "Node name", defaultNodeName())
	raftBind := prompt(reader, "Raft bind address", "127.0.0.1:5055")
	rpcAddr := prompt(reader, "Cluster RPC address", "127.0.0.1:5056")
	raftDir := prompt(reader, "Raft data directory", filepath.Join(defaultDataPath, "raft"))
	rpcSecret := prompt(reader, "Cluster RPC secret (shared across nodes)", "")

	// Tailscale
	fmt.Println("\n--- Tailscale Configuration ---")
	enableTailscale := prompt(reader, "Enable Tailscale?", "no")
	tailscaleEnabled := strings.ToLower(enableTailscale) == "yes" || strings.ToLower(enableTailscale) == "y"

	var tsHostname, tsAuthKey string
	var tsEphemeral, tsFunnel bool
	if tailscaleEnabled {
		tsHostname = prompt(reader, "Tailscale hostname", "cpx-gateway")
		tsAuthKey = prompt(reader, "Tailscale auth key (leave empty for interactive)", "")
		ephemeralStr := prompt(reader, "Ephemeral node?", "no")
		tsEphemeral = strings.ToLower(ephemeralStr) == "yes" || strings.ToLower(ephemeralStr) == "y"
		funnelStr := prompt(reader, "Enable Funnel (public HTTPS)?", "no")
		tsFunnel = strings.ToLower(funnelStr) == "yes" || strings.ToLower(funnelStr) == "y"
	}

	// Logging
	fmt.Println("\n--- Logging Configuration ---")
	logLevel := prompt(reader, "Log level (debug/info/warn/error)", "info")
	logFormat := prompt(reader, "Log format (text/json)", "text")

	// Random secret for ops API bearer tokens
	secretBytes := make([]byte, 32)
	if _, err := rand.Read(secretBytes); err != nil {
		return fmt.Errorf("generating JWT secret: %w", err)
	}
	jwtSecret := base64.StdEncoding.EncodeToString(secretBytes)

	// Generate config
	var cfg strings.Builder
	cfg.WriteString("# cpx-gateway configuration\n")
	cfg.WriteString("# Generated by cpx-gateway init\n\n")

	cfg.WriteString("server:\n")
	cfg.WriteString(fmt.Sprintf("  http_addr: \"%s\"\n", httpAddr))
	cfg.WriteString("\n")

	cfg.WriteString("www:\n")
	cfg.WriteString(fmt.Sprintf("  agent_root: \"%s\"\n", agentRoot))
	cfg.WriteString("\n")

	cfg.WriteString("auth:\n")
	cfg.WriteString(fmt.Sprintf("  key_path: \"%s\"\n", keyPath))
	cfg.WriteString(fmt.Sprintf("  jwt_secret: \"%s\"\n", jwtSecret))
	cfg.WriteString("\n")

	cfg.WriteString("session:\n")
	cfg.WriteString("  poll_timeout: \"30s\"\n")
	cfg.WriteString("  idle_timeout: \"2m\"\n")
	cfg.WriteString("\n")

	cfg.WriteString("database:\n")
	cfg.WriteString(fmt.Sprintf("  path: \"%s\"\n", dbPath))
	cfg.WriteString("\n")

	cfg.WriteString("cluster:\n")
	cfg.WriteString(fmt.Sprintf("  node_name: \"%s\"\n", nodeName))
	cfg.WriteString(fmt.Sprintf("  raft_bind: \"%s\"\n", raftBind))
	cfg.WriteString(fmt.Sprintf("  raft_dir: \"%s\"\n", raftDir))
	cfg.WriteString(fmt.Sprintf("  rpc_addr: \"%s\"\n", rpcAddr))
	if rpcSecret != "" {
		cfg.WriteString(fmt.Sprintf("  rpc_secret: \"%s\"\n", rpcSecret))
	}
	cfg.WriteString("\n")

	cfg.WriteString("tailscale:\n")
	cfg.WriteString(fmt.Sprintf("  enabled: %t\n", tailscaleEnabled))
	if tailscaleEnabled {
		cfg.WriteString(fmt.Sprintf("  hostname: \"%s\"\n", tsHostname))
		if tsAuthKey != "" {
			cfg.WriteString(fmt.Sprintf("  auth_key: \"%s\"\n", tsAuthKey))
		}
		cfg.WriteString(fmt.Sprintf("  ephemeral: %t\n", tsEphemeral))
		cfg.WriteString(fmt.Sprintf("  funnel: %t\n", tsFunnel))
	}
	cfg.WriteString("\n")

	cfg.WriteString("logging:\n")
	cfg.WriteString(fmt.Sprintf("  level: \"%s\"\n", logLevel))
	cfg.WriteString(fmt.Sprintf("  format: \"%s\"\n", logFormat))

	// Ensure config directory exists
	configDir := filepath.Dir(outputFile)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	// Write config file; it carries the JWT secret, so keep it private
	if err := os.WriteFile(outputFile, []byte(cfg.String()), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	// Ensure data directory exists
	dataDir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	// Generate the RSA key for the login handshake
	if _, err := os.Stat(keyPath); os.IsNotExist(err) {
		if err := os.MkdirAll(filepath.Dir(keyPath), 0755); err != nil {
			return fmt.Errorf("creating key directory: %w", err)
		}
		if _, err := auth.GeneratePrivateKey(keyPath); err != nil {
			return fmt.Errorf("generating RSA key: %w", err)
		}
		fmt.Printf("\nRSA key written to %s\n", keyPath)
	}

	fmt.Printf("Config written to %s\n", outputFile)
	fmt.Printf("Data directory: %s\n", dataDir)
	fmt.Println("\nNext steps:")
	fmt.Println("  cpx-gateway bootstrap --seed cpx.toml   # load agents and queues")
	fmt.Println("  cpx-gateway serve                       # start the gateway")

	return nil
}

func defaultNodeName() string {
	if hostname, err := os.Hostname(); err == nil {
		return hostname
	}
	return "cpx"
}

func prompt(reader *bufio.Reader, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", question, defaultVal)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil {
		// On EOF or error, return default
		fmt.Println()
		return defaultVal
	}
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}
