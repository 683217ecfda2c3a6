// ABOUTME: Gateway orchestrator wiring store, sessions, queues, cluster, and HTTP
// ABOUTME: Owns listener setup, the cluster event loop, and graceful shutdown

package gateway

import (
	"context"
	"crypto/rsa"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"google.golang.org/grpc"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/cpx-gateway/internal/agent"
	"github.com/2389/cpx-gateway/internal/auth"
	"github.com/2389/cpx-gateway/internal/cluster"
	"github.com/2389/cpx-gateway/internal/config"
	"github.com/2389/cpx-gateway/internal/dispatch"
	"github.com/2389/cpx-gateway/internal/event"
	"github.com/2389/cpx-gateway/internal/queue"
	"github.com/2389/cpx-gateway/internal/route"
	"github.com/2389/cpx-gateway/internal/session"
	"github.com/2389/cpx-gateway/internal/store"
)

// leaderWait bounds how long startup waits for the ensemble to elect a
// leader before loading queues anyway.
const leaderWait = 5 * time.Second

// Gateway owns every long-lived component of a cpx-gateway node and runs
// the HTTP and cluster RPC servers over them.
type Gateway struct {
	config *config.Config
	logger *slog.Logger

	store      store.Store
	key        *rsa.PrivateKey
	events     *event.Manager
	sessions   *session.Table
	agents     *agent.Registry
	node       *cluster.Node
	queues     *queue.Manager
	router     *route.Router
	dispatcher *dispatch.Dispatcher

	httpServer  *http.Server
	rpcServer   *grpc.Server
	tsnetServer *tsnet.Server
}

// initStore creates the store from config, honoring the CPX_DB_PATH
// environment override.
func initStore(cfg *config.Config) (store.Store, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("CPX_DB_PATH"); envPath != "" {
		dbPath = envPath
	}

	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// cdrSink writes terminated-call records to the store. Channel teardown
// must never block or fail on accounting, so errors are only logged.
type cdrSink struct {
	store  store.Store
	logger *slog.Logger
}

func (s cdrSink) RecordCDR(ctx context.Context, cdr store.CDR) {
	if err := s.store.InsertCDR(ctx, &cdr); err != nil {
		s.logger.Error("CDR insert failed", "call_id", cdr.CallID, "error", err)
	}
}

// New wires a gateway from configuration: store, RSA login key, event
// manager, session table, agent registry, cluster node, queue manager,
// router, and the HTTP dispatcher. Nothing listens until Run.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	s, err := initStore(cfg)
	if err != nil {
		return nil, err
	}

	key, err := auth.LoadPrivateKey(cfg.Auth.KeyPath)
	if err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("loading RSA key from %q (cpx-gateway init creates one): %w", cfg.Auth.KeyPath, err)
	}

	events := event.NewManager(logger)
	sessions := session.NewTable(0, logger)
	agents := agent.NewRegistry(logger)

	peers := make([]cluster.Peer, 0, len(cfg.Cluster.Peers))
	for _, p := range cfg.Cluster.Peers {
		peers = append(peers, cluster.Peer{
			Name:     p.Name,
			RaftAddr: p.RaftAddr,
			RPCAddr:  p.RPCAddr,
		})
	}
	node, err := cluster.NewNode(cluster.Config{
		NodeName:   cfg.Cluster.NodeName,
		RaftBind:   cfg.Cluster.RaftBind,
		RaftDir:    cfg.Cluster.RaftDir,
		RPCAddr:    cfg.Cluster.RPCAddr,
		Peers:      peers,
		Bootstrap:  cfg.Cluster.Bootstrap,
		Secret:     cfg.Cluster.RPCSecret,
		RPCTimeout: cfg.Cluster.RPCTimeout,
		Logger:     logger,
	})
	if err != nil {
		sessions.Close()
		events.Close()
		_ = s.Close()
		return nil, fmt.Errorf("starting cluster node: %w", err)
	}

	queues := queue.NewManager(queue.Config{
		Store:   s,
		Cluster: node,
		Logger:  logger,
	})

	cdr := cdrSink{store: s, logger: logger.With("component", "cdr")}

	router := route.New(route.Config{
		Agents: agents,
		Queues: queues,
		Events: events,
		Store:  s,
		CDR:    cdr,
		Logger: logger,
	})

	g := &Gateway{
		config:   cfg,
		logger:   logger.With("component", "gateway"),
		store:    s,
		key:      key,
		events:   events,
		sessions: sessions,
		agents:   agents,
		node:     node,
		queues:   queues,
		router:   router,
	}

	g.dispatcher = dispatch.New(dispatch.Config{
		Sessions:    sessions,
		Agents:      agents,
		Store:       s,
		Queues:      queues,
		Events:      events,
		CDR:         cdr,
		Key:         key,
		Cluster:     node,
		AgentRoot:   cfg.WWW.AgentRoot,
		ContribRoot: cfg.WWW.ContribRoot,
		DynamicRoot: cfg.WWW.DynamicRoot,
		PollTimeout: cfg.Session.PollTimeout,
		IdleTimeout: cfg.Session.IdleTimeout,
		JWTSecret:   cfg.Auth.JWTSecret,
		Logger:      logger,
	})

	mux := http.NewServeMux()
	mux.HandleFunc("/health", g.handleHealth)
	mux.HandleFunc("/health/ready", g.handleReady)
	mux.Handle("/", g.dispatcher)

	g.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	g.rpcServer = cluster.NewRPCServer(node, queues, logger)

	return g, nil
}

// Run starts the listeners and blocks until the context is canceled or a
// server fails. Shutdown is graceful either way.
func (g *Gateway) Run(ctx context.Context) error {
	httpLn, rpcLn, err := g.setupListeners(ctx)
	if err != nil {
		return err
	}

	go g.clusterEvents(ctx)

	g.waitForLeader(ctx)
	if err := g.queues.LoadFromStore(ctx); err != nil {
		_ = httpLn.Close()
		_ = rpcLn.Close()
		return fmt.Errorf("loading queues: %w", err)
	}

	errCh := g.startServers(httpLn, rpcLn)
	serverErr := g.waitForShutdownSignal(ctx, errCh)

	shutdownErr := g.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// setupListeners creates listeners based on configuration. The cluster RPC
// listener is always plain TCP; gateways reach each other directly.
func (g *Gateway) setupListeners(ctx context.Context) (httpLn, rpcLn net.Listener, err error) {
	rpcLn, err = net.Listen("tcp", g.config.Cluster.RPCAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("listening on cluster RPC address: %w", err)
	}

	if g.config.Tailscale.Enabled {
		httpLn, err = g.setupTailscaleListener(ctx)
	} else {
		httpLn, err = g.setupTCPListener()
	}
	if err != nil {
		_ = rpcLn.Close()
		return nil, nil, err
	}
	return httpLn, rpcLn, nil
}

func (g *Gateway) setupTCPListener() (net.Listener, error) {
	g.logger.Info("starting gateway",
		"http_addr", g.config.Server.HTTPAddr,
		"rpc_addr", g.config.Cluster.RPCAddr,
	)

	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return nil, fmt.Errorf("listening on HTTP address: %w", err)
	}
	return ln, nil
}

// startServers starts the HTTP and cluster RPC servers in goroutines,
// returning their error channel.
func (g *Gateway) startServers(httpLn, rpcLn net.Listener) chan error {
	errCh := make(chan error, 2)

	go func() {
		g.logger.Info("HTTP server listening", "addr", httpLn.Addr().String())
		if err := g.httpServer.Serve(httpLn); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	go func() {
		g.logger.Info("cluster RPC server listening", "addr", rpcLn.Addr().String())
		if err := g.rpcServer.Serve(rpcLn); err != nil {
			errCh <- fmt.Errorf("cluster RPC server: %w", err)
		}
	}()

	return errCh
}

// waitForShutdownSignal waits for context cancellation or a server error.
func (g *Gateway) waitForShutdownSignal(ctx context.Context, errCh chan error) error {
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
		return nil
	case err := <-errCh:
		g.logger.Error("server error", "error", err)
		g.drainErrors(errCh)
		return err
	}
}

// drainErrors drains any remaining errors from the channel.
func (g *Gateway) drainErrors(errCh chan error) {
	select {
	case additionalErr := <-errCh:
		g.logger.Error("additional server error", "error", additionalErr)
	default:
	}
}

// waitForLeader blocks until the ensemble knows a leader, the timeout
// passes, or the context ends. Queue loading publishes ownership through
// the leader; entries missed here are republished on the first leadership
// event.
func (g *Gateway) waitForLeader(ctx context.Context) {
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	deadline := time.After(leaderWait)
	for {
		if g.node.Status().Leader != "" {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-deadline:
			g.logger.Warn("no cluster leader yet, loading queues anyway")
			return
		case <-tick.C:
		}
	}
}

func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// shutdownRPCServer gracefully stops the RPC server or force-stops on
// context cancel.
func (g *Gateway) shutdownRPCServer(ctx context.Context) {
	stopped := make(chan struct{})
	go func() {
		g.rpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-ctx.Done():
		g.rpcServer.Stop()
	}
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown stops the servers and releases every component. Order matters:
// stop accepting work, stop binding calls, drop sessions and queues, leave
// the ensemble, then close the event fabric and the store.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))
	g.shutdownRPCServer(ctx)

	g.router.Close()
	g.sessions.Close()
	g.queues.Close()
	errs = appendCloseError(errs, "cluster shutdown", g.node.Close())
	g.events.Close()
	errs = appendCloseError(errs, "store close", g.store.Close())

	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}

// resolveTailscaleAuthKey returns the auth key from config or environment.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set auth_key in config or the TS_AUTHKEY environment variable")
	}
	return authKey, nil
}

// setupTailscaleListener creates a tsnet server and returns the HTTP
// listener served over the tailnet.
func (g *Gateway) setupTailscaleListener(ctx context.Context) (net.Listener, error) {
	tsCfg := g.config.Tailscale

	if g.config.Server.HTTPAddr != "" {
		g.logger.Warn("server.http_addr is ignored when tailscale is enabled",
			"http_addr", g.config.Server.HTTPAddr)
	}

	stateDir := tsCfg.StateDir
	if stateDir == "" {
		stateDir = "./tailscale"
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, err
	}

	g.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	g.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := g.tsnetServer.Up(ctx)
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("starting tailscale: %w", err)
	}
	g.logTailscaleStatus(tsCfg.Hostname, status)

	return g.createTailscaleHTTPListener(tsCfg)
}

// logTailscaleStatus logs info about the tailscale node status.
func (g *Gateway) logTailscaleStatus(hostname string, status *ipnstate.Status) {
	var tsAddr, dnsName string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	} else {
		g.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = status.Self.DNSName
	}
	g.logger.Info("tailscale node ready", "hostname", hostname, "tailscale_ip", tsAddr, "dns_name", dnsName)
}

// createTailscaleTLSListener serves HTTPS on :443 from provisioned cert
// files.
func (g *Gateway) createTailscaleTLSListener(tsCfg config.TailscaleConfig) (net.Listener, error) {
	cert, err := tls.LoadX509KeyPair(tsCfg.CertFile, tsCfg.KeyFile)
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("loading tailscale TLS keypair: %w", err)
	}
	ln, err := g.tsnetServer.Listen("tcp", ":443")
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("listening on tailscale HTTPS port: %w", err)
	}
	g.logger.Info("enabling HTTPS with provisioned certs on :443")
	return tls.NewListener(ln, &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}), nil
}

// createTailscaleHTTPListener creates the appropriate listener: public
// funnel, TLS from provisioned cert files, or plain tailnet HTTP.
func (g *Gateway) createTailscaleHTTPListener(tsCfg config.TailscaleConfig) (net.Listener, error) {
	switch {
	case tsCfg.Funnel:
		g.logger.Info("enabling tailscale funnel (public HTTPS) on :443")
		ln, err := g.tsnetServer.ListenFunnel("tcp", ":443")
		if err != nil {
			_ = g.tsnetServer.Close()
			return nil, fmt.Errorf("listening on tailscale funnel port: %w", err)
		}
		return ln, nil
	case tsCfg.CertFile != "" && tsCfg.KeyFile != "":
		return g.createTailscaleTLSListener(tsCfg)
	default:
		ln, err := g.tsnetServer.Listen("tcp", ":80")
		if err != nil {
			_ = g.tsnetServer.Close()
			return nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
		}
		return ln, nil
	}
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK once the ensemble has a leader; before that
// queue operations cannot replicate and the node should not take traffic.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	st := g.node.Status()
	if st.Leader == "" {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("no cluster leader"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (leader %s)", st.Leader)
}
