// ABOUTME: The dispatcher: routes requests to files, public ops, or sessions
// ABOUTME: Owns the login handshake and builds connection workers on success

package dispatch

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/2389/cpx-gateway/internal/agent"
	"github.com/2389/cpx-gateway/internal/auth"
	"github.com/2389/cpx-gateway/internal/cluster"
	"github.com/2389/cpx-gateway/internal/conn"
	"github.com/2389/cpx-gateway/internal/event"
	"github.com/2389/cpx-gateway/internal/session"
	"github.com/2389/cpx-gateway/internal/store"
)

// Cookie names are wire format; the agent UI reads both.
const (
	cookieSession = "cpx_id"
	cookieLang    = "cpx_lang"
)

// storeTimeout bounds store lookups done on behalf of one request.
const storeTimeout = 2 * time.Second

// defaultPollTimeout bounds the long poll when the config supplies nothing.
const defaultPollTimeout = 30 * time.Second

// ClusterStatus is the slice of the cluster node the ops API reads.
type ClusterStatus interface {
	Status() cluster.Status
}

// Config carries the dispatcher's collaborators.
type Config struct {
	Sessions *session.Table
	Agents   *agent.Registry
	Store    store.Store
	Queues   conn.Queues
	Events   *event.Manager
	CDR      agent.CDRSink
	Key      *rsa.PrivateKey
	Cluster  ClusterStatus // nil on standalone nodes

	// Web roots served to browsers. Empty roots serve nothing.
	AgentRoot   string
	ContribRoot string
	DynamicRoot string

	// PollTimeout bounds the long poll; IdleTimeout is handed to each
	// connection worker (zero disables the idle timer).
	PollTimeout time.Duration
	IdleTimeout time.Duration

	// JWTSecret enables the /ops API when non-empty.
	JWTSecret string

	Logger *slog.Logger
}

// Dispatcher is the HTTP front door. It implements http.Handler for the
// whole agent-facing surface: files, the command API, and the ops API.
type Dispatcher struct {
	sessions *session.Table
	agents   *agent.Registry
	store    store.Store
	queues   conn.Queues
	events   *event.Manager
	cdr      agent.CDRSink
	key      *rsa.PrivateKey
	cluster  ClusterStatus

	agentRoot   string
	contribRoot string
	dynamicRoot string

	pollTimeout time.Duration
	idleTimeout time.Duration

	ops    http.Handler
	base   *slog.Logger
	logger *slog.Logger
}

// New creates the dispatcher. The RSA key must already be loaded; it is used
// on every login decrypt.
func New(cfg Config) *Dispatcher {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		sessions:    cfg.Sessions,
		agents:      cfg.Agents,
		store:       cfg.Store,
		queues:      cfg.Queues,
		events:      cfg.Events,
		cdr:         cfg.CDR,
		key:         cfg.Key,
		cluster:     cfg.Cluster,
		agentRoot:   cfg.AgentRoot,
		contribRoot: cfg.ContribRoot,
		dynamicRoot: cfg.DynamicRoot,
		pollTimeout: cfg.PollTimeout,
		idleTimeout: cfg.IdleTimeout,
		base:        logger,
		logger:      logger.With("component", "dispatch"),
	}
	if d.pollTimeout <= 0 {
		d.pollTimeout = defaultPollTimeout
	}
	d.ops = d.opsHandler(cfg.JWTSecret)
	return d
}

// ServeHTTP routes one request: ops API, the /api envelope, a static file,
// or a legacy path-form command, in that order.
func (d *Dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if containsDotDot(r.URL.Path) {
		http.Error(w, "invalid path", http.StatusBadRequest)
		return
	}
	p := path.Clean("/" + r.URL.Path)

	if p == "/ops" || strings.HasPrefix(p, "/ops/") {
		d.serveOps(w, r)
		return
	}
	d.setLangCookie(w, r)
	if p == "/api" {
		cmd, err := parseAPICommand(r)
		if err != nil {
			writeFailure(w, http.StatusOK, CodeNoFunction, "request names no function")
			return
		}
		d.run(w, r, cmd)
		return
	}
	if r.Method == http.MethodGet && d.serveStatic(w, r, p) {
		return
	}
	cmd, ok := legacyCommand(p, r)
	if !ok {
		writeFailure(w, http.StatusOK, CodeNoFunction, "request names no function")
		return
	}
	d.run(w, r, cmd)
}

// run executes a parsed command: public operations here, everything else
// forwarded to the session's connection worker.
func (d *Dispatcher) run(w http.ResponseWriter, r *http.Request, cmd command) {
	switch cmd.Function {
	case "check_cookie":
		d.handleCheckCookie(w, r)
	case "get_salt":
		d.handleGetSalt(w, r)
	case "login":
		d.handleLogin(w, r, cmd.Args)
	case "get_queue_list":
		d.handleQueueList(w, r)
	case "get_brand_list":
		d.handleBrandList(w, r)
	case "get_release_opts":
		d.handleReleaseOpts(w, r)
	case "logout":
		d.handleLogout(w, r)
	case "poll":
		d.handlePoll(w, r)
	default:
		d.forward(w, r, cmd)
	}
}

// lookup resolves the request's session cookie against the table.
func (d *Dispatcher) lookup(r *http.Request) (session.Entry, bool) {
	c, err := r.Cookie(cookieSession)
	if err != nil || c.Value == "" {
		return session.Entry{}, false
	}
	return d.sessions.Lookup(c.Value)
}

// issue mints a fresh session and sets its cookie on the response.
func (d *Dispatcher) issue(w http.ResponseWriter) (string, error) {
	id, err := d.sessions.Issue()
	if err != nil {
		return "", err
	}
	http.SetCookie(w, &http.Cookie{Name: cookieSession, Value: id, Path: "/"})
	return id, nil
}

// issueQuiet issues a replacement cookie where the reply shape is already
// decided and an issue failure can only be logged.
func (d *Dispatcher) issueQuiet(w http.ResponseWriter) {
	if _, err := d.issue(w); err != nil {
		d.logger.Error("session issue failed", "error", err)
	}
}

// workerFor unwraps the live connection worker bound to a session.
func workerFor(ent session.Entry) (*conn.Worker, bool) {
	wk, ok := ent.Conn.(*conn.Worker)
	return wk, ok && wk != nil
}

// requireWorker resolves the session and its worker for per-session
// commands, answering the 403 band itself when either is missing. A dead
// cookie still gets a fresh replacement in the same response.
func (d *Dispatcher) requireWorker(w http.ResponseWriter, r *http.Request) (*conn.Worker, bool) {
	ent, ok := d.lookup(r)
	if !ok {
		d.issueQuiet(w)
		writeFailure(w, http.StatusForbidden, CodeBadCookie, "unknown session")
		return nil, false
	}
	wk, ok := workerFor(ent)
	if !ok {
		writeFailure(w, http.StatusForbidden, CodeNoAgent, "not logged in")
		return nil, false
	}
	wk.KeepAlive()
	return wk, true
}

// touch feeds the idle timer when the request carries a live session.
func (d *Dispatcher) touch(r *http.Request) {
	if ent, ok := d.lookup(r); ok {
		if wk, ok := workerFor(ent); ok {
			wk.KeepAlive()
		}
	}
}

// cookieReply is the check_cookie result: the agent snapshot plus the live
// channels the UI should re-attach to after a reload.
type cookieReply struct {
	agent.Snapshot
	MediaLoad []event.ChannelProp `json:"mediaload,omitempty"`
}

func (d *Dispatcher) handleCheckCookie(w http.ResponseWriter, r *http.Request) {
	ent, ok := d.lookup(r)
	if !ok {
		d.issueQuiet(w)
		writeFailure(w, http.StatusOK, CodeBadCookie, "unknown session")
		return
	}
	wk, ok := workerFor(ent)
	if !ok {
		writeFailure(w, http.StatusOK, CodeNoAgent, "not logged in")
		return
	}
	wk.KeepAlive()

	out := cookieReply{Snapshot: wk.DumpAgent()}
	if d.events != nil {
		out.MediaLoad = d.events.Props().ByAgent(wk.Login())
	}
	writeResult(w, out)
}

type saltPubKey struct {
	E string `json:"E"`
	N string `json:"N"`
}

type saltReply struct {
	Salt   string     `json:"salt"`
	PubKey saltPubKey `json:"pubkey"`
}

func (d *Dispatcher) handleGetSalt(w http.ResponseWriter, r *http.Request) {
	var id string
	if ent, ok := d.lookup(r); ok {
		id = ent.ID
		if wk, ok := workerFor(ent); ok {
			wk.KeepAlive()
		}
	} else {
		fresh, err := d.issue(w)
		if err != nil {
			d.logger.Error("session issue failed", "error", err)
			writeFailure(w, http.StatusOK, CodeUnknownError, "internal error")
			return
		}
		id = fresh
	}

	salt, err := d.sessions.BindSalt(id)
	if err != nil {
		code, msg := failureFor(err)
		writeFailure(w, http.StatusOK, code, msg)
		return
	}
	e, n := auth.PublicKeyHex(d.key)
	writeResult(w, saltReply{Salt: salt, PubKey: saltPubKey{E: e, N: n}})
}

type loginReply struct {
	Profile   string `json:"profile"`
	StateTime int64  `json:"statetime"`
	Timestamp int64  `json:"timestamp"`
}

func (d *Dispatcher) handleLogin(w http.ResponseWriter, r *http.Request, args []any) {
	username, _ := stringArg(args, 0)
	cipher, _ := stringArg(args, 1)
	opts, _ := mapArg(args, 2)
	if username == "" || cipher == "" {
		writeFailure(w, http.StatusOK, CodeUnknownError, "login needs a username and credentials")
		return
	}

	ent, ok := d.lookup(r)
	if !ok {
		// A dead cookie cannot have a salt; the caller restarts the
		// handshake with the fresh id.
		d.issueQuiet(w)
		writeFailure(w, http.StatusOK, CodeNoSalt, "no salt issued for this session")
		return
	}
	if ent.Salt == "" {
		writeFailure(w, http.StatusOK, CodeNoSalt, "no salt issued for this session")
		return
	}

	password, err := auth.DecryptSalted(d.key, cipher, ent.Salt)
	if err != nil {
		code, msg := failureFor(err)
		writeFailure(w, http.StatusOK, code, msg)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), storeTimeout)
	defer cancel()
	rec, err := d.store.GetAgentByLogin(ctx, username)
	if errors.Is(err, store.ErrNotFound) {
		auth.VerifyDummy(password)
		writeFailure(w, http.StatusOK, CodeAuthFailed, "login denied")
		return
	}
	if err != nil {
		d.logger.Error("auth lookup failed", "login", username, "error", err)
		writeFailure(w, http.StatusOK, CodeUnknownError, "internal error")
		return
	}
	if !auth.VerifyPassword(rec.PasswordHash, password) {
		writeFailure(w, http.StatusOK, CodeAuthFailed, "login denied")
		return
	}

	spec, err := endpointFromOpts(opts, username)
	if err != nil {
		writeFailure(w, http.StatusOK, CodeUnknownError, err.Error())
		return
	}

	// Second login wins: any other session holding this agent loses it.
	if oldID, oldConn, found := d.sessions.FindByLogin(username); found && oldID != ent.ID {
		oldConn.Kill("logged in from another session")
	}

	a := agent.New(*rec, d.events, d.base)
	a.SetEndpoint(spec)
	if evicted := d.agents.Register(a); evicted != nil {
		evicted.Stop()
	}

	wk := conn.NewWorker(conn.Config{
		SessionID:   ent.ID,
		Agent:       a,
		Agents:      d.agents,
		Store:       d.store,
		Queues:      d.queues,
		Events:      d.events,
		CDR:         d.cdr,
		IdleTimeout: d.idleTimeout,
		Logger:      d.base,
	})
	if err := d.sessions.BindConnection(ent.ID, wk); err != nil {
		wk.Kill("session disappeared during login")
		code, msg := failureFor(err)
		writeFailure(w, http.StatusOK, code, msg)
		return
	}

	snap := a.Snapshot()
	d.logger.Info("agent logged in", "login", username, "session_id", ent.ID)
	writeResult(w, loginReply{
		Profile:   snap.Profile,
		StateTime: snap.StateTime,
		Timestamp: snap.Timestamp,
	})
}

// endpointFromOpts resolves the voipendpoint login options into the spec the
// agent's channels will ring through.
func endpointFromOpts(opts map[string]any, login string) (agent.EndpointSpec, error) {
	spec, err := agent.ResolveEndpointSpec(
		stringOpt(opts, "voipendpoint"),
		stringOpt(opts, "voipendpointdata"),
		login,
		boolOpt(opts, "useoutbandring"),
	)
	if err != nil {
		return agent.EndpointSpec{}, fmt.Errorf("bad endpoint options: %w", err)
	}
	return spec, nil
}

type queueEntry struct {
	Name string `json:"name"`
}

func (d *Dispatcher) handleQueueList(w http.ResponseWriter, r *http.Request) {
	d.touch(r)
	ctx, cancel := context.WithTimeout(r.Context(), storeTimeout)
	defer cancel()
	cfgs, err := d.store.ListQueueConfigs(ctx)
	if err != nil {
		d.logger.Error("queue list failed", "error", err)
		writeFailure(w, http.StatusOK, CodeUnknownError, "internal error")
		return
	}
	out := make([]queueEntry, 0, len(cfgs))
	for _, c := range cfgs {
		out = append(out, queueEntry{Name: c.Name})
	}
	writeResult(w, out)
}

type brandEntry struct {
	Label string `json:"label"`
	ID    string `json:"id"`
}

func (d *Dispatcher) handleBrandList(w http.ResponseWriter, r *http.Request) {
	d.touch(r)
	ctx, cancel := context.WithTimeout(r.Context(), storeTimeout)
	defer cancel()
	clients, err := d.store.ListClients(ctx)
	if err != nil {
		d.logger.Error("brand list failed", "error", err)
		writeFailure(w, http.StatusOK, CodeUnknownError, "internal error")
		return
	}
	out := make([]brandEntry, 0, len(clients))
	for _, c := range clients {
		out = append(out, brandEntry{Label: c.Label, ID: c.ID})
	}
	writeResult(w, out)
}

type releaseEntry struct {
	Label string `json:"label"`
	ID    int64  `json:"id"`
	Bias  int    `json:"bias"`
}

func (d *Dispatcher) handleReleaseOpts(w http.ResponseWriter, r *http.Request) {
	d.touch(r)
	ctx, cancel := context.WithTimeout(r.Context(), storeTimeout)
	defer cancel()
	opts, err := d.store.ListReleaseOpts(ctx)
	if err != nil {
		d.logger.Error("release opts failed", "error", err)
		writeFailure(w, http.StatusOK, CodeUnknownError, "internal error")
		return
	}
	out := make([]releaseEntry, 0, len(opts))
	for _, o := range opts {
		out = append(out, releaseEntry{Label: o.Label, ID: o.ID, Bias: o.Bias})
	}
	writeResult(w, out)
}

// handleLogout detaches and kills the session's worker. The id survives, so
// the same cookie can run the salt handshake again.
func (d *Dispatcher) handleLogout(w http.ResponseWriter, r *http.Request) {
	wk, ok := d.requireWorker(w, r)
	if !ok {
		return
	}
	if old := d.sessions.Revoke(wk.SessionID()); old != nil {
		old.Kill("logged out")
	}
	writeOK(w)
}

func (d *Dispatcher) handlePoll(w http.ResponseWriter, r *http.Request) {
	wk, ok := d.requireWorker(w, r)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), d.pollTimeout)
	defer cancel()

	events, err := wk.Poll(ctx)
	switch {
	case err == nil:
		writeResult(w, events)
	case errors.Is(err, conn.ErrPollTimeout):
		writeFailure(w, http.StatusRequestTimeout, CodeUnknownError, "poll timed out")
	case errors.Is(err, conn.ErrKilled):
		writeFailure(w, http.StatusRequestTimeout, CodeBadCookie, err.Error())
	default:
		d.logger.Error("poll failed", "error", err)
		writeFailure(w, http.StatusRequestTimeout, CodeUnknownError, "poll failed")
	}
}

// forward hands any other command to the connection worker's verb table.
func (d *Dispatcher) forward(w http.ResponseWriter, r *http.Request, cmd command) {
	wk, ok := d.requireWorker(w, r)
	if !ok {
		return
	}
	result, err := wk.API(r.Context(), cmd.Function, cmd.Args)
	if err != nil {
		if errors.Is(err, conn.ErrKilled) {
			writeFailure(w, http.StatusRequestTimeout, CodeBadCookie, err.Error())
			return
		}
		if loggable(err) {
			d.logger.Error("verb failed", "function", cmd.Function, "error", err)
		}
		code, msg := failureFor(err)
		writeFailure(w, http.StatusOK, code, msg)
		return
	}
	if result == nil {
		writeOK(w)
		return
	}
	writeResult(w, result)
}

func stringArg(args []any, i int) (string, bool) {
	if i >= len(args) {
		return "", false
	}
	s, ok := args[i].(string)
	return s, ok
}

func mapArg(args []any, i int) (map[string]any, bool) {
	if i >= len(args) {
		return nil, false
	}
	m, ok := args[i].(map[string]any)
	return m, ok
}

func stringOpt(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func boolOpt(m map[string]any, key string) bool {
	switch v := m[key].(type) {
	case bool:
		return v
	case string:
		return v == "true" || v == "1" || v == "yes"
	}
	return false
}
