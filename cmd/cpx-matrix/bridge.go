// ABOUTME: Bridge core for cpx-matrix
// ABOUTME: Polls the gateway ops API and posts call and cluster notices to Matrix rooms

package main

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/2389/cpx-gateway/internal/dedupe"
)

const (
	// cdrWindow matches the ops API default page, so consecutive polls see
	// overlapping windows and the dedupe cache absorbs the overlap.
	cdrWindow = 50

	dedupeTTL  = time.Hour
	dedupeSize = 4096

	// networkTimeout bounds Matrix API calls so shutdown is not held
	// hostage by a slow homeserver.
	networkTimeout = 10 * time.Second
)

// Bridge watches a cpx-gateway and announces activity into Matrix rooms.
type Bridge struct {
	config  *Config
	matrix  *mautrix.Client
	gateway *GatewayClient
	seen    *dedupe.Cache
	logger  *slog.Logger

	// Track rooms with a command in flight to avoid duplicate handling
	processing sync.Map

	// lastCluster and cdrsPrimed are touched only from the poll loop.
	lastCluster *ClusterStatus
	cdrsPrimed  bool

	// ctx is the parent context for command handling goroutines
	ctx    context.Context
	cancel context.CancelFunc
}

// NewBridge creates a new Matrix bridge.
func NewBridge(cfg *Config, logger *slog.Logger) (*Bridge, error) {
	client, err := mautrix.NewClient(cfg.Matrix.Homeserver, id.UserID(cfg.Matrix.UserID), cfg.Matrix.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("creating matrix client: %w", err)
	}

	gateway := NewGatewayClient(cfg.Gateway.URL, cfg.Gateway.JWTSecret)

	return &Bridge{
		config:  cfg,
		matrix:  client,
		gateway: gateway,
		seen:    dedupe.New(dedupeTTL, dedupeSize),
		logger:  logger,
	}, nil
}

// Run starts the bridge and blocks until the context is cancelled.
func (b *Bridge) Run(ctx context.Context) error {
	b.logger.Info("starting matrix bridge",
		"homeserver", b.config.Matrix.Homeserver,
		"user_id", b.config.Matrix.UserID,
		"gateway", b.config.Gateway.URL,
		"rooms", len(b.config.Bridge.Rooms),
	)

	// Store context for command handling goroutines
	b.ctx, b.cancel = context.WithCancel(ctx)
	defer b.cancel()
	defer b.seen.Close()

	// Register event handler for supervisor commands
	syncer, ok := b.matrix.Syncer.(*mautrix.DefaultSyncer)
	if !ok {
		return fmt.Errorf("unexpected syncer type: %T", b.matrix.Syncer)
	}
	syncer.OnEventType(event.EventMessage, b.handleMessageEvent)

	b.logger.Info("connecting to matrix homeserver")

	syncErr := make(chan error, 1)
	go func() {
		syncErr <- b.matrix.SyncWithContext(b.ctx)
	}()

	ticker := time.NewTicker(b.config.Bridge.Poll)
	defer ticker.Stop()

	b.logger.Info("matrix bridge running", "poll_interval", b.config.Bridge.Poll)

	for {
		select {
		case <-ctx.Done():
			b.logger.Info("shutting down matrix bridge")
			return nil
		case err := <-syncErr:
			return fmt.Errorf("matrix sync failed: %w", err)
		case <-ticker.C:
			b.poll(b.ctx)
		}
	}
}

// poll runs one announcement cycle against the ops API.
func (b *Bridge) poll(ctx context.Context) {
	if b.config.Bridge.AnnounceCDRs {
		b.pollCDRs(ctx)
	}
	if b.config.Bridge.AnnounceCluster {
		b.pollCluster(ctx)
	}
}

// pollCDRs announces calls that finished since the last cycle.
func (b *Bridge) pollCDRs(ctx context.Context) {
	cdrs, err := b.gateway.ListCDRs(ctx, cdrWindow)
	if err != nil {
		b.logger.Warn("cdr poll failed", "error", err)
		return
	}

	// The API returns newest first; walk backwards so notices land in
	// call order.
	for i := len(cdrs) - 1; i >= 0; i-- {
		c := cdrs[i]
		if b.seen.Seen("cdr/" + c.ID) {
			continue
		}
		if !b.cdrsPrimed {
			// First pass seeds the cache instead of replaying history.
			continue
		}
		b.logger.Info("announcing cdr", "id", c.ID, "agent", c.AgentLogin)
		b.announce(formatCDR(c))
	}
	b.cdrsPrimed = true
}

// pollCluster announces changes in the raft ensemble.
func (b *Bridge) pollCluster(ctx context.Context) {
	st, err := b.gateway.Cluster(ctx)
	if err != nil {
		b.logger.Warn("cluster poll failed", "error", err)
		return
	}

	alerts := clusterAlerts(b.lastCluster, st)
	b.lastCluster = st

	for _, a := range alerts {
		if b.seen.Seen("cluster/" + a) {
			// Identical alert within the TTL, likely flapping.
			continue
		}
		b.logger.Info("announcing cluster alert", "alert", a)
		b.announce(a)
	}
}

// clusterAlerts diffs two ensemble snapshots into human-readable alerts.
// A nil prev is the startup baseline and produces none.
func clusterAlerts(prev, cur *ClusterStatus) []string {
	if prev == nil {
		return nil
	}

	var alerts []string
	if cur.Leader != prev.Leader {
		switch {
		case cur.Leader == "":
			alerts = append(alerts, "cluster has no leader")
		case prev.Leader == "":
			alerts = append(alerts, fmt.Sprintf("cluster elected leader %s", cur.Leader))
		default:
			alerts = append(alerts, fmt.Sprintf("cluster leadership moved from %s to %s", prev.Leader, cur.Leader))
		}
	}

	prevSet := make(map[string]bool, len(prev.Members))
	for _, m := range prev.Members {
		prevSet[m] = true
	}
	curSet := make(map[string]bool, len(cur.Members))
	for _, m := range cur.Members {
		curSet[m] = true
	}
	for _, m := range cur.Members {
		if !prevSet[m] {
			alerts = append(alerts, fmt.Sprintf("node %s joined the cluster", m))
		}
	}
	for _, m := range prev.Members {
		if !curSet[m] {
			alerts = append(alerts, fmt.Sprintf("node %s left the cluster", m))
		}
	}

	return alerts
}

// formatCDR renders a one-line notice for a completed call.
func formatCDR(c CDR) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s call", c.MediaType)
	if c.CallerID != "" {
		fmt.Fprintf(&b, " from %s", c.CallerID)
	}
	fmt.Fprintf(&b, " handled by %s", c.AgentLogin)
	if c.Client != "" {
		fmt.Fprintf(&b, " for %s", c.Client)
	}
	if d := c.EndedAt.Sub(c.StartedAt); d > 0 {
		fmt.Fprintf(&b, " in %s", d.Round(time.Second))
	}
	if len(c.States) > 0 {
		names := make([]string, len(c.States))
		for i, s := range c.States {
			names[i] = s.State
		}
		fmt.Fprintf(&b, " (%s)", strings.Join(names, " > "))
	}
	return b.String()
}

// handleMessageEvent picks supervisor commands out of room traffic.
func (b *Bridge) handleMessageEvent(ctx context.Context, evt *event.Event) {
	// Ignore our own messages
	if evt.Sender == id.UserID(b.config.Matrix.UserID) {
		return
	}

	content, ok := evt.Content.Parsed.(*event.MessageEventContent)
	if !ok || content.MsgType != event.MsgText {
		return
	}

	roomID := evt.RoomID.String()
	if !b.isRoomAllowed(roomID) {
		b.logger.Debug("ignoring message from unlisted room", "room", roomID)
		return
	}

	body := strings.TrimSpace(content.Body)
	prefix := b.config.Bridge.CommandPrefix
	if !strings.HasPrefix(body, prefix) {
		return
	}
	cmd := strings.TrimSpace(strings.TrimPrefix(body, prefix))

	b.logger.Info("received command",
		"room", roomID,
		"sender", evt.Sender.String(),
		"command", cmd,
	)

	// Handle in a goroutine to not block sync.
	go b.handleCommand(b.ctx, evt.RoomID, cmd)
}

// handleCommand answers a supervisor command in the room it came from.
func (b *Bridge) handleCommand(ctx context.Context, roomID id.RoomID, cmd string) {
	roomStr := roomID.String()

	if _, loaded := b.processing.LoadOrStore(roomStr, true); loaded {
		b.logger.Debug("already answering a command in room, dropping", "room", roomStr)
		return
	}
	defer b.processing.Delete(roomStr)

	var reply string
	switch cmd {
	case "status":
		reply = b.statusReply(ctx)
	case "agents":
		reply = b.agentsReply(ctx)
	default:
		reply = fmt.Sprintf("commands: %s status, %s agents",
			b.config.Bridge.CommandPrefix, b.config.Bridge.CommandPrefix)
	}

	b.notify(roomID, reply)
}

// statusReply summarizes the gateway's cluster view.
func (b *Bridge) statusReply(ctx context.Context) string {
	st, err := b.gateway.Cluster(ctx)
	if err != nil {
		return fmt.Sprintf("gateway unreachable: %v", err)
	}
	if st.State == "standalone" {
		return "gateway is running standalone (no cluster)"
	}
	leader := st.Leader
	if leader == "" {
		leader = "none"
	}
	return fmt.Sprintf("cluster: %d member(s), leader %s, this node %s (%s)",
		len(st.Members), leader, st.NodeName, st.State)
}

// agentsReply lists logged-in agents.
func (b *Bridge) agentsReply(ctx context.Context) string {
	sessions, err := b.gateway.ListSessions(ctx)
	if err != nil {
		return fmt.Sprintf("gateway unreachable: %v", err)
	}

	var names []string
	for _, s := range sessions {
		if s.Login == "" {
			continue // pre-login handshake sessions
		}
		name := s.Login
		if !s.Connected {
			name += " (detached)"
		}
		names = append(names, name)
	}
	if len(names) == 0 {
		return "no agents logged in"
	}
	return fmt.Sprintf("%d agent(s) logged in: %s", len(names), strings.Join(names, ", "))
}

// isRoomAllowed checks if the room is in the configured list.
func (b *Bridge) isRoomAllowed(roomID string) bool {
	for _, room := range b.config.Bridge.Rooms {
		if room == roomID {
			return true
		}
	}
	return false
}

// announce posts a notice to every configured room.
func (b *Bridge) announce(text string) {
	for _, room := range b.config.Bridge.Rooms {
		b.notify(id.RoomID(room), text)
	}
}

// notify posts a notice to a single room.
func (b *Bridge) notify(roomID id.RoomID, text string) {
	ctx, cancel := context.WithTimeout(context.Background(), networkTimeout)
	defer cancel()
	if _, err := b.matrix.SendNotice(ctx, roomID, text); err != nil {
		b.logger.Error("failed to send notice", "room", roomID.String(), "error", err)
	}
}
