// ABOUTME: In-memory session table keyed by the cpx_id cookie
// ABOUTME: Issues ids and salts, binds workers, and reaps dead entries

package session

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"
)

// ErrUnknownSession is returned for ids the table does not know. The
// dispatcher maps it to the BAD_COOKIE error code.
var ErrUnknownSession = errors.New("unknown session")

// defaultUnboundTTL is how long a cookie may sit without a login before the
// reaper drops it.
const defaultUnboundTTL = 24 * time.Hour

// Connection is the slice of the connection worker the table needs: a death
// notification and enough identity for the ops view.
type Connection interface {
	Done() <-chan struct{}
	Login() string
	Kill(reason string)
}

// Entry is a point-in-time copy of one session triple.
type Entry struct {
	ID       string
	Salt     string
	Conn     Connection
	IssuedAt time.Time
}

// Info is the ops-API view of a session.
type Info struct {
	ID        string    `json:"id"`
	Login     string    `json:"login,omitempty"`
	Connected bool      `json:"connected"`
	HasSalt   bool      `json:"has_salt"`
	IssuedAt  time.Time `json:"issued_at"`
}

type entry struct {
	salt     string
	conn     Connection
	issuedAt time.Time
}

// Table is the node-local session store.
type Table struct {
	logger *slog.Logger
	ttl    time.Duration
	cancel context.CancelFunc

	mu      sync.RWMutex
	entries map[string]*entry
}

// NewTable creates a session table. unboundTTL bounds the life of sessions
// that never log in; zero or negative selects the default.
func NewTable(unboundTTL time.Duration, logger *slog.Logger) *Table {
	if logger == nil {
		logger = slog.Default()
	}
	if unboundTTL <= 0 {
		unboundTTL = defaultUnboundTTL
	}
	ctx, cancel := context.WithCancel(context.Background())
	t := &Table{
		logger:  logger.With("component", "session"),
		ttl:     unboundTTL,
		cancel:  cancel,
		entries: make(map[string]*entry),
	}
	go t.reapLoop(ctx)
	return t
}

// Issue creates a fresh session and returns its id.
func (t *Table) Issue() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating session id: %w", err)
	}
	id := hex.EncodeToString(b)

	t.mu.Lock()
	t.entries[id] = &entry{issuedAt: time.Now().UTC()}
	t.mu.Unlock()

	t.logger.Debug("session issued", "session_id", id)
	return id, nil
}

// BindSalt issues a fresh salt for the session, invalidating any prior one.
func (t *Table) BindSalt(id string) (string, error) {
	var buf [4]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", fmt.Errorf("generating salt: %w", err)
	}
	salt := strconv.FormatUint(uint64(binary.BigEndian.Uint32(buf[:])), 10)

	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[id]
	if !ok {
		return "", ErrUnknownSession
	}
	e.salt = salt
	return salt, nil
}

// Lookup returns a copy of the session triple.
func (t *Table) Lookup(id string) (Entry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[id]
	if !ok {
		return Entry{}, false
	}
	return Entry{ID: id, Salt: e.salt, Conn: e.conn, IssuedAt: e.issuedAt}, true
}

// BindConnection attaches a live worker to the session and starts watching
// it. A worker already bound to the session is killed first; its watcher
// sees the replacement and leaves the entry alone.
func (t *Table) BindConnection(id string, c Connection) error {
	t.mu.Lock()
	e, ok := t.entries[id]
	if !ok {
		t.mu.Unlock()
		return ErrUnknownSession
	}
	old := e.conn
	e.conn = c
	t.mu.Unlock()

	if old != nil && old != c {
		old.Kill("replaced by a new login")
	}
	go t.watch(id, c)

	t.logger.Info("connection bound",
		"session_id", id,
		"login", c.Login())
	return nil
}

// watch removes the session when its worker dies. The triple disappears
// atomically: a lookup either sees the live worker or nothing.
func (t *Table) watch(id string, c Connection) {
	<-c.Done()

	t.mu.Lock()
	e, ok := t.entries[id]
	removed := ok && e.conn == c
	if removed {
		delete(t.entries, id)
	}
	t.mu.Unlock()

	if removed {
		t.logger.Info("session ended", "session_id", id, "login", c.Login())
	}
}

// FindByLogin returns the session currently bound to the given login.
func (t *Table) FindByLogin(login string) (string, Connection, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for id, e := range t.entries {
		if e.conn != nil && e.conn.Login() == login {
			return id, e.conn, true
		}
	}
	return "", nil, false
}

// Revoke returns a session to its pre-login state: salt and connection are
// cleared but the id stays usable, so a logout does not force a new cookie.
// The detached worker, if any, is returned for the caller to kill; once
// detached its death no longer removes the entry.
func (t *Table) Revoke(id string) Connection {
	t.mu.Lock()
	e, ok := t.entries[id]
	var old Connection
	if ok {
		old = e.conn
		e.conn = nil
		e.salt = ""
		e.issuedAt = time.Now().UTC()
	}
	t.mu.Unlock()

	if old != nil {
		t.logger.Info("session revoked", "session_id", id, "login", old.Login())
	}
	return old
}

// Len returns the number of live sessions.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// Snapshot returns the ops view of every session, ordered by id.
func (t *Table) Snapshot() []Info {
	t.mu.RLock()
	infos := make([]Info, 0, len(t.entries))
	for id, e := range t.entries {
		info := Info{
			ID:        id,
			Connected: e.conn != nil,
			HasSalt:   e.salt != "",
			IssuedAt:  e.issuedAt,
		}
		if e.conn != nil {
			info.Login = e.conn.Login()
		}
		infos = append(infos, info)
	}
	t.mu.RUnlock()

	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

// Close stops the reaper, empties the table, and kills every bound worker.
func (t *Table) Close() {
	t.cancel()

	t.mu.Lock()
	conns := make([]Connection, 0, len(t.entries))
	for _, e := range t.entries {
		if e.conn != nil {
			conns = append(conns, e.conn)
		}
	}
	t.entries = make(map[string]*entry)
	t.mu.Unlock()

	for _, c := range conns {
		c.Kill("gateway shutting down")
	}
}

func (t *Table) reapLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.reapUnbound()
		}
	}
}

// reapUnbound drops sessions that never logged in within the TTL. Bound
// sessions live until their worker dies.
func (t *Table) reapUnbound() {
	cutoff := time.Now().UTC().Add(-t.ttl)

	t.mu.Lock()
	var reaped int
	for id, e := range t.entries {
		if e.conn == nil && e.issuedAt.Before(cutoff) {
			delete(t.entries, id)
			reaped++
		}
	}
	t.mu.Unlock()

	if reaped > 0 {
		t.logger.Debug("reaped stale sessions", "count", reaped)
	}
}
