// ABOUTME: Tests for gateway wiring, health endpoints, and the Run lifecycle
// ABOUTME: Brings up full single-node gateways on loopback listeners

package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/cpx-gateway/internal/auth"
	"github.com/2389/cpx-gateway/internal/config"
	"github.com/2389/cpx-gateway/internal/store"
)

// freeAddr reserves a loopback port and releases it for the caller.
func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

// newTestConfig builds a single-node bootstrap configuration rooted in a
// temp dir, with a generated login key.
func newTestConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()

	keyPath := filepath.Join(dir, "gateway.key")
	_, err := auth.GeneratePrivateKey(keyPath)
	require.NoError(t, err)

	return &config.Config{
		Server:   config.ServerConfig{HTTPAddr: freeAddr(t)},
		Auth:     config.AuthConfig{KeyPath: keyPath},
		Database: config.DatabaseConfig{Path: filepath.Join(dir, "cpx.db")},
		Session: config.SessionConfig{
			PollTimeout: 200 * time.Millisecond,
			IdleTimeout: time.Minute,
		},
		Cluster: config.ClusterConfig{
			NodeName:  "gw-test",
			RaftBind:  freeAddr(t),
			RaftDir:   filepath.Join(dir, "raft"),
			RPCAddr:   "127.0.0.1:0",
			RPCSecret: "cluster-secret",
			Bootstrap: true,
		},
	}
}

func TestHealthAndDispatchMounted(t *testing.T) {
	g, err := New(newTestConfig(t), slog.Default())
	require.NoError(t, err)
	t.Cleanup(func() { _ = g.Shutdown(context.Background()) })

	rec := httptest.NewRecorder()
	g.httpServer.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())

	// Readiness follows the single-node election.
	require.Eventually(t, func() bool {
		rec := httptest.NewRecorder()
		g.httpServer.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
		return rec.Code == http.StatusOK
	}, 10*time.Second, 50*time.Millisecond)

	rec = httptest.NewRecorder()
	g.httpServer.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Contains(t, rec.Body.String(), "leader gw-test")

	// Everything else lands in the dispatcher.
	rec = httptest.NewRecorder()
	g.httpServer.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api", strings.NewReader("not json")))
	require.Equal(t, http.StatusOK, rec.Code)
	var rep struct {
		Success bool   `json:"success"`
		Errcode string `json:"errcode"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rep))
	assert.False(t, rep.Success)
	assert.Equal(t, "NO_FUNCTION", rep.Errcode)
}

func TestNewFailsWithoutKey(t *testing.T) {
	cfg := newTestConfig(t)
	cfg.Auth.KeyPath = filepath.Join(t.TempDir(), "missing.key")

	_, err := New(cfg, slog.Default())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "RSA key")
}

func TestRunServesAndShutsDown(t *testing.T) {
	cfg := newTestConfig(t)
	g, err := New(cfg, slog.Default())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(t.Context())
	runDone := make(chan error, 1)
	go func() { runDone <- g.Run(ctx) }()

	url := "http://" + cfg.Server.HTTPAddr + "/health"
	require.Eventually(t, func() bool {
		res, err := http.Get(url)
		if err != nil {
			return false
		}
		defer res.Body.Close()
		return res.StatusCode == http.StatusOK
	}, 10*time.Second, 50*time.Millisecond)

	cancel()
	select {
	case err := <-runDone:
		require.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("gateway did not shut down")
	}
}

func TestRunLoadsPersistedQueues(t *testing.T) {
	cfg := newTestConfig(t)

	// Seed a queue config the way a previous run would have left it.
	st, err := store.NewSQLiteStore(cfg.Database.Path)
	require.NoError(t, err)
	require.NoError(t, st.PutQueueConfig(t.Context(), &store.QueueConfig{Name: "support", Weight: 2}))
	require.NoError(t, st.Close())

	g, err := New(cfg, slog.Default())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(t.Context())
	runDone := make(chan error, 1)
	go func() { runDone <- g.Run(ctx) }()

	require.Eventually(t, func() bool {
		h, ok := g.queues.GetQueue(ctx, "support")
		return ok && h.Local && h.Weight == 2
	}, 15*time.Second, 50*time.Millisecond)

	cancel()
	select {
	case err := <-runDone:
		require.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("gateway did not shut down")
	}
}

func TestCDRSinkWritesToStore(t *testing.T) {
	st, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	sink := cdrSink{store: st, logger: slog.Default()}
	sink.RecordCDR(t.Context(), store.CDR{
		CallID:     "call-1",
		AgentLogin: "alice",
		Client:     "acme",
		MediaType:  "voice",
		StartedAt:  time.Now().UTC(),
		EndedAt:    time.Now().UTC(),
	})

	cdrs, err := st.ListCDRs(t.Context(), 10)
	require.NoError(t, err)
	require.Len(t, cdrs, 1)
	assert.Equal(t, "call-1", cdrs[0].CallID)
	assert.Equal(t, "alice", cdrs[0].AgentLogin)
}
