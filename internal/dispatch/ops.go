// ABOUTME: JWT-protected operations API: sessions, cluster state, CDRs
// ABOUTME: Served under /ops/, disabled entirely when no secret is configured

package dispatch

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/2389/cpx-gateway/internal/auth"
	"github.com/2389/cpx-gateway/internal/store"
)

// opsHandler builds the bearer-protected ops mux, or nil when the ops API is
// disabled.
func (d *Dispatcher) opsHandler(secret string) http.Handler {
	if secret == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/ops/sessions", d.handleOpsSessions)
	mux.HandleFunc("/ops/cluster", d.handleOpsCluster)
	mux.HandleFunc("/ops/cdrs", d.handleOpsCDRs)

	verifier := auth.NewJWTVerifier([]byte(secret))
	return auth.BearerMiddleware(verifier)(mux)
}

func (d *Dispatcher) serveOps(w http.ResponseWriter, r *http.Request) {
	if d.ops == nil {
		http.NotFound(w, r)
		return
	}
	d.ops.ServeHTTP(w, r)
}

func (d *Dispatcher) handleOpsSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, d.sessions.Snapshot())
}

func (d *Dispatcher) handleOpsCluster(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if d.cluster == nil {
		writeJSON(w, http.StatusOK, map[string]string{"state": "standalone"})
		return
	}
	writeJSON(w, http.StatusOK, d.cluster.Status())
}

// opsCDR is the ops-API view of a call detail record.
type opsCDR struct {
	ID         string              `json:"id"`
	CallID     string              `json:"call_id"`
	AgentLogin string              `json:"agent_login"`
	Client     string              `json:"client,omitempty"`
	CallerID   string              `json:"caller_id,omitempty"`
	MediaType  string              `json:"media_type"`
	States     []store.StateChange `json:"states"`
	StartedAt  time.Time           `json:"started_at"`
	EndedAt    time.Time           `json:"ended_at"`
}

func (d *Dispatcher) handleOpsCDRs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	limit := 50
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a positive integer"})
			return
		}
		limit = n
		if limit > 1000 {
			limit = 1000
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), storeTimeout)
	defer cancel()
	cdrs, err := d.store.ListCDRs(ctx, limit)
	if err != nil {
		d.logger.Error("cdr list failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}

	out := make([]opsCDR, 0, len(cdrs))
	for _, c := range cdrs {
		out = append(out, opsCDR{
			ID:         c.ID,
			CallID:     c.CallID,
			AgentLogin: c.AgentLogin,
			Client:     c.Client,
			CallerID:   c.CallerID,
			MediaType:  c.MediaType,
			States:     c.StateChanges,
			StartedAt:  c.StartedAt,
			EndedAt:    c.EndedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}
