// ABOUTME: Ops API client for cpx-matrix bridge
// ABOUTME: Fetches CDRs, cluster state, and sessions with minted bearer tokens

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/2389/cpx-gateway/internal/auth"
)

// StateChange is one leg of a CDR's state history.
type StateChange struct {
	State     string    `json:"state"`
	Timestamp time.Time `json:"timestamp"`
}

// CDR is the ops-API view of a completed call.
type CDR struct {
	ID         string        `json:"id"`
	CallID     string        `json:"call_id"`
	AgentLogin string        `json:"agent_login"`
	Client     string        `json:"client,omitempty"`
	CallerID   string        `json:"caller_id,omitempty"`
	MediaType  string        `json:"media_type"`
	States     []StateChange `json:"states"`
	StartedAt  time.Time     `json:"started_at"`
	EndedAt    time.Time     `json:"ended_at"`
}

// ClusterStatus is the ops-API view of the raft ensemble. A standalone
// gateway reports only State == "standalone".
type ClusterStatus struct {
	NodeName string            `json:"node_name"`
	State    string            `json:"state"`
	Leader   string            `json:"leader"`
	Members  []string          `json:"members"`
	Registry map[string]string `json:"registry"`
}

// SessionInfo is the ops-API view of one agent session.
type SessionInfo struct {
	ID        string    `json:"id"`
	Login     string    `json:"login,omitempty"`
	Connected bool      `json:"connected"`
	HasSalt   bool      `json:"has_salt"`
	IssuedAt  time.Time `json:"issued_at"`
}

// GatewayClient reads the cpx-gateway ops API.
type GatewayClient struct {
	baseURL string
	tokens  *auth.JWTVerifier
	client  *http.Client
}

// NewGatewayClient creates a client for the gateway at baseURL. jwtSecret
// must match the gateway's configured ops secret.
func NewGatewayClient(baseURL, jwtSecret string) *GatewayClient {
	return &GatewayClient{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		tokens:  auth.NewJWTVerifier([]byte(jwtSecret)),
		client:  &http.Client{Timeout: 15 * time.Second},
	}
}

// ListCDRs fetches the most recent call detail records, newest first.
func (g *GatewayClient) ListCDRs(ctx context.Context, limit int) ([]CDR, error) {
	var cdrs []CDR
	if err := g.get(ctx, fmt.Sprintf("/ops/cdrs?limit=%d", limit), &cdrs); err != nil {
		return nil, err
	}
	return cdrs, nil
}

// Cluster fetches the gateway's view of the raft ensemble.
func (g *GatewayClient) Cluster(ctx context.Context) (*ClusterStatus, error) {
	var st ClusterStatus
	if err := g.get(ctx, "/ops/cluster", &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// ListSessions fetches the gateway's active agent sessions.
func (g *GatewayClient) ListSessions(ctx context.Context) ([]SessionInfo, error) {
	var sessions []SessionInfo
	if err := g.get(ctx, "/ops/sessions", &sessions); err != nil {
		return nil, err
	}
	return sessions, nil
}

// get issues an authenticated GET and decodes the JSON body into out. A
// fresh short-lived token is minted per request rather than held.
func (g *GatewayClient) get(ctx context.Context, path string, out any) error {
	token, err := g.tokens.Generate("cpx-matrix", 2*time.Minute)
	if err != nil {
		return fmt.Errorf("minting ops token: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized:
		return fmt.Errorf("gateway rejected the ops token; check gateway.jwt_secret")
	case http.StatusNotFound:
		return fmt.Errorf("ops API is disabled on the gateway")
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("gateway returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}
