// ABOUTME: Store interface and data types for cpx-gateway persistence
// ABOUTME: Defines Agent, Client, QueueConfig, ReleaseOpt, CDR and the Store interface

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateAgent is returned when trying to create an agent whose login already exists
var ErrDuplicateAgent = errors.New("agent already exists")

// ErrDuplicateClient is returned when trying to create a client that already exists
var ErrDuplicateClient = errors.New("client already exists")

// Security level constants for agents
const (
	SecurityAgent      = "agent"
	SecuritySupervisor = "supervisor"
	SecurityAdmin      = "admin"
)

// Ring path constants
const (
	RingPathInband  = "inband"
	RingPathOutband = "outband"
)

// Agent represents a human operator who can log in and take calls
type Agent struct {
	ID           string
	Login        string
	PasswordHash string // bcrypt
	Profile      string
	Security     string // "agent", "supervisor", "admin"
	RingPath     string // default ring path: "inband" or "outband"
	Skills       []string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Client represents a customer on whose behalf calls arrive.
// The brand list served to agents is the client list.
type Client struct {
	ID            string
	Label         string
	AutoEndWrapup int // seconds until wrapup auto-terminates; 0 disables
}

// QueueConfig is the persisted definition a queue worker is (re)started from
type QueueConfig struct {
	Name   string
	Recipe string // declarative escalation rules, stored verbatim
	Weight int
	Skills []string
}

// ReleaseOpt is a selectable reason an agent can release with
type ReleaseOpt struct {
	ID    int64
	Label string
	Bias  int // -1 negative, 0 neutral, 1 positive
}

// CDR is one call detail record, written when a channel terminates from wrapup
type CDR struct {
	ID           string
	CallID       string
	AgentLogin   string
	Client       string
	CallerID     string
	MediaType    string
	StateChanges []StateChange
	StartedAt    time.Time
	EndedAt      time.Time
}

// StateChange is one entry in a call's transition history
type StateChange struct {
	State     string    `json:"state"`
	Timestamp time.Time `json:"timestamp"`
}

// Store defines the interface for gateway persistence
type Store interface {
	// Agents
	CreateAgent(ctx context.Context, agent *Agent) error
	GetAgentByLogin(ctx context.Context, login string) (*Agent, error)
	ListAgents(ctx context.Context) ([]*Agent, error)
	UpdateAgent(ctx context.Context, agent *Agent) error
	CountAgents(ctx context.Context) (int, error)

	// Clients (brands)
	CreateClient(ctx context.Context, client *Client) error
	GetClient(ctx context.Context, id string) (*Client, error)
	ListClients(ctx context.Context) ([]*Client, error)

	// Queue configuration (restart-from-config source for queue workers)
	PutQueueConfig(ctx context.Context, cfg *QueueConfig) error
	GetQueueConfig(ctx context.Context, name string) (*QueueConfig, error)
	ListQueueConfigs(ctx context.Context) ([]*QueueConfig, error)
	DeleteQueueConfig(ctx context.Context, name string) error

	// Release options
	CreateReleaseOpt(ctx context.Context, opt *ReleaseOpt) error
	ListReleaseOpts(ctx context.Context) ([]*ReleaseOpt, error)

	// Call detail records
	InsertCDR(ctx context.Context, cdr *CDR) error
	ListCDRs(ctx context.Context, limit int) ([]*CDR, error)

	// AssertMaster re-asserts this node's copy of the config schema as
	// authoritative. Called on cluster membership changes.
	AssertMaster(ctx context.Context) error

	// Close releases any resources held by the store
	Close() error
}
