// ABOUTME: Tests for SQLite store implementation
// ABOUTME: Covers agent/client/queue/release-opt CRUD and CDR persistence

package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	return store
}

func TestNewSQLiteStore(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	store, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	defer store.Close()

	// Verify the database file was created
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("database file was not created")
	}
}

func TestNewSQLiteStore_CreatesDirectory(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "nested", "dirs", "test.db")

	store, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	defer store.Close()

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("database file was not created in nested directory")
	}
}

func TestCreateAndGetAgent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	agent := &Agent{
		Login:        "alice",
		PasswordHash: "$2a$10$fakehashfortest",
		Profile:      "Default",
		Security:     SecuritySupervisor,
		RingPath:     RingPathOutband,
		Skills:       []string{"english", "support"},
	}

	if err := store.CreateAgent(ctx, agent); err != nil {
		t.Fatalf("CreateAgent failed: %v", err)
	}

	if agent.ID == "" {
		t.Error("CreateAgent did not assign an ID")
	}

	got, err := store.GetAgentByLogin(ctx, "alice")
	if err != nil {
		t.Fatalf("GetAgentByLogin failed: %v", err)
	}

	if got.ID != agent.ID {
		t.Errorf("ID = %q, want %q", got.ID, agent.ID)
	}
	if got.Profile != "Default" {
		t.Errorf("Profile = %q, want %q", got.Profile, "Default")
	}
	if got.Security != SecuritySupervisor {
		t.Errorf("Security = %q, want %q", got.Security, SecuritySupervisor)
	}
	if got.RingPath != RingPathOutband {
		t.Errorf("RingPath = %q, want %q", got.RingPath, RingPathOutband)
	}
	if len(got.Skills) != 2 || got.Skills[0] != "english" || got.Skills[1] != "support" {
		t.Errorf("Skills = %v, want [english support]", got.Skills)
	}
	if got.CreatedAt.IsZero() {
		t.Error("CreatedAt is zero")
	}
}

func TestCreateAgent_DuplicateLogin(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	agent := &Agent{Login: "alice", PasswordHash: "x", Profile: "Default", Security: SecurityAgent, RingPath: RingPathOutband}
	if err := store.CreateAgent(ctx, agent); err != nil {
		t.Fatalf("CreateAgent failed: %v", err)
	}

	dup := &Agent{Login: "alice", PasswordHash: "y", Profile: "Other", Security: SecurityAgent, RingPath: RingPathInband}
	err := store.CreateAgent(ctx, dup)
	if err != ErrDuplicateAgent {
		t.Errorf("CreateAgent duplicate error = %v, want ErrDuplicateAgent", err)
	}
}

func TestGetAgentByLogin_NotFound(t *testing.T) {
	store := newTestStore(t)

	_, err := store.GetAgentByLogin(context.Background(), "nobody")
	if err != ErrNotFound {
		t.Errorf("GetAgentByLogin error = %v, want ErrNotFound", err)
	}
}

func TestUpdateAgent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	agent := &Agent{Login: "bob", PasswordHash: "x", Profile: "Default", Security: SecurityAgent, RingPath: RingPathOutband}
	if err := store.CreateAgent(ctx, agent); err != nil {
		t.Fatalf("CreateAgent failed: %v", err)
	}

	agent.Profile = "Tier2"
	agent.RingPath = RingPathInband
	agent.Skills = []string{"german"}
	if err := store.UpdateAgent(ctx, agent); err != nil {
		t.Fatalf("UpdateAgent failed: %v", err)
	}

	got, err := store.GetAgentByLogin(ctx, "bob")
	if err != nil {
		t.Fatalf("GetAgentByLogin failed: %v", err)
	}
	if got.Profile != "Tier2" {
		t.Errorf("Profile = %q, want %q", got.Profile, "Tier2")
	}
	if got.RingPath != RingPathInband {
		t.Errorf("RingPath = %q, want %q", got.RingPath, RingPathInband)
	}
	if len(got.Skills) != 1 || got.Skills[0] != "german" {
		t.Errorf("Skills = %v, want [german]", got.Skills)
	}
}

func TestUpdateAgent_NotFound(t *testing.T) {
	store := newTestStore(t)

	agent := &Agent{Login: "ghost", PasswordHash: "x", Profile: "Default", Security: SecurityAgent, RingPath: RingPathOutband}
	err := store.UpdateAgent(context.Background(), agent)
	if err != ErrNotFound {
		t.Errorf("UpdateAgent error = %v, want ErrNotFound", err)
	}
}

func TestListAgents_OrderedByLogin(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for _, login := range []string{"charlie", "alice", "bob"} {
		agent := &Agent{Login: login, PasswordHash: "x", Profile: "Default", Security: SecurityAgent, RingPath: RingPathOutband}
		if err := store.CreateAgent(ctx, agent); err != nil {
			t.Fatalf("CreateAgent(%s) failed: %v", login, err)
		}
	}

	agents, err := store.ListAgents(ctx)
	if err != nil {
		t.Fatalf("ListAgents failed: %v", err)
	}

	if len(agents) != 3 {
		t.Fatalf("ListAgents returned %d agents, want 3", len(agents))
	}
	want := []string{"alice", "bob", "charlie"}
	for i, login := range want {
		if agents[i].Login != login {
			t.Errorf("agents[%d].Login = %q, want %q", i, agents[i].Login, login)
		}
	}
}

func TestCountAgents(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	count, err := store.CountAgents(ctx)
	if err != nil {
		t.Fatalf("CountAgents failed: %v", err)
	}
	if count != 0 {
		t.Errorf("CountAgents = %d, want 0", count)
	}

	agent := &Agent{Login: "alice", PasswordHash: "x", Profile: "Default", Security: SecurityAgent, RingPath: RingPathOutband}
	if err := store.CreateAgent(ctx, agent); err != nil {
		t.Fatalf("CreateAgent failed: %v", err)
	}

	count, err = store.CountAgents(ctx)
	if err != nil {
		t.Fatalf("CountAgents failed: %v", err)
	}
	if count != 1 {
		t.Errorf("CountAgents = %d, want 1", count)
	}
}

func TestClientCRUD(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	client := &Client{ID: "acme", Label: "ACME Corp", AutoEndWrapup: 30}
	if err := store.CreateClient(ctx, client); err != nil {
		t.Fatalf("CreateClient failed: %v", err)
	}

	got, err := store.GetClient(ctx, "acme")
	if err != nil {
		t.Fatalf("GetClient failed: %v", err)
	}
	if got.Label != "ACME Corp" {
		t.Errorf("Label = %q, want %q", got.Label, "ACME Corp")
	}
	if got.AutoEndWrapup != 30 {
		t.Errorf("AutoEndWrapup = %d, want 30", got.AutoEndWrapup)
	}

	// Duplicate ID rejected
	if err := store.CreateClient(ctx, &Client{ID: "acme", Label: "Other"}); err != ErrDuplicateClient {
		t.Errorf("CreateClient duplicate error = %v, want ErrDuplicateClient", err)
	}

	// Unknown client
	if _, err := store.GetClient(ctx, "nope"); err != ErrNotFound {
		t.Errorf("GetClient error = %v, want ErrNotFound", err)
	}

	clients, err := store.ListClients(ctx)
	if err != nil {
		t.Fatalf("ListClients failed: %v", err)
	}
	if len(clients) != 1 {
		t.Errorf("ListClients returned %d clients, want 1", len(clients))
	}
}

func TestQueueConfig_UpsertAndGet(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	cfg := &QueueConfig{Name: "support", Recipe: "prio +5 after 60s", Weight: 10, Skills: []string{"english"}}
	if err := store.PutQueueConfig(ctx, cfg); err != nil {
		t.Fatalf("PutQueueConfig failed: %v", err)
	}

	got, err := store.GetQueueConfig(ctx, "support")
	if err != nil {
		t.Fatalf("GetQueueConfig failed: %v", err)
	}
	if got.Weight != 10 {
		t.Errorf("Weight = %d, want 10", got.Weight)
	}
	if got.Recipe != "prio +5 after 60s" {
		t.Errorf("Recipe = %q, want %q", got.Recipe, "prio +5 after 60s")
	}

	// Upsert replaces the existing row
	cfg.Weight = 20
	if err := store.PutQueueConfig(ctx, cfg); err != nil {
		t.Fatalf("PutQueueConfig upsert failed: %v", err)
	}

	got, err = store.GetQueueConfig(ctx, "support")
	if err != nil {
		t.Fatalf("GetQueueConfig failed: %v", err)
	}
	if got.Weight != 20 {
		t.Errorf("Weight after upsert = %d, want 20", got.Weight)
	}
}

func TestQueueConfig_WeightFloor(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	cfg := &QueueConfig{Name: "floor", Weight: 0}
	if err := store.PutQueueConfig(ctx, cfg); err != nil {
		t.Fatalf("PutQueueConfig failed: %v", err)
	}

	got, err := store.GetQueueConfig(ctx, "floor")
	if err != nil {
		t.Fatalf("GetQueueConfig failed: %v", err)
	}
	if got.Weight != 1 {
		t.Errorf("Weight = %d, want 1 (floored)", got.Weight)
	}
}

func TestQueueConfig_Delete(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.PutQueueConfig(ctx, &QueueConfig{Name: "gone", Weight: 1}); err != nil {
		t.Fatalf("PutQueueConfig failed: %v", err)
	}

	if err := store.DeleteQueueConfig(ctx, "gone"); err != nil {
		t.Fatalf("DeleteQueueConfig failed: %v", err)
	}

	if _, err := store.GetQueueConfig(ctx, "gone"); err != ErrNotFound {
		t.Errorf("GetQueueConfig error = %v, want ErrNotFound", err)
	}

	if err := store.DeleteQueueConfig(ctx, "gone"); err != ErrNotFound {
		t.Errorf("DeleteQueueConfig error = %v, want ErrNotFound", err)
	}
}

func TestListQueueConfigs(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for i, name := range []string{"zeta", "alpha", "mid"} {
		cfg := &QueueConfig{Name: name, Weight: i + 1}
		if err := store.PutQueueConfig(ctx, cfg); err != nil {
			t.Fatalf("PutQueueConfig(%s) failed: %v", name, err)
		}
	}

	configs, err := store.ListQueueConfigs(ctx)
	if err != nil {
		t.Fatalf("ListQueueConfigs failed: %v", err)
	}
	if len(configs) != 3 {
		t.Fatalf("ListQueueConfigs returned %d configs, want 3", len(configs))
	}
	if configs[0].Name != "alpha" || configs[2].Name != "zeta" {
		t.Errorf("configs not ordered by name: %v, %v, %v", configs[0].Name, configs[1].Name, configs[2].Name)
	}
}

func TestReleaseOpts(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	lunch := &ReleaseOpt{Label: "Lunch", Bias: 0}
	if err := store.CreateReleaseOpt(ctx, lunch); err != nil {
		t.Fatalf("CreateReleaseOpt failed: %v", err)
	}
	if lunch.ID == 0 {
		t.Error("CreateReleaseOpt did not assign an ID")
	}

	meeting := &ReleaseOpt{Label: "Meeting", Bias: 1}
	if err := store.CreateReleaseOpt(ctx, meeting); err != nil {
		t.Fatalf("CreateReleaseOpt failed: %v", err)
	}
	if meeting.ID <= lunch.ID {
		t.Errorf("IDs not increasing: lunch=%d meeting=%d", lunch.ID, meeting.ID)
	}

	opts, err := store.ListReleaseOpts(ctx)
	if err != nil {
		t.Fatalf("ListReleaseOpts failed: %v", err)
	}
	if len(opts) != 2 {
		t.Fatalf("ListReleaseOpts returned %d opts, want 2", len(opts))
	}
	if opts[0].Label != "Lunch" || opts[1].Label != "Meeting" {
		t.Errorf("opts out of order: %q, %q", opts[0].Label, opts[1].Label)
	}
}

func TestInsertAndListCDRs(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	start := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		cdr := &CDR{
			CallID:     fmt.Sprintf("call-%d", i),
			AgentLogin: "alice",
			Client:     "acme",
			CallerID:   "555-0100",
			MediaType:  "voice",
			StateChanges: []StateChange{
				{State: "ringing", Timestamp: start},
				{State: "oncall", Timestamp: start.Add(5 * time.Second)},
				{State: "wrapup", Timestamp: start.Add(65 * time.Second)},
			},
			StartedAt: start,
			EndedAt:   start.Add(time.Duration(70+i) * time.Second),
		}
		if err := store.InsertCDR(ctx, cdr); err != nil {
			t.Fatalf("InsertCDR(%d) failed: %v", i, err)
		}
	}

	cdrs, err := store.ListCDRs(ctx, 10)
	if err != nil {
		t.Fatalf("ListCDRs failed: %v", err)
	}
	if len(cdrs) != 3 {
		t.Fatalf("ListCDRs returned %d cdrs, want 3", len(cdrs))
	}

	// Most recently ended first
	if cdrs[0].CallID != "call-2" {
		t.Errorf("cdrs[0].CallID = %q, want %q", cdrs[0].CallID, "call-2")
	}

	if len(cdrs[0].StateChanges) != 3 {
		t.Errorf("StateChanges length = %d, want 3", len(cdrs[0].StateChanges))
	}
	if cdrs[0].StateChanges[1].State != "oncall" {
		t.Errorf("StateChanges[1].State = %q, want %q", cdrs[0].StateChanges[1].State, "oncall")
	}
}

func TestListCDRs_Limit(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	for i := 0; i < 5; i++ {
		cdr := &CDR{
			CallID:     fmt.Sprintf("call-%d", i),
			AgentLogin: "bob",
			Client:     "acme",
			CallerID:   "555-0101",
			MediaType:  "voice",
			StartedAt:  now,
			EndedAt:    now.Add(time.Duration(i) * time.Minute),
		}
		if err := store.InsertCDR(ctx, cdr); err != nil {
			t.Fatalf("InsertCDR(%d) failed: %v", i, err)
		}
	}

	cdrs, err := store.ListCDRs(ctx, 2)
	if err != nil {
		t.Fatalf("ListCDRs failed: %v", err)
	}
	if len(cdrs) != 2 {
		t.Errorf("ListCDRs returned %d cdrs, want 2", len(cdrs))
	}
}

func TestAssertMaster(t *testing.T) {
	store := newTestStore(t)

	// Idempotent: safe to call repeatedly on a live store
	for i := 0; i < 2; i++ {
		if err := store.AssertMaster(context.Background()); err != nil {
			t.Fatalf("AssertMaster failed: %v", err)
		}
	}

	// Config tables remain usable afterwards
	if err := store.PutQueueConfig(context.Background(), &QueueConfig{Name: "q", Weight: 1}); err != nil {
		t.Errorf("PutQueueConfig after AssertMaster failed: %v", err)
	}
}
