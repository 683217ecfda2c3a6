// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Handles schema creation, migrations, and CRUD for agents, clients, queues, release opts, and CDRs

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // Pure-Go SQLite driver
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// Compile-time interface check
var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite-backed store at the given path.
// The path ":memory:" creates an in-memory database (useful for tests).
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	// Ensure parent directory exists (skip for in-memory databases)
	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS agents (
			id            TEXT PRIMARY KEY,
			login         TEXT NOT NULL UNIQUE,
			password_hash TEXT NOT NULL,
			profile       TEXT NOT NULL,
			security      TEXT NOT NULL DEFAULT 'agent',
			ring_path     TEXT NOT NULL DEFAULT 'outband',
			skills_json   TEXT NOT NULL DEFAULT '[]',
			created_at    DATETIME NOT NULL,
			updated_at    DATETIME NOT NULL,

			CHECK (security IN ('agent', 'supervisor', 'admin')),
			CHECK (ring_path IN ('inband', 'outband'))
		);

		CREATE INDEX IF NOT EXISTS idx_agents_profile ON agents(profile);

		CREATE TABLE IF NOT EXISTS clients (
			id              TEXT PRIMARY KEY,
			label           TEXT NOT NULL,
			autoend_wrapup  INTEGER NOT NULL DEFAULT 0
		);

		CREATE TABLE IF NOT EXISTS queues (
			name        TEXT PRIMARY KEY,
			recipe      TEXT NOT NULL DEFAULT '',
			weight      INTEGER NOT NULL DEFAULT 1,
			skills_json TEXT NOT NULL DEFAULT '[]',

			CHECK (weight >= 1)
		);

		CREATE TABLE IF NOT EXISTS release_opts (
			id    INTEGER PRIMARY KEY AUTOINCREMENT,
			label TEXT NOT NULL,
			bias  INTEGER NOT NULL DEFAULT 0,

			CHECK (bias IN (-1, 0, 1))
		);

		CREATE TABLE IF NOT EXISTS cdrs (
			id                 TEXT PRIMARY KEY,
			call_id            TEXT NOT NULL,
			agent_login        TEXT NOT NULL,
			client             TEXT NOT NULL,
			caller_id          TEXT NOT NULL,
			media_type         TEXT NOT NULL DEFAULT 'voice',
			state_changes_json TEXT NOT NULL DEFAULT '[]',
			started_at         DATETIME NOT NULL,
			ended_at           DATETIME NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_cdrs_call_id ON cdrs(call_id);
		CREATE INDEX IF NOT EXISTS idx_cdrs_agent_started ON cdrs(agent_login, started_at);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("executing schema: %w", err)
	}

	return nil
}

// runMigrations applies column additions older databases are missing.
// SQLite doesn't support ADD COLUMN IF NOT EXISTS, so we check first.
func (s *SQLiteStore) runMigrations() error {
	migrations := []struct {
		table  string
		check  string // Query to check if migration is needed
		apply  string // Query to apply the migration
		column string // Column name for logging
	}{
		{
			table:  "agents",
			check:  `SELECT 1 FROM pragma_table_info('agents') WHERE name = 'ring_path'`,
			apply:  `ALTER TABLE agents ADD COLUMN ring_path TEXT NOT NULL DEFAULT 'outband'`,
			column: "ring_path",
		},
		{
			table:  "cdrs",
			check:  `SELECT 1 FROM pragma_table_info('cdrs') WHERE name = 'media_type'`,
			apply:  `ALTER TABLE cdrs ADD COLUMN media_type TEXT NOT NULL DEFAULT 'voice'`,
			column: "media_type",
		},
	}

	for _, m := range migrations {
		var exists int
		err := s.db.QueryRow(m.check).Scan(&exists)
		if err == nil {
			// Column already exists, skip
			continue
		}
		// Column doesn't exist, apply migration
		if _, err := s.db.Exec(m.apply); err != nil {
			return fmt.Errorf("adding %s column to %s: %w", m.column, m.table, err)
		}
		s.logger.Info("applied migration", "column", m.column, "table", m.table)
	}

	return nil
}

// --- Agents ---

func (s *SQLiteStore) CreateAgent(ctx context.Context, agent *Agent) error {
	if agent.ID == "" {
		agent.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if agent.CreatedAt.IsZero() {
		agent.CreatedAt = now
	}
	agent.UpdatedAt = now

	skills, err := marshalSkills(agent.Skills)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO agents (id, login, password_hash, profile, security, ring_path, skills_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = s.db.ExecContext(ctx, query,
		agent.ID,
		agent.Login,
		agent.PasswordHash,
		agent.Profile,
		agent.Security,
		agent.RingPath,
		skills,
		agent.CreatedAt.Format(time.RFC3339),
		agent.UpdatedAt.Format(time.RFC3339),
	)
	if err != nil {
		// Check for UNIQUE constraint violation on login
		if isConstraintViolation(err) {
			return ErrDuplicateAgent
		}
		return fmt.Errorf("inserting agent: %w", err)
	}

	s.logger.Debug("created agent", "id", agent.ID, "login", agent.Login)
	return nil
}

func (s *SQLiteStore) GetAgentByLogin(ctx context.Context, login string) (*Agent, error) {
	query := `
		SELECT id, login, password_hash, profile, security, ring_path, skills_json, created_at, updated_at
		FROM agents
		WHERE login = ?
	`

	row := s.db.QueryRowContext(ctx, query, login)
	agent, err := scanAgent(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying agent: %w", err)
	}

	return agent, nil
}

func (s *SQLiteStore) ListAgents(ctx context.Context) ([]*Agent, error) {
	query := `
		SELECT id, login, password_hash, profile, security, ring_path, skills_json, created_at, updated_at
		FROM agents
		ORDER BY login
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying agents: %w", err)
	}
	defer rows.Close()

	var agents []*Agent
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning agent: %w", err)
		}
		agents = append(agents, agent)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating agents: %w", err)
	}

	return agents, nil
}

func (s *SQLiteStore) UpdateAgent(ctx context.Context, agent *Agent) error {
	agent.UpdatedAt = time.Now().UTC()

	skills, err := marshalSkills(agent.Skills)
	if err != nil {
		return err
	}

	query := `
		UPDATE agents
		SET password_hash = ?, profile = ?, security = ?, ring_path = ?, skills_json = ?, updated_at = ?
		WHERE login = ?
	`

	result, err := s.db.ExecContext(ctx, query,
		agent.PasswordHash,
		agent.Profile,
		agent.Security,
		agent.RingPath,
		skills,
		agent.UpdatedAt.Format(time.RFC3339),
		agent.Login,
	)
	if err != nil {
		return fmt.Errorf("updating agent: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}

	return nil
}

func (s *SQLiteStore) CountAgents(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM agents`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting agents: %w", err)
	}
	return count, nil
}

// --- Clients ---

func (s *SQLiteStore) CreateClient(ctx context.Context, client *Client) error {
	if client.ID == "" {
		client.ID = uuid.New().String()
	}

	query := `INSERT INTO clients (id, label, autoend_wrapup) VALUES (?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query, client.ID, client.Label, client.AutoEndWrapup)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateClient
		}
		return fmt.Errorf("inserting client: %w", err)
	}

	s.logger.Debug("created client", "id", client.ID, "label", client.Label)
	return nil
}

func (s *SQLiteStore) GetClient(ctx context.Context, id string) (*Client, error) {
	query := `SELECT id, label, autoend_wrapup FROM clients WHERE id = ?`

	var client Client
	err := s.db.QueryRowContext(ctx, query, id).Scan(&client.ID, &client.Label, &client.AutoEndWrapup)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying client: %w", err)
	}

	return &client, nil
}

func (s *SQLiteStore) ListClients(ctx context.Context) ([]*Client, error) {
	query := `SELECT id, label, autoend_wrapup FROM clients ORDER BY label`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying clients: %w", err)
	}
	defer rows.Close()

	var clients []*Client
	for rows.Next() {
		var client Client
		if err := rows.Scan(&client.ID, &client.Label, &client.AutoEndWrapup); err != nil {
			return nil, fmt.Errorf("scanning client: %w", err)
		}
		clients = append(clients, &client)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating clients: %w", err)
	}

	return clients, nil
}

// --- Queue configuration ---

func (s *SQLiteStore) PutQueueConfig(ctx context.Context, cfg *QueueConfig) error {
	if cfg.Weight < 1 {
		cfg.Weight = 1
	}

	skills, err := marshalSkills(cfg.Skills)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO queues (name, recipe, weight, skills_json)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET recipe = excluded.recipe, weight = excluded.weight, skills_json = excluded.skills_json
	`

	_, err = s.db.ExecContext(ctx, query, cfg.Name, cfg.Recipe, cfg.Weight, skills)
	if err != nil {
		return fmt.Errorf("upserting queue config: %w", err)
	}

	s.logger.Debug("stored queue config", "name", cfg.Name, "weight", cfg.Weight)
	return nil
}

func (s *SQLiteStore) GetQueueConfig(ctx context.Context, name string) (*QueueConfig, error) {
	query := `SELECT name, recipe, weight, skills_json FROM queues WHERE name = ?`

	var cfg QueueConfig
	var skillsJSON string
	err := s.db.QueryRowContext(ctx, query, name).Scan(&cfg.Name, &cfg.Recipe, &cfg.Weight, &skillsJSON)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying queue config: %w", err)
	}

	cfg.Skills, err = unmarshalSkills(skillsJSON)
	if err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (s *SQLiteStore) ListQueueConfigs(ctx context.Context) ([]*QueueConfig, error) {
	query := `SELECT name, recipe, weight, skills_json FROM queues ORDER BY name`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying queue configs: %w", err)
	}
	defer rows.Close()

	var configs []*QueueConfig
	for rows.Next() {
		var cfg QueueConfig
		var skillsJSON string
		if err := rows.Scan(&cfg.Name, &cfg.Recipe, &cfg.Weight, &skillsJSON); err != nil {
			return nil, fmt.Errorf("scanning queue config: %w", err)
		}
		cfg.Skills, err = unmarshalSkills(skillsJSON)
		if err != nil {
			return nil, err
		}
		configs = append(configs, &cfg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating queue configs: %w", err)
	}

	return configs, nil
}

func (s *SQLiteStore) DeleteQueueConfig(ctx context.Context, name string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM queues WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("deleting queue config: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}

	return nil
}

// --- Release options ---

func (s *SQLiteStore) CreateReleaseOpt(ctx context.Context, opt *ReleaseOpt) error {
	query := `INSERT INTO release_opts (label, bias) VALUES (?, ?)`

	result, err := s.db.ExecContext(ctx, query, opt.Label, opt.Bias)
	if err != nil {
		return fmt.Errorf("inserting release opt: %w", err)
	}

	opt.ID, err = result.LastInsertId()
	if err != nil {
		return fmt.Errorf("reading release opt id: %w", err)
	}

	return nil
}

func (s *SQLiteStore) ListReleaseOpts(ctx context.Context) ([]*ReleaseOpt, error) {
	query := `SELECT id, label, bias FROM release_opts ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying release opts: %w", err)
	}
	defer rows.Close()

	var opts []*ReleaseOpt
	for rows.Next() {
		var opt ReleaseOpt
		if err := rows.Scan(&opt.ID, &opt.Label, &opt.Bias); err != nil {
			return nil, fmt.Errorf("scanning release opt: %w", err)
		}
		opts = append(opts, &opt)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating release opts: %w", err)
	}

	return opts, nil
}

// --- Call detail records ---

func (s *SQLiteStore) InsertCDR(ctx context.Context, cdr *CDR) error {
	if cdr.ID == "" {
		cdr.ID = uuid.New().String()
	}

	changes, err := json.Marshal(cdr.StateChanges)
	if err != nil {
		return fmt.Errorf("marshaling state changes: %w", err)
	}

	query := `
		INSERT INTO cdrs (id, call_id, agent_login, client, caller_id, media_type, state_changes_json, started_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = s.db.ExecContext(ctx, query,
		cdr.ID,
		cdr.CallID,
		cdr.AgentLogin,
		cdr.Client,
		cdr.CallerID,
		cdr.MediaType,
		string(changes),
		cdr.StartedAt.UTC().Format(time.RFC3339),
		cdr.EndedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("inserting cdr: %w", err)
	}

	s.logger.Debug("recorded cdr", "call_id", cdr.CallID, "agent", cdr.AgentLogin)
	return nil
}

func (s *SQLiteStore) ListCDRs(ctx context.Context, limit int) ([]*CDR, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT id, call_id, agent_login, client, caller_id, media_type, state_changes_json, started_at, ended_at
		FROM cdrs
		ORDER BY ended_at DESC
		LIMIT ?
	`

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("querying cdrs: %w", err)
	}
	defer rows.Close()

	var cdrs []*CDR
	for rows.Next() {
		var cdr CDR
		var changesJSON, startedAtStr, endedAtStr string

		err := rows.Scan(
			&cdr.ID,
			&cdr.CallID,
			&cdr.AgentLogin,
			&cdr.Client,
			&cdr.CallerID,
			&cdr.MediaType,
			&changesJSON,
			&startedAtStr,
			&endedAtStr,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning cdr: %w", err)
		}

		if err := json.Unmarshal([]byte(changesJSON), &cdr.StateChanges); err != nil {
			return nil, fmt.Errorf("parsing state changes: %w", err)
		}

		cdr.StartedAt, err = time.Parse(time.RFC3339, startedAtStr)
		if err != nil {
			return nil, fmt.Errorf("parsing started_at: %w", err)
		}

		cdr.EndedAt, err = time.Parse(time.RFC3339, endedAtStr)
		if err != nil {
			return nil, fmt.Errorf("parsing ended_at: %w", err)
		}

		cdrs = append(cdrs, &cdr)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating cdrs: %w", err)
	}

	return cdrs, nil
}

// --- Cluster ---

// AssertMaster re-runs the schema bootstrap so this node's copy of the
// queue-config tables is complete and authoritative. Invoked when the cluster
// loses a node or reports an inconsistent database.
func (s *SQLiteStore) AssertMaster(ctx context.Context) error {
	if err := s.createSchema(); err != nil {
		return fmt.Errorf("asserting schema: %w", err)
	}
	s.logger.Info("asserted schema master for config tables")
	return nil
}

// Close closes the underlying database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Helpers ---

// scanner abstracts *sql.Row and *sql.Rows for shared scan logic
type scanner interface {
	Scan(dest ...any) error
}

func scanAgent(row scanner) (*Agent, error) {
	var agent Agent
	var skillsJSON, createdAtStr, updatedAtStr string

	err := row.Scan(
		&agent.ID,
		&agent.Login,
		&agent.PasswordHash,
		&agent.Profile,
		&agent.Security,
		&agent.RingPath,
		&skillsJSON,
		&createdAtStr,
		&updatedAtStr,
	)
	if err != nil {
		return nil, err
	}

	agent.Skills, err = unmarshalSkills(skillsJSON)
	if err != nil {
		return nil, err
	}

	agent.CreatedAt, err = time.Parse(time.RFC3339, createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}

	agent.UpdatedAt, err = time.Parse(time.RFC3339, updatedAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}

	return &agent, nil
}

func marshalSkills(skills []string) (string, error) {
	if skills == nil {
		skills = []string{}
	}
	data, err := json.Marshal(skills)
	if err != nil {
		return "", fmt.Errorf("marshaling skills: %w", err)
	}
	return string(data), nil
}

func unmarshalSkills(data string) ([]string, error) {
	var skills []string
	if err := json.Unmarshal([]byte(data), &skills); err != nil {
		return nil, fmt.Errorf("parsing skills: %w", err)
	}
	return skills, nil
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}
