// Package store provides persistent storage for the gateway using SQLite.
//
// # Data Models
//
//   - Agent: operator accounts with bcrypt password hashes, profile,
//     security level, default ring path, and skills
//   - Client: customers (brands) with per-client wrapup options
//   - QueueConfig: persisted queue definitions used to (re)start queue workers
//   - ReleaseOpt: selectable release reasons with a bias
//   - CDR: call detail records written when channels terminate from wrapup
//
// The queues table is the restart-from-config source: when a queue worker
// dies, the queue manager reads its definition back from here. Deleting the
// row drops the queue from the cluster registry on the next restart attempt.
//
// # SQLite Configuration
//
// The store uses SQLite with WAL mode for concurrent reads:
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA foreign_keys=ON;
//
// Database file locations:
//
//   - Production: /var/lib/cpx/gateway.db
//   - Development: ~/.local/share/cpx/gateway.db
//   - Testing: :memory: (in-memory database)
//
// # Error Handling
//
// Common errors:
//
//   - ErrNotFound: Requested entity does not exist
//   - ErrDuplicateAgent: Agent login already exists
//   - ErrDuplicateClient: Client ID already exists
//
// All methods accept context.Context for cancellation support.
//
// # Seeding
//
// LoadSeed parses the TOML document consumed by `cpx-gateway bootstrap`;
// the bootstrap command hashes the seed passwords and inserts the rows.
//
// # Migrations
//
// Column additions for older databases run automatically on store
// initialization; see runMigrations in sqlite.go.
package store
