// Package persistence provides SQLite-based storage for agents, tasks,
// failure records and monitoring pairs.
package persistence

import (
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite" // SQLite driver
)

// CurrentSchemaVersion defines the current schema version for migration support.
const CurrentSchemaVersion = 2

// InitializeDatabase creates and initializes the SQLite database with the
// required schema. This function is idempotent and safe to call multiple times.
func InitializeDatabase(dbPath string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", fmt.Sprintf(
		"file:%s?_foreign_keys=ON&_journal_mode=WAL&_busy_timeout=5000",
		dbPath,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := initializeSchemaWithMigrations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	// SQLite supports a single writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	return db, nil
}

// initializeSchemaWithMigrations ensures the database schema is at the current version.
func initializeSchemaWithMigrations(db *sql.DB) error {
	currentVersion, err := GetSchemaVersion(db)
	if err != nil {
		return fmt.Errorf("failed to get current schema version: %w", err)
	}

	// Empty database: create fresh schema
	if currentVersion == 0 {
		return createSchema(db)
	}

	if currentVersion == CurrentSchemaVersion {
		return nil
	}

	return runMigrations(db, currentVersion, CurrentSchemaVersion)
}

// runMigrations applies database migrations from current version to target version.
func runMigrations(db *sql.DB, fromVersion, toVersion int) error {
	for version := fromVersion + 1; version <= toVersion; version++ {
		if err := runMigration(db, version); err != nil {
			return fmt.Errorf("migration to version %d failed: %w", version, err)
		}
		if err := setSchemaVersion(db, version); err != nil {
			return fmt.Errorf("failed to update schema version to %d: %w", version, err)
		}
	}
	return nil
}

func runMigration(db *sql.DB, version int) error {
	switch version {
	case 1:
		return nil // Baseline
	case 2:
		return migrateToVersion2(db)
	default:
		return fmt.Errorf("unknown migration version: %d", version)
	}
}

// migrateToVersion2 adds the detected_by column so each detector loop is
// attributable in failure history.
func migrateToVersion2(db *sql.DB) error {
	migrations := []string{
		"ALTER TABLE agent_failures ADD COLUMN detected_by TEXT NOT NULL DEFAULT ''",
		"CREATE INDEX IF NOT EXISTS idx_failures_detected_by ON agent_failures(detected_by)",
	}
	for _, migration := range migrations {
		if _, err := db.Exec(migration); err != nil {
			return fmt.Errorf("failed to execute migration: %s: %w", migration, err)
		}
	}
	return nil
}

// createSchema creates all required tables and indices.
func createSchema(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute pragma %s: %w", pragma, err)
		}
	}

	tables := []string{
		// Schema version tracking
		`CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
		)`,

		// Logical agents. Rows are never deleted; removal sets status='stopped'.
		`CREATE TABLE IF NOT EXISTS agents (
			id TEXT PRIMARY KEY,
			agent_type TEXT NOT NULL,
			parent_id TEXT REFERENCES agents(id),
			capabilities TEXT NOT NULL,
			max_concurrent INTEGER NOT NULL CHECK (max_concurrent > 0),
			status TEXT NOT NULL DEFAULT 'idle' CHECK (status IN ('idle','busy','error','stopped')),
			current_workload INTEGER NOT NULL DEFAULT 0 CHECK (current_workload >= 0),
			health_score INTEGER NOT NULL DEFAULT 100 CHECK (health_score BETWEEN 0 AND 100),
			last_heartbeat DATETIME DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
			created_at DATETIME DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
			updated_at DATETIME DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
		)`,

		// Tasks. Retained forever for recovery history.
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			task_type TEXT NOT NULL,
			payload TEXT NOT NULL DEFAULT '',
			priority TEXT NOT NULL DEFAULT 'medium' CHECK (priority IN ('low','medium','high','critical')),
			status TEXT NOT NULL DEFAULT 'pending' CHECK (status IN ('pending','assigned','in_progress','completed','failed','cancelled')),
			assigned_agent_id TEXT REFERENCES agents(id),
			parent_task_id TEXT REFERENCES tasks(id),
			retry_count INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
			updated_at DATETIME DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
			completed_at DATETIME
		)`,

		// One row per detected failure event; not deduplicated across detectors.
		`CREATE TABLE IF NOT EXISTS agent_failures (
			id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL REFERENCES agents(id),
			parent_id TEXT REFERENCES agents(id),
			failure_type TEXT NOT NULL CHECK (failure_type IN ('crash','timeout','error','unresponsive','logic_error')),
			failure_reason TEXT NOT NULL DEFAULT '',
			tasks_affected TEXT NOT NULL DEFAULT '[]',
			detected_by TEXT NOT NULL DEFAULT '',
			recovered INTEGER NOT NULL DEFAULT 0,
			recovery_method TEXT CHECK (recovery_method IN ('restart','replace','manual','watchdog')),
			recovery_time DATETIME,
			created_at DATETIME DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
		)`,

		// Mutual monitoring pairs (monitor watches target).
		`CREATE TABLE IF NOT EXISTS agent_monitors (
			monitor_id TEXT NOT NULL REFERENCES agents(id),
			target_id TEXT NOT NULL REFERENCES agents(id),
			PRIMARY KEY (monitor_id, target_id),
			CHECK (monitor_id <> target_id)
		)`,
	}

	indices := []string{
		"CREATE INDEX IF NOT EXISTS idx_agents_type ON agents(agent_type)",
		"CREATE INDEX IF NOT EXISTS idx_agents_status ON agents(status)",
		"CREATE INDEX IF NOT EXISTS idx_agents_parent ON agents(parent_id)",
		"CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status)",
		"CREATE INDEX IF NOT EXISTS idx_tasks_agent ON tasks(assigned_agent_id)",
		"CREATE INDEX IF NOT EXISTS idx_tasks_parent ON tasks(parent_task_id)",
		"CREATE INDEX IF NOT EXISTS idx_tasks_type ON tasks(task_type)",
		"CREATE INDEX IF NOT EXISTS idx_failures_agent ON agent_failures(agent_id)",
		"CREATE INDEX IF NOT EXISTS idx_failures_recovered ON agent_failures(recovered)",
		"CREATE INDEX IF NOT EXISTS idx_failures_detected_by ON agent_failures(detected_by)",
		"CREATE INDEX IF NOT EXISTS idx_monitors_target ON agent_monitors(target_id)",
	}

	for _, ddl := range tables {
		if _, err := db.Exec(ddl); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}
	for _, ddl := range indices {
		if _, err := db.Exec(ddl); err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}

	if err := setSchemaVersion(db, CurrentSchemaVersion); err != nil {
		return fmt.Errorf("failed to set schema version: %w", err)
	}
	return nil
}

// setSchemaVersion records the current schema version.
func setSchemaVersion(db *sql.DB, version int) error {
	_, err := db.Exec(`
		INSERT OR REPLACE INTO schema_version (version) VALUES (?)
	`, version)
	if err != nil {
		return fmt.Errorf("database exec error: %w", err)
	}
	return nil
}

// GetSchemaVersion returns the current schema version from the database.
func GetSchemaVersion(db *sql.DB) (int, error) {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
	)`)
	if err != nil {
		return 0, fmt.Errorf("failed to create schema_version table: %w", err)
	}

	var version int
	err = db.QueryRow("SELECT version FROM schema_version ORDER BY version DESC LIMIT 1").Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil // No version set yet
	}
	if err != nil {
		return 0, fmt.Errorf("schema version scan error: %w", err)
	}
	return version, nil
}
