package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

// Migration is one versioned change to the catalog schema.
type Migration struct {
	Version     int
	Description string
	Up          func(ctx context.Context, tx *sql.Tx) error
	Down        func(ctx context.Context, tx *sql.Tx) error
}

// MigrationManager applies catalog migrations and records them in
// schema_migrations.
type MigrationManager struct {
	db         *sql.DB
	logger     *slog.Logger
	migrations []Migration
}

// NewMigrationManager creates a manager for the catalog's migrations.
func NewMigrationManager(db *sql.DB, logger *slog.Logger) *MigrationManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &MigrationManager{
		db:         db,
		logger:     logger.With("component", "migrations"),
		migrations: catalogMigrations(),
	}
}

func (m *MigrationManager) ensureTable(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			description VARCHAR NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
			execution_time BIGINT NOT NULL DEFAULT 0
		)`
	if _, err := m.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}
	return nil
}

// Migrate applies pending migrations up to target.
func (m *MigrationManager) Migrate(ctx context.Context, target int) error {
	if err := m.ensureTable(ctx); err != nil {
		return err
	}
	current, err := m.currentVersion(ctx)
	if err != nil {
		return err
	}
	if current >= target {
		m.logger.Debug("schema up to date", "version", current)
		return nil
	}

	applied := 0
	for _, mig := range m.migrations {
		if mig.Version <= current || mig.Version > target {
			continue
		}
		if err := m.apply(ctx, mig); err != nil {
			return fmt.Errorf("failed to run migration %d: %w", mig.Version, err)
		}
		applied++
	}

	m.logger.Info("migrations applied", "from", current, "to", target, "count", applied)
	return nil
}

// MigrateToLatest applies every pending migration.
func (m *MigrationManager) MigrateToLatest(ctx context.Context) error {
	if len(m.migrations) == 0 {
		return nil
	}
	return m.Migrate(ctx, m.migrations[len(m.migrations)-1].Version)
}

// Rollback reverts applied migrations above target, newest first.
func (m *MigrationManager) Rollback(ctx context.Context, target int) error {
	current, err := m.currentVersion(ctx)
	if err != nil {
		return err
	}
	for i := len(m.migrations) - 1; i >= 0; i-- {
		mig := m.migrations[i]
		if mig.Version <= target || mig.Version > current {
			continue
		}
		if err := m.revert(ctx, mig); err != nil {
			return fmt.Errorf("failed to rollback migration %d: %w", mig.Version, err)
		}
	}
	return nil
}

// GetStatus reports applied and pending migrations.
func (m *MigrationManager) GetStatus(ctx context.Context) (*MigrationStatus, error) {
	if err := m.ensureTable(ctx); err != nil {
		return nil, err
	}
	current, err := m.currentVersion(ctx)
	if err != nil {
		return nil, err
	}
	applied, err := m.appliedMigrations(ctx)
	if err != nil {
		return nil, err
	}

	status := &MigrationStatus{
		CurrentVersion:      current,
		AppliedMigrations:   applied,
		TotalMigrations:     len(m.migrations),
		DatabaseInitialized: current >= 1,
	}
	if len(m.migrations) > 0 {
		status.LatestVersion = m.migrations[len(m.migrations)-1].Version
	}
	for _, mig := range m.migrations {
		if mig.Version > current {
			status.PendingMigrations++
		}
	}
	return status, nil
}

func (m *MigrationManager) apply(ctx context.Context, mig Migration) error {
	start := time.Now()

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	if err := mig.Up(ctx, tx); err != nil {
		return fmt.Errorf("migration execution failed: %w", err)
	}

	query := `INSERT INTO schema_migrations (version, description, applied_at, execution_time) VALUES ($1, $2, $3, $4)`
	if _, err := tx.ExecContext(ctx, query, mig.Version, mig.Description, start, time.Since(start).Nanoseconds()); err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migration: %w", err)
	}

	m.logger.Info("migration applied",
		"version", mig.Version,
		"description", mig.Description,
		"duration", time.Since(start))
	return nil
}

func (m *MigrationManager) revert(ctx context.Context, mig Migration) error {
	if mig.Down == nil {
		return fmt.Errorf("migration %d has no rollback function", mig.Version)
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start rollback transaction: %w", err)
	}
	defer tx.Rollback()

	if err := mig.Down(ctx, tx); err != nil {
		return fmt.Errorf("rollback execution failed: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM schema_migrations WHERE version = $1", mig.Version); err != nil {
		return fmt.Errorf("failed to remove migration record: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit rollback: %w", err)
	}

	m.logger.Info("migration rolled back", "version", mig.Version)
	return nil
}

func (m *MigrationManager) currentVersion(ctx context.Context) (int, error) {
	var version int
	if err := m.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version); err != nil {
		return 0, fmt.Errorf("failed to get current version: %w", err)
	}
	return version, nil
}

func (m *MigrationManager) appliedMigrations(ctx context.Context) ([]AppliedMigration, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT version, description, applied_at, execution_time
		FROM schema_migrations
		ORDER BY version`)
	if err != nil {
		return nil, fmt.Errorf("failed to query applied migrations: %w", err)
	}
	defer rows.Close()

	var out []AppliedMigration
	for rows.Next() {
		var (
			am   AppliedMigration
			nsec int64
		)
		if err := rows.Scan(&am.Version, &am.Description, &am.AppliedAt, &nsec); err != nil {
			return nil, fmt.Errorf("failed to scan migration row: %w", err)
		}
		am.ExecutionTime = time.Duration(nsec)
		out = append(out, am)
	}
	return out, rows.Err()
}

func catalogMigrations() []Migration {
	return []Migration{
		{
			Version:     1,
			Description: "Create corporate action events table",
			Up:          execAll(createEventsSQL...),
			Down:        execAll(`DROP TABLE IF EXISTS corporate_action_events`),
		},
		{
			Version:     2,
			Description: "Create applied corporate action registry",
			Up:          execAll(createRegistrySQL...),
			Down:        execAll(`DROP TABLE IF EXISTS corporate_action_registry`),
		},
		{
			Version:     3,
			Description: "Create consistency version ledger",
			Up:          execAll(createVersionsSQL...),
			Down:        execAll(`DROP TABLE IF EXISTS consistency_versions`),
		},
	}
}

func execAll(statements ...string) func(ctx context.Context, tx *sql.Tx) error {
	return func(ctx context.Context, tx *sql.Tx) error {
		for _, stmt := range statements {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return err
			}
		}
		return nil
	}
}

var createEventsSQL = []string{
	`CREATE TABLE IF NOT EXISTS corporate_action_events (
		id VARCHAR PRIMARY KEY,
		instrument_id VARCHAR NOT NULL,
		event_date DATE NOT NULL,
		inferred_ratio DOUBLE NOT NULL,
		event_type VARCHAR NOT NULL,
		confidence DOUBLE NOT NULL,
		volume_corroborated BOOLEAN NOT NULL DEFAULT false,
		status VARCHAR NOT NULL,
		detection_method VARCHAR NOT NULL,
		daily_return DOUBLE NOT NULL,
		stage VARCHAR NOT NULL,
		last_error VARCHAR,
		note VARCHAR,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		applied_digest VARCHAR
	)`,
	`CREATE INDEX IF NOT EXISTS idx_events_instrument_date ON corporate_action_events (instrument_id, event_date)`,
	`CREATE INDEX IF NOT EXISTS idx_events_status ON corporate_action_events (status)`,
}

var createRegistrySQL = []string{
	`CREATE TABLE IF NOT EXISTS corporate_action_registry (
		instrument_id VARCHAR NOT NULL,
		event_date DATE NOT NULL,
		inferred_ratio VARCHAR NOT NULL,
		event_type VARCHAR NOT NULL,
		confidence DOUBLE NOT NULL,
		status VARCHAR NOT NULL,
		applied_at TIMESTAMPTZ NOT NULL,
		version BIGINT NOT NULL,
		PRIMARY KEY (instrument_id, event_date, inferred_ratio)
	)`,
}

var createVersionsSQL = []string{
	`CREATE TABLE IF NOT EXISTS consistency_versions (
		version BIGINT PRIMARY KEY,
		instrument_id VARCHAR NOT NULL,
		reserved_at TIMESTAMPTZ NOT NULL,
		committed_at TIMESTAMPTZ
	)`,
}

// MigrationStatus is the catalog's migration state.
type MigrationStatus struct {
	CurrentVersion      int                `json:"current_version"`
	LatestVersion       int                `json:"latest_version"`
	AppliedMigrations   []AppliedMigration `json:"applied_migrations"`
	PendingMigrations   int                `json:"pending_migrations"`
	TotalMigrations     int                `json:"total_migrations"`
	DatabaseInitialized bool               `json:"database_initialized"`
}

// AppliedMigration is one row of schema_migrations.
type AppliedMigration struct {
	Version       int           `json:"version"`
	Description   string        `json:"description"`
	AppliedAt     time.Time     `json:"applied_at"`
	ExecutionTime time.Duration `json:"execution_time"`
}
