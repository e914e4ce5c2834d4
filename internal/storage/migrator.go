package storage

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// Migration represents a database migration.
type Migration struct {
	Version int
	Name    string
	SQL     string
}

// migrations is the ordered schema history. Versions are append-only:
// never edit an applied migration, add a new one.
var migrations = []Migration{
	{
		Version: 1,
		Name:    "create_backend_configs",
		SQL: `
			CREATE TABLE IF NOT EXISTS backend_configs (
				id UUID,
				name String,
				kind LowCardinality(String),
				base_url String,
				auth String,
				settings String,
				enabled UInt8,
				created_at DateTime64(3, 'UTC'),
				updated_at DateTime64(3, 'UTC')
			)
			ENGINE = ReplacingMergeTree(updated_at)
			ORDER BY id
		`,
	},
	{
		Version: 2,
		Name:    "create_workflows",
		SQL: `
			CREATE TABLE IF NOT EXISTS workflows (
				id UUID,
				name String,
				enabled UInt8,
				trigger LowCardinality(String),
				conditions String,
				actions String,
				notify_on_success UInt8,
				notify_on_failure UInt8,
				channels Array(String),
				created_at DateTime64(3, 'UTC'),
				updated_at DateTime64(3, 'UTC')
			)
			ENGINE = ReplacingMergeTree(updated_at)
			ORDER BY id
		`,
	},
	{
		Version: 3,
		Name:    "create_executions",
		SQL: `
			CREATE TABLE IF NOT EXISTS workflow_executions (
				id UUID,
				workflow_id UUID,
				job_id String,
				status LowCardinality(String),
				started_at DateTime64(3, 'UTC'),
				ended_at Nullable(DateTime64(3, 'UTC')),
				error String,
				updated_at DateTime64(3, 'UTC')
			)
			ENGINE = ReplacingMergeTree(updated_at)
			ORDER BY id
		`,
	},
	{
		Version: 4,
		Name:    "create_execution_log",
		SQL: `
			CREATE TABLE IF NOT EXISTS workflow_execution_log (
				execution_id UUID,
				seq UInt32,
				action_id String,
				action_kind LowCardinality(String),
				status LowCardinality(String),
				started_at DateTime64(3, 'UTC'),
				ended_at Nullable(DateTime64(3, 'UTC')),
				result String,
				error String,
				retry_count UInt8
			)
			ENGINE = MergeTree()
			ORDER BY (execution_id, seq)
		`,
	},
	{
		Version: 5,
		Name:    "create_notifications",
		SQL: `
			CREATE TABLE IF NOT EXISTS workflow_notifications (
				id UUID,
				execution_id UUID,
				workflow_id UUID,
				channels Array(String),
				subject String,
				body String,
				created_at DateTime64(3, 'UTC')
			)
			ENGINE = MergeTree()
			ORDER BY (created_at, id)
			TTL toDateTime(created_at) + INTERVAL 90 DAY
		`,
	},
	{
		Version: 6,
		Name:    "create_report_requests",
		SQL: `
			CREATE TABLE IF NOT EXISTS report_requests (
				id UUID,
				execution_id UUID,
				kind LowCardinality(String),
				parameters String,
				status LowCardinality(String),
				object_key String,
				created_at DateTime64(3, 'UTC'),
				updated_at DateTime64(3, 'UTC')
			)
			ENGINE = ReplacingMergeTree(updated_at)
			ORDER BY id
		`,
	},
}

// Migrator handles database migrations.
type Migrator struct {
	client *ClickHouseClient
}

// NewMigrator creates a new Migrator.
func NewMigrator(client *ClickHouseClient) *Migrator {
	return &Migrator{client: client}
}

// Run executes all pending migrations.
func (m *Migrator) Run(ctx context.Context) error {
	if err := m.createMigrationsTable(ctx); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	applied, err := m.getAppliedMigrations(ctx)
	if err != nil {
		return fmt.Errorf("failed to get applied migrations: %w", err)
	}

	for _, migration := range migrations {
		if applied[migration.Version] {
			slog.Debug("migration already applied",
				"version", migration.Version,
				"name", migration.Name,
			)
			continue
		}

		slog.Info("applying migration",
			"version", migration.Version,
			"name", migration.Name,
		)

		for _, stmt := range splitStatements(migration.SQL) {
			stmt = strings.TrimSpace(stmt)
			if stmt == "" || strings.HasPrefix(stmt, "--") {
				continue
			}

			if err := m.client.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("failed to apply migration %d (%s): %w",
					migration.Version, migration.Name, err)
			}
		}

		if err := m.recordMigration(ctx, migration.Version, migration.Name); err != nil {
			return fmt.Errorf("failed to record migration %d: %w", migration.Version, err)
		}

		slog.Info("migration applied",
			"version", migration.Version,
			"name", migration.Name,
		)
	}

	return nil
}

// createMigrationsTable creates the schema_migrations table if it doesn't exist.
func (m *Migrator) createMigrationsTable(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version UInt32,
			name String,
			applied_at DateTime DEFAULT now()
		)
		ENGINE = MergeTree()
		ORDER BY version
	`
	return m.client.Exec(ctx, query)
}

// getAppliedMigrations returns a map of applied migration versions.
func (m *Migrator) getAppliedMigrations(ctx context.Context) (map[int]bool, error) {
	rows, err := m.client.Query(ctx, "SELECT version FROM schema_migrations")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[int]bool)
	for rows.Next() {
		var version uint32
		if err := rows.Scan(&version); err != nil {
			return nil, err
		}
		applied[int(version)] = true
	}

	return applied, nil
}

// recordMigration records a migration as applied.
func (m *Migrator) recordMigration(ctx context.Context, version int, name string) error {
	return m.client.Exec(ctx,
		"INSERT INTO schema_migrations (version, name) VALUES (?, ?)",
		uint32(version), name,
	)
}

// splitStatements splits SQL content into individual statements.
func splitStatements(sql string) []string {
	var statements []string
	var current strings.Builder
	inString := false
	stringChar := rune(0)

	for i, char := range sql {
		if !inString {
			if char == '\'' || char == '"' {
				inString = true
				stringChar = char
			} else if char == ';' {
				stmt := strings.TrimSpace(current.String())
				if stmt != "" {
					statements = append(statements, stmt)
				}
				current.Reset()
				continue
			}
		} else {
			if char == stringChar {
				// Check for escaped quote
				if i+1 < len(sql) && rune(sql[i+1]) == stringChar {
					current.WriteRune(char)
					continue
				}
				inString = false
			}
		}
		current.WriteRune(char)
	}

	stmt := strings.TrimSpace(current.String())
	if stmt != "" {
		statements = append(statements, stmt)
	}

	return statements
}

// GetAppliedMigrations returns the list of applied migrations.
func (m *Migrator) GetAppliedMigrations(ctx context.Context) ([]Migration, error) {
	rows, err := m.client.Query(ctx, "SELECT version, name FROM schema_migrations ORDER BY version")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []Migration
	for rows.Next() {
		var version uint32
		var name string
		if err := rows.Scan(&version, &name); err != nil {
			return nil, err
		}
		result = append(result, Migration{
			Version: int(version),
			Name:    name,
		})
	}

	return result, nil
}
