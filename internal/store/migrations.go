package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
)

// migrations are applied in order; the index+1 is the schema version.
var migrations = []func(*Store, context.Context) error{
	(*Store).migrateV1,
	(*Store).migrateV2,
}

func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `
	CREATE TABLE IF NOT EXISTS meta (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`); err != nil {
		return fmt.Errorf("failed to create meta table: %w", err)
	}

	version, err := s.schemaVersion(ctx)
	if err != nil {
		return err
	}
	for i := version; i < len(migrations); i++ {
		if err := migrations[i](s, ctx); err != nil {
			return fmt.Errorf("failed to execute migration v%d: %w", i+1, err)
		}
		if err := s.setSchemaVersion(ctx, i+1); err != nil {
			return err
		}
		s.logger.Debug().Int("version", i+1).Msg("migration applied")
	}
	return nil
}

func (s *Store) schemaVersion(ctx context.Context) (int, error) {
	var raw string
	err := s.db.GetContext(ctx, &raw, s.q(`SELECT value FROM meta WHERE key = ?`), "schema_version")
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("reading schema version: %w", err)
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid schema version %q: %w", raw, err)
	}
	return v, nil
}

func (s *Store) setSchemaVersion(ctx context.Context, v int) error {
	_, err := s.db.ExecContext(ctx, s.q(`
	INSERT INTO meta(key, value) VALUES ('schema_version', ?)
	ON CONFLICT(key) DO UPDATE SET value = excluded.value`), strconv.Itoa(v))
	if err != nil {
		return fmt.Errorf("writing schema version: %w", err)
	}
	return nil
}

func (s *Store) migrateV1(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS projects (
			id          TEXT PRIMARY KEY,
			name        TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			status      TEXT NOT NULL DEFAULT 'Draft',
			perspective TEXT NOT NULL DEFAULT '3rd_person',
			data        TEXT NOT NULL DEFAULT '{}',
			message_seq BIGINT NOT NULL DEFAULT 0,
			created_at  BIGINT NOT NULL,
			updated_at  BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_projects_updated ON projects(updated_at)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id         TEXT PRIMARY KEY,
			project_id TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
			seq        BIGINT NOT NULL,
			role       TEXT NOT NULL,
			content    TEXT NOT NULL DEFAULT '',
			attachment TEXT,
			created_at BIGINT NOT NULL,
			UNIQUE (project_id, seq)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// migrateV2 adds the per-project read path index for message subscriptions.
func (s *Store) migrateV2(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_messages_project_seq ON messages(project_id, seq)`)
	return err
}
