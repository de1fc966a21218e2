package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jmoiron/sqlx"

	perrors "github.com/p-blackswan/analyst/internal/errors"
	"github.com/p-blackswan/analyst/internal/models"
)

type projectRow struct {
	ID          string `db:"id"`
	Name        string `db:"name"`
	Description string `db:"description"`
	Status      string `db:"status"`
	Perspective string `db:"perspective"`
	Data        string `db:"data"`
	CreatedAt   int64  `db:"created_at"`
	UpdatedAt   int64  `db:"updated_at"`
}

const projectColumns = `id, name, description, status, perspective, data, created_at, updated_at`

func (r projectRow) toModel() (*models.Project, error) {
	p := &models.Project{
		ID:          r.ID,
		Name:        r.Name,
		Description: r.Description,
		Status:      models.ProjectStatus(r.Status),
		Perspective: models.Perspective(r.Perspective).OrDefault(),
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
	if err := json.Unmarshal([]byte(r.Data), &p.Data); err != nil {
		return nil, fmt.Errorf("decoding data for project %s: %w", r.ID, err)
	}
	return p, nil
}

// CreateProject inserts p. Timestamps are set when zero.
func (s *Store) CreateProject(ctx context.Context, p *models.Project) error {
	now := models.NowMillis()
	if p.CreatedAt == 0 {
		p.CreatedAt = now
	}
	if p.UpdatedAt == 0 {
		p.UpdatedAt = now
	}
	if !p.Status.Valid() {
		p.Status = models.StatusDraft
	}
	p.Perspective = p.Perspective.OrDefault()
	p.Data = p.Data.Normalize()

	data, err := p.MarshalData()
	if err != nil {
		return fmt.Errorf("encoding project data: %w", err)
	}
	_, err = s.db.ExecContext(ctx, s.q(`
	INSERT INTO projects (id, name, description, status, perspective, data, message_seq, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?)`),
		p.ID, p.Name, p.Description, string(p.Status), string(p.Perspective), string(data), p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create project: %w", classify(err))
	}
	return nil
}

// GetProject returns the project with id, or perrors.ErrNotFound.
func (s *Store) GetProject(ctx context.Context, id string) (*models.Project, error) {
	return getProject(ctx, s.db, s.q(`SELECT `+projectColumns+` FROM projects WHERE id = ?`), id)
}

func getProject(ctx context.Context, q sqlx.QueryerContext, query, id string) (*models.Project, error) {
	var row projectRow
	if err := sqlx.GetContext(ctx, q, &row, query, id); err != nil {
		return nil, classify(err)
	}
	return row.toModel()
}

// ListProjects returns all projects, most recently updated first.
func (s *Store) ListProjects(ctx context.Context) ([]models.Project, error) {
	var rows []projectRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT `+projectColumns+` FROM projects ORDER BY updated_at DESC, id`); err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", classify(err))
	}
	out := make([]models.Project, 0, len(rows))
	for _, r := range rows {
		p, err := r.toModel()
		if err != nil {
			s.logger.Warn().Err(err).Str("project_id", r.ID).Msg("skipping undecodable project")
			continue
		}
		out = append(out, *p)
	}
	return out, nil
}

// UpdateProject applies patch to the stored project and bumps updated_at.
func (s *Store) UpdateProject(ctx context.Context, id string, patch models.ProjectPatch) (*models.Project, error) {
	var updated *models.Project
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		p, err := getProject(ctx, tx, tx.Rebind(`SELECT `+projectColumns+` FROM projects WHERE id = ?`), id)
		if err != nil {
			return err
		}
		patch.Apply(p)
		if !p.Status.Valid() {
			return fmt.Errorf("%w: unknown status %q", perrors.ErrInvalidInput, p.Status)
		}
		if !p.Perspective.Valid() {
			return fmt.Errorf("%w: unknown perspective %q", perrors.ErrInvalidInput, p.Perspective)
		}
		p.UpdatedAt = max(models.NowMillis(), p.UpdatedAt+1)

		data, err := p.MarshalData()
		if err != nil {
			return fmt.Errorf("encoding project data: %w", err)
		}
		_, err = tx.ExecContext(ctx, tx.Rebind(`
		UPDATE projects SET name = ?, description = ?, status = ?, perspective = ?, data = ?, updated_at = ?
		WHERE id = ?`),
			p.Name, p.Description, string(p.Status), string(p.Perspective), string(data), p.UpdatedAt, id,
		)
		if err != nil {
			return classify(err)
		}
		updated = p
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to update project %s: %w", id, err)
	}
	return updated, nil
}

// DeleteProject removes the project and its messages.
func (s *Store) DeleteProject(ctx context.Context, id string) error {
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM messages WHERE project_id = ?`), id); err != nil {
			return classify(err)
		}
		res, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM projects WHERE id = ?`), id)
		if err != nil {
			return classify(err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return perrors.ErrNotFound
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete project %s: %w", id, err)
	}
	return nil
}
