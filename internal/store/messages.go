package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	perrors "github.com/p-blackswan/analyst/internal/errors"
	"github.com/p-blackswan/analyst/internal/models"
)

type messageRow struct {
	ID         string         `db:"id"`
	ProjectID  string         `db:"project_id"`
	Seq        int64          `db:"seq"`
	Role       string         `db:"role"`
	Content    string         `db:"content"`
	Attachment sql.NullString `db:"attachment"`
	CreatedAt  int64          `db:"created_at"`
}

const messageColumns = `id, project_id, seq, role, content, attachment, created_at`

func (r messageRow) toModel() (*models.Message, error) {
	m := &models.Message{
		ID:        r.ID,
		ProjectID: r.ProjectID,
		Role:      models.Role(r.Role),
		Content:   r.Content,
		Seq:       r.Seq,
		Timestamp: r.CreatedAt,
	}
	if r.Attachment.Valid && r.Attachment.String != "" {
		var a models.Attachment
		if err := json.Unmarshal([]byte(r.Attachment.String), &a); err != nil {
			return nil, fmt.Errorf("decoding attachment for message %s: %w", r.ID, err)
		}
		m.Attachment = &a
	}
	return m, nil
}

func encodeAttachment(a *models.Attachment) (sql.NullString, error) {
	if a == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(a)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

// CreateMessage appends a message to the project. The sequence number is
// taken from the project's counter in the same transaction as the insert,
// so every later message sorts after every earlier one.
func (s *Store) CreateMessage(ctx context.Context, projectID string, in models.MessageInput) (*models.Message, error) {
	if in.Role != models.RoleUser && in.Role != models.RoleModel {
		return nil, fmt.Errorf("%w: unknown role %q", perrors.ErrInvalidInput, in.Role)
	}
	attachment, err := encodeAttachment(in.Attachment)
	if err != nil {
		return nil, fmt.Errorf("encoding attachment: %w", err)
	}

	msg := &models.Message{
		ID:         uuid.NewString(),
		ProjectID:  projectID,
		Role:       in.Role,
		Content:    in.Content,
		Timestamp:  models.NowMillis(),
		Attachment: in.Attachment,
	}
	err = s.withTx(ctx, func(tx *sqlx.Tx) error {
		var seq int64
		err := tx.GetContext(ctx, &seq, tx.Rebind(`
		UPDATE projects SET message_seq = message_seq + 1 WHERE id = ? RETURNING message_seq`), projectID)
		if err != nil {
			return classify(err)
		}
		msg.Seq = seq
		_, err = tx.ExecContext(ctx, tx.Rebind(`
		INSERT INTO messages (id, project_id, seq, role, content, attachment, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`),
			msg.ID, projectID, seq, string(msg.Role), msg.Content, attachment, msg.Timestamp,
		)
		return classify(err)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create message in project %s: %w", projectID, err)
	}
	return msg, nil
}

// GetMessage returns a single message of a project.
func (s *Store) GetMessage(ctx context.Context, projectID, id string) (*models.Message, error) {
	var row messageRow
	err := s.db.GetContext(ctx, &row, s.q(`SELECT `+messageColumns+` FROM messages WHERE project_id = ? AND id = ?`), projectID, id)
	if err != nil {
		return nil, classify(err)
	}
	return row.toModel()
}

// ListMessages returns the project's messages in sequence order.
func (s *Store) ListMessages(ctx context.Context, projectID string) ([]models.Message, error) {
	var rows []messageRow
	err := s.db.SelectContext(ctx, &rows, s.q(`SELECT `+messageColumns+` FROM messages WHERE project_id = ? ORDER BY seq ASC`), projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", classify(err))
	}
	out := make([]models.Message, 0, len(rows))
	for _, r := range rows {
		m, err := r.toModel()
		if err != nil {
			s.logger.Warn().Err(err).Str("message_id", r.ID).Msg("skipping undecodable message")
			continue
		}
		out = append(out, *m)
	}
	return out, nil
}

// UpdateMessage applies patch to a stored message.
func (s *Store) UpdateMessage(ctx context.Context, projectID, id string, patch models.MessagePatch) (*models.Message, error) {
	var updated *models.Message
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		var row messageRow
		err := tx.GetContext(ctx, &row, tx.Rebind(`SELECT `+messageColumns+` FROM messages WHERE project_id = ? AND id = ?`), projectID, id)
		if err != nil {
			return classify(err)
		}
		m, err := row.toModel()
		if err != nil {
			return err
		}
		if patch.Content != nil {
			m.Content = *patch.Content
		}
		if patch.Attachment != nil {
			m.Attachment = patch.Attachment
		}
		attachment, err := encodeAttachment(m.Attachment)
		if err != nil {
			return fmt.Errorf("encoding attachment: %w", err)
		}
		_, err = tx.ExecContext(ctx, tx.Rebind(`UPDATE messages SET content = ?, attachment = ? WHERE id = ?`), m.Content, attachment, id)
		if err != nil {
			return classify(err)
		}
		updated = m
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to update message %s: %w", id, err)
	}
	return updated, nil
}
