package conversation

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"deptgate/internal/domain"
)

// PostgresStore persists conversations with the message count as a CAS
// column: the append transaction first bumps the count with
// `WHERE message_count = expected` and only inserts messages when that row
// update won. Messages cascade on conversation delete.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) CreateWithMessages(ctx context.Context, conv *domain.Conversation, msgs []domain.Message) (string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	id := uuid.New().String()
	now := time.Now()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO conversations (id, user_id, title, model_config_id, message_count, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
	`, id, conv.UserID, conv.Title, conv.ModelConfigID, len(msgs), now)
	if err != nil {
		return "", fmt.Errorf("insert conversation: %w", err)
	}

	if err := insertMessages(ctx, tx, id, msgs, now); err != nil {
		return "", err
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit tx: %w", err)
	}
	return id, nil
}

func (s *PostgresStore) AppendMessages(ctx context.Context, conversationID string, msgs []domain.Message, expectedCount int) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	now := time.Now()
	result, err := tx.ExecContext(ctx, `
		UPDATE conversations
		SET message_count = message_count + $1, updated_at = $2
		WHERE id = $3 AND message_count = $4
	`, len(msgs), now, conversationID, expectedCount)
	if err != nil {
		return 0, fmt.Errorf("advance watermark: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		// Either the conversation is gone or another save advanced the
		// count first; disambiguate for the caller.
		var current int
		err := tx.QueryRowContext(ctx, `SELECT message_count FROM conversations WHERE id = $1`, conversationID).Scan(&current)
		if err == sql.ErrNoRows {
			return 0, fmt.Errorf("%w: %s", domain.ErrConversationNotFound, conversationID)
		}
		if err != nil {
			return 0, fmt.Errorf("read message count: %w", err)
		}
		return 0, fmt.Errorf("%w: stored %d, expected %d", domain.ErrWatermarkConflict, current, expectedCount)
	}

	if err := insertMessages(ctx, tx, conversationID, msgs, now); err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit tx: %w", err)
	}
	return expectedCount + len(msgs), nil
}

func (s *PostgresStore) MessageCount(ctx context.Context, conversationID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT message_count FROM conversations WHERE id = $1`, conversationID).Scan(&count)
	if err == sql.ErrNoRows {
		return 0, fmt.Errorf("%w: %s", domain.ErrConversationNotFound, conversationID)
	}
	if err != nil {
		return 0, fmt.Errorf("query message count: %w", err)
	}
	return count, nil
}

func insertMessages(ctx context.Context, tx *sql.Tx, conversationID string, msgs []domain.Message, now time.Time) error {
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO messages (id, conversation_id, role, content, attachment_ids, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`)
	if err != nil {
		return fmt.Errorf("prepare message insert: %w", err)
	}
	defer stmt.Close()

	for _, m := range msgs {
		ids := m.AttachmentIDs
		if ids == nil {
			ids = []string{}
		}
		_, err := stmt.ExecContext(ctx, uuid.New().String(), conversationID, m.Role, m.Content, pq.Array(ids), now)
		if err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
	}
	return nil
}
