package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/matheus3301/convsync/internal/ids"
	"github.com/matheus3301/convsync/internal/model"
)

const conversationColumns = `id, participant_a, participant_b, pair_key, created_at, updated_at`

func scanConversation(row interface{ Scan(...any) error }) (*model.Conversation, error) {
	var (
		c                  model.Conversation
		created, updatedAt int64
	)
	if err := row.Scan(&c.ID, &c.ParticipantA, &c.ParticipantB, &c.PairKey, &created, &updatedAt); err != nil {
		return nil, err
	}
	c.CreatedAt = fromMillis(created)
	c.UpdatedAt = fromMillis(updatedAt)
	return &c, nil
}

// FindConversation returns the conversation with the given canonical pair key,
// or nil if none exists.
func (db *DB) FindConversation(ctx context.Context, pairKey string) (*model.Conversation, error) {
	c, err := scanConversation(db.QueryRowContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE pair_key = ?`, pairKey))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

// CreateConversation inserts a conversation for the pair unless one already
// exists for its canonical key. It returns the stored record and whether this
// call created it.
func (db *DB) CreateConversation(ctx context.Context, a, b string) (*model.Conversation, bool, error) {
	now := db.now().UnixMilli()
	key := model.PairKey(a, b)
	res, err := db.ExecContext(ctx, `
		INSERT INTO conversations (id, participant_a, participant_b, pair_key, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(pair_key) DO NOTHING`,
		ids.NewConversationID(), a, b, key, now, now)
	if err != nil {
		return nil, false, fmt.Errorf("insert conversation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, err
	}
	c, err := db.FindConversation(ctx, key)
	if err != nil {
		return nil, false, fmt.Errorf("reload conversation: %w", err)
	}
	return c, n == 1 && c != nil, nil
}

// TouchConversation sets updated_at for list ordering.
func (db *DB) TouchConversation(ctx context.Context, id string, at time.Time) error {
	res, err := db.ExecContext(ctx, `UPDATE conversations SET updated_at = ? WHERE id = ?`, at.UnixMilli(), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("conversation %q: %w", id, model.ErrNotFound)
	}
	return nil
}

// ListConversations returns the participant's conversations, most recently
// updated first.
func (db *DB) ListConversations(ctx context.Context, participant string, limit, offset int) ([]model.Conversation, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.QueryContext(ctx, `
		SELECT `+conversationColumns+`
		FROM conversations
		WHERE participant_a = ? OR participant_b = ?
		ORDER BY updated_at DESC, id
		LIMIT ? OFFSET ?`, participant, participant, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var convs []model.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		convs = append(convs, *c)
	}
	return convs, rows.Err()
}
