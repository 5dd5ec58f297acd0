package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/matheus3301/convsync/internal/ids"
	"github.com/matheus3301/convsync/internal/model"
)

const messageColumns = `id, conversation_id, sender_id, client_id, body, created_at`

func scanMessage(row interface{ Scan(...any) error }) (model.Message, error) {
	var (
		m        model.Message
		clientID sql.NullString
		created  int64
	)
	if err := row.Scan(&m.ID, &m.ConversationID, &m.SenderID, &clientID, &m.Body, &created); err != nil {
		return model.Message{}, err
	}
	m.ClientID = clientID.String
	m.CreatedAt = fromMillis(created)
	return m, nil
}

// InsertMessage persists a message and returns it with its store-assigned id
// and timestamp. Inserting the same client id twice in one conversation
// returns the first stored message.
func (db *DB) InsertMessage(ctx context.Context, d model.Draft) (model.Message, error) {
	now := db.now()
	id, err := ids.NewMessageID(now)
	if err != nil {
		return model.Message{}, fmt.Errorf("message id: %w", err)
	}

	if _, err := db.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, sender_id, client_id, body, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(conversation_id, client_id) DO NOTHING`,
		id, d.ConversationID, d.SenderID, nullable(d.ClientID), d.Body, now.UnixMilli()); err != nil {
		return model.Message{}, fmt.Errorf("insert message: %w", err)
	}

	if d.ClientID != "" {
		return scanMessage(db.QueryRowContext(ctx,
			`SELECT `+messageColumns+` FROM messages WHERE conversation_id = ? AND client_id = ?`,
			d.ConversationID, d.ClientID))
	}
	return scanMessage(db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, id))
}

// ListMessages returns one page of a conversation's history, newest first.
// Messages with equal timestamps are ordered by insertion, newest first.
func (db *DB) ListMessages(ctx context.Context, conversationID string, offset, limit int) ([]model.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := db.QueryContext(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE conversation_id = ?
		ORDER BY created_at DESC, seq DESC
		LIMIT ? OFFSET ?`, conversationID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []model.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}
