// Package pgstore is the PostgreSQL implementation of the conversation and
// message store, for deployments where several daemons share one database.
package pgstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepgx "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"

	"github.com/matheus3301/convsync/internal/ids"
	"github.com/matheus3301/convsync/internal/model"
	"github.com/matheus3301/convsync/internal/store/pgstore/migrations"
)

// Store does not own the pool unless it was built by Connect.
type Store struct {
	pool  *pgxpool.Pool
	owned bool
	now   func() time.Time
}

// New wraps an existing pool. The caller closes the pool.
func New(pool *pgxpool.Pool) (*Store, error) {
	if pool == nil {
		return nil, errors.New("pgstore: nil pool")
	}
	return &Store{pool: pool, now: time.Now}, nil
}

// Connect parses url, opens a pool and checks connectivity within timeout.
func Connect(ctx context.Context, url string, maxConns int32, timeout time.Duration) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &Store{pool: pool, owned: true, now: time.Now}, nil
}

// Close releases the pool if Connect created it.
func (s *Store) Close() error {
	if s.owned {
		s.pool.Close()
	}
	return nil
}

// SetClock overrides the timestamp source used for server-assigned times.
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

// Migrate applies the embedded schema and returns the resulting version.
func (s *Store) Migrate() (uint, error) {
	source, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return 0, fmt.Errorf("migration source: %w", err)
	}
	db := stdlib.OpenDBFromPool(s.pool)
	driver, err := migratepgx.WithInstance(db, &migratepgx.Config{MigrationsTable: "convsync_schema_migrations"})
	if err != nil {
		return 0, fmt.Errorf("migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "pgx5", driver)
	if err != nil {
		return 0, fmt.Errorf("migration instance: %w", err)
	}
	defer func() { _, _ = m.Close() }()
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return 0, fmt.Errorf("migration up: %w", err)
	}
	version, _, err := m.Version()
	if err != nil {
		return 0, fmt.Errorf("migration version: %w", err)
	}
	return version, nil
}

const conversationColumns = `id, participant_a, participant_b, pair_key, created_at, updated_at`

func scanConversation(row pgx.Row) (*model.Conversation, error) {
	var (
		c                  model.Conversation
		created, updatedAt int64
	)
	if err := row.Scan(&c.ID, &c.ParticipantA, &c.ParticipantB, &c.PairKey, &created, &updatedAt); err != nil {
		return nil, err
	}
	c.CreatedAt = time.UnixMilli(created).UTC()
	c.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return &c, nil
}

func (s *Store) FindConversation(ctx context.Context, pairKey string) (*model.Conversation, error) {
	c, err := scanConversation(s.pool.QueryRow(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE pair_key = $1`, pairKey))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return c, err
}

// CreateConversation inserts the pair unless its key already exists and
// returns the stored record and whether this call created it.
func (s *Store) CreateConversation(ctx context.Context, a, b string) (*model.Conversation, bool, error) {
	now := s.now().UnixMilli()
	key := model.PairKey(a, b)
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO conversations (id, participant_a, participant_b, pair_key, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (pair_key) DO NOTHING`,
		ids.NewConversationID(), a, b, key, now, now)
	if err != nil {
		return nil, false, fmt.Errorf("insert conversation: %w", err)
	}
	c, err := s.FindConversation(ctx, key)
	if err != nil {
		return nil, false, fmt.Errorf("reload conversation: %w", err)
	}
	return c, tag.RowsAffected() == 1 && c != nil, nil
}

func (s *Store) TouchConversation(ctx context.Context, id string, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `UPDATE conversations SET updated_at = $1 WHERE id = $2`, at.UnixMilli(), id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("conversation %q: %w", id, model.ErrNotFound)
	}
	return nil
}

func (s *Store) ListConversations(ctx context.Context, participant string, limit, offset int) ([]model.Conversation, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+conversationColumns+`
		FROM conversations
		WHERE participant_a = $1 OR participant_b = $1
		ORDER BY updated_at DESC, id
		LIMIT $2 OFFSET $3`, participant, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

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

const messageColumns = `id, conversation_id, sender_id, COALESCE(client_id, ''), body, created_at`

func scanMessage(row pgx.Row) (model.Message, error) {
	var (
		m       model.Message
		created int64
	)
	if err := row.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.ClientID, &m.Body, &created); err != nil {
		return model.Message{}, err
	}
	m.CreatedAt = time.UnixMilli(created).UTC()
	return m, nil
}

// InsertMessage stores d. A non-empty client id is stored once per conversation.
func (s *Store) InsertMessage(ctx context.Context, d model.Draft) (model.Message, error) {
	now := s.now()
	id, err := ids.NewMessageID(now)
	if err != nil {
		return model.Message{}, fmt.Errorf("message id: %w", err)
	}
	var clientID *string
	if d.ClientID != "" {
		clientID = &d.ClientID
	}

	if _, err := s.pool.Exec(ctx, `
		INSERT INTO messages (id, conversation_id, sender_id, client_id, body, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (conversation_id, client_id) DO NOTHING`,
		id, d.ConversationID, d.SenderID, clientID, d.Body, now.UnixMilli()); err != nil {
		return model.Message{}, fmt.Errorf("insert message: %w", err)
	}

	if clientID != nil {
		return scanMessage(s.pool.QueryRow(ctx,
			`SELECT `+messageColumns+` FROM messages WHERE conversation_id = $1 AND client_id = $2`,
			d.ConversationID, d.ClientID))
	}
	return scanMessage(s.pool.QueryRow(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = $1`, id))
}

func (s *Store) ListMessages(ctx context.Context, conversationID string, offset, limit int) ([]model.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE conversation_id = $1
		ORDER BY created_at DESC, seq DESC
		LIMIT $2 OFFSET $3`, conversationID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

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
