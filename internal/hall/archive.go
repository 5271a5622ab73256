package hall

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Archive is an optional Postgres log of finalized conversation turns.
// The in-memory session cache stays authoritative; the archive exists so
// history survives restarts and can be queried out of band.
type Archive struct {
	pool *pgxpool.Pool
}

// NewArchive connects to Postgres and verifies the connection.
func NewArchive(ctx context.Context, pgURL string) (*Archive, error) {
	config, err := pgxpool.ParseConfig(pgURL)
	if err != nil {
		return nil, fmt.Errorf("parse postgres URL: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return &Archive{pool: pool}, nil
}

// Init creates the archive table and index if they don't exist.
func (a *Archive) Init(ctx context.Context) error {
	_, err := a.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS conversation_log (
			id              BIGSERIAL PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			user_id         TEXT NOT NULL,
			role            TEXT NOT NULL,
			content         TEXT NOT NULL,
			created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`)
	if err != nil {
		return fmt.Errorf("create conversation_log table: %w", err)
	}

	_, err = a.pool.Exec(ctx, `
		CREATE INDEX IF NOT EXISTS idx_conversation_log_conv
		ON conversation_log (conversation_id, id)
	`)
	if err != nil {
		return fmt.Errorf("create conversation_log index: %w", err)
	}

	return nil
}

// Record appends one turn. Best effort: failures are logged, never
// surfaced, so a dead archive can't take down conversations.
func (a *Archive) Record(ctx context.Context, conversationID, userID, role, content string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	_, err := a.pool.Exec(ctx,
		`INSERT INTO conversation_log (conversation_id, user_id, role, content) VALUES ($1, $2, $3, $4)`,
		conversationID, userID, role, content)
	if err != nil {
		slog.Warn("archive turn", "conversation", conversationID, "error", err)
	}
}

// History returns a conversation's archived turns, oldest first.
func (a *Archive) History(ctx context.Context, conversationID string, limit int) ([]ArchivedTurn, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := a.pool.Query(ctx,
		`SELECT role, content, created_at FROM conversation_log
		 WHERE conversation_id = $1 ORDER BY id LIMIT $2`,
		conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("query archive: %w", err)
	}
	defer rows.Close()

	var turns []ArchivedTurn
	for rows.Next() {
		var t ArchivedTurn
		if err := rows.Scan(&t.Role, &t.Content, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan archive row: %w", err)
		}
		turns = append(turns, t)
	}
	return turns, rows.Err()
}

// ArchivedTurn is one persisted conversation turn.
type ArchivedTurn struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

// Close releases the connection pool.
func (a *Archive) Close() {
	a.pool.Close()
}
