// Package history persists a transcript of relayed conversations. Each
// completed turn (one inbound message or one assembled response) becomes a
// row keyed by channel and chat id.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Turn is one persisted conversation entry.
type Turn struct {
	ID        int64
	Channel   string
	ChatID    string
	Role      string // "user" | "assistant"
	SenderID  string
	Content   string
	CreatedAt time.Time
}

// Store is a SQLite-backed transcript store.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewStore(dbPath string, logger *slog.Logger) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}

	// Set connection pool (single connection for SQLite)
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{db: db, logger: logger}

	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}

	return store, nil
}

// DB exposes the underlying handle so other components can share the
// single SQLite connection.
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS turns (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		channel     TEXT NOT NULL,
		chat_id     TEXT NOT NULL,
		role        TEXT NOT NULL,
		sender_id   TEXT,
		content     TEXT,
		created_at  DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_turns_chat ON turns(channel, chat_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_turns_time ON turns(created_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Append stores one turn.
func (s *Store) Append(ctx context.Context, t Turn) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO turns (channel, chat_id, role, sender_id, content, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		t.Channel, t.ChatID, t.Role, t.SenderID, t.Content, t.CreatedAt,
	)
	return err
}

// Recent returns the last N turns for a chat in chronological order.
func (s *Store) Recent(ctx context.Context, channel, chatID string, limit int) ([]Turn, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, channel, chat_id, role, sender_id, content, created_at
		 FROM turns WHERE channel = ? AND chat_id = ?
		 ORDER BY created_at DESC, id DESC LIMIT ?`, channel, chatID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var turns []Turn
	for rows.Next() {
		var t Turn
		var sender sql.NullString
		if err := rows.Scan(&t.ID, &t.Channel, &t.ChatID, &t.Role, &sender, &t.Content, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.SenderID = sender.String
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Reverse to chronological order
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return turns, nil
}

// Chats lists the most recently active chats across all channels.
func (s *Store) Chats(ctx context.Context, limit int) ([]Turn, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT MAX(id), channel, chat_id, role, sender_id, content, MAX(created_at)
		 FROM turns GROUP BY channel, chat_id
		 ORDER BY MAX(created_at) DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var turns []Turn
	for rows.Next() {
		var t Turn
		var sender sql.NullString
		if err := rows.Scan(&t.ID, &t.Channel, &t.ChatID, &t.Role, &sender, &t.Content, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.SenderID = sender.String
		turns = append(turns, t)
	}
	return turns, rows.Err()
}

// Prune deletes turns older than the retention window and trims each chat to
// its per-chat cap. Run periodically by the gateway.
func (s *Store) Prune(ctx context.Context, retentionDays, maxPerChat int) error {
	if retentionDays > 0 {
		cutoff := time.Now().AddDate(0, 0, -retentionDays)
		if _, err := s.db.ExecContext(ctx,
			`DELETE FROM turns WHERE created_at < ?`, cutoff); err != nil {
			return fmt.Errorf("retention prune: %w", err)
		}
	}
	if maxPerChat > 0 {
		_, err := s.db.ExecContext(ctx, `
			DELETE FROM turns WHERE id IN (
				SELECT id FROM (
					SELECT id, ROW_NUMBER() OVER (
						PARTITION BY channel, chat_id ORDER BY created_at DESC, id DESC
					) AS rn FROM turns
				) WHERE rn > ?
			)`, maxPerChat)
		if err != nil {
			return fmt.Errorf("per-chat prune: %w", err)
		}
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}
