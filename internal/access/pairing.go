// Package access gates inbound messages on sender identity. When pairing is
// enabled, unknown senders must submit a one-time code before any of their
// messages reach the bus.
package access

import (
	"context"
	"crypto/rand"
	"database/sql"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"
)

// Gate decides whether an inbound message may be published. Admit may consume
// the message (a pairing code exchange) and still return false.
type Gate interface {
	Admit(ctx context.Context, channel, senderID, text string) bool
}

// PairingConfig configures the sender pairing gate.
type PairingConfig struct {
	Required bool
	TTLDays  int
	DB       *sql.DB
	Logger   *slog.Logger
}

// Pairing is a DB-backed Gate. A numeric code is generated at startup; a
// sender whose first message is exactly that code is recorded as paired and
// admitted from then on. Pairings expire after TTLDays.
type Pairing struct {
	required bool
	ttlDays  int
	db       *sql.DB
	logger   *slog.Logger

	mu   sync.RWMutex
	code string
}

// NewPairing creates the pairing gate and its backing table.
func NewPairing(cfg PairingConfig) (*Pairing, error) {
	ttl := cfg.TTLDays
	if ttl <= 0 {
		ttl = 30
	}
	p := &Pairing{
		required: cfg.Required,
		ttlDays:  ttl,
		db:       cfg.DB,
		logger:   cfg.Logger,
		code:     generateSecureCode(6),
	}
	if cfg.DB != nil {
		if err := p.migrate(); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func (p *Pairing) migrate() error {
	_, err := p.db.Exec(`
		CREATE TABLE IF NOT EXISTS paired_users (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			channel TEXT NOT NULL,
			user_id TEXT NOT NULL,
			paired_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			expires_at DATETIME,
			UNIQUE(channel, user_id)
		)
	`)
	if err != nil {
		return fmt.Errorf("create paired_users table: %w", err)
	}
	return nil
}

// Required reports whether the gate is active.
func (p *Pairing) Required() bool {
	return p.required
}

// Code returns the current pairing code. The gateway logs it at startup so
// the operator can hand it to the senders they want to admit.
func (p *Pairing) Code() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.code
}

// RotateCode replaces the pairing code, invalidating the previous one.
func (p *Pairing) RotateCode() string {
	code := generateSecureCode(6)
	p.mu.Lock()
	p.code = code
	p.mu.Unlock()
	return code
}

// Admit implements Gate.
func (p *Pairing) Admit(ctx context.Context, channel, senderID, text string) bool {
	if !p.required {
		return true
	}

	paired, err := p.IsPaired(ctx, channel, senderID)
	if err != nil {
		p.logger.Error("pairing check failed", "channel", channel, "sender", senderID, "error", err)
		return false
	}
	if paired {
		return true
	}

	if strings.TrimSpace(text) == p.Code() {
		if err := p.pair(ctx, channel, senderID); err != nil {
			p.logger.Error("pairing failed", "channel", channel, "sender", senderID, "error", err)
			return false
		}
		p.logger.Info("sender paired", "channel", channel, "sender", senderID)
		// The code itself is not a conversational message.
		return false
	}

	p.logger.Warn("unpaired sender dropped", "channel", channel, "sender", senderID)
	return false
}

// IsPaired checks whether a sender holds an unexpired pairing.
func (p *Pairing) IsPaired(ctx context.Context, channel, senderID string) (bool, error) {
	if !p.required || p.db == nil {
		return true, nil
	}

	var count int
	err := p.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM paired_users
		 WHERE channel = ? AND user_id = ? AND (expires_at IS NULL OR expires_at > ?)`,
		channel, senderID, time.Now(),
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("check pairing: %w", err)
	}
	return count > 0, nil
}

// Unpair removes a sender's pairing.
func (p *Pairing) Unpair(ctx context.Context, channel, senderID string) error {
	if p.db == nil {
		return nil
	}
	_, err := p.db.ExecContext(ctx,
		"DELETE FROM paired_users WHERE channel = ? AND user_id = ?",
		channel, senderID,
	)
	return err
}

func (p *Pairing) pair(ctx context.Context, channel, senderID string) error {
	if p.db == nil {
		return nil
	}

	var expiresAt *time.Time
	if p.ttlDays > 0 {
		t := time.Now().AddDate(0, 0, p.ttlDays)
		expiresAt = &t
	}

	_, err := p.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO paired_users (channel, user_id, paired_at, expires_at)
		 VALUES (?, ?, ?, ?)`,
		channel, senderID, time.Now(), expiresAt,
	)
	return err
}

// generateSecureCode generates a cryptographically random numeric code of the given length.
func generateSecureCode(length int) string {
	code := make([]byte, length)
	for i := range code {
		n, err := rand.Int(rand.Reader, big.NewInt(10))
		if err != nil {
			// Fallback to less secure but still functional
			code[i] = '0'
			continue
		}
		code[i] = byte('0') + byte(n.Int64())
	}
	return string(code)
}
