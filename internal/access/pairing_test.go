package access

import (
	"context"
	"database/sql"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	_ "modernc.org/sqlite"
)

func testDB(t *testing.T) *sql.DB {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func newTestPairing(t *testing.T, required bool) *Pairing {
	t.Helper()
	p, err := NewPairing(PairingConfig{
		Required: required,
		TTLDays:  30,
		DB:       testDB(t),
		Logger:   testLogger(),
	})
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func TestPairing_NotRequiredAdmitsEveryone(t *testing.T) {
	p := newTestPairing(t, false)

	if !p.Admit(context.Background(), "telegram", "user1", "hello") {
		t.Error("when pairing not required, all senders should be admitted")
	}
}

func TestPairing_Code(t *testing.T) {
	p := newTestPairing(t, true)

	code := p.Code()
	if len(code) != 6 {
		t.Errorf("expected 6-digit code, got %q", code)
	}
	for _, c := range code {
		if c < '0' || c > '9' {
			t.Errorf("code contains non-digit: %c", c)
		}
	}
}

func TestPairing_UnknownSenderDropped(t *testing.T) {
	p := newTestPairing(t, true)

	if p.Admit(context.Background(), "telegram", "user1", "hello") {
		t.Error("unpaired sender should be dropped")
	}
}

func TestPairing_CodeMessagePairsSender(t *testing.T) {
	p := newTestPairing(t, true)
	ctx := context.Background()

	// The code message itself is consumed, not admitted.
	if p.Admit(ctx, "telegram", "user1", p.Code()) {
		t.Error("pairing code message should be consumed")
	}

	paired, err := p.IsPaired(ctx, "telegram", "user1")
	if err != nil {
		t.Fatal(err)
	}
	if !paired {
		t.Error("sender should be paired after submitting the code")
	}

	if !p.Admit(ctx, "telegram", "user1", "hello again") {
		t.Error("paired sender should be admitted")
	}
}

func TestPairing_CodeWithSurroundingWhitespace(t *testing.T) {
	p := newTestPairing(t, true)
	ctx := context.Background()

	p.Admit(ctx, "telegram", "user1", "  "+p.Code()+"\n")
	paired, err := p.IsPaired(ctx, "telegram", "user1")
	if err != nil {
		t.Fatal(err)
	}
	if !paired {
		t.Error("code should match after trimming whitespace")
	}
}

func TestPairing_WrongCodeDoesNotPair(t *testing.T) {
	p := newTestPairing(t, true)
	ctx := context.Background()

	wrong := "000000"
	if wrong == p.Code() {
		wrong = "000001"
	}
	p.Admit(ctx, "telegram", "user1", wrong)

	paired, err := p.IsPaired(ctx, "telegram", "user1")
	if err != nil {
		t.Fatal(err)
	}
	if paired {
		t.Error("wrong code should not pair the sender")
	}
}

func TestPairing_PairingIsPerChannel(t *testing.T) {
	p := newTestPairing(t, true)
	ctx := context.Background()

	p.Admit(ctx, "telegram", "user1", p.Code())

	paired, err := p.IsPaired(ctx, "discord", "user1")
	if err != nil {
		t.Fatal(err)
	}
	if paired {
		t.Error("pairing on one channel should not carry to another")
	}
}

func TestPairing_Unpair(t *testing.T) {
	p := newTestPairing(t, true)
	ctx := context.Background()

	p.Admit(ctx, "telegram", "user1", p.Code())
	if err := p.Unpair(ctx, "telegram", "user1"); err != nil {
		t.Fatal(err)
	}

	paired, err := p.IsPaired(ctx, "telegram", "user1")
	if err != nil {
		t.Fatal(err)
	}
	if paired {
		t.Error("sender should not be paired after unpair")
	}
}

func TestPairing_RotateCodeInvalidatesOld(t *testing.T) {
	p := newTestPairing(t, true)
	ctx := context.Background()

	old := p.Code()
	p.RotateCode()
	if p.Code() == old {
		// Random collision is possible but vanishingly unlikely; rotate again.
		p.RotateCode()
	}

	p.Admit(ctx, "telegram", "user1", old)
	paired, err := p.IsPaired(ctx, "telegram", "user1")
	if err != nil {
		t.Fatal(err)
	}
	if paired {
		t.Error("rotated-out code should not pair")
	}
}

func TestPairing_DefaultTTL(t *testing.T) {
	p, err := NewPairing(PairingConfig{
		Required: true,
		TTLDays:  0,
		Logger:   testLogger(),
	})
	if err != nil {
		t.Fatal(err)
	}
	if p.ttlDays != 30 {
		t.Errorf("expected default TTL of 30 days, got %d", p.ttlDays)
	}
}

func TestGenerateSecureCode_Length(t *testing.T) {
	for _, length := range []int{4, 6, 8, 10} {
		code := generateSecureCode(length)
		if len(code) != length {
			t.Errorf("expected code length %d, got %d", length, len(code))
		}
	}
}
