package history

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"chatrelay/internal/bus"
	"chatrelay/internal/domain"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "history.db")
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s, err := NewStore(path, logger)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore_AppendAndRecent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Now().Add(-time.Hour)
	for i, content := range []string{"first", "second", "third"} {
		err := s.Append(ctx, Turn{
			Channel: "telegram", ChatID: "42", Role: "user",
			SenderID: "alice", Content: content,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	turns, err := s.Recent(ctx, "telegram", "42", 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(turns) != 3 {
		t.Fatalf("len = %d, want 3", len(turns))
	}
	// Chronological order, oldest first.
	if turns[0].Content != "first" || turns[2].Content != "third" {
		t.Errorf("order wrong: %v, %v", turns[0].Content, turns[2].Content)
	}
}

func TestStore_RecentRespectsLimit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Now().Add(-time.Hour)
	for i := 0; i < 10; i++ {
		s.Append(ctx, Turn{
			Channel: "cli", ChatID: "c", Role: "user", Content: "m",
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		})
	}
	turns, err := s.Recent(ctx, "cli", "c", 4)
	if err != nil {
		t.Fatal(err)
	}
	if len(turns) != 4 {
		t.Fatalf("len = %d, want 4", len(turns))
	}
}

func TestStore_RecentIsolatesChats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.Append(ctx, Turn{Channel: "telegram", ChatID: "a", Role: "user", Content: "for a"})
	s.Append(ctx, Turn{Channel: "telegram", ChatID: "b", Role: "user", Content: "for b"})
	s.Append(ctx, Turn{Channel: "discord", ChatID: "a", Role: "user", Content: "other channel"})

	turns, err := s.Recent(ctx, "telegram", "a", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(turns) != 1 || turns[0].Content != "for a" {
		t.Fatalf("turns = %+v", turns)
	}
}

func TestStore_PruneRetention(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.Append(ctx, Turn{
		Channel: "cli", ChatID: "c", Role: "user", Content: "ancient",
		CreatedAt: time.Now().AddDate(0, 0, -40),
	})
	s.Append(ctx, Turn{Channel: "cli", ChatID: "c", Role: "user", Content: "recent"})

	if err := s.Prune(ctx, 30, 0); err != nil {
		t.Fatalf("Prune: %v", err)
	}

	turns, _ := s.Recent(ctx, "cli", "c", 10)
	if len(turns) != 1 || turns[0].Content != "recent" {
		t.Fatalf("after prune: %+v", turns)
	}
}

func TestStore_PrunePerChatCap(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Now().Add(-time.Hour)
	for i := 0; i < 10; i++ {
		s.Append(ctx, Turn{
			Channel: "cli", ChatID: "c", Role: "user", Content: "m",
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		})
	}
	if err := s.Prune(ctx, 0, 3); err != nil {
		t.Fatalf("Prune: %v", err)
	}
	turns, _ := s.Recent(ctx, "cli", "c", 100)
	if len(turns) != 3 {
		t.Fatalf("after cap prune len = %d, want 3", len(turns))
	}
}

func TestRecorder_AssemblesStreamedResponse(t *testing.T) {
	s := newTestStore(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	b := bus.New(logger)

	rec := NewRecorder(s, logger)
	if err := rec.Start(context.Background(), b); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer rec.Stop()

	b.PublishInbound(domain.InboundMessage{
		Channel: domain.ChannelTelegram, SenderID: "alice", ChatID: "42",
		Content: "hello", Timestamp: time.Now(),
	})
	for _, c := range []string{"Hi ", "there", "!"} {
		b.PublishOutbound(domain.OutboundMessage{
			Channel: domain.ChannelTelegram, ChatID: "42",
			Content: c, IsStreamChunk: true,
		})
	}
	b.PublishOutbound(domain.OutboundMessage{
		Channel: domain.ChannelTelegram, ChatID: "42", IsStreamEnd: true,
	})

	turns, err := s.Recent(context.Background(), "telegram", "42", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(turns) != 2 {
		t.Fatalf("len = %d, want 2 (user + assistant)", len(turns))
	}
	if turns[0].Role != "user" || turns[0].Content != "hello" {
		t.Errorf("user turn = %+v", turns[0])
	}
	if turns[1].Role != "assistant" || turns[1].Content != "Hi there!" {
		t.Errorf("assistant turn = %+v", turns[1])
	}
}

func TestRecorder_IgnoresEmptyStream(t *testing.T) {
	s := newTestStore(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	b := bus.New(logger)

	rec := NewRecorder(s, logger)
	rec.Start(context.Background(), b)
	defer rec.Stop()

	// Stream end without chunks writes nothing.
	b.PublishOutbound(domain.OutboundMessage{
		Channel: domain.ChannelCLI, ChatID: "c", IsStreamEnd: true,
	})
	turns, _ := s.Recent(context.Background(), "cli", "c", 10)
	if len(turns) != 0 {
		t.Fatalf("turns = %+v, want none", turns)
	}
}
