package questions

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/loqalabs/loqa-repeat/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func openStore(t *testing.T, cfg config.QuestionsConfig) *Store {
	t.Helper()
	if cfg.Path == "" {
		cfg.Path = filepath.Join(t.TempDir(), "questions.db")
	}
	s, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestDefaultBankSeeded(t *testing.T) {
	s := openStore(t, config.QuestionsConfig{SeedDefault: true})
	for _, level := range Levels {
		n, err := s.Count(context.Background(), level)
		if err != nil {
			t.Fatalf("count %s: %v", level, err)
		}
		if n < 2 {
			t.Fatalf("expected seeded questions for %s, got %d", level, n)
		}
	}
}

func TestSeedIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "questions.db")
	first := openStore(t, config.QuestionsConfig{Path: path, SeedDefault: true})
	before, _ := first.Count(context.Background(), "")
	first.Close()

	second := openStore(t, config.QuestionsConfig{Path: path, SeedDefault: true})
	after, _ := second.Count(context.Background(), "")
	if before != after {
		t.Fatalf("expected %d questions after reopen, got %d", before, after)
	}
}

func TestNextEmptyLevel(t *testing.T) {
	s := openStore(t, config.QuestionsConfig{})
	if _, err := s.Next(context.Background(), Advanced); !errors.Is(err, ErrNoQuestions) {
		t.Fatalf("expected ErrNoQuestions, got %v", err)
	}
}

func TestNextAvoidsImmediateRepeat(t *testing.T) {
	s := openStore(t, config.QuestionsConfig{})
	_, err := s.Import(context.Background(), []Question{
		{Level: Beginner, English: "How are you?", Japanese: "お元気ですか？"},
		{Level: Beginner, English: "I like apples.", Japanese: "私はりんごが好きです。"},
	})
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	s.pick = func(int) int { return 0 }

	prev, err := s.Next(context.Background(), Beginner)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	for i := 0; i < 5; i++ {
		q, err := s.Next(context.Background(), Beginner)
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		if q.ID == prev.ID {
			t.Fatalf("question %d repeated", q.ID)
		}
		prev = q
	}
}

func TestNextSingleQuestionRepeats(t *testing.T) {
	s := openStore(t, config.QuestionsConfig{})
	if _, err := s.Import(context.Background(), []Question{{Level: Advanced, English: "Only one.", Japanese: "一つだけ。"}}); err != nil {
		t.Fatalf("import: %v", err)
	}
	for i := 0; i < 3; i++ {
		q, err := s.Next(context.Background(), Advanced)
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		if q.English != "Only one." || q.Level != Advanced {
			t.Fatalf("unexpected question %+v", q)
		}
	}
}

func TestImportUpserts(t *testing.T) {
	s := openStore(t, config.QuestionsConfig{})
	ctx := context.Background()
	if _, err := s.Import(ctx, []Question{{Level: Beginner, English: "Hello.", Japanese: "こんにちは"}}); err != nil {
		t.Fatalf("import: %v", err)
	}
	if _, err := s.Import(ctx, []Question{{Level: Beginner, English: "Hello.", Japanese: "こんにちは。"}}); err != nil {
		t.Fatalf("import: %v", err)
	}
	qs, err := s.List(ctx, Beginner)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(qs) != 1 || qs[0].Japanese != "こんにちは。" {
		t.Fatalf("expected single updated question, got %+v", qs)
	}
}

func TestImportRejectsBadLevel(t *testing.T) {
	s := openStore(t, config.QuestionsConfig{})
	if _, err := s.Import(context.Background(), []Question{{Level: "expert", English: "Hi."}}); err == nil {
		t.Fatal("expected error for unknown level")
	}
	n, _ := s.Count(context.Background(), "")
	if n != 0 {
		t.Fatalf("expected rollback, found %d questions", n)
	}
}

func TestSeedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bank.yaml")
	data := "levels:\n  elementary:\n    - english: Could you help me?\n      japanese: 手伝ってもらえますか？\n"
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("write bank: %v", err)
	}
	s := openStore(t, config.QuestionsConfig{SeedFile: path})
	q, err := s.Next(context.Background(), Elementary)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if q.English != "Could you help me?" {
		t.Fatalf("unexpected question %+v", q)
	}
}

func TestLoadBankRejectsUnknownLevel(t *testing.T) {
	_, err := LoadBank(strings.NewReader("levels:\n  expert:\n    - english: Hi.\n"))
	if err == nil {
		t.Fatal("expected error for unknown level")
	}
}

func TestParseLevel(t *testing.T) {
	if l, err := ParseLevel("intermediate"); err != nil || l != Intermediate {
		t.Fatalf("unexpected parse result %q %v", l, err)
	}
	if _, err := ParseLevel("Beginner"); err == nil {
		t.Fatal("levels are case sensitive")
	}
}
