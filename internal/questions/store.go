package questions

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/loqalabs/loqa-repeat/internal/config"
	_ "modernc.org/sqlite"
)

type Level string

const (
	Beginner     Level = "beginner"
	Elementary   Level = "elementary"
	Intermediate Level = "intermediate"
	Advanced     Level = "advanced"
)

var Levels = []Level{Beginner, Elementary, Intermediate, Advanced}

var ErrNoQuestions = errors.New("no questions for level")

func ParseLevel(s string) (Level, error) {
	for _, l := range Levels {
		if string(l) == s {
			return l, nil
		}
	}
	return "", fmt.Errorf("unknown level %q", s)
}

// Question is one practice sentence with its translation.
type Question struct {
	ID       int64  `json:"id"`
	Level    Level  `json:"level"`
	English  string `json:"english"`
	Japanese string `json:"japanese"`
}

// Store wraps the SQLite-backed question bank.
type Store struct {
	db    *sql.DB
	log   *slog.Logger
	clock func() time.Time
	pick  func(n int) int

	mu   sync.Mutex
	last map[Level]int64
}

// Open initializes the bank and seeds it when empty.
func Open(ctx context.Context, cfg config.QuestionsConfig, log *slog.Logger) (*Store, error) {
	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{
		db:    db,
		log:   log.With(slog.String("component", "questions")),
		clock: time.Now,
		pick:  rand.IntN,
		last:  make(map[Level]int64),
	}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.seed(ctx, cfg); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS questions (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    level TEXT NOT NULL,
    english TEXT NOT NULL,
    japanese TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    UNIQUE(level, english)
);
CREATE INDEX IF NOT EXISTS idx_questions_level ON questions(level);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) seed(ctx context.Context, cfg config.QuestionsConfig) error {
	if cfg.SeedFile != "" {
		bank, err := LoadBankFile(cfg.SeedFile)
		if err != nil {
			return err
		}
		n, err := s.Import(ctx, bank)
		if err != nil {
			return fmt.Errorf("import seed file: %w", err)
		}
		s.log.Info("question seed imported", slog.String("file", cfg.SeedFile), slog.Int("questions", n))
	}
	if !cfg.SeedDefault {
		return nil
	}
	total, err := s.Count(ctx, "")
	if err != nil {
		return err
	}
	if total > 0 {
		return nil
	}
	bank, err := DefaultBank()
	if err != nil {
		return err
	}
	n, err := s.Import(ctx, bank)
	if err != nil {
		return fmt.Errorf("import default bank: %w", err)
	}
	s.log.Info("default question bank seeded", slog.Int("questions", n))
	return nil
}

// Close releases underlying resources.
func (s *Store) Close() error {
	return s.db.Close()
}

// Import upserts questions keyed by (level, english) and returns how many
// rows were written.
func (s *Store) Import(ctx context.Context, qs []Question) (n int, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO questions(level, english, japanese, created_at)
		 VALUES(?, ?, ?, ?)
		 ON CONFLICT(level, english) DO UPDATE SET japanese=excluded.japanese`)
	if err != nil {
		return 0, err
	}
	defer stmt.Close()

	now := s.clock().UTC()
	for _, q := range qs {
		if _, err = ParseLevel(string(q.Level)); err != nil {
			return 0, err
		}
		if q.English == "" {
			err = fmt.Errorf("question in %s has empty english text", q.Level)
			return 0, err
		}
		if _, err = stmt.ExecContext(ctx, q.Level, q.English, q.Japanese, now); err != nil {
			return 0, err
		}
		n++
	}
	if err = tx.Commit(); err != nil {
		return 0, err
	}
	return n, nil
}

// Count returns the number of questions for level, or all levels when
// level is empty.
func (s *Store) Count(ctx context.Context, level Level) (int, error) {
	var n int
	var err error
	if level == "" {
		err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM questions`).Scan(&n)
	} else {
		err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM questions WHERE level = ?`, level).Scan(&n)
	}
	return n, err
}

// List returns all questions of a level ordered by id.
func (s *Store) List(ctx context.Context, level Level) ([]Question, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, level, english, japanese FROM questions WHERE level = ? ORDER BY id ASC`, level)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var qs []Question
	for rows.Next() {
		var q Question
		if err := rows.Scan(&q.ID, &q.Level, &q.English, &q.Japanese); err != nil {
			return nil, err
		}
		qs = append(qs, q)
	}
	return qs, rows.Err()
}

// Next picks a random question for level, never the same one twice in a
// row while the level has alternatives.
func (s *Store) Next(ctx context.Context, level Level) (Question, error) {
	qs, err := s.List(ctx, level)
	if err != nil {
		return Question{}, err
	}
	if len(qs) == 0 {
		return Question{}, fmt.Errorf("%w %s", ErrNoQuestions, level)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	last, seen := s.last[level]
	candidates := qs
	if seen && len(qs) > 1 {
		candidates = make([]Question, 0, len(qs)-1)
		for _, q := range qs {
			if q.ID != last {
				candidates = append(candidates, q)
			}
		}
	}
	q := candidates[s.pick(len(candidates))]
	s.last[level] = q.ID
	return q, nil
}
