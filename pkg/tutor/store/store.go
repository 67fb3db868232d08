// Package store persists tutoring sessions in Postgres: session records, the
// finalized transcript, and whiteboard command lists.
package store

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/yuhaousa/voice2learn/pkg/tutor/live"
	"github.com/yuhaousa/voice2learn/pkg/tutor/transcript"
	"github.com/yuhaousa/voice2learn/pkg/tutor/whiteboard"
)

//go:embed migrations/*.sql
var migrations embed.FS

type Options struct {
	MaxConns int32
	MinConns int32
	Logger   *slog.Logger
}

type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func New(ctx context.Context, databaseURL string, opts Options) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	cfg.MaxConns = 10
	cfg.MinConns = 1
	if opts.MaxConns > 0 {
		cfg.MaxConns = opts.MaxConns
	}
	if opts.MinConns > 0 {
		cfg.MinConns = opts.MinConns
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &Store{pool: pool, logger: opts.Logger}, nil
}

func (s *Store) Close() {
	s.pool.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Migrate applies every pending embedded migration.
func (s *Store) Migrate(ctx context.Context) error {
	fsys, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("open migrations: %w", err)
	}
	db := stdlib.OpenDBFromPool(s.pool)
	defer db.Close()

	provider, err := goose.NewProvider(goose.DialectPostgres, db, fsys)
	if err != nil {
		return fmt.Errorf("init migrations: %w", err)
	}
	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	version, err := provider.GetDBVersion(ctx)
	if err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	s.logger.Info("migrations applied", "count", len(results), "version", version)
	return nil
}

// SessionRecord is one row of tutor_sessions.
type SessionRecord struct {
	SessionID  string             `json:"session_id"`
	Config     live.SessionConfig `json:"config"`
	StartedAt  time.Time          `json:"started_at"`
	EndedAt    *time.Time         `json:"ended_at,omitempty"`
	FinalState string             `json:"final_state,omitempty"`
}

func (s *Store) StartSession(ctx context.Context, sessionID string, cfg live.SessionConfig, at time.Time) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO tutor_sessions (session_id, level, topic, started_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (session_id) DO NOTHING
	`, sessionID, string(cfg.Level), string(cfg.Topic), at.UTC())
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

func (s *Store) EndSession(ctx context.Context, sessionID, finalState string, at time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE tutor_sessions SET ended_at = $2, final_state = $3
		WHERE session_id = $1 AND ended_at IS NULL
	`, sessionID, at.UTC(), finalState)
	if err != nil {
		return fmt.Errorf("end session: %w", err)
	}
	return nil
}

// GetSession returns pgx.ErrNoRows wrapped when the session is unknown.
func (s *Store) GetSession(ctx context.Context, sessionID string) (SessionRecord, error) {
	var (
		rec          SessionRecord
		level, topic string
		finalState   *string
	)
	err := s.pool.QueryRow(ctx, `
		SELECT session_id, level, topic, started_at, ended_at, final_state
		FROM tutor_sessions WHERE session_id = $1
	`, sessionID).Scan(&rec.SessionID, &level, &topic, &rec.StartedAt, &rec.EndedAt, &finalState)
	if err != nil {
		return SessionRecord{}, fmt.Errorf("get session %s: %w", sessionID, err)
	}
	rec.Config = live.SessionConfig{Level: live.GradeLevel(level), Topic: live.Subject(topic)}
	if finalState != nil {
		rec.FinalState = *finalState
	}
	return rec, nil
}

// AppendTurn stores one finalized turn. Replays of the same turn id are
// ignored.
func (s *Store) AppendTurn(ctx context.Context, sessionID string, turn transcript.Turn) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO transcript_turns (session_id, turn_id, speaker, text, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (session_id, turn_id) DO NOTHING
	`, sessionID, turn.ID, string(turn.Speaker), turn.Text, turn.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert turn: %w", err)
	}
	s.logger.Debug("turn stored", "session_id", sessionID, "turn_id", turn.ID)
	return nil
}

func (s *Store) ListTurns(ctx context.Context, sessionID string) ([]transcript.Turn, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT turn_id, speaker, text, created_at
		FROM transcript_turns WHERE session_id = $1
		ORDER BY turn_id
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query turns: %w", err)
	}
	turns, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (transcript.Turn, error) {
		var (
			t       transcript.Turn
			speaker string
		)
		err := row.Scan(&t.ID, &speaker, &t.Text, &t.CreatedAt)
		t.Speaker = transcript.Speaker(speaker)
		return t, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan turns: %w", err)
	}
	return turns, nil
}

func (s *Store) LoadBoard(ctx context.Context, boardID string) ([]whiteboard.Command, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx, `SELECT commands FROM whiteboards WHERE board_id = $1`, boardID).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load board: %w", err)
	}
	return whiteboard.UnmarshalCommands(raw)
}

func (s *Store) SaveBoard(ctx context.Context, boardID string, cmds []whiteboard.Command) error {
	raw, err := whiteboard.MarshalCommands(cmds)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO whiteboards (board_id, commands, updated_at)
		VALUES ($1, $2::jsonb, now())
		ON CONFLICT (board_id) DO UPDATE SET commands = EXCLUDED.commands, updated_at = now()
	`, boardID, string(raw))
	if err != nil {
		return fmt.Errorf("save board: %w", err)
	}
	return nil
}

var (
	_ whiteboard.Store = (*Store)(nil)
	_ transcript.Sink  = (*Store)(nil)
)
