package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"flowstate/internal/config"
	"flowstate/internal/engine"
	"flowstate/internal/events"
	"flowstate/internal/repo"
	"flowstate/internal/scenario"
)

// Session is a live engine bound to its stored row. Events emitted by the
// engine are buffered until Save writes them with the snapshot.
type Session struct {
	ID       string
	Engine   *engine.Engine
	Director *scenario.Director
	Config   *config.Config

	repo     repo.Repo
	writer   events.Writer
	recorder *events.Recorder
}

// ResolveSession picks the active session: the given id, else the most
// recent one. When none exists a fresh session is created and saved.
func ResolveSession(ctx context.Context, r repo.Repo, cfg *config.Config, sessionID string, logger *slog.Logger) (*Session, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var (
		stored repo.Session
		err    error
	)
	if sessionID != "" {
		stored, err = r.GetSession(ctx, sessionID)
	} else {
		stored, err = r.LatestSession(ctx)
	}
	if errors.Is(err, repo.ErrNotFound) {
		if sessionID != "" {
			return nil, fmt.Errorf("session %s not found", sessionID)
		}
		return NewSession(ctx, r, cfg, "", logger)
	}
	if err != nil {
		return nil, err
	}
	eng, err := engine.Restore(stored.Snapshot, engine.RestoreOptions{MoraleDeltas: cfg.MoraleDeltas()})
	if err != nil {
		return nil, fmt.Errorf("restore session %s: %w", stored.ID, err)
	}
	return newSession(r, cfg, logger, stored.ID, eng), nil
}

// NewSession starts a fresh session for chapter (session.chapter when
// empty) and saves it.
func NewSession(ctx context.Context, r repo.Repo, cfg *config.Config, chapter string, logger *slog.Logger) (*Session, error) {
	if logger == nil {
		logger = slog.Default()
	}
	director := scenario.NewDirector(cfg, logger)
	recorder := &events.Recorder{}
	eng, err := director.NewSession(chapter, recorder.Handle)
	if err != nil {
		return nil, err
	}
	s := &Session{
		ID:       uuid.NewString(),
		Engine:   eng,
		Director: director,
		Config:   cfg,
		repo:     r,
		writer:   events.Writer{DB: r.DB},
		recorder: recorder,
	}
	if err := s.Save(ctx); err != nil {
		return nil, err
	}
	logger.Info("session created", "session", s.ID, "chapter", eng.Calendar().Chapter)
	return s, nil
}

func newSession(r repo.Repo, cfg *config.Config, logger *slog.Logger, id string, eng *engine.Engine) *Session {
	recorder := &events.Recorder{}
	eng.Subscribe(recorder.Handle)
	return &Session{
		ID:       id,
		Engine:   eng,
		Director: scenario.NewDirector(cfg, logger),
		Config:   cfg,
		repo:     r,
		writer:   events.Writer{DB: r.DB},
		recorder: recorder,
	}
}

func (s *Session) Repo() repo.Repo { return s.repo }

// Save persists the snapshot and every event emitted since the last save
// in one transaction.
func (s *Session) Save(ctx context.Context) error {
	snap, err := s.Engine.Snapshot()
	if err != nil {
		return err
	}
	tx, err := s.repo.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := s.repo.SaveSessionTx(ctx, tx, repo.Session{ID: s.ID, Snapshot: snap}); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	pending := s.recorder.Drain()
	if err := s.writer.AppendAll(ctx, tx, s.ID, pending); err != nil {
		s.recorder.Events = append(pending, s.recorder.Events...)
		return err
	}
	if err := tx.Commit(); err != nil {
		s.recorder.Events = append(pending, s.recorder.Events...)
		return err
	}
	return nil
}

// Reset deletes the session with its event log and starts a new one in the
// same chapter unless chapter is given.
func Reset(ctx context.Context, s *Session, chapter string, logger *slog.Logger) (*Session, error) {
	if chapter == "" {
		chapter = s.Engine.Calendar().Chapter
	}
	if err := s.repo.DeleteSession(ctx, s.ID); err != nil && !errors.Is(err, repo.ErrNotFound) {
		return nil, err
	}
	return NewSession(ctx, s.repo, s.Config, chapter, logger)
}
