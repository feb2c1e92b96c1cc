package app_test

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flowstate/internal/app"
	"flowstate/internal/config"
	"flowstate/internal/db"
	"flowstate/internal/domain"
	"flowstate/internal/migrate"
	"flowstate/internal/repo"
)

type testEnv struct {
	Ctx    context.Context
	Repo   repo.Repo
	Config *config.Config
	Log    *slog.Logger
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	ctx := context.Background()
	require.NoError(t, migrate.Migrate(ctx, conn))
	return &testEnv{
		Ctx:    ctx,
		Repo:   repo.Repo{DB: conn},
		Config: config.Default(),
		Log:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func TestResolveCreatesSessionOnce(t *testing.T) {
	env := newTestEnv(t)
	first, err := app.ResolveSession(env.Ctx, env.Repo, env.Config, "", env.Log)
	require.NoError(t, err)
	assert.Len(t, first.Engine.Items(), 5)

	seeded, err := env.Repo.LatestEvents(env.Ctx, repo.EventFilters{SessionID: first.ID, Type: string(domain.EventItemCreated)})
	require.NoError(t, err)
	assert.Len(t, seeded, 5)

	second, err := app.ResolveSession(env.Ctx, env.Repo, env.Config, "", env.Log)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.Engine.Items(), second.Engine.Items())

	_, err = app.ResolveSession(env.Ctx, env.Repo, env.Config, "nope", env.Log)
	assert.Error(t, err)
}

func TestSaveCarriesStateAndEvents(t *testing.T) {
	env := newTestEnv(t)
	s, err := app.NewSession(env.Ctx, env.Repo, env.Config, "kanban", env.Log)
	require.NoError(t, err)

	id := s.Engine.Items()[0].ID
	_, err = s.Engine.MoveTo(id, domain.StageReady)
	require.NoError(t, err)
	_, _, err = s.Director.Advance(s.Engine)
	require.NoError(t, err)
	require.NoError(t, s.Save(env.Ctx))

	loaded, err := app.ResolveSession(env.Ctx, env.Repo, env.Config, s.ID, env.Log)
	require.NoError(t, err)
	assert.Equal(t, 2, loaded.Engine.Day())
	assert.Equal(t, 4900, loaded.Engine.Resources().Funds)
	item, ok := loaded.Engine.Item(id)
	require.True(t, ok)
	assert.Equal(t, domain.StageReady, item.Stage)
	assert.Len(t, loaded.Engine.Items(), 7)

	seq, err := env.Repo.LatestEventSeq(env.Ctx, s.ID)
	require.NoError(t, err)
	snap, err := loaded.Engine.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, snap.EventSeq, seq)

	// a restored session keeps numbering events after the stored ones
	_, err = loaded.Engine.MoveTo(id, domain.StageDoing)
	require.NoError(t, err)
	require.NoError(t, loaded.Save(env.Ctx))
	next, err := env.Repo.LatestEventSeq(env.Ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, seq+1, next)
}

func TestReset(t *testing.T) {
	env := newTestEnv(t)
	s, err := app.NewSession(env.Ctx, env.Repo, env.Config, "kanban", env.Log)
	require.NoError(t, err)
	fresh, err := app.Reset(env.Ctx, s, "last-planner", env.Log)
	require.NoError(t, err)
	assert.NotEqual(t, s.ID, fresh.ID)
	assert.Equal(t, 6, fresh.Engine.Day())

	_, err = env.Repo.GetSession(env.Ctx, s.ID)
	assert.ErrorIs(t, err, repo.ErrNotFound)
	sessions, err := env.Repo.ListSessions(env.Ctx)
	require.NoError(t, err)
	assert.Len(t, sessions, 1)
}
