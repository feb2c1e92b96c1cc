package engine_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flowstate/internal/domain"
	"flowstate/internal/engine"
)

func lastPlannerCalendar() domain.Calendar {
	planning := []domain.Phase{domain.PhasePlanning}
	return domain.Calendar{
		Chapter:          "last-planner",
		FirstDay:         6,
		LastDay:          12,
		ExecutionFromDay: 10,
		Rules: map[domain.Operation]domain.Rule{
			domain.OpMoveToReady:        {FromDay: 6},
			domain.OpMove:               {FromDay: 10, Phases: []domain.Phase{domain.PhaseExecution}},
			domain.OpSetWipLimit:        {FromDay: 6},
			domain.OpInspectConstraints: {FromDay: 7},
			domain.OpRemoveConstraint:   {FromDay: 8},
			domain.OpCommit:             {FromDay: 9, Phases: planning},
		},
	}
}

func TestPhaseControllerGatesByDayAndPhase(t *testing.T) {
	pc, err := engine.NewPhaseController(lastPlannerCalendar())
	require.NoError(t, err)

	want := map[int][]domain.Operation{
		6:  {domain.OpMoveToReady, domain.OpSetWipLimit},
		7:  {domain.OpMoveToReady, domain.OpSetWipLimit, domain.OpInspectConstraints},
		8:  {domain.OpMoveToReady, domain.OpSetWipLimit, domain.OpInspectConstraints, domain.OpRemoveConstraint},
		9:  {domain.OpMoveToReady, domain.OpSetWipLimit, domain.OpInspectConstraints, domain.OpRemoveConstraint, domain.OpCommit},
		10: {domain.OpMoveToReady, domain.OpMove, domain.OpSetWipLimit, domain.OpInspectConstraints, domain.OpRemoveConstraint},
	}
	for day := 6; day <= 12; day++ {
		require.Equal(t, day, pc.Day())
		if ops, ok := want[day]; ok {
			assert.ElementsMatch(t, ops, pc.Allowed(), "day %d", day)
		}
		if day < 10 {
			assert.Equal(t, domain.PhasePlanning, pc.Phase())
		} else {
			assert.Equal(t, domain.PhaseExecution, pc.Phase())
		}
		closed, err := pc.Advance()
		require.NoError(t, err)
		assert.Equal(t, day == 12, closed)
	}

	assert.Equal(t, domain.PhaseReview, pc.Phase())
	assert.Equal(t, 12, pc.Day())
	assert.Empty(t, pc.Allowed())
	_, err = pc.Advance()
	assert.ErrorIs(t, err, engine.ErrWindowClosed)
}

func TestPhaseControllerRejectsBadCalendars(t *testing.T) {
	cases := map[string]func(*domain.Calendar){
		"zero first day":       func(c *domain.Calendar) { c.FirstDay = 0 },
		"last before first":    func(c *domain.Calendar) { c.LastDay = 5 },
		"execution after last": func(c *domain.Calendar) { c.ExecutionFromDay = 13 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cal := lastPlannerCalendar()
			mutate(&cal)
			_, err := engine.NewPhaseController(cal)
			assert.Error(t, err)
		})
	}
}

func TestOperationWithoutRuleIsNeverAllowed(t *testing.T) {
	cal := lastPlannerCalendar()
	delete(cal.Rules, domain.OpCommit)
	pc, err := engine.NewPhaseController(cal)
	require.NoError(t, err)
	for i := 0; i < 4; i++ {
		assert.False(t, pc.CanPerform(domain.OpCommit))
		_, err := pc.Advance()
		require.NoError(t, err)
	}
}

func TestEngineEnforcesPhaseGates(t *testing.T) {
	env := newTestEnv(t, func(o *engine.Options) { o.Calendar = lastPlannerCalendar() })
	id := env.item(t, domain.Template{Cost: 5, Constraints: []domain.ConstraintKind{domain.ConstraintCrew}})

	env.walk(t, id, domain.StageReady)
	_, err := env.Engine.MoveTo(id, domain.StageDoing)
	assert.ErrorIs(t, err, engine.ErrOperationNotAllowed)
	assert.True(t, engine.IsContractViolation(err))

	_, _, err = env.Engine.InspectConstraints(id)
	assert.ErrorIs(t, err, engine.ErrOperationNotAllowed)
	_, err = env.Engine.Commit([]string{id})
	assert.ErrorIs(t, err, engine.ErrOperationNotAllowed)

	for env.Engine.Day() < 9 {
		_, err := env.Engine.Advance()
		require.NoError(t, err)
	}
	_, err = env.Engine.ForceCommitRisky([]string{id})
	require.NoError(t, err)
	_, err = env.Engine.Commit(nil)
	require.NoError(t, err)

	_, err = env.Engine.Advance()
	require.NoError(t, err)
	assert.Equal(t, domain.PhaseExecution, env.Engine.Phase())
	env.walk(t, id, domain.StageDoing)
}

func TestConstraintsHiddenUntilReadsUnlock(t *testing.T) {
	env := newTestEnv(t, func(o *engine.Options) { o.Calendar = lastPlannerCalendar() })
	id := env.item(t, domain.Template{Constraints: []domain.ConstraintKind{domain.ConstraintCrew}})
	require.Equal(t, 6, env.Engine.Day())

	assert.False(t, env.Engine.ConstraintsVisible())
	item, ok := env.Engine.Item(id)
	require.True(t, ok)
	assert.Empty(t, item.Constraints)
	assert.Empty(t, env.Engine.Items()[0].Constraints)
	assert.Equal(t, domain.ReadinessHidden, env.Engine.Classify(id))
	_, err := env.Engine.ProposeCommitment([]string{id})
	assert.ErrorIs(t, err, engine.ErrOperationNotAllowed)

	_, err = env.Engine.Advance()
	require.NoError(t, err)
	assert.True(t, env.Engine.ConstraintsVisible())
	item, _ = env.Engine.Item(id)
	assert.Equal(t, []domain.ConstraintKind{domain.ConstraintCrew}, item.Constraints)
	assert.Equal(t, domain.ReadinessRisky, env.Engine.Classify(id))

	// the snapshot always carries the full state
	snap, err := env.Engine.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, []domain.ConstraintKind{domain.ConstraintCrew}, snap.Items[0].Constraints)
}

func TestClosedWindowFreezesEverything(t *testing.T) {
	env := newTestEnv(t, func(o *engine.Options) { o.Calendar.LastDay = 2 })
	id := env.item(t, domain.Template{})
	for i := 0; i < 2; i++ {
		_, err := env.Engine.Advance()
		require.NoError(t, err)
	}
	assert.Equal(t, domain.PhaseReview, env.Engine.Phase())
	assert.Empty(t, env.Engine.Allowed())

	_, err := env.Engine.Advance()
	assert.ErrorIs(t, err, engine.ErrWindowClosed)
	_, err = env.Engine.MoveTo(id, domain.StageReady)
	assert.ErrorIs(t, err, engine.ErrOperationNotAllowed)
	_, err = env.Engine.Refill([]domain.Template{{Key: "late"}})
	assert.ErrorIs(t, err, engine.ErrWindowClosed)
	_, err = env.Engine.AddConstraint(id, domain.ConstraintWeather)
	assert.ErrorIs(t, err, engine.ErrWindowClosed)
	assert.ErrorIs(t, env.Engine.BlockCategory(domain.StageDoing, domain.CategorySystems, "x"), engine.ErrWindowClosed)
}
