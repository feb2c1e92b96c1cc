package scenario_test

import (
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flowstate/internal/config"
	"flowstate/internal/domain"
	"flowstate/internal/engine"
	"flowstate/internal/scenario"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func itemsByKey(eng *engine.Engine, key string) []domain.WorkItem {
	var out []domain.WorkItem
	for _, it := range eng.Items() {
		if it.TemplateKey == key {
			out = append(out, it)
		}
	}
	return out
}

func TestKanbanScript(t *testing.T) {
	d := scenario.NewDirector(config.Default(), quietLogger())
	eng, err := d.NewSession("kanban")
	require.NoError(t, err)
	assert.Len(t, eng.Items(), 5)
	assert.Equal(t, 1, eng.Day())

	_, applied, err := d.Advance(eng)
	require.NoError(t, err)
	require.Len(t, applied, 1)
	assert.Equal(t, config.ActionRefill, applied[0].Action)
	assert.Len(t, eng.Items(), 7)
	assert.Len(t, itemsByKey(eng, "permits"), 1)

	_, _, err = d.Advance(eng)
	require.NoError(t, err)
	assert.Equal(t, []domain.CategoryGate{{Stage: domain.StageDoing, Category: domain.CategoryStructural}}, eng.Gates())

	_, _, err = d.Advance(eng)
	require.NoError(t, err)
	assert.Empty(t, eng.Gates())
	assert.Len(t, eng.Items(), 9)
	assert.Len(t, itemsByKey(eng, "ductwork"), 2)
	assert.Len(t, itemsByKey(eng, "electrical"), 1)
	assert.Equal(t, 4700, eng.Resources().Funds)
}

func TestKanbanWindowCloses(t *testing.T) {
	d := scenario.NewDirector(config.Default(), quietLogger())
	eng, err := d.NewSession("")
	require.NoError(t, err)
	var last engine.AdvanceResult
	for i := 0; i < 5; i++ {
		last, _, err = d.Advance(eng)
		require.NoError(t, err)
	}
	assert.True(t, last.WindowClosed)
	assert.Equal(t, domain.PhaseReview, eng.Phase())
	_, _, err = d.Advance(eng)
	assert.ErrorIs(t, err, engine.ErrWindowClosed)
}

func TestLastPlannerInjection(t *testing.T) {
	d := scenario.NewDirector(config.Default(), quietLogger())
	eng, err := d.NewSession("last-planner")
	require.NoError(t, err)
	assert.Equal(t, 6, eng.Day())
	assert.Len(t, eng.Items(), 9)

	for eng.Day() < 8 {
		_, _, err := d.Advance(eng)
		require.NoError(t, err)
	}
	for _, it := range itemsByKey(eng, "ductwork") {
		assert.ElementsMatch(t, []domain.ConstraintKind{domain.ConstraintMaterial, domain.ConstraintApproval}, it.Constraints)
		assert.Equal(t, domain.ReadinessBlocked, eng.Classify(it.ID))
	}
	electrical := itemsByKey(eng, "electrical")
	require.Len(t, electrical, 1)
	assert.Len(t, electrical[0].Constraints, 2)

	framing := itemsByKey(eng, "framing")
	require.Len(t, framing, 2)
	for _, it := range framing {
		assert.Equal(t, []domain.ConstraintKind{domain.ConstraintCrew}, it.Constraints)
	}
}

func TestInjectionSkipsCommittedItems(t *testing.T) {
	cfg := config.Default()
	cfg.Script = append(cfg.Script, config.ScriptEvent{
		Chapter:    "last-planner",
		Day:        10,
		Action:     config.ActionInjectConstraint,
		Category:   "management",
		Constraint: "weather",
	})
	require.NoError(t, cfg.Validate())
	d := scenario.NewDirector(cfg, quietLogger())
	eng, err := d.NewSession("last-planner")
	require.NoError(t, err)
	for eng.Day() < 9 {
		_, _, err := d.Advance(eng)
		require.NoError(t, err)
	}
	office := itemsByKey(eng, "site-office")
	require.Len(t, office, 1)
	_, err = eng.Commit([]string{office[0].ID})
	require.NoError(t, err)

	_, applied, err := d.Advance(eng)
	require.NoError(t, err)
	require.Len(t, applied, 1)
	assert.Equal(t, domain.ReadinessSound, eng.Classify(office[0].ID))
}

func TestScriptedWipLimit(t *testing.T) {
	cfg := config.Default()
	cfg.Script = []config.ScriptEvent{{Day: 2, Action: config.ActionSetWipLimit, Stage: "doing", Limit: 1}}
	d := scenario.NewDirector(cfg, quietLogger())
	eng, err := d.NewSession("kanban")
	require.NoError(t, err)
	_, _, err = d.Advance(eng)
	require.NoError(t, err)
	doing, ok := eng.Stage(domain.StageDoing)
	require.True(t, ok)
	assert.Equal(t, 1, doing.WipLimit)
}
