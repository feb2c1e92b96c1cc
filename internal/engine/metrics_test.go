package engine_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flowstate/internal/domain"
	"flowstate/internal/engine"
)

func TestComputePPC(t *testing.T) {
	set := func(outcomes ...domain.Outcome) domain.CommitmentSet {
		s := domain.CommitmentSet{Outcomes: map[string]domain.Outcome{}}
		for i, o := range outcomes {
			id := string(rune('a' + i))
			s.Promised = append(s.Promised, id)
			s.Outcomes[id] = o
		}
		return s
	}
	c, f, p := domain.OutcomeCompleted, domain.OutcomeFailed, domain.OutcomePending
	assert.Equal(t, 0, engine.ComputePPC(set()))
	assert.Equal(t, 80, engine.ComputePPC(set(c, c, c, c, f)))
	assert.Equal(t, 67, engine.ComputePPC(set(c, c, f)))
	assert.Equal(t, 33, engine.ComputePPC(set(c, p, f)))
	assert.Equal(t, 100, engine.ComputePPC(set(c)))
}

func TestComputeFlowEfficiency(t *testing.T) {
	assert.Equal(t, 0, engine.ComputeFlowEfficiency(3, 0))
	assert.Equal(t, 50, engine.ComputeFlowEfficiency(1, 2))
	assert.Equal(t, 100, engine.ComputeFlowEfficiency(5, 2))
	assert.Equal(t, 0, engine.ComputeFlowEfficiency(0, 2))
}

func TestMoraleIsClamped(t *testing.T) {
	m := engine.NewMetrics(98, nil)
	assert.Equal(t, 100, m.ApplyMoraleDelta(engine.MoraleOnTimeCompletion))
	m = engine.NewMetrics(3, nil)
	assert.Equal(t, 0, m.ApplyMoraleDelta(engine.MoraleBrokenPromise))
	m = engine.NewMetrics(250, nil)
	assert.Equal(t, 100, m.Morale())
}

func TestMoraleDeltasCanBeOverridden(t *testing.T) {
	m := engine.NewMetrics(50, map[engine.MoraleEvent]int{engine.MoraleBrokenPromise: -20})
	assert.Equal(t, -20, m.MoraleDelta(engine.MoraleBrokenPromise))
	assert.Equal(t, -5, m.MoraleDelta(engine.MoraleOverWipTick))
	assert.Equal(t, 30, m.ApplyMoraleDelta(engine.MoraleBrokenPromise))
}

func TestFlowHistoryRecordedPerDay(t *testing.T) {
	env := newTestEnv(t)
	id := env.item(t, domain.Template{Cost: 5, Reward: 5})
	env.walk(t, id, domain.StageReady, domain.StageDoing, domain.StageDone)
	_, err := env.Engine.Advance()
	require.NoError(t, err)
	_, err = env.Engine.Advance()
	require.NoError(t, err)

	assert.Equal(t, []domain.FlowRecord{
		{Day: 1, Completed: 1, Capacity: 2, Efficiency: 50},
		{Day: 2, Completed: 0, Capacity: 2, Efficiency: 0},
	}, env.Engine.FlowHistory())
}

func TestOverWipTickOnAdvance(t *testing.T) {
	env := newTestEnv(t)
	for i := 0; i < 2; i++ {
		id := env.item(t, domain.Template{})
		env.walk(t, id, domain.StageReady)
	}
	require.NoError(t, env.Engine.SetWipLimit(domain.StageReady, 1))
	assert.Equal(t, 80, env.Engine.Morale(), "changing the limit alone costs nothing")

	_, err := env.Engine.Advance()
	require.NoError(t, err)
	assert.Equal(t, 75, env.Engine.Morale())

	var morale []domain.Event
	for _, e := range env.Events {
		if e.Type == domain.EventMoraleChanged {
			morale = append(morale, e)
		}
	}
	require.Len(t, morale, 1)
	assert.Equal(t, string(domain.EventDayAdvanced), morale[0].Payload["cause"])
	assert.Equal(t, -5, morale[0].Payload["delta"])
}
