package engine

import (
	"math"

	"flowstate/internal/domain"
)

type MoraleEvent string

const (
	MoraleOverWipTick       MoraleEvent = "over_wip_tick"
	MoraleOnTimeCompletion  MoraleEvent = "on_time_completion"
	MoraleForcedRiskyCommit MoraleEvent = "forced_risky_commit"
	MoraleBrokenPromise     MoraleEvent = "broken_promise"
)

var DefaultMoraleDeltas = map[MoraleEvent]int{
	MoraleOverWipTick:       -5,
	MoraleOnTimeCompletion:  3,
	MoraleForcedRiskyCommit: -2,
	MoraleBrokenPromise:     -10,
}

const (
	MoraleMin = 0
	MoraleMax = 100
)

// ComputePPC is round(100*completed/promised), or 0 with nothing promised.
func ComputePPC(set domain.CommitmentSet) int {
	promised := len(set.Promised)
	if promised == 0 {
		return 0
	}
	return percent(set.Count(domain.OutcomeCompleted), promised)
}

// ComputeFlowEfficiency caps completed/capacity at 100.
func ComputeFlowEfficiency(completed, capacity int) int {
	if capacity <= 0 {
		return 0
	}
	v := percent(completed, capacity)
	if v > 100 {
		return 100
	}
	return v
}

func percent(n, d int) int {
	return int(math.Round(100 * float64(n) / float64(d)))
}

// Metrics derives scores from engine events. It only reads event payloads;
// it never touches the board.
type Metrics struct {
	deltas         map[MoraleEvent]int
	morale         int
	completedToday int
	history        []domain.FlowRecord
}

func NewMetrics(initialMorale int, deltas map[MoraleEvent]int) *Metrics {
	d := make(map[MoraleEvent]int, len(DefaultMoraleDeltas))
	for k, v := range DefaultMoraleDeltas {
		d[k] = v
	}
	for k, v := range deltas {
		d[k] = v
	}
	return &Metrics{deltas: d, morale: clamp(initialMorale)}
}

// MoraleDelta is the pure event-to-delta mapping.
func (m *Metrics) MoraleDelta(ev MoraleEvent) int {
	return m.deltas[ev]
}

// ApplyMoraleDelta adds the event's delta and clamps to [0,100].
func (m *Metrics) ApplyMoraleDelta(ev MoraleEvent) int {
	m.morale = clamp(m.morale + m.MoraleDelta(ev))
	return m.morale
}

func (m *Metrics) Morale() int         { return m.morale }
func (m *Metrics) CompletedToday() int { return m.completedToday }

func (m *Metrics) FlowHistory() []domain.FlowRecord {
	return append([]domain.FlowRecord(nil), m.history...)
}

// Handle is the event bus subscriber.
func (m *Metrics) Handle(evt domain.Event) {
	switch evt.Type {
	case domain.EventItemMoved:
		if evt.Payload["to"] == domain.StageDone && evt.Payload["forward"] == true {
			m.completedToday++
		}
	case domain.EventForceCommitted:
		m.ApplyMoraleDelta(MoraleForcedRiskyCommit)
	case domain.EventExecutionResolved:
		switch evt.Payload["outcome"] {
		case domain.OutcomeCompleted:
			m.ApplyMoraleDelta(MoraleOnTimeCompletion)
		case domain.OutcomeFailed:
			m.ApplyMoraleDelta(MoraleBrokenPromise)
		}
	case domain.EventDayAdvanced, domain.EventWindowClosed:
		day := intValue(evt.Payload["closed_day"])
		capacity := intValue(evt.Payload["capacity"])
		m.history = append(m.history, domain.FlowRecord{
			Day:        day,
			Completed:  m.completedToday,
			Capacity:   capacity,
			Efficiency: ComputeFlowEfficiency(m.completedToday, capacity),
		})
		m.completedToday = 0
		if intValue(evt.Payload["over_limit"]) > 0 {
			m.ApplyMoraleDelta(MoraleOverWipTick)
		}
	}
}

func (m *Metrics) State() domain.MetricsState {
	return domain.MetricsState{
		Morale:         m.morale,
		CompletedToday: m.completedToday,
		FlowHistory:    m.FlowHistory(),
	}
}

func (m *Metrics) restore(s domain.MetricsState) {
	m.morale = clamp(s.Morale)
	m.completedToday = s.CompletedToday
	m.history = append([]domain.FlowRecord(nil), s.FlowHistory...)
}

func clamp(v int) int {
	if v < MoraleMin {
		return MoraleMin
	}
	if v > MoraleMax {
		return MoraleMax
	}
	return v
}

func intValue(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}
