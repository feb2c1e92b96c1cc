package engine

import (
	"fmt"

	"flowstate/internal/domain"
)

// PhaseController is the single source of truth for which operations are
// legal on the current day and macro-phase.
type PhaseController struct {
	cal   domain.Calendar
	day   int
	phase domain.Phase
}

func NewPhaseController(cal domain.Calendar) (*PhaseController, error) {
	if err := validateCalendar(cal); err != nil {
		return nil, err
	}
	pc := &PhaseController{cal: cloneCalendar(cal), day: cal.FirstDay}
	pc.phase = pc.phaseFor(pc.day)
	return pc, nil
}

func validateCalendar(cal domain.Calendar) error {
	if cal.FirstDay < 1 {
		return fmt.Errorf("calendar %s: first day must be >= 1", cal.Chapter)
	}
	if cal.LastDay < cal.FirstDay {
		return fmt.Errorf("calendar %s: last day %d before first day %d", cal.Chapter, cal.LastDay, cal.FirstDay)
	}
	if cal.ExecutionFromDay < cal.FirstDay || cal.ExecutionFromDay > cal.LastDay {
		return fmt.Errorf("calendar %s: execution day %d outside window", cal.Chapter, cal.ExecutionFromDay)
	}
	return nil
}

func cloneCalendar(cal domain.Calendar) domain.Calendar {
	rules := make(map[domain.Operation]domain.Rule, len(cal.Rules))
	for op, r := range cal.Rules {
		r.Phases = append([]domain.Phase(nil), r.Phases...)
		rules[op] = r
	}
	cal.Rules = rules
	return cal
}

func (pc *PhaseController) phaseFor(day int) domain.Phase {
	if day < pc.cal.ExecutionFromDay {
		return domain.PhasePlanning
	}
	return domain.PhaseExecution
}

func (pc *PhaseController) Day() int                  { return pc.day }
func (pc *PhaseController) Phase() domain.Phase       { return pc.phase }
func (pc *PhaseController) Calendar() domain.Calendar { return cloneCalendar(pc.cal) }
func (pc *PhaseController) Closed() bool              { return pc.phase == domain.PhaseReview }
func (pc *PhaseController) OnLastDay() bool           { return pc.day == pc.cal.LastDay }

// CanPerform reports whether op is legal right now. Nothing is legal in
// review, and operations without a rule are never legal.
func (pc *PhaseController) CanPerform(op domain.Operation) bool {
	if pc.phase == domain.PhaseReview {
		return false
	}
	rule, ok := pc.cal.Rules[op]
	if !ok {
		return false
	}
	if pc.day < rule.FromDay {
		return false
	}
	if len(rule.Phases) == 0 {
		return true
	}
	for _, ph := range rule.Phases {
		if ph == pc.phase {
			return true
		}
	}
	return false
}

// Allowed lists the operations CanPerform accepts, in declaration order.
func (pc *PhaseController) Allowed() []domain.Operation {
	var out []domain.Operation
	for _, op := range domain.Operations {
		if pc.CanPerform(op) {
			out = append(out, op)
		}
	}
	return out
}

func (pc *PhaseController) require(op domain.Operation) error {
	if pc.CanPerform(op) {
		return nil
	}
	return contract(string(op), fmt.Errorf("%w: %s on day %d (%s)", ErrOperationNotAllowed, op, pc.day, pc.phase))
}

// Advance moves to the next day. On the last day it closes the window
// instead and the controller stays in review until reset.
func (pc *PhaseController) Advance() (closed bool, err error) {
	if pc.phase == domain.PhaseReview {
		return false, contract("advance", ErrWindowClosed)
	}
	if pc.day >= pc.cal.LastDay {
		pc.phase = domain.PhaseReview
		return true, nil
	}
	pc.day++
	pc.phase = pc.phaseFor(pc.day)
	return false, nil
}

func (pc *PhaseController) restore(day int, phase domain.Phase) error {
	if day < pc.cal.FirstDay || day > pc.cal.LastDay {
		return fmt.Errorf("day %d outside calendar %s", day, pc.cal.Chapter)
	}
	pc.day = day
	if phase == domain.PhaseReview {
		pc.phase = phase
		return nil
	}
	pc.phase = pc.phaseFor(day)
	return nil
}
