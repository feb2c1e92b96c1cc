package engine

import (
	"fmt"

	"flowstate/internal/domain"
)

// ConstraintLedger is the only mutator of WorkItem.Constraints.
type ConstraintLedger struct {
	items     func(id string) (*domain.WorkItem, bool)
	committed func(id string) bool
}

func NewConstraintLedger(p *Pipeline, committed func(id string) bool) *ConstraintLedger {
	if committed == nil {
		committed = func(string) bool { return false }
	}
	return &ConstraintLedger{items: p.lookup, committed: committed}
}

// Add appends kind if absent. It backs scripted day-events only and refuses
// items that are finalized or already promised in the frozen commitment.
func (l *ConstraintLedger) Add(itemID string, kind domain.ConstraintKind) (bool, error) {
	item, ok := l.items(itemID)
	if !ok {
		return false, contract("add constraint", fmt.Errorf("%w: %s", ErrUnknownItem, itemID))
	}
	if item.Finalized() {
		return false, contract("add constraint", fmt.Errorf("%w: %s", ErrItemFinalized, itemID))
	}
	if l.committed(itemID) {
		return false, contract("add constraint", fmt.Errorf("%w: %s", ErrConstraintOnCommitted, itemID))
	}
	for _, k := range item.Constraints {
		if k == kind {
			return false, nil
		}
	}
	item.Constraints = append(item.Constraints, kind)
	return true, nil
}

// Remove drops kind if present. Absent kinds are a silent no-op.
func (l *ConstraintLedger) Remove(itemID string, kind domain.ConstraintKind) (bool, error) {
	item, ok := l.items(itemID)
	if !ok {
		return false, contract("remove constraint", fmt.Errorf("%w: %s", ErrUnknownItem, itemID))
	}
	if item.Finalized() {
		return false, contract("remove constraint", fmt.Errorf("%w: %s", ErrItemFinalized, itemID))
	}
	for i, k := range item.Constraints {
		if k == kind {
			item.Constraints = append(item.Constraints[:i:i], item.Constraints[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

// Constraints returns a copy of the outstanding constraints.
func (l *ConstraintLedger) Constraints(itemID string) []domain.ConstraintKind {
	item, ok := l.items(itemID)
	if !ok {
		return nil
	}
	return append([]domain.ConstraintKind(nil), item.Constraints...)
}

// Classify is a pure function of the constraint count. Unknown ids classify
// as blocked so they can never be committed.
func (l *ConstraintLedger) Classify(itemID string) domain.ReadinessClass {
	item, ok := l.items(itemID)
	if !ok {
		return domain.ReadinessBlocked
	}
	return domain.ClassifyCount(len(item.Constraints))
}
