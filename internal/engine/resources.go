package engine

import (
	"flowstate/internal/domain"
)

// ResourceLedger holds the funds and materials balances. Funds may go
// negative to model debt; materials never do.
type ResourceLedger struct {
	funds     int
	materials int
}

func NewResourceLedger(r domain.Resources) *ResourceLedger {
	m := r.Materials
	if m < 0 {
		m = 0
	}
	return &ResourceLedger{funds: r.Funds, materials: m}
}

func (l *ResourceLedger) Funds() int     { return l.funds }
func (l *ResourceLedger) Materials() int { return l.materials }

func (l *ResourceLedger) Snapshot() domain.Resources {
	return domain.Resources{Funds: l.funds, Materials: l.materials}
}

// CanDebitMaterials reports whether amount is available.
func (l *ResourceLedger) CanDebitMaterials(amount int) bool {
	return amount <= l.materials
}

// DebitMaterials removes amount or fails without touching the balance.
func (l *ResourceLedger) DebitMaterials(amount int) error {
	if amount < 0 {
		amount = 0
	}
	if !l.CanDebitMaterials(amount) {
		return ErrInsufficientMaterials
	}
	l.materials -= amount
	return nil
}

func (l *ResourceLedger) CreditFunds(amount int) {
	l.funds += amount
}

func (l *ResourceLedger) DebitFunds(amount int) {
	l.funds -= amount
}

// ApplyDailyOverhead is the unconditional per-day funds debit.
func (l *ResourceLedger) ApplyDailyOverhead(amount int) {
	l.DebitFunds(amount)
}
