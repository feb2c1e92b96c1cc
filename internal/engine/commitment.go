package engine

import (
	"fmt"

	"flowstate/internal/domain"
)

// FragileFailureRate is the chance that a force-committed item fails.
const FragileFailureRate = 0.30

// Proposal partitions candidates by readiness class.
type Proposal struct {
	Sound   []string `json:"sound"`
	Risky   []string `json:"risky"`
	Blocked []string `json:"blocked"`
}

type itemStore interface {
	Item(id string) (domain.WorkItem, bool)
	MarkFragile(id string) error
	ClearFragile(id string) error
}

// CommitmentEngine turns ready work into the frozen commitment for the
// window and resolves each promise once.
type CommitmentEngine struct {
	ledger    *ConstraintLedger
	items     itemStore
	random    Random
	set       *domain.CommitmentSet
	overrides []string
}

func NewCommitmentEngine(ledger *ConstraintLedger, items itemStore, random Random) *CommitmentEngine {
	if random == nil {
		random = NewPCGRandom(1)
	}
	return &CommitmentEngine{ledger: ledger, items: items, random: random}
}

// Propose is query-only.
func (c *CommitmentEngine) Propose(ids []string) Proposal {
	p := Proposal{Sound: []string{}, Risky: []string{}, Blocked: []string{}}
	for _, id := range dedupe(ids) {
		switch c.ledger.Classify(id) {
		case domain.ReadinessSound:
			p.Sound = append(p.Sound, id)
		case domain.ReadinessRisky:
			p.Risky = append(p.Risky, id)
		default:
			p.Blocked = append(p.Blocked, id)
		}
	}
	return p
}

// ForceCommitRisky marks risky ids fragile and stages them for the next
// Commit. The whole batch is validated before any item is marked.
func (c *CommitmentEngine) ForceCommitRisky(ids []string) ([]string, error) {
	if c.set != nil {
		return nil, contract("force commit", ErrAlreadyCommitted)
	}
	ids = dedupe(ids)
	for _, id := range ids {
		if err := c.checkCandidate("force commit", id); err != nil {
			return nil, err
		}
	}
	var fragile []string
	for _, id := range ids {
		if c.ledger.Classify(id) == domain.ReadinessRisky {
			if err := c.items.MarkFragile(id); err != nil {
				return nil, err
			}
			fragile = append(fragile, id)
		}
		if !contains(c.overrides, id) {
			c.overrides = append(c.overrides, id)
		}
	}
	return fragile, nil
}

// PruneOverrides unstages overrides that can no longer be committed: items
// that turned blocked since they were forced, or that were finalized. Open
// items lose their fragile mark.
func (c *CommitmentEngine) PruneOverrides() ([]string, error) {
	var kept, dropped []string
	for _, id := range c.overrides {
		item, ok := c.items.Item(id)
		switch {
		case !ok || item.Finalized():
			dropped = append(dropped, id)
		case c.ledger.Classify(id) == domain.ReadinessBlocked:
			if err := c.items.ClearFragile(id); err != nil {
				return nil, err
			}
			dropped = append(dropped, id)
		default:
			kept = append(kept, id)
		}
	}
	c.overrides = kept
	return dropped, nil
}

// Commit freezes the commitment for the window: every sound id in ids plus
// every staged override still eligible. Risky ids that were not
// force-committed are left out.
func (c *CommitmentEngine) Commit(day int, ids []string) (domain.CommitmentSet, error) {
	if c.set != nil {
		return domain.CommitmentSet{}, contract("commit", ErrAlreadyCommitted)
	}
	if _, err := c.PruneOverrides(); err != nil {
		return domain.CommitmentSet{}, err
	}
	ids = dedupe(ids)
	var promised []string
	for _, id := range ids {
		if err := c.checkCandidate("commit", id); err != nil {
			return domain.CommitmentSet{}, err
		}
		if c.ledger.Classify(id) == domain.ReadinessSound || contains(c.overrides, id) {
			promised = append(promised, id)
		}
	}
	for _, id := range c.overrides {
		if err := c.checkCandidate("commit", id); err != nil {
			return domain.CommitmentSet{}, err
		}
		if !contains(promised, id) {
			promised = append(promised, id)
		}
	}
	if len(promised) == 0 {
		return domain.CommitmentSet{}, ErrNothingToCommit
	}
	set := domain.CommitmentSet{Day: day, Promised: promised, Outcomes: map[string]domain.Outcome{}}
	for _, id := range promised {
		set.Outcomes[id] = domain.OutcomePending
	}
	c.set = &set
	c.overrides = nil
	return set.Clone(), nil
}

func (c *CommitmentEngine) checkCandidate(op, id string) error {
	item, ok := c.items.Item(id)
	if !ok {
		return contract(op, fmt.Errorf("%w: %s", ErrUnknownItem, id))
	}
	if item.Finalized() {
		return contract(op, fmt.Errorf("%w: %s", ErrItemFinalized, id))
	}
	if c.ledger.Classify(id) == domain.ReadinessBlocked {
		return contract(op, fmt.Errorf("%w: %s", ErrBlockedItemInCommit, id))
	}
	return nil
}

// ResolveExecution settles a promise. Fragile items fail with
// FragileFailureRate regardless of progress; other items complete only if
// they reached done. The outcome is sampled once and then memoised. Callers
// settle a promise when its item reaches done or when the window closes.
func (c *CommitmentEngine) ResolveExecution(itemID string) (domain.Outcome, error) {
	if c.set == nil || !c.set.Contains(itemID) {
		return "", contract("resolve execution", fmt.Errorf("%w: %s", ErrNotCommitted, itemID))
	}
	if o := c.set.Outcomes[itemID]; o != domain.OutcomePending {
		return o, nil
	}
	item, ok := c.items.Item(itemID)
	if !ok {
		return "", contract("resolve execution", fmt.Errorf("%w: %s", ErrUnknownItem, itemID))
	}
	outcome := domain.OutcomeFailed
	switch {
	case item.Fragile:
		if c.random.Float64() >= FragileFailureRate {
			outcome = domain.OutcomeCompleted
		}
	case item.Stage == domain.StageDone:
		outcome = domain.OutcomeCompleted
	}
	c.set.Outcomes[itemID] = outcome
	return outcome, nil
}

func (c *CommitmentEngine) IsCommitted(id string) bool {
	return c.set != nil && c.set.Contains(id)
}

// Set returns a copy of the frozen commitment, if any.
func (c *CommitmentEngine) Set() (domain.CommitmentSet, bool) {
	if c.set == nil {
		return domain.CommitmentSet{}, false
	}
	return c.set.Clone(), true
}

func (c *CommitmentEngine) Overrides() []string {
	return append([]string(nil), c.overrides...)
}

// Pending lists promised ids that are still unresolved, in promise order.
func (c *CommitmentEngine) Pending() []string {
	if c.set == nil {
		return nil
	}
	var out []string
	for _, id := range c.set.Promised {
		if c.set.Outcomes[id] == domain.OutcomePending {
			out = append(out, id)
		}
	}
	return out
}

func (c *CommitmentEngine) restore(set *domain.CommitmentSet, overrides []string) {
	if set != nil {
		s := set.Clone()
		c.set = &s
	}
	c.overrides = append([]string(nil), overrides...)
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
