package engine

import (
	"fmt"
	"sort"

	"flowstate/internal/domain"
)

// Transition describes a successful move and its resource side effects.
type Transition struct {
	ItemID           string         `json:"item_id"`
	From             domain.StageID `json:"from"`
	To               domain.StageID `json:"to"`
	Forward          bool           `json:"forward"`
	MaterialsDebited int            `json:"materials_debited,omitempty"`
	FundsCredited    int            `json:"funds_credited,omitempty"`
}

// Pipeline owns the board: the ordered stages, the items placed on them and
// the resource ledger that stage transitions debit and credit.
type Pipeline struct {
	items     map[string]*domain.WorkItem
	order     []string
	stages    map[domain.StageID]*domain.Stage
	resources *ResourceLedger
	gates     map[domain.StageID]map[domain.Category]bool
}

// NewPipeline builds the fixed stage order with the given WIP limits.
// Stages missing from limits are unlimited.
func NewPipeline(limits map[domain.StageID]int, resources *ResourceLedger) *Pipeline {
	p := &Pipeline{
		items:     map[string]*domain.WorkItem{},
		stages:    map[domain.StageID]*domain.Stage{},
		resources: resources,
		gates:     map[domain.StageID]map[domain.Category]bool{},
	}
	for _, id := range append(append([]domain.StageID(nil), domain.StageOrder...), domain.StageFailed) {
		limit := limits[id]
		if limit < 0 || id == domain.StageFailed {
			limit = 0
		}
		p.stages[id] = &domain.Stage{ID: id, WipLimit: limit}
	}
	return p
}

func (p *Pipeline) Resources() *ResourceLedger { return p.resources }

// AddItem places a new item in the backlog.
func (p *Pipeline) AddItem(item domain.WorkItem) error {
	if item.ID == "" {
		return fmt.Errorf("item id is required")
	}
	if _, ok := p.items[item.ID]; ok {
		return fmt.Errorf("item %s already exists", item.ID)
	}
	item = item.Clone()
	item.Stage = domain.StageBacklog
	item.Failed = false
	p.items[item.ID] = &item
	p.order = append(p.order, item.ID)
	backlog := p.stages[domain.StageBacklog]
	backlog.Items = append(backlog.Items, item.ID)
	return nil
}

// restoreBoard rebuilds items and stage lists from a snapshot. Every item
// must appear in exactly one stage, the one it records.
func (p *Pipeline) restoreBoard(stages []domain.Stage, items []domain.WorkItem) error {
	for _, item := range items {
		if _, ok := p.items[item.ID]; ok {
			return fmt.Errorf("item %s appears twice", item.ID)
		}
		it := item.Clone()
		p.items[it.ID] = &it
		p.order = append(p.order, it.ID)
	}
	seen := map[string]bool{}
	for _, s := range stages {
		st, ok := p.stages[s.ID]
		if !ok {
			return fmt.Errorf("%w: %s", domain.ErrUnknownStage, s.ID)
		}
		if s.ID != domain.StageFailed {
			st.WipLimit = s.WipLimit
		}
		for _, id := range s.Items {
			it, ok := p.items[id]
			if !ok {
				return fmt.Errorf("stage %s references unknown item %s", s.ID, id)
			}
			if it.Stage != s.ID || seen[id] {
				return fmt.Errorf("item %s placed in %s but records %s", id, s.ID, it.Stage)
			}
			seen[id] = true
			st.Items = append(st.Items, id)
		}
	}
	if len(seen) != len(p.items) {
		return fmt.Errorf("%d items are not placed on any stage", len(p.items)-len(seen))
	}
	return nil
}

func (p *Pipeline) lookup(id string) (*domain.WorkItem, bool) {
	it, ok := p.items[id]
	return it, ok
}

// Item returns a copy of the item.
func (p *Pipeline) Item(id string) (domain.WorkItem, bool) {
	it, ok := p.items[id]
	if !ok {
		return domain.WorkItem{}, false
	}
	return it.Clone(), true
}

// Items returns copies of every item in creation order.
func (p *Pipeline) Items() []domain.WorkItem {
	out := make([]domain.WorkItem, 0, len(p.order))
	for _, id := range p.order {
		out = append(out, p.items[id].Clone())
	}
	return out
}

func (p *Pipeline) Stage(id domain.StageID) (domain.Stage, bool) {
	st, ok := p.stages[id]
	if !ok {
		return domain.Stage{}, false
	}
	return cloneStage(*st), true
}

// Stages returns the board stages in order followed by the failed stage.
func (p *Pipeline) Stages() []domain.Stage {
	out := make([]domain.Stage, 0, len(p.stages))
	for _, id := range domain.StageOrder {
		out = append(out, cloneStage(*p.stages[id]))
	}
	out = append(out, cloneStage(*p.stages[domain.StageFailed]))
	return out
}

func cloneStage(s domain.Stage) domain.Stage {
	s.Items = append([]string(nil), s.Items...)
	return s
}

// Move validates and applies a single stage transition. Validation runs to
// completion before anything is mutated.
func (p *Pipeline) Move(itemID string, from, to domain.StageID) (Transition, error) {
	item, ok := p.items[itemID]
	if !ok {
		return Transition{}, contract("move", fmt.Errorf("%w: %s", ErrUnknownItem, itemID))
	}
	if item.Stage != from {
		return Transition{}, contract("move", fmt.Errorf("%w: %s is in %s, not %s", ErrItemNotInStage, itemID, item.Stage, from))
	}
	if item.Finalized() {
		return Transition{}, contract("move", fmt.Errorf("%w: %s", ErrItemFinalized, itemID))
	}
	moveErr := func(kind error) error {
		return &MoveError{Kind: kind, ItemID: itemID, From: from, To: to}
	}
	fi, ti := domain.StageIndex(from), domain.StageIndex(to)
	if fi < 0 || ti < 0 || abs(fi-ti) != 1 {
		return Transition{}, moveErr(ErrNotAdjacent)
	}
	dest := p.stages[to]
	if dest.WipLimit > 0 && len(dest.Items) >= dest.WipLimit {
		return Transition{}, moveErr(ErrWipExceeded)
	}
	if p.gates[to][item.Category] {
		return Transition{}, moveErr(ErrCategoryBlocked)
	}
	forward := ti > fi
	if forward && to == domain.StageDoing && !p.resources.CanDebitMaterials(item.Cost) {
		return Transition{}, moveErr(ErrInsufficientMaterials)
	}

	tr := Transition{ItemID: itemID, From: from, To: to, Forward: forward}
	if forward && to == domain.StageDoing {
		if err := p.resources.DebitMaterials(item.Cost); err != nil {
			return Transition{}, moveErr(err)
		}
		tr.MaterialsDebited = item.Cost
	}
	src := p.stages[from]
	src.Items = removeID(src.Items, itemID)
	dest.Items = append(dest.Items, itemID)
	item.Stage = to
	if forward && to == domain.StageDone {
		p.resources.CreditFunds(item.Reward)
		tr.FundsCredited = item.Reward
	}
	return tr, nil
}

// SetWipLimit never evicts; an over-limit stage stays flagged instead.
func (p *Pipeline) SetWipLimit(stage domain.StageID, limit int) error {
	st, ok := p.stages[stage]
	if !ok || stage == domain.StageFailed {
		return fmt.Errorf("%w: %s", domain.ErrUnknownStage, stage)
	}
	if limit < 0 {
		limit = 0
	}
	st.WipLimit = limit
	return nil
}

func (p *Pipeline) IsOverLimit(stage domain.StageID) bool {
	st, ok := p.stages[stage]
	return ok && st.OverLimit()
}

func (p *Pipeline) OverLimitStages() []domain.StageID {
	var out []domain.StageID
	for _, id := range domain.StageOrder {
		if p.stages[id].OverLimit() {
			out = append(out, id)
		}
	}
	return out
}

// BlockCategory forbids category from entering stage until gates are cleared.
func (p *Pipeline) BlockCategory(stage domain.StageID, category domain.Category) {
	if p.gates[stage] == nil {
		p.gates[stage] = map[domain.Category]bool{}
	}
	p.gates[stage][category] = true
}

func (p *Pipeline) ClearCategoryGates() {
	p.gates = map[domain.StageID]map[domain.Category]bool{}
}

func (p *Pipeline) Gates() []domain.CategoryGate {
	var out []domain.CategoryGate
	for stage, cats := range p.gates {
		for cat, blocked := range cats {
			if blocked {
				out = append(out, domain.CategoryGate{Stage: stage, Category: cat})
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Stage != out[j].Stage {
			return domain.StageIndex(out[i].Stage) < domain.StageIndex(out[j].Stage)
		}
		return out[i].Category < out[j].Category
	})
	return out
}

func (p *Pipeline) MarkFragile(id string) error {
	item, ok := p.items[id]
	if !ok {
		return contract("mark fragile", fmt.Errorf("%w: %s", ErrUnknownItem, id))
	}
	if item.Finalized() {
		return contract("mark fragile", fmt.Errorf("%w: %s", ErrItemFinalized, id))
	}
	item.Fragile = true
	return nil
}

func (p *Pipeline) ClearFragile(id string) error {
	item, ok := p.items[id]
	if !ok {
		return contract("clear fragile", fmt.Errorf("%w: %s", ErrUnknownItem, id))
	}
	if item.Finalized() {
		return contract("clear fragile", fmt.Errorf("%w: %s", ErrItemFinalized, id))
	}
	item.Fragile = false
	return nil
}

// Fail moves an item to the off-board failed stage. It is the only way out
// of done.
func (p *Pipeline) Fail(id string) error {
	item, ok := p.items[id]
	if !ok {
		return contract("fail", fmt.Errorf("%w: %s", ErrUnknownItem, id))
	}
	if item.Failed {
		return nil
	}
	src := p.stages[item.Stage]
	src.Items = removeID(src.Items, id)
	failed := p.stages[domain.StageFailed]
	failed.Items = append(failed.Items, id)
	item.Stage = domain.StageFailed
	item.Failed = true
	return nil
}

func removeID(ids []string, id string) []string {
	out := ids[:0]
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
