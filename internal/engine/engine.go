package engine

import (
	"encoding"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"flowstate/internal/domain"
	"flowstate/internal/events"
)

const SnapshotVersion = 1

// Options configures a fresh session.
type Options struct {
	Calendar      domain.Calendar
	Resources     domain.Resources
	DailyOverhead int
	WipLimits     map[domain.StageID]int
	InitialMorale int
	MoraleDeltas  map[MoraleEvent]int
	Random        Random
}

// Engine wires the simulation components for one session. It is not safe
// for concurrent use: callers drive it from a single goroutine.
type Engine struct {
	pipeline    *Pipeline
	constraints *ConstraintLedger
	commitments *CommitmentEngine
	metrics     *Metrics
	phase       *PhaseController
	bus         *events.Bus
	random      Random
	overhead    int
	itemSeq     int
}

func New(opts Options) (*Engine, error) {
	pc, err := NewPhaseController(opts.Calendar)
	if err != nil {
		return nil, err
	}
	e := assemble(opts.WipLimits, opts.Resources, opts.Random, pc, 0)
	e.overhead = opts.DailyOverhead
	e.metrics = NewMetrics(opts.InitialMorale, opts.MoraleDeltas)
	e.bus.Subscribe(e.metrics.Handle)
	return e, nil
}

func assemble(limits map[domain.StageID]int, res domain.Resources, random Random, pc *PhaseController, seq int64) *Engine {
	if random == nil {
		random = NewPCGRandom(1)
	}
	e := &Engine{phase: pc, bus: events.NewBus(seq), random: random}
	e.pipeline = NewPipeline(limits, NewResourceLedger(res))
	e.constraints = NewConstraintLedger(e.pipeline, func(id string) bool { return e.commitments.IsCommitted(id) })
	e.commitments = NewCommitmentEngine(e.constraints, e.pipeline, random)
	return e
}

// Subscribe registers a presentation-layer handler. The engine works the
// same with no subscribers at all.
func (e *Engine) Subscribe(h events.Handler) { e.bus.Subscribe(h) }

// emit publishes and follows up with a morale event when the metrics
// subscriber changed morale in response.
func (e *Engine) emit(typ domain.EventType, itemID string, payload events.EventPayload) {
	before := e.metrics.Morale()
	e.bus.Publish(e.phase.Day(), typ, itemID, payload)
	if after := e.metrics.Morale(); after != before {
		e.bus.Publish(e.phase.Day(), domain.EventMoraleChanged, itemID, events.EventPayload{
			"cause":  string(typ),
			"delta":  after - before,
			"morale": after,
		})
	}
}

func (e *Engine) Day() int                            { return e.phase.Day() }
func (e *Engine) Phase() domain.Phase                 { return e.phase.Phase() }
func (e *Engine) Calendar() domain.Calendar           { return e.phase.Calendar() }
func (e *Engine) CanPerform(op domain.Operation) bool { return e.phase.CanPerform(op) }
func (e *Engine) Allowed() []domain.Operation         { return e.phase.Allowed() }
func (e *Engine) Resources() domain.Resources         { return e.pipeline.Resources().Snapshot() }
func (e *Engine) Stages() []domain.Stage              { return e.pipeline.Stages() }
func (e *Engine) Gates() []domain.CategoryGate        { return e.pipeline.Gates() }
func (e *Engine) Morale() int                         { return e.metrics.Morale() }
func (e *Engine) FlowHistory() []domain.FlowRecord    { return e.metrics.FlowHistory() }

func (e *Engine) Stage(id domain.StageID) (domain.Stage, bool) { return e.pipeline.Stage(id) }

// ConstraintsVisible reports whether constraint reads are unlocked today.
func (e *Engine) ConstraintsVisible() bool {
	return e.phase.CanPerform(domain.OpInspectConstraints)
}

// Item returns a copy of one work item. Its constraints are withheld
// until constraint reads unlock.
func (e *Engine) Item(id string) (domain.WorkItem, bool) {
	item, ok := e.pipeline.Item(id)
	if ok && !e.ConstraintsVisible() {
		item.Constraints = nil
	}
	return item, ok
}

func (e *Engine) Items() []domain.WorkItem {
	items := e.pipeline.Items()
	if !e.ConstraintsVisible() {
		for i := range items {
			items[i].Constraints = nil
		}
	}
	return items
}

// Classify reports ReadinessHidden until constraint reads unlock.
func (e *Engine) Classify(id string) domain.ReadinessClass {
	if !e.ConstraintsVisible() {
		return domain.ReadinessHidden
	}
	return e.constraints.Classify(id)
}

func (e *Engine) requireOpen(op string) error {
	if e.phase.Closed() {
		return contract(op, ErrWindowClosed)
	}
	return nil
}

// Refill instantiates templates into the backlog. Ids are deterministic
// for a given template, day and sequence number.
func (e *Engine) Refill(templates []domain.Template) ([]domain.WorkItem, error) {
	if err := e.requireOpen("refill"); err != nil {
		return nil, err
	}
	var created []domain.WorkItem
	for _, tpl := range templates {
		e.itemSeq++
		id := uuid.NewSHA1(uuid.NameSpaceOID, []byte(fmt.Sprintf("%s|%d|%d", tpl.Key, e.phase.Day(), e.itemSeq))).String()
		item := domain.WorkItem{
			ID:          id,
			TemplateKey: tpl.Key,
			Title:       tpl.Title,
			Tip:         tpl.Tip,
			Category:    tpl.Category,
			Cost:        tpl.Cost,
			Reward:      tpl.Reward,
			Constraints: dedupeKinds(tpl.Constraints),
			CreatedDay:  e.phase.Day(),
		}
		if err := e.pipeline.AddItem(item); err != nil {
			return created, err
		}
		stored, _ := e.pipeline.Item(id)
		created = append(created, stored)
		e.emit(domain.EventItemCreated, id, events.EventPayload{
			"template": tpl.Key,
			"category": tpl.Category,
			"cost":     tpl.Cost,
			"reward":   tpl.Reward,
		})
	}
	return created, nil
}

func dedupeKinds(in []domain.ConstraintKind) []domain.ConstraintKind {
	var out []domain.ConstraintKind
	for _, k := range in {
		dup := false
		for _, o := range out {
			if o == k {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, k)
		}
	}
	return out
}

// moveOperation maps a transition to the operation that gates it: moves
// touching the backlog are pulls into (or out of) ready.
func moveOperation(from, to domain.StageID) domain.Operation {
	if from == domain.StageBacklog || to == domain.StageBacklog {
		return domain.OpMoveToReady
	}
	return domain.OpMove
}

// Move performs one stage transition. A committed item arriving in done is
// resolved immediately.
func (e *Engine) Move(itemID string, from, to domain.StageID) (Transition, error) {
	if err := e.phase.require(moveOperation(from, to)); err != nil {
		return Transition{}, err
	}
	tr, err := e.pipeline.Move(itemID, from, to)
	if err != nil {
		return Transition{}, err
	}
	e.emit(domain.EventItemMoved, itemID, events.EventPayload{
		"from":              tr.From,
		"to":                tr.To,
		"forward":           tr.Forward,
		"materials_debited": tr.MaterialsDebited,
		"funds_credited":    tr.FundsCredited,
		"over_limit":        e.pipeline.IsOverLimit(tr.To),
	})
	if tr.Forward && tr.To == domain.StageDone && e.commitments.IsCommitted(itemID) {
		if _, err := e.resolve(itemID); err != nil {
			return tr, err
		}
	}
	return tr, nil
}

// MoveTo moves an item to an adjacent stage, reading the source from the board.
func (e *Engine) MoveTo(itemID string, to domain.StageID) (Transition, error) {
	item, ok := e.pipeline.Item(itemID)
	if !ok {
		return Transition{}, contract("move", fmt.Errorf("%w: %s", ErrUnknownItem, itemID))
	}
	return e.Move(itemID, item.Stage, to)
}

func (e *Engine) SetWipLimit(stage domain.StageID, limit int) error {
	if err := e.phase.require(domain.OpSetWipLimit); err != nil {
		return err
	}
	return e.setWipLimit(stage, limit)
}

func (e *Engine) setWipLimit(stage domain.StageID, limit int) error {
	if err := e.pipeline.SetWipLimit(stage, limit); err != nil {
		return err
	}
	e.emit(domain.EventWipLimitChanged, "", events.EventPayload{
		"stage":      stage,
		"limit":      limit,
		"over_limit": e.pipeline.IsOverLimit(stage),
	})
	return nil
}

// ScriptWipLimit is the scenario hook for scripted limit changes; it skips
// the player gate.
func (e *Engine) ScriptWipLimit(stage domain.StageID, limit int) error {
	if err := e.requireOpen("script wip limit"); err != nil {
		return err
	}
	return e.setWipLimit(stage, limit)
}

// InspectConstraints is the gated read of an item's outstanding constraints.
func (e *Engine) InspectConstraints(itemID string) ([]domain.ConstraintKind, domain.ReadinessClass, error) {
	if err := e.phase.require(domain.OpInspectConstraints); err != nil {
		return nil, "", err
	}
	if _, ok := e.pipeline.Item(itemID); !ok {
		return nil, "", contract("inspect constraints", fmt.Errorf("%w: %s", ErrUnknownItem, itemID))
	}
	return e.constraints.Constraints(itemID), e.constraints.Classify(itemID), nil
}

func (e *Engine) RemoveConstraint(itemID string, kind domain.ConstraintKind) (bool, error) {
	if err := e.phase.require(domain.OpRemoveConstraint); err != nil {
		return false, err
	}
	removed, err := e.constraints.Remove(itemID, kind)
	if err != nil || !removed {
		return removed, err
	}
	e.emit(domain.EventConstraintRemoved, itemID, events.EventPayload{
		"kind":      kind,
		"remaining": len(e.constraints.Constraints(itemID)),
		"readiness": e.constraints.Classify(itemID),
	})
	return true, nil
}

// AddConstraint is the scripted day-event hook.
func (e *Engine) AddConstraint(itemID string, kind domain.ConstraintKind) (bool, error) {
	if err := e.requireOpen("add constraint"); err != nil {
		return false, err
	}
	added, err := e.constraints.Add(itemID, kind)
	if err != nil || !added {
		return added, err
	}
	e.emit(domain.EventConstraintAdded, itemID, events.EventPayload{
		"kind":      kind,
		"readiness": e.constraints.Classify(itemID),
	})
	return true, nil
}

// BlockCategory is the scripted gate hook; gates last until the next day.
func (e *Engine) BlockCategory(stage domain.StageID, category domain.Category, reason string) error {
	if err := e.requireOpen("block category"); err != nil {
		return err
	}
	if domain.StageIndex(stage) < 0 {
		return fmt.Errorf("%w: %s", domain.ErrUnknownStage, stage)
	}
	e.pipeline.BlockCategory(stage, category)
	e.emit(domain.EventCategoryBlocked, "", events.EventPayload{
		"stage":    stage,
		"category": category,
		"reason":   reason,
	})
	return nil
}

// ProposeCommitment partitions candidates by readiness. It reveals
// constraint state, so it shares the commit gate.
func (e *Engine) ProposeCommitment(ids []string) (Proposal, error) {
	if err := e.phase.require(domain.OpCommit); err != nil {
		return Proposal{}, err
	}
	return e.commitments.Propose(ids), nil
}

func (e *Engine) ForceCommitRisky(ids []string) ([]string, error) {
	if err := e.phase.require(domain.OpCommit); err != nil {
		return nil, err
	}
	fragile, err := e.commitments.ForceCommitRisky(ids)
	if err != nil {
		return nil, err
	}
	for _, id := range fragile {
		e.emit(domain.EventForceCommitted, id, events.EventPayload{"fragile": true})
	}
	return fragile, nil
}

func (e *Engine) Commit(ids []string) (domain.CommitmentSet, error) {
	if err := e.phase.require(domain.OpCommit); err != nil {
		return domain.CommitmentSet{}, err
	}
	dropped, err := e.commitments.PruneOverrides()
	if err != nil {
		return domain.CommitmentSet{}, err
	}
	for _, id := range dropped {
		e.emit(domain.EventOverrideDropped, id, events.EventPayload{
			"readiness": e.constraints.Classify(id),
		})
	}
	set, err := e.commitments.Commit(e.phase.Day(), ids)
	if err != nil {
		return domain.CommitmentSet{}, err
	}
	e.emit(domain.EventCommitted, "", events.EventPayload{
		"promised": append([]string(nil), set.Promised...),
		"count":    len(set.Promised),
	})
	return set, nil
}

func (e *Engine) Commitment() (domain.CommitmentSet, bool) { return e.commitments.Set() }

func (e *Engine) PPC() int {
	set, ok := e.commitments.Set()
	if !ok {
		return 0
	}
	return ComputePPC(set)
}

// ResolveExecution returns the outcome of a promise. A pending promise is
// settled only once its item sits in done or the window has closed; before
// that the player can still finish the work.
func (e *Engine) ResolveExecution(itemID string) (domain.Outcome, error) {
	if set, ok := e.commitments.Set(); ok && set.Outcomes[itemID] == domain.OutcomePending {
		item, _ := e.pipeline.Item(itemID)
		if item.Stage != domain.StageDone && !e.phase.Closed() {
			return "", contract("resolve execution", fmt.Errorf("%w: %s is in %s", ErrExecutionInProgress, itemID, item.Stage))
		}
	}
	return e.resolve(itemID)
}

func (e *Engine) resolve(itemID string) (domain.Outcome, error) {
	set, _ := e.commitments.Set()
	if set.Outcomes[itemID] != domain.OutcomePending {
		return e.commitments.ResolveExecution(itemID)
	}
	outcome, err := e.commitments.ResolveExecution(itemID)
	if err != nil {
		return "", err
	}
	item, _ := e.pipeline.Item(itemID)
	e.emit(domain.EventExecutionResolved, itemID, events.EventPayload{
		"outcome": outcome,
		"fragile": item.Fragile,
		"stage":   item.Stage,
	})
	if outcome != domain.OutcomeFailed {
		return outcome, nil
	}
	clawback := 0
	if item.Stage == domain.StageDone {
		clawback = item.Reward
		e.pipeline.Resources().DebitFunds(clawback)
	}
	if err := e.pipeline.Fail(itemID); err != nil {
		return outcome, err
	}
	e.emit(domain.EventItemFailed, itemID, events.EventPayload{
		"from":     item.Stage,
		"clawback": clawback,
	})
	return outcome, nil
}

// AdvanceResult summarises one call to Advance.
type AdvanceResult struct {
	ClosedDay    int                       `json:"closed_day"`
	Day          int                       `json:"day"`
	Phase        domain.Phase              `json:"phase"`
	WindowClosed bool                      `json:"window_closed"`
	Overhead     int                       `json:"overhead"`
	Resolved     map[string]domain.Outcome `json:"resolved,omitempty"`
}

// Advance ends the current day: it charges overhead, then either moves to
// the next day or, on the last day, closes the window and settles every
// pending promise.
func (e *Engine) Advance() (AdvanceResult, error) {
	closedDay := e.phase.Day()
	doing, _ := e.pipeline.Stage(domain.StageDoing)
	capacity := doing.WipLimit
	overLimit := len(e.pipeline.OverLimitStages())
	closed, err := e.phase.Advance()
	if err != nil {
		return AdvanceResult{}, err
	}
	res := AdvanceResult{ClosedDay: closedDay, Day: e.phase.Day(), Phase: e.phase.Phase(), WindowClosed: closed, Overhead: e.overhead}

	e.pipeline.Resources().ApplyDailyOverhead(e.overhead)
	e.emit(domain.EventOverheadApplied, "", events.EventPayload{
		"amount": e.overhead,
		"funds":  e.pipeline.Resources().Funds(),
	})

	if closed {
		res.Resolved = map[string]domain.Outcome{}
		for _, id := range e.commitments.Pending() {
			outcome, err := e.resolve(id)
			if err != nil {
				return res, err
			}
			res.Resolved[id] = outcome
		}
		e.emit(domain.EventWindowClosed, "", events.EventPayload{
			"closed_day": closedDay,
			"capacity":   capacity,
			"over_limit": overLimit,
			"ppc":        e.PPC(),
		})
		return res, nil
	}
	e.pipeline.ClearCategoryGates()
	e.emit(domain.EventDayAdvanced, "", events.EventPayload{
		"closed_day": closedDay,
		"day":        res.Day,
		"phase":      res.Phase,
		"capacity":   capacity,
		"over_limit": overLimit,
	})
	return res, nil
}

// Snapshot captures the whole session in plain form.
func (e *Engine) Snapshot() (domain.Snapshot, error) {
	snap := domain.Snapshot{
		Version:   SnapshotVersion,
		Calendar:  e.phase.Calendar(),
		Day:       e.phase.Day(),
		Phase:     e.phase.Phase(),
		Stages:    e.pipeline.Stages(),
		Items:     e.pipeline.Items(),
		Resources: e.pipeline.Resources().Snapshot(),
		Overhead:  e.overhead,
		Gates:     e.pipeline.Gates(),
		Overrides: e.commitments.Overrides(),
		Metrics:   e.metrics.State(),
		EventSeq:  e.bus.Seq(),
		ItemSeq:   e.itemSeq,
	}
	if set, ok := e.commitments.Set(); ok {
		snap.Commitment = &set
	}
	if m, ok := e.random.(encoding.BinaryMarshaler); ok {
		state, err := m.MarshalBinary()
		if err != nil {
			return domain.Snapshot{}, fmt.Errorf("marshal random state: %w", err)
		}
		snap.RandomState = state
	}
	return snap, nil
}

// RestoreOptions carries what a snapshot cannot: the random source and
// morale deltas. A nil Random gets a PCG source loaded from the snapshot.
type RestoreOptions struct {
	Random       Random
	MoraleDeltas map[MoraleEvent]int
}

func Restore(snap domain.Snapshot, opts RestoreOptions) (*Engine, error) {
	if snap.Version != SnapshotVersion {
		return nil, fmt.Errorf("unsupported snapshot version %d", snap.Version)
	}
	pc, err := NewPhaseController(snap.Calendar)
	if err != nil {
		return nil, err
	}
	if err := pc.restore(snap.Day, snap.Phase); err != nil {
		return nil, err
	}
	random := opts.Random
	if random == nil {
		random = NewPCGRandom(0)
	}
	if len(snap.RandomState) > 0 {
		if u, ok := random.(encoding.BinaryUnmarshaler); ok {
			if err := u.UnmarshalBinary(snap.RandomState); err != nil {
				return nil, fmt.Errorf("restore random state: %w", err)
			}
		}
	}
	e := assemble(nil, snap.Resources, random, pc, snap.EventSeq)
	if err := e.pipeline.restoreBoard(snap.Stages, snap.Items); err != nil {
		return nil, fmt.Errorf("restore board: %w", err)
	}
	for _, g := range snap.Gates {
		e.pipeline.BlockCategory(g.Stage, g.Category)
	}
	if snap.Commitment != nil {
		for _, id := range snap.Commitment.Promised {
			if _, ok := e.pipeline.Item(id); !ok {
				return nil, fmt.Errorf("commitment references unknown item %s", id)
			}
		}
	}
	e.commitments.restore(snap.Commitment, snap.Overrides)
	e.overhead = snap.Overhead
	e.itemSeq = snap.ItemSeq
	e.metrics = NewMetrics(snap.Metrics.Morale, opts.MoraleDeltas)
	e.metrics.restore(snap.Metrics)
	e.bus.Subscribe(e.metrics.Handle)
	return e, nil
}

// ErrorCode gives a stable, machine-friendly name for engine errors.
func ErrorCode(err error) string {
	codes := []struct {
		target error
		code   string
	}{
		{ErrNotAdjacent, "not_adjacent"},
		{ErrWipExceeded, "wip_exceeded"},
		{ErrCategoryBlocked, "category_blocked"},
		{ErrInsufficientMaterials, "insufficient_materials"},
		{ErrNothingToCommit, "nothing_to_commit"},
		{ErrOperationNotAllowed, "operation_not_allowed"},
		{ErrBlockedItemInCommit, "blocked_item_in_commit"},
		{ErrAlreadyCommitted, "already_committed"},
		{ErrUnknownItem, "unknown_item"},
		{ErrItemNotInStage, "item_not_in_stage"},
		{ErrItemFinalized, "item_finalized"},
		{ErrConstraintOnCommitted, "constraint_on_committed"},
		{ErrWindowClosed, "window_closed"},
		{ErrNotCommitted, "not_committed"},
		{ErrExecutionInProgress, "execution_in_progress"},
		{domain.ErrUnknownStage, "unknown_stage"},
	}
	for _, c := range codes {
		if errors.Is(err, c.target) {
			return c.code
		}
	}
	return ""
}
