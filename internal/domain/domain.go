package domain

import (
	"errors"
	"fmt"
	"strings"
)

type Category string

const (
	CategoryStructural Category = "structural"
	CategoryInterior   Category = "interior"
	CategorySystems    Category = "systems"
	CategoryManagement Category = "management"
)

var Categories = []Category{CategoryStructural, CategoryInterior, CategorySystems, CategoryManagement}

type ConstraintKind string

const (
	ConstraintMaterial ConstraintKind = "material"
	ConstraintCrew     ConstraintKind = "crew"
	ConstraintApproval ConstraintKind = "approval"
	ConstraintWeather  ConstraintKind = "weather"
)

var ConstraintKinds = []ConstraintKind{ConstraintMaterial, ConstraintCrew, ConstraintApproval, ConstraintWeather}

var (
	ErrUnknownConstraintKind = errors.New("unknown constraint kind")
	ErrUnknownCategory       = errors.New("unknown category")
	ErrUnknownStage          = errors.New("unknown stage")
)

// ParseConstraintKind validates user input against the closed set of kinds.
func ParseConstraintKind(s string) (ConstraintKind, error) {
	k := ConstraintKind(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range ConstraintKinds {
		if k == known {
			return k, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownConstraintKind, s)
}

func ParseCategory(s string) (Category, error) {
	c := Category(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Categories {
		if c == known {
			return c, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownCategory, s)
}

type StageID string

const (
	StageBacklog StageID = "backlog"
	StageReady   StageID = "ready"
	StageDoing   StageID = "doing"
	StageDone    StageID = "done"
	// StageFailed holds items whose commitment failed. It is off the board
	// and never a source or target of a move.
	StageFailed StageID = "failed"
)

// StageOrder is the fixed board order used for adjacency checks.
var StageOrder = []StageID{StageBacklog, StageReady, StageDoing, StageDone}

// StageIndex returns the position of id in StageOrder, or -1.
func StageIndex(id StageID) int {
	for i, s := range StageOrder {
		if s == id {
			return i
		}
	}
	return -1
}

func ParseStage(s string) (StageID, error) {
	id := StageID(strings.ToLower(strings.TrimSpace(s)))
	if StageIndex(id) >= 0 || id == StageFailed {
		return id, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownStage, s)
}

type WorkItem struct {
	ID          string           `json:"id"`
	TemplateKey string           `json:"template_key"`
	Title       string           `json:"title"`
	Tip         string           `json:"tip,omitempty"`
	Category    Category         `json:"category"`
	Cost        int              `json:"cost"`
	Reward      int              `json:"reward"`
	Constraints []ConstraintKind `json:"constraints,omitempty"`
	Fragile     bool             `json:"fragile"`
	Failed      bool             `json:"failed"`
	Stage       StageID          `json:"stage"`
	CreatedDay  int              `json:"created_day"`
}

// Finalized reports whether the item reached a terminal state.
func (w WorkItem) Finalized() bool {
	return w.Failed || w.Stage == StageDone || w.Stage == StageFailed
}

// Clone returns a copy that shares no slices with w.
func (w WorkItem) Clone() WorkItem {
	if w.Constraints != nil {
		w.Constraints = append([]ConstraintKind(nil), w.Constraints...)
	}
	return w
}

type Stage struct {
	ID       StageID  `json:"id"`
	WipLimit int      `json:"wip_limit"`
	Items    []string `json:"items"`
}

// OverLimit reports count > limit for limited stages.
func (s Stage) OverLimit() bool {
	return s.WipLimit > 0 && len(s.Items) > s.WipLimit
}

type Resources struct {
	Funds     int `json:"funds"`
	Materials int `json:"materials"`
}

type ReadinessClass string

const (
	ReadinessSound   ReadinessClass = "sound"
	ReadinessRisky   ReadinessClass = "risky"
	ReadinessBlocked ReadinessClass = "blocked"

	// ReadinessHidden is reported while constraint reads are still locked.
	ReadinessHidden ReadinessClass = "hidden"
)

// ClassifyCount maps an outstanding constraint count to a readiness class.
func ClassifyCount(n int) ReadinessClass {
	switch {
	case n <= 0:
		return ReadinessSound
	case n == 1:
		return ReadinessRisky
	default:
		return ReadinessBlocked
	}
}

type Outcome string

const (
	OutcomePending   Outcome = "pending"
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
)

type CommitmentSet struct {
	Day      int                `json:"day"`
	Promised []string           `json:"promised"`
	Outcomes map[string]Outcome `json:"outcomes"`
}

// Count returns the number of promised ids with the given outcome.
func (c CommitmentSet) Count(o Outcome) int {
	n := 0
	for _, id := range c.Promised {
		if c.Outcomes[id] == o {
			n++
		}
	}
	return n
}

func (c CommitmentSet) Contains(id string) bool {
	for _, p := range c.Promised {
		if p == id {
			return true
		}
	}
	return false
}

func (c CommitmentSet) Clone() CommitmentSet {
	out := CommitmentSet{Day: c.Day, Promised: append([]string(nil), c.Promised...)}
	out.Outcomes = make(map[string]Outcome, len(c.Outcomes))
	for k, v := range c.Outcomes {
		out.Outcomes[k] = v
	}
	return out
}

type Phase string

const (
	PhasePlanning  Phase = "planning"
	PhaseExecution Phase = "execution"
	PhaseReview    Phase = "review"
)

type Operation string

const (
	OpMoveToReady        Operation = "move_to_ready"
	OpMove               Operation = "move"
	OpSetWipLimit        Operation = "set_wip_limit"
	OpInspectConstraints Operation = "inspect_constraints"
	OpRemoveConstraint   Operation = "remove_constraint"
	OpCommit             Operation = "commit"
)

var Operations = []Operation{OpMoveToReady, OpMove, OpSetWipLimit, OpInspectConstraints, OpRemoveConstraint, OpCommit}

// Rule unlocks an operation from a day on, optionally only in some phases.
type Rule struct {
	FromDay int     `json:"from_day" yaml:"from_day"`
	Phases  []Phase `json:"phases,omitempty" yaml:"phases,omitempty"`
}

type Calendar struct {
	Chapter          string             `json:"chapter"`
	FirstDay         int                `json:"first_day"`
	LastDay          int                `json:"last_day"`
	ExecutionFromDay int                `json:"execution_from_day"`
	Rules            map[Operation]Rule `json:"rules"`
}

type Template struct {
	Key         string           `json:"key" yaml:"key"`
	Title       string           `json:"title" yaml:"title"`
	Category    Category         `json:"category" yaml:"category"`
	Cost        int              `json:"cost" yaml:"cost"`
	Reward      int              `json:"reward" yaml:"reward"`
	Tip         string           `json:"tip,omitempty" yaml:"tip"`
	Constraints []ConstraintKind `json:"constraints,omitempty" yaml:"constraints"`
}

type FlowRecord struct {
	Day        int `json:"day"`
	Completed  int `json:"completed"`
	Capacity   int `json:"capacity"`
	Efficiency int `json:"efficiency"`
}

type MetricsState struct {
	Morale         int          `json:"morale"`
	CompletedToday int          `json:"completed_today"`
	FlowHistory    []FlowRecord `json:"flow_history,omitempty"`
}

type CategoryGate struct {
	Stage    StageID  `json:"stage"`
	Category Category `json:"category"`
}

// Snapshot is the full engine state in plain form for external stores.
type Snapshot struct {
	Version     int            `json:"version"`
	Calendar    Calendar       `json:"calendar"`
	Day         int            `json:"day"`
	Phase       Phase          `json:"phase"`
	Stages      []Stage        `json:"stages"`
	Items       []WorkItem     `json:"items"`
	Resources   Resources      `json:"resources"`
	Overhead    int            `json:"overhead"`
	Gates       []CategoryGate `json:"gates,omitempty"`
	Commitment  *CommitmentSet `json:"commitment,omitempty"`
	Overrides   []string       `json:"overrides,omitempty"`
	Metrics     MetricsState   `json:"metrics"`
	EventSeq    int64          `json:"event_seq"`
	ItemSeq     int            `json:"item_seq"`
	RandomState []byte         `json:"random_state,omitempty"`
}

type EventType string

const (
	EventItemCreated       EventType = "item_created"
	EventItemMoved         EventType = "item_moved"
	EventItemFailed        EventType = "item_failed"
	EventConstraintAdded   EventType = "constraint_added"
	EventConstraintRemoved EventType = "constraint_removed"
	EventWipLimitChanged   EventType = "wip_limit_changed"
	EventCategoryBlocked   EventType = "category_blocked"
	EventCommitted         EventType = "committed"
	EventForceCommitted    EventType = "force_committed"
	EventOverrideDropped   EventType = "override_dropped"
	EventExecutionResolved EventType = "execution_resolved"
	EventDayAdvanced       EventType = "day_advanced"
	EventOverheadApplied   EventType = "overhead_applied"
	EventWindowClosed      EventType = "window_closed"
	EventMoraleChanged     EventType = "morale_changed"
)

type Event struct {
	Seq     int64          `json:"seq"`
	Day     int            `json:"day"`
	Type    EventType      `json:"type"`
	ItemID  string         `json:"item_id,omitempty"`
	Payload map[string]any `json:"payload,omitempty"`
}
