package server

import (
	"sort"

	"flowstate/internal/config"
	"flowstate/internal/domain"
	"flowstate/internal/engine"
	"flowstate/internal/repo"
)

// Request payloads

type MoveRequest struct {
	To   string `json:"to" enum:"backlog,ready,doing,done"`
	From string `json:"from,omitempty" enum:"backlog,ready,doing,done"`
}

type SetWipLimitRequest struct {
	Limit int `json:"limit" minimum:"0"`
}

type IDsRequest struct {
	IDs []string `json:"ids"`
}

type ResetRequest struct {
	Chapter string `json:"chapter,omitempty"`
}

// Response payloads

type ItemResponse struct {
	ID          string   `json:"id"`
	TemplateKey string   `json:"template_key"`
	Title       string   `json:"title"`
	Tip         string   `json:"tip,omitempty"`
	Category    string   `json:"category"`
	Cost        int      `json:"cost"`
	Reward      int      `json:"reward"`
	Constraints []string `json:"constraints"`
	Readiness   string   `json:"readiness"`
	Fragile     bool     `json:"fragile"`
	Failed      bool     `json:"failed"`
	Stage       string   `json:"stage"`
	CreatedDay  int      `json:"created_day"`
}

type StageResponse struct {
	ID        string         `json:"id"`
	WipLimit  int            `json:"wip_limit"`
	OverLimit bool           `json:"over_limit"`
	Items     []ItemResponse `json:"items"`
}

type BoardResponse struct {
	Day    int             `json:"day"`
	Phase  string          `json:"phase"`
	Stages []StageResponse `json:"stages"`
	Gates  []GateResponse  `json:"gates"`
}

type GateResponse struct {
	Stage    string `json:"stage"`
	Category string `json:"category"`
}

type ResourcesResponse struct {
	Funds     int `json:"funds"`
	Materials int `json:"materials"`
}

type CommitmentResponse struct {
	Day      int               `json:"day"`
	Promised []string          `json:"promised"`
	Outcomes map[string]string `json:"outcomes"`
	PPC      int               `json:"ppc"`
}

type SessionResponse struct {
	ID         string              `json:"id"`
	Chapter    string              `json:"chapter"`
	Day        int                 `json:"day"`
	FirstDay   int                 `json:"first_day"`
	LastDay    int                 `json:"last_day"`
	Phase      string              `json:"phase"`
	Allowed    []string            `json:"allowed"`
	Resources  ResourcesResponse   `json:"resources"`
	Morale     int                 `json:"morale"`
	Commitment *CommitmentResponse `json:"commitment,omitempty"`
}

type TransitionResponse struct {
	Item             ItemResponse      `json:"item"`
	From             string            `json:"from"`
	To               string            `json:"to"`
	Forward          bool              `json:"forward"`
	MaterialsDebited int               `json:"materials_debited"`
	FundsCredited    int               `json:"funds_credited"`
	Resources        ResourcesResponse `json:"resources"`
}

type ConstraintsResponse struct {
	ItemID      string   `json:"item_id"`
	Constraints []string `json:"constraints"`
	Readiness   string   `json:"readiness"`
}

type RemoveConstraintResponse struct {
	ConstraintsResponse
	Removed bool `json:"removed"`
}

type ProposalResponse struct {
	Sound   []string `json:"sound"`
	Risky   []string `json:"risky"`
	Blocked []string `json:"blocked"`
}

type ForceCommitResponse struct {
	Fragile []string `json:"fragile"`
}

type AdvanceResponse struct {
	ClosedDay    int               `json:"closed_day"`
	Day          int               `json:"day"`
	Phase        string            `json:"phase"`
	WindowClosed bool              `json:"window_closed"`
	Overhead     int               `json:"overhead"`
	Resolved     map[string]string `json:"resolved,omitempty"`
	Script       []string          `json:"script"`
	Resources    ResourcesResponse `json:"resources"`
}

type FlowRecordResponse struct {
	Day        int `json:"day"`
	Completed  int `json:"completed"`
	Capacity   int `json:"capacity"`
	Efficiency int `json:"efficiency"`
}

type MetricsResponse struct {
	PPC         int                  `json:"ppc"`
	Morale      int                  `json:"morale"`
	FlowHistory []FlowRecordResponse `json:"flow_history"`
	Resources   ResourcesResponse    `json:"resources"`
}

type EventResponse struct {
	Seq     int64          `json:"seq"`
	TS      string         `json:"ts"`
	Day     int            `json:"day"`
	Type    string         `json:"type"`
	ItemID  string         `json:"item_id,omitempty"`
	Payload map[string]any `json:"payload,omitempty"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type ConfigResponse struct {
	Chapter  string   `json:"chapter"`
	Chapters []string `json:"chapters"`
	Catalog  []string `json:"catalog"`
}

// itemResponse takes the item and its readiness from the engine's gated
// views, so both stay hidden until constraint reads unlock.
func itemResponse(eng *engine.Engine, it domain.WorkItem) ItemResponse {
	constraints := make([]string, 0, len(it.Constraints))
	for _, k := range it.Constraints {
		constraints = append(constraints, string(k))
	}
	return ItemResponse{
		ID:          it.ID,
		TemplateKey: it.TemplateKey,
		Title:       it.Title,
		Tip:         it.Tip,
		Category:    string(it.Category),
		Cost:        it.Cost,
		Reward:      it.Reward,
		Constraints: constraints,
		Readiness:   string(eng.Classify(it.ID)),
		Fragile:     it.Fragile,
		Failed:      it.Failed,
		Stage:       string(it.Stage),
		CreatedDay:  it.CreatedDay,
	}
}

func boardResponse(eng *engine.Engine) BoardResponse {
	resp := BoardResponse{Day: eng.Day(), Phase: string(eng.Phase()), Stages: []StageResponse{}, Gates: []GateResponse{}}
	for _, st := range eng.Stages() {
		sr := StageResponse{ID: string(st.ID), WipLimit: st.WipLimit, OverLimit: st.OverLimit(), Items: []ItemResponse{}}
		for _, id := range st.Items {
			if it, ok := eng.Item(id); ok {
				sr.Items = append(sr.Items, itemResponse(eng, it))
			}
		}
		resp.Stages = append(resp.Stages, sr)
	}
	for _, g := range eng.Gates() {
		resp.Gates = append(resp.Gates, GateResponse{Stage: string(g.Stage), Category: string(g.Category)})
	}
	return resp
}

func resourcesResponse(r domain.Resources) ResourcesResponse {
	return ResourcesResponse{Funds: r.Funds, Materials: r.Materials}
}

func commitmentResponse(set domain.CommitmentSet) *CommitmentResponse {
	out := &CommitmentResponse{Day: set.Day, Promised: nonNilSlice(set.Promised), Outcomes: map[string]string{}, PPC: engine.ComputePPC(set)}
	for id, o := range set.Outcomes {
		out.Outcomes[id] = string(o)
	}
	return out
}

func sessionResponse(id string, eng *engine.Engine) SessionResponse {
	cal := eng.Calendar()
	resp := SessionResponse{
		ID:        id,
		Chapter:   cal.Chapter,
		Day:       eng.Day(),
		FirstDay:  cal.FirstDay,
		LastDay:   cal.LastDay,
		Phase:     string(eng.Phase()),
		Allowed:   []string{},
		Resources: resourcesResponse(eng.Resources()),
		Morale:    eng.Morale(),
	}
	for _, op := range eng.Allowed() {
		resp.Allowed = append(resp.Allowed, string(op))
	}
	if set, ok := eng.Commitment(); ok {
		resp.Commitment = commitmentResponse(set)
	}
	return resp
}

func constraintsResponse(itemID string, kinds []domain.ConstraintKind, class domain.ReadinessClass) ConstraintsResponse {
	out := ConstraintsResponse{ItemID: itemID, Constraints: []string{}, Readiness: string(class)}
	for _, k := range kinds {
		out.Constraints = append(out.Constraints, string(k))
	}
	return out
}

func advanceResponse(res engine.AdvanceResult, applied []config.ScriptEvent, eng *engine.Engine) AdvanceResponse {
	out := AdvanceResponse{
		ClosedDay:    res.ClosedDay,
		Day:          res.Day,
		Phase:        string(res.Phase),
		WindowClosed: res.WindowClosed,
		Overhead:     res.Overhead,
		Script:       []string{},
		Resources:    resourcesResponse(eng.Resources()),
	}
	if len(res.Resolved) > 0 {
		out.Resolved = map[string]string{}
		for id, o := range res.Resolved {
			out.Resolved[id] = string(o)
		}
	}
	for _, ev := range applied {
		out.Script = append(out.Script, string(ev.Action))
	}
	return out
}

func metricsResponse(eng *engine.Engine) MetricsResponse {
	out := MetricsResponse{
		PPC:         eng.PPC(),
		Morale:      eng.Morale(),
		FlowHistory: []FlowRecordResponse{},
		Resources:   resourcesResponse(eng.Resources()),
	}
	for _, r := range eng.FlowHistory() {
		out.FlowHistory = append(out.FlowHistory, FlowRecordResponse(r))
	}
	return out
}

func eventResponse(e repo.StoredEvent) EventResponse {
	return EventResponse{
		Seq:     e.Seq,
		TS:      e.TS,
		Day:     e.Day,
		Type:    string(e.Type),
		ItemID:  e.ItemID,
		Payload: e.Payload,
	}
}

func configResponse(cfg *config.Config) ConfigResponse {
	out := ConfigResponse{Chapter: cfg.Session.Chapter, Chapters: []string{}, Catalog: []string{}}
	for name := range cfg.Chapters {
		out.Chapters = append(out.Chapters, name)
	}
	sort.Strings(out.Chapters)
	for _, tpl := range cfg.Catalog {
		out.Catalog = append(out.Catalog, tpl.Key)
	}
	return out
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
