package main

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"

	"flowstate/internal/app"
	"flowstate/internal/config"
	"flowstate/internal/domain"
	"flowstate/internal/engine"
	"flowstate/internal/repo"
)

var (
	bold   = color.New(color.FgCyan, color.Bold).SprintFunc()
	green  = color.New(color.FgGreen).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	gray   = color.New(color.FgHiBlack).SprintFunc()
)

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func readinessLabel(class domain.ReadinessClass) string {
	switch class {
	case domain.ReadinessSound:
		return green(string(class))
	case domain.ReadinessRisky:
		return yellow(string(class))
	case domain.ReadinessHidden:
		return gray(string(class))
	default:
		return red(string(class))
	}
}

func moraleLabel(m int) string {
	s := fmt.Sprintf("%d", m)
	switch {
	case m >= 70:
		return green(s)
	case m >= 40:
		return yellow(s)
	default:
		return red(s)
	}
}

func joinKinds(kinds []domain.ConstraintKind) string {
	if len(kinds) == 0 {
		return gray("-")
	}
	parts := make([]string, 0, len(kinds))
	for _, k := range kinds {
		parts = append(parts, string(k))
	}
	return strings.Join(parts, ",")
}

func statusView(s *app.Session) map[string]any {
	cal := s.Engine.Calendar()
	view := map[string]any{
		"session":   s.ID,
		"chapter":   cal.Chapter,
		"day":       s.Engine.Day(),
		"last_day":  cal.LastDay,
		"phase":     s.Engine.Phase(),
		"allowed":   s.Engine.Allowed(),
		"resources": s.Engine.Resources(),
		"morale":    s.Engine.Morale(),
	}
	if set, ok := s.Engine.Commitment(); ok {
		view["commitment"] = set
	}
	return view
}

func printStatus(s *app.Session) {
	eng := s.Engine
	cal := eng.Calendar()
	res := eng.Resources()
	funds := fmt.Sprintf("%d", res.Funds)
	if res.Funds < 0 {
		funds = red(funds)
	}
	fmt.Printf("%s  day %d/%d  %s\n", bold(cal.Chapter), eng.Day(), cal.LastDay, eng.Phase())
	fmt.Printf("funds %s  materials %d  morale %s\n", funds, res.Materials, moraleLabel(eng.Morale()))
	ops := make([]string, 0)
	for _, op := range eng.Allowed() {
		ops = append(ops, string(op))
	}
	if len(ops) == 0 {
		fmt.Println(gray("no operations available"))
	} else {
		fmt.Println(gray("allowed: " + strings.Join(ops, ", ")))
	}
	if set, ok := eng.Commitment(); ok {
		fmt.Printf("committed %d items on day %d, PPC %d%%\n", len(set.Promised), set.Day, engine.ComputePPC(set))
	}
}

func printBoard(eng *engine.Engine) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Stage", "ID", "Title", "Category", "Cost", "Reward", "Constraints", "Readiness"})
	for _, st := range eng.Stages() {
		label := string(st.ID)
		if st.WipLimit > 0 {
			label = fmt.Sprintf("%s (%d/%d)", st.ID, len(st.Items), st.WipLimit)
		}
		if st.OverLimit() {
			label = red(label)
		}
		if len(st.Items) == 0 {
			tw.AppendRow(table.Row{label, gray("-"), "", "", "", "", "", ""})
		}
		for i, id := range st.Items {
			it, ok := eng.Item(id)
			if !ok {
				continue
			}
			stage := ""
			if i == 0 {
				stage = label
			}
			title := it.Title
			if it.Fragile {
				title += yellow(" (fragile)")
			}
			kinds := joinKinds(it.Constraints)
			if !eng.ConstraintsVisible() {
				kinds = gray("?")
			}
			tw.AppendRow(table.Row{stage, shortID(it.ID), title, it.Category, it.Cost, it.Reward, kinds, readinessLabel(eng.Classify(it.ID))})
		}
		tw.AppendSeparator()
	}
	tw.Render()
	for _, g := range eng.Gates() {
		fmt.Println(red(fmt.Sprintf("%s items cannot enter %s today", g.Category, g.Stage)))
	}
}

func printItems(eng *engine.Engine, ids []string) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "Title", "Stage", "Readiness"})
	for _, id := range ids {
		it, ok := eng.Item(id)
		if !ok {
			continue
		}
		tw.AppendRow(table.Row{shortID(it.ID), it.Title, it.Stage, readinessLabel(eng.Classify(it.ID))})
	}
	tw.Render()
}

func printTransition(eng *engine.Engine, tr engine.Transition) {
	it, _ := eng.Item(tr.ItemID)
	fmt.Printf("%s %s: %s -> %s\n", shortID(tr.ItemID), it.Title, tr.From, tr.To)
	if tr.MaterialsDebited > 0 {
		fmt.Printf("  materials -%d\n", tr.MaterialsDebited)
	}
	if tr.FundsCredited > 0 {
		fmt.Println(green(fmt.Sprintf("  funds +%d", tr.FundsCredited)))
	}
	if st, ok := eng.Stage(tr.To); ok && st.OverLimit() {
		fmt.Println(red(fmt.Sprintf("  %s is over its WIP limit", tr.To)))
	}
}

func printProposal(eng *engine.Engine, p engine.Proposal) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "Title", "Constraints", "Readiness"})
	for _, group := range [][]string{p.Sound, p.Risky, p.Blocked} {
		for _, id := range group {
			it, ok := eng.Item(id)
			if !ok {
				tw.AppendRow(table.Row{shortID(id), gray("unknown"), "", readinessLabel(domain.ReadinessBlocked)})
				continue
			}
			tw.AppendRow(table.Row{shortID(id), it.Title, joinKinds(it.Constraints), readinessLabel(eng.Classify(id))})
		}
	}
	tw.Render()
	fmt.Printf("%d sound, %d risky, %d blocked\n", len(p.Sound), len(p.Risky), len(p.Blocked))
}

func printAdvance(eng *engine.Engine, res engine.AdvanceResult, applied []config.ScriptEvent) {
	fmt.Printf("Day %d closed, overhead %d\n", res.ClosedDay, res.Overhead)
	if len(res.Resolved) > 0 {
		ids := make([]string, 0, len(res.Resolved))
		for id := range res.Resolved {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			outcome := string(res.Resolved[id])
			if res.Resolved[id] == domain.OutcomeCompleted {
				outcome = green(outcome)
			} else {
				outcome = red(outcome)
			}
			it, _ := eng.Item(id)
			fmt.Printf("  %s %s: %s\n", shortID(id), it.Title, outcome)
		}
	}
	if res.WindowClosed {
		fmt.Println(bold(fmt.Sprintf("Window closed. PPC %d%%, morale %d", eng.PPC(), eng.Morale())))
		return
	}
	fmt.Printf("Now day %d (%s)\n", res.Day, res.Phase)
	for _, ev := range applied {
		line := string(ev.Action)
		if ev.Reason != "" {
			line += ": " + ev.Reason
		}
		fmt.Println(yellow("  " + line))
	}
}

func printMetrics(eng *engine.Engine) {
	res := eng.Resources()
	fmt.Printf("PPC %d%%  morale %s  funds %d  materials %d\n", eng.PPC(), moraleLabel(eng.Morale()), res.Funds, res.Materials)
	history := eng.FlowHistory()
	if len(history) == 0 {
		fmt.Println(gray("no days closed yet"))
		return
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Day", "Completed", "Capacity", "Efficiency"})
	for _, r := range history {
		tw.AppendRow(table.Row{r.Day, r.Completed, r.Capacity, fmt.Sprintf("%d%%", r.Efficiency)})
	}
	tw.Render()
}

func printEvents(events []repo.StoredEvent) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Seq", "Day", "Type", "Item", "Payload"})
	for _, e := range events {
		keys := make([]string, 0, len(e.Payload))
		for k := range e.Payload {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, fmt.Sprintf("%s=%v", k, e.Payload[k]))
		}
		tw.AppendRow(table.Row{e.Seq, e.Day, e.Type, shortID(e.ItemID), strings.Join(parts, " ")})
	}
	tw.Render()
}
