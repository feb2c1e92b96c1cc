package scenario

import (
	"errors"
	"fmt"
	"log/slog"

	"flowstate/internal/config"
	"flowstate/internal/domain"
	"flowstate/internal/engine"
	"flowstate/internal/events"
)

// Director plays the configured script against an engine: the initial
// backlog seed and the day-events that fire as the calendar advances.
type Director struct {
	cfg *config.Config
	log *slog.Logger
}

func NewDirector(cfg *config.Config, logger *slog.Logger) *Director {
	if logger == nil {
		logger = slog.Default()
	}
	return &Director{cfg: cfg, log: logger}
}

// NewSession builds a fresh engine for chapter and seeds it. Subscribers
// are attached before seeding so they see the initial backlog.
func (d *Director) NewSession(chapter string, subscribers ...events.Handler) (*engine.Engine, error) {
	opts, err := d.cfg.EngineOptions(chapter)
	if err != nil {
		return nil, err
	}
	eng, err := engine.New(opts)
	if err != nil {
		return nil, err
	}
	for _, h := range subscribers {
		eng.Subscribe(h)
	}
	if err := d.Start(eng); err != nil {
		return nil, err
	}
	return eng, nil
}

// Start seeds the backlog and applies the first day's script.
func (d *Director) Start(eng *engine.Engine) error {
	templates, err := d.cfg.Templates(d.cfg.Session.Backlog)
	if err != nil {
		return err
	}
	if _, err := eng.Refill(templates); err != nil {
		return fmt.Errorf("seed backlog: %w", err)
	}
	_, err = d.ApplyDay(eng)
	return err
}

// Advance ends the day and, unless the window closed, applies the script
// for the new day.
func (d *Director) Advance(eng *engine.Engine) (engine.AdvanceResult, []config.ScriptEvent, error) {
	res, err := eng.Advance()
	if err != nil {
		return res, nil, err
	}
	if res.WindowClosed {
		d.log.Info("window closed", "chapter", eng.Calendar().Chapter, "day", res.ClosedDay, "ppc", eng.PPC())
		return res, nil, nil
	}
	applied, err := d.ApplyDay(eng)
	return res, applied, err
}

// ApplyDay runs every script event scheduled for the engine's current day.
func (d *Director) ApplyDay(eng *engine.Engine) ([]config.ScriptEvent, error) {
	chapter, day := eng.Calendar().Chapter, eng.Day()
	var applied []config.ScriptEvent
	for _, ev := range d.cfg.Script {
		if ev.Day != day || (ev.Chapter != "" && ev.Chapter != chapter) {
			continue
		}
		if err := d.apply(eng, ev); err != nil {
			return applied, fmt.Errorf("script %s on day %d: %w", ev.Action, day, err)
		}
		d.log.Info("script applied", "action", ev.Action, "day", day, "reason", ev.Reason)
		applied = append(applied, ev)
	}
	return applied, nil
}

func (d *Director) apply(eng *engine.Engine, ev config.ScriptEvent) error {
	switch ev.Action {
	case config.ActionRefill:
		templates, err := d.refillTemplates(ev, eng.Day())
		if err != nil {
			return err
		}
		_, err = eng.Refill(templates)
		return err
	case config.ActionInjectConstraint:
		return d.inject(eng, ev)
	case config.ActionBlockCategory:
		stage, err := domain.ParseStage(ev.Stage)
		if err != nil {
			return err
		}
		category, err := domain.ParseCategory(ev.Category)
		if err != nil {
			return err
		}
		return eng.BlockCategory(stage, category, ev.Reason)
	case config.ActionSetWipLimit:
		stage, err := domain.ParseStage(ev.Stage)
		if err != nil {
			return err
		}
		return eng.ScriptWipLimit(stage, ev.Limit)
	default:
		return fmt.Errorf("unknown action %q", ev.Action)
	}
}

// inject adds the constraint to every open item of the category. Items
// already promised keep their readiness and are skipped.
func (d *Director) inject(eng *engine.Engine, ev config.ScriptEvent) error {
	category, err := domain.ParseCategory(ev.Category)
	if err != nil {
		return err
	}
	kind, err := domain.ParseConstraintKind(ev.Constraint)
	if err != nil {
		return err
	}
	for _, item := range eng.Items() {
		if item.Category != category || item.Finalized() {
			continue
		}
		if _, err := eng.AddConstraint(item.ID, kind); err != nil {
			if errors.Is(err, engine.ErrConstraintOnCommitted) {
				d.log.Warn("skipping constraint on committed item", "item", item.ID, "constraint", kind)
				continue
			}
			return err
		}
	}
	return nil
}

// refillTemplates resolves explicit keys, or picks Count templates from the
// catalog in rotation starting at the day number.
func (d *Director) refillTemplates(ev config.ScriptEvent, day int) ([]domain.Template, error) {
	if len(ev.Templates) > 0 {
		return d.cfg.Templates(ev.Templates)
	}
	var pool []domain.Template
	for _, tpl := range d.cfg.Catalog {
		if ev.Category == "" || string(tpl.Category) == ev.Category {
			pool = append(pool, tpl)
		}
	}
	if len(pool) == 0 {
		return nil, fmt.Errorf("no catalog templates for category %q", ev.Category)
	}
	out := make([]domain.Template, 0, ev.Count)
	for i := 0; i < ev.Count; i++ {
		out = append(out, pool[(day+i)%len(pool)])
	}
	return out, nil
}
