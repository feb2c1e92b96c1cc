package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"flowstate/internal/domain"
	"flowstate/internal/engine"
)

// Config models flowstate.yml.
type Config struct {
	Session struct {
		Chapter string   `yaml:"chapter"`
		Seed    uint64   `yaml:"seed"`
		Backlog []string `yaml:"backlog"`
	} `yaml:"session"`
	Resources struct {
		Funds         int `yaml:"funds"`
		Materials     int `yaml:"materials"`
		DailyOverhead int `yaml:"daily_overhead"`
	} `yaml:"resources"`
	WIP    map[string]int `yaml:"wip"`
	Morale struct {
		Initial int            `yaml:"initial"`
		Deltas  map[string]int `yaml:"deltas"`
	} `yaml:"morale"`
	Catalog  []domain.Template  `yaml:"catalog"`
	Chapters map[string]Chapter `yaml:"chapters"`
	Script   []ScriptEvent      `yaml:"script"`
}

// Chapter is one play window with its operation unlock schedule.
type Chapter struct {
	FirstDay         int                    `yaml:"first_day"`
	LastDay          int                    `yaml:"last_day"`
	ExecutionFromDay int                    `yaml:"execution_from_day"`
	Rules            map[string]domain.Rule `yaml:"rules"`
}

type ScriptAction string

const (
	ActionRefill           ScriptAction = "refill"
	ActionInjectConstraint ScriptAction = "inject_constraint"
	ActionBlockCategory    ScriptAction = "block_category"
	ActionSetWipLimit      ScriptAction = "set_wip_limit"
)

// ScriptEvent is a scripted day-event applied when a chapter reaches Day.
// An empty Chapter matches every chapter.
type ScriptEvent struct {
	Chapter    string       `yaml:"chapter"`
	Day        int          `yaml:"day"`
	Action     ScriptAction `yaml:"action"`
	Templates  []string     `yaml:"templates"`
	Count      int          `yaml:"count"`
	Category   string       `yaml:"category"`
	Constraint string       `yaml:"constraint"`
	Stage      string       `yaml:"stage"`
	Limit      int          `yaml:"limit"`
	Reason     string       `yaml:"reason"`
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if len(c.Chapters) == 0 {
		return fmt.Errorf("config.chapters is required")
	}
	if _, ok := c.Chapters[c.Session.Chapter]; !ok {
		return fmt.Errorf("config.session.chapter %q is not defined in chapters", c.Session.Chapter)
	}
	if c.Resources.Funds < 0 || c.Resources.Materials < 0 {
		return fmt.Errorf("config.resources funds and materials must be >= 0")
	}
	if c.Resources.DailyOverhead < 0 {
		return fmt.Errorf("config.resources.daily_overhead must be >= 0")
	}
	for stage, limit := range c.WIP {
		if _, err := domain.ParseStage(stage); err != nil || stage == string(domain.StageFailed) {
			return fmt.Errorf("config.wip: unknown stage %s", stage)
		}
		if limit < 0 {
			return fmt.Errorf("config.wip.%s must be >= 0", stage)
		}
	}
	if c.Morale.Initial < engine.MoraleMin || c.Morale.Initial > engine.MoraleMax {
		return fmt.Errorf("config.morale.initial must be within %d..%d", engine.MoraleMin, engine.MoraleMax)
	}
	for name := range c.Morale.Deltas {
		if _, ok := engine.DefaultMoraleDeltas[engine.MoraleEvent(name)]; !ok {
			return fmt.Errorf("config.morale.deltas: unknown event %s", name)
		}
	}
	keys := map[string]bool{}
	for i, tpl := range c.Catalog {
		if tpl.Key == "" {
			return fmt.Errorf("catalog entry %d has empty key", i)
		}
		if keys[tpl.Key] {
			return fmt.Errorf("catalog key %s is duplicated", tpl.Key)
		}
		keys[tpl.Key] = true
		if _, err := domain.ParseCategory(string(tpl.Category)); err != nil {
			return fmt.Errorf("catalog %s: %w", tpl.Key, err)
		}
		if tpl.Cost < 0 || tpl.Reward < 0 {
			return fmt.Errorf("catalog %s: cost and reward must be >= 0", tpl.Key)
		}
		for _, k := range tpl.Constraints {
			if _, err := domain.ParseConstraintKind(string(k)); err != nil {
				return fmt.Errorf("catalog %s: %w", tpl.Key, err)
			}
		}
	}
	for _, key := range c.Session.Backlog {
		if !keys[key] {
			return fmt.Errorf("config.session.backlog references unknown template %s", key)
		}
	}
	for name := range c.Chapters {
		if _, err := c.Calendar(name); err != nil {
			return err
		}
	}
	for i, ev := range c.Script {
		if err := c.validateScriptEvent(ev, keys); err != nil {
			return fmt.Errorf("script[%d]: %w", i, err)
		}
	}
	return nil
}

func (c *Config) validateScriptEvent(ev ScriptEvent, keys map[string]bool) error {
	if ev.Chapter != "" {
		if _, ok := c.Chapters[ev.Chapter]; !ok {
			return fmt.Errorf("unknown chapter %s", ev.Chapter)
		}
	}
	if ev.Day < 1 {
		return fmt.Errorf("day must be >= 1")
	}
	switch ev.Action {
	case ActionRefill:
		for _, key := range ev.Templates {
			if !keys[key] {
				return fmt.Errorf("refill references unknown template %s", key)
			}
		}
		if len(ev.Templates) == 0 && ev.Count <= 0 {
			return fmt.Errorf("refill needs templates or a positive count")
		}
		if ev.Category != "" {
			if _, err := domain.ParseCategory(ev.Category); err != nil {
				return err
			}
		}
	case ActionInjectConstraint:
		if _, err := domain.ParseCategory(ev.Category); err != nil {
			return err
		}
		if _, err := domain.ParseConstraintKind(ev.Constraint); err != nil {
			return err
		}
	case ActionBlockCategory:
		if _, err := domain.ParseCategory(ev.Category); err != nil {
			return err
		}
		stage, err := domain.ParseStage(ev.Stage)
		if err != nil || stage == domain.StageFailed {
			return fmt.Errorf("block_category needs a board stage, got %q", ev.Stage)
		}
	case ActionSetWipLimit:
		stage, err := domain.ParseStage(ev.Stage)
		if err != nil || stage == domain.StageFailed {
			return fmt.Errorf("set_wip_limit needs a board stage, got %q", ev.Stage)
		}
		if ev.Limit < 0 {
			return fmt.Errorf("set_wip_limit limit must be >= 0")
		}
	default:
		return fmt.Errorf("unknown action %q", ev.Action)
	}
	return nil
}

// Calendar converts a chapter into the engine's calendar, validating rule
// names and day ranges on the way.
func (c *Config) Calendar(chapter string) (domain.Calendar, error) {
	ch, ok := c.Chapters[chapter]
	if !ok {
		return domain.Calendar{}, fmt.Errorf("chapter %s not defined", chapter)
	}
	cal := domain.Calendar{
		Chapter:          chapter,
		FirstDay:         ch.FirstDay,
		LastDay:          ch.LastDay,
		ExecutionFromDay: ch.ExecutionFromDay,
		Rules:            map[domain.Operation]domain.Rule{},
	}
	for name, rule := range ch.Rules {
		op := domain.Operation(name)
		if !knownOperation(op) {
			return domain.Calendar{}, fmt.Errorf("chapter %s: unknown operation %s", chapter, name)
		}
		for _, ph := range rule.Phases {
			if ph != domain.PhasePlanning && ph != domain.PhaseExecution {
				return domain.Calendar{}, fmt.Errorf("chapter %s: operation %s has invalid phase %s", chapter, name, ph)
			}
		}
		cal.Rules[op] = rule
	}
	if _, err := engine.NewPhaseController(cal); err != nil {
		return domain.Calendar{}, err
	}
	return cal, nil
}

func knownOperation(op domain.Operation) bool {
	for _, o := range domain.Operations {
		if o == op {
			return true
		}
	}
	return false
}

// Template looks up a catalog entry by key.
func (c *Config) Template(key string) (domain.Template, bool) {
	for _, tpl := range c.Catalog {
		if tpl.Key == key {
			return tpl, true
		}
	}
	return domain.Template{}, false
}

// Templates resolves keys in order; unknown keys are an error.
func (c *Config) Templates(keys []string) ([]domain.Template, error) {
	out := make([]domain.Template, 0, len(keys))
	for _, key := range keys {
		tpl, ok := c.Template(key)
		if !ok {
			return nil, fmt.Errorf("unknown template %s", key)
		}
		out = append(out, tpl)
	}
	return out, nil
}

// EngineOptions builds a fresh session for chapter. An empty chapter uses
// session.chapter.
func (c *Config) EngineOptions(chapter string) (engine.Options, error) {
	if chapter == "" {
		chapter = c.Session.Chapter
	}
	cal, err := c.Calendar(chapter)
	if err != nil {
		return engine.Options{}, err
	}
	limits := map[domain.StageID]int{}
	for stage, limit := range c.WIP {
		limits[domain.StageID(stage)] = limit
	}
	return engine.Options{
		Calendar:      cal,
		Resources:     domain.Resources{Funds: c.Resources.Funds, Materials: c.Resources.Materials},
		DailyOverhead: c.Resources.DailyOverhead,
		WipLimits:     limits,
		InitialMorale: c.Morale.Initial,
		MoraleDeltas:  c.MoraleDeltas(),
		Random:        engine.NewPCGRandom(c.Session.Seed),
	}, nil
}

// MoraleDeltas returns the configured overrides keyed for the engine.
func (c *Config) MoraleDeltas() map[engine.MoraleEvent]int {
	deltas := map[engine.MoraleEvent]int{}
	for name, v := range c.Morale.Deltas {
		deltas[engine.MoraleEvent(name)] = v
	}
	return deltas
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "flowstate.yml")
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with flowstate init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// GenerateDefault returns default config YAML starting in chapter.
func GenerateDefault(chapter string) string {
	if chapter == "" {
		chapter = "kanban"
	}
	return fmt.Sprintf(defaultTemplate, chapter)
}

// Default returns the built-in configuration.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(GenerateDefault(""))).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `session:
  chapter: %s
  seed: 42
  backlog: [footings, framing, drywall, ductwork, site-office]

resources:
  funds: 5000
  materials: 300
  daily_overhead: 100

wip:
  ready: 3
  doing: 2

morale:
  initial: 80
  deltas:
    over_wip_tick: -5
    on_time_completion: 3
    forced_risky_commit: -2
    broken_promise: -10

catalog:
  - key: footings
    title: Pour footings
    category: structural
    cost: 60
    reward: 250
    tip: "Footings set the pace for everything above them."
  - key: framing
    title: Frame level one
    category: structural
    cost: 80
    reward: 300
    constraints: [crew]
    tip: "Framing crews are shared across sites; confirm before you pull."
  - key: drywall
    title: Hang drywall
    category: interior
    cost: 40
    reward: 150
    tip: "Interior work only flows once the envelope is closed."
  - key: paint
    title: Prime and paint
    category: interior
    cost: 20
    reward: 90
    tip: "Small batches keep the painters moving."
  - key: ductwork
    title: Rough-in ductwork
    category: systems
    cost: 50
    reward: 200
    constraints: [material]
    tip: "Long-lead items: check the delivery before promising."
  - key: electrical
    title: Electrical rough-in
    category: systems
    cost: 45
    reward: 180
    constraints: [approval, crew]
    tip: "Two open constraints means it is not ready, whatever the schedule says."
  - key: site-office
    title: Set up site office
    category: management
    cost: 10
    reward: 60
    tip: "Cheap, fast, and it frees the superintendent."
  - key: permits
    title: Chase permits
    category: management
    cost: 5
    reward: 80
    constraints: [approval]
    tip: "Approvals move at the inspector's pace, not yours."

chapters:
  kanban:
    first_day: 1
    last_day: 5
    execution_from_day: 1
    rules:
      move_to_ready: {from_day: 1}
      move: {from_day: 1}
      set_wip_limit: {from_day: 1}
  last-planner:
    first_day: 6
    last_day: 12
    execution_from_day: 10
    rules:
      move_to_ready: {from_day: 6}
      set_wip_limit: {from_day: 6}
      inspect_constraints: {from_day: 7}
      remove_constraint: {from_day: 8}
      commit: {from_day: 9, phases: [planning]}
      move: {from_day: 10, phases: [execution]}

script:
  - chapter: kanban
    day: 2
    action: refill
    templates: [paint, permits]
  - chapter: kanban
    day: 3
    action: block_category
    stage: doing
    category: structural
    reason: "High winds ground the crane"
  - chapter: kanban
    day: 4
    action: refill
    count: 2
  - chapter: last-planner
    day: 6
    action: refill
    templates: [framing, electrical, ductwork, paint]
  - chapter: last-planner
    day: 8
    action: inject_constraint
    category: systems
    constraint: approval
    reason: "Inspector requests revised drawings"
  - chapter: last-planner
    day: 11
    action: block_category
    stage: doing
    category: structural
    reason: "Storm front"
`
