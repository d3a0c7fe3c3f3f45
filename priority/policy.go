package priority

import (
	"fmt"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/ecoachlabs/ideamine-engine/task"
)

type (
	// Selection names the victim-picking strategy of a rule.
	Selection string

	// Condition is the utilization trigger of a rule.
	Condition struct {
		Resource  string  `yaml:"resource" json:"resource"`
		Threshold float64 `yaml:"threshold" json:"threshold"` // percent
	}

	// Action describes what a fired rule does.
	Action struct {
		Preempt   []task.PriorityClass `yaml:"preempt" json:"preempt"`
		Count     int                  `yaml:"count" json:"count"`
		Selection Selection            `yaml:"selection" json:"selection"`
	}

	// Rule is one ordered preemption rule.
	Rule struct {
		Name      string    `yaml:"name" json:"name"`
		Condition Condition `yaml:"condition" json:"condition"`
		Action    Action    `yaml:"action" json:"action"`
		Priority  int       `yaml:"priority" json:"priority"`
	}

	// Policy is the full ordered rule set, typically loaded from YAML.
	Policy struct {
		Rules []Rule `yaml:"rules" json:"rules"`
	}
)

const (
	LongestRunning  Selection = "longest-running"
	Newest          Selection = "newest"
	HighestResource Selection = "highest-resource"
	LowestPriority  Selection = "lowest-priority"
)

// LoadPolicy parses and validates a YAML policy document.
func LoadPolicy(raw []byte) (*Policy, error) {
	var p Policy
	if err := yaml.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("parse preemption policy: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Validate checks every rule.
func (p *Policy) Validate() error {
	if len(p.Rules) == 0 {
		return fmt.Errorf("preemption policy has no rules")
	}
	for i, r := range p.Rules {
		if r.Condition.Resource == "" {
			return fmt.Errorf("rule %d (%s): resource is required", i, r.Name)
		}
		if r.Condition.Threshold <= 0 || r.Condition.Threshold > 100 {
			return fmt.Errorf("rule %d (%s): threshold %.1f out of (0,100]", i, r.Name, r.Condition.Threshold)
		}
		if len(r.Action.Preempt) == 0 {
			return fmt.Errorf("rule %d (%s): no classes to preempt", i, r.Name)
		}
		for _, c := range r.Action.Preempt {
			if !c.Valid() {
				return fmt.Errorf("rule %d (%s): unknown class %q", i, r.Name, c)
			}
			if !c.Preemptible() {
				return fmt.Errorf("rule %d (%s): class %s is never preempted", i, r.Name, c)
			}
		}
		if r.Action.Count <= 0 {
			return fmt.Errorf("rule %d (%s): count must be positive", i, r.Name)
		}
		switch r.Action.Selection {
		case LongestRunning, Newest, HighestResource, LowestPriority:
		default:
			return fmt.Errorf("rule %d (%s): unknown selection %q", i, r.Name, r.Action.Selection)
		}
	}
	return nil
}

// Sorted returns the rules ordered by priority, highest first. Ties keep
// declaration order.
func (p *Policy) Sorted() []Rule {
	out := make([]Rule, len(p.Rules))
	copy(out, p.Rules)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority > out[j].Priority })
	return out
}

// classRank orders classes for lowest-priority selection: P3 before P2
// before P1.
var classRank = map[task.PriorityClass]int{
	task.P0: 0,
	task.P1: 1,
	task.P2: 2,
	task.P3: 3,
}

// selectVictims orders candidates by the strategy and takes the first count.
func selectVictims(candidates []*task.Task, sel Selection, count int) []*task.Task {
	out := make([]*task.Task, len(candidates))
	copy(out, candidates)
	switch sel {
	case LongestRunning:
		sort.SliceStable(out, func(i, j int) bool { return startedBefore(out[i], out[j]) })
	case Newest:
		sort.SliceStable(out, func(i, j int) bool { return startedBefore(out[j], out[i]) })
	case HighestResource:
		sort.SliceStable(out, func(i, j int) bool { return out[i].Budget.Tokens > out[j].Budget.Tokens })
	case LowestPriority:
		sort.SliceStable(out, func(i, j int) bool {
			return classRank[out[i].PriorityClass] > classRank[out[j].PriorityClass]
		})
	}
	if count < len(out) {
		out = out[:count]
	}
	return out
}

func startedBefore(a, b *task.Task) bool {
	switch {
	case a.StartedAt == nil:
		return false
	case b.StartedAt == nil:
		return true
	default:
		return a.StartedAt.Before(*b.StartedAt)
	}
}
