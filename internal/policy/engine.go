// Package policy implements the layered rule engine and permission-mode
// gating described by the agent execution engine: PolicyRule evaluation for
// tool calls and turn-level checks (PolicyEngine), and mode-parameterized
// allow/deny/ask gating on top of it (PermissionManager).
package policy

import (
	"regexp"
	"sync"
)

// Effect is the outcome of evaluating a PolicyRule or the final decision
// returned by the engine.
type Effect string

const (
	EffectAllow Effect = "allow"
	EffectDeny  Effect = "deny"
	EffectAsk   Effect = "ask"
)

// Tier orders rule sources from least to most authoritative. Ties in
// priority are broken by descending tier.
type Tier int

const (
	TierAgent Tier = iota
	TierWorkspace
	TierUser
	TierAdmin
	TierEnterprise
)

// Mode is a PermissionManager operating mode.
type Mode string

const (
	ModeDefault  Mode = "default"
	ModeAccept   Mode = "acceptEdits"
	ModePlan     Mode = "plan"
	ModeBypass   Mode = "bypassPermissions"
	ModeDontAsk  Mode = "dontAsk"
)

// ArgMatcher matches one field of a tool call's input either by equality
// (Value set) or by regular expression (Pattern set).
type ArgMatcher struct {
	Value   any
	Pattern *regexp.Regexp
}

func (m ArgMatcher) matches(v any) bool {
	if m.Pattern != nil {
		s, ok := v.(string)
		if !ok {
			return false
		}
		return m.Pattern.MatchString(s)
	}
	return v == m.Value
}

// Rule is a single PolicyRule (§3). Tools/CommandPatterns/ArgMatchers/Modes
// are predicates; a nil or empty predicate field is treated as "matches
// anything" for that dimension.
type Rule struct {
	ID              string
	Effect          Effect
	Tools           []string
	CommandPatterns []*regexp.Regexp
	ArgMatchers     map[string]ArgMatcher
	Modes           []Mode
	Priority        int
	Tier            Tier
	Reason          string
	BoundToMode     bool // true when Modes is an explicit scoping predicate, not a wildcard
}

func (r *Rule) matchesTool(toolName string) bool {
	if len(r.Tools) == 0 {
		return true
	}
	for _, t := range r.Tools {
		if t == toolName {
			return true
		}
	}
	return false
}

func (r *Rule) matchesCommand(command string) bool {
	if len(r.CommandPatterns) == 0 {
		return true
	}
	for _, p := range r.CommandPatterns {
		if p.MatchString(command) {
			return true
		}
	}
	return false
}

func (r *Rule) matchesArgs(input map[string]any) bool {
	for field, matcher := range r.ArgMatchers {
		v, ok := input[field]
		if !ok || !matcher.matches(v) {
			return false
		}
	}
	return true
}

func (r *Rule) matchesMode(mode Mode) bool {
	if len(r.Modes) == 0 {
		return true
	}
	for _, m := range r.Modes {
		if m == mode {
			return true
		}
	}
	return false
}

func (r *Rule) boundToMode(mode Mode) bool {
	return r.BoundToMode && r.matchesMode(mode)
}

// ToolCheck is the input to PolicyEngine.EvaluateTool.
type ToolCheck struct {
	ToolName       string
	Input          map[string]any
	PermissionMode Mode
	AgentName      string
	TurnCount      int
	CostUsd        float64
}

// TurnCheck is the input to PolicyEngine.EvaluateTurn.
type TurnCheck struct {
	AgentName      string
	TurnCount      int
	CostUsd        float64
	PermissionMode Mode
}

// Decision is the outcome of a policy evaluation.
type Decision struct {
	Behavior    Effect
	Reason      string
	RuleID      string
	Suggestions []string
}

// Engine evaluates tool and turn rules deterministically per §4.4.
type Engine struct {
	mu        sync.RWMutex
	toolRules []*Rule
	turnRules []*Rule
	audit     *AuditTrail
}

// NewEngine creates a policy engine backed by the given audit trail. A nil
// trail disables auditing (tests may pass nil).
func NewEngine(audit *AuditTrail) *Engine {
	return &Engine{audit: audit}
}

// AddToolRule registers a rule consulted by EvaluateTool.
func (e *Engine) AddToolRule(r *Rule) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.toolRules = append(e.toolRules, r)
}

// AddTurnRule registers a rule consulted by EvaluateTurn.
func (e *Engine) AddTurnRule(r *Rule) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.turnRules = append(e.turnRules, r)
}

// orderRules sorts a snapshot of rules per the §4.4 ordering: rules bound to
// the current mode first, then descending priority, then descending tier.
func orderRules(rules []*Rule, mode Mode) []*Rule {
	ordered := make([]*Rule, len(rules))
	copy(ordered, rules)
	sortStable(ordered, func(a, b *Rule) bool {
		aBound, bBound := a.boundToMode(mode), b.boundToMode(mode)
		if aBound != bBound {
			return aBound
		}
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		return a.Tier > b.Tier
	})
	return ordered
}

// sortStable is a tiny stable insertion sort; rule sets are small (tens, not
// thousands) so this avoids pulling in sort.Slice's reflection overhead at
// the hot tool-call path.
func sortStable(rules []*Rule, less func(a, b *Rule) bool) {
	for i := 1; i < len(rules); i++ {
		j := i
		for j > 0 && less(rules[j], rules[j-1]) {
			rules[j], rules[j-1] = rules[j-1], rules[j]
			j--
		}
	}
}

// EvaluateTool implements PolicyEngine.evaluateTool (§4.4).
func (e *Engine) EvaluateTool(c ToolCheck) Decision {
	e.mu.RLock()
	rules := orderRules(e.toolRules, c.PermissionMode)
	e.mu.RUnlock()

	command, _ := c.Input["command"].(string)

	for _, r := range rules {
		if !r.matchesMode(c.PermissionMode) {
			continue
		}
		if !r.matchesTool(c.ToolName) {
			continue
		}
		if len(r.CommandPatterns) > 0 && !r.matchesCommand(command) {
			continue
		}
		if !r.matchesArgs(c.Input) {
			continue
		}
		d := Decision{Behavior: r.Effect, Reason: r.Reason, RuleID: r.ID}
		e.recordAudit(c.AgentName, r.ID, d)
		return d
	}

	d := Decision{Behavior: EffectAllow, Reason: "no matching rule"}
	e.recordAudit(c.AgentName, "", d)
	return d
}

// EvaluateTurn implements PolicyEngine.evaluateTurn (§4.4).
func (e *Engine) EvaluateTurn(c TurnCheck) Decision {
	e.mu.RLock()
	rules := orderRules(e.turnRules, c.PermissionMode)
	e.mu.RUnlock()

	for _, r := range rules {
		if !r.matchesMode(c.PermissionMode) {
			continue
		}
		d := Decision{Behavior: r.Effect, Reason: r.Reason, RuleID: r.ID}
		e.recordAudit(c.AgentName, r.ID, d)
		return d
	}

	d := Decision{Behavior: EffectAllow, Reason: "no matching rule"}
	e.recordAudit(c.AgentName, "", d)
	return d
}

func (e *Engine) recordAudit(actor, ruleID string, d Decision) {
	if e.audit == nil {
		return
	}
	e.audit.Record(Entry{
		Actor:    actor,
		RuleID:   ruleID,
		Behavior: d.Behavior,
		Reason:   d.Reason,
	})
}
