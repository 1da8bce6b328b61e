package policy

import "sync"

// sideEffectTools are tools PermissionManager treats as having side effects
// for the purposes of `plan` mode and `default` mode's read-only carve-out.
// Callers extend this via SetSideEffectTools for their own tool catalog.
var defaultSideEffectTools = map[string]bool{
	"write": true,
	"edit":  true,
	"bash":  true,
	"exec":  true,
}

// defaultEditTools are the file-edit tools `acceptEdits` allows outright.
var defaultEditTools = map[string]bool{
	"write": true,
	"edit":  true,
}

// Manager wraps a PolicyEngine with mode semantics (§4.4 PermissionManager).
type Manager struct {
	mu              sync.RWMutex
	engine          *Engine
	mode            Mode
	sideEffectTools map[string]bool
	editTools       map[string]bool
}

// NewManager creates a PermissionManager in the given mode.
func NewManager(engine *Engine, mode Mode) *Manager {
	if mode == "" {
		mode = ModeDefault
	}
	return &Manager{
		engine:          engine,
		mode:            mode,
		sideEffectTools: defaultSideEffectTools,
		editTools:       defaultEditTools,
	}
}

// SetMode mutates the live permission mode; used by the Query Handle's
// setPermissionMode (§4.7).
func (m *Manager) SetMode(mode Mode) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mode = mode
}

// Mode returns the current permission mode.
func (m *Manager) Mode() Mode {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.mode
}

// SetSideEffectTools overrides the set of tools considered to have side
// effects for `plan`/`default` mode carve-outs.
func (m *Manager) SetSideEffectTools(tools map[string]bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sideEffectTools = tools
}

// SetEditTools overrides the set of tools `acceptEdits` allows outright.
func (m *Manager) SetEditTools(tools map[string]bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.editTools = tools
}

// CheckPermission applies mode semantics on top of the underlying engine's
// verdict, per §4.4:
//   - plan: denies tools with side effects, returning suggestion text.
//   - acceptEdits: allows file-edit tools outright.
//   - bypassPermissions: allows everything.
//   - dontAsk: collapses `ask` to `allow`.
//   - default: collapses `ask` to `allow` for read-only tools, else `deny`
//     with suggestions.
func (m *Manager) CheckPermission(c ToolCheck) Decision {
	m.mu.RLock()
	mode := m.mode
	sideEffect := m.sideEffectTools[c.ToolName]
	edit := m.editTools[c.ToolName]
	m.mu.RUnlock()

	c.PermissionMode = mode

	if mode == ModeBypass {
		return Decision{Behavior: EffectAllow, Reason: "bypassPermissions mode"}
	}

	if mode == ModePlan && sideEffect {
		return Decision{
			Behavior:    EffectDeny,
			Reason:      "plan mode denies tools with side effects",
			Suggestions: []string{"Switch to acceptEdits or default mode to execute this tool"},
		}
	}

	if mode == ModeAccept && edit {
		return Decision{Behavior: EffectAllow, Reason: "acceptEdits mode allows file-edit tools"}
	}

	d := m.engine.EvaluateTool(c)

	switch d.Behavior {
	case EffectAsk:
		switch mode {
		case ModeDontAsk:
			d.Behavior = EffectAllow
		case ModeDefault:
			if sideEffect {
				d.Behavior = EffectDeny
				if len(d.Suggestions) == 0 {
					d.Suggestions = []string{"Re-run with acceptEdits or bypassPermissions to allow this tool"}
				}
			} else {
				d.Behavior = EffectAllow
			}
		}
	}

	return d
}

// CheckTurn applies §4.4's evaluateTurn, used for budget caps and max-turn
// enforcement ahead of a model call.
func (m *Manager) CheckTurn(c TurnCheck) Decision {
	m.mu.RLock()
	c.PermissionMode = m.mode
	m.mu.RUnlock()
	return m.engine.EvaluateTurn(c)
}
