package policy

import (
	"context"

	"github.com/jcafeitosa/omni-agent/internal/audit"
)

// Entry is one recorded policy decision.
type Entry struct {
	Actor    string
	RuleID   string
	Behavior Effect
	Reason   string
}

// AuditTrail records PolicyEngine decisions independently of the Event Log,
// per §4.4: decisions remain inspectable even after event-log retention has
// compacted away the originating turn. It adapts the engine's Decision shape
// onto the audit package's permission-decision event.
type AuditTrail struct {
	logger     *audit.Logger
	sessionKey string
}

// NewAuditTrail wraps an audit.Logger for policy decision recording.
func NewAuditTrail(logger *audit.Logger, sessionKey string) *AuditTrail {
	return &AuditTrail{logger: logger, sessionKey: sessionKey}
}

// Record appends a policy decision to the audit log.
func (t *AuditTrail) Record(e Entry) {
	if t == nil || t.logger == nil {
		return
	}
	t.logger.LogPermissionDecision(
		context.Background(),
		e.Behavior == EffectAllow,
		e.Actor,
		e.RuleID,
		string(e.Behavior),
		e.Reason,
		t.sessionKey,
	)
}
