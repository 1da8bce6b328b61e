package agent

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/jcafeitosa/omni-agent/internal/policy"
	"github.com/jcafeitosa/omni-agent/pkg/models"
)

// QueryHandle is the external-facing async event iterator over SDKEvents
// (§4.7 / C11). It wraps Runtime.ProcessStream, translating the internal
// AgentEvent bus into the consumer-facing SDKEvent union via SDKEventSink,
// and layers on the cancellable-query surface consumers expect: interrupt,
// close, promptSuggestion, setPermissionMode.
type QueryHandle struct {
	events  <-chan *models.SDKEvent
	cancel  context.CancelFunc
	state   *SessionState
	perms   *policy.Manager

	interrupted atomic.Bool
	closeOnce   sync.Once
}

// StartQuery runs a query against the runtime and returns a handle over its
// SDKEvent stream. perms may be nil if the caller does not need live
// setPermissionMode support. state holds the query's own view of the
// conversation (§3 C2) for promptSuggestion; Runtime.ProcessStream loads and
// persists history through the session store independently.
func StartQuery(ctx context.Context, rt *Runtime, session *models.Session, msg *models.Message, state *SessionState, perms *policy.Manager) (*QueryHandle, error) {
	queryCtx, cancel := context.WithCancel(ctx)

	agentEvents, err := rt.ProcessStream(queryCtx, session, msg)
	if err != nil {
		cancel()
		return nil, err
	}

	if state != nil && msg != nil {
		state.AddMessage(msg)
	}

	sdkEvents := make(chan *models.SDKEvent, 64)
	sink := NewSDKEventSink(sdkEvents)

	go func() {
		defer close(sdkEvents)
		for e := range agentEvents {
			sink.Emit(queryCtx, e)
		}
	}()

	return &QueryHandle{
		events: sdkEvents,
		cancel: cancel,
		state:  state,
		perms:  perms,
	}, nil
}

// Events returns the channel of SDKEvents. It closes exactly once, after the
// terminal `result` event has been delivered.
func (q *QueryHandle) Events() <-chan *models.SDKEvent {
	return q.events
}

// Interrupt sets the interrupted flag; the next loop/tool-iteration boundary
// observes the cancelled context and emits a terminal result with
// code=INTERRUPTED.
func (q *QueryHandle) Interrupt() {
	q.interrupted.Store(true)
	q.cancel()
}

// Close is an alias for Interrupt used by scoped resources (defer q.Close()).
func (q *QueryHandle) Close() {
	q.closeOnce.Do(q.Interrupt)
}

// Interrupted reports whether Interrupt/Close has been called.
func (q *QueryHandle) Interrupted() bool {
	return q.interrupted.Load()
}

// SetPermissionMode mutates the PermissionManager live (§4.7). A no-op if
// the query was started without a permission manager.
func (q *QueryHandle) SetPermissionMode(mode policy.Mode) {
	if q.perms != nil {
		q.perms.SetMode(mode)
	}
}

// PromptSuggestion synthesises three suggestions from the session tail
// (§4.7): if the last tool result was an error, propose
// investigate/retry/root-cause; else if the last assistant message had
// text, propose continue/validate/summarise; else propose
// goal/plan/risk-review.
func (q *QueryHandle) PromptSuggestion() [3]string {
	var messages []*models.Message
	if q.state != nil {
		messages = q.state.GetMessages()
	}
	if len(messages) == 0 {
		return [3]string{
			"What is the goal of this task?",
			"Can you outline a plan before proceeding?",
			"What risks should we review first?",
		}
	}

	last := messages[len(messages)-1]

	for i := len(last.ToolResults) - 1; i >= 0; i-- {
		if last.ToolResults[i].IsError {
			return [3]string{
				"Investigate why the last tool call failed.",
				"Retry the failed tool call with adjusted arguments.",
				"Find the root cause of the failure before continuing.",
			}
		}
	}

	if last.Role == models.RoleAssistant && last.Content != "" {
		return [3]string{
			"Continue from where we left off.",
			"Validate the last result before moving on.",
			"Summarise progress so far.",
		}
	}

	return [3]string{
		"What is the goal of this task?",
		"Can you outline a plan before proceeding?",
		"What risks should we review first?",
	}
}
