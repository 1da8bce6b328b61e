package agent

import (
	"context"

	"github.com/google/uuid"

	"github.com/jcafeitosa/omni-agent/pkg/models"
)

// SDKEventSink converts internal AgentEvents to the external SDKEvent union
// (§6) and sends them to a channel. It plays the same role ChunkAdapterSink
// plays for the legacy ResponseChunk shape, but targets the spec's
// consumer-facing Query stream instead.
type SDKEventSink struct {
	ch chan<- *models.SDKEvent
}

// NewSDKEventSink creates a sink that converts events to SDKEvents.
func NewSDKEventSink(ch chan<- *models.SDKEvent) *SDKEventSink {
	return &SDKEventSink{ch: ch}
}

// Emit converts the event to zero or one SDKEvent and sends it (non-blocking
// except for terminal result events, which are never dropped).
func (s *SDKEventSink) Emit(ctx context.Context, e models.AgentEvent) {
	evt := agentEventToSDKEvent(e)
	if evt == nil {
		return
	}

	if evt.Type == models.SDKEventResult {
		select {
		case s.ch <- evt:
		case <-ctx.Done():
		}
		return
	}

	select {
	case s.ch <- evt:
	case <-ctx.Done():
	default:
	}
}

func agentEventToSDKEvent(e models.AgentEvent) *models.SDKEvent {
	switch e.Type {
	case models.AgentEventModelDelta:
		if e.Stream == nil || e.Stream.Delta == "" {
			return nil
		}
		return &models.SDKEvent{
			Type: models.SDKEventText,
			UUID: uuid.NewString(),
			Text: e.Stream.Delta,
		}

	case models.AgentEventModelCompleted:
		if e.Stream == nil {
			return nil
		}
		return &models.SDKEvent{
			Type:     models.SDKEventText,
			UUID:     uuid.NewString(),
			Text:     e.Stream.Final,
			Provider: e.Stream.Provider,
			Model:    e.Stream.Model,
			Usage: &models.UsageSnapshot{
				InputTokens:  e.Stream.InputTokens,
				OutputTokens: e.Stream.OutputTokens,
			},
		}

	case models.AgentEventToolStarted:
		if e.Tool == nil {
			return nil
		}
		return &models.SDKEvent{
			Type:      models.SDKEventToolUse,
			UUID:      uuid.NewString(),
			Tool:      e.Tool.Name,
			ToolUseID: e.Tool.CallID,
		}

	case models.AgentEventToolFinished:
		if e.Tool == nil {
			return nil
		}
		evt := &models.SDKEvent{
			Type:      models.SDKEventToolResult,
			UUID:      uuid.NewString(),
			Tool:      e.Tool.Name,
			ToolUseID: e.Tool.CallID,
			Result:    string(e.Tool.ResultJSON),
			IsError:   !e.Tool.Success,
		}
		if !e.Tool.Success && e.Error != nil {
			code := models.ErrCodeToolExecutionFailed
			if e.Error.Code != "" {
				code = models.ErrorCode(e.Error.Code)
			}
			evt.Error = &models.SDKErrorDetail{
				Code:      code,
				Source:    models.ErrSourceTool,
				Message:   e.Error.Message,
				Retryable: e.Error.Retriable,
			}
		}
		return evt

	case models.AgentEventToolTimedOut:
		if e.Tool == nil {
			return nil
		}
		msg := "tool execution timed out"
		if e.Error != nil && e.Error.Message != "" {
			msg = e.Error.Message
		}
		return &models.SDKEvent{
			Type:      models.SDKEventToolResult,
			UUID:      uuid.NewString(),
			Tool:      e.Tool.Name,
			ToolUseID: e.Tool.CallID,
			Result:    msg,
			IsError:   true,
			Error: &models.SDKErrorDetail{
				Code:      models.ErrCodeToolExecutionFailed,
				Source:    models.ErrSourceTool,
				Message:   msg,
				Retryable: false,
			},
		}

	case models.AgentEventRunStarted:
		return &models.SDKEvent{
			Type:          models.SDKEventStatus,
			UUID:          uuid.NewString(),
			StatusSubtype: models.SDKStatusInfo,
			Message:       "Agent loop started",
		}

	case models.AgentEventContextPacked:
		return &models.SDKEvent{
			Type:          models.SDKEventStatus,
			UUID:          uuid.NewString(),
			StatusSubtype: models.SDKStatusInfo,
			Message:       "Auto-compaction applied.",
		}

	case models.AgentEventRunError, models.AgentEventRunCancelled, models.AgentEventRunTimedOut:
		if e.Error == nil {
			return nil
		}
		code := models.ErrCodeAgentLoopFailed
		if e.Type == models.AgentEventRunCancelled {
			code = models.ErrCodeInterrupted
		}
		if e.Error.Code != "" {
			code = models.ErrorCode(e.Error.Code)
		}
		return &models.SDKEvent{
			Type:          models.SDKEventResult,
			UUID:          uuid.NewString(),
			ResultSubtype: models.SDKResultError,
			Result:        e.Error.Message,
			Error: &models.SDKErrorDetail{
				Code:      code,
				Source:    models.ErrSourceCore,
				Message:   e.Error.Message,
				Retryable: e.Error.Retriable,
			},
		}

	case models.AgentEventRunFinished:
		return &models.SDKEvent{
			Type:          models.SDKEventResult,
			UUID:          uuid.NewString(),
			ResultSubtype: models.SDKResultSuccess,
		}

	default:
		return nil
	}
}
