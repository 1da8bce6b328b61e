package agent

import (
	"fmt"
	"sync"

	"github.com/jcafeitosa/omni-agent/pkg/models"
)

// Usage is cumulative token usage for a SessionState (§4.2).
type Usage struct {
	InputTokens    int
	OutputTokens   int
	ThinkingTokens int
}

// CompactOptions parameterizes SessionState.CompactHistory (§4.2).
type CompactOptions struct {
	MaxTokens           int
	TargetRatio         float64 // default 0.8
	InjectSummary       bool    // default true
	SummaryPrefix       string  // default "Compaction summary"
	PreserveSystemPrompt bool   // default true
}

// DefaultCompactOptions returns §4.2's defaults.
func DefaultCompactOptions(maxTokens int) CompactOptions {
	return CompactOptions{
		MaxTokens:            maxTokens,
		TargetRatio:          0.8,
		InjectSummary:        true,
		SummaryPrefix:        "Compaction summary",
		PreserveSystemPrompt: true,
	}
}

// maxDroppedForSummary caps how many of the dropped messages feed the
// synthesized summary (§4.2: "the most recent 24 dropped messages").
const maxDroppedForSummary = 24

// summaryLinePreviewChars is the per-message preview length in the summary.
const summaryLinePreviewChars = 220

// SessionState is the in-memory conversation state owned by a single Agent
// Loop query (C2, §3): message list, usage counters, steering/follow-up
// queues, and the token estimator + compactor. It is built on top of the
// teacher's SteeringQueue (steering.go) for the queue half and adds the
// spec's exact token-estimation and compaction-law semantics, which the
// teacher's CompactionManager (compaction.go) does not implement verbatim
// (that manager targets a flush-prompt workflow, not a hard token budget).
type SessionState struct {
	mu sync.Mutex

	systemPrompt string
	messages     []*models.Message
	usage        Usage
	queue        *SteeringQueue
}

// NewSessionState creates an empty session state with the given system prompt.
func NewSessionState(systemPrompt string) *SessionState {
	return &SessionState{
		systemPrompt: systemPrompt,
		queue:        NewSteeringQueue(),
	}
}

// Queue exposes the underlying steering/follow-up queue for Steer/FollowUp calls.
func (s *SessionState) Queue() *SteeringQueue { return s.queue }

// SetSystemPrompt mutates the system prompt (system prompt is mutable via commands, §3).
func (s *SessionState) SetSystemPrompt(prompt string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.systemPrompt = prompt
}

// GetSystemPrompt returns the current system prompt.
func (s *SessionState) GetSystemPrompt() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.systemPrompt
}

// AddMessage appends a message. Messages are never mutated in place once
// appended (§3 Message lifecycle); callers must not reuse pointers after
// passing them here if they intend to mutate fields.
func (s *SessionState) AddMessage(msg *models.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, msg)
}

// GetMessages returns a snapshot of the message list.
func (s *SessionState) GetMessages() []*models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// AddUsage accumulates token usage onto the running total.
func (s *SessionState) AddUsage(u Usage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.usage.InputTokens += u.InputTokens
	s.usage.OutputTokens += u.OutputTokens
	s.usage.ThinkingTokens += u.ThinkingTokens
}

// Usage returns the cumulative usage.
func (s *SessionState) Usage() Usage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usage
}

// CalculateApproximateCost multiplies accumulated usage by a per-million-token
// rate card; callers in the cost-analytics path (C12) use the richer
// rules-based resolver instead — this is the cheap budget-check path C10
// step 3 consults on every turn boundary.
func (s *SessionState) CalculateApproximateCost(inputRatePerM, outputRatePerM, thinkingRatePerM float64) float64 {
	u := s.Usage()
	return float64(u.InputTokens)/1e6*inputRatePerM +
		float64(u.OutputTokens)/1e6*outputRatePerM +
		float64(u.ThinkingTokens)/1e6*thinkingRatePerM
}

// EstimateContextTokens implements §4.2's token estimator. It must stay
// monotone-consistent with the message list: appending a message can only
// increase the estimate, never decrease it.
func (s *SessionState) EstimateContextTokens() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return estimateMessagesTokens(s.messages)
}

func estimateMessagesTokens(messages []*models.Message) int {
	total := 0
	for _, m := range messages {
		total += estimateMessageTokens(m)
	}
	return total
}

func estimateMessageTokens(m *models.Message) int {
	tokens := 4 // role header
	tokens += bytesToTokens(len(m.Content))

	for _, tc := range m.ToolCalls {
		tokens += bytesToTokens(len(tc.Input)) + 10
	}
	for _, tr := range m.ToolResults {
		tokens += bytesToTokens(len(tr.Content)) + 10
	}
	for _, a := range m.Attachments {
		tokens += estimateAttachmentTokens(a)
	}
	return tokens
}

func bytesToTokens(n int) int {
	return n / 4
}

// estimateAttachmentTokens applies §4.2's structured penalties: image = 170
// flat tokens; document/citation/code_execution add JSON-bytes/4 plus a
// fixed per-kind penalty (20/8/16 respectively).
func estimateAttachmentTokens(a models.Attachment) int {
	switch a.Type {
	case "image", "image_url":
		return 170
	case "document":
		return bytesToTokens(len(a.URL)+len(a.Filename)) + 20
	case "citation":
		return bytesToTokens(len(a.URL)) + 8
	case "code_execution":
		return bytesToTokens(len(a.Filename)) + 16
	default:
		return bytesToTokens(len(a.URL) + len(a.Filename))
	}
}

// CompactHistory implements §4.2's compaction algorithm. It drops messages
// from the front past any pinned prefix (index 0 if the first message is
// system), never orphaning a tool_call/tool_result pair (P1), until the
// running estimate is at or below maxTokens*targetRatio. When messages were
// dropped and InjectSummary is set, it prepends a synthesized "Compaction
// summary" assistant message built from the most recent 24 dropped messages,
// placed immediately after a preserved system prompt.
func (s *SessionState) CompactHistory(opts CompactOptions) {
	if opts.TargetRatio <= 0 {
		opts.TargetRatio = 0.8
	}
	if opts.SummaryPrefix == "" {
		opts.SummaryPrefix = "Compaction summary"
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	target := float64(opts.MaxTokens) * opts.TargetRatio

	pinnedPrefix := 0
	if opts.PreserveSystemPrompt && len(s.messages) > 0 && s.messages[0].Role == models.RoleSystem {
		pinnedPrefix = 1
	}

	if pinnedPrefix >= len(s.messages) {
		return
	}

	var dropped []*models.Message
	dropEnd := pinnedPrefix

	for dropEnd < len(s.messages) {
		remaining := append(append([]*models.Message{}, s.messages[:pinnedPrefix]...), s.messages[dropEnd:]...)
		if float64(estimateMessagesTokens(remaining)) <= target {
			break
		}

		msg := s.messages[dropEnd]
		dropped = append(dropped, msg)
		dropEnd++

		if hasPairedToolResult(msg) && dropEnd < len(s.messages) && isToolResultMessage(s.messages[dropEnd]) {
			dropped = append(dropped, s.messages[dropEnd])
			dropEnd++
		}
	}

	if len(dropped) == 0 {
		return
	}

	s.messages = append(append([]*models.Message{}, s.messages[:pinnedPrefix]...), s.messages[dropEnd:]...)

	if opts.InjectSummary {
		summary := buildCompactionSummary(dropped, opts.SummaryPrefix)
		tail := append([]*models.Message{summary}, s.messages[pinnedPrefix:]...)
		s.messages = append(append([]*models.Message{}, s.messages[:pinnedPrefix]...), tail...)
	}
}

func hasPairedToolResult(m *models.Message) bool {
	return m.Role == models.RoleAssistant && len(m.ToolCalls) > 0
}

func isToolResultMessage(m *models.Message) bool {
	return m.Role == models.RoleTool && len(m.ToolResults) > 0
}

func buildCompactionSummary(dropped []*models.Message, prefix string) *models.Message {
	tail := dropped
	if len(tail) > maxDroppedForSummary {
		tail = tail[len(tail)-maxDroppedForSummary:]
	}

	lines := make([]string, 0, len(tail)+1)
	lines = append(lines, prefix)
	for _, m := range tail {
		preview := m.Content
		if len(preview) > summaryLinePreviewChars {
			preview = preview[:summaryLinePreviewChars] + "..."
		}
		lines = append(lines, fmt.Sprintf("- %s: %s", m.Role, preview))
	}

	text := lines[0]
	for _, l := range lines[1:] {
		text += "\n" + l
	}

	return &models.Message{
		Role:    models.RoleAssistant,
		Content: text,
	}
}
