package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/jcafeitosa/omni-agent/internal/compaction"
	"github.com/jcafeitosa/omni-agent/pkg/models"
)

// LLMSummarizer adapts an LLMProvider into a compaction.Summarizer, so
// CompactionManager can drive internal/compaction's chunking/staging logic
// with a real model call instead of bare truncation.
type LLMSummarizer struct {
	provider LLMProvider
	model    string
}

// NewLLMSummarizer builds a compaction.Summarizer backed by provider. model
// overrides the provider's default when non-empty.
func NewLLMSummarizer(provider LLMProvider, model string) *LLMSummarizer {
	return &LLMSummarizer{provider: provider, model: model}
}

const summarizerSystemPrompt = "You compact conversation history. Produce a dense, factual summary " +
	"that preserves decisions, open questions, file paths, and tool results a continuing agent would " +
	"need. Do not address the user; write only the summary."

// GenerateSummary implements compaction.Summarizer.
func (s *LLMSummarizer) GenerateSummary(ctx context.Context, messages []*compaction.Message, config *compaction.SummarizationConfig) (string, error) {
	if s == nil || s.provider == nil {
		return "", fmt.Errorf("agent: summarizer has no provider")
	}
	if len(messages) == 0 {
		return compaction.DefaultSummaryFallback, nil
	}

	system := summarizerSystemPrompt
	if config != nil && config.CustomInstructions != "" {
		system = system + "\n\n" + config.CustomInstructions
	}
	if config != nil && config.PreviousSummary != "" {
		system = system + "\n\nPrior summary to extend:\n" + config.PreviousSummary
	}

	model := s.model
	if config != nil && config.Model != "" {
		model = config.Model
	}
	maxTokens := 1024
	if config != nil && config.ReserveTokens > 0 {
		maxTokens = config.ReserveTokens
	}

	req := &CompletionRequest{
		Model:     model,
		System:    system,
		Messages:  []CompletionMessage{{Role: "user", Content: compaction.FormatMessagesForSummary(messages)}},
		MaxTokens: maxTokens,
	}

	chunks, err := s.provider.Complete(ctx, req)
	if err != nil {
		return "", fmt.Errorf("agent: summarize: %w", err)
	}

	var out strings.Builder
	for chunk := range chunks {
		if chunk == nil {
			continue
		}
		if chunk.Error != nil {
			return "", fmt.Errorf("agent: summarize: %w", chunk.Error)
		}
		out.WriteString(chunk.Text)
	}
	if out.Len() == 0 {
		return compaction.DefaultSummaryFallback, nil
	}
	return out.String(), nil
}

// messagesToCompaction converts runtime messages into compaction.Message for
// token estimation and summarization.
func messagesToCompaction(msgs []*models.Message) []*compaction.Message {
	out := make([]*compaction.Message, 0, len(msgs))
	for _, m := range msgs {
		if m == nil {
			continue
		}
		out = append(out, &compaction.Message{
			Role:      string(m.Role),
			Content:   m.Content,
			Timestamp: m.CreatedAt.Unix(),
			ID:        m.ID,
		})
	}
	return out
}
