package usage

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jcafeitosa/omni-agent/internal/eventlog"
)

func sampleEvents() []eventlog.Entry {
	return []eventlog.Entry{
		{
			Ts:   1000,
			Type: "turn_completed",
			Payload: map[string]any{
				"status": "success", "provider": "anthropic", "model": "claude-3-5-sonnet",
				"inputTokens": float64(1_000_000), "outputTokens": float64(500_000), "thinkingTokens": float64(0),
			},
		},
		{
			Ts:   2000,
			Type: "turn_completed",
			Payload: map[string]any{
				"status": "error", "provider": "ollama", "model": "llama3",
				"inputTokens": float64(1000), "outputTokens": float64(1000), "thinkingTokens": float64(0),
			},
		},
		{Ts: 3000, Type: "tool_call"},
	}
}

func TestSummarizeTurnCostsDropsFailedByDefault(t *testing.T) {
	summary := SummarizeTurnCosts(sampleEvents(), SummarizeOptions{IncludeFailedTurns: false})
	if len(summary.Turns) != 1 {
		t.Fatalf("expected 1 successful turn, got %d", len(summary.Turns))
	}
	if summary.Turns[0].EstimatedCostUsd <= 0 {
		t.Fatalf("expected positive cost, got %v", summary.Turns[0].EstimatedCostUsd)
	}
}

func TestSummarizeTurnCostsIncludesFailedWhenRequested(t *testing.T) {
	summary := SummarizeTurnCosts(sampleEvents(), SummarizeOptions{IncludeFailedTurns: true})
	if len(summary.Turns) != 2 {
		t.Fatalf("expected 2 turns, got %d", len(summary.Turns))
	}
	ollama := summary.Turns[1]
	if ollama.PricingSource != "built-in" || ollama.EstimatedCostUsd != 0 {
		t.Fatalf("expected ollama's built-in zero rate, got %+v", ollama)
	}
}

func TestExportCostSummaryCSVHeader(t *testing.T) {
	summary := SummarizeTurnCosts(sampleEvents(), SummarizeOptions{IncludeFailedTurns: true})
	path := filepath.Join(t.TempDir(), "costs.csv")
	if err := ExportCostSummary(summary, path, ExportCSV); err != nil {
		t.Fatalf("ExportCostSummary: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open export: %v", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	header, err := r.Read()
	if err != nil {
		t.Fatalf("read header: %v", err)
	}
	expected := []string{"ts", "status", "provider", "model", "input_tokens", "output_tokens", "thinking_tokens", "estimated_cost_usd", "pricing_source"}
	if len(header) != len(expected) {
		t.Fatalf("header length mismatch: %v", header)
	}
	for i, col := range expected {
		if header[i] != col {
			t.Fatalf("header[%d] = %q, want %q", i, header[i], col)
		}
	}
}

func TestExportCostSummaryJSONL(t *testing.T) {
	summary := SummarizeTurnCosts(sampleEvents(), SummarizeOptions{IncludeFailedTurns: true})
	path := filepath.Join(t.TempDir(), "costs.jsonl")
	if err := ExportCostSummary(summary, path, ExportJSONL); err != nil {
		t.Fatalf("ExportCostSummary: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != len(summary.Turns) {
		t.Fatalf("expected %d lines, got %d", len(summary.Turns), len(lines))
	}
}

func TestTranscriptToMarkdown(t *testing.T) {
	md := TranscriptToMarkdown([]TranscriptEntry{
		{Kind: "tool_use", Ts: 100, Tool: "bash", ID: "t1"},
		{Kind: "tool_result", Ts: 101, Tool: "bash", ID: "t1", IsError: false},
		{Kind: "turn", Ts: 102, Status: "success", Provider: "anthropic", Model: "claude-3-5-sonnet"},
	})

	wantLines := []string{
		"- [100] [tool_use] bash id=t1",
		"- [101] [tool_result] bash id=t1 status=success",
		"- [102] [turn] status=success provider=anthropic model=claude-3-5-sonnet",
	}
	got := strings.Split(md, "\n")
	if len(got) != len(wantLines) {
		t.Fatalf("line count mismatch: got %d want %d", len(got), len(wantLines))
	}
	for i := range wantLines {
		if got[i] != wantLines[i] {
			t.Fatalf("line %d: got %q want %q", i, got[i], wantLines[i])
		}
	}
}
