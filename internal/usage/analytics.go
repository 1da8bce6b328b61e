package usage

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/jcafeitosa/omni-agent/internal/eventlog"
	modelcatalog "github.com/jcafeitosa/omni-agent/internal/models"
)

// TurnCostRecord is one summarized turn_completed event (§3 TurnCostRecord).
type TurnCostRecord struct {
	Ts               int64   `json:"ts"`
	Provider         string  `json:"provider,omitempty"`
	Model            string  `json:"model,omitempty"`
	Status           string  `json:"status"`
	InputTokens      int64   `json:"inputTokens"`
	OutputTokens     int64   `json:"outputTokens"`
	ThinkingTokens   int64   `json:"thinkingTokens"`
	EstimatedCostUsd float64 `json:"estimatedCostUsd"`
	PricingSource    string  `json:"pricingSource"`
}

// RateCard gives a (provider, model) pair's per-million-token rates.
type RateCard struct {
	Provider     string
	Model        string
	InputRate    float64
	OutputRate   float64
	ThinkingRate float64
}

// builtinRateCards is the fallback rate card consulted when no caller
// supplied rule matches (§4.10: "built-in rate card (e.g. provider=ollama
// -> 0)"). Keyed by provider; model-specific entries take precedence via
// matchRate. Rates are derived from internal/models' catalog (C3's
// provider/model registry) rather than duplicated here, so adding a model
// to the catalog automatically prices it for cost reporting.
var builtinRateCards = buildBuiltinRateCards()

func buildBuiltinRateCards() []RateCard {
	cards := []RateCard{
		{Provider: "ollama", InputRate: 0, OutputRate: 0, ThinkingRate: 0},
	}
	for _, m := range modelcatalog.List(nil) {
		names := append([]string{m.ID}, m.Aliases...)
		for _, name := range names {
			cards = append(cards, RateCard{
				Provider:     string(m.Provider),
				Model:        name,
				InputRate:    m.InputPrice,
				OutputRate:   m.OutputPrice,
				ThinkingRate: m.OutputPrice,
			})
		}
	}
	return cards
}

// SummarizeOptions parameterizes SummarizeTurnCosts (§4.10).
type SummarizeOptions struct {
	IncludeFailedTurns bool
	DefaultRate        RateCard
	Rules              []RateCard
}

// CostSummary is SummarizeTurnCosts' result: the flat per-turn list plus
// aggregates by provider and by model.
type CostSummary struct {
	Turns        []TurnCostRecord   `json:"turns"`
	ByProvider   map[string]float64 `json:"byProvider"`
	ByModel      map[string]float64 `json:"byModel"`
	TotalCostUsd float64            `json:"totalCostUsd"`
}

// SummarizeTurnCosts implements §4.10's summarizeTurnCosts: iterate
// turn_completed entries from the Event Log, drop non-success turns unless
// IncludeFailedTurns, resolve a rate card per turn, and aggregate.
func SummarizeTurnCosts(events []eventlog.Entry, opts SummarizeOptions) CostSummary {
	summary := CostSummary{
		ByProvider: make(map[string]float64),
		ByModel:    make(map[string]float64),
	}

	for _, e := range events {
		if e.Type != "turn_completed" {
			continue
		}

		status := stringField(e.Payload, "status")
		if status != "success" && !opts.IncludeFailedTurns {
			continue
		}

		provider := stringField(e.Payload, "provider")
		model := stringField(e.Payload, "model")
		input := intField(e.Payload, "inputTokens")
		output := intField(e.Payload, "outputTokens")
		thinking := intField(e.Payload, "thinkingTokens")

		rate, source := resolveRate(provider, model, opts)
		cost := float64(input)/1e6*rate.InputRate +
			float64(output)/1e6*rate.OutputRate +
			float64(thinking)/1e6*rate.ThinkingRate

		record := TurnCostRecord{
			Ts:               e.Ts,
			Provider:         provider,
			Model:            model,
			Status:           status,
			InputTokens:      input,
			OutputTokens:     output,
			ThinkingTokens:   thinking,
			EstimatedCostUsd: cost,
			PricingSource:    source,
		}
		summary.Turns = append(summary.Turns, record)
		summary.ByProvider[provider] += cost
		summary.ByModel[modelKey(provider, model)] += cost
		summary.TotalCostUsd += cost
	}

	return summary
}

func modelKey(provider, model string) string {
	if provider == "" {
		return model
	}
	return provider + "/" + model
}

func stringField(payload map[string]any, key string) string {
	v, _ := payload[key].(string)
	return v
}

func intField(payload map[string]any, key string) int64 {
	switch v := payload[key].(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	case int:
		return int64(v)
	default:
		return 0
	}
}

// resolveRate matches rules[] on (provider, model) first, falling back to
// the built-in rate card, then opts.DefaultRate.
func resolveRate(provider, model string, opts SummarizeOptions) (RateCard, string) {
	if rc, ok := matchRate(opts.Rules, provider, model); ok {
		return rc, "rule"
	}
	if rc, ok := matchRate(builtinRateCards, provider, model); ok {
		return rc, "built-in"
	}
	return opts.DefaultRate, "default"
}

func matchRate(cards []RateCard, provider, model string) (RateCard, bool) {
	var providerOnly *RateCard
	for i := range cards {
		c := &cards[i]
		if c.Provider != provider {
			continue
		}
		if c.Model == model && model != "" {
			return *c, true
		}
		if c.Model == "" && providerOnly == nil {
			providerOnly = c
		}
	}
	if providerOnly != nil {
		return *providerOnly, true
	}
	return RateCard{}, false
}

// ExportFormat selects ExportCostSummary's output encoding.
type ExportFormat string

const (
	ExportJSON  ExportFormat = "json"
	ExportJSONL ExportFormat = "jsonl"
	ExportCSV   ExportFormat = "csv"
)

// csvHeader is §4.10's fixed column order (P8).
var csvHeader = []string{"ts", "status", "provider", "model", "input_tokens", "output_tokens", "thinking_tokens", "estimated_cost_usd", "pricing_source"}

// ExportCostSummary writes summary to path in the requested format (§4.10).
func ExportCostSummary(summary CostSummary, path string, format ExportFormat) error {
	var data []byte
	var err error

	switch format {
	case ExportJSON:
		data, err = json.MarshalIndent(summary, "", "  ")
	case ExportJSONL:
		var buf bytes.Buffer
		for _, t := range summary.Turns {
			b, merr := json.Marshal(t)
			if merr != nil {
				return merr
			}
			buf.Write(b)
			buf.WriteByte('\n')
		}
		data = buf.Bytes()
	case ExportCSV:
		data, err = turnsToCSV(summary.Turns)
	default:
		return fmt.Errorf("unsupported export format: %s", format)
	}
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0o644)
}

func turnsToCSV(turns []TurnCostRecord) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	if err := w.Write(csvHeader); err != nil {
		return nil, err
	}
	for _, t := range turns {
		row := []string{
			fmt.Sprintf("%d", t.Ts),
			t.Status,
			t.Provider,
			t.Model,
			fmt.Sprintf("%d", t.InputTokens),
			fmt.Sprintf("%d", t.OutputTokens),
			fmt.Sprintf("%d", t.ThinkingTokens),
			fmt.Sprintf("%g", t.EstimatedCostUsd),
			t.PricingSource,
		}
		if err := w.Write(row); err != nil {
			return nil, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// TranscriptEntry is one line of a transcript fed to TranscriptToMarkdown:
// either a message (role+text), a tool_use, a tool_result, or a turn
// summary, discriminated by Kind.
type TranscriptEntry struct {
	Ts       int64
	Kind     string // "message" | "tool_use" | "tool_result" | "turn"
	Role     string
	Text     string
	Tool     string
	ID       string
	IsError  bool
	Status   string
	Provider string
	Model    string
}

// TranscriptToMarkdown renders entries into the four deterministic line
// formats §4.10 specifies.
func TranscriptToMarkdown(entries []TranscriptEntry) string {
	lines := make([]string, 0, len(entries))
	for _, e := range entries {
		switch e.Kind {
		case "message":
			ts := time.UnixMilli(e.Ts).UTC().Format(time.RFC3339)
			lines = append(lines, fmt.Sprintf("- [%s] [%s] %s", ts, e.Role, e.Text))
		case "tool_use":
			lines = append(lines, fmt.Sprintf("- [%d] [tool_use] %s id=%s", e.Ts, e.Tool, e.ID))
		case "tool_result":
			status := "success"
			if e.IsError {
				status = "error"
			}
			lines = append(lines, fmt.Sprintf("- [%d] [tool_result] %s id=%s status=%s", e.Ts, e.Tool, e.ID, status))
		case "turn":
			lines = append(lines, fmt.Sprintf("- [%d] [turn] status=%s provider=%s model=%s", e.Ts, e.Status, e.Provider, e.Model))
		}
	}
	return strings.Join(lines, "\n")
}

// SortTurnsByTs returns a ts-ascending-sorted copy, used before rendering
// or exporting a summary whose turns were accumulated out of order.
func SortTurnsByTs(turns []TurnCostRecord) []TurnCostRecord {
	out := make([]TurnCostRecord, len(turns))
	copy(out, turns)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Ts < out[j].Ts })
	return out
}
