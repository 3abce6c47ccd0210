package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/codeperch/perch/gateway"
)

// defaultSummaryCharLimit caps the synthetic summary so a verbose
// summarizer can never make the history grow.
const defaultSummaryCharLimit = 20000

const compactionPrompt = `Summarize the conversation below for continuation in a fresh context.
Preserve: the user's goals, decisions made, files examined or modified,
tool outcomes that matter for next steps, and any unresolved problems.
Be specific about paths and names. Write plain prose, no preamble.`

// Summarizer condenses a span of history into prose.
type Summarizer func(ctx context.Context, span []Turn) (string, error)

// Compactor replaces older history with a single synthetic summary turn
// when the conversation outgrows its thresholds. The most recent turns
// are always kept verbatim.
type Compactor struct {
	// MaxTurns triggers compaction when the history is longer. Zero
	// disables the turn-count trigger.
	MaxTurns int
	// MaxChars triggers compaction when the rendered history is larger.
	// Zero disables the size trigger.
	MaxChars int
	// KeepRecent is how many trailing turns survive verbatim.
	KeepRecent int
	// MaxSummaryChars bounds the summary length. Zero falls back to the
	// default cap.
	MaxSummaryChars int
	// Summarize produces the replacement summary.
	Summarize Summarizer
}

// NewCompactor returns a Compactor with sensible thresholds and the
// given summarizer.
func NewCompactor(summarize Summarizer) *Compactor {
	return &Compactor{
		MaxTurns:   80,
		MaxChars:   400000,
		KeepRecent: 10,
		Summarize:  summarize,
	}
}

// ShouldCompact reports whether the history exceeds a threshold and has
// enough compactable prefix for a summary to actually shrink it.
func (c *Compactor) ShouldCompact(history []Turn) bool {
	if len(history) <= c.KeepRecent+1 {
		return false
	}
	if c.MaxTurns > 0 && len(history) > c.MaxTurns {
		return true
	}
	if c.MaxChars > 0 && historyChars(history) > c.MaxChars {
		return true
	}
	return false
}

// Compact summarizes everything except the trailing KeepRecent turns
// into one synthetic turn. The split never separates an assistant turn
// from its tool results. Compacting an already-compacted history folds
// the previous summary into the new one, so repeated runs converge
// instead of growing.
func (c *Compactor) Compact(ctx context.Context, history []Turn) ([]Turn, error) {
	if c.Summarize == nil {
		return nil, fmt.Errorf("compaction: no summarizer configured")
	}

	split := len(history) - c.KeepRecent
	if split < 1 {
		return history, nil
	}
	// Tool results must stay adjacent to the assistant turn that issued
	// the calls.
	for split < len(history) && history[split].Kind == TurnToolResults {
		split++
	}
	if split >= len(history) {
		return history, nil
	}

	prefix := history[:split]
	if len(prefix) == 1 && prefix[0].Kind == TurnCompaction {
		// Already compacted down to a single summary.
		return history, nil
	}

	summary, err := c.Summarize(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("compaction: %w", err)
	}
	limit := c.MaxSummaryChars
	if limit <= 0 {
		limit = defaultSummaryCharLimit
	}
	if len(summary) > limit {
		summary = summary[:limit] +
			fmt.Sprintf("\n[truncated: %d characters removed]", len(summary)-limit)
	}

	replaced := 0
	for _, t := range prefix {
		if t.Kind == TurnCompaction && t.Compaction != nil {
			replaced += t.Compaction.Replaced
		} else {
			replaced++
		}
	}

	compacted := make([]Turn, 0, len(history)-split+1)
	compacted = append(compacted, NewCompactionTurn(summary, replaced))
	compacted = append(compacted, history[split:]...)

	if len(compacted) >= len(history) {
		return nil, fmt.Errorf("compaction: history did not shrink (%d -> %d turns)", len(history), len(compacted))
	}
	if before, after := historyChars(history), historyChars(compacted); after >= before {
		return nil, fmt.Errorf("compaction: history did not shrink (%d -> %d chars)", before, after)
	}
	return compacted, nil
}

// historyChars measures the rendered size of a history.
func historyChars(history []Turn) int {
	total := 0
	for _, turn := range history {
		total += len(turn.TextContent())
		if turn.Kind == TurnToolResults && turn.ToolResults != nil {
			for _, r := range turn.ToolResults.Results {
				total += len(r.Content)
			}
		}
		if turn.Kind == TurnAssistant && turn.Assistant != nil {
			for _, tc := range turn.Assistant.ToolCalls {
				total += len(tc.Arguments)
			}
		}
	}
	return total
}

// RenderTranscript flattens a history span into readable text for the
// summarizer prompt.
func RenderTranscript(span []Turn) string {
	var b strings.Builder
	for _, turn := range span {
		switch turn.Kind {
		case TurnUser:
			fmt.Fprintf(&b, "User: %s\n\n", turn.TextContent())
		case TurnAssistant:
			if turn.Assistant == nil {
				continue
			}
			if turn.Assistant.Content != "" {
				fmt.Fprintf(&b, "Assistant: %s\n", turn.Assistant.Content)
			}
			for _, tc := range turn.Assistant.ToolCalls {
				fmt.Fprintf(&b, "Assistant called %s(%s)\n", tc.Name, tc.Arguments)
			}
			b.WriteString("\n")
		case TurnToolResults:
			if turn.ToolResults == nil {
				continue
			}
			for _, r := range turn.ToolResults.Results {
				status := "ok"
				if r.IsError {
					status = "error"
				}
				fmt.Fprintf(&b, "Result [%s, %s]: %s\n", r.Tool, status, r.Content)
			}
			b.WriteString("\n")
		case TurnSteering:
			fmt.Fprintf(&b, "User (steering): %s\n\n", turn.TextContent())
		case TurnCompaction:
			fmt.Fprintf(&b, "Earlier summary: %s\n\n", turn.TextContent())
		}
	}
	return b.String()
}

// DefaultSummarizer asks the model to condense a history span.
func DefaultSummarizer(client *gateway.Client, model string) Summarizer {
	return func(ctx context.Context, span []Turn) (string, error) {
		resp, err := client.Complete(ctx, gateway.Request{
			Model: model,
			Messages: []gateway.Message{
				gateway.SystemMessage(compactionPrompt),
				gateway.UserMessage(RenderTranscript(span)),
			},
		})
		if err != nil {
			return "", err
		}
		return resp.Text(), nil
	}
}
