package agent

import (
	"fmt"
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/codeperch/perch/gateway"
	"github.com/codeperch/perch/tools"
)

const (
	// defaultBlockCharLimit caps each attached context block.
	defaultBlockCharLimit = 20000

	// defaultTotalBlockCharLimit caps the blocks in aggregate, so many
	// individually-legal blocks cannot flood the system prompt.
	defaultTotalBlockCharLimit = 80000

	// contextWarnRatio is the usage fraction past which the session emits
	// a context warning.
	contextWarnRatio = 0.8
)

// ContextBlock is a named document attached to the system prompt, such
// as a project instructions file.
type ContextBlock struct {
	Name    string `json:"name"`
	Content string `json:"content"`
}

// Assembler builds the model-facing view of a conversation: the system
// prompt with its attached blocks, followed by the turn history rendered
// as messages. Oversized blocks are cut with an explicit marker rather
// than dropped.
type Assembler struct {
	BaseInstructions    string
	UserInstructions    string
	Blocks              []ContextBlock
	BlockCharLimit      int
	TotalBlockCharLimit int

	// MaxHistoryTurns caps how many trailing turns are sent. A leading
	// compaction summary always survives the cap. Zero means no cap
	// (compaction governs growth instead).
	MaxHistoryTurns int
}

// NewAssembler creates an Assembler with the default block cap.
func NewAssembler(baseInstructions string) *Assembler {
	return &Assembler{
		BaseInstructions: baseInstructions,
		BlockCharLimit:   defaultBlockCharLimit,
	}
}

// AddBlock attaches a named context block.
func (a *Assembler) AddBlock(name, content string) {
	a.Blocks = append(a.Blocks, ContextBlock{Name: name, Content: content})
}

// SystemPrompt renders the full system prompt: base instructions,
// environment facts, attached blocks, then user instructions last so
// they take precedence.
func (a *Assembler) SystemPrompt(env tools.Environment) string {
	var b strings.Builder
	b.WriteString(a.BaseInstructions)

	if env != nil {
		fmt.Fprintf(&b, "\n\n# Environment\n\nWorking directory: %s\nPlatform: %s\n",
			env.WorkingDirectory(), env.Platform())
	}

	limit := a.BlockCharLimit
	if limit <= 0 {
		limit = defaultBlockCharLimit
	}
	total := a.TotalBlockCharLimit
	if total <= 0 {
		total = defaultTotalBlockCharLimit
	}

	used, omitted := 0, 0
	for _, block := range a.Blocks {
		content := block.Content
		if len(content) > limit {
			content = content[:limit] +
				fmt.Sprintf("\n[truncated: %d characters removed]", len(block.Content)-limit)
		}
		if remaining := total - used; len(content) > remaining {
			if remaining <= 0 {
				omitted++
				continue
			}
			content = content[:remaining] + "\n[truncated: aggregate context limit reached]"
			used = total
		} else {
			used += len(content)
		}
		fmt.Fprintf(&b, "\n\n# %s\n\n%s", block.Name, content)
	}
	if omitted > 0 {
		fmt.Fprintf(&b, "\n\n[%d context blocks omitted: aggregate context limit reached]", omitted)
	}

	if a.UserInstructions != "" {
		b.WriteString("\n\n# User Instructions\n\n")
		b.WriteString(a.UserInstructions)
	}
	return b.String()
}

// BuildMessages assembles the request message list: system prompt first,
// then the history in order, capped to the most recent turns when a
// cap is set. A dropped span is replaced by an explicit marker so the
// model knows the transcript is incomplete.
func (a *Assembler) BuildMessages(env tools.Environment, history []Turn) []gateway.Message {
	messages := []gateway.Message{gateway.SystemMessage(a.SystemPrompt(env))}

	if a.MaxHistoryTurns > 0 && len(history) > a.MaxHistoryTurns {
		var kept []Turn
		if history[0].Kind == TurnCompaction {
			kept = append(kept, history[0])
		}
		dropped := len(history) - len(kept) - a.MaxHistoryTurns
		kept = append(kept, NewSystemTurn(fmt.Sprintf("[%d earlier turns omitted]", dropped)))
		tail := history[len(history)-a.MaxHistoryTurns:]
		// Never lead the kept window with orphaned tool results.
		for len(tail) > 0 && tail[0].Kind == TurnToolResults {
			tail = tail[1:]
		}
		history = append(kept, tail...)
	}

	return append(messages, ConvertHistoryToMessages(history)...)
}

var (
	encoderOnce sync.Once
	encoder     *tiktoken.Tiktoken
)

// EstimateTokens counts tokens across a message list. It uses a real
// tokenizer when the encoding loads and falls back to the chars/4
// heuristic when it doesn't (the encoding download can fail offline).
func EstimateTokens(messages []gateway.Message) int {
	encoderOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			encoder = enc
		}
	})

	total := 0
	for _, msg := range messages {
		for _, part := range msg.Content {
			text := partText(part)
			if text == "" {
				continue
			}
			if encoder != nil {
				total += len(encoder.Encode(text, nil, nil))
			} else {
				total += len(text) / 4
			}
		}
		// Per-message framing overhead.
		total += 4
	}
	return total
}

func partText(part gateway.ContentPart) string {
	switch part.Kind {
	case gateway.ContentText:
		return part.Text
	case gateway.ContentToolCall:
		if part.ToolCall != nil {
			return part.ToolCall.Name + string(part.ToolCall.Arguments)
		}
	case gateway.ContentToolResult:
		if part.ToolResult != nil {
			return part.ToolResult.Content
		}
	case gateway.ContentThinking:
		if part.Thinking != nil {
			return part.Thinking.Text
		}
	}
	return ""
}

// ContextUsage reports estimated usage as a fraction of the model's
// context window.
func ContextUsage(messages []gateway.Message, model string) float64 {
	window := gateway.ContextWindow(model)
	if window <= 0 {
		return 0
	}
	return float64(EstimateTokens(messages)) / float64(window)
}
