package agent

import (
	"time"

	"github.com/codeperch/perch/gateway"
	"github.com/codeperch/perch/tools"
)

// TurnKind discriminates between turn types.
type TurnKind string

const (
	TurnUser        TurnKind = "user"
	TurnAssistant   TurnKind = "assistant"
	TurnToolResults TurnKind = "tool_results"
	TurnSystem      TurnKind = "system"
	TurnSteering    TurnKind = "steering"
	TurnCompaction  TurnKind = "compaction"
)

// Turn is a single entry in the conversation history.
type Turn struct {
	ID          string           `json:"id"`
	Kind        TurnKind         `json:"kind"`
	Timestamp   time.Time        `json:"timestamp"`
	User        *UserTurn        `json:"user,omitempty"`
	Assistant   *AssistantTurn   `json:"assistant,omitempty"`
	ToolResults *ToolResultsTurn `json:"tool_results,omitempty"`
	System      *SystemTurn      `json:"system,omitempty"`
	Steering    *SteeringTurn    `json:"steering,omitempty"`
	Compaction  *CompactionTurn  `json:"compaction,omitempty"`
}

// UserTurn holds user input.
type UserTurn struct {
	Content string `json:"content"`
}

// AssistantTurn holds the model's response.
type AssistantTurn struct {
	Content    string             `json:"content"`
	ToolCalls  []gateway.ToolCall `json:"tool_calls,omitempty"`
	Reasoning  string             `json:"reasoning,omitempty"`
	Usage      gateway.Usage      `json:"usage"`
	ResponseID string             `json:"response_id,omitempty"`
}

// ToolResultsTurn holds tool execution results.
type ToolResultsTurn struct {
	Results []tools.Result `json:"results"`
}

// SystemTurn holds a system message.
type SystemTurn struct {
	Content string `json:"content"`
}

// SteeringTurn holds an injected steering message.
type SteeringTurn struct {
	Content string `json:"content"`
}

// CompactionTurn is a synthetic summary that replaces a span of older
// turns. Replaced counts how many turns it stands in for.
type CompactionTurn struct {
	Summary  string `json:"summary"`
	Replaced int    `json:"replaced"`
}

func newTurn(kind TurnKind) Turn {
	return Turn{ID: newID(), Kind: kind, Timestamp: time.Now()}
}

// NewUserTurn creates a Turn wrapping user input.
func NewUserTurn(content string) Turn {
	t := newTurn(TurnUser)
	t.User = &UserTurn{Content: content}
	return t
}

// NewAssistantTurn creates a Turn wrapping an assistant response.
func NewAssistantTurn(content string, toolCalls []gateway.ToolCall, reasoning string, usage gateway.Usage, responseID string) Turn {
	t := newTurn(TurnAssistant)
	t.Assistant = &AssistantTurn{
		Content:    content,
		ToolCalls:  toolCalls,
		Reasoning:  reasoning,
		Usage:      usage,
		ResponseID: responseID,
	}
	return t
}

// NewToolResultsTurn creates a Turn wrapping tool results.
func NewToolResultsTurn(results []tools.Result) Turn {
	t := newTurn(TurnToolResults)
	t.ToolResults = &ToolResultsTurn{Results: results}
	return t
}

// NewSystemTurn creates a Turn wrapping a system message.
func NewSystemTurn(content string) Turn {
	t := newTurn(TurnSystem)
	t.System = &SystemTurn{Content: content}
	return t
}

// NewSteeringTurn creates a Turn wrapping an injected steering message.
func NewSteeringTurn(content string) Turn {
	t := newTurn(TurnSteering)
	t.Steering = &SteeringTurn{Content: content}
	return t
}

// NewCompactionTurn creates a synthetic summary turn.
func NewCompactionTurn(summary string, replaced int) Turn {
	t := newTurn(TurnCompaction)
	t.Compaction = &CompactionTurn{Summary: summary, Replaced: replaced}
	return t
}

// TextContent returns the text content of a turn regardless of its kind.
func (t Turn) TextContent() string {
	switch t.Kind {
	case TurnUser:
		if t.User != nil {
			return t.User.Content
		}
	case TurnAssistant:
		if t.Assistant != nil {
			return t.Assistant.Content
		}
	case TurnSystem:
		if t.System != nil {
			return t.System.Content
		}
	case TurnSteering:
		if t.Steering != nil {
			return t.Steering.Content
		}
	case TurnCompaction:
		if t.Compaction != nil {
			return t.Compaction.Summary
		}
	}
	return ""
}

// ConvertHistoryToMessages converts the turn-based history into gateway
// messages. Compaction turns render as system messages standing in for
// the spans they replaced.
func ConvertHistoryToMessages(history []Turn) []gateway.Message {
	var messages []gateway.Message
	for _, turn := range history {
		switch turn.Kind {
		case TurnUser:
			if turn.User != nil {
				messages = append(messages, gateway.UserMessage(turn.User.Content))
			}
		case TurnAssistant:
			if turn.Assistant != nil {
				msg := gateway.AssistantMessage(turn.Assistant.Content)
				for _, tc := range turn.Assistant.ToolCalls {
					msg.Content = append(msg.Content,
						gateway.ToolCallPart(tc.ID, tc.Name, tc.Arguments))
				}
				messages = append(messages, msg)
			}
		case TurnToolResults:
			if turn.ToolResults != nil {
				for _, result := range turn.ToolResults.Results {
					messages = append(messages,
						gateway.ToolResultMessage(result.CallID, result.Content, result.IsError))
				}
			}
		case TurnSystem:
			if turn.System != nil {
				messages = append(messages, gateway.SystemMessage(turn.System.Content))
			}
		case TurnSteering:
			// Steering turns are sent as user messages so the model treats
			// them as additional instructions.
			if turn.Steering != nil {
				messages = append(messages, gateway.UserMessage(turn.Steering.Content))
			}
		case TurnCompaction:
			if turn.Compaction != nil {
				messages = append(messages,
					gateway.SystemMessage("Summary of earlier conversation:\n\n"+turn.Compaction.Summary))
			}
		}
	}
	return messages
}
