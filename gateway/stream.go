package gateway

import (
	"context"
	"encoding/json"
	"strings"
)

// CollectOptions configures stream reduction.
type CollectOptions struct {
	// OnTextDelta is invoked for each text delta as it arrives, before
	// the terminal response is assembled. Optional.
	OnTextDelta func(delta string)
	// OnToolCallStart is invoked when the model opens a tool call.
	// Optional.
	OnToolCallStart func(id, name string)
}

// Collect consumes an ordered stream of events until a terminal finish or
// error event and reduces it to a Response equivalent to a blocking
// Complete call. Tool-call argument fragments are accumulated per call id
// so that out-of-order interleaving across calls is handled correctly.
func Collect(ctx context.Context, events <-chan StreamEvent, opts CollectOptions) (*Response, error) {
	var text strings.Builder
	argBuffers := make(map[string]*strings.Builder)
	callNames := make(map[string]string)
	var callOrder []string
	var finish *FinishReason
	var usage Usage
	var final *Response

	for {
		select {
		case <-ctx.Done():
			return nil, &AbortError{GatewayError: GatewayError{Message: "stream cancelled", Cause: ctx.Err()}}
		case ev, ok := <-events:
			if !ok {
				// Channel closed without a finish event; treat what we
				// have as the terminal state.
				return assemble(final, text.String(), callOrder, callNames, argBuffers, finish, usage), nil
			}

			switch ev.Type {
			case TextDelta:
				text.WriteString(ev.Delta)
				if opts.OnTextDelta != nil {
					opts.OnTextDelta(ev.Delta)
				}
			case ToolCallStart:
				if _, exists := argBuffers[ev.ToolCallID]; !exists {
					argBuffers[ev.ToolCallID] = &strings.Builder{}
					callOrder = append(callOrder, ev.ToolCallID)
				}
				callNames[ev.ToolCallID] = ev.ToolCallName
				if opts.OnToolCallStart != nil {
					opts.OnToolCallStart(ev.ToolCallID, ev.ToolCallName)
				}
			case ToolCallDelta:
				buf, exists := argBuffers[ev.ToolCallID]
				if !exists {
					buf = &strings.Builder{}
					argBuffers[ev.ToolCallID] = buf
					callOrder = append(callOrder, ev.ToolCallID)
				}
				buf.WriteString(ev.ArgumentsDelta)
			case ToolCallEnd:
				// Argument buffer is complete; nothing to flush until finish.
			case StreamFinish:
				finish = ev.FinishReason
				if ev.Usage != nil {
					usage = *ev.Usage
				}
				final = ev.Response
				return assemble(final, text.String(), callOrder, callNames, argBuffers, finish, usage), nil
			case StreamErrored:
				if ev.Error != nil {
					return nil, ev.Error
				}
				return nil, &StreamFailure{GatewayError: GatewayError{Message: "stream reported an error"}}
			}
		}
	}
}

// assemble builds the terminal Response from accumulated stream state.
// If the provider supplied a full Response on finish, it wins.
func assemble(final *Response, text string, order []string, names map[string]string, args map[string]*strings.Builder, finish *FinishReason, usage Usage) *Response {
	if final != nil {
		return final
	}

	msg := Message{Role: RoleAssistant}
	if text != "" {
		msg.Content = append(msg.Content, TextPart(text))
	}
	for _, id := range order {
		raw := args[id].String()
		if raw == "" {
			raw = "{}"
		}
		msg.Content = append(msg.Content, ToolCallPart(id, names[id], json.RawMessage(raw)))
	}

	reason := FinishReason{Reason: "stop"}
	if len(order) > 0 {
		reason = FinishReason{Reason: "tool_calls"}
	}
	if finish != nil {
		reason = *finish
	}

	return &Response{
		Message:      msg,
		FinishReason: reason,
		Usage:        usage,
	}
}
