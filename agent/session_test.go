package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeperch/perch/gateway"
	"github.com/codeperch/perch/tools"
)

// memEnv is an in-memory tools.Environment for loop tests.
type memEnv struct {
	mu    sync.Mutex
	files map[string]string
}

func newMemEnv(files map[string]string) *memEnv {
	if files == nil {
		files = map[string]string{}
	}
	return &memEnv{files: files}
}

func (e *memEnv) ReadFile(path string) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.files[path]
	if !ok {
		return "", fmt.Errorf("read_file: %s: no such file", path)
	}
	return c, nil
}

func (e *memEnv) WriteFile(path, content string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.files[path] = content
	return nil
}

func (e *memEnv) FileExists(path string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.files[path]
	return ok
}

func (e *memEnv) ListDirectory(path string) ([]tools.DirEntry, error) {
	var entries []tools.DirEntry
	e.mu.Lock()
	defer e.mu.Unlock()
	for p := range e.files {
		if filepath.Dir(p) == path {
			entries = append(entries, tools.DirEntry{Name: filepath.Base(p)})
		}
	}
	return entries, nil
}

func (e *memEnv) ExecCommand(ctx context.Context, command string, timeoutMs int, workingDir string) (*tools.ExecResult, error) {
	return &tools.ExecResult{Stdout: "ran: " + command}, nil
}

func (e *memEnv) Grep(ctx context.Context, pattern, path string, options tools.GrepOptions) (string, error) {
	return "", nil
}

func (e *memEnv) Glob(pattern, path string) ([]string, error) { return nil, nil }

func (e *memEnv) WorkingDirectory() string { return "/work" }

func (e *memEnv) Platform() string { return "linux" }

// scriptedAdapter plays back a fixed sequence of responses or errors.
type scriptedAdapter struct {
	mu    sync.Mutex
	steps []scriptStep
	calls int
}

type scriptStep struct {
	resp *gateway.Response
	err  error
}

func (a *scriptedAdapter) Name() string { return "scripted" }

func (a *scriptedAdapter) Complete(ctx context.Context, req gateway.Request) (*gateway.Response, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
	if len(a.steps) == 0 {
		return textResponse("done"), nil
	}
	step := a.steps[0]
	a.steps = a.steps[1:]
	return step.resp, step.err
}

func (a *scriptedAdapter) Stream(ctx context.Context, req gateway.Request) (<-chan gateway.StreamEvent, error) {
	resp, err := a.Complete(ctx, req)
	if err != nil {
		return nil, err
	}
	ch := make(chan gateway.StreamEvent, 1)
	ch <- gateway.StreamEvent{Type: gateway.StreamFinish, Response: resp}
	close(ch)
	return ch, nil
}

func (a *scriptedAdapter) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

func textResponse(text string) *gateway.Response {
	return &gateway.Response{
		Message:      gateway.AssistantMessage(text),
		FinishReason: gateway.FinishReason{Reason: "stop"},
		Usage:        gateway.Usage{InputTokens: 10, OutputTokens: 5, TotalTokens: 15},
	}
}

func toolCallResponse(calls ...gateway.ToolCall) *gateway.Response {
	msg := gateway.Message{Role: gateway.RoleAssistant}
	for _, c := range calls {
		msg.Content = append(msg.Content, gateway.ToolCallPart(c.ID, c.Name, c.Arguments))
	}
	return &gateway.Response{
		Message:      msg,
		FinishReason: gateway.FinishReason{Reason: "tool_calls"},
		Usage:        gateway.Usage{InputTokens: 10, OutputTokens: 5, TotalTokens: 15},
	}
}

func newTestSession(t *testing.T, adapter *scriptedAdapter, env *memEnv, mutate func(*Config)) *Session {
	t.Helper()
	client := gateway.NewClient(gateway.WithProvider("scripted", adapter))

	cfg := DefaultConfig()
	cfg.Provider = "scripted"
	cfg.Streaming = false
	cfg.Retry = RetryConfig{MaxRetries: 2, BaseDelayMs: 1, MaxDelayMs: 2}
	if mutate != nil {
		mutate(&cfg)
	}

	// Tool policy flows from Config into the executor inside NewSession.
	registry := tools.NewRegistry()
	executor := tools.NewExecutor(registry, env, nil, tools.ExecutorConfig{}, nil)
	tools.RegisterCoreTools(registry, executor)

	s := NewSession(client, executor, env, NewAssembler("You are a test assistant."), cfg, nil)
	t.Cleanup(s.Close)
	return s
}

func TestSubmitCompletesWithoutTools(t *testing.T) {
	adapter := &scriptedAdapter{steps: []scriptStep{{resp: textResponse("hello back")}}}
	s := newTestSession(t, adapter, newMemEnv(nil), nil)

	result, err := s.Submit(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, result.Outcome)
	assert.Equal(t, "hello back", result.FinalText)
	assert.Equal(t, 1, result.Iterations)
	assert.Equal(t, 1, adapter.callCount())
	assert.Equal(t, StateIdle, s.State())

	history := s.History()
	require.Len(t, history, 2)
	assert.Equal(t, TurnUser, history[0].Kind)
	assert.Equal(t, TurnAssistant, history[1].Kind)
}

func TestSubmitExecutesToolsThenCompletes(t *testing.T) {
	env := newMemEnv(map[string]string{"/work/main.go": "package main"})
	adapter := &scriptedAdapter{steps: []scriptStep{
		{resp: toolCallResponse(gateway.ToolCall{
			ID: "c1", Name: "read_file", Arguments: json.RawMessage(`{"path":"main.go"}`),
		})},
		{resp: textResponse("it's a Go file")},
	}}
	s := newTestSession(t, adapter, env, nil)

	result, err := s.Submit(context.Background(), "what is in main.go?")
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, result.Outcome)
	assert.Equal(t, 2, result.Iterations)
	assert.Equal(t, 2, adapter.callCount())
	// Usage accumulates across both round-trips.
	assert.Equal(t, 30, result.Usage.TotalTokens)

	history := s.History()
	require.Len(t, history, 4) // user, assistant+call, results, assistant
	assert.Equal(t, TurnToolResults, history[2].Kind)
	require.Len(t, history[2].ToolResults.Results, 1)
	assert.Contains(t, history[2].ToolResults.Results[0].Content, "package main")
	assert.False(t, history[2].ToolResults.Results[0].IsError)
}

func TestSubmitRejectionStopsLoop(t *testing.T) {
	adapter := &scriptedAdapter{steps: []scriptStep{
		{resp: toolCallResponse(gateway.ToolCall{
			ID: "c1", Name: "shell", Arguments: json.RawMessage(`{"command":"rm -rf build"}`),
		})},
	}}
	s := newTestSession(t, adapter, newMemEnv(nil), nil)

	go func() {
		req := waitForPending(t, s.Approvals())
		s.Approvals().Resolve(req.ID, false)
	}()

	result, err := s.Submit(context.Background(), "clean the build dir")
	require.NoError(t, err)
	assert.Equal(t, OutcomeRejected, result.Outcome)
	// The model is not called again after a rejection.
	assert.Equal(t, 1, adapter.callCount())

	history := s.History()
	last := history[len(history)-1]
	require.Equal(t, TurnToolResults, last.Kind)
	assert.True(t, last.ToolResults.Results[0].Rejected)
}

func TestSubmitApprovedToolRuns(t *testing.T) {
	adapter := &scriptedAdapter{steps: []scriptStep{
		{resp: toolCallResponse(gateway.ToolCall{
			ID: "c1", Name: "shell", Arguments: json.RawMessage(`{"command":"go vet"}`),
		})},
		{resp: textResponse("vet is clean")},
	}}
	s := newTestSession(t, adapter, newMemEnv(nil), nil)

	go func() {
		req := waitForPending(t, s.Approvals())
		s.Approvals().Resolve(req.ID, true)
	}()

	result, err := s.Submit(context.Background(), "run go vet")
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, result.Outcome)

	history := s.History()
	assert.Contains(t, history[2].ToolResults.Results[0].Content, "ran: go vet")
}

func TestSubmitAbortDuringApproval(t *testing.T) {
	adapter := &scriptedAdapter{steps: []scriptStep{
		{resp: toolCallResponse(gateway.ToolCall{
			ID: "c1", Name: "shell", Arguments: json.RawMessage(`{"command":"deploy"}`),
		})},
	}}
	s := newTestSession(t, adapter, newMemEnv(nil), nil)

	go func() {
		waitForPending(t, s.Approvals())
		s.Abort()
	}()

	result, err := s.Submit(context.Background(), "ship it")
	require.NoError(t, err)
	assert.Equal(t, OutcomeAborted, result.Outcome)
	assert.Equal(t, StateAborted, s.State())
}

func TestSubmitLoopDetected(t *testing.T) {
	repeat := gateway.ToolCall{ID: "c1", Name: "read_file", Arguments: json.RawMessage(`{"path":"main.go"}`)}
	adapter := &scriptedAdapter{steps: []scriptStep{
		{resp: toolCallResponse(repeat)},
		{resp: toolCallResponse(repeat)},
		{resp: toolCallResponse(repeat)},
		{resp: textResponse("should never get here")},
	}}
	env := newMemEnv(map[string]string{"/work/main.go": "package main"})
	s := newTestSession(t, adapter, env, nil)

	result, err := s.Submit(context.Background(), "loop forever")
	require.NoError(t, err)
	assert.Equal(t, OutcomeLoopDetected, result.Outcome)
	// The third identical proposal is blocked before execution.
	assert.Equal(t, 3, adapter.callCount())

	history := s.History()
	last := history[len(history)-1]
	require.Equal(t, TurnSystem, last.Kind)
	assert.Contains(t, last.System.Content, "repetitive")
}

func TestLoopDetectionSpansUserInputs(t *testing.T) {
	repeat := gateway.ToolCall{ID: "c1", Name: "read_file", Arguments: json.RawMessage(`{"path":"main.go"}`)}
	adapter := &scriptedAdapter{steps: []scriptStep{
		{resp: toolCallResponse(repeat)},
		{resp: textResponse("first answer")},
		{resp: toolCallResponse(repeat)},
		{resp: toolCallResponse(repeat)},
		{resp: textResponse("should never get here")},
	}}
	env := newMemEnv(map[string]string{"/work/main.go": "package main"})
	s := newTestSession(t, adapter, env, nil)

	// The repeated call in the first input still counts toward the
	// threshold in the second; detector state lives for the session.
	first, err := s.Submit(context.Background(), "look at main.go")
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, first.Outcome)

	second, err := s.Submit(context.Background(), "look again")
	require.NoError(t, err)
	assert.Equal(t, OutcomeLoopDetected, second.Outcome)
	assert.Equal(t, 4, adapter.callCount())
}

func TestConfigAutoApproveSkipsGate(t *testing.T) {
	adapter := &scriptedAdapter{steps: []scriptStep{
		{resp: toolCallResponse(gateway.ToolCall{
			ID: "c1", Name: "shell", Arguments: json.RawMessage(`{"command":"go test ./..."}`),
		})},
		{resp: textResponse("tests pass")},
	}}
	s := newTestSession(t, adapter, newMemEnv(nil), func(cfg *Config) {
		cfg.AutoApproveTerminal = true
	})

	// No goroutine resolving the gate: the config flag must carry
	// through to the executor or this submit would hang.
	result, err := s.Submit(context.Background(), "run the tests")
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, result.Outcome)

	history := s.History()
	assert.Contains(t, history[2].ToolResults.Results[0].Content, "ran: go test")
}

func TestSubmitIterationLimit(t *testing.T) {
	adapter := &scriptedAdapter{}
	// Distinct tool calls every round; only the iteration cap can stop it.
	for i := 0; i < 10; i++ {
		adapter.steps = append(adapter.steps, scriptStep{resp: toolCallResponse(gateway.ToolCall{
			ID:        fmt.Sprintf("c%d", i),
			Name:      "read_file",
			Arguments: json.RawMessage(fmt.Sprintf(`{"path":"file%d.go"}`, i)),
		})})
	}
	s := newTestSession(t, adapter, newMemEnv(nil), func(cfg *Config) {
		cfg.MaxIterations = 3
	})

	result, err := s.Submit(context.Background(), "explore")
	require.NoError(t, err)
	assert.Equal(t, OutcomeIterationLimit, result.Outcome)
	assert.Equal(t, 3, result.Iterations)
}

func TestSubmitFatalErrorStops(t *testing.T) {
	adapter := &scriptedAdapter{steps: []scriptStep{
		{err: &gateway.AuthenticationError{ProviderError: gateway.ProviderError{
			GatewayError: gateway.GatewayError{Message: "bad key"},
		}}},
	}}
	s := newTestSession(t, adapter, newMemEnv(nil), nil)

	result, err := s.Submit(context.Background(), "hello")
	require.Error(t, err)
	assert.Equal(t, OutcomeError, result.Outcome)
	// Non-retryable errors are not retried.
	assert.Equal(t, 1, adapter.callCount())
	assert.Equal(t, StateIdle, s.State())
}

func TestSubmitTransientErrorRetried(t *testing.T) {
	transient := &gateway.ServerError{ProviderError: gateway.ProviderError{
		GatewayError: gateway.GatewayError{Message: "overloaded"},
		Retryable:    true,
	}}
	adapter := &scriptedAdapter{steps: []scriptStep{
		{err: transient},
		{err: transient},
		{resp: textResponse("recovered")},
	}}
	s := newTestSession(t, adapter, newMemEnv(nil), nil)

	result, err := s.Submit(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, result.Outcome)
	assert.Equal(t, "recovered", result.FinalText)
	assert.Equal(t, 3, adapter.callCount())
}

func TestSubmitRetriesExhausted(t *testing.T) {
	transient := &gateway.ServerError{ProviderError: gateway.ProviderError{
		GatewayError: gateway.GatewayError{Message: "overloaded"},
		Retryable:    true,
	}}
	adapter := &scriptedAdapter{steps: []scriptStep{
		{err: transient}, {err: transient}, {err: transient}, {err: transient},
	}}
	s := newTestSession(t, adapter, newMemEnv(nil), func(cfg *Config) {
		cfg.Retry.MaxRetries = 2
	})

	result, err := s.Submit(context.Background(), "hello")
	require.Error(t, err)
	assert.Equal(t, OutcomeError, result.Outcome)
	assert.Equal(t, 3, adapter.callCount()) // 1 initial + 2 retries
}

func TestSteeringInjectedIntoHistory(t *testing.T) {
	adapter := &scriptedAdapter{steps: []scriptStep{{resp: textResponse("noted")}}}
	s := newTestSession(t, adapter, newMemEnv(nil), nil)

	s.Steer("also check the tests")
	_, err := s.Submit(context.Background(), "review the code")
	require.NoError(t, err)

	history := s.History()
	require.Len(t, history, 3)
	assert.Equal(t, TurnUser, history[0].Kind)
	assert.Equal(t, TurnSteering, history[1].Kind)
	assert.Equal(t, "also check the tests", history[1].Steering.Content)
}

func TestSubmitWhileBusyFails(t *testing.T) {
	adapter := &scriptedAdapter{steps: []scriptStep{
		{resp: toolCallResponse(gateway.ToolCall{
			ID: "c1", Name: "shell", Arguments: json.RawMessage(`{"command":"sleep"}`),
		})},
	}}
	s := newTestSession(t, adapter, newMemEnv(nil), nil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Submit(context.Background(), "first")
	}()

	req := waitForPending(t, s.Approvals())

	_, err := s.Submit(context.Background(), "second")
	assert.Error(t, err, "concurrent submit must be refused")

	s.Approvals().Resolve(req.ID, false)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("first submit did not finish")
	}
}

func TestStreamingForwardsDeltas(t *testing.T) {
	adapter := &streamingAdapter{}
	client := gateway.NewClient(gateway.WithProvider("scripted", adapter))

	cfg := DefaultConfig()
	cfg.Provider = "scripted"
	cfg.Streaming = true
	cfg.Retry = RetryConfig{MaxRetries: 0, BaseDelayMs: 1, MaxDelayMs: 1}

	env := newMemEnv(nil)
	registry := tools.NewRegistry()
	executor := tools.NewExecutor(registry, env, nil, tools.ExecutorConfig{}, nil)
	tools.RegisterCoreTools(registry, executor)
	s := NewSession(client, executor, env, NewAssembler("assistant"), cfg, nil)
	defer s.Close()

	events := s.Events()
	result, err := s.Submit(context.Background(), "hi")
	require.NoError(t, err)
	assert.Equal(t, "streamed text", result.FinalText)

	var deltas string
	for {
		select {
		case ev := <-events:
			if ev.Kind == EventAssistantDelta {
				deltas += ev.Data["delta"].(string)
			}
			if ev.Kind == EventAssistantMessage {
				assert.Equal(t, "streamed text", deltas)
				return
			}
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for events")
		}
	}
}

// streamingAdapter emits text deltas instead of a single terminal event.
type streamingAdapter struct{}

func (a *streamingAdapter) Name() string { return "scripted" }

func (a *streamingAdapter) Complete(ctx context.Context, req gateway.Request) (*gateway.Response, error) {
	return textResponse("streamed text"), nil
}

func (a *streamingAdapter) Stream(ctx context.Context, req gateway.Request) (<-chan gateway.StreamEvent, error) {
	ch := make(chan gateway.StreamEvent, 4)
	ch <- gateway.StreamEvent{Type: gateway.StreamStart}
	ch <- gateway.StreamEvent{Type: gateway.TextDelta, Delta: "streamed "}
	ch <- gateway.StreamEvent{Type: gateway.TextDelta, Delta: "text"}
	ch <- gateway.StreamEvent{Type: gateway.StreamFinish, FinishReason: &gateway.FinishReason{Reason: "stop"}}
	close(ch)
	return ch, nil
}
