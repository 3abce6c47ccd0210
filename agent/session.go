package agent

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/codeperch/perch/gateway"
	"github.com/codeperch/perch/tools"
)

// State is the session's lifecycle state, driven only by the loop.
type State string

const (
	StateIdle        State = "idle"
	StateStreaming   State = "streaming"
	StateToolRunning State = "tool_running"
	StateToolPending State = "tool_pending"
	StateCompacting  State = "compacting"
	StateAborted     State = "aborted"
	StateClosed      State = "closed"
)

// Outcome says why a Submit run stopped.
type Outcome string

const (
	OutcomeCompleted      Outcome = "completed"
	OutcomeRejected       Outcome = "rejected"
	OutcomeLoopDetected   Outcome = "loop_detected"
	OutcomeIterationLimit Outcome = "iteration_limit"
	OutcomeAborted        Outcome = "aborted"
	OutcomeError          Outcome = "error"
)

// RunResult summarizes one processed user input.
type RunResult struct {
	Outcome    Outcome       `json:"outcome"`
	FinalText  string        `json:"final_text"`
	Iterations int           `json:"iterations"`
	Usage      gateway.Usage `json:"usage"`
}

func newID() string { return uuid.New().String() }

// Session orchestrates the conversation loop: it assembles context,
// calls the model, executes tool calls through the executor, and
// re-enters the model with results until a stop condition is reached.
type Session struct {
	id        string
	client    *gateway.Client
	executor  *tools.Executor
	env       tools.Environment
	assembler *Assembler
	compactor *Compactor
	detector  *LoopDetector
	gate      *ApprovalGate
	emitter   *EventEmitter
	config    Config
	logger    *slog.Logger

	mu       sync.Mutex
	state    State
	history  []Turn
	steering []string
	aborted  bool
	cancel   context.CancelFunc
}

// NewSession wires a session from its collaborators. The config's tool
// policy (auto-approve flags, output limits) is merged into the
// executor, and its user instructions reach the assembler unless the
// host already set some.
func NewSession(client *gateway.Client, executor *tools.Executor, env tools.Environment, assembler *Assembler, config Config, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: config.SlogLevel()}))
	}
	sessionID := newID()

	executor.ApplyConfig(config.ExecutorConfig())
	if assembler != nil && assembler.UserInstructions == "" {
		assembler.UserInstructions = config.UserInstructions
	}

	compactor := NewCompactor(DefaultSummarizer(client, config.Model))
	if config.Compaction.MaxTurns > 0 {
		compactor.MaxTurns = config.Compaction.MaxTurns
	}
	if config.Compaction.MaxChars > 0 {
		compactor.MaxChars = config.Compaction.MaxChars
	}
	if config.Compaction.KeepRecent > 0 {
		compactor.KeepRecent = config.Compaction.KeepRecent
	}

	s := &Session{
		id:        sessionID,
		client:    client,
		executor:  executor,
		env:       env,
		assembler: assembler,
		compactor: compactor,
		detector:  NewLoopDetector(executor.Registry().IsWrite),
		gate:      NewApprovalGate(),
		emitter:   NewEventEmitter(sessionID, 256),
		config:    config,
		logger:    logger.With("session_id", sessionID),
		state:     StateIdle,
	}
	s.emitter.Emit(EventSessionStart, map[string]interface{}{"model": config.Model})
	return s
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// History returns a copy of the conversation history.
func (s *Session) History() []Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := make([]Turn, len(s.history))
	copy(h, s.history)
	return h
}

// Events returns the event channel for the host application.
func (s *Session) Events() <-chan SessionEvent {
	return s.emitter.Events()
}

// Approvals exposes the gate so the host can list and resolve pending
// requests.
func (s *Session) Approvals() *ApprovalGate { return s.gate }

// Plan returns the model's current working plan.
func (s *Session) Plan() []tools.PlanStep { return s.executor.Plan() }

// Steer queues a message injected into the history after the current
// tool round, without interrupting execution.
func (s *Session) Steer(message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steering = append(s.steering, message)
}

// Abort stops the loop: the in-flight gateway call is cancelled, a
// pending approval resolves as rejected, and no further tool calls
// execute.
func (s *Session) Abort() {
	s.mu.Lock()
	s.aborted = true
	cancel := s.cancel
	s.mu.Unlock()
	s.gate.Abort()
	if cancel != nil {
		cancel()
	}
}

// Close ends the session and releases the event channel.
func (s *Session) Close() {
	s.mu.Lock()
	s.state = StateClosed
	s.mu.Unlock()
	s.emitter.Emit(EventSessionEnd, map[string]interface{}{"state": string(StateClosed)})
	s.emitter.Close()
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	if s.state == state {
		s.mu.Unlock()
		return
	}
	s.state = state
	s.mu.Unlock()
	s.emitter.Emit(EventStateChange, map[string]interface{}{"state": string(state)})
}

func (s *Session) isAborted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.aborted
}

func (s *Session) appendTurn(t Turn) {
	s.mu.Lock()
	s.history = append(s.history, t)
	s.mu.Unlock()
}

// Submit processes one user input through the conversation loop and
// blocks until a stop condition. Exactly one Submit may run at a time.
func (s *Session) Submit(ctx context.Context, userInput string) (*RunResult, error) {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return nil, fmt.Errorf("session is closed")
	}
	if s.state != StateIdle && s.state != StateAborted {
		s.mu.Unlock()
		return nil, fmt.Errorf("session is busy (state %s)", s.state)
	}
	s.aborted = false
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.mu.Unlock()
	defer func() {
		cancel()
		s.mu.Lock()
		s.cancel = nil
		s.mu.Unlock()
	}()

	s.appendTurn(NewUserTurn(userInput))
	s.emitter.Emit(EventUserInput, map[string]interface{}{"content": userInput})
	s.drainSteering()

	result, err := s.runLoop(ctx)
	if result != nil && result.Outcome == OutcomeAborted {
		s.setState(StateAborted)
	} else {
		s.setState(StateIdle)
	}
	return result, err
}

func (s *Session) runLoop(ctx context.Context) (*RunResult, error) {
	result := &RunResult{}

	for {
		if s.isAborted() || ctx.Err() != nil {
			result.Outcome = OutcomeAborted
			return result, nil
		}
		if result.Iterations >= s.config.MaxIterations {
			s.emitter.Emit(EventIterationLimit, map[string]interface{}{"iterations": result.Iterations})
			result.Outcome = OutcomeIterationLimit
			return result, nil
		}

		if err := s.maybeCompact(ctx); err != nil {
			// Compaction failure is not fatal; the next call may still fit.
			s.logger.Warn("compaction failed", "error", err)
			s.emitter.Emit(EventWarning, map[string]interface{}{"message": err.Error()})
		}

		messages := s.assembler.BuildMessages(s.env, s.History())
		s.warnOnContextUsage(messages)

		s.setState(StateStreaming)
		response, err := s.callModel(ctx, messages)
		if err != nil {
			s.emitter.Emit(EventError, map[string]interface{}{"error": err.Error()})
			result.Outcome = OutcomeError
			if s.isAborted() || ctx.Err() != nil {
				result.Outcome = OutcomeAborted
				return result, nil
			}
			return result, fmt.Errorf("model call failed: %w", err)
		}
		result.Iterations++
		result.Usage = result.Usage.Add(response.Usage)

		toolCalls := response.ToolCalls()
		s.appendTurn(NewAssistantTurn(response.Text(), toolCalls, response.Reasoning(), response.Usage, response.ID))
		s.emitter.Emit(EventAssistantMessage, map[string]interface{}{
			"text":       response.Text(),
			"tool_calls": len(toolCalls),
		})

		if len(toolCalls) == 0 {
			result.FinalText = response.Text()
			result.Outcome = OutcomeCompleted
			return result, nil
		}

		if s.config.EnableLoopDetection {
			if loopErr := s.checkForLoops(toolCalls); loopErr != nil {
				s.emitter.Emit(EventLoopDetected, map[string]interface{}{"message": loopErr.Error()})
				s.appendTurn(NewToolResultsTurn(loopResults(toolCalls, loopErr)))
				s.appendTurn(NewSystemTurn("Stopped: " + loopErr.Error()))
				result.Outcome = OutcomeLoopDetected
				return result, nil
			}
		}
		for _, call := range toolCalls {
			s.detector.Record(call)
			s.emitter.Emit(EventToolCallPending, map[string]interface{}{
				"call_id": call.ID, "tool": call.Name,
			})
		}

		s.setState(StateToolRunning)
		results, execErr := s.executor.ExecuteBatch(ctx, toolCalls, tools.BatchOptions{
			TurnID:   s.currentTurnID(),
			Approve:  s.approveCall,
			OnStatus: s.onToolStatus,
			Aborted:  s.isAborted,
		})
		s.appendTurn(NewToolResultsTurn(results))
		for _, r := range results {
			s.emitter.Emit(EventToolCallEnd, map[string]interface{}{
				"call_id": r.CallID, "tool": r.Tool, "is_error": r.IsError,
			})
		}

		switch execErr {
		case nil:
		case tools.ErrRejected:
			if s.isAborted() {
				result.Outcome = OutcomeAborted
			} else {
				result.Outcome = OutcomeRejected
			}
			return result, nil
		case tools.ErrAborted:
			result.Outcome = OutcomeAborted
			return result, nil
		default:
			result.Outcome = OutcomeError
			return result, fmt.Errorf("tool execution failed: %w", execErr)
		}

		s.drainSteering()
	}
}

// callModel performs one model round-trip with retry on transient
// failures. Streaming forwards text deltas as events and reduces to the
// same terminal Response shape as a blocking call.
func (s *Session) callModel(ctx context.Context, messages []gateway.Message) (*gateway.Response, error) {
	req := gateway.Request{
		Model:      s.config.Model,
		Provider:   s.config.Provider,
		Messages:   messages,
		ToolDefs:   s.executor.Registry().Definitions(),
		ToolChoice: &gateway.ToolChoice{Mode: "auto"},
	}
	policy := s.config.RetryPolicy()
	policy.OnRetry = func(err error, attempt int, delay time.Duration) {
		s.logger.Warn("retrying model call", "attempt", attempt, "delay", delay, "error", err)
	}

	return gateway.Retry(ctx, policy, func(ctx context.Context) (*gateway.Response, error) {
		if !s.config.Streaming {
			return s.client.Complete(ctx, req)
		}
		events, err := s.client.Stream(ctx, req)
		if err != nil {
			return nil, err
		}
		return gateway.Collect(ctx, events, gateway.CollectOptions{
			OnTextDelta: func(delta string) {
				s.emitter.Emit(EventAssistantDelta, map[string]interface{}{"delta": delta})
			},
			OnToolCallStart: func(id, name string) {
				s.emitter.Emit(EventToolCallPending, map[string]interface{}{
					"call_id": id, "tool": name, "streaming": true,
				})
			},
		})
	})
}

// checkForLoops screens a proposed batch before anything executes. The
// batch is checked as a whole so a cycle or repeat completed within one
// multi-call response trips immediately.
func (s *Session) checkForLoops(calls []gateway.ToolCall) *LoopError {
	err := s.detector.CheckBatch(calls)
	if err == nil {
		return nil
	}
	if le, ok := err.(*LoopError); ok {
		return le
	}
	return &LoopError{Rule: "unknown", Detail: err.Error()}
}

// loopResults produces error results for a batch that never ran, so the
// transcript keeps one result per call.
func loopResults(calls []gateway.ToolCall, loopErr *LoopError) []tools.Result {
	results := make([]tools.Result, len(calls))
	for i, call := range calls {
		results[i] = tools.Result{
			CallID:  call.ID,
			Tool:    call.Name,
			Content: "Not executed: " + loopErr.Error(),
			IsError: true,
		}
	}
	return results
}

// approveCall suspends the loop on the gate and surfaces the request to
// the host.
func (s *Session) approveCall(ctx context.Context, call gateway.ToolCall, def tools.Definition) (bool, error) {
	s.setState(StateToolPending)
	defer s.setState(StateToolRunning)

	s.emitter.Emit(EventApprovalRequested, map[string]interface{}{
		"call_id": call.ID, "tool": call.Name, "approval": string(def.Approval),
	})
	approved, err := s.gate.Request(ctx, call, def)
	s.emitter.Emit(EventApprovalResolved, map[string]interface{}{
		"call_id": call.ID, "approved": approved,
	})
	return approved, err
}

func (s *Session) onToolStatus(callID string, status tools.CallStatus) {
	s.emitter.Emit(EventToolCallStatus, map[string]interface{}{
		"call_id": callID, "status": string(status),
	})
}

// currentTurnID returns the id of the most recent user turn, keying
// checkpoints to the input that triggered the mutations.
func (s *Session) currentTurnID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.history) - 1; i >= 0; i-- {
		if s.history[i].Kind == TurnUser {
			return s.history[i].ID
		}
	}
	return ""
}

func (s *Session) maybeCompact(ctx context.Context) error {
	history := s.History()
	if !s.compactor.ShouldCompact(history) {
		return nil
	}

	s.setState(StateCompacting)
	compacted, err := s.compactor.Compact(ctx, history)
	if err != nil {
		return err
	}

	s.mu.Lock()
	// Turns appended while summarizing (steering) must survive.
	tail := s.history[len(history):]
	s.history = append(compacted, tail...)
	s.mu.Unlock()

	s.emitter.Emit(EventCompaction, map[string]interface{}{
		"before": len(history), "after": len(compacted),
	})
	s.logger.Info("history compacted", "before", len(history), "after", len(compacted))
	return nil
}

func (s *Session) warnOnContextUsage(messages []gateway.Message) {
	usage := ContextUsage(messages, s.config.Model)
	if usage > contextWarnRatio {
		s.emitter.Emit(EventWarning, map[string]interface{}{
			"message": fmt.Sprintf("Context usage at ~%d%% of the model window", int(usage*100)),
		})
	}
}

// drainSteering injects queued steering messages into the history.
func (s *Session) drainSteering() {
	s.mu.Lock()
	messages := make([]string, len(s.steering))
	copy(messages, s.steering)
	s.steering = s.steering[:0]
	s.mu.Unlock()

	for _, msg := range messages {
		s.appendTurn(NewSteeringTurn(msg))
		s.emitter.Emit(EventSteeringInjected, map[string]interface{}{"content": msg})
	}
}
