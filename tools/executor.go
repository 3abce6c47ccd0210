package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/codeperch/perch/gateway"
)

// CallStatus is the lifecycle state of a single tool call. Transitions
// are monotonic: a call never moves backward or leaves a terminal state.
type CallStatus string

const (
	StatusPending  CallStatus = "pending"
	StatusAwaiting CallStatus = "awaiting"
	StatusRunning  CallStatus = "running"
	StatusSuccess  CallStatus = "success"
	StatusError    CallStatus = "error"
	StatusRejected CallStatus = "rejected"
)

var statusRank = map[CallStatus]int{
	StatusPending:  0,
	StatusAwaiting: 1,
	StatusRunning:  2,
	StatusSuccess:  3,
	StatusError:    3,
	StatusRejected: 3,
}

// AdvanceStatus returns next if the transition from current is legal,
// otherwise it keeps current.
func AdvanceStatus(current, next CallStatus) CallStatus {
	if statusRank[next] > statusRank[current] {
		return next
	}
	return current
}

// Result is the structured outcome of one tool call.
type Result struct {
	CallID   string                 `json:"call_id"`
	Tool     string                 `json:"tool"`
	Content  string                 `json:"content"`
	IsError  bool                   `json:"is_error"`
	Rejected bool                   `json:"rejected,omitempty"`
	Meta     map[string]interface{} `json:"meta,omitempty"`
}

// ApprovalFunc suspends until the human decides. It returns false when
// the call is declined; an error means the wait was aborted.
type ApprovalFunc func(ctx context.Context, call gateway.ToolCall, def Definition) (bool, error)

// StatusFunc receives tool-call status transitions for the UI bridge.
type StatusFunc func(callID string, status CallStatus)

// BatchOptions configures one ExecuteBatch invocation.
type BatchOptions struct {
	// TurnID keys checkpoints to the triggering user turn.
	TurnID string
	// Approve gates write-classified tools whose classification requires
	// confirmation. Nil means nothing is gated.
	Approve ApprovalFunc
	// OnStatus observes status transitions. Optional.
	OnStatus StatusFunc
	// Aborted is polled before the batch starts and before each serial
	// write. Optional.
	Aborted func() bool
}

// ErrRejected is returned by ExecuteBatch when the user declines a
// gated tool call. It stops the conversation loop cleanly.
var ErrRejected = errors.New("tool call rejected by user")

// ErrAborted is returned by ExecuteBatch when the surrounding operation
// was cancelled between tool executions.
var ErrAborted = errors.New("tool execution aborted")

// ExecutorConfig holds user-facing execution policy.
type ExecutorConfig struct {
	// AutoApprove lifts the approval gate for specific tool names.
	// Dangerous-classified tools ignore it.
	AutoApprove map[string]bool
	// AutoApproveTerminal lifts the gate for terminal-classified tools.
	AutoApproveTerminal bool
	// CharLimits and LineLimits override the per-tool output caps.
	CharLimits map[string]int
	LineLimits map[string]int
}

// Executor validates, secures, and dispatches tool calls. One Executor
// exists per session; it owns the session's read-before-write state.
type Executor struct {
	registry    *Registry
	env         Environment
	root        string
	checkpoints Checkpointer
	cfg         ExecutorConfig
	logger      *slog.Logger

	mu    sync.Mutex
	reads map[string]bool
	plan  []PlanStep
}

// NewExecutor creates an Executor rooted at the environment's working
// directory. A nil checkpointer falls back to NullCheckpointer.
func NewExecutor(registry *Registry, env Environment, checkpoints Checkpointer, cfg ExecutorConfig, logger *slog.Logger) *Executor {
	if checkpoints == nil {
		checkpoints = NullCheckpointer{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		registry:    registry,
		env:         env,
		root:        env.WorkingDirectory(),
		checkpoints: checkpoints,
		cfg:         cfg,
		logger:      logger,
		reads:       make(map[string]bool),
	}
}

// Registry returns the executor's tool registry.
func (x *Executor) Registry() *Registry { return x.registry }

// ApplyConfig merges user-facing policy into the executor. Booleans are
// ORed and maps unioned, so settings wired at construction survive a
// later config-file load.
func (x *Executor) ApplyConfig(cfg ExecutorConfig) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if cfg.AutoApproveTerminal {
		x.cfg.AutoApproveTerminal = true
	}
	for name, ok := range cfg.AutoApprove {
		if x.cfg.AutoApprove == nil {
			x.cfg.AutoApprove = make(map[string]bool)
		}
		x.cfg.AutoApprove[name] = ok
	}
	for name, limit := range cfg.CharLimits {
		if x.cfg.CharLimits == nil {
			x.cfg.CharLimits = make(map[string]int)
		}
		x.cfg.CharLimits[name] = limit
	}
	for name, limit := range cfg.LineLimits {
		if x.cfg.LineLimits == nil {
			x.cfg.LineLimits = make(map[string]int)
		}
		x.cfg.LineLimits[name] = limit
	}
}

// MarkRead records that a path's content has been seen this session.
func (x *Executor) MarkRead(path string) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.reads[path] = true
}

// WasRead reports whether a path was read this session.
func (x *Executor) WasRead(path string) bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.reads[path]
}

// ExecuteBatch runs one model turn's tool calls: read-classified calls
// execute concurrently as a single group, then write-classified calls
// execute serially in emitted order, each gated by approval when its
// classification requires it. Results come back indexed by the original
// request order so the transcript stays deterministic.
func (x *Executor) ExecuteBatch(ctx context.Context, calls []gateway.ToolCall, opts BatchOptions) ([]Result, error) {
	results := make([]Result, len(calls))

	var readIdx, writeIdx []int
	for i, call := range calls {
		if x.registry.IsWrite(call.Name) {
			writeIdx = append(writeIdx, i)
		} else {
			readIdx = append(readIdx, i)
		}
	}

	if opts.Aborted != nil && opts.Aborted() {
		for i, call := range calls {
			results[i] = rejectedResult(call, "aborted before execution")
			x.setStatus(opts, call.ID, StatusRejected)
		}
		return results, ErrAborted
	}

	// Reads: one concurrent group per turn, written back by index.
	var wg sync.WaitGroup
	for _, i := range readIdx {
		wg.Add(1)
		go func(idx int, call gateway.ToolCall) {
			defer wg.Done()
			x.setStatus(opts, call.ID, StatusRunning)
			results[idx] = x.executeOne(ctx, call, opts.TurnID)
			x.setStatus(opts, call.ID, terminalStatus(results[idx]))
		}(i, calls[i])
	}
	wg.Wait()

	// Writes: strictly serial, in emitted order.
	for n, i := range writeIdx {
		call := calls[i]

		if opts.Aborted != nil && opts.Aborted() {
			for _, j := range writeIdx[n:] {
				results[j] = rejectedResult(calls[j], "aborted before execution")
				x.setStatus(opts, calls[j].ID, StatusRejected)
			}
			return results, ErrAborted
		}

		if x.needsApproval(call.Name) {
			x.setStatus(opts, call.ID, StatusAwaiting)
			approved, err := x.awaitApproval(ctx, call, opts)
			if err != nil || !approved {
				for _, j := range writeIdx[n:] {
					results[j] = rejectedResult(calls[j], "rejected by user")
					x.setStatus(opts, calls[j].ID, StatusRejected)
				}
				return results, ErrRejected
			}
		}

		x.setStatus(opts, call.ID, StatusRunning)
		results[i] = x.executeOne(ctx, call, opts.TurnID)
		x.setStatus(opts, call.ID, terminalStatus(results[i]))
	}

	return results, nil
}

func (x *Executor) awaitApproval(ctx context.Context, call gateway.ToolCall, opts BatchOptions) (bool, error) {
	if opts.Approve == nil {
		return false, nil
	}
	tool := x.registry.Get(call.Name)
	if tool == nil {
		return false, nil
	}
	return opts.Approve(ctx, call, tool.Definition)
}

// needsApproval cross-references the tool's approval classification with
// the user's auto-approve flags. Dangerous tools are never auto-approved.
func (x *Executor) needsApproval(name string) bool {
	tool := x.registry.Get(name)
	if tool == nil {
		return false
	}
	switch tool.Definition.Approval {
	case ApprovalDangerous:
		return true
	case ApprovalTerminal:
		if x.cfg.AutoApproveTerminal || x.cfg.AutoApprove[name] {
			return false
		}
		return true
	default:
		return false
	}
}

// executeOne runs the full pipeline for a single call: lookup, schema
// validation, path security, read-before-write, checkpoint, dispatch,
// truncate. Failures come back as structured error results so the model
// can react on the next turn.
func (x *Executor) executeOne(ctx context.Context, call gateway.ToolCall, turnID string) Result {
	tool := x.registry.Get(call.Name)
	if tool == nil {
		return errorResult(call, fmt.Sprintf("Unknown tool: %s", call.Name))
	}
	def := tool.Definition

	args, err := ValidateArguments(call.Name, def.Parameters, call.Arguments)
	if err != nil {
		x.logger.Debug("tool arguments rejected", "tool", call.Name, "error", err)
		return errorResult(call, err.Error())
	}

	resolvedPaths, secErr := x.securePathArgs(def, args)
	if secErr != nil {
		x.logger.Debug("tool path rejected", "tool", call.Name, "error", secErr)
		return errorResult(call, secErr.Error())
	}

	if def.RequiresPriorRead {
		for _, p := range resolvedPaths {
			if !x.WasRead(p) {
				verr := &ValidationError{Tool: call.Name,
					Reason: fmt.Sprintf("%s has not been read in this session; read it before editing", p)}
				return errorResult(call, verr.Error())
			}
		}
	}

	if def.Access == AccessWrite {
		for _, p := range resolvedPaths {
			if err := x.snapshot(turnID, p); err != nil {
				return errorResult(call, fmt.Sprintf("checkpoint failed for %s: %v", p, err))
			}
		}
	}

	output, err := tool.Run(ctx, args, x.env)
	if err != nil {
		return errorResult(call, fmt.Sprintf("Tool error (%s): %v", call.Name, err))
	}

	if def.MarksRead {
		for _, p := range resolvedPaths {
			x.MarkRead(p)
		}
	}

	return Result{
		CallID:  call.ID,
		Tool:    call.Name,
		Content: TruncateToolOutput(output, call.Name, x.cfg.CharLimits, x.cfg.LineLimits),
	}
}

// securePathArgs canonicalizes each declared path argument, enforces
// workspace containment (unless the tool permits a read-only escape),
// and rejects sensitive paths for mutating tools. Resolved paths are
// written back into args so implementations only ever see safe paths.
func (x *Executor) securePathArgs(def Definition, args map[string]interface{}) ([]string, error) {
	var resolved []string
	for _, param := range def.PathParams {
		raw, ok := StringArg(args, param)
		if !ok || raw == "" {
			continue
		}

		allowEscape := def.Access == AccessRead && def.AllowOutsideWorkspace
		path, err := ResolveWithinRoot(x.root, raw)
		if err != nil {
			if !allowEscape {
				if se, ok := err.(*SecurityError); ok {
					se.Tool = def.Name
				}
				return nil, err
			}
			path = raw
		}

		if def.Access == AccessWrite && IsSensitivePath(path) {
			return nil, &SecurityError{Tool: def.Name, Path: raw, Reason: "sensitive file may not be modified"}
		}

		args[param] = path
		resolved = append(resolved, path)
	}
	return resolved, nil
}

// snapshot captures the pre-mutation state of a path.
func (x *Executor) snapshot(turnID, path string) error {
	existed := x.env.FileExists(path)
	content := ""
	if existed {
		var err error
		content, err = x.env.ReadFile(path)
		if err != nil {
			return err
		}
	}
	_, err := x.checkpoints.Snapshot(turnID, path, content, existed)
	return err
}

func (x *Executor) setStatus(opts BatchOptions, callID string, status CallStatus) {
	if opts.OnStatus != nil {
		opts.OnStatus(callID, status)
	}
}

func terminalStatus(r Result) CallStatus {
	if r.Rejected {
		return StatusRejected
	}
	if r.IsError {
		return StatusError
	}
	return StatusSuccess
}

func errorResult(call gateway.ToolCall, msg string) Result {
	return Result{CallID: call.ID, Tool: call.Name, Content: msg, IsError: true}
}

func rejectedResult(call gateway.ToolCall, msg string) Result {
	return Result{CallID: call.ID, Tool: call.Name, Content: msg, IsError: true, Rejected: true}
}

// PlanStep is one entry in the model's working plan.
type PlanStep struct {
	Title  string `json:"title"`
	Status string `json:"status"` // "pending", "in_progress", "done"
}

// SetPlan replaces the session plan.
func (x *Executor) SetPlan(steps []PlanStep) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.plan = steps
}

// Plan returns a copy of the session plan.
func (x *Executor) Plan() []PlanStep {
	x.mu.Lock()
	defer x.mu.Unlock()
	out := make([]PlanStep, len(x.plan))
	copy(out, x.plan)
	return out
}
