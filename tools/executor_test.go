package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeperch/perch/gateway"
)

// fakeEnv is an in-memory Environment for executor tests.
type fakeEnv struct {
	mu    sync.Mutex
	files map[string]string
	log   []string
}

func newFakeEnv(files map[string]string) *fakeEnv {
	if files == nil {
		files = map[string]string{}
	}
	return &fakeEnv{files: files}
}

func (e *fakeEnv) record(entry string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.log = append(e.log, entry)
}

func (e *fakeEnv) Log() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, len(e.log))
	copy(out, e.log)
	return out
}

func (e *fakeEnv) ReadFile(path string) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	content, ok := e.files[path]
	if !ok {
		return "", fmt.Errorf("read_file: %s: no such file", path)
	}
	return content, nil
}

func (e *fakeEnv) WriteFile(path, content string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.files[path] = content
	return nil
}

func (e *fakeEnv) FileExists(path string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.files[path]
	return ok
}

func (e *fakeEnv) ListDirectory(path string) ([]DirEntry, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	var entries []DirEntry
	for p := range e.files {
		if filepath.Dir(p) == path {
			entries = append(entries, DirEntry{Name: filepath.Base(p), Size: int64(len(e.files[p]))})
		}
	}
	return entries, nil
}

func (e *fakeEnv) ExecCommand(ctx context.Context, command string, timeoutMs int, workingDir string) (*ExecResult, error) {
	e.record("exec:" + command)
	return &ExecResult{Stdout: "ran: " + command}, nil
}

func (e *fakeEnv) Grep(ctx context.Context, pattern, path string, options GrepOptions) (string, error) {
	return "", nil
}

func (e *fakeEnv) Glob(pattern, path string) ([]string, error) { return nil, nil }

func (e *fakeEnv) WorkingDirectory() string { return "/work" }

func (e *fakeEnv) Platform() string { return "linux" }

// memCheckpointer records snapshots for assertions.
type memCheckpointer struct {
	mu        sync.Mutex
	snapshots []Checkpoint
	contents  map[string]string
}

func newMemCheckpointer() *memCheckpointer {
	return &memCheckpointer{contents: map[string]string{}}
}

func (c *memCheckpointer) Snapshot(turnID, path, content string, existed bool) (Checkpoint, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := Checkpoint{ID: fmt.Sprintf("cp-%d", len(c.snapshots)), TurnID: turnID, Path: path, Existed: existed, At: time.Now()}
	c.snapshots = append(c.snapshots, cp)
	c.contents[cp.ID] = content
	return cp, nil
}

func (c *memCheckpointer) Restore(id string) error { return nil }

func (c *memCheckpointer) ForTurn(turnID string) []Checkpoint {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Checkpoint
	for _, cp := range c.snapshots {
		if cp.TurnID == turnID {
			out = append(out, cp)
		}
	}
	return out
}

func newTestExecutor(t *testing.T, env *fakeEnv, cfg ExecutorConfig) (*Executor, *memCheckpointer) {
	t.Helper()
	registry := NewRegistry()
	checkpoints := newMemCheckpointer()
	x := NewExecutor(registry, env, checkpoints, cfg, nil)
	RegisterCoreTools(registry, x)
	return x, checkpoints
}

func call(id, name, args string) gateway.ToolCall {
	return gateway.ToolCall{ID: id, Name: name, Arguments: json.RawMessage(args)}
}

func TestExecuteBatchResultsKeepRequestOrder(t *testing.T) {
	env := newFakeEnv(map[string]string{
		"/work/a.txt": "alpha",
		"/work/b.txt": "beta",
	})
	x, _ := newTestExecutor(t, env, ExecutorConfig{})

	calls := []gateway.ToolCall{
		call("c1", "write_file", `{"path":"out.txt","content":"one"}`),
		call("c2", "read_file", `{"path":"a.txt"}`),
		call("c3", "read_file", `{"path":"b.txt"}`),
	}
	results, err := x.ExecuteBatch(context.Background(), calls, BatchOptions{TurnID: "t1"})
	require.NoError(t, err)
	require.Len(t, results, 3)

	// Results come back indexed by the original call order even though
	// the reads ran first.
	assert.Equal(t, "c1", results[0].CallID)
	assert.Equal(t, "c2", results[1].CallID)
	assert.Equal(t, "c3", results[2].CallID)
	assert.Contains(t, results[1].Content, "alpha")
	assert.Contains(t, results[2].Content, "beta")
	assert.False(t, results[0].IsError)
	assert.Equal(t, "one", env.files["/work/out.txt"])
}

func TestExecuteBatchWritesRunAfterReads(t *testing.T) {
	env := newFakeEnv(nil)
	registry := NewRegistry()
	x := NewExecutor(registry, env, nil, ExecutorConfig{}, nil)

	var order []string
	var mu sync.Mutex
	logStep := func(step string) {
		mu.Lock()
		order = append(order, step)
		mu.Unlock()
	}

	noArgs := map[string]interface{}{"type": "object", "properties": map[string]interface{}{}}
	registry.MustRegister(Tool{
		Definition: Definition{Name: "probe_read", Parameters: noArgs, Access: AccessRead},
		Run: func(ctx context.Context, args map[string]interface{}, env Environment) (string, error) {
			time.Sleep(10 * time.Millisecond)
			logStep("read")
			return "ok", nil
		},
	})
	registry.MustRegister(Tool{
		Definition: Definition{Name: "probe_write", Parameters: noArgs, Access: AccessWrite},
		Run: func(ctx context.Context, args map[string]interface{}, env Environment) (string, error) {
			logStep("write")
			return "ok", nil
		},
	})

	calls := []gateway.ToolCall{
		call("w1", "probe_write", `{}`),
		call("r1", "probe_read", `{}`),
		call("r2", "probe_read", `{}`),
		call("w2", "probe_write", `{}`),
	}
	_, err := x.ExecuteBatch(context.Background(), calls, BatchOptions{})
	require.NoError(t, err)

	require.Len(t, order, 4)
	assert.Equal(t, "read", order[0])
	assert.Equal(t, "read", order[1])
	assert.Equal(t, "write", order[2])
	assert.Equal(t, "write", order[3])
}

func TestEditRequiresPriorRead(t *testing.T) {
	env := newFakeEnv(map[string]string{"/work/main.go": "package main"})
	x, _ := newTestExecutor(t, env, ExecutorConfig{})

	edit := call("e1", "edit_file", `{"path":"main.go","old_string":"main","new_string":"app"}`)

	// Editing a file that was never read fails closed and leaves the
	// file untouched.
	results, err := x.ExecuteBatch(context.Background(), []gateway.ToolCall{edit}, BatchOptions{})
	require.NoError(t, err)
	require.True(t, results[0].IsError)
	assert.Contains(t, results[0].Content, "read")
	assert.Equal(t, "package main", env.files["/work/main.go"])

	// After a read the same edit succeeds.
	read := call("r1", "read_file", `{"path":"main.go"}`)
	_, err = x.ExecuteBatch(context.Background(), []gateway.ToolCall{read}, BatchOptions{})
	require.NoError(t, err)

	results, err = x.ExecuteBatch(context.Background(), []gateway.ToolCall{edit}, BatchOptions{})
	require.NoError(t, err)
	require.False(t, results[0].IsError, results[0].Content)
	assert.Equal(t, "package app", env.files["/work/main.go"])
}

func TestEditRejectsAmbiguousMatch(t *testing.T) {
	env := newFakeEnv(map[string]string{"/work/f.txt": "aa bb aa"})
	x, _ := newTestExecutor(t, env, ExecutorConfig{})
	x.MarkRead("/work/f.txt")

	results, err := x.ExecuteBatch(context.Background(), []gateway.ToolCall{
		call("e1", "edit_file", `{"path":"f.txt","old_string":"aa","new_string":"cc"}`),
	}, BatchOptions{})
	require.NoError(t, err)
	require.True(t, results[0].IsError)
	assert.Contains(t, results[0].Content, "2 times")
	assert.Equal(t, "aa bb aa", env.files["/work/f.txt"])
}

func TestCheckpointTakenBeforeWrite(t *testing.T) {
	env := newFakeEnv(map[string]string{"/work/data.txt": "original"})
	x, checkpoints := newTestExecutor(t, env, ExecutorConfig{})

	_, err := x.ExecuteBatch(context.Background(), []gateway.ToolCall{
		call("w1", "write_file", `{"path":"data.txt","content":"replaced"}`),
	}, BatchOptions{TurnID: "turn-9"})
	require.NoError(t, err)

	cps := checkpoints.ForTurn("turn-9")
	require.Len(t, cps, 1)
	assert.Equal(t, "/work/data.txt", cps[0].Path)
	assert.True(t, cps[0].Existed)
	assert.Equal(t, "original", checkpoints.contents[cps[0].ID])
	assert.Equal(t, "replaced", env.files["/work/data.txt"])
}

func TestCheckpointRecordsNewFile(t *testing.T) {
	env := newFakeEnv(nil)
	x, checkpoints := newTestExecutor(t, env, ExecutorConfig{})

	_, err := x.ExecuteBatch(context.Background(), []gateway.ToolCall{
		call("w1", "write_file", `{"path":"fresh.txt","content":"hi"}`),
	}, BatchOptions{TurnID: "turn-1"})
	require.NoError(t, err)

	cps := checkpoints.ForTurn("turn-1")
	require.Len(t, cps, 1)
	assert.False(t, cps[0].Existed)
}

func TestApprovalRejectionStopsRemainingWrites(t *testing.T) {
	env := newFakeEnv(map[string]string{"/work/a.txt": "alpha"})
	x, _ := newTestExecutor(t, env, ExecutorConfig{})

	var asked []string
	approve := func(ctx context.Context, c gateway.ToolCall, def Definition) (bool, error) {
		asked = append(asked, c.ID)
		return false, nil
	}

	calls := []gateway.ToolCall{
		call("r1", "read_file", `{"path":"a.txt"}`),
		call("s1", "shell", `{"command":"rm -rf build"}`),
		call("s2", "shell", `{"command":"make"}`),
	}
	results, err := x.ExecuteBatch(context.Background(), calls, BatchOptions{Approve: approve})
	assert.Equal(t, ErrRejected, err)

	// The read still ran; both gated writes were rejected, and only the
	// first ever reached the gate.
	assert.False(t, results[0].IsError)
	assert.True(t, results[1].Rejected)
	assert.True(t, results[2].Rejected)
	assert.Equal(t, []string{"s1"}, asked)
	assert.Empty(t, env.Log())
}

func TestAutoApproveTerminalSkipsGate(t *testing.T) {
	env := newFakeEnv(nil)
	x, _ := newTestExecutor(t, env, ExecutorConfig{AutoApproveTerminal: true})

	gateCalled := false
	approve := func(ctx context.Context, c gateway.ToolCall, def Definition) (bool, error) {
		gateCalled = true
		return false, nil
	}

	results, err := x.ExecuteBatch(context.Background(), []gateway.ToolCall{
		call("s1", "shell", `{"command":"ls"}`),
	}, BatchOptions{Approve: approve})
	require.NoError(t, err)
	assert.False(t, gateCalled)
	assert.False(t, results[0].IsError)
	assert.Contains(t, results[0].Content, "ran: ls")
}

func TestApplyConfigMergesPolicy(t *testing.T) {
	env := newFakeEnv(nil)
	x, _ := newTestExecutor(t, env, ExecutorConfig{
		AutoApprove: map[string]bool{"shell": true},
	})

	x.ApplyConfig(ExecutorConfig{
		AutoApproveTerminal: true,
		AutoApprove:         map[string]bool{"edit_file": true},
		CharLimits:          map[string]int{"grep": 5000},
	})

	// Construction-time settings survive and config settings land.
	assert.True(t, x.cfg.AutoApprove["shell"])
	assert.True(t, x.cfg.AutoApprove["edit_file"])
	assert.True(t, x.cfg.AutoApproveTerminal)
	assert.Equal(t, 5000, x.cfg.CharLimits["grep"])
	assert.False(t, x.needsApproval("shell"))
}

func TestExecuteBatchAbortBeforeReads(t *testing.T) {
	env := newFakeEnv(map[string]string{"/work/a.txt": "alpha"})
	x, _ := newTestExecutor(t, env, ExecutorConfig{})

	results, err := x.ExecuteBatch(context.Background(), []gateway.ToolCall{
		call("r1", "read_file", `{"path":"a.txt"}`),
		call("w1", "write_file", `{"path":"out.txt","content":"x"}`),
	}, BatchOptions{Aborted: func() bool { return true }})

	require.ErrorIs(t, err, ErrAborted)
	require.Len(t, results, 2)
	for _, r := range results {
		assert.True(t, r.Rejected)
		assert.Contains(t, r.Content, "aborted")
	}
	// Nothing executed, read or write.
	assert.Empty(t, env.Log())
	assert.NotContains(t, env.files, "/work/out.txt")
}

func TestSensitivePathWriteBlocked(t *testing.T) {
	env := newFakeEnv(nil)
	x, _ := newTestExecutor(t, env, ExecutorConfig{})

	results, err := x.ExecuteBatch(context.Background(), []gateway.ToolCall{
		call("w1", "write_file", `{"path":".env","content":"API_KEY=x"}`),
	}, BatchOptions{})
	require.NoError(t, err)
	require.True(t, results[0].IsError)
	assert.Contains(t, results[0].Content, "sensitive")
	assert.NotContains(t, env.files, "/work/.env")
}

func TestPathEscapeBlocked(t *testing.T) {
	env := newFakeEnv(nil)
	x, _ := newTestExecutor(t, env, ExecutorConfig{})

	results, err := x.ExecuteBatch(context.Background(), []gateway.ToolCall{
		call("r1", "read_file", `{"path":"../../etc/passwd"}`),
	}, BatchOptions{})
	require.NoError(t, err)
	require.True(t, results[0].IsError)
	assert.Contains(t, results[0].Content, "escapes")
}

func TestUnknownToolProducesErrorResult(t *testing.T) {
	env := newFakeEnv(nil)
	x, _ := newTestExecutor(t, env, ExecutorConfig{})

	results, err := x.ExecuteBatch(context.Background(), []gateway.ToolCall{
		call("u1", "launch_missiles", `{}`),
	}, BatchOptions{})
	require.NoError(t, err)
	require.True(t, results[0].IsError)
	assert.Contains(t, results[0].Content, "Unknown tool")
}

func TestValidationFailureProducesErrorResult(t *testing.T) {
	env := newFakeEnv(nil)
	x, _ := newTestExecutor(t, env, ExecutorConfig{})

	results, err := x.ExecuteBatch(context.Background(), []gateway.ToolCall{
		call("v1", "read_file", `{"limit":5}`),
	}, BatchOptions{})
	require.NoError(t, err)
	require.True(t, results[0].IsError)
	assert.Contains(t, results[0].Content, "path")
}

func TestStatusTransitions(t *testing.T) {
	env := newFakeEnv(map[string]string{"/work/a.txt": "x"})
	x, _ := newTestExecutor(t, env, ExecutorConfig{})

	var mu sync.Mutex
	statuses := map[string][]CallStatus{}
	onStatus := func(id string, st CallStatus) {
		mu.Lock()
		statuses[id] = append(statuses[id], st)
		mu.Unlock()
	}

	_, err := x.ExecuteBatch(context.Background(), []gateway.ToolCall{
		call("r1", "read_file", `{"path":"a.txt"}`),
		call("r2", "read_file", `{"path":"missing.txt"}`),
	}, BatchOptions{OnStatus: onStatus})
	require.NoError(t, err)

	assert.Equal(t, []CallStatus{StatusRunning, StatusSuccess}, statuses["r1"])
	assert.Equal(t, []CallStatus{StatusRunning, StatusError}, statuses["r2"])
}

func TestAdvanceStatusMonotonic(t *testing.T) {
	assert.Equal(t, StatusRunning, AdvanceStatus(StatusPending, StatusRunning))
	assert.Equal(t, StatusSuccess, AdvanceStatus(StatusRunning, StatusSuccess))
	// Terminal states never regress.
	assert.Equal(t, StatusSuccess, AdvanceStatus(StatusSuccess, StatusRunning))
	assert.Equal(t, StatusRejected, AdvanceStatus(StatusRejected, StatusAwaiting))
}

func TestUpdatePlanTool(t *testing.T) {
	env := newFakeEnv(nil)
	x, _ := newTestExecutor(t, env, ExecutorConfig{})

	results, err := x.ExecuteBatch(context.Background(), []gateway.ToolCall{
		call("p1", "update_plan", `{"steps":[{"title":"survey","status":"done"},{"title":"implement","status":"in_progress"}]}`),
	}, BatchOptions{})
	require.NoError(t, err)
	require.False(t, results[0].IsError, results[0].Content)

	plan := x.Plan()
	require.Len(t, plan, 2)
	assert.Equal(t, "survey", plan[0].Title)
	assert.Equal(t, "in_progress", plan[1].Status)
}

func TestReadFileLineNumbersAndWindow(t *testing.T) {
	content := strings.Join([]string{"one", "two", "three", "four"}, "\n")
	env := newFakeEnv(map[string]string{"/work/f.txt": content})
	x, _ := newTestExecutor(t, env, ExecutorConfig{})

	results, err := x.ExecuteBatch(context.Background(), []gateway.ToolCall{
		call("r1", "read_file", `{"path":"f.txt","offset":2,"limit":2}`),
	}, BatchOptions{})
	require.NoError(t, err)
	require.False(t, results[0].IsError)
	assert.Contains(t, results[0].Content, "2\ttwo")
	assert.Contains(t, results[0].Content, "3\tthree")
	assert.NotContains(t, results[0].Content, "four")
}
