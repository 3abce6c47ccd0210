package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/codeperch/perch/gateway"
	"github.com/codeperch/perch/tools"
)

// ApprovalRequest describes a tool call waiting on human confirmation.
type ApprovalRequest struct {
	ID       string           `json:"id"`
	Call     gateway.ToolCall `json:"call"`
	Tool     tools.Definition `json:"tool"`
	Approval string           `json:"approval"`
	At       time.Time        `json:"at"`
}

type pendingApproval struct {
	req      ApprovalRequest
	decision chan bool
}

// ApprovalGate suspends tool execution until the human decides. Writes
// run serially, so at most one request is ever pending; a second Request
// while one is outstanding is a programming error.
type ApprovalGate struct {
	mu      sync.Mutex
	pending *pendingApproval
}

// NewApprovalGate creates an empty gate.
func NewApprovalGate() *ApprovalGate {
	return &ApprovalGate{}
}

// Request suspends until Resolve delivers a decision or ctx is cancelled.
// Cancellation resolves as a rejection so the conversation stops cleanly.
func (g *ApprovalGate) Request(ctx context.Context, call gateway.ToolCall, def tools.Definition) (bool, error) {
	g.mu.Lock()
	if g.pending != nil {
		g.mu.Unlock()
		return false, fmt.Errorf("approval request already pending for call %s", g.pending.req.Call.ID)
	}
	p := &pendingApproval{
		req: ApprovalRequest{
			ID:       newID(),
			Call:     call,
			Tool:     def,
			Approval: string(def.Approval),
			At:       time.Now(),
		},
		decision: make(chan bool, 1),
	}
	g.pending = p
	g.mu.Unlock()

	select {
	case approved := <-p.decision:
		return approved, nil
	case <-ctx.Done():
		g.clear(p)
		return false, ctx.Err()
	}
}

// Pending returns the outstanding request, or nil.
func (g *ApprovalGate) Pending() *ApprovalRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.pending == nil {
		return nil
	}
	req := g.pending.req
	return &req
}

// Resolve delivers the human's decision for the pending request.
func (g *ApprovalGate) Resolve(id string, approved bool) error {
	g.mu.Lock()
	p := g.pending
	if p == nil || p.req.ID != id {
		g.mu.Unlock()
		return fmt.Errorf("no pending approval request with id %s", id)
	}
	g.pending = nil
	g.mu.Unlock()

	p.decision <- approved
	return nil
}

// Abort resolves any pending request as rejected.
func (g *ApprovalGate) Abort() {
	g.mu.Lock()
	p := g.pending
	g.pending = nil
	g.mu.Unlock()

	if p != nil {
		p.decision <- false
	}
}

func (g *ApprovalGate) clear(p *pendingApproval) {
	g.mu.Lock()
	if g.pending == p {
		g.pending = nil
	}
	g.mu.Unlock()
}
