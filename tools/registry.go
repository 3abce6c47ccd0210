// Package tools implements tool registration, validation, and execution
// for the orchestration core. Every tool declares a JSON-schema parameter
// contract, an approval classification, and a read/write classification;
// the Executor enforces the workspace security boundary, read-before-write,
// and checkpointing before any mutation.
package tools

import (
	"context"
	"fmt"
	"sync"

	"github.com/codeperch/perch/gateway"
)

// ApprovalClass determines whether human confirmation gates execution.
type ApprovalClass string

const (
	ApprovalNone      ApprovalClass = "none"
	ApprovalTerminal  ApprovalClass = "terminal"
	ApprovalDangerous ApprovalClass = "dangerous"
)

// AccessClass partitions tools into the concurrent read group and the
// serial, gated write group.
type AccessClass string

const (
	AccessRead  AccessClass = "read"
	AccessWrite AccessClass = "write"
)

// Definition describes a tool: its parameter contract plus the
// classifications the executor needs to schedule and gate it.
type Definition struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"` // JSON Schema
	Approval    ApprovalClass          `json:"approval"`
	Access      AccessClass            `json:"access"`

	// PathParams names the arguments that hold filesystem paths and must
	// pass the workspace containment check.
	PathParams []string `json:"path_params,omitempty"`

	// AllowOutsideWorkspace permits a read-only escape from the workspace
	// root for the tool's path arguments. Ignored for write tools.
	AllowOutsideWorkspace bool `json:"allow_outside_workspace,omitempty"`

	// RequiresPriorRead makes execution fail closed when the target path
	// was never read in this session.
	RequiresPriorRead bool `json:"requires_prior_read,omitempty"`

	// MarksRead records the tool's path arguments as read after a
	// successful run, satisfying RequiresPriorRead for later edits.
	MarksRead bool `json:"marks_read,omitempty"`
}

// Runner is the function signature for tool implementations. Arguments
// arrive already validated against the declared schema.
type Runner func(ctx context.Context, args map[string]interface{}, env Environment) (string, error)

// Tool pairs a definition with its implementation.
type Tool struct {
	Definition Definition
	Run        Runner
}

// Registry manages tool registration and lookup. Parameter schemas are
// checked once at registration time, so a malformed contract is a
// configuration error rather than a runtime surprise.
type Registry struct {
	tools map[string]*Tool
	mu    sync.RWMutex
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*Tool)}
}

// Register adds or replaces a tool, validating its parameter schema.
func (r *Registry) Register(tool Tool) error {
	if tool.Definition.Name == "" {
		return fmt.Errorf("tool registration: name is required")
	}
	if tool.Run == nil {
		return fmt.Errorf("tool registration: %s has no implementation", tool.Definition.Name)
	}
	if err := CheckSchema(tool.Definition.Parameters); err != nil {
		return fmt.Errorf("tool registration: %s: %w", tool.Definition.Name, err)
	}
	if tool.Definition.Access == "" {
		tool.Definition.Access = AccessRead
	}
	if tool.Definition.Approval == "" {
		tool.Definition.Approval = ApprovalNone
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Definition.Name] = &tool
	return nil
}

// MustRegister registers a tool and panics on a schema error. Intended
// for the built-in tools whose schemas are fixed at compile time.
func (r *Registry) MustRegister(tool Tool) {
	if err := r.Register(tool); err != nil {
		panic(err)
	}
}

// Get returns a registered tool by name, or nil if not found.
func (r *Registry) Get(name string) *Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[name]
}

// Definitions returns gateway-shaped tool definitions for model requests.
func (r *Registry) Definitions() []gateway.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]gateway.ToolDefinition, 0, len(r.tools))
	for _, tool := range r.tools {
		defs = append(defs, gateway.ToolDefinition{
			Name:        tool.Definition.Name,
			Description: tool.Definition.Description,
			Parameters:  tool.Definition.Parameters,
		})
	}
	return defs
}

// Names returns the names of all registered tools.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	return names
}

// Count returns the number of registered tools.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// IsWrite reports whether the named tool is write-classified. Unknown
// tools are treated as writes so they never enter the concurrent group.
func (r *Registry) IsWrite(name string) bool {
	tool := r.Get(name)
	if tool == nil {
		return true
	}
	return tool.Definition.Access == AccessWrite
}
