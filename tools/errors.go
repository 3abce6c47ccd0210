package tools

import "fmt"

// ValidationError reports malformed tool arguments. It is local to one
// tool call: the executor returns it as tool-result text so the model
// can correct itself on the next turn.
type ValidationError struct {
	Tool   string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid arguments for %s: %s", e.Tool, e.Reason)
}

// SecurityError reports a path escape or sensitive-file violation. It
// fails only the offending tool call, never the process.
type SecurityError struct {
	Tool   string
	Path   string
	Reason string
}

func (e *SecurityError) Error() string {
	return fmt.Sprintf("security violation in %s for path %q: %s", e.Tool, e.Path, e.Reason)
}
