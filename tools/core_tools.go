package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"
)

const (
	defaultShellTimeoutMs = 60000
	maxShellTimeoutMs     = 600000
	maxFetchBytes         = 1 << 20
)

type readFileArgs struct {
	Path   string `json:"path" jsonschema:"description=Path to the file to read"`
	Offset int    `json:"offset,omitempty" jsonschema:"description=1-based line number to start reading from"`
	Limit  int    `json:"limit,omitempty" jsonschema:"description=Maximum number of lines to return"`
}

type writeFileArgs struct {
	Path    string `json:"path" jsonschema:"description=Path of the file to create or overwrite"`
	Content string `json:"content" jsonschema:"description=Full file content to write"`
}

type editFileArgs struct {
	Path      string `json:"path" jsonschema:"description=Path of the file to edit"`
	OldString string `json:"old_string" jsonschema:"description=Exact text to replace; must appear exactly once"`
	NewString string `json:"new_string" jsonschema:"description=Replacement text"`
}

type shellArgs struct {
	Command    string `json:"command" jsonschema:"description=Shell command to execute"`
	TimeoutMs  int    `json:"timeout_ms,omitempty" jsonschema:"description=Timeout in milliseconds"`
	WorkingDir string `json:"working_dir,omitempty" jsonschema:"description=Directory to run the command in"`
}

type grepArgs struct {
	Pattern         string `json:"pattern" jsonschema:"description=Regular expression to search for"`
	Path            string `json:"path,omitempty" jsonschema:"description=File or directory to search"`
	Glob            string `json:"glob,omitempty" jsonschema:"description=Glob filter for files to search"`
	CaseInsensitive bool   `json:"case_insensitive,omitempty" jsonschema:"description=Case-insensitive matching"`
	MaxResults      int    `json:"max_results,omitempty" jsonschema:"description=Maximum matches per file"`
}

type globArgs struct {
	Pattern string `json:"pattern" jsonschema:"description=Glob pattern, e.g. **/*.go"`
	Path    string `json:"path,omitempty" jsonschema:"description=Directory to search from"`
}

type listDirArgs struct {
	Path string `json:"path" jsonschema:"description=Directory to list"`
}

type fetchArgs struct {
	URL string `json:"url" jsonschema:"description=HTTP or HTTPS URL to fetch"`
}

type updatePlanArgs struct {
	Steps []planStepArg `json:"steps" jsonschema:"description=Full replacement plan"`
}

type planStepArg struct {
	Title  string `json:"title" jsonschema:"description=Short step description"`
	Status string `json:"status" jsonschema:"description=One of pending, in_progress, done"`
}

// RegisterCoreTools installs the built-in tool set on the executor's
// registry. The executor is needed because update_plan mutates session
// state rather than the filesystem.
func RegisterCoreTools(r *Registry, x *Executor) {
	r.MustRegister(Tool{
		Definition: Definition{
			Name:        "read_file",
			Description: "Read a file, returning line-numbered content. Supports offset and limit for large files.",
			Parameters:  SchemaFor(&readFileArgs{}),
			Access:      AccessRead,
			PathParams:  []string{"path"},
			MarksRead:   true,
		},
		Run: runReadFile,
	})

	r.MustRegister(Tool{
		Definition: Definition{
			Name:        "write_file",
			Description: "Create or overwrite a file with the given content. Parent directories are created as needed.",
			Parameters:  SchemaFor(&writeFileArgs{}),
			Access:      AccessWrite,
			PathParams:  []string{"path"},
			MarksRead:   true,
		},
		Run: runWriteFile,
	})

	r.MustRegister(Tool{
		Definition: Definition{
			Name:              "edit_file",
			Description:       "Replace an exact string in a file. old_string must appear exactly once; read the file first.",
			Parameters:        SchemaFor(&editFileArgs{}),
			Access:            AccessWrite,
			PathParams:        []string{"path"},
			RequiresPriorRead: true,
			MarksRead:         true,
		},
		Run: runEditFile,
	})

	r.MustRegister(Tool{
		Definition: Definition{
			Name:        "shell",
			Description: "Execute a shell command in the workspace and return combined output with the exit code.",
			Parameters:  SchemaFor(&shellArgs{}),
			Access:      AccessWrite,
			Approval:    ApprovalTerminal,
			PathParams:  []string{"working_dir"},
		},
		Run: runShell,
	})

	r.MustRegister(Tool{
		Definition: Definition{
			Name:        "grep",
			Description: "Search file contents with a regular expression. Returns file:line matches.",
			Parameters:  SchemaFor(&grepArgs{}),
			Access:      AccessRead,
			PathParams:  []string{"path"},
		},
		Run: runGrep,
	})

	r.MustRegister(Tool{
		Definition: Definition{
			Name:        "glob",
			Description: "Find files matching a glob pattern, returned as workspace-relative paths.",
			Parameters:  SchemaFor(&globArgs{}),
			Access:      AccessRead,
			PathParams:  []string{"path"},
		},
		Run: runGlob,
	})

	r.MustRegister(Tool{
		Definition: Definition{
			Name:        "list_dir",
			Description: "List a directory's entries with sizes, directories first.",
			Parameters:  SchemaFor(&listDirArgs{}),
			Access:      AccessRead,
			PathParams:  []string{"path"},
		},
		Run: runListDir,
	})

	r.MustRegister(Tool{
		Definition: Definition{
			Name:        "fetch",
			Description: "Fetch a URL over HTTP GET and return the response body as text.",
			Parameters:  SchemaFor(&fetchArgs{}),
			Access:      AccessRead,
		},
		Run: runFetch,
	})

	r.MustRegister(Tool{
		Definition: Definition{
			Name:        "update_plan",
			Description: "Replace the working plan shown to the user. Supply the complete list of steps.",
			Parameters:  SchemaFor(&updatePlanArgs{}),
			Access:      AccessRead,
		},
		Run: func(ctx context.Context, args map[string]interface{}, env Environment) (string, error) {
			return runUpdatePlan(x, args)
		},
	})
}

func runReadFile(ctx context.Context, args map[string]interface{}, env Environment) (string, error) {
	path, _ := StringArg(args, "path")
	content, err := env.ReadFile(path)
	if err != nil {
		return "", err
	}

	lines := strings.Split(content, "\n")
	offset, _ := IntArg(args, "offset")
	limit, _ := IntArg(args, "limit")

	start := 0
	if offset > 1 {
		start = offset - 1
	}
	if start >= len(lines) {
		return "", fmt.Errorf("offset %d is past the end of the file (%d lines)", offset, len(lines))
	}
	end := len(lines)
	if limit > 0 && start+limit < end {
		end = start + limit
	}

	var b strings.Builder
	for i := start; i < end; i++ {
		fmt.Fprintf(&b, "%6d\t%s\n", i+1, lines[i])
	}
	return b.String(), nil
}

func runWriteFile(ctx context.Context, args map[string]interface{}, env Environment) (string, error) {
	path, _ := StringArg(args, "path")
	content, _ := StringArg(args, "content")
	if err := env.WriteFile(path, content); err != nil {
		return "", err
	}
	return fmt.Sprintf("Wrote %d bytes to %s", len(content), path), nil
}

func runEditFile(ctx context.Context, args map[string]interface{}, env Environment) (string, error) {
	path, _ := StringArg(args, "path")
	oldString, _ := StringArg(args, "old_string")
	newString, _ := StringArg(args, "new_string")

	if oldString == "" {
		return "", fmt.Errorf("old_string must not be empty")
	}
	if oldString == newString {
		return "", fmt.Errorf("old_string and new_string are identical")
	}

	content, err := env.ReadFile(path)
	if err != nil {
		return "", err
	}

	switch n := strings.Count(content, oldString); n {
	case 0:
		return "", fmt.Errorf("old_string not found in %s", path)
	case 1:
		// unique match, proceed
	default:
		return "", fmt.Errorf("old_string appears %d times in %s; add surrounding context to make it unique", n, path)
	}

	if err := env.WriteFile(path, strings.Replace(content, oldString, newString, 1)); err != nil {
		return "", err
	}
	return fmt.Sprintf("Edited %s", path), nil
}

func runShell(ctx context.Context, args map[string]interface{}, env Environment) (string, error) {
	command, _ := StringArg(args, "command")
	if strings.TrimSpace(command) == "" {
		return "", fmt.Errorf("command must not be empty")
	}

	timeoutMs, ok := IntArg(args, "timeout_ms")
	if !ok || timeoutMs <= 0 {
		timeoutMs = defaultShellTimeoutMs
	}
	if timeoutMs > maxShellTimeoutMs {
		timeoutMs = maxShellTimeoutMs
	}
	workingDir, _ := StringArg(args, "working_dir")

	result, err := env.ExecCommand(ctx, command, timeoutMs, workingDir)
	if err != nil {
		return "", err
	}

	output := result.Output()
	if result.TimedOut {
		return fmt.Sprintf("Command timed out after %dms\n%s", timeoutMs, output), nil
	}
	if result.ExitCode != 0 {
		return fmt.Sprintf("%s\n[exit code %d]", output, result.ExitCode), nil
	}
	if output == "" {
		return "[no output]", nil
	}
	return output, nil
}

func runGrep(ctx context.Context, args map[string]interface{}, env Environment) (string, error) {
	pattern, _ := StringArg(args, "pattern")
	path, _ := StringArg(args, "path")
	glob, _ := StringArg(args, "glob")
	caseInsensitive, _ := BoolArg(args, "case_insensitive")
	maxResults, _ := IntArg(args, "max_results")

	out, err := env.Grep(ctx, pattern, path, GrepOptions{
		GlobFilter:      glob,
		CaseInsensitive: caseInsensitive,
		MaxResults:      maxResults,
	})
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(out) == "" {
		return "No matches found", nil
	}
	return out, nil
}

func runGlob(ctx context.Context, args map[string]interface{}, env Environment) (string, error) {
	pattern, _ := StringArg(args, "pattern")
	path, _ := StringArg(args, "path")

	matches, err := env.Glob(pattern, path)
	if err != nil {
		return "", err
	}
	if len(matches) == 0 {
		return "No files matched", nil
	}
	sort.Strings(matches)
	return strings.Join(matches, "\n"), nil
}

func runListDir(ctx context.Context, args map[string]interface{}, env Environment) (string, error) {
	path, _ := StringArg(args, "path")
	entries, err := env.ListDirectory(path)
	if err != nil {
		return "", err
	}
	if len(entries) == 0 {
		return "[empty directory]", nil
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].IsDir != entries[j].IsDir {
			return entries[i].IsDir
		}
		return entries[i].Name < entries[j].Name
	})

	var b strings.Builder
	for _, e := range entries {
		if e.IsDir {
			fmt.Fprintf(&b, "%s/\n", e.Name)
		} else {
			fmt.Fprintf(&b, "%s (%d bytes)\n", e.Name, e.Size)
		}
	}
	return b.String(), nil
}

func runFetch(ctx context.Context, args map[string]interface{}, env Environment) (string, error) {
	url, _ := StringArg(args, "url")
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		return "", fmt.Errorf("url must be http or https")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBytes))
	if err != nil {
		return "", err
	}
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("GET %s returned %s", url, resp.Status)
	}
	return string(body), nil
}

func runUpdatePlan(x *Executor, args map[string]interface{}) (string, error) {
	raw, err := json.Marshal(args["steps"])
	if err != nil {
		return "", fmt.Errorf("invalid plan: %v", err)
	}
	var steps []PlanStep
	if err := json.Unmarshal(raw, &steps); err != nil {
		return "", fmt.Errorf("invalid plan: %v", err)
	}
	for i, s := range steps {
		switch s.Status {
		case "pending", "in_progress", "done":
		default:
			return "", fmt.Errorf("step %d has invalid status %q", i+1, s.Status)
		}
	}
	x.SetPlan(steps)
	return fmt.Sprintf("Plan updated (%d steps)", len(steps)), nil
}
