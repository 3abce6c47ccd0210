package gateway

import "strings"

// ModelInfo describes a known model in the catalog.
type ModelInfo struct {
	ID            string   `json:"id"`
	Provider      string   `json:"provider"`
	DisplayName   string   `json:"display_name"`
	ContextWindow int      `json:"context_window"`
	SupportsTools bool     `json:"supports_tools"`
	Aliases       []string `json:"aliases,omitempty"`
}

// Models is the built-in model catalog. Context window sizes feed the
// context-usage and compaction arithmetic in the agent package.
var Models = []ModelInfo{
	{
		ID: "claude-opus-4-6", Provider: "anthropic", DisplayName: "Claude Opus 4.6",
		ContextWindow: 200000, SupportsTools: true,
		Aliases: []string{"opus", "claude-opus"},
	},
	{
		ID: "claude-sonnet-4-5", Provider: "anthropic", DisplayName: "Claude Sonnet 4.5",
		ContextWindow: 200000, SupportsTools: true,
		Aliases: []string{"sonnet", "claude-sonnet"},
	},
	{
		ID: "gpt-5.2", Provider: "openai", DisplayName: "GPT-5.2",
		ContextWindow: 1047576, SupportsTools: true,
		Aliases: []string{"gpt5"},
	},
	{
		ID: "gpt-5.2-mini", Provider: "openai", DisplayName: "GPT-5.2 Mini",
		ContextWindow: 1047576, SupportsTools: true,
		Aliases: []string{"gpt5-mini"},
	},
	{
		ID: "gemini-3-pro", Provider: "gemini", DisplayName: "Gemini 3 Pro",
		ContextWindow: 1048576, SupportsTools: true,
		Aliases: []string{"gemini-pro"},
	},
}

// LookupModel finds a model by id or alias, or nil if unknown.
func LookupModel(id string) *ModelInfo {
	if id == "" {
		return nil
	}
	lower := strings.ToLower(id)
	for i := range Models {
		if strings.ToLower(Models[i].ID) == lower {
			return &Models[i]
		}
		for _, alias := range Models[i].Aliases {
			if strings.ToLower(alias) == lower {
				return &Models[i]
			}
		}
	}
	return nil
}

// ContextWindow returns the context window size for a model, or the
// conservative fallback when the model is not in the catalog.
func ContextWindow(model string) int {
	if info := LookupModel(model); info != nil {
		return info.ContextWindow
	}
	return 128000
}
