package tools

import (
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
)

// SchemaFor derives a JSON-schema parameter map from a tagged argument
// struct. Field descriptions come from jsonschema struct tags; required
// fields are everything without omitempty.
func SchemaFor(v interface{}) map[string]interface{} {
	reflector := &jsonschema.Reflector{
		DoNotReference:            true,
		ExpandedStruct:            true,
		AllowAdditionalProperties: false,
	}
	schema := reflector.Reflect(v)

	raw, err := json.Marshal(schema)
	if err != nil {
		panic(fmt.Sprintf("schema reflection failed: %v", err))
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		panic(fmt.Sprintf("schema reflection failed: %v", err))
	}
	delete(m, "$schema")
	delete(m, "$id")
	if _, ok := m["type"]; !ok {
		m["type"] = "object"
	}
	return m
}

// CheckSchema validates a parameter schema at registration time: it must
// be an object schema whose required names all exist under properties.
func CheckSchema(params map[string]interface{}) error {
	if params == nil {
		return fmt.Errorf("parameter schema is nil")
	}
	if t, _ := params["type"].(string); t != "object" {
		return fmt.Errorf("parameter schema must have type \"object\", got %q", t)
	}

	props, _ := params["properties"].(map[string]interface{})
	required := requiredNames(params)
	for _, name := range required {
		if props == nil {
			return fmt.Errorf("required parameter %q has no properties block", name)
		}
		if _, ok := props[name]; !ok {
			return fmt.Errorf("required parameter %q is not declared in properties", name)
		}
	}
	return nil
}

// ValidateArguments checks raw tool-call arguments against a parameter
// schema: arguments must be a JSON object, required fields must be
// present, and every declared field must match its schema type.
func ValidateArguments(toolName string, params map[string]interface{}, raw json.RawMessage) (map[string]interface{}, error) {
	var args map[string]interface{}
	if len(raw) == 0 {
		args = map[string]interface{}{}
	} else if err := json.Unmarshal(raw, &args); err != nil {
		return nil, &ValidationError{Tool: toolName, Reason: fmt.Sprintf("arguments are not a JSON object: %v", err)}
	}

	for _, name := range requiredNames(params) {
		if _, ok := args[name]; !ok {
			return nil, &ValidationError{Tool: toolName, Reason: fmt.Sprintf("missing required parameter %q", name)}
		}
	}

	props, _ := params["properties"].(map[string]interface{})
	for name, value := range args {
		spec, ok := props[name].(map[string]interface{})
		if !ok {
			return nil, &ValidationError{Tool: toolName, Reason: fmt.Sprintf("unexpected parameter %q", name)}
		}
		wantType, _ := spec["type"].(string)
		if wantType == "" || value == nil {
			continue
		}
		if !matchesType(value, wantType) {
			return nil, &ValidationError{Tool: toolName,
				Reason: fmt.Sprintf("parameter %q must be of type %s", name, wantType)}
		}
	}

	return args, nil
}

func requiredNames(params map[string]interface{}) []string {
	var names []string
	switch req := params["required"].(type) {
	case []string:
		names = req
	case []interface{}:
		for _, r := range req {
			if s, ok := r.(string); ok {
				names = append(names, s)
			}
		}
	}
	return names
}

func matchesType(value interface{}, wantType string) bool {
	switch wantType {
	case "string":
		_, ok := value.(string)
		return ok
	case "integer":
		// JSON numbers decode as float64; integers must be whole.
		n, ok := value.(float64)
		return ok && n == float64(int64(n))
	case "number":
		_, ok := value.(float64)
		return ok
	case "boolean":
		_, ok := value.(bool)
		return ok
	case "array":
		_, ok := value.([]interface{})
		return ok
	case "object":
		_, ok := value.(map[string]interface{})
		return ok
	default:
		return true
	}
}

// Typed argument accessors, for tool implementations reading validated
// argument maps.

// StringArg extracts a string argument.
func StringArg(args map[string]interface{}, key string) (string, bool) {
	v, ok := args[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// IntArg extracts an integer argument.
func IntArg(args map[string]interface{}, key string) (int, bool) {
	v, ok := args[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	default:
		return 0, false
	}
}

// BoolArg extracts a boolean argument.
func BoolArg(args map[string]interface{}, key string) (bool, bool) {
	v, ok := args[key]
	if !ok {
		return false, false
	}
	b, ok := v.(bool)
	return b, ok
}
