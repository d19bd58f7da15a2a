package dispatch

import (
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"strings"
)

type Param struct {
	Type        string
	Description string
	Enum        []string
}

// Schema is the argument shape of one function. Every property is a string
// in the current function set, which keeps validation to presence, type and
// enum checks.
type Schema struct {
	Properties map[string]Param
	Required   []string
	// AnyOf lists groups where at least one member must be present.
	AnyOf [][]string
}

// JSON renders the schema as a JSON-schema object for the upstream handshake.
func (s Schema) JSON() map[string]any {
	props := make(map[string]any, len(s.Properties))
	for name, p := range s.Properties {
		prop := map[string]any{"type": p.Type, "description": p.Description}
		if len(p.Enum) > 0 {
			prop["enum"] = append([]string(nil), p.Enum...)
		}
		props[name] = prop
	}
	out := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(s.Required) > 0 {
		out["required"] = append([]string(nil), s.Required...)
	}
	return out
}

// Args is the decoded argument object of a function call.
type Args map[string]any

// String returns the trimmed string value of key, or "" when absent or not a
// string.
func (a Args) String(key string) string {
	v, ok := a[key].(string)
	if !ok {
		return ""
	}
	return strings.TrimSpace(v)
}

// DecodeArgs parses the JSON argument string the upstream sends. An empty
// string is an empty object.
func DecodeArgs(raw string) (Args, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Args{}, nil
	}
	var args Args
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil, fmt.Errorf("arguments are not a JSON object: %w", err)
	}
	if args == nil {
		args = Args{}
	}
	return args, nil
}

func (s Schema) validate(args Args) []string {
	var problems []string
	for _, name := range s.Required {
		if present(args, name) {
			continue
		}
		problems = append(problems, fmt.Sprintf("%s is required", name))
	}
	for _, group := range s.AnyOf {
		ok := false
		for _, name := range group {
			if present(args, name) {
				ok = true
				break
			}
		}
		if !ok {
			problems = append(problems, fmt.Sprintf("one of %s is required", strings.Join(group, ", ")))
		}
	}

	names := make([]string, 0, len(args))
	for name := range args {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		p, known := s.Properties[name]
		if !known || args[name] == nil {
			continue
		}
		if p.Type == "string" {
			v, ok := args[name].(string)
			if !ok {
				problems = append(problems, fmt.Sprintf("%s must be a string", name))
				continue
			}
			if len(p.Enum) > 0 && !slices.Contains(p.Enum, strings.TrimSpace(v)) {
				problems = append(problems, fmt.Sprintf("%s must be one of: %s", name, strings.Join(p.Enum, ", ")))
			}
		}
	}
	return problems
}

func present(args Args, name string) bool {
	v, ok := args[name]
	if !ok || v == nil {
		return false
	}
	if s, isString := v.(string); isString {
		return strings.TrimSpace(s) != ""
	}
	return true
}
