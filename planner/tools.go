package planner

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/convactor/turnflow/store"
)

// ToolDef is the persona-authored description of one invocable tool, as
// loaded from configuration. It is provider-neutral: resolveTools projects
// it into the shape an LLM adapter's tool-catalog parameter expects.
type ToolDef struct {
	Name           string
	Description    string
	InputSchema    json.RawMessage
	TargetType     store.AsyncOpTargetType
	TargetID       string
	AgentMode      AgentMode
	Async          bool
	InputMapping   map[string]string
	Retry          store.RetryConfig
	TimeoutSeconds int
}

// ResolvedTool is the provider-neutral tool spec handed to the LLM adapter.
type ResolvedTool struct {
	Name        string
	Description string
	InputSchema json.RawMessage
}

// ToolLookup maps a tool name to its definition and compiled schema.
type ToolLookup map[string]*compiledTool

type compiledTool struct {
	def    ToolDef
	schema *jsonschema.Schema
}

// ResolveTools transforms a persona's tool list into a provider-neutral spec
// list plus a lookup map keyed by tool name. Schemas without an explicit
// "type" keyword are treated as permissive and never compiled: such tools
// always validate successfully.
func ResolveTools(tools []ToolDef) ([]ResolvedTool, ToolLookup, error) {
	resolved := make([]ResolvedTool, 0, len(tools))
	lookup := make(ToolLookup, len(tools))
	for _, t := range tools {
		resolved = append(resolved, ResolvedTool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
		})
		ct := &compiledTool{def: t}
		if schemaDeclaresType(t.InputSchema) {
			s, err := compileSchema(t.Name, t.InputSchema)
			if err != nil {
				return nil, nil, fmt.Errorf("tool %q: compile input schema: %w", t.Name, err)
			}
			ct.schema = s
		}
		lookup[t.Name] = ct
	}
	return resolved, lookup, nil
}

func schemaDeclaresType(raw json.RawMessage) bool {
	if len(raw) == 0 {
		return false
	}
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		return false
	}
	_, ok := obj["type"]
	return ok
}

func compileSchema(name string, raw json.RawMessage) (*jsonschema.Schema, error) {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	url := "mem://tool/" + name
	if err := c.AddResource(url, doc); err != nil {
		return nil, err
	}
	return c.Compile(url)
}

// validate checks input against the tool's compiled schema, if any, and
// returns one message per violated path on failure.
func (ct *compiledTool) validate(input json.RawMessage) []string {
	if ct.schema == nil {
		return nil
	}
	var doc any
	if err := json.Unmarshal(input, &doc); err != nil {
		return []string{"input: invalid JSON: " + err.Error()}
	}
	if err := ct.schema.Validate(doc); err != nil {
		if ve, ok := err.(*jsonschema.ValidationError); ok {
			return flattenValidationErrors(ve)
		}
		return []string{err.Error()}
	}
	return nil
}

func flattenValidationErrors(ve *jsonschema.ValidationError) []string {
	if len(ve.Causes) == 0 {
		return []string{ve.Error()}
	}
	var out []string
	for _, c := range ve.Causes {
		out = append(out, flattenValidationErrors(c)...)
	}
	return out
}

// mapInput applies the tool's declared inputMapping, projecting
// {targetKey: original[sourceKey]} for each pair; keys absent from source
// are omitted. Without mapping, input passes through unchanged.
func mapInput(mapping map[string]string, input json.RawMessage) (json.RawMessage, error) {
	if len(mapping) == 0 {
		return input, nil
	}
	var source map[string]json.RawMessage
	if err := json.Unmarshal(input, &source); err != nil {
		return nil, fmt.Errorf("inputMapping requires an object input: %w", err)
	}
	mapped := make(map[string]json.RawMessage, len(mapping))
	for targetKey, sourceKey := range mapping {
		if v, ok := source[sourceKey]; ok {
			mapped[targetKey] = v
		}
	}
	return json.Marshal(mapped)
}
