// Package config loads persona and tool-catalog definitions from YAML:
// read bytes, expand ${ENV_VAR} references, decode into typed structs. Load
// is a one-shot read; personas are rarely-changing configuration, not a
// hot-reloaded surface.
package config

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"

	"github.com/convactor/turnflow/definitions"
	"github.com/convactor/turnflow/llmadapter"
	"github.com/convactor/turnflow/planner"
	"github.com/convactor/turnflow/store"
)

// personaFile is the YAML wire shape for one persona. Field names are
// lowerCamel to match the rest of the project's JSON conventions.
type personaFile struct {
	ID                         string           `yaml:"id"`
	ModelProfileID             string           `yaml:"modelProfileId"`
	RecentTurnsLimit           int              `yaml:"recentTurnsLimit"`
	ContextAssemblyWorkflowID  string           `yaml:"contextAssemblyWorkflowId"`
	MemoryExtractionWorkflowID string           `yaml:"memoryExtractionWorkflowId"`
	MemoryExtractionProjectID  string           `yaml:"memoryExtractionProjectId"`
	MemoryExtractionVersion    string           `yaml:"memoryExtractionVersion"`
	Credentials                credentialsFile  `yaml:"credentials"`
	Tools                      []toolFile       `yaml:"tools"`
}

type credentialsFile struct {
	APIKey  string `yaml:"apiKey"`
	BaseURL string `yaml:"baseUrl"`
	Model   string `yaml:"model"`
}

type toolFile struct {
	Name           string            `yaml:"name"`
	Description    string            `yaml:"description"`
	InputSchema    map[string]any    `yaml:"inputSchema"`
	TargetType     string            `yaml:"targetType"`
	TargetID       string            `yaml:"targetId"`
	AgentMode      string            `yaml:"agentMode"`
	Async          bool              `yaml:"async"`
	InputMapping   map[string]string `yaml:"inputMapping"`
	Retry          retryFile         `yaml:"retry"`
	TimeoutSeconds int               `yaml:"timeoutSeconds"`
}

type retryFile struct {
	MaxAttempts int `yaml:"maxAttempts"`
	BackoffMs   int `yaml:"backoffMs"`
}

type documentFile struct {
	Personas []personaFile `yaml:"personas"`
}

// envVarPattern matches ${NAME} references for expansion.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

func expandEnv(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		name := envVarPattern.FindStringSubmatch(match)[1]
		if v, ok := os.LookupEnv(name); ok {
			return v
		}
		return match
	})
}

// Load reads a YAML document of personas from path and returns them decoded
// into definitions.Persona, with ${ENV_VAR} references in the apiKey and
// baseUrl credential fields expanded against the process environment. The
// model field is taken verbatim.
func Load(path string) ([]definitions.Persona, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var doc documentFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	personas := make([]definitions.Persona, 0, len(doc.Personas))
	for _, pf := range doc.Personas {
		p, err := toPersona(pf)
		if err != nil {
			return nil, fmt.Errorf("config: persona %q: %w", pf.ID, err)
		}
		personas = append(personas, p)
	}
	return personas, nil
}

func toPersona(pf personaFile) (definitions.Persona, error) {
	tools := make([]planner.ToolDef, 0, len(pf.Tools))
	for _, tf := range pf.Tools {
		schema, err := json.Marshal(tf.InputSchema)
		if err != nil {
			return definitions.Persona{}, fmt.Errorf("tool %q: encode inputSchema: %w", tf.Name, err)
		}
		tools = append(tools, planner.ToolDef{
			Name:        tf.Name,
			Description: tf.Description,
			InputSchema: schema,
			TargetType:  store.AsyncOpTargetType(tf.TargetType),
			TargetID:    tf.TargetID,
			AgentMode:   planner.AgentMode(tf.AgentMode),
			Async:       tf.Async,
			InputMapping: tf.InputMapping,
			Retry: store.RetryConfig{
				MaxAttempts: tf.Retry.MaxAttempts,
				BackoffMs:   tf.Retry.BackoffMs,
			},
			TimeoutSeconds: tf.TimeoutSeconds,
		})
	}
	return definitions.Persona{
		ID:                         pf.ID,
		Tools:                      tools,
		ModelProfileID:             pf.ModelProfileID,
		RecentTurnsLimit:           pf.RecentTurnsLimit,
		ContextAssemblyWorkflowID:  pf.ContextAssemblyWorkflowID,
		MemoryExtractionWorkflowID: pf.MemoryExtractionWorkflowID,
		MemoryExtractionProjectID:  pf.MemoryExtractionProjectID,
		MemoryExtractionVersion:    pf.MemoryExtractionVersion,
		Credentials: llmadapter.Credentials{
			APIKey:  expandEnv(pf.Credentials.APIKey),
			BaseURL: expandEnv(pf.Credentials.BaseURL),
			Model:   pf.Credentials.Model,
		},
	}, nil
}

// Store is a definitions.Store backed by a fixed, YAML-loaded persona set.
// Personas are loaded once at construction; there is no notion of live
// persona updates.
type Store struct {
	personas map[string]definitions.Persona
}

// NewStore loads path and returns a Store serving its personas.
func NewStore(path string) (*Store, error) {
	personas, err := Load(path)
	if err != nil {
		return nil, err
	}
	m := make(map[string]definitions.Persona, len(personas))
	for _, p := range personas {
		m[p.ID] = p
	}
	return &Store{personas: m}, nil
}

// GetPersona returns the persona registered under personaID.
func (s *Store) GetPersona(_ context.Context, personaID string) (definitions.Persona, error) {
	p, ok := s.personas[personaID]
	if !ok {
		return definitions.Persona{}, fmt.Errorf("config: persona %q not found", personaID)
	}
	return p, nil
}
