// Package tools keeps the tool definitions registered with the gateway and
// resolves the tool references carried by requests.
//
// A request may either define a tool inline (name plus parameters schema) or
// refer to a registered tool by name only. Resolve turns every reference into
// a full definition and rejects malformed schemas before any provider is
// contacted.
package tools

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/habitusnet/llmgateway/internal/domain"
)

type Registry struct {
	mu    sync.RWMutex
	tools map[string]domain.Tool
}

func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]domain.Tool)}
}

// Register adds a tool definition. The schema is validated the same way an
// inline definition would be.
func (r *Registry) Register(tool domain.Tool) error {
	if tool.Name == "" {
		return fmt.Errorf("tool without name")
	}
	if err := ValidateSchema(tool.Parameters); err != nil {
		return fmt.Errorf("tool %s: %w", tool.Name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[tool.Name]; exists {
		return fmt.Errorf("tool %s already registered", tool.Name)
	}
	r.tools[tool.Name] = tool
	return nil
}

func (r *Registry) Get(name string) (domain.Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names returns all registered tool names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Resolve returns the request's tools with name-only references replaced by
// their registered definitions. The input slice is not modified.
func (r *Registry) Resolve(requested []domain.Tool) ([]domain.Tool, error) {
	if len(requested) == 0 {
		return nil, nil
	}

	out := make([]domain.Tool, len(requested))
	seen := make(map[string]bool, len(requested))
	for i, t := range requested {
		param := fmt.Sprintf("tools[%d]", i)
		if t.Name == "" {
			return nil, domain.InvalidRequest(param, "tool name is required")
		}
		if seen[t.Name] {
			return nil, domain.InvalidRequest(param, "tool %s is defined more than once", t.Name)
		}
		seen[t.Name] = true

		if len(t.Parameters) == 0 {
			registered, ok := r.Get(t.Name)
			if !ok {
				return nil, domain.InvalidRequest(param, "tool %s is not registered", t.Name).WithCause(domain.ErrToolNotFound)
			}
			if t.Description != "" {
				registered.Description = t.Description
			}
			out[i] = registered
			continue
		}

		if err := ValidateSchema(t.Parameters); err != nil {
			return nil, domain.InvalidRequest(param+".parameters", "tool %s: %v", t.Name, err)
		}
		out[i] = t
	}
	return out, nil
}

// ValidateChoice checks that a tool choice naming a specific tool refers to
// one of the request's tools.
func ValidateChoice(choice *domain.ToolChoice, tools []domain.Tool) error {
	if choice == nil {
		return nil
	}
	switch choice.Mode {
	case domain.ToolChoiceAuto, domain.ToolChoiceNone:
		return nil
	case domain.ToolChoiceRequired:
		if len(tools) == 0 {
			return domain.InvalidRequest("tool_choice", "tool_choice required without tools")
		}
		return nil
	case domain.ToolChoiceTool:
		for _, t := range tools {
			if t.Name == choice.Name {
				return nil
			}
		}
		return domain.InvalidRequest("tool_choice", "tool_choice names unknown tool %q", choice.Name)
	default:
		return domain.InvalidRequest("tool_choice", "unknown tool_choice mode %q", choice.Mode)
	}
}

type fileTool struct {
	Name        string         `yaml:"name"`
	Description string         `yaml:"description"`
	Parameters  map[string]any `yaml:"parameters"`
}

// LoadFile registers every tool listed in a YAML file of the form
//
//	tools:
//	  - name: get_weather
//	    description: Current weather for a city
//	    parameters: {type: object, properties: {city: {type: string}}}
func (r *Registry) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read tool file: %w", err)
	}

	var f struct {
		Tools []fileTool `yaml:"tools"`
	}
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parse tool file: %w", err)
	}

	for _, ft := range f.Tools {
		params, err := json.Marshal(ft.Parameters)
		if err != nil {
			return fmt.Errorf("tool %s: encode parameters: %w", ft.Name, err)
		}
		if ft.Parameters == nil {
			params = nil
		}
		if err := r.Register(domain.Tool{Name: ft.Name, Description: ft.Description, Parameters: params}); err != nil {
			return err
		}
	}
	return nil
}
