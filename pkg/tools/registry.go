// Copyright © 2026 MassGen Labs - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package tools

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/xeipuuv/gojsonschema"
	"go.uber.org/zap"

	"github.com/massgen-labs/massgen/pkg/types"
)

// Registry holds the tools available to agents for a task: the two
// orchestrator control tools (new_answer, vote) plus any backend-provided
// tools. Control tool names are reserved; registering under them fails.
//
// Thread-safe.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]Tool
	logger *zap.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		tools:  make(map[string]Tool),
		logger: logger,
	}
}

// Register adds a backend-provided tool. Registering a tool under a
// reserved control name or a duplicate name fails.
func (r *Registry) Register(tool Tool) error {
	name := tool.Name()
	if name == "" {
		return fmt.Errorf("tool name cannot be empty")
	}
	if IsControlTool(name) {
		return fmt.Errorf("tool name %q is reserved for orchestrator control", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("tool already registered: %s", name)
	}
	r.tools[name] = tool

	r.logger.Debug("tool registered",
		zap.String("tool", name),
		zap.Bool("side_effect_free", tool.SideEffectFree()))
	return nil
}

// Get returns a registered tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// List returns the names of all registered backend tools, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Specs converts all tools (control tools first, then backend tools) to
// backend-facing specs.
func (r *Registry) Specs() []types.ToolSpec {
	specs := ControlToolSpecs()

	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		tool := r.tools[name]
		schemaJSON, err := tool.InputSchema().ToJSON()
		if err != nil {
			r.logger.Warn("skipping tool with unencodable schema",
				zap.String("tool", name),
				zap.Error(err))
			continue
		}
		specs = append(specs, types.ToolSpec{
			Name:        name,
			Description: tool.Description(),
			InputSchema: schemaJSON,
		})
	}
	return specs
}

// Validate checks call arguments against the named tool's schema. Returns
// nil when valid; a soft *Error describing the violation otherwise.
func (r *Registry) Validate(name, argumentsJSON string) *Error {
	var schema *JSONSchema
	switch name {
	case types.ToolNewAnswer:
		schema = NewAnswerSchema()
	case types.ToolVote:
		schema = VoteSchema()
	default:
		tool, ok := r.Get(name)
		if !ok {
			return &Error{
				Code:       CodeUnknownTool,
				Message:    fmt.Sprintf("unknown tool: %s", name),
				Suggestion: "use one of the declared tools",
			}
		}
		schema = tool.InputSchema()
	}

	if schema == nil {
		return nil
	}

	args := make(map[string]interface{})
	if argumentsJSON != "" {
		if err := json.Unmarshal([]byte(argumentsJSON), &args); err != nil {
			return &Error{
				Code:       CodeInvalidParams,
				Message:    fmt.Sprintf("arguments are not valid JSON: %v", err),
				Suggestion: "emit a JSON object matching the tool schema",
			}
		}
	}

	schemaLoader := gojsonschema.NewGoLoader(schema)
	argsLoader := gojsonschema.NewGoLoader(args)

	result, err := gojsonschema.Validate(schemaLoader, argsLoader)
	if err != nil {
		return &Error{
			Code:    CodeInvalidParams,
			Message: fmt.Sprintf("schema validation failed: %v", err),
		}
	}
	if !result.Valid() {
		violations := make([]string, len(result.Errors()))
		for i, verr := range result.Errors() {
			violations[i] = verr.String()
		}
		return &Error{
			Code:       CodeInvalidParams,
			Message:    fmt.Sprintf("invalid arguments: %v", violations),
			Suggestion: "correct the listed fields and call the tool again",
		}
	}
	return nil
}

// IsControlTool reports whether name is one of the reserved orchestrator
// control tools.
func IsControlTool(name string) bool {
	return name == types.ToolNewAnswer || name == types.ToolVote
}

// NewAnswerSchema returns the parameter schema of the new_answer control
// tool.
func NewAnswerSchema() *JSONSchema {
	one := 1
	return NewObjectSchema(
		"Commit a candidate answer to the shared coordination state",
		map[string]*JSONSchema{
			"content": NewStringSchema("The complete candidate answer (required, non-empty).").
				WithLength(&one, nil),
		},
		[]string{"content"},
	)
}

// VoteSchema returns the parameter schema of the vote control tool.
func VoteSchema() *JSONSchema {
	one := 1
	return NewObjectSchema(
		"Vote for the agent whose current answer should become the final response",
		map[string]*JSONSchema{
			"target_agent_id": NewStringSchema("ID of the agent you are voting for (required). Voting for yourself is allowed if you have an accepted answer.").
				WithLength(&one, nil),
			"reason": NewStringSchema("Why this answer is the best of the candidates (required)."),
		},
		[]string{"target_agent_id", "reason"},
	)
}

// ControlToolSpecs returns the backend-facing specs of the two control
// tools exposed to every agent.
func ControlToolSpecs() []types.ToolSpec {
	newAnswerJSON, _ := NewAnswerSchema().ToJSON()
	voteJSON, _ := VoteSchema().ToJSON()

	return []types.ToolSpec{
		{
			Name:        types.ToolNewAnswer,
			Description: "Commit your candidate answer. Other agents will see it. You may call it again later to replace your answer with a substantially improved one.",
			InputSchema: newAnswerJSON,
		},
		{
			Name:        types.ToolVote,
			Description: "Finalize your participation by voting for the best current answer. After voting you take no further turns this round.",
			InputSchema: voteJSON,
		},
	}
}
