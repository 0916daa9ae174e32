// Copyright © 2026 MassGen Labs - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package tools

import "encoding/json"

// JSONSchema represents a JSON Schema for tool parameters.
// This follows the JSON Schema spec for type definitions.
type JSONSchema struct {
	Type        string                 `json:"type"`
	Description string                 `json:"description,omitempty"`
	Properties  map[string]*JSONSchema `json:"properties,omitempty"`
	Required    []string               `json:"required,omitempty"`
	Items       *JSONSchema            `json:"items,omitempty"`
	Enum        []interface{}          `json:"enum,omitempty"`
	Default     interface{}            `json:"default,omitempty"`
	MinLength   *int                   `json:"minLength,omitempty"`
	MaxLength   *int                   `json:"maxLength,omitempty"`
}

// ToJSON converts the schema to JSON bytes.
func (s *JSONSchema) ToJSON() ([]byte, error) {
	return json.Marshal(s)
}

// NewObjectSchema creates a new object schema with the given properties.
func NewObjectSchema(description string, properties map[string]*JSONSchema, required []string) *JSONSchema {
	return &JSONSchema{
		Type:        "object",
		Description: description,
		Properties:  properties,
		Required:    required,
	}
}

// NewStringSchema creates a new string schema.
func NewStringSchema(description string) *JSONSchema {
	return &JSONSchema{
		Type:        "string",
		Description: description,
	}
}

// NewBooleanSchema creates a new boolean schema.
func NewBooleanSchema(description string) *JSONSchema {
	return &JSONSchema{
		Type:        "boolean",
		Description: description,
	}
}

// NewArraySchema creates a new array schema.
func NewArraySchema(description string, items *JSONSchema) *JSONSchema {
	return &JSONSchema{
		Type:        "array",
		Description: description,
		Items:       items,
	}
}

// WithEnum adds enum values to the schema.
func (s *JSONSchema) WithEnum(values ...interface{}) *JSONSchema {
	s.Enum = values
	return s
}

// WithDefault adds a default value to the schema.
func (s *JSONSchema) WithDefault(value interface{}) *JSONSchema {
	s.Default = value
	return s
}

// WithLength adds length constraints to the schema.
func (s *JSONSchema) WithLength(minLen, maxLen *int) *JSONSchema {
	s.MinLength = minLen
	s.MaxLength = maxLen
	return s
}
