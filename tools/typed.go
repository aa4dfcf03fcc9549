package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
)

type funcTool struct {
	def Definition
	fn  func(ctx context.Context, args map[string]any) (any, error)
}

// NewFuncTool builds a Tool from an explicit definition and a function over
// the raw argument map.
func NewFuncTool(def Definition, fn func(ctx context.Context, args map[string]any) (any, error)) Tool {
	if def.InputSchema.Type == "" {
		def.InputSchema.Type = "object"
	}
	return &funcTool{def: def, fn: fn}
}

func (t *funcTool) Name() string           { return t.def.Name }
func (t *funcTool) Description() string    { return t.def.Description }
func (t *funcTool) Definition() Definition { return t.def }

func (t *funcTool) Execute(ctx context.Context, args map[string]any) (any, error) {
	return t.fn(ctx, args)
}

// TypedOption configures a typed tool.
type TypedOption func(*typedConfig)

type typedConfig struct {
	allowAdditional bool
}

// WithAllowAdditionalProperties advertises that unknown argument keys are
// tolerated.
func WithAllowAdditionalProperties() TypedOption {
	return func(c *typedConfig) { c.allowAdditional = true }
}

type typedTool[A any] struct {
	def Definition
	fn  func(ctx context.Context, args A) (any, error)
}

// NewTypedTool builds a Tool whose input schema is reflected from A's struct
// tags. Arguments are decoded into A before fn is called.
func NewTypedTool[A any](name, description string, fn func(ctx context.Context, args A) (any, error), opts ...TypedOption) Tool {
	var cfg typedConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	return &typedTool[A]{
		def: Definition{
			Name:        name,
			Description: description,
			InputSchema: reflectInputSchema[A](cfg.allowAdditional),
		},
		fn: fn,
	}
}

func (t *typedTool[A]) Name() string           { return t.def.Name }
func (t *typedTool[A]) Description() string    { return t.def.Description }
func (t *typedTool[A]) Definition() Definition { return t.def }

func (t *typedTool[A]) Execute(ctx context.Context, args map[string]any) (any, error) {
	var a A
	b, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("encode arguments: %w", err)
	}
	if err := json.Unmarshal(b, &a); err != nil {
		return nil, fmt.Errorf("decode arguments: %w", err)
	}
	return t.fn(ctx, a)
}

// reflectInputSchema reflects A into a jsonschema.Schema and converts it to
// the simplified InputSchema.
func reflectInputSchema[A any](allowAdditional bool) InputSchema {
	r := &jsonschema.Reflector{
		DoNotReference:            true,
		ExpandedStruct:            true,
		AllowAdditionalProperties: allowAdditional,
	}
	s := r.Reflect(new(A))

	out := InputSchema{
		Type:                 "object",
		Properties:           map[string]Property{},
		AdditionalProperties: allowAdditional,
	}
	if s == nil || s.Type != "object" {
		return out
	}
	if s.Properties != nil {
		for el := s.Properties.Oldest(); el != nil; el = el.Next() {
			out.Properties[el.Key] = toProperty(el.Value)
		}
	}
	if len(s.Required) > 0 {
		out.Required = append(out.Required, s.Required...)
	}
	return out
}

func toProperty(s *jsonschema.Schema) Property {
	if s == nil {
		return Property{}
	}
	p := Property{
		Type:        s.Type,
		Description: s.Description,
	}
	if len(s.Enum) > 0 {
		p.Enum = s.Enum
	}
	if s.Type == "array" && s.Items != nil {
		item := toProperty(s.Items)
		p.Items = &item
	}
	if s.Type == "object" && s.Properties != nil {
		m := make(map[string]Property, s.Properties.Len())
		for el := s.Properties.Oldest(); el != nil; el = el.Next() {
			m[el.Key] = toProperty(el.Value)
		}
		p.Properties = m
	}
	return p
}
