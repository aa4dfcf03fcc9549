// Package tools defines the tool contract, the safe-execute wrapper that every
// invocation goes through, and the Registry that holds tools by name.
package tools

import (
	"context"
	"errors"
	"fmt"
)

// Definition describes a tool to clients.
type Definition struct {
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	InputSchema InputSchema `json:"inputSchema"`
}

// InputSchema is a JSON-Schema-like description of tool arguments.
type InputSchema struct {
	Type                 string              `json:"type"`
	Properties           map[string]Property `json:"properties,omitempty"`
	Required             []string            `json:"required,omitempty"`
	AdditionalProperties bool                `json:"additionalProperties"`
}

// Property describes one argument.
type Property struct {
	Type        string              `json:"type,omitempty"`
	Description string              `json:"description,omitzero"`
	Items       *Property           `json:"items,omitempty"`
	Properties  map[string]Property `json:"properties,omitempty"`
	Enum        []any               `json:"enum,omitempty"`
}

// Tool is a named, schema-described unit of work.
type Tool interface {
	Name() string
	Description() string
	Definition() Definition
	// Execute runs the tool with arguments that have already passed
	// validation against Definition().InputSchema.
	Execute(ctx context.Context, args map[string]any) (any, error)
}

// Result is the outcome of a tool call. Tool failures are results, not errors.
type Result struct {
	Content any    `json:"content"`
	IsError bool   `json:"isError"`
	Error   string `json:"error,omitempty"`
}

// ErrorResult builds a failed Result carrying msg.
func ErrorResult(msg string) Result {
	return Result{Content: nil, IsError: true, Error: msg}
}

var (
	// ErrEmptyName is returned when registering a tool without a name.
	ErrEmptyName = errors.New("tool name must not be empty")
	// ErrToolNotRegistered is returned when invoking an unknown tool.
	ErrToolNotRegistered = errors.New("tool not registered")
)

// SafeExecute validates args against the tool's schema, runs the tool and
// converts any validation failure, returned error or panic into an error
// Result. It never panics.
func SafeExecute(ctx context.Context, t Tool, args map[string]any) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			if err, ok := r.(error); ok {
				res = ErrorResult(err.Error())
				return
			}
			res = ErrorResult(fmt.Sprint(r))
		}
	}()

	if args == nil {
		args = map[string]any{}
	}

	if err := ValidateArgs(ctx, t.Definition().InputSchema, args); err != nil {
		return ErrorResult(err.Error())
	}

	out, err := t.Execute(ctx, args)
	if err != nil {
		return ErrorResult(err.Error())
	}
	return Result{Content: out}
}
