package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/qri-io/jsonschema"
)

// typeSchemas caches one {"type": T} schema per JSON type name.
var typeSchemas sync.Map // string -> *jsonschema.Schema

// ValidateArgs checks that every required argument is present and that each
// declared top-level property has the declared JSON type. Nested structure is
// not validated.
func ValidateArgs(ctx context.Context, schema InputSchema, args map[string]any) error {
	for _, name := range schema.Required {
		if _, ok := args[name]; !ok {
			return fmt.Errorf("missing required field: %s", name)
		}
	}

	names := make([]string, 0, len(schema.Properties))
	for name := range schema.Properties {
		names = append(names, name)
	}
	slices.Sort(names)

	for _, name := range names {
		want := schema.Properties[name].Type
		v, present := args[name]
		if !present || want == "" {
			continue
		}
		if msg := checkType(ctx, want, v); msg != "" {
			return fmt.Errorf("invalid type for field %s: %s", name, msg)
		}
	}
	return nil
}

// jsonTypes are the type names a property may declare.
var jsonTypes = []string{"array", "boolean", "integer", "null", "number", "object", "string"}

// typeSchema returns the cached {"type": want} schema.
func typeSchema(want string) (*jsonschema.Schema, error) {
	if rs, ok := typeSchemas.Load(want); ok {
		return rs.(*jsonschema.Schema), nil
	}
	if !slices.Contains(jsonTypes, want) {
		return nil, fmt.Errorf("unsupported schema type %q", want)
	}
	rs := &jsonschema.Schema{}
	if err := json.Unmarshal(fmt.Appendf(nil, `{"type": %q}`, want), rs); err != nil {
		return nil, fmt.Errorf("schema type %q: %w", want, err)
	}
	actual, _ := typeSchemas.LoadOrStore(want, rs)
	return actual.(*jsonschema.Schema), nil
}

// checkType returns a validator message when v is not of JSON type want.
func checkType(ctx context.Context, want string, v any) string {
	rs, err := typeSchema(want)
	if err != nil {
		return err.Error()
	}

	vs := rs.Validate(ctx, v)
	if vs.Errs == nil || len(*vs.Errs) == 0 {
		return ""
	}
	msgs := make([]string, 0, len(*vs.Errs))
	for _, ke := range *vs.Errs {
		msgs = append(msgs, ke.Message)
	}
	return strings.Join(msgs, ", ")
}
