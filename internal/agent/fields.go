package agent

import (
	"fmt"
	"strconv"
	"strings"
)

// FieldType is the declared wire type of an input field.
type FieldType string

const (
	FieldString FieldType = "string"
	FieldInt    FieldType = "int"
	FieldFloat  FieldType = "float"
	FieldBool   FieldType = "bool"
)

// JSONType maps a field type to its JSON Schema type name.
func (t FieldType) JSONType() string {
	switch t {
	case FieldInt:
		return "integer"
	case FieldFloat:
		return "number"
	case FieldBool:
		return "boolean"
	default:
		return "string"
	}
}

// Validator checks a collected field value. A non-nil error means the
// value is rejected and treated as missing.
type Validator func(value any) error

// InputField declares one input an agent collects before running.
type InputField struct {
	// Name is the field identifier, unique within an agent.
	Name string

	// Prompt is the question asked of the user when the field is
	// missing.
	Prompt string

	// Description documents the field for the LLM tool schema.
	Description string

	Type     FieldType
	Required bool
	Default  any

	// Validator, when set, gates values from both the LLM and the
	// user. ValidatorHint is a short human-readable constraint that is
	// appended to the schema description.
	Validator     Validator
	ValidatorHint string
}

// Validate runs the field validator against a value.
func (f *InputField) Validate(value any) error {
	if f.Validator == nil {
		return nil
	}
	if err := f.Validator(value); err != nil {
		return fmt.Errorf("invalid value for %s: %w", f.Name, err)
	}
	return nil
}

// coerce converts a raw value to the field's declared type. JSON
// numbers arrive as float64 regardless of the declared type; values
// typed by the user arrive as strings.
func (f *InputField) coerce(value any) (any, bool) {
	switch f.Type {
	case FieldInt:
		switch v := value.(type) {
		case float64:
			return int(v), true
		case int:
			return v, true
		case string:
			n, err := strconv.Atoi(strings.TrimSpace(v))
			return n, err == nil
		}
		return nil, false
	case FieldFloat:
		switch v := value.(type) {
		case float64:
			return v, true
		case int:
			return float64(v), true
		case string:
			n, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
			return n, err == nil
		}
		return nil, false
	case FieldBool:
		switch v := value.(type) {
		case bool:
			return v, true
		case string:
			b, err := strconv.ParseBool(strings.TrimSpace(v))
			return b, err == nil
		}
		return nil, false
	default:
		v, ok := value.(string)
		if !ok {
			return nil, false
		}
		return strings.TrimSpace(v), true
	}
}
