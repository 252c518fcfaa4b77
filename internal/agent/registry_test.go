package agent

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestRegistry_RegisterRejectsDuplicatesAndEmptyNames(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(&Spec{Name: "book_flight"}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if err := r.Register(&Spec{Name: "book_flight"}); err == nil {
		t.Error("duplicate registration accepted")
	}
	if err := r.Register(&Spec{Name: "  "}); err == nil {
		t.Error("blank name accepted")
	}
	if err := r.Register(nil); err == nil {
		t.Error("nil spec accepted")
	}
}

func TestRegistry_ExposedSpecsSortedAndFiltered(t *testing.T) {
	r := NewRegistry()
	for _, s := range []*Spec{
		{Name: "zeta", ExposeAsTool: true},
		{Name: "alpha", ExposeAsTool: true},
		{Name: "hidden", ExposeAsTool: false},
	} {
		if err := r.Register(s); err != nil {
			t.Fatalf("Register(%s) error = %v", s.Name, err)
		}
	}

	specs := r.ExposedSpecs()
	if len(specs) != 2 {
		t.Fatalf("exposed = %d, want 2", len(specs))
	}
	if specs[0].Name != "alpha" || specs[1].Name != "zeta" {
		t.Errorf("order = %s, %s", specs[0].Name, specs[1].Name)
	}
}

func TestSpec_SchemaVersionIsOrderIndependent(t *testing.T) {
	a := &Spec{Name: "x", InputFields: []InputField{
		{Name: "city", Type: FieldString, Required: true},
		{Name: "nights", Type: FieldInt, Required: false},
	}}
	b := &Spec{Name: "x", InputFields: []InputField{
		{Name: "nights", Type: FieldInt, Required: false},
		{Name: "city", Type: FieldString, Required: true},
	}}
	if a.SchemaVersion() != b.SchemaVersion() {
		t.Error("field order must not change the schema version")
	}
}

func TestSpec_SchemaVersionChangesWithDeclaration(t *testing.T) {
	base := &Spec{Name: "x", InputFields: []InputField{
		{Name: "city", Type: FieldString, Required: true},
	}}
	v := base.SchemaVersion()

	added := &Spec{Name: "x", InputFields: []InputField{
		{Name: "city", Type: FieldString, Required: true},
		{Name: "date", Type: FieldString, Required: true},
	}}
	if added.SchemaVersion() == v {
		t.Error("adding a field must change the version")
	}

	retyped := &Spec{Name: "x", InputFields: []InputField{
		{Name: "city", Type: FieldInt, Required: true},
	}}
	if retyped.SchemaVersion() == v {
		t.Error("retyping a field must change the version")
	}

	optional := &Spec{Name: "x", InputFields: []InputField{
		{Name: "city", Type: FieldString, Required: false},
	}}
	if optional.SchemaVersion() == v {
		t.Error("flipping required must change the version")
	}

	// Prompt text is presentation, not schema.
	reprompted := &Spec{Name: "x", InputFields: []InputField{
		{Name: "city", Prompt: "Where to?", Type: FieldString, Required: true},
	}}
	if reprompted.SchemaVersion() != v {
		t.Error("prompt change must not change the version")
	}
}

func TestSpec_ToolSchemaSynthesis(t *testing.T) {
	spec := &Spec{
		Name:          "book_flight",
		Description:   "Books a flight.",
		NeedsApproval: true,
		InputFields: []InputField{
			{Name: "city", Prompt: "Which city?", Type: FieldString, Required: true, ValidatorHint: "IATA city name"},
			{Name: "nights", Description: "Trip length", Type: FieldInt},
		},
	}

	schema := spec.ToolSchema()
	if schema.Name != "book_flight" {
		t.Errorf("name = %s", schema.Name)
	}
	if !strings.Contains(schema.Description, "[Requires user confirmation before execution]") {
		t.Error("approval marker missing from description")
	}

	var params struct {
		Type       string                    `json:"type"`
		Properties map[string]map[string]any `json:"properties"`
		Required   []string                  `json:"required"`
	}
	if err := json.Unmarshal(schema.Parameters, &params); err != nil {
		t.Fatalf("parameters do not parse: %v", err)
	}
	if params.Type != "object" {
		t.Errorf("type = %s", params.Type)
	}
	if _, ok := params.Properties["task_instruction"]; !ok {
		t.Error("task_instruction property missing")
	}
	city := params.Properties["city"]
	if city["type"] != "string" {
		t.Errorf("city type = %v", city["type"])
	}
	if desc, _ := city["description"].(string); !strings.Contains(desc, "IATA city name") {
		t.Errorf("validator hint missing from description: %q", desc)
	}
	if nights := params.Properties["nights"]; nights["type"] != "integer" {
		t.Errorf("nights type = %v", nights["type"])
	}
	if len(params.Required) != 1 || params.Required[0] != "city" {
		t.Errorf("required = %v", params.Required)
	}
}

func TestSpec_ToolSchemaEmptyRequiredIsArray(t *testing.T) {
	spec := &Spec{Name: "ping", Description: "no fields"}
	var params map[string]json.RawMessage
	if err := json.Unmarshal(spec.ToolSchema().Parameters, &params); err != nil {
		t.Fatalf("parameters do not parse: %v", err)
	}
	if string(params["required"]) != "[]" {
		t.Errorf("required = %s, want []", params["required"])
	}
}

func TestRegistry_SchemaVersionUnknownType(t *testing.T) {
	r := NewRegistry()
	if v := r.SchemaVersion("nope"); v != 0 {
		t.Errorf("version = %d, want 0", v)
	}
}
