package agent

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// Spec is the registry record for one agent type. It is the explicit
// registration API: an agent declares its fields and callbacks here,
// and schema synthesis is a pure function over the declaration.
type Spec struct {
	// Name is the agent type name, also the tool name exposed to the
	// LLM.
	Name string

	// Description documents the agent for the LLM tool catalog.
	Description string

	InputFields []InputField

	// NeedsApproval gates the run behind user confirmation.
	NeedsApproval bool

	// ExposeAsTool controls whether the agent appears in the react
	// loop's tool catalog. Agents reachable only via triggers set it
	// false.
	ExposeAsTool bool

	// Run is the action executed once fields are collected and
	// approval (if any) granted.
	Run RunFunc

	// ApprovalPrompt, when set, summarizes the pending action for the
	// approval request. Defaults to a generic prompt.
	ApprovalPrompt func(a *BaseAgent) string

	// New, when set, overrides instance construction. Defaults to
	// NewBaseAgent.
	New func(id string, spec *Spec) Agent
}

func (s *Spec) field(name string) *InputField {
	for i := range s.InputFields {
		if s.InputFields[i].Name == name {
			return &s.InputFields[i]
		}
	}
	return nil
}

// SchemaVersion computes a stable hash of the declared input fields.
// It changes when fields are added, removed, or retyped, and gatekeeps
// restoration of pool entries after a deployment.
func (s *Spec) SchemaVersion() int64 {
	fields := make([]InputField, len(s.InputFields))
	copy(fields, s.InputFields)
	sort.Slice(fields, func(i, j int) bool { return fields[i].Name < fields[j].Name })

	parts := make([]string, 0, len(fields))
	for _, f := range fields {
		typ := f.Type
		if typ == "" {
			typ = FieldString
		}
		parts = append(parts, f.Name+":"+string(typ)+":"+strconv.FormatBool(f.Required))
	}

	digest := sha256.Sum256([]byte(strings.Join(parts, "|")))
	version, err := strconv.ParseInt(hex.EncodeToString(digest[:])[:8], 16, 64)
	if err != nil {
		// Unreachable: the input is always 8 hex chars.
		return 0
	}
	return version
}

// taskInstructionDescription documents the free-form parameter added
// to every synthesized agent-tool schema.
const taskInstructionDescription = "Natural language instructions for the agent. " +
	"Use this to pass context that doesn't map to specific input fields."

// approvalMarker is appended to the tool description of agents that
// require confirmation, so the planner can warn the user up front.
const approvalMarker = " [Requires user confirmation before execution]"

// ToolSchema synthesizes the LLM function-calling schema for the
// agent: one property per input field plus task_instruction, enhanced
// with validator hints and the approval marker.
func (s *Spec) ToolSchema() ToolSchema {
	properties := make(map[string]any, len(s.InputFields)+1)
	var required []string

	for _, f := range s.InputFields {
		desc := f.Description
		if desc == "" {
			desc = f.Prompt
		}
		if f.ValidatorHint != "" {
			desc = fmt.Sprintf("%s (%s)", desc, f.ValidatorHint)
		}
		properties[f.Name] = map[string]any{
			"type":        f.Type.JSONType(),
			"description": desc,
		}
		if f.Required {
			required = append(required, f.Name)
		}
	}

	properties["task_instruction"] = map[string]any{
		"type":        "string",
		"description": taskInstructionDescription,
	}

	if required == nil {
		required = []string{}
	}
	params, _ := json.Marshal(map[string]any{
		"type":       "object",
		"properties": properties,
		"required":   required,
	})

	description := s.Description
	if s.NeedsApproval {
		description += approvalMarker
	}

	return ToolSchema{
		Name:        s.Name,
		Description: description,
		Parameters:  params,
	}
}

// NewInstance constructs an agent instance from the spec.
func (s *Spec) NewInstance(id string) Agent {
	if s.New != nil {
		return s.New(id, s)
	}
	return NewBaseAgent(id, s)
}

// Registry maps agent type names to their specs. Read-mostly: the
// orchestrator takes its snapshot at startup, runtime mutation is not
// part of the contract.
type Registry struct {
	mu    sync.RWMutex
	specs map[string]*Spec
}

// NewRegistry creates an empty agent registry.
func NewRegistry() *Registry {
	return &Registry{specs: make(map[string]*Spec)}
}

// Register adds an agent spec. Duplicate names are rejected.
func (r *Registry) Register(spec *Spec) error {
	if spec == nil || strings.TrimSpace(spec.Name) == "" {
		return fmt.Errorf("agent spec requires a name")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.specs[spec.Name]; exists {
		return fmt.Errorf("agent %s already registered", spec.Name)
	}
	r.specs[spec.Name] = spec
	return nil
}

// Get returns the spec for an agent type.
func (r *Registry) Get(name string) (*Spec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	spec, ok := r.specs[name]
	return spec, ok
}

// SchemaVersion returns the current schema version for an agent type,
// or zero when the type is unknown.
func (r *Registry) SchemaVersion(name string) int64 {
	if spec, ok := r.Get(name); ok {
		return spec.SchemaVersion()
	}
	return 0
}

// ExposedSpecs returns the specs exposed as tools, sorted by name for
// a deterministic catalog.
func (r *Registry) ExposedSpecs() []*Spec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var specs []*Spec
	for _, spec := range r.specs {
		if spec.ExposeAsTool {
			specs = append(specs, spec)
		}
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].Name < specs[j].Name })
	return specs
}
