package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/haasonsaas/valet/pkg/models"
)

// taskInstructionKey is the synthetic parameter carrying free-form
// instructions to agent tools. Never seeded as a field.
const taskInstructionKey = "task_instruction"

// ToolInvoker dispatches a tool call to either a plain tool or an
// agent exposed as a tool. Arguments are validated against the tool's
// JSON schema before execution; agents that park waiting for input or
// approval are inserted into the pool.
type ToolInvoker struct {
	cfg      ReactLoopConfig
	tools    map[string]ToolExecutor
	registry *Registry
	pool     *AgentPool
	schemas  map[string]*jsonschema.Schema
	logger   *slog.Logger
}

// NewToolInvoker builds an invoker over the plain tool set and the
// agent registry. Tool schemas (including synthesized agent-tool
// schemas) are compiled once here; a tool with an uncompilable schema
// is a registration error.
func NewToolInvoker(cfg ReactLoopConfig, registry *Registry, pool *AgentPool, tools []ToolExecutor, logger *slog.Logger) (*ToolInvoker, error) {
	cfg.sanitize()
	if logger == nil {
		logger = slog.Default()
	}

	inv := &ToolInvoker{
		cfg:      cfg,
		tools:    make(map[string]ToolExecutor, len(tools)),
		registry: registry,
		pool:     pool,
		schemas:  make(map[string]*jsonschema.Schema),
		logger:   logger.With("component", "tool_invoker"),
	}

	for _, tool := range tools {
		name := tool.Name()
		if _, dup := inv.tools[name]; dup {
			return nil, fmt.Errorf("duplicate tool %s", name)
		}
		inv.tools[name] = tool
		schema, err := compileSchema(name, tool.Schema())
		if err != nil {
			return nil, fmt.Errorf("tool %s: %w", name, err)
		}
		inv.schemas[name] = schema
	}

	for _, spec := range registry.ExposedSpecs() {
		if _, clash := inv.tools[spec.Name]; clash {
			return nil, fmt.Errorf("agent %s collides with a plain tool", spec.Name)
		}
		// Synthesized schemas are compiled only to catch registration
		// mistakes; agent calls are validated field-by-field at seeding.
		if _, err := compileSchema(spec.Name, spec.ToolSchema().Parameters); err != nil {
			return nil, fmt.Errorf("agent %s: %w", spec.Name, err)
		}
	}

	return inv, nil
}

func compileSchema(name string, raw json.RawMessage) (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	url := "valet://tools/" + name + ".json"
	if err := compiler.AddResource(url, strings.NewReader(string(raw))); err != nil {
		return nil, fmt.Errorf("invalid schema: %w", err)
	}
	schema, err := compiler.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("schema does not compile: %w", err)
	}
	return schema, nil
}

// Catalog returns the tool schemas offered to the LLM: plain tools
// plus enhanced agent-tool schemas, names sorted for determinism.
func (inv *ToolInvoker) Catalog() []ToolSchema {
	var catalog []ToolSchema
	for _, spec := range inv.registry.ExposedSpecs() {
		catalog = append(catalog, spec.ToolSchema())
	}
	names := make([]string, 0, len(inv.tools))
	for name := range inv.tools {
		names = append(names, name)
	}
	// Plain tools after agents, each group sorted.
	sort.Strings(names)
	for _, name := range names {
		tool := inv.tools[name]
		catalog = append(catalog, ToolSchema{
			Name:        tool.Name(),
			Description: tool.Description(),
			Parameters:  tool.Schema(),
		})
	}
	return catalog
}

// TimeoutFor returns the per-call budget: agent tools get the larger
// agent budget, everything else the plain tool budget.
func (inv *ToolInvoker) TimeoutFor(name string) time.Duration {
	if _, ok := inv.registry.Get(name); ok {
		return inv.cfg.AgentToolExecutionTimeout
	}
	return inv.cfg.ToolExecutionTimeout
}

// Invoke dispatches one call. Failures are encoded in the outcome;
// the loop never breaks because a tool failed.
func (inv *ToolInvoker) Invoke(ctx context.Context, tc *ToolExecutionContext, call models.ToolCall) *Outcome {
	args, err := decodeArgs(call.Arguments)
	if err != nil {
		return &Outcome{
			Call:    call,
			IsError: true,
			Text:    fmt.Sprintf("Tool %s arguments are not a JSON object: %v", call.Name, err),
		}
	}

	// Agent tools skip full-schema validation: a call with missing
	// required fields is the protocol, not an error — the agent parks
	// and asks the user. Seeding validates the provided fields.
	if spec, ok := inv.registry.Get(call.Name); ok && spec.ExposeAsTool {
		return inv.invokeAgent(ctx, tc, call, spec, args)
	}

	if tool, ok := inv.tools[call.Name]; ok {
		if schema := inv.schemas[call.Name]; schema != nil {
			if err := schema.Validate(args); err != nil {
				inv.logger.Debug("tool arguments failed schema validation", "tool", call.Name, "error", err)
				return &Outcome{
					Call:    call,
					IsError: true,
					Text:    fmt.Sprintf("Tool %s arguments failed validation: %v", call.Name, err),
				}
			}
		}
		return inv.invokePlain(ctx, tc, call, tool)
	}

	return &Outcome{
		Call:    call,
		IsError: true,
		Text:    fmt.Sprintf("Tool %s is not registered", call.Name),
	}
}

func (inv *ToolInvoker) invokePlain(ctx context.Context, tc *ToolExecutionContext, call models.ToolCall, tool ToolExecutor) *Outcome {
	result, err := tool.Execute(ctx, tc, call.Arguments)
	if err != nil {
		toolErr := NewToolError(ToolErrExecution, call.Name, err)
		return &Outcome{Call: call, IsError: true, Text: toolErr.Error()}
	}
	if result == nil {
		return &Outcome{Call: call, Text: ""}
	}
	return &Outcome{Call: call, Text: result.Content, IsError: result.IsError}
}

// invokeAgent runs the agent-tool path: instantiate, seed validated
// fields from the arguments, hand the task instruction to the agent,
// and translate the resulting status. Parked agents are pooled unless
// the surrounding call was already cancelled.
func (inv *ToolInvoker) invokeAgent(ctx context.Context, tc *ToolExecutionContext, call models.ToolCall, spec *Spec, args map[string]any) *Outcome {
	id := uuid.NewString()
	instance := spec.NewInstance(id)

	inv.seedFields(instance, spec, args, tc)
	instruction, _ := args[taskInstructionKey].(string)
	if setter, ok := instance.(interface{ SetInstruction(string) }); ok && instruction != "" {
		setter.SetInstruction(instruction)
	}

	res, err := instance.HandleMessage(ctx, instruction)
	if err != nil {
		return &Outcome{
			Call:    call,
			Status:  models.StatusError,
			IsError: true,
			Text:    fmt.Sprintf("Agent %s failed: %v", spec.Name, err),
			AgentID: id,
		}
	}

	switch res.Status {
	case models.StatusCompleted:
		return &Outcome{Call: call, Status: models.StatusCompleted, Text: res.Message, AgentID: id}

	case models.StatusWaitingForInput:
		if err := inv.pool.Put(ctx, tc.TenantID, instance, nil, taskIDFrom(tc)); err != nil {
			return &Outcome{Call: call, IsError: true, Text: fmt.Sprintf("Agent %s could not be parked: %v", spec.Name, err), AgentID: id}
		}
		return &Outcome{Call: call, Status: models.StatusWaitingForInput, Text: res.Message, AgentID: id}

	case models.StatusWaitingForApproval:
		approval := BuildApprovalRequest(instance, inv.cfg.ApprovalTimeoutMinutes, sourceFrom(tc), taskIDFrom(tc))
		if err := inv.pool.Put(ctx, tc.TenantID, instance, &approval, taskIDFrom(tc)); err != nil {
			return &Outcome{Call: call, IsError: true, Text: fmt.Sprintf("Agent %s could not be parked: %v", spec.Name, err), AgentID: id}
		}
		return &Outcome{
			Call:     call,
			Status:   models.StatusWaitingForApproval,
			Text:     res.Message,
			AgentID:  id,
			Approval: &approval,
		}

	case models.StatusError:
		text := res.Err
		if text == "" {
			text = res.Message
		}
		return &Outcome{Call: call, Status: models.StatusError, IsError: true, Text: text, AgentID: id}

	default:
		return &Outcome{
			Call:    call,
			Status:  models.StatusError,
			IsError: true,
			Text:    fmt.Sprintf("Agent %s returned unexpected status %s", spec.Name, res.Status),
			AgentID: id,
		}
	}
}

// seedFields copies declared fields from the LLM arguments into the
// agent. task_instruction and unknown keys are ignored; values that
// fail coercion or the declared validator are treated as missing, so
// the agent will ask the user instead of silently accepting bad input.
func (inv *ToolInvoker) seedFields(instance Agent, spec *Spec, args map[string]any, tc *ToolExecutionContext) {
	notify := func(field string, valid bool) {
		if tc != nil && tc.Fields != nil {
			tc.Fields(instance.ID(), field, valid)
		}
	}

	seeded := make(map[string]any)
	for i := range spec.InputFields {
		f := &spec.InputFields[i]
		raw, ok := args[f.Name]
		if !ok {
			continue
		}
		value, ok := f.coerce(raw)
		if !ok {
			inv.logger.Debug("discarding field with wrong type", "agent", spec.Name, "field", f.Name)
			notify(f.Name, false)
			continue
		}
		if err := f.Validate(value); err != nil {
			inv.logger.Debug("discarding field rejected by validator", "agent", spec.Name, "field", f.Name, "error", err)
			notify(f.Name, false)
			continue
		}
		seeded[f.Name] = value
		notify(f.Name, true)
	}
	instance.SeedFields(seeded)
}

func decodeArgs(raw json.RawMessage) (map[string]any, error) {
	if len(raw) == 0 {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, err
	}
	if args == nil {
		args = map[string]any{}
	}
	return args, nil
}

func taskIDFrom(tc *ToolExecutionContext) string {
	if tc == nil || tc.Metadata == nil {
		return ""
	}
	id, _ := tc.Metadata["task_id"].(string)
	return id
}

func sourceFrom(tc *ToolExecutionContext) string {
	if tc == nil || tc.Metadata == nil {
		return ""
	}
	source, _ := tc.Metadata["source"].(string)
	return source
}
