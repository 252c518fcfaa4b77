package agent

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/haasonsaas/valet/pkg/models"
)

// echoTool is a minimal plain tool for invoker tests.
type echoTool struct {
	name string
	fail bool
}

func (e *echoTool) Name() string        { return e.name }
func (e *echoTool) Description() string { return "echoes its input" }

func (e *echoTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {"text": {"type": "string"}},
		"required": ["text"]
	}`)
}

func (e *echoTool) Execute(ctx context.Context, tc *ToolExecutionContext, args json.RawMessage) (*models.ToolResult, error) {
	if e.fail {
		return &models.ToolResult{Content: "echo failed", IsError: true}, nil
	}
	var in struct {
		Text string `json:"text"`
	}
	_ = json.Unmarshal(args, &in)
	return &models.ToolResult{Content: "echo: " + in.Text}, nil
}

func newTestInvoker(t *testing.T, registry *Registry, pool *AgentPool, tools ...ToolExecutor) *ToolInvoker {
	t.Helper()
	inv, err := NewToolInvoker(DefaultReactLoopConfig(), registry, pool, tools, nil)
	if err != nil {
		t.Fatalf("NewToolInvoker() error = %v", err)
	}
	return inv
}

func TestNewToolInvoker_RejectsDuplicatesAndClashes(t *testing.T) {
	registry := testRegistry(t, testSpec("book_flight"))
	pool := NewAgentPool(DefaultPoolConfig(), registry, nil, nil)

	_, err := NewToolInvoker(DefaultReactLoopConfig(), registry, pool,
		[]ToolExecutor{&echoTool{name: "echo"}, &echoTool{name: "echo"}}, nil)
	if err == nil || !strings.Contains(err.Error(), "duplicate") {
		t.Errorf("duplicate tool error = %v", err)
	}

	_, err = NewToolInvoker(DefaultReactLoopConfig(), registry, pool,
		[]ToolExecutor{&echoTool{name: "book_flight"}}, nil)
	if err == nil || !strings.Contains(err.Error(), "collides") {
		t.Errorf("clash error = %v", err)
	}
}

func TestToolInvoker_CatalogAgentsBeforeTools(t *testing.T) {
	registry := testRegistry(t, testSpec("book_flight"))
	pool := NewAgentPool(DefaultPoolConfig(), registry, nil, nil)
	inv := newTestInvoker(t, registry, pool, &echoTool{name: "zecho"}, &echoTool{name: "aecho"})

	catalog := inv.Catalog()
	if len(catalog) != 3 {
		t.Fatalf("catalog = %d entries", len(catalog))
	}
	if catalog[0].Name != "book_flight" {
		t.Errorf("first entry = %s, want the agent", catalog[0].Name)
	}
	if catalog[1].Name != "aecho" || catalog[2].Name != "zecho" {
		t.Errorf("plain tools = %s, %s, want sorted", catalog[1].Name, catalog[2].Name)
	}
}

func TestToolInvoker_InvokePlainTool(t *testing.T) {
	registry := testRegistry(t)
	pool := NewAgentPool(DefaultPoolConfig(), registry, nil, nil)
	inv := newTestInvoker(t, registry, pool, &echoTool{name: "echo"})

	out := inv.Invoke(context.Background(), &ToolExecutionContext{TenantID: "t"}, models.ToolCall{
		ID: "c1", Name: "echo", Arguments: json.RawMessage(`{"text":"hi"}`),
	})
	if out.IsError || out.Text != "echo: hi" {
		t.Errorf("outcome = %+v", out)
	}

	failing := &echoTool{name: "fail", fail: true}
	inv = newTestInvoker(t, registry, pool, failing)
	out = inv.Invoke(context.Background(), nil, models.ToolCall{
		ID: "c2", Name: "fail", Arguments: json.RawMessage(`{"text":"hi"}`),
	})
	if !out.IsError || out.Text != "echo failed" {
		t.Errorf("failing outcome = %+v", out)
	}
}

func TestToolInvoker_BadArguments(t *testing.T) {
	registry := testRegistry(t)
	pool := NewAgentPool(DefaultPoolConfig(), registry, nil, nil)
	inv := newTestInvoker(t, registry, pool, &echoTool{name: "echo"})

	out := inv.Invoke(context.Background(), nil, models.ToolCall{
		ID: "c1", Name: "echo", Arguments: json.RawMessage(`[1,2]`),
	})
	if !out.IsError || !strings.Contains(out.Text, "not a JSON object") {
		t.Errorf("outcome = %+v", out)
	}

	// Valid JSON object failing the schema (required field missing).
	out = inv.Invoke(context.Background(), nil, models.ToolCall{
		ID: "c2", Name: "echo", Arguments: json.RawMessage(`{}`),
	})
	if !out.IsError || !strings.Contains(out.Text, "failed validation") {
		t.Errorf("outcome = %+v", out)
	}
}

func TestToolInvoker_UnknownTool(t *testing.T) {
	registry := testRegistry(t)
	pool := NewAgentPool(DefaultPoolConfig(), registry, nil, nil)
	inv := newTestInvoker(t, registry, pool)

	out := inv.Invoke(context.Background(), nil, models.ToolCall{
		ID: "c1", Name: "nope", Arguments: json.RawMessage(`{}`),
	})
	if !out.IsError || !strings.Contains(out.Text, "not registered") {
		t.Errorf("outcome = %+v", out)
	}
}

func TestToolInvoker_AgentCompletesInline(t *testing.T) {
	spec := testSpec("book_flight")
	registry := testRegistry(t, spec)
	pool := NewAgentPool(DefaultPoolConfig(), registry, nil, nil)
	inv := newTestInvoker(t, registry, pool)

	out := inv.Invoke(context.Background(), &ToolExecutionContext{TenantID: "tenant-a"}, models.ToolCall{
		ID: "c1", Name: "book_flight",
		Arguments: json.RawMessage(`{"city":"Lisbon","task_instruction":"cheapest option"}`),
	})
	if out.IsError {
		t.Fatalf("outcome = %+v", out)
	}
	if out.Status != models.StatusCompleted || out.Text != "done" {
		t.Errorf("outcome = %+v", out)
	}
	if out.AgentID == "" {
		t.Error("agent id missing")
	}
	if len(pool.List("tenant-a")) != 0 {
		t.Error("completed agent must not be pooled")
	}
}

func TestToolInvoker_AgentParksWaitingForInput(t *testing.T) {
	spec := testSpec("book_flight")
	registry := testRegistry(t, spec)
	pool := NewAgentPool(DefaultPoolConfig(), registry, nil, nil)
	inv := newTestInvoker(t, registry, pool)

	out := inv.Invoke(context.Background(), &ToolExecutionContext{TenantID: "tenant-a"}, models.ToolCall{
		ID: "c1", Name: "book_flight", Arguments: json.RawMessage(`{}`),
	})
	if out.Status != models.StatusWaitingForInput {
		t.Fatalf("outcome = %+v", out)
	}
	if out.Text != "Which city?" {
		t.Errorf("prompt = %q", out.Text)
	}

	a, entry, err := pool.Get(context.Background(), "tenant-a", out.AgentID)
	if err != nil {
		t.Fatalf("parked agent missing: %v", err)
	}
	if a.Status() != models.StatusWaitingForInput || entry.AgentType != "book_flight" {
		t.Errorf("pooled = status %s type %s", a.Status(), entry.AgentType)
	}
}

func TestToolInvoker_AgentParksWaitingForApproval(t *testing.T) {
	spec := testSpec("send_email")
	spec.NeedsApproval = true
	registry := testRegistry(t, spec)
	pool := NewAgentPool(DefaultPoolConfig(), registry, nil, nil)
	inv := newTestInvoker(t, registry, pool)

	tc := &ToolExecutionContext{
		TenantID: "tenant-a",
		Metadata: map[string]any{"source": "trigger", "task_id": "task-7"},
	}
	out := inv.Invoke(context.Background(), tc, models.ToolCall{
		ID: "c1", Name: "send_email", Arguments: json.RawMessage(`{"city":"Lisbon"}`),
	})
	if out.Status != models.StatusWaitingForApproval {
		t.Fatalf("outcome = %+v", out)
	}
	if out.Approval == nil {
		t.Fatal("approval request missing")
	}
	if out.Approval.TaskID != "task-7" || out.Approval.Source != "trigger" {
		t.Errorf("approval = %+v", out.Approval)
	}
	if out.Approval.Details["city"] != "Lisbon" {
		t.Errorf("approval details = %v", out.Approval.Details)
	}

	_, entry, err := pool.Get(context.Background(), "tenant-a", out.AgentID)
	if err != nil {
		t.Fatalf("parked agent missing: %v", err)
	}
	if entry.Approval == nil || entry.TaskID != "task-7" {
		t.Errorf("entry = %+v", entry)
	}
}

func TestToolInvoker_SeedingDiscardsInvalidValues(t *testing.T) {
	spec := &Spec{
		Name:         "set_budget",
		Description:  "test",
		ExposeAsTool: true,
		InputFields: []InputField{
			{Name: "amount", Prompt: "How much?", Type: FieldInt, Required: true,
				Validator: func(v any) error {
					if n, _ := v.(int); n <= 0 {
						return &PolicyError{Reason: "must be positive"}
					}
					return nil
				}},
			{Name: "label", Prompt: "Label?", Type: FieldString},
		},
		Run: func(ctx context.Context, a *BaseAgent, instruction string) (*Result, error) {
			return &Result{Status: models.StatusCompleted, Message: "set"}, nil
		},
	}
	registry := testRegistry(t, spec)
	pool := NewAgentPool(DefaultPoolConfig(), registry, nil, nil)
	inv := newTestInvoker(t, registry, pool)

	var seen []string
	tc := &ToolExecutionContext{
		TenantID: "tenant-a",
		Fields: func(agentID, field string, valid bool) {
			seen = append(seen, field+":"+map[bool]string{true: "ok", false: "bad"}[valid])
		},
	}

	// amount fails the validator; the agent must ask instead of running.
	out := inv.Invoke(context.Background(), tc, models.ToolCall{
		ID: "c1", Name: "set_budget",
		Arguments: json.RawMessage(`{"amount": -5, "label": "groceries"}`),
	})
	if out.Status != models.StatusWaitingForInput || out.Text != "How much?" {
		t.Fatalf("outcome = %+v", out)
	}

	if len(seen) != 2 {
		t.Fatalf("field events = %v", seen)
	}
	got := map[string]bool{}
	for _, s := range seen {
		got[s] = true
	}
	if !got["amount:bad"] || !got["label:ok"] {
		t.Errorf("field events = %v", seen)
	}
}

func TestToolInvoker_TimeoutFor(t *testing.T) {
	registry := testRegistry(t, testSpec("book_flight"))
	pool := NewAgentPool(DefaultPoolConfig(), registry, nil, nil)
	cfg := DefaultReactLoopConfig()
	inv, err := NewToolInvoker(cfg, registry, pool, []ToolExecutor{&echoTool{name: "echo"}}, nil)
	if err != nil {
		t.Fatalf("NewToolInvoker() error = %v", err)
	}

	if got := inv.TimeoutFor("book_flight"); got != cfg.AgentToolExecutionTimeout {
		t.Errorf("agent timeout = %v", got)
	}
	if got := inv.TimeoutFor("echo"); got != cfg.ToolExecutionTimeout {
		t.Errorf("tool timeout = %v", got)
	}
}
