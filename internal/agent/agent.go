// Package agent implements the core of the Valet orchestrator: the
// react loop, the tool invoker and concurrent executor, the agent
// registry with schema synthesis, the agent pool, the context manager,
// and the approval coordinator.
package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/haasonsaas/valet/pkg/models"
)

// Result is what an agent returns from one HandleMessage step.
//
// Message is user-facing: the final answer on completion, the next
// question while waiting for input, or the confirmation prompt while
// waiting for approval.
type Result struct {
	Status  models.AgentStatus
	Message string
	Data    map[string]any
	Err     string
}

// Agent is a stateful conversational agent. Agents collect declared
// input fields across one or more user messages, optionally pause for
// approval, then run their action. Agents are single-goroutine values;
// the orchestrator serializes access per tenant.
type Agent interface {
	// ID is the instance identifier (unique per pool).
	ID() string

	// Type is the registered agent type name.
	Type() string

	Status() models.AgentStatus
	SetStatus(status models.AgentStatus)

	// Fields returns the collected field values. The map is live; the
	// pool serializes it on write-through.
	Fields() map[string]any

	// SeedFields merges validated values into the collected fields.
	SeedFields(values map[string]any)

	// HandleMessage advances the agent with one user-visible message.
	HandleMessage(ctx context.Context, content string) (*Result, error)

	// ApprovalPrompt summarizes the action awaiting confirmation.
	// Only meaningful when the agent declares approval required.
	ApprovalPrompt() string
}

// RunFunc is the action an agent performs once all required fields are
// collected (and approval granted, if declared).
type RunFunc func(ctx context.Context, a *BaseAgent, instruction string) (*Result, error)

// BaseAgent is the standard Agent implementation: a field-collection
// state machine around a RunFunc. Concrete agents are assembled by the
// registry from an AgentSpec; tests and custom agents may construct
// one directly with NewBaseAgent.
type BaseAgent struct {
	id     string
	spec   *Spec
	status models.AgentStatus
	fields map[string]any

	// pendingField is the field the last prompt asked for.
	pendingField string

	// instruction is the task_instruction captured at creation, passed
	// to the run func.
	instruction string

	approved bool
}

// NewBaseAgent constructs an agent instance for a spec.
func NewBaseAgent(id string, spec *Spec) *BaseAgent {
	return &BaseAgent{
		id:     id,
		spec:   spec,
		status: models.StatusInitializing,
		fields: make(map[string]any),
	}
}

func (a *BaseAgent) ID() string   { return a.id }
func (a *BaseAgent) Type() string { return a.spec.Name }

func (a *BaseAgent) Status() models.AgentStatus          { return a.status }
func (a *BaseAgent) SetStatus(status models.AgentStatus) { a.status = status }

// Spec returns the registration record this agent was built from.
func (a *BaseAgent) Spec() *Spec { return a.spec }

func (a *BaseAgent) Fields() map[string]any { return a.fields }

// Field returns a collected value, or the field default when absent.
func (a *BaseAgent) Field(name string) any {
	if v, ok := a.fields[name]; ok {
		return v
	}
	if f := a.spec.field(name); f != nil {
		return f.Default
	}
	return nil
}

// StringField returns a collected value as a string.
func (a *BaseAgent) StringField(name string) string {
	v, _ := a.Field(name).(string)
	return v
}

func (a *BaseAgent) SeedFields(values map[string]any) {
	for k, v := range values {
		a.fields[k] = v
	}
}

// SetInstruction records the free-form task instruction passed by the
// planner alongside structured fields.
func (a *BaseAgent) SetInstruction(instruction string) {
	a.instruction = instruction
}

// ApprovalPrompt summarizes the pending action for the approval flow.
func (a *BaseAgent) ApprovalPrompt() string {
	if a.spec.ApprovalPrompt != nil {
		return a.spec.ApprovalPrompt(a)
	}
	return fmt.Sprintf("About to run %s. Approve?", a.spec.Name)
}

// Approve marks the approval gate as passed.
func (a *BaseAgent) Approve() { a.approved = true }

// HandleMessage advances the state machine one step. The transitions:
//
//	initializing, waiting_for_input -> collect pending field, then
//	    prompt for the next missing required field, or gate on
//	    approval, or run.
//	waiting_for_approval -> interpret approve/cancel; edits arrive via
//	    SeedFields before re-dispatch.
//	paused -> no-op until resumed.
func (a *BaseAgent) HandleMessage(ctx context.Context, content string) (*Result, error) {
	switch a.status {
	case models.StatusPaused:
		return &Result{Status: models.StatusPaused, Message: "This task is paused. Resume it to continue."}, nil

	case models.StatusWaitingForApproval:
		return a.handleApprovalReply(ctx, content)

	case models.StatusCompleted, models.StatusError, models.StatusCancelled:
		return &Result{Status: a.status, Message: ""}, nil
	}

	if a.pendingField != "" && strings.TrimSpace(content) != "" {
		if reject := a.collectPending(content); reject != "" {
			// Re-ask the same question with the validation failure.
			a.status = models.StatusWaitingForInput
			return &Result{
				Status:  models.StatusWaitingForInput,
				Message: fmt.Sprintf("%s %s", reject, a.spec.field(a.pendingField).Prompt),
			}, nil
		}
		a.pendingField = ""
	}

	if missing := a.nextMissingField(); missing != nil {
		a.pendingField = missing.Name
		a.status = models.StatusWaitingForInput
		return &Result{Status: models.StatusWaitingForInput, Message: missing.Prompt}, nil
	}

	if a.spec.NeedsApproval && !a.approved {
		a.status = models.StatusWaitingForApproval
		return &Result{Status: models.StatusWaitingForApproval, Message: a.ApprovalPrompt()}, nil
	}

	return a.run(ctx)
}

func (a *BaseAgent) handleApprovalReply(ctx context.Context, content string) (*Result, error) {
	switch strings.ToLower(strings.TrimSpace(content)) {
	case "approve", "yes", "approved":
		a.approved = true
		return a.run(ctx)
	case "cancel", "no", "reject", "rejected":
		a.status = models.StatusCancelled
		return &Result{Status: models.StatusCancelled, Message: "Cancelled."}, nil
	default:
		// Anything else re-prompts; edits are applied out of band.
		return &Result{Status: models.StatusWaitingForApproval, Message: a.ApprovalPrompt()}, nil
	}
}

func (a *BaseAgent) run(ctx context.Context) (*Result, error) {
	a.status = models.StatusRunning
	if a.spec.Run == nil {
		a.status = models.StatusError
		return &Result{Status: models.StatusError, Err: fmt.Sprintf("agent %s has no run handler", a.spec.Name)}, nil
	}
	res, err := a.spec.Run(ctx, a, a.instruction)
	if err != nil {
		a.status = models.StatusError
		return &Result{Status: models.StatusError, Err: err.Error()}, nil
	}
	if res == nil {
		res = &Result{Status: models.StatusCompleted}
	}
	a.status = res.Status
	return res, nil
}

// collectPending assigns the user's reply to the field being prompted.
// A non-empty return is the user-facing rejection message.
func (a *BaseAgent) collectPending(content string) string {
	f := a.spec.field(a.pendingField)
	if f == nil {
		a.pendingField = ""
		return ""
	}
	value, ok := f.coerce(content)
	if !ok {
		return fmt.Sprintf("That doesn't look like a valid %s.", f.Type)
	}
	if err := f.Validate(value); err != nil {
		return fmt.Sprintf("That value was rejected (%v).", err)
	}
	a.fields[f.Name] = value
	return ""
}

func (a *BaseAgent) nextMissingField() *InputField {
	for i := range a.spec.InputFields {
		f := &a.spec.InputFields[i]
		if !f.Required {
			continue
		}
		if _, ok := a.fields[f.Name]; !ok {
			return f
		}
	}
	return nil
}
