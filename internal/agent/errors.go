package agent

import (
	"errors"
	"fmt"
)

// Sentinel errors for loop control flow.
var (
	// ErrUnknownAgent indicates the planner called an agent type that
	// is not in the registry.
	ErrUnknownAgent = errors.New("unknown agent")

	// ErrPoolFull indicates a tenant has reached max_agents_per_tenant
	// and no entry could be evicted.
	ErrPoolFull = errors.New("agent pool full for tenant")

	// ErrNotInPool indicates a lookup for an agent that is not pooled.
	ErrNotInPool = errors.New("agent not in pool")

	// ErrSchemaMismatch indicates a pool entry whose recorded schema
	// version no longer matches the registry.
	ErrSchemaMismatch = errors.New("agent schema version mismatch")
)

// ToolErrorType categorizes tool execution failures. Tool errors never
// break the loop; they surface to the LLM as error tool messages.
type ToolErrorType string

const (
	// ToolErrNotRegistered indicates the tool name is not in the
	// catalog.
	ToolErrNotRegistered ToolErrorType = "not_registered"

	// ToolErrInvalidArguments indicates arguments that fail JSON
	// object shape or schema validation.
	ToolErrInvalidArguments ToolErrorType = "invalid_arguments"

	// ToolErrTimeout indicates the per-call deadline elapsed.
	ToolErrTimeout ToolErrorType = "timeout"

	// ToolErrExecution indicates the tool ran and failed.
	ToolErrExecution ToolErrorType = "execution"
)

// ToolError is a classified tool failure.
type ToolError struct {
	Type     ToolErrorType
	ToolName string
	Message  string
	Cause    error
}

func (e *ToolError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("tool %s: %s", e.ToolName, e.Message)
	}
	if e.Cause != nil {
		return fmt.Sprintf("tool %s: %v", e.ToolName, e.Cause)
	}
	return fmt.Sprintf("tool %s failed", e.ToolName)
}

func (e *ToolError) Unwrap() error { return e.Cause }

// NewToolError creates a classified tool error.
func NewToolError(typ ToolErrorType, toolName string, cause error) *ToolError {
	return &ToolError{Type: typ, ToolName: toolName, Cause: cause}
}

// WithMessage sets the human-readable message shown to the LLM.
func (e *ToolError) WithMessage(msg string) *ToolError {
	e.Message = msg
	return e
}

// LoopPhase identifies where in the react loop an error occurred.
type LoopPhase string

const (
	PhasePlan     LoopPhase = "plan"
	PhaseExecute  LoopPhase = "execute"
	PhaseFinalize LoopPhase = "finalize"
)

// LoopError wraps a failure with loop position context.
type LoopError struct {
	Phase LoopPhase
	Turn  int
	Cause error
}

func (e *LoopError) Error() string {
	return fmt.Sprintf("react loop %s (turn %d): %v", e.Phase, e.Turn, e.Cause)
}

func (e *LoopError) Unwrap() error { return e.Cause }

// PolicyError reports a message rejected by the processing gate before
// the loop runs.
type PolicyError struct {
	Reason string
}

func (e *PolicyError) Error() string {
	return fmt.Sprintf("rejected by policy: %s", e.Reason)
}
