package models

import "time"

// AgentStatus is the lifecycle state of an agent instance.
type AgentStatus string

const (
	StatusInitializing       AgentStatus = "initializing"
	StatusRunning            AgentStatus = "running"
	StatusWaitingForInput    AgentStatus = "waiting_for_input"
	StatusWaitingForApproval AgentStatus = "waiting_for_approval"
	StatusPaused             AgentStatus = "paused"
	StatusCompleted          AgentStatus = "completed"
	StatusError              AgentStatus = "error"
	StatusCancelled          AgentStatus = "cancelled"
)

// Terminal reports whether the status is a final state. Terminal agents
// never live in the pool.
func (s AgentStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusError, StatusCancelled:
		return true
	}
	return false
}

// Waiting reports whether the agent is parked pending user action.
func (s AgentStatus) Waiting() bool {
	return s == StatusWaitingForInput || s == StatusWaitingForApproval
}

// ApprovalRequest asks the user to confirm an action an agent is about
// to take. Options are always approve, edit, cancel.
type ApprovalRequest struct {
	AgentID           string         `json:"agent_id"`
	AgentName         string         `json:"agent_name"`
	ActionSummary     string         `json:"action_summary"`
	Details           map[string]any `json:"details,omitempty"`
	Options           []string       `json:"options"`
	TimeoutMinutes    int            `json:"timeout_minutes"`
	AllowModification bool           `json:"allow_modification"`
	// Source and TaskID are set for trigger-originated approvals.
	Source    string    `json:"source,omitempty"`
	TaskID    string    `json:"task_id,omitempty"`
	CreatedAt time.Time `json:"created_at,omitzero"`
}

// ApprovalOptions is the fixed option set presented with every request.
var ApprovalOptions = []string{"approve", "edit", "cancel"}

// TokenUsage accumulates token counts across all LLM calls in one loop.
type TokenUsage struct {
	Input  int `json:"input"`
	Output int `json:"output"`
	Total  int `json:"total"`
}

// Add accumulates another usage report. Missing provider usage is
// reported as zeros and is harmless here.
func (u *TokenUsage) Add(input, output int) {
	u.Input += input
	u.Output += output
	u.Total += input + output
}

// ToolCallRecord is the per-call audit entry in a ReactLoopResult.
type ToolCallRecord struct {
	Name             string      `json:"name"`
	ArgsSummary      string      `json:"args_summary"`
	DurationMS       int64       `json:"duration_ms"`
	Success          bool        `json:"success"`
	ResultStatus     AgentStatus `json:"result_status,omitempty"`
	ResultChars      int         `json:"result_chars"`
	TokenAttribution int         `json:"token_attribution"`
}

// ReactLoopResult is the structured outcome of one react-loop run.
type ReactLoopResult struct {
	Response         string            `json:"response"`
	Turns            int               `json:"turns"`
	ToolCallRecords  []ToolCallRecord  `json:"tool_call_records,omitempty"`
	TokenUsage       TokenUsage        `json:"token_usage"`
	DurationMS       int64             `json:"duration_ms"`
	PendingApprovals []ApprovalRequest `json:"pending_approvals,omitempty"`
}
