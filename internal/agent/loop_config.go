package agent

import "time"

// ReactLoopConfig tunes the react loop and context manager.
type ReactLoopConfig struct {
	// MaxTurns bounds planning iterations. After the limit, one final
	// LLM call is made with no tools to force a text answer.
	MaxTurns int `yaml:"max_turns"`

	// ToolExecutionTimeout applies per plain tool call.
	ToolExecutionTimeout time.Duration `yaml:"tool_execution_timeout"`

	// AgentToolExecutionTimeout applies per agent-tool call. Agents do
	// real multi-step work, so the budget is larger.
	AgentToolExecutionTimeout time.Duration `yaml:"agent_tool_execution_timeout"`

	// MaxConcurrentTools bounds the tool fan-out within one turn.
	MaxConcurrentTools int `yaml:"max_concurrent_tools"`

	// MaxToolResultShare is the fraction of the context window one
	// tool result may occupy.
	MaxToolResultShare float64 `yaml:"max_tool_result_share"`

	// MaxToolResultChars is the absolute cap on one tool result.
	MaxToolResultChars int `yaml:"max_tool_result_chars"`

	// ContextTokenLimit is the assumed model context window.
	ContextTokenLimit int `yaml:"context_token_limit"`

	// ContextTrimThreshold is the fill fraction that triggers the
	// preemptive history trim.
	ContextTrimThreshold float64 `yaml:"context_trim_threshold"`

	// MaxHistoryMessages is how many non-system messages the
	// preemptive trim keeps.
	MaxHistoryMessages int `yaml:"max_history_messages"`

	// LLMMaxRetries and LLMRetryBaseDelay drive the retry policy for
	// rate-limited and transient provider errors.
	LLMMaxRetries     int           `yaml:"llm_max_retries"`
	LLMRetryBaseDelay time.Duration `yaml:"llm_retry_base_delay"`

	// ApprovalTimeoutMinutes bounds how long a parked approval waits
	// before it expires.
	ApprovalTimeoutMinutes int `yaml:"approval_timeout_minutes"`
}

// DefaultReactLoopConfig returns the production defaults.
func DefaultReactLoopConfig() ReactLoopConfig {
	return ReactLoopConfig{
		MaxTurns:                  10,
		ToolExecutionTimeout:      30 * time.Second,
		AgentToolExecutionTimeout: 120 * time.Second,
		MaxConcurrentTools:        8,
		MaxToolResultShare:        0.3,
		MaxToolResultChars:        400_000,
		ContextTokenLimit:         128_000,
		ContextTrimThreshold:      0.8,
		MaxHistoryMessages:        40,
		LLMMaxRetries:             2,
		LLMRetryBaseDelay:         time.Second,
		ApprovalTimeoutMinutes:    30,
	}
}

// sanitize fills zero values with defaults so a partially populated
// config behaves. MaxTurns=0 is meaningful (no tool execution) and is
// preserved when explicitly negative-free; callers wanting defaults use
// DefaultReactLoopConfig.
func (c *ReactLoopConfig) sanitize() {
	def := DefaultReactLoopConfig()
	if c.MaxTurns < 0 {
		c.MaxTurns = def.MaxTurns
	}
	if c.ToolExecutionTimeout <= 0 {
		c.ToolExecutionTimeout = def.ToolExecutionTimeout
	}
	if c.AgentToolExecutionTimeout <= 0 {
		c.AgentToolExecutionTimeout = def.AgentToolExecutionTimeout
	}
	if c.MaxConcurrentTools <= 0 {
		c.MaxConcurrentTools = def.MaxConcurrentTools
	}
	if c.MaxToolResultShare <= 0 || c.MaxToolResultShare > 1 {
		c.MaxToolResultShare = def.MaxToolResultShare
	}
	if c.MaxToolResultChars <= 0 {
		c.MaxToolResultChars = def.MaxToolResultChars
	}
	if c.ContextTokenLimit <= 0 {
		c.ContextTokenLimit = def.ContextTokenLimit
	}
	if c.ContextTrimThreshold <= 0 || c.ContextTrimThreshold > 1 {
		c.ContextTrimThreshold = def.ContextTrimThreshold
	}
	if c.MaxHistoryMessages <= 0 {
		c.MaxHistoryMessages = def.MaxHistoryMessages
	}
	if c.LLMMaxRetries < 0 {
		c.LLMMaxRetries = def.LLMMaxRetries
	}
	if c.LLMRetryBaseDelay <= 0 {
		c.LLMRetryBaseDelay = def.LLMRetryBaseDelay
	}
	if c.ApprovalTimeoutMinutes <= 0 {
		c.ApprovalTimeoutMinutes = def.ApprovalTimeoutMinutes
	}
}
