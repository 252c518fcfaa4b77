package agent

import (
	"context"
	"encoding/json"

	"github.com/haasonsaas/valet/pkg/models"
)

// LLMProvider defines the interface for Large Language Model backends.
//
// Implementations handle the specifics of communicating with different
// LLM APIs (Anthropic, OpenAI, etc.) while presenting a unified
// streaming interface to the react loop. Non-streaming "chat" semantics
// are obtained by draining the channel with CollectCompletion.
//
// Thread safety: implementations must be safe for concurrent use.
// Multiple goroutines may call Complete simultaneously.
type LLMProvider interface {
	// Complete sends a prompt and returns a streaming response.
	Complete(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error)

	// Name returns the provider name.
	Name() string

	// Models returns available models.
	Models() []Model

	// SupportsTools returns whether the provider supports tool use.
	SupportsTools() bool
}

// CompletionRequest contains all parameters for an LLM completion request.
type CompletionRequest struct {
	// Model specifies which LLM model to use. If empty, the provider's
	// default model is used.
	Model string `json:"model"`

	// System is the system prompt. Handled separately from messages in
	// most LLM APIs.
	System string `json:"system,omitempty"`

	// Messages contains the conversation history in chronological order.
	Messages []CompletionMessage `json:"messages"`

	// Tools defines the catalog the LLM may call. Empty disables tool
	// calling for this request.
	Tools []ToolSchema `json:"tools,omitempty"`

	// MaxTokens limits the generated response length. Zero means the
	// provider default.
	MaxTokens int `json:"max_tokens,omitempty"`
}

// CompletionMessage represents a single message in a provider request.
// Role values: "system", "user", "assistant", "tool".
type CompletionMessage struct {
	Role        string              `json:"role"`
	Content     string              `json:"content,omitempty"`
	ToolCalls   []models.ToolCall   `json:"tool_calls,omitempty"`
	ToolResults []models.ToolResult `json:"tool_results,omitempty"`
}

// CompletionChunk represents a single chunk in a streaming LLM response.
//
// Each chunk may contain partial text, a complete tool call, a done
// signal (carrying token usage when the provider reports it), or an
// error that terminates the stream.
type CompletionChunk struct {
	// Text contains partial response text, streamed incrementally.
	Text string `json:"text,omitempty"`

	// ToolCall contains a complete tool execution request.
	ToolCall *models.ToolCall `json:"tool_call,omitempty"`

	// Done is true when the stream has completed successfully.
	Done bool `json:"done,omitempty"`

	// Error contains any error that occurred; the stream terminates.
	Error error `json:"-"`

	// InputTokens and OutputTokens carry usage as reported by the
	// provider, populated only on the final chunk. Providers that do
	// not report usage leave them zero; missing usage is never an
	// error.
	InputTokens  int `json:"input_tokens,omitempty"`
	OutputTokens int `json:"output_tokens,omitempty"`
}

// Completion is a fully assembled assistant turn, the non-streaming
// view of one Complete call.
type Completion struct {
	Content      string
	ToolCalls    []models.ToolCall
	InputTokens  int
	OutputTokens int
}

// CollectCompletion drains a chunk stream into a Completion. onDelta,
// if non-nil, observes each text delta as it arrives (used by the
// streaming path to forward message chunks). The first chunk error
// aborts the drain and is returned.
func CollectCompletion(ctx context.Context, chunks <-chan *CompletionChunk, onDelta func(string)) (*Completion, error) {
	comp := &Completion{}
	var content []byte

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case chunk, ok := <-chunks:
			if !ok {
				comp.Content = string(content)
				return comp, nil
			}
			if chunk.Error != nil {
				return nil, chunk.Error
			}
			if chunk.Text != "" {
				content = append(content, chunk.Text...)
				if onDelta != nil {
					onDelta(chunk.Text)
				}
			}
			if chunk.ToolCall != nil {
				comp.ToolCalls = append(comp.ToolCalls, *chunk.ToolCall)
			}
			if chunk.Done {
				comp.InputTokens = chunk.InputTokens
				comp.OutputTokens = chunk.OutputTokens
			}
		}
	}
}

// Model describes an available LLM model and its capabilities.
type Model struct {
	// ID is the API identifier for the model.
	ID string `json:"id"`

	// Name is the human-readable model name.
	Name string `json:"name"`

	// ContextSize is the maximum token context window.
	ContextSize int `json:"context_size"`
}

// ToolSchema is one entry of the tool catalog sent to the LLM.
type ToolSchema struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// ToolExecutionContext carries per-request state into tool executions.
type ToolExecutionContext struct {
	TenantID    string
	SessionID   string
	Credentials CredentialSource
	Metadata    map[string]any

	// Fields, when set, observes agent-tool field seeding for the
	// streaming event path. Per-request so concurrent streams do not
	// interleave.
	Fields FieldObserver
}

// FieldObserver receives one callback per agent-tool field seeding
// attempt.
type FieldObserver func(agentID, field string, valid bool)

// CredentialSource is the read side of the credential store contract,
// the only part tools need.
type CredentialSource interface {
	Get(ctx context.Context, tenantID, service, account string) (map[string]string, error)
}

// ToolExecutor defines the interface for plain (stateless) tools.
type ToolExecutor interface {
	// Name returns the tool name for LLM function calling. Must be a
	// valid function name (alphanumeric, underscores).
	Name() string

	// Description returns a natural language description of the tool.
	Description() string

	// Schema returns the JSON Schema defining the tool's parameters.
	Schema() json.RawMessage

	// Execute runs the tool with the given JSON arguments. Failures may
	// be reported either via the returned error or via a ToolResult
	// with IsError set; both surface to the LLM as error tool messages.
	Execute(ctx context.Context, tc *ToolExecutionContext, args json.RawMessage) (*models.ToolResult, error)
}
