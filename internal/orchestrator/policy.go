package orchestrator

import (
	"context"
	"strings"

	"github.com/haasonsaas/valet/internal/agent"
)

// defaultMaxMessageChars bounds a single inbound message.
const defaultMaxMessageChars = 32_000

// MessagePolicy is the default processing gate: non-empty messages up
// to a size limit.
type MessagePolicy struct {
	// MaxMessageChars caps the message length. Zero uses the default.
	MaxMessageChars int
}

// ShouldProcess implements Policy.
func (p *MessagePolicy) ShouldProcess(ctx context.Context, req *ChatRequest) error {
	limit := p.MaxMessageChars
	if limit <= 0 {
		limit = defaultMaxMessageChars
	}
	if strings.TrimSpace(req.Message) == "" {
		return &agent.PolicyError{Reason: "the message is empty"}
	}
	if len(req.Message) > limit {
		return &agent.PolicyError{Reason: "the message is too long"}
	}
	return nil
}

// PolicyFunc adapts a function to the Policy interface.
type PolicyFunc func(ctx context.Context, req *ChatRequest) error

func (f PolicyFunc) ShouldProcess(ctx context.Context, req *ChatRequest) error {
	return f(ctx, req)
}
