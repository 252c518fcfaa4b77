// Package orchestrator coordinates the full message lifecycle: load
// history and recalled facts, gate the message through policy, route
// it to a pending agent when one is waiting, otherwise run the react
// loop, and persist the outcome. Message handling is serialized per
// tenant.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/valet/internal/agent"
	"github.com/haasonsaas/valet/pkg/models"
)

// Memory is the conversation and fact store contract.
type Memory interface {
	GetHistory(ctx context.Context, tenantID, sessionID string, limit int) ([]models.Message, error)
	SaveHistory(ctx context.Context, tenantID, sessionID string, messages []models.Message) error
	Search(ctx context.Context, tenantID, query string, limit int) ([]models.Fact, error)
	Add(ctx context.Context, tenantID, content, source string, infer bool) error
}

// Policy gates messages before any LLM call. A returned
// *agent.PolicyError rejects the message with a canned response; any
// other error fails the request.
type Policy interface {
	ShouldProcess(ctx context.Context, req *ChatRequest) error
}

// Config tunes the orchestrator.
type Config struct {
	// Persona is the system prompt base. Empty uses the default.
	Persona string

	// Model overrides the provider default when set.
	Model string

	// MaxHistoryMessages caps how much history is loaded per request.
	MaxHistoryMessages int

	// MaxRecalledFacts caps fact recall for the system prompt.
	MaxRecalledFacts int
}

// ChatRequest is one inbound user message.
type ChatRequest struct {
	TenantID  string         `json:"tenant_id"`
	SessionID string         `json:"session_id"`
	Message   string         `json:"message"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Orchestrator owns the per-message lifecycle. Safe for concurrent
// use; messages for the same tenant are processed one at a time.
type Orchestrator struct {
	cfg       Config
	loop      *agent.ReactLoop
	pool      *agent.AgentPool
	approvals *agent.ApprovalCoordinator
	memory    Memory
	creds     agent.CredentialSource
	policy    Policy
	locks     *tenantLocks
	logger    *slog.Logger
	now       func() time.Time
}

// New assembles an orchestrator. policy may be nil to accept every
// message; creds may be nil when no tool needs credentials.
func New(cfg Config, loop *agent.ReactLoop, pool *agent.AgentPool, approvals *agent.ApprovalCoordinator, memory Memory, creds agent.CredentialSource, policy Policy, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxHistoryMessages <= 0 {
		cfg.MaxHistoryMessages = 40
	}
	if cfg.MaxRecalledFacts <= 0 {
		cfg.MaxRecalledFacts = 5
	}
	return &Orchestrator{
		cfg:       cfg,
		loop:      loop,
		pool:      pool,
		approvals: approvals,
		memory:    memory,
		creds:     creds,
		policy:    policy,
		locks:     newTenantLocks(),
		logger:    logger.With("component", "orchestrator"),
		now:       time.Now,
	}
}

// HandleMessage processes one message and returns the structured
// result once the turn settles.
func (o *Orchestrator) HandleMessage(ctx context.Context, req *ChatRequest) (*models.ReactLoopResult, error) {
	return o.handle(ctx, req, nil)
}

// StreamMessage processes one message, emitting progress events on the
// returned channel. The channel is closed after the terminal done
// event (or an error event when the lifecycle fails).
func (o *Orchestrator) StreamMessage(ctx context.Context, req *ChatRequest) (<-chan models.StreamEvent, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}

	events := make(chan models.StreamEvent, 64)
	var seq atomic.Uint64

	emit := func(typ models.EventType, data map[string]any) {
		ev := models.NewStreamEvent(typ, data)
		ev.Sequence = seq.Add(1)
		select {
		case events <- ev:
		case <-ctx.Done():
		}
	}

	go func() {
		defer close(events)
		result, err := o.handle(ctx, req, emit)
		if err != nil {
			emit(models.EventError, map[string]any{"error": err.Error()})
			emit(models.EventDone, nil)
			return
		}
		emit(models.EventDone, map[string]any{
			"response":    result.Response,
			"turns":       result.Turns,
			"duration_ms": result.DurationMS,
		})
	}()
	return events, nil
}

// handle is the shared lifecycle behind HandleMessage and
// StreamMessage.
func (o *Orchestrator) handle(ctx context.Context, req *ChatRequest, sink agent.EventSink) (*models.ReactLoopResult, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}

	unlock := o.locks.lock(req.TenantID)
	defer unlock()

	history, system, err := o.prepareContext(ctx, req)
	if err != nil {
		return nil, err
	}

	if o.policy != nil {
		if err := o.policy.ShouldProcess(ctx, req); err != nil {
			var perr *agent.PolicyError
			if errors.As(err, &perr) {
				o.logger.Info("message rejected by policy",
					"tenant_id", req.TenantID,
					"reason", perr.Reason)
				return o.settle(ctx, req, history, rejectionResponse(perr), sink)
			}
			return nil, err
		}
	}

	messages := append(history, models.Message{
		Role:     models.RoleUser,
		Content:  req.Message,
		Metadata: req.Metadata,
	})

	// A waiting agent gets the message before the planner does.
	if pending, entry, ok := o.pool.FindPending(ctx, req.TenantID); ok {
		routed, res, err := o.routePending(ctx, req, pending, entry, sink)
		if err != nil {
			return nil, err
		}
		if routed != nil {
			// Still waiting: surface the prompt without running the loop.
			return o.settle(ctx, req, history, routed, sink)
		}
		// The parked call resolved; feed the outcome back to the
		// planner as a synthetic tool exchange.
		messages = append(messages, syntheticPair(entry.AgentType, res)...)
	}

	result, all, err := o.loop.RunStream(ctx, &agent.LoopRequest{
		Model:    o.cfg.Model,
		System:   system,
		Messages: messages,
		Exec:     o.execContext(req, sink),
	}, sink)
	if err != nil {
		return nil, err
	}

	o.postProcess(ctx, req, history, all)
	return result, nil
}

// prepareContext loads history and recalled facts and assembles the
// system prompt.
func (o *Orchestrator) prepareContext(ctx context.Context, req *ChatRequest) ([]models.Message, string, error) {
	history, err := o.memory.GetHistory(ctx, req.TenantID, req.SessionID, o.cfg.MaxHistoryMessages)
	if err != nil {
		return nil, "", fmt.Errorf("loading history: %w", err)
	}

	facts, err := o.memory.Search(ctx, req.TenantID, req.Message, o.cfg.MaxRecalledFacts)
	if err != nil {
		// Recall is best-effort; a degraded prompt beats a failed turn.
		o.logger.Warn("fact recall failed", "tenant_id", req.TenantID, "error", err)
		facts = nil
	}

	return history, buildSystemPrompt(o.cfg.Persona, o.now(), facts), nil
}

// routePending hands the message to the waiting agent. A non-nil
// result means the agent is still parked and its prompt is the whole
// response; a nil result with a resolution means the parked call
// settled and the loop should continue planning.
func (o *Orchestrator) routePending(ctx context.Context, req *ChatRequest, pending agent.Agent, entry *agent.PoolEntry, sink agent.EventSink) (*models.ReactLoopResult, *agent.ApprovalResolution, error) {
	if entry.Status == models.StatusWaitingForApproval {
		return o.routeApproval(ctx, req, entry, sink)
	}

	res, err := pending.HandleMessage(ctx, req.Message)
	if err != nil {
		_ = o.pool.Remove(ctx, req.TenantID, entry.AgentID)
		return nil, &agent.ApprovalResolution{
			Content: fmt.Sprintf("Agent %s failed: %v", entry.AgentType, err),
			IsError: true,
			Status:  models.StatusError,
		}, nil
	}

	if res.Status.Waiting() {
		if err := o.pool.Put(ctx, req.TenantID, pending, nil, entry.TaskID); err != nil {
			return nil, nil, err
		}
		o.emitStateChange(sink, entry.AgentID, res.Status)
		return &models.ReactLoopResult{Response: res.Message}, nil, nil
	}

	if err := o.pool.Remove(ctx, req.TenantID, entry.AgentID); err != nil {
		return nil, nil, err
	}
	content := res.Message
	if res.Status == models.StatusError && res.Err != "" {
		content = res.Err
	}
	return nil, &agent.ApprovalResolution{
		Content: content,
		IsError: res.Status == models.StatusError,
		Status:  res.Status,
	}, nil
}

func (o *Orchestrator) routeApproval(ctx context.Context, req *ChatRequest, entry *agent.PoolEntry, sink agent.EventSink) (*models.ReactLoopResult, *agent.ApprovalResolution, error) {
	decision, ok := agent.ParseApprovalDecision(req.Message)
	if !ok {
		// Not a decision: re-surface the approval prompt.
		prompt := fmt.Sprintf("Please reply approve, edit, or cancel. %s", entry.Approval.ActionSummary)
		o.emitStateChange(sink, entry.AgentID, entry.Status)
		return &models.ReactLoopResult{Response: prompt}, nil, nil
	}

	var params map[string]any
	if req.Metadata != nil {
		params, _ = req.Metadata["params"].(map[string]any)
	}

	res, err := o.approvals.Resolve(ctx, req.TenantID, entry.AgentID, decision, params)
	if err != nil {
		return nil, nil, err
	}
	if res.Status.Waiting() {
		o.emitStateChange(sink, entry.AgentID, res.Status)
		return &models.ReactLoopResult{Response: res.Content}, nil, nil
	}
	return nil, res, nil
}

// settle persists a short-circuit turn (policy rejection or a parked
// agent's prompt) and returns it.
func (o *Orchestrator) settle(ctx context.Context, req *ChatRequest, history []models.Message, result *models.ReactLoopResult, sink agent.EventSink) (*models.ReactLoopResult, error) {
	turn := []models.Message{
		{Role: models.RoleUser, Content: req.Message, Metadata: req.Metadata},
		{Role: models.RoleAssistant, Content: result.Response},
	}
	o.postProcess(ctx, req, history, append(history, turn...))
	if sink != nil && result.Response != "" {
		sink(models.EventMessageStart, nil)
		sink(models.EventMessageChunk, map[string]any{"text": result.Response})
		sink(models.EventMessageEnd, map[string]any{"tool_calls": 0})
	}
	return result, nil
}

// postProcess saves the turn's new messages and feeds the user message
// to the fact extractor. Failures are logged, never surfaced; the
// answer is already computed.
func (o *Orchestrator) postProcess(ctx context.Context, req *ChatRequest, history, all []models.Message) {
	if len(all) > len(history) {
		if err := o.memory.SaveHistory(ctx, req.TenantID, req.SessionID, all[len(history):]); err != nil {
			o.logger.Error("saving history failed",
				"tenant_id", req.TenantID,
				"session_id", req.SessionID,
				"error", err)
		}
	}
	if err := o.memory.Add(ctx, req.TenantID, req.Message, "conversation", true); err != nil {
		o.logger.Error("memory add failed", "tenant_id", req.TenantID, "error", err)
	}
}

// execContext builds the per-request tool execution context, including
// the field observer for the streaming path.
func (o *Orchestrator) execContext(req *ChatRequest, sink agent.EventSink) *agent.ToolExecutionContext {
	tc := &agent.ToolExecutionContext{
		TenantID:    req.TenantID,
		SessionID:   req.SessionID,
		Credentials: o.creds,
		Metadata:    req.Metadata,
	}
	if sink != nil {
		tc.Fields = func(agentID, field string, valid bool) {
			sink(models.EventFieldCollected, map[string]any{
				"agent_id": agentID,
				"field":    field,
			})
			sink(models.EventFieldValidated, map[string]any{
				"agent_id": agentID,
				"field":    field,
				"valid":    valid,
			})
		}
	}
	return tc
}

func (o *Orchestrator) emitStateChange(sink agent.EventSink, agentID string, status models.AgentStatus) {
	if sink == nil {
		return
	}
	sink(models.EventStateChange, map[string]any{
		"agent_id": agentID,
		"status":   string(status),
	})
}

// ListAgents returns the tenant's pooled agents in insertion order.
func (o *Orchestrator) ListAgents(tenantID string) []*agent.PoolEntry {
	return o.pool.List(tenantID)
}

// CancelAgent removes a parked agent without running it.
func (o *Orchestrator) CancelAgent(ctx context.Context, tenantID, agentID string) error {
	return o.pool.Remove(ctx, tenantID, agentID)
}

// PauseAgent parks an agent out of message routing until resumed.
func (o *Orchestrator) PauseAgent(ctx context.Context, tenantID, agentID string) error {
	return o.pool.Pause(ctx, tenantID, agentID)
}

// ResumeAgent restores a paused agent to its previous waiting state.
func (o *Orchestrator) ResumeAgent(ctx context.Context, tenantID, agentID string) error {
	return o.pool.Resume(ctx, tenantID, agentID)
}

// syntheticPair encodes a resolved parked call as an assistant tool
// call plus its tool result, so the planner sees the outcome as
// ordinary loop history.
func syntheticPair(agentType string, res *agent.ApprovalResolution) []models.Message {
	callID := uuid.NewString()
	return []models.Message{
		{
			Role: models.RoleAssistant,
			ToolCalls: []models.ToolCall{{
				ID:        callID,
				Name:      agentType,
				Arguments: json.RawMessage(`{}`),
			}},
		},
		{
			Role:       models.RoleTool,
			ToolCallID: callID,
			Content:    res.Content,
			IsError:    res.IsError,
		},
	}
}

func rejectionResponse(perr *agent.PolicyError) *models.ReactLoopResult {
	return &models.ReactLoopResult{
		Response: fmt.Sprintf("I can't process that message: %s.", perr.Reason),
	}
}

func validateRequest(req *ChatRequest) error {
	if req == nil {
		return errors.New("nil request")
	}
	if req.TenantID == "" {
		return errors.New("tenant_id is required")
	}
	if req.SessionID == "" {
		return errors.New("session_id is required")
	}
	return nil
}
