package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/haasonsaas/valet/pkg/models"
)

// cancelledMessage is the tool-message content appended when the user
// cancels an approval. IsError is set so the planner treats it as a
// failed action and decides the follow-up.
const cancelledMessage = "User cancelled this action."

// ApprovalDecision is the user's reply to an approval request.
type ApprovalDecision string

const (
	DecisionApprove ApprovalDecision = "approve"
	DecisionEdit    ApprovalDecision = "edit"
	DecisionCancel  ApprovalDecision = "cancel"
)

// ParseApprovalDecision interprets a user message as an approval
// decision. Unrecognized input returns false.
func ParseApprovalDecision(content string) (ApprovalDecision, bool) {
	switch strings.ToLower(strings.TrimSpace(content)) {
	case "approve", "yes", "approved", "ok", "confirm":
		return DecisionApprove, true
	case "edit", "modify", "change":
		return DecisionEdit, true
	case "cancel", "no", "reject", "rejected":
		return DecisionCancel, true
	}
	return "", false
}

// BuildApprovalRequest assembles the approval surfaced to the user
// from a parked agent's prompt and collected fields.
func BuildApprovalRequest(a Agent, timeoutMinutes int, source, taskID string) models.ApprovalRequest {
	details := make(map[string]any, len(a.Fields()))
	for k, v := range a.Fields() {
		details[k] = v
	}
	return models.ApprovalRequest{
		AgentID:           a.ID(),
		AgentName:         a.Type(),
		ActionSummary:     a.ApprovalPrompt(),
		Details:           details,
		Options:           models.ApprovalOptions,
		TimeoutMinutes:    timeoutMinutes,
		AllowModification: true,
		Source:            source,
		TaskID:            taskID,
		CreatedAt:         time.Now(),
	}
}

// ApprovalResolution is the outcome of resolving an approval, shaped
// for re-entry into the react loop as a tool message.
type ApprovalResolution struct {
	Content string
	IsError bool
	Status  models.AgentStatus
}

// TaskExpiryNotifier is the outbound trigger-engine contract: a
// triggered task whose approval lapsed is marked expired.
type TaskExpiryNotifier interface {
	MarkTaskExpired(ctx context.Context, tenantID, taskID string) error
}

// ApprovalCoordinator resolves approval decisions against pooled
// agents and handles approval expiry.
type ApprovalCoordinator struct {
	pool   *AgentPool
	logger *slog.Logger
}

// NewApprovalCoordinator wires the coordinator to the pool. notifier
// may be nil when no trigger engine is attached.
func NewApprovalCoordinator(pool *AgentPool, notifier TaskExpiryNotifier, logger *slog.Logger) *ApprovalCoordinator {
	if logger == nil {
		logger = slog.Default()
	}
	c := &ApprovalCoordinator{
		pool:   pool,
		logger: logger.With("component", "approval"),
	}
	pool.OnApprovalExpired(func(entry *PoolEntry) {
		c.logger.Info("approval expired",
			"tenant_id", entry.TenantID,
			"agent_id", entry.AgentID,
			"task_id", entry.TaskID)
		if notifier != nil && entry.TaskID != "" {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := notifier.MarkTaskExpired(ctx, entry.TenantID, entry.TaskID); err != nil {
				c.logger.Error("failed to mark task expired", "task_id", entry.TaskID, "error", err)
			}
		}
	})
	return c
}

// Resolve drives a pooled agent according to the user's decision.
//
//   - approve: run the agent past the gate; terminal results leave
//     the pool, a follow-up wait stays parked.
//   - edit: re-seed the provided parameters (validators re-run; bad
//     values are discarded) and then approve.
//   - cancel: remove from the pool and report the cancellation as an
//     error tool message so the planner decides the follow-up.
func (c *ApprovalCoordinator) Resolve(ctx context.Context, tenantID, agentID string, decision ApprovalDecision, params map[string]any) (*ApprovalResolution, error) {
	a, entry, err := c.pool.Get(ctx, tenantID, agentID)
	if err != nil {
		return nil, err
	}
	if entry.Status != models.StatusWaitingForApproval {
		return nil, fmt.Errorf("agent %s is not waiting for approval (status %s)", agentID, entry.Status)
	}

	switch decision {
	case DecisionCancel:
		if err := c.pool.Remove(ctx, tenantID, agentID); err != nil {
			return nil, err
		}
		return &ApprovalResolution{
			Content: cancelledMessage,
			IsError: true,
			Status:  models.StatusCancelled,
		}, nil

	case DecisionEdit:
		c.reseed(a, params)
		fallthrough

	case DecisionApprove:
		res, err := a.HandleMessage(ctx, string(DecisionApprove))
		if err != nil {
			_ = c.pool.Remove(ctx, tenantID, agentID)
			return nil, err
		}
		return c.settle(ctx, tenantID, a, entry, res)

	default:
		return nil, fmt.Errorf("unknown approval decision %q", decision)
	}
}

func (c *ApprovalCoordinator) settle(ctx context.Context, tenantID string, a Agent, entry *PoolEntry, res *Result) (*ApprovalResolution, error) {
	if res.Status.Terminal() {
		if err := c.pool.Remove(ctx, tenantID, a.ID()); err != nil {
			return nil, err
		}
	} else {
		if err := c.pool.Put(ctx, tenantID, a, nil, entry.TaskID); err != nil {
			return nil, err
		}
	}

	content := res.Message
	if res.Status == models.StatusError && res.Err != "" {
		content = res.Err
	}
	return &ApprovalResolution{
		Content: content,
		IsError: res.Status == models.StatusError,
		Status:  res.Status,
	}, nil
}

// reseed applies edited parameters through the declared validators.
func (c *ApprovalCoordinator) reseed(a Agent, params map[string]any) {
	base, ok := a.(*BaseAgent)
	if !ok || len(params) == 0 {
		if len(params) > 0 {
			a.SeedFields(params)
		}
		return
	}
	seeded := make(map[string]any)
	for name, raw := range params {
		f := base.Spec().field(name)
		if f == nil {
			continue
		}
		value, ok := f.coerce(raw)
		if !ok {
			c.logger.Debug("discarding edited field with wrong type", "field", name)
			continue
		}
		if err := f.Validate(value); err != nil {
			c.logger.Debug("discarding edited field rejected by validator", "field", name, "error", err)
			continue
		}
		seeded[name] = value
	}
	a.SeedFields(seeded)
}
