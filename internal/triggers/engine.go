// Package triggers runs cron-scheduled tasks that feed the
// orchestrator virtual user messages. A triggered message carries
// metadata {source: "trigger", task_id}; beyond that the lifecycle is
// identical to a user-originated message.
package triggers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/haasonsaas/valet/internal/agent"
	"github.com/haasonsaas/valet/internal/config"
	"github.com/haasonsaas/valet/internal/orchestrator"
	"github.com/haasonsaas/valet/pkg/models"
)

var cronParser = cron.NewParser(
	cron.SecondOptional |
		cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow |
		cron.Descriptor,
)

// TaskStatus tracks the last outcome of a scheduled task.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	// TaskExpired means the task's approval lapsed without user action.
	TaskExpired TaskStatus = "expired"
)

// Task is one scheduled virtual message.
type Task struct {
	ID        string
	TenantID  string
	SessionID string
	Message   string
	Expr      string
	Enabled   bool

	Status    TaskStatus
	NextRun   time.Time
	LastRun   time.Time
	LastError string

	schedule cron.Schedule
}

// MessageHandler is what the engine needs from the orchestrator.
type MessageHandler interface {
	HandleMessage(ctx context.Context, req *orchestrator.ChatRequest) (*models.ReactLoopResult, error)
}

// Metrics counts task outcomes.
type Metrics interface {
	CountTriggerTask(status string)
}

// Engine ticks through configured tasks and dispatches due ones. It
// also implements agent.TaskExpiryNotifier for approvals that lapse.
type Engine struct {
	handler  MessageHandler
	pool     *agent.AgentPool
	logger   *slog.Logger
	metrics  Metrics
	location *time.Location
	now      func() time.Time
	tick     time.Duration

	mu      sync.Mutex
	tasks   []*Task
	started bool
	wg      sync.WaitGroup
}

// Option configures the engine.
type Option func(*Engine)

// WithNow overrides the clock for tests.
func WithNow(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithTickInterval overrides the scheduler tick.
func WithTickInterval(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.tick = d
		}
	}
}

// WithMetrics installs the task outcome counter.
func WithMetrics(m Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// NewEngine builds the engine from config. Tasks that fail to parse
// are skipped with a warning, never a startup failure.
func NewEngine(cfg config.TriggersConfig, handler MessageHandler, pool *agent.AgentPool, logger *slog.Logger, opts ...Option) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		handler:  handler,
		pool:     pool,
		logger:   logger.With("component", "triggers"),
		location: time.Local,
		now:      time.Now,
		tick:     time.Second,
	}
	for _, opt := range opts {
		opt(e)
	}

	if cfg.Location != "" {
		loc, err := time.LoadLocation(cfg.Location)
		if err != nil {
			return nil, fmt.Errorf("triggers.location: %w", err)
		}
		e.location = loc
	}

	now := e.now().In(e.location)
	for _, tc := range cfg.Tasks {
		task, err := e.buildTask(tc, now)
		if err != nil {
			e.logger.Warn("trigger task skipped", "id", tc.ID, "error", err)
			continue
		}
		e.tasks = append(e.tasks, task)
	}
	return e, nil
}

func (e *Engine) buildTask(tc config.TriggerTaskConfig, now time.Time) (*Task, error) {
	if strings.TrimSpace(tc.ID) == "" {
		return nil, errors.New("task id required")
	}
	if strings.TrimSpace(tc.TenantID) == "" {
		return nil, errors.New("task tenant_id required")
	}
	if strings.TrimSpace(tc.Message) == "" {
		return nil, errors.New("task message required")
	}
	if !tc.Enabled {
		return nil, errors.New("task disabled")
	}
	schedule, err := cronParser.Parse(tc.Schedule)
	if err != nil {
		return nil, fmt.Errorf("invalid schedule: %w", err)
	}

	sessionID := strings.TrimSpace(tc.SessionID)
	if sessionID == "" {
		sessionID = "trigger:" + tc.ID
	}
	return &Task{
		ID:        tc.ID,
		TenantID:  tc.TenantID,
		SessionID: sessionID,
		Message:   tc.Message,
		Expr:      tc.Schedule,
		Enabled:   true,
		Status:    TaskPending,
		NextRun:   schedule.Next(now),
		schedule:  schedule,
	}, nil
}

// Start begins the tick loop until the context is cancelled.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return
	}
	e.started = true
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ticker := time.NewTicker(e.tick)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				e.runDue(ctx)
			}
		}
	}()
}

// Stop waits for the tick loop to exit.
func (e *Engine) Stop(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce dispatches due tasks immediately (primarily for tests).
func (e *Engine) RunOnce(ctx context.Context) int {
	return e.runDue(ctx)
}

func (e *Engine) runDue(ctx context.Context) int {
	now := e.now().In(e.location)
	count := 0

	e.mu.Lock()
	tasks := make([]*Task, len(e.tasks))
	copy(tasks, e.tasks)
	e.mu.Unlock()

	for _, task := range tasks {
		e.mu.Lock()
		if !task.Enabled || task.NextRun.IsZero() || now.Before(task.NextRun) {
			e.mu.Unlock()
			continue
		}
		task.LastRun = now
		task.Status = TaskRunning
		task.NextRun = task.schedule.Next(now)
		e.mu.Unlock()

		err := e.dispatch(ctx, task)

		e.mu.Lock()
		// An expiry notification may have landed while the task ran;
		// the expired mark wins over the run outcome.
		if task.Status == TaskRunning {
			if err != nil {
				task.Status = TaskFailed
				task.LastError = err.Error()
			} else {
				task.Status = TaskCompleted
				task.LastError = ""
			}
		}
		status := task.Status
		e.mu.Unlock()

		if err != nil {
			e.logger.Warn("trigger task failed", "id", task.ID, "error", err)
		}
		if e.metrics != nil {
			e.metrics.CountTriggerTask(string(status))
		}
		count++
	}
	return count
}

// dispatch hands the task's virtual user message to the orchestrator.
func (e *Engine) dispatch(ctx context.Context, task *Task) error {
	_, err := e.handler.HandleMessage(ctx, &orchestrator.ChatRequest{
		TenantID:  task.TenantID,
		SessionID: task.SessionID,
		Message:   task.Message,
		Metadata: map[string]any{
			"source":  "trigger",
			"task_id": task.ID,
		},
	})
	return err
}

// RunTask dispatches one task by id regardless of its schedule.
func (e *Engine) RunTask(ctx context.Context, id string) error {
	e.mu.Lock()
	task := e.find(id)
	if task == nil {
		e.mu.Unlock()
		return fmt.Errorf("task %s not found", id)
	}
	task.LastRun = e.now()
	task.Status = TaskRunning
	e.mu.Unlock()

	err := e.dispatch(ctx, task)

	e.mu.Lock()
	if task.Status == TaskRunning {
		if err != nil {
			task.Status = TaskFailed
			task.LastError = err.Error()
		} else {
			task.Status = TaskCompleted
			task.LastError = ""
		}
	}
	e.mu.Unlock()
	return err
}

// MarkTaskExpired implements agent.TaskExpiryNotifier: a triggered
// task whose approval lapsed without user action is marked expired.
func (e *Engine) MarkTaskExpired(ctx context.Context, tenantID, taskID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	task := e.find(taskID)
	if task == nil || task.TenantID != tenantID {
		return fmt.Errorf("task %s not found for tenant %s", taskID, tenantID)
	}
	task.Status = TaskExpired
	if e.metrics != nil {
		e.metrics.CountTriggerTask(string(TaskExpired))
	}
	return nil
}

// ListPendingApprovals returns the approvals parked in the pool for a
// tenant, oldest first.
func (e *Engine) ListPendingApprovals(tenantID string) []models.ApprovalRequest {
	var approvals []models.ApprovalRequest
	for _, entry := range e.pool.List(tenantID) {
		if entry.Approval != nil {
			approvals = append(approvals, *entry.Approval)
		}
	}
	return approvals
}

// Tasks returns a snapshot of the configured tasks.
func (e *Engine) Tasks() []Task {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Task, 0, len(e.tasks))
	for _, task := range e.tasks {
		out = append(out, *task)
	}
	return out
}

// find must be called with the lock held.
func (e *Engine) find(id string) *Task {
	for _, task := range e.tasks {
		if task.ID == id {
			return task
		}
	}
	return nil
}
