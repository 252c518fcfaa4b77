package agent

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/haasonsaas/valet/pkg/models"
)

// Outcome is the tagged result of one tool call. The react loop
// pattern-matches on it instead of inspecting agent internals.
//
//   - Plain tool success: Status empty, Text is the (untruncated)
//     result.
//   - Agent completed: Status completed.
//   - Agent parked: Status waiting_for_input or waiting_for_approval,
//     Text is the agent's user-facing prompt, AgentID set, Approval set
//     for approval waits.
//   - Any failure: IsError true, Text is the human-readable error.
type Outcome struct {
	Call     models.ToolCall
	Status   models.AgentStatus
	Text     string
	IsError  bool
	AgentID  string
	Approval *models.ApprovalRequest
	Duration time.Duration
}

// Invoker dispatches a single tool call. Implemented by ToolInvoker.
type Invoker interface {
	// Invoke executes the call and encodes any failure in the outcome;
	// it never returns an error that should break the loop.
	Invoke(ctx context.Context, tc *ToolExecutionContext, call models.ToolCall) *Outcome

	// TimeoutFor returns the per-call deadline for a tool name (plain
	// tools and agent tools have different budgets).
	TimeoutFor(name string) time.Duration
}

// Executor fans out the tool calls of one assistant turn. Calls run
// concurrently, bounded by a semaphore, each under its own deadline.
// Results are returned in input order regardless of completion order,
// and a failure in one call never affects its siblings.
type Executor struct {
	invoker     Invoker
	concurrency int
	logger      *slog.Logger
}

// NewExecutor creates a tool executor.
func NewExecutor(invoker Invoker, concurrency int, logger *slog.Logger) *Executor {
	if concurrency <= 0 {
		concurrency = 8
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{invoker: invoker, concurrency: concurrency, logger: logger.With("component", "tool_executor")}
}

// ExecuteAll runs every call and returns one outcome per call, indexed
// by input order.
func (e *Executor) ExecuteAll(ctx context.Context, tc *ToolExecutionContext, calls []models.ToolCall) []*Outcome {
	if len(calls) == 0 {
		return nil
	}

	outcomes := make([]*Outcome, len(calls))
	sem := make(chan struct{}, e.concurrency)
	done := make(chan struct{})

	for i, call := range calls {
		go func(idx int, call models.ToolCall) {
			defer func() { done <- struct{}{} }()

			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				outcomes[idx] = e.cancelledOutcome(call, ctx.Err())
				return
			}

			outcomes[idx] = e.executeWithTimeout(ctx, tc, call)
		}(i, call)
	}

	for range calls {
		<-done
	}
	return outcomes
}

// executeWithTimeout runs one call under its deadline. The invoke
// goroutine uses a buffered channel and a non-blocking send so a late
// result after timeout is discarded instead of leaking the goroutine.
func (e *Executor) executeWithTimeout(ctx context.Context, tc *ToolExecutionContext, call models.ToolCall) *Outcome {
	timeout := e.invoker.TimeoutFor(call.Name)
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	result := make(chan *Outcome, 1)

	go func() {
		outcome := e.invokeSafe(callCtx, tc, call)
		select {
		case result <- outcome:
		default:
			e.logger.Warn("discarding late tool result",
				"tool", call.Name,
				"tool_call_id", call.ID,
				"elapsed", time.Since(start))
		}
	}()

	select {
	case outcome := <-result:
		outcome.Duration = time.Since(start)
		return outcome
	case <-callCtx.Done():
		if ctx.Err() != nil {
			return e.cancelledOutcome(call, ctx.Err())
		}
		err := NewToolError(ToolErrTimeout, call.Name, callCtx.Err()).
			WithMessage(fmt.Sprintf("execution timed out after %s", timeout))
		return &Outcome{
			Call:     call,
			IsError:  true,
			Text:     err.Error(),
			Duration: time.Since(start),
		}
	}
}

// invokeSafe converts panics in tool code to error outcomes.
func (e *Executor) invokeSafe(ctx context.Context, tc *ToolExecutionContext, call models.ToolCall) (outcome *Outcome) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("tool panicked", "tool", call.Name, "panic", r)
			outcome = &Outcome{
				Call:    call,
				IsError: true,
				Text:    fmt.Sprintf("tool %s panicked: %v", call.Name, r),
			}
		}
	}()
	return e.invoker.Invoke(ctx, tc, call)
}

func (e *Executor) cancelledOutcome(call models.ToolCall, err error) *Outcome {
	return &Outcome{
		Call:    call,
		IsError: true,
		Text:    fmt.Sprintf("tool %s cancelled: %v", call.Name, err),
	}
}
