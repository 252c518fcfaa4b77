package agent

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/valet/pkg/models"
)

// terminalInstruction is appended when the turn budget is exhausted;
// the final LLM call carries no tools, so the model must answer.
const terminalInstruction = "You have executed enough steps. Provide a final answer from the information gathered so far."

// overflowFallbackMessage is returned when every overflow recovery
// step has been exhausted and the provider still rejects the request.
const overflowFallbackMessage = "This conversation has grown too long to continue. Please start a new conversation."

// argsSummaryLimit caps the argument excerpt stored in tool call
// records.
const argsSummaryLimit = 120

// EventSink receives loop progress events. The caller owns sequencing
// and delivery; the loop only reports what happened.
type EventSink func(typ models.EventType, data map[string]any)

// LoopMetrics is the observability hook the loop reports into. All
// methods must be safe for concurrent use.
type LoopMetrics interface {
	ObserveLLMCall(provider, model string, duration time.Duration, err error)
	AddTokens(provider, model string, input, output int)
	ObserveToolCall(name string, duration time.Duration, success bool)
	ObserveLoopTurns(turns int)
}

// ToolDispatcher is what the loop needs from the tool layer: per-call
// dispatch plus the catalog offered to the LLM.
type ToolDispatcher interface {
	Invoker
	Catalog() []ToolSchema
}

// LoopRequest is one react-loop run over a prepared conversation.
type LoopRequest struct {
	// Model overrides the provider default when set.
	Model string

	// System is the assembled system prompt.
	System string

	// Messages is the conversation so far, newest last. The caller
	// appends the incoming user message before running the loop.
	Messages []models.Message

	// Exec carries tenant, session and credentials into tools.
	Exec *ToolExecutionContext
}

// ReactLoop drives the reason-act cycle: call the LLM, execute any
// requested tools, feed results back, repeat until the model answers
// in plain text, an agent parks for user action, or the turn budget
// runs out.
type ReactLoop struct {
	provider   LLMProvider
	dispatcher ToolDispatcher
	executor   *Executor
	logger     *slog.Logger
	metrics    LoopMetrics

	// cfg and cm are swapped together on hot reload; in-flight runs
	// keep the snapshot they started with.
	mu  sync.RWMutex
	cfg ReactLoopConfig
	cm  *ContextManager
}

// NewReactLoop assembles a loop over a provider and a tool dispatcher.
func NewReactLoop(cfg ReactLoopConfig, provider LLMProvider, dispatcher ToolDispatcher, logger *slog.Logger) *ReactLoop {
	cfg.sanitize()
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "react_loop")
	return &ReactLoop{
		cfg:        cfg,
		provider:   provider,
		dispatcher: dispatcher,
		executor:   NewExecutor(dispatcher, cfg.MaxConcurrentTools, logger),
		cm:         NewContextManager(cfg),
		logger:     logger,
	}
}

// SetMetrics installs the observability hook. Nil disables reporting.
func (l *ReactLoop) SetMetrics(m LoopMetrics) { l.metrics = m }

// UpdateConfig swaps the loop tunables at runtime. Turn budget, retry
// policy, and context-management knobs take effect on the next run;
// tool concurrency and timeouts stay fixed at construction.
func (l *ReactLoop) UpdateConfig(cfg ReactLoopConfig) {
	cfg.sanitize()
	l.mu.Lock()
	l.cfg = cfg
	l.cm = NewContextManager(cfg)
	l.mu.Unlock()
	l.logger.Info("react loop config updated", "max_turns", cfg.MaxTurns)
}

func (l *ReactLoop) snapshot() (ReactLoopConfig, *ContextManager) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cfg, l.cm
}

// Run executes the loop without streaming. It returns the structured
// result plus the full message list (input plus everything the loop
// appended) for persistence.
func (l *ReactLoop) Run(ctx context.Context, req *LoopRequest) (*models.ReactLoopResult, []models.Message, error) {
	return l.run(ctx, req, nil)
}

// RunStream executes the loop, forwarding progress to the sink. The
// caller emits the terminal done event; the loop never does.
func (l *ReactLoop) RunStream(ctx context.Context, req *LoopRequest, sink EventSink) (*models.ReactLoopResult, []models.Message, error) {
	return l.run(ctx, req, sink)
}

func (l *ReactLoop) run(ctx context.Context, req *LoopRequest, sink EventSink) (*models.ReactLoopResult, []models.Message, error) {
	start := time.Now()
	result := &models.ReactLoopResult{}
	defer func() {
		result.DurationMS = time.Since(start).Milliseconds()
		if l.metrics != nil {
			l.metrics.ObserveLoopTurns(result.Turns)
		}
	}()

	messages := make([]models.Message, len(req.Messages))
	copy(messages, req.Messages)
	tools := l.dispatcher.Catalog()
	cfg, _ := l.snapshot()

	// Turn budget zero: one call, tools offered but never executed.
	if cfg.MaxTurns == 0 {
		comp, msgs, err := l.completeWithRecovery(ctx, req, messages, tools, sink)
		messages = msgs
		result.Turns = 1
		if err != nil {
			return l.settleLLMFailure(result, messages, err)
		}
		result.TokenUsage.Add(comp.InputTokens, comp.OutputTokens)
		result.Response = comp.Content
		messages = append(messages, assistantMessage(comp))
		return result, messages, nil
	}

	for turn := 0; ; {
		comp, msgs, err := l.completeWithRecovery(ctx, req, messages, tools, sink)
		messages = msgs
		if err != nil {
			result.Turns = turn + 1
			return l.settleLLMFailure(result, messages, err)
		}
		result.TokenUsage.Add(comp.InputTokens, comp.OutputTokens)
		messages = append(messages, assistantMessage(comp))

		if len(comp.ToolCalls) == 0 {
			result.Turns = turn + 1
			result.Response = comp.Content
			return result, messages, nil
		}

		parked, prompts := l.executeTools(ctx, req, comp.ToolCalls, &messages, result, sink)
		turn++

		if parked {
			result.Turns = turn
			result.Response = strings.Join(prompts, "\n\n")
			return result, messages, nil
		}

		if turn >= cfg.MaxTurns {
			messages = append(messages, models.Message{
				Role:    models.RoleUser,
				Content: terminalInstruction,
			})
			final, msgs, err := l.completeWithRecovery(ctx, req, messages, nil, sink)
			messages = msgs
			result.Turns = turn + 1
			if err != nil {
				return l.settleLLMFailure(result, messages, err)
			}
			result.TokenUsage.Add(final.InputTokens, final.OutputTokens)
			result.Response = final.Content
			messages = append(messages, assistantMessage(final))
			return result, messages, nil
		}
	}
}

// executeTools fans out one assistant turn's tool calls, appends tool
// messages in call order, and records the audit trail. Returns whether
// any agent parked and the prompts to surface if so.
func (l *ReactLoop) executeTools(ctx context.Context, req *LoopRequest, calls []models.ToolCall, messages *[]models.Message, result *models.ReactLoopResult, sink EventSink) (parked bool, prompts []string) {
	if sink != nil {
		for _, call := range calls {
			sink(models.EventToolCallStart, map[string]any{
				"tool_call_id": call.ID,
				"tool_name":    call.Name,
			})
		}
	}

	outcomes := l.executor.ExecuteAll(ctx, req.Exec, calls)
	_, cm := l.snapshot()

	for _, outcome := range outcomes {
		content := outcome.Text
		// Parked-agent prompts and error text are short by construction;
		// only genuine tool output needs the cap.
		if !outcome.IsError && !outcome.Status.Waiting() {
			content = cm.TruncateToolResult(content)
		}

		*messages = append(*messages, models.Message{
			Role:       models.RoleTool,
			ToolCallID: outcome.Call.ID,
			Content:    content,
			IsError:    outcome.IsError,
		})

		result.ToolCallRecords = append(result.ToolCallRecords, models.ToolCallRecord{
			Name:             outcome.Call.Name,
			ArgsSummary:      summarizeArgs(outcome.Call.Arguments),
			DurationMS:       outcome.Duration.Milliseconds(),
			Success:          !outcome.IsError,
			ResultStatus:     outcome.Status,
			ResultChars:      len(content),
			TokenAttribution: len(content) / charsPerToken,
		})
		if l.metrics != nil {
			l.metrics.ObserveToolCall(outcome.Call.Name, outcome.Duration, !outcome.IsError)
		}

		if sink != nil {
			l.emitToolOutcome(sink, outcome, content)
		}

		if outcome.Status.Waiting() {
			parked = true
			prompts = append(prompts, outcome.Text)
			if outcome.Approval != nil {
				result.PendingApprovals = append(result.PendingApprovals, *outcome.Approval)
			}
		}
	}
	return parked, prompts
}

func (l *ReactLoop) emitToolOutcome(sink EventSink, outcome *Outcome, content string) {
	data := map[string]any{
		"tool_call_id": outcome.Call.ID,
		"tool_name":    outcome.Call.Name,
		"duration_ms":  outcome.Duration.Milliseconds(),
	}
	if outcome.IsError {
		data["error"] = outcome.Text
		sink(models.EventError, data)
		return
	}
	sink(models.EventToolCallEnd, data)
	sink(models.EventToolResult, map[string]any{
		"tool_call_id": outcome.Call.ID,
		"tool_name":    outcome.Call.Name,
		"content":      content,
	})
	if outcome.Status.Waiting() {
		sink(models.EventStateChange, map[string]any{
			"agent_id": outcome.AgentID,
			"status":   string(outcome.Status),
		})
	}
}

// completeWithRecovery makes one LLM call under the retry policy:
// rate limits back off exponentially, timeouts retry once, transient
// failures retry with backoff, and context overflow walks the
// trimming chain. Auth and fatal errors surface immediately. The
// (possibly trimmed) message list is returned alongside the result so
// recovery survives into later turns.
func (l *ReactLoop) completeWithRecovery(ctx context.Context, req *LoopRequest, messages []models.Message, tools []ToolSchema, sink EventSink) (*Completion, []models.Message, error) {
	cfg, cm := l.snapshot()
	messages = cm.TrimIfNeeded(messages)

	attempt := 0
	timeoutRetried := false
	overflowStage := 0

	for {
		comp, err := l.complete(ctx, req, messages, tools, sink)
		if err == nil {
			return comp, messages, nil
		}
		if ctx.Err() != nil {
			return nil, messages, ctx.Err()
		}

		reason := ReasonOf(err)
		l.logger.Warn("llm call failed",
			"reason", string(reason),
			"attempt", attempt,
			"error", err)

		switch reason {
		case ReasonContextOverflow:
			switch overflowStage {
			case 0:
				messages = cm.TrimIfNeeded(messages)
			case 1:
				messages = cm.TruncateAllToolResults(messages)
			case 2:
				messages = cm.ForceTrim(messages)
			default:
				return nil, messages, err
			}
			overflowStage++

		case ReasonRateLimit:
			if attempt >= cfg.LLMMaxRetries {
				return nil, messages, err
			}
			if serr := sleepCtx(ctx, cfg.LLMRetryBaseDelay*(1<<attempt)); serr != nil {
				return nil, messages, serr
			}
			attempt++

		case ReasonTimeout:
			if timeoutRetried {
				return nil, messages, err
			}
			timeoutRetried = true

		case ReasonTransient:
			if attempt >= cfg.LLMMaxRetries {
				return nil, messages, err
			}
			if serr := sleepCtx(ctx, cfg.LLMRetryBaseDelay*(1<<attempt)); serr != nil {
				return nil, messages, serr
			}
			attempt++

		default:
			return nil, messages, err
		}
	}
}

// complete performs a single provider call and assembles the streamed
// chunks into a completion, forwarding text deltas to the sink.
func (l *ReactLoop) complete(ctx context.Context, req *LoopRequest, messages []models.Message, tools []ToolSchema, sink EventSink) (*Completion, error) {
	creq := &CompletionRequest{
		Model:    req.Model,
		System:   req.System,
		Messages: toCompletionMessages(messages),
		Tools:    tools,
	}

	start := time.Now()
	if sink != nil {
		sink(models.EventMessageStart, nil)
	}

	chunks, err := l.provider.Complete(ctx, creq)
	if err == nil {
		var onDelta func(string)
		if sink != nil {
			onDelta = func(text string) {
				sink(models.EventMessageChunk, map[string]any{"text": text})
			}
		}
		var comp *Completion
		comp, err = CollectCompletion(ctx, chunks, onDelta)
		if err == nil {
			if l.metrics != nil {
				l.metrics.ObserveLLMCall(l.provider.Name(), req.Model, time.Since(start), nil)
				l.metrics.AddTokens(l.provider.Name(), req.Model, comp.InputTokens, comp.OutputTokens)
			}
			if sink != nil {
				sink(models.EventMessageEnd, map[string]any{
					"tool_calls": len(comp.ToolCalls),
				})
			}
			return comp, nil
		}
	}

	if l.metrics != nil {
		l.metrics.ObserveLLMCall(l.provider.Name(), req.Model, time.Since(start), err)
	}
	return nil, err
}

// settleLLMFailure converts an unrecoverable overflow into a graceful
// response; every other failure propagates to the caller.
func (l *ReactLoop) settleLLMFailure(result *models.ReactLoopResult, messages []models.Message, err error) (*models.ReactLoopResult, []models.Message, error) {
	if ReasonOf(err) == ReasonContextOverflow {
		l.logger.Error("context overflow not recoverable, degrading gracefully", "error", err)
		result.Response = overflowFallbackMessage
		return result, messages, nil
	}
	return nil, messages, err
}

// toCompletionMessages converts stored conversation messages to the
// provider request shape. System messages are excluded; the system
// prompt travels separately.
func toCompletionMessages(messages []models.Message) []CompletionMessage {
	out := make([]CompletionMessage, 0, len(messages))
	for i := range messages {
		m := &messages[i]
		switch m.Role {
		case models.RoleSystem:
			continue
		case models.RoleTool:
			out = append(out, CompletionMessage{
				Role: string(models.RoleTool),
				ToolResults: []models.ToolResult{{
					ToolCallID: m.ToolCallID,
					Content:    m.Content,
					IsError:    m.IsError,
				}},
			})
		default:
			out = append(out, CompletionMessage{
				Role:      string(m.Role),
				Content:   m.Content,
				ToolCalls: m.ToolCalls,
			})
		}
	}
	return out
}

func assistantMessage(comp *Completion) models.Message {
	return models.Message{
		Role:      models.RoleAssistant,
		Content:   comp.Content,
		ToolCalls: comp.ToolCalls,
	}
}

func summarizeArgs(raw []byte) string {
	s := string(raw)
	if len(s) > argsSummaryLimit {
		s = s[:argsSummaryLimit] + "..."
	}
	return s
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
