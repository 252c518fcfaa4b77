// Package observability provides Prometheus metrics for the Valet
// orchestrator: LLM call latency and token burn, tool executions,
// react-loop turns, pool occupancy, approvals, and the HTTP boundary.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is the central metric set, registered once at startup with
// the default Prometheus registry and served from /metrics. It
// implements agent.LoopMetrics.
type Metrics struct {
	// LLMRequestDuration measures LLM API call latency in seconds.
	// Labels: provider, model
	LLMRequestDuration *prometheus.HistogramVec

	// LLMRequestCounter counts LLM requests.
	// Labels: provider, model, status (success|error)
	LLMRequestCounter *prometheus.CounterVec

	// LLMTokensUsed tracks token consumption.
	// Labels: provider, model, type (prompt|completion)
	LLMTokensUsed *prometheus.CounterVec

	// ToolExecutionCounter counts tool invocations.
	// Labels: tool_name, status (success|error)
	ToolExecutionCounter *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution time in seconds.
	// Labels: tool_name
	ToolExecutionDuration *prometheus.HistogramVec

	// LoopTurns counts react-loop turns per run.
	LoopTurns prometheus.Histogram

	// PooledAgents is the current number of parked agents.
	// Labels: tenant
	PooledAgents *prometheus.GaugeVec

	// ApprovalCounter counts approval outcomes.
	// Labels: decision (approve|edit|cancel|expired)
	ApprovalCounter *prometheus.CounterVec

	// HTTPRequestDuration measures HTTP request latency.
	// Labels: method, path, status_code
	HTTPRequestDuration *prometheus.HistogramVec

	// HTTPRequestCounter counts HTTP requests.
	// Labels: method, path, status_code
	HTTPRequestCounter *prometheus.CounterVec

	// TriggerTaskCounter counts trigger task runs.
	// Labels: status (completed|error|expired)
	TriggerTaskCounter *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics. Call once at startup.
func NewMetrics() *Metrics {
	return &Metrics{
		LLMRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "valet_llm_request_duration_seconds",
				Help:    "Duration of LLM API requests in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"provider", "model"},
		),

		LLMRequestCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "valet_llm_requests_total",
				Help: "Total number of LLM requests by provider, model, and status",
			},
			[]string{"provider", "model", "status"},
		),

		LLMTokensUsed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "valet_llm_tokens_total",
				Help: "Total number of tokens used by provider, model, and type",
			},
			[]string{"provider", "model", "type"},
		),

		ToolExecutionCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "valet_tool_executions_total",
				Help: "Total number of tool executions by tool and status",
			},
			[]string{"tool_name", "status"},
		),

		ToolExecutionDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "valet_tool_execution_duration_seconds",
				Help:    "Duration of tool executions in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 120},
			},
			[]string{"tool_name"},
		),

		LoopTurns: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "valet_react_loop_turns",
				Help:    "React loop turns per run",
				Buckets: []float64{1, 2, 3, 5, 8, 11},
			},
		),

		PooledAgents: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "valet_pooled_agents",
				Help: "Current number of parked agents by tenant",
			},
			[]string{"tenant"},
		),

		ApprovalCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "valet_approvals_total",
				Help: "Approval outcomes by decision",
			},
			[]string{"decision"},
		),

		HTTPRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "valet_http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"method", "path", "status_code"},
		),

		HTTPRequestCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "valet_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status_code"},
		),

		TriggerTaskCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "valet_trigger_tasks_total",
				Help: "Trigger task runs by terminal status",
			},
			[]string{"status"},
		),
	}
}

// ObserveLLMCall implements agent.LoopMetrics.
func (m *Metrics) ObserveLLMCall(provider, model string, duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.LLMRequestCounter.WithLabelValues(provider, model, status).Inc()
	m.LLMRequestDuration.WithLabelValues(provider, model).Observe(duration.Seconds())
}

// AddTokens implements agent.LoopMetrics.
func (m *Metrics) AddTokens(provider, model string, input, output int) {
	if input > 0 {
		m.LLMTokensUsed.WithLabelValues(provider, model, "prompt").Add(float64(input))
	}
	if output > 0 {
		m.LLMTokensUsed.WithLabelValues(provider, model, "completion").Add(float64(output))
	}
}

// ObserveToolCall implements agent.LoopMetrics.
func (m *Metrics) ObserveToolCall(name string, duration time.Duration, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	m.ToolExecutionCounter.WithLabelValues(name, status).Inc()
	m.ToolExecutionDuration.WithLabelValues(name).Observe(duration.Seconds())
}

// ObserveLoopTurns implements agent.LoopMetrics.
func (m *Metrics) ObserveLoopTurns(turns int) {
	m.LoopTurns.Observe(float64(turns))
}

// SetPooledAgents records the pool occupancy for a tenant.
func (m *Metrics) SetPooledAgents(tenant string, n int) {
	m.PooledAgents.WithLabelValues(tenant).Set(float64(n))
}

// CountApproval records an approval outcome.
func (m *Metrics) CountApproval(decision string) {
	m.ApprovalCounter.WithLabelValues(decision).Inc()
}

// ObserveHTTPRequest records one handled HTTP request.
func (m *Metrics) ObserveHTTPRequest(method, path, statusCode string, duration time.Duration) {
	m.HTTPRequestCounter.WithLabelValues(method, path, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path, statusCode).Observe(duration.Seconds())
}

// CountTriggerTask records a trigger task reaching a terminal status.
func (m *Metrics) CountTriggerTask(status string) {
	m.TriggerTaskCounter.WithLabelValues(status).Inc()
}
