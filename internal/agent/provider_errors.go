package agent

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrorReason categorizes why a provider request failed. The react
// loop's retry policy dispatches on it.
type ErrorReason string

const (
	// ReasonRateLimit indicates throttling (HTTP 429). Retried with
	// exponential backoff.
	ReasonRateLimit ErrorReason = "rate_limit"

	// ReasonContextOverflow indicates the messages plus tools exceed
	// the model's context window. Recovered via the trimming chain.
	ReasonContextOverflow ErrorReason = "context_overflow"

	// ReasonAuth indicates authentication failure (HTTP 401, 403).
	// Never retried.
	ReasonAuth ErrorReason = "auth"

	// ReasonTimeout indicates a request timeout. Retried once.
	ReasonTimeout ErrorReason = "timeout"

	// ReasonTransient indicates server-side or network issues likely
	// to clear (HTTP 5xx, connection resets).
	ReasonTransient ErrorReason = "transient"

	// ReasonFatal indicates an unrecoverable request error. Never
	// retried.
	ReasonFatal ErrorReason = "fatal"
)

// ProviderError is a structured error from an LLM provider boundary.
// Provider-specific codes and messages are mapped into the reason
// taxonomy where the error is created, so the loop never inspects raw
// provider failures.
type ProviderError struct {
	Reason    ErrorReason
	Provider  string
	Model     string
	Status    int
	Code      string
	Message   string
	RequestID string
	Cause     error
}

func (e *ProviderError) Error() string {
	parts := []string{fmt.Sprintf("[%s]", e.Reason)}
	if e.Provider != "" {
		parts = append(parts, e.Provider)
	}
	if e.Model != "" {
		parts = append(parts, fmt.Sprintf("model=%s", e.Model))
	}
	if e.Status != 0 {
		parts = append(parts, fmt.Sprintf("status=%d", e.Status))
	}
	if e.Code != "" {
		parts = append(parts, fmt.Sprintf("code=%s", e.Code))
	}
	if e.Message != "" {
		parts = append(parts, e.Message)
	} else if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}
	return strings.Join(parts, " ")
}

func (e *ProviderError) Unwrap() error { return e.Cause }

// NewProviderError wraps a raw provider failure, classifying it from
// the error text. Adapters refine the classification with WithStatus
// and WithCode when the API reports structured details.
func NewProviderError(provider, model string, cause error) *ProviderError {
	err := &ProviderError{
		Provider: provider,
		Model:    model,
		Cause:    cause,
		Reason:   ReasonFatal,
	}
	if cause != nil {
		err.Message = cause.Error()
		err.Reason = ClassifyError(cause)
	}
	return err
}

// WithStatus adds the HTTP status and reclassifies from it. An
// existing overflow classification is kept: providers report overflow
// as a 400, which would otherwise demote it to fatal.
func (e *ProviderError) WithStatus(status int) *ProviderError {
	e.Status = status
	if e.Reason != ReasonContextOverflow {
		e.Reason = classifyStatusCode(status)
	}
	return e
}

// WithCode adds a provider-specific error code and reclassifies from
// known codes.
func (e *ProviderError) WithCode(code string) *ProviderError {
	e.Code = code
	if reason, ok := classifyErrorCode(code); ok {
		e.Reason = reason
	}
	return e
}

// WithRequestID records the provider's request id for debugging.
func (e *ProviderError) WithRequestID(id string) *ProviderError {
	e.RequestID = id
	return e
}

// WithMessage sets the human-readable message and refines the
// classification from it when the current reason is unspecific.
func (e *ProviderError) WithMessage(msg string) *ProviderError {
	e.Message = msg
	if overflowMessage(strings.ToLower(msg)) {
		e.Reason = ReasonContextOverflow
	}
	return e
}

// ClassifyError maps a raw error to a reason by message inspection.
// Used as a fallback when no structured status or code is available.
func ClassifyError(err error) ErrorReason {
	if err == nil {
		return ReasonFatal
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ReasonTimeout
	}

	msg := strings.ToLower(err.Error())

	if overflowMessage(msg) {
		return ReasonContextOverflow
	}
	if strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "deadline exceeded") ||
		strings.Contains(msg, "context deadline") {
		return ReasonTimeout
	}
	if strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "rate_limit") ||
		strings.Contains(msg, "too many requests") ||
		strings.Contains(msg, "429") {
		return ReasonRateLimit
	}
	if strings.Contains(msg, "unauthorized") ||
		strings.Contains(msg, "invalid api key") ||
		strings.Contains(msg, "invalid_api_key") ||
		strings.Contains(msg, "authentication") ||
		strings.Contains(msg, "401") ||
		strings.Contains(msg, "403") {
		return ReasonAuth
	}
	if strings.Contains(msg, "internal server") ||
		strings.Contains(msg, "server error") ||
		strings.Contains(msg, "bad gateway") ||
		strings.Contains(msg, "service unavailable") ||
		strings.Contains(msg, "overloaded") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "no such host") ||
		strings.Contains(msg, "500") ||
		strings.Contains(msg, "502") ||
		strings.Contains(msg, "503") ||
		strings.Contains(msg, "504") {
		return ReasonTransient
	}
	return ReasonFatal
}

// overflowMessage matches the phrasings providers use for a context
// window overflow.
func overflowMessage(msg string) bool {
	return strings.Contains(msg, "context_length_exceeded") ||
		strings.Contains(msg, "context length") ||
		strings.Contains(msg, "context window") ||
		strings.Contains(msg, "maximum context") ||
		strings.Contains(msg, "prompt is too long") ||
		strings.Contains(msg, "too many tokens")
}

func classifyStatusCode(status int) ErrorReason {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ReasonAuth
	case status == http.StatusTooManyRequests:
		return ReasonRateLimit
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return ReasonTimeout
	case status >= 500:
		return ReasonTransient
	default:
		return ReasonFatal
	}
}

func classifyErrorCode(code string) (ErrorReason, bool) {
	switch strings.ToLower(code) {
	case "rate_limit_error", "rate_limit_exceeded":
		return ReasonRateLimit, true
	case "context_length_exceeded", "prompt_too_long":
		return ReasonContextOverflow, true
	case "authentication_error", "invalid_api_key", "permission_error":
		return ReasonAuth, true
	case "timeout", "timeout_error":
		return ReasonTimeout, true
	case "overloaded_error", "server_error", "internal_error", "api_error":
		return ReasonTransient, true
	case "invalid_request_error":
		return ReasonFatal, true
	default:
		return ReasonFatal, false
	}
}

// ReasonOf extracts the reason from an error chain, classifying raw
// errors as a fallback.
func ReasonOf(err error) ErrorReason {
	var providerErr *ProviderError
	if errors.As(err, &providerErr) {
		return providerErr.Reason
	}
	return ClassifyError(err)
}
