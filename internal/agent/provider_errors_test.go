package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestClassifyError(t *testing.T) {
	cases := []struct {
		err  error
		want ErrorReason
	}{
		{errors.New("429 too many requests"), ReasonRateLimit},
		{errors.New("rate_limit exceeded, slow down"), ReasonRateLimit},
		{errors.New("prompt is too long: 210000 tokens"), ReasonContextOverflow},
		{errors.New("this model's maximum context length is 128000"), ReasonContextOverflow},
		{errors.New("401 unauthorized"), ReasonAuth},
		{errors.New("invalid api key provided"), ReasonAuth},
		{errors.New("request timeout while waiting for response"), ReasonTimeout},
		{context.DeadlineExceeded, ReasonTimeout},
		{errors.New("502 bad gateway"), ReasonTransient},
		{errors.New("connection reset by peer"), ReasonTransient},
		{errors.New("overloaded_error: try again"), ReasonTransient},
		{errors.New("something entirely different"), ReasonFatal},
		{nil, ReasonFatal},
	}
	for _, tc := range cases {
		if got := ClassifyError(tc.err); got != tc.want {
			t.Errorf("ClassifyError(%v) = %s, want %s", tc.err, got, tc.want)
		}
	}
}

func TestProviderError_WithStatus(t *testing.T) {
	cases := []struct {
		status int
		want   ErrorReason
	}{
		{401, ReasonAuth},
		{403, ReasonAuth},
		{429, ReasonRateLimit},
		{408, ReasonTimeout},
		{504, ReasonTimeout},
		{500, ReasonTransient},
		{529, ReasonTransient},
		{400, ReasonFatal},
	}
	for _, tc := range cases {
		err := NewProviderError("anthropic", "m", errors.New("something entirely different")).WithStatus(tc.status)
		if err.Reason != tc.want {
			t.Errorf("WithStatus(%d) reason = %s, want %s", tc.status, err.Reason, tc.want)
		}
	}
}

func TestProviderError_StatusKeepsOverflow(t *testing.T) {
	// Providers report overflow as a 400; the classification must not
	// be demoted to fatal.
	err := NewProviderError("openai", "m", errors.New("context_length_exceeded")).WithStatus(400)
	if err.Reason != ReasonContextOverflow {
		t.Errorf("reason = %s, want context_overflow", err.Reason)
	}
}

func TestProviderError_WithCode(t *testing.T) {
	cases := []struct {
		code string
		want ErrorReason
	}{
		{"rate_limit_error", ReasonRateLimit},
		{"context_length_exceeded", ReasonContextOverflow},
		{"authentication_error", ReasonAuth},
		{"overloaded_error", ReasonTransient},
		{"invalid_request_error", ReasonFatal},
	}
	for _, tc := range cases {
		err := NewProviderError("anthropic", "m", errors.New("x")).WithCode(tc.code)
		if err.Reason != tc.want {
			t.Errorf("WithCode(%s) reason = %s, want %s", tc.code, err.Reason, tc.want)
		}
	}
}

func TestReasonOf_UnwrapsChain(t *testing.T) {
	inner := &ProviderError{Reason: ReasonRateLimit, Provider: "anthropic"}
	wrapped := fmt.Errorf("call failed: %w", inner)
	if got := ReasonOf(wrapped); got != ReasonRateLimit {
		t.Errorf("ReasonOf(wrapped) = %s", got)
	}
	if got := ReasonOf(errors.New("service unavailable")); got != ReasonTransient {
		t.Errorf("ReasonOf(raw) = %s", got)
	}
}

func TestProviderError_ErrorString(t *testing.T) {
	err := &ProviderError{
		Reason:   ReasonRateLimit,
		Provider: "anthropic",
		Model:    "claude-sonnet-4-5",
		Status:   429,
		Message:  "slow down",
	}
	got := err.Error()
	for _, part := range []string{"[rate_limit]", "anthropic", "model=claude-sonnet-4-5", "status=429", "slow down"} {
		if !strings.Contains(got, part) {
			t.Errorf("Error() = %q missing %q", got, part)
		}
	}
}
