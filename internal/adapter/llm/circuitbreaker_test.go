package llm

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"forgecli/internal/domain"
)

type stubTransport struct {
	err   error
	calls int
}

func (s *stubTransport) Complete(_ context.Context, _ domain.ChatRequest) (*domain.ChatResponse, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return &domain.ChatResponse{Message: domain.Message{Content: "ok"}}, nil
}

func (s *stubTransport) StreamChat(_ context.Context, _ domain.ChatRequest) (<-chan domain.ChatChunk, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	ch := make(chan domain.ChatChunk)
	close(ch)
	return ch, nil
}

func TestCircuitBreakerPassesThrough(t *testing.T) {
	inner := &stubTransport{}
	cb := NewCircuitBreakerTransport(inner, newTestLogger())

	resp, err := cb.Complete(context.Background(), domain.ChatRequest{})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Message.Content != "ok" {
		t.Errorf("content = %q", resp.Message.Content)
	}
}

func TestCircuitBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	inner := &stubTransport{err: fmt.Errorf("provider down")}
	cb := NewCircuitBreakerTransport(inner, newTestLogger())

	for i := 0; i < int(defaultCBMaxFailures); i++ {
		if _, err := cb.Complete(context.Background(), domain.ChatRequest{}); err == nil {
			t.Fatalf("call %d: expected provider error", i)
		}
	}
	if inner.calls != int(defaultCBMaxFailures) {
		t.Fatalf("calls = %d, want %d before the circuit opens", inner.calls, defaultCBMaxFailures)
	}

	// Open circuit fails fast as an exhausted-retry error, no backend call.
	_, err := cb.Complete(context.Background(), domain.ChatRequest{})
	if !errors.Is(err, domain.ErrRetryExhausted) {
		t.Errorf("err = %v, want retry exhaustion", err)
	}
	if inner.calls != int(defaultCBMaxFailures) {
		t.Errorf("calls = %d, backend must not be reached when open", inner.calls)
	}

	// Stream establishment is covered by the same breaker.
	if _, err := cb.StreamChat(context.Background(), domain.ChatRequest{}); !errors.Is(err, domain.ErrRetryExhausted) {
		t.Errorf("stream err = %v, want retry exhaustion", err)
	}
}

func TestCircuitBreakerIgnoresAuthFailures(t *testing.T) {
	inner := &stubTransport{err: domain.ErrAuthInvalid}
	cb := NewCircuitBreakerTransport(inner, newTestLogger())

	// Auth failures are permanent and must never open the circuit.
	for i := 0; i < int(defaultCBMaxFailures)+2; i++ {
		_, err := cb.Complete(context.Background(), domain.ChatRequest{})
		if !errors.Is(err, domain.ErrAuthInvalid) {
			t.Fatalf("call %d: err = %v, want auth error straight through", i, err)
		}
	}
	if inner.calls != int(defaultCBMaxFailures)+2 {
		t.Errorf("calls = %d, every call should reach the backend", inner.calls)
	}
}
