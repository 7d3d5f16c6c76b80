package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"

	"forgecli/internal/domain"
)

// Default circuit breaker settings.
const (
	defaultCBMaxFailures uint32        = 5
	defaultCBTimeout     time.Duration = 30 * time.Second
	defaultCBInterval    time.Duration = 60 * time.Second
)

// CircuitBreakerTransport wraps a Transport with circuit breaker protection.
// When the wrapped transport fails repeatedly, the circuit opens and
// subsequent calls fail fast without reaching the backend, preventing retry
// storms on a persistently-down provider.
type CircuitBreakerTransport struct {
	inner   domain.Transport
	breaker *gobreaker.CircuitBreaker[*domain.ChatResponse]
	logger  *slog.Logger
}

// NewCircuitBreakerTransport wraps inner with a circuit breaker using default
// settings. Authentication failures do not count against the breaker: they are
// permanent and opening the circuit would mask the real error.
func NewCircuitBreakerTransport(inner domain.Transport, logger *slog.Logger) *CircuitBreakerTransport {
	cb := gobreaker.NewCircuitBreaker[*domain.ChatResponse](gobreaker.Settings{
		Name:        "llm-transport",
		MaxRequests: 1, // allow 1 probe in half-open state
		Interval:    defaultCBInterval,
		Timeout:     defaultCBTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= defaultCBMaxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, domain.ErrAuthInvalid)
		},
	})

	return &CircuitBreakerTransport{
		inner:   inner,
		breaker: cb,
		logger:  logger,
	}
}

// Complete implements domain.Completer through the breaker.
func (t *CircuitBreakerTransport) Complete(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	resp, err := t.breaker.Execute(func() (*domain.ChatResponse, error) {
		return t.inner.Complete(ctx, req)
	})
	if err != nil {
		return nil, wrapBreakerErr(err)
	}
	return resp, nil
}

// StreamChat implements domain.ChatStreamer. The breaker protects stream
// establishment; mid-stream failures surface through channel closure and do
// not trip the breaker.
func (t *CircuitBreakerTransport) StreamChat(ctx context.Context, req domain.ChatRequest) (<-chan domain.ChatChunk, error) {
	var ch <-chan domain.ChatChunk
	_, err := t.breaker.Execute(func() (*domain.ChatResponse, error) {
		var streamErr error
		ch, streamErr = t.inner.StreamChat(ctx, req)
		return nil, streamErr
	})
	if err != nil {
		return nil, wrapBreakerErr(err)
	}
	return ch, nil
}

func wrapBreakerErr(err error) error {
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return fmt.Errorf("%w: circuit open: %w", domain.ErrRetryExhausted, err)
	}
	return err
}
