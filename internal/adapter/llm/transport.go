package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/trace"

	"forgecli/internal/domain"
	"forgecli/internal/infra/config"
	"forgecli/internal/infra/tracer"
)

// RetryPolicy bounds the transport's retry loop.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// RetryingTransport wraps one network call to the LLM backend with bounded
// exponential backoff and cancellation. It implements domain.Transport.
//
// Retry contract: network errors and retryable status codes (408, 429, 5xx)
// are retried; a 429 sleeps for the server's Retry-After value verbatim and
// does not advance the backoff schedule; authentication failures abort
// immediately. At most MaxAttempts network calls are made per operation, and
// zero calls if ctx is already cancelled at entry.
type RetryingTransport struct {
	name    string
	model   string
	apiKey  string
	baseURL string
	policy  RetryPolicy
	client  *http.Client
	logger  *slog.Logger
}

// NewRetryingTransport creates a transport for a chat-completions-compatible
// backend with the given retry policy.
func NewRetryingTransport(cfg config.ProviderConfig, rc config.RetryConfig, logger *slog.Logger) *RetryingTransport {
	return &RetryingTransport{
		name:    cfg.Name,
		model:   cfg.Model,
		apiKey:  cfg.APIKey,
		baseURL: cfg.BaseURL,
		policy: RetryPolicy{
			MaxAttempts: rc.MaxAttempts,
			BaseDelay:   rc.BaseDelay,
			MaxDelay:    rc.MaxDelay,
		},
		client: NewHTTPClient(cfg),
		logger: logger,
	}
}

// Complete implements domain.Completer with the retry contract.
func (t *RetryingTransport) Complete(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	ctx, span := tracer.StartSpan(ctx, "transport.complete",
		trace.WithAttributes(tracer.StringAttr("llm.model", req.Model)),
	)
	defer span.End()

	if req.Model == "" {
		req.Model = t.model
	}
	req.Stream = false

	body, err := json.Marshal(toWireRequest(req))
	if err != nil {
		tracer.RecordError(span, err)
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	var respBody []byte
	err = t.do(ctx, func(ctx context.Context) error {
		var attemptErr error
		respBody, attemptErr = doJSONRequest(ctx, t.client, t.baseURL+"/chat/completions", body, t.headers())
		return attemptErr
	})
	if err != nil {
		tracer.RecordError(span, err)
		return nil, err
	}

	var resp wireResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		tracer.RecordError(span, err)
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}

	result := fromWireResponse(resp)
	span.SetAttributes(tracer.IntAttr("llm.total_tokens", result.Usage.TotalTokens))
	tracer.SetOK(span)
	return result, nil
}

// StreamChat implements domain.ChatStreamer. The retry contract covers
// establishing the stream; once chunks are flowing, failures surface through
// channel closure and are not retried.
func (t *RetryingTransport) StreamChat(ctx context.Context, req domain.ChatRequest) (<-chan domain.ChatChunk, error) {
	if req.Model == "" {
		req.Model = t.model
	}
	req.Stream = true

	body, err := json.Marshal(toWireRequest(req))
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	var httpResp *http.Response
	err = t.do(ctx, func(ctx context.Context) error {
		var attemptErr error
		httpResp, attemptErr = doStreamRequest(ctx, t.client, t.baseURL+"/chat/completions", body, t.headers())
		return attemptErr
	})
	if err != nil {
		return nil, err
	}

	return parseSSEStream(ctx, httpResp.Body), nil
}

func (t *RetryingTransport) headers() map[string]string {
	h := map[string]string{}
	if t.apiKey != "" {
		h["Authorization"] = "Bearer " + t.apiKey
	}
	return h
}

// do runs op under the retry policy. Cancellation is checked before every
// attempt; an already-cancelled context fails fast without any network I/O.
func (t *RetryingTransport) do(ctx context.Context, op func(context.Context) error) error {
	var lastErr error
	backoffStep := 0

	for call := 0; call < t.policy.MaxAttempts; call++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := op(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		// Authentication failures are never retried.
		if errors.Is(err, domain.ErrAuthInvalid) {
			return err
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		var apiErr *APIError
		isAPI := errors.As(err, &apiErr)
		if isAPI && !apiErr.Retryable() {
			return err
		}

		// Final attempt consumed; exhaust.
		if call == t.policy.MaxAttempts-1 {
			break
		}

		var delay time.Duration
		if isAPI && apiErr.StatusCode == http.StatusTooManyRequests && apiErr.RetryAfter > 0 {
			// Server hint verbatim; does not advance the backoff schedule.
			delay = apiErr.RetryAfter
		} else {
			delay = t.backoff(backoffStep)
			backoffStep++
		}

		t.logger.Warn("retrying LLM call",
			"call", call+1,
			"max_attempts", t.policy.MaxAttempts,
			"delay", delay,
			"error", err,
		)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return fmt.Errorf("%w after %d attempts: %w", domain.ErrRetryExhausted, t.policy.MaxAttempts, lastErr)
}

// backoff computes the exponential delay for a given step: base doubled per
// step plus uniform jitter up to 30% of the computed value, capped at MaxDelay.
func (t *RetryingTransport) backoff(step int) time.Duration {
	delay := t.policy.BaseDelay << uint(step)
	if delay > t.policy.MaxDelay || delay <= 0 {
		delay = t.policy.MaxDelay
	}
	jitter := time.Duration(rand.Int63n(int64(delay)*3/10 + 1))
	return delay + jitter
}
