package llm

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"forgecli/internal/domain"
	"forgecli/internal/infra/config"
)

// maxResponseBody is the maximum response body size we read from LLM APIs.
const maxResponseBody = 10 * 1024 * 1024 // 10 MB

// NewHTTPClient builds an *http.Client with the configured request timeout.
// Streaming requests rely on context cancellation instead, so the overall
// timeout only applies to the response headers.
func NewHTTPClient(cfg config.ProviderConfig) *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			ResponseHeaderTimeout: cfg.Timeout,
			MaxIdleConnsPerHost:   4,
		},
	}
}

// APIError is a non-200 HTTP response from the backend. It unwraps to the
// domain sentinel matching its status code so callers can use errors.Is.
type APIError struct {
	StatusCode int
	Body       string
	RetryAfter time.Duration // from the Retry-After header, 0 if absent
	sentinel   error
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error %d: %s", e.StatusCode, e.Body)
}

func (e *APIError) Unwrap() error { return e.sentinel }

// Retryable reports whether the status code is worth retrying.
func (e *APIError) Retryable() bool {
	switch e.StatusCode {
	case http.StatusRequestTimeout, http.StatusTooManyRequests,
		http.StatusInternalServerError, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

// newAPIError maps a status code + body into an APIError carrying the right
// domain sentinel and any server retry hint.
func newAPIError(resp *http.Response, body []byte) *APIError {
	e := &APIError{
		StatusCode: resp.StatusCode,
		Body:       string(body),
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		e.sentinel = domain.ErrRateLimit
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if secs, err := strconv.Atoi(ra); err == nil && secs >= 0 {
				e.RetryAfter = time.Duration(secs) * time.Second
			}
		}
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		e.sentinel = domain.ErrAuthInvalid
	case resp.StatusCode == http.StatusRequestEntityTooLarge:
		e.sentinel = domain.ErrContextOverflow
	default:
		e.sentinel = fmt.Errorf("http status %d", resp.StatusCode)
	}
	return e
}

// doJSONRequest performs a JSON POST request and returns the response body.
func doJSONRequest(ctx context.Context, client *http.Client, url string, body []byte, headers map[string]string) ([]byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		httpReq.Header.Set(k, v)
	}

	httpResp, err := client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if httpResp.StatusCode != http.StatusOK {
		return nil, newAPIError(httpResp, respBody)
	}

	return respBody, nil
}

// doStreamRequest performs a JSON POST request for SSE streaming.
// It returns the open *http.Response (caller must close Body).
func doStreamRequest(ctx context.Context, client *http.Client, url string, body []byte, headers map[string]string) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	for k, v := range headers {
		httpReq.Header.Set(k, v)
	}

	httpResp, err := client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}

	if httpResp.StatusCode != http.StatusOK {
		defer httpResp.Body.Close()
		respBody, _ := io.ReadAll(io.LimitReader(httpResp.Body, 4096))
		return nil, newAPIError(httpResp, respBody)
	}

	return httpResp, nil
}
