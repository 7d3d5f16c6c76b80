package tool

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"

	"forgecli/internal/domain"
)

type addParams struct {
	A int `json:"a"`
	B int `json:"b"`
}

func TestExecuteFormatsJSONValue(t *testing.T) {
	res, err := Execute(context.Background(), "tool.add", slog.Default(),
		json.RawMessage(`{"a":2,"b":3}`),
		func(ctx context.Context, span trace.Span, p addParams) (any, error) {
			return map[string]int{"sum": p.A + p.B}, nil
		})
	require.NoError(t, err)
	assert.False(t, res.IsError)
	assert.JSONEq(t, `{"sum":5}`, res.Content)
}

func TestExecutePassesStringThrough(t *testing.T) {
	res, err := Execute(context.Background(), "tool.str", slog.Default(),
		json.RawMessage(`{}`),
		func(ctx context.Context, span trace.Span, p struct{}) (any, error) {
			return "plain text", nil
		})
	require.NoError(t, err)
	assert.Equal(t, "plain text", res.Content)
}

func TestExecuteReturnsToolResultAsIs(t *testing.T) {
	custom := &domain.ToolResult{Content: "custom", Metadata: map[string]string{"k": "v"}}
	res, err := Execute(context.Background(), "tool.custom", slog.Default(),
		json.RawMessage(`{}`),
		func(ctx context.Context, span trace.Span, p struct{}) (any, error) {
			return custom, nil
		})
	require.NoError(t, err)
	assert.Same(t, custom, res)
}

func TestExecuteHandlerErrorInBand(t *testing.T) {
	res, err := Execute(context.Background(), "tool.fail", slog.Default(),
		json.RawMessage(`{}`),
		func(ctx context.Context, span trace.Span, p struct{}) (any, error) {
			return nil, errors.New("it broke")
		})
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Equal(t, "it broke", res.Content)
}

func TestExecuteMalformedParams(t *testing.T) {
	called := false
	res, err := Execute(context.Background(), "tool.add", slog.Default(),
		json.RawMessage(`{"a":"not a number"}`),
		func(ctx context.Context, span trace.Span, p addParams) (any, error) {
			called = true
			return nil, nil
		})
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, res.Content, "invalid params")
	assert.False(t, called)
}

func TestErrResult(t *testing.T) {
	res, err := ErrResult("bad value %d", 7)
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Equal(t, "bad value 7", res.Content)
}
