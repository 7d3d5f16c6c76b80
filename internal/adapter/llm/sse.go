package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"

	"forgecli/internal/domain"
)

// parseSSEStream reads SSE-formatted lines from body and converts each data
// payload into a ChatChunk. The returned channel is closed when the stream
// ends, the body is closed, or ctx is cancelled.
func parseSSEStream(ctx context.Context, body io.ReadCloser) <-chan domain.ChatChunk {
	ch := make(chan domain.ChatChunk, 16)
	go func() {
		defer close(ch)
		defer body.Close()

		scanner := bufio.NewScanner(body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			select {
			case <-ctx.Done():
				return
			default:
			}

			line := scanner.Bytes()

			// Skip empty lines and comments.
			if len(line) == 0 || line[0] == ':' {
				continue
			}

			// We only care about "data: ..." lines.
			if !bytes.HasPrefix(line, []byte("data: ")) {
				continue
			}
			data := bytes.TrimPrefix(line, []byte("data: "))

			// Common termination signal.
			if bytes.Equal(data, []byte("[DONE]")) {
				return
			}

			var chunk domain.ChatChunk
			if err := json.Unmarshal(data, &chunk); err != nil {
				// Skip unparseable lines.
				continue
			}

			select {
			case ch <- chunk:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch
}
