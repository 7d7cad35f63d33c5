package openai

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"go.uber.org/zap"

	llm "github.com/mocksmith/mocksmith/internal/infrastructure/llm"
)

// Idle timeout per Read on the SSE body. Some compatible servers never
// send [DONE]; termination is finish_reason first, idle timeout second,
// the per-call context deadline last.
const sseIdleTimeout = 60 * time.Second

type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
}

func (p *Provider) parseSSE(ctx context.Context, reader io.Reader, tokens chan<- string) (string, error) {
	tReader := &timedReader{r: reader, timeout: sseIdleTimeout}

	scanner := bufio.NewScanner(tReader)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var sb strings.Builder

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return sb.String(), llm.ClassifyTransport(p.name, ctx.Err())
		default:
		}

		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			break
		}

		var chunk streamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			p.logger.Debug("skip unparseable SSE chunk", zap.Error(err))
			continue
		}
		if len(chunk.Choices) == 0 {
			continue
		}

		choice := chunk.Choices[0]
		if choice.Delta.Content != "" {
			sb.WriteString(choice.Delta.Content)
			select {
			case tokens <- choice.Delta.Content:
			case <-ctx.Done():
				return sb.String(), llm.ClassifyTransport(p.name, ctx.Err())
			}
		}
		if choice.FinishReason != nil && *choice.FinishReason != "" {
			break
		}
	}

	if err := scanner.Err(); err != nil {
		if err == errIdleTimeout {
			if sb.Len() == 0 {
				return "", llm.ClassifyTransport(p.name,
					fmt.Errorf("stream stalled: no data for %v", sseIdleTimeout))
			}
			p.logger.Warn("SSE stream idle timeout, returning partial content",
				zap.Int("bytes", sb.Len()))
			return sb.String(), nil
		}
		if ctx.Err() != nil {
			return sb.String(), llm.ClassifyTransport(p.name, ctx.Err())
		}
		return sb.String(), llm.ClassifyTransport(p.name, err)
	}

	return sb.String(), nil
}

var errIdleTimeout = fmt.Errorf("sse read idle timeout")

// timedReader applies a per-Read deadline to the SSE body.
type timedReader struct {
	r       io.Reader
	timeout time.Duration
}

func (t *timedReader) Read(p []byte) (int, error) {
	type result struct {
		n   int
		err error
	}
	ch := make(chan result, 1)
	go func() {
		n, err := t.r.Read(p)
		ch <- result{n, err}
	}()

	select {
	case res := <-ch:
		return res.n, res.err
	case <-time.After(t.timeout):
		return 0, errIdleTimeout
	}
}
