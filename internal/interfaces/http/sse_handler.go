package http

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mocksmith/mocksmith/internal/application"
	"github.com/mocksmith/mocksmith/internal/domain/chunk"
	"github.com/mocksmith/mocksmith/internal/domain/jsontree"
	"github.com/mocksmith/mocksmith/pkg/apperr"
	"github.com/mocksmith/mocksmith/pkg/safego"
)

func sseHeaders(c *gin.Context) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
}

// writeSSE emits one `data: <JSON>\n\n` frame and flushes.
func writeSSE(c *gin.Context, v any) bool {
	data, err := json.Marshal(v)
	if err != nil {
		return false
	}
	if _, err := fmt.Fprintf(c.Writer, "data: %s\n\n", data); err != nil {
		return false
	}
	c.Writer.Flush()
	return true
}

// handleStream serves the /stream/ subtree per the selected SSE mode.
func (h *MockHandler) handleStream(c *gin.Context, path string) {
	if path == "" {
		path = "/"
	}
	req, k, err := buildRequest(c, path, h.cfg)
	if err != nil {
		writeError(c, err)
		return
	}
	req.SkipDelay = true

	sseHeaders(c)

	if k.Continuous {
		h.streamContinuous(c, req, k)
		return
	}

	if ok := h.streamOnce(c, req, k, 0); !ok {
		return
	}
	writeSSE(c, gin.H{"done": true})
}

// streamOnce emits one pipeline run's events. batch is nonzero only in
// continuous mode. Returns false when the client went away or the
// upstream failed terminally.
func (h *MockHandler) streamOnce(c *gin.Context, req application.Request, k knobs, batch int) bool {
	switch k.SSEMode {
	case modeLlmTokens:
		return h.streamTokens(c, req, batch)
	case modeArrayItems:
		return h.streamObjects(c, req, batch, true)
	default:
		return h.streamObjects(c, req, batch, false)
	}
}

// streamTokens pipes raw LLM tokens as they arrive, pacing frames with
// the configured chunk delay.
func (h *MockHandler) streamTokens(c *gin.Context, req application.Request, batch int) bool {
	ctx := c.Request.Context()
	tokens := make(chan string, 32)
	done := make(chan error, 1)

	safego.Go(h.logger, "sse-tokens", func() {
		_, err := h.synth.SynthesizeStream(ctx, req, tokens)
		close(tokens)
		done <- err
	})

	var accumulated string
	for tok := range tokens {
		accumulated += tok
		frame := gin.H{"chunk": tok, "accumulated": accumulated, "done": false}
		if batch > 0 {
			frame["batch"] = batch
		}
		if !writeSSE(c, frame) {
			return false
		}
		h.chunkDelay(ctx)
		if ctx.Err() != nil {
			return false
		}
	}

	if err := <-done; err != nil {
		h.logError(c, err)
		writeSSE(c, gin.H{"error": string(apperr.KindOf(err)), "done": true})
		return false
	}
	return true
}

// streamObjects synthesizes the full body, then emits array elements
// (or the whole object) one frame at a time.
func (h *MockHandler) streamObjects(c *gin.Context, req application.Request, batch int, named bool) bool {
	ctx := c.Request.Context()
	resp, err := h.synth.Synthesize(ctx, req)
	if err != nil {
		h.logError(c, err)
		writeSSE(c, gin.H{"error": string(apperr.KindOf(err)), "done": true})
		return false
	}

	items, arrayName := splitItems(resp.Body, req.Shape.Shape)
	if named && arrayName == "" {
		writeSSE(c, gin.H{"error": string(apperr.KindBadRequest), "message": "shape does not name a top-level array", "done": true})
		return false
	}

	total := len(items)
	for i, item := range items {
		frame := gin.H{
			"data":  json.RawMessage(item),
			"index": i,
			"total": total,
			"done":  false,
		}
		if named {
			frame["arrayName"] = arrayName
			frame["hasMore"] = i < total-1
		}
		if batch > 0 {
			frame["batch"] = batch
		}
		if ctx.Err() != nil || !writeSSE(c, frame) {
			return false
		}
		h.chunkDelay(ctx)
	}
	return true
}

// streamContinuous reruns the pipeline on an interval until the client
// disconnects or the duration cap elapses. Each batch opens with an
// info event.
func (h *MockHandler) streamContinuous(c *gin.Context, req application.Request, k knobs) {
	ctx := c.Request.Context()
	if k.MaxDuration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, k.MaxDuration)
		defer cancel()
	}

	req.SkipCache = true // each batch must be fresh
	start := time.Now()
	ticker := time.NewTicker(k.Interval)
	defer ticker.Stop()

	for batch := 1; ; batch++ {
		if !writeSSE(c, gin.H{
			"info":    fmt.Sprintf("batch %d", batch),
			"batch":   batch,
			"elapsed": time.Since(start).Seconds(),
		}) {
			return
		}
		if !h.streamOnce(c, req, k, batch) {
			return
		}

		select {
		case <-ctx.Done():
			writeSSE(c, gin.H{"done": true, "batches": batch})
			return
		case <-ticker.C:
		}
	}
}

// streamFanout serves n>=N requests under the streaming strategy:
// results are emitted in completion order with their stagger delay.
func (h *MockHandler) streamFanout(c *gin.Context, req application.Request, k knobs) {
	sseHeaders(c)
	req.SkipDelay = true

	emitted := 0
	for r := range h.synth.FanoutStream(c.Request.Context(), req, k.N, k.RateSpec) {
		if r.Err != nil {
			h.logError(c, r.Err)
			writeSSE(c, gin.H{"error": string(apperr.KindOf(r.Err)), "index": r.Index, "done": false})
			continue
		}
		if !writeSSE(c, gin.H{
			"data":  json.RawMessage(r.Body),
			"index": r.Index,
			"delay": r.Delay.Milliseconds(),
			"done":  false,
		}) {
			return
		}
		emitted++
	}
	writeSSE(c, gin.H{"done": true, "total": emitted})
}

// chunkDelay sleeps the configured inter-frame pause.
func (h *MockHandler) chunkDelay(ctx context.Context) {
	min, max := h.cfg.Streaming.ChunkDelayMinMs, h.cfg.Streaming.ChunkDelayMaxMs
	if max <= 0 || max < min {
		return
	}
	d := min
	if max > min {
		d += rand.Intn(max - min + 1)
	}
	if d <= 0 {
		return
	}
	t := time.NewTimer(time.Duration(d) * time.Millisecond)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// splitItems breaks a synthesized body into streamable items: the
// elements of the shape's collection array when one exists, otherwise
// the whole document as a single item.
func splitItems(body, shapeStr string) (items []string, arrayName string) {
	arrayName, found := chunk.FindCollection(shapeStr)

	root, err := jsontree.Parse([]byte(body))
	if err != nil {
		return []string{body}, ""
	}

	arr := root
	if found && arrayName != "" {
		arr = nodeByPath(root, arrayName)
	}
	if arr == nil || arr.Kind() != jsontree.Arr {
		return []string{body}, ""
	}

	n := arr.Len()
	items = make([]string, 0, n)
	for i := 0; i < n; i++ {
		items = append(items, string(arr.Index(i).Encode()))
	}
	if len(items) == 0 {
		return []string{body}, ""
	}
	return items, arrayName
}

func nodeByPath(root *jsontree.Value, dotted string) *jsontree.Value {
	node := root
	for _, part := range splitDots(dotted) {
		node = node.Field(part)
	}
	return node
}

func splitDots(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '.' {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	return append(out, s[start:])
}
