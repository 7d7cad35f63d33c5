package http

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/mocksmith/mocksmith/internal/application"
	"github.com/mocksmith/mocksmith/internal/domain/ratelimit"
	"github.com/mocksmith/mocksmith/internal/domain/sanitize"
	"github.com/mocksmith/mocksmith/internal/domain/shape"
	"github.com/mocksmith/mocksmith/internal/infrastructure/config"
	"github.com/mocksmith/mocksmith/internal/interfaces/push"
	"github.com/mocksmith/mocksmith/pkg/apperr"
)

// MockHandler serves the synthesis surface: any path under the mock
// prefix becomes an LLM-backed endpoint.
type MockHandler struct {
	synth  *application.Synthesizer
	cfg    *config.Config
	ws     *push.Handler
	logger *zap.Logger
}

// NewMockHandler builds the catch-all handler.
func NewMockHandler(synth *application.Synthesizer, cfg *config.Config, logger *zap.Logger) *MockHandler {
	return &MockHandler{synth: synth, cfg: cfg, logger: logger}
}

// Handle dispatches one mock request: /stream/ paths go to SSE, the
// graphql endpoint gets envelope treatment, everything else is regular
// synthesis.
func (h *MockHandler) Handle(c *gin.Context) {
	path := c.Param("path")
	if path == "" {
		path = "/"
	}

	if path == "/ws" && h.ws != nil {
		h.ws.ServeWS(c.Writer, c.Request)
		return
	}
	if strings.HasPrefix(path, "/stream/") || path == "/stream" {
		h.handleStream(c, strings.TrimPrefix(path, "/stream"))
		return
	}
	if path == "/graphql" && c.Request.Method == http.MethodPost {
		h.handleGraphQL(c)
		return
	}
	h.handleRegular(c, path)
}

func (h *MockHandler) handleRegular(c *gin.Context, path string) {
	req, k, err := buildRequest(c, path, h.cfg)
	if err != nil {
		writeError(c, err)
		return
	}

	if k.N > 1 {
		h.handleFanout(c, req, k)
		return
	}

	resp, err := h.synth.Synthesize(c.Request.Context(), req)
	if err != nil {
		h.logError(c, err)
		writeError(c, err)
		return
	}

	if resp.AvgTime > 0 {
		c.Header("X-LLMApi-Avg-Time", fmt.Sprintf("%.0f", float64(resp.AvgTime.Milliseconds())))
	}
	body := resp.Body
	if k.IncludeSchema && req.Shape.HasShape() {
		body = wrapWithSchema(body, req.Shape.Shape)
	}
	c.Data(resp.Status, "application/json; charset=utf-8", []byte(body))
}

// handleFanout serves ?n= multi-response requests. The streaming
// strategy emits SSE frames in completion order; the others return a
// JSON array ordered by index.
func (h *MockHandler) handleFanout(c *gin.Context, req application.Request, k knobs) {
	if ratelimit.Pick(k.Strategy, k.N) == ratelimit.StrategyStreaming {
		h.streamFanout(c, req, k)
		return
	}

	results, err := h.synth.Fanout(c.Request.Context(), req, k.N, k.RateSpec, k.Strategy)
	if err != nil {
		h.logError(c, err)
		writeError(c, err)
		return
	}

	bodies := make([]json.RawMessage, len(results))
	for _, r := range results {
		if r.Err != nil {
			h.logError(c, r.Err)
			writeError(c, r.Err)
			return
		}
		bodies[r.Index] = json.RawMessage(r.Body)
	}
	c.JSON(http.StatusOK, bodies)
}

// handleGraphQL answers POST graphql bodies with the standard envelope.
// The query text doubles as the shape description.
func (h *MockHandler) handleGraphQL(c *gin.Context) {
	body, err := shape.ReadBody(c.Request, h.cfg.Ingress.MaxRequestSizeBytes)
	if err != nil {
		writeError(c, err)
		return
	}

	var gql struct {
		Query     string          `json:"query"`
		Variables json.RawMessage `json:"variables,omitempty"`
	}
	if err := json.Unmarshal(body, &gql); err != nil || strings.TrimSpace(gql.Query) == "" {
		c.JSON(http.StatusOK, gin.H{"errors": []gin.H{{"message": "request must carry a query"}}})
		return
	}

	info := shape.Extract(c.Request, body, h.cfg.Cache.MaxCachePerKey)
	req := application.Request{
		Method:      c.Request.Method,
		Path:        "/graphql",
		Body:        sanitize.ForPrompt(gql.Query, 0),
		Shape:       info,
		Fingerprint: shape.Fingerprint(c.Request.Method, "/graphql", sanitize.ForPrompt(gql.Query, 0)),
		ContextName: c.Query("context"),
		Backend:     headerOrQuery(c, "X-LLM-Backend", "backend"),
		AutoChunk:   true,
	}

	resp, err := h.synth.Synthesize(c.Request.Context(), req)
	if err != nil {
		h.logError(c, err)
		c.JSON(http.StatusOK, gin.H{"errors": []gin.H{
			{"message": apperr.Redact(string(apperr.KindOf(err)))},
		}})
		return
	}
	c.Data(http.StatusOK, "application/json; charset=utf-8",
		[]byte(`{"data":`+resp.Body+`}`))
}

func (h *MockHandler) logError(c *gin.Context, err error) {
	h.logger.Warn("synthesis failed",
		zap.String("method", c.Request.Method),
		zap.String("path", c.Request.URL.Path),
		zap.Error(err))
}

func wrapWithSchema(body, schema string) string {
	envelope := struct {
		Data   json.RawMessage `json:"data"`
		Schema string          `json:"schema"`
	}{Data: json.RawMessage(body), Schema: schema}
	out, err := json.Marshal(envelope)
	if err != nil {
		return body
	}
	return string(out)
}
