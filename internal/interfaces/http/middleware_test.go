package http

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/mocksmith/mocksmith/internal/infrastructure/config"
	"github.com/mocksmith/mocksmith/internal/infrastructure/llm"
	"github.com/mocksmith/mocksmith/pkg/apperr"
)

func corsRouter(cfg config.CORSConfig) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(corsMiddleware(cfg, zap.NewNop()))
	r.GET("/x", func(c *gin.Context) { c.Status(http.StatusOK) })
	return r
}

func TestCORS_Wildcard(t *testing.T) {
	r := corsRouter(config.CORSConfig{AllowedOrigins: []string{"*"}})
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("Origin", "https://app.example.com")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("allow-origin = %q", got)
	}
}

func TestCORS_WildcardBlocksCredentials(t *testing.T) {
	r := corsRouter(config.CORSConfig{AllowedOrigins: []string{"*"}, AllowCredentials: true})
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("Origin", "https://app.example.com")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Header().Get("Access-Control-Allow-Credentials") != "" {
		t.Fatal("credentials must be dropped with a wildcard origin")
	}
}

func TestCORS_ExplicitOriginWithCredentials(t *testing.T) {
	r := corsRouter(config.CORSConfig{
		AllowedOrigins:   []string{"https://app.example.com"},
		AllowCredentials: true,
	})
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("Origin", "https://app.example.com")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
		t.Fatalf("allow-origin = %q", got)
	}
	if w.Header().Get("Access-Control-Allow-Credentials") != "true" {
		t.Fatal("credentials header missing for explicit origin")
	}
}

func TestCORS_UnlistedOriginGetsNoHeader(t *testing.T) {
	r := corsRouter(config.CORSConfig{AllowedOrigins: []string{"https://app.example.com"}})
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Fatal("unlisted origin must not be allowed")
	}
}

func TestCORS_Preflight(t *testing.T) {
	r := corsRouter(config.CORSConfig{AllowedOrigins: []string{"*"}})
	req := httptest.NewRequest(http.MethodOptions, "/x", nil)
	req.Header.Set("Origin", "https://app.example.com")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Fatalf("preflight status = %d", w.Code)
	}
	if !strings.Contains(w.Header().Get("Access-Control-Allow-Methods"), "DELETE") {
		t.Fatalf("allow-methods = %q", w.Header().Get("Access-Control-Allow-Methods"))
	}
}

func TestWriteError_AllBackendsOpenSetsRetryAfter(t *testing.T) {
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)

	err := apperr.Wrap(apperr.KindUpstreamUnavailable, "no backend available",
		&llm.NoBackendError{RetryAfter: time.Now().Add(30 * time.Second)})
	writeError(c, err)

	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", w.Code)
	}
	secs, convErr := strconv.Atoi(w.Header().Get("Retry-After"))
	if convErr != nil || secs < 1 || secs > 31 {
		t.Fatalf("Retry-After = %q", w.Header().Get("Retry-After"))
	}
}

func TestBodyLimit(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(bodyLimit(16))
	r.POST("/x", func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest(http.MethodPost, "/x", strings.NewReader(strings.Repeat("a", 64)))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d", w.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/x", strings.NewReader("tiny"))
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("small body rejected: %d", w.Code)
	}
}
