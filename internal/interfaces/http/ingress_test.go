package http

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

func limiterRouter(limit int) (*gin.Engine, *ingressLimiter) {
	gin.SetMode(gin.TestMode)
	l := newIngressLimiter(limit)
	r := gin.New()
	r.Use(l.middleware())
	r.GET("/x", func(c *gin.Context) { c.Status(http.StatusOK) })
	return r, l
}

func TestIngress_FixedWindow(t *testing.T) {
	r, _ := limiterRouter(5)

	var last *httptest.ResponseRecorder
	for i := 0; i < 6; i++ {
		req := httptest.NewRequest(http.MethodGet, "/x", nil)
		req.Header.Set("X-Api-Key", "client-a")
		last = httptest.NewRecorder()
		r.ServeHTTP(last, req)
		if i < 5 && last.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d", i+1, last.Code)
		}
	}

	if last.Code != http.StatusTooManyRequests {
		t.Fatalf("6th request: status = %d", last.Code)
	}
	retry, err := strconv.Atoi(last.Header().Get("Retry-After"))
	if err != nil || retry < 1 || retry > 60 {
		t.Fatalf("Retry-After = %q", last.Header().Get("Retry-After"))
	}
	if last.Header().Get("X-RateLimit-Limit") != "5" {
		t.Fatalf("X-RateLimit-Limit = %q", last.Header().Get("X-RateLimit-Limit"))
	}
	if !strings.Contains(last.Body.String(), "Rate limit") {
		t.Fatalf("body = %s", last.Body)
	}
}

func TestIngress_PartitionsAreIndependent(t *testing.T) {
	r, _ := limiterRouter(1)

	for _, key := range []string{"a", "b"} {
		req := httptest.NewRequest(http.MethodGet, "/x", nil)
		req.Header.Set("X-Api-Key", key)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		if w.Code != http.StatusOK {
			t.Fatalf("partition %q blocked by sibling: %d", key, w.Code)
		}
	}
}

func TestIngress_PartitionPrecedence(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cases := []struct {
		apiKey, auth, fwd string
		want              string
	}{
		{"k1", "Bearer t", "1.2.3.4", "key:k1"},
		{"", "Bearer t", "1.2.3.4", "auth:Bearer t"},
		{"", "", "1.2.3.4, 5.6.7.8", "fwd:1.2.3.4"},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, "/x", nil)
		if tc.apiKey != "" {
			req.Header.Set("X-Api-Key", tc.apiKey)
		}
		if tc.auth != "" {
			req.Header.Set("Authorization", tc.auth)
		}
		if tc.fwd != "" {
			req.Header.Set("X-Forwarded-For", tc.fwd)
		}
		c, _ := gin.CreateTestContext(httptest.NewRecorder())
		c.Request = req
		if got := clientPartition(c); got != tc.want {
			t.Errorf("partition = %q, want %q", got, tc.want)
		}
	}
}

func TestIngress_WindowResets(t *testing.T) {
	l := newIngressLimiter(1)
	now := time.Now()

	if _, ok := l.allow("c", now); !ok {
		t.Fatal("first request blocked")
	}
	if _, ok := l.allow("c", now.Add(time.Second)); ok {
		t.Fatal("second request in window allowed")
	}
	if _, ok := l.allow("c", now.Add(61*time.Second)); !ok {
		t.Fatal("request after window rollover blocked")
	}
}

func TestIngress_Sweep(t *testing.T) {
	l := newIngressLimiter(10)
	now := time.Now()
	l.allow("stale", now)
	l.allow("fresh", now.Add(90*time.Second))

	if removed := l.sweep(now.Add(2 * time.Minute)); removed != 1 {
		t.Fatalf("swept %d partitions", removed)
	}
	l.mu.Lock()
	_, staleKept := l.window["stale"]
	_, freshKept := l.window["fresh"]
	l.mu.Unlock()
	if staleKept || !freshKept {
		t.Fatalf("stale=%v fresh=%v", staleKept, freshKept)
	}
}
