// Package tool runs configured side-effect HTTP calls before response
// synthesis. A request opts in by naming tools; each call's outcome is
// summarized into the prompt so the generated body can reflect it.
// Failures never fail the request.
package tool

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	defaultTimeout = 10 * time.Second
	maxResultBody  = 8 * 1024
)

// Config declares one invokable tool.
type Config struct {
	Name    string            `json:"name" mapstructure:"name"`
	Method  string            `json:"method" mapstructure:"method"`
	URL     string            `json:"url" mapstructure:"url"`
	Headers map[string]string `json:"headers,omitempty" mapstructure:"headers"`
	Body    string            `json:"body,omitempty" mapstructure:"body"`
	Timeout time.Duration     `json:"timeout,omitempty" mapstructure:"timeout"`
}

// Result is the outcome of one tool call.
type Result struct {
	Name    string        `json:"name"`
	Status  int           `json:"status,omitempty"`
	Body    string        `json:"body,omitempty"`
	Err     string        `json:"error,omitempty"`
	Elapsed time.Duration `json:"-"`
}

// Invoker executes registered tools.
type Invoker struct {
	logger *zap.Logger
	client *http.Client

	mu    sync.RWMutex
	tools map[string]Config
}

// NewInvoker creates an invoker over the configured tools.
func NewInvoker(cfgs []Config, logger *zap.Logger) *Invoker {
	inv := &Invoker{
		logger: logger,
		client: &http.Client{},
		tools:  map[string]Config{},
	}
	inv.Configure(cfgs)
	return inv
}

// Configure replaces the tool registry.
func (inv *Invoker) Configure(cfgs []Config) {
	next := make(map[string]Config, len(cfgs))
	for _, c := range cfgs {
		if c.Name == "" || c.URL == "" {
			continue
		}
		if c.Method == "" {
			c.Method = http.MethodGet
		}
		if c.Timeout <= 0 {
			c.Timeout = defaultTimeout
		}
		next[c.Name] = c
	}

	inv.mu.Lock()
	inv.tools = next
	inv.mu.Unlock()
}

// Names lists registered tool names.
func (inv *Invoker) Names() []string {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	out := make([]string, 0, len(inv.tools))
	for name := range inv.tools {
		out = append(out, name)
	}
	return out
}

// Invoke runs the named tools sequentially. Unknown names and call
// failures become error results; the slice always has one entry per
// requested name.
func (inv *Invoker) Invoke(ctx context.Context, names []string) []Result {
	out := make([]Result, 0, len(names))
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}

		inv.mu.RLock()
		cfg, ok := inv.tools[name]
		inv.mu.RUnlock()
		if !ok {
			out = append(out, Result{Name: name, Err: "unknown tool"})
			continue
		}
		out = append(out, inv.call(ctx, cfg))
	}
	return out
}

func (inv *Invoker) call(ctx context.Context, cfg Config) Result {
	start := time.Now()
	res := Result{Name: cfg.Name}

	callCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	var body io.Reader
	if cfg.Body != "" {
		body = strings.NewReader(cfg.Body)
	}
	req, err := http.NewRequestWithContext(callCtx, cfg.Method, cfg.URL, body)
	if err != nil {
		res.Err = err.Error()
		return res
	}
	if cfg.Body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := inv.client.Do(req)
	if err != nil {
		res.Err = err.Error()
		res.Elapsed = time.Since(start)
		inv.logger.Warn("tool call failed",
			zap.String("tool", cfg.Name),
			zap.Error(err))
		return res
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResultBody))
	if err != nil {
		res.Err = err.Error()
	}
	res.Status = resp.StatusCode
	res.Body = string(data)
	res.Elapsed = time.Since(start)
	return res
}

// FormatForPrompt renders tool results as a compact block for prompt
// inclusion.
func FormatForPrompt(results []Result) string {
	if len(results) == 0 {
		return ""
	}
	var sb strings.Builder
	for _, r := range results {
		if r.Err != "" {
			fmt.Fprintf(&sb, "- %s: failed (%s)\n", r.Name, r.Err)
			continue
		}
		body := r.Body
		if len(body) > 500 {
			body = body[:500] + "..."
		}
		fmt.Fprintf(&sb, "- %s: HTTP %d %s\n", r.Name, r.Status, body)
	}
	return strings.TrimRight(sb.String(), "\n")
}
