// Package openai is the wire codec for OpenAI-compatible chat-completion
// backends. The same codec serves OpenAI itself, LM-Studio (identical
// endpoint shape, no auth) and Azure OpenAI (deployment URL, api-key
// header).
package openai

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/mocksmith/mocksmith/internal/domain/jsontree"
	llm "github.com/mocksmith/mocksmith/internal/infrastructure/llm"
)

const azureAPIVersion = "2024-06-01"

func init() {
	llm.RegisterFactory("openai", func(cfg llm.BackendConfig, logger *zap.Logger) llm.Provider {
		return New(cfg, flavorOpenAI, logger)
	})
	llm.RegisterFactory("lmstudio", func(cfg llm.BackendConfig, logger *zap.Logger) llm.Provider {
		return New(cfg, flavorLMStudio, logger)
	})
	llm.RegisterFactory("azure", func(cfg llm.BackendConfig, logger *zap.Logger) llm.Provider {
		return New(cfg, flavorAzure, logger)
	})
}

type flavor int

const (
	flavorOpenAI flavor = iota
	flavorLMStudio
	flavorAzure
)

// Provider is a Go-native client for the /chat/completions wire format.
type Provider struct {
	name    string
	baseURL string
	apiKey  string
	model   string
	flavor  flavor
	client  *http.Client
	logger  *zap.Logger
}

// New creates a provider for one configured backend.
func New(cfg llm.BackendConfig, fl flavor, logger *zap.Logger) *Provider {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		switch fl {
		case flavorLMStudio:
			baseURL = "http://localhost:1234/v1"
		case flavorOpenAI:
			baseURL = "https://api.openai.com/v1"
		}
	}

	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ResponseHeaderTimeout: 300 * time.Second,
		IdleConnTimeout:       90 * time.Second,
		MaxIdleConns:          10,
		MaxIdleConnsPerHost:   5,
		TLSClientConfig:       &tls.Config{MinVersion: tls.VersionTLS12},
	}

	return &Provider{
		name:    cfg.Name,
		baseURL: baseURL,
		apiKey:  cfg.APIKey,
		model:   cfg.ModelName,
		flavor:  fl,
		client:  &http.Client{Transport: transport},
		logger:  logger.With(zap.String("backend", cfg.Name), zap.String("codec", "openai")),
	}
}

var _ llm.Provider = (*Provider)(nil)
var _ llm.BatchCompleter = (*Provider)(nil)

func (p *Provider) Name() string { return p.name }

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type request struct {
	Model         string         `json:"model,omitempty"`
	Messages      []message      `json:"messages"`
	MaxTokens     int            `json:"max_tokens,omitempty"`
	Temperature   float64        `json:"temperature,omitempty"`
	N             int            `json:"n,omitempty"`
	Stream        bool           `json:"stream,omitempty"`
	StreamOptions map[string]any `json:"stream_options,omitempty"`
}

func (p *Provider) endpoint() string {
	if p.flavor == flavorAzure {
		return fmt.Sprintf("%s/openai/deployments/%s/chat/completions?api-version=%s",
			p.baseURL, url.PathEscape(p.model), azureAPIVersion)
	}
	return p.baseURL + "/chat/completions"
}

func (p *Provider) newRequest(prompt string, opts llm.Options, n int, stream bool) *request {
	req := &request{
		Messages:    []message{{Role: "user", Content: prompt}},
		MaxTokens:   opts.MaxTokens,
		Temperature: opts.Temperature,
	}
	if p.flavor != flavorAzure {
		// Azure addresses the model through the deployment path.
		req.Model = p.model
	}
	if n > 1 {
		req.N = n
	}
	if stream {
		req.Stream = true
		req.StreamOptions = map[string]any{"include_usage": true}
	}
	return req
}

func (p *Provider) do(ctx context.Context, req *request, accept string) (*http.Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, llm.ParseError(p.name, fmt.Errorf("marshal request: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint(), bytes.NewReader(body))
	if err != nil {
		return nil, llm.ParseError(p.name, fmt.Errorf("create request: %w", err))
	}

	httpReq.Header.Set("Content-Type", "application/json")
	if accept != "" {
		httpReq.Header.Set("Accept", accept)
	}
	if p.apiKey != "" {
		if p.flavor == flavorAzure {
			httpReq.Header.Set("api-key", p.apiKey)
		} else {
			httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
		}
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, llm.ClassifyTransport(p.name, err)
	}

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, llm.ClassifyHTTP(p.name, resp.StatusCode,
			fmt.Errorf("upstream said: %s", strings.TrimSpace(string(respBody))))
	}
	return resp, nil
}

// Complete sends a prompt and returns the first choice's content.
func (p *Provider) Complete(ctx context.Context, prompt string, opts llm.Options) (string, error) {
	out, err := p.complete(ctx, prompt, opts, 1)
	if err != nil {
		return "", err
	}
	return out[0], nil
}

// CompleteN uses the protocol's native n parameter to fetch n choices in
// one round trip.
func (p *Provider) CompleteN(ctx context.Context, prompt string, n int, opts llm.Options) ([]string, error) {
	return p.complete(ctx, prompt, opts, n)
}

func (p *Provider) complete(ctx context.Context, prompt string, opts llm.Options, n int) ([]string, error) {
	resp, err := p.do(ctx, p.newRequest(prompt, opts, n, false), "")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, llm.ClassifyTransport(p.name, err)
	}

	return p.extractChoices(respBody, n)
}

// extractChoices walks the envelope without a fixed struct: local servers
// behind the "compatible" endpoint vary in which fields they fill, so
// choices[0].message.content falls back to choices[0].text, then to a
// top-level content or response field.
func (p *Provider) extractChoices(body []byte, n int) ([]string, error) {
	root, err := jsontree.Parse(body)
	if err != nil {
		return nil, llm.ParseError(p.name, fmt.Errorf("envelope not JSON: %w", err))
	}

	choices := root.Field("choices")
	if choices.Kind() == jsontree.Arr && choices.Len() > 0 {
		out := make([]string, 0, choices.Len())
		for _, c := range choices.Elements() {
			if s := c.Field("message").Field("content").Str(); s != "" {
				out = append(out, s)
				continue
			}
			if s := c.Field("text").Str(); s != "" {
				out = append(out, s)
			}
		}
		if len(out) > 0 {
			return out, nil
		}
	}

	for _, field := range []string{"content", "response"} {
		if s := root.Field(field).Str(); s != "" {
			return []string{s}, nil
		}
	}

	return nil, llm.ParseError(p.name, fmt.Errorf("no content in envelope (%d bytes)", len(body)))
}

// CompleteStream streams deltas over SSE, pushing each text fragment into
// tokens and returning the accumulated content.
func (p *Provider) CompleteStream(ctx context.Context, prompt string, opts llm.Options, tokens chan<- string) (string, error) {
	resp, err := p.do(ctx, p.newRequest(prompt, opts, 1, true), "text/event-stream")
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	// Cancellation watchdog: unblock the scanner by closing the body.
	streamDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			resp.Body.Close()
		case <-streamDone:
		}
	}()

	out, err := p.parseSSE(ctx, resp.Body, tokens)
	close(streamDone)
	return out, err
}
