// Package ollama is the wire codec for the native Ollama HTTP API
// (POST /api/generate with NDJSON streaming).
package ollama

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	llm "github.com/mocksmith/mocksmith/internal/infrastructure/llm"
)

func init() {
	llm.RegisterFactory("ollama", func(cfg llm.BackendConfig, logger *zap.Logger) llm.Provider {
		return New(cfg, logger)
	})
}

// Provider talks to a local or remote Ollama daemon.
type Provider struct {
	name    string
	baseURL string
	model   string
	client  *http.Client
	logger  *zap.Logger
}

// New creates an Ollama provider for one configured backend.
func New(cfg llm.BackendConfig, logger *zap.Logger) *Provider {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}

	return &Provider{
		name:    cfg.Name,
		baseURL: baseURL,
		model:   cfg.ModelName,
		client: &http.Client{
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   10 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				ResponseHeaderTimeout: 300 * time.Second,
				IdleConnTimeout:       90 * time.Second,
			},
		},
		logger: logger.With(zap.String("backend", cfg.Name), zap.String("codec", "ollama")),
	}
}

var _ llm.Provider = (*Provider)(nil)

func (p *Provider) Name() string { return p.name }

type options struct {
	Temperature float64 `json:"temperature,omitempty"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

type generateRequest struct {
	Model   string   `json:"model"`
	Prompt  string   `json:"prompt"`
	Stream  bool     `json:"stream"`
	Options *options `json:"options,omitempty"`
}

type generateChunk struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

func (p *Provider) newRequest(prompt string, opts llm.Options, stream bool) *generateRequest {
	req := &generateRequest{Model: p.model, Prompt: prompt, Stream: stream}
	if opts.Temperature != 0 || opts.MaxTokens != 0 {
		req.Options = &options{Temperature: opts.Temperature, NumPredict: opts.MaxTokens}
	}
	return req
}

func (p *Provider) do(ctx context.Context, req *generateRequest) (*http.Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, llm.ParseError(p.name, fmt.Errorf("marshal request: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return nil, llm.ParseError(p.name, fmt.Errorf("create request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, llm.ClassifyTransport(p.name, err)
	}
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, llm.ClassifyHTTP(p.name, resp.StatusCode,
			fmt.Errorf("ollama said: %s", strings.TrimSpace(string(respBody))))
	}
	return resp, nil
}

// Complete runs a non-streaming generation.
func (p *Provider) Complete(ctx context.Context, prompt string, opts llm.Options) (string, error) {
	resp, err := p.do(ctx, p.newRequest(prompt, opts, false))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var out generateChunk
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", llm.ParseError(p.name, fmt.Errorf("decode response: %w", err))
	}
	if out.Response == "" {
		return "", llm.ParseError(p.name, fmt.Errorf("empty response field"))
	}
	return out.Response, nil
}

// CompleteStream reads the NDJSON stream (one JSON object per line, done
// flag on the last), pushing each fragment into tokens.
func (p *Provider) CompleteStream(ctx context.Context, prompt string, opts llm.Options, tokens chan<- string) (string, error) {
	resp, err := p.do(ctx, p.newRequest(prompt, opts, true))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	streamDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			resp.Body.Close()
		case <-streamDone:
		}
	}()
	defer close(streamDone)

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var sb strings.Builder
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var chunk generateChunk
		if err := json.Unmarshal(line, &chunk); err != nil {
			p.logger.Debug("skip unparseable NDJSON line", zap.Error(err))
			continue
		}
		if chunk.Response != "" {
			sb.WriteString(chunk.Response)
			select {
			case tokens <- chunk.Response:
			case <-ctx.Done():
				return sb.String(), llm.ClassifyTransport(p.name, ctx.Err())
			}
		}
		if chunk.Done {
			break
		}
	}

	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return sb.String(), llm.ClassifyTransport(p.name, ctx.Err())
		}
		return sb.String(), llm.ClassifyTransport(p.name, err)
	}
	return sb.String(), nil
}
