// Package application wires the domain pieces into the request-to-response
// pipeline: shape in, prompt out, LLM call through the resilient pool,
// validated JSON back, context recorded, timing simulated.
package application

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/mocksmith/mocksmith/internal/domain/chunk"
	"github.com/mocksmith/mocksmith/internal/domain/journey"
	"github.com/mocksmith/mocksmith/internal/domain/jsontree"
	"github.com/mocksmith/mocksmith/internal/domain/prompt"
	"github.com/mocksmith/mocksmith/internal/domain/ratelimit"
	"github.com/mocksmith/mocksmith/internal/domain/shape"
	"github.com/mocksmith/mocksmith/internal/domain/tool"
	"github.com/mocksmith/mocksmith/internal/infrastructure/cache"
	"github.com/mocksmith/mocksmith/internal/infrastructure/config"
	"github.com/mocksmith/mocksmith/internal/infrastructure/contextstore"
	"github.com/mocksmith/mocksmith/internal/infrastructure/llm"
	"github.com/mocksmith/mocksmith/internal/infrastructure/stats"
	"github.com/mocksmith/mocksmith/pkg/apperr"
)

// Request carries one synthesis task through the pipeline.
type Request struct {
	Method string
	Path   string
	Body   string // synthetic JSON body, may be empty

	Shape       shape.Info
	Fingerprint string

	ContextName    string
	Backend        string // pinned backend name, "" = pool's choice
	JourneySession string
	Tools          []string

	ItemCount int  // requested collection size, 0 = config default
	AutoChunk bool // false disables chunk planning
	SkipCache bool // push channels and continuous streams want freshness
	SkipDelay bool // streaming paths pace themselves
}

// Response is the synthesized result.
type Response struct {
	Status   int
	Body     string
	CacheHit bool
	AvgTime  time.Duration // moving average for this fingerprint
}

// Synthesizer runs the pipeline. One instance serves all handlers.
type Synthesizer struct {
	logger   *zap.Logger
	cfg      *config.Config
	pool     *llm.Pool
	cache    *cache.Cache
	contexts *contextstore.Store
	stats    *stats.Recorder
	prompts  *prompt.Builder
	tools    *tool.Invoker
	journeys *journey.Manager
}

// NewSynthesizer assembles the pipeline from its long-lived parts.
func NewSynthesizer(
	cfg *config.Config,
	pool *llm.Pool,
	store *cache.Cache,
	contexts *contextstore.Store,
	recorder *stats.Recorder,
	invoker *tool.Invoker,
	journeys *journey.Manager,
	logger *zap.Logger,
) *Synthesizer {
	return &Synthesizer{
		logger:   logger.With(zap.String("component", "synthesizer")),
		cfg:      cfg,
		pool:     pool,
		cache:    store,
		contexts: contexts,
		stats:    recorder,
		prompts:  prompt.New(0),
		tools:    invoker,
		journeys: journeys,
	}
}

// SetConfig swaps the configuration on hot reload.
func (s *Synthesizer) SetConfig(cfg *config.Config) { s.cfg = cfg }

// Synthesize runs the full non-streaming pipeline.
func (s *Synthesizer) Synthesize(ctx context.Context, req Request) (Response, error) {
	if !req.SkipDelay {
		if err := s.preDelay(ctx); err != nil {
			return Response{}, err
		}
	}

	// Simulated errors are produced verbatim and never cached: the hint
	// describes a failure, not a reusable payload.
	if ec := req.Shape.ErrorConfig; ec != nil {
		return Response{Status: ec.Status, Body: string(ec.Body())}, nil
	}

	in := s.promptInput(ctx, req)

	var body string
	var hit bool
	var err error
	if req.SkipCache {
		body, err = s.produceOne(ctx, req, in)
	} else {
		body, hit, err = s.cache.Acquire(ctx, req.Fingerprint, s.capacity(req),
			func(pctx context.Context, n int) ([]string, error) {
				return s.produce(pctx, req, in, n)
			})
	}
	if err != nil {
		return Response{}, s.mapError(err)
	}

	if req.ContextName != "" {
		s.contexts.Record(req.ContextName, req.Method, req.Path, req.Body, body)
	}

	if !req.SkipDelay {
		if err := s.rateDelay(ctx, req.Fingerprint); err != nil {
			return Response{}, err
		}
	}

	return Response{
		Status:   200,
		Body:     body,
		CacheHit: hit,
		AvgTime:  s.stats.Avg(req.Fingerprint),
	}, nil
}

// SynthesizeStream runs the pipeline once in streaming mode, pushing raw
// token fragments into tokens as they arrive. The variant cache is
// bypassed; a stream is fresh by definition.
func (s *Synthesizer) SynthesizeStream(ctx context.Context, req Request, tokens chan<- string) (string, error) {
	if ec := req.Shape.ErrorConfig; ec != nil {
		return "", apperr.New(apperr.KindBadRequest, "simulated errors cannot stream tokens")
	}

	in := s.promptInput(ctx, req)
	p := s.prompts.Build(in)

	callCtx, cancel := context.WithTimeout(ctx, s.cfg.LLM.Timeout())
	defer cancel()

	start := time.Now()
	out, err := s.pool.CompleteStream(callCtx, p, llm.Options{}, req.Backend, tokens)
	if err != nil {
		return "", s.mapError(err)
	}
	s.stats.Record(req.Fingerprint, time.Since(start))

	if req.ContextName != "" {
		s.contexts.Record(req.ContextName, req.Method, req.Path, req.Body, out)
	}
	return out, nil
}

// Fanout produces n responses under the given strategy. Results carry
// their stagger delays; for the streaming strategy the channel variant
// below applies.
func (s *Synthesizer) Fanout(ctx context.Context, req Request, n int, spec ratelimit.Spec, strategy ratelimit.Strategy) ([]ratelimit.Result, error) {
	delay := s.delayFunc(spec, req.Fingerprint)
	call := s.fanoutCall(req)

	switch ratelimit.Pick(strategy, n) {
	case ratelimit.StrategyParallel:
		return ratelimit.RunParallel(ctx, n, delay, call)
	default:
		return ratelimit.RunSequential(ctx, n, delay, call)
	}
}

// FanoutStream produces n responses emitted in completion order.
func (s *Synthesizer) FanoutStream(ctx context.Context, req Request, n int, spec ratelimit.Spec) <-chan ratelimit.Result {
	return ratelimit.RunStreamed(ctx, n, s.delayFunc(spec, req.Fingerprint), s.fanoutCall(req))
}

func (s *Synthesizer) fanoutCall(req Request) ratelimit.Call {
	return func(ctx context.Context, i int) (string, error) {
		r := req
		r.SkipDelay = true
		if i > 0 {
			r.SkipCache = true // variants beyond the first must differ
		}
		resp, err := s.Synthesize(ctx, r)
		if err != nil {
			return "", err
		}
		return resp.Body, nil
	}
}

func (s *Synthesizer) delayFunc(spec ratelimit.Spec, fingerprint string) ratelimit.DelayFunc {
	return func() time.Duration {
		if !s.cfg.RateLimit.Enabled {
			return 0
		}
		return spec.Delay(s.stats.Avg(fingerprint))
	}
}

// promptInput gathers the per-request prompt fields: context block,
// journey hint, and tool side-effect results.
func (s *Synthesizer) promptInput(ctx context.Context, req Request) prompt.Input {
	in := prompt.Input{
		Method:       req.Method,
		Path:         req.Path,
		Body:         req.Body,
		Shape:        req.Shape.Shape,
		IsJSONSchema: req.Shape.IsJSONSchema,
		ItemCount:    req.ItemCount,
	}

	if req.ContextName != "" {
		in.ContextBlock = s.contexts.FormatForPrompt(req.ContextName)
	}

	if req.JourneySession != "" {
		if inst, ok := s.journeys.Get(req.JourneySession); ok {
			in.JourneyHint = inst.Hint()
		}
	}

	if len(req.Tools) > 0 {
		results := s.tools.Invoke(ctx, req.Tools)
		in.ToolResults = tool.FormatForPrompt(results)
	}
	return in
}

// produce generates n validated JSON bodies, chunking oversized
// collection requests into sequential continuation calls.
func (s *Synthesizer) produce(ctx context.Context, req Request, in prompt.Input, n int) ([]string, error) {
	plan := s.plan(req, in)

	if !plan.Chunked() && n > 1 {
		return s.produceBatch(ctx, req, in, n)
	}

	out := make([]string, 0, n)
	for i := 0; i < n; i++ {
		body, err := s.produceChunked(ctx, req, in, plan)
		if err != nil {
			return out, err
		}
		out = append(out, body)
	}
	return out, nil
}

func (s *Synthesizer) produceOne(ctx context.Context, req Request, in prompt.Input) (string, error) {
	return s.produceChunked(ctx, req, in, s.plan(req, in))
}

func (s *Synthesizer) plan(req Request, in prompt.Input) chunk.Plan {
	count := req.ItemCount
	if count <= 0 {
		count = s.cfg.Chunking.DefaultItemCount
	}
	if !s.cfg.Chunking.Enabled || !req.AutoChunk || !req.Shape.HasShape() {
		return chunk.Plan{Total: count, Counts: []int{count}}
	}
	promptTokens := llm.CountTokens(s.prompts.Build(in))
	return chunk.Build(req.Shape.Shape, count, promptTokens, s.pool.ContextWindow(), llm.CountTokens)
}

// produceChunked issues one LLM call per chunk and merges the pieces.
// Single-chunk plans collapse to one call.
func (s *Synthesizer) produceChunked(ctx context.Context, req Request, in prompt.Input, plan chunk.Plan) (string, error) {
	bodies := make([]string, 0, len(plan.Counts))
	var priorNote string

	for i, count := range plan.Counts {
		chunkIn := in
		chunkIn.ItemCount = count
		if plan.Chunked() {
			chunkIn.ChunkIndex = i + 1
			chunkIn.ChunkTotal = len(plan.Counts)
			chunkIn.PriorChunkNote = priorNote
		}

		body, err := s.completeValidated(ctx, s.prompts.Build(chunkIn), req)
		if err != nil {
			return "", err
		}
		bodies = append(bodies, body)
		priorNote = chunkNote(body, plan.ArrayPath)
	}

	if !plan.Chunked() {
		return bodies[0], nil
	}
	merged, err := chunk.Merge(plan, bodies)
	if err != nil {
		return "", apperr.Wrap(apperr.KindUpstreamInvalidOutput, "chunk merge failed", err)
	}
	return merged, nil
}

// produceBatch asks one backend for n variants in a single call,
// regenerating any invalid ones individually.
func (s *Synthesizer) produceBatch(ctx context.Context, req Request, in prompt.Input, n int) ([]string, error) {
	callCtx, cancel := context.WithTimeout(ctx, s.cfg.LLM.Timeout())
	defer cancel()

	start := time.Now()
	raw, err := s.pool.CompleteN(callCtx, s.prompts.Build(in), n, llm.Options{}, req.Backend)
	if err != nil {
		return nil, err
	}
	s.stats.Record(req.Fingerprint, time.Since(start))

	out := make([]string, 0, n)
	for _, r := range raw {
		body, ok := cleanJSON(r)
		if !ok {
			var rerr error
			body, rerr = s.completeValidated(ctx, s.prompts.Build(in), req)
			if rerr != nil {
				return out, rerr
			}
		}
		out = append(out, body)
	}
	return out, nil
}

// completeValidated calls the pool and insists on valid JSON. The
// initial call plus up to MaxRetryAttempts regenerations are spent on
// garbage output before giving up.
func (s *Synthesizer) completeValidated(ctx context.Context, p string, req Request) (string, error) {
	attempts := s.cfg.LLM.MaxRetryAttempts + 1
	if attempts < 1 {
		attempts = 1
	}

	var lastBody string
	for attempt := 1; attempt <= attempts; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, s.cfg.LLM.Timeout())
		start := time.Now()
		out, err := s.pool.Complete(callCtx, p, llm.Options{}, req.Backend)
		cancel()
		if err != nil {
			return "", err
		}
		s.stats.Record(req.Fingerprint, time.Since(start))

		if body, ok := cleanJSON(out); ok {
			return body, nil
		}
		lastBody = out
		s.logger.Warn("upstream returned non-JSON output, regenerating",
			zap.String("fingerprint", req.Fingerprint),
			zap.Int("attempt", attempt))
	}

	return "", apperr.New(apperr.KindUpstreamInvalidOutput,
		fmt.Sprintf("upstream produced invalid JSON after %d attempts (%d bytes)", attempts, len(lastBody)))
}

func (s *Synthesizer) preDelay(ctx context.Context) error {
	min, max := s.cfg.RateLimit.RequestDelayMin, s.cfg.RateLimit.RequestDelayMax
	if max <= 0 || max < min {
		return nil
	}
	d := time.Duration(min) * time.Millisecond
	if max > min {
		d += time.Duration(rand.Int63n(int64(max-min+1))) * time.Millisecond
	}
	return sleep(ctx, d)
}

func (s *Synthesizer) rateDelay(ctx context.Context, fingerprint string) error {
	if !s.cfg.RateLimit.Enabled {
		return nil
	}
	spec, err := ratelimit.ParseSpec(s.cfg.RateLimit.DelayRange)
	if err != nil {
		return nil // bad config is validated at load; never fail a request on it
	}
	return sleep(ctx, spec.Delay(s.stats.Avg(fingerprint)))
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (s *Synthesizer) capacity(req Request) int {
	n := req.Shape.CacheCount
	if n == 0 {
		n = s.cfg.Cache.DefaultCacheCount
	}
	if max := s.cfg.Cache.MaxCachePerKey; n > max {
		n = max
	}
	return n
}

// mapError converts pool and validation failures to the error kinds the
// HTTP layer renders.
func (s *Synthesizer) mapError(err error) error {
	var ae *apperr.Error
	if errors.As(err, &ae) {
		return err
	}

	var nb *llm.NoBackendError
	if errors.As(err, &nb) {
		return apperr.Wrap(apperr.KindUpstreamUnavailable, "no backend available", err)
	}

	var pe *llm.ProviderError
	if errors.As(err, &pe) {
		switch pe.Kind {
		case llm.FailTimeout:
			return apperr.Wrap(apperr.KindUpstreamTimeout, "upstream deadline exceeded", err)
		case llm.FailCanceled:
			return err
		default:
			return apperr.Wrap(apperr.KindUpstreamUnavailable, "upstream call failed", err)
		}
	}
	return err
}

// chunkNote summarizes a produced chunk for the next chunk's prompt: the
// identifier values already used, so continuations do not repeat them.
func chunkNote(body, arrayPath string) string {
	root, err := jsontree.Parse([]byte(body))
	if err != nil {
		return ""
	}
	var ids []string
	root.Walk(func(path string, node *jsontree.Value) {
		if len(ids) >= 20 {
			return
		}
		if strings.HasSuffix(path, "id") || strings.HasSuffix(path, "Id") {
			if v := node.Scalar(); v != "" {
				ids = append(ids, v)
			}
		}
	})
	if len(ids) == 0 {
		return ""
	}
	return "ids already used: " + strings.Join(ids, ", ")
}

// cleanJSON trims prose and code fences off a model response and reports
// whether a syntactically valid JSON document remains.
func cleanJSON(s string) (string, bool) {
	t := strings.TrimSpace(s)
	if strings.HasPrefix(t, "```") {
		if i := strings.Index(t, "\n"); i >= 0 {
			t = t[i+1:]
		}
		if i := strings.LastIndex(t, "```"); i >= 0 {
			t = t[:i]
		}
		t = strings.TrimSpace(t)
	}

	if !jsontree.Valid([]byte(t)) {
		// Prose wrapping: cut to the outermost brace/bracket pair.
		start := strings.IndexAny(t, "{[")
		end := strings.LastIndexAny(t, "}]")
		if start < 0 || end <= start {
			return "", false
		}
		t = t[start : end+1]
		if !jsontree.Valid([]byte(t)) {
			return "", false
		}
	}
	return t, true
}
