package http

import (
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mocksmith/mocksmith/internal/application"
	"github.com/mocksmith/mocksmith/internal/domain/ratelimit"
	"github.com/mocksmith/mocksmith/internal/domain/sanitize"
	"github.com/mocksmith/mocksmith/internal/domain/shape"
	"github.com/mocksmith/mocksmith/internal/infrastructure/config"
	"github.com/mocksmith/mocksmith/pkg/apperr"
)

// sseMode selects the streaming frame format.
type sseMode string

const (
	modeLlmTokens       sseMode = "LlmTokens"
	modeCompleteObjects sseMode = "CompleteObjects"
	modeArrayItems      sseMode = "ArrayItems"
)

// knobs are the per-request tuning parameters parsed from query
// parameters with header fallbacks.
type knobs struct {
	N             int
	RateSpec      ratelimit.Spec
	Strategy      ratelimit.Strategy
	SSEMode       sseMode
	Continuous    bool
	Interval      time.Duration
	MaxDuration   time.Duration
	IncludeSchema bool
}

// buildRequest reads the body, extracts the shape and all knobs, and
// assembles the pipeline request for the given mock path.
func buildRequest(c *gin.Context, path string, cfg *config.Config) (application.Request, knobs, error) {
	body, err := shape.ReadBody(c.Request, cfg.Ingress.MaxRequestSizeBytes)
	if err != nil {
		return application.Request{}, knobs{}, err
	}

	info := shape.Extract(c.Request, body, cfg.Cache.MaxCachePerKey)

	req := application.Request{
		Method:      c.Request.Method,
		Path:        path,
		Body:        sanitize.ForPrompt(string(body), 0),
		Shape:       info,
		Fingerprint: shape.FingerprintForRequest(c.Request.Method, path, info),

		ContextName:    c.Query("context"),
		Backend:        headerOrQuery(c, "X-LLM-Backend", "backend"),
		JourneySession: headerOrQuery(c, "X-Journey-Session", "journeySession"),
		AutoChunk:      c.Query("autoChunk") != "false",
	}
	if tools := c.Query("tools"); tools != "" {
		req.Tools = strings.Split(tools, ",")
	}
	if n, err := strconv.Atoi(c.Query("itemCount")); err == nil && n > 0 {
		req.ItemCount = n
	}

	k, err := parseKnobs(c, cfg)
	if err != nil {
		return application.Request{}, knobs{}, err
	}
	return req, k, nil
}

func parseKnobs(c *gin.Context, cfg *config.Config) (knobs, error) {
	k := knobs{
		N:             1,
		Strategy:      ratelimit.StrategyAuto,
		SSEMode:       sseMode(cfg.Streaming.DefaultMode),
		Interval:      time.Duration(cfg.Streaming.ContinuousIntervalMs) * time.Millisecond,
		MaxDuration:   time.Duration(cfg.Streaming.ContinuousMaxSeconds) * time.Second,
		IncludeSchema: c.Query("includeSchema") == "true",
		Continuous:    c.Query("continuous") == "true",
	}

	if raw := c.Query("n"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 100 {
			return k, badKnob("n", raw)
		}
		k.N = n
	}

	if raw := headerOrQuery(c, "X-Rate-Limit-Delay", "rateLimit"); raw != "" {
		spec, err := ratelimit.ParseSpec(raw)
		if err != nil {
			return k, badKnob("rateLimit", raw)
		}
		k.RateSpec = spec
	} else if cfg.RateLimit.Enabled {
		if spec, err := ratelimit.ParseSpec(cfg.RateLimit.DelayRange); err == nil {
			k.RateSpec = spec
		}
	}

	if raw := headerOrQuery(c, "X-Rate-Limit-Strategy", "strategy"); raw != "" {
		strategy, err := ratelimit.ParseStrategy(raw)
		if err != nil {
			return k, badKnob("strategy", raw)
		}
		k.Strategy = strategy
	}

	if raw := c.Query("sseMode"); raw != "" {
		switch sseMode(raw) {
		case modeLlmTokens, modeCompleteObjects, modeArrayItems:
			k.SSEMode = sseMode(raw)
		default:
			return k, badKnob("sseMode", raw)
		}
	}

	if raw := c.Query("interval"); raw != "" {
		ms, err := strconv.Atoi(raw)
		if err != nil || ms < 100 {
			return k, badKnob("interval", raw)
		}
		k.Interval = time.Duration(ms) * time.Millisecond
	}

	if raw := c.Query("maxDuration"); raw != "" {
		sec, err := strconv.Atoi(raw)
		if err != nil || sec < 0 {
			return k, badKnob("maxDuration", raw)
		}
		k.MaxDuration = time.Duration(sec) * time.Second
	}

	return k, nil
}

func badKnob(name, value string) error {
	return apperr.New(apperr.KindBadRequest, "invalid "+name+" parameter: "+value)
}

func headerOrQuery(c *gin.Context, header, query string) string {
	if v := c.Query(query); v != "" {
		return v
	}
	return c.GetHeader(header)
}
