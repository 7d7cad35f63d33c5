package application

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/mocksmith/mocksmith/internal/domain/journey"
	"github.com/mocksmith/mocksmith/internal/domain/tool"
	"github.com/mocksmith/mocksmith/internal/infrastructure/cache"
	"github.com/mocksmith/mocksmith/internal/infrastructure/config"
	"github.com/mocksmith/mocksmith/internal/infrastructure/contextstore"
	"github.com/mocksmith/mocksmith/internal/infrastructure/llm"
	_ "github.com/mocksmith/mocksmith/internal/infrastructure/llm/ollama" // register ollama provider factory
	_ "github.com/mocksmith/mocksmith/internal/infrastructure/llm/openai" // register openai-family provider factories
	"github.com/mocksmith/mocksmith/internal/infrastructure/stats"
	"github.com/mocksmith/mocksmith/pkg/safego"
)

// App is the dependency container: every process-wide singleton is
// built here and torn down together.
type App struct {
	config *config.Config
	logger *zap.Logger

	pool     *llm.Pool
	cache    *cache.Cache
	contexts *contextstore.Store
	stats    *stats.Recorder
	tools    *tool.Invoker
	journeys *journey.Manager

	synth *Synthesizer
}

// NewApp builds the container from configuration.
func NewApp(cfg *config.Config, logger *zap.Logger) (*App, error) {
	app := &App{config: cfg, logger: logger}

	pool := llm.NewPool(cfg.LLM.RetryPolicy(), cfg.LLM.Breaker, logger)
	if err := pool.Configure(cfg.Backends()); err != nil {
		return nil, fmt.Errorf("configure llm backends: %w", err)
	}
	app.pool = pool

	app.cache = cache.New(cfg.Cache.Config, logger)
	app.contexts = contextstore.New(contextstore.Config{
		Expiration:     time.Duration(cfg.Context.ExpirationMinutes) * time.Minute,
		MaxRecentCalls: cfg.Context.MaxRecentCalls,
		KeyPatterns:    cfg.Context.KeyPatterns,
		MaxValueLen:    cfg.Context.MaxValueLen,
		MaxPromptBytes: cfg.Context.MaxPromptBytes,
	}, logger)
	app.stats = stats.New(cfg.RateLimit.StatsWindowSize)
	app.tools = tool.NewInvoker(cfg.Tools, logger)

	app.journeys = journey.NewManager(logger)
	if path := cfg.Journeys.TemplatesPath; path != "" {
		if err := loadJourneyTemplates(app.journeys, path); err != nil {
			logger.Warn("journey templates not loaded", zap.String("path", path), zap.Error(err))
		}
	}

	app.synth = NewSynthesizer(cfg, pool, app.cache, app.contexts, app.stats,
		app.tools, app.journeys, logger)
	return app, nil
}

// Accessors for the interface layer.

func (a *App) Config() *config.Config { return a.config }
func (a *App) Synthesizer() *Synthesizer { return a.synth }
func (a *App) Pool() *llm.Pool { return a.pool }
func (a *App) Cache() *cache.Cache { return a.cache }
func (a *App) Contexts() *contextstore.Store { return a.contexts }
func (a *App) Stats() *stats.Recorder { return a.stats }
func (a *App) Journeys() *journey.Manager { return a.journeys }

// ApplyConfig swaps in a reloaded configuration. Backends are
// reconfigured in place so breaker state survives; sweep intervals and
// server wiring keep their startup values.
func (a *App) ApplyConfig(cfg *config.Config) {
	if err := a.pool.Configure(cfg.Backends()); err != nil {
		a.logger.Warn("backend reconfigure failed, keeping previous pool", zap.Error(err))
	} else {
		a.config = cfg
		a.synth.SetConfig(cfg)
		a.tools.Configure(cfg.Tools)
	}
}

// StartSweepers launches the background expiry loops. They run until
// ctx is canceled.
func (a *App) StartSweepers(ctx context.Context, ingressSweep func(time.Time) int) {
	safego.Loop(ctx, a.logger, "context-sweeper", time.Minute, func(now time.Time) {
		a.contexts.Sweep(now)
	})
	safego.Loop(ctx, a.logger, "cache-sweeper", time.Minute, func(now time.Time) {
		a.cache.Sweep(now)
	})
	safego.Loop(ctx, a.logger, "stats-sweeper", 5*time.Minute, func(now time.Time) {
		a.stats.Sweep(now, time.Hour)
	})
	safego.Loop(ctx, a.logger, "journey-sweeper", 5*time.Minute, func(now time.Time) {
		a.journeys.Sweep(now, time.Hour)
	})
	if ingressSweep != nil {
		safego.Loop(ctx, a.logger, "ingress-sweeper", 5*time.Minute, func(now time.Time) {
			ingressSweep(now)
		})
	}
}

func loadJourneyTemplates(m *journey.Manager, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	templates, err := journey.ParseTemplates(data)
	if err != nil {
		return err
	}
	return m.LoadTemplates(templates)
}
