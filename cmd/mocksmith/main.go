package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mocksmith/mocksmith/internal/application"
	"github.com/mocksmith/mocksmith/internal/domain/shape"
	"github.com/mocksmith/mocksmith/internal/infrastructure/config"
	"github.com/mocksmith/mocksmith/internal/infrastructure/logger"
	httpserver "github.com/mocksmith/mocksmith/internal/interfaces/http"
	"github.com/mocksmith/mocksmith/internal/interfaces/push"
)

const (
	appName    = "mocksmith"
	appVersion = "0.3.0"
)

func main() {
	var configPath string
	var watchConfig bool

	rootCmd := &cobra.Command{
		Use:   appName,
		Short: "LLM-backed mock API server",
		Long:  "mocksmith serves synthetic JSON for any endpoint by asking an LLM to invent a response matching the requested shape.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configPath, watchConfig)
		},
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.Flags().BoolVar(&watchConfig, "watch-config", false, "reload backends on config file change")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "start the mock server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configPath, watchConfig)
		},
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s v%s\n", appName, appVersion)
		},
	})

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runServe(configPath string, watchConfig bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, err := logger.New(logger.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		OutputPath: cfg.Log.OutputPath,
	})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer log.Sync()

	log.Info("Starting mocksmith",
		zap.String("version", appVersion),
		zap.Int("port", cfg.Server.Port),
		zap.Int("backends", len(cfg.Backends())))

	app, err := application.NewApp(cfg, log)
	if err != nil {
		return fmt.Errorf("init app: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	engine := push.NewEngine(ctx, pushGenerator(app),
		time.Duration(cfg.Push.IntervalMs)*time.Millisecond,
		cfg.Push.RunWhenIdle, log)

	mock := httpserver.NewMockHandler(app.Synthesizer(), cfg, log)
	mgmt := httpserver.NewManagementHandler(app.Contexts(), engine, app.Journeys(),
		app.Pool(), app.Stats(), app.Cache(), log)
	server := httpserver.NewServer(cfg, mock, mgmt, push.NewHandler(engine, log), log)

	app.StartSweepers(ctx, server.SweepIngress)

	if watchConfig && configPath != "" {
		if err := config.Watch(ctx, configPath, log, app.ApplyConfig); err != nil {
			log.Warn("config watch unavailable", zap.Error(err))
		}
	}

	if err := server.Start(ctx); err != nil {
		return fmt.Errorf("start server: %w", err)
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("Shutdown signal received")

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := server.Stop(shutdownCtx); err != nil {
		log.Warn("shutdown incomplete", zap.Error(err))
	}
	log.Info("Bye")
	return nil
}

// pushGenerator adapts the synthesis pipeline to the push engine's
// tick: every payload is produced fresh, never from the variant cache.
func pushGenerator(app *application.App) push.Generator {
	return func(ctx context.Context, spec push.Spec) (string, error) {
		synth := app.Synthesizer()
		resp, err := synth.Synthesize(ctx, application.Request{
			Method:      spec.Method,
			Path:        spec.Path,
			Body:        spec.Body,
			Shape:       shape.Info{Shape: spec.Shape, IsJSONSchema: spec.IsJSONSchema},
			Fingerprint: "push:" + spec.Name,
			ContextName: spec.Context,
			SkipCache:   true,
			SkipDelay:   true,
		})
		if err != nil {
			return "", err
		}
		return resp.Body, nil
	}
}
