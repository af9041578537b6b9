package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/spherical/academic-illustrator/internal/architect"
	"github.com/spherical/academic-illustrator/internal/config"
	"github.com/spherical/academic-illustrator/internal/domain"
	"github.com/spherical/academic-illustrator/internal/intake"
	"github.com/spherical/academic-illustrator/internal/llm"
	"github.com/spherical/academic-illustrator/internal/observability"
	"github.com/spherical/academic-illustrator/internal/pdf"
	"github.com/spherical/academic-illustrator/internal/storage"
	"github.com/spherical/academic-illustrator/internal/workflow"
)

// app is everything one command invocation works with.
type app struct {
	cfg       *config.Config
	logger    *observability.Logger
	kv        domain.KVStore
	store     *workflow.Store
	persister *workflow.Persister
}

func newApp() (*app, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	level := cfg.Observability.LogLevel
	if verbose {
		level = "debug"
	}
	logger := observability.NewLogger(observability.LogConfig{
		Level:       level,
		Format:      cfg.Observability.LogFormat,
		ServiceName: "academic-illustrator",
	})

	kv, err := storage.Open(cfg.StorageOptions(), logger)
	if err != nil {
		return nil, err
	}

	store := workflow.NewStore(workflow.WithStoreLogger(logger))
	return &app{
		cfg:       cfg,
		logger:    logger,
		kv:        kv,
		store:     store,
		persister: workflow.NewPersister(store, kv, logger),
	}, nil
}

// coordinator builds the intake pipeline with a fitz-backed rasterizer.
func (a *app) coordinator(metrics *observability.IntakeMetrics) *intake.Coordinator {
	validator := pdf.NewValidator(a.logger)
	validator.Structural = a.cfg.Rasterizer.Structural
	engine := pdf.NewEngine(
		pdf.WithScale(a.cfg.Rasterizer.Scale),
		pdf.WithValidator(validator),
		pdf.WithLogger(a.logger),
	)
	return intake.NewCoordinator(engine, metrics, a.logger)
}

func (a *app) architect() *architect.Service {
	gen := a.cfg.Generation
	client := llm.NewClient(
		llm.WithTimeout(gen.Timeout),
		llm.WithRetry(&llm.RetryConfig{
			MaxRetries:     gen.MaxRetries,
			InitialBackoff: gen.InitialBackoff,
			MaxBackoff:     gen.MaxBackoff,
		}),
		llm.WithLogger(a.logger),
	)
	return architect.NewService(a.store, client, client, a.logger)
}

// seedAPIKeys fills empty stored API keys from the environment.
func (a *app) seedAPIKeys() {
	if key := a.cfg.Generation.LogicAPIKey; key != "" {
		if cfg := a.store.LogicConfig(); cfg.APIKey == "" {
			cfg.APIKey = key
			a.store.SetLogicConfig(cfg)
		}
	}
	if key := a.cfg.Generation.VisionAPIKey; key != "" {
		if cfg := a.store.VisionConfig(); cfg.APIKey == "" {
			cfg.APIKey = key
			a.store.SetVisionConfig(cfg)
		}
	}
}

// session hydrates the store, keeps the persister running while fn works
// and, when write is set, flushes the final state. A failed flush fails
// the command.
func (a *app) session(ctx context.Context, write bool, fn func(ctx context.Context) error) error {
	defer a.kv.Close()

	restored := a.persister.Hydrate(ctx)
	a.logger.Debug().Bool("restored", restored).Msg("Session started")

	runCtx, stop := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		return a.persister.Run(gctx)
	})

	if write {
		a.seedAPIKeys()
	}
	workErr := fn(ctx)

	stop()
	runErr := g.Wait()

	for pending := true; pending; {
		select {
		case err := <-a.persister.Errors():
			a.logger.Warn().Err(err).Msg("Background save failed")
		default:
			pending = false
		}
	}

	if !write {
		return workErr
	}
	if err := a.persister.Flush(context.WithoutCancel(ctx)); err != nil {
		return errors.Join(workErr, fmt.Errorf("save state: %w", err))
	}
	if runErr != nil {
		a.logger.Debug().Err(runErr).Msg("Final background save superseded by flush")
	}
	return workErr
}

// run wraps a command body in a session.
func run(write bool, fn func(ctx context.Context, a *app, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		return a.session(cmd.Context(), write, func(ctx context.Context) error {
			return fn(ctx, a, args)
		})
	}
}
