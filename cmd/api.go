package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"github.com/prcopilot/internal/api"
	"github.com/prcopilot/internal/classify"
	"github.com/prcopilot/internal/config"
	"github.com/prcopilot/internal/database"
	"github.com/prcopilot/internal/jobqueue"
	"github.com/prcopilot/internal/llm"
	"github.com/prcopilot/internal/platform"
	"github.com/prcopilot/internal/signals"
	"github.com/prcopilot/internal/taskqueue"
	"github.com/prcopilot/internal/triage"
	"github.com/prcopilot/internal/worker"
)

// APICommand returns the CLI command for the long-running service: webhook
// intake, the worker pool, and the read API.
func APICommand() *cli.Command {
	return &cli.Command{
		Name:  "api",
		Usage: "Start the prcopilot service",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Port for the API server (overrides config)",
			},
		},
		Action: runAPI,
	}
}

func runAPI(c *cli.Context) error {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if port := c.Int("port"); port != 0 {
		cfg.Server.Port = port
	}

	db, err := database.NewDB(cfg.Database.URL)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer db.Close()
	if err := database.EnsureSchema(db); err != nil {
		return err
	}

	store := triage.NewPostgresStore(db)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	queue := taskqueue.New(store, taskqueue.DefaultConfig())
	defer queue.Close()
	if err := queue.Restore(ctx); err != nil {
		return fmt.Errorf("failed to restore queued tasks: %w", err)
	}

	client, err := newPlatformClient(cfg)
	if err != nil {
		return err
	}

	classifier, err := llm.New(cfg.LLM)
	if err != nil {
		return err
	}

	pool := worker.NewPool(
		queue,
		store,
		signals.NewExtractor(client),
		classify.NewEngine(classifier),
		client,
		platform.MapSuggester(cfg.Reviewers),
		worker.Options{
			Concurrency: cfg.Worker.Concurrency,
			TaskTimeout: cfg.Worker.TaskTimeout,
		},
	)
	go pool.Run(ctx)

	go pruneDeliveries(ctx, store)

	if cfg.Jobs.Endpoint != "" {
		jq, err := jobqueue.New(cfg.Database.URL, cfg.Jobs)
		if err != nil {
			return fmt.Errorf("failed to initialize job queue: %w", err)
		}
		if err := jq.Start(ctx); err != nil {
			return fmt.Errorf("failed to start job queue: %w", err)
		}
		defer func() {
			stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer stopCancel()
			if err := jq.Stop(stopCtx); err != nil {
				log.Warn().Err(err).Msg("stopping job queue failed")
			}
		}()
	}

	webhook := api.NewWebhookHandler(cfg.Server.WebhookSecret, cfg.Server.BotLogin, store, queue, client)
	server := api.NewServer(cfg.Server.Port, store, queue, webhook)
	return server.Start()
}

// pruneDeliveries drops delivery records past the dedup retention window.
func pruneDeliveries(ctx context.Context, store triage.Store) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := store.PruneDeliveries(ctx, time.Now().Add(-triage.DeliveryRetention))
			if err != nil {
				log.Error().Err(err).Msg("pruning delivery records failed")
				continue
			}
			if n > 0 {
				log.Debug().Int64("pruned", n).Msg("pruned old delivery records")
			}
		}
	}
}

// newPlatformClient builds the adapter the config selects.
func newPlatformClient(cfg *config.Config) (platform.Client, error) {
	switch cfg.Platform {
	case "gitlab":
		return newGitLabClient(cfg)
	default:
		return newGitHubClient(cfg)
	}
}
