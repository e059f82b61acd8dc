package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/prcopilot/internal/config"
	"github.com/prcopilot/internal/jobqueue"
)

// HooksCommand manages intake-webhook installation on repositories through
// the background job queue.
func HooksCommand() *cli.Command {
	return &cli.Command{
		Name:  "hooks",
		Usage: "Manage intake webhooks on repositories",
		Subcommands: []*cli.Command{
			{
				Name:      "install",
				Usage:     "Queue webhook installation for a repository",
				ArgsUsage: "<owner/repo>",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "token",
						Usage: "Admin-scoped token for the repository (defaults to the platform token)",
					},
				},
				Action: runHookInstall,
			},
		},
	}
}

func runHookInstall(c *cli.Context) error {
	if c.NArg() != 1 {
		return fmt.Errorf("expected <owner/repo>")
	}
	repo := c.Args().Get(0)

	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Jobs.Endpoint == "" {
		return fmt.Errorf("jobs.endpoint must be set to the public webhook URL")
	}

	token := c.String("token")
	if token == "" {
		token = cfg.GitHub.Token
	}
	if token == "" {
		return fmt.Errorf("a repository admin token is required")
	}

	jq, err := jobqueue.New(cfg.Database.URL, cfg.Jobs)
	if err != nil {
		return fmt.Errorf("failed to initialize job queue: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := jq.EnqueueHookInstall(ctx, repo, token); err != nil {
		return err
	}
	fmt.Printf("Queued webhook installation for %s\n", repo)
	return nil
}
