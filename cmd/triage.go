package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/prcopilot/internal/classify"
	"github.com/prcopilot/internal/config"
	"github.com/prcopilot/internal/llm"
	"github.com/prcopilot/internal/score"
	"github.com/prcopilot/internal/signals"
	"github.com/prcopilot/internal/triage"
	"github.com/prcopilot/internal/worker"
)

// TriageCommand returns the one-shot analysis command: classify and score a
// single request from the terminal, without the service running.
func TriageCommand() *cli.Command {
	return &cli.Command{
		Name:      "triage",
		Usage:     "Analyze one pull or merge request",
		ArgsUsage: "<owner/repo> <number>",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "post",
				Usage: "Post the report as a comment instead of printing it",
			},
		},
		Action: runTriage,
	}
}

func runTriage(c *cli.Context) error {
	if c.NArg() != 2 {
		return fmt.Errorf("expected <owner/repo> <number>, got %d arguments", c.NArg())
	}
	var number int
	if _, err := fmt.Sscanf(c.Args().Get(1), "%d", &number); err != nil {
		return fmt.Errorf("invalid request number %q", c.Args().Get(1))
	}
	key := triage.ChangeRequestKey{Repo: c.Args().Get(0), Number: number}

	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	client, err := newPlatformClient(cfg)
	if err != nil {
		return err
	}
	classifier, err := llm.New(cfg.LLM)
	if err != nil {
		return err
	}
	engine := classify.NewEngine(classifier)
	extractor := signals.NewExtractor(client)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	sig, err := extractor.Extract(ctx, key, "")
	if err != nil {
		return fmt.Errorf("failed to gather signals for %s: %w", key, err)
	}

	result, err := engine.Classify(ctx, sig)
	if err != nil {
		return fmt.Errorf("classification failed for %s: %w", key, err)
	}
	total, breakdown := score.Score(sig, result.Category)

	report := &triage.Report{
		Key:             key,
		Classification:  result.Category,
		Confidence:      result.Confidence,
		Uncertain:       result.Uncertain(),
		Provenance:      result.Provenance,
		Score:           total,
		Breakdown:       breakdown,
		Reasoning:       result.Reasoning,
		SuggestedAction: result.SuggestedAction,
		GeneratedAt:     time.Now().UTC(),
	}

	body := worker.Render(report)
	if c.Bool("post") {
		if err := client.PostComment(ctx, key, body); err != nil {
			return fmt.Errorf("failed to post report on %s: %w", key, err)
		}
		fmt.Printf("Posted triage report on %s\n", key)
		return nil
	}

	fmt.Println(body)
	return nil
}
