// Package jobqueue runs background repository-onboarding jobs on River.
// Installing the intake webhook on a repository is slow and retryable, so it
// goes through a durable job rather than the request path.
package jobqueue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/rs/zerolog/log"
)

// Config tunes the job queue.
type Config struct {
	MaxWorkers  int           `koanf:"max_workers"`
	MaxAttempts int           `koanf:"max_attempts"`
	JobTimeout  time.Duration `koanf:"job_timeout"`

	// Endpoint is the public URL GitHub should deliver webhooks to,
	// e.g. "https://bot.example.com/webhooks/github".
	Endpoint string `koanf:"endpoint"`
	// Secret is the shared HMAC secret configured on installed hooks.
	Secret string `koanf:"secret"`
}

// DefaultConfig returns queue defaults.
func DefaultConfig() Config {
	return Config{
		MaxWorkers:  5,
		MaxAttempts: 10,
		JobTimeout:  2 * time.Minute,
	}
}

// HookInstallArgs asks for the intake webhook to be installed on one
// repository.
type HookInstallArgs struct {
	Repo  string `json:"repo"`  // full name, "owner/repo"
	Token string `json:"token"` // admin-scoped token for the repo
}

func (HookInstallArgs) Kind() string { return "hook_install" }

type repoHook struct {
	ID     int      `json:"id"`
	Events []string `json:"events"`
	Config struct {
		URL string `json:"url"`
	} `json:"config"`
}

type hookPayload struct {
	Name   string   `json:"name"`
	Active bool     `json:"active"`
	Events []string `json:"events"`
	Config struct {
		URL         string `json:"url"`
		ContentType string `json:"content_type"`
		Secret      string `json:"secret,omitempty"`
	} `json:"config"`
}

// HookInstallWorker installs or updates the intake webhook on a repository
// and records the result in webhook_registry.
type HookInstallWorker struct {
	river.WorkerDefaults[HookInstallArgs]
	pool       *pgxpool.Pool
	config     Config
	httpClient *http.Client
}

var hookEvents = []string{"pull_request", "issue_comment"}

func (w *HookInstallWorker) Timeout(*river.Job[HookInstallArgs]) time.Duration {
	return w.config.JobTimeout
}

func (w *HookInstallWorker) Work(ctx context.Context, job *river.Job[HookInstallArgs]) error {
	args := job.Args
	logger := log.With().Str("repo", args.Repo).Int("attempt", job.Attempt).Logger()

	hooks, err := w.listHooks(ctx, args)
	if err != nil {
		return fmt.Errorf("list hooks for %s: %w", args.Repo, err)
	}

	var existing *repoHook
	for i := range hooks {
		if hooks[i].Config.URL == w.config.Endpoint {
			existing = &hooks[i]
			break
		}
	}

	var hookID int
	if existing != nil {
		hookID = existing.ID
		if err := w.updateHook(ctx, args, existing.ID); err != nil {
			return fmt.Errorf("update hook %d on %s: %w", existing.ID, args.Repo, err)
		}
		logger.Info().Int("hook", existing.ID).Msg("refreshed intake webhook")
	} else {
		hookID, err = w.createHook(ctx, args)
		if err != nil {
			return fmt.Errorf("create hook on %s: %w", args.Repo, err)
		}
		logger.Info().Int("hook", hookID).Msg("installed intake webhook")
	}

	if err := w.recordInstallation(ctx, args.Repo, hookID); err != nil {
		// The hook is installed; a registry bookkeeping failure should
		// not make River reinstall it.
		logger.Warn().Err(err).Msg("recording webhook registry entry failed")
	}
	return nil
}

func (w *HookInstallWorker) request(ctx context.Context, args HookInstallArgs, method, path string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, "https://api.github.com"+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+args.Token)
	req.Header.Set("Accept", "application/vnd.github+json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("%s %s answered %d: %s", method, path, resp.StatusCode, raw)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (w *HookInstallWorker) listHooks(ctx context.Context, args HookInstallArgs) ([]repoHook, error) {
	var hooks []repoHook
	err := w.request(ctx, args, http.MethodGet, "/repos/"+args.Repo+"/hooks", nil, &hooks)
	return hooks, err
}

func (w *HookInstallWorker) payload() hookPayload {
	p := hookPayload{Name: "web", Active: true, Events: hookEvents}
	p.Config.URL = w.config.Endpoint
	p.Config.ContentType = "json"
	p.Config.Secret = w.config.Secret
	return p
}

func (w *HookInstallWorker) createHook(ctx context.Context, args HookInstallArgs) (int, error) {
	var created repoHook
	err := w.request(ctx, args, http.MethodPost, "/repos/"+args.Repo+"/hooks", w.payload(), &created)
	return created.ID, err
}

func (w *HookInstallWorker) updateHook(ctx context.Context, args HookInstallArgs, hookID int) error {
	path := fmt.Sprintf("/repos/%s/hooks/%d", args.Repo, hookID)
	return w.request(ctx, args, http.MethodPatch, path, w.payload(), nil)
}

func (w *HookInstallWorker) recordInstallation(ctx context.Context, repo string, hookID int) error {
	now := time.Now()
	var existingID int
	err := w.pool.QueryRow(ctx,
		`SELECT id FROM webhook_registry WHERE repo = $1`, repo).Scan(&existingID)
	switch {
	case err == pgx.ErrNoRows:
		_, err = w.pool.Exec(ctx, `
			INSERT INTO webhook_registry (repo, hook_id, endpoint, installed_at, verified_at)
			VALUES ($1, $2, $3, $4, $4)`,
			repo, hookID, w.config.Endpoint, now)
		return err
	case err != nil:
		return err
	default:
		_, err = w.pool.Exec(ctx, `
			UPDATE webhook_registry SET hook_id = $1, endpoint = $2, verified_at = $3 WHERE id = $4`,
			hookID, w.config.Endpoint, now, existingID)
		return err
	}
}

// JobQueue wraps the River client.
type JobQueue struct {
	client      *river.Client[pgx.Tx]
	pool        *pgxpool.Pool
	maxAttempts int
}

// New builds the queue on its own pgx pool.
func New(databaseURL string, config Config) (*JobQueue, error) {
	pool, err := pgxpool.New(context.Background(), databaseURL)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}

	workers := river.NewWorkers()
	river.AddWorker(workers, &HookInstallWorker{
		pool:       pool,
		config:     config,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	})

	client, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		Queues: map[string]river.QueueConfig{
			river.QueueDefault: {MaxWorkers: config.MaxWorkers},
		},
		Workers: workers,
	})
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("create river client: %w", err)
	}

	return &JobQueue{client: client, pool: pool, maxAttempts: config.MaxAttempts}, nil
}

func (jq *JobQueue) Start(ctx context.Context) error { return jq.client.Start(ctx) }

func (jq *JobQueue) Stop(ctx context.Context) error {
	defer jq.pool.Close()
	return jq.client.Stop(ctx)
}

// EnqueueHookInstall schedules webhook installation for a repository.
func (jq *JobQueue) EnqueueHookInstall(ctx context.Context, repo, token string) error {
	_, err := jq.client.Insert(ctx, HookInstallArgs{Repo: repo, Token: token},
		&river.InsertOpts{MaxAttempts: jq.maxAttempts})
	if err != nil {
		return fmt.Errorf("enqueue hook install for %s: %w", repo, err)
	}
	return nil
}
