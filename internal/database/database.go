// Package database opens the postgres connection and bootstraps the schema.
package database

import (
	"bufio"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode"

	_ "github.com/lib/pq"
)

// NewDB connects using the explicit URL, falling back to DATABASE_URL from
// the environment or the nearest .env file.
func NewDB(url string) (*sql.DB, error) {
	if url == "" {
		var err error
		url, err = loadDatabaseURL()
		if err != nil {
			return nil, fmt.Errorf("failed to get database URL: %w", err)
		}
	}

	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("failed to open db: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping db: %w", err)
	}
	return db, nil
}

func loadDatabaseURL() (string, error) {
	if direct := strings.TrimSpace(os.Getenv("DATABASE_URL")); direct != "" {
		return direct, nil
	}

	wd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("get working directory: %w", err)
	}

	envPath, err := findEnvFile(wd)
	if err != nil {
		return "", err
	}

	file, err := os.Open(envPath)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", envPath, err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		eqIdx := strings.IndexRune(line, '=')
		if eqIdx <= 0 {
			continue
		}

		key := strings.TrimSpace(line[:eqIdx])
		if key != "DATABASE_URL" {
			continue
		}

		value := strings.TrimSpace(line[eqIdx+1:])
		value = strings.Trim(value, "\"'")
		value = strings.TrimFunc(value, unicode.IsSpace)
		if value == "" {
			return "", errors.New("DATABASE_URL is empty in .env")
		}
		return value, nil
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("read %s: %w", envPath, err)
	}

	return "", errors.New("DATABASE_URL not found in environment or .env")
}

func findEnvFile(start string) (string, error) {
	dir := start
	for {
		candidate := filepath.Join(dir, ".env")
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return "", errors.New("no .env file found")
}

// schema holds the application tables. River manages its own tables through
// its migration tooling.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS request_states (
		repo TEXT NOT NULL,
		number INTEGER NOT NULL,
		author TEXT NOT NULL DEFAULT '',
		classification TEXT,
		confidence DOUBLE PRECISION NOT NULL DEFAULT 0,
		provenance TEXT NOT NULL DEFAULT '',
		priority_score INTEGER,
		score_breakdown JSONB,
		status TEXT NOT NULL,
		last_revision TEXT NOT NULL DEFAULT '',
		version BIGINT NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (repo, number)
	)`,
	`CREATE TABLE IF NOT EXISTS webhook_deliveries (
		delivery_id TEXT PRIMARY KEY,
		received_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		repo TEXT NOT NULL,
		number INTEGER NOT NULL,
		reason TEXT NOT NULL,
		revision TEXT NOT NULL DEFAULT '',
		attempt INTEGER NOT NULL DEFAULT 0,
		not_before TIMESTAMPTZ NOT NULL,
		enqueued_at TIMESTAMPTZ NOT NULL,
		command JSONB
	)`,
	`CREATE TABLE IF NOT EXISTS maintainer_workload (
		author TEXT PRIMARY KEY,
		open_count INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS webhook_registry (
		id SERIAL PRIMARY KEY,
		repo TEXT NOT NULL UNIQUE,
		hook_id INTEGER NOT NULL,
		endpoint TEXT NOT NULL,
		installed_at TIMESTAMPTZ NOT NULL,
		verified_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_request_states_classification
		ON request_states (classification)`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_enqueued_at ON tasks (enqueued_at)`,
}

// EnsureSchema creates the application tables when they are missing.
func EnsureSchema(db *sql.DB) error {
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}
