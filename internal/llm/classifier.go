// Package llm implements the LLM classification collaborator on langchaingo,
// wrapped with timeouts, retries, and JSON repair so a flaky model endpoint
// degrades into the task retry policy instead of corrupt state.
package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/kaptinlin/jsonrepair"
	"github.com/rs/zerolog/log"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/prcopilot/internal/classify"
	"github.com/prcopilot/internal/retry"
	"github.com/prcopilot/internal/triage"
)

// Config for the LLM classifier.
type Config struct {
	APIKey      string        `koanf:"api_key"`
	Model       string        `koanf:"model"`
	BaseURL     string        `koanf:"base_url"`
	Temperature float64       `koanf:"temperature"`
	Timeout     time.Duration `koanf:"timeout"`
}

// DefaultConfig mirrors the hosted defaults: a small fast model and a low
// temperature for consistent structured answers.
func DefaultConfig() Config {
	return Config{
		Model:       "gpt-4o-mini",
		Temperature: 0.1,
		Timeout:     60 * time.Second,
	}
}

// Classifier calls the model and parses its structured verdict.
type Classifier struct {
	llm         llms.Model
	config      Config
	retryConfig retry.Config
}

// New builds the classifier. The API key is required.
func New(config Config) (*Classifier, error) {
	if config.APIKey == "" {
		return nil, fmt.Errorf("llm classifier: api key is required")
	}
	if config.Model == "" {
		config.Model = DefaultConfig().Model
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultConfig().Timeout
	}

	opts := []openai.Option{
		openai.WithToken(config.APIKey),
		openai.WithModel(config.Model),
	}
	if config.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(config.BaseURL))
	}

	model, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("initialize llm: %w", err)
	}

	return &Classifier{
		llm:         model,
		config:      config,
		retryConfig: retry.LLMConfig(),
	}, nil
}

// verdict is the JSON shape the model must answer with.
type verdict struct {
	Classification  string  `json:"classification"`
	Confidence      float64 `json:"confidence"`
	Reasoning       string  `json:"reasoning"`
	SuggestedAction string  `json:"suggested_action"`
}

// Classify asks the model to pick among the categories the rule layer could
// not decide between. Transport and timeout failures come back wrapped as
// triage.ErrUpstreamUnavailable so the worker requeues the task.
func (c *Classifier) Classify(ctx context.Context, sig *triage.SignalSet) (*classify.Result, error) {
	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	prompt := buildPrompt(sig)

	var raw string
	result := retry.WithBackoff(ctx, c.retryConfig, func() error {
		var err error
		raw, err = llms.GenerateFromSinglePrompt(ctx, c.llm, prompt,
			llms.WithTemperature(c.config.Temperature),
			llms.WithJSONMode(),
		)
		return err
	})
	if !result.Success {
		return nil, fmt.Errorf("%w: llm call failed after %d attempts: %v",
			triage.ErrUpstreamUnavailable, result.Attempts, result.LastError)
	}

	v, err := parseVerdict(raw)
	if err != nil {
		// A structurally unusable answer is treated like an outage: the
		// retry on a fresh call usually clears it.
		return nil, fmt.Errorf("%w: unusable llm response: %v", triage.ErrUpstreamUnavailable, err)
	}

	category, ok := triage.ParseCategory(v.Classification)
	if !ok {
		log.Warn().Str("classification", v.Classification).Msg("llm answered with unknown category")
		category = triage.CategoryMaintainerDecision
		v.Confidence = 0.3
	}

	return &classify.Result{
		Category:        category,
		Confidence:      clampConfidence(v.Confidence),
		Provenance:      triage.ProvenanceLLM,
		Reasoning:       v.Reasoning,
		SuggestedAction: v.SuggestedAction,
	}, nil
}

// parseVerdict decodes the model answer, repairing malformed JSON first when
// necessary.
func parseVerdict(raw string) (*verdict, error) {
	raw = stripFences(raw)

	v := &verdict{}
	if err := json.Unmarshal([]byte(raw), v); err == nil {
		return v, nil
	}

	repaired, err := jsonrepair.JSONRepair(raw)
	if err != nil {
		return nil, fmt.Errorf("json repair: %w", err)
	}
	if err := json.Unmarshal([]byte(repaired), v); err != nil {
		return nil, fmt.Errorf("decode repaired response: %w", err)
	}
	log.Debug().Int("original_bytes", len(raw)).Int("repaired_bytes", len(repaired)).
		Msg("repaired malformed llm json")
	return v, nil
}

// stripFences removes markdown code fences some models wrap JSON in.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	}
	return strings.TrimSpace(s)
}

func clampConfidence(c float64) float64 {
	if c < 0 {
		return 0
	}
	if c > 1 {
		return 1
	}
	return c
}

// buildPrompt renders the structured signal summary. Only normalized signals
// go to the model; diff content never does.
func buildPrompt(sig *triage.SignalSet) string {
	var b strings.Builder
	b.WriteString("You are a change-request triage expert. Analyze this request and classify it.\n\n")
	fmt.Fprintf(&b, "Title: %s\n", sig.Title)
	fmt.Fprintf(&b, "Description: %s\n", truncate(sig.Description, 1500))
	fmt.Fprintf(&b, "Author: %s (trust tier: %s)\n", sig.Author, sig.TrustTier)
	fmt.Fprintf(&b, "Changed lines: %d across %d files in %d commits\n", sig.DiffSize, sig.ChangedFiles, sig.CommitCount)
	fmt.Fprintf(&b, "Draft: %t\n", sig.Draft)
	fmt.Fprintf(&b, "Merge conflicts: %t\n", sig.HasConflicts)
	fmt.Fprintf(&b, "CI status: %s\n", sig.CIStatus)
	fmt.Fprintf(&b, "Review comments: %d\n", sig.ReviewComments)
	fmt.Fprintf(&b, "Age: %.1f days\n\n", sig.AgeHours/24)

	b.WriteString("Classify into exactly ONE of these two categories:\n")
	fmt.Fprintf(&b, "- %s: small issues like formatting, tests, documentation, or minor bugs\n", triage.CategoryMinorFixes)
	fmt.Fprintf(&b, "- %s: policy questions, roadmap decisions, or maintainer input needed\n\n", triage.CategoryMaintainerDecision)

	b.WriteString(`Answer in this exact JSON format:
{
  "classification": "exact category name",
  "confidence": 0.85,
  "reasoning": "brief explanation",
  "suggested_action": "specific next step for the maintainer"
}`)
	return b.String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
