// Package github adapts the GitHub REST API to the platform.Client contract.
// It authenticates either with a personal access token or as a GitHub App
// (RS256 app JWT exchanged for a short-lived installation token).
package github

import (
	"bytes"
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/prcopilot/internal/platform"
	"github.com/prcopilot/internal/triage"
)

const defaultBaseURL = "https://api.github.com"

// Config selects the authentication mode. Token wins when both are set.
type Config struct {
	BaseURL string `koanf:"base_url"`
	Token   string `koanf:"token"`

	AppID          int64  `koanf:"app_id"`
	InstallationID int64  `koanf:"installation_id"`
	PrivateKeyPEM  string `koanf:"private_key_pem"`
}

// Client implements platform.Client against GitHub.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	limiter    *rate.Limiter

	appID          int64
	installationID int64
	privateKey     *rsa.PrivateKey

	mu             sync.Mutex
	installToken   string
	installExpires time.Time
}

// New builds the client and validates the credentials shape.
func New(config Config) (*Client, error) {
	c := &Client{
		baseURL:        defaultBaseURL,
		token:          config.Token,
		httpClient:     &http.Client{Timeout: 15 * time.Second},
		limiter:        rate.NewLimiter(rate.Every(1*time.Second), 5),
		appID:          config.AppID,
		installationID: config.InstallationID,
	}
	if config.BaseURL != "" {
		c.baseURL = strings.TrimRight(config.BaseURL, "/")
	}

	if config.Token == "" {
		if config.AppID == 0 || config.InstallationID == 0 || config.PrivateKeyPEM == "" {
			return nil, fmt.Errorf("github: either token or app_id+installation_id+private_key_pem is required")
		}
		key, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(config.PrivateKeyPEM))
		if err != nil {
			return nil, fmt.Errorf("github: parse app private key: %w", err)
		}
		c.privateKey = key
	}
	return c, nil
}

// appJWT mints the short-lived RS256 JWT GitHub Apps authenticate with. The
// issued-at skews 60s into the past to tolerate clock drift.
func (c *Client) appJWT() (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"iat": now.Add(-60 * time.Second).Unix(),
		"exp": now.Add(9 * time.Minute).Unix(),
		"iss": c.appID,
	}
	return jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(c.privateKey)
}

// installationToken returns a cached installation token, exchanging the app
// JWT for a fresh one when the cache is within a minute of expiring.
func (c *Client) installationToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.installToken != "" && time.Until(c.installExpires) > time.Minute {
		return c.installToken, nil
	}

	appJWT, err := c.appJWT()
	if err != nil {
		return "", fmt.Errorf("sign app jwt: %w", err)
	}

	endpoint := fmt.Sprintf("%s/app/installations/%d/access_tokens", c.baseURL, c.installationID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+appJWT)
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: token exchange: %v", triage.ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		if resp.StatusCode >= 500 {
			return "", fmt.Errorf("%w: token exchange status %d", triage.ErrUpstreamUnavailable, resp.StatusCode)
		}
		return "", fmt.Errorf("github token exchange failed: status %d: %s", resp.StatusCode, body)
	}

	var out struct {
		Token     string    `json:"token"`
		ExpiresAt time.Time `json:"expires_at"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode token exchange response: %w", err)
	}

	c.installToken = out.Token
	c.installExpires = out.ExpiresAt
	log.Debug().Time("expires", out.ExpiresAt).Msg("refreshed github installation token")
	return c.installToken, nil
}

// do performs one authenticated API call, decoding the JSON answer into out.
// 5xx answers and transport errors come back wrapped as
// triage.ErrUpstreamUnavailable so the task retry policy handles them.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		// A deadline expiring in the rate-limit wait is as transient as one
		// expiring in the call itself.
		return fmt.Errorf("%w: rate limit wait: %v", triage.ErrUpstreamUnavailable, err)
	}

	var reqBody io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reqBody = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	token := c.token
	if token == "" {
		token, err = c.installationToken(ctx)
		if err != nil {
			return err
		}
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %v", triage.ErrUpstreamUnavailable, method, path, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s %s answered %d", triage.ErrUpstreamUnavailable, method, path, resp.StatusCode)
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%s %s: %w", method, path, triage.ErrNotFound)
	case resp.StatusCode >= 400:
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("%s %s answered %d: %s", method, path, resp.StatusCode, raw)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

type pullResponse struct {
	Title     string `json:"title"`
	Body      string `json:"body"`
	State     string `json:"state"`
	Merged    bool   `json:"merged"`
	Draft     bool   `json:"draft"`
	Mergeable *bool  `json:"mergeable"`
	User      struct {
		Login string `json:"login"`
	} `json:"user"`
	AuthorAssociation string `json:"author_association"`
	Head              struct {
		SHA string `json:"sha"`
	} `json:"head"`
	Labels []struct {
		Name string `json:"name"`
	} `json:"labels"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
	Comments       int       `json:"comments"`
	ReviewComments int       `json:"review_comments"`
	Commits        int       `json:"commits"`
	Additions      int       `json:"additions"`
	Deletions      int       `json:"deletions"`
	ChangedFiles   int       `json:"changed_files"`
}

func (c *Client) pull(ctx context.Context, key triage.ChangeRequestKey) (*pullResponse, error) {
	var out pullResponse
	path := fmt.Sprintf("/repos/%s/pulls/%d", key.Repo, key.Number)
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) RequestInfo(ctx context.Context, key triage.ChangeRequestKey) (*platform.RequestInfo, error) {
	pr, err := c.pull(ctx, key)
	if err != nil {
		return nil, err
	}

	labels := make([]string, 0, len(pr.Labels))
	for _, l := range pr.Labels {
		labels = append(labels, l.Name)
	}

	state := pr.State
	if pr.Merged {
		state = "merged"
	}

	return &platform.RequestInfo{
		Title:          pr.Title,
		Body:           pr.Body,
		Author:         pr.User.Login,
		AuthorRole:     pr.AuthorAssociation,
		State:          state,
		Draft:          pr.Draft,
		Labels:         labels,
		HeadRevision:   pr.Head.SHA,
		CreatedAt:      pr.CreatedAt,
		UpdatedAt:      pr.UpdatedAt,
		ReviewComments: pr.Comments + pr.ReviewComments,
	}, nil
}

func (c *Client) CIStatus(ctx context.Context, key triage.ChangeRequestKey, revision string) (triage.CIStatus, error) {
	var out struct {
		State      string `json:"state"`
		TotalCount int    `json:"total_count"`
	}
	path := fmt.Sprintf("/repos/%s/commits/%s/status", key.Repo, url.PathEscape(revision))
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return triage.CIUnknown, err
	}

	if out.TotalCount == 0 {
		return triage.CIUnknown, nil
	}
	switch out.State {
	case "success":
		return triage.CIPassing, nil
	case "failure", "error":
		return triage.CIFailing, nil
	case "pending":
		return triage.CIPending, nil
	default:
		return triage.CIUnknown, nil
	}
}

func (c *Client) DiffStats(ctx context.Context, key triage.ChangeRequestKey, revision string) (*platform.DiffStats, error) {
	pr, err := c.pull(ctx, key)
	if err != nil {
		return nil, err
	}
	return &platform.DiffStats{
		Additions:    pr.Additions,
		Deletions:    pr.Deletions,
		ChangedFiles: pr.ChangedFiles,
		Commits:      pr.Commits,
		Mergeable:    pr.Mergeable,
	}, nil
}

func (c *Client) ContributorHistory(ctx context.Context, repo, login string) (*platform.ContributorHistory, error) {
	var commits []struct {
		SHA string `json:"sha"`
	}
	path := fmt.Sprintf("/repos/%s/commits?author=%s&per_page=100", repo, url.QueryEscape(login))
	err := c.do(ctx, http.MethodGet, path, nil, &commits)
	if err != nil {
		// An empty repository answers 404/409 on the commits listing.
		if errors.Is(err, triage.ErrNotFound) {
			return &platform.ContributorHistory{Login: login}, nil
		}
		return nil, err
	}
	return &platform.ContributorHistory{Login: login, Contributions: len(commits)}, nil
}

func (c *Client) PostComment(ctx context.Context, key triage.ChangeRequestKey, body string) error {
	path := fmt.Sprintf("/repos/%s/issues/%d/comments", key.Repo, key.Number)
	payload := map[string]string{"body": body}
	return c.do(ctx, http.MethodPost, path, payload, nil)
}
