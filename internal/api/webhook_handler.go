package api

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"

	"github.com/prcopilot/internal/platform"
	"github.com/prcopilot/internal/taskqueue"
	"github.com/prcopilot/internal/triage"
	"github.com/prcopilot/internal/worker"
)

// WebhookHandler receives platform events, verifies their signatures, and
// turns them into queued tasks exactly once per delivery id.
type WebhookHandler struct {
	secret   string
	botLogin string
	commands *CommandParser
	store    triage.Store
	queue    *taskqueue.Queue
	client   platform.Client
}

// NewWebhookHandler wires the intake path. An empty secret disables
// signature verification for local development.
func NewWebhookHandler(secret, botLogin string, store triage.Store, queue *taskqueue.Queue, client platform.Client) *WebhookHandler {
	if botLogin == "" {
		botLogin = "prcopilot"
	}
	return &WebhookHandler{
		secret:   secret,
		botLogin: botLogin,
		commands: NewCommandParser(botLogin),
		store:    store,
		queue:    queue,
		client:   client,
	}
}

// HandleGitHub is the POST /webhooks/github endpoint.
func (h *WebhookHandler) HandleGitHub(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "failed to read request body"})
	}

	signature := c.Request().Header.Get("X-Hub-Signature-256")
	if !h.verifySignature(body, signature) {
		log.Warn().Str("delivery", c.Request().Header.Get("X-GitHub-Delivery")).
			Msg("rejected webhook with bad signature")
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "invalid webhook signature"})
	}

	deliveryID := c.Request().Header.Get("X-GitHub-Delivery")
	if deliveryID == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "missing delivery id"})
	}

	event := c.Request().Header.Get("X-GitHub-Event")
	ctx := c.Request().Context()

	switch event {
	case "ping":
		return c.JSON(http.StatusOK, map[string]string{"status": "pong"})
	case "pull_request":
		return h.handlePullRequest(ctx, c, deliveryID, body)
	case "issue_comment":
		return h.handleIssueComment(ctx, c, deliveryID, body)
	default:
		// Unsubscribed event types are acknowledged and dropped.
		return c.JSON(http.StatusOK, map[string]string{"status": "ignored"})
	}
}

// verifySignature checks the HMAC-SHA256 payload signature GitHub sends in
// "sha256=<hex>" form.
func (h *WebhookHandler) verifySignature(body []byte, signature string) bool {
	if h.secret == "" {
		// Local development mode without a configured secret.
		return true
	}
	signature = strings.TrimPrefix(signature, "sha256=")

	mac := hmac.New(sha256.New, []byte(h.secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	return subtle.ConstantTimeCompare([]byte(signature), []byte(expected)) == 1
}

type pullRequestEvent struct {
	Action     string `json:"action"`
	Number     int    `json:"number"`
	Repository struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
	PullRequest struct {
		User struct {
			Login string `json:"login"`
		} `json:"user"`
		Head struct {
			SHA string `json:"sha"`
		} `json:"head"`
	} `json:"pull_request"`
}

func (h *WebhookHandler) handlePullRequest(ctx context.Context, c echo.Context, deliveryID string, body []byte) error {
	var event pullRequestEvent
	if err := json.Unmarshal(body, &event); err != nil {
		log.Warn().Err(err).Str("delivery", deliveryID).Msg("malformed pull_request payload")
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "malformed payload"})
	}
	if event.Repository.FullName == "" || event.Number == 0 {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "malformed payload"})
	}

	key := triage.ChangeRequestKey{Repo: event.Repository.FullName, Number: event.Number}

	switch event.Action {
	case "opened", "synchronize", "reopened", "ready_for_review":
		t := &triage.Task{
			ID:               uuid.NewString(),
			Key:              key,
			Reason:           triage.ReasonWebhook,
			EnqueuedRevision: event.PullRequest.Head.SHA,
			NotBefore:        time.Now(),
			EnqueuedAt:       time.Now(),
		}
		return h.accept(ctx, c, deliveryID, t)
	case "closed":
		if err := h.store.RecordDelivery(ctx, triage.DeliveryRecord{ID: deliveryID, ReceivedAt: time.Now()}); err != nil {
			if errors.Is(err, triage.ErrDuplicateDelivery) {
				return c.JSON(http.StatusOK, map[string]string{"status": "duplicate"})
			}
			log.Error().Err(err).Msg("recording delivery failed")
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "storage failure"})
		}
		if err := h.store.MarkClosed(ctx, key); err != nil {
			log.Error().Err(err).Str("key", key.String()).Msg("marking request closed failed")
		}
		return c.JSON(http.StatusOK, map[string]string{"status": "closed"})
	default:
		return c.JSON(http.StatusOK, map[string]string{"status": "ignored"})
	}
}

type issueCommentEvent struct {
	Action string `json:"action"`
	Issue  struct {
		Number      int    `json:"number"`
		PullRequest *struct {
			URL string `json:"url"`
		} `json:"pull_request"`
	} `json:"issue"`
	Comment struct {
		Body string `json:"body"`
		User struct {
			Login string `json:"login"`
		} `json:"user"`
	} `json:"comment"`
	Repository struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
}

func (h *WebhookHandler) handleIssueComment(ctx context.Context, c echo.Context, deliveryID string, body []byte) error {
	var event issueCommentEvent
	if err := json.Unmarshal(body, &event); err != nil {
		log.Warn().Err(err).Str("delivery", deliveryID).Msg("malformed issue_comment payload")
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "malformed payload"})
	}

	// Only freshly created comments on pull requests can carry commands,
	// and the bot must never react to its own comments.
	if event.Action != "created" || event.Issue.PullRequest == nil ||
		strings.EqualFold(event.Comment.User.Login, h.botLogin) {
		return c.JSON(http.StatusOK, map[string]string{"status": "ignored"})
	}

	payload, mentioned := h.commands.Parse(event.Comment.Body, event.Comment.User.Login)
	if !mentioned {
		return c.JSON(http.StatusOK, map[string]string{"status": "ignored"})
	}

	key := triage.ChangeRequestKey{Repo: event.Repository.FullName, Number: event.Issue.Number}

	if err := ValidateCommand(payload); err != nil {
		// Help requests and invalid commands get a comment, not a task.
		comment := worker.HelpComment
		if !errors.Is(err, errHelpRequested) {
			comment = "⚠️ " + err.Error() + "\n\n" + worker.HelpComment
		}
		if postErr := h.client.PostComment(ctx, key, comment); postErr != nil {
			log.Warn().Err(postErr).Str("key", key.String()).Msg("posting help comment failed")
		}
		return c.JSON(http.StatusOK, map[string]string{"status": "help posted"})
	}

	t := &triage.Task{
		ID:         uuid.NewString(),
		Key:        key,
		Reason:     triage.ReasonCommand,
		NotBefore:  time.Now(),
		EnqueuedAt: time.Now(),
		Command:    payload,
	}
	return h.accept(ctx, c, deliveryID, t)
}

// accept records the delivery and its task in one transaction and admits the
// task to the queue. A duplicate delivery id is acknowledged without side
// effects.
func (h *WebhookHandler) accept(ctx context.Context, c echo.Context, deliveryID string, t *triage.Task) error {
	rec := triage.DeliveryRecord{ID: deliveryID, ReceivedAt: time.Now()}
	if err := h.store.RecordDeliveryAndTask(ctx, rec, t); err != nil {
		if errors.Is(err, triage.ErrDuplicateDelivery) {
			return c.JSON(http.StatusOK, map[string]string{"status": "duplicate"})
		}
		log.Error().Err(err).Str("delivery", deliveryID).Msg("persisting delivery failed")
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "storage failure"})
	}

	if err := h.queue.Admit(ctx, t); err != nil {
		log.Error().Err(err).Str("task", t.ID).Msg("admitting task failed")
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "queue failure"})
	}

	log.Info().
		Str("delivery", deliveryID).
		Str("key", t.Key.String()).
		Str("reason", string(t.Reason)).
		Msg("accepted webhook delivery")
	return c.JSON(http.StatusAccepted, map[string]string{"status": "queued", "task": t.ID})
}
