package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog/log"

	"github.com/prcopilot/internal/taskqueue"
	"github.com/prcopilot/internal/triage"
)

// Server exposes webhook intake and the read-only triage API.
type Server struct {
	echo    *echo.Echo
	port    int
	store   triage.Store
	queue   *taskqueue.Queue
	webhook *WebhookHandler
}

// NewServer wires routes and middleware.
func NewServer(port int, store triage.Store, queue *taskqueue.Queue, webhook *WebhookHandler) *Server {
	e := echo.New()
	e.HideBanner = true

	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	s := &Server{
		echo:    e,
		port:    port,
		store:   store,
		queue:   queue,
		webhook: webhook,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.echo.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]any{
			"status":      "healthy",
			"queue_depth": s.queue.Depth(),
		})
	})

	s.echo.POST("/webhooks/github", s.webhook.HandleGitHub)

	v1 := s.echo.Group("/api/v1")
	v1.GET("/requests", s.listRequests)
	v1.GET("/requests/:owner/:repo/:number", s.getRequest)
	v1.GET("/maintainers/:login/workload", s.getWorkload)
}

// Start runs the server until an interrupt arrives, then drains gracefully.
func (s *Server) Start() error {
	go func() {
		if err := s.echo.Start(fmt.Sprintf(":%d", s.port)); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()
	log.Info().Int("port", s.port).Msg("api server listening")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.echo.Shutdown(ctx)
}

// listRequests answers GET /api/v1/requests?classification=&limit=.
func (s *Server) listRequests(c echo.Context) error {
	var filter *triage.Category
	if raw := c.QueryParam("classification"); raw != "" {
		category, ok := triage.ParseCategory(raw)
		if !ok {
			return c.JSON(http.StatusBadRequest, map[string]string{
				"error": fmt.Sprintf("unknown classification %q", raw),
			})
		}
		filter = &category
	}

	limit := 50
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 500 {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "limit must be 1-500"})
		}
		limit = n
	}

	states, err := s.store.ListStates(c.Request().Context(), filter, limit)
	if err != nil {
		log.Error().Err(err).Msg("listing states failed")
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "storage failure"})
	}
	return c.JSON(http.StatusOK, map[string]any{"requests": states, "count": len(states)})
}

func (s *Server) getRequest(c echo.Context) error {
	number, err := strconv.Atoi(c.Param("number"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request number"})
	}
	key := triage.ChangeRequestKey{
		Repo:   c.Param("owner") + "/" + c.Param("repo"),
		Number: number,
	}

	state, err := s.store.GetState(c.Request().Context(), key)
	if err != nil {
		if errors.Is(err, triage.ErrNotFound) {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "request not triaged"})
		}
		log.Error().Err(err).Str("key", key.String()).Msg("loading state failed")
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "storage failure"})
	}
	return c.JSON(http.StatusOK, state)
}

func (s *Server) getWorkload(c echo.Context) error {
	login := c.Param("login")
	count, err := s.store.Workload(c.Request().Context(), login)
	if err != nil {
		log.Error().Err(err).Str("login", login).Msg("loading workload failed")
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "storage failure"})
	}
	return c.JSON(http.StatusOK, map[string]any{"login": login, "open_requests": count})
}
