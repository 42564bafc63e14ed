package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/scalarorg/oracle-bridge/pkg/db"
	"github.com/scalarorg/oracle-bridge/pkg/db/models"
)

type QueryStore interface {
	FindLatestQuery(ctx context.Context, contractRequestID string) (*models.Query, error)
	FindQueryByOracleID(ctx context.Context, oracleRequestID string) (*models.Query, error)
	FindCallbackTxs(ctx context.Context, contractRequestID string) ([]models.CallbackTx, error)
	CountQueries(ctx context.Context) (*db.QueryStats, error)
}

// HealthFunc reports component states for /health.
type HealthFunc func() Health

type Health struct {
	Status       string `json:"status"`
	InstanceID   string `json:"instanceId"`
	Version      string `json:"version"`
	RPCConnected bool   `json:"rpcConnected"`
	LowWaterMark uint64 `json:"lowWaterMark"`
	PendingPolls int    `json:"pendingPolls"`
	QueuedLogs   int    `json:"queuedLogs"`
}

type QueryResponse struct {
	Query     *models.Query       `json:"query"`
	Callbacks []models.CallbackTx `json:"callbacks"`
}

type Server struct {
	echo   *echo.Echo
	listen string
}

func NewServer(listen string, store QueryStore, health HealthFunc) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	handler := &handler{store: store, health: health}
	e.GET("/health", handler.Health)
	e.GET("/stats", handler.Stats)
	e.GET("/queries/:id", handler.GetQuery)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	return &Server{echo: e, listen: listen}
}

// Handler exposes the router, used by tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Run serves until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("listen", s.listen).Msg("[Api] [Run] status api listening")
		if err := s.echo.Start(s.listen); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.echo.Shutdown(shutdownCtx)
}

type handler struct {
	store  QueryStore
	health HealthFunc
}

func (h *handler) Health(c echo.Context) error {
	health := Health{Status: "ok"}
	if h.health != nil {
		health = h.health()
	}
	status := http.StatusOK
	if health.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	return c.JSON(status, health)
}

func (h *handler) Stats(c echo.Context) error {
	stats, err := h.store.CountQueries(c.Request().Context())
	if err != nil {
		log.Error().Err(err).Msg("[Api] [Stats] failed to count queries")
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "failed to count queries"})
	}
	return c.JSON(http.StatusOK, stats)
}

func (h *handler) GetQuery(c echo.Context) error {
	id := c.Param("id")
	ctx := c.Request().Context()
	query, err := h.store.FindLatestQuery(ctx, id)
	if err == nil && query == nil {
		//Also accept the oracle request id
		query, err = h.store.FindQueryByOracleID(ctx, id)
	}
	if err != nil {
		log.Error().Err(err).Str("id", id).Msg("[Api] [GetQuery] failed to load query")
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "failed to load query"})
	}
	if query == nil {
		return c.JSON(http.StatusNotFound, echo.Map{"error": "query not found"})
	}
	callbacks, err := h.store.FindCallbackTxs(ctx, query.ContractRequestID)
	if err != nil {
		log.Error().Err(err).Str("id", id).Msg("[Api] [GetQuery] failed to load callbacks")
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "failed to load callbacks"})
	}
	return c.JSON(http.StatusOK, QueryResponse{Query: query, Callbacks: callbacks})
}
