// Package api exposes the task pool and the transfer history over HTTP.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"

	"github.com/xSeung/MultiThread-FileTransferr/internal/history"
	"github.com/xSeung/MultiThread-FileTransferr/internal/taskpool"
)

// TaskSource reports in-flight tasks.
type TaskSource interface {
	Snapshot() []taskpool.Entry
}

// HistorySource lists recorded tasks.
type HistorySource interface {
	List(ctx context.Context, limit int) ([]*history.Record, error)
}

type handlers struct {
	tasks   TaskSource
	history HistorySource
	started time.Time
}

// NewRouter builds the status API. hist may be nil when history is disabled.
func NewRouter(tasks TaskSource, hist HistorySource, logger *slog.Logger) *echo.Echo {
	e := echo.New()

	// Middleware: Request Logger
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus:  true,
		LogURI:     true,
		LogMethod:  true,
		LogLatency: true,
		LogValuesFunc: func(c *echo.Context, v middleware.RequestLoggerValues) error {
			logger.Debug("http request", "method", v.Method, "uri", v.URI, "status", v.Status, "latency", v.Latency)
			return nil
		},
	}))

	h := &handlers{tasks: tasks, history: hist, started: time.Now()}
	e.GET("/health", h.health)
	e.GET("/tasks", h.listTasks)
	e.GET("/history", h.listHistory)
	return e
}

func (h *handlers) health(c *echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status": "ok",
		"uptime": time.Since(h.started).Round(time.Second).String(),
	})
}

func (h *handlers) listTasks(c *echo.Context) error {
	entries := h.tasks.Snapshot()
	if entries == nil {
		entries = []taskpool.Entry{}
	}
	return c.JSON(http.StatusOK, entries)
}

func (h *handlers) listHistory(c *echo.Context) error {
	if h.history == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "history is disabled")
	}
	limit := 50
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid limit")
		}
		limit = n
	}
	records, err := h.history.List(c.Request().Context(), limit)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to read history")
	}
	if records == nil {
		records = []*history.Record{}
	}
	return c.JSON(http.StatusOK, records)
}

// Serve runs handler on addr until ctx is done, then shuts down gracefully.
func Serve(ctx context.Context, addr string, handler http.Handler, logger *slog.Logger) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := &http.Server{Handler: handler, ReadHeaderTimeout: 10 * time.Second}
	logger.Info("http server listening", "addr", ln.Addr().String())

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		<-errCh
		return nil
	}
}
