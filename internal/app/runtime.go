// Package app wires the transfer engine to the rendezvous server: the sender
// publishes a file offer, the receiver answers with one listening port per
// chunk, and both sides drive their half of the transfer through a task pool.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/xSeung/MultiThread-FileTransferr/internal/api"
	"github.com/xSeung/MultiThread-FileTransferr/internal/config"
	"github.com/xSeung/MultiThread-FileTransferr/internal/history"
	"github.com/xSeung/MultiThread-FileTransferr/internal/progress"
	"github.com/xSeung/MultiThread-FileTransferr/internal/taskpool"
	"github.com/xSeung/MultiThread-FileTransferr/internal/transfer"
)

// runtime holds what one send or receive run needs besides signaling.
type runtime struct {
	cfg     *config.Config
	logger  *slog.Logger
	hist    *history.Store // nil when history is disabled
	pool    *taskpool.Pool
	results chan taskpool.Result
}

func newRuntime(cfg *config.Config, logger *slog.Logger, merger taskpool.Merger) (*runtime, error) {
	rt := &runtime{
		cfg:     cfg,
		logger:  logger,
		results: make(chan taskpool.Result, 4),
	}
	if cfg.History.DSN != "" {
		hist, err := history.Open(cfg.History.DSN)
		if err != nil {
			return nil, fmt.Errorf("open history: %w", err)
		}
		rt.hist = hist
	}
	rt.pool = taskpool.New(taskpool.Options{
		Workers: cfg.Workers,
		Merger:  merger,
		Logger:  logger,
		OnFinished: func(res taskpool.Result) {
			select {
			case rt.results <- res:
			default:
				logger.Warn("dropped task result", "task", res.Name)
			}
		},
	})
	return rt, nil
}

func (rt *runtime) close() {
	rt.pool.Shutdown()
	if rt.hist != nil {
		if err := rt.hist.Close(); err != nil {
			rt.logger.Warn("close history", "error", err)
		}
	}
}

func (rt *runtime) transferOptions() transfer.Options {
	return transfer.Options{
		BufferSize:        rt.cfg.Tuning.BufferSize,
		StallTimeout:      rt.cfg.Tuning.StallTimeout,
		ReconnectInterval: rt.cfg.Tuning.ReconnectInterval,
		HandshakeLimit:    rt.cfg.Tuning.HandshakeLimit,
		ListenAddr:        rt.cfg.ListenAddr,
		Logger:            rt.logger,
	}
}

// run executes fn alongside the optional status API. The API stops once fn
// returns; fn's error is the result.
func (rt *runtime) run(ctx context.Context, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	if rt.cfg.StatusAddr != "" {
		var hist api.HistorySource
		if rt.hist != nil {
			hist = rt.hist
		}
		router := api.NewRouter(rt.pool, hist, rt.logger)
		g.Go(func() error {
			return api.Serve(gctx, rt.cfg.StatusAddr, router, rt.logger)
		})
	}
	g.Go(func() error {
		defer cancel()
		return fn(gctx)
	})
	return g.Wait()
}

// awaitResult waits for the pool to report the single submitted task. A
// value on abort ends the wait after grace, unless the result arrives first.
func (rt *runtime) awaitResult(ctx context.Context, abort <-chan error, grace time.Duration) (taskpool.Result, error) {
	select {
	case res := <-rt.results:
		return res, nil
	case <-ctx.Done():
		return taskpool.Result{}, ctx.Err()
	case err := <-abort:
		rt.logger.Warn("peer gave up, waiting for in-flight units", "error", err, "grace", grace)
		select {
		case res := <-rt.results:
			return res, nil
		case <-ctx.Done():
			return taskpool.Result{}, ctx.Err()
		case <-time.After(grace):
			return taskpool.Result{}, err
		}
	}
}

func (rt *runtime) recordSubmitted(ctx context.Context, name string, dir transfer.Direction, units int) string {
	if rt.hist == nil {
		return ""
	}
	id, err := rt.hist.RecordSubmitted(ctx, name, dir.String(), units)
	if err != nil {
		rt.logger.Warn("record submitted", "task", name, "error", err)
		return ""
	}
	return id
}

func (rt *runtime) recordFinished(id string, res taskpool.Result, err error) {
	if rt.hist == nil || id == "" {
		return
	}
	status, msg := outcome(res, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rt.hist.RecordFinished(ctx, id, status, msg); err != nil {
		rt.logger.Warn("record finished", "id", id, "error", err)
	}
}

// outcome maps a run's result to a history status.
func outcome(res taskpool.Result, err error) (history.Status, string) {
	if err == nil {
		err = res.Err
	}
	switch {
	case err == nil:
		return history.StatusCompleted, ""
	case errors.Is(err, context.Canceled):
		return history.StatusCancelled, err.Error()
	case errors.Is(err, taskpool.ErrIncomplete) && res.Failed == 0 && res.Cancelled > 0:
		return history.StatusCancelled, err.Error()
	default:
		return history.StatusFailed, err.Error()
	}
}

// startReporter reports meter until the returned stop function is called.
// stop waits for the final line.
func startReporter(ctx context.Context, meter *progress.Meter, label string, out io.Writer, logger *slog.Logger) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		progress.NewReporter(meter, label, out, logger).Run(ctx)
	}()
	return func() {
		cancel()
		<-done
	}
}
