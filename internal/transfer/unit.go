// Package transfer implements the per-connection chunk transfer units and the
// tasks that group them.
//
// A SendUnit dials a receiver, reads the resume handshake, seeks its chunk
// reader and streams the rest of the chunk. A ReceiveUnit listens on an
// ephemeral port, sends the resume handshake and writes what it receives.
// Both retry on any connection failure until they succeed or are stopped,
// and both guard streaming with a watchdog that closes a stalled connection.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrCancelled is returned by Run when the unit was stopped before it succeeded.
	ErrCancelled = errors.New("transfer: unit cancelled")
	// ErrStalled marks an attempt the watchdog aborted.
	ErrStalled = errors.New("transfer: connection stalled")
	// ErrHandshake marks a malformed or oversized resume handshake.
	ErrHandshake = errors.New("transfer: bad handshake")
	// ErrWrongDirection is returned by direction-specific task operations.
	ErrWrongDirection = errors.New("transfer: operation not valid for task direction")
)

// Unit transfers one chunk over one reconnecting logical connection.
type Unit interface {
	// ID is the chunk index.
	ID() int
	// RequestStop asks the unit to stop at the next opportunity and
	// interrupts any blocking socket operation.
	RequestStop()
	// Run drives the unit to a terminal state. It returns nil on success and
	// ErrCancelled when stopped.
	Run(ctx context.Context) error
}

// PortProvider is implemented by units that listen for their peer.
type PortProvider interface {
	LocalPort() int
}

type unitBase struct {
	id     int
	opts   Options
	logger *slog.Logger

	stop   atomic.Bool
	mu     sync.Mutex
	cancel context.CancelFunc
}

func newUnitBase(id int, opts Options) unitBase {
	return unitBase{
		id:     id,
		opts:   opts,
		logger: opts.Logger.With("unit", id),
	}
}

func (b *unitBase) ID() int {
	return b.id
}

func (b *unitBase) RequestStop() {
	b.stop.Store(true)
	b.mu.Lock()
	if b.cancel != nil {
		b.cancel()
	}
	b.mu.Unlock()
}

// begin derives the run context that RequestStop cancels.
func (b *unitBase) begin(ctx context.Context) (context.Context, context.CancelFunc) {
	runCtx, cancel := context.WithCancel(ctx)
	b.mu.Lock()
	b.cancel = cancel
	b.mu.Unlock()
	if b.stop.Load() {
		cancel()
	}
	return runCtx, cancel
}

func (b *unitBase) stopped(ctx context.Context) bool {
	return b.stop.Load() || ctx.Err() != nil
}

// backoff waits for the reconnect interval. It returns false if ctx ended first.
func (b *unitBase) backoff(ctx context.Context) bool {
	t := time.NewTimer(b.opts.ReconnectInterval)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// streamErr classifies an I/O error seen while streaming: a watchdog abort
// is reported as ErrStalled.
func streamErr(ctx context.Context, op string, err error) error {
	if errors.Is(context.Cause(ctx), ErrStalled) {
		return fmt.Errorf("%w: %s: %w", ErrStalled, op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
