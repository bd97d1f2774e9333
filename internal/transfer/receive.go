package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/xSeung/MultiThread-FileTransferr/internal/chunk"
)

// ReceiveUnit accepts one chunk on its own ephemeral listener.
type ReceiveUnit struct {
	unitBase
	ln        net.Listener
	writer    chunk.Writer
	closeOnce sync.Once
}

// NewReceiveUnit opens the listener immediately so LocalPort can be
// published before the sender connects.
func NewReceiveUnit(writer chunk.Writer, opts Options) (*ReceiveUnit, error) {
	opts = opts.normalized()
	ln, err := net.Listen("tcp", opts.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("listen for chunk %d: %w", writer.ID(), err)
	}
	u := &ReceiveUnit{
		unitBase: newUnitBase(writer.ID(), opts),
		ln:       ln,
		writer:   writer,
	}
	u.logger = u.logger.With("port", u.LocalPort())
	return u, nil
}

// LocalPort returns the port the unit listens on.
func (u *ReceiveUnit) LocalPort() int {
	if addr, ok := u.ln.Addr().(*net.TCPAddr); ok {
		return addr.Port
	}
	return 0
}

// Writer exposes the chunk writer.
func (u *ReceiveUnit) Writer() chunk.Writer {
	return u.writer
}

// RequestStop also closes the listener so a blocked Accept returns.
func (u *ReceiveUnit) RequestStop() {
	u.unitBase.RequestStop()
	_ = u.ln.Close()
}

// Close releases the listener and the writer. Run calls it on exit; callers
// only need it for units that never ran.
func (u *ReceiveUnit) Close() error {
	var err error
	u.closeOnce.Do(func() {
		_ = u.ln.Close()
		err = u.writer.Close()
	})
	return err
}

func (u *ReceiveUnit) Run(ctx context.Context) error {
	ctx, cancel := u.begin(ctx)
	defer cancel()
	defer u.Close()
	stopListen := context.AfterFunc(ctx, func() { _ = u.ln.Close() })
	defer stopListen()

	for attempt := 1; ; attempt++ {
		if u.stopped(ctx) {
			u.logger.Info("download cancelled")
			return ErrCancelled
		}
		conn, err := u.ln.Accept()
		if err != nil {
			if u.stopped(ctx) {
				u.logger.Info("download cancelled")
				return ErrCancelled
			}
			if errors.Is(err, net.ErrClosed) {
				return fmt.Errorf("listener for chunk %d closed: %w", u.id, err)
			}
			u.logger.Warn("accept failed", "attempt", attempt, "error", err)
			u.backoff(ctx)
			continue
		}
		u.logger.Info("accepted connection", "attempt", attempt, "remote", conn.RemoteAddr().String())

		err = u.attempt(ctx, conn)
		if err == nil {
			u.logger.Info("download complete", "bytes", u.writer.Progress())
			return nil
		}
		if u.stopped(ctx) {
			u.logger.Info("download cancelled")
			return ErrCancelled
		}
		u.logger.Warn("download attempt failed", "attempt", attempt, "error", err)
	}
}

func (u *ReceiveUnit) attempt(ctx context.Context, conn net.Conn) error {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	defer conn.Close()
	stopClose := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stopClose()

	progress := u.writer.Progress()
	_ = conn.SetWriteDeadline(time.Now().Add(u.opts.StallTimeout))
	if err := writeHandshake(conn, Handshake{Progress: progress}); err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Time{})
	u.logger.Debug("sent resume offset", "offset", progress)

	if err := u.stream(ctx, cancel, conn); err != nil {
		return err
	}

	_ = conn.SetWriteDeadline(time.Now().Add(u.opts.StallTimeout))
	if _, err := conn.Write(ackByte); err != nil {
		// The chunk is complete here. The sender sees no ack and keeps
		// retrying until its task is stopped.
		u.logger.Warn("failed to send completion ack", "error", err)
	}
	return nil
}

func (u *ReceiveUnit) stream(ctx context.Context, cancel context.CancelCauseFunc, conn net.Conn) error {
	pool := u.opts.buffers()
	buf := pool.Get()
	defer pool.Put(buf)

	wd := startWatchdog(u.opts.StallTimeout, func() {
		u.logger.Warn("no download progress, closing connection", "timeout", u.opts.StallTimeout)
		cancel(ErrStalled)
	})
	defer wd.Stop()

	for !u.writer.Finished() {
		if ctx.Err() != nil {
			return streamErr(ctx, "download interrupted", context.Cause(ctx))
		}
		n, err := conn.Read(buf)
		if n > 0 {
			wd.Kick()
			if _, werr := u.writer.Write(buf[:n]); werr != nil {
				return fmt.Errorf("write chunk: %w", werr)
			}
		}
		if err != nil {
			if err == io.EOF && u.writer.Finished() {
				break
			}
			if err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return streamErr(ctx, "receive chunk", err)
		}
	}
	return nil
}
