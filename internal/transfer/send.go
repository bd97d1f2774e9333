package transfer

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/xSeung/MultiThread-FileTransferr/internal/chunk"
)

// SendUnit uploads one chunk to a fixed remote endpoint.
type SendUnit struct {
	unitBase
	remote string
	reader chunk.Reader
	dialer net.Dialer
}

// NewSendUnit binds reader to the receiver listening at remote.
func NewSendUnit(remote string, reader chunk.Reader, opts Options) *SendUnit {
	opts = opts.normalized()
	u := &SendUnit{
		unitBase: newUnitBase(reader.ID(), opts),
		remote:   remote,
		reader:   reader,
		dialer:   net.Dialer{Timeout: opts.DialTimeout},
	}
	u.logger = u.logger.With("remote", remote)
	return u
}

// Remote returns the endpoint the unit dials.
func (u *SendUnit) Remote() string {
	return u.remote
}

func (u *SendUnit) Run(ctx context.Context) error {
	ctx, cancel := u.begin(ctx)
	defer cancel()

	for attempt := 1; ; attempt++ {
		if u.stopped(ctx) {
			u.logger.Info("upload cancelled")
			return ErrCancelled
		}
		conn, err := u.dialer.DialContext(ctx, "tcp", u.remote)
		if err != nil {
			if u.stopped(ctx) {
				u.logger.Info("upload cancelled")
				return ErrCancelled
			}
			u.logger.Warn("dial failed", "attempt", attempt, "error", err)
			u.backoff(ctx)
			continue
		}
		u.logger.Debug("connected", "attempt", attempt, "local", conn.LocalAddr().String())

		err = u.attempt(ctx, conn)
		if err == nil {
			u.logger.Info("upload complete")
			return nil
		}
		if u.stopped(ctx) {
			u.logger.Info("upload cancelled")
			return ErrCancelled
		}
		u.logger.Warn("upload attempt failed", "attempt", attempt, "error", err)
		u.backoff(ctx)
	}
}

// attempt runs handshake, streaming and ack over one connection. conn is
// closed when attempt returns.
func (u *SendUnit) attempt(ctx context.Context, conn net.Conn) error {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	defer conn.Close()
	stopClose := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stopClose()

	br := bufio.NewReaderSize(conn, u.opts.HandshakeLimit)
	_ = conn.SetReadDeadline(time.Now().Add(u.opts.StallTimeout))
	hs, err := readHandshake(br)
	if err != nil {
		return err
	}
	if err := u.reader.SeekTo(hs.Progress); err != nil {
		return fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	_ = conn.SetReadDeadline(time.Time{})
	u.logger.Info("resuming upload", "offset", hs.Progress)

	if err := u.stream(ctx, cancel, conn); err != nil {
		return err
	}

	// The receiver acks only once its writer is finished. Without the ack the
	// chunk may be incomplete on the far side, so the attempt is retried and
	// the next handshake tells how much actually landed.
	_ = conn.SetReadDeadline(time.Now().Add(u.opts.StallTimeout))
	if _, err := br.ReadByte(); err != nil {
		return streamErr(ctx, "await completion ack", err)
	}
	return nil
}

func (u *SendUnit) stream(ctx context.Context, cancel context.CancelCauseFunc, conn net.Conn) error {
	pool := u.opts.buffers()
	buf := pool.Get()
	defer pool.Put(buf)

	wd := startWatchdog(u.opts.StallTimeout, func() {
		u.logger.Warn("no upload progress, closing connection", "timeout", u.opts.StallTimeout)
		cancel(ErrStalled)
	})
	defer wd.Stop()

	for !u.reader.Finished() {
		if ctx.Err() != nil {
			return streamErr(ctx, "upload interrupted", context.Cause(ctx))
		}
		n, err := u.reader.Read(buf)
		if n > 0 {
			if _, werr := conn.Write(buf[:n]); werr != nil {
				return streamErr(ctx, "send chunk", werr)
			}
			wd.Kick()
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("read chunk: %w", err)
		}
	}
	return nil
}
