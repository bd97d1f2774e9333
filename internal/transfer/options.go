package transfer

import (
	"io"
	"log/slog"
	"time"

	"github.com/xSeung/MultiThread-FileTransferr/internal/bufpool"
)

const (
	DefaultBufferSize        = 64 * 1024
	DefaultStallTimeout      = 10 * time.Second
	DefaultReconnectInterval = time.Second
	DefaultHandshakeLimit    = 512
	DefaultListenAddr        = ":0"
	DefaultDialTimeout       = 5 * time.Second
)

// Options tunes every unit of a task.
type Options struct {
	// BufferSize is the size of one streaming read/write.
	BufferSize int
	// StallTimeout is the watchdog window: a streaming connection that moves
	// no bytes for this long is closed and retried. It also bounds the
	// handshake and the completion ack.
	StallTimeout time.Duration
	// ReconnectInterval is the wait between failed attempts.
	ReconnectInterval time.Duration
	// HandshakeLimit caps the size of the resume handshake record.
	HandshakeLimit int
	// ListenAddr is where receive units bind their listeners.
	ListenAddr  string
	DialTimeout time.Duration
	Logger      *slog.Logger
}

func (o Options) normalized() Options {
	out := o
	if out.BufferSize <= 0 {
		out.BufferSize = DefaultBufferSize
	}
	if out.StallTimeout <= 0 {
		out.StallTimeout = DefaultStallTimeout
	}
	if out.ReconnectInterval <= 0 {
		out.ReconnectInterval = DefaultReconnectInterval
	}
	if out.HandshakeLimit < 16 {
		out.HandshakeLimit = DefaultHandshakeLimit
	}
	if out.ListenAddr == "" {
		out.ListenAddr = DefaultListenAddr
	}
	if out.DialTimeout <= 0 {
		out.DialTimeout = DefaultDialTimeout
	}
	if out.Logger == nil {
		out.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return out
}

func (o Options) buffers() *bufpool.Pool {
	return bufpool.For(o.BufferSize)
}
