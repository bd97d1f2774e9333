package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/xSeung/MultiThread-FileTransferr/internal/wsclient"
	"github.com/xSeung/MultiThread-FileTransferr/pkg/protocol"
)

var (
	errSignalingClosed = errors.New("rendezvous connection closed")
	errPeerLeft        = errors.New("peer left the session")
)

// signaling is one peer's connection to a rendezvous session. Incoming
// envelopes are consumed by one await call at a time.
type signaling struct {
	conn   *wsclient.Conn
	peerID string
	logger *slog.Logger
	cancel context.CancelFunc
	envs   chan protocol.Envelope
	done   chan struct{}
	err    error
}

func joinSession(ctx context.Context, serverURL, joinCode, peerID, role string, logger *slog.Logger) (*signaling, error) {
	wsURL, err := wsclient.URL(serverURL, joinCode, peerID, role)
	if err != nil {
		return nil, err
	}
	conn, err := wsclient.Dial(ctx, wsURL, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	readCtx, cancel := context.WithCancel(context.Background())
	s := &signaling{
		conn:   conn,
		peerID: peerID,
		logger: logger,
		cancel: cancel,
		envs:   make(chan protocol.Envelope, 64),
		done:   make(chan struct{}),
	}
	go func() {
		defer close(s.done)
		s.err = conn.ReadLoop(readCtx, func(env protocol.Envelope) {
			if err := env.ValidateBasic(); err != nil {
				logger.Warn("invalid envelope", "error", err)
				return
			}
			select {
			case s.envs <- env:
			case <-readCtx.Done():
			}
		})
	}()
	return s, nil
}

// await feeds envelopes to match until it reports done or fails.
func (s *signaling) await(ctx context.Context, match func(env protocol.Envelope) (bool, error)) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case env := <-s.envs:
			done, err := match(env)
			if err != nil || done {
				return err
			}
		case <-s.done:
			// Drain what the read loop delivered before it stopped
			select {
			case env := <-s.envs:
				done, err := match(env)
				if err != nil || done {
					return err
				}
				continue
			default:
			}
			if s.err != nil {
				return fmt.Errorf("%w: %w", errSignalingClosed, s.err)
			}
			return errSignalingClosed
		}
	}
}

func (s *signaling) send(to, msgType string, payload any) error {
	env, err := protocol.NewEnvelope(msgType, protocol.NewMsgID(), payload)
	if err != nil {
		return err
	}
	env.To = to
	return s.conn.Send(env)
}

func (s *signaling) sendError(to, code, message string) {
	if err := s.send(to, protocol.TypeError, protocol.Error{Code: code, Message: message}); err != nil {
		s.logger.Warn("send error envelope", "to", to, "error", err)
	}
}

func (s *signaling) close() {
	_ = s.conn.Close()
	s.cancel()
	<-s.done
}

// serverError turns an error envelope into a Go error.
func serverError(env protocol.Envelope) error {
	var e protocol.Error
	if err := env.DecodePayload(&e); err != nil {
		return fmt.Errorf("rendezvous error from %s", env.From)
	}
	return fmt.Errorf("rendezvous error from %s: %s: %s", env.From, e.Code, e.Message)
}

// watchPeer reports on the returned channel when peerID leaves or announces
// a failed transfer of name. It stops with ctx.
func (s *signaling) watchPeer(ctx context.Context, peerID, name string) <-chan error {
	ch := make(chan error, 1)
	go func() {
		err := s.await(ctx, func(env protocol.Envelope) (bool, error) {
			switch env.Type {
			case protocol.TypePeerLeft:
				var left protocol.PeerLeft
				if err := env.DecodePayload(&left); err == nil && left.PeerID == peerID {
					return true, fmt.Errorf("%w: %s", errPeerLeft, peerID)
				}
			case protocol.TypeTransferDone:
				var done protocol.TransferDone
				if err := env.DecodePayload(&done); err == nil && env.From == peerID && done.Name == name && !done.OK {
					return true, fmt.Errorf("peer %s failed: %s", peerID, done.Error)
				}
			case protocol.TypeError:
				if env.From == peerID {
					return true, serverError(env)
				}
			}
			return false, nil
		})
		if err != nil && ctx.Err() == nil && !errors.Is(err, errSignalingClosed) {
			ch <- err
		}
	}()
	return ch
}
