package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"

	"github.com/xSeung/MultiThread-FileTransferr/internal/chunk"
	"github.com/xSeung/MultiThread-FileTransferr/internal/clienthttp"
	"github.com/xSeung/MultiThread-FileTransferr/internal/config"
	"github.com/xSeung/MultiThread-FileTransferr/internal/logging"
	"github.com/xSeung/MultiThread-FileTransferr/internal/progress"
	"github.com/xSeung/MultiThread-FileTransferr/internal/taskpool"
	"github.com/xSeung/MultiThread-FileTransferr/internal/transfer"
	"github.com/xSeung/MultiThread-FileTransferr/pkg/protocol"
)

// Sender uploads one file to the first receiver that joins its session.
type Sender struct {
	Config *config.Config
	Logger *slog.Logger
	// Out receives the join code banner and terminal progress.
	Out io.Writer
	// OnJoinCode, if set, is called once the session exists.
	OnJoinCode func(code string)
}

// Run sends the file at path and returns once the receiver has acknowledged
// every chunk, or with the first error.
func (s *Sender) Run(ctx context.Context, path string) error {
	cfg, logger := s.Config, s.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	out := s.Out
	if out == nil {
		out = io.Discard
	}
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory", path)
	}
	name := filepath.Base(path)
	// Never plan more chunks than bytes
	parts := cfg.Chunks
	if int64(parts) > info.Size() {
		parts = int(max(info.Size(), 1))
	}
	ranges, err := chunk.Plan(info.Size(), parts)
	if err != nil {
		return err
	}
	logger = logger.With("task", name)

	sess, err := clienthttp.CreateSession(ctx, cfg.ServerURL)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	fmt.Fprintf(out, "\n=== Join Code: %s ===\n\n", sess.JoinCode)
	if s.OnJoinCode != nil {
		s.OnJoinCode(sess.JoinCode)
	}

	sig, err := joinSession(ctx, cfg.ServerURL, sess.JoinCode, cfg.PeerID, protocol.RoleSender, logger)
	if err != nil {
		return err
	}
	defer sig.close()

	receiverID, err := awaitReceiver(ctx, sig)
	if err != nil {
		return err
	}
	logger.Info("receiver joined", "peer_id", receiverID)

	offer := protocol.FileOffer{Name: name, Size: info.Size(), Chunks: len(ranges)}
	if err := sig.send(receiverID, protocol.TypeFileOffer, offer); err != nil {
		return fmt.Errorf("send offer: %w", err)
	}

	ports, err := awaitChunkPorts(ctx, sig, receiverID, name)
	if err != nil {
		return err
	}
	if err := validatePorts(ports, len(ranges)); err != nil {
		sig.sendError(receiverID, protocol.CodeBadOffer, err.Error())
		return err
	}

	rt, err := newRuntime(cfg, logger, nil)
	if err != nil {
		return err
	}
	defer rt.close()

	host, err := reachableHost(ctx, ports.Addrs, ports.Ports[0].Port, transfer.DefaultDialTimeout)
	if err != nil {
		sig.sendError(receiverID, protocol.CodeBadOffer, err.Error())
		return err
	}

	meter := progress.NewMeter()
	meter.Start(ranges)
	readers, err := chunk.OpenFileReaders(path, ranges, meter.Add)
	if err != nil {
		return err
	}
	defer func() {
		// Units may still hold readers until the pool has stopped
		rt.pool.Shutdown()
		for _, r := range readers {
			_ = r.Close()
		}
	}()

	targets := make([]transfer.Target, len(ranges))
	for _, p := range ports.Ports {
		targets[p.ID] = transfer.Target{
			Addr:   net.JoinHostPort(host, strconv.Itoa(p.Port)),
			Reader: readers[p.ID],
		}
	}
	task, err := transfer.NewSendTask(name, targets, rt.transferOptions())
	if err != nil {
		return err
	}

	histID := rt.recordSubmitted(ctx, name, transfer.Send, task.Len())
	var res taskpool.Result
	err = rt.run(ctx, func(ctx context.Context) error {
		stopReport := startReporter(ctx, meter, name, out, logger)
		defer stopReport()

		if err := rt.pool.Submit(task); err != nil {
			_ = task.Close()
			return err
		}
		var err error
		res, err = rt.awaitResult(ctx, sig.watchPeer(ctx, receiverID, name), cfg.Tuning.StallTimeout)
		if err != nil {
			return err
		}
		return res.Err
	})
	rt.recordFinished(histID, res, err)

	done := protocol.TransferDone{Name: name, OK: err == nil}
	if err != nil {
		done.Error = err.Error()
	}
	if sendErr := sig.send(receiverID, protocol.TypeTransferDone, done); sendErr != nil {
		logger.Warn("send transfer_done", "error", sendErr)
	}
	if err != nil {
		return err
	}
	logger.Info("upload complete", "bytes", info.Size(), "chunks", len(ranges), "elapsed", res.Elapsed)
	return nil
}

// awaitReceiver returns the peer id of the first receiver in the session.
func awaitReceiver(ctx context.Context, sig *signaling) (string, error) {
	var receiverID string
	err := sig.await(ctx, func(env protocol.Envelope) (bool, error) {
		switch env.Type {
		case protocol.TypePeerList:
			var list protocol.PeerList
			if err := env.DecodePayload(&list); err != nil {
				return false, nil
			}
			for _, p := range list.Peers {
				if p.Role == protocol.RoleReceiver {
					receiverID = p.PeerID
					return true, nil
				}
			}
		case protocol.TypePeerJoined:
			var joined protocol.PeerJoined
			if err := env.DecodePayload(&joined); err == nil && joined.Peer.Role == protocol.RoleReceiver {
				receiverID = joined.Peer.PeerID
				return true, nil
			}
		}
		return false, nil
	})
	return receiverID, err
}

func awaitChunkPorts(ctx context.Context, sig *signaling, receiverID, name string) (protocol.ChunkPorts, error) {
	var ports protocol.ChunkPorts
	err := sig.await(ctx, func(env protocol.Envelope) (bool, error) {
		if env.From != receiverID {
			return false, nil
		}
		switch env.Type {
		case protocol.TypeChunkPorts:
			if err := env.DecodePayload(&ports); err != nil {
				return true, fmt.Errorf("decode chunk_ports: %w", err)
			}
			return ports.Name == name, nil
		case protocol.TypeError:
			return true, serverError(env)
		case protocol.TypeTransferDone:
			var done protocol.TransferDone
			if err := env.DecodePayload(&done); err == nil && !done.OK {
				return true, fmt.Errorf("receiver rejected offer: %s", done.Error)
			}
		}
		return false, nil
	})
	if err == nil {
		return ports, nil
	}
	if errors.Is(err, errSignalingClosed) {
		return ports, fmt.Errorf("waiting for chunk ports: %w", err)
	}
	return ports, err
}

// validatePorts checks that ports maps every chunk id in [0, n) exactly once.
func validatePorts(ports protocol.ChunkPorts, n int) error {
	if len(ports.Addrs) == 0 {
		return errors.New("chunk_ports: no addresses")
	}
	if len(ports.Ports) != n {
		return fmt.Errorf("chunk_ports: got %d ports for %d chunks", len(ports.Ports), n)
	}
	seen := make([]bool, n)
	for _, p := range ports.Ports {
		if p.ID < 0 || p.ID >= n || seen[p.ID] {
			return fmt.Errorf("chunk_ports: bad chunk id %d", p.ID)
		}
		if p.Port <= 0 || p.Port > 65535 {
			return fmt.Errorf("chunk_ports: bad port %d for chunk %d", p.Port, p.ID)
		}
		seen[p.ID] = true
	}
	return nil
}
