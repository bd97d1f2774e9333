package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"

	"github.com/xSeung/MultiThread-FileTransferr/internal/chunk"
	"github.com/xSeung/MultiThread-FileTransferr/internal/config"
	"github.com/xSeung/MultiThread-FileTransferr/internal/logging"
	"github.com/xSeung/MultiThread-FileTransferr/internal/progress"
	"github.com/xSeung/MultiThread-FileTransferr/internal/taskpool"
	"github.com/xSeung/MultiThread-FileTransferr/internal/transfer"
	"github.com/xSeung/MultiThread-FileTransferr/pkg/protocol"
)

// Receiver downloads the file offered in a session into Config.OutDir.
type Receiver struct {
	Config *config.Config
	Logger *slog.Logger
	// Out receives terminal progress.
	Out io.Writer
}

// Run joins the session behind joinCode, downloads the offered file and
// returns the path of the merged result. Part files of an interrupted run
// stay under OutDir and are resumed by the next run for the same file.
func (r *Receiver) Run(ctx context.Context, joinCode string) (string, error) {
	cfg, logger := r.Config, r.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	out := r.Out
	if out == nil {
		out = io.Discard
	}

	sig, err := joinSession(ctx, cfg.ServerURL, joinCode, cfg.PeerID, protocol.RoleReceiver, logger)
	if err != nil {
		return "", err
	}
	defer sig.close()

	offer, senderID, err := awaitOffer(ctx, sig)
	if err != nil {
		return "", err
	}
	if err := validateOffer(offer); err != nil {
		sig.sendError(senderID, protocol.CodeBadOffer, err.Error())
		return "", err
	}
	name := offer.Name
	logger = logger.With("task", name)
	logger.Info("offer received", "from", senderID, "bytes", offer.Size, "chunks", offer.Chunks)

	ranges, err := chunk.Plan(offer.Size, offer.Chunks)
	if err != nil {
		return "", err
	}
	meter := progress.NewMeter()
	meter.Start(ranges)
	fileWriters, err := chunk.NewFileWriters(cfg.OutDir, name, ranges, meter.Add)
	if err != nil {
		return "", err
	}
	writers := make([]chunk.Writer, len(fileWriters))
	for i, w := range fileWriters {
		writers[i] = w
		meter.Resume(w.ID(), w.Progress())
	}
	if st := meter.Snapshot(); st.Resumed > 0 {
		logger.Info("resuming download", "bytes", st.Resumed, "chunks_done", st.ChunksDone)
	}

	rt, err := newRuntime(cfg, logger, chunk.Merger{OutDir: cfg.OutDir})
	if err != nil {
		closeWriters(fileWriters)
		return "", err
	}
	defer rt.close()

	task, err := transfer.NewReceiveTask(name, writers, rt.transferOptions())
	if err != nil {
		closeWriters(fileWriters)
		return "", err
	}
	mappings, err := task.ListeningPorts()
	if err != nil {
		_ = task.Close()
		return "", err
	}
	ports := protocol.ChunkPorts{
		Name:  name,
		Addrs: advertisedHosts(cfg.ListenAddr),
		Ports: make([]protocol.ChunkPort, len(mappings)),
	}
	for i, m := range mappings {
		ports.Ports[i] = protocol.ChunkPort{ID: m.ID, Port: m.Port}
	}

	histID := rt.recordSubmitted(ctx, name, transfer.Receive, task.Len())
	var res taskpool.Result
	err = rt.run(ctx, func(ctx context.Context) error {
		stopReport := startReporter(ctx, meter, name, out, logger)
		defer stopReport()

		if err := rt.pool.Submit(task); err != nil {
			_ = task.Close()
			return err
		}
		if err := sig.send(senderID, protocol.TypeChunkPorts, ports); err != nil {
			return fmt.Errorf("publish chunk ports: %w", err)
		}
		logger.Info("chunk ports published", "addrs", ports.Addrs, "ports", len(ports.Ports))

		var err error
		res, err = rt.awaitResult(ctx, sig.watchPeer(ctx, senderID, name), cfg.Tuning.StallTimeout)
		if err != nil {
			return err
		}
		return res.Err
	})
	rt.recordFinished(histID, res, err)
	if err != nil {
		if errors.Is(err, taskpool.ErrIncomplete) || errors.Is(err, context.Canceled) {
			logger.Info("part files kept for resume", "dir", chunk.TempDir(cfg.OutDir, name))
		}
		return "", err
	}

	final := chunk.FinalPath(cfg.OutDir, name)
	logger.Info("download complete", "path", final, "elapsed", res.Elapsed)
	return final, nil
}

func awaitOffer(ctx context.Context, sig *signaling) (protocol.FileOffer, string, error) {
	var (
		offer    protocol.FileOffer
		senderID string
	)
	err := sig.await(ctx, func(env protocol.Envelope) (bool, error) {
		switch env.Type {
		case protocol.TypeFileOffer:
			if err := env.DecodePayload(&offer); err != nil {
				return true, fmt.Errorf("decode file_offer: %w", err)
			}
			senderID = env.From
			return true, nil
		case protocol.TypeError:
			return true, serverError(env)
		}
		return false, nil
	})
	if errors.Is(err, errSignalingClosed) {
		return offer, "", fmt.Errorf("waiting for file offer: %w", err)
	}
	return offer, senderID, err
}

// validateOffer rejects offers that could escape OutDir or exceed limits.
func validateOffer(offer protocol.FileOffer) error {
	name := offer.Name
	if name == "" || name == "." || name == ".." || filepath.Base(name) != name || filepath.IsAbs(name) {
		return fmt.Errorf("file_offer: invalid name %q", name)
	}
	if offer.Size < 0 {
		return fmt.Errorf("file_offer: invalid size %d", offer.Size)
	}
	if offer.Chunks < 1 || offer.Chunks > config.MaxChunks {
		return fmt.Errorf("file_offer: chunk count %d out of range [1, %d]", offer.Chunks, config.MaxChunks)
	}
	return nil
}

func closeWriters(writers []*chunk.FileWriter) {
	for _, w := range writers {
		_ = w.Close()
	}
}
