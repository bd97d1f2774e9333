package main

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/xSeung/MultiThread-FileTransferr/internal/api"
	"github.com/xSeung/MultiThread-FileTransferr/internal/logging"
	"github.com/xSeung/MultiThread-FileTransferr/internal/rendezvous"
)

var serveLimits rendezvous.Options

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the rendezvous server",
	Long: `serve runs the rendezvous server: POST /session creates a session and
returns its join code, /ws lets peers join a session and relays signaling
messages between them.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	f := serveCmd.Flags()
	f.String("addr", ":8080", "listen address")
	f.Duration("session-ttl", time.Hour, "lifetime of a session")
	f.IntVar(&serveLimits.MaxSessions, "max-sessions", 1000, "concurrent sessions (0 = unlimited)")
	f.IntVar(&serveLimits.MaxReceivers, "max-receivers", 8, "receivers per session (0 = unlimited)")
	f.IntVar(&serveLimits.MaxMessageBytes, "max-message-bytes", 64*1024, "largest websocket message accepted")
	f.IntVar(&serveLimits.SessionCreatesPerMin, "session-creates-per-min", 30, "sessions one client IP may create per minute (0 = unlimited)")
	f.Float64Var(&serveLimits.MsgsPerSec, "msgs-per-sec", 50, "messages per second per peer (0 = unlimited)")
	f.IntVar(&serveLimits.MsgsBurst, "msgs-burst", 100, "message burst per peer")
	f.DurationVar(&serveLimits.IdleTimeout, "idle-timeout", 2*time.Minute, "drop peers silent for this long (0 = never)")
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := logging.New("mtft-serve", cfg.Log.Level)

	opts := serveLimits
	opts.SessionTTL = cfg.Rendezvous.SessionTTL
	opts.Logger = logger
	srv := rendezvous.New(opts)
	defer srv.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	logger.Info("starting rendezvous server", "addr", cfg.Rendezvous.Addr, "session_ttl", opts.SessionTTL)
	return api.Serve(ctx, cfg.Rendezvous.Addr, srv, logger)
}
