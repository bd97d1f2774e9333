package main

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/xSeung/MultiThread-FileTransferr/internal/config"
	"github.com/xSeung/MultiThread-FileTransferr/internal/logging"
)

const version = "v0.1.0"

var configPath string

var rootCmd = &cobra.Command{
	Use:   "mtft",
	Short: "Parallel multi-connection file transfer.",
	Long: `mtft splits a file into chunks and moves every chunk over its own TCP
connection. A small rendezvous server pairs the sender with the receiver;
file bytes flow directly between them.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&configPath, "config", "", "YAML config file")
	pf.String("log-level", "info", "debug, info, warn or error")
	pf.String("server-url", "http://localhost:8080", "rendezvous server URL")
	pf.String("peer-id", "", "peer id announced to the rendezvous server (random if empty)")
	pf.String("history-dsn", "", "postgres:// URL or sqlite file recording transfer outcomes")
	pf.String("status-addr", "", "serve the status API on this address while transferring")
	pf.Int("workers", 0, "concurrent transfer units (0 means twice the CPU count)")
	pf.Int("buffer-size", 64*1024, "copy buffer size per unit in bytes")
	pf.Duration("stall-timeout", 10*time.Second, "abort an attempt after this long without progress")
	pf.Duration("reconnect-interval", time.Second, "pause between attempts of a unit")

	rootCmd.AddCommand(serveCmd, sendCmd, recvCmd, historyCmd)
}

// loadConfig resolves the config for cmd, honouring its explicitly set flags.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	return config.Load(configPath, cmd.Flags())
}

// stderrLogger keeps stdout free for the join code banner and progress.
func stderrLogger(app string, cfg *config.Config) *slog.Logger {
	return logging.NewWithWriter(os.Stderr, app, cfg.Log.Level)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("error: %v", err))
		os.Exit(1)
	}
}
