package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/xSeung/MultiThread-FileTransferr/internal/app"
)

var sendCmd = &cobra.Command{
	Use:   "send <file>",
	Short: "Offer a file and upload it to the receiver that joins",
	Long: `send creates a session, prints its join code and waits for a receiver.
The file is split into --chunks ranges, each uploaded over its own connection.`,
	Args: cobra.ExactArgs(1),
	RunE: runSend,
}

var recvCmd = &cobra.Command{
	Use:     "recv <join-code>",
	Aliases: []string{"receive"},
	Short:   "Join a session and download the offered file",
	Long: `recv joins the session behind a join code, listens on one port per chunk
and merges the chunks into --out-dir. Interrupted downloads resume from the
part files left in <out-dir>/<name>.mtft.`,
	Args: cobra.ExactArgs(1),
	RunE: runRecv,
}

func init() {
	sendCmd.Flags().Int("chunks", 8, "number of chunks and parallel connections")

	rf := recvCmd.Flags()
	rf.String("out-dir", ".", "directory for the downloaded file")
	rf.String("listen-addr", ":0", "address the chunk listeners bind to")
}

func runSend(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s := &app.Sender{
		Config: cfg,
		Logger: stderrLogger("mtft-send", cfg),
		Out:    os.Stdout,
	}
	if err := s.Run(ctx, args[0]); err != nil {
		return err
	}
	fmt.Fprintln(os.Stdout, color.GreenString("sent %s", args[0]))
	return nil
}

func runRecv(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	r := &app.Receiver{
		Config: cfg,
		Logger: stderrLogger("mtft-recv", cfg),
		Out:    os.Stdout,
	}
	path, err := r.Run(ctx, args[0])
	if err != nil {
		return err
	}
	fmt.Fprintln(os.Stdout, color.GreenString("saved %s", path))
	return nil
}
