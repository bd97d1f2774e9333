package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/tw"
	"github.com/spf13/cobra"

	"github.com/xSeung/MultiThread-FileTransferr/internal/history"
)

var historyLimit int

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List recorded transfers, newest first",
	Args:  cobra.NoArgs,
	RunE:  runHistory,
}

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "number of records to show")
}

func runHistory(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cfg.History.DSN == "" {
		return errors.New("history is disabled: set --history-dsn or history.dsn")
	}
	store, err := history.Open(cfg.History.DSN)
	if err != nil {
		return err
	}
	defer store.Close()

	records, err := store.List(cmd.Context(), historyLimit)
	if err != nil {
		return err
	}
	return renderHistory(os.Stdout, records)
}

func renderHistory(w io.Writer, records []*history.Record) error {
	if len(records) == 0 {
		_, err := fmt.Fprintln(w, "No transfers recorded")
		return err
	}

	table := tablewriter.NewWriter(w)
	table.Header("ID", "Name", "Direction", "Units", "Status", "Started", "Finished", "Error")
	table.Options(
		tablewriter.WithRendition(tw.Rendition{Borders: tw.Border{Left: tw.Pending, Right: tw.Pending, Top: tw.Pending, Bottom: tw.Pending}}),
	)
	table.Configure(func(cfg *tablewriter.Config) {
		cfg.Row = tw.CellConfig{
			Alignment: tw.CellAlignment{
				Global: tw.AlignLeft,
			},
		}
	})

	for _, r := range records {
		finished := "-"
		if r.FinishedAt != nil {
			finished = r.FinishedAt.Local().Format("Jan 02 15:04:05")
		}
		msg := r.Error
		if len(msg) > 60 {
			msg = msg[:57] + "..."
		}
		if err := table.Append([]string{
			r.ID,
			r.Name,
			r.Direction,
			strconv.Itoa(r.Units),
			statusColor(r.Status).Sprint(string(r.Status)),
			r.CreatedAt.Local().Format("Jan 02 15:04:05"),
			finished,
			msg,
		}); err != nil {
			return err
		}
	}
	return table.Render()
}

func statusColor(s history.Status) *color.Color {
	switch s {
	case history.StatusCompleted:
		return color.New(color.FgGreen)
	case history.StatusFailed:
		return color.New(color.FgRed)
	case history.StatusCancelled:
		return color.New(color.FgYellow)
	default:
		return color.New(color.FgCyan)
	}
}
