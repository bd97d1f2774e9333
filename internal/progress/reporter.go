package progress

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/fatih/color"
	"golang.org/x/term"
)

const barWidth = 30

// Reporter periodically prints a meter's state. On a terminal it redraws a
// single progress line; anywhere else it logs one structured line per tick.
type Reporter struct {
	meter    *Meter
	label    string
	w        io.Writer
	tty      bool
	logger   *slog.Logger
	interval time.Duration
}

// NewReporter reports meter under label. Terminal output goes to w when w is
// a terminal; otherwise progress is logged through logger.
func NewReporter(meter *Meter, label string, w io.Writer, logger *slog.Logger) *Reporter {
	return &Reporter{
		meter:    meter,
		label:    label,
		w:        w,
		tty:      IsTTY(w),
		logger:   logger,
		interval: time.Second,
	}
}

// IsTTY reports whether w is an interactive terminal.
func IsTTY(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// Run reports until ctx is done, then prints a final line.
func (r *Reporter) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			r.report(true)
			return
		case <-ticker.C:
			r.report(false)
		}
	}
}

func (r *Reporter) report(final bool) {
	stats := r.meter.Snapshot()
	if !r.tty {
		if r.logger != nil {
			r.logger.Info("progress", "task", r.label,
				"done", stats.BytesDone, "total", stats.Total,
				"chunks", fmt.Sprintf("%d/%d", stats.ChunksDone, stats.Chunks),
				"rate", FormatRate(stats.RateBps), "eta", FormatETA(stats.ETA))
		}
		return
	}
	line := Line(r.label, stats)
	if final {
		fmt.Fprintf(r.w, "\r%s\n", line)
		return
	}
	fmt.Fprintf(r.w, "\r%s", line)
}

// Line renders one human-readable progress line.
func Line(label string, stats Stats) string {
	bar := renderBar(stats.Percent, barWidth)
	if stats.Total > 0 && stats.BytesDone >= stats.Total {
		bar = color.GreenString(bar)
	} else {
		bar = color.CyanString(bar)
	}
	return fmt.Sprintf("%s %s %5.1f%% %s/%s chunks %d/%d %s eta %s",
		label, bar, stats.Percent,
		FormatBytes(stats.BytesDone), FormatBytes(stats.Total),
		stats.ChunksDone, stats.Chunks,
		FormatRate(stats.RateBps), FormatETA(stats.ETA))
}
