package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/fatih/color"

	"github.com/xSeung/MultiThread-FileTransferr/internal/history"
)

func TestRenderHistory(t *testing.T) {
	color.NoColor = true
	finished := time.Now()
	records := []*history.Record{
		{ID: "2a", Name: "big.iso", Direction: "send", Units: 8, Status: history.StatusCompleted, CreatedAt: finished.Add(-time.Minute), FinishedAt: &finished},
		{ID: "2b", Name: "notes.txt", Direction: "receive", Units: 2, Status: history.StatusFailed, Error: strings.Repeat("x", 80), CreatedAt: finished},
	}
	var buf bytes.Buffer
	if err := renderHistory(&buf, records); err != nil {
		t.Fatalf("renderHistory: %v", err)
	}
	out := buf.String()
	for _, want := range []string{"big.iso", "notes.txt", "completed", "failed", "receive"} {
		if !strings.Contains(out, want) {
			t.Errorf("output lacks %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, strings.Repeat("x", 80)) {
		t.Error("long error message not truncated")
	}
}

func TestRenderHistoryEmpty(t *testing.T) {
	var buf bytes.Buffer
	if err := renderHistory(&buf, nil); err != nil {
		t.Fatalf("renderHistory: %v", err)
	}
	if !strings.Contains(buf.String(), "No transfers recorded") {
		t.Fatalf("unexpected output %q", buf.String())
	}
}
