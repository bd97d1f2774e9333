package taskpool

import (
	"bytes"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/xSeung/MultiThread-FileTransferr/internal/chunk"
	"github.com/xSeung/MultiThread-FileTransferr/internal/transfer"
)

func unitOptions() transfer.Options {
	return transfer.Options{
		BufferSize:        4096,
		StallTimeout:      2 * time.Second,
		ReconnectInterval: 50 * time.Millisecond,
		ListenAddr:        "127.0.0.1:0",
	}
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) Contains(s string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.Contains(b.buf.String(), s)
}

func sourceFile(t *testing.T, size int) (string, []byte) {
	t.Helper()
	data := make([]byte, size)
	for i := range data {
		data[i] = byte((i * 7) % 253)
	}
	path := filepath.Join(t.TempDir(), "source.bin")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path, data
}

func sendTargets(t *testing.T, src string, ranges []chunk.Range, addrs []string) []transfer.Target {
	t.Helper()
	readers, err := chunk.OpenFileReaders(src, ranges, nil)
	if err != nil {
		t.Fatalf("OpenFileReaders: %v", err)
	}
	t.Cleanup(func() {
		for _, r := range readers {
			_ = r.Close()
		}
	})
	targets := make([]transfer.Target, len(readers))
	for i, r := range readers {
		targets[i] = transfer.Target{Addr: addrs[i], Reader: r}
	}
	return targets
}

func TestDownloadMergedAfterAllChunksArrive(t *testing.T) {
	src, data := sourceFile(t, 1<<20+13)
	outDir := t.TempDir()
	ranges, err := chunk.Plan(int64(len(data)), 3)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}

	writers, err := chunk.NewFileWriters(outDir, "f", ranges, nil)
	if err != nil {
		t.Fatalf("NewFileWriters: %v", err)
	}
	ws := make([]chunk.Writer, len(writers))
	for i, w := range writers {
		ws[i] = w
	}
	recvTask, err := transfer.NewReceiveTask("f", ws, unitOptions())
	if err != nil {
		t.Fatalf("NewReceiveTask: %v", err)
	}
	ports, err := recvTask.ListeningPorts()
	if err != nil {
		t.Fatalf("ListeningPorts: %v", err)
	}

	recvResults := newResults()
	merger := newCountingMerger(chunk.Merger{OutDir: outDir})
	receiver := New(Options{Workers: 4, Merger: merger, OnFinished: recvResults.add})
	defer receiver.Shutdown()
	if err := receiver.Submit(recvTask); err != nil {
		t.Fatalf("Submit receive: %v", err)
	}

	addrs := make([]string, len(ports))
	for _, pm := range ports {
		addrs[pm.ID] = fmt.Sprintf("127.0.0.1:%d", pm.Port)
	}
	sendTask, err := transfer.NewSendTask("f", sendTargets(t, src, ranges, addrs), unitOptions())
	if err != nil {
		t.Fatalf("NewSendTask: %v", err)
	}
	sendResults := newResults()
	sender := New(Options{Workers: 4, OnFinished: sendResults.add})
	defer sender.Shutdown()
	if err := sender.Submit(sendTask); err != nil {
		t.Fatalf("Submit send: %v", err)
	}

	if got := waitResult(t, sendResults); got.Err != nil || got.Direction != transfer.Send {
		t.Fatalf("send result %+v", got)
	}
	if got := waitResult(t, recvResults); got.Err != nil || got.Direction != transfer.Receive {
		t.Fatalf("receive result %+v", got)
	}

	if m, c := merger.counts("f"); m != 1 || c != 1 {
		t.Fatalf("merge=%d cleanup=%d, want 1 and 1", m, c)
	}
	merged, err := os.ReadFile(chunk.FinalPath(outDir, "f"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !bytes.Equal(merged, data) {
		t.Fatal("merged file differs from source")
	}
	if _, err := os.Stat(chunk.TempDir(outDir, "f")); !os.IsNotExist(err) {
		t.Fatalf("part directory still present: %v", err)
	}
	if len(receiver.Snapshot()) != 0 || sender.HasPendingUpload("f") {
		t.Fatal("tally entries left behind")
	}
}

func TestUploadRetriesRefusedDial(t *testing.T) {
	src, data := sourceFile(t, 64*1024)
	ranges, _ := chunk.Plan(int64(len(data)), 2)

	okWriter := &bufWriter{id: 0, length: ranges[0].Length}
	okUnit, err := transfer.NewReceiveUnit(okWriter, unitOptions())
	if err != nil {
		t.Fatalf("NewReceiveUnit: %v", err)
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	lateAddr := ln.Addr().String()
	_ = ln.Close()

	var logs syncBuffer
	opts := unitOptions()
	opts.Logger = slog.New(slog.NewTextHandler(&logs, nil))
	task, err := transfer.NewSendTask("g", sendTargets(t, src, ranges, []string{
		fmt.Sprintf("127.0.0.1:%d", okUnit.LocalPort()),
		lateAddr,
	}), opts)
	if err != nil {
		t.Fatalf("NewSendTask: %v", err)
	}

	res := newResults()
	p := New(Options{Workers: 2, OnFinished: res.add})
	defer p.Shutdown()
	if err := p.Submit(task); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	okDone := make(chan error, 1)
	go func() { okDone <- okUnit.Run(t.Context()) }()

	waitFor(t, "dial failure warning", func() bool { return logs.Contains("dial failed") })
	if !p.HasPendingUpload("g") {
		t.Fatal("upload should still be pending while a unit retries")
	}

	lateOpts := unitOptions()
	lateOpts.ListenAddr = lateAddr
	lateWriter := &bufWriter{id: 1, length: ranges[1].Length}
	lateUnit, err := transfer.NewReceiveUnit(lateWriter, lateOpts)
	if err != nil {
		t.Skipf("port %s was taken before the receiver could bind it: %v", lateAddr, err)
	}
	lateDone := make(chan error, 1)
	go func() { lateDone <- lateUnit.Run(t.Context()) }()

	got := waitResult(t, res)
	if got.Name != "g" || got.Units != 2 || got.Err != nil {
		t.Fatalf("unexpected result %+v", got)
	}
	if p.HasPendingUpload("g") {
		t.Fatal("tally entry not removed")
	}
	for _, ch := range []chan error{okDone, lateDone} {
		if err := <-ch; err != nil {
			t.Fatalf("receive unit: %v", err)
		}
	}
	joined := append(okWriter.Bytes(), lateWriter.Bytes()...)
	if !bytes.Equal(joined, data) {
		t.Fatal("received bytes differ from source")
	}
}

func TestShutdownCancelsRetryingUnitsWithoutLeaks(t *testing.T) {
	before := runtime.NumGoroutine()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	dead := ln.Addr().String()
	_ = ln.Close()

	opts := unitOptions()
	opts.ReconnectInterval = 200 * time.Millisecond
	readers := []transfer.Target{
		{Addr: dead, Reader: &bytesReader{id: 0, data: []byte("abc")}},
		{Addr: dead, Reader: &bytesReader{id: 1, data: []byte("def")}},
	}
	sendTask, err := transfer.NewSendTask("stuck", readers, opts)
	if err != nil {
		t.Fatalf("NewSendTask: %v", err)
	}
	recvTask, err := transfer.NewReceiveTask("idle", []chunk.Writer{&bufWriter{id: 0, length: 8}}, opts)
	if err != nil {
		t.Fatalf("NewReceiveTask: %v", err)
	}

	res := newResults()
	p := New(Options{Workers: 4, OnFinished: res.add})
	if err := p.Submit(sendTask); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := p.Submit(recvTask); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitFor(t, "idle task promoted", recvTask.Empty)

	start := time.Now()
	p.Shutdown()
	if elapsed := time.Since(start); elapsed > opts.ReconnectInterval+opts.StallTimeout {
		t.Fatalf("shutdown took %s", elapsed)
	}
	if got := res.all(); len(got) != 0 {
		t.Fatalf("tasks reported finished after shutdown: %+v", got)
	}
	waitFor(t, "goroutines to exit", func() bool {
		return runtime.NumGoroutine() <= before
	})
}

type bufWriter struct {
	mu     sync.Mutex
	id     int
	length int64
	buf    bytes.Buffer
}

func (w *bufWriter) ID() int { return w.id }

func (w *bufWriter) Progress() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return int64(w.buf.Len())
}

func (w *bufWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if remaining := w.length - int64(w.buf.Len()); int64(len(p)) > remaining {
		w.buf.Write(p[:remaining])
		return int(remaining), chunk.ErrOverflow
	}
	return w.buf.Write(p)
}

func (w *bufWriter) Finished() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return int64(w.buf.Len()) >= w.length
}

func (w *bufWriter) Close() error { return nil }

func (w *bufWriter) Bytes() []byte {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]byte(nil), w.buf.Bytes()...)
}

type bytesReader struct {
	mu   sync.Mutex
	id   int
	data []byte
	pos  int
}

func (r *bytesReader) ID() int { return r.id }

func (r *bytesReader) SeekTo(offset int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if offset < 0 || offset > int64(len(r.data)) {
		return fmt.Errorf("offset %d out of range", offset)
	}
	r.pos = int(offset)
	return nil
}

func (r *bytesReader) Read(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := copy(p, r.data[r.pos:])
	r.pos += n
	return n, nil
}

func (r *bytesReader) Finished() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pos >= len(r.data)
}
