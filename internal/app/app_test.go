package app

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/xSeung/MultiThread-FileTransferr/internal/config"
	"github.com/xSeung/MultiThread-FileTransferr/internal/history"
	"github.com/xSeung/MultiThread-FileTransferr/internal/logging"
	"github.com/xSeung/MultiThread-FileTransferr/internal/rendezvous"
	"github.com/xSeung/MultiThread-FileTransferr/internal/taskpool"
	"github.com/xSeung/MultiThread-FileTransferr/pkg/protocol"
)

func testConfig(t *testing.T, serverURL, peerID string) *config.Config {
	t.Helper()
	cfg, err := config.Load("", nil)
	if err != nil {
		t.Fatalf("config.Load: %v", err)
	}
	cfg.ServerURL = serverURL
	cfg.PeerID = peerID
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.Chunks = 4
	cfg.Workers = 2
	cfg.Tuning.BufferSize = 4096
	cfg.Tuning.StallTimeout = 2 * time.Second
	cfg.Tuning.ReconnectInterval = 50 * time.Millisecond
	cfg.History.DSN = filepath.Join(t.TempDir(), peerID+".db")
	return cfg
}

func writeSource(t *testing.T, size int) (string, []byte) {
	t.Helper()
	data := make([]byte, size)
	for i := range data {
		data[i] = byte((i*31 + 7) % 251)
	}
	path := filepath.Join(t.TempDir(), "payload.bin")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path, data
}

func TestSendReceiveEndToEnd(t *testing.T) {
	srv := rendezvous.New(rendezvous.Options{SessionTTL: time.Minute})
	ts := httptest.NewServer(srv)
	defer func() {
		ts.Close()
		srv.Close()
	}()

	src, data := writeSource(t, 300*1024+17)
	sendCfg := testConfig(t, ts.URL, "sender-1")
	recvCfg := testConfig(t, ts.URL, "receiver-1")
	recvCfg.OutDir = t.TempDir()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	codes := make(chan string, 1)
	sendErr := make(chan error, 1)
	sender := &Sender{
		Config:     sendCfg,
		Logger:     logging.Discard(),
		Out:        io.Discard,
		OnJoinCode: func(code string) { codes <- code },
	}
	go func() { sendErr <- sender.Run(ctx, src) }()

	var code string
	select {
	case code = <-codes:
	case err := <-sendErr:
		t.Fatalf("sender failed before publishing a join code: %v", err)
	case <-ctx.Done():
		t.Fatal("no join code")
	}

	receiver := &Receiver{Config: recvCfg, Logger: logging.Discard(), Out: io.Discard}
	out, err := receiver.Run(ctx, code)
	if err != nil {
		t.Fatalf("receiver.Run: %v", err)
	}
	if err := <-sendErr; err != nil {
		t.Fatalf("sender.Run: %v", err)
	}

	got, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("received %d bytes, content differs from the %d sent", len(got), len(data))
	}
	if out != filepath.Join(recvCfg.OutDir, "payload.bin") {
		t.Fatalf("output path = %s", out)
	}

	for _, dsn := range []string{sendCfg.History.DSN, recvCfg.History.DSN} {
		store, err := history.Open(dsn)
		if err != nil {
			t.Fatalf("history.Open: %v", err)
		}
		records, err := store.List(context.Background(), 10)
		_ = store.Close()
		if err != nil {
			t.Fatalf("List: %v", err)
		}
		if len(records) != 1 || records[0].Status != history.StatusCompleted || records[0].Units != 4 {
			t.Fatalf("history %s = %+v", dsn, records)
		}
	}
}

func TestReceiverFailsOnUnknownJoinCode(t *testing.T) {
	srv := rendezvous.New(rendezvous.Options{})
	ts := httptest.NewServer(srv)
	defer func() {
		ts.Close()
		srv.Close()
	}()

	cfg := testConfig(t, ts.URL, "receiver-1")
	receiver := &Receiver{Config: cfg, Logger: logging.Discard(), Out: io.Discard}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := receiver.Run(ctx, "ZZZZ9999"); err == nil {
		t.Fatal("expected join failure")
	}
}

func TestValidateOffer(t *testing.T) {
	cases := []struct {
		offer protocol.FileOffer
		ok    bool
	}{
		{protocol.FileOffer{Name: "a.bin", Size: 10, Chunks: 2}, true},
		{protocol.FileOffer{Name: "empty", Size: 0, Chunks: 1}, true},
		{protocol.FileOffer{Name: "", Size: 10, Chunks: 1}, false},
		{protocol.FileOffer{Name: "..", Size: 10, Chunks: 1}, false},
		{protocol.FileOffer{Name: "../etc/passwd", Size: 10, Chunks: 1}, false},
		{protocol.FileOffer{Name: "dir/a.bin", Size: 10, Chunks: 1}, false},
		{protocol.FileOffer{Name: "a.bin", Size: -1, Chunks: 1}, false},
		{protocol.FileOffer{Name: "a.bin", Size: 10, Chunks: 0}, false},
		{protocol.FileOffer{Name: "a.bin", Size: 10, Chunks: config.MaxChunks + 1}, false},
	}
	for _, tc := range cases {
		if err := validateOffer(tc.offer); (err == nil) != tc.ok {
			t.Errorf("validateOffer(%+v) = %v, want ok=%v", tc.offer, err, tc.ok)
		}
	}
}

func TestValidatePorts(t *testing.T) {
	good := protocol.ChunkPorts{
		Name:  "a",
		Addrs: []string{"127.0.0.1"},
		Ports: []protocol.ChunkPort{{ID: 1, Port: 4001}, {ID: 0, Port: 4000}},
	}
	if err := validatePorts(good, 2); err != nil {
		t.Fatalf("validatePorts: %v", err)
	}

	bad := []protocol.ChunkPorts{
		{Ports: good.Ports},
		{Addrs: good.Addrs, Ports: good.Ports[:1]},
		{Addrs: good.Addrs, Ports: []protocol.ChunkPort{{ID: 0, Port: 1}, {ID: 0, Port: 2}}},
		{Addrs: good.Addrs, Ports: []protocol.ChunkPort{{ID: 0, Port: 1}, {ID: 2, Port: 2}}},
		{Addrs: good.Addrs, Ports: []protocol.ChunkPort{{ID: 0, Port: 0}, {ID: 1, Port: 70000}}},
	}
	for i, p := range bad {
		if err := validatePorts(p, 2); err == nil {
			t.Errorf("case %d: expected error", i)
		}
	}
}

func TestOutcome(t *testing.T) {
	cases := []struct {
		res  taskpool.Result
		err  error
		want history.Status
	}{
		{taskpool.Result{}, nil, history.StatusCompleted},
		{taskpool.Result{}, context.Canceled, history.StatusCancelled},
		{taskpool.Result{Cancelled: 2, Err: taskpool.ErrIncomplete}, nil, history.StatusCancelled},
		{taskpool.Result{Failed: 1, Cancelled: 1, Err: taskpool.ErrIncomplete}, nil, history.StatusFailed},
		{taskpool.Result{}, fmt.Errorf("%w: bob", errPeerLeft), history.StatusFailed},
		{taskpool.Result{}, errors.New("boom"), history.StatusFailed},
	}
	for i, tc := range cases {
		got, msg := outcome(tc.res, tc.err)
		if got != tc.want {
			t.Errorf("case %d: status = %s, want %s", i, got, tc.want)
		}
		if got == history.StatusCompleted && msg != "" {
			t.Errorf("case %d: completed with message %q", i, msg)
		}
	}
}

func TestAdvertisedHosts(t *testing.T) {
	if got := advertisedHosts("192.0.2.7:0"); len(got) != 1 || got[0] != "192.0.2.7" {
		t.Fatalf("specific bind advertised %v", got)
	}
	for _, addr := range []string{":0", "0.0.0.0:9000"} {
		got := advertisedHosts(addr)
		if len(got) == 0 {
			t.Fatalf("%s advertised nothing", addr)
		}
		for _, h := range got {
			if h == "0.0.0.0" {
				t.Fatalf("%s advertised the wildcard address", addr)
			}
		}
	}
}

func TestReachableHostSingleHostSkipsProbe(t *testing.T) {
	host, err := reachableHost(context.Background(), []string{"192.0.2.1"}, 1, time.Millisecond)
	if err != nil || host != "192.0.2.1" {
		t.Fatalf("reachableHost = %q, %v", host, err)
	}
	if _, err := reachableHost(context.Background(), nil, 1, time.Millisecond); err == nil {
		t.Fatal("expected error for no hosts")
	}
}
