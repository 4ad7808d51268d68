package main

import (
	"context"
	"io"
	"path/filepath"
	"testing"
	"time"

	"gcslink/internal/config"
	"gcslink/internal/flightlog"
	"gcslink/internal/link"
	"gcslink/internal/tlog"
)

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func testConfig(t *testing.T, cfg config.Config) config.Config {
	t.Helper()
	if err := config.DefaultAndValidate(&cfg); err != nil {
		t.Fatalf("DefaultAndValidate() error: %v", err)
	}
	return cfg
}

func TestApp_AutoConnectRecordsAndStopsOnDisconnect(t *testing.T) {
	dir := t.TempDir()
	tlogPath := filepath.Join(dir, "link.tlog")
	dbPath := filepath.Join(dir, "flights.db")

	cfg := testConfig(t, config.Config{
		Link:      config.LinkConfig{Endpoint: "sim", AutoConnect: true},
		TLog:      config.TLogConfig{Enable: true, Path: tlogPath},
		FlightLog: config.FlightLogConfig{Enable: true, Path: dbPath, SampleInterval: 10 * time.Millisecond},
	})
	a, err := newApp(cfg, "", io.Discard)
	if err != nil {
		t.Fatalf("newApp() error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- a.Run(ctx) }()

	eventually(t, "auto-connect", func() bool { return a.station.LinkStatus().State == link.StateConnected })
	eventually(t, "recorded frames", func() bool { return a.tlogRec.Frames() > 0 })
	eventually(t, "stored samples", func() bool { return a.flight.Stored() > 0 })

	a.station.Disconnect()
	time.Sleep(100 * time.Millisecond)
	if st := a.station.LinkStatus().State; st != link.StateDisconnected {
		t.Fatalf("state after operator disconnect=%s want %s", st, link.StateDisconnected)
	}

	cancel()
	select {
	case err := <-runErr:
		if err != nil {
			t.Fatalf("Run() error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Run() did not return after cancel")
	}
	if err := a.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}

	entries, err := tlog.ReadFile(tlogPath)
	if err != nil {
		t.Fatalf("ReadFile() error: %v", err)
	}
	if len(entries) < 2 || !entries[0].IsStart() {
		t.Fatalf("tlog entries=%d first start=%v", len(entries), len(entries) > 0 && entries[0].IsStart())
	}

	store, err := flightlog.Open(dbPath)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	defer store.Close()
	sessions, err := store.Sessions(context.Background())
	if err != nil {
		t.Fatalf("Sessions() error: %v", err)
	}
	if len(sessions) != 1 {
		t.Fatalf("sessions=%d want 1", len(sessions))
	}
	if sessions[0].Endpoint != "sim:" || sessions[0].EndedAt.IsZero() {
		t.Fatalf("session=%+v want ended sim: session", sessions[0])
	}
	rows, err := store.Samples(context.Background(), sessions[0].ID)
	if err != nil {
		t.Fatalf("Samples() error: %v", err)
	}
	if len(rows) == 0 {
		t.Fatalf("no samples stored")
	}
}

func TestApp_ApplyUpdatesDefaults(t *testing.T) {
	cfg := testConfig(t, config.Config{Link: config.LinkConfig{Endpoint: "udpin:0.0.0.0:14550"}})
	a, err := newApp(cfg, "", io.Discard)
	if err != nil {
		t.Fatalf("newApp() error: %v", err)
	}
	defer a.Close()

	if got := a.Defaults(); got.Endpoint != "udpin:0.0.0.0:14550" || got.TakeoffAltM != 10 {
		t.Fatalf("defaults=%+v", got)
	}

	next := a.Config()
	next.Link.Endpoint = "tcp:127.0.0.1:5760"
	next.Commands.DefaultTakeoffAltM = 25
	if err := a.Apply(next); err != nil {
		t.Fatalf("Apply() error: %v", err)
	}
	if got := a.Defaults(); got.Endpoint != "tcp:127.0.0.1:5760" || got.TakeoffAltM != 25 {
		t.Fatalf("defaults after Apply=%+v", got)
	}
	if got := a.Config().Link.Endpoint; got != "tcp:127.0.0.1:5760" {
		t.Fatalf("config endpoint=%q", got)
	}

	bad := a.Config()
	bad.Commands.DefaultTakeoffAltM = 500
	if err := a.Apply(bad); err == nil {
		t.Fatalf("Apply() accepted takeoff altitude above max")
	}
	if got := a.Defaults().TakeoffAltM; got != 25 {
		t.Fatalf("takeoff alt after rejected Apply=%v want 25", got)
	}
}

func TestApp_RunWithoutAutoConnectStaysIdle(t *testing.T) {
	cfg := testConfig(t, config.Config{Link: config.LinkConfig{Endpoint: "sim"}})
	a, err := newApp(cfg, "", io.Discard)
	if err != nil {
		t.Fatalf("newApp() error: %v", err)
	}
	defer a.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if err := a.Run(ctx); err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if st := a.station.LinkStatus().State; st != link.StateDisconnected {
		t.Fatalf("state=%s want %s", st, link.StateDisconnected)
	}
}

func TestNewApp_RejectsBadTLogPath(t *testing.T) {
	cfg := testConfig(t, config.Config{
		TLog: config.TLogConfig{Enable: true, Path: filepath.Join(t.TempDir(), "missing", "dir", "x.tlog")},
	})
	if _, err := newApp(cfg, "", io.Discard); err == nil {
		t.Fatalf("newApp() expected error for unwritable tlog path")
	}
}

func TestOperatorURL(t *testing.T) {
	cases := map[string]string{
		":8080":          "http://localhost:8080/",
		"0.0.0.0:9000":   "http://localhost:9000/",
		"[::]:80":        "http://localhost:80/",
		"10.0.0.5:8080":  "http://10.0.0.5:8080/",
		"[fe80::1]:8080": "http://[fe80::1]:8080/",
		"garbage":        "http://localhost:8080/",
	}
	for in, want := range cases {
		if got := operatorURL(in); got != want {
			t.Fatalf("operatorURL(%q)=%q want %q", in, got, want)
		}
	}
}
