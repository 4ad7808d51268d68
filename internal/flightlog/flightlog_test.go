package flightlog

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"gcslink/internal/link"
	"gcslink/internal/telemetry"
	"gcslink/internal/vehicle"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "flights.db"))
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestStore_SessionsAndSamples(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	t0 := time.Unix(1_700_000_000, 0)

	id, err := s.BeginSession(ctx, "abc", "sim:", t0)
	if err != nil {
		t.Fatalf("BeginSession() error: %v", err)
	}
	smp := telemetry.Sample{UpdatedAt: t0.Add(time.Second), Lat: -35.36, Lon: 149.16, AltitudeM: 12.5, Armed: true, Mode: vehicle.ModeGuided}
	if err := s.InsertSample(ctx, id, smp); err != nil {
		t.Fatalf("InsertSample() error: %v", err)
	}
	if err := s.EndSession(ctx, id, t0.Add(2*time.Second), "disconnected"); err != nil {
		t.Fatalf("EndSession() error: %v", err)
	}
	// Second end is ignored.
	if err := s.EndSession(ctx, id, t0.Add(time.Hour), "again"); err != nil {
		t.Fatalf("EndSession() error: %v", err)
	}

	sessions, err := s.Sessions(ctx)
	if err != nil {
		t.Fatalf("Sessions() error: %v", err)
	}
	if len(sessions) != 1 {
		t.Fatalf("sessions=%d want 1", len(sessions))
	}
	got := sessions[0]
	if got.LinkSession != "abc" || got.Endpoint != "sim:" || !got.StartedAt.Equal(t0) {
		t.Fatalf("session=%+v", got)
	}
	if !got.EndedAt.Equal(t0.Add(2*time.Second)) || got.EndReason != "disconnected" {
		t.Fatalf("ended=%v reason=%q", got.EndedAt, got.EndReason)
	}

	rows, err := s.Samples(ctx, id)
	if err != nil {
		t.Fatalf("Samples() error: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("samples=%d want 1", len(rows))
	}
	if r := rows[0]; r.AltitudeM != 12.5 || !r.Armed || r.Mode != vehicle.ModeGuided || !r.At.Equal(smp.UpdatedAt) {
		t.Fatalf("row=%+v", r)
	}
}

func TestRecorder_ThrottlesAndClosesSessions(t *testing.T) {
	s := openStore(t)
	rec := NewRecorder(s, time.Second, nil)
	updates := make(chan link.Status, 4)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rec.Run(ctx, updates) }()

	t0 := time.Unix(1_700_000_000, 0)
	updates <- link.Status{State: link.StateConnected, SessionID: "one", Endpoint: "sim:", Since: t0}
	eventually(t, "session", func() bool {
		ss, _ := s.Sessions(context.Background())
		return len(ss) == 1
	})

	for _, d := range []time.Duration{0, 100 * time.Millisecond, 900 * time.Millisecond, time.Second, 1500 * time.Millisecond, 2 * time.Second} {
		rec.Sample(telemetry.Sample{UpdatedAt: t0.Add(d), AltitudeM: d.Seconds()})
	}
	eventually(t, "samples", func() bool { return rec.Stored() == 3 })

	updates <- link.Status{State: link.StateFailed, Reason: "link lost", Since: t0.Add(3 * time.Second)}
	eventually(t, "session end", func() bool {
		ss, _ := s.Sessions(context.Background())
		return len(ss) == 1 && !ss[0].EndedAt.IsZero()
	})

	// Samples outside a session are ignored.
	rec.Sample(telemetry.Sample{UpdatedAt: t0.Add(10 * time.Second)})
	eventually(t, "sample drained", func() bool { return len(rec.samples) == 0 })

	updates <- link.Status{State: link.StateConnected, SessionID: "two", Endpoint: "sim:", Since: t0.Add(20 * time.Second)}
	eventually(t, "second session", func() bool {
		ss, _ := s.Sessions(context.Background())
		return len(ss) == 2
	})
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	ss, err := s.Sessions(context.Background())
	if err != nil {
		t.Fatalf("Sessions() error: %v", err)
	}
	if ss[0].EndReason != "link lost" {
		t.Fatalf("reason=%q want link lost", ss[0].EndReason)
	}
	if ss[1].EndReason != "shutdown" {
		t.Fatalf("reason=%q want shutdown", ss[1].EndReason)
	}

	rows, err := s.Samples(context.Background(), ss[0].ID)
	if err != nil {
		t.Fatalf("Samples() error: %v", err)
	}
	var alts []float64
	for _, r := range rows {
		alts = append(alts, r.AltitudeM)
	}
	want := []float64{0, 1, 2}
	if len(alts) != len(want) {
		t.Fatalf("alts=%v want %v", alts, want)
	}
	for i := range want {
		if alts[i] != want[i] {
			t.Fatalf("alts=%v want %v", alts, want)
		}
	}
	if rows2, _ := s.Samples(context.Background(), ss[1].ID); len(rows2) != 0 {
		t.Fatalf("second session samples=%d want 0", len(rows2))
	}
}

func TestRecorder_SampleNeverBlocks(t *testing.T) {
	rec := NewRecorder(openStore(t), 0, nil)
	for i := 0; i < 200; i++ {
		rec.Sample(telemetry.Sample{})
	}
	if rec.Dropped() != 200-64 {
		t.Fatalf("dropped=%d want %d", rec.Dropped(), 200-64)
	}
}
