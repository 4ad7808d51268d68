package tlog

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

type fakeSleeper struct {
	slept []time.Duration
}

func (fs *fakeSleeper) Sleep(ctx context.Context, d time.Duration) error {
	fs.slept = append(fs.slept, d)
	return ctx.Err()
}

func TestParse(t *testing.T) {
	in := strings.NewReader(`
# recorded on bench

START
0, 7e01
250, 7e 02 03
`)
	entries, err := Parse(in)
	if err != nil {
		t.Fatalf("Parse() error: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("len=%d want 3", len(entries))
	}
	if !entries[0].IsStart() {
		t.Fatalf("entries[0] should be START")
	}
	if entries[2].At != 250*time.Nanosecond {
		t.Fatalf("At=%s want 250ns", entries[2].At)
	}
	if !bytes.Equal(entries[2].Frame, []byte{0x7e, 0x02, 0x03}) {
		t.Fatalf("frame=%x", entries[2].Frame)
	}
}

func TestParse_Invalid(t *testing.T) {
	for _, in := range []string{
		"no-comma\n",
		"abc,7e\n",
		"-5,7e\n",
		"10,zz\n",
		"10,\n",
	} {
		if _, err := Parse(strings.NewReader(in)); err == nil {
			t.Fatalf("Parse(%q) expected error", in)
		}
	}
}

func TestRecorder_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flight.tlog")
	rec, err := Create(path)
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	base := rec.start
	if err := rec.Write(base.Add(10*time.Millisecond), []byte{0x7e, 0x01, 0x7e}); err != nil {
		t.Fatalf("Write() error: %v", err)
	}
	if err := rec.Write(base.Add(30*time.Millisecond), []byte{0x7e, 0x02, 0x7e}); err != nil {
		t.Fatalf("Write() error: %v", err)
	}
	if got := rec.Frames(); got != 2 {
		t.Fatalf("Frames()=%d want 2", got)
	}
	if err := rec.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}
	if err := rec.Write(time.Now(), []byte{1}); err == nil {
		t.Fatalf("expected error writing to closed recorder")
	}

	entries, err := ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("len=%d want 3", len(entries))
	}
	if entries[1].At != 10*time.Millisecond || entries[2].At != 30*time.Millisecond {
		t.Fatalf("timestamps=%s,%s", entries[1].At, entries[2].At)
	}
}

func TestAppend_AddsStartSection(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.tlog")
	if err := os.WriteFile(path, []byte("START\n0,7e7e\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	rec, err := Append(path)
	if err != nil {
		t.Fatalf("Append() error: %v", err)
	}
	if err := rec.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}
	b, _ := os.ReadFile(path)
	if got := strings.Count(string(b), "START"); got != 2 {
		t.Fatalf("START count=%d want 2", got)
	}
}

func TestPlay_TimingAndStart(t *testing.T) {
	fs := &fakeSleeper{}
	entries := []Entry{
		{At: time.Second},
		{At: time.Second, Frame: []byte{0xAA}},
		{At: time.Second + 100*time.Millisecond, Frame: []byte{0xBB}},
		{At: 5 * time.Second},
		{At: 5*time.Second + 40*time.Millisecond, Frame: []byte{0xCC}},
		{At: 5*time.Second + 60*time.Millisecond, Frame: []byte{0xDD}},
	}
	var got []byte
	err := Play(context.Background(), entries, PlayOptions{Speed: 2, Sleeper: fs}, func(f []byte) error {
		got = append(got, f...)
		return nil
	})
	if err != nil {
		t.Fatalf("Play() error: %v", err)
	}
	if !bytes.Equal(got, []byte{0xAA, 0xBB, 0xCC, 0xDD}) {
		t.Fatalf("frames=%x", got)
	}
	want := []time.Duration{50 * time.Millisecond, 10 * time.Millisecond}
	if len(fs.slept) != len(want) {
		t.Fatalf("slept=%v want %v", fs.slept, want)
	}
	for i := range want {
		if fs.slept[i] != want[i] {
			t.Fatalf("slept[%d]=%s want %s", i, fs.slept[i], want[i])
		}
	}
}

func TestPlay_StopsOnEmitError(t *testing.T) {
	boom := errors.New("boom")
	entries := []Entry{{Frame: []byte{1}}, {Frame: []byte{2}}}
	calls := 0
	err := Play(context.Background(), entries, PlayOptions{Loop: true, Sleeper: &fakeSleeper{}}, func([]byte) error {
		calls++
		if calls == 3 {
			return boom
		}
		return nil
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err=%v want boom", err)
	}
}

func TestPlay_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Play(ctx, []Entry{{Frame: []byte{1}}}, PlayOptions{}, func([]byte) error { return nil })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err=%v want context.Canceled", err)
	}
}

func TestPlay_RejectsBadInput(t *testing.T) {
	if err := Play(context.Background(), nil, PlayOptions{}, func([]byte) error { return nil }); err == nil {
		t.Fatalf("expected error for no entries")
	}
	if err := Play(context.Background(), []Entry{{Frame: []byte{1}}}, PlayOptions{Speed: -1}, func([]byte) error { return nil }); err == nil {
		t.Fatalf("expected error for negative speed")
	}
}
