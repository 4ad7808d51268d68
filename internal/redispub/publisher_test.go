package redispub

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"

	"gcslink/internal/link"
	"gcslink/internal/telemetry"
)

type setCall struct {
	key string
	val []byte
	ttl time.Duration
}

type fakeRedis struct {
	mu        sync.Mutex
	sets      []setCall
	published map[string]int
	failSet   error
	closed    bool
}

func newFakeRedis() *fakeRedis { return &fakeRedis{published: map[string]int{}} }

func (f *fakeRedis) Ping(context.Context) *redis.StatusCmd {
	return redis.NewStatusResult("PONG", nil)
}

func (f *fakeRedis) Set(_ context.Context, key string, value interface{}, ttl time.Duration) *redis.StatusCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSet != nil {
		return redis.NewStatusResult("", f.failSet)
	}
	f.sets = append(f.sets, setCall{key: key, val: value.([]byte), ttl: ttl})
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeRedis) Publish(_ context.Context, channel string, _ interface{}) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published[channel]++
	return redis.NewIntResult(1, nil)
}

func (f *fakeRedis) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeRedis) setsFor(key string) []setCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []setCall
	for _, s := range f.sets {
		if s.key == key {
			out = append(out, s)
		}
	}
	return out
}

func (f *fakeRedis) setFail(err error) {
	f.mu.Lock()
	f.failSet = err
	f.mu.Unlock()
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

type sampleSource struct {
	mu sync.Mutex
	s  telemetry.Sample
	ok bool
}

func (s *sampleSource) set(smp telemetry.Sample) {
	s.mu.Lock()
	s.s, s.ok = smp, true
	s.mu.Unlock()
}

func (s *sampleSource) read() (telemetry.Sample, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.s, s.ok
}

func TestPublisher_StatusAndTelemetry(t *testing.T) {
	fr := newFakeRedis()
	src := &sampleSource{}
	p := newPublisher(fr, Options{Prefix: "gcs", Interval: 10 * time.Millisecond}, src.read, nil)

	updates := make(chan link.Status, 2)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx, updates) }()

	updates <- link.Status{State: link.StateConnected, Endpoint: "sim:"}
	eventually(t, "status set", func() bool { return len(fr.setsFor("gcs:status")) == 1 })

	var st link.Status
	if err := json.Unmarshal(fr.setsFor("gcs:status")[0].val, &st); err != nil {
		t.Fatalf("unmarshal status: %v", err)
	}
	if st.State != link.StateConnected || st.Endpoint != "sim:" {
		t.Fatalf("status=%+v", st)
	}

	src.set(telemetry.Sample{Seq: 1, AltitudeM: 4})
	eventually(t, "telemetry set", func() bool { return len(fr.setsFor("gcs:telemetry")) == 1 })

	// Same sequence is not republished.
	time.Sleep(50 * time.Millisecond)
	if n := len(fr.setsFor("gcs:telemetry")); n != 1 {
		t.Fatalf("telemetry sets=%d want 1", n)
	}
	src.set(telemetry.Sample{Seq: 2, AltitudeM: 5})
	eventually(t, "second telemetry", func() bool { return len(fr.setsFor("gcs:telemetry")) == 2 })

	tel := fr.setsFor("gcs:telemetry")[1]
	if tel.ttl != 100*time.Millisecond {
		t.Fatalf("ttl=%s want 100ms", tel.ttl)
	}
	var smp telemetry.Sample
	if err := json.Unmarshal(tel.val, &smp); err != nil {
		t.Fatalf("unmarshal sample: %v", err)
	}
	if smp.AltitudeM != 5 {
		t.Fatalf("alt=%v want 5", smp.AltitudeM)
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	fr.mu.Lock()
	defer fr.mu.Unlock()
	if !fr.closed {
		t.Fatalf("client not closed")
	}
	if fr.published["gcs:status"] != 1 || fr.published["gcs:telemetry"] != 2 {
		t.Fatalf("published=%v", fr.published)
	}
}

func TestPublisher_FailuresRetried(t *testing.T) {
	fr := newFakeRedis()
	fr.setFail(errors.New("connection refused"))
	src := &sampleSource{}
	src.set(telemetry.Sample{Seq: 7})
	p := newPublisher(fr, Options{Interval: 10 * time.Millisecond}, src.read, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = p.Run(ctx, nil) }()

	eventually(t, "failures", func() bool { return p.Stats().Failures >= 2 })
	fr.setFail(nil)
	eventually(t, "recovered", func() bool { return len(fr.setsFor("gcslink:telemetry")) == 1 })
	eventually(t, "published", func() bool { return p.Stats().Published == 1 })
}
