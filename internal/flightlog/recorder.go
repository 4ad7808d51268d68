package flightlog

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"gcslink/internal/link"
	"gcslink/internal/telemetry"
)

const DefaultSampleInterval = time.Second

// Recorder turns link status changes into sessions and stores at most one
// sample per interval while a session is open. Sample never blocks; writes
// happen on Run's goroutine.
type Recorder struct {
	store    *Store
	interval time.Duration
	log      *slog.Logger

	samples chan telemetry.Sample
	dropped atomic.Uint64
	stored  atomic.Uint64

	// Owned by Run.
	open     int64
	openLink string
	lastAt   time.Time
}

func NewRecorder(store *Store, interval time.Duration, logger *slog.Logger) *Recorder {
	if interval <= 0 {
		interval = DefaultSampleInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		store:    store,
		interval: interval,
		log:      logger.With("component", "flightlog"),
		samples:  make(chan telemetry.Sample, 64),
	}
}

// Sample queues s for storage, dropping it if the writer is behind.
func (r *Recorder) Sample(s telemetry.Sample) {
	select {
	case r.samples <- s:
	default:
		r.dropped.Add(1)
	}
}

func (r *Recorder) Dropped() uint64 { return r.dropped.Load() }
func (r *Recorder) Stored() uint64  { return r.stored.Load() }

// Run consumes status updates and queued samples until ctx is done or
// updates is closed. An open session is ended on return.
func (r *Recorder) Run(ctx context.Context, updates <-chan link.Status) error {
	defer r.end(context.Background(), time.Now(), "shutdown")
	for {
		select {
		case <-ctx.Done():
			return nil
		case st, ok := <-updates:
			if !ok {
				return nil
			}
			r.status(ctx, st)
		case s := <-r.samples:
			r.write(ctx, s)
		}
	}
}

func (r *Recorder) status(ctx context.Context, st link.Status) {
	at := st.Since
	if at.IsZero() {
		at = time.Now()
	}
	switch st.State {
	case link.StateConnected:
		if r.open != 0 && r.openLink == st.SessionID {
			return
		}
		r.end(ctx, at, "replaced")
		id, err := r.store.BeginSession(ctx, st.SessionID, st.Endpoint, at)
		if err != nil {
			r.log.Warn("begin session failed", "error", err)
			return
		}
		r.open, r.openLink, r.lastAt = id, st.SessionID, time.Time{}
		r.log.Info("flight log session started", "id", id, "link_session", st.SessionID)
	case link.StateDisconnected:
		r.end(ctx, at, "disconnected")
	case link.StateFailed:
		r.end(ctx, at, st.Reason)
	}
}

func (r *Recorder) end(ctx context.Context, at time.Time, reason string) {
	if r.open == 0 {
		return
	}
	if err := r.store.EndSession(ctx, r.open, at, reason); err != nil {
		r.log.Warn("end session failed", "id", r.open, "error", err)
	}
	r.open, r.openLink = 0, ""
}

func (r *Recorder) write(ctx context.Context, s telemetry.Sample) {
	if r.open == 0 {
		return
	}
	if !r.lastAt.IsZero() && s.UpdatedAt.Sub(r.lastAt) < r.interval {
		return
	}
	if err := r.store.InsertSample(ctx, r.open, s); err != nil {
		r.log.Warn("store sample failed", "error", err)
		return
	}
	r.lastAt = s.UpdatedAt
	r.stored.Add(1)
}
