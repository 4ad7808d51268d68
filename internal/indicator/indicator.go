// Package indicator drives a GPIO line that is lit while the vehicle is
// armed.
package indicator

import (
	"context"
	"log/slog"
	"time"

	"gcslink/internal/vehicle"
)

const DefaultPoll = 200 * time.Millisecond

type Config struct {
	Chip      string
	Line      int
	ActiveLow bool
	// Poll is how often the vehicle state is checked. Zero means
	// DefaultPoll.
	Poll time.Duration
}

type output interface {
	Set(on bool) error
	Close() error
}

// StateFunc reports the current vehicle state.
type StateFunc func() vehicle.State

// Run opens the line and follows state until ctx is done. The line is left
// off on return.
func Run(ctx context.Context, cfg Config, state StateFunc, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	log := logger.With("component", "indicator", "chip", cfg.Chip, "line", cfg.Line)
	poll := cfg.Poll
	if poll <= 0 {
		poll = DefaultPoll
	}

	out, err := openOutputFn(cfg)
	if err != nil {
		return err
	}
	defer func() {
		_ = out.Set(false)
		_ = out.Close()
	}()
	if err := out.Set(false); err != nil {
		return err
	}
	log.Info("armed indicator ready")

	lit := false
	t := time.NewTicker(poll)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
		st := state()
		want := st.Connected && st.Armed
		if want == lit {
			continue
		}
		if err := out.Set(want); err != nil {
			log.Warn("set indicator failed", "error", err)
			continue
		}
		lit = want
		log.Debug("armed indicator changed", "on", lit)
	}
}
