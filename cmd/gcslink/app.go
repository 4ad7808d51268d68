package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"gcslink/internal/command"
	"gcslink/internal/config"
	"gcslink/internal/discovery"
	"gcslink/internal/flightlog"
	"gcslink/internal/gcs"
	"gcslink/internal/indicator"
	"gcslink/internal/link"
	"gcslink/internal/logging"
	"gcslink/internal/redispub"
	"gcslink/internal/status"
	"gcslink/internal/tlog"
	"gcslink/internal/udp"
	"gcslink/internal/velocity"
	"gcslink/internal/web"
)

const (
	logTailLines = 500

	reconnectMin = time.Second
	reconnectMax = 30 * time.Second
)

// app owns every long-lived component built from one config.
type app struct {
	configPath string
	logs       *web.LogBuffer
	logger     *logging.Logger
	log        *slog.Logger
	registry   *status.Registry
	station    *gcs.Station

	tlogRec   *tlog.Recorder
	store     *flightlog.Store
	flight    *flightlog.Recorder
	forwarder *udp.Forwarder
	redis     *redispub.Publisher

	mu       sync.Mutex
	cfg      config.Config
	defaults atomic.Pointer[web.Defaults]
}

// newApp opens the log sinks and recorders and builds the station. It
// does not connect; Run does that when link.auto_connect is set.
func newApp(cfg config.Config, configPath string, console io.Writer) (*app, error) {
	c := cfg
	if err := config.DefaultAndValidate(&c); err != nil {
		return nil, err
	}

	r := &app{
		configPath: configPath,
		logs:       web.NewLogBuffer(logTailLines),
		registry:   status.New(),
		cfg:        c,
	}
	lg, err := logging.New(logging.Options{
		Level:      c.Log.Level,
		Dir:        c.Log.Dir,
		MaxSizeMB:  c.Log.MaxSizeMB,
		MaxBackups: c.Log.MaxBackups,
		MaxAgeDays: c.Log.MaxAgeDays,
		Console:    console,
		Extra:      r.logs,
	})
	if err != nil {
		return nil, fmt.Errorf("logging: %w", err)
	}
	r.logger = lg
	r.log = lg.Logger
	r.setDefaults(c)

	var frameTaps []gcs.FrameTap
	var sampleTaps []gcs.SampleTap

	if c.TLog.Enable {
		open := tlog.Create
		if c.TLog.Append {
			open = tlog.Append
		}
		rec, err := open(c.TLog.Path)
		if err != nil {
			r.Close()
			return nil, fmt.Errorf("tlog: %w", err)
		}
		r.tlogRec = rec
		frameTaps = append(frameTaps, gcs.FrameTapFunc(func(at time.Time, frame []byte) {
			_ = rec.Write(at, frame)
		}))
		r.log.Info("recording link frames", "path", c.TLog.Path, "append", c.TLog.Append)
	}

	if c.Forward.Enable {
		fwd, err := udp.NewForwarder(c.Forward.Dest, r.log)
		if err != nil {
			r.Close()
			return nil, fmt.Errorf("forward: %w", err)
		}
		r.forwarder = fwd
		frameTaps = append(frameTaps, fwd)
	}

	if c.FlightLog.Enable {
		store, err := flightlog.Open(c.FlightLog.Path)
		if err != nil {
			r.Close()
			return nil, fmt.Errorf("flightlog: %w", err)
		}
		r.store = store
		r.flight = flightlog.NewRecorder(store, c.FlightLog.SampleInterval, r.log)
		sampleTaps = append(sampleTaps, r.flight)
	}

	r.station = gcs.New(gcs.Config{
		Link: link.Config{
			ConnectTimeout: c.Link.ConnectTimeout,
			SystemID:       uint8(c.Link.SystemID),
			ComponentID:    uint8(c.Link.ComponentID),
			SendQueue:      c.Link.SendQueue,
		},
		Commands: command.Config{
			ArmTimeout:       c.Commands.ArmTimeout,
			DisarmTimeout:    c.Commands.DisarmTimeout,
			ModeTimeout:      c.Commands.ModeTimeout,
			TakeoffTimeout:   c.Commands.TakeoffTimeout,
			TakeoffThreshold: c.Commands.TakeoffThreshold,
			MaxAltitude:      c.Commands.MaxAltitudeM,
			MinAirborneAlt:   c.Commands.MinAirborneAltM,
			History:          c.Commands.History,
		},
		Velocity: velocity.Config{
			Interval:   c.Velocity.Interval,
			InputSpeed: c.Velocity.InputSpeed,
		},
		StaleAfter:        c.Telemetry.StaleAfter,
		HeartbeatInterval: c.Link.HeartbeatInterval,
		Registry:          r.registry,
		FrameTaps:         frameTaps,
		SampleTaps:        sampleTaps,
		Logger:            r.log,
	})

	if c.Redis.Enable {
		r.redis = redispub.New(redispub.Options{
			Addr:     c.Redis.Addr,
			Password: c.Redis.Password,
			DB:       c.Redis.DB,
			Prefix:   c.Redis.Prefix,
			Interval: c.Redis.Interval,
		}, r.station.ReadLatest, r.log)
	}
	return r, nil
}

// Run starts every enabled component and blocks until ctx is done. The
// station is disconnected before Run returns.
func (r *app) Run(ctx context.Context) error {
	c := r.Config()
	defer r.station.Disconnect()

	g, gctx := errgroup.WithContext(ctx)

	if c.Web.Enable {
		hub := web.NewHub(r.station.Snapshot, c.Telemetry.StreamInterval, r.log)
		h := web.Handler(web.Options{
			Station:  r.station,
			Settings: web.SettingsStore{ConfigPath: r.configPath, Apply: r.Apply},
			Logs:     r.logs,
			Hub:      hub,
			Defaults: r.Defaults,
			Start:    r.logger.Start,
		})
		g.Go(func() error { return hub.Run(gctx) })
		g.Go(func() error { return web.Serve(gctx, c.Web.Listen, h, r.log) })
	}

	if c.Discovery.Enable {
		g.Go(func() error {
			port, err := discovery.PortFromListen(c.Web.Listen)
			if err != nil {
				return err
			}
			err = discovery.Advertise(gctx, discovery.Options{
				Instance: c.Discovery.Instance,
				Service:  c.Discovery.Service,
				Domain:   c.Discovery.Domain,
				Port:     port,
				Text:     []string{"api=/api/status", "stream=/ws/telemetry"},
			}, r.log)
			if err != nil {
				r.log.Warn("mdns advertisement unavailable", "error", err)
			}
			return nil
		})
	}

	if r.redis != nil {
		id, updates := r.registry.Subscribe(16)
		g.Go(func() error {
			defer r.registry.Unsubscribe(id)
			return r.redis.Run(gctx, updates)
		})
	}

	if r.flight != nil {
		id, updates := r.registry.Subscribe(16)
		g.Go(func() error {
			defer r.registry.Unsubscribe(id)
			return r.flight.Run(gctx, updates)
		})
	}

	if r.forwarder != nil {
		g.Go(func() error { return r.forwarder.Run(gctx) })
	}

	if c.Indicator.Enable {
		g.Go(func() error {
			err := indicator.Run(gctx, indicator.Config{
				Chip:      c.Indicator.Chip,
				Line:      c.Indicator.Line,
				ActiveLow: c.Indicator.ActiveLow,
			}, r.station.VehicleState, r.log)
			if err != nil {
				r.log.Warn("armed indicator unavailable", "error", err)
			}
			return nil
		})
	}

	if c.Link.AutoConnect {
		g.Go(func() error {
			r.keepConnected(gctx, c.Link.Endpoint)
			return nil
		})
	}

	return g.Wait()
}

// keepConnected connects to endpoint and reconnects with backoff after link
// loss or a failed attempt. It stops for good once the operator disconnects.
func (r *app) keepConnected(ctx context.Context, endpoint string) {
	wait := reconnectMin
	for {
		err := r.station.ConnectString(ctx, endpoint)
		switch {
		case ctx.Err() != nil:
			return
		case err == nil, errors.Is(err, link.ErrAlreadyConnected):
			wait = reconnectMin
			err = r.station.Wait(ctx)
			if ctx.Err() != nil {
				return
			}
			if err == nil {
				r.log.Info("auto-connect stopped by disconnect")
				return
			}
			r.log.Warn("link lost; reconnecting", "endpoint", endpoint, "error", err)
		case errors.Is(err, context.Canceled):
			r.log.Info("auto-connect stopped by disconnect")
			return
		default:
			r.log.Warn("auto-connect failed", "endpoint", endpoint, "error", err, "retry_in", wait)
		}

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
		wait = min(wait*2, reconnectMax)
	}
}

// Apply adopts settings saved through the web API. The link endpoint and
// the default takeoff altitude take effect at once; the rest on restart.
func (r *app) Apply(next config.Config) error {
	if err := config.DefaultAndValidate(&next); err != nil {
		return err
	}
	r.mu.Lock()
	r.cfg = next
	r.mu.Unlock()
	r.setDefaults(next)
	r.log.Info("settings applied", "endpoint", next.Link.Endpoint, "default_takeoff_alt_m", next.Commands.DefaultTakeoffAltM)
	return nil
}

func (r *app) setDefaults(c config.Config) {
	r.defaults.Store(&web.Defaults{
		Endpoint:    c.Link.Endpoint,
		TakeoffAltM: c.Commands.DefaultTakeoffAltM,
	})
}

func (r *app) Defaults() web.Defaults { return *r.defaults.Load() }

func (r *app) Config() config.Config {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cfg
}

// Close releases the recorders and log sinks. Call it after Run returns.
func (r *app) Close() error {
	var errs []error
	if r.tlogRec != nil {
		if err := r.tlogRec.Close(); err != nil {
			errs = append(errs, fmt.Errorf("tlog: %w", err))
		}
	}
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("flightlog: %w", err))
		}
	}
	if r.logger != nil {
		if err := r.logger.Close(); err != nil {
			errs = append(errs, fmt.Errorf("log: %w", err))
		}
	}
	return errors.Join(errs...)
}

// operatorURL is the local address of the operator page for a listen
// address such as ":8080" or "0.0.0.0:8080".
func operatorURL(listen string) string {
	host, port, err := net.SplitHostPort(listen)
	if err != nil {
		return "http://localhost:8080/"
	}
	if ip := net.ParseIP(host); host == "" || (ip != nil && ip.IsUnspecified()) {
		host = "localhost"
	}
	return "http://" + net.JoinHostPort(host, port) + "/"
}
