// Package web serves the operator HTTP API: status, telemetry, commands,
// a websocket telemetry stream, settings and recent logs.
package web

import (
	"context"
	"fmt"
	"html"
	"log/slog"
	"net/http"
	"time"

	"gcslink/internal/gcs"
	"gcslink/internal/vehicle"
	"gcslink/internal/velocity"
)

// Station is the part of *gcs.Station the API drives.
type Station interface {
	ConnectString(ctx context.Context, endpoint string) error
	Disconnect()
	Arm(ctx context.Context) error
	Disarm(ctx context.Context) error
	Takeoff(ctx context.Context, altitude float64) error
	Land(ctx context.Context) error
	SetMode(ctx context.Context, mode vehicle.Mode) error
	SetVelocity(vx, vy, vz float64) (velocity.Setpoint, error)
	ClearVelocity() (velocity.Setpoint, error)
	Press(dir velocity.Direction) (velocity.Setpoint, error)
	Release(dir velocity.Direction) (velocity.Setpoint, error)
	Snapshot() gcs.Snapshot
}

// Defaults fill in request fields the client left out.
type Defaults struct {
	Endpoint    string
	TakeoffAltM float64
}

type Options struct {
	Station  Station
	Settings SettingsStore
	Logs     *LogBuffer
	Hub      *Hub
	// Defaults is read on every request so settings edits apply at once.
	Defaults func() Defaults
	// CommandTimeout caps one confirmed command. Zero means 90s.
	CommandTimeout time.Duration
	Start          time.Time
}

func Handler(opts Options) http.Handler {
	if opts.Defaults == nil {
		opts.Defaults = func() Defaults { return Defaults{} }
	}
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = 90 * time.Second
	}
	if opts.Start.IsZero() {
		opts.Start = time.Now()
	}
	a := &api{st: opts.Station, defaults: opts.Defaults, commandTimeout: opts.CommandTimeout}
	st := opts.Station

	mux := http.NewServeMux()
	mux.HandleFunc("/api/status", getOnly(func(w http.ResponseWriter, r *http.Request) {
		clients := 0
		if opts.Hub != nil {
			clients = opts.Hub.Clients()
		}
		writeJSON(w, http.StatusOK, buildStatus(time.Now(), opts.Start, st.Snapshot(), clients))
	}))
	mux.HandleFunc("/api/telemetry", getOnly(a.telemetry))

	mux.HandleFunc("/api/connect", postOnly(a.connect))
	mux.HandleFunc("/api/disconnect", postOnly(a.disconnect))
	mux.HandleFunc("/api/arm", postOnly(a.simple(st.Arm)))
	mux.HandleFunc("/api/disarm", postOnly(a.simple(st.Disarm)))
	mux.HandleFunc("/api/land", postOnly(a.simple(st.Land)))
	mux.HandleFunc("/api/takeoff", postOnly(a.takeoff))
	mux.HandleFunc("/api/mode", postOnly(a.mode))
	mux.HandleFunc("/api/velocity", postOnly(a.velocity))
	mux.HandleFunc("/api/velocity/clear", postOnly(a.clearVelocity))
	mux.HandleFunc("/api/input/press", postOnly(a.input(st.Press)))
	mux.HandleFunc("/api/input/release", postOnly(a.input(st.Release)))

	if opts.Hub != nil {
		mux.Handle("/ws/telemetry", opts.Hub)
	}
	mux.Handle("/api/settings", opts.Settings)
	if opts.Logs != nil {
		mux.Handle("/api/logs", opts.Logs)
	}
	mux.HandleFunc("/api/about", getOnly(aboutHandler))

	mux.HandleFunc("/", getOnly(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		snap := st.Snapshot()
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("Cache-Control", "no-store")
		_, _ = fmt.Fprintf(w, "<!doctype html><html><head><meta charset=\"utf-8\"><title>gcslink</title></head><body>")
		_, _ = fmt.Fprintf(w, "<h1>gcslink</h1>")
		_, _ = fmt.Fprintf(w, "<p>API: <a href=\"/api/status\">/api/status</a>, <a href=\"/api/telemetry\">/api/telemetry</a>, stream at /ws/telemetry.</p>")
		_, _ = fmt.Fprintf(w, "<pre>link=%s\nendpoint=%s\narmed=%v\nmode=%s</pre>",
			html.EscapeString(string(snap.Link.State)), html.EscapeString(snap.Link.Endpoint),
			snap.Vehicle.Armed, html.EscapeString(snap.Vehicle.Mode.String()))
		_, _ = fmt.Fprintf(w, "</body></html>")
	}))

	return mux
}

// Serve runs the HTTP server until ctx is done.
func Serve(ctx context.Context, listenAddr string, h http.Handler, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	srv := &http.Server{
		Addr:              listenAddr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		IdleTimeout:       30 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MiB
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	logger.Info("web api listening", "addr", listenAddr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}
