package web

import (
	"math"
	"net/http"
	"runtime"
	"runtime/debug"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/shirou/gopsutil/cpu"

	"gcslink/internal/gcs"
	"gcslink/internal/wire"
)

const serviceName = "gcslink"

// StatusSummary repeats the most looked-at numbers in operator-friendly form.
type StatusSummary struct {
	Link         string `json:"link"`
	Vehicle      string `json:"vehicle"`
	TelemetryAge string `json:"telemetry_age,omitempty"`
	FramesIn     string `json:"frames_in,omitempty"`
	FramesOut    string `json:"frames_out,omitempty"`
	LastRx       string `json:"last_rx,omitempty"`
}

type StatusResponse struct {
	Service         string        `json:"service"`
	ProtocolVersion int           `json:"protocol_version"`
	NowUTC          string        `json:"now_utc"`
	UptimeSec       int64         `json:"uptime_sec"`
	Uptime          string        `json:"uptime"`
	Summary         StatusSummary `json:"summary"`
	Station         gcs.Snapshot  `json:"station"`
	StreamClients   int           `json:"stream_clients"`
	LocalAddrs      []string      `json:"local_addrs,omitempty"`
	System          SystemStats   `json:"system"`
}

// SystemStats describes the process and host the station runs on.
type SystemStats struct {
	Goroutines int    `json:"goroutines"`
	AllocMB    uint64 `json:"alloc_mb"`
	SysMB      uint64 `json:"sys_mb"`
	NumGC      uint32 `json:"num_gc"`
	Alloc      string `json:"alloc"`
	// CPUPercent is host usage since the previous status request; -1 when
	// unavailable.
	CPUPercent int    `json:"cpu_percent"`
}

// cpuPercent is replaced in tests.
var cpuPercent = func() ([]float64, error) { return cpu.Percent(0, false) }

func systemStats() SystemStats {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	st := SystemStats{
		Goroutines: runtime.NumGoroutine(),
		AllocMB:    m.Alloc / (1024 * 1024),
		SysMB:      m.Sys / (1024 * 1024),
		NumGC:      m.NumGC,
		Alloc:      humanize.Bytes(m.Alloc),
		CPUPercent: -1,
	}
	if usage, err := cpuPercent(); err == nil && len(usage) > 0 {
		st.CPUPercent = int(math.Round(usage[0]))
	}
	return st
}

func humanAge(d time.Duration) string {
	if d < time.Second {
		return "now"
	}
	now := time.Now()
	return humanize.RelTime(now.Add(-d), now, "ago", "from now")
}

func buildStatus(now, start time.Time, snap gcs.Snapshot, clients int) StatusResponse {
	resp := StatusResponse{
		Service:         serviceName,
		ProtocolVersion: int(wire.ProtocolVersion),
		NowUTC:          now.UTC().Format(time.RFC3339Nano),
		UptimeSec:       int64(now.Sub(start).Seconds()),
		Uptime:          humanize.RelTime(start, now, "", ""),
		Station:         snap,
		StreamClients:   clients,
		LocalAddrs:      localAddrs(),
		System:          systemStats(),
	}

	sum := StatusSummary{Link: string(snap.Link.State)}
	if snap.Link.Reason != "" {
		sum.Link += " (" + snap.Link.Reason + ")"
	}
	switch {
	case !snap.Vehicle.Connected:
		sum.Vehicle = "no heartbeat"
	case snap.Vehicle.Armed:
		sum.Vehicle = "armed, " + snap.Vehicle.Mode.String()
	default:
		sum.Vehicle = "disarmed, " + snap.Vehicle.Mode.String()
	}
	if snap.Telemetry != nil {
		sum.TelemetryAge = humanAge(snap.TelemetryAge)
	}
	if ls := snap.LinkStats; ls != nil {
		sum.FramesIn = humanize.Comma(int64(ls.FramesIn))
		sum.FramesOut = humanize.Comma(int64(ls.FramesOut))
		if !ls.LastRx.IsZero() {
			sum.LastRx = humanize.RelTime(ls.LastRx, now, "ago", "from now")
		}
	}
	resp.Summary = sum
	return resp
}

type AboutResponse struct {
	Service   string `json:"service"`
	GoVersion string `json:"go_version"`
	Module    string `json:"module,omitempty"`
	Version   string `json:"version,omitempty"`
	Commit    string `json:"commit,omitempty"`
	Dirty     bool   `json:"dirty,omitempty"`
	BuildTime string `json:"build_time,omitempty"`
}

func about() AboutResponse {
	resp := AboutResponse{Service: serviceName, GoVersion: runtime.Version()}
	bi, ok := debug.ReadBuildInfo()
	if !ok || bi == nil {
		return resp
	}
	resp.Module = bi.Main.Path
	resp.Version = bi.Main.Version
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			resp.Commit = s.Value
		case "vcs.modified":
			resp.Dirty = s.Value == "true"
		case "vcs.time":
			resp.BuildTime = s.Value
		}
	}
	return resp
}

func aboutHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, about())
}
