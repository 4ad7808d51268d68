package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"gcslink/internal/command"
	"gcslink/internal/link"
	"gcslink/internal/telemetry"
	"gcslink/internal/vehicle"
	"gcslink/internal/velocity"
)

const maxBodyBytes = 64 << 10

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

type okResponse struct {
	OK bool `json:"ok"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		http.Error(w, "marshal failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(code)
	_, _ = w.Write(b)
	_, _ = w.Write([]byte("\n"))
}

// readJSONBody enforces the content type and a size cap. An empty body is
// returned as nil.
func readJSONBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	if r.ContentLength != 0 {
		ct := strings.TrimSpace(r.Header.Get("Content-Type"))
		if mt, _, _ := strings.Cut(ct, ";"); strings.TrimSpace(mt) != "application/json" {
			http.Error(w, "content-type must be application/json", http.StatusUnsupportedMediaType)
			return nil, false
		}
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, fmt.Sprintf("read failed: %v", err), http.StatusBadRequest)
		return nil, false
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		return nil, true
	}
	return body, true
}

// errorStatus maps link and command errors onto HTTP codes.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, link.ErrNotConnected):
		return http.StatusConflict, "not_connected"
	case errors.Is(err, link.ErrAlreadyConnected):
		return http.StatusConflict, "already_connected"
	case errors.Is(err, command.ErrBusy):
		return http.StatusConflict, "busy"
	case errors.Is(err, command.ErrPreconditions):
		return http.StatusUnprocessableEntity, "preconditions"
	case errors.Is(err, command.ErrConfirmationTimeout):
		return http.StatusGatewayTimeout, "confirmation_timeout"
	case errors.Is(err, command.ErrCancelled):
		return http.StatusServiceUnavailable, "cancelled"
	case errors.Is(err, link.ErrUnreachable):
		return http.StatusGatewayTimeout, "unreachable"
	case errors.Is(err, link.ErrProtocolMismatch):
		return http.StatusBadGateway, "protocol_mismatch"
	case errors.Is(err, link.ErrSendQueueFull):
		return http.StatusServiceUnavailable, "send_queue_full"
	}
	return http.StatusInternalServerError, ""
}

func writeError(w http.ResponseWriter, err error) {
	code, kind := errorStatus(err)
	writeJSON(w, code, errorResponse{Error: err.Error(), Kind: kind})
}

func postOnly(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		h(w, r)
	}
}

func getOnly(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		h(w, r)
	}
}

// decodeBody reads an optional strict JSON object into out. Keys not listed
// are rejected; missing keys keep out's zero values.
func decodeBody(w http.ResponseWriter, r *http.Request, keys []string, required bool, out any) bool {
	body, ok := readJSONBody(w, r)
	if !ok {
		return false
	}
	if body == nil {
		if required {
			http.Error(w, "request body is required", http.StatusBadRequest)
			return false
		}
		return true
	}
	if err := decodeStrict(body, keys, required, out); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

type api struct {
	st       Station
	defaults func() Defaults
	// Upper bound for a single confirmed command.
	commandTimeout time.Duration
}

// commandCtx ties the command to the request but never lets a hung client
// hold the dispatcher past commandTimeout.
func (a *api) commandCtx(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), a.commandTimeout)
}

type connectRequest struct {
	Endpoint string `json:"endpoint"`
}

func (a *api) connect(w http.ResponseWriter, r *http.Request) {
	var req connectRequest
	if !decodeBody(w, r, []string{"endpoint"}, false, &req) {
		return
	}
	ep := strings.TrimSpace(req.Endpoint)
	if ep == "" {
		ep = a.defaults().Endpoint
	}
	if ep == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "endpoint is required"})
		return
	}
	if _, err := link.ParseEndpoint(ep); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error(), Kind: "bad_endpoint"})
		return
	}
	if err := a.st.ConnectString(r.Context(), ep); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a.st.Snapshot().Link)
}

func (a *api) disconnect(w http.ResponseWriter, r *http.Request) {
	a.st.Disconnect()
	writeJSON(w, http.StatusOK, a.st.Snapshot().Link)
}

func (a *api) simple(fn func(context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := a.commandCtx(r)
		defer cancel()
		if err := fn(ctx); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, okResponse{OK: true})
	}
}

type takeoffRequest struct {
	AltitudeM float64 `json:"altitude_m"`
}

func (a *api) takeoff(w http.ResponseWriter, r *http.Request) {
	var req takeoffRequest
	if !decodeBody(w, r, []string{"altitude_m"}, false, &req) {
		return
	}
	alt := req.AltitudeM
	if alt == 0 {
		alt = a.defaults().TakeoffAltM
	}
	ctx, cancel := a.commandCtx(r)
	defer cancel()
	if err := a.st.Takeoff(ctx, alt); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, okResponse{OK: true})
}

type modeRequest struct {
	Mode string `json:"mode"`
}

func (a *api) mode(w http.ResponseWriter, r *http.Request) {
	var req modeRequest
	if !decodeBody(w, r, []string{"mode"}, true, &req) {
		return
	}
	m, err := vehicle.ParseMode(req.Mode)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error(), Kind: "bad_mode"})
		return
	}
	ctx, cancel := a.commandCtx(r)
	defer cancel()
	if err := a.st.SetMode(ctx, m); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, okResponse{OK: true})
}

type velocityRequest struct {
	Vx float64 `json:"vx"`
	Vy float64 `json:"vy"`
	Vz float64 `json:"vz"`
}

func (a *api) velocity(w http.ResponseWriter, r *http.Request) {
	var req velocityRequest
	if !decodeBody(w, r, []string{"vx", "vy", "vz"}, true, &req) {
		return
	}
	sp, err := a.st.SetVelocity(req.Vx, req.Vy, req.Vz)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sp)
}

func (a *api) clearVelocity(w http.ResponseWriter, r *http.Request) {
	sp, err := a.st.ClearVelocity()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sp)
}

type inputRequest struct {
	Direction string `json:"direction"`
}

func (a *api) input(fn func(velocity.Direction) (velocity.Setpoint, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req inputRequest
		if !decodeBody(w, r, []string{"direction"}, true, &req) {
			return
		}
		dir, err := velocity.ParseDirection(req.Direction)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error(), Kind: "bad_direction"})
			return
		}
		sp, err := fn(dir)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, sp)
	}
}

type telemetryResponse struct {
	Fresh     bool              `json:"fresh"`
	Age       string            `json:"age"`
	AgeMillis int64             `json:"age_ms"`
	Sample    *telemetry.Sample `json:"sample"`
}

func (a *api) telemetry(w http.ResponseWriter, r *http.Request) {
	snap := a.st.Snapshot()
	if snap.Telemetry == nil {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "no telemetry yet", Kind: "no_telemetry"})
		return
	}
	writeJSON(w, http.StatusOK, telemetryResponse{
		Fresh:     snap.Fresh,
		Age:       humanAge(snap.TelemetryAge),
		AgeMillis: snap.TelemetryAge.Milliseconds(),
		Sample:    snap.Telemetry,
	})
}
