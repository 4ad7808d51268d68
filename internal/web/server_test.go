package web

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"gcslink/internal/command"
	"gcslink/internal/gcs"
	"gcslink/internal/link"
	"gcslink/internal/sim"
	"gcslink/internal/status"
)

// newTestStation returns a station whose every dial reaches a fresh fast
// simulated vehicle.
func newTestStation(t *testing.T) *gcs.Station {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	dial := func(context.Context, link.Endpoint) (io.ReadWriteCloser, error) {
		local, remote := net.Pipe()
		v := sim.New(sim.Config{
			HeartbeatInterval: 10 * time.Millisecond,
			TelemetryInterval: 5 * time.Millisecond,
			ClimbRate:         40,
			DescentRate:       40,
		})
		go func() { _ = v.Serve(ctx, remote) }()
		return local, nil
	}
	s := gcs.New(gcs.Config{
		Link:              link.Config{ConnectTimeout: 2 * time.Second, Dial: dial},
		Commands:          command.Config{ArmTimeout: 2 * time.Second, TakeoffTimeout: 5 * time.Second},
		StaleAfter:        500 * time.Millisecond,
		HeartbeatInterval: 20 * time.Millisecond,
		Registry:          status.New(),
	})
	t.Cleanup(func() {
		s.Disconnect()
		cancel()
	})
	return s
}

func newTestServer(t *testing.T, st Station, hub *Hub) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(Handler(Options{
		Station:  st,
		Hub:      hub,
		Logs:     NewLogBuffer(10),
		Defaults: func() Defaults { return Defaults{Endpoint: "sim", TakeoffAltM: 5} },
	}))
	t.Cleanup(ts.Close)
	return ts
}

func post(t *testing.T, url, body string) (int, []byte) {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(http.MethodPost, url, rd)
	if err != nil {
		t.Fatalf("NewRequest() error: %v", err)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST %s error: %v", url, err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, b
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s error: %v", url, err)
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp.StatusCode
}

func requireKind(t *testing.T, code int, body []byte, wantCode int, wantKind string) {
	t.Helper()
	if code != wantCode {
		t.Fatalf("status=%d want %d body=%s", code, wantCode, body)
	}
	var er errorResponse
	if err := json.Unmarshal(body, &er); err != nil {
		t.Fatalf("decode error body %q: %v", body, err)
	}
	if er.Kind != wantKind {
		t.Fatalf("kind=%q want %q (%s)", er.Kind, wantKind, er.Error)
	}
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

func TestAPIStatus_Disconnected(t *testing.T) {
	ts := newTestServer(t, newTestStation(t), nil)

	var resp StatusResponse
	if code := getJSON(t, ts.URL+"/api/status", &resp); code != http.StatusOK {
		t.Fatalf("status code=%d", code)
	}
	if resp.Service != "gcslink" {
		t.Fatalf("service=%q", resp.Service)
	}
	if resp.Station.Link.State != link.StateDisconnected {
		t.Fatalf("link=%s want disconnected", resp.Station.Link.State)
	}
	if resp.Summary.Vehicle != "no heartbeat" {
		t.Fatalf("summary vehicle=%q", resp.Summary.Vehicle)
	}
	if resp.System.Goroutines <= 0 || resp.System.Alloc == "" {
		t.Fatalf("system=%+v", resp.System)
	}
	if code := getJSON(t, ts.URL+"/api/telemetry", nil); code != http.StatusNotFound {
		t.Fatalf("telemetry code=%d want 404", code)
	}
}

func TestAPI_NotConnected(t *testing.T) {
	ts := newTestServer(t, newTestStation(t), nil)

	for _, path := range []string{"/api/arm", "/api/disarm", "/api/land", "/api/velocity/clear"} {
		code, body := post(t, ts.URL+path, "")
		requireKind(t, code, body, http.StatusConflict, "not_connected")
	}
	code, body := post(t, ts.URL+"/api/takeoff", `{"altitude_m": 10}`)
	requireKind(t, code, body, http.StatusConflict, "not_connected")
}

func TestAPI_ConnectArmTakeoffLand(t *testing.T) {
	st := newTestStation(t)
	ts := newTestServer(t, st, nil)

	// Empty body uses the default endpoint.
	code, body := post(t, ts.URL+"/api/connect", "")
	if code != http.StatusOK {
		t.Fatalf("connect status=%d body=%s", code, body)
	}
	var ls link.Status
	if err := json.Unmarshal(body, &ls); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ls.State != link.StateConnected {
		t.Fatalf("state=%s want connected", ls.State)
	}

	code, body = post(t, ts.URL+"/api/connect", `{"endpoint":"sim"}`)
	requireKind(t, code, body, http.StatusConflict, "already_connected")

	eventually(t, "telemetry", func() bool {
		return getJSON(t, ts.URL+"/api/telemetry", nil) == http.StatusOK
	})

	// Moving while disarmed is refused before anything is sent.
	code, body = post(t, ts.URL+"/api/velocity", `{"vx":1,"vy":0,"vz":0}`)
	requireKind(t, code, body, http.StatusUnprocessableEntity, "preconditions")

	if code, body := post(t, ts.URL+"/api/arm", ""); code != http.StatusOK {
		t.Fatalf("arm status=%d body=%s", code, body)
	}
	if code, body := post(t, ts.URL+"/api/takeoff", ""); code != http.StatusOK {
		t.Fatalf("takeoff status=%d body=%s", code, body)
	}

	var tel telemetryResponse
	if code := getJSON(t, ts.URL+"/api/telemetry", &tel); code != http.StatusOK {
		t.Fatalf("telemetry code=%d", code)
	}
	if tel.Sample == nil || tel.Sample.AltitudeM < 0.95*5 {
		t.Fatalf("sample=%+v want altitude >= 4.75", tel.Sample)
	}
	if !tel.Sample.Armed {
		t.Fatalf("sample not armed")
	}

	code, body = post(t, ts.URL+"/api/velocity", `{"vx":1,"vy":0,"vz":0}`)
	if code != http.StatusOK {
		t.Fatalf("velocity status=%d body=%s", code, body)
	}
	code, body = post(t, ts.URL+"/api/input/press", `{"direction":"up"}`)
	if code != http.StatusOK {
		t.Fatalf("press status=%d body=%s", code, body)
	}
	code, body = post(t, ts.URL+"/api/input/release", `{"direction":"up"}`)
	if code != http.StatusOK {
		t.Fatalf("release status=%d body=%s", code, body)
	}

	if code, body := post(t, ts.URL+"/api/land", ""); code != http.StatusOK {
		t.Fatalf("land status=%d body=%s", code, body)
	}

	var resp StatusResponse
	getJSON(t, ts.URL+"/api/status", &resp)
	if resp.Station.LinkStats == nil || resp.Summary.FramesIn == "" {
		t.Fatalf("missing link stats: %+v", resp.Summary)
	}
	if len(resp.Station.History) < 3 {
		t.Fatalf("history=%d want >= 3", len(resp.Station.History))
	}

	code, body = post(t, ts.URL+"/api/disconnect", "")
	if code != http.StatusOK {
		t.Fatalf("disconnect status=%d body=%s", code, body)
	}
	if err := json.Unmarshal(body, &ls); err != nil || ls.State != link.StateDisconnected {
		t.Fatalf("after disconnect=%+v err=%v", ls, err)
	}
}

func TestAPI_BadRequests(t *testing.T) {
	ts := newTestServer(t, newTestStation(t), nil)

	cases := []struct {
		path string
		body string
		want int
	}{
		{"/api/connect", `{"endpoint":"carrier-pigeon:home"}`, http.StatusBadRequest},
		{"/api/connect", `{"endpoint":"sim","extra":1}`, http.StatusBadRequest},
		{"/api/mode", `{"mode":"sport"}`, http.StatusBadRequest},
		{"/api/mode", ``, http.StatusBadRequest},
		{"/api/velocity", `{"vx":1}`, http.StatusBadRequest},
		{"/api/velocity", `{"vx":1,"vy":0,"vz":0,"vx":2}`, http.StatusBadRequest},
		{"/api/input/press", `{"direction":"sideways"}`, http.StatusBadRequest},
		{"/api/takeoff", `{"altitude_m":"high"}`, http.StatusBadRequest},
	}
	for _, tc := range cases {
		code, body := post(t, ts.URL+tc.path, tc.body)
		if code != tc.want {
			t.Fatalf("%s %s: status=%d want %d body=%s", tc.path, tc.body, code, tc.want, body)
		}
	}

	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/api/mode", strings.NewReader(`{"mode":"land"}`))
	req.Header.Set("Content-Type", "text/plain")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST error: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnsupportedMediaType {
		t.Fatalf("status=%d want 415", resp.StatusCode)
	}

	resp, err = http.Get(ts.URL + "/api/arm")
	if err != nil {
		t.Fatalf("GET error: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("status=%d want 405", resp.StatusCode)
	}
}

func TestErrorStatus(t *testing.T) {
	cases := []struct {
		err  error
		code int
		kind string
	}{
		{fmt.Errorf("x: %w", command.ErrBusy), http.StatusConflict, "busy"},
		{command.ErrConfirmationTimeout, http.StatusGatewayTimeout, "confirmation_timeout"},
		{command.ErrCancelled, http.StatusServiceUnavailable, "cancelled"},
		{link.ErrProtocolMismatch, http.StatusBadGateway, "protocol_mismatch"},
		{link.ErrUnreachable, http.StatusGatewayTimeout, "unreachable"},
		{link.ErrSendQueueFull, http.StatusServiceUnavailable, "send_queue_full"},
		{errors.New("other"), http.StatusInternalServerError, ""},
	}
	for _, tc := range cases {
		code, kind := errorStatus(tc.err)
		if code != tc.code || kind != tc.kind {
			t.Fatalf("errorStatus(%v)=%d,%q want %d,%q", tc.err, code, kind, tc.code, tc.kind)
		}
	}
}

func TestRootPage(t *testing.T) {
	ts := newTestServer(t, newTestStation(t), nil)
	resp, err := http.Get(ts.URL + "/")
	if err != nil {
		t.Fatalf("get root: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status code=%d", resp.StatusCode)
	}
	b, _ := io.ReadAll(resp.Body)
	if !bytes.Contains(b, []byte("link=disconnected")) {
		t.Fatalf("body=%s", b)
	}

	resp, err = http.Get(ts.URL + "/nope")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status=%d want 404", resp.StatusCode)
	}
}

func TestTelemetryStream(t *testing.T) {
	st := newTestStation(t)
	hub := NewHub(st.Snapshot, 10*time.Millisecond, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = hub.Run(ctx) }()
	ts := newTestServer(t, st, hub)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/telemetry"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial() error: %v", err)
	}
	defer conn.Close()

	read := func() StreamFrame {
		t.Helper()
		_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
		var f StreamFrame
		if err := conn.ReadJSON(&f); err != nil {
			t.Fatalf("ReadJSON() error: %v", err)
		}
		return f
	}

	first := read()
	if first.Type != "telemetry" || first.Link.State != link.StateDisconnected {
		t.Fatalf("first frame=%+v", first)
	}
	eventually(t, "hub client", func() bool { return hub.Clients() == 1 })

	if err := st.ConnectString(context.Background(), "sim"); err != nil {
		t.Fatalf("ConnectString() error: %v", err)
	}
	deadline := time.Now().Add(3 * time.Second)
	for {
		f := read()
		if f.Telemetry != nil && f.Fresh && f.Link.State == link.StateConnected {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("no fresh telemetry frame")
		}
	}

	var resp StatusResponse
	getJSON(t, ts.URL+"/api/status", &resp)
	if resp.StreamClients != 1 {
		t.Fatalf("stream_clients=%d want 1", resp.StreamClients)
	}

	cancel()
	eventually(t, "clients closed", func() bool { return hub.Clients() == 0 })
}

func TestSystemStats_CPU(t *testing.T) {
	old := cpuPercent
	t.Cleanup(func() { cpuPercent = old })

	cpuPercent = func() ([]float64, error) { return []float64{42.6}, nil }
	if got := systemStats().CPUPercent; got != 43 {
		t.Fatalf("cpu=%d want %d", got, 43)
	}

	cpuPercent = func() ([]float64, error) { return nil, errors.New("no /proc") }
	if got := systemStats().CPUPercent; got != -1 {
		t.Fatalf("cpu=%d want %d", got, -1)
	}
}
