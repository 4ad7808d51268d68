package web

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gcslink/internal/config"
)

func writeTempConfigFile(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	p := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(p, []byte(contents), 0o644); err != nil {
		t.Fatalf("WriteFile() error: %v", err)
	}
	return p
}

func ptr[T any](v T) *T { return &v }

func validSettings() SettingsPayloadIn {
	return SettingsPayloadIn{
		LinkEndpoint:       ptr("udpin:0.0.0.0:14550"),
		ConnectTimeout:     ptr("4s"),
		VelocityInterval:   ptr("250ms"),
		InputSpeed:         ptr(2.0),
		DefaultTakeoffAltM: ptr(15.0),
	}
}

func postSettings(t *testing.T, url string, body []byte) (int, string) {
	t.Helper()
	req, _ := http.NewRequest(http.MethodPost, url+"/api/settings", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST /api/settings error: %v", err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(b)
}

func TestSettingsGET(t *testing.T) {
	cfgPath := writeTempConfigFile(t, "link:\n  endpoint: 'sim'\n")
	ts := httptest.NewServer(SettingsStore{ConfigPath: cfgPath})
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/settings")
	if err != nil {
		t.Fatalf("GET error: %v", err)
	}
	defer resp.Body.Close()
	var got SettingsPayload
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.LinkEndpoint != "sim" || got.ConnectTimeout != "10s" || got.VelocityInterval != "1s" {
		t.Fatalf("settings=%+v", got)
	}
	if got.InputSpeed != 1 || got.DefaultTakeoffAltM != 10 {
		t.Fatalf("settings=%+v", got)
	}
}

func TestSettingsPOST_AppliesAndSaves(t *testing.T) {
	cfgPath := writeTempConfigFile(t, "link:\n  endpoint: 'sim'\n")

	appliedCh := make(chan config.Config, 1)
	store := SettingsStore{
		ConfigPath: cfgPath,
		Apply: func(cfg config.Config) error {
			appliedCh <- cfg
			return nil
		},
	}
	ts := httptest.NewServer(store)
	defer ts.Close()

	b, _ := json.Marshal(validSettings())
	if code, body := postSettings(t, ts.URL, b); code != http.StatusOK {
		t.Fatalf("status=%d body=%s", code, body)
	}

	select {
	case got := <-appliedCh:
		if got.Link.Endpoint != "udpin:0.0.0.0:14550" {
			t.Fatalf("applied endpoint=%q", got.Link.Endpoint)
		}
		if got.Link.ConnectTimeout != 4*time.Second || got.Velocity.Interval != 250*time.Millisecond {
			t.Fatalf("applied durations=%s/%s", got.Link.ConnectTimeout, got.Velocity.Interval)
		}
		if got.Velocity.InputSpeed != 2 || got.Commands.DefaultTakeoffAltM != 15 {
			t.Fatalf("applied=%+v", got)
		}
	case <-time.After(1 * time.Second):
		t.Fatalf("timed out waiting for Apply")
	}

	reloaded, err := config.Load(cfgPath)
	if err != nil {
		t.Fatalf("Load() after save error: %v", err)
	}
	if reloaded.Link.Endpoint != "udpin:0.0.0.0:14550" || reloaded.Velocity.Interval != 250*time.Millisecond {
		t.Fatalf("reloaded=%+v", reloaded.Link)
	}
}

func TestSettingsPOST_ApplyFailureDoesNotSave(t *testing.T) {
	original := "link:\n  endpoint: 'sim'\n"
	cfgPath := writeTempConfigFile(t, original)
	store := SettingsStore{
		ConfigPath: cfgPath,
		Apply:      func(config.Config) error { return errors.New("boom") },
	}
	ts := httptest.NewServer(store)
	defer ts.Close()

	b, _ := json.Marshal(validSettings())
	if code, body := postSettings(t, ts.URL, b); code != http.StatusBadRequest {
		t.Fatalf("status=%d body=%s", code, body)
	}
	onDisk, _ := os.ReadFile(cfgPath)
	if string(onDisk) != original {
		t.Fatalf("expected config unchanged; got: %s", onDisk)
	}
}

func TestSettingsPOST_Rejected(t *testing.T) {
	cases := []struct {
		name string
		body string
		want string
	}{
		{
			name: "MissingKey",
			body: `{"link_endpoint":"sim","connect_timeout":"1s","velocity_interval":"1s","input_speed":1}`,
			want: `missing required key "default_takeoff_alt_m"`,
		},
		{
			name: "DuplicateKey",
			body: `{"link_endpoint":"sim","link_endpoint":"sim","connect_timeout":"1s","velocity_interval":"1s","input_speed":1,"default_takeoff_alt_m":5}`,
			want: `duplicate key "link_endpoint"`,
		},
		{
			name: "UnknownKey",
			body: `{"mode":"guided"}`,
			want: `unknown key "mode"`,
		},
		{
			name: "Null",
			body: `{"link_endpoint":null}`,
			want: `"link_endpoint" cannot be null`,
		},
		{
			name: "BadDuration",
			body: `{"link_endpoint":"sim","connect_timeout":"soon","velocity_interval":"1s","input_speed":1,"default_takeoff_alt_m":5}`,
			want: `invalid connect_timeout "soon"`,
		},
		{
			name: "BadEndpoint",
			body: `{"link_endpoint":"carrier-pigeon:home","connect_timeout":"1s","velocity_interval":"1s","input_speed":1,"default_takeoff_alt_m":5}`,
			want: "invalid config: link.endpoint is invalid",
		},
		{
			name: "AltAboveMax",
			body: `{"link_endpoint":"sim","connect_timeout":"1s","velocity_interval":"1s","input_speed":1,"default_takeoff_alt_m":500}`,
			want: "commands.default_takeoff_alt_m must be in",
		},
		{
			name: "TrailingData",
			body: `{"link_endpoint":"sim"} {}`,
			want: "trailing data",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			original := "link:\n  endpoint: 'sim'\n"
			cfgPath := writeTempConfigFile(t, original)
			ts := httptest.NewServer(SettingsStore{ConfigPath: cfgPath})
			defer ts.Close()

			code, body := postSettings(t, ts.URL, []byte(tc.body))
			if code != http.StatusBadRequest {
				t.Fatalf("status=%d body=%s", code, body)
			}
			if !strings.Contains(body, tc.want) {
				t.Fatalf("body=%q want substring %q", body, tc.want)
			}
			onDisk, _ := os.ReadFile(cfgPath)
			if string(onDisk) != original {
				t.Fatalf("expected config unchanged; got: %s", onDisk)
			}
		})
	}
}

func TestSettings_NoConfigPath(t *testing.T) {
	ts := httptest.NewServer(SettingsStore{})
	defer ts.Close()
	resp, err := http.Get(ts.URL + "/api/settings")
	if err != nil {
		t.Fatalf("GET error: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotImplemented {
		t.Fatalf("status=%d want 501", resp.StatusCode)
	}
}
