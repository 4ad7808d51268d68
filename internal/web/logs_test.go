package web

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestLogBuffer_SplitsAndHoldsPartial(t *testing.T) {
	b := NewLogBuffer(3)
	_, _ = b.Write([]byte("one\ntw"))
	_, _ = b.Write([]byte("o\r\n\nthree\nfour\nfi"))

	lines, dropped := b.Snapshot(10, slog.LevelDebug, "")
	want := []string{"two", "three", "four"}
	if strings.Join(lines, ",") != strings.Join(want, ",") {
		t.Fatalf("lines=%v want %v", lines, want)
	}
	if dropped != 1 {
		t.Fatalf("dropped=%d want 1", dropped)
	}

	_, _ = b.Write([]byte("ve\n"))
	lines, _ = b.Snapshot(1, slog.LevelDebug, "")
	if len(lines) != 1 || lines[0] != "five" {
		t.Fatalf("lines=%v want [five]", lines)
	}
}

func TestLineLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"time=x level=DEBUG msg=a":  slog.LevelDebug,
		"time=x level=WARN msg=b":   slog.LevelWarn,
		"time=x level=ERROR msg=c":  slog.LevelError,
		"time=x level=INFO+2 msg=d": slog.LevelInfo + 2,
		"no level here":             slog.LevelInfo,
		"level=LOUD msg=e":          slog.LevelInfo,
	}
	for in, want := range cases {
		if got := lineLevel(in); got != want {
			t.Fatalf("lineLevel(%q)=%v want %v", in, got, want)
		}
	}
}

func TestLogBuffer_Filters(t *testing.T) {
	b := NewLogBuffer(100)
	_, _ = b.Write([]byte(
		"level=INFO msg=connecting session=a\n" +
			"level=WARN msg=\"link lost\" session=a\n" +
			"level=INFO msg=connecting session=b\n" +
			"level=ERROR msg=boom session=b\n"))

	lines, _ := b.Snapshot(10, slog.LevelWarn, "")
	if len(lines) != 2 || !strings.Contains(lines[0], "link lost") || !strings.Contains(lines[1], "boom") {
		t.Fatalf("warn lines=%v", lines)
	}
	lines, _ = b.Snapshot(10, slog.LevelDebug, "session=b")
	if len(lines) != 2 || !strings.HasSuffix(lines[1], "session=b") {
		t.Fatalf("session lines=%v", lines)
	}
	lines, _ = b.Snapshot(1, slog.LevelInfo, "session=a")
	if len(lines) != 1 || !strings.Contains(lines[0], "link lost") {
		t.Fatalf("tail lines=%v", lines)
	}
}

func TestLogBuffer_Handler(t *testing.T) {
	b := NewLogBuffer(100)
	_, _ = b.Write([]byte("level=INFO msg=connected\nlevel=WARN msg=lost\n"))
	ts := httptest.NewServer(b)
	defer ts.Close()

	get := func(query string) (int, []byte) {
		t.Helper()
		resp, err := http.Get(ts.URL + query)
		if err != nil {
			t.Fatalf("GET error: %v", err)
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		return resp.StatusCode, body
	}

	code, body := get("?tail=1")
	var lr LogsResponse
	if err := json.Unmarshal(body, &lr); err != nil || code != http.StatusOK {
		t.Fatalf("code=%d decode err=%v body=%s", code, err, body)
	}
	if len(lr.Lines) != 1 || lr.Lines[0] != "level=WARN msg=lost" {
		t.Fatalf("lines=%v", lr.Lines)
	}

	if code, body = get("?format=text"); string(body) != "level=INFO msg=connected\nlevel=WARN msg=lost\n" {
		t.Fatalf("code=%d text=%q", code, body)
	}
	if code, body = get("?format=text&level=warn"); string(body) != "level=WARN msg=lost\n" {
		t.Fatalf("code=%d text=%q", code, body)
	}
	if code, body = get("?format=text&level=error"); string(body) != "" {
		t.Fatalf("code=%d text=%q want empty", code, body)
	}

	for _, q := range []string{"?tail=0", "?tail=9999", "?level=loud"} {
		if code, _ := get(q); code != http.StatusBadRequest {
			t.Fatalf("%s status=%d want 400", q, code)
		}
	}
}
