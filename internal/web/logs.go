package web

import (
	"bytes"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	defaultLogTail = 200
	maxLogTail     = 5000
)

type logLine struct {
	text  string
	level slog.Level
}

// LogBuffer is a ring of recent slog text lines for /api/logs. It is handed
// to the logger as an extra sink.
type LogBuffer struct {
	mu      sync.Mutex
	max     int
	lines   []logLine
	partial []byte
	dropped uint64
}

func NewLogBuffer(maxLines int) *LogBuffer {
	if maxLines <= 0 {
		maxLines = 2000
	}
	return &LogBuffer{max: maxLines}
}

// Write implements io.Writer. Bytes after the last newline are held until
// the line is completed.
func (b *LogBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	data := append(b.partial, p...)
	for {
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			break
		}
		b.push(string(data[:i]))
		data = data[i+1:]
	}
	b.partial = append([]byte(nil), data...)
	return len(p), nil
}

func (b *LogBuffer) push(text string) {
	text = strings.TrimRight(text, "\r")
	if text == "" {
		return
	}
	b.lines = append(b.lines, logLine{text: text, level: lineLevel(text)})
	if over := len(b.lines) - b.max; over > 0 {
		b.lines = append(b.lines[:0:0], b.lines[over:]...)
		b.dropped += uint64(over)
	}
}

// lineLevel reads the level= attribute of a slog text record. Lines without
// one count as info.
func lineLevel(text string) slog.Level {
	_, rest, ok := strings.Cut(text, "level=")
	if !ok {
		return slog.LevelInfo
	}
	word, _, _ := strings.Cut(rest, " ")
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(word)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}

type LogsResponse struct {
	NowUTC  string   `json:"now_utc"`
	Dropped uint64   `json:"dropped"`
	Lines   []string `json:"lines"`
}

// Snapshot returns up to tail of the newest lines at or above minLevel whose
// text contains match.
func (b *LogBuffer) Snapshot(tail int, minLevel slog.Level, match string) (lines []string, dropped uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if tail <= 0 {
		tail = defaultLogTail
	}
	for i := len(b.lines) - 1; i >= 0 && len(lines) < tail; i-- {
		l := b.lines[i]
		if l.level < minLevel || (match != "" && !strings.Contains(l.text, match)) {
			continue
		}
		lines = append(lines, l.text)
	}
	for i, j := 0, len(lines)-1; i < j; i, j = i+1, j-1 {
		lines[i], lines[j] = lines[j], lines[i]
	}
	if lines == nil {
		lines = []string{}
	}
	return lines, b.dropped
}

// ServeHTTP answers GET /api/logs?tail=N&level=warn&match=session=ID, as
// JSON or, with format=text, as plain lines.
func (b *LogBuffer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	q := r.URL.Query()

	tail := defaultLogTail
	if s := strings.TrimSpace(q.Get("tail")); s != "" {
		v, err := strconv.Atoi(s)
		if err != nil || v < 1 || v > maxLogTail {
			http.Error(w, fmt.Sprintf("tail must be an integer in [1,%d]", maxLogTail), http.StatusBadRequest)
			return
		}
		tail = v
	}
	minLevel := slog.LevelDebug
	if s := strings.TrimSpace(q.Get("level")); s != "" {
		if err := minLevel.UnmarshalText([]byte(s)); err != nil {
			http.Error(w, "level must be one of debug, info, warn, error", http.StatusBadRequest)
			return
		}
	}

	lines, dropped := b.Snapshot(tail, minLevel, q.Get("match"))
	if strings.EqualFold(q.Get("format"), "text") {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Header().Set("Cache-Control", "no-store")
		if dropped > 0 {
			_, _ = fmt.Fprintf(w, "[dropped=%d]\n", dropped)
		}
		_, _ = fmt.Fprint(w, strings.Join(lines, "\n"))
		if len(lines) > 0 {
			_, _ = fmt.Fprintln(w)
		}
		return
	}
	writeJSON(w, http.StatusOK, LogsResponse{
		NowUTC:  time.Now().UTC().Format(time.RFC3339Nano),
		Dropped: dropped,
		Lines:   lines,
	})
}
