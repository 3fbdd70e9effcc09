package viewer

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/petervdpas/goopcall/internal/util"
)

// LogEntry is one log line. Lines written by go-log in JSON format are split
// into their fields; anything else lands in Msg.
type LogEntry struct {
	TS     time.Time      `json:"ts"`
	Level  string         `json:"level,omitempty"`
	Logger string         `json:"logger,omitempty"`
	Msg    string         `json:"msg"`
	Fields map[string]any `json:"fields,omitempty"`
}

type LogBuffer struct {
	mu      sync.Mutex
	entries *util.RingBuffer[LogEntry]
	subs    map[chan LogEntry]struct{}
	partial bytes.Buffer
	now     func() time.Time
}

func NewLogBuffer(size int) *LogBuffer {
	if size <= 0 {
		size = 500
	}
	return &LogBuffer{
		entries: util.NewRingBuffer[LogEntry](size),
		subs:    make(map[chan LogEntry]struct{}),
		now:     time.Now,
	}
}

// Follow copies r into the buffer line by line until r fails or is closed.
// Feed it logging.NewPipeReader to mirror the process log.
func (b *LogBuffer) Follow(r io.Reader) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		b.add(sc.Text())
	}
	return sc.Err()
}

// Write implements io.Writer; partial lines are held until their newline.
func (b *LogBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	b.partial.Write(p)
	var lines []string
	for {
		data := b.partial.Bytes()
		i := bytes.IndexByte(data, '\n')
		if i == -1 {
			break
		}
		lines = append(lines, string(data[:i]))
		b.partial.Next(i + 1)
	}
	b.mu.Unlock()

	for _, l := range lines {
		b.add(l)
	}
	return len(p), nil
}

func (b *LogBuffer) add(line string) {
	line = strings.TrimRight(line, "\r")
	if strings.TrimSpace(line) == "" {
		return
	}
	e := b.parse(line)

	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries.Push(e)
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
			// drop on slow subscriber
		}
	}
}

func (b *LogBuffer) parse(line string) LogEntry {
	e := LogEntry{TS: b.now(), Msg: line}
	var raw map[string]any
	if !strings.HasPrefix(line, "{") || json.Unmarshal([]byte(line), &raw) != nil {
		return e
	}
	take := func(k string) string {
		v, _ := raw[k].(string)
		delete(raw, k)
		return v
	}
	if ts, err := time.Parse(time.RFC3339Nano, take("ts")); err == nil {
		e.TS = ts
	}
	e.Level = take("level")
	e.Logger = take("logger")
	e.Msg = take("msg")
	delete(raw, "caller")
	if len(raw) > 0 {
		e.Fields = raw
	}
	return e
}

func (b *LogBuffer) Snapshot() []LogEntry {
	return b.entries.Snapshot()
}

func (b *LogBuffer) Subscribe() (ch chan LogEntry, cancel func()) {
	ch = make(chan LogEntry, 64)

	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	cancel = func() {
		b.mu.Lock()
		if _, ok := b.subs[ch]; ok {
			delete(b.subs, ch)
			close(ch)
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

// GET /api/logs
func (b *LogBuffer) ServeLogsJSON(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(b.Snapshot())
}

// GET /api/logs/stream (Server-Sent Events), tail only.
func (b *LogBuffer) ServeLogsSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher.Flush()

	ch, cancel := b.Subscribe()
	defer cancel()

	for {
		select {
		case <-r.Context().Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			writeSSE(w, e)
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, e LogEntry) {
	data, _ := json.Marshal(e)
	_, _ = w.Write([]byte("event: message\n"))
	_, _ = w.Write([]byte("data: " + string(data) + "\n\n"))
}
