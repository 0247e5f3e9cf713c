package log

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
)

// JSONLZstdWriter appends JSON lines to hourly zstd files
// <dir>/<prefix>-YYYY-MM-DD-HH.jsonl.zst.
type JSONLZstdWriter struct {
	baseDir string
	prefix  string
	now     func() time.Time

	mu      sync.Mutex
	curHour string
	f       *os.File
	enc     *zstd.Encoder
	w       *bufio.Writer
}

func NewJSONLZstdWriter(baseDir, prefix string) *JSONLZstdWriter {
	return &JSONLZstdWriter{
		baseDir: baseDir,
		prefix:  prefix,
		now:     time.Now,
	}
}

func (w *JSONLZstdWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closeLocked()
}

func (w *JSONLZstdWriter) Write(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	hour := w.now().UTC().Format("2006-01-02-15")
	if hour != w.curHour {
		if err := w.rotateLocked(hour); err != nil {
			return err
		}
	}

	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := w.w.Write(b); err != nil {
		return err
	}
	return w.w.WriteByte('\n')
}

// Flush pushes buffered lines through the encoder to the file.
func (w *JSONLZstdWriter) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.w == nil {
		return nil
	}
	if err := w.w.Flush(); err != nil {
		return err
	}
	return w.enc.Flush()
}

func (w *JSONLZstdWriter) rotateLocked(hour string) error {
	if err := w.closeLocked(); err != nil {
		return err
	}
	p := w.pathForHour(hour)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(p, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = f.Close()
		return err
	}
	w.f = f
	w.enc = enc
	w.w = bufio.NewWriterSize(enc, 64*1024)
	w.curHour = hour
	return nil
}

func (w *JSONLZstdWriter) closeLocked() error {
	var err1 error
	if w.w != nil {
		_ = w.w.Flush()
	}
	if w.enc != nil {
		err1 = w.enc.Close()
		w.enc = nil
	}
	if w.f != nil {
		_ = w.f.Close()
		w.f = nil
	}
	w.w = nil
	w.curHour = ""
	return err1
}

func (w *JSONLZstdWriter) pathForHour(hour string) string {
	return filepath.Join(w.baseDir, fmt.Sprintf("%s-%s.jsonl.zst", w.prefix, hour))
}

// CycleEntry is one LOD cycle as written to the cycle log.
type CycleEntry struct {
	Time        time.Time `json:"time"`
	Frame       uint64    `json:"frame"`
	Cycle       uint64    `json:"cycle"`
	Samples     int       `json:"samples"`
	Missed      int       `json:"missed"`
	Unknown     int       `json:"unknown"`
	Seen        int       `json:"seen"`
	Conflicts   int       `json:"conflicts"`
	Splits      []string  `json:"splits,omitempty"`
	Merges      []string  `json:"merges,omitempty"`
	Shifted     int       `json:"shifted"`
	Refetched   int       `json:"refetched"`
	Tiles       int       `json:"tiles"`
	SteadyState bool      `json:"steady_state"`
	Distance    float64   `json:"distance,omitempty"`

	Streamers []StreamerEntry `json:"streamers"`
}

type StreamerEntry struct {
	Kind      string `json:"kind"`
	Occupied  int    `json:"occupied"`
	Capacity  int    `json:"capacity"`
	InFlight  int    `json:"in_flight"`
	Loaded    uint64 `json:"loaded"`
	Failures  uint64 `json:"failures"`
	Throttled uint64 `json:"throttled"`
	Fallbacks uint64 `json:"fallbacks"`
}

// CycleLogger writes one compressed JSONL entry per LOD cycle.
type CycleLogger struct{ w *JSONLZstdWriter }

func NewCycleLogger(dir string) *CycleLogger {
	return &CycleLogger{w: NewJSONLZstdWriter(dir, "cycles")}
}

func (l *CycleLogger) WriteCycle(e CycleEntry) error { return l.w.Write(e) }
func (l *CycleLogger) Flush() error                  { return l.w.Flush() }
func (l *CycleLogger) Close() error                  { return l.w.Close() }
