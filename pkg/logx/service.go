package logx

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

type Config struct {
	Level   string
	Console bool
	File    FileConfig
	Events  EventsConfig
}

type FileConfig struct {
	Enabled bool
	Path    string // default ./rulekit.log
}

// EventsConfig forwards records at or above MinLevel (default warn) to the
// EventSink, at most RatePerSec per second (default 1).
type EventsConfig struct {
	Enabled    bool
	MinLevel   string
	RatePerSec int
}

// Record is a forwarded log line.
type Record struct {
	Time    time.Time
	Level   string
	Message string
	Caller  string
	Fields  map[string]any
}

// EventSink receives forwarded records. Emit must not block.
type EventSink interface {
	Emit(r Record)
}

// Service owns the process-wide outputs. Loggers taken from it pick up
// every Apply without being recreated.
type Service struct {
	root atomic.Pointer[zerolog.Logger]

	mu       sync.Mutex
	file     *os.File
	sink     EventSink
	limiter  *rate.Limiter
	minLevel Level

	forwarded atomic.Uint64
	dropped   atomic.Uint64
}

// New builds the service from cfg. The returned error is a log file that
// could not be opened; the other outputs are still active.
func New(cfg Config, sink EventSink) (*Service, Logger, error) {
	s := &Service{sink: sink}
	err := s.Apply(cfg)
	return s, Logger{svc: s}, err
}

func (s *Service) Logger() Logger { return Logger{svc: s} }

func (s *Service) current() zerolog.Logger {
	if zl := s.root.Load(); zl != nil {
		return *zl
	}
	return zerolog.Nop()
}

// SetEventSink swaps the sink. nil disables forwarding.
func (s *Service) SetEventSink(sink EventSink) {
	s.mu.Lock()
	s.sink = sink
	s.mu.Unlock()
}

// Forwarded and Dropped count records sent to and rate limited away from
// the event sink.
func (s *Service) Forwarded() uint64 { return s.forwarded.Load() }
func (s *Service) Dropped() uint64   { return s.dropped.Load() }

// Apply rebuilds the outputs. Safe for concurrent use with logging.
func (s *Service) Apply(cfg Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.minLevel = parseLevel(cfg.Events.MinLevel, LevelWarn)
	burst := max(1, cfg.Events.RatePerSec)
	s.limiter = rate.NewLimiter(rate.Limit(burst), burst)

	if s.file != nil {
		_ = s.file.Close()
		s.file = nil
	}

	var (
		outs    []io.Writer
		fileErr error
	)
	if cfg.Console {
		outs = append(outs, consoleWriter(os.Stdout))
	}
	if cfg.File.Enabled {
		path := strings.TrimSpace(cfg.File.Path)
		if path == "" {
			path = "./rulekit.log"
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			fileErr = fmt.Errorf("logx: open log file %q: %w", path, err)
		} else {
			s.file = f
			outs = append(outs, zerolog.SyncWriter(f))
		}
	}
	if cfg.Events.Enabled {
		outs = append(outs, eventWriter{s})
	}

	var zl zerolog.Logger
	if len(outs) == 0 {
		zl = zerolog.Nop()
	} else {
		zl = zerolog.New(zerolog.MultiLevelWriter(outs...)).
			Level(parseLevel(cfg.Level, LevelInfo)).
			With().Timestamp().Logger()
	}
	s.root.Store(&zl)
	return fileErr
}

func (s *Service) Close() error {
	s.mu.Lock()
	f := s.file
	s.file = nil
	s.mu.Unlock()
	if f == nil {
		return nil
	}
	return f.Close()
}

// eventWriter decodes JSON lines back into Records for the sink.
type eventWriter struct{ s *Service }

func (w eventWriter) Write(p []byte) (int, error) { return w.WriteLevel(LevelInfo, p) }

func (w eventWriter) WriteLevel(level Level, p []byte) (int, error) {
	w.s.mu.Lock()
	sink, lim, minLevel := w.s.sink, w.s.limiter, w.s.minLevel
	w.s.mu.Unlock()

	if sink == nil || level < minLevel {
		return len(p), nil
	}
	if !lim.Allow() {
		w.s.dropped.Add(1)
		return len(p), nil
	}
	if r, ok := decodeRecord(p); ok {
		w.s.forwarded.Add(1)
		sink.Emit(r)
	}
	return len(p), nil
}

func decodeRecord(p []byte) (Record, bool) {
	var m map[string]any
	if err := json.Unmarshal(p, &m); err != nil {
		return Record{}, false
	}
	r := Record{Fields: make(map[string]any, len(m))}
	for k, v := range m {
		switch k {
		case zerolog.LevelFieldName:
			r.Level, _ = v.(string)
		case zerolog.MessageFieldName:
			r.Message, _ = v.(string)
		case zerolog.CallerFieldName:
			r.Caller, _ = v.(string)
		case zerolog.TimestampFieldName:
			if s, ok := v.(string); ok {
				r.Time, _ = time.Parse(timeFormat, s)
			}
		default:
			r.Fields[k] = v
		}
	}
	return r, true
}
