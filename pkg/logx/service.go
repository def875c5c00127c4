package logx

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

const (
	timeFormat      = "2006-01-02T15:04:05.000Z07:00"
	defaultLogFile  = "./stepwise.log"
	defaultSampling = time.Second
)

var (
	stdout io.Writer = os.Stdout
	stderr io.Writer = os.Stderr

	globalsOnce sync.Once
)

func setGlobals() {
	globalsOnce.Do(func() {
		zerolog.ErrorFieldName = "err"
		zerolog.TimeFieldFormat = timeFormat
	})
}

type Config struct {
	Level   string
	Console bool
	// Format of the console sink: "text" (default) or "json".
	Format   string
	File     FileConfig
	Sampling SamplingConfig
	Alerts   AlertsConfig
}

type FileConfig struct {
	Enabled bool
	Path    string
}

// SamplingConfig bounds debug and trace records to DebugBurst per Period.
// Zero DebugBurst disables sampling.
type SamplingConfig struct {
	DebugBurst int
	Period     time.Duration
}

// AlertsConfig mirrors records at or above MinLevel to stderr as JSON,
// at most RatePerSec per second. Excess records are counted and dropped.
type AlertsConfig struct {
	Enabled    bool
	MinLevel   string
	RatePerSec int
}

// Service owns the sinks behind every Logger it hands out.
type Service struct {
	out, errOut io.Writer

	mu     sync.Mutex
	file   *os.File
	alerts *alertWriter

	root atomic.Pointer[zerolog.Logger]
}

// New builds the service from cfg and returns it with its root Logger.
func New(cfg Config) (*Service, Logger) {
	return newService(cfg, stdout, stderr)
}

func newService(cfg Config, out, errOut io.Writer) (*Service, Logger) {
	setGlobals()
	s := &Service{out: out, errOut: errOut}
	s.Apply(cfg)
	return s, Logger{svc: s}
}

func (s *Service) current() zerolog.Logger {
	if zl := s.root.Load(); zl != nil {
		return *zl
	}
	return zerolog.Nop()
}

func (s *Service) Logger() Logger { return Logger{svc: s} }

// AlertsDropped counts alert records discarded by the rate limit since the
// last Apply.
func (s *Service) AlertsDropped() uint64 {
	if s == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.alerts == nil {
		return 0
	}
	return s.alerts.dropped.Load()
}

// Apply rebuilds the sinks. Loggers already handed out pick them up on
// their next record. Safe for concurrent use.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file != nil {
		_ = s.file.Close()
		s.file = nil
	}
	s.alerts = nil

	var writers []io.Writer
	if cfg.Console {
		writers = append(writers, consoleWriter(s.out, isJSON(cfg.Format)))
	}
	if cfg.File.Enabled {
		path := strings.TrimSpace(cfg.File.Path)
		if path == "" {
			path = defaultLogFile
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			fmt.Fprintf(s.errOut, "logx: open log file %q: %v\n", path, err)
		} else {
			s.file = f
			writers = append(writers, zerolog.SyncWriter(f))
		}
	}
	// Never run blind: fall back to the console.
	if len(writers) == 0 {
		writers = append(writers, consoleWriter(s.out, isJSON(cfg.Format)))
	}
	if cfg.Alerts.Enabled {
		s.alerts = newAlertWriter(s.errOut, parseLevel(cfg.Alerts.MinLevel, LevelWarn), cfg.Alerts.RatePerSec)
		writers = append(writers, s.alerts)
	}

	zl := zerolog.New(zerolog.MultiLevelWriter(writers...)).
		Level(parseLevel(cfg.Level, LevelInfo)).
		With().Timestamp().Logger()
	if b := cfg.Sampling.DebugBurst; b > 0 {
		period := cfg.Sampling.Period
		if period <= 0 {
			period = defaultSampling
		}
		burst := &zerolog.BurstSampler{Burst: uint32(b), Period: period}
		zl = zl.Sample(zerolog.LevelSampler{TraceSampler: burst, DebugSampler: burst})
	}
	s.root.Store(&zl)
}

// Close releases the log file. Loggers keep writing to the other sinks.
func (s *Service) Close() error {
	s.mu.Lock()
	f := s.file
	s.file = nil
	s.mu.Unlock()
	if f != nil {
		return f.Close()
	}
	return nil
}

func isJSON(format string) bool {
	return strings.EqualFold(strings.TrimSpace(format), "json")
}

func consoleWriter(w io.Writer, json bool) io.Writer {
	if json {
		return w
	}
	return zerolog.ConsoleWriter{
		Out:        w,
		TimeFormat: timeFormat,
		// The caller is already file:line.
		FormatCaller: func(i any) string {
			s, _ := i.(string)
			return s
		},
	}
}
