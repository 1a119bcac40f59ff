package logx

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

const (
	consoleTimeFormat = "2006-01-02T15:04:05.000Z07:00"
	DefaultFilePath   = "./cdecimport.log"
)

// Config selects the level and sinks. With no sink enabled the console is used.
type Config struct {
	Level   string
	Console bool
	File    FileConfig
}

// FileConfig appends JSON lines to Path (DefaultFilePath when empty).
type FileConfig struct {
	Enabled bool
	Path    string
}

// Service owns the sinks. Loggers derived from it pick up every Apply.
type Service struct {
	mu      sync.Mutex
	console io.Writer
	file    *os.File

	root atomic.Pointer[zerolog.Logger]
}

type Option func(*Service)

// WithConsole replaces stdout as the console sink.
func WithConsole(w io.Writer) Option {
	return func(s *Service) {
		if w != nil {
			s.console = w
		}
	}
}

func init() {
	zerolog.ErrorFieldName = "err"
	zerolog.TimeFieldFormat = consoleTimeFormat
}

// New applies cfg and returns the service with a root Logger bound to it.
func New(cfg Config, opts ...Option) (*Service, Logger) {
	s := &Service{console: os.Stdout}
	for _, o := range opts {
		o(s)
	}
	s.Apply(cfg)
	return s, Logger{svc: s}
}

func (s *Service) current() zerolog.Logger {
	if zl := s.root.Load(); zl != nil {
		return *zl
	}
	return zerolog.Nop()
}

// Apply swaps level and sinks. Safe for concurrent use with logging.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file != nil {
		_ = s.file.Close()
		s.file = nil
	}

	var (
		writers []io.Writer
		openErr error
		path    string
	)
	if cfg.Console {
		writers = append(writers, s.consoleWriter())
	}
	if cfg.File.Enabled {
		path = strings.TrimSpace(cfg.File.Path)
		if path == "" {
			path = DefaultFilePath
		}
		if s.file, openErr = openLogFile(path); openErr == nil {
			writers = append(writers, zerolog.SyncWriter(s.file))
		}
	}
	if len(writers) == 0 {
		writers = append(writers, s.consoleWriter())
	}

	zl := zerolog.New(zerolog.MultiLevelWriter(writers...)).
		Level(parseLevel(cfg.Level, zerolog.InfoLevel)).
		With().Timestamp().Logger()
	s.root.Store(&zl)

	if openErr != nil {
		zl.Error().Str("path", path).Err(openErr).Msg("log file unavailable; using remaining sinks")
	}
}

// Close releases the log file. Console logging keeps working.
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

func (s *Service) consoleWriter() io.Writer {
	return zerolog.ConsoleWriter{
		Out:        s.console,
		TimeFormat: consoleTimeFormat,
		FormatCaller: func(i any) string {
			c, _ := i.(string)
			return c
		},
	}
}

func openLogFile(path string) (*os.File, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	return os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
}
