package logging

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/rs/zerolog/pkgerrors"
	"golang.org/x/term"
)

const (
	logDirPerm  = os.FileMode(0o700)
	logFilePerm = os.FileMode(0o600)

	bytesPerMB        int64 = 1024 * 1024
	defaultMaxSizeMB        = 50
	defaultMaxAgeDays       = 30
)

// Config controls logger initialization.
type Config struct {
	Format     string // "json", "console", or "auto"
	Level      string // "debug", "info", "warn", "error"
	Component  string // optional component name
	FilePath   string // optional log file path
	MaxSizeMB  int    // rotate after this size (MB)
	MaxAgeDays int    // keep rotated logs for this many days
}

var (
	mu         sync.Mutex
	fileCloser io.Closer

	defaultTimeFmt = time.RFC3339
)

func init() {
	log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
}

// Init configures zerolog globals and establishes the package baseline logger.
func Init(cfg Config) zerolog.Logger {
	mu.Lock()
	defer mu.Unlock()

	previousFileCloser := fileCloser
	fileCloser = nil

	zerolog.TimeFieldFormat = defaultTimeFmt
	zerolog.SetGlobalLevel(ParseLevel(cfg.Level))
	zerolog.ErrorStackMarshaler = pkgerrors.MarshalStack

	writer := selectWriter(cfg.Format)

	if fileWriter, err := newRollingFileWriter(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "logging: unable to configure file output: %v\n", err)
	} else if fileWriter != nil {
		writer = io.MultiWriter(writer, fileWriter)
		fileCloser = fileWriter
	}

	contextBuilder := zerolog.New(writer).With().Timestamp()
	if component := strings.TrimSpace(cfg.Component); component != "" {
		contextBuilder = contextBuilder.Str("component", component)
	}

	log.Logger = contextBuilder.Logger()

	if previousFileCloser != nil {
		if err := previousFileCloser.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "logging: unable to close previous log file writer: %v\n", err)
		}
	}

	return log.Logger
}

// Shutdown closes logging resources held since Init.
func Shutdown() {
	mu.Lock()
	defer mu.Unlock()

	if fileCloser != nil {
		if err := fileCloser.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "logging: unable to close log file writer: %v\n", err)
		}
		fileCloser = nil
	}
}

// SetLevel changes the global log level at runtime.
func SetLevel(level string) {
	zerolog.SetGlobalLevel(ParseLevel(level))
}

// ParseLevel maps a level string onto a zerolog level, defaulting to info.
func ParseLevel(level string) zerolog.Level {
	normalized := strings.ToLower(strings.TrimSpace(level))
	switch normalized {
	case "", "info":
		return zerolog.InfoLevel
	case "debug":
		return zerolog.DebugLevel
	case "trace":
		return zerolog.TraceLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "fatal":
		return zerolog.FatalLevel
	case "disabled":
		return zerolog.Disabled
	default:
		fmt.Fprintf(os.Stderr, "logging: invalid level %q; using %q\n", normalized, "info")
		return zerolog.InfoLevel
	}
}

func selectWriter(format string) io.Writer {
	format = strings.ToLower(strings.TrimSpace(format))
	switch format {
	case "console":
		return newConsoleWriter(os.Stderr)
	case "json":
		return os.Stderr
	case "auto", "":
		if term.IsTerminal(int(os.Stderr.Fd())) {
			return newConsoleWriter(os.Stderr)
		}
		return os.Stderr
	default:
		fmt.Fprintf(os.Stderr, "logging: invalid format %q; using %q\n", format, "json")
		return os.Stderr
	}
}

func newConsoleWriter(out io.Writer) io.Writer {
	return zerolog.ConsoleWriter{
		Out:        out,
		TimeFormat: defaultTimeFmt,
	}
}

// rollingFileWriter appends to a log file and rotates it by size,
// pruning rotated files older than maxAge.
type rollingFileWriter struct {
	mu          sync.Mutex
	path        string
	file        *os.File
	currentSize int64
	maxBytes    int64
	maxAge      time.Duration
}

func newRollingFileWriter(cfg Config) (*rollingFileWriter, error) {
	path := strings.TrimSpace(cfg.FilePath)
	if path == "" {
		return nil, nil
	}
	path = filepath.Clean(path)

	if err := os.MkdirAll(filepath.Dir(path), logDirPerm); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	maxSize := cfg.MaxSizeMB
	if maxSize <= 0 {
		maxSize = defaultMaxSizeMB
	}
	maxAge := cfg.MaxAgeDays
	if maxAge < 0 {
		maxAge = defaultMaxAgeDays
	}

	writer := &rollingFileWriter{
		path:     path,
		maxBytes: int64(maxSize) * bytesPerMB,
		maxAge:   time.Duration(maxAge) * 24 * time.Hour,
	}

	if err := writer.openLocked(); err != nil {
		return nil, fmt.Errorf("initialize rolling log file %s: %w", path, err)
	}
	writer.cleanupOldFiles()
	return writer, nil
}

func (w *rollingFileWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.openLocked(); err != nil {
		return 0, fmt.Errorf("open log file %s for write: %w", w.path, err)
	}

	if w.currentSize+int64(len(p)) > w.maxBytes {
		if err := w.rotateLocked(); err != nil {
			return 0, fmt.Errorf("rotate log file %s: %w", w.path, err)
		}
	}

	n, err := w.file.Write(p)
	if n > 0 {
		w.currentSize += int64(n)
	}
	if err != nil {
		return n, fmt.Errorf("write log file %s: %w", w.path, err)
	}
	return n, nil
}

func (w *rollingFileWriter) openLocked() error {
	if w.file != nil {
		return nil
	}

	file, err := os.OpenFile(w.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, logFilePerm)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	w.file = file

	info, err := file.Stat()
	if err != nil {
		w.currentSize = 0
		return nil
	}
	w.currentSize = info.Size()
	return nil
}

func (w *rollingFileWriter) rotateLocked() error {
	if err := w.closeLocked(); err != nil {
		return err
	}

	if _, err := os.Stat(w.path); err == nil {
		rotated := fmt.Sprintf("%s.%s", w.path, time.Now().Format("20060102-150405"))
		if err := os.Rename(w.path, rotated); err != nil {
			fmt.Fprintf(os.Stderr, "log rotation: rename %s -> %s failed: %v\n", w.path, rotated, err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "log rotation: stat %s failed: %v\n", w.path, err)
	}

	w.cleanupOldFiles()
	return w.openLocked()
}

func (w *rollingFileWriter) closeLocked() error {
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	w.currentSize = 0
	if err != nil {
		return fmt.Errorf("close log file %s: %w", w.path, err)
	}
	return nil
}

func (w *rollingFileWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.closeLocked()
}

func (w *rollingFileWriter) cleanupOldFiles() {
	if w.maxAge <= 0 {
		return
	}

	dir := filepath.Dir(w.path)
	prefix := filepath.Base(w.path) + "."
	cutoff := time.Now().Add(-w.maxAge)

	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}

	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(filepath.Join(dir, name)); err != nil {
				fmt.Fprintf(os.Stderr, "logging: remove old rotated log %s failed: %v\n", name, err)
			}
		}
	}
}
