package app

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// Logger prints plain lines by default and NDJSON events with verbose on.
// Every line is mirrored to the optional log file with ANSI colors stripped.
type Logger struct {
	verbose bool
	out     io.Writer
	file    *os.File
	mu      sync.Mutex
	zl      zerolog.Logger
}

var ansiEscape = regexp.MustCompile(`\x1b\[[0-9;]*m`)

func NewLogger(verbose bool, logFile string) (*Logger, error) {
	l := &Logger{verbose: verbose}
	level := zerolog.Disabled
	if verbose {
		level = zerolog.DebugLevel
	}
	l.zl = zerolog.New(lineSink{l}).Level(level).With().Timestamp().Logger()
	if strings.TrimSpace(logFile) == "" {
		return l, nil
	}
	dir := filepath.Dir(logFile)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	l.file = f
	return l, nil
}

func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// Zerolog exposes the structured logger for library packages. It is disabled
// unless verbose is on.
func (l *Logger) Zerolog() *zerolog.Logger {
	return &l.zl
}

func (l *Logger) writeLine(line string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := l.out
	if out == nil {
		out = os.Stdout
	}
	fmt.Fprintln(out, line)
	if l.file != nil {
		_, _ = l.file.WriteString(ansiEscape.ReplaceAllString(line, "") + "\n")
	}
}

func (l *Logger) Info(msg string) {
	if l.verbose {
		l.Event("info", map[string]any{"message": msg})
		return
	}
	l.writeLine(msg)
}

func (l *Logger) Event(event string, fields map[string]any) {
	if !l.verbose {
		return
	}
	l.zl.Info().Str("event", event).Fields(fields).Send()
}

// lineSink receives one complete JSON object per Write from zerolog.
type lineSink struct{ l *Logger }

func (s lineSink) Write(p []byte) (int, error) {
	s.l.writeLine(strings.TrimRight(string(p), "\n"))
	return len(p), nil
}
