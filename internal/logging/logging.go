// Package logging builds the prefixed loggers used across td, optionally
// writing to a size-rotated file.
package logging

import (
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Options selects the log destination.
type Options struct {
	// File is the log file. Empty writes to stderr.
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int

	// Verbose also copies file output to stderr.
	Verbose bool
}

// Logs hands out component loggers sharing one destination.
type Logs struct {
	out    io.Writer
	closer io.Closer

	mu      sync.Mutex
	loggers map[string]*log.Logger
}

// Open creates the destination described by opts.
func Open(opts Options) (*Logs, error) {
	l := &Logs{out: os.Stderr, loggers: make(map[string]*log.Logger)}
	if opts.File == "" {
		return l, nil
	}

	if err := os.MkdirAll(filepath.Dir(opts.File), 0755); err != nil {
		return nil, err
	}
	rotating := &lumberjack.Logger{
		Filename:   opts.File,
		MaxSize:    opts.MaxSizeMB,
		MaxBackups: opts.MaxBackups,
		MaxAge:     opts.MaxAgeDays,
	}
	l.closer = rotating
	l.out = rotating
	if opts.Verbose {
		l.out = io.MultiWriter(rotating, os.Stderr)
	}
	return l, nil
}

// Discard returns Logs that drop everything.
func Discard() *Logs {
	return &Logs{out: io.Discard, loggers: make(map[string]*log.Logger)}
}

// For returns the logger for component, prefixed "[component] ".
func (l *Logs) For(component string) *log.Logger {
	l.mu.Lock()
	defer l.mu.Unlock()

	if lg, ok := l.loggers[component]; ok {
		return lg
	}
	lg := log.New(l.out, "["+component+"] ", log.LstdFlags)
	l.loggers[component] = lg
	return lg
}

// Writer returns the shared destination.
func (l *Logs) Writer() io.Writer {
	return l.out
}

// Close closes the log file, if any.
func (l *Logs) Close() error {
	if l.closer == nil {
		return nil
	}
	return l.closer.Close()
}
