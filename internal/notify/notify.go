// Package notify delivers user-facing success and failure messages.
//
// Notifications are fire-and-forget: a Sink must not block and must not
// fail. Correctness never depends on them; store operations return errors
// as well.
package notify

import (
	"log"
	"os"
	"sync"
)

// Sink receives notifications.
type Sink interface {
	Success(msg string)
	Failure(msg string)
}

// Discard drops every notification.
var Discard Sink = discard{}

type discard struct{}

func (discard) Success(string) {}
func (discard) Failure(string) {}

// LogSink writes notifications to a logger.
type LogSink struct {
	logger *log.Logger
}

// NewLogSink creates a sink writing to logger. If logger is nil, writes to
// stderr.
func NewLogSink(logger *log.Logger) *LogSink {
	if logger == nil {
		logger = log.New(os.Stderr, "[notify] ", log.LstdFlags)
	}
	return &LogSink{logger: logger}
}

func (s *LogSink) Success(msg string) { s.logger.Printf("%s", msg) }
func (s *LogSink) Failure(msg string) { s.logger.Printf("ERROR: %s", msg) }

// Multi fans notifications out to several sinks. Nil sinks are skipped.
func Multi(sinks ...Sink) Sink {
	var out multi
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

type multi []Sink

func (m multi) Success(msg string) {
	for _, s := range m {
		s.Success(msg)
	}
}

func (m multi) Failure(msg string) {
	for _, s := range m {
		s.Failure(msg)
	}
}

// Message is a recorded notification.
type Message struct {
	OK   bool
	Text string
}

// Recorder keeps every notification in memory.
type Recorder struct {
	mu       sync.Mutex
	messages []Message
}

func (r *Recorder) Success(msg string) { r.add(true, msg) }
func (r *Recorder) Failure(msg string) { r.add(false, msg) }

func (r *Recorder) add(ok bool, msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, Message{OK: ok, Text: msg})
}

// Messages returns a copy of everything recorded so far.
func (r *Recorder) Messages() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Message(nil), r.messages...)
}

// Failures returns the recorded failure texts.
func (r *Recorder) Failures() []string {
	var out []string
	for _, m := range r.Messages() {
		if !m.OK {
			out = append(out, m.Text)
		}
	}
	return out
}

// Successes returns the recorded success texts.
func (r *Recorder) Successes() []string {
	var out []string
	for _, m := range r.Messages() {
		if m.OK {
			out = append(out, m.Text)
		}
	}
	return out
}

// Reset forgets everything recorded.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = nil
}
