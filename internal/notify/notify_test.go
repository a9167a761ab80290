package notify

import (
	"bytes"
	"log"
	"strings"
	"testing"
)

func TestLogSink(t *testing.T) {
	var buf bytes.Buffer
	sink := NewLogSink(log.New(&buf, "[notify] ", 0))

	sink.Success("Task added successfully")
	sink.Failure("Failed to add task")

	out := buf.String()
	if !strings.Contains(out, "[notify] Task added successfully") {
		t.Errorf("missing success line in %q", out)
	}
	if !strings.Contains(out, "[notify] ERROR: Failed to add task") {
		t.Errorf("missing failure line in %q", out)
	}
}

func TestMultiAndRecorder(t *testing.T) {
	a, b := &Recorder{}, &Recorder{}
	sink := Multi(a, nil, b)

	sink.Success("ok")
	sink.Failure("bad")

	for _, r := range []*Recorder{a, b} {
		if got := r.Successes(); len(got) != 1 || got[0] != "ok" {
			t.Errorf("Successes = %v", got)
		}
		if got := r.Failures(); len(got) != 1 || got[0] != "bad" {
			t.Errorf("Failures = %v", got)
		}
	}

	a.Reset()
	if len(a.Messages()) != 0 {
		t.Error("Reset did not clear messages")
	}

	Discard.Success("ignored")
}
