// Package duedate turns user input such as "tomorrow 5pm", "next friday" or
// "2024-06-01" into due dates.
package duedate

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
)

// ErrUnrecognized is returned when input names no date.
var ErrUnrecognized = errors.New("unrecognized due date")

// clearWords mean "no due date".
var clearWords = map[string]bool{
	"":      true,
	"none":  true,
	"clear": true,
	"-":     true,
}

var layouts = []string{
	time.RFC3339,
	"2006-01-02T15:04",
	"2006-01-02 15:04",
	"2006-01-02",
}

// Parser parses due dates relative to a clock.
type Parser struct {
	w   *when.Parser
	loc *time.Location
	now func() time.Time
}

// New returns a parser for English input in loc. A nil loc means
// time.Local.
func New(loc *time.Location) *Parser {
	if loc == nil {
		loc = time.Local
	}
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	return &Parser{w: w, loc: loc, now: time.Now}
}

// Parse returns the due date named by s, or nil when s clears the due
// date. Dates without a time of day are due at the end of that day.
func (p *Parser) Parse(s string) (*time.Time, error) {
	return p.ParseAt(s, p.now().In(p.loc))
}

// ParseAt is Parse relative to base.
func (p *Parser) ParseAt(s string, base time.Time) (*time.Time, error) {
	s = strings.TrimSpace(s)
	if clearWords[strings.ToLower(s)] {
		return nil, nil
	}

	for _, layout := range layouts {
		t, err := time.ParseInLocation(layout, s, p.loc)
		if err != nil {
			continue
		}
		if layout == "2006-01-02" {
			t = endOfDay(t)
		}
		return &t, nil
	}

	r, err := p.w.Parse(s, base)
	if err != nil {
		return nil, fmt.Errorf("failed to parse due date %q: %w", s, err)
	}
	if r == nil {
		return nil, fmt.Errorf("%w: %q", ErrUnrecognized, s)
	}
	t := r.Time
	// when keeps base's clock for date-only phrases like "next friday".
	if t.Hour() == base.Hour() && t.Minute() == base.Minute() && t.Second() == base.Second() {
		t = endOfDay(t)
	}
	return &t, nil
}

// Describe renders due relative to now: "today", "tomorrow", "in 3d",
// "yesterday" or "2d overdue".
func Describe(due, now time.Time) string {
	days := int(startOfDay(due.In(now.Location())).Sub(startOfDay(now)).Hours() / 24)
	switch {
	case days == 0:
		return "today"
	case days == 1:
		return "tomorrow"
	case days == -1:
		return "yesterday"
	case days > 1:
		return fmt.Sprintf("in %dd", days)
	default:
		return fmt.Sprintf("%dd overdue", -days)
	}
}

// Overdue reports whether due is before now.
func Overdue(due *time.Time, now time.Time) bool {
	return due != nil && due.Before(now)
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

func endOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 23, 59, 0, 0, t.Location())
}
