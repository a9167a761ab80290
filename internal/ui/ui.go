// Package ui renders td output for the terminal.
package ui

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"

	"github.com/steveyegge/todosync/internal/duedate"
	"github.com/steveyegge/todosync/internal/schema"
)

var (
	accentStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("12")).Bold(true)
	passStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	failStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
	mutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	doneStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("8")).Strikethrough(true)
	headerStyle = lipgloss.NewStyle().Bold(true).Underline(true)
)

// Init picks the color profile for w, honoring NO_COLOR and
// CLICOLOR_FORCE. Output to a non-terminal is plain.
func Init(w io.Writer) {
	lipgloss.SetColorProfile(termenv.NewOutput(w).EnvColorProfile())
}

// Plain disables styling.
func Plain() {
	lipgloss.SetColorProfile(termenv.Ascii)
}

func RenderAccent(s string) string { return accentStyle.Render(s) }
func RenderPass(s string) string   { return passStyle.Render(s) }
func RenderWarn(s string) string   { return warnStyle.Render(s) }
func RenderFail(s string) string   { return failStyle.Render(s) }
func RenderMuted(s string) string  { return mutedStyle.Render(s) }
func RenderHeader(s string) string { return headerStyle.Render(s) }

// RenderLabel renders a label name in its own color.
func RenderLabel(l schema.Label) string {
	return lipgloss.NewStyle().Foreground(lipgloss.Color(l.Color)).Render("#" + l.Name)
}

// RenderTask renders one task line: checkbox, title, due date, labels and
// a short id. Unknown label ids are shown muted.
func RenderTask(t schema.Task, labels map[string]schema.Label, dirty bool, now time.Time) string {
	var b strings.Builder

	if t.Completed {
		b.WriteString(RenderPass("[x]"))
		b.WriteString(" ")
		b.WriteString(doneStyle.Render(t.Title))
	} else {
		b.WriteString("[ ] ")
		b.WriteString(t.Title)
	}

	if t.DueDate != nil {
		when := duedate.Describe(*t.DueDate, now)
		switch {
		case t.Completed:
			when = RenderMuted(when)
		case duedate.Overdue(t.DueDate, now):
			when = RenderFail(when)
		default:
			when = RenderWarn(when)
		}
		b.WriteString("  ")
		b.WriteString(when)
	}

	for _, id := range t.Labels {
		b.WriteString(" ")
		if l, ok := labels[id]; ok {
			b.WriteString(RenderLabel(l))
		} else {
			b.WriteString(RenderMuted("#" + ShortID(id)))
		}
	}

	b.WriteString("  ")
	b.WriteString(RenderMuted(ShortID(t.ID)))
	if dirty {
		b.WriteString(" ")
		b.WriteString(RenderWarn("(unsynced)"))
	}
	return b.String()
}

// ShortID returns the first eight characters of id.
func ShortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}

// Counts renders the footer under a task list.
func Counts(active, completed int) string {
	item := "items"
	if active == 1 {
		item = "item"
	}
	return RenderMuted(fmt.Sprintf("%d %s left, %d completed", active, item, completed))
}
