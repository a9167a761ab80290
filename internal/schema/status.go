package schema

import "fmt"

// Status selects which tasks a filtered view shows.
type Status string

const (
	// StatusAll shows every task.
	StatusAll Status = "all"

	// StatusActive shows tasks that are not completed.
	StatusActive Status = "active"

	// StatusCompleted shows completed tasks.
	StatusCompleted Status = "completed"
)

// ValidStatuses returns all valid status filter values.
func ValidStatuses() []Status {
	return []Status{StatusAll, StatusActive, StatusCompleted}
}

// IsValid returns true if the status is a known value.
func (s Status) IsValid() bool {
	for _, valid := range ValidStatuses() {
		if s == valid {
			return true
		}
	}
	return false
}

// Matches reports whether task passes the status filter.
func (s Status) Matches(task *Task) bool {
	switch s {
	case StatusActive:
		return !task.Completed
	case StatusCompleted:
		return task.Completed
	default:
		return true
	}
}

// ParseStatus converts user input to a Status. The empty string means all.
func ParseStatus(s string) (Status, error) {
	if s == "" {
		return StatusAll, nil
	}
	status := Status(s)
	if !status.IsValid() {
		return "", fmt.Errorf("invalid status filter %q (want all, active or completed)", s)
	}
	return status, nil
}
