// Package schema defines the in-memory entity shapes for todosync.
//
// # Overview
//
// Two entities exist: Task and Label. Tasks reference labels by id through
// Task.Labels; the relation is stored remotely as one row per (task, label)
// pair, but that encoding belongs to internal/service and is never visible
// here.
//
// # Identifiers
//
// Ids are random UUID strings generated on the client with NewID. They are
// immutable once assigned and unique within a user's data set.
//
// # Time encoding
//
// FormatTime and ParseTime use TimeLayout, a fixed-width UTC layout, so that
// encoded timestamps sort lexicographically in time order. Both remote
// backends rely on that when ordering tasks newest-first.
//
// # Usage
//
//	task := schema.NewTask("Fix crash", userID, nil, []string{bug.ID})
//	if err := task.Validate(); err != nil {
//	    return err
//	}
package schema
