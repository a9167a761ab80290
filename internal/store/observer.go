package store

import "github.com/steveyegge/todosync/internal/schema"

// EventType identifies a store change.
type EventType string

const (
	TaskAdded      EventType = "task_added"
	TaskUpdated    EventType = "task_updated"
	TaskDeleted    EventType = "task_deleted"
	TasksReplaced  EventType = "tasks_replaced"
	LabelAdded     EventType = "label_added"
	LabelUpdated   EventType = "label_updated"
	LabelDeleted   EventType = "label_deleted"
	LabelsReplaced EventType = "labels_replaced"
	Reconciled     EventType = "reconciled"
)

// Event describes one change to the store. Task and Label are copies.
type Event struct {
	Type  EventType
	ID    string
	Task  *schema.Task
	Label *schema.Label

	// Dirty is set when the change did not reach the remote store.
	Dirty bool

	// Count is the collection size for *Replaced events and the number of
	// pushed entities for Reconciled.
	Count int
}

// Observer is notified after every store change. Observers are called
// synchronously, outside the store's locks, and must not block.
type Observer interface {
	StoreChanged(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

func (f ObserverFunc) StoreChanged(ev Event) { f(ev) }

func (st *state) emit(ev Event) {
	st.mu.RLock()
	if st.closed {
		st.mu.RUnlock()
		return
	}
	observers := append([]Observer(nil), st.observers...)
	st.mu.RUnlock()

	for _, obs := range observers {
		obs.StoreChanged(ev)
	}
}

func taskEvent(typ EventType, task schema.Task, dirty bool) Event {
	c := task.Clone()
	return Event{Type: typ, ID: task.ID, Task: &c, Dirty: dirty}
}

func labelEvent(typ EventType, label schema.Label, dirty bool) Event {
	c := label
	return Event{Type: typ, ID: label.ID, Label: &c, Dirty: dirty}
}
