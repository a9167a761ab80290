package dashboard

import (
	"encoding/json"
	"log"
	"time"

	"github.com/steveyegge/todosync/internal/schema"
	"github.com/steveyegge/todosync/internal/store"
	tdsync "github.com/steveyegge/todosync/internal/sync"
)

// Handler turns store events, sync results and notifications into
// dashboard messages. It implements store.Observer and notify.Sink.
type Handler struct {
	server *Server
	logger *log.Logger
}

// NewHandler creates a new event handler connected to a dashboard server
func NewHandler(server *Server, logger *log.Logger) *Handler {
	if logger == nil {
		logger = log.Default()
	}
	return &Handler{server: server, logger: logger}
}

// StoreChanged broadcasts a task or label update followed by fresh stats.
func (h *Handler) StoreChanged(ev store.Event) {
	switch ev.Type {
	case store.TaskAdded, store.TaskUpdated, store.TaskDeleted, store.TasksReplaced:
		h.send(MessageTypeTaskUpdate, taskData(ev))
	case store.LabelAdded, store.LabelUpdated, store.LabelDeleted, store.LabelsReplaced:
		h.send(MessageTypeLabelUpdate, labelData(ev))
	case store.Reconciled:
		// Reconciliation changes nothing a client renders besides stats.
	default:
		return
	}
	h.broadcastStats()
}

// Success implements notify.Sink.
func (h *Handler) Success(msg string) {
	h.send(MessageTypeNotification, NotificationData{Level: "success", Message: msg})
}

// Failure implements notify.Sink.
func (h *Handler) Failure(msg string) {
	h.send(MessageTypeNotification, NotificationData{Level: "failure", Message: msg})
}

// OnSyncComplete handles a finished pull. It is shaped for
// sync.Coordinator.OnComplete.
func (h *Handler) OnSyncComplete(res tdsync.Result) {
	h.logger.Printf("Sync complete: %d tasks, %d labels in %v (%s)", res.Tasks, res.Labels, res.Duration(), res.State)

	data := SyncCompleteData{
		UserID:     res.UserID,
		State:      string(res.State),
		Tasks:      res.Tasks,
		Labels:     res.Labels,
		FailedStep: string(res.FailedStep),
		Duration:   res.Duration(),
	}
	if res.Err != nil {
		data.Error = res.Err.Error()
	}
	h.send(MessageTypeSyncComplete, data)
}

// broadcastStats sends current statistics to all clients
func (h *Handler) broadcastStats() {
	msg := h.server.welcome()
	if msg.Data == nil {
		return
	}
	h.server.Broadcast(msg)
}

func (h *Handler) send(typ MessageType, v interface{}) {
	dataJSON, err := json.Marshal(v)
	if err != nil {
		h.logger.Printf("Failed to marshal %s data: %v", typ, err)
		return
	}
	h.server.Broadcast(Message{
		Type:      typ,
		Timestamp: time.Now(),
		Data:      dataJSON,
	})
}

var actions = map[store.EventType]string{
	store.TaskAdded:      "created",
	store.TaskUpdated:    "updated",
	store.TaskDeleted:    "deleted",
	store.TasksReplaced:  "replaced",
	store.LabelAdded:     "created",
	store.LabelUpdated:   "updated",
	store.LabelDeleted:   "deleted",
	store.LabelsReplaced: "replaced",
}

func taskData(ev store.Event) TaskUpdateData {
	data := TaskUpdateData{
		TaskID: ev.ID,
		Action: actions[ev.Type],
		Dirty:  ev.Dirty,
		Count:  ev.Count,
	}
	if t := ev.Task; t != nil {
		data.Title = t.Title
		data.Completed = t.Completed
		data.Labels = t.Labels
		if t.DueDate != nil {
			data.DueDate = schema.FormatTime(*t.DueDate)
		}
	}
	return data
}

func labelData(ev store.Event) LabelUpdateData {
	data := LabelUpdateData{
		LabelID: ev.ID,
		Action:  actions[ev.Type],
		Dirty:   ev.Dirty,
		Count:   ev.Count,
	}
	if l := ev.Label; l != nil {
		data.Name = l.Name
		data.Color = l.Color
	}
	return data
}
