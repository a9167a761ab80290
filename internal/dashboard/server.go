// Package dashboard provides a real-time WebSocket feed of store activity.
//
// The dashboard broadcasts task and label changes, sync runs and user
// notifications to connected WebSocket clients, and serves the current
// snapshot over plain HTTP.
//
// Endpoints:
//
//	/ws             WebSocket feed; the first frame is a stats message
//	/api/snapshot   every task and label plus stats, as JSON
//	/health         status and connected client count
package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"log"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/steveyegge/todosync/internal/schema"
)

// MessageType names the payload carried in Message.Data.
type MessageType string

const (
	MessageTypeTaskUpdate   MessageType = "task_update"   // TaskUpdateData
	MessageTypeLabelUpdate  MessageType = "label_update"  // LabelUpdateData
	MessageTypeSyncComplete MessageType = "sync_complete" // SyncCompleteData
	MessageTypeNotification MessageType = "notification"  // NotificationData
	MessageTypeStats        MessageType = "stats"         // StatsData
)

// Message is one frame of the feed.
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// TaskUpdateData describes a task change. Action is one of created,
// updated, deleted or replaced; a replace carries only Count.
type TaskUpdateData struct {
	TaskID    string   `json:"task_id"`
	Action    string   `json:"action"`
	Title     string   `json:"title,omitempty"`
	Completed bool     `json:"completed,omitempty"`
	DueDate   string   `json:"due_date,omitempty"`
	Labels    []string `json:"labels,omitempty"`
	Dirty     bool     `json:"dirty,omitempty"`
	Count     int      `json:"count,omitempty"`
}

// LabelUpdateData is the label counterpart of TaskUpdateData.
type LabelUpdateData struct {
	LabelID string `json:"label_id"`
	Action  string `json:"action"`
	Name    string `json:"name,omitempty"`
	Color   string `json:"color,omitempty"`
	Dirty   bool   `json:"dirty,omitempty"`
	Count   int    `json:"count,omitempty"`
}

type StatsData struct {
	Total     int `json:"total"`
	Active    int `json:"active"`
	Completed int `json:"completed"`
	Labels    int `json:"labels"`
}

// SyncCompleteData reports one sync run. FailedStep and Error are set
// only when the run failed.
type SyncCompleteData struct {
	UserID     string        `json:"user_id"`
	State      string        `json:"state"`
	Tasks      int           `json:"tasks"`
	Labels     int           `json:"labels"`
	FailedStep string        `json:"failed_step,omitempty"`
	Error      string        `json:"error,omitempty"`
	Duration   time.Duration `json:"duration"`
}

// NotificationData is a user-facing message; Level is success or failure.
type NotificationData struct {
	Level   string `json:"level"`
	Message string `json:"message"`
}

// Source provides the snapshot served on /api/snapshot and the stats sent
// to new clients.
type Source interface {
	Snapshot() ([]schema.Task, []schema.Label)
}

const (
	queueSize    = 100
	writeTimeout = 5 * time.Second
	stopTimeout  = 5 * time.Second
)

// Server serves the feed. Broadcast only queues; a single goroutine
// writes queued messages to the clients so every client sees them in
// Broadcast order.
type Server struct {
	addr   string
	source Source
	logger *log.Logger

	listener net.Listener
	http     *http.Server

	mu    sync.RWMutex
	conns map[*websocket.Conn]struct{}

	queue chan Message
	done  context.Context // canceled by Stop
	stop  context.CancelFunc
	wg    sync.WaitGroup
}

// Config holds server configuration.
type Config struct {
	Host   string      // interface to bind; empty binds all
	Port   int         // 0 picks a free port
	Source Source      // optional
	Logger *log.Logger // nil uses log.Default()
}

// NewServer returns a server that is not listening yet. A nil config
// listens on port 8080.
func NewServer(config *Config) *Server {
	cfg := Config{Port: 8080}
	if config != nil {
		cfg = *config
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}

	done, stop := context.WithCancel(context.Background())
	return &Server{
		addr:   net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		source: cfg.Source,
		logger: cfg.Logger,
		conns:  make(map[*websocket.Conn]struct{}),
		queue:  make(chan Message, queueSize),
		done:   done,
		stop:   stop,
	}
}

// Start opens the listener and serves in the background. The listener is
// open when Start returns, so GetAddr reports the chosen port.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln
	s.http = &http.Server{
		Handler:      s.routes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	s.spawn(s.fanOut)
	s.spawn(func() { s.serve(ln) })
	return nil
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/api/snapshot", s.handleSnapshot)
	mux.HandleFunc("/", s.handleRoot)
	return mux
}

// spawn runs fn on a goroutine that Stop waits for.
func (s *Server) spawn(fn func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn()
	}()
}

func (s *Server) serve(ln net.Listener) {
	s.logger.Printf("Dashboard server listening on %s", ln.Addr())
	err := s.http.Serve(ln)
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.logger.Printf("Server error: %v", err)
	}
}

// Stop disconnects every client, shuts the HTTP server down and waits
// for the background goroutines. Messages still queued are dropped.
func (s *Server) Stop() error {
	s.logger.Println("Stopping dashboard server")
	s.stop()

	for _, conn := range s.takeClients() {
		_ = conn.Close(websocket.StatusGoingAway, "Server shutting down")
	}

	var shutdownErr error
	if s.http != nil {
		ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
		shutdownErr = s.http.Shutdown(ctx)
		cancel()
	}
	s.wg.Wait()

	if shutdownErr != nil {
		return fmt.Errorf("server shutdown error: %w", shutdownErr)
	}
	s.logger.Println("Dashboard server stopped")
	return nil
}

// Broadcast queues msg for every connected client. It never blocks: msg
// is dropped after Stop or while the queue is full.
func (s *Server) Broadcast(msg Message) {
	if s.done.Err() != nil {
		return
	}
	select {
	case s.queue <- msg:
	default:
		s.logger.Println("Warning: broadcast channel full, dropping message")
	}
}

func (s *Server) fanOut() {
	for {
		select {
		case <-s.done.Done():
			return
		case msg := <-s.queue:
			data, err := encodeMessage(msg)
			if err != nil {
				s.logger.Printf("Failed to marshal message: %v", err)
				continue
			}
			// A client that cannot take a frame within writeTimeout is dropped.
			for _, conn := range s.clients() {
				if err := send(s.done, conn, data); err != nil {
					s.logger.Printf("Failed to send to client: %v", err)
					s.removeClient(conn)
				}
			}
		}
	}
}

func encodeMessage(msg Message) ([]byte, error) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	return json.Marshal(msg)
}

func send(ctx context.Context, conn *websocket.Conn, data []byte) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, data)
}

// handleWebSocket accepts a client, sends it the current stats and then
// registers it for broadcasts. Registering last keeps the stats frame
// first on the wire.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	if data, err := encodeMessage(s.welcome()); err == nil {
		_ = send(r.Context(), conn, data)
	}

	s.mu.Lock()
	s.conns[conn] = struct{}{}
	n := len(s.conns)
	s.mu.Unlock()
	s.logger.Printf("Client connected (total: %d)", n)

	go s.readLoop(conn)
}

// welcome is a stats message for the attached source. Without a source
// it carries no data.
func (s *Server) welcome() Message {
	msg := Message{Type: MessageTypeStats, Timestamp: time.Now()}
	if s.source == nil {
		return msg
	}
	tasks, labels := s.source.Snapshot()
	if data, err := json.Marshal(statsOf(tasks, len(labels))); err == nil {
		msg.Data = data
	}
	return msg
}

// readLoop discards whatever the client sends. It unregisters the client
// once the connection fails or the server stops.
func (s *Server) readLoop(conn *websocket.Conn) {
	defer s.removeClient(conn)
	for {
		if _, _, err := conn.Read(s.done); err != nil {
			return
		}
	}
}

// removeClient unregisters and closes conn. Removing a conn twice is a
// no-op.
func (s *Server) removeClient(conn *websocket.Conn) {
	s.mu.Lock()
	_, ok := s.conns[conn]
	delete(s.conns, conn)
	n := len(s.conns)
	s.mu.Unlock()

	if !ok {
		return
	}
	_ = conn.Close(websocket.StatusNormalClosure, "")
	s.logger.Printf("Client disconnected (total: %d)", n)
}

// clients copies the client set so writes happen without holding mu.
func (s *Server) clients() []*websocket.Conn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*websocket.Conn, 0, len(s.conns))
	for conn := range s.conns {
		out = append(out, conn)
	}
	return out
}

// takeClients empties the client set and returns what it held.
func (s *Server) takeClients() []*websocket.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*websocket.Conn, 0, len(s.conns))
	for conn := range s.conns {
		out = append(out, conn)
	}
	s.conns = make(map[*websocket.Conn]struct{})
	return out
}

type healthResponse struct {
	Status  string `json:"status"`
	Clients int    `json:"clients"`
}

type snapshotResponse struct {
	Tasks  []schema.Task  `json:"tasks"`
	Labels []schema.Label `json:"labels"`
	Stats  StatsData      `json:"stats"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, healthResponse{Status: "ok", Clients: s.ClientCount()})
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	if s.source == nil {
		http.Error(w, "no store attached", http.StatusServiceUnavailable)
		return
	}
	tasks, labels := s.source.Snapshot()
	resp := snapshotResponse{
		Tasks:  tasks,
		Labels: labels,
		Stats:  statsOf(tasks, len(labels)),
	}
	// Empty collections encode as [] rather than null.
	if resp.Tasks == nil {
		resp.Tasks = []schema.Task{}
	}
	if resp.Labels == nil {
		resp.Labels = []schema.Label{}
	}
	writeJSON(w, resp)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

var rootPage = template.Must(template.New("root").Parse(`<!DOCTYPE html>
<html>
<head><title>td dashboard</title></head>
<body>
<h1>td dashboard</h1>
<ul>
<li>Feed: <code>ws://{{.}}/ws</code></li>
<li><a href="/api/snapshot">Snapshot</a></li>
<li><a href="/health">Health</a></li>
</ul>
</body>
</html>
`))

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := rootPage.Execute(w, r.Host); err != nil {
		s.logger.Printf("Failed to render index: %v", err)
	}
}

// GetAddr returns the listening address once started, and the configured
// one before that.
func (s *Server) GetAddr() string {
	if s.listener == nil {
		return s.addr
	}
	return s.listener.Addr().String()
}

// ClientCount returns the number of connected clients.
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}

func statsOf(tasks []schema.Task, labels int) StatsData {
	st := StatsData{Total: len(tasks), Labels: labels}
	for _, t := range tasks {
		if t.Completed {
			st.Completed++
		} else {
			st.Active++
		}
	}
	return st
}
