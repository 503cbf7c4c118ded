package server

import (
	"encoding/json"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/snapgrid/snapgrid/models"
)

// Hub fans task updates out to connected websocket clients. The run loop
// is the only goroutine that touches the client set or writes to a
// connection, so no per-connection locking is needed.
type Hub struct {
	clients    map[*websocket.Conn]bool
	broadcast  chan []byte
	register   chan registration
	unregister chan *websocket.Conn
	done       chan struct{}
	log        *logrus.Entry
}

type registration struct {
	conn    *websocket.Conn
	welcome []byte // initial snapshot, written before any broadcast
}

// NewHub returns a hub; call Start to launch its run loop.
func NewHub(log *logrus.Entry) *Hub {
	return &Hub{
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan registration),
		unregister: make(chan *websocket.Conn),
		done:       make(chan struct{}),
		log:        log,
	}
}

// Start launches the run loop.
func (h *Hub) Start() {
	go h.run()
}

// Stop closes every client connection and ends the run loop.
func (h *Hub) Stop() {
	close(h.done)
}

func (h *Hub) run() {
	for {
		select {
		case reg := <-h.register:
			h.clients[reg.conn] = true
			if reg.welcome != nil {
				if err := reg.conn.WriteMessage(websocket.TextMessage, reg.welcome); err != nil {
					h.drop(reg.conn)
				}
			}
			h.log.WithField("clients", len(h.clients)).Debug("websocket client connected")
		case conn := <-h.unregister:
			h.drop(conn)
			h.log.WithField("clients", len(h.clients)).Debug("websocket client disconnected")
		case msg := <-h.broadcast:
			for conn := range h.clients {
				if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
					h.log.WithError(err).Debug("websocket write failed, dropping client")
					h.drop(conn)
				}
			}
		case <-h.done:
			for conn := range h.clients {
				h.drop(conn)
			}
			return
		}
	}
}

func (h *Hub) drop(conn *websocket.Conn) {
	if _, ok := h.clients[conn]; ok {
		delete(h.clients, conn)
		conn.Close()
	}
}

// Register adds a client; welcome, if non-nil, is delivered to that
// client before it sees any broadcast.
func (h *Hub) Register(conn *websocket.Conn, welcome []byte) {
	select {
	case h.register <- registration{conn: conn, welcome: welcome}:
	case <-h.done:
		conn.Close()
	}
}

// Unregister removes a client and closes its connection.
func (h *Hub) Unregister(conn *websocket.Conn) {
	select {
	case h.unregister <- conn:
	case <-h.done:
	}
}

// taskEvent is the wire shape of a live task update.
type taskEvent struct {
	Type   string            `json:"type"`
	TaskID string            `json:"task_id"`
	Status models.TaskStatus `json:"status"`
	Error  string            `json:"error,omitempty"`
	Jobs   []models.Job      `json:"jobs"`
}

// BroadcastTaskUpdate queues a task snapshot for every client. Updates
// are dropped rather than ever stalling the runner behind a slow client.
func (h *Hub) BroadcastTaskUpdate(task *models.Task) {
	msg, err := json.Marshal(taskEvent{
		Type:   "task_update",
		TaskID: task.ID,
		Status: task.Status,
		Error:  task.Error,
		Jobs:   task.Jobs,
	})
	if err != nil {
		h.log.WithError(err).Warn("could not encode task update")
		return
	}
	select {
	case h.broadcast <- msg:
	default:
		h.log.Warn("websocket broadcast buffer full, update dropped")
	}
}
