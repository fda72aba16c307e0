// Package hub streams server events to Server-Sent Events clients.
package hub

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/sirupsen/logrus"
)

// Event types
const (
	EventWorkDone        = "work.done"
	EventWorkFailed      = "work.failed"
	EventQueueSuspended  = "queue.suspended"
	EventQueueResumed    = "queue.resumed"
	EventQueueCleared    = "queue.cleared"
	EventCachesCleared   = "repository.cachesCleared"
	EventReadACLsRebuilt = "repository.readAclsRebuilt"
	EventDeletedPurged   = "repository.deletedPurged"
)

// Event is one message sent to every client
type Event struct {
	Type       string    `json:"type"`
	Time       time.Time `json:"time"`
	Repository string    `json:"repository,omitempty"`
	Queue      string    `json:"queue,omitempty"`
	Work       string    `json:"work,omitempty"`
	Category   string    `json:"category,omitempty"`
	Count      int       `json:"count,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// Publisher accepts events
type Publisher interface {
	Publish(Event)
}

type client struct {
	id     uint64
	events chan []byte
}

// Hub fans events out to connected SSE clients. Slow clients miss events
// rather than block publishers.
type Hub struct {
	log       *logrus.Entry
	keepAlive time.Duration

	mu         sync.RWMutex
	clients    map[*client]struct{}
	register   chan *client
	unregister chan *client
	broadcast  chan Event
	stopped    chan struct{}
	nextID     atomic.Uint64
}

// New creates a hub; Run must be running for clients to be served
func New(log *logrus.Entry) *Hub {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Hub{
		log:        log.WithField("component", "hub"),
		keepAlive:  30 * time.Second,
		clients:    make(map[*client]struct{}),
		register:   make(chan *client),
		unregister: make(chan *client),
		broadcast:  make(chan Event, 256),
		stopped:    make(chan struct{}),
	}
}

// Run is the event loop of the hub. It returns when ctx ends, after
// disconnecting every client. Run is called once.
func (h *Hub) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			close(h.stopped)
			h.mu.Lock()
			for c := range h.clients {
				delete(h.clients, c)
				close(c.events)
			}
			h.mu.Unlock()
			return nil

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			n := len(h.clients)
			h.mu.Unlock()
			h.log.WithFields(logrus.Fields{"client": c.id, "clients": n}).Debug("SSE client connected")

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.events)
			}
			n := len(h.clients)
			h.mu.Unlock()
			h.log.WithFields(logrus.Fields{"client": c.id, "clients": n}).Debug("SSE client disconnected")

		case ev := <-h.broadcast:
			data, err := json.Marshal(ev)
			if err != nil {
				h.log.WithError(err).Error("failed to marshal event")
				continue
			}
			msg := []byte(fmt.Sprintf("event: %s\ndata: %s\n\n", ev.Type, data))

			h.mu.RLock()
			for c := range h.clients {
				select {
				case c.events <- msg:
				default:
					h.log.WithField("client", c.id).Warn("SSE client is slow, skipping event")
				}
			}
			h.mu.RUnlock()
		}
	}
}

// Publish queues ev for broadcast, dropping it when the hub is saturated
func (h *Hub) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	select {
	case h.broadcast <- ev:
	default:
		h.log.WithField("type", ev.Type).Warn("broadcast channel full, dropping event")
	}
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeHTTP streams events to one client until it disconnects
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "SSE not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	c := &client{id: h.nextID.Add(1), events: make(chan []byte, 64)}
	select {
	case h.register <- c:
	case <-h.stopped:
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	case <-r.Context().Done():
		return
	}
	defer func() {
		select {
		case h.unregister <- c:
		case <-h.stopped:
		}
	}()

	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	ticker := time.NewTicker(h.keepAlive)
	defer ticker.Stop()
	for {
		select {
		case msg, ok := <-c.events:
			if !ok {
				return
			}
			if _, err := w.Write(msg); err != nil {
				return
			}
			flusher.Flush()
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}
