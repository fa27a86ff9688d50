package websocket

import (
	"log"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/ocx/runtime/internal/events"
)

// client is one websocket subscriber with its optional filters.
type client struct {
	conn    *websocket.Conn
	subject string
	types   map[string]bool
}

func (c *client) wants(e *events.Event) bool {
	if c.subject != "" && c.subject != e.Subject {
		return false
	}
	if len(c.types) > 0 && !c.types[e.Type] {
		return false
	}
	return true
}

// Streamer fans runtime events out to websocket clients. Clients narrow the
// feed with ?subject=run-123 and ?types=run.completed,run.failed.
type Streamer struct {
	bus        *events.EventBus
	clients    map[*client]bool
	register   chan *client
	unregister chan *client
	stop       chan struct{}
	stopOnce   sync.Once
	mu         sync.RWMutex
	logger     *log.Logger
	upgrader   websocket.Upgrader
}

func NewStreamer(bus *events.EventBus) *Streamer {
	return &Streamer{
		bus:        bus,
		clients:    make(map[*client]bool),
		register:   make(chan *client),
		unregister: make(chan *client),
		stop:       make(chan struct{}),
		logger:     log.New(log.Writer(), "[STREAM] ", log.LstdFlags),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Run pumps bus events to connected clients until Stop is called.
func (s *Streamer) Run() {
	feed := s.bus.Subscribe()
	defer s.bus.Unsubscribe(feed)

	for {
		select {
		case c := <-s.register:
			s.mu.Lock()
			s.clients[c] = true
			n := len(s.clients)
			s.mu.Unlock()
			s.logger.Printf("client connected (total: %d)", n)

		case c := <-s.unregister:
			s.drop(c)

		case event, ok := <-feed:
			if !ok {
				return
			}
			s.broadcast(event)

		case <-s.stop:
			s.mu.Lock()
			for c := range s.clients {
				c.conn.Close()
				delete(s.clients, c)
			}
			s.mu.Unlock()
			return
		}
	}
}

// Stop shuts the hub down and closes every connection.
func (s *Streamer) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

func (s *Streamer) drop(c *client) {
	s.mu.Lock()
	if _, ok := s.clients[c]; ok {
		delete(s.clients, c)
		c.conn.Close()
	}
	n := len(s.clients)
	s.mu.Unlock()
	s.logger.Printf("client disconnected (total: %d)", n)
}

func (s *Streamer) broadcast(event *events.Event) {
	s.mu.RLock()
	var failed []*client
	for c := range s.clients {
		if !c.wants(event) {
			continue
		}
		if err := c.conn.WriteJSON(event); err != nil {
			s.logger.Printf("write error: %v", err)
			failed = append(failed, c)
		}
	}
	s.mu.RUnlock()
	for _, c := range failed {
		s.drop(c)
	}
}

// HandleWebSocket upgrades the request and registers the connection.
func (s *Streamer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Printf("upgrade error: %v", err)
		return
	}

	c := &client{conn: conn, subject: r.URL.Query().Get("subject")}
	if raw := r.URL.Query().Get("types"); raw != "" {
		c.types = make(map[string]bool)
		for _, t := range strings.Split(raw, ",") {
			if t = strings.TrimSpace(t); t != "" {
				c.types[t] = true
			}
		}
	}

	s.register <- c

	go func() {
		defer func() { s.unregister <- c }()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// Statistics reports hub counters for the health endpoint.
func (s *Streamer) Statistics() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return map[string]interface{}{
		"connected_clients": len(s.clients),
		"bus_subscribers":   s.bus.SubscriberCount(),
	}
}
