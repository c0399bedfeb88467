package ops

import (
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/verihive/backend/internal/events"
)

const (
	pongWait   = 60 * time.Second // Time allowed to read the next pong
	pingPeriod = 30 * time.Second // Send pings at this interval (must be < pongWait)
	writeWait  = 10 * time.Second // Time allowed to write a message
	maxMsgSize = 4096             // Clients only ever send control chatter
	sendBuffer = 256              // Per-client outbound buffer
)

// upgraderFor builds a websocket upgrader whose origin check follows
// the CORS allow list in production and admits everything elsewhere.
func upgraderFor(s *Server) websocket.Upgrader {
	allowed := make(map[string]bool, len(s.cfg.Server.CORSAllowOrigins))
	allowAll := s.cfg.Server.Env != "production"
	for _, o := range s.cfg.Server.CORSAllowOrigins {
		if o == "*" {
			allowAll = true
		}
		allowed[o] = true
	}
	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if allowAll {
				return true
			}
			origin := r.Header.Get("Origin")
			return origin == "" || allowed[origin]
		},
	}
}

// streamClient is one websocket subscriber of the event stream.
// All writes go through the send channel into writePump; readPump only
// services pongs and close frames.
type streamClient struct {
	server *Server
	conn   *websocket.Conn
	bus    *events.EventBus
	ch     chan *events.CloudEvent
	send   chan []byte
	done   chan struct{}
	once   sync.Once
}

// handleEventSocket upgrades the connection and streams bus events
// until the client goes away. An optional ?events=a,b query narrows
// the subscription.
func (s *Server) handleEventSocket(w http.ResponseWriter, r *http.Request) {
	up := upgraderFor(s)
	conn, err := up.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Printf("⚠️ websocket upgrade failed: %v", err)
		return
	}

	var types []string
	if filter := r.URL.Query().Get("events"); filter != "" {
		types = strings.Split(filter, ",")
	}

	c := &streamClient{
		server: s,
		conn:   conn,
		bus:    s.deps.Bus,
		ch:     s.deps.Bus.Subscribe(types...),
		send:   make(chan []byte, sendBuffer),
		done:   make(chan struct{}),
	}

	go c.writePump()
	go c.readPump()
	go c.forward()
}

// close tears the client down exactly once. Unsubscribe closes ch,
// which ends the forward goroutine.
func (c *streamClient) close() {
	c.once.Do(func() {
		close(c.done)
		c.bus.Unsubscribe(c.ch)
		c.conn.Close()
	})
}

// forward copies bus events into the send buffer, dropping when the
// client cannot keep up. A slow dashboard must never back-pressure
// the verification pipeline.
func (c *streamClient) forward() {
	for ev := range c.ch {
		data, err := ev.JSON()
		if err != nil {
			continue
		}
		select {
		case c.send <- data:
		default:
		}
	}
}

// writePump serializes all writes to the connection: events, pings and
// the close frame.
func (c *streamClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
			// Drain queued events in the same wakeup.
			n := len(c.send)
			for i := 0; i < n; i++ {
				if err := c.conn.WriteMessage(websocket.TextMessage, <-c.send); err != nil {
					return
				}
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			return
		}
	}
}

// readPump is the only reader of the connection. Client payloads are
// ignored; the loop exists to process pongs and notice the close.
func (c *streamClient) readPump() {
	defer c.close()

	c.conn.SetReadLimit(maxMsgSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// handleEventStream is the SSE flavor of the event feed for clients
// that cannot hold a websocket.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "SSE not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	var types []string
	if filter := r.URL.Query().Get("events"); filter != "" {
		types = strings.Split(filter, ",")
	}

	ch := s.deps.Bus.Subscribe(types...)
	defer s.deps.Bus.Unsubscribe(ch)

	fmt.Fprintf(w, "event: connected\ndata: {\"status\":\"connected\"}\n\n")
	flusher.Flush()

	for {
		select {
		case ev, open := <-ch:
			if !open {
				return
			}
			data, err := ev.SSEFormat()
			if err != nil {
				continue
			}
			w.Write(data)
			flusher.Flush()

		case <-r.Context().Done():
			return
		}
	}
}
