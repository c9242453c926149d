// Package api exposes the run control surface: REST routes for starting
// and inspecting pipeline runs, the webhook receiver the serp provider
// pushes batch notifications to, and a websocket hub that streams run and
// phase transitions to subscribers.
package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"marketvane/internal/logging"
	"marketvane/internal/types"
)

const (
	// writeWait bounds a single frame write before the client is
	// considered dead.
	writeWait = 10 * time.Second

	// pongWait is how long a client may go silent before its connection
	// is torn down; pings go out at pingPeriod to keep healthy clients
	// inside that window.
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	// sendBuffer is the per-client backlog. A client that falls further
	// behind than this is dropped rather than allowed to stall Publish.
	sendBuffer = 64

	maxMessageSize = 512
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The dashboard is served from arbitrary origins in development.
	CheckOrigin: func(*http.Request) bool { return true },
}

// Topic returns the subscription topic carrying one run's events.
func Topic(runID string) string { return "pipeline_" + runID }

// Hub fans pipeline events out to websocket subscribers. A client
// subscribes either to a single run's topic or, with no pipeline_id, to
// every run. The hub is the event sink the pipeline service publishes to.
type Hub struct {
	mu      sync.RWMutex
	clients map[*wsClient]struct{}
	closed  bool
}

type wsClient struct {
	// topic is "pipeline_{run_id}", or "" for a firehose subscription.
	topic string
	conn  *websocket.Conn
	send  chan []byte
}

func NewHub() *Hub {
	return &Hub{clients: make(map[*wsClient]struct{})}
}

// Publish broadcasts an event to every subscriber of its run. Publish
// never blocks on a client: a full send buffer gets the client dropped.
func (h *Hub) Publish(e types.Event) {
	frame, err := json.Marshal(e)
	if err != nil {
		logging.APIWarn("Cannot marshal %s event for run %s: %v", e.Type, e.PipelineID, err)
		return
	}
	topic := Topic(e.PipelineID)

	var slow []*wsClient
	h.mu.RLock()
	for c := range h.clients {
		if c.topic != "" && c.topic != topic {
			continue
		}
		select {
		case c.send <- frame:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		logging.APIWarn("Dropping websocket client %d frames behind on %s", sendBuffer, topic)
		h.drop(c)
	}
}

// ClientCount reports the number of connected subscribers.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every subscriber and refuses new ones. Called on
// server shutdown.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
}

// drop unregisters a client and closes its send channel. Closing the
// channel is what tells the write pump to shut the connection; the close
// only ever happens here, under the write lock, after the client has left
// the registry, so Publish can never send on a closed channel.
func (h *Hub) drop(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

// ServeWS upgrades the request and registers the client. The optional
// pipeline_id query parameter narrows the subscription to one run.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.APIWarn("Websocket upgrade failed: %v", err)
		return
	}
	c := &wsClient{conn: conn, send: make(chan []byte, sendBuffer)}
	if id := r.URL.Query().Get("pipeline_id"); id != "" {
		c.topic = Topic(id)
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.clients[c] = struct{}{}
	total := len(h.clients)
	h.mu.Unlock()

	if c.topic == "" {
		logging.APIDebug("Websocket client subscribed to all runs (%d connected)", total)
	} else {
		logging.APIDebug("Websocket client subscribed to %s (%d connected)", c.topic, total)
	}

	go h.writePump(c)
	go h.readPump(c)
}

func (h *Hub) writePump(c *wsClient) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case frame, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Dropped or hub closed.
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump discards inbound messages; clients only listen. It exists to
// process pong control frames and to notice the peer going away.
func (h *Hub) readPump(c *wsClient) {
	defer func() {
		h.drop(c)
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
