package main

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/rubiojr/fruitmap/pkg/forage"
	"github.com/rubiojr/fruitmap/pkg/logger"
)

const (
	wsSendBuffer   = 16
	wsWriteTimeout = 10 * time.Second
	wsPingEvery    = 30 * time.Second
	wsPongWait     = wsPingEvery + 10*time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

// wsMessage is the envelope pushed to the page.
type wsMessage struct {
	Type     string           `json:"type"` // "snapshot" | "error"
	Snapshot *forage.Snapshot `json:"snapshot,omitempty"`
	Code     string           `json:"code,omitempty"`
	Message  string           `json:"message,omitempty"`
	Details  string           `json:"details,omitempty"`
}

type wsClient struct {
	id   string
	send chan []byte
}

// hub fans controller renders out to every connected page. It implements
// forage.Display; Render and Notify never block.
type hub struct {
	mu      sync.Mutex
	clients map[*wsClient]struct{}
	last    []byte // latest snapshot message, replayed to new clients
}

func newHub() *hub {
	return &hub{clients: make(map[*wsClient]struct{})}
}

func (h *hub) Render(s forage.Snapshot) {
	msg, err := json.Marshal(wsMessage{Type: "snapshot", Snapshot: &s})
	if err != nil {
		logger.Error("ws: encode snapshot: %v", err)
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.last = msg
	h.broadcastLocked(msg)
}

func (h *hub) Notify(err error) {
	code, message := loadErrorInfo(err)
	msg, merr := json.Marshal(wsMessage{Type: "error", Code: code, Message: message, Details: err.Error()})
	if merr != nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.broadcastLocked(msg)
}

func (h *hub) broadcastLocked(msg []byte) {
	for c := range h.clients {
		select {
		case c.send <- msg:
		default:
			// Too slow to keep up; the page reconnects and gets the latest snapshot.
			logger.Warn("ws: dropping slow client %s", c.id)
			h.removeLocked(c)
		}
	}
}

func (h *hub) add(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = struct{}{}
	if h.last != nil {
		c.send <- h.last
	}
}

func (h *hub) remove(c *wsClient) {
	h.mu.Lock()
	h.removeLocked(c)
	h.mu.Unlock()
}

func (h *hub) removeLocked(c *wsClient) {
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

func (h *hub) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *hub) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Error("ws: upgrade failed: %v", err)
		return
	}
	c := &wsClient{id: uuid.NewString(), send: make(chan []byte, wsSendBuffer)}
	h.add(c)
	logger.Debug("ws: client %s connected (%d total)", c.id, h.count())

	go h.writeLoop(conn, c)
	h.readLoop(conn, c)
}

// readLoop only services control frames; the page talks to the REST API.
func (h *hub) readLoop(conn *websocket.Conn, c *wsClient) {
	defer func() {
		h.remove(c)
		_ = conn.Close()
		logger.Debug("ws: client %s disconnected", c.id)
	}()
	conn.SetReadLimit(4096)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Debug("ws: client %s read error: %v", c.id, err)
			}
			return
		}
	}
}

func (h *hub) writeLoop(conn *websocket.Conn, c *wsClient) {
	ping := time.NewTicker(wsPingEvery)
	defer func() {
		ping.Stop()
		_ = conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
