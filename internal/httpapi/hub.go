package httpapi

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/pixoo-fleet/pixoo-daemon/internal/events"
	"github.com/pixoo-fleet/pixoo-daemon/internal/registry"
	"github.com/pixoo-fleet/pixoo-daemon/internal/scheduler"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPingPeriod = 30 * time.Second
	wsSendBuffer = 32
)

// wsClient is one connected /ws client: a send channel drained by its
// own writer goroutine, exactly as other_examples' velocipi hub.go's
// client type — broadcasting never blocks on a slow reader because
// the broadcaster only ever does a non-blocking send into this
// channel.
type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// hub fans every observability event out to connected /ws clients.
// register/unregister/broadcast follow the same shape as
// other_examples' vincent99-velocipi server/hub.go.
type hub struct {
	log logrus.FieldLogger

	mu      sync.RWMutex
	clients map[*wsClient]struct{}
}

func newHub(log logrus.FieldLogger) *hub {
	return &hub{log: log, clients: map[*wsClient]struct{}{}}
}

type wsMessage struct {
	Type string      `json:"type"`
	Data interface{} `json:"data,omitempty"`
}

func (h *hub) register(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = struct{}{}
}

func (h *hub) unregister(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

func (h *hub) broadcast(msg wsMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.log.WithError(err).Warn("httpapi: failed to marshal ws message")
		return
	}
	h.mu.RLock()
	snapshot := make([]*wsClient, 0, len(h.clients))
	for c := range h.clients {
		snapshot = append(snapshot, c)
	}
	h.mu.RUnlock()

	for _, c := range snapshot {
		select {
		case c.send <- data:
		default:
			// drop-oldest per §4.9: a slow subscriber never stalls
			// the publisher.
			select {
			case <-c.send:
			default:
			}
			select {
			case c.send <- data:
			default:
			}
		}
	}
}

// onTransition implements observability.TransitionHandler.
func (h *hub) onTransition(t events.Transition) {
	h.broadcast(wsMessage{Type: "scene_switch", Data: t})
	h.broadcast(wsMessage{Type: "device_update", Data: t})
}

// onMetricsTick implements observability.MetricsTickHandler.
func (h *hub) onMetricsTick(m events.MetricsTick) {
	h.broadcast(wsMessage{Type: "metrics_update", Data: m})
}

// serve upgrades the connection (already upgraded by the caller) into
// a registered client, sends the initial `init` snapshot, and runs
// its read/write pumps until the connection closes.
func (h *hub) serve(conn *websocket.Conn, reg *registry.Registry, mgr *scheduler.Manager) {
	c := &wsClient{conn: conn, send: make(chan []byte, wsSendBuffer)}
	h.register(c)

	initPayload := buildInitSnapshot(reg, mgr)
	if data, err := json.Marshal(wsMessage{Type: "init", Data: initPayload}); err == nil {
		select {
		case c.send <- data:
		default:
		}
	}

	go h.writePump(c)
	h.readPump(c)
}

func buildInitSnapshot(reg *registry.Registry, mgr *scheduler.Manager) interface{} {
	type deviceSnap struct {
		Host string             `json:"host"`
		Snap scheduler.Snapshot `json:"state"`
	}
	out := make([]deviceSnap, 0)
	for _, dev := range reg.List() {
		a, ok := mgr.Get(dev.Host)
		if !ok {
			continue
		}
		out = append(out, deviceSnap{Host: dev.Host, Snap: a.Snapshot()})
	}
	return out
}

// readPump drains inbound frames; the only client-initiated message
// this surface defines is "ping", answered with "pong" (§6). Any
// other message is ignored; a read error (including a closed
// connection) ends the pump and triggers unregister.
func (h *hub) readPump(c *wsClient) {
	defer h.unregister(c)
	defer c.conn.Close()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg wsMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if msg.Type == "ping" {
			pong, _ := json.Marshal(wsMessage{Type: "pong"})
			select {
			case c.send <- pong:
			default:
			}
		}
	}
}

func (h *hub) writePump(c *wsClient) {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	defer c.conn.Close()

	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
