// Package push streams event bus traffic to websocket clients (the real-time
// UI channel).
//
// A client connecting with ?bot_id= only sees events carrying that bot id.
// A client without it sees every bot's events, so /ws is an operator
// endpoint: it is served behind the observability server's bearer token,
// which is mandatory on any non-loopback bind.
package push

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"pewcore/internal/eventbus"
	"pewcore/internal/metrics"
	rtsup "pewcore/internal/runtime/supervisor"
	logx "pewcore/pkg/logx"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	clientBuffer   = 64
	busBuffer      = 256
	maxClientFrame = 512
)

// Message is the wire format of every pushed event.
type Message struct {
	Type string    `json:"type"`
	Data any       `json:"data,omitempty"`
	Time time.Time `json:"time"`
}

type client struct {
	conn  *websocket.Conn
	botID string
	send  chan []byte
	once  sync.Once
}

func (c *client) close() {
	c.once.Do(func() { close(c.send) })
}

type Hub struct {
	bus      eventbus.Bus
	metrics  *metrics.Metrics
	log      logx.Logger
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[*client]struct{}

	runMu sync.Mutex
	sup   *rtsup.Supervisor
	unsub func()
}

func New(bus eventbus.Bus, m *metrics.Metrics, log logx.Logger) *Hub {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Hub{
		bus:     bus,
		metrics: m,
		log:     log.With(logx.String("comp", "push")),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Auth is enforced by the HTTP server in front of the hub.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[*client]struct{}),
	}
}

// Start subscribes to the bus and fans events out until Stop.
func (h *Hub) Start(ctx context.Context) {
	h.runMu.Lock()
	defer h.runMu.Unlock()
	if h.sup != nil || h.bus == nil {
		return
	}
	ch, unsub := h.bus.Subscribe(busBuffer)
	h.unsub = unsub
	h.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(h.log), rtsup.WithCancelOnError(false))
	h.sup.Go0("push.fanout", func(c context.Context) {
		for {
			select {
			case <-c.Done():
				return
			case ev, ok := <-ch:
				if !ok {
					return
				}
				h.broadcast(ev)
			}
		}
	})
}

func (h *Hub) Stop(ctx context.Context) {
	h.runMu.Lock()
	sup, unsub := h.sup, h.unsub
	h.sup, h.unsub = nil, nil
	h.runMu.Unlock()
	if sup == nil {
		return
	}
	unsub()
	_ = sup.Stop(ctx)

	h.mu.Lock()
	for c := range h.clients {
		c.close()
		delete(h.clients, c)
	}
	h.mu.Unlock()
	h.metrics.SetPushClients(0)
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeHTTP upgrades the connection. ?bot_id= limits the stream to one bot.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug("push.upgrade_failed", logx.Err(err))
		return
	}
	c := &client{
		conn:  conn,
		botID: strings.TrimSpace(r.URL.Query().Get("bot_id")),
		send:  make(chan []byte, clientBuffer),
	}
	h.add(c)
	go h.writePump(c)
	h.readPump(c)
}

func (h *Hub) add(c *client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.metrics.SetPushClients(n)
	h.log.Debug("push.connected", logx.String("bot_id", c.botID), logx.Int("clients", n))
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	n := len(h.clients)
	h.mu.Unlock()
	if ok {
		c.close()
		h.metrics.SetPushClients(n)
	}
}

// readPump only services control frames; client messages are ignored.
func (h *Hub) readPump(c *client) {
	defer func() {
		h.remove(c)
		_ = c.conn.Close()
	}()
	c.conn.SetReadLimit(maxClientFrame)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Debug("push.read_failed", logx.Err(err))
			}
			return
		}
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				h.metrics.PushDropped()
				h.remove(c)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.remove(c)
				return
			}
		}
	}
}

func (h *Hub) broadcast(ev eventbus.Event) {
	raw, err := json.Marshal(Message{Type: ev.Type, Data: ev.Data, Time: ev.Time})
	if err != nil {
		h.log.Debug("push.encode_failed", logx.String("type", ev.Type), logx.Err(err))
		return
	}
	botID := ""
	if b, ok := ev.Data.(eventbus.Botted); ok {
		botID = b.Bot()
	}

	var slow []*client
	h.mu.RLock()
	for c := range h.clients {
		if c.botID != "" && c.botID != botID {
			continue
		}
		select {
		case c.send <- raw:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.metrics.PushDropped()
		h.log.Debug("push.client_dropped", logx.String("bot_id", c.botID))
		h.remove(c)
	}
}
