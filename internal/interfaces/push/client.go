package push

import (
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/mocksmith/mocksmith/pkg/safego"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	maxFrame   = 64 * 1024
)

// command is what a connected client may ask of the server.
type command struct {
	Action  string `json:"action"` // subscribe | unsubscribe | ping
	Channel string `json:"channel,omitempty"`
}

type reply struct {
	Type    string `json:"type"` // subscribed | unsubscribed | pong | error
	Channel string `json:"channel,omitempty"`
	Message string `json:"message,omitempty"`
}

// Client is one WebSocket subscriber. It may join any number of
// channels over a single connection.
type Client struct {
	id     string
	conn   *websocket.Conn
	send   chan []byte
	logger *zap.Logger

	mu       sync.Mutex
	closed   bool
	channels map[string]struct{}
}

// ID returns the connection identifier.
func (c *Client) ID() string { return c.id }

func (c *Client) addChannel(name string) {
	c.mu.Lock()
	c.channels[name] = struct{}{}
	c.mu.Unlock()
}

func (c *Client) dropChannel(name string) {
	c.mu.Lock()
	delete(c.channels, name)
	c.mu.Unlock()
}

func (c *Client) channelNames() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.channels))
	for name := range c.channels {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// trySend queues a frame without blocking. False means the client's
// buffer is full or the connection is gone.
func (c *Client) trySend(frame []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// Close tears the connection down; safe to call more than once.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	c.mu.Unlock()
	c.conn.Close()
}

// Handler upgrades HTTP requests into push subscribers.
type Handler struct {
	engine *Engine
	logger *zap.Logger
}

// NewHandler builds the WebSocket entry point for the engine.
func NewHandler(engine *Engine, logger *zap.Logger) *Handler {
	return &Handler{engine: engine, logger: logger.With(zap.String("component", "push-ws"))}
}

// ServeWS upgrades the connection and runs the read and write pumps.
// The ?channel= query parameter, when present, subscribes immediately.
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	c := &Client{
		id:       uuid.NewString(),
		conn:     conn,
		send:     make(chan []byte, 64),
		logger:   h.logger,
		channels: make(map[string]struct{}),
	}

	if name := r.URL.Query().Get("channel"); name != "" {
		if err := h.engine.Subscribe(name, c); err != nil {
			c.enqueueReply(reply{Type: "error", Channel: name, Message: err.Error()})
		} else {
			c.enqueueReply(reply{Type: "subscribed", Channel: name})
		}
	}

	safego.Go(h.logger, "push-write", func() { c.writePump() })
	safego.Go(h.logger, "push-read", func() { h.readPump(c) })
}

func (h *Handler) readPump(c *Client) {
	defer func() {
		h.engine.Disconnect(c)
		c.Close()
	}()

	c.conn.SetReadLimit(maxFrame)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("websocket read ended", zap.Error(err))
			}
			return
		}

		var cmd command
		if err := json.Unmarshal(data, &cmd); err != nil {
			c.enqueueReply(reply{Type: "error", Message: "malformed command"})
			continue
		}

		switch cmd.Action {
		case "subscribe":
			if err := h.engine.Subscribe(cmd.Channel, c); err != nil {
				c.enqueueReply(reply{Type: "error", Channel: cmd.Channel, Message: err.Error()})
				continue
			}
			c.enqueueReply(reply{Type: "subscribed", Channel: cmd.Channel})
		case "unsubscribe":
			h.engine.Unsubscribe(cmd.Channel, c)
			c.enqueueReply(reply{Type: "unsubscribed", Channel: cmd.Channel})
		case "ping":
			c.enqueueReply(reply{Type: "pong"})
		default:
			c.enqueueReply(reply{Type: "error", Message: "unknown action " + cmd.Action})
		}
	}
}

func (c *Client) enqueueReply(r reply) {
	data, err := json.Marshal(r)
	if err != nil {
		return
	}
	c.trySend(data)
}

func (c *Client) writePump() {
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
