package port

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/OpenSlides/openslides-client-sub007/internal/logging"
	"github.com/OpenSlides/openslides-client-sub007/internal/metrics"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// Conn is a Channel backed by a websocket connection to one tab.
type Conn struct {
	id   string
	ws   *websocket.Conn
	send chan []byte

	once sync.Once
	done chan struct{}
}

// NewConn wraps an upgraded websocket. queue bounds the outbound buffer;
// messages beyond it are dropped.
func NewConn(ws *websocket.Conn, queue int) *Conn {
	if queue <= 0 {
		queue = 256
	}
	return &Conn{
		id:   uuid.NewString(),
		ws:   ws,
		send: make(chan []byte, queue),
		done: make(chan struct{}),
	}
}

// ID implements Channel.
func (c *Conn) ID() string { return c.id }

// Done implements Channel.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Send implements Channel. It never blocks.
func (c *Conn) Send(msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.send <- data:
		return nil
	default:
		metrics.RecordPortDrop()
		logging.Warn("port queue full, dropping message",
			zap.String("port", c.id), zap.String("action", msg.Action))
		return nil
	}
}

// Close shuts the connection down. Safe to call more than once.
func (c *Conn) Close() {
	c.once.Do(func() {
		close(c.done)
		c.ws.Close()
	})
}

// Run pumps messages in both directions until the tab disconnects or ctx
// ends. handle is called for every inbound envelope, in order.
func (c *Conn) Run(ctx context.Context, handle func(Inbound)) {
	defer c.Close()
	go c.writePump(ctx)

	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logging.Debug("port read failed", zap.String("port", c.id), zap.Error(err))
			}
			return
		}
		var in Inbound
		if err := json.Unmarshal(data, &in); err != nil {
			c.Send(Message{Sender: "worker", Action: ActionError, Content: map[string]string{"msg": "invalid message: " + err.Error()}})
			continue
		}
		handle(in)
	}
}

func (c *Conn) writePump(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	defer c.Close()

	for {
		select {
		case <-ctx.Done():
			c.flush()
			c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "worker shutting down"),
				time.Now().Add(writeWait))
			return
		case <-c.done:
			return
		case data := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// flush writes whatever is still queued, without waiting for more.
func (c *Conn) flush() {
	for {
		select {
		case data := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		default:
			return
		}
	}
}
