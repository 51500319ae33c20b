package session

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/tinchat/server/internal/v1/logging"
	"github.com/tinchat/server/internal/v1/metrics"
	"github.com/tinchat/server/internal/v1/types"
)

const (
	// writeWait bounds how long a single frame write may take.
	writeWait = 10 * time.Second

	// pongWait is how long a socket may stay silent before the read
	// side gives up on it. pingPeriod must be shorter so a healthy
	// client always has a ping to answer.
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second

	// maxFrameBytes caps inbound frames. The largest legal payload is
	// a 2000-rune message; this leaves room for multi-byte runes and
	// envelope overhead.
	maxFrameBytes = 16 * 1024

	sendBuffer = 256

	// Inbound events per second a single socket may sustain. Typing
	// notifications are the chattiest legitimate traffic; anything
	// past this is a misbehaving client.
	inboundRate  = 20
	inboundBurst = 40

	// maxThrottleStrikes is how many consecutive throttled frames a
	// socket survives before it is dropped outright. A client pinned
	// at the rate limit accumulates these within a few seconds.
	maxThrottleStrikes = 60
)

// wsConnection is the slice of *websocket.Conn the client needs.
// Tests substitute a scripted mock.
type wsConnection interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
	SetWriteDeadline(t time.Time) error
	SetReadDeadline(t time.Time) error
	SetReadLimit(limit int64)
	SetPongHandler(h func(appData string) error)
}

// Client is one live socket: a read pump feeding the manager's
// dispatcher and a write pump draining the send buffer. All outbound
// traffic goes through deliver so a slow consumer drops frames instead
// of stalling whoever is talking to it.
type Client struct {
	conn      wsConnection
	send      chan []byte
	mgr       *Manager
	socketID  types.SocketID
	limiter   *rate.Limiter
	closeOnce sync.Once
}

func newClient(conn wsConnection, mgr *Manager, socketID types.SocketID) *Client {
	return &Client{
		conn:     conn,
		send:     make(chan []byte, sendBuffer),
		mgr:      mgr,
		socketID: socketID,
		limiter:  rate.NewLimiter(rate.Limit(inboundRate), inboundBurst),
	}
}

// readPump owns the read side of the connection. It exits on any read
// error, which covers remote close, ping timeout, and the write pump
// tearing the connection down.
func (c *Client) readPump(ctx context.Context) {
	defer func() {
		c.mgr.Disconnect(ctx, c.socketID)
		c.close()
		metrics.DecConnection()
	}()

	c.conn.SetReadLimit(maxFrameBytes)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	throttled := 0
	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			break
		}
		if messageType != websocket.TextMessage {
			continue
		}
		if !c.limiter.Allow() {
			throttled++
			metrics.SocketEvents.WithLabelValues("unknown", "throttled").Inc()
			if throttled >= maxThrottleStrikes {
				logging.Warn(ctx, "Dropping flooding socket",
					zap.String("socket_id", string(c.socketID)))
				break
			}
			c.deliver(errorFrame("rate: too many events"))
			continue
		}
		throttled = 0

		var in inboundFrame
		if err := json.Unmarshal(data, &in); err != nil {
			c.deliver(errorFrame("payload: malformed JSON"))
			continue
		}
		c.mgr.dispatch(ctx, c, in)
	}
}

// writePump owns all writes, including the keepalive pings. A write
// failure closes the connection, which unblocks the read pump.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
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

// deliver queues a frame without blocking. Buffered frames queued
// before close are still flushed by the write pump.
func (c *Client) deliver(f frame) {
	data := f.encode()
	if data == nil {
		return
	}
	select {
	case c.send <- data:
	default:
		logging.Warn(context.Background(), "Socket send buffer full, dropping frame",
			zap.String("socket_id", string(c.socketID)),
			zap.String("event", f.Event))
	}
}

// close ends the write pump exactly once; the pump closes the
// underlying connection on its way out.
func (c *Client) close() {
	c.closeOnce.Do(func() { close(c.send) })
}
