package transport

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

var (
	// ErrConnClosed is returned when sending on a closed connection.
	ErrConnClosed = errors.New("transport: connection closed")
	// ErrSendBufferFull is returned when a client cannot keep up and a
	// frame is dropped. The connection stays open; deltas are refreshed
	// by later changes.
	ErrSendBufferFull = errors.New("transport: send buffer full")
)

const (
	// writeWait bounds a single socket write.
	writeWait = 10 * time.Second
	// pongWait is how long a client may stay silent before the read
	// side gives up.
	pongWait = 60 * time.Second
	// pingPeriod must be shorter than pongWait.
	pingPeriod = (pongWait * 9) / 10
	// maxMessageSize bounds inbound frames.
	maxMessageSize = 1 << 20
	// sendBuffer is the outbound frame queue per client.
	sendBuffer = 256
)

// ClientConn is one connected client as the coordinator sees it.
type ClientConn interface {
	ID() string
	Send(f Frame) error
	Open() bool
}

// WSConn is a gorilla-backed ClientConn. Writes go through a buffered
// channel drained by a single write pump, so Send never blocks on the
// socket and the websocket's one-writer rule holds.
type WSConn struct {
	id   string
	sock *websocket.Conn
	log  zerolog.Logger

	send chan Frame
	done chan struct{}

	closeOnce sync.Once
	open      atomic.Bool
}

// NewWSConn wraps an upgraded websocket connection and starts its write
// pump. The caller drives the read side via Next.
func NewWSConn(id string, sock *websocket.Conn, log zerolog.Logger) *WSConn {
	c := &WSConn{
		id:   id,
		sock: sock,
		log:  log.With().Str("component", "transport").Str("client", id).Logger(),
		send: make(chan Frame, sendBuffer),
		done: make(chan struct{}),
	}
	c.open.Store(true)

	sock.SetReadLimit(maxMessageSize)
	_ = sock.SetReadDeadline(time.Now().Add(pongWait))
	sock.SetPongHandler(func(string) error {
		return sock.SetReadDeadline(time.Now().Add(pongWait))
	})

	go c.writePump()
	return c
}

// ID returns the client id this connection serves.
func (c *WSConn) ID() string { return c.id }

// Open reports whether the connection still accepts frames.
func (c *WSConn) Open() bool { return c.open.Load() }

// Send queues a frame for the write pump. It never blocks: a closed
// connection returns ErrConnClosed and a full buffer drops the frame with
// ErrSendBufferFull.
func (c *WSConn) Send(f Frame) error {
	if !c.open.Load() {
		return ErrConnClosed
	}
	select {
	case c.send <- f:
		return nil
	case <-c.done:
		return ErrConnClosed
	default:
		c.log.Warn().Str("frame", f.Type).Msg("Dropping frame for slow client")
		return ErrSendBufferFull
	}
}

// Next blocks for the next inbound frame. It returns an error once the
// socket is closed or the client goes silent past the pong deadline.
func (c *WSConn) Next() (Frame, error) {
	var f Frame
	if err := c.sock.ReadJSON(&f); err != nil {
		return Frame{}, err
	}
	return f, nil
}

// Close tears the connection down. Idempotent; safe from any goroutine.
func (c *WSConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.open.Store(false)
		close(c.done)
		err = c.sock.Close()
	})
	return err
}

// writePump owns all socket writes: queued frames plus keepalive pings.
func (c *WSConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.Close()
	}()

	for {
		select {
		case f := <-c.send:
			_ = c.sock.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.sock.WriteJSON(f); err != nil {
				c.log.Debug().Err(err).Msg("Write failed, closing connection")
				return
			}
		case <-ticker.C:
			_ = c.sock.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.sock.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			// Flush nothing; the peer is gone or Close was called.
			return
		}
	}
}

var _ ClientConn = (*WSConn)(nil)
