package wsrelay

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/keyward/sessiond/sdk/session"
)

const (
	readTimeout          = 60 * time.Second
	writeTimeout         = 10 * time.Second
	maxInboundMessageLen = 4 << 10
	heartbeatInterval    = 30 * time.Second
)

var errClosed = errors.New("websocket listener closed")

type conn struct {
	ws     *websocket.Conn
	relay  *Relay
	id     string
	events <-chan session.Notification
	cancel func()

	closed     chan struct{}
	closeOnce  sync.Once
	writeMutex sync.Mutex
}

func newConn(ws *websocket.Conn, relay *Relay, id string, events <-chan session.Notification, cancel func()) *conn {
	c := &conn{
		ws:     ws,
		relay:  relay,
		id:     id,
		events: events,
		cancel: cancel,
		closed: make(chan struct{}),
	}
	ws.SetReadLimit(maxInboundMessageLen)
	_ = ws.SetReadDeadline(time.Now().Add(readTimeout))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(readTimeout))
	})
	return c
}

func (c *conn) run() {
	go c.readLoop()
	c.writeLoop()
}

// writeLoop forwards notifications and keeps the connection alive with pings.
func (c *conn) writeLoop() {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.closed:
			return
		case n, ok := <-c.events:
			if !ok {
				c.cleanup(errClosed)
				return
			}
			notification := n
			if err := c.send(Message{Type: MessageTypeNotification, Notification: &notification}); err != nil {
				c.cleanup(err)
				return
			}
		case <-ticker.C:
			c.writeMutex.Lock()
			err := c.ws.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(writeTimeout))
			c.writeMutex.Unlock()
			if err != nil {
				c.cleanup(err)
				return
			}
		}
	}
}

// readLoop answers listener pings and detects disconnects.
func (c *conn) readLoop() {
	for {
		var msg Message
		if err := c.ws.ReadJSON(&msg); err != nil {
			c.cleanup(err)
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(readTimeout))
		if msg.Type == MessageTypePing {
			if err := c.send(Message{Type: MessageTypePong}); err != nil {
				c.cleanup(err)
				return
			}
		}
	}
}

func (c *conn) send(msg Message) error {
	select {
	case <-c.closed:
		return errClosed
	default:
	}
	c.writeMutex.Lock()
	defer c.writeMutex.Unlock()
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if err := c.ws.WriteJSON(msg); err != nil {
		return fmt.Errorf("write json: %w", err)
	}
	return nil
}

func (c *conn) cleanup(cause error) {
	c.closeOnce.Do(func() {
		close(c.closed)
		if c.cancel != nil {
			c.cancel()
		}
		c.writeMutex.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		c.writeMutex.Unlock()
		_ = c.ws.Close()
		if c.relay != nil {
			c.relay.handleConnClosed(c, cause)
		}
	})
}
