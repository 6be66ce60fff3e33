package client

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/keyward/sessiond/sdk/session"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

const eventsHandshakeTimeout = 10 * time.Second

// Subscribe opens the push event stream for the configured session. The stream
// reconnects until the returned subscription is closed.
func (c *Client) Subscribe(handler session.EventHandler) (session.Subscription, error) {
	creds, _ := c.configured()
	if creds == nil {
		return nil, session.ErrNotConfigured
	}
	if handler == nil {
		handler = func(session.Event) {}
	}

	ctx, cancel := context.WithCancel(context.Background())
	sub := &eventSubscription{cancel: cancel}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+creds.AccessToken)
	header.Set(headerSessionUID, creds.SessionID)
	header.Set(headerClientInstance, c.instanceID)
	if c.appVersion != "" {
		header.Set(headerAppVersion, c.appVersion)
	}
	creds.Wipe()

	go c.runEvents(ctx, sub, header, handler)
	return sub, nil
}

func (c *Client) eventsURL() string {
	u := *c.baseURL
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + c.eventsPath
	return u.String()
}

func (c *Client) dialer() *websocket.Dialer {
	d := &websocket.Dialer{
		HandshakeTimeout: eventsHandshakeTimeout,
		Proxy:            http.ProxyFromEnvironment,
	}
	if transport, ok := c.base.Transport.(*http.Transport); ok && transport != nil {
		d.Proxy = transport.Proxy
		d.NetDialContext = transport.DialContext
		d.TLSClientConfig = transport.TLSClientConfig
	}
	return d
}

func (c *Client) runEvents(ctx context.Context, sub *eventSubscription, header http.Header, handler session.EventHandler) {
	target := c.eventsURL()
	dialer := c.dialer()
	for {
		conn, resp, err := dialer.DialContext(ctx, target, header)
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.WithError(err).Debug("api client: event stream dial failed")
		} else if sub.attach(conn) {
			c.readEvents(ctx, conn, handler)
			sub.detach(conn)
		} else {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(c.reconnectDelay):
		}
	}
}

func (c *Client) readEvents(ctx context.Context, conn *websocket.Conn, handler session.EventHandler) {
	for {
		msgType, payload, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.WithError(err).Debug("api client: event stream read failed")
			}
			return
		}
		if msgType != websocket.TextMessage || !gjson.ValidBytes(payload) {
			continue
		}
		parsed := gjson.ParseBytes(payload)
		ev := session.Event{
			Type:    session.EventType(parsed.Get("type").String()),
			Subtype: session.EventSubtype(parsed.Get("subtype").String()),
		}
		if ctx.Err() != nil {
			return
		}
		handler(ev)
	}
}

// eventSubscription is the handle returned by Subscribe. Close never waits for
// the read loop, so it is safe to call from inside the event handler.
type eventSubscription struct {
	cancel context.CancelFunc

	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool
}

func (s *eventSubscription) attach(conn *websocket.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		_ = conn.Close()
		return false
	}
	s.conn = conn
	return true
}

func (s *eventSubscription) detach(conn *websocket.Conn) {
	s.mu.Lock()
	if s.conn == conn {
		s.conn = nil
	}
	s.mu.Unlock()
	_ = conn.Close()
}

func (s *eventSubscription) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()

	s.cancel()
	if conn == nil {
		return nil
	}
	deadline := time.Now().Add(time.Second)
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	return conn.Close()
}
