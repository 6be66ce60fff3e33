// Package wsrelay streams session notifications to websocket listeners of the
// local control API.
package wsrelay

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/keyward/sessiond/sdk/session"
	log "github.com/sirupsen/logrus"
)

const listenerBuffer = 32

// Source hands out notification subscriptions. notify.Hub implements it.
type Source interface {
	Subscribe(buffer int) (string, <-chan session.Notification, func())
}

// Options configures a Relay.
type Options struct {
	Source         Source
	CheckOrigin    func(*http.Request) bool
	OnConnected    func(id string)
	OnDisconnected func(id string, cause error)
}

// Relay upgrades HTTP requests to websocket connections and forwards every
// notification of its source to each of them.
type Relay struct {
	source   Source
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[string]*conn

	onConnected    func(string)
	onDisconnected func(string, error)
}

// NewRelay builds a relay reading from opts.Source.
func NewRelay(opts Options) *Relay {
	checkOrigin := opts.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &Relay{
		source: opts.Source,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin,
		},
		conns:          make(map[string]*conn),
		onConnected:    opts.OnConnected,
		onDisconnected: opts.OnDisconnected,
	}
}

// Handler exposes an http.Handler that upgrades connections to listeners.
func (r *Relay) Handler() http.Handler {
	return http.HandlerFunc(r.handleWebsocket)
}

// Len returns the number of connected listeners.
func (r *Relay) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// Stop closes every listener connection.
func (r *Relay) Stop(_ context.Context) error {
	r.mu.Lock()
	conns := make([]*conn, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	r.mu.Unlock()

	for _, c := range conns {
		c.cleanup(errRelayStopped)
	}
	return nil
}

var errRelayStopped = errors.New("wsrelay: relay stopped")

func (r *Relay) handleWebsocket(w http.ResponseWriter, req *http.Request) {
	if r.source == nil {
		http.Error(w, "notifications unavailable", http.StatusServiceUnavailable)
		return
	}
	if req.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ws, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		log.WithError(err).Warn("wsrelay: upgrade failed")
		return
	}

	id, ch, cancel := r.source.Subscribe(listenerBuffer)
	c := newConn(ws, r, id, ch, cancel)

	r.mu.Lock()
	r.conns[id] = c
	r.mu.Unlock()

	log.WithField("listener", id).Debug("wsrelay: listener connected")
	if r.onConnected != nil {
		r.onConnected(id)
	}
	go c.run()
}

func (r *Relay) handleConnClosed(c *conn, cause error) {
	r.mu.Lock()
	if cur, ok := r.conns[c.id]; ok && cur == c {
		delete(r.conns, c.id)
	}
	r.mu.Unlock()

	log.WithField("listener", c.id).Debugf("wsrelay: listener disconnected: %v", cause)
	if r.onDisconnected != nil {
		r.onDisconnected(c.id, cause)
	}
}
