// Package api wires the local control API: Gin routes for the session
// operations and the websocket notification stream.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/keyward/sessiond/internal/api/handlers/control"
	"github.com/keyward/sessiond/internal/api/middleware"
	"github.com/keyward/sessiond/internal/buildinfo"
	"github.com/keyward/sessiond/internal/config"
	"github.com/keyward/sessiond/internal/logging"
	"github.com/keyward/sessiond/internal/wsrelay"
	log "github.com/sirupsen/logrus"
)

const shutdownTimeout = 5 * time.Second

// Server is the HTTP front of the daemon.
type Server struct {
	engine *gin.Engine
	relay  *wsrelay.Relay
	addr   string

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
}

// NewServer builds the Gin engine and registers every route.
func NewServer(cfg *config.Config, svc control.SessionService, relay *wsrelay.Relay) *Server {
	if cfg.Debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(logging.GinLogrusLogger(), logging.GinLogrusRecovery(), middleware.LocalOnly())

	s := &Server{
		engine: engine,
		relay:  relay,
		addr:   net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
	}
	s.setupRoutes(control.NewHandler(svc))
	return s
}

func (s *Server) setupRoutes(h *control.Handler) {
	s.engine.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "sessiond control API", "version": buildinfo.Version})
	})

	v0 := s.engine.Group("/v0/session")
	{
		v0.GET("/status", h.GetStatus)
		v0.POST("/init", h.PostInit)
		v0.POST("/fork", h.PostFork)
		v0.POST("/lock", h.PostLock)
		v0.POST("/unlock", h.PostUnlock)
		v0.POST("/logout", h.PostLogout)
	}

	if s.relay != nil {
		events := s.relay.Handler()
		s.engine.GET("/v0/events", func(c *gin.Context) {
			logging.SkipGinRequestLogging(c)
			events.ServeHTTP(c.Writer, c.Request)
		})
	}
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Addr returns the bound address once Start succeeded, otherwise the configured one.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// Start binds the listener and serves in the background. Bind errors are
// returned synchronously.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server != nil {
		return fmt.Errorf("api: server already started")
	}
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("api: listen on %s: %w", s.addr, err)
	}
	server := &http.Server{
		Handler:           s.engine,
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.server = server
	s.listener = ln

	log.Infof("control API listening on %s", ln.Addr())
	go func() {
		if errServe := server.Serve(ln); errServe != nil && !errors.Is(errServe, http.ErrServerClosed) {
			log.Errorf("control API failed on %s: %v", ln.Addr(), errServe)
		}
	}()
	return nil
}

// Stop closes websocket listeners and shuts the HTTP server down.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	server := s.server
	s.server = nil
	s.listener = nil
	s.mu.Unlock()

	if s.relay != nil {
		_ = s.relay.Stop(ctx)
	}
	if server == nil {
		return nil
	}
	stopCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()
	if errStop := server.Shutdown(stopCtx); errStop != nil {
		return fmt.Errorf("api: shutdown: %w", errStop)
	}
	log.Info("control API stopped")
	return nil
}
