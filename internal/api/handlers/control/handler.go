// Package control implements the local session control API used by the
// extension pages: status, init, fork handoff, lock, unlock and logout.
package control

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/keyward/sessiond/internal/util"
	"github.com/keyward/sessiond/sdk/session"
	log "github.com/sirupsen/logrus"
)

const requestTimeout = 30 * time.Second

// SessionService is the subset of session.Service the handlers drive.
type SessionService interface {
	Status() session.Status
	CurrentLock() session.Lock
	SessionID() string
	Init(ctx context.Context) bool
	ConsumeFork(ctx context.Context, payload session.ForkPayload) (*session.Welcome, error)
	Lock(ctx context.Context)
	Unlock(ctx context.Context)
	Logout(ctx context.Context)
}

var _ SessionService = (*session.Service)(nil)

// Handler serves the session control routes.
type Handler struct {
	svc SessionService
}

// NewHandler returns a handler bound to svc.
func NewHandler(svc SessionService) *Handler {
	return &Handler{svc: svc}
}

type statusResponse struct {
	Status  session.Status `json:"status"`
	Ready   bool           `json:"ready"`
	Lock    session.Lock   `json:"lock"`
	Session string         `json:"session,omitempty"`
}

type forkRequest struct {
	ForkCode   string `json:"fork_code"`
	DerivedKey string `json:"derived_key"`
}

func (h *Handler) snapshot() statusResponse {
	status := h.svc.Status()
	resp := statusResponse{
		Status: status,
		Ready:  status.Ready(),
		Lock:   h.svc.CurrentLock(),
	}
	if id := h.svc.SessionID(); id != "" {
		resp.Session = util.HideSecret(id)
	}
	return resp
}

// GetStatus returns the worker status and the lock gate.
func (h *Handler) GetStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.snapshot())
}

// PostInit runs the startup flow. Concurrent callers share one attempt.
func (h *Handler) PostInit(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), requestTimeout)
	defer cancel()
	h.svc.Init(ctx)
	c.JSON(http.StatusOK, h.snapshot())
}

// PostFork consumes a fork handed off by the web application.
func (h *Handler) PostFork(c *gin.Context) {
	var body forkRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	body.ForkCode = strings.TrimSpace(body.ForkCode)
	if body.ForkCode == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "fork_code is required"})
		return
	}
	derivedKey, err := decodeKey(body.DerivedKey)
	if err != nil || len(derivedKey) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "derived_key must be base64"})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), requestTimeout)
	defer cancel()
	welcome, err := h.svc.ConsumeFork(ctx, session.ForkPayload{ForkCode: body.ForkCode, DerivedKey: derivedKey})
	clear(derivedKey)
	if err != nil {
		userErr := session.NewUserError(err)
		if h.svc.Status().Ready() {
			log.WithError(err).Debug("control: fork logged in but handshake failed")
			c.JSON(http.StatusOK, gin.H{"status": h.snapshot(), "warning": userErr})
			return
		}
		c.JSON(forkErrorStatus(err), gin.H{"error": userErr.Message, "title": userErr.Title})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": h.snapshot(), "welcome": welcome})
}

// PostLock arms the local lock gate.
func (h *Handler) PostLock(c *gin.Context) {
	h.svc.Lock(c.Request.Context())
	c.JSON(http.StatusOK, h.snapshot())
}

// PostUnlock disarms the local lock gate.
func (h *Handler) PostUnlock(c *gin.Context) {
	h.svc.Unlock(c.Request.Context())
	c.JSON(http.StatusOK, h.snapshot())
}

// PostLogout drops the session.
func (h *Handler) PostLogout(c *gin.Context) {
	h.svc.Logout(c.Request.Context())
	c.JSON(http.StatusOK, h.snapshot())
}

func decodeKey(raw string) ([]byte, error) {
	raw = strings.TrimSpace(raw)
	if key, err := base64.StdEncoding.DecodeString(raw); err == nil {
		return key, nil
	}
	return base64.RawURLEncoding.DecodeString(strings.TrimRight(raw, "="))
}

func forkErrorStatus(err error) int {
	switch {
	case errors.Is(err, session.ErrForkExpired):
		return http.StatusGone
	case errors.Is(err, session.ErrForkInvalid):
		return http.StatusBadRequest
	case errors.Is(err, session.ErrForkUnreachable):
		return http.StatusBadGateway
	case errors.Is(err, session.ErrStorage):
		return http.StatusInternalServerError
	case errors.Is(err, session.ErrLockedSession):
		return http.StatusLocked
	default:
		return http.StatusUnauthorized
	}
}
