package control

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/keyward/sessiond/sdk/session"
)

type fakeService struct {
	status  session.Status
	lock    session.Lock
	id      string
	forkErr error
	payload session.ForkPayload
	calls   []string
}

func (f *fakeService) Status() session.Status    { return f.status }
func (f *fakeService) CurrentLock() session.Lock { return f.lock }
func (f *fakeService) SessionID() string         { return f.id }
func (f *fakeService) Lock(context.Context)      { f.calls = append(f.calls, "lock") }
func (f *fakeService) Unlock(context.Context)    { f.calls = append(f.calls, "unlock") }
func (f *fakeService) Logout(context.Context)    { f.calls = append(f.calls, "logout") }
func (f *fakeService) Init(context.Context) bool {
	f.calls = append(f.calls, "init")
	return f.status.Ready()
}

func (f *fakeService) ConsumeFork(_ context.Context, payload session.ForkPayload) (*session.Welcome, error) {
	f.payload = session.ForkPayload{ForkCode: payload.ForkCode, DerivedKey: append([]byte(nil), payload.DerivedKey...)}
	if f.forkErr != nil {
		return nil, session.NewUserError(f.forkErr)
	}
	f.status = session.StatusAuthorized
	return &session.Welcome{Title: "Welcome", Message: "Signed in."}, nil
}

func newEngine(svc SessionService) *gin.Engine {
	gin.SetMode(gin.TestMode)
	h := NewHandler(svc)
	engine := gin.New()
	engine.GET("/v0/session/status", h.GetStatus)
	engine.POST("/v0/session/init", h.PostInit)
	engine.POST("/v0/session/fork", h.PostFork)
	engine.POST("/v0/session/lock", h.PostLock)
	engine.POST("/v0/session/unlock", h.PostUnlock)
	engine.POST("/v0/session/logout", h.PostLogout)
	return engine
}

func do(engine *gin.Engine, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)
	return rec
}

func TestGetStatusMasksSession(t *testing.T) {
	svc := &fakeService{status: session.StatusLocked, lock: session.Lock{Status: session.LockLocked, TTL: 90 * time.Second}, id: "uid-0123456789abcdef"}
	rec := do(newEngine(svc), http.MethodGet, "/v0/session/status", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp statusResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != session.StatusLocked || !resp.Ready || resp.Lock.Status != session.LockLocked {
		t.Fatalf("unexpected status: %+v", resp)
	}
	if strings.Contains(rec.Body.String(), "0123456789abcdef") {
		t.Fatalf("session identifier leaked: %s", rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), `"ttl_seconds":90`) || resp.Lock.TTL != 90*time.Second {
		t.Fatalf("expected lock ttl in seconds: %s", rec.Body.String())
	}
}

func TestSimpleActions(t *testing.T) {
	tests := []struct {
		path string
		call string
	}{
		{"/v0/session/init", "init"},
		{"/v0/session/lock", "lock"},
		{"/v0/session/unlock", "unlock"},
		{"/v0/session/logout", "logout"},
	}
	for _, tt := range tests {
		t.Run(tt.call, func(t *testing.T) {
			svc := &fakeService{status: session.StatusAuthorized}
			rec := do(newEngine(svc), http.MethodPost, tt.path, "")
			if rec.Code != http.StatusOK {
				t.Fatalf("expected 200, got %d", rec.Code)
			}
			if len(svc.calls) != 1 || svc.calls[0] != tt.call {
				t.Fatalf("expected %s, got %v", tt.call, svc.calls)
			}
		})
	}
}

func TestPostForkSuccess(t *testing.T) {
	svc := &fakeService{status: session.StatusUnauthorized}
	key := base64.StdEncoding.EncodeToString([]byte("derived-key"))
	rec := do(newEngine(svc), http.MethodPost, "/v0/session/fork", `{"fork_code":" code-1 ","derived_key":"`+key+`"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if svc.payload.ForkCode != "code-1" || string(svc.payload.DerivedKey) != "derived-key" {
		t.Fatalf("unexpected payload: %+v", svc.payload)
	}
	if !strings.Contains(rec.Body.String(), `"welcome"`) {
		t.Fatalf("expected welcome in body: %s", rec.Body.String())
	}
}

func TestPostForkValidation(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"invalid json", `{`},
		{"missing code", `{"derived_key":"a2V5"}`},
		{"bad key", `{"fork_code":"c","derived_key":"***"}`},
		{"empty key", `{"fork_code":"c","derived_key":""}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &fakeService{}
			rec := do(newEngine(svc), http.MethodPost, "/v0/session/fork", tt.body)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d", rec.Code)
			}
			if svc.payload.ForkCode != "" {
				t.Fatalf("service must not be called")
			}
		})
	}
}

func TestPostForkErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"expired", &session.ForkError{Kind: session.ForkExpired}, http.StatusGone},
		{"invalid", &session.ForkError{Kind: session.ForkInvalid}, http.StatusBadRequest},
		{"rejected", &session.ForkError{Kind: session.ForkInvalid, Err: errors.New("api error 422: Invalid fork selector")}, http.StatusBadRequest},
		{"network", &session.ForkError{Kind: session.ForkNetwork, Err: errors.New("dial tcp: refused")}, http.StatusBadGateway},
		{"storage", &session.StorageError{Op: "save", Err: errors.New("disk full")}, http.StatusInternalServerError},
		{"locked", session.ErrLockedSession, http.StatusLocked},
		{"other", errors.New("boom"), http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &fakeService{status: session.StatusUnauthorized, forkErr: tt.err}
			rec := do(newEngine(svc), http.MethodPost, "/v0/session/fork", `{"fork_code":"c","derived_key":"a2V5"}`)
			if rec.Code != tt.want {
				t.Fatalf("expected %d, got %d", tt.want, rec.Code)
			}
			if strings.Contains(rec.Body.String(), "refused") || strings.Contains(rec.Body.String(), "disk full") {
				t.Fatalf("internal detail leaked: %s", rec.Body.String())
			}
		})
	}
}

func TestPostForkHandshakeWarning(t *testing.T) {
	svc := &fakeService{status: session.StatusAuthorized, forkErr: errors.New("handshake failed")}
	rec := do(newEngine(svc), http.MethodPost, "/v0/session/fork", `{"fork_code":"c","derived_key":"a2V5"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"warning"`) {
		t.Fatalf("expected warning in body: %s", rec.Body.String())
	}
}
