package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

type memStorage struct {
	mu      sync.Mutex
	data    map[string]string
	setErr  error
	getErr  error
	sets    int
	removes int
}

func newMemStorage() *memStorage {
	return &memStorage{data: make(map[string]string)}
}

func (m *memStorage) Get(_ context.Context, keys ...string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return nil, m.getErr
	}
	out := make(map[string]string)
	for _, k := range keys {
		if v, ok := m.data[k]; ok {
			out[k] = v
		}
	}
	return out, nil
}

func (m *memStorage) Set(_ context.Context, items map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.setErr != nil {
		return m.setErr
	}
	m.sets++
	for k, v := range items {
		m.data[k] = v
	}
	return nil
}

func (m *memStorage) Remove(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removes++
	for _, k := range keys {
		delete(m.data, k)
	}
	return nil
}

func (m *memStorage) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.data)
}

type fakeSubscription struct {
	client *fakeClient
	closed atomic.Bool
}

func (s *fakeSubscription) Close() error {
	if s.closed.CompareAndSwap(false, true) {
		s.client.active.Add(-1)
	}
	return nil
}

type fakeClient struct {
	mu sync.Mutex

	configured *Credentials
	clears     int

	lock       Lock
	lockErr    error
	lockCalls  atomic.Int32
	fork       RemoteSession
	forkErr    error
	forkCalls  atomic.Int32
	resume     RemoteSession
	resumeErr  error
	resumeHook func()
	resumes    atomic.Int32
	welcome    *Welcome
	welcomeErr error
	handshakes atomic.Int32
	subErr     error

	active   atomic.Int32
	handlers []EventHandler
}

func newFakeClient() *fakeClient {
	return &fakeClient{lock: Lock{Status: LockUnset}}
}

func (c *fakeClient) networkCalls() int32 {
	return c.lockCalls.Load() + c.forkCalls.Load() + c.resumes.Load() + c.handshakes.Load()
}

func (c *fakeClient) Configure(creds Credentials) {
	c.mu.Lock()
	c.configured = creds.Clone()
	c.mu.Unlock()
}

func (c *fakeClient) Clear() {
	c.mu.Lock()
	c.configured = nil
	c.clears++
	c.mu.Unlock()
}

func (c *fakeClient) configuredCreds() *Credentials {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.configured
}

func (c *fakeClient) Subscribe(handler EventHandler) (Subscription, error) {
	if c.subErr != nil {
		return nil, c.subErr
	}
	c.mu.Lock()
	c.handlers = append(c.handlers, handler)
	c.mu.Unlock()
	c.active.Add(1)
	return &fakeSubscription{client: c}, nil
}

func (c *fakeClient) emit(ev Event) {
	c.mu.Lock()
	handlers := append([]EventHandler(nil), c.handlers...)
	c.mu.Unlock()
	if len(handlers) == 0 {
		return
	}
	handlers[len(handlers)-1](ev)
}

func (c *fakeClient) LockStatus(context.Context) (Lock, error) {
	c.lockCalls.Add(1)
	return c.lock, c.lockErr
}

func (c *fakeClient) ExchangeFork(_ context.Context, _ string) (RemoteSession, error) {
	c.forkCalls.Add(1)
	return c.fork, c.forkErr
}

func (c *fakeClient) Handshake(context.Context) (*Welcome, error) {
	c.handshakes.Add(1)
	return c.welcome, c.welcomeErr
}

func (c *fakeClient) Resume(_ context.Context, creds Credentials) (RemoteSession, error) {
	c.resumes.Add(1)
	if c.resumeHook != nil {
		c.resumeHook()
	}
	if c.resumeErr != nil {
		return RemoteSession{}, c.resumeErr
	}
	if c.resume.SessionID == "" {
		return RemoteSession{SessionID: creds.SessionID, AccessToken: creds.AccessToken, RefreshToken: creds.RefreshToken}, nil
	}
	return c.resume, nil
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []Notification
}

func (r *recordingNotifier) Notify(n Notification) {
	r.mu.Lock()
	r.events = append(r.events, n)
	r.mu.Unlock()
}

func (r *recordingNotifier) kinds(kind NotificationKind) []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Notification
	for _, n := range r.events {
		if n.Kind == kind {
			out = append(out, n)
		}
	}
	return out
}

func (r *recordingNotifier) all() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notification(nil), r.events...)
}

// apiError mimics a transport error that matches session sentinels.
type apiError struct {
	code   string
	status int
	target error
}

func (e *apiError) Error() string        { return "api: " + e.code }
func (e *apiError) Is(target error) bool { return e.target != nil && target == e.target }
func (e *apiError) HTTPStatus() int      { return e.status }
func (e *apiError) PublicMessage() string {
	return "server says " + e.code
}

var errNetwork = errors.New("dial tcp: connection refused")

func testCredentials() Credentials {
	return Credentials{
		SessionID:    "uid-1",
		AccessToken:  "access-1",
		RefreshToken: "refresh-1",
		DerivedKey:   []byte("derived-key-material"),
	}
}

func newTestService(t interface{ Fatalf(string, ...any) }, client *fakeClient, storage *memStorage, notifier *recordingNotifier) *Service {
	svc, err := New(Options{Client: client, Storage: storage, Notifier: notifier})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return svc
}
