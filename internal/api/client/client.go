// Package client implements the session API transport: fork exchange, session
// refresh, lock lookup, the post-login handshake and the push event stream.
package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/keyward/sessiond/sdk/session"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"golang.org/x/oauth2"
)

const (
	headerAppVersion     = "X-App-Version"
	headerSessionUID     = "X-Session-UID"
	headerClientInstance = "X-Client-Instance"

	defaultTimeout        = 30 * time.Second
	defaultEventsPath     = "/events"
	defaultReconnectDelay = 5 * time.Second
)

// Options configures a Client.
type Options struct {
	// BaseURL is the API root, e.g. https://api.example.com.
	BaseURL string
	// AppVersion is sent with every request.
	AppVersion string
	// HTTPClient is the unauthenticated client. Its transport is reused as the
	// base of the bearer transport. Defaults to a client with a 30s timeout.
	HTTPClient *http.Client
	// EventsPath is the websocket path of the push event stream.
	EventsPath string
	// ReconnectDelay is the pause between event stream reconnect attempts.
	ReconnectDelay time.Duration
}

// Client talks to the session API. It implements session.Client.
type Client struct {
	baseURL        *url.URL
	appVersion     string
	instanceID     string
	base           *http.Client
	eventsPath     string
	reconnectDelay time.Duration

	mu     sync.RWMutex
	creds  *session.Credentials
	authed *http.Client
}

var _ session.Client = (*Client)(nil)

// New returns a Client for opts.BaseURL.
func New(opts Options) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/"))
	if err != nil {
		return nil, fmt.Errorf("api client: parse base url: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("api client: base url %q must be absolute", opts.BaseURL)
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	eventsPath := opts.EventsPath
	if eventsPath == "" {
		eventsPath = defaultEventsPath
	}
	delay := opts.ReconnectDelay
	if delay <= 0 {
		delay = defaultReconnectDelay
	}
	return &Client{
		baseURL:        base,
		appVersion:     opts.AppVersion,
		instanceID:     uuid.NewString(),
		base:           httpClient,
		eventsPath:     eventsPath,
		reconnectDelay: delay,
	}, nil
}

// Configure installs creds as the bearer credentials of subsequent calls.
func (c *Client) Configure(creds session.Credentials) {
	baseTransport := c.base.Transport
	if baseTransport == nil {
		baseTransport = http.DefaultTransport
	}
	source := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: creds.AccessToken, TokenType: "Bearer"})
	authed := &http.Client{
		Transport: &oauth2.Transport{Source: source, Base: baseTransport},
		Timeout:   c.base.Timeout,
	}

	c.mu.Lock()
	c.creds = creds.Clone()
	c.authed = authed
	c.mu.Unlock()
}

// Clear drops the configured credentials.
func (c *Client) Clear() {
	c.mu.Lock()
	if c.creds != nil {
		c.creds.Wipe()
	}
	c.creds = nil
	c.authed = nil
	c.mu.Unlock()
}

func (c *Client) configured() (*session.Credentials, *http.Client) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.creds == nil {
		return nil, nil
	}
	return c.creds.Clone(), c.authed
}

// LockStatus fetches the lock registration of the configured session.
func (c *Client) LockStatus(ctx context.Context) (session.Lock, error) {
	body, err := c.doAuthed(ctx, http.MethodGet, "/pass/v1/user/session/lock", nil)
	if err != nil {
		return session.Lock{}, err
	}
	return parseLockInfo(gjson.GetBytes(body, "LockInfo")), nil
}

// ExchangeFork consumes a one-time fork code.
func (c *Client) ExchangeFork(ctx context.Context, code string) (session.RemoteSession, error) {
	payload, err := sjson.SetBytes([]byte(`{}`), "ClientInstance", c.instanceID)
	if err != nil {
		return session.RemoteSession{}, fmt.Errorf("api client: build fork request: %w", err)
	}
	body, err := c.do(ctx, c.base, http.MethodPost, "/auth/v4/sessions/forks/"+url.PathEscape(code), payload, nil)
	if err != nil {
		return session.RemoteSession{}, err
	}
	return parseRemoteSession(body), nil
}

// Resume refreshes the tokens of a persisted session.
func (c *Client) Resume(ctx context.Context, creds session.Credentials) (session.RemoteSession, error) {
	payload := []byte(`{}`)
	var err error
	for _, field := range []struct{ path, value string }{
		{"UID", creds.SessionID},
		{"RefreshToken", creds.RefreshToken},
		{"GrantType", "refresh_token"},
		{"ResponseType", "token"},
	} {
		if payload, err = sjson.SetBytes(payload, field.path, field.value); err != nil {
			return session.RemoteSession{}, fmt.Errorf("api client: build refresh request: %w", err)
		}
	}
	headers := http.Header{headerSessionUID: []string{creds.SessionID}}
	body, err := c.do(ctx, c.base, http.MethodPost, "/auth/v4/refresh", payload, headers)
	if err != nil {
		return session.RemoteSession{}, err
	}
	remote := parseRemoteSession(body)
	if remote.SessionID == "" {
		remote.SessionID = creds.SessionID
	}
	return remote, nil
}

// Handshake fetches the signed-in user for the welcome message.
func (c *Client) Handshake(ctx context.Context) (*session.Welcome, error) {
	body, err := c.doAuthed(ctx, http.MethodGet, "/core/v4/users", nil)
	if err != nil {
		return nil, err
	}
	user := gjson.GetBytes(body, "User")
	name := user.Get("DisplayName").String()
	if name == "" {
		name = user.Get("Name").String()
	}
	return &session.Welcome{DisplayName: name, Email: user.Get("Email").String()}, nil
}

func (c *Client) doAuthed(ctx context.Context, method, path string, payload []byte) ([]byte, error) {
	creds, authed := c.configured()
	if creds == nil {
		return nil, session.ErrNotConfigured
	}
	headers := http.Header{headerSessionUID: []string{creds.SessionID}}
	return c.do(ctx, authed, method, path, payload, headers)
}

func (c *Client) do(ctx context.Context, httpClient *http.Client, method, path string, payload []byte, headers http.Header) ([]byte, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(path), reader)
	if err != nil {
		return nil, fmt.Errorf("api client: create request: %w", err)
	}
	for key, values := range headers {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Accept-Encoding", acceptEncoding)
	req.Header.Set(headerClientInstance, c.instanceID)
	if c.appVersion != "" {
		req.Header.Set(headerAppVersion, c.appVersion)
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("api client: %s %s: %w", method, path, err)
	}
	defer func() {
		if errClose := resp.Body.Close(); errClose != nil {
			log.Errorf("api client: close response body: %v", errClose)
		}
	}()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("api client: read response: %w", err)
	}
	body, err := decodeBody(resp.Header.Get("Content-Encoding"), raw)
	if err != nil {
		return nil, fmt.Errorf("api client: %w", err)
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		apiErr := newError(resp.StatusCode, body)
		log.WithFields(log.Fields{"status": resp.StatusCode, "code": apiErr.Code}).Debugf("api client: %s %s failed", method, path)
		return nil, apiErr
	}
	return body, nil
}

func (c *Client) endpoint(path string) string {
	u := *c.baseURL
	u.Path = strings.TrimRight(u.Path, "/") + path
	return u.String()
}

func parseRemoteSession(body []byte) session.RemoteSession {
	parsed := gjson.ParseBytes(body)
	remote := session.RemoteSession{
		SessionID:    parsed.Get("UID").String(),
		AccessToken:  parsed.Get("AccessToken").String(),
		RefreshToken: parsed.Get("RefreshToken").String(),
	}
	if info := parsed.Get("LockInfo"); info.Exists() {
		lock := parseLockInfo(info)
		remote.Lock = &lock
	}
	return remote
}

func parseLockInfo(info gjson.Result) session.Lock {
	lock := session.Lock{Status: session.LockUnset}
	if !info.Exists() {
		return lock
	}
	if info.Get("Locked").Bool() {
		lock.Status = session.LockLocked
	} else if info.Get("Exists").Bool() {
		lock.Status = session.LockRegistered
	}
	if ttl := info.Get("TTL").Int(); ttl > 0 {
		lock.TTL = time.Duration(ttl) * time.Second
	}
	return lock
}
