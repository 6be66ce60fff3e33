package session

import (
	"context"
	"encoding/json"
	"time"
)

// EventType is the category of an out-of-band push event.
type EventType string

// EventSubtype refines a session push event.
type EventSubtype string

const (
	// EventSession groups events about the remote session itself.
	EventSession EventType = "session"

	// SubtypeInactive signals the remote session was revoked or expired.
	SubtypeInactive EventSubtype = "inactive"
	// SubtypeLocked signals the session was locked remotely.
	SubtypeLocked EventSubtype = "locked"
)

// Event is a push event delivered on a Subscription.
type Event struct {
	Type    EventType    `json:"type"`
	Subtype EventSubtype `json:"subtype"`
}

// EventHandler receives push events. It may be called from any goroutine.
type EventHandler func(Event)

// Subscription is the handle of an active push-event listener.
// Close releases it and must be safe to call more than once and from within the handler.
type Subscription interface {
	Close() error
}

// RemoteSession is the result of a fork exchange or a resume.
type RemoteSession struct {
	SessionID    string
	AccessToken  string
	RefreshToken string
	// Lock is set when the remote already reported the lock status alongside the session.
	Lock *Lock
}

// Welcome is the payload surfaced after the post-login handshake.
type Welcome struct {
	Title       string `json:"title"`
	Message     string `json:"message"`
	DisplayName string `json:"display_name,omitempty"`
	Email       string `json:"email,omitempty"`
}

// LockFetcher queries the remote lock endpoint.
type LockFetcher interface {
	LockStatus(ctx context.Context) (Lock, error)
}

// ForkExchanger trades a fork code for session credentials.
type ForkExchanger interface {
	ExchangeFork(ctx context.Context, forkCode string) (RemoteSession, error)
}

// Client is the API transport collaborator consumed by the Service.
type Client interface {
	LockFetcher
	ForkExchanger

	// Configure installs credentials for subsequent authenticated calls.
	Configure(creds Credentials)
	// Clear drops any installed credentials.
	Clear()
	// Subscribe registers handler for session push events.
	Subscribe(handler EventHandler) (Subscription, error)
	// Handshake is the first authenticated call after login.
	Handshake(ctx context.Context) (*Welcome, error)
	// Resume revalidates persisted credentials, returning possibly rotated tokens.
	Resume(ctx context.Context, creds Credentials) (RemoteSession, error)
}

// LockStatus enumerates the local lock gate states.
type LockStatus string

const (
	LockUnset      LockStatus = "unset"
	LockRegistered LockStatus = "registered"
	LockLocked     LockStatus = "locked"
)

// Lock is a lock status with an optional time-to-live hint; TTL is zero when unknown.
// It is encoded with the TTL in whole seconds.
type Lock struct {
	Status LockStatus    `json:"status"`
	TTL    time.Duration `json:"-"`
}

type lockJSON struct {
	Status     LockStatus `json:"status"`
	TTLSeconds int64      `json:"ttl_seconds,omitempty"`
}

func (l Lock) MarshalJSON() ([]byte, error) {
	return json.Marshal(lockJSON{Status: l.Status, TTLSeconds: int64(l.TTL / time.Second)})
}

func (l *Lock) UnmarshalJSON(data []byte) error {
	var raw lockJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	l.Status = raw.Status
	l.TTL = time.Duration(raw.TTLSeconds) * time.Second
	return nil
}
