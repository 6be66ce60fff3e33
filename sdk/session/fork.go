package session

import (
	"context"
	"errors"
	"strings"
)

// ForkPayload is the handoff received from the companion application.
type ForkPayload struct {
	ForkCode   string
	DerivedKey []byte
}

// SessionFork exchanges fork codes for session credentials.
type SessionFork struct {
	exchanger ForkExchanger
}

// NewSessionFork wraps the remote fork endpoint.
func NewSessionFork(exchanger ForkExchanger) *SessionFork {
	return &SessionFork{exchanger: exchanger}
}

// Consume performs exactly one remote exchange for forkCode. It never retries.
func (f *SessionFork) Consume(ctx context.Context, forkCode string) (RemoteSession, error) {
	code := strings.TrimSpace(forkCode)
	if code == "" {
		return RemoteSession{}, &ForkError{Kind: ForkInvalid, Err: errors.New("empty fork code")}
	}
	remote, err := f.exchanger.ExchangeFork(ctx, code)
	if err != nil {
		return RemoteSession{}, classifyForkError(err)
	}
	if remote.SessionID == "" || remote.AccessToken == "" || remote.RefreshToken == "" {
		return RemoteSession{}, &ForkError{Kind: ForkInvalid, Err: errors.New("incomplete session in fork response")}
	}
	return remote, nil
}

func classifyForkError(err error) *ForkError {
	var forkErr *ForkError
	if errors.As(err, &forkErr) {
		return forkErr
	}
	switch {
	case errors.Is(err, ErrForkExpired):
		return &ForkError{Kind: ForkExpired, Err: err}
	case errors.Is(err, ErrForkInvalid):
		return &ForkError{Kind: ForkInvalid, Err: err}
	}
	// Any other answer below 500 is a rejection of the code, not a transport failure.
	var statusErr httpStatusError
	if errors.As(err, &statusErr) {
		if status := statusErr.HTTPStatus(); status > 0 && status < 500 {
			return &ForkError{Kind: ForkInvalid, Err: err}
		}
	}
	return &ForkError{Kind: ForkNetwork, Err: err}
}
