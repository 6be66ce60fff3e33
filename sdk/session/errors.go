package session

import (
	"errors"
	"fmt"
	"slices"
)

var (
	// ErrIncompleteCredentials is returned when fewer than four credential fields are set.
	ErrIncompleteCredentials = errors.New("session: incomplete credentials")
	// ErrLockedSession marks an API failure caused by the session being locked.
	ErrLockedSession = errors.New("session: locked session")
	// ErrInactiveSession marks an API failure caused by the remote session being revoked or expired.
	ErrInactiveSession = errors.New("session: inactive session")
	// ErrForkExpired marks a fork code that is past its lifetime or already consumed.
	ErrForkExpired = errors.New("session: fork expired")
	// ErrForkInvalid marks a fork code the remote does not recognise.
	ErrForkInvalid = errors.New("session: fork invalid")
	// ErrForkUnreachable marks a fork exchange that never got an answer from the remote.
	ErrForkUnreachable = errors.New("session: fork exchange unreachable")
	// ErrStorage marks a failure of the persistence collaborator.
	ErrStorage = errors.New("session: storage failure")
	// ErrNotConfigured is returned by clients asked to make authenticated calls without credentials.
	ErrNotConfigured = errors.New("session: transport not configured")
)

// publicSentinels are the errors a UserError still matches once sanitized.
var publicSentinels = []error{
	ErrIncompleteCredentials,
	ErrLockedSession,
	ErrInactiveSession,
	ErrForkExpired,
	ErrForkInvalid,
	ErrForkUnreachable,
	ErrStorage,
	ErrNotConfigured,
}

// httpStatusError is implemented by transport errors carrying the status of a
// response the remote did send.
type httpStatusError interface {
	HTTPStatus() int
}

// StorageError wraps a failure of the persistence collaborator.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("session storage: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func (e *StorageError) Is(target error) bool {
	return e != nil && target == ErrStorage
}

// ForkErrorKind classifies fork exchange failures.
type ForkErrorKind string

const (
	ForkExpired ForkErrorKind = "expired"
	ForkInvalid ForkErrorKind = "invalid"
	ForkNetwork ForkErrorKind = "network"
)

// ForkError is returned by SessionFork.Consume.
type ForkError struct {
	Kind ForkErrorKind
	Err  error
}

func (e *ForkError) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return fmt.Sprintf("session fork: %s", e.Kind)
	}
	return fmt.Sprintf("session fork: %s: %v", e.Kind, e.Err)
}

func (e *ForkError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is matches the sentinel of the error kind.
func (e *ForkError) Is(target error) bool {
	if e == nil {
		return false
	}
	switch e.Kind {
	case ForkExpired:
		return target == ErrForkExpired
	case ForkInvalid:
		return target == ErrForkInvalid
	case ForkNetwork:
		return target == ErrForkUnreachable
	}
	return false
}

// UserError is the sanitized failure payload handed to the UI layer.
// The underlying cause is kept for logging only. It is never rendered and
// cannot be unwrapped; callers match it against the package sentinels.
type UserError struct {
	Title   string `json:"title"`
	Message string `json:"message"`

	cause error
}

func (e *UserError) Error() string {
	if e == nil {
		return ""
	}
	if e.Title == "" {
		return e.Message
	}
	return e.Title + ": " + e.Message
}

// Is reports whether the cause matches one of the package sentinels.
func (e *UserError) Is(target error) bool {
	if e == nil || e.cause == nil || !slices.Contains(publicSentinels, target) {
		return false
	}
	return errors.Is(e.cause, target)
}

// Notification converts the error into an error notification.
func (e *UserError) Notification() Notification {
	return Notification{Kind: NotifyError, Title: e.Title, Message: e.Message}
}

// IsUserError reports whether err is a sanitized UserError.
func IsUserError(err error) bool {
	var userErr *UserError
	return errors.As(err, &userErr)
}

// publicMessenger is implemented by transport errors that carry a server-provided,
// user-presentable message.
type publicMessenger interface {
	PublicMessage() string
}

// NewUserError maps an internal error to its user-facing title and message.
func NewUserError(err error) *UserError {
	if err == nil {
		return nil
	}
	var existing *UserError
	if errors.As(err, &existing) {
		return existing
	}
	title, message := UserMessage(err)
	return &UserError{Title: title, Message: message, cause: err}
}

// UserMessage returns a user-friendly title and message for err.
func UserMessage(err error) (string, string) {
	var forkErr *ForkError
	var storageErr *StorageError
	switch {
	case errors.As(err, &forkErr):
		switch forkErr.Kind {
		case ForkExpired:
			return "Sign-in link expired", "The sign-in request has expired. Please sign in again from the web application."
		case ForkInvalid:
			return "Invalid sign-in request", "The sign-in request could not be verified. Please sign in again from the web application."
		default:
			return "Network error", "Could not reach the server. Check your connection and try again."
		}
	case errors.As(err, &storageErr):
		return "Storage error", "Your session could not be saved on this device. Please try again."
	case errors.Is(err, ErrLockedSession):
		return "Session locked", "Unlock your session to continue."
	case errors.Is(err, ErrInactiveSession):
		return "Session expired", "Your session has expired. Please sign in again."
	case errors.Is(err, ErrIncompleteCredentials):
		return "Authentication failed", "The session data is incomplete. Please sign in again."
	}
	var messenger publicMessenger
	if errors.As(err, &messenger) {
		if msg := messenger.PublicMessage(); msg != "" {
			return "Authentication failed", msg
		}
	}
	return "Authentication failed", "An unexpected error occurred. Please try again."
}
