package client

import (
	"fmt"
	"net/http"

	"github.com/keyward/sessiond/sdk/session"
	"github.com/tidwall/gjson"
)

// API error codes the session layer reacts to.
const (
	CodeLockedSession   = "LockedSession"
	CodeInactiveSession = "InactiveSession"
	CodeForkExpired     = "ForkExpired"
	CodeForkInvalid     = "ForkInvalid"
)

// Error is a failed API call. It matches the session sentinels through errors.Is.
type Error struct {
	Status  int
	Code    string
	Message string
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("api error %d (%s): %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("api error %d: %s", e.Status, e.Message)
}

// Is maps API codes onto the errors the session package understands.
func (e *Error) Is(target error) bool {
	if e == nil {
		return false
	}
	switch target {
	case session.ErrLockedSession:
		return e.Code == CodeLockedSession
	case session.ErrInactiveSession:
		return e.Code == CodeInactiveSession || e.Status == http.StatusUnauthorized
	case session.ErrForkExpired:
		return e.Code == CodeForkExpired || e.Status == http.StatusGone
	case session.ErrForkInvalid:
		return e.Code == CodeForkInvalid || e.Status == http.StatusNotFound
	}
	return false
}

// HTTPStatus returns the response status of the failed call.
func (e *Error) HTTPStatus() int {
	if e == nil {
		return 0
	}
	return e.Status
}

// PublicMessage returns the server-provided message for display.
// Server errors never expose their message.
func (e *Error) PublicMessage() string {
	if e == nil || e.Status >= http.StatusInternalServerError {
		return ""
	}
	return e.Message
}

func newError(status int, body []byte) *Error {
	apiErr := &Error{Status: status, Message: http.StatusText(status)}
	if !gjson.ValidBytes(body) {
		return apiErr
	}
	parsed := gjson.ParseBytes(body)
	apiErr.Code = parsed.Get("Code").String()
	for _, path := range []string{"Error", "error.message", "error", "message"} {
		if v := parsed.Get(path); v.Exists() && v.Type == gjson.String && v.String() != "" {
			apiErr.Message = v.String()
			break
		}
	}
	return apiErr
}
