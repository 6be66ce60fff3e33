package session

// Status is the worker status other components read to gate privileged operations.
type Status string

const (
	// StatusUnauthorized means no usable session exists.
	StatusUnauthorized Status = "unauthorized"
	// StatusResuming means persisted credentials are being restored.
	StatusResuming Status = "resuming"
	// StatusResumingFailed is the terminal state of a failed resume attempt.
	StatusResumingFailed Status = "resuming_failed"
	// StatusAuthorizing means a login is in flight.
	StatusAuthorizing Status = "authorizing"
	// StatusAuthorized means the session is usable.
	StatusAuthorized Status = "authorized"
	// StatusLocked means the session exists but the local lock gate is armed.
	StatusLocked Status = "locked"
)

// Ready reports whether a session exists, locked or not.
func (s Status) Ready() bool {
	return s == StatusAuthorized || s == StatusLocked
}

// NotificationKind tags the side effects the service publishes to collaborators.
type NotificationKind string

const (
	// NotifyError carries a sanitized error for display.
	NotifyError NotificationKind = "error"
	// NotifyInfo carries an informational message, such as the welcome text.
	NotifyInfo NotificationKind = "info"
	// NotifyStatus announces a worker status change.
	NotifyStatus NotificationKind = "status"
	// NotifyClearState asks collaborators to wipe sensitive application state.
	NotifyClearState NotificationKind = "clear_state"
)

// Notification is a user-facing or broadcast side effect.
type Notification struct {
	Kind    NotificationKind `json:"kind"`
	Title   string           `json:"title,omitempty"`
	Message string           `json:"message,omitempty"`
	Status  Status           `json:"status,omitempty"`
}

// Notifier is the event-bus collaborator used for decoupled UI updates.
type Notifier interface {
	Notify(n Notification)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(Notification)

// Notify implements Notifier.
func (f NotifierFunc) Notify(n Notification) {
	if f != nil {
		f(n)
	}
}

type discardNotifier struct{}

func (discardNotifier) Notify(Notification) {}
