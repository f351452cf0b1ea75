package stats

import "errors"

var (
	// ErrMissingCollaborator is returned by Start when the event source or
	// identity provider is unavailable.
	ErrMissingCollaborator = errors.New("stats: required collaborator missing")

	// ErrNotRunning is returned by operations that need a running engine.
	ErrNotRunning = errors.New("stats: engine not running")
)

// Handler receives activity notifications. Notifications may be repeated
// or arrive out of order; the engine treats them idempotently.
type Handler interface {
	VoiceStateChanged(connected bool)
	MessageSent(authorID string)
	Click()
}

// Source delivers activity notifications to subscribed handlers.
type Source interface {
	Subscribe(h Handler) error
	Unsubscribe(h Handler)
}

// Identity exposes the locally authenticated user.
type Identity interface {
	CurrentUserID() string
}

// StaticIdentity is an Identity with a fixed user ID.
type StaticIdentity string

// CurrentUserID returns the fixed user ID.
func (s StaticIdentity) CurrentUserID() string {
	return string(s)
}
