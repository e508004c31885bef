package domain

import (
	"errors"
	"time"
)

// ErrSessionNotFound is returned by session stores when the session does not
// exist, either because it was never created or because it was discarded.
var ErrSessionNotFound = errors.New("session not found")

// ErrTurnNotHeld is returned when a turn is released with a token that no
// longer holds the busy flag, because its lease expired and another turn
// took it over.
var ErrTurnNotHeld = errors.New("turn not held")

// Session binds one Profile to one Transcript.
type Session struct {
	ID         string
	Profile    Profile
	Transcript []Message
	Busy       bool // set by stores while a turn holds the session
	CreatedAt  time.Time
}
