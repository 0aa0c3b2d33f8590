package room

import "errors"

var (
	// ErrRoomNotFound is returned when the join target does not exist.
	ErrRoomNotFound = errors.New("room not found")
	// ErrForbidden is returned when the user is not allowed into the room.
	ErrForbidden = errors.New("forbidden")
	// ErrNotJoined is returned for intents that require membership.
	ErrNotJoined = errors.New("not joined")
	// ErrSessionClosed is returned for calls on a closed session.
	ErrSessionClosed = errors.New("session closed")
)

// Ack error codes the server uses on join_room.
const (
	codeRoomNotFound = "room_not_found"
	codeForbidden    = "forbidden"
)

// SendError is the structured failure of a send_message intent. Retryable
// mirrors the server payload; the caller decides whether to resubmit the
// restored draft. The session itself never retries a send.
type SendError struct {
	Message   string
	Retryable bool
}

func (e *SendError) Error() string {
	return e.Message
}
