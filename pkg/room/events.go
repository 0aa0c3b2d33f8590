package room

import "time"

// Event types pushed by the server.
const (
	EventRoomJoined        = "room_joined"
	EventUserJoined        = "room_user_joined"
	EventUserLeft          = "room_user_left"
	EventNewMessage        = "new_message"
	EventMessageDeleted    = "message_deleted"
	EventReactionAdded     = "reaction_added"
	EventReactionRemoved   = "reaction_removed"
	EventUserTyping        = "user_typing"
	EventUserStoppedTyping = "user_stopped_typing"
)

// Intent types emitted by the client.
const (
	IntentJoinRoom       = "join_room"
	IntentLeaveRoom      = "leave_room"
	IntentSendMessage    = "send_message"
	IntentDeleteMessage  = "delete_message"
	IntentTypingStart    = "typing_start"
	IntentTypingStop     = "typing_stop"
	IntentAddReaction    = "add_reaction"
	IntentRemoveReaction = "remove_reaction"
)

type JoinPayload struct {
	RoomID string `json:"room_id"`
	UserID string `json:"user_id"`
}

// JoinAck is the data of a successful join_room ack.
type JoinAck struct {
	RoomID      string `json:"room_id"`
	OnlineCount int    `json:"online_count"`
}

type RoomJoinedPayload struct {
	RoomID      string `json:"room_id"`
	UserID      string `json:"user_id"`
	OnlineCount int    `json:"online_count"`
}

// PresencePayload is the body of room_user_joined and room_user_left. Not all
// producers include the absolute count; when it is absent the session falls
// back to local increment/decrement.
type PresencePayload struct {
	RoomID      string `json:"room_id"`
	UserID      string `json:"user_id"`
	OnlineCount *int   `json:"online_count,omitempty"`
}

type MessagePayload struct {
	ID           string         `json:"id"`
	RoomID       string         `json:"room_id"`
	AuthorID     string         `json:"author_id"`
	AuthorHandle string         `json:"author_handle"`
	AuthorAvatar string         `json:"author_avatar"`
	Content      string         `json:"content"`
	CreatedAt    time.Time      `json:"created_at"`
	Reactions    map[string]int `json:"reactions,omitempty"`
}

type SendPayload struct {
	RoomID   string   `json:"room_id"`
	Content  string   `json:"content"`
	Mentions []string `json:"mentions,omitempty"`
}

type MessageDeletedPayload struct {
	RoomID    string `json:"room_id"`
	MessageID string `json:"message_id"`
}

type DeletePayload struct {
	RoomID    string `json:"room_id"`
	MessageID string `json:"message_id"`
}

// ReactionPayload is shared by the reaction intents, their acks, and the
// reaction broadcast events. Counts is the authoritative tally for the whole
// message after the mutation.
type ReactionPayload struct {
	RoomID    string         `json:"room_id"`
	MessageID string         `json:"message_id"`
	Emoji     string         `json:"emoji"`
	UserID    string         `json:"user_id,omitempty"`
	Counts    map[string]int `json:"counts,omitempty"`
}

type TypingPayload struct {
	RoomID string `json:"room_id"`
	UserID string `json:"user_id"`
}
