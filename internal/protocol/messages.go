// Package protocol defines the WebSocket frame types exchanged between the
// HomeChat client and server. Every frame is a single JSON object with a
// "type" discriminator; unknown or malformed frames are rejected at this
// boundary before reaching any application logic.
package protocol

import (
	"encoding/json"
	"fmt"
)

// ---------------------------------------------------------------------------
// Frame type constants
// ---------------------------------------------------------------------------

// Client -> Server frame types.
const (
	TypeJoin         = "join"
	TypeHistory      = "history"
	TypeRoomMsg      = "room_msg"
	TypeDM           = "dm"
	TypeCreateRoom   = "create_room"
	TypeDeleteRoom   = "delete_room"
	TypeReorderRooms = "reorder_rooms"
	TypeDeleteMsg    = "delete_msg"
)

// Server -> Client frame types. TypeHistory, TypeRoomMsg and TypeDM are
// shared by both directions.
const (
	TypeJoined         = "joined"
	TypeJoinError      = "join_error"
	TypeRoomList       = "room_list"
	TypeUserList       = "user_list"
	TypeKnownUsers     = "known_users"
	TypeMsgDeleted     = "msg_deleted"
	TypeClaudeThinking = "claude_thinking"
)

// History context values.
const (
	ContextRoom = "room"
	ContextDM   = "dm"
)

// ReasonNameTaken is sent in a join_error frame when the requested name is
// held by a live session.
const ReasonNameTaken = "name_taken"

// Limits enforced at the protocol boundary.
const (
	MaxNameLen = 32   // display names and room slugs
	MaxTextLen = 2000 // message text, in runes
	MaxIDLen   = 64   // message ids in delete_msg frames
)

// TruncateRunes caps s at n runes without splitting a multi-byte character.
// The limits above count characters, not bytes, so every boundary that
// enforces them must cut on rune boundaries.
func TruncateRunes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}

// ---------------------------------------------------------------------------
// Shared records
// ---------------------------------------------------------------------------

// Message is a chat message in its wire form. The durable message log stores
// exactly this shape, one JSON object per line, so history frames replay log
// records verbatim.
type Message struct {
	Type   string `json:"type"`             // TypeRoomMsg or TypeDM
	ID     string `json:"id,omitempty"`     // assigned by the store at persist time
	Room   string `json:"room,omitempty"`   // room messages only
	From   string `json:"from"`             // sender display name
	To     string `json:"to,omitempty"`     // direct messages only
	Text   string `json:"text"`             // at most MaxTextLen runes
	Ts     int64  `json:"ts"`               // wall-clock milliseconds
	ImgURL string `json:"imgUrl,omitempty"` // optional uploaded image path
}

// Room is a room directory entry in its wire form, which is also the shape
// persisted in the room snapshot file. An empty Creator marks an immutable
// default room; nil Members means the room is public.
type Room struct {
	Name    string   `json:"name"`
	Creator string   `json:"creator,omitempty"`
	Members []string `json:"members,omitempty"`
}

// ---------------------------------------------------------------------------
// Envelope — used for initial JSON parsing to extract the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the frame type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON implements the json.Unmarshaler interface. It captures the
// full raw bytes and extracts only the "type" field so that the rest of the
// payload can be decoded later into the appropriate concrete struct.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server frame structs
// ---------------------------------------------------------------------------

// JoinMsg claims a display name for this connection. It is the only frame
// accepted before the connection is admitted.
type JoinMsg struct {
	Type string `json:"type"`
	Name string `json:"name"`
}

// HistoryRequestMsg asks for message history: Context is "room" (Room set)
// or "dm" (With set to the peer's name).
type HistoryRequestMsg struct {
	Type    string `json:"type"`
	Context string `json:"context"`
	Room    string `json:"room,omitempty"`
	With    string `json:"with,omitempty"`
}

// RoomMessageMsg sends a message to a room.
type RoomMessageMsg struct {
	Type   string `json:"type"`
	Room   string `json:"room"`
	Text   string `json:"text"`
	ImgURL string `json:"imgUrl,omitempty"`
}

// DirectMessageMsg sends a one-to-one message to another user.
type DirectMessageMsg struct {
	Type   string `json:"type"`
	To     string `json:"to"`
	Text   string `json:"text"`
	ImgURL string `json:"imgUrl,omitempty"`
}

// CreateRoomMsg creates a room. A nil Members list makes the room public;
// otherwise membership is restricted to the creator plus the listed names.
type CreateRoomMsg struct {
	Type    string   `json:"type"`
	Name    string   `json:"name"`
	Members []string `json:"members,omitempty"`
}

// DeleteRoomMsg deletes a room the sender created.
type DeleteRoomMsg struct {
	Type string `json:"type"`
	Name string `json:"name"`
}

// ReorderRoomsMsg proposes a new order for the rooms visible to the sender.
type ReorderRoomsMsg struct {
	Type  string   `json:"type"`
	Rooms []string `json:"rooms"`
}

// DeleteMessageMsg deletes a message the sender authored, by id.
type DeleteMessageMsg struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// ---------------------------------------------------------------------------
// Server -> Client frame structs
// ---------------------------------------------------------------------------

// JoinedMsg confirms admission under the requested name.
type JoinedMsg struct {
	Type string `json:"type"`
	Name string `json:"name"`
}

// JoinErrorMsg rejects a join attempt. The connection stays open so the
// client can retry with a different name.
type JoinErrorMsg struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

// RoomListMsg carries the rooms visible to the receiving user, in directory
// order.
type RoomListMsg struct {
	Type  string `json:"type"`
	Rooms []Room `json:"rooms"`
}

// UserListMsg carries the set of currently online users.
type UserListMsg struct {
	Type  string   `json:"type"`
	Users []string `json:"users"`
}

// KnownUsersMsg carries every user that has ever sent a message, online or
// not.
type KnownUsersMsg struct {
	Type  string   `json:"type"`
	Users []string `json:"users"`
}

// HistoryMsg answers a HistoryRequestMsg with up to the requested number of
// messages, oldest first.
type HistoryMsg struct {
	Type     string    `json:"type"`
	Context  string    `json:"context"`
	Room     string    `json:"room,omitempty"`
	With     string    `json:"with,omitempty"`
	Messages []Message `json:"messages"`
}

// MsgDeletedMsg announces that a message was deleted by its sender.
type MsgDeletedMsg struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// ClaudeThinkingMsg signals that the assistant is composing a reply in the
// given room. It is passed through to clients unmodified.
type ClaudeThinkingMsg struct {
	Type string `json:"type"`
	Room string `json:"room"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed client frame.
// It returns the frame type string, the decoded struct, and any error
// encountered during parsing. An error is returned for unknown or
// server-only frame types; callers drop such frames silently.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse frame: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeJoin:
		var m JoinMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeHistory:
		var m HistoryRequestMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeRoomMsg:
		var m RoomMessageMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeDM:
		var m DirectMessageMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeCreateRoom:
		var m CreateRoomMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeDeleteRoom:
		var m DeleteRoomMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeReorderRooms:
		var m ReorderRoomsMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeDeleteMsg:
		var m DeleteMessageMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client frame type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage creates a JSON-encoded byte slice for a server frame.
// The msgType is injected into the payload under the "type" key, so the
// payload structs above can leave their Type field zero.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server frame: %w", err)
	}
	return out, nil
}
