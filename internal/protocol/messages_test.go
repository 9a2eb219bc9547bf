package protocol

import (
	"encoding/json"
	"strings"
	"testing"
	"unicode/utf8"
)

// ---------------------------------------------------------------------------
// Test: Parsing a valid room_msg frame
// ---------------------------------------------------------------------------

func TestParseClientMessage_RoomMsg(t *testing.T) {
	input := []byte(`{"type":"room_msg","room":"general","text":"hello everyone","imgUrl":"/uploads/a1.jpg"}`)

	msgType, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeRoomMsg {
		t.Fatalf("expected type %q, got %q", TypeRoomMsg, msgType)
	}

	rm, ok := msg.(RoomMessageMsg)
	if !ok {
		t.Fatalf("expected RoomMessageMsg, got %T", msg)
	}
	if rm.Room != "general" {
		t.Errorf("expected room %q, got %q", "general", rm.Room)
	}
	if rm.Text != "hello everyone" {
		t.Errorf("expected text %q, got %q", "hello everyone", rm.Text)
	}
	if rm.ImgURL != "/uploads/a1.jpg" {
		t.Errorf("expected imgUrl %q, got %q", "/uploads/a1.jpg", rm.ImgURL)
	}
}

// ---------------------------------------------------------------------------
// Test: Parsing a valid dm frame
// ---------------------------------------------------------------------------

func TestParseClientMessage_DM(t *testing.T) {
	input := []byte(`{"type":"dm","to":"bob","text":"hi"}`)

	msgType, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeDM {
		t.Fatalf("expected type %q, got %q", TypeDM, msgType)
	}

	dm, ok := msg.(DirectMessageMsg)
	if !ok {
		t.Fatalf("expected DirectMessageMsg, got %T", msg)
	}
	if dm.To != "bob" {
		t.Errorf("expected to %q, got %q", "bob", dm.To)
	}
	if dm.Text != "hi" {
		t.Errorf("expected text %q, got %q", "hi", dm.Text)
	}
}

// ---------------------------------------------------------------------------
// Test: Creating a room_list server frame
// ---------------------------------------------------------------------------

func TestNewServerMessage_RoomList(t *testing.T) {
	payload := RoomListMsg{
		Rooms: []Room{
			{Name: "general"},
			{Name: "secret", Creator: "alice", Members: []string{"alice", "bob"}},
		},
	}

	data, err := NewServerMessage(TypeRoomList, payload)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var result map[string]interface{}
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatalf("failed to unmarshal result: %v", err)
	}

	if result["type"] != TypeRoomList {
		t.Errorf("expected type %q, got %v", TypeRoomList, result["type"])
	}

	rooms, ok := result["rooms"].([]interface{})
	if !ok {
		t.Fatalf("expected rooms to be an array, got %T", result["rooms"])
	}
	if len(rooms) != 2 {
		t.Fatalf("expected 2 rooms, got %d", len(rooms))
	}

	first, ok := rooms[0].(map[string]interface{})
	if !ok {
		t.Fatalf("expected room object, got %T", rooms[0])
	}
	if first["name"] != "general" {
		t.Errorf("expected first room %q, got %v", "general", first["name"])
	}
	if _, present := first["members"]; present {
		t.Error("public room should omit members")
	}

	second, ok := rooms[1].(map[string]interface{})
	if !ok {
		t.Fatalf("expected room object, got %T", rooms[1])
	}
	if second["creator"] != "alice" {
		t.Errorf("expected creator %q, got %v", "alice", second["creator"])
	}
}

// ---------------------------------------------------------------------------
// Test: Message log record round trip
// ---------------------------------------------------------------------------

func TestMessage_RoundTrip(t *testing.T) {
	original := Message{
		Type:   TypeRoomMsg,
		ID:     "l3x9k2-ab12",
		Room:   "general",
		From:   "alice",
		Text:   "dinner at 7",
		Ts:     1756339200000,
		ImgURL: "/uploads/plan.png",
	}

	data, err := json.Marshal(original)
	if err != nil {
		t.Fatalf("failed to marshal: %v", err)
	}

	var decoded Message
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("failed to unmarshal: %v", err)
	}
	if decoded != original {
		t.Errorf("round trip mismatch: expected %+v, got %+v", original, decoded)
	}
}

func TestMessage_DMOmitsRoomFields(t *testing.T) {
	msg := Message{Type: TypeDM, ID: "x", From: "alice", To: "bob", Text: "hi", Ts: 1}

	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("failed to marshal: %v", err)
	}

	var result map[string]interface{}
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatalf("failed to unmarshal: %v", err)
	}
	if _, present := result["room"]; present {
		t.Error("dm should omit room field")
	}
	if _, present := result["imgUrl"]; present {
		t.Error("message without image should omit imgUrl field")
	}
}

// ---------------------------------------------------------------------------
// Test: Parsing an unknown frame type returns an error
// ---------------------------------------------------------------------------

func TestParseClientMessage_UnknownType(t *testing.T) {
	input := []byte(`{"type":"unknown_type","data":"something"}`)

	msgType, msg, err := ParseClientMessage(input)
	if err == nil {
		t.Fatal("expected an error for unknown frame type, got nil")
	}
	if msg != nil {
		t.Errorf("expected nil message for unknown type, got %v", msg)
	}
	if msgType != "unknown_type" {
		t.Errorf("expected returned type %q, got %q", "unknown_type", msgType)
	}
}

// Server-only types must not parse as client frames.
func TestParseClientMessage_ServerOnlyType(t *testing.T) {
	input := []byte(`{"type":"user_list","users":["alice"]}`)

	if _, _, err := ParseClientMessage(input); err == nil {
		t.Fatal("expected an error for server-only frame type, got nil")
	}
}

// ---------------------------------------------------------------------------
// Test: Envelope UnmarshalJSON edge cases
// ---------------------------------------------------------------------------

func TestEnvelope_MissingType(t *testing.T) {
	input := []byte(`{"data":"no type field"}`)
	var env Envelope
	if err := json.Unmarshal(input, &env); err == nil {
		t.Fatal("expected error for missing type field, got nil")
	}
}

func TestEnvelope_InvalidJSON(t *testing.T) {
	input := []byte(`{invalid json}`)
	var env Envelope
	if err := json.Unmarshal(input, &env); err == nil {
		t.Fatal("expected error for invalid JSON, got nil")
	}
}

// ---------------------------------------------------------------------------
// Test: Parsing all client frame types succeeds
// ---------------------------------------------------------------------------

func TestParseClientMessage_AllTypes(t *testing.T) {
	cases := []struct {
		name     string
		input    string
		wantType string
	}{
		{"join", `{"type":"join","name":"alice"}`, TypeJoin},
		{"history_room", `{"type":"history","context":"room","room":"general"}`, TypeHistory},
		{"history_dm", `{"type":"history","context":"dm","with":"bob"}`, TypeHistory},
		{"room_msg", `{"type":"room_msg","room":"general","text":"hi"}`, TypeRoomMsg},
		{"dm", `{"type":"dm","to":"bob","text":"hi"}`, TypeDM},
		{"create_room", `{"type":"create_room","name":"Movie Night","members":["bob"]}`, TypeCreateRoom},
		{"delete_room", `{"type":"delete_room","name":"movie-night"}`, TypeDeleteRoom},
		{"reorder_rooms", `{"type":"reorder_rooms","rooms":["general","travel"]}`, TypeReorderRooms},
		{"delete_msg", `{"type":"delete_msg","id":"l3x9k2-ab12"}`, TypeDeleteMsg},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			msgType, msg, err := ParseClientMessage([]byte(tc.input))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if msgType != tc.wantType {
				t.Errorf("expected type %q, got %q", tc.wantType, msgType)
			}
			if msg == nil {
				t.Error("expected non-nil message")
			}
		})
	}
}

// ---------------------------------------------------------------------------
// Test: Rune truncation
// ---------------------------------------------------------------------------

func TestTruncateRunes(t *testing.T) {
	cases := []struct {
		name string
		in   string
		n    int
		want string
	}{
		{"short_ascii", "alice", 32, "alice"},
		{"exact_ascii", "abcd", 4, "abcd"},
		{"long_ascii", "abcdef", 4, "abcd"},
		{"multibyte_within_limit", strings.Repeat("日", 4), 4, strings.Repeat("日", 4)},
		{"multibyte_truncated", strings.Repeat("日", 5), 4, strings.Repeat("日", 4)},
		{"mixed", "a日b日c", 3, "a日b"},
		{"empty", "", 4, ""},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := TruncateRunes(tc.in, tc.n)
			if got != tc.want {
				t.Errorf("TruncateRunes(%q, %d): expected %q, got %q", tc.in, tc.n, tc.want, got)
			}
			if !utf8.ValidString(got) {
				t.Errorf("TruncateRunes(%q, %d) produced invalid UTF-8", tc.in, tc.n)
			}
		})
	}
}
