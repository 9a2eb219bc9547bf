// Package assistant wires Claude into chat. It listens for committed room
// messages on the event bus, answers "!claude <question>" in any room, and
// answers every plain message in the #claude room. Replies are posted back
// through the hub as a collaborator.
package assistant

import (
	"context"
	"log"
	"strings"
	"time"

	"github.com/homechat/server/internal/events"
	"github.com/homechat/server/internal/metrics"
	"github.com/homechat/server/internal/protocol"
)

// Name is the display name the assistant posts under.
const Name = "Claude"

// TriggerPrefix invokes the assistant from any room.
const TriggerPrefix = "!claude"

// RoomName is the dedicated room where every plain message is a prompt.
const RoomName = "claude"

// historyFetch and historyContext bound how much room history feeds the
// transcript: fetch the last 30, send at most the last 20.
const (
	historyFetch   = 30
	historyContext = 20
)

// Hub is the surface the assistant needs from the chat core.
type Hub interface {
	PostAs(from, room, text string)
	NotifyThinking(room string)
	RecentRoomHistory(room string, limit int) []protocol.Message
}

// Assistant answers prompts with the Claude API.
type Assistant struct {
	hub    Hub
	client *Client // nil when no API key is configured
}

// New builds an assistant posting through hub. client may be nil, in which
// case every prompt is answered with a not-configured notice.
func New(hub Hub, client *Client) *Assistant {
	return &Assistant{hub: hub, client: client}
}

// HandleRoomMessage is the event bus callback. The API round trip runs on
// its own goroutine so a slow model never blocks event delivery.
func (a *Assistant) HandleRoomMessage(ev events.RoomMessage) {
	if ev.From == Name {
		return
	}

	text := strings.TrimSpace(ev.Text)
	switch {
	case strings.HasPrefix(text, TriggerPrefix):
		prompt := strings.TrimSpace(strings.TrimPrefix(text, TriggerPrefix))
		if prompt == "" {
			a.hub.PostAs(Name, ev.Room, "Usage: !claude <your question>")
			return
		}
		go a.respond(prompt, ev.Room, ev.From)

	case strings.HasPrefix(text, "!"):
		// Bot territory.

	case ev.Room == RoomName && text != "":
		go a.respond(text, ev.Room, ev.From)
	}
}

// respond builds the transcript, calls the API, and posts the reply. Every
// outcome, including failure, is a visible chat message so the asker is
// never left waiting on nothing.
func (a *Assistant) respond(prompt, room, user string) {
	if a.client == nil {
		a.hub.PostAs(Name, room, "❌ Claude API not configured. Set CLAUDE_API_KEY to enable.")
		return
	}

	a.hub.NotifyThinking(room)

	system := "You are Claude, an AI assistant in HomeChat, a family home chat app. " +
		"Be friendly, helpful, and concise. You're chatting in the #" + room + " room. " +
		"The person talking to you is " + user + "."

	transcript := buildTranscript(a.hub.RecentRoomHistory(room, historyFetch), room, prompt)

	start := time.Now()
	reply, err := a.client.Complete(context.Background(), system, transcript)
	metrics.AssistantDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		log.Printf("assistant: api error: %v", err)
		a.hub.PostAs(Name, room, "❌ Sorry, something went wrong. ("+err.Error()+")")
		return
	}
	a.hub.PostAs(Name, room, reply)
}

// buildTranscript turns recent room history plus the current prompt into
// the strictly alternating user/assistant message list the API requires.
// History entries that are themselves !claude invocations are dropped; in
// the #claude room the just-committed prompt is already the last history
// entry and is excluded so it is not sent twice.
func buildTranscript(history []protocol.Message, room, prompt string) []ChatTurn {
	if len(history) > historyContext {
		history = history[len(history)-historyContext:]
	}
	if room == RoomName && len(history) > 0 {
		history = history[:len(history)-1]
	}

	raw := make([]ChatTurn, 0, len(history)+1)
	for _, m := range history {
		if m.Text == "" || strings.HasPrefix(m.Text, TriggerPrefix) {
			continue
		}
		if m.From == Name {
			raw = append(raw, ChatTurn{Role: RoleAssistant, Content: m.Text})
		} else {
			raw = append(raw, ChatTurn{Role: RoleUser, Content: m.From + ": " + m.Text})
		}
	}
	raw = append(raw, ChatTurn{Role: RoleUser, Content: prompt})

	// Merge consecutive same-role turns.
	merged := make([]ChatTurn, 0, len(raw))
	for _, t := range raw {
		if n := len(merged); n > 0 && merged[n-1].Role == t.Role {
			merged[n-1].Content += "\n" + t.Content
			continue
		}
		merged = append(merged, t)
	}

	// The transcript must open with a user turn.
	for len(merged) > 0 && merged[0].Role != RoleUser {
		merged = merged[1:]
	}
	if len(merged) == 0 {
		merged = []ChatTurn{{Role: RoleUser, Content: prompt}}
	}
	return merged
}
