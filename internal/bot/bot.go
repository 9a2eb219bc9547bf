// Package bot implements HomeBot, the built-in command responder. It
// listens for committed room messages on the event bus and answers
// "!" commands by posting back into the same room as a regular
// collaborator.
package bot

import (
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/homechat/server/internal/events"
)

// Name is the display name HomeBot posts under.
const Name = "HomeBot"

// Version is the server release reported by !version.
const Version = "1.0.0"

// Poster is the hub surface the bot needs: posting as a collaborator and
// reading presence for !who.
type Poster interface {
	PostAs(from, room, text string)
	OnlineUsers() []string
}

// commands the bot answers. !claude is the assistant's trigger and is
// deliberately absent.
var commands = map[string]struct{}{
	"!ping":    {},
	"!uptime":  {},
	"!who":     {},
	"!storage": {},
	"!version": {},
	"!help":    {},
}

// Bot answers house commands in chat rooms.
type Bot struct {
	hub       Poster
	dataDir   string
	startedAt time.Time
}

// New builds a bot posting through hub. dataDir is the path !storage
// reports free space for.
func New(hub Poster, dataDir string) *Bot {
	return &Bot{
		hub:       hub,
		dataDir:   dataDir,
		startedAt: time.Now(),
	}
}

// HandleRoomMessage is the event bus callback. Messages that are not bot
// commands are ignored; the bot never reacts to its own posts because the
// hub does not publish collaborator messages.
func (b *Bot) HandleRoomMessage(ev events.RoomMessage) {
	cmd := firstToken(ev.Text)
	if _, ok := commands[cmd]; !ok {
		return
	}
	b.hub.PostAs(Name, ev.Room, b.respond(cmd))
}

// respond builds the reply for a recognized command.
func (b *Bot) respond(cmd string) string {
	switch cmd {
	case "!ping":
		return "🏓 Pong!"

	case "!uptime":
		return "⏱ Server uptime: " + formatUptime(time.Since(b.startedAt))

	case "!who":
		online := b.hub.OnlineUsers()
		if len(online) == 0 {
			return "👥 Nobody is online right now."
		}
		return fmt.Sprintf("👥 Online (%d): %s", len(online), strings.Join(online, ", "))

	case "!storage":
		free, total, err := diskUsage(b.dataDir)
		if err != nil {
			return "❌ Could not read disk info."
		}
		return fmt.Sprintf("💾 %.1fGB free of %.1fGB",
			float64(free)/(1<<30), float64(total)/(1<<30))

	case "!version":
		return fmt.Sprintf("📦 HomeChat v%s · %s · %s", Version, runtime.Version(), runtime.GOOS)

	case "!help":
		return "HomeBot commands:\n" +
			"!ping      — check if bot is alive\n" +
			"!uptime    — server uptime\n" +
			"!who       — who's online in HomeChat\n" +
			"!storage   — disk space on the server\n" +
			"!version   — app and Go version\n" +
			"!help      — show this list\n\n" +
			"Claude AI:\n" +
			"!claude <question>  — ask Claude anything\n" +
			"#claude room        — every message goes to Claude"
	}
	return ""
}

// firstToken returns the first whitespace-separated token of text,
// lowercased.
func firstToken(text string) string {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return ""
	}
	return strings.ToLower(fields[0])
}

// formatUptime renders a duration as "1d 2h 3m 4s".
func formatUptime(d time.Duration) string {
	s := int64(d.Seconds())
	return fmt.Sprintf("%dd %dh %dm %ds",
		s/86400, (s%86400)/3600, (s%3600)/60, s%60)
}
