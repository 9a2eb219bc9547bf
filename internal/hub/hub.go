// Package hub is the heart of the server: it owns the connection registry,
// the room directory, the message store and the known-users set, and
// linearizes every mutation across them behind a single mutex. It also
// implements the fan-out router, which resolves an event's abstract
// recipient identities before any transport delivery happens.
package hub

import (
	"encoding/json"
	"log"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/homechat/server/internal/metrics"
	"github.com/homechat/server/internal/protocol"
	"github.com/homechat/server/internal/registry"
	"github.com/homechat/server/internal/room"
	"github.com/homechat/server/internal/store"
)

// Publisher receives a domain event for every committed user room message.
// Collaborators (bot, assistant) subscribe on the other side and call back
// into the hub; the hub itself knows nothing about them.
type Publisher interface {
	PublishRoomMessage(msg protocol.Message) error
}

// imgURLPattern is the only shape accepted for message image attachments:
// a path produced by the upload endpoint, nothing else.
var imgURLPattern = regexp.MustCompile(`^/uploads/[\w.-]+$`)

// Hub coordinates all chat state. Operations compute and mutate under one
// mutex, then deliver the resulting frames after the mutex is released so a
// slow client write can never stall the serialization domain.
type Hub struct {
	mu    sync.Mutex
	reg   *registry.Registry
	dir   *room.Directory
	store *store.Store
	known map[string]struct{}
	pub   Publisher
}

// New builds a hub over the given directory and store. The known-users set
// is seeded from every sender in the log plus the provided extra names
// (typically the bot and assistant, so they show up in invite lists before
// they have ever spoken). pub may be nil to disable event publication.
func New(dir *room.Directory, st *store.Store, pub Publisher, extraKnown ...string) *Hub {
	h := &Hub{
		reg:   registry.New(),
		dir:   dir,
		store: st,
		known: make(map[string]struct{}),
		pub:   pub,
	}
	for _, name := range st.KnownSenders() {
		h.known[name] = struct{}{}
	}
	for _, name := range extraKnown {
		h.known[name] = struct{}{}
	}
	return h
}

// delivery is one pending outbound frame: to a single connection, to every
// connection of one identity, or to everyone (both conn and name unset).
type delivery struct {
	conn registry.Conn
	name string
	data []byte
}

// flush performs the deliveries collected by an operation. It must be
// called after the hub mutex has been released.
func (h *Hub) flush(out []delivery) {
	for _, d := range out {
		if d.data == nil {
			continue
		}
		switch {
		case d.conn != nil:
			if err := d.conn.WriteMessage(d.data); err == nil {
				metrics.DeliveriesTotal.Inc()
			}
		case d.name != "":
			metrics.DeliveriesTotal.Add(float64(h.reg.SendTo(d.name, d.data)))
		default:
			metrics.DeliveriesTotal.Add(float64(h.reg.Broadcast(d.data)))
		}
	}
}

// frame builds a server frame, logging instead of failing: a frame that
// cannot be marshalled is a programming error, not a client condition.
func frame(msgType string, payload interface{}) []byte {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		log.Printf("hub: failed to build %s frame: %v", msgType, err)
		return nil
	}
	return data
}

// messageFrame marshals a stored message; the log record is the wire frame.
func messageFrame(msg protocol.Message) []byte {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Printf("hub: failed to marshal message %s: %v", msg.ID, err)
		return nil
	}
	return data
}

// ---------------------------------------------------------------------------
// Connection lifecycle
// ---------------------------------------------------------------------------

// Join admits conn under the requested display name. A name held by a live
// session is rejected with a join_error frame; the connection stays open so
// the client can retry. On success every client gets a fresh user_list and
// the new client gets its room list, the known users, and a joined
// confirmation.
func (h *Hub) Join(conn registry.Conn, rawName string) {
	name := protocol.TruncateRunes(strings.TrimSpace(rawName), protocol.MaxNameLen)
	if name == "" {
		return
	}

	var out []delivery

	h.mu.Lock()
	if err := h.reg.Admit(name, conn); err != nil {
		h.mu.Unlock()
		h.flush([]delivery{{conn: conn, data: frame(protocol.TypeJoinError, protocol.JoinErrorMsg{Reason: protocol.ReasonNameTaken})}})
		return
	}

	users := h.reg.Online()
	rooms := h.dir.VisibleTo(name)
	known := h.knownList()
	h.mu.Unlock()

	metrics.OnlineUsers.Set(float64(len(users)))

	out = append(out,
		delivery{data: frame(protocol.TypeUserList, protocol.UserListMsg{Users: users})},
		delivery{conn: conn, data: frame(protocol.TypeRoomList, protocol.RoomListMsg{Rooms: rooms})},
		delivery{conn: conn, data: frame(protocol.TypeKnownUsers, protocol.KnownUsersMsg{Users: known})},
		delivery{conn: conn, data: frame(protocol.TypeJoined, protocol.JoinedMsg{Name: name})},
	)
	h.flush(out)
}

// Leave removes conn from the registry. If the connection had joined, every
// remaining client gets a fresh user_list; a never-joined connection leaves
// silently.
func (h *Hub) Leave(conn registry.Conn) {
	h.mu.Lock()
	name, _ := h.reg.Remove(conn)
	if name == "" {
		h.mu.Unlock()
		return
	}
	users := h.reg.Online()
	h.mu.Unlock()

	metrics.OnlineUsers.Set(float64(len(users)))
	h.flush([]delivery{{data: frame(protocol.TypeUserList, protocol.UserListMsg{Users: users})}})
}

// IdentityOf returns the display name bound to conn, or false before join.
func (h *Hub) IdentityOf(conn registry.Conn) (string, bool) {
	return h.reg.IdentityOf(conn)
}

// OnlineUsers returns the sorted list of currently online display names.
func (h *Hub) OnlineUsers() []string {
	return h.reg.Online()
}

// ---------------------------------------------------------------------------
// History
// ---------------------------------------------------------------------------

// History answers a history request on conn only. Requests for rooms the
// caller cannot see are ignored without a reply, so room existence never
// leaks to non-members.
func (h *Hub) History(conn registry.Conn, req protocol.HistoryRequestMsg) {
	h.mu.Lock()
	name, ok := h.reg.IdentityOf(conn)
	if !ok {
		h.mu.Unlock()
		return
	}

	var msgs []protocol.Message
	switch req.Context {
	case protocol.ContextRoom:
		r, ok := h.dir.Get(req.Room)
		if !ok || !room.IsMember(r, name) {
			h.mu.Unlock()
			return
		}
		msgs = h.store.RoomHistory(req.Room, store.DefaultHistoryLimit)
	case protocol.ContextDM:
		if strings.TrimSpace(req.With) == "" {
			h.mu.Unlock()
			return
		}
		msgs = h.store.DMHistory(name, req.With, store.DefaultHistoryLimit)
	default:
		h.mu.Unlock()
		return
	}
	h.mu.Unlock()

	h.flush([]delivery{{conn: conn, data: frame(protocol.TypeHistory, protocol.HistoryMsg{
		Context:  req.Context,
		Room:     req.Room,
		With:     req.With,
		Messages: msgs,
	})}})
}

// RecentRoomHistory returns up to limit recent messages for a room, oldest
// first. It exists for collaborators that need conversational context.
func (h *Hub) RecentRoomHistory(roomName string, limit int) []protocol.Message {
	return h.store.RoomHistory(roomName, limit)
}

// ---------------------------------------------------------------------------
// Messaging
// ---------------------------------------------------------------------------

// PostRoomMessage persists a user's room message and fans it out: to every
// online user for a public room, to the member identities for a private
// one. Posts to unknown rooms or rooms the caller is not a member of are
// silently ignored. A failed durable write drops the whole operation — the
// message was not sent, and no client ever sees it.
func (h *Hub) PostRoomMessage(conn registry.Conn, req protocol.RoomMessageMsg) {
	h.mu.Lock()
	name, ok := h.reg.IdentityOf(conn)
	if !ok {
		h.mu.Unlock()
		return
	}
	r, ok := h.dir.Get(req.Room)
	if !ok || !room.IsMember(r, name) {
		h.mu.Unlock()
		return
	}

	msg := protocol.Message{
		Type:   protocol.TypeRoomMsg,
		Room:   r.Name,
		From:   name,
		Text:   protocol.TruncateRunes(req.Text, protocol.MaxTextLen),
		Ts:     time.Now().UnixMilli(),
		ImgURL: cleanImgURL(req.ImgURL),
	}

	stored, err := h.store.Append(msg)
	if err != nil {
		h.mu.Unlock()
		log.Printf("hub: room message from %s dropped: %v", name, err)
		return
	}

	out := h.roomDeliveries(r, messageFrame(stored))
	out = append(out, h.markKnown(name)...)
	h.mu.Unlock()

	metrics.MessagesTotal.WithLabelValues("room").Inc()
	h.flush(out)

	if h.pub != nil {
		if err := h.pub.PublishRoomMessage(stored); err != nil {
			log.Printf("hub: publish committed message %s: %v", stored.ID, err)
		}
	}
}

// PostDM persists a direct message and delivers it to both parties — the
// recipient's devices and the sender's other devices alike. Messages to
// oneself or to an empty name are ignored.
func (h *Hub) PostDM(conn registry.Conn, req protocol.DirectMessageMsg) {
	h.mu.Lock()
	name, ok := h.reg.IdentityOf(conn)
	if !ok {
		h.mu.Unlock()
		return
	}
	to := strings.TrimSpace(req.To)
	if to == "" || to == name {
		h.mu.Unlock()
		return
	}

	msg := protocol.Message{
		Type:   protocol.TypeDM,
		From:   name,
		To:     to,
		Text:   protocol.TruncateRunes(req.Text, protocol.MaxTextLen),
		Ts:     time.Now().UnixMilli(),
		ImgURL: cleanImgURL(req.ImgURL),
	}

	stored, err := h.store.Append(msg)
	if err != nil {
		h.mu.Unlock()
		log.Printf("hub: dm from %s dropped: %v", name, err)
		return
	}

	data := messageFrame(stored)
	out := []delivery{{name: to, data: data}, {name: name, data: data}}
	out = append(out, h.markKnown(name)...)
	h.mu.Unlock()

	metrics.MessagesTotal.WithLabelValues("dm").Inc()
	h.flush(out)
}

// PostAs persists and fans out a room message authored by a collaborator
// (bot or assistant). It does not publish a committed event — collaborator
// posts must not re-trigger collaborators — and does not touch the
// known-users set, since collaborators are seeded at startup. Posting to a
// room that has been deleted in the meantime is a no-op.
func (h *Hub) PostAs(from, roomName, text string) {
	h.mu.Lock()
	r, ok := h.dir.Get(roomName)
	if !ok {
		h.mu.Unlock()
		return
	}

	msg := protocol.Message{
		Type: protocol.TypeRoomMsg,
		Room: r.Name,
		From: from,
		Text: protocol.TruncateRunes(text, protocol.MaxTextLen),
		Ts:   time.Now().UnixMilli(),
	}

	stored, err := h.store.Append(msg)
	if err != nil {
		h.mu.Unlock()
		log.Printf("hub: %s message dropped: %v", from, err)
		return
	}

	out := h.roomDeliveries(r, messageFrame(stored))
	h.mu.Unlock()

	metrics.MessagesTotal.WithLabelValues("collaborator").Inc()
	h.flush(out)
}

// NotifyThinking tells a room's recipients that the assistant is composing
// a reply. Nothing is persisted.
func (h *Hub) NotifyThinking(roomName string) {
	h.mu.Lock()
	r, ok := h.dir.Get(roomName)
	if !ok {
		h.mu.Unlock()
		return
	}
	out := h.roomDeliveries(r, frame(protocol.TypeClaudeThinking, protocol.ClaudeThinkingMsg{Room: r.Name}))
	h.mu.Unlock()

	h.flush(out)
}

// DeleteMessage removes a message by id if — and only if — the caller is
// its sender, then announces the deletion to every client. A miss (wrong
// id, someone else's message) changes nothing and answers nothing.
func (h *Hub) DeleteMessage(conn registry.Conn, req protocol.DeleteMessageMsg) {
	h.mu.Lock()
	name, ok := h.reg.IdentityOf(conn)
	if !ok {
		h.mu.Unlock()
		return
	}
	id := protocol.TruncateRunes(strings.TrimSpace(req.ID), protocol.MaxIDLen)
	if id == "" {
		h.mu.Unlock()
		return
	}

	removed, err := h.store.Delete(id, name)
	h.mu.Unlock()

	if err != nil {
		log.Printf("hub: delete message %s by %s failed: %v", id, name, err)
		return
	}
	if !removed {
		return
	}

	h.flush([]delivery{{data: frame(protocol.TypeMsgDeleted, protocol.MsgDeletedMsg{ID: id})}})
}

// ---------------------------------------------------------------------------
// Room administration
// ---------------------------------------------------------------------------

// CreateRoom creates a room for the caller and pushes every online user
// their recomputed room list. Member names are filtered against the
// known-users set; collisions and empty slugs are silently ignored.
func (h *Hub) CreateRoom(conn registry.Conn, req protocol.CreateRoomMsg) {
	h.mu.Lock()
	name, ok := h.reg.IdentityOf(conn)
	if !ok {
		h.mu.Unlock()
		return
	}

	_, err := h.dir.Create(name, req.Name, req.Members, func(m string) bool {
		_, known := h.known[m]
		return known
	})
	if err != nil {
		h.mu.Unlock()
		return
	}

	out := h.roomListDeliveries()
	h.mu.Unlock()
	h.flush(out)
}

// DeleteRoom deletes a room the caller created. Default rooms and other
// users' rooms are silently left alone.
func (h *Hub) DeleteRoom(conn registry.Conn, req protocol.DeleteRoomMsg) {
	h.mu.Lock()
	name, ok := h.reg.IdentityOf(conn)
	if !ok {
		h.mu.Unlock()
		return
	}

	if err := h.dir.Delete(name, strings.TrimSpace(req.Name)); err != nil {
		h.mu.Unlock()
		return
	}

	out := h.roomListDeliveries()
	h.mu.Unlock()
	h.flush(out)
}

// ReorderRooms applies the caller's proposed room order. The proposal must
// cover exactly the caller's visible rooms; anything else is ignored.
func (h *Hub) ReorderRooms(conn registry.Conn, req protocol.ReorderRoomsMsg) {
	h.mu.Lock()
	name, ok := h.reg.IdentityOf(conn)
	if !ok {
		h.mu.Unlock()
		return
	}

	if err := h.dir.Reorder(name, req.Rooms); err != nil {
		h.mu.Unlock()
		return
	}

	out := h.roomListDeliveries()
	h.mu.Unlock()
	h.flush(out)
}

// ---------------------------------------------------------------------------
// Recipient resolution (the fan-out router)
// ---------------------------------------------------------------------------

// roomDeliveries resolves the recipients of a room event: everyone online
// for a public room, each member identity for a private one. Offline
// members simply receive nothing — durability comes from the store, not
// from delivery. Callers must hold the hub mutex.
func (h *Hub) roomDeliveries(r protocol.Room, data []byte) []delivery {
	if r.Members == nil {
		return []delivery{{data: data}}
	}
	out := make([]delivery, 0, len(r.Members))
	for _, member := range r.Members {
		out = append(out, delivery{name: member, data: data})
	}
	return out
}

// roomListDeliveries builds a per-identity room_list frame for every online
// user, since each may see a different directory subsequence. Callers must
// hold the hub mutex.
func (h *Hub) roomListDeliveries() []delivery {
	names := h.reg.Online()
	out := make([]delivery, 0, len(names))
	for _, name := range names {
		out = append(out, delivery{
			name: name,
			data: frame(protocol.TypeRoomList, protocol.RoomListMsg{Rooms: h.dir.VisibleTo(name)}),
		})
	}
	return out
}

// markKnown records that name has sent a message. The first send earns a
// known_users broadcast; later sends change nothing. Callers must hold the
// hub mutex.
func (h *Hub) markKnown(name string) []delivery {
	if _, ok := h.known[name]; ok {
		return nil
	}
	h.known[name] = struct{}{}
	return []delivery{{data: frame(protocol.TypeKnownUsers, protocol.KnownUsersMsg{Users: h.knownList()})}}
}

// knownList returns the known-users set sorted for stable output. Callers
// must hold the hub mutex.
func (h *Hub) knownList() []string {
	names := make([]string, 0, len(h.known))
	for name := range h.known {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ---------------------------------------------------------------------------
// Small helpers
// ---------------------------------------------------------------------------

// cleanImgURL returns raw if it is a well-formed upload path, else "".
func cleanImgURL(raw string) string {
	if raw != "" && imgURLPattern.MatchString(raw) {
		return raw
	}
	return ""
}
