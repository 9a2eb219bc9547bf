// Package room maintains the ordered room directory: public rooms, private
// membership-restricted rooms, creator-based deletion rights, and the JSON
// snapshot that persists the directory across restarts.
package room

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/homechat/server/internal/protocol"
)

// DefaultRooms are created on first start. They have no creator and can
// never be deleted.
var DefaultRooms = []string{"general", "finances", "travel", "kids", "appointments", "events"}

var (
	// ErrInvalidName means the room name was empty after slugification.
	ErrInvalidName = errors.New("room: invalid room name")
	// ErrExists means a room with that slug already exists.
	ErrExists = errors.New("room: room already exists")
	// ErrNotFound means no room with that name exists.
	ErrNotFound = errors.New("room: no such room")
	// ErrForbidden means the caller is not allowed to perform the operation.
	ErrForbidden = errors.New("room: operation not permitted")
	// ErrOrderMismatch means a proposed order is not a permutation of the
	// caller's visible rooms.
	ErrOrderMismatch = errors.New("room: proposed order does not match visible rooms")
)

var nonSlug = regexp.MustCompile(`[^a-z0-9-]`)
var multiHyphen = regexp.MustCompile(`-+`)

// Slugify normalizes a raw room name: lowercase, spaces to hyphens, strip
// anything outside [a-z0-9-], collapse hyphen runs, trim edge hyphens, cap
// at protocol.MaxNameLen. It returns "" when nothing survives.
func Slugify(raw string) string {
	s := strings.ToLower(strings.TrimSpace(raw))
	s = strings.Join(strings.Fields(s), "-")
	s = nonSlug.ReplaceAllString(s, "")
	s = multiHyphen.ReplaceAllString(s, "-")
	s = strings.Trim(s, "-")
	if len(s) > protocol.MaxNameLen {
		s = s[:protocol.MaxNameLen]
		s = strings.Trim(s, "-")
	}
	return s
}

// IsMember reports whether name may see and post to room r: always for
// public rooms, membership otherwise.
func IsMember(r protocol.Room, name string) bool {
	if r.Members == nil {
		return true
	}
	for _, m := range r.Members {
		if m == name {
			return true
		}
	}
	return false
}

// Directory is the ordered collection of rooms. The order is a single shared
// sequence; each user sees the subsequence of rooms visible to them. All
// methods are goroutine-safe. Every structural change is written to the
// snapshot file before it becomes visible in memory; a failed write leaves
// the directory unchanged.
type Directory struct {
	mu    sync.RWMutex
	path  string
	rooms []protocol.Room
}

// Open loads the directory snapshot from path, or seeds it with the given
// default room names when no snapshot exists. Snapshots written by older
// versions as a plain array of name strings are migrated transparently.
func Open(path string, defaults []string) (*Directory, error) {
	d := &Directory{path: path}

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		for _, name := range defaults {
			d.rooms = append(d.rooms, protocol.Room{Name: name})
		}
		return d, nil
	case err != nil:
		return nil, fmt.Errorf("room: read snapshot: %w", err)
	}

	if err := json.Unmarshal(data, &d.rooms); err != nil {
		// Legacy format: a bare array of room names.
		var names []string
		if err2 := json.Unmarshal(data, &names); err2 != nil {
			return nil, fmt.Errorf("room: parse snapshot: %w", err)
		}
		for _, name := range names {
			d.rooms = append(d.rooms, protocol.Room{Name: name})
		}
	}
	return d, nil
}

// VisibleTo returns the rooms user may see, in directory order: every public
// room plus the private rooms user is a member of.
func (d *Directory) VisibleTo(user string) []protocol.Room {
	d.mu.RLock()
	defer d.mu.RUnlock()

	visible := make([]protocol.Room, 0, len(d.rooms))
	for _, r := range d.rooms {
		if IsMember(r, user) {
			visible = append(visible, r)
		}
	}
	return visible
}

// Get returns the room with the given name.
func (d *Directory) Get(name string) (protocol.Room, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	for _, r := range d.rooms {
		if r.Name == name {
			return r, true
		}
	}
	return protocol.Room{}, false
}

// Create adds a room. rawName is slugified; creation fails if the slug is
// empty or collides with an existing room. A nil memberNames makes the room
// public. Otherwise membership is restricted to the creator plus those
// listed names accepted by the known predicate (unknown names and the
// creator's own name are dropped from the list).
func (d *Directory) Create(creator, rawName string, memberNames []string, known func(string) bool) (protocol.Room, error) {
	name := Slugify(rawName)
	if name == "" {
		return protocol.Room{}, ErrInvalidName
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	for _, r := range d.rooms {
		if r.Name == name {
			return protocol.Room{}, ErrExists
		}
	}

	room := protocol.Room{Name: name, Creator: creator}
	if memberNames != nil {
		members := []string{creator}
		for _, m := range memberNames {
			m = protocol.TruncateRunes(strings.TrimSpace(m), protocol.MaxNameLen)
			if m == "" || m == creator || (known != nil && !known(m)) {
				continue
			}
			members = append(members, m)
		}
		room.Members = members
	}

	next := append(append([]protocol.Room{}, d.rooms...), room)
	if err := d.save(next); err != nil {
		return protocol.Room{}, err
	}
	d.rooms = next
	return room, nil
}

// Delete removes the named room. Only the creator may delete it; default
// rooms have no creator and are undeletable.
func (d *Directory) Delete(caller, name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	idx := -1
	for i, r := range d.rooms {
		if r.Name == name {
			idx = i
			break
		}
	}
	if idx == -1 {
		return ErrNotFound
	}
	if d.rooms[idx].Creator == "" || d.rooms[idx].Creator != caller {
		return ErrForbidden
	}

	next := append(append([]protocol.Room{}, d.rooms[:idx]...), d.rooms[idx+1:]...)
	if err := d.save(next); err != nil {
		return err
	}
	d.rooms = next
	return nil
}

// Reorder replaces the directory order with the caller's proposed order.
// The proposal must be, as a set, exactly the caller's visible rooms —
// anything else is rejected, so a client can neither hide nor smuggle in a
// room by reordering. Rooms invisible to the caller keep their prior
// relative order and are appended after the reordered visible prefix.
func (d *Directory) Reorder(caller string, proposed []string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	visible := make(map[string]bool)
	for _, r := range d.rooms {
		if IsMember(r, caller) {
			visible[r.Name] = true
		}
	}

	if !sameNameSet(proposed, visible) {
		return ErrOrderMismatch
	}

	byName := make(map[string]protocol.Room, len(d.rooms))
	for _, r := range d.rooms {
		byName[r.Name] = r
	}

	next := make([]protocol.Room, 0, len(d.rooms))
	for _, name := range proposed {
		next = append(next, byName[name])
	}
	for _, r := range d.rooms {
		if !visible[r.Name] {
			next = append(next, r)
		}
	}

	if err := d.save(next); err != nil {
		return err
	}
	d.rooms = next
	return nil
}

// sameNameSet reports whether proposed, as a set, equals the visible name
// set. Duplicates in the proposal are rejected via the sorted comparison.
func sameNameSet(proposed []string, visible map[string]bool) bool {
	if len(proposed) != len(visible) {
		return false
	}
	a := append([]string{}, proposed...)
	b := make([]string, 0, len(visible))
	for name := range visible {
		b = append(b, name)
	}
	sort.Strings(a)
	sort.Strings(b)
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// save writes rooms to a temp file in the snapshot's directory and renames
// it into place, so a crash mid-write never corrupts the previous snapshot.
func (d *Directory) save(rooms []protocol.Room) error {
	data, err := json.Marshal(rooms)
	if err != nil {
		return fmt.Errorf("room: marshal snapshot: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(d.path), "rooms-*.tmp")
	if err != nil {
		return fmt.Errorf("room: create temp snapshot: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("room: write snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("room: close snapshot: %w", err)
	}
	if err := os.Rename(tmpName, d.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("room: replace snapshot: %w", err)
	}
	return nil
}
