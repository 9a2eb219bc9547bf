// Package registry tracks which display names are online and which live
// connections belong to each name. It is the presence authority: a name is
// online while it has at least one registered connection, and becomes free
// for reuse the moment its last connection is removed.
package registry

import (
	"errors"
	"sort"
	"sync"
)

// ErrNameTaken is returned by Admit when the requested name is already held
// by a live connection.
var ErrNameTaken = errors.New("registry: name already in use")

// Conn is the minimal transport surface the registry needs: the ability to
// push one framed event to a client. *ws.Connection satisfies it; tests use
// in-memory fakes.
type Conn interface {
	WriteMessage(data []byte) error
}

// Registry maps display names to their sets of live connections. A name may
// own several connections at once (multiple devices); fan-out iterates the
// whole set so every device sees every event addressed to the name.
type Registry struct {
	mu       sync.RWMutex
	byName   map[string]map[Conn]struct{}
	identity map[Conn]string
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{
		byName:   make(map[string]map[Conn]struct{}),
		identity: make(map[Conn]string),
	}
}

// Admit binds conn to name. It fails with ErrNameTaken if the name is held
// by a live connection set; a name whose last connection has disconnected is
// free again. The trimming and length checks on the name happen upstream.
func (r *Registry) Admit(name string, conn Conn) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if set, ok := r.byName[name]; ok && len(set) > 0 {
		return ErrNameTaken
	}

	set, ok := r.byName[name]
	if !ok {
		set = make(map[Conn]struct{})
		r.byName[name] = set
	}
	set[conn] = struct{}{}
	r.identity[conn] = name
	return nil
}

// Remove unbinds conn from its name. It returns the name the connection was
// bound to (empty if it never joined) and whether that name is now fully
// offline. Removing an unknown connection is a no-op.
func (r *Registry) Remove(conn Conn) (name string, offline bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	name, ok := r.identity[conn]
	if !ok {
		return "", false
	}
	delete(r.identity, conn)

	set := r.byName[name]
	delete(set, conn)
	if len(set) == 0 {
		delete(r.byName, name)
		return name, true
	}
	return name, false
}

// IdentityOf returns the name bound to conn, or false if the connection has
// not joined.
func (r *Registry) IdentityOf(conn Conn) (string, bool) {
	r.mu.RLock()
	name, ok := r.identity[conn]
	r.mu.RUnlock()
	return name, ok
}

// Online returns the sorted list of names that currently have at least one
// live connection.
func (r *Registry) Online() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.byName))
	for name, set := range r.byName {
		if len(set) > 0 {
			names = append(names, name)
		}
	}
	r.mu.RUnlock()

	sort.Strings(names)
	return names
}

// SendTo delivers data to every connection bound to name, best effort. A
// write error on one device does not stop delivery to the others; dead
// connections are reaped by the transport layer, not here. It returns the
// number of connections written to without error.
func (r *Registry) SendTo(name string, data []byte) int {
	r.mu.RLock()
	conns := make([]Conn, 0, len(r.byName[name]))
	for conn := range r.byName[name] {
		conns = append(conns, conn)
	}
	r.mu.RUnlock()

	sent := 0
	for _, conn := range conns {
		if err := conn.WriteMessage(data); err == nil {
			sent++
		}
	}
	return sent
}

// Broadcast delivers data to every live connection of every name, best
// effort. It returns the number of connections written to without error.
func (r *Registry) Broadcast(data []byte) int {
	r.mu.RLock()
	conns := make([]Conn, 0, len(r.identity))
	for conn := range r.identity {
		conns = append(conns, conn)
	}
	r.mu.RUnlock()

	sent := 0
	for _, conn := range conns {
		if err := conn.WriteMessage(data); err == nil {
			sent++
		}
	}
	return sent
}
