package server

import (
	"sync"

	"github.com/ilnaes/gonote/internal/common"
)

// Registry maps live connections to participant identities and their
// last-known cursors. Identities are handed out first-come (1, 2, 3, …)
// and never reused or renumbered while the server runs, since
// outstanding operations are stamped with them.
type Registry struct {
	mu     sync.Mutex
	users  map[string]*common.User
	nextID int
	notify func() // raised on every mutation, may be nil
}

func NewRegistry(notify func()) *Registry {
	return &Registry{
		users:  make(map[string]*common.User),
		notify: notify,
	}
}

func (reg *Registry) changed() {
	if reg.notify != nil {
		reg.notify()
	}
}

// AddOrUpdate registers the connection if new and returns its identity.
// A nil cursor leaves the stored cursor untouched.
func (reg *Registry) AddOrUpdate(connID string, cursor *common.Cursor) int {
	reg.mu.Lock()
	u, ok := reg.users[connID]
	if !ok {
		reg.nextID++
		u = &common.User{ID: reg.nextID}
		reg.users[connID] = u
	}
	if cursor != nil {
		c := *cursor
		u.Cursor = &c
	}
	id := u.ID
	reg.mu.Unlock()
	reg.changed()
	return id
}

// Identity returns the identity assigned to connID, if any.
func (reg *Registry) Identity(connID string) (int, bool) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	u, ok := reg.users[connID]
	if !ok {
		return 0, false
	}
	return u.ID, true
}

// Remove drops the connection's entry.
func (reg *Registry) Remove(connID string) {
	reg.mu.Lock()
	_, ok := reg.users[connID]
	delete(reg.users, connID)
	reg.mu.Unlock()
	if ok {
		reg.changed()
	}
}

// Cursors returns a snapshot of all reported cursors, in no particular
// order.
func (reg *Registry) Cursors() []common.Cursor {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	out := make([]common.Cursor, 0, len(reg.users))
	for _, u := range reg.users {
		if u.Cursor != nil {
			out = append(out, *u.Cursor)
		}
	}
	return out
}

// Users returns a snapshot of all participants, in no particular order.
func (reg *Registry) Users() []common.User {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	out := make([]common.User, 0, len(reg.users))
	for _, u := range reg.users {
		entry := common.User{ID: u.ID}
		if u.Cursor != nil {
			c := *u.Cursor
			entry.Cursor = &c
		}
		out = append(out, entry)
	}
	return out
}

// Clear evicts every participant. Identities keep counting up from where
// they were.
func (reg *Registry) Clear() {
	reg.mu.Lock()
	empty := len(reg.users) == 0
	reg.users = make(map[string]*common.User)
	reg.mu.Unlock()
	if !empty {
		reg.changed()
	}
}
