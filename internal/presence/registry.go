// Package presence tracks which username each live connection is bound to.
package presence

import "sync"

// Registration describes the effect of a Register call.
type Registration struct {
	// Evicted is the connection that previously held the name, if any. Its
	// session has already been removed; the caller should close it.
	Evicted string
	// Previous is the name the connection was bound to before, if it differs.
	Previous string
	// Unchanged is set when the connection already held the name.
	Unchanged bool
}

// Registry maps connection IDs to usernames and back. The zero value is not
// usable; create one with NewRegistry.
type Registry struct {
	mu      sync.RWMutex
	byConn  map[string]string
	byName  map[string]string
	ordered []string
}

func NewRegistry() *Registry {
	return &Registry{
		byConn: make(map[string]string),
		byName: make(map[string]string),
	}
}

// Register binds connID to username.
func (r *Registry) Register(connID, username string) Registration {
	r.mu.Lock()
	defer r.mu.Unlock()

	var reg Registration

	if current, ok := r.byConn[connID]; ok {
		if current == username {
			reg.Unchanged = true
			return reg
		}
		reg.Previous = current
		if r.byName[current] == connID {
			delete(r.byName, current)
			r.removeOrdered(current)
		}
	}

	if holder, ok := r.byName[username]; ok {
		// The holder loses its session but the name keeps its roster slot.
		delete(r.byConn, holder)
		reg.Evicted = holder
	} else {
		r.ordered = append(r.ordered, username)
	}

	r.byConn[connID] = username
	r.byName[username] = connID
	return reg
}

// Unregister removes the session for connID. released reports whether the
// username went offline as a result; it is false for unknown connections and
// for connections whose name has since moved to another connection.
func (r *Registry) Unregister(connID string) (username string, released bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	username, ok := r.byConn[connID]
	if !ok {
		return "", false
	}
	delete(r.byConn, connID)

	if r.byName[username] != connID {
		return username, false
	}
	delete(r.byName, username)
	r.removeOrdered(username)
	return username, true
}

// Resolve returns the connection bound to username.
func (r *Registry) Resolve(username string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	connID, ok := r.byName[username]
	return connID, ok
}

// Username returns the name bound to connID.
func (r *Registry) Username(connID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	name, ok := r.byConn[connID]
	return name, ok
}

// Usernames returns the online usernames in the order they joined.
func (r *Registry) Usernames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.ordered))
	copy(out, r.ordered)
	return out
}

// Len returns the number of bound connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byConn)
}

func (r *Registry) removeOrdered(username string) {
	for i, name := range r.ordered {
		if name == username {
			r.ordered = append(r.ordered[:i], r.ordered[i+1:]...)
			return
		}
	}
}
