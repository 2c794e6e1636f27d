package notifier

import (
	"sync"
)

// Conn is a subscriber that can be sent one encoded envelope at a time
type Conn interface {
	Send(msg []byte) error
}

// Registry maps a field to the live connections subscribed to it.
// Sends happen outside the lock so one slow client never blocks other fields.
type Registry struct {
	mu     sync.Mutex
	fields map[string]map[Conn]struct{}
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{fields: make(map[string]map[Conn]struct{})}
}

// Subscribe adds conn to fieldID's subscribers
func (r *Registry) Subscribe(conn Conn, fieldID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.fields[fieldID]
	if !ok {
		set = make(map[Conn]struct{})
		r.fields[fieldID] = set
	}
	set[conn] = struct{}{}
}

// Unsubscribe removes conn; the field entry goes away with its last subscriber
func (r *Registry) Unsubscribe(conn Conn, fieldID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.remove(conn, fieldID)
}

func (r *Registry) remove(conn Conn, fieldID string) {
	set, ok := r.fields[fieldID]
	if !ok {
		return
	}
	delete(set, conn)
	if len(set) == 0 {
		delete(r.fields, fieldID)
	}
}

// Broadcast sends msg to every subscriber of fieldID present at snapshot time and
// removes the ones whose send failed. It returns the number of successful sends.
func (r *Registry) Broadcast(fieldID string, msg []byte) int {
	r.mu.Lock()
	set := r.fields[fieldID]
	snapshot := make([]Conn, 0, len(set))
	for conn := range set {
		snapshot = append(snapshot, conn)
	}
	r.mu.Unlock()

	if len(snapshot) == 0 {
		return 0
	}

	var dead []Conn
	for _, conn := range snapshot {
		if err := conn.Send(msg); err != nil {
			log.Debug("dropping subscriber of %s: %v", fieldID, err)
			dead = append(dead, conn)
		}
	}

	if len(dead) > 0 {
		r.mu.Lock()
		for _, conn := range dead {
			r.remove(conn, fieldID)
		}
		r.mu.Unlock()
	}
	return len(snapshot) - len(dead)
}

// Count returns the number of subscribers of fieldID
func (r *Registry) Count(fieldID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.fields[fieldID])
}

// Stats returns the subscriber count of every field with subscribers
func (r *Registry) Stats() map[string]int {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]int, len(r.fields))
	for field, set := range r.fields {
		out[field] = len(set)
	}
	return out
}
