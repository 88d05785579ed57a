package session

import (
	"sort"
	"sync"
	"time"
)

// Directory is the process-wide registry of live sessions: the single
// source of truth for "who is connected now".
//
// All mutation routes through Upsert/Remove; there is no ambient global
// map. List/Sessions return consistent point-in-time snapshots and never
// expose a partially constructed entry.
type Directory struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewDirectory() *Directory {
	return &Directory{sessions: map[string]*Session{}}
}

// Upsert inserts or replaces the entry for s.ID.
// A replace models a reconnect: same id, fresh client and login time.
func (d *Directory) Upsert(s *Session) {
	if s == nil || s.ID == "" {
		return
	}
	d.mu.Lock()
	d.sessions[s.ID] = s
	d.mu.Unlock()
}

// Remove deletes the entry for id. Removing an absent id is a no-op.
func (d *Directory) Remove(id string) {
	d.mu.Lock()
	delete(d.sessions, id)
	d.mu.Unlock()
}

// Get returns the live session for id, if present.
func (d *Directory) Get(id string) (*Session, bool) {
	d.mu.RLock()
	s, ok := d.sessions[id]
	d.mu.RUnlock()
	return s, ok
}

// Len reports the number of live sessions.
func (d *Directory) Len() int {
	d.mu.RLock()
	n := len(d.sessions)
	d.mu.RUnlock()
	return n
}

// List returns an id-ordered snapshot with uptime computed against now.
func (d *Directory) List(now time.Time) []Snapshot {
	d.mu.RLock()
	out := make([]Snapshot, 0, len(d.sessions))
	for _, s := range d.sessions {
		up := int64(now.Sub(s.LoginTime) / time.Second)
		if up < 0 {
			up = 0
		}
		out = append(out, Snapshot{ID: s.ID, PhoneNumber: s.PhoneNumber, UptimeSeconds: up})
	}
	d.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Sessions returns an id-ordered snapshot of live session records.
// The slice is fixed at call time; callers dispatching against it must
// tolerate individual clients going away mid-run.
func (d *Directory) Sessions() []*Session {
	d.mu.RLock()
	out := make([]*Session, 0, len(d.sessions))
	for _, s := range d.sessions {
		out = append(out, s)
	}
	d.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
