package soundtrigger

import (
	"sort"
	"sync"
)

// registry maps handles to live sessions. A session is present iff its
// model is loaded remotely.
type registry struct {
	mu       sync.RWMutex
	sessions map[SessionHandle]*session
}

func newRegistry() *registry {
	return &registry{sessions: make(map[SessionHandle]*session)}
}

func (r *registry) get(h SessionHandle) (*session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[h]
	return s, ok
}

// insert adds s unless its handle is already taken.
func (r *registry) insert(s *session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.sessions[s.handle]; exists {
		return false
	}
	r.sessions[s.handle] = s
	return true
}

func (r *registry) remove(h SessionHandle) (*session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[h]
	if ok {
		delete(r.sessions, h)
	}
	return s, ok
}

func (r *registry) len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// handles returns the live handles in ascending order.
func (r *registry) handles() []SessionHandle {
	r.mu.RLock()
	out := make([]SessionHandle, 0, len(r.sessions))
	for h := range r.sessions {
		out = append(out, h)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
