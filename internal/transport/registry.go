package transport

import (
	"sort"
	"strings"
	"sync"

	"github.com/danmuck/collabctl/internal/protocol/session"
)

// registry stores live sessions by id with a peer device index.
type registry struct {
	mu       sync.RWMutex
	items    map[int32]*session.Session
	byDevice map[string]int32
}

func newRegistry() *registry {
	return &registry{
		items:    make(map[int32]*session.Session),
		byDevice: make(map[string]int32),
	}
}

func (r *registry) Upsert(s *session.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items[s.ID()] = s
	if peer := strings.TrimSpace(s.PeerDevice()); peer != "" {
		r.byDevice[peer] = s.ID()
	}
}

func (r *registry) Get(id int32) (*session.Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.items[id]
	return s, ok
}

func (r *registry) ByDevice(deviceID string) (*session.Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byDevice[strings.TrimSpace(deviceID)]
	if !ok {
		return nil, false
	}
	s, ok := r.items[id]
	return s, ok
}

// Remove drops id and returns the removed session.
func (r *registry) Remove(id int32) (*session.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.items[id]
	if !ok {
		return nil, false
	}
	delete(r.items, id)
	if cur, ok := r.byDevice[s.PeerDevice()]; ok && cur == id {
		delete(r.byDevice, s.PeerDevice())
	}
	return s, true
}

// Drain empties the registry and returns everything it held.
func (r *registry) Drain() []*session.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*session.Session, 0, len(r.items))
	for _, s := range r.items {
		out = append(out, s)
	}
	r.items = make(map[int32]*session.Session)
	r.byDevice = make(map[string]int32)
	return out
}

func (r *registry) List() []session.Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]session.Info, 0, len(r.items))
	for _, s := range r.items {
		out = append(out, s.Info())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ID < out[j].ID
	})
	return out
}
