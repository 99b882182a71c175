package session

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
)

// Registry maps session ids to live sessions. Entries are synchronized
// individually, so operations on distinct ids never contend.
type Registry struct {
	sessions sync.Map // id -> *Session
	count    atomic.Int64
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds s under id. It fails if id is already present.
func (r *Registry) Register(id string, s *Session) error {
	if _, loaded := r.sessions.LoadOrStore(id, s); loaded {
		return fmt.Errorf("%w: %s", ErrSessionExists, id)
	}
	r.count.Add(1)
	return nil
}

// Lookup returns the session registered under id.
func (r *Registry) Lookup(id string) (*Session, bool) {
	v, ok := r.sessions.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*Session), true
}

// Remove unregisters and returns the session under id.
func (r *Registry) Remove(id string) (*Session, bool) {
	v, ok := r.sessions.LoadAndDelete(id)
	if !ok {
		return nil, false
	}
	r.count.Add(-1)
	return v.(*Session), true
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	return int(r.count.Load())
}

// List returns snapshots of all registered sessions, oldest first.
func (r *Registry) List() []Info {
	var infos []Info
	r.sessions.Range(func(_, v any) bool {
		infos = append(infos, v.(*Session).Info())
		return true
	})
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].CreatedAt.Before(infos[j].CreatedAt)
	})
	return infos
}

// CloseAll removes and cancels every session, then waits for their reader
// loops to finish or ctx to expire. It returns the ids it removed; sessions
// removed concurrently by someone else are not included.
func (r *Registry) CloseAll(ctx context.Context) ([]string, error) {
	var (
		ids     []string
		closing []*Session
	)
	r.sessions.Range(func(k, _ any) bool {
		if s, ok := r.Remove(k.(string)); ok {
			s.Cancel()
			ids = append(ids, s.ID)
			closing = append(closing, s)
		}
		return true
	})

	for _, s := range closing {
		select {
		case <-s.Done():
		case <-ctx.Done():
			return ids, ctx.Err()
		}
	}
	return ids, nil
}
