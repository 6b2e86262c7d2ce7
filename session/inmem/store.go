// Package inmem provides an in-memory implementation of session.Store.
//
// It is intended for tests and local development. Production deployments
// should use a durable implementation (for example features/session/mongo).
package inmem

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"goa.design/console/session"
)

// Store is an in-memory implementation of session.Store.
// It is safe for concurrent use.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]session.Session
}

// Compile-time check that Store implements session.Store.
var _ session.Store = (*Store)(nil)

// New returns an empty Store.
func New() *Store {
	return &Store{sessions: make(map[string]session.Session)}
}

// Create implements session.Store.
func (s *Store) Create(_ context.Context, sess session.Session) error {
	if sess.ID == "" {
		return errors.New("session id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sess.ID]; ok {
		return errors.New("session already exists")
	}
	s.sessions[sess.ID] = cloneSession(sess)
	return nil
}

// Load implements session.Store.
func (s *Store) Load(_ context.Context, id string) (session.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return session.Session{}, session.ErrNotFound
	}
	return cloneSession(sess), nil
}

// ListByOwner implements session.Store.
func (s *Store) ListByOwner(_ context.Context, ownerID string) ([]session.Session, error) {
	s.mu.RLock()
	matched := make([]session.Session, 0)
	for _, sess := range s.sessions {
		if sess.OwnerID == ownerID {
			matched = append(matched, cloneSession(sess))
		}
	}
	s.mu.RUnlock()
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].LastActiveAt.Equal(matched[j].LastActiveAt) {
			return matched[i].LastActiveAt.After(matched[j].LastActiveAt)
		}
		return matched[i].ID < matched[j].ID
	})
	return matched, nil
}

// Update implements session.Store. LastActiveAt never moves backwards, even
// when the caller hands in a stale record.
func (s *Store) Update(_ context.Context, sess session.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.sessions[sess.ID]
	if !ok {
		return session.ErrNotFound
	}
	if sess.LastActiveAt.Before(existing.LastActiveAt) {
		sess.LastActiveAt = existing.LastActiveAt
	}
	s.sessions[sess.ID] = cloneSession(sess)
	return nil
}

// Touch implements session.Store.
func (s *Store) Touch(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return session.ErrNotFound
	}
	if at.After(sess.LastActiveAt) {
		sess.LastActiveAt = at.UTC()
		s.sessions[id] = sess
	}
	return nil
}

// Delete implements session.Store.
func (s *Store) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[id]; !ok {
		return session.ErrNotFound
	}
	delete(s.sessions, id)
	return nil
}

func cloneSession(sess session.Session) session.Session {
	out := sess
	out.Context = cloneMap(sess.Context)
	out.Workspace = cloneMap(sess.Workspace)
	return out
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
