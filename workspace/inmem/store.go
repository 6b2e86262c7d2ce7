// Package inmem provides an in-memory implementation of workspace.Store.
//
// It is intended for tests and local development. Production deployments
// should use a durable implementation (for example features/workspace/mongo).
package inmem

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"goa.design/console/workspace"
)

// Store is an in-memory implementation of workspace.Store. It is safe for
// concurrent use; each session's nodes live under their own lock so sessions
// never contend with each other.
type Store struct {
	mu       sync.Mutex
	sessions map[string]*sessionNodes
	now      func() time.Time
}

// sessionNodes holds one session's flat node set keyed by path.
type sessionNodes struct {
	mu    sync.RWMutex
	nodes map[string]workspace.FileNode
}

// Compile-time check that Store implements workspace.Store.
var _ workspace.Store = (*Store)(nil)

// New returns an empty Store.
func New() *Store {
	return &Store{
		sessions: make(map[string]*sessionNodes),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// ApplyMutation implements workspace.Store. The whole batch is validated
// under the session lock before any write, so readers never observe a
// partially applied batch.
func (s *Store) ApplyMutation(_ context.Context, sessionID string, mut workspace.Mutation) error {
	if sessionID == "" {
		return errors.New("session id is required")
	}
	sn := s.session(sessionID, true)
	sn.mu.Lock()
	defer sn.mu.Unlock()

	upserts := make([]workspace.FileNode, 0, len(mut.Created)+len(mut.Updated))
	for _, n := range mut.Created {
		upserts = append(upserts, n)
	}
	for _, n := range mut.Updated {
		upserts = append(upserts, n)
	}
	// Parent-before-child order within the batch.
	sort.Slice(upserts, func(i, j int) bool { return upserts[i].Path < upserts[j].Path })

	incoming := make(map[string]struct{}, len(upserts))
	for i := range upserts {
		if err := workspace.ValidateNode(&upserts[i]); err != nil {
			return err
		}
		incoming[upserts[i].Path] = struct{}{}
	}
	for _, n := range upserts {
		parent := workspace.ParentPath(n.Path)
		if parent == "/" {
			continue
		}
		if _, ok := sn.nodes[parent]; ok {
			continue
		}
		if _, ok := incoming[parent]; ok {
			continue
		}
		return fmt.Errorf("%w: %s requires parent %s", workspace.ErrOrphanPath, n.Path, parent)
	}

	now := s.now()
	for _, n := range upserts {
		n.SessionID = sessionID
		if n.ID == "" {
			n.ID = uuid.NewString()
		}
		if existing, ok := sn.nodes[n.Path]; ok {
			n.ID = existing.ID
			n.CreatedAt = existing.CreatedAt
		} else {
			n.CreatedAt = now
		}
		n.UpdatedAt = now
		sn.nodes[n.Path] = n
	}
	for _, d := range mut.Deleted {
		existing, ok := sn.nodes[d.Path]
		if !ok {
			continue
		}
		delete(sn.nodes, d.Path)
		if existing.Type != workspace.TypeFolder {
			continue
		}
		prefix := existing.Path + "/"
		for p := range sn.nodes {
			if strings.HasPrefix(p, prefix) {
				delete(sn.nodes, p)
			}
		}
	}
	return nil
}

// GetNode implements workspace.Store.
func (s *Store) GetNode(_ context.Context, sessionID, nodePath string) (workspace.FileNode, error) {
	sn := s.session(sessionID, false)
	if sn == nil {
		return workspace.FileNode{}, workspace.ErrNotFound
	}
	cleaned, err := workspace.NormalizePath(nodePath)
	if err != nil {
		return workspace.FileNode{}, err
	}
	sn.mu.RLock()
	defer sn.mu.RUnlock()
	node, ok := sn.nodes[cleaned]
	if !ok {
		return workspace.FileNode{}, workspace.ErrNotFound
	}
	return cloneNode(node), nil
}

// GetTree implements workspace.Store. The forest is rebuilt from the flat
// node set on every call; it carries no state of its own.
func (s *Store) GetTree(_ context.Context, sessionID string) ([]*workspace.TreeNode, error) {
	sn := s.session(sessionID, false)
	if sn == nil {
		return nil, nil
	}
	sn.mu.RLock()
	flat := make([]workspace.FileNode, 0, len(sn.nodes))
	for _, n := range sn.nodes {
		flat = append(flat, cloneNode(n))
	}
	sn.mu.RUnlock()
	return workspace.BuildTree(flat), nil
}

// DeleteBySession implements workspace.Store.
func (s *Store) DeleteBySession(_ context.Context, sessionID string) error {
	s.mu.Lock()
	delete(s.sessions, sessionID)
	s.mu.Unlock()
	return nil
}

// session returns the node set for sessionID, creating it when create is true.
func (s *Store) session(sessionID string, create bool) *sessionNodes {
	s.mu.Lock()
	defer s.mu.Unlock()
	sn, ok := s.sessions[sessionID]
	if !ok && create {
		sn = &sessionNodes{nodes: make(map[string]workspace.FileNode)}
		s.sessions[sessionID] = sn
	}
	return sn
}

func cloneNode(n workspace.FileNode) workspace.FileNode {
	out := n
	if n.Metadata != nil {
		out.Metadata = make(map[string]any, len(n.Metadata))
		for k, v := range n.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}
