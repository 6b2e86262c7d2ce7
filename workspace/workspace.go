// Package workspace maintains the per-session file tree derived from command
// execution side effects.
//
// File nodes are stored flat, addressed by path, and the navigable tree is a
// pure view rebuilt on demand from the flat set. Executors declare batches of
// created/updated/deleted nodes; the store applies each batch atomically and
// rejects batches that would leave a node without its parent.
package workspace

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"
)

type (
	// FileNode is one path-addressed entry in a session's workspace. Folder
	// nodes never carry content; their children are derived from path prefixes
	// when the tree view is built.
	FileNode struct {
		// ID is the opaque unique identifier of the node. Stores assign one
		// when a created node arrives without it.
		ID string `json:"id"`
		// SessionID identifies the owning session.
		SessionID string `json:"session_id"`
		// Path is the absolute, slash-separated path of the node. Unique
		// within a session.
		Path string `json:"path"`
		// Name is the last path element.
		Name string `json:"name"`
		// Type distinguishes files from folders.
		Type NodeType `json:"type"`
		// Content holds the file body. Empty for folders.
		Content string `json:"content,omitempty"`
		// StorageRef optionally points at externally stored content.
		StorageRef string `json:"storage_ref,omitempty"`
		// Size is the node size in bytes.
		Size int64 `json:"size"`
		// Metadata carries free-form node metadata.
		Metadata map[string]any `json:"metadata,omitempty"`
		// CreatedAt records when the node first appeared.
		CreatedAt time.Time `json:"created_at"`
		// UpdatedAt records the last mutation that touched the node.
		UpdatedAt time.Time `json:"updated_at"`
	}

	// Mutation is one batch of declared file changes produced by a single
	// command execution. The batch is applied atomically: either every entry
	// lands or none do.
	Mutation struct {
		// Created lists nodes to insert. Parents must exist in the store or
		// earlier in the batch.
		Created []FileNode `json:"created,omitempty"`
		// Updated lists nodes to overwrite. An update of a missing path
		// behaves as a create so reconciliation against a partially completed
		// executor stays idempotent.
		Updated []FileNode `json:"updated,omitempty"`
		// Deleted lists paths to remove. Deleting a folder removes its
		// descendants; deleting a missing path is a no-op.
		Deleted []FileNode `json:"deleted,omitempty"`
	}

	// Store persists the flat file node set for each session.
	//
	// Implementations must be safe for concurrent use; operations on one
	// session must not block another session's.
	Store interface {
		// ApplyMutation applies the batch for the session. It returns
		// ErrOrphanPath when a created or updated node references a parent
		// path that exists neither in the store nor earlier in the batch.
		// No partial application is visible to readers.
		ApplyMutation(ctx context.Context, sessionID string, mut Mutation) error
		// GetNode returns the node at the given path.
		// Returns ErrNotFound when the path does not exist.
		GetNode(ctx context.Context, sessionID, nodePath string) (FileNode, error)
		// GetTree returns the session's nodes assembled into a root-ordered
		// forest. Siblings are ordered by ascending path.
		GetTree(ctx context.Context, sessionID string) ([]*TreeNode, error)
		// DeleteBySession removes every node owned by the session.
		DeleteBySession(ctx context.Context, sessionID string) error
	}

	// NodeType distinguishes file nodes from folder nodes.
	NodeType string
)

const (
	// TypeFile marks a regular file node.
	TypeFile NodeType = "file"
	// TypeFolder marks a folder node.
	TypeFolder NodeType = "folder"
)

var (
	// ErrNotFound indicates the requested path does not exist in the session.
	ErrNotFound = errors.New("file node not found")
	// ErrOrphanPath indicates a mutation referenced a parent path that does
	// not exist. The whole batch is rejected.
	ErrOrphanPath = errors.New("orphan path")
)

// ParentPath returns the parent of a normalized node path, or "/" for
// top-level nodes.
func ParentPath(nodePath string) string {
	return path.Dir(nodePath)
}

// NormalizePath cleans a declared node path: it must be non-empty, absolute
// once cleaned, and is stripped of trailing slashes.
func NormalizePath(nodePath string) (string, error) {
	if nodePath == "" {
		return "", errors.New("node path is required")
	}
	if !strings.HasPrefix(nodePath, "/") {
		nodePath = "/" + nodePath
	}
	cleaned := path.Clean(nodePath)
	if cleaned == "/" {
		return "", errors.New("node path must not be the root")
	}
	return cleaned, nil
}

// ValidateNode checks the declared node fields and fills the derived ones
// (normalized path, name). It is used by stores before applying a batch.
func ValidateNode(node *FileNode) error {
	cleaned, err := NormalizePath(node.Path)
	if err != nil {
		return err
	}
	node.Path = cleaned
	node.Name = path.Base(cleaned)
	switch node.Type {
	case TypeFile:
	case TypeFolder:
		if node.Content != "" {
			return fmt.Errorf("folder %q must not carry content", node.Path)
		}
	case "":
		node.Type = TypeFile
	default:
		return fmt.Errorf("unknown node type %q", node.Type)
	}
	return nil
}

// DecodeMutation parses a declared mutation batch from its canonical JSON
// form and normalizes every node in it. Executor adapters use this to turn a
// model-declared payload into a batch the store accepts.
func DecodeMutation(raw []byte) (Mutation, error) {
	var mut Mutation
	if err := json.Unmarshal(raw, &mut); err != nil {
		return Mutation{}, fmt.Errorf("decode file mutations: %w", err)
	}
	for i := range mut.Created {
		if err := ValidateNode(&mut.Created[i]); err != nil {
			return Mutation{}, fmt.Errorf("created[%d]: %w", i, err)
		}
	}
	for i := range mut.Updated {
		if err := ValidateNode(&mut.Updated[i]); err != nil {
			return Mutation{}, fmt.Errorf("updated[%d]: %w", i, err)
		}
	}
	for i := range mut.Deleted {
		cleaned, err := NormalizePath(mut.Deleted[i].Path)
		if err != nil {
			return Mutation{}, fmt.Errorf("deleted[%d]: %w", i, err)
		}
		mut.Deleted[i].Path = cleaned
	}
	return mut, nil
}

// Empty reports whether the batch declares no changes.
func (m Mutation) Empty() bool {
	return len(m.Created) == 0 && len(m.Updated) == 0 && len(m.Deleted) == 0
}
