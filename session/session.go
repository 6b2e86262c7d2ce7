// Package session defines session lifecycle primitives and the manager that
// owns them.
//
// A Session is the addressable execution context everything else hangs off:
// commands, workspace file nodes and realtime subscriptions all belong to
// exactly one session. Sessions are created explicitly, touched on every
// command submission, and deleted explicitly — deletion cascades so no
// orphaned commands or file nodes survive.
package session

import (
	"context"
	"errors"
	"time"
)

type (
	// Session captures one addressable execution context.
	Session struct {
		// ID is the opaque unique identifier of the session.
		ID string `json:"id"`
		// Name is the display name.
		Name string `json:"name"`
		// OwnerID identifies the owning user.
		OwnerID string `json:"owner_id"`
		// Status is the current lifecycle state.
		Status Status `json:"status"`
		// Context carries free-form execution context handed to the executor
		// with every command.
		Context map[string]any `json:"context,omitempty"`
		// Workspace carries free-form workspace metadata.
		Workspace map[string]any `json:"workspace,omitempty"`
		// CreatedAt records when the session was created.
		CreatedAt time.Time `json:"created_at"`
		// LastActiveAt records the most recent command submission or explicit
		// touch. It is monotonically non-decreasing.
		LastActiveAt time.Time `json:"last_active_at"`
	}

	// Store persists session records.
	//
	// Implementations must be durable-backed in production: failures surface
	// to callers so operations fail fast when session state is unavailable.
	Store interface {
		// Create inserts a new session record.
		Create(ctx context.Context, sess Session) error
		// Load returns the session by id. Returns ErrNotFound when missing.
		Load(ctx context.Context, id string) (Session, error)
		// ListByOwner returns the owner's sessions most-recently-active first.
		ListByOwner(ctx context.Context, ownerID string) ([]Session, error)
		// Update replaces the stored session record.
		// Returns ErrNotFound when missing.
		Update(ctx context.Context, sess Session) error
		// Touch advances LastActiveAt to at when at is later than the stored
		// value. Returns ErrNotFound when missing.
		Touch(ctx context.Context, id string, at time.Time) error
		// Delete removes the session record.
		// Returns ErrNotFound when missing.
		Delete(ctx context.Context, id string) error
	}

	// Status is the lifecycle state of a session.
	Status string
)

const (
	// StatusActive indicates the session accepts new commands.
	StatusActive Status = "active"
	// StatusInactive indicates the session has been archived.
	StatusInactive Status = "inactive"
)

// ErrNotFound indicates the session does not exist.
var ErrNotFound = errors.New("session not found")
