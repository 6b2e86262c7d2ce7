package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"goa.design/clue/log"
)

type (
	// CommandPurger removes every command owned by a session. Implemented by
	// the command ledger; the manager uses it during the delete cascade.
	CommandPurger interface {
		DeleteBySession(ctx context.Context, sessionID string) error
	}

	// WorkspacePurger removes every file node owned by a session.
	WorkspacePurger interface {
		DeleteBySession(ctx context.Context, sessionID string) error
	}

	// SubscriberDropper removes every realtime subscriber of a session.
	SubscriberDropper interface {
		DropSession(sessionID string)
	}

	// ExecutionCanceller cancels a session's in-flight command execution and
	// returns once the command has reached its terminal state. Implemented by
	// the execution dispatcher and wired after construction to break the
	// dependency cycle between manager and dispatcher.
	ExecutionCanceller interface {
		CancelSession(ctx context.Context, sessionID string)
	}

	// Manager owns session lifecycle. Every other component validates
	// session existence through it before acting.
	Manager struct {
		store     Store
		commands  CommandPurger
		files     WorkspacePurger
		dropper   SubscriberDropper
		canceller ExecutionCanceller
		now       func() time.Time
	}

	// ManagerOptions configures a Manager.
	ManagerOptions struct {
		// Store persists session records. Required.
		Store Store
		// Commands is the command ledger used for the delete cascade. Required.
		Commands CommandPurger
		// Files is the workspace store used for the delete cascade. Required.
		Files WorkspacePurger
		// Dropper removes realtime subscribers on delete. Optional.
		Dropper SubscriberDropper
	}
)

// NewManager builds a session manager from the provided options.
func NewManager(opts ManagerOptions) (*Manager, error) {
	if opts.Store == nil {
		return nil, errors.New("session store is required")
	}
	if opts.Commands == nil {
		return nil, errors.New("command purger is required")
	}
	if opts.Files == nil {
		return nil, errors.New("workspace purger is required")
	}
	return &Manager{
		store:    opts.Store,
		commands: opts.Commands,
		files:    opts.Files,
		dropper:  opts.Dropper,
		now:      func() time.Time { return time.Now().UTC() },
	}, nil
}

// SetCanceller wires the execution dispatcher's cancel hook. Called once
// during service assembly, before any traffic.
func (m *Manager) SetCanceller(c ExecutionCanceller) { m.canceller = c }

// CreateSession creates a new active session for the owner.
func (m *Manager) CreateSession(ctx context.Context, ownerID, name string) (Session, error) {
	if ownerID == "" {
		return Session{}, errors.New("owner id is required")
	}
	now := m.now()
	sess := Session{
		ID:           uuid.NewString(),
		Name:         name,
		OwnerID:      ownerID,
		Status:       StatusActive,
		Context:      map[string]any{},
		Workspace:    map[string]any{},
		CreatedAt:    now,
		LastActiveAt: now,
	}
	if err := m.store.Create(ctx, sess); err != nil {
		return Session{}, fmt.Errorf("create session: %w", err)
	}
	log.Printf(ctx, "session %s created for owner %s", sess.ID, ownerID)
	return sess, nil
}

// GetSession returns the session by id.
func (m *Manager) GetSession(ctx context.Context, id string) (Session, error) {
	return m.store.Load(ctx, id)
}

// ListSessions returns the owner's sessions most-recently-active first.
func (m *Manager) ListSessions(ctx context.Context, ownerID string) ([]Session, error) {
	return m.store.ListByOwner(ctx, ownerID)
}

// Touch advances the session's LastActiveAt. It is best-effort: a store
// failure is logged and never propagated, so it cannot fail the caller's
// primary operation.
func (m *Manager) Touch(ctx context.Context, id string) {
	if err := m.store.Touch(ctx, id, m.now()); err != nil {
		log.Errorf(ctx, err, "touch session %s", id)
	}
}

// Rename updates the session's display name.
func (m *Manager) Rename(ctx context.Context, id, name string) (Session, error) {
	sess, err := m.store.Load(ctx, id)
	if err != nil {
		return Session{}, err
	}
	sess.Name = name
	if err := m.store.Update(ctx, sess); err != nil {
		return Session{}, fmt.Errorf("rename session: %w", err)
	}
	return sess, nil
}

// Archive marks the session inactive. Archived sessions keep their commands
// and workspace; they only stop being listed as active work.
func (m *Manager) Archive(ctx context.Context, id string) (Session, error) {
	sess, err := m.store.Load(ctx, id)
	if err != nil {
		return Session{}, err
	}
	sess.Status = StatusInactive
	if err := m.store.Update(ctx, sess); err != nil {
		return Session{}, fmt.Errorf("archive session: %w", err)
	}
	return sess, nil
}

// DeleteSession removes the session and cascades to its commands and file
// nodes. The sequence is: drop realtime subscribers (so nothing from the
// dying session reaches them), cancel any in-flight execution and wait for
// it to settle, purge children, then remove the session record last. Keeping
// the session record until the children are gone means a failed cascade
// leaves the session visible and the delete retryable; readers never observe
// a deleted session with surviving children.
func (m *Manager) DeleteSession(ctx context.Context, id string) error {
	if _, err := m.store.Load(ctx, id); err != nil {
		return err
	}
	if m.dropper != nil {
		m.dropper.DropSession(id)
	}
	if m.canceller != nil {
		m.canceller.CancelSession(ctx, id)
	}
	if err := m.commands.DeleteBySession(ctx, id); err != nil {
		return fmt.Errorf("delete session commands: %w", err)
	}
	if err := m.files.DeleteBySession(ctx, id); err != nil {
		return fmt.Errorf("delete session files: %w", err)
	}
	if err := m.store.Delete(ctx, id); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	log.Printf(ctx, "session %s deleted", id)
	return nil
}
