// Package inmem provides an in-memory implementation of command.Ledger.
//
// It is intended for tests and local development. Production deployments
// should use a durable implementation (for example features/command/mongo).
package inmem

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"goa.design/console/command"
)

// Ledger is an in-memory implementation of command.Ledger.
// It is safe for concurrent use.
type Ledger struct {
	mu       sync.RWMutex
	commands map[string]command.Command
	now      func() time.Time
}

// Compile-time check that Ledger implements command.Ledger.
var _ command.Ledger = (*Ledger)(nil)

// New returns an empty Ledger.
func New() *Ledger {
	return &Ledger{
		commands: make(map[string]command.Command),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// RecordSubmission implements command.Ledger.
func (l *Ledger) RecordSubmission(_ context.Context, sessionID, text string, input map[string]any) (command.Command, error) {
	if sessionID == "" {
		return command.Command{}, errors.New("session id is required")
	}
	cmd := command.Command{
		ID:          uuid.NewString(),
		SessionID:   sessionID,
		Text:        text,
		Input:       cloneMap(input),
		Status:      command.StatusPending,
		SubmittedAt: l.now(),
	}
	l.mu.Lock()
	l.commands[cmd.ID] = cmd
	l.mu.Unlock()
	return cloneCommand(cmd), nil
}

// MarkExecuting implements command.Ledger. The pending check and the write
// happen under one lock so concurrent callers cannot both win.
func (l *Ledger) MarkExecuting(_ context.Context, commandID string, at time.Time) (command.Command, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cmd, ok := l.commands[commandID]
	if !ok {
		return command.Command{}, command.ErrNotFound
	}
	if cmd.Status != command.StatusPending {
		return command.Command{}, command.ErrInvalidTransition
	}
	for _, other := range l.commands {
		if other.SessionID == cmd.SessionID && other.Status == command.StatusExecuting {
			return command.Command{}, command.ErrSessionBusy
		}
	}
	started := at.UTC()
	cmd.Status = command.StatusExecuting
	cmd.StartedAt = &started
	l.commands[commandID] = cmd
	return cloneCommand(cmd), nil
}

// MarkTerminal implements command.Ledger.
func (l *Ledger) MarkTerminal(_ context.Context, commandID string, at time.Time, upd command.TerminalUpdate) (command.Command, error) {
	if !upd.Status.Terminal() {
		return command.Command{}, command.ErrInvalidTransition
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	cmd, ok := l.commands[commandID]
	if !ok {
		return command.Command{}, command.ErrNotFound
	}
	if cmd.Status != command.StatusExecuting {
		return command.Command{}, command.ErrInvalidTransition
	}
	finished := at.UTC()
	cmd.Status = upd.Status
	cmd.Output = cloneMap(upd.Output)
	cmd.ToolsUsed = append([]string(nil), upd.ToolsUsed...)
	cmd.ExecutionTimeMs = upd.ExecutionTimeMs
	cmd.Error = upd.Error
	cmd.FinishedAt = &finished
	l.commands[commandID] = cmd
	return cloneCommand(cmd), nil
}

// CancelPending implements command.Ledger.
func (l *Ledger) CancelPending(_ context.Context, commandID string, at time.Time, reason string) (command.Command, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cmd, ok := l.commands[commandID]
	if !ok {
		return command.Command{}, command.ErrNotFound
	}
	if cmd.Status != command.StatusPending {
		return command.Command{}, command.ErrInvalidTransition
	}
	finished := at.UTC()
	cmd.Status = command.StatusFailed
	cmd.Error = reason
	cmd.FinishedAt = &finished
	l.commands[commandID] = cmd
	return cloneCommand(cmd), nil
}

// Load implements command.Ledger.
func (l *Ledger) Load(_ context.Context, commandID string) (command.Command, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	cmd, ok := l.commands[commandID]
	if !ok {
		return command.Command{}, command.ErrNotFound
	}
	return cloneCommand(cmd), nil
}

// History implements command.Ledger. Commands are ordered newest first;
// submission time ties are broken by id so pagination stays stable.
func (l *Ledger) History(_ context.Context, sessionID string, limit, offset int) ([]command.Command, error) {
	l.mu.RLock()
	matched := make([]command.Command, 0)
	for _, cmd := range l.commands {
		if cmd.SessionID == sessionID {
			matched = append(matched, cloneCommand(cmd))
		}
	}
	l.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].SubmittedAt.Equal(matched[j].SubmittedAt) {
			return matched[i].SubmittedAt.After(matched[j].SubmittedAt)
		}
		return matched[i].ID > matched[j].ID
	})
	if offset >= len(matched) {
		return nil, nil
	}
	matched = matched[offset:]
	if limit > 0 && limit < len(matched) {
		matched = matched[:limit]
	}
	return matched, nil
}

// DeleteBySession implements command.Ledger.
func (l *Ledger) DeleteBySession(_ context.Context, sessionID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for id, cmd := range l.commands {
		if cmd.SessionID == sessionID {
			delete(l.commands, id)
		}
	}
	return nil
}

func cloneCommand(cmd command.Command) command.Command {
	out := cmd
	out.Input = cloneMap(cmd.Input)
	out.Output = cloneMap(cmd.Output)
	out.ToolsUsed = append([]string(nil), cmd.ToolsUsed...)
	if cmd.StartedAt != nil {
		at := *cmd.StartedAt
		out.StartedAt = &at
	}
	if cmd.FinishedAt != nil {
		at := *cmd.FinishedAt
		out.FinishedAt = &at
	}
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
