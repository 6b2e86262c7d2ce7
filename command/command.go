// Package command defines the durable command ledger.
//
// A Command is one submitted unit of work within a session. Its lifecycle is
// fixed: pending → executing → completed|failed. Transitions are one-way and
// compare-and-swap guarded so concurrent callers can never resurrect a
// terminal command or run two commands of the same session at once. Commands
// are never deleted individually; the ledger is an auditable history that
// only goes away with its session.
package command

import (
	"context"
	"errors"
	"time"
)

type (
	// Command captures one submitted command and its execution record.
	Command struct {
		// ID is the opaque unique identifier of the command.
		ID string `json:"id"`
		// SessionID identifies the owning session.
		SessionID string `json:"session_id"`
		// Text is the raw command text as submitted.
		Text string `json:"text"`
		// Input carries arbitrary structured input submitted with the command.
		Input map[string]any `json:"input,omitempty"`
		// Output carries the structured output produced by the executor.
		Output map[string]any `json:"output,omitempty"`
		// Status is the current lifecycle state.
		Status Status `json:"status"`
		// ToolsUsed lists the tool names the executor invoked, in order.
		ToolsUsed []string `json:"tools_used,omitempty"`
		// ExecutionTimeMs is the wall-clock execution time in milliseconds.
		ExecutionTimeMs int64 `json:"execution_time_ms"`
		// Error holds the failure message when Status is failed.
		Error string `json:"error,omitempty"`
		// SubmittedAt records when the command entered the ledger.
		SubmittedAt time.Time `json:"submitted_at"`
		// StartedAt is set when the command transitions to executing.
		StartedAt *time.Time `json:"started_at,omitempty"`
		// FinishedAt is set when the command reaches a terminal state.
		FinishedAt *time.Time `json:"finished_at,omitempty"`
	}

	// TerminalUpdate carries the fields written when a command reaches a
	// terminal state.
	TerminalUpdate struct {
		// Status must be StatusCompleted or StatusFailed.
		Status Status
		// Output is the structured executor output, if any.
		Output map[string]any
		// ToolsUsed lists the tools the executor reported invoking.
		ToolsUsed []string
		// ExecutionTimeMs is the measured execution duration.
		ExecutionTimeMs int64
		// Error is the failure message. Empty on success.
		Error string
	}

	// Ledger persists commands and guards their state transitions.
	//
	// Transition methods are compare-and-swap style: they check the current
	// state and write atomically, so lost updates cannot occur under
	// concurrent access.
	Ledger interface {
		// RecordSubmission appends a new command in state pending.
		RecordSubmission(ctx context.Context, sessionID, text string, input map[string]any) (Command, error)
		// MarkExecuting transitions the command from pending to executing.
		// Returns ErrInvalidTransition when the command is not pending and
		// ErrSessionBusy when another command of the same session is already
		// executing.
		MarkExecuting(ctx context.Context, commandID string, at time.Time) (Command, error)
		// MarkTerminal transitions the command from executing to the terminal
		// state carried by upd. Returns ErrInvalidTransition when the command
		// is not executing.
		MarkTerminal(ctx context.Context, commandID string, at time.Time, upd TerminalUpdate) (Command, error)
		// CancelPending transitions the command from pending straight to
		// failed with the given reason. Used when a queued submission is
		// abandoned before it ever reaches the executor. Returns
		// ErrInvalidTransition when the command is not pending.
		CancelPending(ctx context.Context, commandID string, at time.Time, reason string) (Command, error)
		// Load returns the command by id. Returns ErrNotFound when missing.
		Load(ctx context.Context, commandID string) (Command, error)
		// History lists the session's commands newest first.
		History(ctx context.Context, sessionID string, limit, offset int) ([]Command, error)
		// DeleteBySession removes every command owned by the session. Only
		// the session cascade may delete commands.
		DeleteBySession(ctx context.Context, sessionID string) error
	}

	// Status is the lifecycle state of a command.
	Status string
)

const (
	// StatusPending indicates the command is recorded but not yet dispatched.
	StatusPending Status = "pending"
	// StatusExecuting indicates the command is running on the executor.
	StatusExecuting Status = "executing"
	// StatusCompleted indicates the command finished successfully.
	StatusCompleted Status = "completed"
	// StatusFailed indicates the command failed permanently.
	StatusFailed Status = "failed"
)

var (
	// ErrNotFound indicates the command does not exist in the ledger.
	ErrNotFound = errors.New("command not found")
	// ErrInvalidTransition indicates a state-machine violating transition was
	// attempted. It is a contract error and is never silently corrected.
	ErrInvalidTransition = errors.New("invalid command transition")
	// ErrSessionBusy indicates another command of the session is executing.
	ErrSessionBusy = errors.New("session busy")
)

// Terminal reports whether the status is one of the terminal states.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}
