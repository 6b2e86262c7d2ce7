// Package dispatch orchestrates command execution against the external
// executor.
//
// The dispatcher owns the command lifecycle state machine: it records the
// submission, serializes execution per session, drives ledger transitions,
// applies declared workspace mutations and publishes realtime events. The
// executor itself is an opaque collaborator invoked under a hard timeout and
// cancellable when the owning session is deleted mid-flight.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"goa.design/clue/log"

	"goa.design/console/bus"
	"goa.design/console/command"
	"goa.design/console/session"
	"goa.design/console/workspace"
)

type (
	// Request is the executor invocation contract.
	Request struct {
		// SessionID identifies the session whose context the command runs in.
		SessionID string
		// Command is the raw command text.
		Command string
		// Input carries arbitrary structured input submitted with the command.
		Input map[string]any
		// SessionContext is the owning session's free-form execution context.
		SessionContext map[string]any
	}

	// Result is the executor's structured response.
	Result struct {
		// Output is the primary textual output.
		Output string
		// Structured carries optional structured output merged into the
		// command record alongside the text.
		Structured map[string]any
		// ToolsUsed lists the tool names the executor invoked, in order.
		ToolsUsed []string
		// Mutations optionally declares workspace file changes produced as a
		// side effect of execution.
		Mutations *workspace.Mutation
	}

	// Executor performs the work described by a command. Implementations are
	// black boxes to the dispatcher: it never inspects their internals, only
	// bounds and interprets their responses.
	Executor interface {
		// Execute runs the command and returns its structured result. The
		// context carries the execution deadline and is cancelled when the
		// owning session is deleted; implementations must honor it.
		Execute(ctx context.Context, req Request) (Result, error)
	}

	// Options configures a Dispatcher.
	Options struct {
		// Sessions validates session existence and records activity. Required.
		Sessions *session.Manager
		// Ledger persists commands and their transitions. Required.
		Ledger command.Ledger
		// Files applies declared workspace mutations. Required.
		Files workspace.Store
		// Bus receives the realtime events published during execution. Required.
		Bus *bus.Bus
		// Executor performs the actual work. Required.
		Executor Executor
		// Timeout bounds a single executor call. Defaults to DefaultTimeout.
		Timeout time.Duration
	}

	// Dispatcher drives command execution. Safe for concurrent use across
	// sessions; commands within one session are fully serialized.
	Dispatcher struct {
		sessions *session.Manager
		ledger   command.Ledger
		files    workspace.Store
		bus      *bus.Bus
		executor Executor
		timeout  time.Duration
		tracer   trace.Tracer

		mu    sync.Mutex
		slots map[string]*slot
	}

	// slot is the per-session execution token. Its semaphore has capacity
	// one: holding it is what makes at most one command executing per
	// session. cancel is set for the duration of the executor call so a
	// session delete can abort it; draining marks the session as being
	// deleted, after which no holder may start executing.
	slot struct {
		sem      chan struct{}
		cancel   context.CancelCauseFunc
		draining bool
	}

	// StatusPayload is the status event payload.
	StatusPayload struct {
		CommandID string `json:"command_id"`
		Status    string `json:"status"`
	}

	// OutputPayload is the output event payload.
	OutputPayload struct {
		CommandID string         `json:"command_id"`
		Output    map[string]any `json:"output,omitempty"`
		ToolsUsed []string       `json:"tools_used,omitempty"`
	}

	// ErrorPayload is the error event payload.
	ErrorPayload struct {
		CommandID string `json:"command_id"`
		Error     string `json:"error"`
	}

	// CompletionPayload is the completion event payload. A completion event
	// is always the final event of a command, success or failure.
	CompletionPayload struct {
		CommandID       string `json:"command_id"`
		Status          string `json:"status"`
		ExecutionTimeMs int64  `json:"execution_time_ms"`
	}
)

// DefaultTimeout bounds a single executor call unless overridden.
const DefaultTimeout = 25 * time.Second

// errSessionDeleted is the cancellation cause used when a session is deleted
// while one of its commands is executing.
var errSessionDeleted = errors.New("session deleted")

// New builds a Dispatcher from the provided options.
func New(opts Options) (*Dispatcher, error) {
	if opts.Sessions == nil {
		return nil, errors.New("session manager is required")
	}
	if opts.Ledger == nil {
		return nil, errors.New("command ledger is required")
	}
	if opts.Files == nil {
		return nil, errors.New("workspace store is required")
	}
	if opts.Bus == nil {
		return nil, errors.New("event bus is required")
	}
	if opts.Executor == nil {
		return nil, errors.New("executor is required")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Dispatcher{
		sessions: opts.Sessions,
		ledger:   opts.Ledger,
		files:    opts.Files,
		bus:      opts.Bus,
		executor: opts.Executor,
		timeout:  timeout,
		tracer:   otel.Tracer("goa.design/console/dispatch"),
		slots:    make(map[string]*slot),
	}, nil
}

// Submit runs one command to its terminal state and returns the terminal
// record. When another command of the same session is executing, Submit
// blocks until it finishes (or ctx is done).
//
// Executor failures are not Submit errors: the command is marked failed, the
// error and completion events are published, and the failed record is
// returned with a nil error. Submit errors are reserved for pre-dispatch
// failures — unknown session, cancelled context, unavailable stores. A queued
// command abandoned by its caller is marked failed ("submission cancelled")
// before Submit returns, so the ledger never carries an eternally pending
// entry.
func (d *Dispatcher) Submit(ctx context.Context, sessionID, text string, input map[string]any) (command.Command, error) {
	return d.submit(ctx, sessionID, text, input, true)
}

// TrySubmit is the non-blocking variant of Submit: when another command of
// the session is executing it returns command.ErrSessionBusy immediately,
// before anything is recorded.
func (d *Dispatcher) TrySubmit(ctx context.Context, sessionID, text string, input map[string]any) (command.Command, error) {
	return d.submit(ctx, sessionID, text, input, false)
}

func (d *Dispatcher) submit(ctx context.Context, sessionID, text string, input map[string]any, block bool) (command.Command, error) {
	sess, err := d.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return command.Command{}, err
	}
	d.sessions.Touch(ctx, sessionID)

	sl := d.slot(sessionID)
	if block {
		// Record first so a queued command is visible as pending while it
		// waits for the session's execution slot.
		cmd, err := d.ledger.RecordSubmission(ctx, sessionID, text, input)
		if err != nil {
			return command.Command{}, fmt.Errorf("record submission: %w", err)
		}
		select {
		case sl.sem <- struct{}{}:
		case <-ctx.Done():
			d.abandon(ctx, cmd)
			return command.Command{}, ctx.Err()
		}
		defer d.release(sl)
		return d.execute(ctx, sess, cmd, sl)
	}
	select {
	case sl.sem <- struct{}{}:
	default:
		return command.Command{}, command.ErrSessionBusy
	}
	defer d.release(sl)
	cmd, err := d.ledger.RecordSubmission(ctx, sessionID, text, input)
	if err != nil {
		return command.Command{}, fmt.Errorf("record submission: %w", err)
	}
	return d.execute(ctx, sess, cmd, sl)
}

// abandon settles a queued command whose submitter gave up before the
// execution slot was acquired. The submitter's context is already done, so
// the ledger write and events use a detached context.
func (d *Dispatcher) abandon(ctx context.Context, cmd command.Command) {
	bg := context.WithoutCancel(ctx)
	failed, err := d.ledger.CancelPending(bg, cmd.ID, time.Now().UTC(), "submission cancelled")
	if err != nil {
		log.Errorf(bg, err, "cancel queued command %s", cmd.ID)
		return
	}
	d.bus.Publish(bg, bus.Event{
		Kind:      bus.KindError,
		SessionID: cmd.SessionID,
		Payload:   ErrorPayload{CommandID: failed.ID, Error: failed.Error},
	})
	d.publishCompletion(bg, cmd.SessionID, failed)
}

// CancelSession aborts the session's in-flight executor call, if any, and
// waits until the command has settled into its terminal state. Called by the
// session manager before it cascades a delete.
func (d *Dispatcher) CancelSession(ctx context.Context, sessionID string) {
	d.mu.Lock()
	sl, ok := d.slots[sessionID]
	if ok {
		// Once draining is set no slot holder may start executing; a command
		// already executing is aborted through its cancel hook.
		sl.draining = true
		if sl.cancel != nil {
			sl.cancel(errSessionDeleted)
		}
	}
	d.mu.Unlock()
	if !ok {
		return
	}
	// Acquiring the slot only succeeds once the in-flight command released
	// it, which happens after its terminal ledger write.
	select {
	case sl.sem <- struct{}{}:
		<-sl.sem
	case <-ctx.Done():
	}
	d.mu.Lock()
	delete(d.slots, sessionID)
	d.mu.Unlock()
}

// execute drives one command from executing to terminal while the caller
// holds the session slot.
func (d *Dispatcher) execute(ctx context.Context, sess session.Session, cmd command.Command, sl *slot) (command.Command, error) {
	ctx, span := d.tracer.Start(ctx, "dispatch.submit", trace.WithAttributes(
		attribute.String("session.id", sess.ID),
		attribute.String("command.id", cmd.ID),
	))
	defer span.End()

	// Arm the cancel hook before the first state transition so a session
	// delete arriving at any point from here on aborts the executor call
	// instead of waiting out the execution. Arming fails when the session is
	// already being deleted; the pending record is swept up by the cascade.
	execCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	if !d.arm(sl, cancel) {
		span.SetStatus(codes.Error, "session deleted")
		return command.Command{}, session.ErrNotFound
	}
	defer d.disarm(sl)

	executing, err := d.ledger.MarkExecuting(ctx, cmd.ID, time.Now().UTC())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "mark executing")
		return command.Command{}, err
	}
	d.bus.Publish(ctx, bus.Event{
		Kind:      bus.KindStatus,
		SessionID: sess.ID,
		Payload:   StatusPayload{CommandID: cmd.ID, Status: string(command.StatusExecuting)},
	})

	execCtx, timeoutCancel := context.WithTimeout(execCtx, d.timeout)
	defer timeoutCancel()

	start := time.Now()
	res, execErr := d.executor.Execute(execCtx, Request{
		SessionID:      sess.ID,
		Command:        cmd.Text,
		Input:          cmd.Input,
		SessionContext: sess.Context,
	})
	elapsed := time.Since(start).Milliseconds()

	if execErr != nil {
		return d.fail(ctx, span, sess.ID, executing, elapsed, failureMessage(execCtx, execErr))
	}
	if res.Mutations != nil && !res.Mutations.Empty() {
		// Mutations land before the terminal write so a completion event's
		// subscribers can immediately re-read a consistent tree. A failed
		// tree update fails the command: a client must never observe a
		// completed command whose declared side effects did not land.
		if err := d.files.ApplyMutation(ctx, sess.ID, *res.Mutations); err != nil {
			return d.fail(ctx, span, sess.ID, executing, elapsed, fmt.Sprintf("apply file mutations: %s", err))
		}
	}

	output := map[string]any{"text": res.Output}
	for k, v := range res.Structured {
		output[k] = v
	}
	terminal, err := d.ledger.MarkTerminal(ctx, executing.ID, time.Now().UTC(), command.TerminalUpdate{
		Status:          command.StatusCompleted,
		Output:          output,
		ToolsUsed:       res.ToolsUsed,
		ExecutionTimeMs: elapsed,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "mark terminal")
		return command.Command{}, err
	}
	d.bus.Publish(ctx, bus.Event{
		Kind:      bus.KindOutput,
		SessionID: sess.ID,
		Payload:   OutputPayload{CommandID: terminal.ID, Output: output, ToolsUsed: terminal.ToolsUsed},
	})
	d.publishCompletion(ctx, sess.ID, terminal)
	span.SetStatus(codes.Ok, "")
	log.Printf(ctx, "command %s completed in %dms", terminal.ID, elapsed)
	return terminal, nil
}

// fail marks the command failed and publishes the error and completion
// events. The failed record is returned with a nil error; see Submit.
func (d *Dispatcher) fail(ctx context.Context, span trace.Span, sessionID string, cmd command.Command, elapsed int64, msg string) (command.Command, error) {
	terminal, err := d.ledger.MarkTerminal(ctx, cmd.ID, time.Now().UTC(), command.TerminalUpdate{
		Status:          command.StatusFailed,
		ExecutionTimeMs: elapsed,
		Error:           msg,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "mark terminal")
		return command.Command{}, err
	}
	span.SetStatus(codes.Error, msg)
	d.bus.Publish(ctx, bus.Event{
		Kind:      bus.KindError,
		SessionID: sessionID,
		Payload:   ErrorPayload{CommandID: terminal.ID, Error: msg},
	})
	d.publishCompletion(ctx, sessionID, terminal)
	log.Printf(ctx, "command %s failed after %dms: %s", terminal.ID, elapsed, msg)
	return terminal, nil
}

func (d *Dispatcher) publishCompletion(ctx context.Context, sessionID string, cmd command.Command) {
	d.bus.Publish(ctx, bus.Event{
		Kind:      bus.KindCompletion,
		SessionID: sessionID,
		Payload: CompletionPayload{
			CommandID:       cmd.ID,
			Status:          string(cmd.Status),
			ExecutionTimeMs: cmd.ExecutionTimeMs,
		},
	})
}

// failureMessage interprets an executor failure: session deletion and
// timeout get their canonical messages, anything else surfaces verbatim.
func failureMessage(execCtx context.Context, execErr error) string {
	cause := context.Cause(execCtx)
	switch {
	case errors.Is(cause, errSessionDeleted):
		return "session deleted"
	case errors.Is(cause, context.DeadlineExceeded) || errors.Is(execErr, context.DeadlineExceeded):
		return "execution timeout"
	default:
		return execErr.Error()
	}
}

// slot returns the session's execution slot, creating it on first use.
func (d *Dispatcher) slot(sessionID string) *slot {
	d.mu.Lock()
	defer d.mu.Unlock()
	sl, ok := d.slots[sessionID]
	if !ok {
		sl = &slot{sem: make(chan struct{}, 1)}
		d.slots[sessionID] = sl
	}
	return sl
}

// arm installs the cancel hook for the slot's current holder. It reports
// false when the session is being deleted: the check and the install happen
// under the same lock CancelSession holds, so a delete either sees the hook
// or prevents the command from starting — never neither.
func (d *Dispatcher) arm(sl *slot, cancel context.CancelCauseFunc) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if sl.draining {
		return false
	}
	sl.cancel = cancel
	return true
}

func (d *Dispatcher) disarm(sl *slot) {
	d.mu.Lock()
	sl.cancel = nil
	d.mu.Unlock()
}

func (d *Dispatcher) release(sl *slot) {
	<-sl.sem
}
