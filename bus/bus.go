// Package bus provides the in-memory realtime event bus.
//
// Events are ephemeral envelopes scoped by session: publishing delivers
// synchronously, in registration order, to exactly the handlers currently
// subscribed to the event's session. There is no persistence and no replay; a
// subscriber that attaches after an event was published never sees it.
package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"goa.design/clue/log"
)

type (
	// Event is the ephemeral realtime envelope delivered to subscribers.
	Event struct {
		// Kind categorizes the event.
		Kind Kind `json:"kind"`
		// SessionID scopes delivery to one session's subscribers.
		SessionID string `json:"session_id"`
		// Payload carries the event-specific, JSON-serializable data.
		Payload any `json:"payload,omitempty"`
		// Timestamp records when the event was published (UTC).
		Timestamp time.Time `json:"timestamp"`
	}

	// Handler receives events for the session it subscribed to.
	//
	// Handlers run synchronously in the publisher's goroutine. A handler
	// error (or panic) is isolated: it is logged and delivery continues with
	// the remaining handlers.
	Handler interface {
		// HandleEvent processes one event. The context originates from the
		// Publish call.
		HandleEvent(ctx context.Context, event Event) error
	}

	// HandlerFunc adapts a function to the Handler interface.
	HandlerFunc func(ctx context.Context, event Event) error

	// Subscription represents an active registration. Close removes the
	// handler; after Close returns no further delivery happens, because
	// removal runs under the same lock the publish path holds while
	// iterating. Close is idempotent.
	Subscription interface {
		Close() error
	}

	// Bus fans events out to the subscribers of each session. The subscriber
	// registry is sharded: each session has its own registry and lock, and
	// taps have theirs, so delivery to one session — even to a slow handler —
	// never blocks publishing to another. Cross-session contention is limited
	// to the brief map lookup and the shared tap registry.
	Bus struct {
		mu       sync.Mutex // guards the registry map only
		sessions map[string]*registry

		tapMu sync.Mutex
		taps  []*subscription
	}

	// registry holds one session's subscribers. Its lock is held for the
	// whole delivery to the session, which is what makes Close a barrier.
	registry struct {
		mu   sync.Mutex
		subs []*subscription
	}

	// subscription is one registered handler on the bus. A tap subscription
	// has a nil registry and receives every session's events.
	subscription struct {
		bus     *Bus
		reg     *registry
		id      string
		handler Handler
		once    sync.Once
	}
)

// Kind enumerates the realtime event categories.
type Kind string

const (
	// KindStatus signals a command lifecycle transition.
	KindStatus Kind = "status"
	// KindOutput carries executor output for a completed command.
	KindOutput Kind = "output"
	// KindError carries the failure message of a failed command.
	KindError Kind = "error"
	// KindCompletion signals that a command reached a terminal state. It is
	// always the last event of a command, success or failure.
	KindCompletion Kind = "completion"
)

// HandleEvent implements Handler.
func (f HandlerFunc) HandleEvent(ctx context.Context, event Event) error {
	return f(ctx, event)
}

// New returns an empty Bus ready for use.
func New() *Bus {
	return &Bus{sessions: make(map[string]*registry)}
}

// Subscribe registers handler for the session's events and returns the
// subscription used to unregister. Subscribe returns an error if handler is
// nil or sessionID is empty.
func (b *Bus) Subscribe(sessionID string, handler Handler) (Subscription, error) {
	if sessionID == "" {
		return nil, errors.New("session id is required")
	}
	if handler == nil {
		return nil, errors.New("handler is required")
	}
	b.mu.Lock()
	r, ok := b.sessions[sessionID]
	if !ok {
		r = &registry{}
		b.sessions[sessionID] = r
	}
	b.mu.Unlock()
	s := &subscription{bus: b, reg: r, id: sessionID, handler: handler}
	r.mu.Lock()
	r.subs = append(r.subs, s)
	r.mu.Unlock()
	return s, nil
}

// SubscribeAll registers handler as a tap: it receives every event of every
// session. Taps outlive the sessions they observe; DropSession does not remove
// them. Used to relay events to external transports.
func (b *Bus) SubscribeAll(handler Handler) (Subscription, error) {
	if handler == nil {
		return nil, errors.New("handler is required")
	}
	s := &subscription{bus: b, handler: handler}
	b.tapMu.Lock()
	b.taps = append(b.taps, s)
	b.tapMu.Unlock()
	return s, nil
}

// Publish delivers the event to the current subscribers of its session, in
// registration order, then to the taps. Delivery holds the session's registry
// lock, which is what makes Close a hard delivery barrier: once Close returns,
// the handler cannot be mid-delivery. Handler errors and panics are logged and
// do not stop delivery to later handlers.
func (b *Bus) Publish(ctx context.Context, event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	b.mu.Lock()
	r := b.sessions[event.SessionID]
	b.mu.Unlock()
	if r != nil {
		r.mu.Lock()
		for _, s := range r.subs {
			deliver(ctx, s.handler, event)
		}
		r.mu.Unlock()
	}
	b.tapMu.Lock()
	for _, s := range b.taps {
		deliver(ctx, s.handler, event)
	}
	b.tapMu.Unlock()
}

// DropSession removes every subscriber of the session. Used by session
// deletion so subscribers of a deleted session receive nothing further; like
// Close, it does not return while a delivery to the session is in flight.
func (b *Bus) DropSession(sessionID string) {
	b.mu.Lock()
	r := b.sessions[sessionID]
	delete(b.sessions, sessionID)
	b.mu.Unlock()
	if r != nil {
		r.mu.Lock()
		r.subs = nil
		r.mu.Unlock()
	}
}

// deliver invokes one handler, isolating errors and panics.
func deliver(ctx context.Context, h Handler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf(ctx, fmt.Errorf("panic: %v", r), "event handler panic")
		}
	}()
	if err := h.HandleEvent(ctx, event); err != nil {
		log.Errorf(ctx, err, "event handler failed")
	}
}

// Close implements Subscription.
func (s *subscription) Close() error {
	s.once.Do(func() {
		if s.reg == nil {
			s.bus.tapMu.Lock()
			defer s.bus.tapMu.Unlock()
			for i, cur := range s.bus.taps {
				if cur == s {
					s.bus.taps = append(s.bus.taps[:i:i], s.bus.taps[i+1:]...)
					break
				}
			}
			return
		}
		// Map lock before registry lock; Publish never holds both at once.
		s.bus.mu.Lock()
		s.reg.mu.Lock()
		for i, cur := range s.reg.subs {
			if cur == s {
				s.reg.subs = append(s.reg.subs[:i:i], s.reg.subs[i+1:]...)
				break
			}
		}
		if len(s.reg.subs) == 0 && s.bus.sessions[s.id] == s.reg {
			delete(s.bus.sessions, s.id)
		}
		s.reg.mu.Unlock()
		s.bus.mu.Unlock()
	})
	return nil
}
