// Package pulse relays bus events into goa.design/pulse streams so that
// consumers outside the process — other replicas, background workers,
// dashboards — observe the same realtime feed the in-process subscribers do.
//
// The relay registers as a bus tap: every published event is wrapped in an
// envelope and appended to the Redis stream `session/<session id>`. Deleting
// a session destroys its stream.
package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"goa.design/console/bus"
	"goa.design/console/features/stream/pulse/clients/pulse"
)

type (
	// Options configures the Relay.
	Options struct {
		// Client is the Pulse client used to publish events. Required.
		Client pulse.Client
		// StreamID derives the target Pulse stream from an event. Defaults to
		// `session/<session id>`.
		StreamID func(bus.Event) (string, error)
		// MarshalEnvelope overrides envelope serialization (primarily for
		// tests).
		MarshalEnvelope func(envelope) ([]byte, error)
	}

	// Relay publishes bus events into Pulse streams. It implements
	// bus.Handler and is registered with Bus.SubscribeAll. Safe for
	// concurrent use.
	Relay struct {
		client   pulse.Client
		streamID func(bus.Event) (string, error)
		marshal  func(envelope) ([]byte, error)
	}

	// envelope wraps bus events for transmission over Pulse streams.
	envelope struct {
		// Type identifies the event kind (status, output, error, completion).
		Type string `json:"type"`
		// SessionID links the event to its session.
		SessionID string `json:"session_id"`
		// Timestamp records when the event was published (UTC).
		Timestamp time.Time `json:"timestamp"`
		// Payload contains the event-specific data, if any.
		Payload any `json:"payload,omitempty"`
	}
)

// Compile-time check that Relay implements bus.Handler.
var _ bus.Handler = (*Relay)(nil)

// NewRelay constructs a Pulse-backed event relay. The Client field in opts is
// required; StreamID and MarshalEnvelope default to the built-in
// implementations.
func NewRelay(opts Options) (*Relay, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	r := &Relay{
		client:   opts.Client,
		streamID: defaultStreamID,
		marshal:  defaultMarshal,
	}
	if opts.StreamID != nil {
		r.streamID = opts.StreamID
	}
	if opts.MarshalEnvelope != nil {
		r.marshal = opts.MarshalEnvelope
	}
	return r, nil
}

// HandleEvent implements bus.Handler: it appends the event to the session's
// Pulse stream.
func (r *Relay) HandleEvent(ctx context.Context, event bus.Event) error {
	streamID, err := r.streamID(event)
	if err != nil {
		return err
	}
	handle, err := r.client.Stream(streamID)
	if err != nil {
		return err
	}
	env := envelope{
		Type:      string(event.Kind),
		SessionID: event.SessionID,
		Timestamp: event.Timestamp.UTC(),
		Payload:   event.Payload,
	}
	payload, err := r.marshal(env)
	if err != nil {
		return err
	}
	if _, err := handle.Add(ctx, env.Type, payload); err != nil {
		return err
	}
	return nil
}

// DropSession destroys the session's Pulse stream. Called from the session
// delete cascade so a deleted session leaves no stream behind.
func (r *Relay) DropSession(ctx context.Context, sessionID string) error {
	streamID, err := r.streamID(bus.Event{SessionID: sessionID})
	if err != nil {
		return err
	}
	handle, err := r.client.Stream(streamID)
	if err != nil {
		return err
	}
	return handle.Destroy(ctx)
}

// Close releases resources owned by the relay.
func (r *Relay) Close(ctx context.Context) error {
	return r.client.Close(ctx)
}

// defaultStreamID derives the Pulse stream name from the event's session.
func defaultStreamID(event bus.Event) (string, error) {
	if event.SessionID == "" {
		return "", errors.New("event missing session id")
	}
	return fmt.Sprintf("session/%s", event.SessionID), nil
}

func defaultMarshal(env envelope) ([]byte, error) {
	return json.Marshal(env)
}
