package pulse

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	streamopts "goa.design/pulse/streaming/options"

	"goa.design/console/bus"
	pulseclient "goa.design/console/features/stream/pulse/clients/pulse"
)

type (
	fakeClient struct {
		streams map[string]*fakeStream
	}

	fakeStream struct {
		added     [][]byte
		events    []string
		destroyed bool
	}
)

func newFakeClient() *fakeClient {
	return &fakeClient{streams: make(map[string]*fakeStream)}
}

func (c *fakeClient) Stream(name string, _ ...streamopts.Stream) (pulseclient.Stream, error) {
	s, ok := c.streams[name]
	if !ok {
		s = &fakeStream{}
		c.streams[name] = s
	}
	return s, nil
}

func (c *fakeClient) Close(context.Context) error { return nil }

func (s *fakeStream) Add(_ context.Context, event string, payload []byte) (string, error) {
	s.events = append(s.events, event)
	s.added = append(s.added, payload)
	return "1-0", nil
}

func (s *fakeStream) Destroy(context.Context) error {
	s.destroyed = true
	return nil
}

func TestNewRelayRequiresClient(t *testing.T) {
	_, err := NewRelay(Options{})
	require.EqualError(t, err, "pulse client is required")
}

func TestHandleEventPublishesEnvelope(t *testing.T) {
	client := newFakeClient()
	relay, err := NewRelay(Options{Client: client})
	require.NoError(t, err)

	now := time.Now().UTC()
	err = relay.HandleEvent(context.Background(), bus.Event{
		Kind:      bus.KindOutput,
		SessionID: "sess-1",
		Payload:   map[string]any{"command_id": "cmd-1"},
		Timestamp: now,
	})
	require.NoError(t, err)

	stream, ok := client.streams["session/sess-1"]
	require.True(t, ok)
	require.Equal(t, []string{"output"}, stream.events)

	var env envelope
	require.NoError(t, json.Unmarshal(stream.added[0], &env))
	require.Equal(t, "output", env.Type)
	require.Equal(t, "sess-1", env.SessionID)
	require.Equal(t, now, env.Timestamp)
}

func TestHandleEventRequiresSessionID(t *testing.T) {
	relay, err := NewRelay(Options{Client: newFakeClient()})
	require.NoError(t, err)
	require.Error(t, relay.HandleEvent(context.Background(), bus.Event{Kind: bus.KindStatus}))
}

func TestRelayAsBusTap(t *testing.T) {
	client := newFakeClient()
	relay, err := NewRelay(Options{Client: client})
	require.NoError(t, err)

	b := bus.New()
	_, err = b.SubscribeAll(relay)
	require.NoError(t, err)

	ctx := context.Background()
	b.Publish(ctx, bus.Event{Kind: bus.KindStatus, SessionID: "sess-1"})
	b.Publish(ctx, bus.Event{Kind: bus.KindCompletion, SessionID: "sess-2"})

	require.Len(t, client.streams["session/sess-1"].events, 1)
	require.Len(t, client.streams["session/sess-2"].events, 1)
}

func TestDropSessionDestroysStream(t *testing.T) {
	client := newFakeClient()
	relay, err := NewRelay(Options{Client: client})
	require.NoError(t, err)

	require.NoError(t, relay.HandleEvent(context.Background(), bus.Event{
		Kind:      bus.KindStatus,
		SessionID: "sess-1",
	}))
	require.NoError(t, relay.DropSession(context.Background(), "sess-1"))
	require.True(t, client.streams["session/sess-1"].destroyed)
}

func TestCustomStreamID(t *testing.T) {
	client := newFakeClient()
	relay, err := NewRelay(Options{
		Client: client,
		StreamID: func(e bus.Event) (string, error) {
			return "custom/" + e.SessionID, nil
		},
	})
	require.NoError(t, err)
	require.NoError(t, relay.HandleEvent(context.Background(), bus.Event{
		Kind:      bus.KindStatus,
		SessionID: "sess-1",
	}))
	_, ok := client.streams["custom/sess-1"]
	require.True(t, ok)
}
