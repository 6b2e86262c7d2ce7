package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/stretchr/testify/require"

	"goa.design/console/dispatch"
	"goa.design/console/features/executor"
)

type stubMessages struct {
	resp   *sdk.Message
	err    error
	params sdk.MessageNewParams
}

func (s *stubMessages) New(_ context.Context, body sdk.MessageNewParams, _ ...option.RequestOption) (*sdk.Message, error) {
	s.params = body
	return s.resp, s.err
}

func newExecutor(t *testing.T, stub *stubMessages) *Executor {
	t.Helper()
	exec, err := New(Options{Messages: stub, Model: "claude-sonnet-4-5"})
	require.NoError(t, err)
	return exec
}

func TestNewValidatesOptions(t *testing.T) {
	_, err := New(Options{})
	require.EqualError(t, err, "anthropic messages client is required")
	_, err = New(Options{Messages: &stubMessages{}})
	require.EqualError(t, err, "model identifier is required")
}

func TestExecuteBuildsRequest(t *testing.T) {
	stub := &stubMessages{resp: &sdk.Message{
		Content: []sdk.ContentBlockUnion{{Type: "text", Text: "done"}},
	}}
	exec := newExecutor(t, stub)

	res, err := exec.Execute(context.Background(), dispatch.Request{
		SessionID:      "sess-1",
		Command:        "analyze",
		SessionContext: map[string]any{"project": "demo"},
	})
	require.NoError(t, err)
	require.Equal(t, "done", res.Output)

	require.Equal(t, sdk.Model("claude-sonnet-4-5"), stub.params.Model)
	require.Equal(t, int64(DefaultMaxTokens), stub.params.MaxTokens)
	require.Len(t, stub.params.Messages, 1)
	require.Len(t, stub.params.Tools, 1)
	require.NotNil(t, stub.params.Tools[0].OfTool)
	require.Equal(t, executor.MutationToolName, stub.params.Tools[0].OfTool.Name)
}

func TestExecuteCollectsTextBlocks(t *testing.T) {
	stub := &stubMessages{resp: &sdk.Message{
		Content: []sdk.ContentBlockUnion{
			{Type: "text", Text: "part one"},
			{Type: "text", Text: "part two"},
		},
	}}
	exec := newExecutor(t, stub)

	res, err := exec.Execute(context.Background(), dispatch.Request{Command: "go"})
	require.NoError(t, err)
	require.Equal(t, "part one\npart two", res.Output)
	require.Empty(t, res.ToolsUsed)
	require.Nil(t, res.Mutations)
}

func TestExecuteDecodesDeclaredMutations(t *testing.T) {
	stub := &stubMessages{resp: &sdk.Message{
		Content: []sdk.ContentBlockUnion{
			{Type: "text", Text: "wrote the file"},
			{
				Type:  "tool_use",
				ID:    "tool-1",
				Name:  executor.MutationToolName,
				Input: json.RawMessage(`{"created": [{"path": "/out.txt", "content": "hi"}]}`),
			},
		},
	}}
	exec := newExecutor(t, stub)

	res, err := exec.Execute(context.Background(), dispatch.Request{Command: "write"})
	require.NoError(t, err)
	require.Equal(t, []string{executor.MutationToolName}, res.ToolsUsed)
	require.NotNil(t, res.Mutations)
	require.Len(t, res.Mutations.Created, 1)
	require.Equal(t, "/out.txt", res.Mutations.Created[0].Path)
}

func TestExecuteRejectsInvalidMutationPayload(t *testing.T) {
	stub := &stubMessages{resp: &sdk.Message{
		Content: []sdk.ContentBlockUnion{{
			Type:  "tool_use",
			Name:  executor.MutationToolName,
			Input: json.RawMessage(`{"created": [{"content": "no path"}]}`),
		}},
	}}
	exec := newExecutor(t, stub)

	_, err := exec.Execute(context.Background(), dispatch.Request{Command: "write"})
	require.Error(t, err)
}

func TestExecuteIgnoresUnknownTool(t *testing.T) {
	stub := &stubMessages{resp: &sdk.Message{
		Content: []sdk.ContentBlockUnion{{
			Type:  "tool_use",
			Name:  "made_up_tool",
			Input: json.RawMessage(`{}`),
		}},
	}}
	exec := newExecutor(t, stub)

	res, err := exec.Execute(context.Background(), dispatch.Request{Command: "go"})
	require.NoError(t, err)
	require.Equal(t, []string{"made_up_tool"}, res.ToolsUsed)
	require.Nil(t, res.Mutations)
}

func TestExecutePropagatesAPIError(t *testing.T) {
	stub := &stubMessages{err: errors.New("overloaded")}
	exec := newExecutor(t, stub)

	_, err := exec.Execute(context.Background(), dispatch.Request{Command: "go"})
	require.ErrorContains(t, err, "overloaded")
}
