package executor

import (
	"testing"

	"github.com/stretchr/testify/require"

	"goa.design/console/dispatch"
)

func TestMutationToolSchemaIsWellFormed(t *testing.T) {
	schema := MutationToolSchema()
	require.Equal(t, "object", schema["type"])
	require.Contains(t, schema, "properties")
}

func TestDecodeDeclaredMutationAcceptsValidPayload(t *testing.T) {
	mut, err := DecodeDeclaredMutation([]byte(`{
		"created": [
			{"path": "/src", "type": "folder"},
			{"path": "/src/main.go", "content": "package main", "size": 12}
		],
		"deleted": [{"path": "/old.txt"}]
	}`))
	require.NoError(t, err)
	require.NotNil(t, mut)
	require.Len(t, mut.Created, 2)
	require.Equal(t, "/src", mut.Created[0].Path)
	require.Equal(t, "/old.txt", mut.Deleted[0].Path)
}

func TestDecodeDeclaredMutationRejectsSchemaViolations(t *testing.T) {
	cases := []string{
		`{"created": [{"content": "missing path"}]}`,
		`{"created": [{"path": "/x", "type": "symlink"}]}`,
		`{"created": [{"path": "/x", "size": -1}]}`,
		`{"unknown_field": true}`,
	}
	for _, raw := range cases {
		_, err := DecodeDeclaredMutation([]byte(raw))
		require.Error(t, err, "payload %s", raw)
	}
}

func TestDecodeDeclaredMutationEmpty(t *testing.T) {
	mut, err := DecodeDeclaredMutation(nil)
	require.NoError(t, err)
	require.Nil(t, mut)

	mut, err = DecodeDeclaredMutation([]byte(`{}`))
	require.NoError(t, err)
	require.Nil(t, mut)
}

func TestBuildPrompt(t *testing.T) {
	prompt, err := BuildPrompt(dispatch.Request{
		Command:        "summarize the logs",
		Input:          map[string]any{"window": "1h"},
		SessionContext: map[string]any{"project": "demo"},
	})
	require.NoError(t, err)
	require.Contains(t, prompt, "summarize the logs")
	require.Contains(t, prompt, `"window":"1h"`)
	require.Contains(t, prompt, `"project":"demo"`)
}

func TestBuildPromptRequiresCommand(t *testing.T) {
	_, err := BuildPrompt(dispatch.Request{})
	require.Error(t, err)
}

func TestBuildPromptBareCommand(t *testing.T) {
	prompt, err := BuildPrompt(dispatch.Request{Command: "ls"})
	require.NoError(t, err)
	require.Equal(t, "ls", prompt)
}
