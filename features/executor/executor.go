// Package executor holds the pieces shared by the model-backed executor
// adapters: the file-mutation tool contract the model is offered, the schema
// its declared payload is validated against, and the prompt assembly.
package executor

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"goa.design/console/dispatch"
	"goa.design/console/workspace"
)

// MutationToolName is the name of the tool the model invokes to declare
// workspace file changes.
const MutationToolName = "declare_file_mutations"

// MutationToolDescription documents the tool for the model.
const MutationToolDescription = "Declare the workspace files created, updated or deleted while " +
	"carrying out the command. Paths are absolute and slash-separated. Parent folders must be " +
	"declared before their children."

// mutationSchemaJSON is the JSON Schema for the tool payload. Declared
// payloads are validated against it before they reach the workspace store.
const mutationSchemaJSON = `{
  "type": "object",
  "additionalProperties": false,
  "properties": {
    "created": {"type": "array", "items": {"$ref": "#/$defs/node"}},
    "updated": {"type": "array", "items": {"$ref": "#/$defs/node"}},
    "deleted": {"type": "array", "items": {"$ref": "#/$defs/path"}}
  },
  "$defs": {
    "node": {
      "type": "object",
      "required": ["path"],
      "additionalProperties": false,
      "properties": {
        "path": {"type": "string", "minLength": 1},
        "type": {"enum": ["file", "folder"]},
        "content": {"type": "string"},
        "storage_ref": {"type": "string"},
        "size": {"type": "integer", "minimum": 0},
        "metadata": {"type": "object"}
      }
    },
    "path": {
      "type": "object",
      "required": ["path"],
      "additionalProperties": false,
      "properties": {
        "path": {"type": "string", "minLength": 1}
      }
    }
  }
}`

var (
	schemaOnce     sync.Once
	mutationSchema *jsonschema.Schema
	schemaErr      error
)

// MutationToolSchema returns the tool input schema as a generic map, in the
// form the provider SDKs expect.
func MutationToolSchema() map[string]any {
	var m map[string]any
	// The schema constant is valid JSON; a decode failure is a programming
	// error surfaced immediately by every test that touches the executors.
	if err := json.Unmarshal([]byte(mutationSchemaJSON), &m); err != nil {
		panic(err)
	}
	return m
}

// DecodeDeclaredMutation validates the model-declared payload against the
// tool schema and decodes it into a normalized mutation batch. A payload the
// model got wrong fails the command rather than corrupting the workspace.
func DecodeDeclaredMutation(raw []byte) (*workspace.Mutation, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	schema, err := compiledSchema()
	if err != nil {
		return nil, err
	}
	inst, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return nil, fmt.Errorf("decode file mutations: %w", err)
	}
	if err := schema.Validate(inst); err != nil {
		return nil, fmt.Errorf("declared mutations rejected by schema: %w", err)
	}
	mut, err := workspace.DecodeMutation(raw)
	if err != nil {
		return nil, err
	}
	if mut.Empty() {
		return nil, nil
	}
	return &mut, nil
}

// BuildPrompt renders the executor request into the user prompt handed to the
// model: the command text followed by the structured input and the session
// context, each as a fenced JSON block when present.
func BuildPrompt(req dispatch.Request) (string, error) {
	if req.Command == "" {
		return "", errors.New("command text is required")
	}
	var b strings.Builder
	b.WriteString(req.Command)
	if len(req.Input) > 0 {
		data, err := json.Marshal(req.Input)
		if err != nil {
			return "", fmt.Errorf("marshal command input: %w", err)
		}
		b.WriteString("\n\nInput:\n```json\n")
		b.Write(data)
		b.WriteString("\n```")
	}
	if len(req.SessionContext) > 0 {
		data, err := json.Marshal(req.SessionContext)
		if err != nil {
			return "", fmt.Errorf("marshal session context: %w", err)
		}
		b.WriteString("\n\nSession context:\n```json\n")
		b.Write(data)
		b.WriteString("\n```")
	}
	return b.String(), nil
}

// SystemPrompt is the instruction block shared by the adapters.
const SystemPrompt = "You are a command execution engine. Carry out the submitted command " +
	"using the session context provided. Reply with the command output as plain text. When the " +
	"command produces, changes or removes workspace files, declare every change with the " +
	MutationToolName + " tool."

func compiledSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(mutationSchemaJSON))
		if err != nil {
			schemaErr = fmt.Errorf("unmarshal mutation schema: %w", err)
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource("mutations.json", doc); err != nil {
			schemaErr = fmt.Errorf("add schema resource: %w", err)
			return
		}
		mutationSchema, schemaErr = c.Compile("mutations.json")
	})
	return mutationSchema, schemaErr
}
