// Package anthropic provides a dispatch.Executor backed by the Anthropic
// Claude Messages API. It renders the command into a Messages.New call using
// github.com/anthropics/anthropic-sdk-go, offers the file-mutation tool, and
// maps the response (text, tool use) back into the dispatcher's result
// structure.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"goa.design/console/dispatch"
	"goa.design/console/features/executor"
	"goa.design/console/workspace"
)

type (
	// MessagesClient captures the subset of the Anthropic SDK client used by
	// the adapter. It is satisfied by *sdk.MessageService so callers can pass
	// either a real client or a fake in tests.
	MessagesClient interface {
		New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
	}

	// Options configures the Anthropic executor.
	Options struct {
		// Messages is the Anthropic Messages client. Required.
		Messages MessagesClient
		// Model is the Claude model identifier. Required. Use the typed model
		// constants from github.com/anthropics/anthropic-sdk-go.
		Model string
		// MaxTokens caps the completion size. Defaults to DefaultMaxTokens.
		MaxTokens int
		// Temperature is forwarded when positive.
		Temperature float64
	}

	// Executor implements dispatch.Executor on top of Anthropic Claude
	// Messages.
	Executor struct {
		msg    MessagesClient
		model  string
		maxTok int
		temp   float64
	}
)

// DefaultMaxTokens caps completions when Options.MaxTokens is unset.
const DefaultMaxTokens = 4096

// Compile-time check that Executor implements dispatch.Executor.
var _ dispatch.Executor = (*Executor)(nil)

// New builds an Anthropic-backed executor from the provided options.
func New(opts Options) (*Executor, error) {
	if opts.Messages == nil {
		return nil, errors.New("anthropic messages client is required")
	}
	if opts.Model == "" {
		return nil, errors.New("model identifier is required")
	}
	maxTok := opts.MaxTokens
	if maxTok <= 0 {
		maxTok = DefaultMaxTokens
	}
	return &Executor{
		msg:    opts.Messages,
		model:  opts.Model,
		maxTok: maxTok,
		temp:   opts.Temperature,
	}, nil
}

// NewFromAPIKey constructs an executor using the default Anthropic HTTP
// client.
func NewFromAPIKey(apiKey, model string) (*Executor, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	ac := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(Options{Messages: &ac.Messages, Model: model})
}

// Execute implements dispatch.Executor.
func (e *Executor) Execute(ctx context.Context, req dispatch.Request) (dispatch.Result, error) {
	prompt, err := executor.BuildPrompt(req)
	if err != nil {
		return dispatch.Result{}, err
	}
	params := sdk.MessageNewParams{
		Model:     sdk.Model(e.model),
		MaxTokens: int64(e.maxTok),
		System:    []sdk.TextBlockParam{{Text: executor.SystemPrompt}},
		Messages:  []sdk.MessageParam{sdk.NewUserMessage(sdk.NewTextBlock(prompt))},
		Tools:     []sdk.ToolUnionParam{mutationTool()},
	}
	if e.temp > 0 {
		params.Temperature = sdk.Float(e.temp)
	}
	msg, err := e.msg.New(ctx, params)
	if err != nil {
		return dispatch.Result{}, fmt.Errorf("anthropic messages.new: %w", err)
	}
	return translateResponse(msg)
}

func mutationTool() sdk.ToolUnionParam {
	schema := sdk.ToolInputSchemaParam{ExtraFields: executor.MutationToolSchema()}
	u := sdk.ToolUnionParamOfTool(schema, executor.MutationToolName)
	if u.OfTool != nil {
		u.OfTool.Description = sdk.String(executor.MutationToolDescription)
	}
	return u
}

func translateResponse(msg *sdk.Message) (dispatch.Result, error) {
	if msg == nil {
		return dispatch.Result{}, errors.New("anthropic: response message is nil")
	}
	var (
		texts     []string
		toolsUsed []string
		mutations *workspace.Mutation
	)
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			if block.Text != "" {
				texts = append(texts, block.Text)
			}
		case "tool_use":
			toolsUsed = append(toolsUsed, block.Name)
			if block.Name != executor.MutationToolName {
				// The model invoked a tool it was never offered; surface the
				// call in ToolsUsed and move on.
				continue
			}
			raw, err := json.Marshal(block.Input)
			if err != nil {
				return dispatch.Result{}, fmt.Errorf("anthropic: encode tool input: %w", err)
			}
			mut, err := executor.DecodeDeclaredMutation(raw)
			if err != nil {
				return dispatch.Result{}, err
			}
			mutations = mergeMutations(mutations, mut)
		}
	}
	return dispatch.Result{
		Output:    strings.Join(texts, "\n"),
		ToolsUsed: toolsUsed,
		Mutations: mutations,
	}, nil
}

// mergeMutations combines successive tool invocations into one batch so the
// store applies them atomically.
func mergeMutations(dst, src *workspace.Mutation) *workspace.Mutation {
	if src == nil {
		return dst
	}
	if dst == nil {
		return src
	}
	dst.Created = append(dst.Created, src.Created...)
	dst.Updated = append(dst.Updated, src.Updated...)
	dst.Deleted = append(dst.Deleted, src.Deleted...)
	return dst
}
