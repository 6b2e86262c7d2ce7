// Package openai provides a dispatch.Executor backed by the OpenAI Chat
// Completions API via github.com/sashabaranov/go-openai. It offers the
// file-mutation tool as a function tool and maps tool-call arguments back
// into workspace mutation batches.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"goa.design/console/dispatch"
	"goa.design/console/features/executor"
	"goa.design/console/workspace"
)

type (
	// ChatClient captures the subset of the go-openai client used by the
	// adapter.
	ChatClient interface {
		CreateChatCompletion(ctx context.Context, request openai.ChatCompletionRequest) (
			openai.ChatCompletionResponse, error)
	}

	// Options configures the OpenAI executor.
	Options struct {
		// Client is the chat completion client. Required.
		Client ChatClient
		// Model is the model identifier. Required.
		Model string
		// MaxTokens caps the completion size when positive.
		MaxTokens int
		// Temperature is forwarded when positive.
		Temperature float32
	}

	// Executor implements dispatch.Executor via OpenAI Chat Completions.
	Executor struct {
		chat   ChatClient
		model  string
		maxTok int
		temp   float32
	}
)

// Compile-time check that Executor implements dispatch.Executor.
var _ dispatch.Executor = (*Executor)(nil)

// New builds an OpenAI-backed executor from the provided options.
func New(opts Options) (*Executor, error) {
	if opts.Client == nil {
		return nil, errors.New("openai client is required")
	}
	if opts.Model == "" {
		return nil, errors.New("model identifier is required")
	}
	return &Executor{
		chat:   opts.Client,
		model:  opts.Model,
		maxTok: opts.MaxTokens,
		temp:   opts.Temperature,
	}, nil
}

// NewFromAPIKey constructs an executor using the default go-openai HTTP
// client.
func NewFromAPIKey(apiKey, model string) (*Executor, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	return New(Options{Client: openai.NewClient(apiKey), Model: model})
}

// Execute implements dispatch.Executor.
func (e *Executor) Execute(ctx context.Context, req dispatch.Request) (dispatch.Result, error) {
	prompt, err := executor.BuildPrompt(req)
	if err != nil {
		return dispatch.Result{}, err
	}
	params, err := json.Marshal(executor.MutationToolSchema())
	if err != nil {
		return dispatch.Result{}, fmt.Errorf("marshal tool schema: %w", err)
	}
	request := openai.ChatCompletionRequest{
		Model: e.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: executor.SystemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		Tools: []openai.Tool{{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        executor.MutationToolName,
				Description: executor.MutationToolDescription,
				Parameters:  json.RawMessage(params),
			},
		}},
	}
	if e.maxTok > 0 {
		request.MaxTokens = e.maxTok
	}
	if e.temp > 0 {
		request.Temperature = e.temp
	}
	response, err := e.chat.CreateChatCompletion(ctx, request)
	if err != nil {
		return dispatch.Result{}, fmt.Errorf("openai chat completion: %w", err)
	}
	return translateResponse(response)
}

func translateResponse(resp openai.ChatCompletionResponse) (dispatch.Result, error) {
	var (
		texts     []string
		toolsUsed []string
		mutations *workspace.Mutation
	)
	for _, choice := range resp.Choices {
		msg := choice.Message
		if msg.Content != "" {
			texts = append(texts, msg.Content)
		}
		for _, call := range msg.ToolCalls {
			toolsUsed = append(toolsUsed, call.Function.Name)
			if call.Function.Name != executor.MutationToolName {
				continue
			}
			mut, err := executor.DecodeDeclaredMutation([]byte(call.Function.Arguments))
			if err != nil {
				return dispatch.Result{}, err
			}
			if mut == nil {
				continue
			}
			if mutations == nil {
				mutations = mut
				continue
			}
			mutations.Created = append(mutations.Created, mut.Created...)
			mutations.Updated = append(mutations.Updated, mut.Updated...)
			mutations.Deleted = append(mutations.Deleted, mut.Deleted...)
		}
	}
	return dispatch.Result{
		Output:    strings.Join(texts, "\n"),
		ToolsUsed: toolsUsed,
		Mutations: mutations,
	}, nil
}
