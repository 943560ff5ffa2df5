package provider

import (
	"context"
	"errors"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/daksha-ai/daksha/internal/observability"
)

// OpenAI implements Provider for OpenAI and OpenAI-compatible backends
// (Groq, local inference servers) via a base URL override.
type OpenAI struct {
	name   string
	client openai.Client
}

// NewOpenAI creates a new OpenAI-compatible provider
func NewOpenAI(name, apiKey, baseURL string) *OpenAI {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}

	return &OpenAI{
		name:   name,
		client: openai.NewClient(opts...),
	}
}

// Name returns the provider name
func (p *OpenAI) Name() string {
	return p.name
}

// CountTokens estimates the token footprint of the given messages
func (p *OpenAI) CountTokens(messages []Message) int {
	return EstimateTokens(messages)
}

func (p *OpenAI) buildParams(req Request) openai.ChatCompletionNewParams {
	messages := []openai.ChatCompletionMessageParamUnion{}

	if req.SystemPrompt != "" {
		messages = append(messages, openai.SystemMessage(req.SystemPrompt))
	}

	for _, msg := range req.Messages {
		switch msg.Role {
		case RoleSystem:
			messages = append(messages, openai.SystemMessage(msg.Content))
		case RoleUser, RoleTool:
			messages = append(messages, openai.UserMessage(msg.Content))
		case RoleAssistant:
			messages = append(messages, openai.AssistantMessage(msg.Content))
		}
	}

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(req.Model),
		Messages: messages,
	}

	if req.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.MaxTokens))
	}

	if req.Temperature > 0 {
		params.Temperature = openai.Float(req.Temperature)
	}

	return params
}

// Complete performs a blocking completion call
func (p *OpenAI) Complete(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()
	defer func() { observability.RecordProviderCall(p.Name(), time.Since(start)) }()

	response, err := p.client.Chat.Completions.New(ctx, p.buildParams(req))
	if err != nil {
		return nil, p.wrapError(err)
	}

	if len(response.Choices) == 0 {
		observability.RecordProviderError(p.Name(), string(KindMalformed))
		return nil, malformed(p.Name(), "no response choices returned")
	}

	return &Response{
		Content: response.Choices[0].Message.Content,
		Usage: &Usage{
			InputTokens:  int(response.Usage.PromptTokens),
			OutputTokens: int(response.Usage.CompletionTokens),
		},
	}, nil
}

// Stream performs a streaming completion call
func (p *OpenAI) Stream(ctx context.Context, req Request, fn StreamFunc) (*Response, error) {
	start := time.Now()
	defer func() { observability.RecordProviderCall(p.Name(), time.Since(start)) }()

	stream := p.client.Chat.Completions.NewStreaming(ctx, p.buildParams(req))

	acc := openai.ChatCompletionAccumulator{}
	for stream.Next() {
		chunk := stream.Current()
		acc.AddChunk(chunk)

		if len(chunk.Choices) > 0 && fn != nil {
			if delta := chunk.Choices[0].Delta.Content; delta != "" {
				fn(delta)
			}
		}
	}

	if err := stream.Err(); err != nil {
		return nil, p.wrapError(err)
	}

	if len(acc.Choices) == 0 {
		observability.RecordProviderError(p.Name(), string(KindMalformed))
		return nil, malformed(p.Name(), "stream produced no choices")
	}

	return &Response{
		Content: acc.Choices[0].Message.Content,
		Usage: &Usage{
			InputTokens:  int(acc.Usage.PromptTokens),
			OutputTokens: int(acc.Usage.CompletionTokens),
		},
	}, nil
}

func (p *OpenAI) wrapError(err error) error {
	var apierr *openai.Error
	if errors.As(err, &apierr) {
		kind := classifyStatus(apierr.StatusCode)
		observability.RecordProviderError(p.Name(), string(kind))
		return &Error{
			Provider: p.Name(),
			Kind:     kind,
			Status:   apierr.StatusCode,
			Message:  apierr.Error(),
			Err:      err,
		}
	}

	observability.RecordProviderError(p.Name(), string(KindUnavailable))
	return wrapTransport(p.Name(), err)
}
