package provider

import (
	"context"
	"errors"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/daksha-ai/daksha/internal/observability"
)

// Anthropic implements Provider for Anthropic Claude
type Anthropic struct {
	client anthropic.Client
}

// NewAnthropic creates a new Anthropic provider
func NewAnthropic(apiKey string) *Anthropic {
	return &Anthropic{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
	}
}

// Name returns the provider name
func (p *Anthropic) Name() string {
	return "anthropic"
}

// CountTokens estimates the token footprint of the given messages
func (p *Anthropic) CountTokens(messages []Message) int {
	return EstimateTokens(messages)
}

func (p *Anthropic) buildParams(req Request) anthropic.MessageNewParams {
	anthropicMessages := []anthropic.MessageParam{}

	for _, msg := range req.Messages {
		switch msg.Role {
		case RoleSystem:
			// System messages are handled via the System field.
		case RoleUser, RoleTool:
			anthropicMessages = append(anthropicMessages, anthropic.NewUserMessage(
				anthropic.NewTextBlock(msg.Content),
			))
		case RoleAssistant:
			anthropicMessages = append(anthropicMessages, anthropic.MessageParam{
				Role: anthropic.MessageParamRoleAssistant,
				Content: []anthropic.ContentBlockParamUnion{
					anthropic.NewTextBlock(msg.Content),
				},
			})
		}
	}

	// The Messages API rejects max_tokens below 1, so a caller that
	// left it unset still gets a workable cap.
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		Messages:  anthropicMessages,
		MaxTokens: int64(maxTokens),
	}

	if req.SystemPrompt != "" {
		params.System = []anthropic.TextBlockParam{
			{Text: req.SystemPrompt},
		}
	}

	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}

	return params
}

// Complete performs a blocking completion call
func (p *Anthropic) Complete(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()
	defer func() { observability.RecordProviderCall(p.Name(), time.Since(start)) }()

	response, err := p.client.Messages.New(ctx, p.buildParams(req))
	if err != nil {
		return nil, p.wrapError(err)
	}

	content := ""
	for _, block := range response.Content {
		if b, ok := block.AsAny().(anthropic.TextBlock); ok {
			content += b.Text
		}
	}

	if content == "" {
		observability.RecordProviderError(p.Name(), string(KindMalformed))
		return nil, malformed(p.Name(), "response contained no text content")
	}

	return &Response{
		Content: content,
		Usage: &Usage{
			InputTokens:  int(response.Usage.InputTokens),
			OutputTokens: int(response.Usage.OutputTokens),
		},
	}, nil
}

// Stream performs a streaming completion call
func (p *Anthropic) Stream(ctx context.Context, req Request, fn StreamFunc) (*Response, error) {
	start := time.Now()
	defer func() { observability.RecordProviderCall(p.Name(), time.Since(start)) }()

	stream := p.client.Messages.NewStreaming(ctx, p.buildParams(req))

	acc := anthropic.Message{}
	for stream.Next() {
		event := stream.Current()
		if err := acc.Accumulate(event); err != nil {
			observability.RecordProviderError(p.Name(), string(KindMalformed))
			return nil, malformed(p.Name(), "failed to accumulate stream event: "+err.Error())
		}

		if delta, ok := event.AsAny().(anthropic.ContentBlockDeltaEvent); ok {
			if delta.Delta.Type == "text_delta" && fn != nil {
				fn(delta.Delta.Text)
			}
		}
	}

	if err := stream.Err(); err != nil {
		return nil, p.wrapError(err)
	}

	content := ""
	for _, block := range acc.Content {
		if b, ok := block.AsAny().(anthropic.TextBlock); ok {
			content += b.Text
		}
	}

	return &Response{
		Content: content,
		Usage: &Usage{
			InputTokens:  int(acc.Usage.InputTokens),
			OutputTokens: int(acc.Usage.OutputTokens),
		},
	}, nil
}

func (p *Anthropic) wrapError(err error) error {
	var apierr *anthropic.Error
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
