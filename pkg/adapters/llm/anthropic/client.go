package anthropic

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aescanero/agentpipe/pkg/domain"
	"github.com/aescanero/agentpipe/pkg/ports"
	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"go.uber.org/zap"
)

const (
	// DefaultModel is used when a credential names no model
	DefaultModel = "claude-sonnet-4-5"

	defaultMaxTokens = 4096
)

// Client implements StreamingChatProvider against the Anthropic Messages API
type Client struct {
	client         sdk.Client
	requestTimeout time.Duration
	logger         *zap.Logger
}

// Ensure Client implements StreamingChatProvider.
var _ ports.StreamingChatProvider = (*Client)(nil)

// NewClient creates a new Anthropic client. requestTimeout bounds
// non-streaming calls; streaming calls are bounded by the caller's context.
func NewClient(apiKey string, requestTimeout time.Duration, logger *zap.Logger) (*Client, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("anthropic API key is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Client{
		client:         sdk.NewClient(option.WithAPIKey(apiKey), option.WithMaxRetries(2)),
		requestTimeout: requestTimeout,
		logger:         logger,
	}, nil
}

// Chat sends a single request and waits for the full reply
func (c *Client) Chat(ctx context.Context, req *domain.ChatRequest) (*domain.ChatResponse, error) {
	if c.requestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.requestTimeout)
		defer cancel()
	}

	message, err := c.client.Messages.New(ctx, buildParams(req))
	if err != nil {
		return nil, fmt.Errorf("anthropic request failed: %w", err)
	}

	return toResponse(message), nil
}

// ChatStream sends a request and reports every text delta as it arrives
func (c *Client) ChatStream(ctx context.Context, req *domain.ChatRequest, onDelta func(text string)) (*domain.ChatResponse, error) {
	stream := c.client.Messages.NewStreaming(ctx, buildParams(req))
	defer stream.Close()

	message := sdk.Message{}
	for stream.Next() {
		event := stream.Current()
		if err := message.Accumulate(event); err != nil {
			return nil, fmt.Errorf("failed to accumulate stream event: %w", err)
		}

		switch ev := event.AsAny().(type) {
		case sdk.ContentBlockDeltaEvent:
			if delta, ok := ev.Delta.AsAny().(sdk.TextDelta); ok && delta.Text != "" {
				onDelta(delta.Text)
			}
		}
	}
	if err := stream.Err(); err != nil {
		return nil, fmt.Errorf("anthropic stream failed: %w", err)
	}

	return toResponse(&message), nil
}

func buildParams(req *domain.ChatRequest) sdk.MessageNewParams {
	model := req.Model
	if model == "" {
		model = DefaultModel
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	params := sdk.MessageNewParams{
		Model:     sdk.Model(model),
		MaxTokens: int64(maxTokens),
		Messages:  make([]sdk.MessageParam, 0, len(req.Messages)),
	}
	if req.System != "" {
		params.System = []sdk.TextBlockParam{{Text: req.System}}
	}

	for _, msg := range req.Messages {
		block := sdk.NewTextBlock(msg.Content)
		if msg.Role == "assistant" {
			params.Messages = append(params.Messages, sdk.NewAssistantMessage(block))
		} else {
			params.Messages = append(params.Messages, sdk.NewUserMessage(block))
		}
	}

	for _, tool := range req.Tools {
		tp := sdk.ToolParam{
			Name:        tool.Name,
			InputSchema: sdk.ToolInputSchemaParam{Properties: tool.InputSchema["properties"]},
		}
		if tool.Description != "" {
			tp.Description = sdk.String(tool.Description)
		}
		params.Tools = append(params.Tools, sdk.ToolUnionParam{OfTool: &tp})
	}

	return params
}

func toResponse(message *sdk.Message) *domain.ChatResponse {
	var text strings.Builder
	var citations []domain.Citation
	for _, block := range message.Content {
		if block.Type != "text" {
			continue
		}
		text.WriteString(block.Text)
		for _, c := range block.Citations {
			citations = append(citations, toCitation(c))
		}
	}

	return &domain.ChatResponse{
		Content: text.String(),
		Usage: domain.Usage{
			InputTokens:  message.Usage.InputTokens,
			OutputTokens: message.Usage.OutputTokens,
		},
		Citations: citations,
	}
}

// toCitation flattens the citation variants. Web results carry a URL,
// search results a source and documents only a title.
func toCitation(c sdk.TextCitationUnion) domain.Citation {
	citation := domain.Citation{
		URL:   c.URL,
		Title: c.Title,
		Text:  c.CitedText,
	}
	if citation.URL == "" {
		citation.URL = c.Source
	}
	if citation.Title == "" {
		citation.Title = c.DocumentTitle
	}
	return citation
}
