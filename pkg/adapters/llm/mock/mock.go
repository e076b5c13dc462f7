package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/aescanero/agentpipe/pkg/domain"
	"github.com/aescanero/agentpipe/pkg/ports"
)

// Model is the model id reported by the mock provider
const Model = "mock-model"

// Client is a deterministic offline chat provider
type Client struct {
	// Reply overrides the generated response when set
	Reply func(req *domain.ChatRequest) (string, error)
	// ChunkSize is the streamed delta size in bytes
	ChunkSize int
	// Citations are attached to every response
	Citations []domain.Citation

	mu       sync.Mutex
	requests []domain.ChatRequest
}

// Ensure Client implements StreamingChatProvider.
var _ ports.StreamingChatProvider = (*Client)(nil)

// NewClient creates a new mock client
func NewClient() *Client {
	return &Client{ChunkSize: 10}
}

// Chat returns a mock response
func (c *Client) Chat(ctx context.Context, req *domain.ChatRequest) (*domain.ChatResponse, error) {
	content, err := c.respond(ctx, req)
	if err != nil {
		return nil, err
	}
	return &domain.ChatResponse{Content: content, Usage: usage(req, content), Citations: c.Citations}, nil
}

// ChatStream simulates streaming by sending content in chunks
func (c *Client) ChatStream(ctx context.Context, req *domain.ChatRequest, onDelta func(text string)) (*domain.ChatResponse, error) {
	content, err := c.respond(ctx, req)
	if err != nil {
		return nil, err
	}

	for _, chunk := range splitIntoChunks(content, c.ChunkSize) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		onDelta(chunk)
	}
	return &domain.ChatResponse{Content: content, Usage: usage(req, content), Citations: c.Citations}, nil
}

// Requests returns the requests received so far
func (c *Client) Requests() []domain.ChatRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]domain.ChatRequest(nil), c.requests...)
}

func (c *Client) respond(ctx context.Context, req *domain.ChatRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	c.mu.Lock()
	c.requests = append(c.requests, *req)
	c.mu.Unlock()

	if c.Reply != nil {
		return c.Reply(req)
	}
	return generateResponse(req), nil
}

// generateResponse echoes the last user message
func generateResponse(req *domain.ChatRequest) string {
	var last string
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == "user" {
			last = req.Messages[i].Content
			break
		}
	}
	if last == "" {
		return "[MOCK] This is a mock response."
	}
	return fmt.Sprintf("[MOCK] Received your message: %q.", truncate(last, 100))
}

// usage provides a rough token estimate
func usage(req *domain.ChatRequest, content string) domain.Usage {
	in := len(req.System) / 4
	for _, msg := range req.Messages {
		in += len(msg.Content) / 4
	}
	return domain.Usage{InputTokens: int64(in), OutputTokens: int64(len(content) / 4)}
}

func splitIntoChunks(s string, size int) []string {
	if size <= 0 || len(s) <= size {
		return []string{s}
	}

	var chunks []string
	for i := 0; i < len(s); i += size {
		end := i + size
		if end > len(s) {
			end = len(s)
		}
		chunks = append(chunks, s[i:end])
	}
	return chunks
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
