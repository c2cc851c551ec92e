// Package openai implements llm.Provider and llm.StreamTransport over the
// OpenAI chat completion API.
package openai

import (
	"context"
	"errors"

	"github.com/Tell-Me-Mo/tellmemo-app-sub004/pkg/llm"
	openai "github.com/sashabaranov/go-openai"
)

// Client is an OpenAI chat client. It implements both llm.Provider (blocking
// generation) and llm.StreamTransport (streamed completions).
type Client struct {
	client *openai.Client
	model  string
}

// Config configures the OpenAI chat client.
type Config struct {
	// APIKey is the OpenAI API key (required).
	APIKey string

	// Model is the chat model name. Defaults to "gpt-4o-mini".
	Model string

	// BaseURL overrides the API base URL (optional).
	BaseURL string
}

// NewClient creates a new OpenAI chat client.
func NewClient(cfg *Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai llm: API key is required")
	}

	config := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		config.BaseURL = cfg.BaseURL
	}

	model := cfg.Model
	if model == "" {
		model = "gpt-4o-mini"
	}

	return &Client{
		client: openai.NewClientWithConfig(config),
		model:  model,
	}, nil
}

// Generate generates text from a single prompt.
func (c *Client) Generate(ctx context.Context, prompt string, opts ...llm.GenerateOption) (string, error) {
	messages := []llm.Message{
		{Role: "user", Content: prompt},
	}
	return c.GenerateWithMessages(ctx, messages, opts...)
}

// GenerateWithMessages generates text from a conversation history.
func (c *Client) GenerateWithMessages(ctx context.Context, messages []llm.Message, opts ...llm.GenerateOption) (string, error) {
	resp, err := c.client.CreateChatCompletion(ctx, c.buildRequest(messages, opts))
	if err != nil {
		return "", llm.Classify(err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("llm generation failed: no choices returned")
	}

	return resp.Choices[0].Message.Content, nil
}

// StreamChat starts a streamed completion for the given messages.
//
// Errors from the underlying SDK are pre-classified, so callers can apply
// their retry policy directly with errors.Is.
func (c *Client) StreamChat(ctx context.Context, messages []llm.Message, opts ...llm.GenerateOption) (llm.ChunkStream, error) {
	req := c.buildRequest(messages, opts)
	req.Stream = true

	stream, err := c.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		return nil, llm.Classify(err)
	}

	return &chunkStream{stream: stream}, nil
}

// Close is a no-op; the underlying SDK client holds no resources that
// need explicit release.
func (c *Client) Close() error {
	return nil
}

func (c *Client) buildRequest(messages []llm.Message, opts []llm.GenerateOption) openai.ChatCompletionRequest {
	options := llm.ApplyGenerateOptions(opts)

	chatMessages := make([]openai.ChatCompletionMessage, len(messages))
	for i, msg := range messages {
		chatMessages[i] = openai.ChatCompletionMessage{
			Role:    msg.Role,
			Content: msg.Content,
		}
	}

	return openai.ChatCompletionRequest{
		Model:       c.model,
		Messages:    chatMessages,
		Temperature: float32(options.Temperature),
		MaxTokens:   options.MaxTokens,
		TopP:        float32(options.TopP),
		Stop:        options.Stop,
	}
}

// chunkStream adapts the SDK stream to llm.ChunkStream.
type chunkStream struct {
	stream *openai.ChatCompletionStream
}

// Recv returns the next chunk of content bytes, skipping empty deltas.
// It returns io.EOF when the stream completes normally.
func (s *chunkStream) Recv() ([]byte, error) {
	for {
		resp, err := s.stream.Recv()
		if err != nil {
			return nil, err
		}
		if len(resp.Choices) == 0 {
			continue
		}
		content := resp.Choices[0].Delta.Content
		if content == "" {
			continue
		}
		return []byte(content), nil
	}
}

// Close releases the underlying SDK stream.
func (s *chunkStream) Close() error {
	return s.stream.Close()
}
