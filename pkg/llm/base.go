// Package llm defines the contracts for the language-model collaborators:
// plain text generation (used by the answer cascade) and streamed chat
// output (consumed by the detection parser).
//
// The package also classifies transport failures into the retryable /
// terminal taxonomy the rest of the engine acts on.
package llm

import "context"

// Provider defines the interface for text generation.
type Provider interface {
	// Generate generates text from a single prompt.
	Generate(ctx context.Context, prompt string, opts ...GenerateOption) (string, error)

	// GenerateWithMessages generates text from a conversation history
	// (system, user, assistant messages).
	GenerateWithMessages(ctx context.Context, messages []Message, opts ...GenerateOption) (string, error)

	// Close releases provider resources.
	Close() error
}

// StreamTransport opens a streamed chat completion and hands back an
// incremental byte stream.
//
// The engine owns only the line-buffering and decoding layer on top of the
// returned stream; everything below (HTTP, SSE framing) belongs to the
// implementation.
type StreamTransport interface {
	// StreamChat starts a streamed completion for the given messages.
	//
	// The returned ChunkStream yields raw content bytes as the model
	// produces them and reports io.EOF on normal completion. Errors from
	// StreamChat itself should be classified with Classify before the
	// caller decides whether to retry.
	StreamChat(ctx context.Context, messages []Message, opts ...GenerateOption) (ChunkStream, error)
}

// ChunkStream is an incremental byte stream of model output.
type ChunkStream interface {
	// Recv returns the next chunk of content bytes. It returns io.EOF
	// when the stream completes normally.
	Recv() ([]byte, error)

	// Close releases the underlying stream.
	Close() error
}

// Message represents a single message in a conversation.
type Message struct {
	// Role is "system", "user", or "assistant".
	Role string `json:"role"`

	// Content is the message text.
	Content string `json:"content"`
}

// GenerateOptions contains options for text generation.
type GenerateOptions struct {
	// Temperature controls randomness (0.0-2.0).
	Temperature float64

	// MaxTokens limits the response length.
	MaxTokens int

	// TopP controls nucleus sampling (0.0-1.0).
	TopP float64

	// Stop contains stop sequences that end generation.
	Stop []string
}

// GenerateOption configures generation options.
type GenerateOption func(*GenerateOptions)

// WithTemperature sets the sampling temperature.
func WithTemperature(temp float64) GenerateOption {
	return func(opts *GenerateOptions) {
		opts.Temperature = temp
	}
}

// WithMaxTokens sets the maximum number of tokens in the response.
func WithMaxTokens(max int) GenerateOption {
	return func(opts *GenerateOptions) {
		opts.MaxTokens = max
	}
}

// WithTopP sets the top-p (nucleus sampling) parameter.
func WithTopP(topP float64) GenerateOption {
	return func(opts *GenerateOptions) {
		opts.TopP = topP
	}
}

// ApplyGenerateOptions folds a slice of GenerateOption into concrete
// options. Defaults: Temperature=0.3, MaxTokens=2000, TopP=1.0.
func ApplyGenerateOptions(opts []GenerateOption) *GenerateOptions {
	options := &GenerateOptions{
		Temperature: 0.3,
		MaxTokens:   2000,
		TopP:        1.0,
	}
	for _, opt := range opts {
		opt(options)
	}
	return options
}
