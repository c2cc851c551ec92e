package core

import (
	"github.com/sirupsen/logrus"

	"github.com/Tell-Me-Mo/tellmemo-app-sub004/pkg/cascade"
	"github.com/Tell-Me-Mo/tellmemo-app-sub004/pkg/detection"
	"github.com/Tell-Me-Mo/tellmemo-app-sub004/pkg/embedder"
	"github.com/Tell-Me-Mo/tellmemo-app-sub004/pkg/llm"
	"github.com/Tell-Me-Mo/tellmemo-app-sub004/pkg/search"
	"github.com/Tell-Me-Mo/tellmemo-app-sub004/pkg/storage"
)

// EngineOption configures an Engine at construction time.
//
// Options inject collaborators that override the config-driven defaults.
// This is the primary seam for testing and for deployments that bring
// their own search backend or notification transport.
type EngineOption func(*Engine)

// WithLogger sets the engine's logger.
func WithLogger(logger *logrus.Logger) EngineOption {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithSearcher sets the vector search collaborator used by the knowledge
// base and meeting context tiers. Without one, both search tiers are
// disabled.
func WithSearcher(s search.Engine) EngineOption {
	return func(e *Engine) {
		e.searcher = s
	}
}

// WithNotifier sets the notification sink for cascade events.
func WithNotifier(n cascade.Notifier) EngineOption {
	return func(e *Engine) {
		e.notifier = n
	}
}

// WithInsightStore sets the durable question/action store, overriding the
// config-driven store.
func WithInsightStore(s storage.InsightStore) EngineOption {
	return func(e *Engine) {
		e.store = s
	}
}

// WithLLM sets the LLM provider, overriding the config-driven provider.
func WithLLM(p llm.Provider) EngineOption {
	return func(e *Engine) {
		e.llm = p
	}
}

// WithStreamTransport sets the streaming transport used by the batch
// extraction parser, overriding the config-driven transport.
func WithStreamTransport(t llm.StreamTransport) EngineOption {
	return func(e *Engine) {
		e.transport = t
	}
}

// WithEmbedder sets the embedding provider, overriding the config-driven
// provider.
func WithEmbedder(p embedder.Provider) EngineOption {
	return func(e *Engine) {
		e.embedder = p
	}
}

// WithRetryPolicy sets the streaming parser's retry policy.
func WithRetryPolicy(policy detection.RetryPolicy) EngineOption {
	return func(e *Engine) {
		e.retryPolicy = &policy
	}
}

// WithErrorHandler sets a callback invoked when a batch extraction fails
// terminally. The batch content is dropped either way; the session keeps
// processing. Without a handler the failure is only logged.
func WithErrorHandler(h func(sessionID string, err error)) EngineOption {
	return func(e *Engine) {
		e.errorHandler = h
	}
}
