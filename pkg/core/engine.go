package core

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/sirupsen/logrus"

	"github.com/Tell-Me-Mo/tellmemo-app-sub004/pkg/cache"
	"github.com/Tell-Me-Mo/tellmemo-app-sub004/pkg/cascade"
	"github.com/Tell-Me-Mo/tellmemo-app-sub004/pkg/detection"
	"github.com/Tell-Me-Mo/tellmemo-app-sub004/pkg/embedder"
	openaiEmbedder "github.com/Tell-Me-Mo/tellmemo-app-sub004/pkg/embedder/openai"
	"github.com/Tell-Me-Mo/tellmemo-app-sub004/pkg/intelligence"
	"github.com/Tell-Me-Mo/tellmemo-app-sub004/pkg/llm"
	openaiLLM "github.com/Tell-Me-Mo/tellmemo-app-sub004/pkg/llm/openai"
	"github.com/Tell-Me-Mo/tellmemo-app-sub004/pkg/search"
	"github.com/Tell-Me-Mo/tellmemo-app-sub004/pkg/storage"
	postgresStore "github.com/Tell-Me-Mo/tellmemo-app-sub004/pkg/storage/postgres"
	sqliteStore "github.com/Tell-Me-Mo/tellmemo-app-sub004/pkg/storage/sqlite"
)

// Engine is the main TellMeMo meeting intelligence engine.
//
// It ingests live transcript fragments per session, accumulates them into
// topically coherent batches, streams each batch through the language model
// for detection extraction, and drives the answer resolution cascade for
// every detected question.
//
// Each session is drained by a single worker so fragments are processed
// strictly in arrival order; many sessions run concurrently without shared
// mutable state. The engine is thread-safe.
//
// Example usage:
//
//	config, _ := core.LoadConfigFromEnv()
//	engine, _ := core.NewEngine(config, core.WithSearcher(mySearch))
//	defer engine.Close()
//
//	engine.StartSession(ctx, "meeting-42", search.Scope{OrganizationID: "org-1"})
//	engine.ProcessFragment(ctx, "meeting-42", "We need to ship by Friday", "maria")
//	engine.EndSession(ctx, "meeting-42")
type Engine struct {
	// config contains the engine configuration.
	config *Config

	// analyzer scores and classifies incoming fragments.
	analyzer *intelligence.SignalAnalyzer

	// gate decides topical batch boundaries.
	gate *intelligence.TopicCoherenceGate

	// searchCache is the session-scoped semantic search cache.
	searchCache *cache.SearchCache

	// parser streams batch text through the model and decodes detections.
	parser *detection.Parser

	// resolver runs the answer resolution cascade.
	resolver *cascade.Resolver

	// store is the durable insight store, nil when persistence is disabled.
	store storage.InsightStore

	// searcher is the vector search collaborator, nil when not provided.
	searcher search.Engine

	// llm is the LLM provider for the generation tier.
	llm llm.Provider

	// transport is the streaming transport for batch extraction.
	transport llm.StreamTransport

	// embedder is the embedding provider.
	embedder embedder.Provider

	// notifier receives cascade events.
	notifier cascade.Notifier

	// retryPolicy overrides the parser's default retry policy when set.
	retryPolicy *detection.RetryPolicy

	// errorHandler, when set, hears about terminal batch extraction
	// failures.
	errorHandler func(sessionID string, err error)

	logger *logrus.Logger

	// node generates unique IDs for questions and actions.
	node *snowflake.Node

	// ctx governs background cascade work; cancelled on Close.
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.RWMutex
	sessions map[string]*session
	closed   bool
}

// NewEngine creates a new Engine.
//
// The engine is initialized with:
//   - LLM provider and streaming transport (OpenAI or compatible)
//   - Embedding provider (OpenAI or compatible)
//   - Insight store (SQLite or PostgreSQL, optional)
//   - Analysis, coherence, cache and cascade configuration
//
// Collaborators supplied through options take precedence over the
// config-driven defaults. Without a WithSearcher option the two search
// tiers of the cascade are disabled.
func NewEngine(cfg *Config, opts ...EngineOption) (*Engine, error) {
	if cfg == nil {
		return nil, NewEngineError("NewEngine", ErrInvalidConfig)
	}

	engine := &Engine{
		config:   cfg,
		sessions: make(map[string]*session),
	}
	for _, opt := range opts {
		opt(engine)
	}

	if engine.logger == nil {
		engine.logger = logrus.New()
	}
	if engine.notifier == nil {
		engine.notifier = cascade.NopNotifier()
	}

	if err := engine.initProviders(cfg); err != nil {
		return nil, err
	}

	node, err := snowflake.NewNode(1)
	if err != nil {
		return nil, NewEngineError("NewEngine", err)
	}
	engine.node = node

	analysis := cfg.Analysis
	engine.analyzer = intelligence.NewSignalAnalyzer(intelligence.AnalyzerConfig{
		MinWords:             analysis.MinFragmentWords,
		HighDensityThreshold: analysis.HighDensityThreshold,
	})

	engine.gate = intelligence.NewTopicCoherenceGate(intelligence.GateConfig{
		SimilarityThreshold: analysis.CoherenceThreshold,
		MaxBatchAge:         analysis.CoherenceMaxAge,
		MaxBatchFragments:   analysis.CoherenceMaxFragments,
		EmbedTimeout:        analysis.EmbedTimeout,
	}, engine.embedder, engine.logger)

	engine.searchCache = cache.NewSearchCache(engine.embedder, cache.Config{
		TTL:            analysis.CacheTTL,
		ReuseThreshold: analysis.CacheReuseThreshold,
		EmbedTimeout:   analysis.EmbedTimeout,
	}, engine.logger)

	policy := detection.DefaultRetryPolicy()
	if engine.retryPolicy != nil {
		policy = *engine.retryPolicy
	}
	if analysis.StreamTimeout > 0 {
		policy.StreamTimeout = analysis.StreamTimeout
	}
	engine.parser = detection.NewParser(engine.transport, policy, engine.logger)

	cascadeCfg := cfg.Cascade
	if cascadeCfg == (cascade.Config{}) {
		cascadeCfg = cascade.DefaultConfig()
	}
	if engine.searcher == nil {
		// Without a search backend the two search tiers cannot run.
		cascadeCfg.KnowledgeBase.Enabled = false
		cascadeCfg.MeetingContext.Enabled = false
		engine.logger.Warn("engine: no search backend configured, search tiers disabled")
	}
	engine.resolver = cascade.NewResolver(
		cascadeCfg,
		engine.searchCache,
		engine.searcher,
		engine.embedder,
		engine.llm,
		engine.persistingNotifier(),
		engine.logger,
	)

	engine.ctx, engine.cancel = context.WithCancel(context.Background())

	return engine, nil
}

// initProviders builds the LLM, embedder and store from configuration,
// honoring any collaborators injected through options.
func (e *Engine) initProviders(cfg *Config) error {
	if e.embedder == nil {
		if err := cfg.Validate(); err != nil {
			return err
		}
		switch cfg.Embedder.Provider {
		case "openai":
			client, err := openaiEmbedder.NewClient(&openaiEmbedder.Config{
				APIKey:     cfg.Embedder.APIKey,
				Model:      cfg.Embedder.Model,
				BaseURL:    cfg.Embedder.BaseURL,
				Dimensions: cfg.Embedder.Dimensions,
			})
			if err != nil {
				return NewEngineError("NewEngine", err)
			}
			e.embedder = client
		default:
			return NewEngineError("NewEngine", fmt.Errorf("%w: unsupported embedder provider %q", ErrInvalidConfig, cfg.Embedder.Provider))
		}
	}

	if e.llm == nil || e.transport == nil {
		switch cfg.LLM.Provider {
		case "openai":
			client, err := openaiLLM.NewClient(&openaiLLM.Config{
				APIKey:  cfg.LLM.APIKey,
				Model:   cfg.LLM.Model,
				BaseURL: cfg.LLM.BaseURL,
			})
			if err != nil {
				return NewEngineError("NewEngine", err)
			}
			if e.llm == nil {
				e.llm = client
			}
			if e.transport == nil {
				e.transport = client
			}
		default:
			if e.llm == nil || e.transport == nil {
				return NewEngineError("NewEngine", fmt.Errorf("%w: unsupported llm provider %q", ErrInvalidConfig, cfg.LLM.Provider))
			}
		}
	}

	if e.store == nil {
		store, err := initStore(cfg.Store)
		if err != nil {
			return err
		}
		e.store = store
	}

	return nil
}

// initStore builds the insight store from configuration. An empty provider
// disables persistence.
func initStore(cfg StoreConfig) (storage.InsightStore, error) {
	switch cfg.Provider {
	case "":
		return nil, nil
	case "sqlite":
		store, err := sqliteStore.NewClient(&sqliteStore.Config{
			DBPath: stringValue(cfg.Config, "db_path", "./tellmemo.db"),
		})
		if err != nil {
			return nil, NewEngineError("NewEngine", err)
		}
		return store, nil
	case "postgres":
		store, err := postgresStore.NewClient(&postgresStore.Config{
			Host:     stringValue(cfg.Config, "host", "localhost"),
			Port:     intValue(cfg.Config, "port", 5432),
			User:     stringValue(cfg.Config, "user", "postgres"),
			Password: stringValue(cfg.Config, "password", ""),
			DBName:   stringValue(cfg.Config, "db_name", "tellmemo"),
			SSLMode:  stringValue(cfg.Config, "ssl_mode", "disable"),
		})
		if err != nil {
			return nil, NewEngineError("NewEngine", err)
		}
		return store, nil
	default:
		return nil, NewEngineError("NewEngine", fmt.Errorf("%w: unsupported store provider %q", ErrInvalidConfig, cfg.Provider))
	}
}

// persistingNotifier wraps the configured notifier so resolution events
// are written to the insight store before listeners hear about them.
// Store failures are logged and never fail the cascade.
func (e *Engine) persistingNotifier() cascade.Notifier {
	return cascade.NotifierFunc(func(ctx context.Context, sessionID string, event cascade.Event) error {
		if e.store != nil && event.Type == cascade.EventQuestionResolved {
			err := e.store.UpdateQuestionResolution(ctx, event.QuestionID, string(event.State), string(event.Tier), event.Answer, event.Confidence)
			if err != nil {
				e.logger.WithFields(logrus.Fields{
					"session_id":  sessionID,
					"question_id": event.QuestionID,
					"error":       err,
				}).Warn("engine: failed to persist question resolution")
			}
		}
		return e.notifier.Notify(ctx, sessionID, event)
	})
}

// StartSession registers a new meeting session under the given scope.
//
// Fragments for the session can be submitted with ProcessFragment until
// EndSession is called. Starting an already active session is an error.
func (e *Engine) StartSession(ctx context.Context, sessionID string, scope search.Scope) error {
	if sessionID == "" {
		return NewEngineError("StartSession", ErrInvalidInput)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return NewEngineError("StartSession", ErrSessionClosed)
	}
	if _, exists := e.sessions[sessionID]; exists {
		return NewEngineError("StartSession", fmt.Errorf("session %q already active", sessionID))
	}

	s := newSession(e, sessionID, scope)
	e.sessions[sessionID] = s
	go s.run()

	e.logger.WithFields(logrus.Fields{
		"session_id":      sessionID,
		"organization_id": scope.OrganizationID,
	}).Info("engine: session started")

	return nil
}

// ProcessFragment submits one transcript fragment to a session.
//
// The engine assigns the fragment's index and timestamp. The call blocks
// only while the session's intake buffer is full; processing itself is
// asynchronous.
func (e *Engine) ProcessFragment(ctx context.Context, sessionID, text, speaker string) error {
	e.mu.RLock()
	s := e.sessions[sessionID]
	e.mu.RUnlock()

	if s == nil {
		return NewEngineError("ProcessFragment", ErrSessionNotFound)
	}

	return s.submit(ctx, text, speaker)
}

// EndSession flushes any open batch, waits for in-flight detections to be
// routed, and releases all per-session state: the coherence window, the
// cache entry, live monitors and the question registry.
func (e *Engine) EndSession(ctx context.Context, sessionID string) error {
	e.mu.Lock()
	s := e.sessions[sessionID]
	delete(e.sessions, sessionID)
	e.mu.Unlock()

	if s == nil {
		return NewEngineError("EndSession", ErrSessionNotFound)
	}

	s.close()

	select {
	case <-s.done:
	case <-ctx.Done():
		return NewEngineError("EndSession", ctx.Err())
	}

	e.gate.ReleaseSession(sessionID)
	e.searchCache.ClearSession(sessionID)
	e.resolver.EndSession(sessionID)

	e.logger.WithFields(logrus.Fields{
		"session_id": sessionID,
	}).Info("engine: session ended")

	return nil
}

// Questions retrieves a session's persisted questions, newest first.
func (e *Engine) Questions(ctx context.Context, sessionID string) ([]*storage.QuestionRecord, error) {
	if e.store == nil {
		return nil, NewEngineError("Questions", ErrStorageOperation)
	}
	records, err := e.store.ListQuestions(ctx, &storage.ListOptions{SessionID: sessionID})
	if err != nil {
		return nil, NewEngineError("Questions", err)
	}
	return records, nil
}

// Actions retrieves a session's persisted actions, newest first.
func (e *Engine) Actions(ctx context.Context, sessionID string) ([]*storage.ActionRecord, error) {
	if e.store == nil {
		return nil, NewEngineError("Actions", ErrStorageOperation)
	}
	records, err := e.store.ListActions(ctx, &storage.ListOptions{SessionID: sessionID})
	if err != nil {
		return nil, NewEngineError("Actions", err)
	}
	return records, nil
}

// OpenQuestions returns a session's questions still awaiting resolution.
func (e *Engine) OpenQuestions(sessionID string) []*cascade.Question {
	return e.resolver.OpenQuestions(sessionID)
}

// Close ends all active sessions and releases engine resources.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	sessions := make([]*session, 0, len(e.sessions))
	for _, s := range e.sessions {
		sessions = append(sessions, s)
	}
	e.sessions = make(map[string]*session)
	e.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for _, s := range sessions {
		s.close()
		select {
		case <-s.done:
		case <-ctx.Done():
		}
		e.gate.ReleaseSession(s.id)
		e.searchCache.ClearSession(s.id)
		e.resolver.EndSession(s.id)
	}

	e.cancel()

	var firstErr error
	if e.store != nil {
		if err := e.store.Close(); err != nil {
			firstErr = err
		}
	}
	if e.llm != nil {
		if err := e.llm.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if e.embedder != nil {
		if err := e.embedder.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	return NewEngineError("Close", firstErr)
}

func stringValue(m map[string]interface{}, key, fallback string) string {
	if v, ok := m[key].(string); ok && v != "" {
		return v
	}
	return fallback
}

func intValue(m map[string]interface{}, key string, fallback int) int {
	switch v := m[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	default:
		return fallback
	}
}
