package intelligence

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Tell-Me-Mo/tellmemo-app-sub004/pkg/embedder"
)

// BatchReason explains a gate decision.
type BatchReason string

const (
	// ReasonFirstFragment opens a batch with its first fragment.
	ReasonFirstFragment BatchReason = "first_fragment"

	// ReasonTopicallyRelated continues the batch on sufficient similarity.
	ReasonTopicallyRelated BatchReason = "topically_related"

	// ReasonTopicShift closes the batch because the fragment diverged.
	ReasonTopicShift BatchReason = "topic_shift"

	// ReasonMaxAge closes the batch because it aged out.
	ReasonMaxAge BatchReason = "max_age"

	// ReasonMaxFragments closes the batch because it is full.
	ReasonMaxFragments BatchReason = "max_fragments"

	// ReasonEmbeddingFailure continues the batch because similarity could
	// not be computed. The gate fails open rather than splitting batches
	// on infrastructure errors.
	ReasonEmbeddingFailure BatchReason = "embedding_failure"
)

// BatchDecision is the gate's verdict for one fragment.
type BatchDecision struct {
	// Continue reports whether the fragment belongs to the current batch.
	// False means the current batch must be flushed and the fragment
	// opens a new one.
	Continue bool

	// Reason explains the verdict.
	Reason BatchReason

	// Similarity holds the computed cosine similarity when one was
	// computed, nil otherwise.
	Similarity *float64
}

// GateConfig configures a TopicCoherenceGate.
type GateConfig struct {
	// SimilarityThreshold is the minimum cosine similarity between a
	// fragment and the batch's rolling topic for the batch to continue.
	SimilarityThreshold float64

	// MaxBatchAge forces a flush regardless of topical fit.
	MaxBatchAge time.Duration

	// MaxBatchFragments caps batch length regardless of topical fit.
	MaxBatchFragments int

	// WindowSize is how many recent fragment embeddings form the rolling
	// topic representation.
	WindowSize int

	// EmbedTimeout bounds each embedding call.
	EmbedTimeout time.Duration
}

// DefaultGateConfig returns the default gate settings: 0.70 similarity,
// two-minute age cap, six-fragment cap, a three-embedding rolling window.
func DefaultGateConfig() GateConfig {
	return GateConfig{
		SimilarityThreshold: 0.70,
		MaxBatchAge:         2 * time.Minute,
		MaxBatchFragments:   6,
		WindowSize:          3,
		EmbedTimeout:        10 * time.Second,
	}
}

// sessionTopic tracks one session's current batch topic.
type sessionTopic struct {
	window   [][]float64
	count    int
	openedAt time.Time
}

// TopicCoherenceGate decides whether each fragment continues the current
// topical batch or starts a new one. One gate serves many sessions;
// session state is created on first use and must be released with
// ReleaseSession at teardown.
//
// The gate is advisory about topic and strict about ceilings: age and
// size caps are checked before any embedding is computed, so a full or
// stale batch always closes even when the embedder is down.
type TopicCoherenceGate struct {
	cfg      GateConfig
	embedder embedder.Provider
	logger   *logrus.Logger

	mu       sync.Mutex
	sessions map[string]*sessionTopic
}

// NewTopicCoherenceGate creates a gate. Zero-value config fields fall back
// to the defaults.
func NewTopicCoherenceGate(cfg GateConfig, emb embedder.Provider, logger *logrus.Logger) *TopicCoherenceGate {
	defaults := DefaultGateConfig()
	if cfg.SimilarityThreshold == 0 {
		cfg.SimilarityThreshold = defaults.SimilarityThreshold
	}
	if cfg.MaxBatchAge == 0 {
		cfg.MaxBatchAge = defaults.MaxBatchAge
	}
	if cfg.MaxBatchFragments == 0 {
		cfg.MaxBatchFragments = defaults.MaxBatchFragments
	}
	if cfg.WindowSize == 0 {
		cfg.WindowSize = defaults.WindowSize
	}
	if cfg.EmbedTimeout == 0 {
		cfg.EmbedTimeout = defaults.EmbedTimeout
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &TopicCoherenceGate{
		cfg:      cfg,
		embedder: emb,
		logger:   logger,
		sessions: make(map[string]*sessionTopic),
	}
}

// Evaluate decides whether the fragment continues the session's current
// batch. On a Continue=false verdict the caller flushes its batch and then
// the fragment opens the next batch; the gate has already reset its own
// state to reflect that.
func (g *TopicCoherenceGate) Evaluate(ctx context.Context, sessionID string, frag Fragment) BatchDecision {
	g.mu.Lock()
	topic, ok := g.sessions[sessionID]
	if !ok {
		topic = &sessionTopic{}
		g.sessions[sessionID] = topic
	}
	g.mu.Unlock()

	if topic.count == 0 {
		g.open(topic, g.embed(ctx, frag.Text))
		return BatchDecision{Continue: true, Reason: ReasonFirstFragment}
	}

	// Hard ceilings come before any similarity work.
	if time.Since(topic.openedAt) >= g.cfg.MaxBatchAge {
		g.open(topic, g.embed(ctx, frag.Text))
		return BatchDecision{Continue: false, Reason: ReasonMaxAge}
	}
	if topic.count >= g.cfg.MaxBatchFragments {
		g.open(topic, g.embed(ctx, frag.Text))
		return BatchDecision{Continue: false, Reason: ReasonMaxFragments}
	}

	vector := g.embed(ctx, frag.Text)
	if vector == nil {
		topic.count++
		return BatchDecision{Continue: true, Reason: ReasonEmbeddingFailure}
	}

	similarity := g.topicSimilarity(topic, vector)
	if similarity >= g.cfg.SimilarityThreshold {
		g.extend(topic, vector)
		return BatchDecision{Continue: true, Reason: ReasonTopicallyRelated, Similarity: &similarity}
	}

	g.open(topic, vector)
	return BatchDecision{Continue: false, Reason: ReasonTopicShift, Similarity: &similarity}
}

// ReleaseSession drops all gate state for the session.
func (g *TopicCoherenceGate) ReleaseSession(sessionID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.sessions, sessionID)
}

// Reset clears the session's open topic. The caller invokes it after
// flushing a batch for its own reasons (priority quota, word floor), so the
// age and size ceilings track the batch actually open rather than one that
// was already flushed. Gate-driven closures need no Reset; Evaluate reseeds
// its own state on those.
func (g *TopicCoherenceGate) Reset(sessionID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.sessions, sessionID)
}

// open resets the topic to a fresh batch seeded with the fragment's
// embedding, which may be nil on embedder failure.
func (g *TopicCoherenceGate) open(topic *sessionTopic, vector []float64) {
	topic.window = topic.window[:0]
	if vector != nil {
		topic.window = append(topic.window, vector)
	}
	topic.count = 1
	topic.openedAt = time.Now()
}

// extend adds the fragment's embedding to the rolling window.
func (g *TopicCoherenceGate) extend(topic *sessionTopic, vector []float64) {
	topic.window = append(topic.window, vector)
	if len(topic.window) > g.cfg.WindowSize {
		topic.window = topic.window[1:]
	}
	topic.count++
}

// topicSimilarity compares a vector against the embedding of the
// immediately preceding fragment in the open batch.
func (g *TopicCoherenceGate) topicSimilarity(topic *sessionTopic, vector []float64) float64 {
	if len(topic.window) == 0 {
		// The preceding embedding is unavailable (embedder was down when
		// the batch opened); treat the fragment as related.
		return 1.0
	}
	return CosineSimilarity(topic.window[len(topic.window)-1], vector)
}

// embed computes the fragment embedding with a bounded timeout, returning
// nil on failure.
func (g *TopicCoherenceGate) embed(ctx context.Context, text string) []float64 {
	embedCtx, cancel := context.WithTimeout(ctx, g.cfg.EmbedTimeout)
	defer cancel()

	vector, err := g.embedder.Embed(embedCtx, text)
	if err != nil {
		g.logger.WithFields(logrus.Fields{
			"error": err,
		}).Warn("coherence gate: embedding failed, failing open")
		return nil
	}
	return vector
}
