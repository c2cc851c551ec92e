package cascade

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Tell-Me-Mo/tellmemo-app-sub004/pkg/cache"
	"github.com/Tell-Me-Mo/tellmemo-app-sub004/pkg/detection"
	"github.com/Tell-Me-Mo/tellmemo-app-sub004/pkg/embedder"
	"github.com/Tell-Me-Mo/tellmemo-app-sub004/pkg/intelligence"
	"github.com/Tell-Me-Mo/tellmemo-app-sub004/pkg/llm"
	"github.com/Tell-Me-Mo/tellmemo-app-sub004/pkg/metrics"
	"github.com/Tell-Me-Mo/tellmemo-app-sub004/pkg/search"
)

// GenerationDisclaimer prefixes every generated answer, making clear it is
// not grounded in the organization's own content.
const GenerationDisclaimer = "[Generated from general knowledge, not from your organization's content] "

// TierConfig configures one answer source.
type TierConfig struct {
	// Enabled turns the tier on for this deployment.
	Enabled bool `json:"enabled"`

	// MinConfidence is the floor a result must clear to be accepted.
	MinConfidence float64 `json:"min_confidence"`
}

// Config holds the per-tier settings and shared timeouts of a Resolver.
// All confidence floors live here so they can be tuned per deployment
// without code changes.
type Config struct {
	// KnowledgeBase is the pre-indexed organizational knowledge tier.
	KnowledgeBase TierConfig `json:"knowledge_base"`

	// MeetingContext is the current-meeting-content tier.
	MeetingContext TierConfig `json:"meeting_context"`

	// LiveConversation is the bounded live-answer watch tier.
	LiveConversation TierConfig `json:"live_conversation"`

	// Generation is the last-resort general-knowledge tier.
	Generation TierConfig `json:"generation"`

	// MonitorWindow bounds the live-conversation watch.
	MonitorWindow time.Duration `json:"monitor_window"`

	// SearchLimit caps results per search tier.
	SearchLimit int `json:"search_limit"`

	// LLMTimeout bounds the generation tier's model call.
	LLMTimeout time.Duration `json:"llm_timeout"`

	// EmbedTimeout bounds each embedding call.
	EmbedTimeout time.Duration `json:"embed_timeout"`
}

// DefaultConfig returns the default cascade configuration: all tiers
// enabled, floors of 0.70 / 0.65 / 0.85 / 0.70 in tier order, a two-minute
// live watch.
func DefaultConfig() Config {
	return Config{
		KnowledgeBase:    TierConfig{Enabled: true, MinConfidence: 0.70},
		MeetingContext:   TierConfig{Enabled: true, MinConfidence: 0.65},
		LiveConversation: TierConfig{Enabled: true, MinConfidence: 0.85},
		Generation:       TierConfig{Enabled: true, MinConfidence: 0.70},
		MonitorWindow:    2 * time.Minute,
		SearchLimit:      5,
		LLMTimeout:       30 * time.Second,
		EmbedTimeout:     10 * time.Second,
	}
}

// Resolver runs the answer resolution cascade.
//
// Tiers run in order, each gated by its own confidence floor; the first
// result that clears its floor transitions the question to a terminal
// state and cancels any outstanding watches. A below-floor result records
// an attempt and the cascade proceeds.
type Resolver struct {
	cfg      Config
	cache    *cache.SearchCache
	searcher search.Engine
	embedder embedder.Provider
	llm      llm.Provider
	notifier Notifier
	logger   *logrus.Logger

	mu        sync.Mutex
	questions map[string][]*Question        // open questions by session
	monitors  map[string]map[int64]*Monitor // active watches by session, question
}

// NewResolver creates a Resolver.
func NewResolver(cfg Config, searchCache *cache.SearchCache, searcher search.Engine, emb embedder.Provider, provider llm.Provider, notifier Notifier, logger *logrus.Logger) *Resolver {
	if notifier == nil {
		notifier = NopNotifier()
	}
	if logger == nil {
		logger = logrus.New()
	}
	if cfg.MonitorWindow == 0 {
		cfg.MonitorWindow = 2 * time.Minute
	}
	if cfg.SearchLimit == 0 {
		cfg.SearchLimit = 5
	}
	if cfg.LLMTimeout == 0 {
		cfg.LLMTimeout = 30 * time.Second
	}
	if cfg.EmbedTimeout == 0 {
		cfg.EmbedTimeout = 10 * time.Second
	}
	return &Resolver{
		cfg:       cfg,
		cache:     searchCache,
		searcher:  searcher,
		embedder:  emb,
		llm:       provider,
		notifier:  notifier,
		logger:    logger,
		questions: make(map[string][]*Question),
		monitors:  make(map[string]map[int64]*Monitor),
	}
}

// Register adds a question to the session's open set so that Answer
// detections and live fragments can reach it.
func (r *Resolver) Register(q *Question) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.questions[q.SessionID] = append(r.questions[q.SessionID], q)
}

// Resolve runs the cascade for one question. It blocks through the live
// watch, so callers run it on its own goroutine.
func (r *Resolver) Resolve(ctx context.Context, q *Question, scope search.Scope) {
	if r.runKnowledgeBase(ctx, q, scope) {
		r.finish(ctx, q)
		return
	}
	if r.runMeetingContext(ctx, q, scope) {
		r.finish(ctx, q)
		return
	}
	if done := r.runLiveMonitor(ctx, q); done {
		r.finish(ctx, q)
		return
	}
	if q.State().Terminal() {
		// Resolved externally (HandleAnswer) while the watch ran.
		return
	}
	if r.runGeneration(ctx, q) {
		r.finish(ctx, q)
		return
	}

	// All tiers exhausted: the question stays SEARCHING so a later
	// external answer can still resolve it.
	r.notify(ctx, q.SessionID, newEvent(EventTiersExhausted, q))
	r.logger.WithFields(logrus.Fields{
		"session_id":  q.SessionID,
		"question_id": q.ID,
	}).Info("cascade: tiers exhausted, question remains searching")
}

// runKnowledgeBase searches pre-indexed organizational knowledge through
// the shared search cache.
func (r *Resolver) runKnowledgeBase(ctx context.Context, q *Question, scope search.Scope) bool {
	tier := TierKnowledgeBase
	cfg := r.cfg.KnowledgeBase
	if !cfg.Enabled {
		metrics.TierAttempts.WithLabelValues(string(tier), "disabled").Inc()
		return false
	}

	hits := r.cache.GetOrSearch(ctx, q.SessionID, q.Text, scope, func(ctx context.Context, vector []float64) ([]*search.Hit, error) {
		return r.searcher.Search(ctx, vector, scope, &search.Options{
			Limit:          r.cfg.SearchLimit,
			ScoreThreshold: 0, // floor applied here, not in the backend
		})
	})

	return r.acceptHit(q, tier, cfg, hits)
}

// runMeetingContext searches the active session's own indexed content.
// It bypasses the shared cache because the session filter makes its
// result set distinct from the knowledge-base phase.
func (r *Resolver) runMeetingContext(ctx context.Context, q *Question, scope search.Scope) bool {
	tier := TierMeetingContext
	cfg := r.cfg.MeetingContext
	if !cfg.Enabled {
		metrics.TierAttempts.WithLabelValues(string(tier), "disabled").Inc()
		return false
	}

	embedCtx, cancel := context.WithTimeout(ctx, r.cfg.EmbedTimeout)
	vector, err := r.embedder.Embed(embedCtx, q.Text)
	cancel()
	if err != nil {
		q.recordAttempt(tier, 0, "", "error")
		metrics.TierAttempts.WithLabelValues(string(tier), "error").Inc()
		r.logger.WithFields(logrus.Fields{
			"question_id": q.ID,
			"error":       err,
		}).Warn("cascade: meeting context embedding failed")
		return false
	}

	hits, err := r.searcher.Search(ctx, vector, scope, &search.Options{
		Limit:   r.cfg.SearchLimit,
		Filters: map[string]interface{}{"session_id": q.SessionID},
	})
	if err != nil {
		q.recordAttempt(tier, 0, "", "error")
		metrics.TierAttempts.WithLabelValues(string(tier), "error").Inc()
		r.logger.WithFields(logrus.Fields{
			"question_id": q.ID,
			"error":       err,
		}).Warn("cascade: meeting context search failed")
		return false
	}

	return r.acceptHit(q, tier, cfg, hits)
}

// acceptHit applies a tier's confidence floor to ranked hits.
func (r *Resolver) acceptHit(q *Question, tier Tier, cfg TierConfig, hits []*search.Hit) bool {
	if len(hits) == 0 {
		q.recordAttempt(tier, 0, "", "no_results")
		metrics.TierAttempts.WithLabelValues(string(tier), "below_floor").Inc()
		return false
	}

	top := hits[0]
	answer := hitText(top)
	if top.Score < cfg.MinConfidence {
		q.recordAttempt(tier, top.Score, answer, "below_floor")
		metrics.TierAttempts.WithLabelValues(string(tier), "below_floor").Inc()
		return false
	}

	if q.transition(StateFound, tier, top.Score, answer) {
		metrics.TierAttempts.WithLabelValues(string(tier), "accepted").Inc()
		return true
	}
	return false
}

// runLiveMonitor starts the bounded live-conversation watch and blocks
// until it terminates. It returns true when the watch itself resolved the
// question.
func (r *Resolver) runLiveMonitor(ctx context.Context, q *Question) bool {
	tier := TierLiveConversation
	cfg := r.cfg.LiveConversation
	if !cfg.Enabled {
		metrics.TierAttempts.WithLabelValues(string(tier), "disabled").Inc()
		return false
	}

	monitor := newMonitor(q, cfg.MinConfidence, r.cfg.MonitorWindow, r.embedder, r.cfg.EmbedTimeout, r.logger)

	r.mu.Lock()
	if r.monitors[q.SessionID] == nil {
		r.monitors[q.SessionID] = make(map[int64]*Monitor)
	}
	r.monitors[q.SessionID][q.ID] = monitor
	r.mu.Unlock()

	monitor.start(ctx)
	result := monitor.Result()

	r.mu.Lock()
	delete(r.monitors[q.SessionID], q.ID)
	r.mu.Unlock()

	switch result.Outcome {
	case OutcomeMatched:
		if q.transition(StateAnswered, tier, result.Confidence, result.Answer) {
			metrics.TierAttempts.WithLabelValues(string(tier), "accepted").Inc()
			return true
		}
		return false
	case OutcomeCancelled:
		// Resolved through another path; nothing to record.
		return false
	default:
		q.recordAttempt(tier, 0, "", "expired")
		metrics.TierAttempts.WithLabelValues(string(tier), "below_floor").Inc()
		return false
	}
}

// runGeneration asks the model to answer from background knowledge only.
func (r *Resolver) runGeneration(ctx context.Context, q *Question) bool {
	tier := TierGeneration
	cfg := r.cfg.Generation
	if !cfg.Enabled {
		metrics.TierAttempts.WithLabelValues(string(tier), "disabled").Inc()
		return false
	}

	llmCtx, cancel := context.WithTimeout(ctx, r.cfg.LLMTimeout)
	defer cancel()

	prompt := fmt.Sprintf(`Answer the following question from general background knowledge only. If you cannot answer reliably, use a low confidence.

Question: %s

Return a JSON object: {"answer": "...", "confidence": 0.0-1.0}`, q.Text)

	response, err := r.llm.Generate(llmCtx, prompt, llm.WithMaxTokens(500))
	if err != nil {
		q.recordAttempt(tier, 0, "", "error")
		metrics.TierAttempts.WithLabelValues(string(tier), "error").Inc()
		r.logger.WithFields(logrus.Fields{
			"question_id": q.ID,
			"error":       err,
		}).Warn("cascade: generation tier failed")
		return false
	}

	answer, confidence := parseGeneratedAnswer(response)
	if answer == "" || confidence < cfg.MinConfidence {
		q.recordAttempt(tier, confidence, answer, "below_floor")
		metrics.TierAttempts.WithLabelValues(string(tier), "below_floor").Inc()
		return false
	}

	if q.transition(StateFound, tier, confidence, GenerationDisclaimer+answer) {
		metrics.TierAttempts.WithLabelValues(string(tier), "accepted").Inc()
		return true
	}
	return false
}

// HandleAnswer routes an Answer detection to the matching open question.
// When no open question matches the text, the answer is logged and dropped;
// that is not an error.
func (r *Resolver) HandleAnswer(ctx context.Context, sessionID string, ans detection.Answer) {
	q := r.findQuestion(sessionID, ans.MatchQuestionText)
	if q == nil {
		r.logger.WithFields(logrus.Fields{
			"session_id": sessionID,
			"match_text": ans.MatchQuestionText,
		}).Info("cascade: answer matched no open question, dropping")
		return
	}

	floor := r.cfg.LiveConversation.MinConfidence
	if ans.Confidence < floor {
		q.recordAttempt(TierLiveConversation, ans.Confidence, ans.AnswerText, "below_floor")
		return
	}

	if q.transition(StateAnswered, TierLiveConversation, ans.Confidence, ans.AnswerText) {
		r.cancelMonitor(sessionID, q.ID)
		r.finish(ctx, q)
	}
}

// OfferFragment forwards a new session fragment to every active watch in
// the session.
func (r *Resolver) OfferFragment(sessionID string, frag intelligence.Fragment) {
	r.mu.Lock()
	var active []*Monitor
	for _, m := range r.monitors[sessionID] {
		active = append(active, m)
	}
	r.mu.Unlock()

	for _, m := range active {
		m.Offer(frag)
	}
}

// OpenQuestions returns the session's questions still in StateSearching.
func (r *Resolver) OpenQuestions(sessionID string) []*Question {
	r.mu.Lock()
	defer r.mu.Unlock()
	var open []*Question
	for _, q := range r.questions[sessionID] {
		if !q.State().Terminal() {
			open = append(open, q)
		}
	}
	return open
}

// EndSession cancels all of the session's watches and drops its question
// registry. It must be called at session teardown.
func (r *Resolver) EndSession(sessionID string) {
	r.mu.Lock()
	monitors := r.monitors[sessionID]
	delete(r.monitors, sessionID)
	delete(r.questions, sessionID)
	r.mu.Unlock()

	for _, m := range monitors {
		m.Cancel()
	}
}

// finish cancels any outstanding watch for the question and notifies
// listeners of the resolution.
func (r *Resolver) finish(ctx context.Context, q *Question) {
	r.cancelMonitor(q.SessionID, q.ID)
	r.notify(ctx, q.SessionID, newEvent(EventQuestionResolved, q))
}

func (r *Resolver) cancelMonitor(sessionID string, questionID int64) {
	r.mu.Lock()
	m := r.monitors[sessionID][questionID]
	r.mu.Unlock()
	if m != nil {
		m.Cancel()
	}
}

func (r *Resolver) notify(ctx context.Context, sessionID string, event Event) {
	if err := r.notifier.Notify(ctx, sessionID, event); err != nil {
		r.logger.WithFields(logrus.Fields{
			"session_id": sessionID,
			"event_type": event.Type,
			"error":      err,
		}).Warn("cascade: notification failed")
	}
}

// findQuestion matches answer text to an open question: exact normalized
// match first, then containment either way.
func (r *Resolver) findQuestion(sessionID, matchText string) *Question {
	r.mu.Lock()
	defer r.mu.Unlock()

	normalized := normalizeText(matchText)
	if normalized == "" {
		return nil
	}

	var contained *Question
	for _, q := range r.questions[sessionID] {
		if q.State().Terminal() {
			continue
		}
		qNorm := normalizeText(q.Text)
		if qNorm == normalized {
			return q
		}
		if contained == nil && (strings.Contains(qNorm, normalized) || strings.Contains(normalized, qNorm)) {
			contained = q
		}
	}
	return contained
}

func normalizeText(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.Trim(s, ".!?")
}

// parseGeneratedAnswer extracts the answer and confidence from the
// generation tier's JSON response, tolerating surrounding prose and code
// fences.
func parseGeneratedAnswer(response string) (string, float64) {
	start := strings.Index(response, "{")
	end := strings.LastIndex(response, "}")
	if start < 0 || end <= start {
		return "", 0
	}

	var parsed struct {
		Answer     string  `json:"answer"`
		Confidence float64 `json:"confidence"`
	}
	if err := json.Unmarshal([]byte(response[start:end+1]), &parsed); err != nil {
		return "", 0
	}
	return strings.TrimSpace(parsed.Answer), parsed.Confidence
}

// hitText extracts displayable answer text from a search hit payload.
func hitText(hit *search.Hit) string {
	for _, key := range []string{"text", "content", "chunk", "summary"} {
		if v, ok := hit.Payload[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}
