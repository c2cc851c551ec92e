package cascade_test

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tell-Me-Mo/tellmemo-app-sub004/pkg/cache"
	"github.com/Tell-Me-Mo/tellmemo-app-sub004/pkg/cascade"
	"github.com/Tell-Me-Mo/tellmemo-app-sub004/pkg/detection"
	"github.com/Tell-Me-Mo/tellmemo-app-sub004/pkg/intelligence"
	"github.com/Tell-Me-Mo/tellmemo-app-sub004/pkg/llm"
	"github.com/Tell-Me-Mo/tellmemo-app-sub004/pkg/search"
)

type fakeEmbedder struct {
	vectors map[string][]float64
	err     error
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float64, error) {
	if f.err != nil {
		return nil, f.err
	}
	if v, ok := f.vectors[text]; ok {
		return v, nil
	}
	return []float64{1, 0, 0}, nil
}

func (f *fakeEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float64, error) {
	out := make([][]float64, 0, len(texts))
	for _, t := range texts {
		v, err := f.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func (f *fakeEmbedder) Dimensions() int { return 3 }
func (f *fakeEmbedder) Close() error    { return nil }

type fakeLLM struct {
	response string
	err      error
}

func (f *fakeLLM) Generate(ctx context.Context, prompt string, opts ...llm.GenerateOption) (string, error) {
	return f.response, f.err
}

func (f *fakeLLM) GenerateWithMessages(ctx context.Context, messages []llm.Message, opts ...llm.GenerateOption) (string, error) {
	return f.response, f.err
}

func (f *fakeLLM) Close() error { return nil }

type eventRecorder struct {
	mu     sync.Mutex
	events []cascade.Event
}

func (r *eventRecorder) Notify(ctx context.Context, sessionID string, event cascade.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *eventRecorder) byType(eventType string) []cascade.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []cascade.Event
	for _, e := range r.events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

func fixedSearch(score float64, text string) search.Engine {
	return search.Func(func(ctx context.Context, vector []float64, scope search.Scope, opts *search.Options) ([]*search.Hit, error) {
		return []*search.Hit{{
			ID:      "doc-1",
			Score:   score,
			Payload: map[string]interface{}{"text": text},
		}}, nil
	})
}

func testConfig() cascade.Config {
	cfg := cascade.DefaultConfig()
	cfg.MonitorWindow = 200 * time.Millisecond
	return cfg
}

func newResolver(cfg cascade.Config, searcher search.Engine, provider llm.Provider, rec *eventRecorder) *cascade.Resolver {
	emb := &fakeEmbedder{}
	searchCache := cache.NewSearchCache(emb, cache.Config{}, nil)
	return cascade.NewResolver(cfg, searchCache, searcher, emb, provider, rec, nil)
}

func TestResolveKnowledgeBaseTier(t *testing.T) {
	cfg := testConfig()
	cfg.LiveConversation.Enabled = false
	cfg.Generation.Enabled = false

	rec := &eventRecorder{}
	r := newResolver(cfg, fixedSearch(0.82, "access takes two business days"), &fakeLLM{}, rec)

	q := cascade.NewQuestion(1, "s1", "how long does repo access take?", "alex", "process", 0.9)
	r.Register(q)
	r.Resolve(context.Background(), q, search.Scope{OrganizationID: "org-1"})

	assert.Equal(t, cascade.StateFound, q.State())
	tier, confidence, answer := q.Resolution()
	assert.Equal(t, cascade.TierKnowledgeBase, tier)
	assert.InDelta(t, 0.82, confidence, 1e-9)
	assert.Equal(t, "access takes two business days", answer)

	resolved := rec.byType(cascade.EventQuestionResolved)
	require.Len(t, resolved, 1)
	assert.Equal(t, int64(1), resolved[0].QuestionID)
}

func TestResolveFallsThroughToGeneration(t *testing.T) {
	cfg := testConfig()
	cfg.LiveConversation.Enabled = false

	rec := &eventRecorder{}
	provider := &fakeLLM{response: `{"answer": "Three attempts with backoff", "confidence": 0.85}`}
	r := newResolver(cfg, fixedSearch(0.40, "irrelevant"), provider, rec)

	q := cascade.NewQuestion(2, "s1", "what retry budget did we pick?", "", "technical", 0.9)
	r.Register(q)
	r.Resolve(context.Background(), q, search.Scope{})

	assert.Equal(t, cascade.StateFound, q.State())
	tier, confidence, answer := q.Resolution()
	assert.Equal(t, cascade.TierGeneration, tier)
	assert.InDelta(t, 0.85, confidence, 1e-9)
	assert.True(t, strings.HasPrefix(answer, cascade.GenerationDisclaimer),
		"generated answers must carry the disclaimer")

	// Both search tiers recorded below-floor attempts before generation.
	attempts := q.Attempts()
	require.GreaterOrEqual(t, len(attempts), 2)
	for _, a := range attempts[:2] {
		assert.False(t, a.Accepted)
	}
}

func TestResolveTiersExhaustedLeavesSearching(t *testing.T) {
	cfg := testConfig()
	cfg.LiveConversation.Enabled = false

	rec := &eventRecorder{}
	provider := &fakeLLM{response: `{"answer": "maybe", "confidence": 0.2}`}
	r := newResolver(cfg, fixedSearch(0.10, "noise"), provider, rec)

	q := cascade.NewQuestion(3, "s1", "who owns the budget line?", "", "", 0.9)
	r.Register(q)
	r.Resolve(context.Background(), q, search.Scope{})

	assert.Equal(t, cascade.StateSearching, q.State())
	assert.Len(t, rec.byType(cascade.EventTiersExhausted), 1)
	assert.Empty(t, rec.byType(cascade.EventQuestionResolved))
}

func TestLiveMonitorMatchesFragment(t *testing.T) {
	cfg := testConfig()
	cfg.KnowledgeBase.Enabled = false
	cfg.MeetingContext.Enabled = false
	cfg.Generation.Enabled = false
	cfg.MonitorWindow = time.Second

	rec := &eventRecorder{}
	r := newResolver(cfg, nil, &fakeLLM{}, rec)

	q := cascade.NewQuestion(4, "s1", "when does the audit start?", "", "", 0.9)
	r.Register(q)

	done := make(chan struct{})
	go func() {
		r.Resolve(context.Background(), q, search.Scope{})
		close(done)
	}()

	// The default fake embedding makes every fragment a perfect match;
	// keep offering until the watch picks one up.
	answer := intelligence.Fragment{Index: 7, Text: "the audit starts on the first of October"}
	for {
		select {
		case <-done:
			assert.Equal(t, cascade.StateAnswered, q.State())
			tier, confidence, got := q.Resolution()
			assert.Equal(t, cascade.TierLiveConversation, tier)
			assert.GreaterOrEqual(t, confidence, 0.85)
			assert.Equal(t, answer.Text, got)
			return
		case <-time.After(10 * time.Millisecond):
			r.OfferFragment("s1", answer)
		}
	}
}

func TestLiveMonitorExpires(t *testing.T) {
	cfg := testConfig()
	cfg.KnowledgeBase.Enabled = false
	cfg.MeetingContext.Enabled = false
	cfg.Generation.Enabled = false
	cfg.MonitorWindow = 50 * time.Millisecond

	rec := &eventRecorder{}
	r := newResolver(cfg, nil, &fakeLLM{}, rec)

	q := cascade.NewQuestion(5, "s1", "a question nobody answers?", "", "", 0.9)
	r.Register(q)
	r.Resolve(context.Background(), q, search.Scope{})

	assert.Equal(t, cascade.StateSearching, q.State())
	assert.Len(t, rec.byType(cascade.EventTiersExhausted), 1)
}

func TestHandleAnswerResolvesOpenQuestion(t *testing.T) {
	cfg := testConfig()
	rec := &eventRecorder{}
	r := newResolver(cfg, nil, &fakeLLM{}, rec)

	q := cascade.NewQuestion(6, "s1", "when is the client demo?", "", "", 0.9)
	r.Register(q)

	r.HandleAnswer(context.Background(), "s1", detection.Answer{
		MatchQuestionText: "when is the client demo",
		AnswerText:        "next Tuesday at ten",
		Confidence:        0.92,
	})

	assert.Equal(t, cascade.StateAnswered, q.State())
	tier, _, answer := q.Resolution()
	assert.Equal(t, cascade.TierLiveConversation, tier)
	assert.Equal(t, "next Tuesday at ten", answer)
	assert.Len(t, rec.byType(cascade.EventQuestionResolved), 1)
}

func TestHandleAnswerBelowFloorDoesNotResolve(t *testing.T) {
	cfg := testConfig()
	rec := &eventRecorder{}
	r := newResolver(cfg, nil, &fakeLLM{}, rec)

	q := cascade.NewQuestion(7, "s1", "when is the client demo?", "", "", 0.9)
	r.Register(q)

	r.HandleAnswer(context.Background(), "s1", detection.Answer{
		MatchQuestionText: "when is the client demo",
		AnswerText:        "soon probably",
		Confidence:        0.40,
	})

	assert.Equal(t, cascade.StateSearching, q.State())
	assert.Empty(t, rec.byType(cascade.EventQuestionResolved))
}

func TestHandleAnswerWithoutMatchingQuestionIsDropped(t *testing.T) {
	cfg := testConfig()
	rec := &eventRecorder{}
	r := newResolver(cfg, nil, &fakeLLM{}, rec)

	r.HandleAnswer(context.Background(), "s1", detection.Answer{
		MatchQuestionText: "a question nobody asked",
		AnswerText:        "an orphan answer",
		Confidence:        0.95,
	})

	assert.Empty(t, rec.events)
}

func TestTerminalTransitionsAreIdempotent(t *testing.T) {
	cfg := testConfig()
	cfg.LiveConversation.Enabled = false
	cfg.Generation.Enabled = false

	rec := &eventRecorder{}
	r := newResolver(cfg, fixedSearch(0.95, "the first answer"), &fakeLLM{}, rec)

	q := cascade.NewQuestion(8, "s1", "what is the policy?", "", "", 0.9)
	r.Register(q)
	r.Resolve(context.Background(), q, search.Scope{})
	require.Equal(t, cascade.StateFound, q.State())

	// A later live answer cannot displace the first resolution.
	r.HandleAnswer(context.Background(), "s1", detection.Answer{
		MatchQuestionText: "what is the policy",
		AnswerText:        "a different answer",
		Confidence:        0.99,
	})

	assert.Equal(t, cascade.StateFound, q.State())
	_, _, answer := q.Resolution()
	assert.Equal(t, "the first answer", answer)
	assert.Len(t, rec.byType(cascade.EventQuestionResolved), 1)
}

func TestEndSessionCancelsMonitors(t *testing.T) {
	cfg := testConfig()
	cfg.KnowledgeBase.Enabled = false
	cfg.MeetingContext.Enabled = false
	cfg.Generation.Enabled = false
	cfg.MonitorWindow = 5 * time.Second

	rec := &eventRecorder{}
	r := newResolver(cfg, nil, &fakeLLM{}, rec)

	q := cascade.NewQuestion(9, "s1", "a long watch?", "", "", 0.9)
	r.Register(q)

	done := make(chan struct{})
	go func() {
		r.Resolve(context.Background(), q, search.Scope{})
		close(done)
	}()

	// Give the watch a moment to start, then tear the session down.
	time.Sleep(50 * time.Millisecond)
	r.EndSession("s1")

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Resolve did not return after EndSession")
	}
	assert.Equal(t, cascade.StateSearching, q.State())
}

func TestOpenQuestions(t *testing.T) {
	cfg := testConfig()
	cfg.LiveConversation.Enabled = false
	cfg.Generation.Enabled = false

	rec := &eventRecorder{}
	r := newResolver(cfg, fixedSearch(0.95, "answered"), &fakeLLM{}, rec)

	open := cascade.NewQuestion(10, "s1", "still open?", "", "", 0.9)
	resolved := cascade.NewQuestion(11, "s1", "already done?", "", "", 0.9)
	r.Register(open)
	r.Register(resolved)
	r.Resolve(context.Background(), resolved, search.Scope{})

	remaining := r.OpenQuestions("s1")
	require.Len(t, remaining, 1)
	assert.Equal(t, int64(10), remaining[0].ID)
}
