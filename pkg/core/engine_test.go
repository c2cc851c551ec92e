package core_test

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tell-Me-Mo/tellmemo-app-sub004/pkg/cascade"
	"github.com/Tell-Me-Mo/tellmemo-app-sub004/pkg/core"
	"github.com/Tell-Me-Mo/tellmemo-app-sub004/pkg/llm"
	"github.com/Tell-Me-Mo/tellmemo-app-sub004/pkg/search"
	"github.com/Tell-Me-Mo/tellmemo-app-sub004/pkg/storage"
)

// stubEmbedder returns the same vector for every text, which makes any two
// texts perfectly similar. That keeps batches topically coherent and live
// watches eager to match, so the tests control flushing through priorities.
type stubEmbedder struct{}

func (stubEmbedder) Embed(ctx context.Context, text string) ([]float64, error) {
	return []float64{1, 0, 0}, nil
}

func (stubEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float64, error) {
	out := make([][]float64, len(texts))
	for i := range texts {
		out[i] = []float64{1, 0, 0}
	}
	return out, nil
}

func (stubEmbedder) Dimensions() int { return 3 }
func (stubEmbedder) Close() error    { return nil }

type stubLLM struct{}

func (stubLLM) Generate(ctx context.Context, prompt string, opts ...llm.GenerateOption) (string, error) {
	return `{"answer": "", "confidence": 0}`, nil
}

func (stubLLM) GenerateWithMessages(ctx context.Context, messages []llm.Message, opts ...llm.GenerateOption) (string, error) {
	return `{"answer": "", "confidence": 0}`, nil
}

func (stubLLM) Close() error { return nil }

// scriptedStream yields its chunks in order, then io.EOF.
type scriptedStream struct {
	chunks [][]byte
}

func (s *scriptedStream) Recv() ([]byte, error) {
	if len(s.chunks) == 0 {
		return nil, io.EOF
	}
	chunk := s.chunks[0]
	s.chunks = s.chunks[1:]
	return chunk, nil
}

func (s *scriptedStream) Close() error { return nil }

// scriptedTransport serves one canned response per StreamChat call. Calls
// past the script get an empty stream.
type scriptedTransport struct {
	mu        sync.Mutex
	responses []string
	calls     int
}

func (t *scriptedTransport) StreamChat(ctx context.Context, messages []llm.Message, opts ...llm.GenerateOption) (llm.ChunkStream, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls++
	if len(t.responses) == 0 {
		return &scriptedStream{}, nil
	}
	resp := t.responses[0]
	t.responses = t.responses[1:]
	return &scriptedStream{chunks: [][]byte{[]byte(resp)}}, nil
}

func (t *scriptedTransport) callCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.calls
}

// memStore is an in-memory InsightStore for engine tests.
type memStore struct {
	mu          sync.Mutex
	questions   map[int64]*storage.QuestionRecord
	questionIDs []int64
	actions     map[int64]*storage.ActionRecord
	actionIDs   []int64
}

func newMemStore() *memStore {
	return &memStore{
		questions: make(map[int64]*storage.QuestionRecord),
		actions:   make(map[int64]*storage.ActionRecord),
	}
}

func (m *memStore) SaveQuestion(ctx context.Context, q *storage.QuestionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *q
	m.questions[q.ID] = &clone
	m.questionIDs = append(m.questionIDs, q.ID)
	return nil
}

func (m *memStore) UpdateQuestionResolution(ctx context.Context, id int64, state, tier, answer string, confidence float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.questions[id]
	if !ok {
		return storage.ErrNotFound
	}
	q.State = state
	q.ResolvedTier = tier
	q.Answer = answer
	q.Confidence = confidence
	return nil
}

func (m *memStore) GetQuestion(ctx context.Context, id int64) (*storage.QuestionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.questions[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	clone := *q
	return &clone, nil
}

func (m *memStore) ListQuestions(ctx context.Context, opts *storage.ListOptions) ([]*storage.QuestionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*storage.QuestionRecord
	for i := len(m.questionIDs) - 1; i >= 0; i-- {
		q := m.questions[m.questionIDs[i]]
		if opts != nil && opts.SessionID != "" && q.SessionID != opts.SessionID {
			continue
		}
		clone := *q
		out = append(out, &clone)
	}
	return out, nil
}

func (m *memStore) SaveAction(ctx context.Context, a *storage.ActionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *a
	m.actions[a.ID] = &clone
	m.actionIDs = append(m.actionIDs, a.ID)
	return nil
}

func (m *memStore) UpdateAction(ctx context.Context, id int64, owner, deadline string, completeness, confidence float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.actions[id]
	if !ok {
		return storage.ErrNotFound
	}
	if owner != "" {
		a.Owner = owner
	}
	if deadline != "" {
		a.Deadline = deadline
	}
	a.Completeness = completeness
	a.Confidence = confidence
	return nil
}

func (m *memStore) ListActions(ctx context.Context, opts *storage.ListOptions) ([]*storage.ActionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*storage.ActionRecord
	for i := len(m.actionIDs) - 1; i >= 0; i-- {
		a := m.actions[m.actionIDs[i]]
		if opts != nil && opts.SessionID != "" && a.SessionID != opts.SessionID {
			continue
		}
		clone := *a
		out = append(out, &clone)
	}
	return out, nil
}

func (m *memStore) DeleteSession(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, q := range m.questions {
		if q.SessionID == sessionID {
			delete(m.questions, id)
		}
	}
	for id, a := range m.actions {
		if a.SessionID == sessionID {
			delete(m.actions, id)
		}
	}
	return nil
}

func (m *memStore) Close() error { return nil }

func testCascadeConfig() cascade.Config {
	cfg := cascade.DefaultConfig()
	cfg.MonitorWindow = 500 * time.Millisecond
	cfg.Generation.Enabled = false
	return cfg
}

func awaitEvent(t *testing.T, events <-chan cascade.Event, eventType string) cascade.Event {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case e := <-events:
			if e.Type == eventType {
				return e
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %q event", eventType)
			return cascade.Event{}
		}
	}
}

func TestEngineExtractsAndResolvesInsights(t *testing.T) {
	transport := &scriptedTransport{responses: []string{
		`{"type":"question","text":"when is the weekly sync?","speaker":"alex","category":"scheduling","confidence":0.9}` + "\n" +
			`{"type":"action","description":"send the budget summary","owner":"maria","deadline":"Friday","speaker":"maria","completeness":0.2,"confidence":0.9}` + "\n",
	}}
	store := newMemStore()
	events := make(chan cascade.Event, 32)
	searcher := search.Func(func(ctx context.Context, vector []float64, scope search.Scope, opts *search.Options) ([]*search.Hit, error) {
		return []*search.Hit{{
			ID:      "doc-1",
			Score:   0.91,
			Payload: map[string]interface{}{"text": "every Monday at nine"},
		}}, nil
	})

	cfg := &core.Config{Cascade: testCascadeConfig()}
	engine, err := core.NewEngine(cfg,
		core.WithEmbedder(stubEmbedder{}),
		core.WithLLM(stubLLM{}),
		core.WithStreamTransport(transport),
		core.WithInsightStore(store),
		core.WithSearcher(searcher),
		core.WithNotifier(cascade.NotifierFunc(func(ctx context.Context, sessionID string, event cascade.Event) error {
			events <- event
			return nil
		})),
	)
	require.NoError(t, err)
	defer engine.Close()

	ctx := context.Background()
	scope := search.Scope{OrganizationID: "org-1", ProjectID: "proj-1"}
	require.NoError(t, engine.StartSession(ctx, "standup", scope))

	// Action verb plus a weekday classifies as immediate, so a single
	// fragment is enough to trigger a batch flush.
	require.NoError(t, engine.ProcessFragment(ctx, "standup", "Maria will send the budget summary by Friday", "maria"))

	resolved := awaitEvent(t, events, cascade.EventQuestionResolved)
	assert.Equal(t, cascade.StateFound, resolved.State)

	require.NoError(t, engine.EndSession(ctx, "standup"))

	questions, err := engine.Questions(ctx, "standup")
	require.NoError(t, err)
	require.Len(t, questions, 1)
	assert.Equal(t, "when is the weekly sync?", questions[0].Text)
	assert.Equal(t, string(cascade.StateFound), questions[0].State)
	assert.Equal(t, string(cascade.TierKnowledgeBase), questions[0].ResolvedTier)
	assert.Equal(t, "every Monday at nine", questions[0].Answer)
	assert.Equal(t, "org-1", questions[0].OrganizationID)

	actions, err := engine.Actions(ctx, "standup")
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, "send the budget summary", actions[0].Description)
	assert.Equal(t, "maria", actions[0].Owner)
	assert.Equal(t, "Friday", actions[0].Deadline)

	assert.Empty(t, engine.OpenQuestions("standup"))
}

func TestEngineAppliesActionUpdates(t *testing.T) {
	transport := &scriptedTransport{responses: []string{
		`{"type":"action","description":"send the budget summary","owner":"maria","deadline":"Friday","completeness":0.2,"confidence":0.9}` + "\n",
		`{"type":"action_update","match_text":"budget summary","owner":"pavel","completeness":1.0,"confidence":0.85}` + "\n",
	}}
	store := newMemStore()

	cfg := &core.Config{Cascade: testCascadeConfig()}
	engine, err := core.NewEngine(cfg,
		core.WithEmbedder(stubEmbedder{}),
		core.WithLLM(stubLLM{}),
		core.WithStreamTransport(transport),
		core.WithInsightStore(store),
	)
	require.NoError(t, err)
	defer engine.Close()

	ctx := context.Background()
	require.NoError(t, engine.StartSession(ctx, "planning", search.Scope{OrganizationID: "org-1"}))

	require.NoError(t, engine.ProcessFragment(ctx, "planning", "Maria will send the budget summary by Friday", "maria"))
	require.NoError(t, engine.ProcessFragment(ctx, "planning", "Pavel will take over the summary and finish it today", "sam"))

	// EndSession waits for the worker to drain both flushes.
	require.NoError(t, engine.EndSession(ctx, "planning"))

	actions, err := engine.Actions(ctx, "planning")
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, "pavel", actions[0].Owner)
	assert.Equal(t, "Friday", actions[0].Deadline, "empty deadline in the update leaves the stored value")
	assert.InDelta(t, 1.0, actions[0].Completeness, 1e-9)
}

func TestEngineResolvesQuestionFromLiveConversation(t *testing.T) {
	transport := &scriptedTransport{responses: []string{
		`{"type":"question","text":"when does the audit start?","speaker":"alex","category":"process","confidence":0.9}` + "\n",
		`{"type":"answer","match_question_text":"when does the audit start","answer_text":"the first Monday of October","speaker":"sam","confidence":0.9}` + "\n",
	}}
	store := newMemStore()
	events := make(chan cascade.Event, 32)

	cfg := &core.Config{Cascade: testCascadeConfig()}
	engine, err := core.NewEngine(cfg,
		core.WithEmbedder(stubEmbedder{}),
		core.WithLLM(stubLLM{}),
		core.WithStreamTransport(transport),
		core.WithInsightStore(store),
		core.WithNotifier(cascade.NotifierFunc(func(ctx context.Context, sessionID string, event cascade.Event) error {
			events <- event
			return nil
		})),
	)
	require.NoError(t, err)
	defer engine.Close()

	ctx := context.Background()
	require.NoError(t, engine.StartSession(ctx, "review", search.Scope{OrganizationID: "org-1"}))

	require.NoError(t, engine.ProcessFragment(ctx, "review", "this blocker is a critical risk for the audit", "alex"))
	require.NoError(t, engine.ProcessFragment(ctx, "review", "the audit will start on the first Monday of October", "sam"))

	resolved := awaitEvent(t, events, cascade.EventQuestionResolved)
	assert.Equal(t, cascade.StateAnswered, resolved.State)
	assert.Equal(t, cascade.TierLiveConversation, resolved.Tier)

	require.NoError(t, engine.EndSession(ctx, "review"))

	questions, err := engine.Questions(ctx, "review")
	require.NoError(t, err)
	require.Len(t, questions, 1)
	assert.Equal(t, string(cascade.StateAnswered), questions[0].State)
	assert.Equal(t, string(cascade.TierLiveConversation), questions[0].ResolvedTier)
}

func TestEngineSessionLifecycle(t *testing.T) {
	cfg := &core.Config{Cascade: testCascadeConfig()}
	engine, err := core.NewEngine(cfg,
		core.WithEmbedder(stubEmbedder{}),
		core.WithLLM(stubLLM{}),
		core.WithStreamTransport(&scriptedTransport{}),
	)
	require.NoError(t, err)

	ctx := context.Background()

	err = engine.StartSession(ctx, "", search.Scope{})
	assert.ErrorIs(t, err, core.ErrInvalidInput)

	require.NoError(t, engine.StartSession(ctx, "s1", search.Scope{}))
	err = engine.StartSession(ctx, "s1", search.Scope{})
	assert.Error(t, err, "duplicate session must be rejected")

	err = engine.ProcessFragment(ctx, "missing", "hello there everyone", "sam")
	assert.ErrorIs(t, err, core.ErrSessionNotFound)

	err = engine.EndSession(ctx, "missing")
	assert.ErrorIs(t, err, core.ErrSessionNotFound)

	require.NoError(t, engine.Close())

	err = engine.StartSession(ctx, "s2", search.Scope{})
	assert.ErrorIs(t, err, core.ErrSessionClosed)

	assert.NoError(t, engine.Close(), "closing twice is a no-op")
}

func TestEngineWithoutStoreRejectsQueries(t *testing.T) {
	cfg := &core.Config{Cascade: testCascadeConfig()}
	engine, err := core.NewEngine(cfg,
		core.WithEmbedder(stubEmbedder{}),
		core.WithLLM(stubLLM{}),
		core.WithStreamTransport(&scriptedTransport{}),
	)
	require.NoError(t, err)
	defer engine.Close()

	_, err = engine.Questions(context.Background(), "s1")
	assert.ErrorIs(t, err, core.ErrStorageOperation)

	_, err = engine.Actions(context.Background(), "s1")
	assert.ErrorIs(t, err, core.ErrStorageOperation)
}

func TestEngineQuotaFlushRestartsCoherenceCeilings(t *testing.T) {
	transport := &scriptedTransport{}

	cfg := &core.Config{
		Analysis: core.AnalysisConfig{CoherenceMaxFragments: 4},
		Cascade:  testCascadeConfig(),
	}
	engine, err := core.NewEngine(cfg,
		core.WithEmbedder(stubEmbedder{}),
		core.WithLLM(stubLLM{}),
		core.WithStreamTransport(transport),
	)
	require.NoError(t, err)
	defer engine.Close()

	ctx := context.Background()
	require.NoError(t, engine.StartSession(ctx, "retro", search.Scope{}))

	// An immediate fragment flushes as a batch of one. The gate's fragment
	// ceiling must restart with the next batch instead of still counting
	// the flushed fragment against the following same-topic run.
	fragments := []string{
		"this blocker is a critical risk for the audit",
		"the deployment pipeline felt a bit slower overall",
		"latency numbers stayed within the usual range",
		"the caching layer behaved normally on staging",
		"dashboards showed steady traffic across all regions",
	}
	for _, text := range fragments {
		require.NoError(t, engine.ProcessFragment(ctx, "retro", text, "sam"))
	}

	require.NoError(t, engine.EndSession(ctx, "retro"))

	// Batch one is the immediate fragment; the four medium fragments share
	// one topic and fill the medium context quota together, so they leave
	// as a single second batch.
	assert.Equal(t, 2, transport.callCount())
}

func TestEngineNilConfig(t *testing.T) {
	_, err := core.NewEngine(nil)
	assert.ErrorIs(t, err, core.ErrInvalidConfig)
}

// failingTransport fails every stream attempt with an unclassified error,
// which the parser treats as terminal.
type failingTransport struct{}

func (failingTransport) StreamChat(ctx context.Context, messages []llm.Message, opts ...llm.GenerateOption) (llm.ChunkStream, error) {
	return nil, errors.New("connection refused")
}

func TestEngineReportsTerminalExtractionFailures(t *testing.T) {
	type failure struct {
		sessionID string
		err       error
	}
	failures := make(chan failure, 4)

	cfg := &core.Config{Cascade: testCascadeConfig()}
	engine, err := core.NewEngine(cfg,
		core.WithEmbedder(stubEmbedder{}),
		core.WithLLM(stubLLM{}),
		core.WithStreamTransport(failingTransport{}),
		core.WithErrorHandler(func(sessionID string, err error) {
			failures <- failure{sessionID: sessionID, err: err}
		}),
	)
	require.NoError(t, err)
	defer engine.Close()

	ctx := context.Background()
	require.NoError(t, engine.StartSession(ctx, "s1", search.Scope{}))
	require.NoError(t, engine.ProcessFragment(ctx, "s1", "Maria will send the budget summary by Friday", "maria"))

	select {
	case f := <-failures:
		assert.Equal(t, "s1", f.sessionID)
		assert.Error(t, f.err)
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for the error handler")
	}

	// The session survives the failure and accepts more fragments.
	require.NoError(t, engine.ProcessFragment(ctx, "s1", "Pavel will draft the agenda by Monday", "sam"))
	require.NoError(t, engine.EndSession(ctx, "s1"))
}
