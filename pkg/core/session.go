package core

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Tell-Me-Mo/tellmemo-app-sub004/pkg/cascade"
	"github.com/Tell-Me-Mo/tellmemo-app-sub004/pkg/detection"
	"github.com/Tell-Me-Mo/tellmemo-app-sub004/pkg/intelligence"
	"github.com/Tell-Me-Mo/tellmemo-app-sub004/pkg/metrics"
	"github.com/Tell-Me-Mo/tellmemo-app-sub004/pkg/search"
	"github.com/Tell-Me-Mo/tellmemo-app-sub004/pkg/storage"
)

// rollingContextBatches is how many recently flushed batch texts travel
// with the next batch as conversational context.
const rollingContextBatches = 3

// intakeBuffer is the per-session fragment channel capacity.
const intakeBuffer = 64

// actionRef tracks a persisted action so later action_update detections
// can be matched back to it.
type actionRef struct {
	id          int64
	description string
}

// session owns all mutable state for one meeting: the open topic batch,
// the rolling context window and the recent action registry. A single
// worker goroutine drains the intake channel, so no locking is needed on
// that state.
type session struct {
	id     string
	scope  search.Scope
	engine *Engine

	batch   TopicBatch
	rolling []string
	actions []actionRef

	nextIndex int

	fragments chan intelligence.Fragment
	done      chan struct{}

	mu     sync.Mutex
	closed bool
}

func newSession(e *Engine, id string, scope search.Scope) *session {
	return &session{
		id:        id,
		scope:     scope,
		engine:    e,
		fragments: make(chan intelligence.Fragment, intakeBuffer),
		done:      make(chan struct{}),
	}
}

// submit queues a fragment for processing, assigning its index and
// timestamp.
func (s *session) submit(ctx context.Context, text, speaker string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return NewEngineError("ProcessFragment", ErrSessionClosed)
	}
	frag := intelligence.Fragment{
		Index:     s.nextIndex,
		Text:      text,
		Timestamp: time.Now(),
		Speaker:   speaker,
	}
	s.nextIndex++
	s.mu.Unlock()

	select {
	case s.fragments <- frag:
		return nil
	case <-ctx.Done():
		return NewEngineError("ProcessFragment", ctx.Err())
	}
}

// close stops intake. The worker drains whatever is already queued,
// flushes the open batch and then signals done.
func (s *session) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.fragments)
}

// run is the session worker. Fragments are handled strictly in arrival
// order, and each batch's detections are fully drained before the next
// batch may start streaming.
func (s *session) run() {
	defer close(s.done)

	for frag := range s.fragments {
		s.handle(frag)
	}

	// Session end: anything still accumulated gets one final pass.
	s.flush(FlushSessionEnd)
}

func (s *session) handle(frag intelligence.Fragment) {
	ctx := s.engine.ctx

	// Live monitors see every fragment, including ones the analyzer would
	// skip; an answer can be short.
	s.engine.resolver.OfferFragment(s.id, frag)

	signals := s.engine.analyzer.Analyze(frag)
	priority := s.engine.analyzer.Classify(frag, signals)

	if priority == intelligence.PrioritySkip {
		cause := "low_information"
		if signals.WordCount < s.minFragmentWords() {
			cause = "short"
		}
		metrics.FragmentsSkipped.WithLabelValues(cause).Inc()

		// Skipped fragments still join the batch as context, without
		// paying for a coherence check.
		s.batch.Append(frag, priority)
		s.flushIfReady()
		return
	}

	decision := s.engine.gate.Evaluate(ctx, s.id, frag)
	if !decision.Continue {
		s.flush(flushReasonFor(decision.Reason))
	}

	s.batch.Append(frag, priority)
	s.flushIfReady()
}

func (s *session) minFragmentWords() int {
	if s.engine.config.Analysis.MinFragmentWords > 0 {
		return s.engine.config.Analysis.MinFragmentWords
	}
	return 5
}

func (s *session) flushIfReady() {
	maxFragments := s.engine.config.Analysis.MaxBatchFragments
	if maxFragments <= 0 {
		maxFragments = 5
	}
	minWords := s.engine.config.Analysis.MinBatchWords
	if minWords <= 0 {
		minWords = 30
	}

	if ready, reason := s.batch.Ready(maxFragments, minWords); ready {
		s.flush(reason)
		// The gate tracked the batch that just went out; its ceilings must
		// restart with the next one.
		s.engine.gate.Reset(s.id)
	}
}

func flushReasonFor(reason intelligence.BatchReason) FlushReason {
	switch reason {
	case intelligence.ReasonMaxAge:
		return FlushMaxAge
	case intelligence.ReasonMaxFragments:
		return FlushMaxFragments
	default:
		return FlushTopicShift
	}
}

// flush streams the open batch through the intelligence parser and routes
// every detection before returning. Terminal transport failures are logged
// and the batch content is dropped; the session keeps processing.
func (s *session) flush(reason FlushReason) {
	if len(s.batch.Fragments) == 0 {
		return
	}

	batchText := s.batch.Text()
	rollingContext := strings.Join(s.rolling, "\n---\n")
	s.batch = TopicBatch{}

	metrics.BatchesFlushed.WithLabelValues(string(reason)).Inc()
	s.engine.logger.WithFields(logrus.Fields{
		"session_id": s.id,
		"reason":     reason,
	}).Debug("session: flushing batch")

	results := s.engine.parser.Stream(s.engine.ctx, batchText, rollingContext, detection.SystemInstruction)
	for result := range results {
		if result.Err != nil {
			s.engine.logger.WithFields(logrus.Fields{
				"session_id": s.id,
				"error":      result.Err,
			}).Error("session: batch extraction failed")
			if s.engine.errorHandler != nil {
				s.engine.errorHandler(s.id, result.Err)
			}
			break
		}
		s.route(result.Detection)
	}

	s.rolling = append(s.rolling, batchText)
	if len(s.rolling) > rollingContextBatches {
		s.rolling = s.rolling[1:]
	}
}

// route dispatches one decoded detection. IDs and timestamps are assigned
// here, not by the model.
func (s *session) route(det detection.Detection) {
	ctx := s.engine.ctx

	switch d := det.(type) {
	case detection.Question:
		s.routeQuestion(ctx, d)
	case detection.Action:
		s.routeAction(ctx, d)
	case detection.ActionUpdate:
		s.routeActionUpdate(ctx, d)
	case detection.Answer:
		s.engine.resolver.HandleAnswer(ctx, s.id, d)
	}
}

func (s *session) routeQuestion(ctx context.Context, d detection.Question) {
	id := s.engine.node.Generate().Int64()
	q := cascade.NewQuestion(id, s.id, d.Text, d.Speaker, d.Category, d.Confidence)
	s.engine.resolver.Register(q)

	if s.engine.store != nil {
		record := &storage.QuestionRecord{
			ID:             id,
			SessionID:      s.id,
			OrganizationID: s.scope.OrganizationID,
			ProjectID:      s.scope.ProjectID,
			Text:           d.Text,
			Speaker:        d.Speaker,
			Category:       d.Category,
			State:          string(cascade.StateSearching),
			Confidence:     d.Confidence,
		}
		if err := s.engine.store.SaveQuestion(ctx, record); err != nil {
			s.engine.logger.WithFields(logrus.Fields{
				"session_id":  s.id,
				"question_id": id,
				"error":       err,
			}).Warn("session: failed to persist question")
		}
	}

	// The cascade blocks through the live watch, so it runs off the
	// session worker.
	go s.engine.resolver.Resolve(ctx, q, s.scope)
}

func (s *session) routeAction(ctx context.Context, d detection.Action) {
	id := s.engine.node.Generate().Int64()
	s.actions = append(s.actions, actionRef{id: id, description: d.Description})

	if s.engine.store == nil {
		return
	}
	record := &storage.ActionRecord{
		ID:             id,
		SessionID:      s.id,
		OrganizationID: s.scope.OrganizationID,
		ProjectID:      s.scope.ProjectID,
		Description:    d.Description,
		Owner:          d.Owner,
		Deadline:       d.Deadline,
		Speaker:        d.Speaker,
		Completeness:   d.Completeness,
		Confidence:     d.Confidence,
	}
	if err := s.engine.store.SaveAction(ctx, record); err != nil {
		s.engine.logger.WithFields(logrus.Fields{
			"session_id": s.id,
			"action_id":  id,
			"error":      err,
		}).Warn("session: failed to persist action")
	}
}

func (s *session) routeActionUpdate(ctx context.Context, d detection.ActionUpdate) {
	ref, ok := s.matchAction(d.MatchText)
	if !ok {
		s.engine.logger.WithFields(logrus.Fields{
			"session_id": s.id,
			"match_text": d.MatchText,
		}).Info("session: action update matched no known action, dropping")
		return
	}

	if s.engine.store == nil {
		return
	}
	if err := s.engine.store.UpdateAction(ctx, ref.id, d.Owner, d.Deadline, d.Completeness, d.Confidence); err != nil {
		s.engine.logger.WithFields(logrus.Fields{
			"session_id": s.id,
			"action_id":  ref.id,
			"error":      err,
		}).Warn("session: failed to persist action update")
	}
}

// matchAction finds the most recent action whose description overlaps the
// update's match text. Most recent wins because updates usually refer to
// what was just said.
func (s *session) matchAction(matchText string) (actionRef, bool) {
	words := substantiveWords(matchText)
	if len(words) == 0 {
		return actionRef{}, false
	}

	for i := len(s.actions) - 1; i >= 0; i-- {
		description := strings.ToLower(s.actions[i].description)
		matched := 0
		for _, w := range words {
			if strings.Contains(description, w) {
				matched++
			}
		}
		if float64(matched)/float64(len(words)) >= 0.5 {
			return s.actions[i], true
		}
	}
	return actionRef{}, false
}

func substantiveWords(text string) []string {
	var words []string
	for _, w := range strings.Fields(strings.ToLower(text)) {
		w = strings.Trim(w, ".,!?;:\"'")
		if len(w) > 3 {
			words = append(words, w)
		}
	}
	return words
}
