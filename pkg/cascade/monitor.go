package cascade

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Tell-Me-Mo/tellmemo-app-sub004/pkg/embedder"
	"github.com/Tell-Me-Mo/tellmemo-app-sub004/pkg/intelligence"
)

// MonitorOutcome is how a live-conversation watch ended.
type MonitorOutcome string

const (
	// OutcomeMatched means a subsequent fragment answered the question.
	OutcomeMatched MonitorOutcome = "matched"

	// OutcomeExpired means the bounded window elapsed without a match.
	OutcomeExpired MonitorOutcome = "expired"

	// OutcomeCancelled means the watch was cancelled because the
	// question was resolved elsewhere.
	OutcomeCancelled MonitorOutcome = "cancelled"
)

// MonitorResult is the terminal result of a live-conversation watch.
type MonitorResult struct {
	Outcome    MonitorOutcome
	Fragment   intelligence.Fragment
	Answer     string
	Confidence float64
}

// Monitor watches subsequent session fragments for an answer to one open
// question, for a bounded duration.
//
// The watch supports explicit cancellation so that a resolution arriving
// through another path (an Answer detection, an earlier tier) stops the
// wait immediately instead of burning out the timeout.
type Monitor struct {
	question *Question
	floor    float64
	window   time.Duration

	embedder     embedder.Provider
	embedTimeout time.Duration
	logger       *logrus.Logger

	questionEmbedding []float64

	fragments  chan intelligence.Fragment
	done       chan MonitorResult
	cancel     chan struct{}
	cancelOnce sync.Once
}

// newMonitor creates (but does not start) a monitor for the question.
func newMonitor(q *Question, floor float64, window time.Duration, emb embedder.Provider, embedTimeout time.Duration, logger *logrus.Logger) *Monitor {
	return &Monitor{
		question:     q,
		floor:        floor,
		window:       window,
		embedder:     emb,
		embedTimeout: embedTimeout,
		logger:       logger,
		fragments:    make(chan intelligence.Fragment, 16),
		done:         make(chan MonitorResult, 1),
		cancel:       make(chan struct{}),
	}
}

// start seeds the question embedding and launches the watch loop.
func (m *Monitor) start(ctx context.Context) {
	embedCtx, cancel := context.WithTimeout(ctx, m.embedTimeout)
	vector, err := m.embedder.Embed(embedCtx, m.question.Text)
	cancel()
	if err != nil {
		// Lexical matching still works without an embedding.
		m.logger.WithFields(logrus.Fields{
			"question_id": m.question.ID,
			"error":       err,
		}).Warn("live monitor: question embedding failed, falling back to lexical matching")
	} else {
		m.questionEmbedding = vector
	}

	go m.run(ctx)
}

func (m *Monitor) run(ctx context.Context) {
	timer := time.NewTimer(m.window)
	defer timer.Stop()

	for {
		select {
		case <-m.cancel:
			m.done <- MonitorResult{Outcome: OutcomeCancelled}
			return
		case <-ctx.Done():
			m.done <- MonitorResult{Outcome: OutcomeCancelled}
			return
		case <-timer.C:
			m.done <- MonitorResult{Outcome: OutcomeExpired}
			return
		case frag := <-m.fragments:
			confidence := m.match(ctx, frag)
			if confidence >= m.floor {
				m.done <- MonitorResult{
					Outcome:    OutcomeMatched,
					Fragment:   frag,
					Answer:     frag.Text,
					Confidence: confidence,
				}
				return
			}
		}
	}
}

// Offer hands a new session fragment to the watch. It never blocks; if the
// monitor's buffer is full the fragment is dropped with a warning.
func (m *Monitor) Offer(frag intelligence.Fragment) {
	select {
	case m.fragments <- frag:
	case <-m.cancel:
	default:
		m.logger.WithFields(logrus.Fields{
			"question_id":    m.question.ID,
			"fragment_index": frag.Index,
		}).Warn("live monitor: fragment buffer full, dropping")
	}
}

// Cancel stops the watch immediately. Safe to call more than once.
func (m *Monitor) Cancel() {
	m.cancelOnce.Do(func() { close(m.cancel) })
}

// Result blocks until the watch terminates.
func (m *Monitor) Result() MonitorResult {
	return <-m.done
}

// match scores how confidently the fragment answers the question, using
// embedding similarity when available and lexical overlap otherwise.
func (m *Monitor) match(ctx context.Context, frag intelligence.Fragment) float64 {
	if m.questionEmbedding != nil {
		embedCtx, cancel := context.WithTimeout(ctx, m.embedTimeout)
		vector, err := m.embedder.Embed(embedCtx, frag.Text)
		cancel()
		if err == nil {
			return intelligence.CosineSimilarity(m.questionEmbedding, vector)
		}
		m.logger.WithFields(logrus.Fields{
			"question_id": m.question.ID,
			"error":       err,
		}).Debug("live monitor: fragment embedding failed, using lexical overlap")
	}

	return lexicalOverlap(m.question.Text, frag.Text)
}

// lexicalOverlap computes a crude containment score: the share of the
// question's substantive words that also appear in the candidate text.
func lexicalOverlap(question, candidate string) float64 {
	qWords := substantiveWords(question)
	if len(qWords) == 0 {
		return 0
	}
	cWords := make(map[string]bool)
	for _, w := range substantiveWords(candidate) {
		cWords[w] = true
	}

	matched := 0
	for _, w := range qWords {
		if cWords[w] {
			matched++
		}
	}
	return float64(matched) / float64(len(qWords))
}

func substantiveWords(text string) []string {
	var out []string
	for _, w := range strings.Fields(strings.ToLower(text)) {
		w = strings.Trim(w, ".,!?;:\"'")
		if len([]rune(w)) > 3 {
			out = append(out, w)
		}
	}
	return out
}
