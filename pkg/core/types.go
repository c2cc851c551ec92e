package core

import (
	"strings"
	"time"

	"github.com/Tell-Me-Mo/tellmemo-app-sub004/pkg/intelligence"
)

// FlushReason explains why a topic batch was handed to the streaming parser.
type FlushReason string

const (
	// FlushQuotaMet fires when the armed priority's context quota filled.
	FlushQuotaMet FlushReason = "quota_met"

	// FlushMaxFragments fires at the hard fragment ceiling.
	FlushMaxFragments FlushReason = "max_fragments"

	// FlushMinWords fires when the accumulated word count passed the
	// processing floor.
	FlushMinWords FlushReason = "min_words"

	// FlushTopicShift fires when the coherence gate closed the batch.
	FlushTopicShift FlushReason = "topic_shift"

	// FlushMaxAge fires when the coherence gate aged the batch out.
	FlushMaxAge FlushReason = "max_age"

	// FlushSessionEnd fires when the session ends with a non-empty batch.
	FlushSessionEnd FlushReason = "session_end"
)

// TopicBatch is an ordered run of fragments believed to share one
// discussion topic. It accumulates until a flush trigger fires, then its
// combined text is streamed through the intelligence parser.
type TopicBatch struct {
	// Fragments are the batch members in arrival order.
	Fragments []intelligence.Fragment

	// Priority is the highest priority observed across the batch's
	// analyzable fragments.
	Priority intelligence.Priority

	// WordCount is the accumulated word count across all fragments.
	WordCount int

	// ContextSince counts fragments accumulated after the fragment that
	// armed the current priority.
	ContextSince int

	// OpenedAt is when the first fragment arrived.
	OpenedAt time.Time
}

// Append adds a fragment to the batch, re-arming the priority trigger when
// the new fragment's priority outranks the current one.
func (b *TopicBatch) Append(frag intelligence.Fragment, priority intelligence.Priority) {
	if len(b.Fragments) == 0 {
		b.OpenedAt = frag.Timestamp
		if b.OpenedAt.IsZero() {
			b.OpenedAt = time.Now()
		}
	}
	b.Fragments = append(b.Fragments, frag)
	b.WordCount += len(strings.Fields(frag.Text))

	if priority == intelligence.PrioritySkip {
		if b.Priority != "" {
			b.ContextSince++
		}
		return
	}

	if b.Priority == "" || priorityRank(priority) > priorityRank(b.Priority) {
		b.Priority = priority
		b.ContextSince = 0
		return
	}
	b.ContextSince++
}

// Ready reports whether a processing trigger has fired, and which one.
// maxFragments and minWords are the hard ceiling and the accumulated word
// floor that force processing regardless of priority.
func (b *TopicBatch) Ready(maxFragments, minWords int) (bool, FlushReason) {
	if len(b.Fragments) == 0 {
		return false, ""
	}
	if len(b.Fragments) >= maxFragments {
		return true, FlushMaxFragments
	}
	if b.Priority != "" && b.ContextSince >= b.Priority.ContextQuota() {
		return true, FlushQuotaMet
	}
	if b.WordCount >= minWords {
		return true, FlushMinWords
	}
	return false, ""
}

// Text joins fragment texts with speaker attribution where available.
func (b *TopicBatch) Text() string {
	var sb strings.Builder
	for i, frag := range b.Fragments {
		if i > 0 {
			sb.WriteString("\n")
		}
		if frag.Speaker != "" {
			sb.WriteString(frag.Speaker)
			sb.WriteString(": ")
		}
		sb.WriteString(frag.Text)
	}
	return sb.String()
}

func priorityRank(p intelligence.Priority) int {
	switch p {
	case intelligence.PriorityImmediate:
		return 4
	case intelligence.PriorityHigh:
		return 3
	case intelligence.PriorityMedium:
		return 2
	case intelligence.PriorityLow:
		return 1
	default:
		return 0
	}
}
