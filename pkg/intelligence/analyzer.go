package intelligence

import (
	"regexp"
	"strings"
)

// SignalAnalyzer scores transcript fragments for semantic density and
// classifies them into processing priorities.
//
// The analyzer is rule-based: keyword and pattern heuristics keep it cheap
// enough to run on every fragment without a model call. It is stateless and
// safe for concurrent use.
//
// Example usage:
//
//	analyzer := NewSignalAnalyzer(AnalyzerConfig{})
//	signals := analyzer.Analyze(fragment)
//	priority := analyzer.Classify(fragment, signals)
type SignalAnalyzer struct {
	// minWords is the minimum word count below which a fragment
	// classifies as SKIP.
	minWords int

	// highDensityThreshold is the density score at or above which a
	// fragment is considered high density.
	highDensityThreshold float64
}

// AnalyzerConfig configures a SignalAnalyzer.
type AnalyzerConfig struct {
	// MinWords is the minimum fragment word count to analyze.
	// If 0, defaults to 5.
	MinWords int

	// HighDensityThreshold is the high-density cutoff. If 0, defaults
	// to 0.3.
	HighDensityThreshold float64
}

// NewSignalAnalyzer creates a SignalAnalyzer with the given configuration.
func NewSignalAnalyzer(cfg AnalyzerConfig) *SignalAnalyzer {
	if cfg.MinWords == 0 {
		cfg.MinWords = 5
	}
	if cfg.HighDensityThreshold == 0 {
		cfg.HighDensityThreshold = 0.3
	}
	return &SignalAnalyzer{
		minWords:             cfg.MinWords,
		highDensityThreshold: cfg.HighDensityThreshold,
	}
}

var (
	actionVerbPhrases = []string{
		"will ", "we'll ", "i'll ", "need to", "needs to", "have to",
		"going to", "let's ", "must ", "should ", "follow up",
		"take care", "send ", "schedule", "prepare", "draft",
		"review ", "fix ", "implement", "set up", "reach out",
	}

	timeReferencePattern = regexp.MustCompile(`(?i)\b(today|tomorrow|tonight|yesterday|monday|tuesday|wednesday|thursday|friday|saturday|sunday|next week|this week|next month|end of (the )?(day|week|month|quarter)|eod|eow|q[1-4]|by \w+day|deadline|\d{1,2}(:\d{2})?\s?(am|pm)|\d{1,2}/\d{1,2})\b`)

	questionLeads = []string{
		"what", "why", "how", "when", "who", "where", "which",
		"can", "could", "would", "should", "is", "are", "do", "does",
		"did", "will", "have", "has",
	}

	decisionPhrases = []string{
		"decided", "we'll go with", "going with", "agreed", "agree to",
		"final decision", "conclusion", "approved", "sign off",
		"signed off", "settled on", "let's go with",
	}

	assignmentPhrases = []string{
		"assigned", "assign ", "will handle", "will take", "will own",
		"takes this", "is responsible", "responsible for", "owner is",
		"you take", "your task", "on your plate", "can you take",
	}

	riskPhrases = []string{
		"risk", "blocker", "blocked", "blocking", "concern", "worried",
		"critical", "urgent", "slip", "slipping", "delay",
		"behind schedule", "at stake", "showstopper", "problem with",
	}

	fillerWords = map[string]bool{
		"um": true, "uh": true, "like": true, "you": true, "know": true,
		"so": true, "well": true, "yeah": true, "okay": true, "ok": true,
		"right": true, "just": true, "actually": true, "basically": true,
		"literally": true, "hmm": true, "mhm": true,
	}

	stopwords = map[string]bool{
		"the": true, "a": true, "an": true, "and": true, "or": true,
		"but": true, "is": true, "are": true, "was": true, "were": true,
		"be": true, "to": true, "of": true, "in": true, "on": true,
		"at": true, "it": true, "its": true, "this": true, "that": true,
		"for": true, "with": true, "as": true, "by": true, "we": true,
		"i": true, "you": true, "he": true, "she": true, "they": true,
	}
)

// Analyze derives semantic signals from a fragment.
func (a *SignalAnalyzer) Analyze(fragment Fragment) Signals {
	text := fragment.Text
	lower := strings.ToLower(text)
	words := strings.Fields(lower)

	signals := Signals{
		WordCount:        len(words),
		HasTimeReference: timeReferencePattern.MatchString(text),
		IsQuestion:       isQuestionForm(lower, words),
	}

	for _, phrase := range actionVerbPhrases {
		if strings.Contains(lower, phrase) {
			signals.HasActionVerb = true
			break
		}
	}
	for _, phrase := range decisionPhrases {
		if strings.Contains(lower, phrase) {
			signals.HasDecision = true
			break
		}
	}
	for _, phrase := range assignmentPhrases {
		if strings.Contains(lower, phrase) {
			signals.HasAssignment = true
			break
		}
	}
	for _, phrase := range riskPhrases {
		if strings.Contains(lower, phrase) {
			signals.HasRisk = true
			break
		}
	}

	return signals
}

// Classify maps a fragment and its signals to a processing priority.
//
// Fragments below the minimum word count or flagged low-information
// classify as PrioritySkip. Otherwise combined action+time or combined
// decision+assignment language (or any risk language) is PriorityImmediate;
// any single strong flag is PriorityHigh; everything else is
// PriorityMedium. PriorityLow is never produced here; it is reserved for
// batching-accumulation states.
func (a *SignalAnalyzer) Classify(fragment Fragment, signals Signals) Priority {
	if signals.WordCount < a.minWords {
		return PrioritySkip
	}
	if a.IsLowInformation(fragment) {
		return PrioritySkip
	}

	switch {
	case (signals.HasActionVerb && signals.HasTimeReference) ||
		(signals.HasDecision && signals.HasAssignment) ||
		signals.HasRisk:
		return PriorityImmediate
	case signals.HasActionVerb || signals.HasTimeReference ||
		signals.IsQuestion || signals.HasDecision:
		return PriorityHigh
	default:
		return PriorityMedium
	}
}

// HighDensityThreshold returns the configured high-density cutoff.
func (a *SignalAnalyzer) HighDensityThreshold() float64 {
	return a.highDensityThreshold
}

// IsLowInformation reports whether a fragment carries too little lexical
// content to be worth analyzing ("gibberish" detection).
//
// A fragment is low-information when any of the following holds:
//   - fewer than 3 words
//   - lexical uniqueness (distinct words / total words) below 0.5
//   - filler-word ratio above 0.6
//   - any three identical consecutive words
//   - fewer than 2 substantive words (non-stopword, longer than 2 runes)
func (a *SignalAnalyzer) IsLowInformation(fragment Fragment) bool {
	words := strings.Fields(strings.ToLower(fragment.Text))
	total := len(words)
	if total < 3 {
		return true
	}

	distinct := make(map[string]bool, total)
	fillers := 0
	substantive := 0
	repeats := 1
	for i, w := range words {
		w = strings.Trim(w, ".,!?;:\"'")
		distinct[w] = true
		if fillerWords[w] {
			fillers++
		}
		if !stopwords[w] && len([]rune(w)) > 2 {
			substantive++
		}
		if i > 0 && w == strings.Trim(words[i-1], ".,!?;:\"'") {
			repeats++
			if repeats >= 3 {
				return true
			}
		} else {
			repeats = 1
		}
	}

	if float64(len(distinct))/float64(total) < 0.5 {
		return true
	}
	if float64(fillers)/float64(total) > 0.6 {
		return true
	}
	if substantive < 2 {
		return true
	}
	return false
}

// isQuestionForm reports interrogative form: a trailing question mark or a
// leading interrogative word.
func isQuestionForm(lower string, words []string) bool {
	if strings.Contains(lower, "?") {
		return true
	}
	if len(words) == 0 {
		return false
	}
	first := strings.Trim(words[0], ".,!?;:\"'")
	for _, lead := range questionLeads {
		if first == lead {
			return true
		}
	}
	return false
}
