// Package metrics exposes Prometheus counters for pipeline observability.
//
// All counters are registered on the default registry via promauto so that
// embedding applications only need to mount promhttp.Handler() to scrape them.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// BatchesFlushed counts topic batches sent to the language model,
	// labeled by the reason the batch was closed.
	BatchesFlushed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tellmemo",
		Subsystem: "pipeline",
		Name:      "batches_flushed_total",
		Help:      "Topic batches flushed to the language model, by close reason.",
	}, []string{"reason"})

	// FragmentsSkipped counts fragments dropped before batching,
	// labeled by skip cause (short, low_information).
	FragmentsSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tellmemo",
		Subsystem: "pipeline",
		Name:      "fragments_skipped_total",
		Help:      "Transcript fragments classified as SKIP, by cause.",
	}, []string{"cause"})

	// DetectionsParsed counts well-formed detections decoded from the
	// model stream, labeled by detection type.
	DetectionsParsed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tellmemo",
		Subsystem: "detection",
		Name:      "parsed_total",
		Help:      "Detections decoded from the model stream, by type.",
	}, []string{"type"})

	// MalformedLines counts stream lines that could not be decoded and
	// were skipped.
	MalformedLines = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "tellmemo",
		Subsystem: "detection",
		Name:      "malformed_lines_total",
		Help:      "Model stream lines skipped because they were not valid detections.",
	})

	// TransportRetries counts retried stream-establishment attempts,
	// labeled by failure class (rate_limited, timeout).
	TransportRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tellmemo",
		Subsystem: "detection",
		Name:      "transport_retries_total",
		Help:      "Language model transport retries, by failure class.",
	}, []string{"class"})

	// CacheHits counts shared search cache hits.
	CacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "tellmemo",
		Subsystem: "search_cache",
		Name:      "hits_total",
		Help:      "Semantic search results served from the shared cache.",
	})

	// CacheMisses counts shared search cache misses, labeled by miss
	// cause (absent, expired, scope, similarity, error).
	CacheMisses = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tellmemo",
		Subsystem: "search_cache",
		Name:      "misses_total",
		Help:      "Semantic searches that bypassed the shared cache, by cause.",
	}, []string{"cause"})

	// TierAttempts counts answer cascade tier attempts, labeled by tier
	// and outcome (accepted, below_floor, error, disabled).
	TierAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tellmemo",
		Subsystem: "cascade",
		Name:      "tier_attempts_total",
		Help:      "Answer resolution tier attempts, by tier and outcome.",
	}, []string{"tier", "outcome"})
)
