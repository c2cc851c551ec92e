// Package cache provides a short-TTL, similarity-gated cache of semantic
// search results, shared by the independent analysis phases of one session.
//
// The cache holds at most one entry per active session, so memory stays
// bounded by the number of live meetings. Every internal failure degrades to
// a fresh search; callers always get a result set.
package cache

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"

	"github.com/Tell-Me-Mo/tellmemo-app-sub004/pkg/embedder"
	"github.com/Tell-Me-Mo/tellmemo-app-sub004/pkg/intelligence"
	"github.com/Tell-Me-Mo/tellmemo-app-sub004/pkg/metrics"
	"github.com/Tell-Me-Mo/tellmemo-app-sub004/pkg/search"
)

// SearchFunc performs the actual vector search when the cache misses.
// The cache supplies the freshly computed query embedding; the caller
// closes over scope, filters, and limits.
type SearchFunc func(ctx context.Context, vector []float64) ([]*search.Hit, error)

// Config configures a SearchCache.
type Config struct {
	// TTL is the maximum age of a reusable entry. If 0, defaults to 30s.
	TTL time.Duration

	// ReuseThreshold is the minimum cosine similarity between the new
	// query's embedding and the stored embedding for reuse.
	// If 0, defaults to 0.90.
	ReuseThreshold float64

	// EmbedTimeout bounds each embedding call. If 0, defaults to 10s.
	EmbedTimeout time.Duration
}

// SearchCache caches one semantic search result set per session.
//
// An entry is reused only while it is younger than the TTL, the requesting
// (organization, project) scope matches, and the stored query embedding is
// at least ReuseThreshold cosine-similar to the new query's embedding.
type SearchCache struct {
	embedder embedder.Provider
	store    *gocache.Cache
	cfg      Config
	logger   *logrus.Logger
}

// entry is the cached state for one session.
type entry struct {
	query     string
	embedding []float64
	results   []*search.Hit
	scope     search.Scope
	created   time.Time
}

// NewSearchCache creates a SearchCache backed by the given embedder.
func NewSearchCache(emb embedder.Provider, cfg Config, logger *logrus.Logger) *SearchCache {
	if cfg.TTL == 0 {
		cfg.TTL = 30 * time.Second
	}
	if cfg.ReuseThreshold == 0 {
		cfg.ReuseThreshold = 0.90
	}
	if cfg.EmbedTimeout == 0 {
		cfg.EmbedTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &SearchCache{
		embedder: emb,
		store:    gocache.New(cfg.TTL, cfg.TTL),
		cfg:      cfg,
		logger:   logger,
	}
}

// GetOrSearch returns cached results when the session's entry is fresh,
// scope-matched, and similar enough to the new query; otherwise it runs
// searchFn with a freshly computed embedding and stores the outcome.
//
// Failures during embedding or search are absorbed: the caller receives an
// empty (never nil-dereferencing) result set rather than an error.
func (c *SearchCache) GetOrSearch(ctx context.Context, sessionID, query string, scope search.Scope, searchFn SearchFunc) []*search.Hit {
	embedCtx, cancel := context.WithTimeout(ctx, c.cfg.EmbedTimeout)
	defer cancel()

	vector, err := c.embedder.Embed(embedCtx, query)
	if err != nil {
		metrics.CacheMisses.WithLabelValues("error").Inc()
		c.logger.WithFields(logrus.Fields{
			"session_id": sessionID,
			"error":      err,
		}).Warn("search cache: query embedding failed, returning empty results")
		return nil
	}

	if cached := c.lookup(sessionID, scope, vector); cached != nil {
		metrics.CacheHits.Inc()
		return cached.results
	}

	results, err := searchFn(ctx, vector)
	if err != nil {
		metrics.CacheMisses.WithLabelValues("error").Inc()
		c.logger.WithFields(logrus.Fields{
			"session_id": sessionID,
			"error":      err,
		}).Warn("search cache: search failed, returning empty results")
		return nil
	}

	c.store.Set(sessionID, &entry{
		query:     query,
		embedding: vector,
		results:   results,
		scope:     scope,
		created:   time.Now(),
	}, gocache.DefaultExpiration)

	return results
}

// lookup returns the session's entry when it is eligible for reuse.
func (c *SearchCache) lookup(sessionID string, scope search.Scope, vector []float64) *entry {
	value, found := c.store.Get(sessionID)
	if !found {
		metrics.CacheMisses.WithLabelValues("absent").Inc()
		return nil
	}

	cached, ok := value.(*entry)
	if !ok {
		metrics.CacheMisses.WithLabelValues("error").Inc()
		return nil
	}

	// go-cache enforces the TTL; the explicit age check guards against a
	// TTL reconfigured shorter than the store's default.
	if time.Since(cached.created) >= c.cfg.TTL {
		metrics.CacheMisses.WithLabelValues("expired").Inc()
		return nil
	}
	if !cached.scope.Equal(scope) {
		metrics.CacheMisses.WithLabelValues("scope").Inc()
		return nil
	}

	similarity := intelligence.CosineSimilarity(vector, cached.embedding)
	if similarity < c.cfg.ReuseThreshold {
		metrics.CacheMisses.WithLabelValues("similarity").Inc()
		return nil
	}

	return cached
}

// ClearSession removes the entry owned by a session. It must be called at
// session teardown.
func (c *SearchCache) ClearSession(sessionID string) {
	c.store.Delete(sessionID)
}

// ClearAll removes every cached entry.
func (c *SearchCache) ClearAll() {
	c.store.Flush()
}
