package cache_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/Tell-Me-Mo/tellmemo-app-sub004/pkg/cache"
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

func countingSearch(calls *int, hits []*search.Hit) cache.SearchFunc {
	return func(ctx context.Context, vector []float64) ([]*search.Hit, error) {
		*calls++
		return hits, nil
	}
}

func TestGetOrSearchCachesSimilarQueries(t *testing.T) {
	emb := &fakeEmbedder{vectors: map[string][]float64{
		"what is the rollout plan":      {1, 0, 0},
		"what is the rollout plan for?": {0.99, 0.01, 0},
	}}
	c := cache.NewSearchCache(emb, cache.Config{}, nil)
	scope := search.Scope{OrganizationID: "org-1"}
	hits := []*search.Hit{{ID: "doc-1", Score: 0.9}}

	calls := 0
	fn := countingSearch(&calls, hits)

	got := c.GetOrSearch(context.Background(), "s1", "what is the rollout plan", scope, fn)
	assert.Equal(t, hits, got)
	assert.Equal(t, 1, calls)

	// Near-identical query reuses the entry without a second search.
	got = c.GetOrSearch(context.Background(), "s1", "what is the rollout plan for?", scope, fn)
	assert.Equal(t, hits, got)
	assert.Equal(t, 1, calls)
}

func TestGetOrSearchMissesOnDissimilarQuery(t *testing.T) {
	emb := &fakeEmbedder{vectors: map[string][]float64{
		"rollout plan":   {1, 0, 0},
		"lunch schedule": {0, 1, 0},
	}}
	c := cache.NewSearchCache(emb, cache.Config{}, nil)
	scope := search.Scope{OrganizationID: "org-1"}

	calls := 0
	fn := countingSearch(&calls, []*search.Hit{{ID: "doc-1", Score: 0.9}})

	c.GetOrSearch(context.Background(), "s1", "rollout plan", scope, fn)
	c.GetOrSearch(context.Background(), "s1", "lunch schedule", scope, fn)

	assert.Equal(t, 2, calls)
}

func TestGetOrSearchMissesOnScopeMismatch(t *testing.T) {
	emb := &fakeEmbedder{}
	c := cache.NewSearchCache(emb, cache.Config{}, nil)

	calls := 0
	fn := countingSearch(&calls, []*search.Hit{{ID: "doc-1", Score: 0.9}})

	c.GetOrSearch(context.Background(), "s1", "same query", search.Scope{OrganizationID: "org-1"}, fn)
	c.GetOrSearch(context.Background(), "s1", "same query", search.Scope{OrganizationID: "org-2"}, fn)

	assert.Equal(t, 2, calls, "a different scope must never reuse cached results")
}

func TestGetOrSearchMissesAfterTTL(t *testing.T) {
	emb := &fakeEmbedder{}
	c := cache.NewSearchCache(emb, cache.Config{TTL: 20 * time.Millisecond}, nil)
	scope := search.Scope{OrganizationID: "org-1"}

	calls := 0
	fn := countingSearch(&calls, []*search.Hit{{ID: "doc-1", Score: 0.9}})

	c.GetOrSearch(context.Background(), "s1", "same query", scope, fn)
	time.Sleep(30 * time.Millisecond)
	c.GetOrSearch(context.Background(), "s1", "same query", scope, fn)

	assert.Equal(t, 2, calls)
}

func TestGetOrSearchFailsOpenOnEmbedError(t *testing.T) {
	emb := &fakeEmbedder{err: errors.New("embedding service down")}
	c := cache.NewSearchCache(emb, cache.Config{}, nil)

	calls := 0
	fn := countingSearch(&calls, []*search.Hit{{ID: "doc-1", Score: 0.9}})

	got := c.GetOrSearch(context.Background(), "s1", "query", search.Scope{}, fn)
	assert.Empty(t, got, "embed failure degrades to an empty result set")
	assert.Equal(t, 0, calls)
}

func TestGetOrSearchFailsOpenOnSearchError(t *testing.T) {
	c := cache.NewSearchCache(&fakeEmbedder{}, cache.Config{}, nil)

	got := c.GetOrSearch(context.Background(), "s1", "query", search.Scope{}, func(ctx context.Context, vector []float64) ([]*search.Hit, error) {
		return nil, errors.New("search backend down")
	})
	assert.Empty(t, got)

	// The failure is not cached; the next call searches again.
	hits := []*search.Hit{{ID: "doc-1", Score: 0.9}}
	calls := 0
	got = c.GetOrSearch(context.Background(), "s1", "query", search.Scope{}, countingSearch(&calls, hits))
	assert.Equal(t, hits, got)
	assert.Equal(t, 1, calls)
}

func TestClearSession(t *testing.T) {
	c := cache.NewSearchCache(&fakeEmbedder{}, cache.Config{}, nil)
	scope := search.Scope{OrganizationID: "org-1"}

	calls := 0
	fn := countingSearch(&calls, []*search.Hit{{ID: "doc-1", Score: 0.9}})

	c.GetOrSearch(context.Background(), "s1", "same query", scope, fn)
	c.ClearSession("s1")
	c.GetOrSearch(context.Background(), "s1", "same query", scope, fn)

	assert.Equal(t, 2, calls)
}

func TestClearAll(t *testing.T) {
	c := cache.NewSearchCache(&fakeEmbedder{}, cache.Config{}, nil)
	scope := search.Scope{OrganizationID: "org-1"}

	calls := 0
	fn := countingSearch(&calls, []*search.Hit{{ID: "doc-1", Score: 0.9}})

	c.GetOrSearch(context.Background(), "s1", "same query", scope, fn)
	c.GetOrSearch(context.Background(), "s2", "same query", scope, fn)
	c.ClearAll()
	c.GetOrSearch(context.Background(), "s1", "same query", scope, fn)
	c.GetOrSearch(context.Background(), "s2", "same query", scope, fn)

	assert.Equal(t, 4, calls)
}
