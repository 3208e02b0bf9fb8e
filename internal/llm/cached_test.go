package llm

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/BerylCAtieno/invoice-leak-detector/internal/models"
	"github.com/BerylCAtieno/invoice-leak-detector/internal/repository"
	"github.com/BerylCAtieno/invoice-leak-detector/internal/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memoryCache struct {
	mu      sync.Mutex
	entries map[string]*models.LLMCacheEntry
}

func (m *memoryCache) Get(_ context.Context, key string, at time.Time) (*models.LLMCacheEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok || e.ExpiresAt <= at.Unix() {
		return nil, repository.ErrNotFound
	}
	return e, nil
}

func (m *memoryCache) Put(_ context.Context, e *models.LLMCacheEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[e.Key] = e
	return nil
}

type countingProvider struct {
	normalizeCalls int
	visionCalls    int
}

func (p *countingProvider) NormalizeInvoice(context.Context, InvoiceMeta, string) (*Completion, error) {
	p.normalizeCalls++
	return &Completion{JSON: []byte(`{"ok":true}`), Usage: Usage{TotalTokens: 7}, Model: "m"}, nil
}

func (p *countingProvider) RepairNormalizedInvoice(context.Context, []byte, []string, InvoiceMeta) (*Completion, error) {
	return &Completion{JSON: []byte(`{}`), Model: "m"}, nil
}

func (p *countingProvider) ExtractImageLines(context.Context, []byte, string) (*ImageLines, error) {
	p.visionCalls++
	return &ImageLines{Lines: []string{"a", "b"}, Model: "m"}, nil
}

func TestCachedProviderServesRepeatCalls(t *testing.T) {
	ctx := context.Background()
	next := &countingProvider{}
	cache := &memoryCache{entries: map[string]*models.LLMCacheEntry{}}
	p := NewCachedProvider(next, cache, "m", "v", 30*24*time.Hour, utils.NewNopLogger())

	first, err := p.NormalizeInvoice(ctx, InvoiceMeta{}, "same text")
	require.NoError(t, err)
	assert.False(t, first.Cached)

	second, err := p.NormalizeInvoice(ctx, InvoiceMeta{}, "same text")
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, 7, second.Usage.TotalTokens)
	assert.Equal(t, 1, next.normalizeCalls)

	_, err = p.NormalizeInvoice(ctx, InvoiceMeta{}, "other text")
	require.NoError(t, err)
	assert.Equal(t, 2, next.normalizeCalls)

	lines, err := p.ExtractImageLines(ctx, []byte("img"), "image/png")
	require.NoError(t, err)
	lines2, err := p.ExtractImageLines(ctx, []byte("img"), "image/png")
	require.NoError(t, err)
	assert.Equal(t, lines.Lines, lines2.Lines)
	assert.True(t, lines2.Cached)
	assert.Equal(t, 1, next.visionCalls)
}

func TestCachedProviderExpiry(t *testing.T) {
	ctx := context.Background()
	next := &countingProvider{}
	cache := &memoryCache{entries: map[string]*models.LLMCacheEntry{}}
	p := NewCachedProvider(next, cache, "m", "v", time.Hour, utils.NewNopLogger())

	base := time.Now()
	p.now = func() time.Time { return base }
	_, err := p.NormalizeInvoice(ctx, InvoiceMeta{}, "t")
	require.NoError(t, err)

	p.now = func() time.Time { return base.Add(2 * time.Hour) }
	_, err = p.NormalizeInvoice(ctx, InvoiceMeta{}, "t")
	require.NoError(t, err)
	assert.Equal(t, 2, next.normalizeCalls)
}

func TestCachedVisionKeyFollowsVisionModel(t *testing.T) {
	ctx := context.Background()
	next := &countingProvider{}
	cache := &memoryCache{entries: map[string]*models.LLMCacheEntry{}}

	first := NewCachedProvider(next, cache, "text-model", "vision-a", time.Hour, utils.NewNopLogger())
	_, err := first.ExtractImageLines(ctx, []byte("img"), "image/png")
	require.NoError(t, err)
	for _, e := range cache.entries {
		assert.Equal(t, "vision-a", e.Model)
	}

	// Changing only the text model keeps vision hits.
	sameVision := NewCachedProvider(next, cache, "other-text-model", "vision-a", time.Hour, utils.NewNopLogger())
	out, err := sameVision.ExtractImageLines(ctx, []byte("img"), "image/png")
	require.NoError(t, err)
	assert.True(t, out.Cached)
	assert.Equal(t, 1, next.visionCalls)

	newVision := NewCachedProvider(next, cache, "text-model", "vision-b", time.Hour, utils.NewNopLogger())
	out, err = newVision.ExtractImageLines(ctx, []byte("img"), "image/png")
	require.NoError(t, err)
	assert.False(t, out.Cached)
	assert.Equal(t, 2, next.visionCalls)
}

func TestCacheKeyDependsOnModelAndVersion(t *testing.T) {
	payload := []byte("x")
	assert.NotEqual(t, CacheKey("a", "v1", payload), CacheKey("b", "v1", payload))
	assert.NotEqual(t, CacheKey("a", "v1", payload), CacheKey("a", "v2", payload))
	assert.Equal(t, CacheKey("a", "v1", payload), CacheKey("a", "v1", payload))
}
