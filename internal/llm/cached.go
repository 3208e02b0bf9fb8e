package llm

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/BerylCAtieno/invoice-leak-detector/internal/models"
	"github.com/BerylCAtieno/invoice-leak-detector/internal/repository"
	"github.com/BerylCAtieno/invoice-leak-detector/internal/utils"
)

// CacheStore persists completions by content hash.
type CacheStore interface {
	Get(ctx context.Context, key string, at time.Time) (*models.LLMCacheEntry, error)
	Put(ctx context.Context, entry *models.LLMCacheEntry) error
}

// CachedProvider serves repeated calls from the cache. Reads and writes are
// unlocked: two concurrent misses both call the provider and the later
// write wins with an equivalent answer.
type CachedProvider struct {
	next        Provider
	store       CacheStore
	model       string
	visionModel string
	ttl         time.Duration
	logger      *utils.Logger
	now         func() time.Time
}

// NewCachedProvider keys text calls by model and image calls by visionModel.
func NewCachedProvider(next Provider, store CacheStore, model, visionModel string, ttl time.Duration, logger *utils.Logger) *CachedProvider {
	return &CachedProvider{
		next:        next,
		store:       store,
		model:       model,
		visionModel: visionModel,
		ttl:         ttl,
		logger:      logger.WithComponent("llm_cache"),
		now:         time.Now,
	}
}

// CacheKey hashes model, prompt version and payload.
func CacheKey(model, promptVersion string, payload []byte) string {
	sum := sha256.Sum256(payload)
	return utils.HashParts(model, promptVersion, hex.EncodeToString(sum[:]))
}

type cachedImageLines struct {
	Lines []string `json:"lines"`
}

func (c *CachedProvider) NormalizeInvoice(ctx context.Context, meta InvoiceMeta, text string) (*Completion, error) {
	key := CacheKey(c.model, PromptVersion+":normalize", []byte(text))
	if hit := c.lookup(ctx, key); hit != nil {
		return hit, nil
	}
	out, err := c.next.NormalizeInvoice(ctx, meta, text)
	if err != nil {
		return nil, err
	}
	c.save(ctx, c.entry(key, c.model, PromptVersion+":normalize", out.JSON, out.Usage))
	return out, nil
}

func (c *CachedProvider) RepairNormalizedInvoice(ctx context.Context, payload []byte, issues []string, meta InvoiceMeta) (*Completion, error) {
	material := append(append([]byte{}, payload...), []byte("\x1f"+strings.Join(issues, "\n"))...)
	key := CacheKey(c.model, PromptVersion+":repair", material)
	if hit := c.lookup(ctx, key); hit != nil {
		return hit, nil
	}
	out, err := c.next.RepairNormalizedInvoice(ctx, payload, issues, meta)
	if err != nil {
		return nil, err
	}
	c.save(ctx, c.entry(key, c.model, PromptVersion+":repair", out.JSON, out.Usage))
	return out, nil
}

func (c *CachedProvider) ExtractImageLines(ctx context.Context, image []byte, mimeType string) (*ImageLines, error) {
	key := CacheKey(c.visionModel, PromptVersion+":vision:"+mimeType, image)
	if hit := c.lookup(ctx, key); hit != nil {
		var lines cachedImageLines
		if err := json.Unmarshal(hit.JSON, &lines); err == nil {
			return &ImageLines{Lines: lines.Lines, Usage: hit.Usage, Model: hit.Model, Cached: true}, nil
		}
	}
	out, err := c.next.ExtractImageLines(ctx, image, mimeType)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(cachedImageLines{Lines: out.Lines})
	if err == nil {
		c.save(ctx, c.entry(key, c.visionModel, PromptVersion+":vision", body, out.Usage))
	}
	return out, nil
}

func (c *CachedProvider) lookup(ctx context.Context, key string) *Completion {
	entry, err := c.store.Get(ctx, key, c.now())
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			c.logger.Warn("LLM cache read failed", "error", err)
		}
		return nil
	}
	var usage Usage
	_ = json.Unmarshal(entry.Usage, &usage)
	return &Completion{JSON: entry.Response, Usage: usage, Model: entry.Model, Cached: true}
}

func (c *CachedProvider) save(ctx context.Context, entry *models.LLMCacheEntry) {
	if err := c.store.Put(ctx, entry); err != nil {
		c.logger.Warn("LLM cache write failed", "error", err)
	}
}

func (c *CachedProvider) entry(key, model, promptVersion string, response []byte, usage Usage) *models.LLMCacheEntry {
	usageJSON, _ := json.Marshal(usage)
	return &models.LLMCacheEntry{
		Key:           key,
		Model:         model,
		PromptVersion: promptVersion,
		Response:      models.RawJSON(response),
		Usage:         models.RawJSON(usageJSON),
		ExpiresAt:     c.now().Add(c.ttl).Unix(),
	}
}
