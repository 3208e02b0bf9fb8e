package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/BerylCAtieno/invoice-leak-detector/internal/models"
	"github.com/jmoiron/sqlx"
)

type LLMCacheRepository interface {
	// Get returns a live entry or ErrNotFound when missing or expired.
	Get(ctx context.Context, key string, at time.Time) (*models.LLMCacheEntry, error)
	Put(ctx context.Context, entry *models.LLMCacheEntry) error
	PurgeExpired(ctx context.Context, at time.Time) (int64, error)
}

type llmCacheRepository struct {
	db *sqlx.DB
}

func NewLLMCacheRepository(db *sqlx.DB) LLMCacheRepository {
	return &llmCacheRepository{db: db}
}

func (r *llmCacheRepository) Get(ctx context.Context, key string, at time.Time) (*models.LLMCacheEntry, error) {
	var entry models.LLMCacheEntry
	err := r.db.GetContext(ctx, &entry, `
		SELECT * FROM llm_cache WHERE key = ? AND expires_at > ?
	`, key, at.Unix())
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read llm cache: %w", err)
	}
	return &entry, nil
}

// Put overwrites any entry under the same key; racing writers store
// equivalent responses.
func (r *llmCacheRepository) Put(ctx context.Context, entry *models.LLMCacheEntry) error {
	entry.CreatedAt = now()
	_, err := r.db.NamedExecContext(ctx, `
		INSERT OR REPLACE INTO llm_cache (key, model, prompt_version, response, usage, expires_at, created_at)
		VALUES (:key, :model, :prompt_version, :response, :usage, :expires_at, :created_at)
	`, entry)
	if err != nil {
		return fmt.Errorf("failed to write llm cache: %w", err)
	}
	return nil
}

func (r *llmCacheRepository) PurgeExpired(ctx context.Context, at time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM llm_cache WHERE expires_at <= ?`, at.Unix())
	if err != nil {
		return 0, fmt.Errorf("failed to purge llm cache: %w", err)
	}
	return res.RowsAffected()
}
