package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/BerylCAtieno/invoice-leak-detector/internal/config"
)

var ErrObjectNotFound = errors.New("object not found")

type Storage interface {
	Upload(ctx context.Context, key string, data []byte, contentType string) error
	Download(ctx context.Context, key string) ([]byte, error)
	Exists(ctx context.Context, key string) (bool, error)
	Delete(ctx context.Context, key string) error
}

// New builds the blob store selected by STORAGE_PROVIDER.
func New(ctx context.Context, cfg *config.Config) (Storage, error) {
	switch cfg.StorageProvider {
	case "s3":
		return NewS3Storage(ctx, cfg)
	case "gcs":
		return NewGCSStorage(ctx, cfg)
	case "memory":
		return NewMemoryStorage(), nil
	default:
		return nil, fmt.Errorf("unknown storage provider %q", cfg.StorageProvider)
	}
}
