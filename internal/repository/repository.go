package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
)

var (
	ErrNotFound = errors.New("record not found")
	// ErrStatusConflict means the row no longer holds the expected status:
	// another worker advanced it first.
	ErrStatusConflict = errors.New("status changed concurrently")
)

// Repositories bundles the per-entity stores over one database handle.
type Repositories struct {
	Documents DocumentRepository
	Invoices  InvoiceRepository
	Findings  FindingRepository
	Actions   ActionRepository
	LLMCache  LLMCacheRepository
}

func NewRepositories(db *sqlx.DB) *Repositories {
	return &Repositories{
		Documents: NewDocumentRepository(db),
		Invoices:  NewInvoiceRepository(db),
		Findings:  NewFindingRepository(db),
		Actions:   NewActionRepository(db),
		LLMCache:  NewLLMCacheRepository(db),
	}
}

// withTx runs fn inside a transaction. Only tx may be used inside fn: the
// pool holds a single connection.
func withTx(ctx context.Context, db *sqlx.DB, fn func(tx *sqlx.Tx) error) error {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return errors.Join(err, fmt.Errorf("failed to rollback: %w", rbErr))
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// IsUniqueViolation matches the constraint error text shared by both
// SQLite drivers.
func IsUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func now() time.Time {
	return time.Now().UTC()
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
