package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/BerylCAtieno/invoice-leak-detector/internal/models"
	"github.com/BerylCAtieno/invoice-leak-detector/internal/utils"
	"github.com/jmoiron/sqlx"
)

type DocumentRepository interface {
	Create(ctx context.Context, doc *models.DocumentVersion) error
	GetByID(ctx context.Context, id string) (*models.DocumentVersion, error)
	// Transition moves a version from -> to, rejecting illegal moves and
	// losing races with ErrStatusConflict.
	Transition(ctx context.Context, id string, from, to models.DocumentStatus) error
	// Fail moves a version into a failed status and records the error.
	Fail(ctx context.Context, id string, from, to models.DocumentStatus, code string, cause error) error
	// RecordError stores an error without changing status.
	RecordError(ctx context.Context, id, code string, cause error) error
	// Resubmit returns a terminal version to UPLOADED and clears its error.
	Resubmit(ctx context.Context, id string) (*models.DocumentVersion, error)

	UpsertArtifact(ctx context.Context, artifact *models.ExtractedArtifact) error
	GetArtifact(ctx context.Context, documentVersionID string) (*models.ExtractedArtifact, error)
}

type documentRepository struct {
	db *sqlx.DB
}

func NewDocumentRepository(db *sqlx.DB) DocumentRepository {
	return &documentRepository{db: db}
}

func (r *documentRepository) Create(ctx context.Context, doc *models.DocumentVersion) error {
	if doc.ID == "" {
		doc.ID = utils.GenerateID()
	}
	if doc.Status == "" {
		doc.Status = models.StatusUploaded
	}
	ts := now()
	doc.CreatedAt, doc.UpdatedAt = ts, ts

	query := `
		INSERT INTO document_versions (id, org_id, shop_id, mime_type, file_name, byte_size, sha256,
			storage_key, status, error_code, error_message, created_at, updated_at)
		VALUES (:id, :org_id, :shop_id, :mime_type, :file_name, :byte_size, :sha256,
			:storage_key, :status, :error_code, :error_message, :created_at, :updated_at)
	`
	if _, err := r.db.NamedExecContext(ctx, query, doc); err != nil {
		return fmt.Errorf("failed to insert document version: %w", err)
	}
	return nil
}

func (r *documentRepository) GetByID(ctx context.Context, id string) (*models.DocumentVersion, error) {
	var doc models.DocumentVersion
	err := r.db.GetContext(ctx, &doc, `SELECT * FROM document_versions WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get document version: %w", err)
	}
	return &doc, nil
}

func (r *documentRepository) Transition(ctx context.Context, id string, from, to models.DocumentStatus) error {
	if err := models.CheckTransition(from, to); err != nil {
		return err
	}
	return r.compareAndSet(ctx, id, from, to, nil, nil)
}

func (r *documentRepository) Fail(ctx context.Context, id string, from, to models.DocumentStatus, code string, cause error) error {
	if err := models.CheckTransition(from, to); err != nil {
		return err
	}
	msg := utils.TruncateError(cause)
	return r.compareAndSet(ctx, id, from, to, &code, &msg)
}

func (r *documentRepository) compareAndSet(ctx context.Context, id string, from, to models.DocumentStatus, code, msg *string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE document_versions
		SET status = ?, error_code = ?, error_message = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`, to, code, msg, now(), id, from)
	if err != nil {
		return fmt.Errorf("failed to update document status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: document %s is no longer %s", ErrStatusConflict, id, from)
	}
	return nil
}

func (r *documentRepository) RecordError(ctx context.Context, id, code string, cause error) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE document_versions SET error_code = ?, error_message = ?, updated_at = ? WHERE id = ?
	`, code, utils.TruncateError(cause), now(), id)
	if err != nil {
		return fmt.Errorf("failed to record document error: %w", err)
	}
	return nil
}

func (r *documentRepository) Resubmit(ctx context.Context, id string) (*models.DocumentVersion, error) {
	doc, err := r.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := models.CheckResubmit(doc.Status); err != nil {
		return nil, err
	}
	if err := r.compareAndSet(ctx, id, doc.Status, models.StatusUploaded, nil, nil); err != nil {
		return nil, err
	}
	return r.GetByID(ctx, id)
}

func (r *documentRepository) UpsertArtifact(ctx context.Context, a *models.ExtractedArtifact) error {
	ts := now()
	if a.ID == "" {
		a.ID = utils.GenerateID()
	}
	a.CreatedAt, a.UpdatedAt = ts, ts

	query := `
		INSERT INTO extracted_artifacts (id, document_version_id, text_content, extractor, page_count,
			fallback_vision, created_at, updated_at)
		VALUES (:id, :document_version_id, :text_content, :extractor, :page_count,
			:fallback_vision, :created_at, :updated_at)
		ON CONFLICT(document_version_id) DO UPDATE SET
			text_content = excluded.text_content,
			extractor = excluded.extractor,
			page_count = excluded.page_count,
			fallback_vision = excluded.fallback_vision,
			updated_at = excluded.updated_at
	`
	if _, err := r.db.NamedExecContext(ctx, query, a); err != nil {
		return fmt.Errorf("failed to upsert extracted artifact: %w", err)
	}
	return nil
}

func (r *documentRepository) GetArtifact(ctx context.Context, documentVersionID string) (*models.ExtractedArtifact, error) {
	var a models.ExtractedArtifact
	err := r.db.GetContext(ctx, &a, `SELECT * FROM extracted_artifacts WHERE document_version_id = ?`, documentVersionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get extracted artifact: %w", err)
	}
	return &a, nil
}
