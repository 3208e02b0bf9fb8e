package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"path"

	"github.com/BerylCAtieno/invoice-leak-detector/internal/models"
	"github.com/BerylCAtieno/invoice-leak-detector/internal/queue"
	"github.com/BerylCAtieno/invoice-leak-detector/internal/repository"
	"github.com/BerylCAtieno/invoice-leak-detector/internal/storage"
	"github.com/BerylCAtieno/invoice-leak-detector/internal/utils"
)

type UploadRequest struct {
	OrgID       string
	ShopID      string
	Filename    string
	ContentType string
	File        []byte
}

// DocumentDetail is a version with what the pipeline produced for it.
type DocumentDetail struct {
	*models.DocumentVersion
	Artifact *models.ExtractedArtifact `json:"artifact,omitempty"`
	Invoice  *models.NormalizedInvoice `json:"invoice,omitempty"`
	Usage    []models.LLMUsage         `json:"llm_usage,omitempty"`
}

type DocumentService interface {
	UploadDocument(ctx context.Context, req *UploadRequest) (*models.DocumentVersion, error)
	// Ingest queues the first stage for an uploaded version.
	Ingest(ctx context.Context, id string) error
	// Resubmit returns a terminal version to UPLOADED and queues it again.
	Resubmit(ctx context.Context, id string) (*models.DocumentVersion, error)
	GetDocument(ctx context.Context, id string) (*DocumentDetail, error)
}

type documentService struct {
	repos   *repository.Repositories
	storage storage.Storage
	queue   queue.Queue
	logger  *utils.Logger
}

func NewDocumentService(repos *repository.Repositories, store storage.Storage, q queue.Queue, logger *utils.Logger) DocumentService {
	return &documentService{
		repos:   repos,
		storage: store,
		queue:   q,
		logger:  logger.WithComponent("documents"),
	}
}

func (s *documentService) UploadDocument(ctx context.Context, req *UploadRequest) (*models.DocumentVersion, error) {
	docID := utils.GenerateID()
	sum := sha256.Sum256(req.File)

	key := fmt.Sprintf("uploads/%s/%s/%s", req.OrgID, docID, path.Base(req.Filename))
	if err := s.storage.Upload(ctx, key, req.File, req.ContentType); err != nil {
		s.logger.Error("Failed to upload document", "error", err, "key", key)
		return nil, utils.NewInternalError("Failed to store document")
	}

	doc := &models.DocumentVersion{
		ID:         docID,
		OrgID:      req.OrgID,
		ShopID:     req.ShopID,
		MimeType:   req.ContentType,
		FileName:   req.Filename,
		ByteSize:   int64(len(req.File)),
		SHA256:     hex.EncodeToString(sum[:]),
		StorageKey: key,
		Status:     models.StatusUploaded,
	}
	if err := s.repos.Documents.Create(ctx, doc); err != nil {
		s.logger.Error("Failed to save document version", "error", err, "document_version_id", docID)
		// Attempt to cleanup storage
		_ = s.storage.Delete(ctx, key)
		return nil, utils.NewInternalError("Failed to save document metadata")
	}

	if err := s.Ingest(ctx, docID); err != nil {
		return nil, err
	}

	s.logger.Info("Document uploaded",
		"document_version_id", docID,
		"filename", req.Filename,
		"content_type", req.ContentType,
		"bytes", doc.ByteSize)
	return doc, nil
}

func (s *documentService) Ingest(ctx context.Context, id string) error {
	err := enqueue(ctx, s.queue, queue.JobIngestDocument, id, models.IngestDocumentPayload{DocumentVersionID: id})
	if err != nil {
		s.logger.Error("Failed to enqueue ingest", "error", err, "document_version_id", id)
		return utils.NewInternalError("Failed to queue document")
	}
	return nil
}

func (s *documentService) Resubmit(ctx context.Context, id string) (*models.DocumentVersion, error) {
	doc, err := s.repos.Documents.Resubmit(ctx, id)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return nil, utils.NewNotFoundError("Document version not found")
	case errors.Is(err, models.ErrIllegalTransition), errors.Is(err, repository.ErrStatusConflict):
		return nil, utils.NewConflictError(err.Error())
	case err != nil:
		s.logger.Error("Failed to resubmit document", "error", err, "document_version_id", id)
		return nil, utils.NewInternalError("Failed to resubmit document")
	}

	if err := s.Ingest(ctx, id); err != nil {
		return nil, err
	}
	s.logger.Info("Document resubmitted", "document_version_id", id)
	return doc, nil
}

func (s *documentService) GetDocument(ctx context.Context, id string) (*DocumentDetail, error) {
	doc, err := s.repos.Documents.GetByID(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, utils.NewNotFoundError("Document version not found")
	}
	if err != nil {
		s.logger.Error("Failed to get document", "error", err, "document_version_id", id)
		return nil, utils.NewInternalError("Failed to retrieve document")
	}

	detail := &DocumentDetail{DocumentVersion: doc}
	if detail.Artifact, err = s.repos.Documents.GetArtifact(ctx, id); err != nil && !errors.Is(err, repository.ErrNotFound) {
		return nil, utils.NewInternalError("Failed to retrieve extracted text")
	}
	if detail.Invoice, err = s.repos.Invoices.GetByDocumentVersion(ctx, id); err != nil && !errors.Is(err, repository.ErrNotFound) {
		return nil, utils.NewInternalError("Failed to retrieve invoice")
	}
	if detail.Usage, err = s.repos.Invoices.ListUsage(ctx, id); err != nil {
		return nil, utils.NewInternalError("Failed to retrieve LLM usage")
	}
	return detail, nil
}
