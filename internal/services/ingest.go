package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/BerylCAtieno/invoice-leak-detector/internal/models"
	"github.com/BerylCAtieno/invoice-leak-detector/internal/queue"
	"github.com/BerylCAtieno/invoice-leak-detector/internal/repository"
	"github.com/BerylCAtieno/invoice-leak-detector/internal/storage"
	"github.com/BerylCAtieno/invoice-leak-detector/internal/utils"
)

// HandleIngest downloads the uploaded file, extracts its text and chains
// normalization.
func (p *Pipeline) HandleIngest(ctx context.Context, job *queue.Job) (queue.Result, error) {
	var payload models.IngestDocumentPayload
	if err := job.Decode(&payload); err != nil {
		return queue.Failed(err.Error()), nil
	}
	log := p.logger.With("job_id", job.ID, "document_version_id", payload.DocumentVersionID)

	doc, err := p.repos.Documents.GetByID(ctx, payload.DocumentVersionID)
	if err != nil {
		return lookupFailure(err, "document version")
	}

	if doc.Status == models.StatusExtracted {
		// Extraction finished but the chain may not have been queued.
		if err := p.enqueueNormalize(ctx, doc.ID); err != nil {
			return queue.Result{}, err
		}
		return queue.Skipped("already extracted"), nil
	}
	ok, err := p.begin(ctx, doc, models.StatusUploaded, extraction)
	if err != nil {
		return queue.Result{}, err
	}
	if !ok {
		log.Info("Skipping ingest", "status", doc.Status)
		return queue.Skipped("document is " + string(doc.Status)), nil
	}

	data, err := p.store.Download(ctx, doc.StorageKey)
	if err != nil {
		serr := utils.NewStageError(models.ErrCodeFileDownloadFailed, err)
		if errors.Is(err, storage.ErrObjectNotFound) {
			serr.Permanent = true
		}
		return p.fail(ctx, job, doc, extraction, serr)
	}

	res, err := p.extractor.Extract(ctx, data, doc.MimeType)
	if err != nil {
		return p.fail(ctx, job, doc, extraction, utils.AsStageError(err, models.ErrCodeExtractionFailed))
	}

	if err := p.repos.Documents.UpsertArtifact(ctx, &models.ExtractedArtifact{
		DocumentVersionID: doc.ID,
		TextContent:       res.Text,
		Extractor:         res.Extractor,
		PageCount:         res.PageCount,
		FallbackVision:    res.FallbackVision,
	}); err != nil {
		return p.fail(ctx, job, doc, extraction, utils.NewStageError(models.ErrCodeExtractionFailed, err))
	}

	err = p.repos.Documents.Transition(ctx, doc.ID, models.StatusExtracting, models.StatusExtracted)
	if errors.Is(err, repository.ErrStatusConflict) {
		return queue.Skipped("document left EXTRACTING concurrently"), nil
	}
	if err != nil {
		return queue.Result{}, err
	}

	log.Info("Document extracted",
		"extractor", res.Extractor,
		"pages", res.PageCount,
		"fallback_vision", res.FallbackVision,
		"text_length", len(res.Text),
		"vision_tokens", res.Usage.TotalTokens)

	if err := p.enqueueNormalize(ctx, doc.ID); err != nil {
		return queue.Result{}, err
	}
	return queue.OK(), nil
}

func (p *Pipeline) enqueueNormalize(ctx context.Context, documentVersionID string) error {
	err := enqueue(ctx, p.queue, queue.JobNormalizeInvoice, documentVersionID,
		models.NormalizeInvoicePayload{DocumentVersionID: documentVersionID})
	if err != nil {
		return fmt.Errorf("failed to chain normalization: %w", err)
	}
	return nil
}
