package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/BerylCAtieno/invoice-leak-detector/internal/llm"
	"github.com/BerylCAtieno/invoice-leak-detector/internal/models"
	"github.com/BerylCAtieno/invoice-leak-detector/internal/normalizer"
	"github.com/BerylCAtieno/invoice-leak-detector/internal/queue"
	"github.com/BerylCAtieno/invoice-leak-detector/internal/repository"
	"github.com/BerylCAtieno/invoice-leak-detector/internal/utils"
)

// HandleNormalize turns extracted text into a validated invoice, with one
// repair round-trip, and chains detection.
func (p *Pipeline) HandleNormalize(ctx context.Context, job *queue.Job) (queue.Result, error) {
	var payload models.NormalizeInvoicePayload
	if err := job.Decode(&payload); err != nil {
		return queue.Failed(err.Error()), nil
	}
	log := p.logger.With("job_id", job.ID, "document_version_id", payload.DocumentVersionID)

	doc, err := p.repos.Documents.GetByID(ctx, payload.DocumentVersionID)
	if err != nil {
		return lookupFailure(err, "document version")
	}

	if doc.Status == models.StatusNormalized {
		if err := p.enqueueDetection(ctx, doc); err != nil {
			return queue.Result{}, err
		}
		return queue.Skipped("already normalized"), nil
	}
	ok, err := p.begin(ctx, doc, models.StatusExtracted, normalization)
	if err != nil {
		return queue.Result{}, err
	}
	if !ok {
		log.Info("Skipping normalization", "status", doc.Status)
		return queue.Skipped("document is " + string(doc.Status)), nil
	}

	artifact, err := p.repos.Documents.GetArtifact(ctx, doc.ID)
	if errors.Is(err, repository.ErrNotFound) {
		return p.fail(ctx, job, doc, normalization,
			utils.NewPermanentError(models.ErrCodeNormalizationFailed, errors.New("no extracted artifact")))
	}
	if err != nil {
		return p.fail(ctx, job, doc, normalization, utils.NewStageError(models.ErrCodeNormalizationFailed, err))
	}

	meta := llm.InvoiceMeta{
		DocumentVersionID: doc.ID,
		FileName:          doc.FileName,
		MimeType:          doc.MimeType,
		Extractor:         artifact.Extractor,
	}

	first, err := p.llm.NormalizeInvoice(ctx, meta, normalizer.Preprocess(artifact.TextContent))
	if err != nil {
		return p.fail(ctx, job, doc, normalization, utils.NewStageError(models.ErrCodeNormalizationFailed, err))
	}
	usage := []models.LLMUsage{usageRow("normalize_invoice", first)}
	raw := first.JSON

	parsed, issues := p.schema.Validate(raw)
	if len(issues) > 0 {
		log.Warn("Normalized invoice failed validation, attempting repair", "issues", len(issues))
		if err := p.repos.Documents.RecordError(ctx, doc.ID, models.ErrCodeNormalizationSchema, issuesError(issues)); err != nil {
			log.Error("Failed to record schema error", "error", err)
		}

		repaired, err := p.llm.RepairNormalizedInvoice(ctx, raw, issues, meta)
		if err != nil {
			return p.fail(ctx, job, doc, normalization, utils.NewStageError(models.ErrCodeNormalizationFailed, err))
		}
		usage = append(usage, usageRow("repair_normalized_invoice", repaired))
		raw = repaired.JSON

		parsed, issues = p.schema.Validate(raw)
		if len(issues) > 0 {
			return p.fail(ctx, job, doc, normalization,
				utils.NewPermanentError(models.ErrCodeNormalizationRepairFailed, issuesError(issues)))
		}
	}

	write := parsed.ToWrite(doc, raw)
	write.Usage = usage
	err = p.repos.Invoices.SaveNormalized(ctx, write)
	if errors.Is(err, repository.ErrStatusConflict) {
		return queue.Skipped("document left NORMALIZING concurrently"), nil
	}
	if err != nil {
		return p.fail(ctx, job, doc, normalization, utils.NewStageError(models.ErrCodeNormalizationFailed, err))
	}

	log.Info("Invoice normalized",
		"currency", write.Invoice.Currency,
		"line_items", len(write.LineItems),
		"repaired", len(usage) > 1)

	if err := p.enqueueDetection(ctx, doc); err != nil {
		return queue.Result{}, err
	}
	return queue.OK(), nil
}

func (p *Pipeline) enqueueDetection(ctx context.Context, doc *models.DocumentVersion) error {
	err := enqueue(ctx, p.queue, queue.JobRunDetection, doc.ID,
		models.RunDetectionPayload{DocumentVersionID: doc.ID, ShopID: doc.ShopID})
	if err != nil {
		return fmt.Errorf("failed to chain detection: %w", err)
	}
	return nil
}

func usageRow(operation string, c *llm.Completion) models.LLMUsage {
	return models.LLMUsage{
		Operation:        operation,
		Model:            c.Model,
		PromptTokens:     c.Usage.PromptTokens,
		CompletionTokens: c.Usage.CompletionTokens,
		TotalTokens:      c.Usage.TotalTokens,
		Cached:           c.Cached,
	}
}

func issuesError(issues []string) error {
	return errors.New(strings.Join(issues, "; "))
}
