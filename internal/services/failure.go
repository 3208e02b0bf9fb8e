package services

import (
	"context"
	"errors"

	"github.com/BerylCAtieno/invoice-leak-detector/internal/models"
	"github.com/BerylCAtieno/invoice-leak-detector/internal/queue"
	"github.com/BerylCAtieno/invoice-leak-detector/internal/repository"
	"github.com/BerylCAtieno/invoice-leak-detector/internal/utils"
)

// stage names the working and failed statuses of one document stage.
type stage struct {
	working models.DocumentStatus
	failed  models.DocumentStatus
}

var (
	extraction    = stage{working: models.StatusExtracting, failed: models.StatusExtractionFailed}
	normalization = stage{working: models.StatusNormalizing, failed: models.StatusNormalizationFailed}
	detectionRun  = stage{working: models.StatusDetecting, failed: models.StatusDetectionFailed}
)

// begin moves the document into the stage's working status. A document
// already there is an interrupted attempt and proceeds as is.
func (p *Pipeline) begin(ctx context.Context, doc *models.DocumentVersion, ready models.DocumentStatus, s stage) (bool, error) {
	if doc.Status == s.working {
		return true, nil
	}
	if doc.Status != ready {
		return false, nil
	}
	err := p.repos.Documents.Transition(ctx, doc.ID, ready, s.working)
	if errors.Is(err, repository.ErrStatusConflict) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	doc.Status = s.working
	return true, nil
}

// fail persists a stage failure. Permanent failures and the last attempt
// move the document to the failed status; earlier transient failures keep
// the working status and return the error for the queue to retry.
func (p *Pipeline) fail(ctx context.Context, job *queue.Job, doc *models.DocumentVersion, s stage, serr *utils.StageError) (queue.Result, error) {
	log := p.logger.With("job_id", job.ID, "document_version_id", doc.ID, "code", serr.Code, "attempt", job.Attempt)
	cause := serr.Err
	if cause == nil {
		cause = serr
	}

	if !serr.Permanent && !job.FinalAttempt() {
		log.Warn("Stage failed, will retry", "error", cause)
		if err := p.repos.Documents.RecordError(ctx, doc.ID, serr.Code, cause); err != nil {
			log.Error("Failed to record stage error", "error", err)
		}
		return queue.Result{}, serr
	}

	log.Error("Stage failed", "error", cause, "permanent", serr.Permanent)
	err := p.repos.Documents.Fail(ctx, doc.ID, s.working, s.failed, serr.Code, cause)
	if errors.Is(err, repository.ErrStatusConflict) {
		return queue.Skipped("document left " + string(s.working) + " concurrently"), nil
	}
	if err != nil {
		return queue.Result{}, err
	}
	if serr.Permanent {
		return queue.Failed(serr.Code), nil
	}
	return queue.Result{}, serr
}
