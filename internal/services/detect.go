package services

import (
	"context"
	"errors"

	"github.com/BerylCAtieno/invoice-leak-detector/internal/models"
	"github.com/BerylCAtieno/invoice-leak-detector/internal/queue"
	"github.com/BerylCAtieno/invoice-leak-detector/internal/repository"
	"github.com/BerylCAtieno/invoice-leak-detector/internal/utils"
)

// HandleDetection runs the detectors over the shop window the document
// belongs to.
func (p *Pipeline) HandleDetection(ctx context.Context, job *queue.Job) (queue.Result, error) {
	var payload models.RunDetectionPayload
	if err := job.Decode(&payload); err != nil {
		return queue.Failed(err.Error()), nil
	}
	log := p.logger.With("job_id", job.ID, "document_version_id", payload.DocumentVersionID)

	doc, err := p.repos.Documents.GetByID(ctx, payload.DocumentVersionID)
	if err != nil {
		return lookupFailure(err, "document version")
	}
	ok, err := p.begin(ctx, doc, models.StatusNormalized, detectionRun)
	if err != nil {
		return queue.Result{}, err
	}
	if !ok {
		log.Info("Skipping detection", "status", doc.Status)
		return queue.Skipped("document is " + string(doc.Status)), nil
	}

	shopID := payload.ShopID
	if shopID == "" {
		shopID = doc.ShopID
	}
	summary, err := p.detector.Run(ctx, doc.OrgID, shopID)
	if err != nil {
		return p.fail(ctx, job, doc, detectionRun, utils.NewStageError(models.ErrCodeDetectionEngineFailed, err))
	}

	err = p.repos.Documents.Transition(ctx, doc.ID, models.StatusDetecting, models.StatusDetected)
	if errors.Is(err, repository.ErrStatusConflict) {
		return queue.Skipped("document left DETECTING concurrently"), nil
	}
	if err != nil {
		return queue.Result{}, err
	}

	log.Info("Detection finished",
		"shop_id", shopID,
		"created", summary.Created,
		"updated", summary.Updated,
		"reopened", summary.Reopened)
	return queue.OK(), nil
}
