package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/BerylCAtieno/invoice-leak-detector/internal/detection"
	"github.com/BerylCAtieno/invoice-leak-detector/internal/evidencepack"
	"github.com/BerylCAtieno/invoice-leak-detector/internal/extractor"
	"github.com/BerylCAtieno/invoice-leak-detector/internal/llm"
	"github.com/BerylCAtieno/invoice-leak-detector/internal/normalizer"
	"github.com/BerylCAtieno/invoice-leak-detector/internal/notify"
	"github.com/BerylCAtieno/invoice-leak-detector/internal/queue"
	"github.com/BerylCAtieno/invoice-leak-detector/internal/repository"
	"github.com/BerylCAtieno/invoice-leak-detector/internal/storage"
	"github.com/BerylCAtieno/invoice-leak-detector/internal/utils"
)

// Deps are the collaborators of the pipeline stages. Mailer is nil when
// mail credentials are not configured.
type Deps struct {
	Repos     *repository.Repositories
	Storage   storage.Storage
	Queue     queue.Queue
	Extractor extractor.Service
	LLM       llm.Provider
	Schema    *normalizer.Schema
	Detector  detection.Engine
	Packs     evidencepack.Builder
	Mailer    notify.Mailer
	MailFrom  string
}

// Pipeline holds the queue handlers of every stage.
type Pipeline struct {
	repos     *repository.Repositories
	store     storage.Storage
	queue     queue.Queue
	extractor extractor.Service
	llm       llm.Provider
	schema    *normalizer.Schema
	detector  detection.Engine
	packs     evidencepack.Builder
	mailer    notify.Mailer
	mailFrom  string
	logger    *utils.Logger
}

func NewPipeline(deps Deps, logger *utils.Logger) *Pipeline {
	return &Pipeline{
		repos:     deps.Repos,
		store:     deps.Storage,
		queue:     deps.Queue,
		extractor: deps.Extractor,
		llm:       deps.LLM,
		schema:    deps.Schema,
		detector:  deps.Detector,
		packs:     deps.Packs,
		mailer:    deps.Mailer,
		mailFrom:  deps.MailFrom,
		logger:    logger.WithComponent("pipeline"),
	}
}

// Register binds every stage handler. Report generation is produced and
// consumed outside this worker.
func (p *Pipeline) Register(d *queue.Dispatcher) {
	d.Register(queue.JobIngestDocument, p.HandleIngest)
	d.Register(queue.JobNormalizeInvoice, p.HandleNormalize)
	d.Register(queue.JobRunDetection, p.HandleDetection)
	d.Register(queue.JobGenerateEvidencePack, p.HandleEvidencePack)
	d.Register(queue.JobSendEmail, p.HandleSendEmail)
}

// enqueue adds a stage job keyed by its entity so it is never in flight twice.
func enqueue(ctx context.Context, q queue.Queue, name, entityID string, payload any) error {
	if _, err := q.Add(ctx, name, payload, queue.WithJobID(queue.JobID(name, entityID))); err != nil {
		return fmt.Errorf("failed to enqueue %s for %s: %w", name, entityID, err)
	}
	return nil
}

// lookupFailure turns a missing entity into a final result and anything
// else into a retryable error.
func lookupFailure(err error, what string) (queue.Result, error) {
	if errors.Is(err, repository.ErrNotFound) {
		return queue.Failed(what + " not found"), nil
	}
	return queue.Result{}, err
}
