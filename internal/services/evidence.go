package services

import (
	"context"
	"fmt"

	"github.com/BerylCAtieno/invoice-leak-detector/internal/evidencepack"
	"github.com/BerylCAtieno/invoice-leak-detector/internal/models"
	"github.com/BerylCAtieno/invoice-leak-detector/internal/queue"
	"github.com/BerylCAtieno/invoice-leak-detector/internal/utils"
)

// HandleEvidencePack builds and stores the pack of an approved request.
func (p *Pipeline) HandleEvidencePack(ctx context.Context, job *queue.Job) (queue.Result, error) {
	var payload models.GenerateEvidencePackPayload
	if err := job.Decode(&payload); err != nil {
		return queue.Failed(err.Error()), nil
	}
	log := p.logger.With("job_id", job.ID, "action_request_id", payload.ActionRequestID)

	req, err := p.repos.Actions.GetRequest(ctx, payload.ActionRequestID)
	if err != nil {
		return lookupFailure(err, "action request")
	}
	if req.Status != models.ActionApproved {
		return queue.Skipped("action request is " + string(req.Status)), nil
	}

	key, err := p.ensureEvidencePack(ctx, req)
	if err != nil {
		log.Warn("Evidence pack failed", "error", err)
		return queue.Result{}, utils.NewStageError(models.ErrCodeEvidencePackFailed, err)
	}
	log.Info("Evidence pack ready", "key", key)
	return queue.OK(), nil
}

// ensureEvidencePack returns the storage key of the request's pack,
// building it only when the stored one is missing.
func (p *Pipeline) ensureEvidencePack(ctx context.Context, req *models.ActionRequest) (string, error) {
	key := evidencepack.Key(req.OrgID, req.ID)
	if req.AttachmentKey != nil && *req.AttachmentKey == key {
		exists, err := p.store.Exists(ctx, key)
		if err != nil {
			return "", fmt.Errorf("failed to check evidence pack: %w", err)
		}
		if exists {
			return key, nil
		}
	}

	finding, err := p.repos.Findings.GetByID(ctx, req.FindingID)
	if err != nil {
		return "", fmt.Errorf("failed to load finding %s: %w", req.FindingID, err)
	}

	seen := make(map[string]bool)
	var docs []models.DocumentVersion
	for _, ev := range finding.Evidence {
		if ev.DocumentVersionID == nil || seen[*ev.DocumentVersionID] {
			continue
		}
		seen[*ev.DocumentVersionID] = true
		doc, err := p.repos.Documents.GetByID(ctx, *ev.DocumentVersionID)
		if err != nil {
			return "", fmt.Errorf("failed to load document %s: %w", *ev.DocumentVersionID, err)
		}
		docs = append(docs, *doc)
	}

	data, err := p.packs.Build(ctx, evidencepack.Input{Request: req, Finding: finding, Documents: docs})
	if err != nil {
		return "", err
	}
	if err := p.store.Upload(ctx, key, data, evidencepack.ContentType); err != nil {
		return "", fmt.Errorf("failed to store evidence pack: %w", err)
	}
	if err := p.repos.Actions.SetAttachmentKey(ctx, req.ID, key); err != nil {
		return "", err
	}
	req.AttachmentKey = &key
	return key, nil
}
