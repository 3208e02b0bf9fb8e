package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/BerylCAtieno/invoice-leak-detector/internal/models"
	"github.com/BerylCAtieno/invoice-leak-detector/internal/notify"
	"github.com/BerylCAtieno/invoice-leak-detector/internal/queue"
	"github.com/BerylCAtieno/invoice-leak-detector/internal/repository"
)

// HandleSendEmail dispatches an approved remediation email once.
func (p *Pipeline) HandleSendEmail(ctx context.Context, job *queue.Job) (queue.Result, error) {
	var payload models.SendEmailPayload
	if err := job.Decode(&payload); err != nil {
		return queue.Failed(err.Error()), nil
	}
	log := p.logger.With("job_id", job.ID, "action_run_id", payload.ActionRunID)

	run, err := p.repos.Actions.GetRun(ctx, payload.ActionRunID)
	if err != nil {
		return lookupFailure(err, "action run")
	}
	if run.Status.AlreadyDispatched() {
		log.Info("Email already dispatched", "status", run.Status)
		return queue.Skipped("already " + string(run.Status)), nil
	}
	if run.Status == models.RunFailed {
		return queue.Skipped("run failed and awaits requeue"), nil
	}

	if p.mailer == nil {
		msg := models.ErrCodeMailgunNotConfigured
		if err := p.repos.Actions.UpdateRun(ctx, run.ID, models.RunFailed, nil, &msg, nil); err != nil && !errors.Is(err, repository.ErrStatusConflict) {
			return queue.Result{}, err
		}
		log.Error("Mail transport is not configured")
		return queue.Failed(msg), nil
	}

	req, err := p.repos.Actions.GetRequest(ctx, run.ActionRequestID)
	if err != nil {
		return lookupFailure(err, "action request")
	}

	msg := notify.Message{
		From:    p.mailFrom,
		To:      req.ToEmail,
		CC:      req.CCEmails,
		Subject: req.Subject,
		Text:    req.BodyText,
	}
	if req.WantsAttachment() {
		key, err := p.ensureEvidencePack(ctx, req)
		if err != nil {
			return queue.Result{}, fmt.Errorf("evidence pack not available: %w", err)
		}
		data, err := p.store.Download(ctx, key)
		if err != nil {
			return queue.Result{}, fmt.Errorf("failed to download evidence pack: %w", err)
		}
		msg.Attachment = &notify.Attachment{FileName: "evidence-" + req.ID + ".zip", Data: data}
	}

	if run.Status == models.RunQueued {
		err := p.repos.Actions.UpdateRun(ctx, run.ID, models.RunSending, nil, nil, nil)
		if errors.Is(err, repository.ErrStatusConflict) {
			return queue.Skipped("run claimed concurrently"), nil
		}
		if err != nil {
			return queue.Result{}, err
		}
	}

	id, err := p.mailer.Send(ctx, msg)
	if err != nil {
		lastError := fmt.Sprintf("%s:%d", models.ErrCodeMailgunSendFailed, notify.StatusOf(err))
		next := models.RunSending
		if job.FinalAttempt() {
			next = models.RunFailed
		}
		if uerr := p.repos.Actions.UpdateRun(ctx, run.ID, next, nil, &lastError, nil); uerr != nil {
			log.Error("Failed to record send error", "error", uerr)
		}
		log.Warn("Email send failed", "error", err, "final", job.FinalAttempt())
		return queue.Result{}, fmt.Errorf("failed to send action run %s: %w", run.ID, err)
	}

	messageID := notify.NormalizeMessageID(id)
	sentAt := time.Now().UTC()
	if err := p.repos.Actions.UpdateRun(ctx, run.ID, models.RunSent, &messageID, nil, &sentAt); err != nil {
		return queue.Result{}, err
	}

	log.Info("Email sent", "message_id", messageID, "attachment", msg.Attachment != nil)
	return queue.OK(), nil
}
