package services

import (
	"context"
	"errors"

	"github.com/BerylCAtieno/invoice-leak-detector/internal/models"
	"github.com/BerylCAtieno/invoice-leak-detector/internal/queue"
	"github.com/BerylCAtieno/invoice-leak-detector/internal/repository"
	"github.com/BerylCAtieno/invoice-leak-detector/internal/utils"
)

// ActionService drafts remediation emails and approves them for dispatch.
type ActionService interface {
	CreateRequest(ctx context.Context, req *models.ActionRequest) (*models.ActionRequest, error)
	// Approve creates the run and queues the evidence pack and the email.
	Approve(ctx context.Context, requestID string) (*models.ActionRun, error)
	GetRun(ctx context.Context, id string) (*models.ActionRun, error)
}

type actionService struct {
	repos  *repository.Repositories
	queue  queue.Queue
	logger *utils.Logger
}

func NewActionService(repos *repository.Repositories, q queue.Queue, logger *utils.Logger) ActionService {
	return &actionService{repos: repos, queue: q, logger: logger.WithComponent("actions")}
}

func (s *actionService) CreateRequest(ctx context.Context, req *models.ActionRequest) (*models.ActionRequest, error) {
	finding, err := s.repos.Findings.GetByID(ctx, req.FindingID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, utils.NewNotFoundError("Finding not found")
	}
	if err != nil {
		s.logger.Error("Failed to get finding", "error", err, "finding_id", req.FindingID)
		return nil, utils.NewInternalError("Failed to retrieve finding")
	}

	req.OrgID, req.ShopID = finding.OrgID, finding.ShopID
	req.Status = models.ActionDraft
	if err := s.repos.Actions.CreateRequest(ctx, req); err != nil {
		s.logger.Error("Failed to create action request", "error", err, "finding_id", req.FindingID)
		return nil, utils.NewInternalError("Failed to create action request")
	}
	return req, nil
}

func (s *actionService) Approve(ctx context.Context, requestID string) (*models.ActionRun, error) {
	run, err := s.repos.Actions.Approve(ctx, requestID)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return nil, utils.NewNotFoundError("Action request not found")
	case errors.Is(err, repository.ErrStatusConflict):
		return nil, utils.NewConflictError("Action request is not a draft")
	case err != nil:
		s.logger.Error("Failed to approve action request", "error", err, "action_request_id", requestID)
		return nil, utils.NewInternalError("Failed to approve action request")
	}

	if err := enqueue(ctx, s.queue, queue.JobGenerateEvidencePack, requestID,
		models.GenerateEvidencePackPayload{ActionRequestID: requestID}); err != nil {
		s.logger.Error("Failed to enqueue evidence pack", "error", err, "action_request_id", requestID)
	}
	if err := enqueue(ctx, s.queue, queue.JobSendEmail, run.ID,
		models.SendEmailPayload{ActionRunID: run.ID}); err != nil {
		s.logger.Error("Failed to enqueue email", "error", err, "action_run_id", run.ID)
		return nil, utils.NewInternalError("Approved, but failed to queue the email")
	}

	s.logger.Info("Action request approved", "action_request_id", requestID, "action_run_id", run.ID)
	return run, nil
}

func (s *actionService) GetRun(ctx context.Context, id string) (*models.ActionRun, error) {
	run, err := s.repos.Actions.GetRun(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, utils.NewNotFoundError("Action run not found")
	}
	if err != nil {
		return nil, utils.NewInternalError("Failed to retrieve action run")
	}
	return run, nil
}

// FindingService lists findings and applies reviewer decisions.
type FindingService interface {
	ListFindings(ctx context.Context, shopID string) ([]models.LeakFinding, error)
	SetStatus(ctx context.Context, id string, to models.FindingStatus) (*models.LeakFinding, error)
}

type findingService struct {
	repos  *repository.Repositories
	logger *utils.Logger
}

func NewFindingService(repos *repository.Repositories, logger *utils.Logger) FindingService {
	return &findingService{repos: repos, logger: logger.WithComponent("findings")}
}

func (s *findingService) ListFindings(ctx context.Context, shopID string) ([]models.LeakFinding, error) {
	findings, err := s.repos.Findings.ListByShop(ctx, shopID)
	if err != nil {
		s.logger.Error("Failed to list findings", "error", err, "shop_id", shopID)
		return nil, utils.NewInternalError("Failed to list findings")
	}
	return findings, nil
}

func (s *findingService) SetStatus(ctx context.Context, id string, to models.FindingStatus) (*models.LeakFinding, error) {
	err := s.repos.Findings.SetStatus(ctx, id, to)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return nil, utils.NewNotFoundError("Finding not found")
	case errors.Is(err, models.ErrIllegalTransition), errors.Is(err, repository.ErrStatusConflict):
		return nil, utils.NewConflictError(err.Error())
	case err != nil:
		s.logger.Error("Failed to update finding", "error", err, "finding_id", id)
		return nil, utils.NewInternalError("Failed to update finding")
	}
	f, err := s.repos.Findings.GetByID(ctx, id)
	if err != nil {
		return nil, utils.NewInternalError("Failed to retrieve finding")
	}
	return f, nil
}
