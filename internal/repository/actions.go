package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/BerylCAtieno/invoice-leak-detector/internal/models"
	"github.com/BerylCAtieno/invoice-leak-detector/internal/utils"
	"github.com/jmoiron/sqlx"
)

type ActionRepository interface {
	CreateRequest(ctx context.Context, req *models.ActionRequest) error
	GetRequest(ctx context.Context, id string) (*models.ActionRequest, error)
	// Approve marks a DRAFT request approved and creates its QUEUED run.
	Approve(ctx context.Context, requestID string) (*models.ActionRun, error)
	SetAttachmentKey(ctx context.Context, requestID, key string) error

	GetRun(ctx context.Context, id string) (*models.ActionRun, error)
	// UpdateRun moves a run to a new status; lastError and messageID are
	// written as given, sentAt only when non-nil.
	UpdateRun(ctx context.Context, id string, to models.ActionRunStatus, messageID, lastError *string, sentAt *time.Time) error
	// ListCancellationRuns returns dispatched CANCEL_SUBSCRIPTION runs for
	// the shop ordered by send time.
	ListCancellationRuns(ctx context.Context, shopID string) ([]models.CancellationRun, error)
}

type actionRepository struct {
	db *sqlx.DB
}

func NewActionRepository(db *sqlx.DB) ActionRepository {
	return &actionRepository{db: db}
}

type actionRequestRow struct {
	models.ActionRequest
	CCJSON string `db:"cc_emails"`
}

func (r *actionRepository) CreateRequest(ctx context.Context, req *models.ActionRequest) error {
	if req.ID == "" {
		req.ID = utils.GenerateID()
	}
	if req.Status == "" {
		req.Status = models.ActionDraft
	}
	ts := now()
	req.CreatedAt, req.UpdatedAt = ts, ts

	cc, err := json.Marshal(append([]string{}, req.CCEmails...))
	if err != nil {
		return fmt.Errorf("failed to marshal cc list: %w", err)
	}
	row := actionRequestRow{ActionRequest: *req, CCJSON: string(cc)}
	if _, err := r.db.NamedExecContext(ctx, `
		INSERT INTO action_requests (id, org_id, shop_id, finding_id, type, status, to_email, cc_emails,
			subject, body_text, attachment_key, approved_at, created_at, updated_at)
		VALUES (:id, :org_id, :shop_id, :finding_id, :type, :status, :to_email, :cc_emails,
			:subject, :body_text, :attachment_key, :approved_at, :created_at, :updated_at)
	`, row); err != nil {
		return fmt.Errorf("failed to insert action request: %w", err)
	}
	return nil
}

func (r *actionRepository) GetRequest(ctx context.Context, id string) (*models.ActionRequest, error) {
	var row actionRequestRow
	err := r.db.GetContext(ctx, &row, `SELECT * FROM action_requests WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get action request: %w", err)
	}
	req := row.ActionRequest
	if err := json.Unmarshal([]byte(row.CCJSON), &req.CCEmails); err != nil {
		return nil, fmt.Errorf("failed to decode cc list: %w", err)
	}
	return &req, nil
}

func (r *actionRepository) Approve(ctx context.Context, requestID string) (*models.ActionRun, error) {
	var run *models.ActionRun
	err := withTx(ctx, r.db, func(tx *sqlx.Tx) error {
		ts := now()
		res, err := tx.ExecContext(ctx, `
			UPDATE action_requests SET status = ?, approved_at = ?, updated_at = ?
			WHERE id = ? AND status = ?
		`, models.ActionApproved, ts, ts, requestID, models.ActionDraft)
		if err != nil {
			return fmt.Errorf("failed to approve action request: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			var exists int
			if err := tx.GetContext(ctx, &exists, `SELECT COUNT(*) FROM action_requests WHERE id = ?`, requestID); err != nil {
				return fmt.Errorf("failed to check action request: %w", err)
			}
			if exists == 0 {
				return ErrNotFound
			}
			return fmt.Errorf("%w: action request %s is not a draft", ErrStatusConflict, requestID)
		}

		run = &models.ActionRun{
			ID:              utils.GenerateID(),
			ActionRequestID: requestID,
			Status:          models.RunQueued,
			CreatedAt:       ts,
			UpdatedAt:       ts,
		}
		if _, err := tx.NamedExecContext(ctx, `
			INSERT INTO action_runs (id, action_request_id, status, provider_message_id, last_error, sent_at,
				created_at, updated_at)
			VALUES (:id, :action_request_id, :status, :provider_message_id, :last_error, :sent_at,
				:created_at, :updated_at)
		`, run); err != nil {
			return fmt.Errorf("failed to insert action run: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return run, nil
}

func (r *actionRepository) SetAttachmentKey(ctx context.Context, requestID, key string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE action_requests SET attachment_key = ?, updated_at = ? WHERE id = ?
	`, key, now(), requestID)
	if err != nil {
		return fmt.Errorf("failed to set attachment key: %w", err)
	}
	return nil
}

func (r *actionRepository) GetRun(ctx context.Context, id string) (*models.ActionRun, error) {
	var run models.ActionRun
	err := r.db.GetContext(ctx, &run, `SELECT * FROM action_runs WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get action run: %w", err)
	}
	return &run, nil
}

func (r *actionRepository) UpdateRun(ctx context.Context, id string, to models.ActionRunStatus, messageID, lastError *string, sentAt *time.Time) error {
	run, err := r.GetRun(ctx, id)
	if err != nil {
		return err
	}
	if run.Status != to {
		if err := models.CheckRunTransition(run.Status, to); err != nil {
			return err
		}
	}
	if lastError != nil {
		truncated := utils.Truncate(*lastError, utils.MaxErrorMessageLength)
		lastError = &truncated
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE action_runs
		SET status = ?, provider_message_id = COALESCE(?, provider_message_id), last_error = ?,
			sent_at = COALESCE(?, sent_at), updated_at = ?
		WHERE id = ? AND status = ?
	`, to, messageID, lastError, sentAt, now(), id, run.Status)
	if err != nil {
		return fmt.Errorf("failed to update action run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: action run %s is no longer %s", ErrStatusConflict, id, run.Status)
	}
	return nil
}

func (r *actionRepository) ListCancellationRuns(ctx context.Context, shopID string) ([]models.CancellationRun, error) {
	var runs []models.CancellationRun
	if err := r.db.SelectContext(ctx, &runs, `
		SELECT r.id AS action_run_id, f.vendor_id, r.sent_at
		FROM action_runs r
		JOIN action_requests a ON a.id = r.action_request_id
		JOIN leak_findings f ON f.id = a.finding_id
		WHERE a.shop_id = ? AND a.type = ? AND r.status IN (?, ?) AND r.sent_at IS NOT NULL
	`, shopID, models.ActionCancelSubscription, models.RunSent, models.RunDelivered); err != nil {
		return nil, fmt.Errorf("failed to list cancellation runs: %w", err)
	}
	sort.SliceStable(runs, func(i, j int) bool {
		if runs[i].SentAt.Equal(runs[j].SentAt) {
			return runs[i].ActionRunID < runs[j].ActionRunID
		}
		return runs[i].SentAt.Before(runs[j].SentAt)
	})
	return runs, nil
}
