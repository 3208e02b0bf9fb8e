package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/BerylCAtieno/invoice-leak-detector/internal/models"
	"github.com/BerylCAtieno/invoice-leak-detector/internal/utils"
	"github.com/jmoiron/sqlx"
)

type UpsertOutcome string

const (
	OutcomeCreated  UpsertOutcome = "created"
	OutcomeUpdated  UpsertOutcome = "updated"
	OutcomeReopened UpsertOutcome = "reopened"
)

var ErrInsufficientEvidence = errors.New("finding needs at least two evidence entries")

type FindingRepository interface {
	// Upsert merges a detected finding into its scope: update the active
	// finding, reopen a closed one, or create a new OPEN finding.
	Upsert(ctx context.Context, f *models.LeakFinding) (UpsertOutcome, error)
	GetByID(ctx context.Context, id string) (*models.LeakFinding, error)
	ListByShop(ctx context.Context, shopID string) ([]models.LeakFinding, error)
	SetStatus(ctx context.Context, id string, to models.FindingStatus) error
	ListAuditEvents(ctx context.Context, entityID string) ([]models.AuditEvent, error)
}

type findingRepository struct {
	db *sqlx.DB
}

func NewFindingRepository(db *sqlx.DB) FindingRepository {
	return &findingRepository{db: db}
}

const scopeClause = `org_id = ? AND shop_id = ? AND type = ?
	AND COALESCE(vendor_id, '') = ? AND COALESCE(period_start, '') = ?`

func scopeArgs(f *models.LeakFinding) []any {
	vendor, period := "", ""
	if f.VendorID != nil {
		vendor = *f.VendorID
	}
	if f.PeriodStart != nil {
		period = f.PeriodStart.String()
	}
	return []any{f.OrgID, f.ShopID, f.Type, vendor, period}
}

func (r *findingRepository) Upsert(ctx context.Context, f *models.LeakFinding) (UpsertOutcome, error) {
	if len(f.Evidence) < models.MinEvidencePerFinding {
		return "", fmt.Errorf("%w: %s has %d", ErrInsufficientEvidence, f.Type, len(f.Evidence))
	}

	outcome, err := r.upsertOnce(ctx, f)
	if IsUniqueViolation(err) {
		// A concurrent run claimed the scope between lookup and insert;
		// the second lookup finds its row.
		outcome, err = r.upsertOnce(ctx, f)
	}
	return outcome, err
}

func (r *findingRepository) upsertOnce(ctx context.Context, f *models.LeakFinding) (UpsertOutcome, error) {
	var outcome UpsertOutcome
	err := withTx(ctx, r.db, func(tx *sqlx.Tx) error {
		ts := now()
		f.LastDetectedAt, f.UpdatedAt = ts, ts

		var active models.LeakFinding
		err := tx.GetContext(ctx, &active, `
			SELECT * FROM leak_findings WHERE `+scopeClause+`
			AND status IN ('OPEN', 'REOPENED') LIMIT 1
		`, scopeArgs(f)...)
		switch {
		case err == nil:
			f.ID, f.Status, f.CreatedAt = active.ID, active.Status, active.CreatedAt
			if err := updateFinding(ctx, tx, f); err != nil {
				return err
			}
			outcome = OutcomeUpdated
			return replaceEvidence(ctx, tx, f)
		case !errors.Is(err, sql.ErrNoRows):
			return fmt.Errorf("failed to look up active finding: %w", err)
		}

		var closed models.LeakFinding
		err = tx.GetContext(ctx, &closed, `
			SELECT * FROM leak_findings WHERE `+scopeClause+`
			AND status IN ('DISMISSED', 'RESOLVED') ORDER BY updated_at DESC LIMIT 1
		`, scopeArgs(f)...)
		switch {
		case err == nil:
			if err := models.CheckFindingTransition(closed.Status, models.FindingReopened); err != nil {
				return err
			}
			f.ID, f.Status, f.CreatedAt = closed.ID, models.FindingReopened, closed.CreatedAt
			if err := updateFinding(ctx, tx, f); err != nil {
				return err
			}
			if err := replaceEvidence(ctx, tx, f); err != nil {
				return err
			}
			outcome = OutcomeReopened
			return insertAudit(ctx, tx, f, models.AuditActionReopened, map[string]any{
				"from":       closed.Status,
				"to":         models.FindingReopened,
				"type":       f.Type,
				"confidence": f.Confidence,
			})
		case !errors.Is(err, sql.ErrNoRows):
			return fmt.Errorf("failed to look up closed finding: %w", err)
		}

		f.ID = utils.GenerateID()
		f.Status = models.FindingOpen
		f.CreatedAt = ts
		if _, err := tx.NamedExecContext(ctx, `
			INSERT INTO leak_findings (id, org_id, shop_id, type, status, title, summary, confidence,
				estimated_savings, currency, vendor_id, period_start, period_end, primary_line_item_id,
				last_detected_at, created_at, updated_at)
			VALUES (:id, :org_id, :shop_id, :type, :status, :title, :summary, :confidence,
				:estimated_savings, :currency, :vendor_id, :period_start, :period_end, :primary_line_item_id,
				:last_detected_at, :created_at, :updated_at)
		`, f); err != nil {
			return fmt.Errorf("failed to insert finding: %w", err)
		}
		outcome = OutcomeCreated
		return replaceEvidence(ctx, tx, f)
	})
	if err != nil {
		return "", err
	}
	return outcome, nil
}

func updateFinding(ctx context.Context, tx *sqlx.Tx, f *models.LeakFinding) error {
	_, err := tx.NamedExecContext(ctx, `
		UPDATE leak_findings SET status = :status, title = :title, summary = :summary,
			confidence = :confidence, estimated_savings = :estimated_savings, currency = :currency,
			period_end = :period_end, primary_line_item_id = :primary_line_item_id,
			last_detected_at = :last_detected_at, updated_at = :updated_at
		WHERE id = :id
	`, f)
	if err != nil {
		return fmt.Errorf("failed to update finding: %w", err)
	}
	return nil
}

func replaceEvidence(ctx context.Context, tx *sqlx.Tx, f *models.LeakFinding) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM evidence_refs WHERE finding_id = ?`, f.ID); err != nil {
		return fmt.Errorf("failed to clear evidence: %w", err)
	}
	ts := now()
	for i := range f.Evidence {
		ev := &f.Evidence[i]
		ev.ID = utils.GenerateID()
		ev.FindingID = f.ID
		ev.CreatedAt = ts
		if _, err := tx.NamedExecContext(ctx, `
			INSERT INTO evidence_refs (id, finding_id, kind, pointer, excerpt, document_version_id, created_at)
			VALUES (:id, :finding_id, :kind, :pointer, :excerpt, :document_version_id, :created_at)
		`, ev); err != nil {
			return fmt.Errorf("failed to insert evidence: %w", err)
		}
	}
	return nil
}

func insertAudit(ctx context.Context, tx *sqlx.Tx, f *models.LeakFinding, action string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal audit payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO audit_events (id, org_id, entity_type, entity_id, action, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, utils.GenerateID(), f.OrgID, models.AuditEntityLeakFinding, f.ID, action, string(body), now())
	if err != nil {
		return fmt.Errorf("failed to insert audit event: %w", err)
	}
	return nil
}

func (r *findingRepository) GetByID(ctx context.Context, id string) (*models.LeakFinding, error) {
	var f models.LeakFinding
	err := r.db.GetContext(ctx, &f, `SELECT * FROM leak_findings WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get finding: %w", err)
	}
	if err := r.db.SelectContext(ctx, &f.Evidence, `
		SELECT * FROM evidence_refs WHERE finding_id = ? ORDER BY created_at, rowid
	`, id); err != nil {
		return nil, fmt.Errorf("failed to list evidence: %w", err)
	}
	return &f, nil
}

func (r *findingRepository) ListByShop(ctx context.Context, shopID string) ([]models.LeakFinding, error) {
	var findings []models.LeakFinding
	if err := r.db.SelectContext(ctx, &findings, `
		SELECT * FROM leak_findings WHERE shop_id = ? ORDER BY created_at, id
	`, shopID); err != nil {
		return nil, fmt.Errorf("failed to list findings: %w", err)
	}
	for i := range findings {
		if err := r.db.SelectContext(ctx, &findings[i].Evidence, `
			SELECT * FROM evidence_refs WHERE finding_id = ? ORDER BY created_at, rowid
		`, findings[i].ID); err != nil {
			return nil, fmt.Errorf("failed to list evidence: %w", err)
		}
	}
	return findings, nil
}

func (r *findingRepository) SetStatus(ctx context.Context, id string, to models.FindingStatus) error {
	f, err := r.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if err := models.CheckFindingTransition(f.Status, to); err != nil {
		return err
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE leak_findings SET status = ?, updated_at = ? WHERE id = ? AND status = ?
	`, to, now(), id, f.Status)
	if err != nil {
		return fmt.Errorf("failed to update finding status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: finding %s is no longer %s", ErrStatusConflict, id, f.Status)
	}
	return nil
}

func (r *findingRepository) ListAuditEvents(ctx context.Context, entityID string) ([]models.AuditEvent, error) {
	var events []models.AuditEvent
	if err := r.db.SelectContext(ctx, &events, `
		SELECT * FROM audit_events WHERE entity_id = ? ORDER BY created_at, id
	`, entityID); err != nil {
		return nil, fmt.Errorf("failed to list audit events: %w", err)
	}
	return events, nil
}
