package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/BerylCAtieno/invoice-leak-detector/internal/models"
	"github.com/BerylCAtieno/invoice-leak-detector/internal/utils"
	"github.com/jmoiron/sqlx"
)

// VendorInput identifies the vendor a normalized invoice belongs to.
type VendorInput struct {
	CanonicalName string
	DisplayName   string
	Aliases       []string
}

// NormalizedWrite is everything one normalization run persists.
type NormalizedWrite struct {
	Invoice   *models.NormalizedInvoice
	LineItems []models.NormalizedLineItem
	Vendor    *VendorInput
	Usage     []models.LLMUsage
}

type InvoiceRepository interface {
	// SaveNormalized persists the vendor, invoice and line items and moves the
	// document version NORMALIZING -> NORMALIZED, all in one transaction.
	SaveNormalized(ctx context.Context, w *NormalizedWrite) error
	GetByDocumentVersion(ctx context.Context, documentVersionID string) (*models.NormalizedInvoice, error)
	ListLineItems(ctx context.Context, invoiceID string) ([]models.NormalizedLineItem, error)

	// ListChargeLines returns CHARGE items of the shop dated on or after since.
	ListChargeLines(ctx context.Context, shopID string, since models.Date) ([]models.ChargeLine, error)
	ListVendorStatuses(ctx context.Context, shopID string) (map[string]models.VendorShopStatus, error)
	SetVendorStatus(ctx context.Context, shopID, vendorID string, status models.VendorShopStatus) error
	GetVendor(ctx context.Context, id string) (*models.Vendor, error)
	ListUsage(ctx context.Context, documentVersionID string) ([]models.LLMUsage, error)
}

type invoiceRepository struct {
	db *sqlx.DB
}

func NewInvoiceRepository(db *sqlx.DB) InvoiceRepository {
	return &invoiceRepository{db: db}
}

func (r *invoiceRepository) SaveNormalized(ctx context.Context, w *NormalizedWrite) error {
	inv := w.Invoice
	return withTx(ctx, r.db, func(tx *sqlx.Tx) error {
		var vendorID *string
		if w.Vendor != nil && w.Vendor.CanonicalName != "" {
			id, err := upsertVendor(ctx, tx, w.Vendor)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT OR IGNORE INTO vendor_on_shop (shop_id, vendor_id, status, updated_at)
				VALUES (?, ?, ?, ?)
			`, inv.ShopID, id, models.VendorActive, now()); err != nil {
				return fmt.Errorf("failed to link vendor to shop: %w", err)
			}
			vendorID = &id
		}
		inv.VendorID = vendorID

		invoiceID, err := upsertInvoice(ctx, tx, inv)
		if err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM normalized_line_items WHERE invoice_id = ?`, invoiceID); err != nil {
			return fmt.Errorf("failed to clear line items: %w", err)
		}
		ts := now()
		for i := range w.LineItems {
			item := &w.LineItems[i]
			item.ID = utils.GenerateID()
			item.InvoiceID = invoiceID
			item.OrgID, item.ShopID = inv.OrgID, inv.ShopID
			item.VendorID = vendorID
			item.CreatedAt = ts
			if _, err := tx.NamedExecContext(ctx, `
				INSERT INTO normalized_line_items (id, invoice_id, org_id, shop_id, vendor_id, line_ref,
					item_type, description, amount, currency, period_start, period_end, recurring, created_at)
				VALUES (:id, :invoice_id, :org_id, :shop_id, :vendor_id, :line_ref,
					:item_type, :description, :amount, :currency, :period_start, :period_end, :recurring, :created_at)
			`, item); err != nil {
				return fmt.Errorf("failed to insert line item %s: %w", item.LineRef, err)
			}
		}

		for i := range w.Usage {
			u := &w.Usage[i]
			u.ID = utils.GenerateID()
			u.DocumentVersionID = inv.DocumentVersionID
			u.CreatedAt = ts
			if _, err := tx.NamedExecContext(ctx, `
				INSERT INTO llm_usage (id, document_version_id, operation, model, prompt_tokens,
					completion_tokens, total_tokens, cached, created_at)
				VALUES (:id, :document_version_id, :operation, :model, :prompt_tokens,
					:completion_tokens, :total_tokens, :cached, :created_at)
			`, u); err != nil {
				return fmt.Errorf("failed to record llm usage: %w", err)
			}
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE document_versions
			SET status = ?, error_code = NULL, error_message = NULL, updated_at = ?
			WHERE id = ? AND status = ?
		`, models.StatusNormalized, ts, inv.DocumentVersionID, models.StatusNormalizing)
		if err != nil {
			return fmt.Errorf("failed to mark document normalized: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: document %s is no longer %s", ErrStatusConflict, inv.DocumentVersionID, models.StatusNormalizing)
		}
		return nil
	})
}

func upsertVendor(ctx context.Context, tx *sqlx.Tx, in *VendorInput) (string, error) {
	var existing struct {
		ID      string `db:"id"`
		Aliases string `db:"aliases"`
	}
	err := tx.GetContext(ctx, &existing, `SELECT id, aliases FROM vendors WHERE canonical_name = ?`, in.CanonicalName)
	ts := now()

	if errors.Is(err, sql.ErrNoRows) {
		id := utils.GenerateID()
		aliases, _ := json.Marshal(mergeAliases(nil, append([]string{in.DisplayName}, in.Aliases...)))
		display := in.DisplayName
		if display == "" {
			display = in.CanonicalName
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO vendors (id, canonical_name, display_name, aliases, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`, id, in.CanonicalName, display, string(aliases), ts, ts); err != nil {
			return "", fmt.Errorf("failed to insert vendor: %w", err)
		}
		return id, nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to look up vendor: %w", err)
	}

	var current []string
	if err := json.Unmarshal([]byte(existing.Aliases), &current); err != nil {
		current = nil
	}
	merged, _ := json.Marshal(mergeAliases(current, append([]string{in.DisplayName}, in.Aliases...)))
	if _, err := tx.ExecContext(ctx, `UPDATE vendors SET aliases = ?, updated_at = ? WHERE id = ?`,
		string(merged), ts, existing.ID); err != nil {
		return "", fmt.Errorf("failed to merge vendor aliases: %w", err)
	}
	return existing.ID, nil
}

// mergeAliases unions alias lists case-insensitively, keeping first spelling.
func mergeAliases(current, incoming []string) []string {
	seen := make(map[string]bool)
	out := make([]string, 0, len(current)+len(incoming))
	for _, list := range [][]string{current, incoming} {
		for _, a := range list {
			a = strings.TrimSpace(a)
			key := strings.ToLower(a)
			if a == "" || seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, a)
		}
	}
	sort.Strings(out)
	return out
}

func upsertInvoice(ctx context.Context, tx *sqlx.Tx, inv *models.NormalizedInvoice) (string, error) {
	ts := now()
	inv.ID = utils.GenerateID()
	inv.CreatedAt, inv.UpdatedAt = ts, ts

	if _, err := tx.NamedExecContext(ctx, `
		INSERT INTO normalized_invoices (id, org_id, shop_id, document_version_id, vendor_id, currency,
			invoice_number, invoice_date, period_start, period_end, total_amount, raw_json, schema_version,
			created_at, updated_at)
		VALUES (:id, :org_id, :shop_id, :document_version_id, :vendor_id, :currency,
			:invoice_number, :invoice_date, :period_start, :period_end, :total_amount, :raw_json, :schema_version,
			:created_at, :updated_at)
		ON CONFLICT(document_version_id) DO UPDATE SET
			vendor_id = excluded.vendor_id,
			currency = excluded.currency,
			invoice_number = excluded.invoice_number,
			invoice_date = excluded.invoice_date,
			period_start = excluded.period_start,
			period_end = excluded.period_end,
			total_amount = excluded.total_amount,
			raw_json = excluded.raw_json,
			schema_version = excluded.schema_version,
			updated_at = excluded.updated_at
	`, inv); err != nil {
		return "", fmt.Errorf("failed to upsert invoice: %w", err)
	}

	var id string
	if err := tx.GetContext(ctx, &id, `SELECT id FROM normalized_invoices WHERE document_version_id = ?`, inv.DocumentVersionID); err != nil {
		return "", fmt.Errorf("failed to read invoice id: %w", err)
	}
	inv.ID = id
	return id, nil
}

func (r *invoiceRepository) GetByDocumentVersion(ctx context.Context, documentVersionID string) (*models.NormalizedInvoice, error) {
	var inv models.NormalizedInvoice
	err := r.db.GetContext(ctx, &inv, `SELECT * FROM normalized_invoices WHERE document_version_id = ?`, documentVersionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get invoice: %w", err)
	}
	return &inv, nil
}

func (r *invoiceRepository) ListLineItems(ctx context.Context, invoiceID string) ([]models.NormalizedLineItem, error) {
	var items []models.NormalizedLineItem
	if err := r.db.SelectContext(ctx, &items, `
		SELECT * FROM normalized_line_items WHERE invoice_id = ? ORDER BY line_ref, id
	`, invoiceID); err != nil {
		return nil, fmt.Errorf("failed to list line items: %w", err)
	}
	return items, nil
}

func (r *invoiceRepository) ListChargeLines(ctx context.Context, shopID string, since models.Date) ([]models.ChargeLine, error) {
	var lines []models.ChargeLine
	err := r.db.SelectContext(ctx, &lines, `
		SELECT li.id AS line_item_id, li.invoice_id, inv.document_version_id, li.vendor_id,
			v.display_name AS vendor_name, li.line_ref, li.description, li.amount, li.currency,
			inv.invoice_date, li.period_start, li.period_end, inv.raw_json
		FROM normalized_line_items li
		JOIN normalized_invoices inv ON inv.id = li.invoice_id
		LEFT JOIN vendors v ON v.id = li.vendor_id
		WHERE li.shop_id = ? AND li.item_type = ?
			AND COALESCE(inv.invoice_date, li.period_start) >= ?
		ORDER BY COALESCE(inv.invoice_date, li.period_start), li.id
	`, shopID, models.ItemCharge, since)
	if err != nil {
		return nil, fmt.Errorf("failed to list charge lines: %w", err)
	}
	return lines, nil
}

func (r *invoiceRepository) ListVendorStatuses(ctx context.Context, shopID string) (map[string]models.VendorShopStatus, error) {
	var rows []models.VendorOnShop
	if err := r.db.SelectContext(ctx, &rows, `SELECT * FROM vendor_on_shop WHERE shop_id = ?`, shopID); err != nil {
		return nil, fmt.Errorf("failed to list vendor statuses: %w", err)
	}
	out := make(map[string]models.VendorShopStatus, len(rows))
	for _, row := range rows {
		out[row.VendorID] = row.Status
	}
	return out, nil
}

func (r *invoiceRepository) SetVendorStatus(ctx context.Context, shopID, vendorID string, status models.VendorShopStatus) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO vendor_on_shop (shop_id, vendor_id, status, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(shop_id, vendor_id) DO UPDATE SET status = excluded.status, updated_at = excluded.updated_at
	`, shopID, vendorID, status, now())
	if err != nil {
		return fmt.Errorf("failed to set vendor status: %w", err)
	}
	return nil
}

func (r *invoiceRepository) GetVendor(ctx context.Context, id string) (*models.Vendor, error) {
	var row struct {
		models.Vendor
		AliasesJSON string `db:"aliases"`
	}
	err := r.db.GetContext(ctx, &row, `SELECT * FROM vendors WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get vendor: %w", err)
	}
	v := row.Vendor
	if err := json.Unmarshal([]byte(row.AliasesJSON), &v.Aliases); err != nil {
		return nil, fmt.Errorf("failed to decode vendor aliases: %w", err)
	}
	return &v, nil
}

func (r *invoiceRepository) ListUsage(ctx context.Context, documentVersionID string) ([]models.LLMUsage, error) {
	var usage []models.LLMUsage
	if err := r.db.SelectContext(ctx, &usage, `
		SELECT * FROM llm_usage WHERE document_version_id = ? ORDER BY created_at, id
	`, documentVersionID); err != nil {
		return nil, fmt.Errorf("failed to list llm usage: %w", err)
	}
	return usage, nil
}
