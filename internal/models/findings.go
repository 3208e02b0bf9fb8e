package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type FindingType string

const (
	FindingDuplicateCharge        FindingType = "DUPLICATE_CHARGE"
	FindingMoMSpike               FindingType = "MOM_SPIKE"
	FindingTrialToPaid            FindingType = "TRIAL_TO_PAID"
	FindingPostCancellationCharge FindingType = "POST_CANCELLATION_CHARGE"
	FindingUninstalledAppCharge   FindingType = "UNINSTALLED_APP_CHARGE"
)

type EvidenceKind string

const (
	EvidencePDFSpan      EvidenceKind = "PDF_SPAN"
	EvidenceCSVRow       EvidenceKind = "CSV_ROW"
	EvidenceImageOCRLine EvidenceKind = "IMAGE_OCR_LINE"
	EvidenceManualNote   EvidenceKind = "MANUAL_NOTE"
)

// MinEvidencePerFinding is the floor every persisted finding must meet.
const MinEvidencePerFinding = 2

type LeakFinding struct {
	ID                string          `json:"id" db:"id"`
	OrgID             string          `json:"org_id" db:"org_id"`
	ShopID            string          `json:"shop_id" db:"shop_id"`
	Type              FindingType     `json:"type" db:"type"`
	Status            FindingStatus   `json:"status" db:"status"`
	Title             string          `json:"title" db:"title"`
	Summary           string          `json:"summary" db:"summary"`
	Confidence        int             `json:"confidence" db:"confidence"`
	EstimatedSavings  decimal.Decimal `json:"estimated_savings" db:"estimated_savings"`
	Currency          string          `json:"currency" db:"currency"`
	VendorID          *string         `json:"vendor_id,omitempty" db:"vendor_id"`
	PeriodStart       *Date           `json:"period_start,omitempty" db:"period_start"`
	PeriodEnd         *Date           `json:"period_end,omitempty" db:"period_end"`
	PrimaryLineItemID *string         `json:"primary_line_item_id,omitempty" db:"primary_line_item_id"`
	LastDetectedAt    time.Time       `json:"last_detected_at" db:"last_detected_at"`
	CreatedAt         time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at" db:"updated_at"`
	Evidence          []EvidenceRef   `json:"evidence,omitempty" db:"-"`
}

type EvidenceRef struct {
	ID                string       `json:"id" db:"id"`
	FindingID         string       `json:"finding_id" db:"finding_id"`
	Kind              EvidenceKind `json:"kind" db:"kind"`
	Pointer           string       `json:"pointer" db:"pointer"`
	Excerpt           string       `json:"excerpt" db:"excerpt"`
	DocumentVersionID *string      `json:"document_version_id,omitempty" db:"document_version_id"`
	CreatedAt         time.Time    `json:"created_at" db:"created_at"`
}

// FindingScope is the uniqueness key for active findings.
type FindingScope struct {
	OrgID       string
	ShopID      string
	Type        FindingType
	VendorID    *string
	PeriodStart *Date
}

type AuditEvent struct {
	ID         string    `json:"id" db:"id"`
	OrgID      string    `json:"org_id" db:"org_id"`
	EntityType string    `json:"entity_type" db:"entity_type"`
	EntityID   string    `json:"entity_id" db:"entity_id"`
	Action     string    `json:"action" db:"action"`
	Payload    RawJSON   `json:"payload" db:"payload"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}

const (
	AuditEntityLeakFinding = "LEAK_FINDING"
	AuditActionReopened    = "FINDING_REOPENED"
)
