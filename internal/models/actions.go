package models

import (
	"encoding/json"
	"time"
)

type ActionType string

const (
	ActionCancelSubscription ActionType = "CANCEL_SUBSCRIPTION"
	ActionRefundRequest      ActionType = "REFUND_REQUEST"
	ActionClarification      ActionType = "CLARIFICATION"
)

type ActionRequestStatus string

const (
	ActionDraft    ActionRequestStatus = "DRAFT"
	ActionApproved ActionRequestStatus = "APPROVED"
	ActionCanceled ActionRequestStatus = "CANCELED"
)

type ActionRequest struct {
	ID            string              `json:"id" db:"id"`
	OrgID         string              `json:"org_id" db:"org_id"`
	ShopID        string              `json:"shop_id" db:"shop_id"`
	FindingID     string              `json:"finding_id" db:"finding_id"`
	Type          ActionType          `json:"type" db:"type"`
	Status        ActionRequestStatus `json:"status" db:"status"`
	ToEmail       string              `json:"to_email" db:"to_email"`
	CCEmails      []string            `json:"cc_emails" db:"-"`
	Subject       string              `json:"subject" db:"subject"`
	BodyText      string              `json:"body_text" db:"body_text"`
	AttachmentKey *string             `json:"attachment_key,omitempty" db:"attachment_key"`
	ApprovedAt    *time.Time          `json:"approved_at,omitempty" db:"approved_at"`
	CreatedAt     time.Time           `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time           `json:"updated_at" db:"updated_at"`
}

// WantsAttachment reports whether the email should carry the evidence pack.
func (r *ActionRequest) WantsAttachment() bool {
	return r.Type == ActionRefundRequest || r.Type == ActionCancelSubscription
}

type ActionRun struct {
	ID                string          `json:"id" db:"id"`
	ActionRequestID   string          `json:"action_request_id" db:"action_request_id"`
	Status            ActionRunStatus `json:"status" db:"status"`
	ProviderMessageID *string         `json:"provider_message_id,omitempty" db:"provider_message_id"`
	LastError         *string         `json:"last_error,omitempty" db:"last_error"`
	SentAt            *time.Time      `json:"sent_at,omitempty" db:"sent_at"`
	CreatedAt         time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at" db:"updated_at"`
}

// CancellationRun is a dispatched CANCEL_SUBSCRIPTION run joined to its
// finding's vendor; input to the post-cancellation detector.
type CancellationRun struct {
	ActionRunID string    `db:"action_run_id"`
	VendorID    *string   `db:"vendor_id"`
	SentAt      time.Time `db:"sent_at"`
}

// Job payloads.

type IngestDocumentPayload struct {
	DocumentVersionID string `json:"documentVersionId"`
}

type NormalizeInvoicePayload struct {
	DocumentVersionID string `json:"documentVersionId"`
}

type RunDetectionPayload struct {
	DocumentVersionID string `json:"documentVersionId"`
	ShopID            string `json:"shopId"`
}

type GenerateEvidencePackPayload struct {
	ActionRequestID string `json:"actionRequestId"`
}

type SendEmailPayload struct {
	ActionRunID string `json:"actionRunId"`
}

// ReportGeneratePayload is produced by schedulers outside this worker.
type ReportGeneratePayload struct {
	ShopID  string          `json:"shopId"`
	Period  string          `json:"period"`
	Trigger string          `json:"trigger"`
	Extra   json.RawMessage `json:"extra,omitempty"`
}
