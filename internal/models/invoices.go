package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type ItemType string

const (
	ItemCharge ItemType = "CHARGE"
	ItemRefund ItemType = "REFUND"
	ItemCredit ItemType = "CREDIT"
)

type Cadence string

const (
	CadenceMonthly Cadence = "MONTHLY"
	CadenceYearly  Cadence = "YEARLY"
	CadenceWeekly  Cadence = "WEEKLY"
	CadenceOneTime Cadence = "ONE_TIME"
)

type NormalizedInvoice struct {
	ID                string              `json:"id" db:"id"`
	OrgID             string              `json:"org_id" db:"org_id"`
	ShopID            string              `json:"shop_id" db:"shop_id"`
	DocumentVersionID string              `json:"document_version_id" db:"document_version_id"`
	VendorID          *string             `json:"vendor_id,omitempty" db:"vendor_id"`
	Currency          string              `json:"currency" db:"currency"`
	InvoiceNumber     *string             `json:"invoice_number,omitempty" db:"invoice_number"`
	InvoiceDate       *Date               `json:"invoice_date,omitempty" db:"invoice_date"`
	PeriodStart       *Date               `json:"period_start,omitempty" db:"period_start"`
	PeriodEnd         *Date               `json:"period_end,omitempty" db:"period_end"`
	TotalAmount       decimal.NullDecimal `json:"total_amount" db:"total_amount"`
	RawJSON           RawJSON             `json:"raw_json" db:"raw_json"`
	SchemaVersion     string              `json:"schema_version" db:"schema_version"`
	CreatedAt         time.Time           `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time           `json:"updated_at" db:"updated_at"`
}

type NormalizedLineItem struct {
	ID          string          `json:"id" db:"id"`
	InvoiceID   string          `json:"invoice_id" db:"invoice_id"`
	OrgID       string          `json:"org_id" db:"org_id"`
	ShopID      string          `json:"shop_id" db:"shop_id"`
	VendorID    *string         `json:"vendor_id,omitempty" db:"vendor_id"`
	LineRef     string          `json:"line_ref" db:"line_ref"`
	ItemType    ItemType        `json:"item_type" db:"item_type"`
	Description string          `json:"description" db:"description"`
	Amount      decimal.Decimal `json:"amount" db:"amount"`
	Currency    string          `json:"currency" db:"currency"`
	PeriodStart *Date           `json:"period_start,omitempty" db:"period_start"`
	PeriodEnd   *Date           `json:"period_end,omitempty" db:"period_end"`
	Recurring   *Cadence        `json:"recurring,omitempty" db:"recurring"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
}

type Vendor struct {
	ID            string    `json:"id" db:"id"`
	CanonicalName string    `json:"canonical_name" db:"canonical_name"`
	DisplayName   string    `json:"display_name" db:"display_name"`
	Aliases       []string  `json:"aliases" db:"-"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time `json:"updated_at" db:"updated_at"`
}

type VendorShopStatus string

const (
	VendorActive          VendorShopStatus = "ACTIVE"
	VendorSuspectedUnused VendorShopStatus = "SUSPECTED_UNUSED"
	VendorCanceled        VendorShopStatus = "CANCELED"
)

type VendorOnShop struct {
	ShopID    string           `json:"shop_id" db:"shop_id"`
	VendorID  string           `json:"vendor_id" db:"vendor_id"`
	Status    VendorShopStatus `json:"status" db:"status"`
	UpdatedAt time.Time        `json:"updated_at" db:"updated_at"`
}

// ChargeLine is a CHARGE line item joined to its invoice and vendor: the
// detection engine's unit of input.
type ChargeLine struct {
	LineItemID        string          `db:"line_item_id"`
	InvoiceID         string          `db:"invoice_id"`
	DocumentVersionID string          `db:"document_version_id"`
	VendorID          *string         `db:"vendor_id"`
	VendorName        *string         `db:"vendor_name"`
	LineRef           string          `db:"line_ref"`
	Description       string          `db:"description"`
	Amount            decimal.Decimal `db:"amount"`
	Currency          string          `db:"currency"`
	InvoiceDate       *Date           `db:"invoice_date"`
	PeriodStart       *Date           `db:"period_start"`
	PeriodEnd         *Date           `db:"period_end"`
	RawInvoiceJSON    RawJSON         `db:"raw_json"`
}

// Date is the day the charge is attributed to: invoice date, else the
// line's period start.
func (c ChargeLine) Date() Date {
	if c.InvoiceDate != nil {
		return *c.InvoiceDate
	}
	if c.PeriodStart != nil {
		return *c.PeriodStart
	}
	return Date{}
}

func (c ChargeLine) HasPeriodBounds() bool {
	return c.PeriodStart != nil && c.PeriodEnd != nil
}

func (c ChargeLine) Vendor() string {
	if c.VendorID == nil {
		return ""
	}
	return *c.VendorID
}

type LLMUsage struct {
	ID                string    `db:"id"`
	DocumentVersionID string    `db:"document_version_id"`
	Operation         string    `db:"operation"`
	Model             string    `db:"model"`
	PromptTokens      int       `db:"prompt_tokens"`
	CompletionTokens  int       `db:"completion_tokens"`
	TotalTokens       int       `db:"total_tokens"`
	Cached            bool      `db:"cached"`
	CreatedAt         time.Time `db:"created_at"`
}

type LLMCacheEntry struct {
	Key           string    `db:"key"`
	Model         string    `db:"model"`
	PromptVersion string    `db:"prompt_version"`
	Response      RawJSON   `db:"response"`
	Usage         RawJSON   `db:"usage"`
	ExpiresAt     int64     `db:"expires_at"`
	CreatedAt     time.Time `db:"created_at"`
}
