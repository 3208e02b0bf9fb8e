package normalizer

import (
	"fmt"
	"strings"
	"testing"

	"github.com/BerylCAtieno/invoice-leak-detector/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validInvoice = `{
  "schemaVersion": "1.0",
  "source": {"documentType": "invoice", "language": "en"},
  "merchant": {"name": "Shop"},
  "vendor": {"name": "Acme, Inc.", "aliases": ["ACME"], "email": null},
  "invoice": {"number": "INV-1", "date": "2024-03-01", "currency": "usd", "periodStart": null, "periodEnd": null, "total": 49.5},
  "lineItems": [{
    "lineId": "li-1", "type": "charge", "description": "Pro plan", "amount": "49.50", "currency": "USD",
    "periodStart": "2024-03-01", "periodEnd": "2024-03-31", "recurring": "monthly",
    "evidence": {"kind": "pdf_span", "pointer": "[p1:l4]", "excerpt": "Pro plan 49.50"}
  }],
  "quality": {"confidence": 0.9, "warnings": []}
}`

func TestPreprocessNumbersLinesPerPage(t *testing.T) {
	out := Preprocess("Acme Inc\n\nTotal 10.00\fPage two line")
	assert.Equal(t, strings.Join([]string{
		"=== page 1 ===",
		"[p1:l1] Acme Inc",
		"[p1:l2] Total 10.00",
		"=== page 2 ===",
		"[p2:l1] Page two line",
	}, "\n"), out)
}

func TestMaskPII(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"email", "Contact billing@acme.io now", "Contact [EMAIL] now"},
		{"card", "Card 4111 1111 1111 1111 charged", "Card [CARD] charged"},
		{"phone", "Call +1 (415) 555-0100", "Call [PHONE]"},
		{"iso dates survive", "Period 2024-01-01 2024-01-31", "Period 2024-01-01 2024-01-31"},
		{"address", "Ship to 221 Baker Street London", "Ship to [ADDRESS] London"},
		{"amounts survive", "Total $1,234.56", "Total $1,234.56"},
		{"line item amounts survive", "Pro plan 1 49.00 49.00", "Pro plan 1 49.00 49.00"},
		{"quantity and totals survive", "App subscription 2 120.00 240.00", "App subscription 2 120.00 240.00"},
		{"phone next to amount", "Call +1 (415) 555-0100 re 49.00", "Call [PHONE] re 49.00"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, MaskPII(tt.in))
		})
	}
}

func TestPreprocessTrimsToFinancialLines(t *testing.T) {
	var b strings.Builder
	for i := 0; i < 600; i++ {
		if i%10 == 0 {
			fmt.Fprintf(&b, "Subtotal line %d USD\n", i)
		} else {
			fmt.Fprintf(&b, "terms and conditions paragraph %d\n", i)
		}
	}
	out := strings.Split(Preprocess(b.String()), "\n")
	assert.LessOrEqual(t, len(out), MaxPromptLines)
	assert.Equal(t, "=== page 1 ===", out[0])
	assert.Len(t, out, 61)
	for _, line := range out[1:] {
		assert.Contains(t, line, "Subtotal")
	}
}

func TestCanonicalVendorName(t *testing.T) {
	tests := map[string]string{
		"Acme, Inc.":           "acme",
		"  ACME   inc ":        "acme",
		"Shopify Apps LLC":     "shopify apps",
		"Klaviyo":              "klaviyo",
		"Widgets Co. Ltd.":     "widgets",
		"Inc":                  "inc",
		"Zapier, Incorporated": "zapier",
	}
	for in, want := range tests {
		assert.Equal(t, want, CanonicalVendorName(in), in)
	}
}

func TestValidateAcceptsWellFormedDocument(t *testing.T) {
	doc, issues := NewSchema().Validate([]byte(validInvoice))
	require.Empty(t, issues)
	require.NotNil(t, doc)
	assert.Equal(t, "49.5", doc.LineItems[0].Amount.String())
}

func TestValidateAcceptsCreditsAndEmptyLineItems(t *testing.T) {
	schema := NewSchema()

	credit := strings.Replace(validInvoice, `"type": "charge"`, `"type": "credit"`, 1)
	credit = strings.Replace(credit, `"amount": "49.50"`, `"amount": "-20.00"`, 1)
	doc, issues := schema.Validate([]byte(credit))
	require.Empty(t, issues)
	assert.True(t, doc.LineItems[0].Amount.IsNegative())

	empty := `{
  "schemaVersion": "1.0",
  "source": {"documentType": "receipt", "language": null},
  "merchant": {"name": null},
  "vendor": {"name": "Acme", "aliases": [], "email": null},
  "invoice": {"number": null, "date": null, "currency": "USD", "periodStart": null, "periodEnd": null, "total": null},
  "lineItems": [],
  "quality": {"confidence": 0.4, "warnings": ["no line items found"]}
}`
	doc, issues = schema.Validate([]byte(empty))
	require.Empty(t, issues)
	assert.Empty(t, doc.LineItems)

	_, issues = schema.Validate([]byte(strings.Replace(empty, `"lineItems": []`, `"lineItems": null`, 1)))
	assert.Contains(t, strings.Join(issues, "\n"), "lineItems is required")
}

func TestValidateReportsIssues(t *testing.T) {
	schema := NewSchema()

	_, issues := schema.Validate([]byte(`not json`))
	require.Len(t, issues, 1)
	assert.Contains(t, issues[0], "not a JSON object")

	_, issues = schema.Validate([]byte(`{"schemaVersion":"2.0","lineItems":[]}`))
	joined := strings.Join(issues, "\n")
	assert.Contains(t, joined, `missing required key "vendor"`)
	assert.Contains(t, joined, `schemaVersion must be "1.0"`)

	broken := strings.Replace(validInvoice, `"type": "charge"`, `"type": "fee"`, 1)
	broken = strings.Replace(broken, `"kind": "pdf_span"`, `"kind": "ocr"`, 1)
	broken = strings.Replace(broken, `"periodStart": "2024-03-01"`, `"periodStart": "03/01/2024"`, 1)
	_, issues = schema.Validate([]byte(broken))
	joined = strings.Join(issues, "\n")
	assert.Contains(t, joined, "lineItems[0].type must be one of")
	assert.Contains(t, joined, "lineItems[0].evidence.kind must be one of")
	assert.Contains(t, joined, "lineItems[0].periodStart must be a YYYY-MM-DD date")

	missingAmount := strings.Replace(validInvoice, `"amount": "49.50",`, ``, 1)
	_, issues = schema.Validate([]byte(missingAmount))
	assert.Contains(t, strings.Join(issues, "\n"), "lineItems[0].amount is required")
}

func TestToWrite(t *testing.T) {
	doc, issues := NewSchema().Validate([]byte(validInvoice))
	require.Empty(t, issues)

	dv := &models.DocumentVersion{ID: "dv-1", OrgID: "org-1", ShopID: "shop-1"}
	w := doc.ToWrite(dv, []byte(validInvoice))

	assert.Equal(t, "USD", w.Invoice.Currency)
	assert.Equal(t, "2024-03-01", w.Invoice.InvoiceDate.String())
	assert.Nil(t, w.Invoice.PeriodStart)
	assert.True(t, w.Invoice.TotalAmount.Valid)
	require.NotNil(t, w.Vendor)
	assert.Equal(t, "acme", w.Vendor.CanonicalName)
	assert.Equal(t, "Acme, Inc.", w.Vendor.DisplayName)
	require.Len(t, w.LineItems, 1)
	item := w.LineItems[0]
	assert.Equal(t, models.ItemCharge, item.ItemType)
	assert.Equal(t, "li-1", item.LineRef)
	require.NotNil(t, item.Recurring)
	assert.Equal(t, models.CadenceMonthly, *item.Recurring)
}
