package normalizer

import (
	"strings"

	"github.com/BerylCAtieno/invoice-leak-detector/internal/llm"
	"github.com/BerylCAtieno/invoice-leak-detector/internal/models"
	"github.com/BerylCAtieno/invoice-leak-detector/internal/repository"
	"github.com/shopspring/decimal"
)

var itemTypes = map[string]models.ItemType{
	"charge": models.ItemCharge,
	"refund": models.ItemRefund,
	"credit": models.ItemCredit,
}

var cadences = map[string]models.Cadence{
	"monthly":  models.CadenceMonthly,
	"yearly":   models.CadenceYearly,
	"weekly":   models.CadenceWeekly,
	"one_time": models.CadenceOneTime,
}

// ToWrite maps a validated document onto the rows persisted for dv. raw is
// kept verbatim on the invoice so detectors can cite the model's evidence.
func (d *Document) ToWrite(dv *models.DocumentVersion, raw []byte) *repository.NormalizedWrite {
	inv := &models.NormalizedInvoice{
		OrgID:             dv.OrgID,
		ShopID:            dv.ShopID,
		DocumentVersionID: dv.ID,
		Currency:          strings.ToUpper(d.Invoice.Currency),
		InvoiceNumber:     nonEmpty(d.Invoice.Number),
		InvoiceDate:       parseDate(d.Invoice.Date),
		PeriodStart:       parseDate(d.Invoice.PeriodStart),
		PeriodEnd:         parseDate(d.Invoice.PeriodEnd),
		RawJSON:           models.RawJSON(raw),
		SchemaVersion:     llm.SchemaVersion,
	}
	if d.Invoice.Total != nil {
		inv.TotalAmount = decimal.NewNullDecimal(*d.Invoice.Total)
	}

	items := make([]models.NormalizedLineItem, 0, len(d.LineItems))
	for _, li := range d.LineItems {
		item := models.NormalizedLineItem{
			LineRef:     li.LineID,
			ItemType:    itemTypes[li.Type],
			Description: strings.TrimSpace(li.Description),
			Amount:      *li.Amount,
			Currency:    strings.ToUpper(li.Currency),
			PeriodStart: parseDate(li.PeriodStart),
			PeriodEnd:   parseDate(li.PeriodEnd),
		}
		if li.Recurring != nil {
			c := cadences[*li.Recurring]
			item.Recurring = &c
		}
		items = append(items, item)
	}

	var vendor *repository.VendorInput
	if canonical := CanonicalVendorName(d.Vendor.Name); canonical != "" {
		vendor = &repository.VendorInput{
			CanonicalName: canonical,
			DisplayName:   strings.TrimSpace(d.Vendor.Name),
			Aliases:       d.Vendor.Aliases,
		}
	}

	return &repository.NormalizedWrite{Invoice: inv, LineItems: items, Vendor: vendor}
}

func parseDate(s *string) *models.Date {
	if s == nil || *s == "" {
		return nil
	}
	d, err := models.ParseDate(*s)
	if err != nil {
		return nil
	}
	return &d
}

func nonEmpty(s *string) *string {
	if s == nil || strings.TrimSpace(*s) == "" {
		return nil
	}
	v := strings.TrimSpace(*s)
	return &v
}
