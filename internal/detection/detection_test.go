package detection

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/BerylCAtieno/invoice-leak-detector/internal/db"
	"github.com/BerylCAtieno/invoice-leak-detector/internal/models"
	"github.com/BerylCAtieno/invoice-leak-detector/internal/repository"
	"github.com/BerylCAtieno/invoice-leak-detector/internal/utils"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func charge(id, invoice, vendor, amount, date string) models.ChargeLine {
	d, err := models.ParseDate(date)
	if err != nil {
		panic(err)
	}
	v, name := vendor, "Vendor "+vendor
	return models.ChargeLine{
		LineItemID:        id,
		InvoiceID:         invoice,
		DocumentVersionID: "dv-" + invoice,
		VendorID:          &v,
		VendorName:        &name,
		LineRef:           "ref-" + id,
		Description:       "Subscription",
		Amount:            decimal.RequireFromString(amount),
		Currency:          "USD",
		InvoiceDate:       &d,
	}
}

func findingOfType(findings []models.LeakFinding, typ models.FindingType) *models.LeakFinding {
	for i := range findings {
		if findings[i].Type == typ {
			return &findings[i]
		}
	}
	return nil
}

func TestDuplicateChargeScenario(t *testing.T) {
	findings := Detect(Snapshot{OrgID: "org", ShopID: "shop", Charges: []models.ChargeLine{
		charge("a", "inv-1", "x", "150.00", "2024-03-10"),
		charge("b", "inv-2", "x", "150.00", "2024-03-11"),
	}})

	require.Len(t, findings, 1)
	f := findings[0]
	assert.Equal(t, models.FindingDuplicateCharge, f.Type)
	assert.GreaterOrEqual(t, f.Confidence, 90)
	assert.True(t, decimal.RequireFromString("150.00").Equal(f.EstimatedSavings))
	assert.Equal(t, "2024-03-01", f.PeriodStart.String())
	assert.Equal(t, "2024-03-31", f.PeriodEnd.String())
	assert.GreaterOrEqual(t, len(f.Evidence), models.MinEvidencePerFinding)
}

func TestDuplicateChargeRules(t *testing.T) {
	tests := []struct {
		name       string
		a, b       models.ChargeLine
		confidence int
	}{
		{"same day exact", charge("a", "i1", "x", "20.00", "2024-03-10"), charge("b", "i2", "x", "20.00", "2024-03-10"), 100},
		{"within tolerance", charge("a", "i1", "x", "100.00", "2024-03-10"), charge("b", "i2", "x", "100.90", "2024-03-12"), 80},
		{"floor tolerance", charge("a", "i1", "x", "0.50", "2024-03-10"), charge("b", "i2", "x", "0.51", "2024-03-10"), 90},
		{"too far apart", charge("a", "i1", "x", "20.00", "2024-03-10"), charge("b", "i2", "x", "20.00", "2024-03-13"), 0},
		{"month boundary", charge("a", "i1", "x", "20.00", "2024-03-31"), charge("b", "i2", "x", "20.00", "2024-04-01"), 0},
		{"same invoice", charge("a", "i1", "x", "20.00", "2024-03-10"), charge("b", "i1", "x", "20.00", "2024-03-10"), 0},
		{"different vendor", charge("a", "i1", "x", "20.00", "2024-03-10"), charge("b", "i2", "y", "20.00", "2024-03-10"), 0},
		{"amount off", charge("a", "i1", "x", "100.00", "2024-03-10"), charge("b", "i2", "x", "102.00", "2024-03-10"), 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			drafts := detectDuplicate([]models.ChargeLine{tt.a, tt.b})
			if tt.confidence == 0 {
				assert.Empty(t, drafts)
				return
			}
			require.Len(t, drafts, 1)
			assert.Equal(t, tt.confidence, drafts[0].confidence)
		})
	}
}

func TestDuplicateStopsAtFirstPair(t *testing.T) {
	drafts := detectDuplicate([]models.ChargeLine{
		charge("a", "i1", "x", "10.00", "2024-03-01"),
		charge("b", "i2", "x", "10.00", "2024-03-01"),
		charge("c", "i3", "y", "99.00", "2024-03-20"),
		charge("d", "i4", "y", "99.00", "2024-03-20"),
	})
	require.Len(t, drafts, 1)
	assert.Equal(t, "x", *drafts[0].vendorID)
}

func TestSpikeScenario(t *testing.T) {
	findings := Detect(Snapshot{Charges: []models.ChargeLine{
		charge("a", "i1", "y", "100.00", "2024-02-05"),
		charge("b", "i2", "y", "190.00", "2024-03-05"),
	}})

	f := findingOfType(findings, models.FindingMoMSpike)
	require.NotNil(t, f)
	assert.Equal(t, "45", f.EstimatedSavings.String())
	assert.Equal(t, 70, f.Confidence)
	assert.Equal(t, "2024-03-01", f.PeriodStart.String())
	assert.Equal(t, "b", *f.PrimaryLineItemID)
}

func TestSpikeThresholds(t *testing.T) {
	bounded := func(c models.ChargeLine) models.ChargeLine {
		start, end := c.Date().MonthStart(), c.Date().MonthEnd()
		c.PeriodStart, c.PeriodEnd = &start, &end
		return c
	}

	// delta 40 is under the absolute floor
	assert.Empty(t, detectSpike([]models.ChargeLine{
		charge("a", "i1", "y", "40.00", "2024-02-05"),
		charge("b", "i2", "y", "80.00", "2024-03-05"),
	}))
	// delta 60 is only 30% growth
	assert.Empty(t, detectSpike([]models.ChargeLine{
		charge("a", "i1", "y", "200.00", "2024-02-05"),
		charge("b", "i2", "y", "260.00", "2024-03-05"),
	}))
	// only the two most recent months count
	drafts := detectSpike([]models.ChargeLine{
		bounded(charge("a", "i1", "y", "1000.00", "2024-01-05")),
		bounded(charge("b", "i2", "y", "100.00", "2024-02-05")),
		bounded(charge("c", "i3", "y", "100.00", "2024-03-05")),
		bounded(charge("d", "i4", "y", "60.00", "2024-03-20")),
	})
	require.Len(t, drafts, 1)
	assert.Equal(t, 80, drafts[0].confidence)
	assert.Equal(t, "30", drafts[0].savings.String())
}

func TestTrialToPaid(t *testing.T) {
	first := charge("a", "i1", "z", "29.00", "2024-01-15")
	first.Description = "Pro plan after 14 days trial"
	later := charge("b", "i2", "z", "29.00", "2024-02-15")

	findings := Detect(Snapshot{Charges: []models.ChargeLine{later, first}})
	f := findingOfType(findings, models.FindingTrialToPaid)
	require.NotNil(t, f)
	assert.Equal(t, 80, f.Confidence)
	assert.Equal(t, "a", *f.PrimaryLineItemID)

	// the excerpt the model cited counts too
	plain := charge("a", "i1", "z", "29.00", "2024-01-15")
	plain.RawInvoiceJSON = models.RawJSON(`{"lineItems":[{"lineId":"ref-a","amount":29,
		"evidence":{"kind":"pdf_span","pointer":"[p1:l3]","excerpt":"Free trial ended, Pro 29.00"}}]}`)
	assert.Len(t, detectTrial([]models.ChargeLine{plain}, newEvidenceIndex([]models.ChargeLine{plain}).excerpt), 1)

	assert.Empty(t, detectTrial([]models.ChargeLine{later}, func(models.ChargeLine) string { return "" }))
}

func TestPostCancellation(t *testing.T) {
	vendor := "x"
	runs := []models.CancellationRun{
		{ActionRunID: "late", VendorID: &vendor, SentAt: time.Date(2024, 3, 20, 9, 0, 0, 0, time.UTC)},
		{ActionRunID: "early", VendorID: &vendor, SentAt: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)},
	}
	charges := []models.ChargeLine{
		charge("a", "i1", "x", "30.00", "2024-03-01"),
		charge("b", "i2", "x", "30.00", "2024-03-15"),
		charge("c", "i3", "x", "35.00", "2024-04-15"),
		charge("d", "i4", "y", "99.00", "2024-04-15"),
	}

	drafts := detectPostCancellation(charges, runs)
	require.Len(t, drafts, 1)
	d := drafts[0]
	assert.Equal(t, 85, d.confidence)
	assert.Equal(t, "70", d.savings.String())
	assert.Equal(t, "c", d.primary.LineItemID)
	assert.Len(t, d.lines, 2)

	assert.Empty(t, detectPostCancellation(charges[:1], runs))
}

func TestUninstalledApp(t *testing.T) {
	charges := []models.ChargeLine{
		charge("a", "i1", "x", "30.00", "2024-03-01"),
		charge("b", "i2", "x", "31.00", "2024-03-25"),
		charge("c", "i3", "y", "12.00", "2024-03-02"),
	}
	drafts := detectUninstalled(charges, map[string]models.VendorShopStatus{
		"x": models.VendorCanceled,
		"y": models.VendorActive,
	})
	require.Len(t, drafts, 1)
	assert.Equal(t, 82, drafts[0].confidence)
	assert.Equal(t, "b", drafts[0].primary.LineItemID)
}

func TestEvidenceMatchesCitedLines(t *testing.T) {
	raw := models.RawJSON(`{"lineItems":[
		{"lineId":"L1","description":"Pro plan","amount":"150.00","evidence":{"kind":"pdf_span","pointer":"[p1:l4]","excerpt":"Pro plan 150.00"}},
		{"lineId":"L2","description":"Tax","amount":"12.00","evidence":{"kind":"csv_row","pointer":"row:3","excerpt":"Tax 12.00"}}
	]}`)
	a := charge("a", "inv-1", "x", "150.00", "2024-03-10")
	a.RawInvoiceJSON = raw
	b := charge("b", "inv-2", "x", "150.00", "2024-03-11")

	f := Detect(Snapshot{Charges: []models.ChargeLine{a, b}})[0]
	require.Len(t, f.Evidence, 2)
	assert.Equal(t, models.EvidencePDFSpan, f.Evidence[0].Kind)
	assert.Equal(t, "[p1:l4]", f.Evidence[0].Pointer)
	assert.Equal(t, "dv-inv-1", *f.Evidence[0].DocumentVersionID)
	assert.Equal(t, models.EvidenceManualNote, f.Evidence[1].Kind)
	assert.Equal(t, "lineItem:b", f.Evidence[1].Pointer)
}

func TestEvidencePaddedToMinimum(t *testing.T) {
	only := charge("a", "i1", "x", "30.00", "2024-03-01")
	findings := Detect(Snapshot{
		Charges:        []models.ChargeLine{only},
		VendorStatuses: map[string]models.VendorShopStatus{"x": models.VendorSuspectedUnused},
	})
	require.Len(t, findings, 1)
	require.Len(t, findings[0].Evidence, 2)
	assert.Equal(t, "detector:"+string(models.FindingUninstalledAppCharge), findings[0].Evidence[1].Pointer)

	// with a wider window the first and last lines pad instead
	findings = Detect(Snapshot{
		Charges: []models.ChargeLine{
			charge("first", "i0", "y", "5.00", "2024-02-01"),
			only,
			charge("last", "i9", "y", "5.00", "2024-03-20"),
		},
		VendorStatuses: map[string]models.VendorShopStatus{"x": models.VendorSuspectedUnused},
	})
	f := findingOfType(findings, models.FindingUninstalledAppCharge)
	require.NotNil(t, f)
	require.Len(t, f.Evidence, 3)
	assert.Equal(t, "lineItem:first", f.Evidence[1].Pointer)
	assert.Equal(t, "lineItem:last", f.Evidence[2].Pointer)
}

func TestDraftsCappedInPriorityOrder(t *testing.T) {
	statuses := map[string]models.VendorShopStatus{}
	var charges []models.ChargeLine
	for i := 0; i < 6; i++ {
		v := fmt.Sprintf("v%d", i)
		statuses[v] = models.VendorCanceled
		charges = append(charges, charge("c"+v, "i"+v, v, "10.00", "2024-03-05"))
	}
	charges = append(charges,
		charge("s1", "is1", "spiky", "100.00", "2024-02-05"),
		charge("s2", "is2", "spiky", "300.00", "2024-03-05"),
	)

	findings := Detect(Snapshot{Charges: charges, VendorStatuses: statuses})
	require.Len(t, findings, MaxFindingsPerRun)
	assert.Equal(t, models.FindingMoMSpike, findings[0].Type)
	for _, f := range findings[1:] {
		assert.Equal(t, models.FindingUninstalledAppCharge, f.Type)
	}
	for _, f := range findings {
		assert.GreaterOrEqual(t, len(f.Evidence), models.MinEvidencePerFinding)
	}
}

func seedInvoice(t *testing.T, repos *repository.Repositories, amount, date string) {
	t.Helper()
	ctx := context.Background()
	doc := &models.DocumentVersion{OrgID: "org-1", ShopID: "shop-1", MimeType: models.MimePDF,
		FileName: "inv.pdf", StorageKey: "k", Status: models.StatusNormalizing}
	require.NoError(t, repos.Documents.Create(ctx, doc))

	d, err := models.ParseDate(date)
	require.NoError(t, err)
	require.NoError(t, repos.Invoices.SaveNormalized(ctx, &repository.NormalizedWrite{
		Invoice: &models.NormalizedInvoice{
			OrgID: doc.OrgID, ShopID: doc.ShopID, DocumentVersionID: doc.ID, Currency: "USD",
			InvoiceDate: &d, RawJSON: models.RawJSON(`{}`), SchemaVersion: "1.0",
		},
		LineItems: []models.NormalizedLineItem{{
			LineRef: "L1", ItemType: models.ItemCharge, Description: "Pro plan",
			Amount: decimal.RequireFromString(amount), Currency: "USD",
		}},
		Vendor: &repository.VendorInput{CanonicalName: "acme", DisplayName: "Acme"},
	}))
}

func TestEngineUpsertLifecycle(t *testing.T) {
	ctx := context.Background()
	conn, err := db.Open(db.DriverModernc, filepath.Join(t.TempDir(), "detect.db"))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	repos := repository.NewRepositories(conn)

	seedInvoice(t, repos, "150.00", "2024-03-04")
	seedInvoice(t, repos, "150.00", "2024-03-05")
	seedInvoice(t, repos, "150.00", "2023-09-05") // outside the window

	e := NewEngine(repos.Invoices, repos.Actions, repos.Findings, 90, utils.NewNopLogger()).(*engine)
	e.now = func() time.Time { return time.Date(2024, 3, 20, 0, 0, 0, 0, time.UTC) }

	first, err := e.Run(ctx, "org-1", "shop-1")
	require.NoError(t, err)
	assert.Equal(t, 1, first.Created)
	require.Len(t, first.FindingIDs, 1)

	second, err := e.Run(ctx, "org-1", "shop-1")
	require.NoError(t, err)
	assert.Equal(t, 1, second.Updated)
	assert.Equal(t, first.FindingIDs, second.FindingIDs)

	require.NoError(t, repos.Findings.SetStatus(ctx, first.FindingIDs[0], models.FindingDismissed))
	third, err := e.Run(ctx, "org-1", "shop-1")
	require.NoError(t, err)
	assert.Equal(t, 1, third.Reopened)

	f, err := repos.Findings.GetByID(ctx, first.FindingIDs[0])
	require.NoError(t, err)
	assert.Equal(t, models.FindingReopened, f.Status)
	assert.Len(t, f.Evidence, 2)

	events, err := repos.Findings.ListAuditEvents(ctx, f.ID)
	require.NoError(t, err)
	assert.Len(t, events, 1)

	all, err := repos.Findings.ListByShop(ctx, "shop-1")
	require.NoError(t, err)
	assert.Len(t, all, 1)
}
