package detection

import (
	"context"
	"fmt"
	"time"

	"github.com/BerylCAtieno/invoice-leak-detector/internal/models"
	"github.com/BerylCAtieno/invoice-leak-detector/internal/repository"
	"github.com/BerylCAtieno/invoice-leak-detector/internal/utils"
)

// MaxFindingsPerRun caps how many drafts one run persists.
const MaxFindingsPerRun = 5

// Detect runs all detectors over the snapshot and returns findings with
// evidence attached, in priority order: spike, duplicate, trial,
// post-cancellation, uninstalled.
func Detect(s Snapshot) []models.LeakFinding {
	window := sortedByDate(s.Charges)
	idx := newEvidenceIndex(window)

	var drafts []draft
	drafts = append(drafts, detectSpike(window)...)
	drafts = append(drafts, detectDuplicate(window)...)
	drafts = append(drafts, detectTrial(window, idx.excerpt)...)
	drafts = append(drafts, detectPostCancellation(window, s.CancellationRuns)...)
	drafts = append(drafts, detectUninstalled(window, s.VendorStatuses)...)
	if len(drafts) > MaxFindingsPerRun {
		drafts = drafts[:MaxFindingsPerRun]
	}

	findings := make([]models.LeakFinding, 0, len(drafts))
	for _, d := range drafts {
		f := models.LeakFinding{
			OrgID:            s.OrgID,
			ShopID:           s.ShopID,
			Type:             d.typ,
			Title:            d.title,
			Summary:          d.summary,
			Confidence:       d.confidence,
			EstimatedSavings: d.savings.Round(2),
			Currency:         d.currency,
			VendorID:         d.vendorID,
			Evidence:         idx.evidenceFor(d, window),
		}
		if d.period != nil {
			start, end := *d.period, d.period.MonthEnd()
			f.PeriodStart, f.PeriodEnd = &start, &end
		}
		if d.primary != nil {
			id := d.primary.LineItemID
			f.PrimaryLineItemID = &id
		}
		findings = append(findings, f)
	}
	return findings
}

// RunSummary counts what one detection run did to the finding table.
type RunSummary struct {
	Created    int
	Updated    int
	Reopened   int
	FindingIDs []string
}

type Engine interface {
	// Run loads the shop's trailing window, detects, and upserts each
	// finding in its own transaction.
	Run(ctx context.Context, orgID, shopID string) (*RunSummary, error)
}

type engine struct {
	invoices   repository.InvoiceRepository
	actions    repository.ActionRepository
	findings   repository.FindingRepository
	windowDays int
	logger     *utils.Logger
	now        func() time.Time
}

func NewEngine(invoices repository.InvoiceRepository, actions repository.ActionRepository,
	findings repository.FindingRepository, windowDays int, logger *utils.Logger) Engine {
	return &engine{
		invoices:   invoices,
		actions:    actions,
		findings:   findings,
		windowDays: windowDays,
		logger:     logger.WithComponent("detection"),
		now:        time.Now,
	}
}

func (e *engine) Run(ctx context.Context, orgID, shopID string) (*RunSummary, error) {
	since := models.DateOf(e.now().AddDate(0, 0, -e.windowDays))

	charges, err := e.invoices.ListChargeLines(ctx, shopID, since)
	if err != nil {
		return nil, err
	}
	runs, err := e.actions.ListCancellationRuns(ctx, shopID)
	if err != nil {
		return nil, err
	}
	statuses, err := e.invoices.ListVendorStatuses(ctx, shopID)
	if err != nil {
		return nil, err
	}

	findings := Detect(Snapshot{
		OrgID:            orgID,
		ShopID:           shopID,
		Charges:          charges,
		CancellationRuns: runs,
		VendorStatuses:   statuses,
	})

	summary := &RunSummary{}
	for i := range findings {
		f := &findings[i]
		outcome, err := e.findings.Upsert(ctx, f)
		if err != nil {
			return summary, fmt.Errorf("failed to upsert %s finding: %w", f.Type, err)
		}
		switch outcome {
		case repository.OutcomeCreated:
			summary.Created++
		case repository.OutcomeUpdated:
			summary.Updated++
		case repository.OutcomeReopened:
			summary.Reopened++
		}
		summary.FindingIDs = append(summary.FindingIDs, f.ID)
	}

	e.logger.Info("Detection run complete",
		"shop_id", shopID,
		"charges", len(charges),
		"created", summary.Created,
		"updated", summary.Updated,
		"reopened", summary.Reopened)
	return summary, nil
}
