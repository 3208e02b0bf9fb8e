package detection

import (
	"fmt"
	"regexp"
	"sort"
	"time"

	"github.com/BerylCAtieno/invoice-leak-detector/internal/models"
	"github.com/shopspring/decimal"
)

var (
	onePercent   = decimal.NewFromFloat(0.01)
	minTolerance = decimal.NewFromFloat(0.01)
	spikeDelta   = decimal.NewFromInt(50)
	spikeGrowth  = decimal.NewFromFloat(0.5)
	half         = decimal.NewFromFloat(0.5)

	trialPattern = regexp.MustCompile(`(?i)trial|free|14 days`)
)

// Snapshot is everything the detectors read for one shop.
type Snapshot struct {
	OrgID            string
	ShopID           string
	Charges          []models.ChargeLine
	CancellationRuns []models.CancellationRun
	VendorStatuses   map[string]models.VendorShopStatus
}

// draft is a detector hit before evidence is attached.
type draft struct {
	typ        models.FindingType
	title      string
	summary    string
	confidence int
	savings    decimal.Decimal
	currency   string
	vendorID   *string
	period     *models.Date
	primary    *models.ChargeLine
	lines      []models.ChargeLine
}

func vendorLabel(c models.ChargeLine) string {
	if c.VendorName != nil && *c.VendorName != "" {
		return *c.VendorName
	}
	return "unknown vendor"
}

func sortedByDate(charges []models.ChargeLine) []models.ChargeLine {
	out := append([]models.ChargeLine(nil), charges...)
	sort.SliceStable(out, func(i, j int) bool {
		di, dj := out[i].Date(), out[j].Date()
		if !di.Equal(dj.Time) {
			return di.Before(dj.Time)
		}
		return out[i].LineItemID < out[j].LineItemID
	})
	return out
}

func byVendor(charges []models.ChargeLine) ([]string, map[string][]models.ChargeLine) {
	groups := make(map[string][]models.ChargeLine)
	for _, c := range charges {
		if c.Vendor() == "" {
			continue
		}
		groups[c.Vendor()] = append(groups[c.Vendor()], c)
	}
	vendors := make([]string, 0, len(groups))
	for v := range groups {
		vendors = append(vendors, v)
	}
	sort.Strings(vendors)
	return vendors, groups
}

func monthOf(d models.Date) *models.Date {
	start := d.MonthStart()
	return &start
}

func vendorPtr(c models.ChargeLine) *string {
	if c.VendorID == nil {
		return nil
	}
	v := *c.VendorID
	return &v
}

// detectDuplicate scans pairs in date order and stops at the first match.
func detectDuplicate(charges []models.ChargeLine) []draft {
	sorted := sortedByDate(charges)
	for i := 0; i < len(sorted); i++ {
		for j := i + 1; j < len(sorted); j++ {
			a, b := sorted[i], sorted[j]
			if a.Vendor() == "" || a.Vendor() != b.Vendor() || a.InvoiceID == b.InvoiceID || a.Currency != b.Currency {
				continue
			}
			da, db := a.Date(), b.Date()
			if da.MonthKey() != db.MonthKey() || models.DaysBetween(da, db) > 2 {
				continue
			}
			larger := decimal.Max(a.Amount, b.Amount)
			tolerance := decimal.Max(larger.Mul(onePercent), minTolerance)
			if a.Amount.Sub(b.Amount).Abs().GreaterThan(tolerance) {
				continue
			}

			confidence := 80
			if a.Amount.Equal(b.Amount) {
				confidence += 10
			}
			if da.Equal(db.Time) {
				confidence += 10
			}
			return []draft{{
				typ:   models.FindingDuplicateCharge,
				title: fmt.Sprintf("Possible duplicate charge from %s", vendorLabel(a)),
				summary: fmt.Sprintf("%s was charged %s %s on %s and %s %s on %s on separate invoices.",
					vendorLabel(a), a.Amount.StringFixed(2), a.Currency, da, b.Amount.StringFixed(2), b.Currency, db),
				confidence: min(confidence, 100),
				savings:    decimal.Min(a.Amount, b.Amount),
				currency:   a.Currency,
				vendorID:   vendorPtr(a),
				period:     monthOf(da),
				primary:    &b,
				lines:      []models.ChargeLine{a, b},
			}}
		}
	}
	return nil
}

type monthBucket struct {
	month   string
	total   decimal.Decimal
	bounded bool
	lines   []models.ChargeLine
}

// detectSpike compares each vendor's two most recent billed months.
func detectSpike(charges []models.ChargeLine) []draft {
	type key struct{ vendor, currency string }
	buckets := make(map[key]map[string]*monthBucket)
	var keys []key

	for _, c := range sortedByDate(charges) {
		if c.Vendor() == "" || !c.Amount.IsPositive() {
			continue
		}
		k := key{c.Vendor(), c.Currency}
		if buckets[k] == nil {
			buckets[k] = make(map[string]*monthBucket)
			keys = append(keys, k)
		}
		m := c.Date().MonthKey()
		b := buckets[k][m]
		if b == nil {
			b = &monthBucket{month: m, bounded: true}
			buckets[k][m] = b
		}
		b.total = b.total.Add(c.Amount)
		b.bounded = b.bounded && c.HasPeriodBounds()
		b.lines = append(b.lines, c)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].vendor != keys[j].vendor {
			return keys[i].vendor < keys[j].vendor
		}
		return keys[i].currency < keys[j].currency
	})

	var drafts []draft
	for _, k := range keys {
		months := make([]string, 0, len(buckets[k]))
		for m := range buckets[k] {
			months = append(months, m)
		}
		if len(months) < 2 {
			continue
		}
		sort.Strings(months)
		prev, cur := buckets[k][months[len(months)-2]], buckets[k][months[len(months)-1]]

		delta := cur.total.Sub(prev.total)
		if delta.LessThan(spikeDelta) || delta.Div(prev.total).LessThan(spikeGrowth) {
			continue
		}

		confidence := 70
		if prev.bounded && cur.bounded {
			confidence += 10
		}
		primary := largest(cur.lines)
		growth := delta.Div(prev.total).Mul(decimal.NewFromInt(100)).Round(0)
		drafts = append(drafts, draft{
			typ:   models.FindingMoMSpike,
			title: fmt.Sprintf("Spend with %s jumped %s%% month over month", vendorLabel(primary), growth),
			summary: fmt.Sprintf("%s billed %s %s in %s against %s %s in %s.",
				vendorLabel(primary), cur.total.StringFixed(2), k.currency, cur.month, prev.total.StringFixed(2), k.currency, prev.month),
			confidence: confidence,
			savings:    delta.Mul(half),
			currency:   k.currency,
			vendorID:   vendorPtr(primary),
			period:     monthOf(primary.Date()),
			primary:    &primary,
			lines:      append(append([]models.ChargeLine(nil), cur.lines...), prev.lines...),
		})
	}
	return drafts
}

func largest(lines []models.ChargeLine) models.ChargeLine {
	best := lines[0]
	for _, l := range lines[1:] {
		if l.Amount.GreaterThan(best.Amount) {
			best = l
		}
	}
	return best
}

// detectTrial flags a vendor whose first paid charge reads like a trial
// converting to a subscription. excerpt returns the matched evidence text.
func detectTrial(charges []models.ChargeLine, excerpt func(models.ChargeLine) string) []draft {
	vendors, groups := byVendor(charges)
	var drafts []draft
	for _, v := range vendors {
		var first *models.ChargeLine
		for _, c := range sortedByDate(groups[v]) {
			if c.Amount.IsPositive() {
				first = &c
				break
			}
		}
		if first == nil {
			continue
		}
		text := first.Description + "\n" + excerpt(*first)
		if !trialPattern.MatchString(text) {
			continue
		}
		drafts = append(drafts, draft{
			typ:   models.FindingTrialToPaid,
			title: fmt.Sprintf("Trial with %s converted to a paid plan", vendorLabel(*first)),
			summary: fmt.Sprintf("The first paid charge from %s (%s %s on %s) references a trial or free period.",
				vendorLabel(*first), first.Amount.StringFixed(2), first.Currency, first.Date()),
			confidence: 80,
			savings:    first.Amount,
			currency:   first.Currency,
			vendorID:   vendorPtr(*first),
			period:     monthOf(first.Date()),
			primary:    first,
			lines:      []models.ChargeLine{*first},
		})
	}
	return drafts
}

// detectPostCancellation walks cancellation runs by send time and stops at
// the first one followed by charges from the same vendor.
func detectPostCancellation(charges []models.ChargeLine, runs []models.CancellationRun) []draft {
	runs = append([]models.CancellationRun(nil), runs...)
	sort.SliceStable(runs, func(i, j int) bool { return runs[i].SentAt.Before(runs[j].SentAt) })

	sorted := sortedByDate(charges)
	for _, run := range runs {
		if run.VendorID == nil || *run.VendorID == "" {
			continue
		}
		sentDay := models.DateOf(run.SentAt)
		var after []models.ChargeLine
		for _, c := range sorted {
			if c.Vendor() == *run.VendorID && c.Amount.IsPositive() && c.Date().After(sentDay.Time) {
				after = append(after, c)
			}
		}
		if len(after) == 0 {
			continue
		}

		latest := after[len(after)-1]
		confidence := 75
		if len(after) >= 2 {
			confidence += 10
		}
		return []draft{{
			typ:   models.FindingPostCancellationCharge,
			title: fmt.Sprintf("%s kept charging after cancellation", vendorLabel(latest)),
			summary: fmt.Sprintf("A cancellation request was sent to %s on %s; %d charge(s) followed, the latest %s %s on %s.",
				vendorLabel(latest), run.SentAt.UTC().Format(time.DateOnly), len(after), latest.Amount.StringFixed(2), latest.Currency, latest.Date()),
			confidence: confidence,
			savings:    latest.Amount.Mul(decimal.NewFromInt(int64(min(2, len(after))))),
			currency:   latest.Currency,
			vendorID:   vendorPtr(latest),
			period:     monthOf(latest.Date()),
			primary:    &latest,
			lines:      after,
		}}
	}
	return nil
}

// detectUninstalled flags the latest charge of vendors the shop no longer uses.
func detectUninstalled(charges []models.ChargeLine, statuses map[string]models.VendorShopStatus) []draft {
	vendors, groups := byVendor(charges)
	var drafts []draft
	for _, v := range vendors {
		status := statuses[v]
		if status != models.VendorCanceled && status != models.VendorSuspectedUnused {
			continue
		}
		var latest *models.ChargeLine
		for _, c := range sortedByDate(groups[v]) {
			if c.Amount.IsPositive() {
				latest = &c
			}
		}
		if latest == nil {
			continue
		}
		drafts = append(drafts, draft{
			typ:   models.FindingUninstalledAppCharge,
			title: fmt.Sprintf("Charge from %s, which is no longer in use", vendorLabel(*latest)),
			summary: fmt.Sprintf("%s is marked %s on this shop but charged %s %s on %s.",
				vendorLabel(*latest), status, latest.Amount.StringFixed(2), latest.Currency, latest.Date()),
			confidence: 82,
			savings:    latest.Amount,
			currency:   latest.Currency,
			vendorID:   vendorPtr(*latest),
			period:     monthOf(latest.Date()),
			primary:    latest,
			lines:      []models.ChargeLine{*latest},
		})
	}
	return drafts
}
