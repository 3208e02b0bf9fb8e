package detection

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/BerylCAtieno/invoice-leak-detector/internal/models"
	"github.com/shopspring/decimal"
)

var evidenceKinds = map[string]models.EvidenceKind{
	"pdf_span":       models.EvidencePDFSpan,
	"csv_row":        models.EvidenceCSVRow,
	"image_ocr_line": models.EvidenceImageOCRLine,
	"manual_note":    models.EvidenceManualNote,
}

type rawLineItem struct {
	LineID      string           `json:"lineId"`
	Description string           `json:"description"`
	Amount      *decimal.Decimal `json:"amount"`
	Evidence    *struct {
		Kind    string `json:"kind"`
		Pointer string `json:"pointer"`
		Excerpt string `json:"excerpt"`
	} `json:"evidence"`
}

// evidenceIndex resolves charge lines to the evidence the model cited in
// the stored invoice JSON.
type evidenceIndex struct {
	items map[string][]rawLineItem
}

func newEvidenceIndex(charges []models.ChargeLine) *evidenceIndex {
	idx := &evidenceIndex{items: make(map[string][]rawLineItem)}
	for _, c := range charges {
		if _, seen := idx.items[c.InvoiceID]; seen {
			continue
		}
		var doc struct {
			LineItems []rawLineItem `json:"lineItems"`
		}
		// Unparseable JSON leaves an empty entry; lines fall back to notes.
		_ = json.Unmarshal(c.RawInvoiceJSON, &doc)
		idx.items[c.InvoiceID] = doc.LineItems
	}
	return idx
}

// match finds the raw line for c: same line id first, then an amount within
// 1% or a description contained in the cited excerpt.
func (x *evidenceIndex) match(c models.ChargeLine) *rawLineItem {
	items := x.items[c.InvoiceID]
	for i := range items {
		if items[i].LineID != "" && items[i].LineID == c.LineRef {
			return &items[i]
		}
	}

	tolerance := c.Amount.Abs().Mul(onePercent)
	desc := strings.ToLower(strings.TrimSpace(c.Description))
	for i := range items {
		item := &items[i]
		if item.Amount != nil && item.Amount.Sub(c.Amount).Abs().LessThanOrEqual(tolerance) {
			return item
		}
		if desc == "" {
			continue
		}
		if item.Evidence != nil && strings.Contains(strings.ToLower(item.Evidence.Excerpt), desc) {
			return item
		}
		if strings.Contains(strings.ToLower(item.Description), desc) {
			return item
		}
	}
	return nil
}

func (x *evidenceIndex) excerpt(c models.ChargeLine) string {
	if m := x.match(c); m != nil && m.Evidence != nil {
		return m.Evidence.Excerpt
	}
	return ""
}

func (x *evidenceIndex) ref(c models.ChargeLine) models.EvidenceRef {
	docID := c.DocumentVersionID
	if m := x.match(c); m != nil && m.Evidence != nil && m.Evidence.Pointer != "" {
		kind, ok := evidenceKinds[strings.ToLower(m.Evidence.Kind)]
		if !ok {
			kind = models.EvidenceManualNote
		}
		return models.EvidenceRef{
			Kind:              kind,
			Pointer:           m.Evidence.Pointer,
			Excerpt:           m.Evidence.Excerpt,
			DocumentVersionID: &docID,
		}
	}
	return models.EvidenceRef{
		Kind:    models.EvidenceManualNote,
		Pointer: "lineItem:" + c.LineItemID,
		Excerpt: fmt.Sprintf("%s %s %s on %s", strings.TrimSpace(c.Description),
			c.Amount.StringFixed(2), c.Currency, c.Date()),
		DocumentVersionID: &docID,
	}
}

type evidenceSet struct {
	refs []models.EvidenceRef
	seen map[string]bool
}

func (s *evidenceSet) add(ref models.EvidenceRef) {
	doc := ""
	if ref.DocumentVersionID != nil {
		doc = *ref.DocumentVersionID
	}
	key := string(ref.Kind) + "|" + ref.Pointer + "|" + doc
	if s.seen[key] {
		return
	}
	s.seen[key] = true
	s.refs = append(s.refs, ref)
}

// evidenceFor cites every flagged line, then pads with the first and last
// lines of the window and finally a note so each finding has at least
// MinEvidencePerFinding entries.
func (x *evidenceIndex) evidenceFor(d draft, window []models.ChargeLine) []models.EvidenceRef {
	set := &evidenceSet{seen: make(map[string]bool)}
	for _, c := range d.lines {
		set.add(x.ref(c))
	}
	if len(set.refs) < models.MinEvidencePerFinding && len(window) > 0 {
		set.add(x.ref(window[0]))
		set.add(x.ref(window[len(window)-1]))
	}
	if len(set.refs) < models.MinEvidencePerFinding {
		set.add(models.EvidenceRef{
			Kind:    models.EvidenceManualNote,
			Pointer: "detector:" + string(d.typ),
			Excerpt: d.summary,
		})
	}
	return set.refs
}
