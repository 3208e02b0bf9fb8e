package evidencepack

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/BerylCAtieno/invoice-leak-detector/internal/models"
	"github.com/BerylCAtieno/invoice-leak-detector/internal/storage"
	"github.com/BerylCAtieno/invoice-leak-detector/internal/utils"
	"golang.org/x/sync/errgroup"
)

const ContentType = "application/zip"

// Key is where the pack for an action request is stored.
func Key(orgID, actionRequestID string) string {
	return fmt.Sprintf("evidence-packs/%s/%s.zip", orgID, actionRequestID)
}

// Input is a finding with its evidence and the document versions that
// evidence points at.
type Input struct {
	Request   *models.ActionRequest
	Finding   *models.LeakFinding
	Documents []models.DocumentVersion
}

type Builder interface {
	Build(ctx context.Context, in Input) ([]byte, error)
}

type builder struct {
	store       storage.Storage
	concurrency int
	logger      *utils.Logger
	now         func() time.Time
}

func NewBuilder(store storage.Storage, logger *utils.Logger) Builder {
	return &builder{
		store:       store,
		concurrency: 4,
		logger:      logger.WithComponent("evidencepack"),
		now:         time.Now,
	}
}

type original struct {
	name string
	data []byte
}

func (b *builder) Build(ctx context.Context, in Input) ([]byte, error) {
	originals, err := b.fetchOriginals(ctx, in.Documents)
	if err != nil {
		return nil, err
	}

	summary, err := renderSummary(in, b.now())
	if err != nil {
		return nil, err
	}
	metadata, err := renderMetadata(in, b.now())
	if err != nil {
		return nil, err
	}
	sheet, err := renderSpreadsheet(in)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	entries := []original{
		{name: "summary.html", data: summary},
		{name: "excerpts.txt", data: renderExcerpts(in.Finding)},
		{name: "metadata.json", data: metadata},
		{name: "evidence.xlsx", data: sheet},
	}
	entries = append(entries, originals...)
	for _, e := range entries {
		w, err := zw.CreateHeader(&zip.FileHeader{Name: e.name, Method: zip.Deflate, Modified: b.now()})
		if err != nil {
			return nil, fmt.Errorf("failed to add %s to pack: %w", e.name, err)
		}
		if _, err := w.Write(e.data); err != nil {
			return nil, fmt.Errorf("failed to write %s to pack: %w", e.name, err)
		}
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("failed to finalize pack: %w", err)
	}

	b.logger.Info("Evidence pack built",
		"finding_id", in.Finding.ID,
		"originals", len(originals),
		"bytes", buf.Len())
	return buf.Bytes(), nil
}

// fetchOriginals downloads every source file concurrently, keeping input order.
func (b *builder) fetchOriginals(ctx context.Context, docs []models.DocumentVersion) ([]original, error) {
	out := make([]original, len(docs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.concurrency)
	for i, doc := range docs {
		g.Go(func() error {
			data, err := b.store.Download(gctx, doc.StorageKey)
			if err != nil {
				return fmt.Errorf("failed to download original %s: %w", doc.ID, err)
			}
			out[i] = original{name: "originals/" + doc.ID + "-" + safeName(doc.FileName), data: data}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func safeName(name string) string {
	name = path.Base(strings.ReplaceAll(name, "\\", "/"))
	if name == "." || name == "/" || name == "" {
		return "document"
	}
	return name
}

func renderExcerpts(f *models.LeakFinding) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n%s\n\n", f.Title, f.Summary)
	for i, ev := range f.Evidence {
		fmt.Fprintf(&b, "[%d] %s %s\n", i+1, ev.Kind, ev.Pointer)
		if ev.Excerpt != "" {
			fmt.Fprintf(&b, "    %s\n", ev.Excerpt)
		}
	}
	return []byte(b.String())
}

type metadata struct {
	ActionRequestID  string               `json:"actionRequestId"`
	ActionType       models.ActionType    `json:"actionType"`
	FindingID        string               `json:"findingId"`
	FindingType      models.FindingType   `json:"findingType"`
	Status           models.FindingStatus `json:"status"`
	Confidence       int                  `json:"confidence"`
	EstimatedSavings string               `json:"estimatedSavings"`
	Currency         string               `json:"currency"`
	PeriodStart      *models.Date         `json:"periodStart,omitempty"`
	PeriodEnd        *models.Date         `json:"periodEnd,omitempty"`
	Evidence         []models.EvidenceRef `json:"evidence"`
	Documents        []documentMeta       `json:"documents"`
	GeneratedAt      time.Time            `json:"generatedAt"`
}

type documentMeta struct {
	ID       string `json:"id"`
	FileName string `json:"fileName"`
	MimeType string `json:"mimeType"`
	SHA256   string `json:"sha256"`
}

func renderMetadata(in Input, at time.Time) ([]byte, error) {
	f := in.Finding
	m := metadata{
		FindingID:        f.ID,
		FindingType:      f.Type,
		Status:           f.Status,
		Confidence:       f.Confidence,
		EstimatedSavings: f.EstimatedSavings.StringFixed(2),
		Currency:         f.Currency,
		PeriodStart:      f.PeriodStart,
		PeriodEnd:        f.PeriodEnd,
		Evidence:         f.Evidence,
		GeneratedAt:      at.UTC(),
	}
	if in.Request != nil {
		m.ActionRequestID, m.ActionType = in.Request.ID, in.Request.Type
	}
	for _, d := range in.Documents {
		m.Documents = append(m.Documents, documentMeta{ID: d.ID, FileName: d.FileName, MimeType: d.MimeType, SHA256: d.SHA256})
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal pack metadata: %w", err)
	}
	return data, nil
}
