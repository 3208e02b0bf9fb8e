package evidencepack

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"testing"

	"github.com/BerylCAtieno/invoice-leak-detector/internal/models"
	"github.com/BerylCAtieno/invoice-leak-detector/internal/storage"
	"github.com/BerylCAtieno/invoice-leak-detector/internal/utils"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

func testInput() Input {
	docID := "dv-1"
	start, end := models.NewDate(2024, 3, 1), models.NewDate(2024, 3, 31)
	return Input{
		Request: &models.ActionRequest{ID: "req-1", OrgID: "org-1", Type: models.ActionRefundRequest},
		Finding: &models.LeakFinding{
			ID:               "f-1",
			Type:             models.FindingDuplicateCharge,
			Status:           models.FindingOpen,
			Title:            "Possible duplicate charge from <Acme>",
			Summary:          "Charged twice.",
			Confidence:       90,
			EstimatedSavings: decimal.RequireFromString("150"),
			Currency:         "USD",
			PeriodStart:      &start,
			PeriodEnd:        &end,
			Evidence: []models.EvidenceRef{
				{Kind: models.EvidencePDFSpan, Pointer: "[p1:l4]", Excerpt: "Pro plan 150.00", DocumentVersionID: &docID},
				{Kind: models.EvidenceManualNote, Pointer: "lineItem:b", Excerpt: "Pro plan 150.00 USD on 2024-03-05"},
			},
		},
		Documents: []models.DocumentVersion{
			{ID: "dv-1", FileName: "march.pdf", MimeType: models.MimePDF, StorageKey: "uploads/march.pdf"},
			{ID: "dv-2", FileName: "../../etc/april.csv", MimeType: models.MimeCSV, StorageKey: "uploads/april.csv"},
		},
	}
}

func readZip(t *testing.T, data []byte) map[string][]byte {
	t.Helper()
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	files := make(map[string][]byte)
	for _, f := range zr.File {
		rc, err := f.Open()
		require.NoError(t, err)
		body, err := io.ReadAll(rc)
		rc.Close()
		require.NoError(t, err)
		files[f.Name] = body
	}
	return files
}

func TestBuildPack(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStorage()
	require.NoError(t, store.Upload(ctx, "uploads/march.pdf", []byte("%PDF-march"), models.MimePDF))
	require.NoError(t, store.Upload(ctx, "uploads/april.csv", []byte("a,b\n1,2\n"), models.MimeCSV))

	data, err := NewBuilder(store, utils.NewNopLogger()).Build(ctx, testInput())
	require.NoError(t, err)

	files := readZip(t, data)
	assert.Equal(t, []byte("%PDF-march"), files["originals/dv-1-march.pdf"])
	assert.Equal(t, []byte("a,b\n1,2\n"), files["originals/dv-2-april.csv"])

	summary := string(files["summary.html"])
	assert.Contains(t, summary, "&lt;Acme&gt;")
	assert.Contains(t, summary, "150.00 USD")
	assert.Contains(t, summary, "[p1:l4]")

	assert.Contains(t, string(files["excerpts.txt"]), "[2] MANUAL_NOTE lineItem:b")

	var meta map[string]any
	require.NoError(t, json.Unmarshal(files["metadata.json"], &meta))
	assert.Equal(t, "req-1", meta["actionRequestId"])
	assert.Equal(t, "150.00", meta["estimatedSavings"])
	assert.Len(t, meta["documents"], 2)

	xlsx, err := excelize.OpenReader(bytes.NewReader(files["evidence.xlsx"]))
	require.NoError(t, err)
	defer xlsx.Close()
	pointer, err := xlsx.GetCellValue("Evidence", "B2")
	require.NoError(t, err)
	assert.Equal(t, "[p1:l4]", pointer)
	title, err := xlsx.GetCellValue("Finding", "B1")
	require.NoError(t, err)
	assert.Equal(t, "Possible duplicate charge from <Acme>", title)
}

func TestBuildFailsWhenOriginalMissing(t *testing.T) {
	_, err := NewBuilder(storage.NewMemoryStorage(), utils.NewNopLogger()).Build(context.Background(), testInput())
	require.Error(t, err)
	assert.ErrorIs(t, err, storage.ErrObjectNotFound)
}

func TestKey(t *testing.T) {
	assert.Equal(t, "evidence-packs/org-1/req-1.zip", Key("org-1", "req-1"))
}
