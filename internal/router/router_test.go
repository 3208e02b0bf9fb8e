package router

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/BerylCAtieno/invoice-leak-detector/internal/db"
	"github.com/BerylCAtieno/invoice-leak-detector/internal/models"
	"github.com/BerylCAtieno/invoice-leak-detector/internal/queue"
	"github.com/BerylCAtieno/invoice-leak-detector/internal/repository"
	"github.com/BerylCAtieno/invoice-leak-detector/internal/services"
	"github.com/BerylCAtieno/invoice-leak-detector/internal/storage"
	"github.com/BerylCAtieno/invoice-leak-detector/internal/utils"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testServer struct {
	handler http.Handler
	repos   *repository.Repositories
	ledger  *queue.MemoryLedger
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	conn, err := db.Open(db.DriverModernc, filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	logger := utils.NewNopLogger()
	repos := repository.NewRepositories(conn)
	store := storage.NewMemoryStorage()
	ledger := queue.NewMemoryLedger()
	opts := queue.DefaultOptions()
	q := queue.NewMemoryQueue(queue.NewDispatcher(ledger, queue.NewLocalLocker(), time.Minute, opts, logger), ledger, opts)

	return &testServer{
		handler: NewRouter(Services{
			Documents:   services.NewDocumentService(repos, store, q, logger),
			Findings:    services.NewFindingService(repos, logger),
			Actions:     services.NewActionService(repos, q, logger),
			MaxFileSize: 1 << 20,
		}, logger),
		repos:  repos,
		ledger: ledger,
	}
}

func (s *testServer) do(t *testing.T, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func uploadRequest(t *testing.T, fields map[string]string, filename string, body []byte) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	if filename != "" {
		fw, err := mw.CreateFormFile("file", filename)
		require.NoError(t, err)
		_, err = fw.Write(body)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/documents/upload", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"healthy"}`, rec.Body.String())
}

func TestUploadQueuesIngest(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, uploadRequest(t, map[string]string{"org_id": "org-1", "shop_id": "shop-1"},
		"march.csv", []byte("date,amount\n2024-03-01,10.00\n")))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var doc models.DocumentVersion
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))
	assert.Equal(t, models.StatusUploaded, doc.Status)
	assert.Equal(t, models.MimeCSV, doc.MimeType)
	assert.Len(t, doc.SHA256, 64)

	job, err := s.ledger.Get(context.Background(), queue.JobID(queue.JobIngestDocument, doc.ID))
	require.NoError(t, err)
	assert.Equal(t, queue.JobWaiting, job.Status)

	rec = s.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/documents/"+doc.ID, nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"UPLOADED"`)
}

func TestUploadRejections(t *testing.T) {
	s := newTestServer(t)
	scope := map[string]string{"org_id": "org-1", "shop_id": "shop-1"}

	tests := []struct {
		name    string
		req     *http.Request
		message string
	}{
		{"missing scope", uploadRequest(t, nil, "a.csv", []byte("a,b\n")), "org_id and shop_id are required"},
		{"no file", uploadRequest(t, scope, "", nil), "No file provided"},
		{"unsupported type", uploadRequest(t, scope, "notes.docx", []byte("x")), "Only PDF, CSV, PNG and JPEG"},
		{"empty file", uploadRequest(t, scope, "a.pdf", nil), "Uploaded file is empty"},
		{"too large", uploadRequest(t, scope, "a.pdf", bytes.Repeat([]byte("x"), 2<<20)), "File size exceeds 1MB limit"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(t, tt.req)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Contains(t, rec.Body.String(), tt.message)
		})
	}
}

func TestResubmitConflictAndNotFound(t *testing.T) {
	s := newTestServer(t)
	doc := &models.DocumentVersion{OrgID: "org-1", ShopID: "shop-1", MimeType: models.MimePDF, FileName: "a.pdf", StorageKey: "k"}
	require.NoError(t, s.repos.Documents.Create(context.Background(), doc))

	rec := s.do(t, httptest.NewRequest(http.MethodPost, "/api/v1/documents/"+doc.ID+"/resubmit", nil))
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = s.do(t, httptest.NewRequest(http.MethodPost, "/api/v1/documents/missing/resubmit", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(t, httptest.NewRequest(http.MethodPost, "/api/v1/documents/missing/ingest", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func seedFinding(t *testing.T, s *testServer) *models.LeakFinding {
	t.Helper()
	f := &models.LeakFinding{
		OrgID: "org-1", ShopID: "shop-1", Type: models.FindingMoMSpike,
		Title: "Spike", Summary: "Charges rose", Confidence: 70,
		EstimatedSavings: decimal.RequireFromString("20"), Currency: "USD",
		Evidence: []models.EvidenceRef{
			{Kind: models.EvidencePDFSpan, Pointer: "[p1:l1]", Excerpt: "March 120.00"},
			{Kind: models.EvidencePDFSpan, Pointer: "[p1:l2]", Excerpt: "February 100.00"},
		},
	}
	_, err := s.repos.Findings.Upsert(context.Background(), f)
	require.NoError(t, err)
	return f
}

func TestFindingStatusAndActionFlow(t *testing.T) {
	s := newTestServer(t)
	f := seedFinding(t, s)

	rec := s.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/findings?shop_id=shop-1", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), f.ID)

	rec = s.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/findings", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, httptest.NewRequest(http.MethodPatch, "/api/v1/findings/"+f.ID+"/status", strings.NewReader(`{"status":"CLOSED"}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "Status (oneof)")

	body := `{"finding_id":"` + f.ID + `","type":"CLARIFICATION","to_email":"billing@acme.io",
		"cc_emails":["not-an-email"],"subject":"Question","body_text":"Why?"}`
	rec = s.do(t, httptest.NewRequest(http.MethodPost, "/api/v1/actions", strings.NewReader(body)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	body = strings.Replace(body, "not-an-email", "owner@shop.io", 1)
	rec = s.do(t, httptest.NewRequest(http.MethodPost, "/api/v1/actions", strings.NewReader(body)))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var req models.ActionRequest
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &req))
	assert.Equal(t, models.ActionDraft, req.Status)
	assert.Equal(t, "org-1", req.OrgID)

	rec = s.do(t, httptest.NewRequest(http.MethodPost, "/api/v1/actions/"+req.ID+"/approve", nil))
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var run models.ActionRun
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &run))
	assert.Equal(t, models.RunQueued, run.Status)

	rec = s.do(t, httptest.NewRequest(http.MethodPost, "/api/v1/actions/"+req.ID+"/approve", nil))
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = s.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/action-runs/"+run.ID, nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, httptest.NewRequest(http.MethodPatch, "/api/v1/findings/"+f.ID+"/status", strings.NewReader(`{"status":"DISMISSED"}`)))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"status":"DISMISSED"`)
}
