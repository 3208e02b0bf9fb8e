package router

import (
	"net/http"

	"github.com/BerylCAtieno/invoice-leak-detector/internal/handlers"
	"github.com/BerylCAtieno/invoice-leak-detector/internal/middleware"
	"github.com/BerylCAtieno/invoice-leak-detector/internal/services"
	"github.com/BerylCAtieno/invoice-leak-detector/internal/utils"

	"github.com/gorilla/mux"
)

type Services struct {
	Documents   services.DocumentService
	Findings    services.FindingService
	Actions     services.ActionService
	MaxFileSize int64
}

func NewRouter(svc Services, logger *utils.Logger) http.Handler {
	r := mux.NewRouter()

	// Middlewares
	r.Use(middleware.Logger(logger))
	r.Use(middleware.CORS())
	r.Use(middleware.Recovery(logger))

	docHandler := handlers.NewDocumentHandler(svc.Documents, svc.MaxFileSize, logger)
	findingHandler := handlers.NewFindingHandler(svc.Findings, logger)
	actionHandler := handlers.NewActionHandler(svc.Actions, logger)

	api := r.PathPrefix("/api/v1").Subrouter()

	// Health check
	api.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	}).Methods(http.MethodGet)

	// Document endpoints
	api.HandleFunc("/documents/upload", docHandler.UploadDocument).Methods(http.MethodPost)
	api.HandleFunc("/documents/{id}", docHandler.GetDocument).Methods(http.MethodGet)
	api.HandleFunc("/documents/{id}/ingest", docHandler.IngestDocument).Methods(http.MethodPost)
	api.HandleFunc("/documents/{id}/resubmit", docHandler.ResubmitDocument).Methods(http.MethodPost)

	// Findings
	api.HandleFunc("/findings", findingHandler.ListFindings).Methods(http.MethodGet)
	api.HandleFunc("/findings/{id}/status", findingHandler.SetStatus).Methods(http.MethodPatch)

	// Remediation actions
	api.HandleFunc("/actions", actionHandler.CreateRequest).Methods(http.MethodPost)
	api.HandleFunc("/actions/{id}/approve", actionHandler.Approve).Methods(http.MethodPost)
	api.HandleFunc("/action-runs/{id}", actionHandler.GetRun).Methods(http.MethodGet)

	return r
}
