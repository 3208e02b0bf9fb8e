package handlers

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/BerylCAtieno/invoice-leak-detector/internal/models"
	"github.com/BerylCAtieno/invoice-leak-detector/internal/services"
	"github.com/BerylCAtieno/invoice-leak-detector/internal/utils"
	"github.com/gorilla/mux"
)

type DocumentHandler struct {
	responder
	service     services.DocumentService
	maxFileSize int64
}

func NewDocumentHandler(service services.DocumentService, maxFileSize int64, logger *utils.Logger) *DocumentHandler {
	return &DocumentHandler{
		responder:   responder{logger: logger},
		service:     service,
		maxFileSize: maxFileSize,
	}
}

func (h *DocumentHandler) UploadDocument(w http.ResponseWriter, r *http.Request) {
	tooLarge := utils.NewBadRequestError(fmt.Sprintf("File size exceeds %dMB limit", h.maxFileSize>>20))

	// Check Content-Length header first to reject oversized requests early
	if r.ContentLength > h.maxFileSize {
		h.respondError(w, tooLarge)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxFileSize)

	if err := r.ParseMultipartForm(h.maxFileSize); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) || strings.Contains(err.Error(), "request body too large") {
			h.respondError(w, tooLarge)
			return
		}
		h.respondError(w, utils.NewBadRequestError("Invalid form data"))
		return
	}

	orgID := strings.TrimSpace(r.FormValue("org_id"))
	shopID := strings.TrimSpace(r.FormValue("shop_id"))
	if orgID == "" || shopID == "" {
		h.respondError(w, utils.NewBadRequestError("org_id and shop_id are required"))
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		h.respondError(w, utils.NewBadRequestError("No file provided"))
		return
	}
	defer file.Close()

	contentType := determineContentType(header.Filename, header.Header.Get("Content-Type"))

	h.logger.Info("File upload attempt",
		"filename", header.Filename,
		"reported_content_type", header.Header.Get("Content-Type"),
		"determined_content_type", contentType)

	if !isValidContentType(contentType) {
		h.respondError(w, utils.NewBadRequestError("Only PDF, CSV, PNG and JPEG files are allowed"))
		return
	}

	data, err := io.ReadAll(io.LimitReader(file, h.maxFileSize+1))
	if err != nil {
		h.respondError(w, utils.NewInternalError("Failed to read file"))
		return
	}
	if int64(len(data)) > h.maxFileSize {
		h.respondError(w, tooLarge)
		return
	}
	if len(data) == 0 {
		h.respondError(w, utils.NewBadRequestError("Uploaded file is empty"))
		return
	}

	doc, err := h.service.UploadDocument(r.Context(), &services.UploadRequest{
		OrgID:       orgID,
		ShopID:      shopID,
		Filename:    header.Filename,
		ContentType: contentType,
		File:        data,
	})
	if err != nil {
		h.respondError(w, err)
		return
	}

	h.respondJSON(w, http.StatusCreated, doc)
}

func (h *DocumentHandler) GetDocument(w http.ResponseWriter, r *http.Request) {
	doc, err := h.service.GetDocument(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, doc)
}

// IngestDocument queues an uploaded version again, e.g. after a lost job.
func (h *DocumentHandler) IngestDocument(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := h.service.GetDocument(r.Context(), id); err != nil {
		h.respondError(w, err)
		return
	}
	if err := h.service.Ingest(r.Context(), id); err != nil {
		h.respondError(w, err)
		return
	}
	h.respondJSON(w, http.StatusAccepted, map[string]string{"id": id, "status": "queued"})
}

func (h *DocumentHandler) ResubmitDocument(w http.ResponseWriter, r *http.Request) {
	doc, err := h.service.Resubmit(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.respondJSON(w, http.StatusAccepted, doc)
}

// determineContentType prefers the filename extension over the reported
// header, which browsers often get wrong for CSV.
func determineContentType(filename, headerContentType string) string {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".pdf":
		return models.MimePDF
	case ".csv":
		return models.MimeCSV
	case ".png":
		return models.MimePNG
	case ".jpg", ".jpeg":
		return models.MimeJPEG
	}

	mediaType, _, _ := strings.Cut(headerContentType, ";")
	mediaType = strings.ToLower(strings.TrimSpace(mediaType))
	switch mediaType {
	case "application/csv", "application/vnd.ms-excel":
		return models.MimeCSV
	case "image/jpg":
		return models.MimeJPEG
	}
	return mediaType
}

func isValidContentType(contentType string) bool {
	switch contentType {
	case models.MimePDF, models.MimeCSV, models.MimePNG, models.MimeJPEG:
		return true
	}
	return false
}
