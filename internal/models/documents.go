package models

import (
	"time"
)

type DocumentVersion struct {
	ID           string         `json:"id" db:"id"`
	OrgID        string         `json:"org_id" db:"org_id"`
	ShopID       string         `json:"shop_id" db:"shop_id"`
	MimeType     string         `json:"mime_type" db:"mime_type"`
	FileName     string         `json:"file_name" db:"file_name"`
	ByteSize     int64          `json:"byte_size" db:"byte_size"`
	SHA256       string         `json:"sha256" db:"sha256"`
	StorageKey   string         `json:"storage_key" db:"storage_key"`
	Status       DocumentStatus `json:"status" db:"status"`
	ErrorCode    *string        `json:"error_code,omitempty" db:"error_code"`
	ErrorMessage *string        `json:"error_message,omitempty" db:"error_message"`
	CreatedAt    time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at" db:"updated_at"`
}

type ExtractedArtifact struct {
	ID                string    `json:"id" db:"id"`
	DocumentVersionID string    `json:"document_version_id" db:"document_version_id"`
	TextContent       string    `json:"text_content" db:"text_content"`
	Extractor         string    `json:"extractor" db:"extractor"`
	PageCount         int       `json:"page_count" db:"page_count"`
	FallbackVision    bool      `json:"fallback_vision" db:"fallback_vision"`
	CreatedAt         time.Time `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time `json:"updated_at" db:"updated_at"`
}

// Extractor names recorded on artifacts.
const (
	ExtractorPDFText     = "pdf-text"
	ExtractorPDFVision   = "pdf-vision"
	ExtractorCSV         = "csv"
	ExtractorImageVision = "image-vision"
)

// Supported upload MIME types.
const (
	MimePDF  = "application/pdf"
	MimeCSV  = "text/csv"
	MimePNG  = "image/png"
	MimeJPEG = "image/jpeg"
)

// Pipeline error codes persisted on DocumentVersion and ActionRun.
const (
	ErrCodeUnsupportedMime           = "UNSUPPORTED_MIME"
	ErrCodePDFTextEmpty              = "PDF_TEXT_EXTRACTION_EMPTY"
	ErrCodeImageTextFailed           = "IMAGE_TEXT_EXTRACTION_FAILED"
	ErrCodeFileDownloadFailed        = "FILE_DOWNLOAD_FAILED"
	ErrCodeExtractionFailed          = "EXTRACTION_FAILED"
	ErrCodeNormalizationSchema       = "NORMALIZATION_SCHEMA_INVALID"
	ErrCodeNormalizationRepairFailed = "NORMALIZATION_REPAIR_FAILED"
	ErrCodeNormalizationFailed       = "NORMALIZATION_FAILED"
	ErrCodeDetectionEngineFailed     = "DETECTION_ENGINE_FAILED"
	ErrCodeMailgunNotConfigured      = "MAILGUN_NOT_CONFIGURED"
	ErrCodeMailgunSendFailed         = "MAILGUN_SEND_FAILED"
	ErrCodeEvidencePackFailed        = "EVIDENCE_PACK_FAILED"
)
