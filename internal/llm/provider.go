package llm

import (
	"context"
)

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Completion is a raw JSON answer from the model; validation is the
// caller's job.
type Completion struct {
	JSON   []byte
	Usage  Usage
	Model  string
	Cached bool
}

type ImageLines struct {
	Lines  []string
	Usage  Usage
	Model  string
	Cached bool
}

// InvoiceMeta describes the source document in prompts.
type InvoiceMeta struct {
	DocumentVersionID string
	FileName          string
	MimeType          string
	Extractor         string
}

type Provider interface {
	NormalizeInvoice(ctx context.Context, meta InvoiceMeta, text string) (*Completion, error)
	RepairNormalizedInvoice(ctx context.Context, payload []byte, issues []string, meta InvoiceMeta) (*Completion, error)
	ExtractImageLines(ctx context.Context, image []byte, mimeType string) (*ImageLines, error)
}
