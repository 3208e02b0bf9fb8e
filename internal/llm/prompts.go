package llm

import (
	"fmt"
	"strings"
)

// PromptVersion is part of every cache key; bump it when prompts change.
const PromptVersion = "normalize-v1"

const SchemaVersion = "1.0"

const invoiceSchema = `{
  "schemaVersion": "1.0",
  "source": {"documentType": "invoice|receipt|statement|csv_export", "language": "string|null"},
  "merchant": {"name": "string|null"},
  "vendor": {"name": "string", "aliases": ["string"], "email": "string|null"},
  "invoice": {
    "number": "string|null",
    "date": "YYYY-MM-DD|null",
    "currency": "ISO 4217 code",
    "periodStart": "YYYY-MM-DD|null",
    "periodEnd": "YYYY-MM-DD|null",
    "total": "number|null"
  },
  "lineItems": [{
    "lineId": "string",
    "type": "charge|refund|credit",
    "description": "string",
    "amount": "number",
    "currency": "ISO 4217 code",
    "periodStart": "YYYY-MM-DD|null",
    "periodEnd": "YYYY-MM-DD|null",
    "recurring": "monthly|yearly|weekly|one_time|null",
    "evidence": {"kind": "pdf_span|csv_row|image_ocr_line|manual_note", "pointer": "[pN:lM] marker or row id", "excerpt": "verbatim text"}
  }],
  "quality": {"confidence": "number 0-1", "warnings": ["string"]}
}`

func normalizePrompt(meta InvoiceMeta, text string) string {
	return fmt.Sprintf(`You convert billing documents into structured JSON.

Document: %s (%s, extracted with %s)

Each line of the text starts with a [pN:lM] marker. Use those markers as evidence pointers.
Amounts are positive numbers; refunds and credits use type "refund" or "credit".

Respond ONLY with a valid JSON object (no markdown, no code blocks) matching this schema:
%s

Document text:
%s`, meta.FileName, meta.MimeType, meta.Extractor, invoiceSchema, text)
}

func repairPrompt(payload []byte, issues []string, meta InvoiceMeta) string {
	return fmt.Sprintf(`The JSON below, produced from %s, failed schema validation.

Issues:
- %s

Return the corrected JSON object ONLY (no markdown, no code blocks). Keep every value that is already valid.
Schema:
%s

Invalid JSON:
%s`, meta.FileName, strings.Join(issues, "\n- "), invoiceSchema, string(payload))
}

const visionPrompt = `Transcribe every line of text visible in this billing document image, top to bottom.
Respond ONLY with a JSON object of the form {"lines": ["first line", "second line"]}. Do not summarize.`
