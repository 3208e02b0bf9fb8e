package normalizer

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/BerylCAtieno/invoice-leak-detector/internal/llm"
	"github.com/BerylCAtieno/invoice-leak-detector/internal/models"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

// Document is the normalized invoice wire format produced by the model.
type Document struct {
	SchemaVersion string      `json:"schemaVersion"`
	Source        *Source     `json:"source" validate:"required"`
	Merchant      *Merchant   `json:"merchant" validate:"required"`
	Vendor        *VendorInfo `json:"vendor" validate:"required"`
	Invoice       *Header     `json:"invoice" validate:"required"`
	LineItems     []LineItem  `json:"lineItems" validate:"required,dive"`
	Quality       *Quality    `json:"quality" validate:"required"`
}

type Source struct {
	DocumentType string  `json:"documentType"`
	Language     *string `json:"language"`
}

type Merchant struct {
	Name *string `json:"name"`
}

type VendorInfo struct {
	Name    string   `json:"name" validate:"required"`
	Aliases []string `json:"aliases"`
	Email   *string  `json:"email"`
}

type Header struct {
	Number      *string          `json:"number"`
	Date        *string          `json:"date" validate:"omitempty,isodate"`
	Currency    string           `json:"currency" validate:"required,len=3,alpha"`
	PeriodStart *string          `json:"periodStart" validate:"omitempty,isodate"`
	PeriodEnd   *string          `json:"periodEnd" validate:"omitempty,isodate"`
	Total       *decimal.Decimal `json:"total"`
}

type LineItem struct {
	LineID      string           `json:"lineId" validate:"required"`
	Type        string           `json:"type" validate:"required,oneof=charge refund credit"`
	Description string           `json:"description"`
	Amount      *decimal.Decimal `json:"amount" validate:"required"`
	Currency    string           `json:"currency" validate:"required,len=3,alpha"`
	PeriodStart *string          `json:"periodStart" validate:"omitempty,isodate"`
	PeriodEnd   *string          `json:"periodEnd" validate:"omitempty,isodate"`
	Recurring   *string          `json:"recurring" validate:"omitempty,oneof=monthly yearly weekly one_time"`
	Evidence    *Evidence        `json:"evidence" validate:"required"`
}

type Evidence struct {
	Kind    string `json:"kind" validate:"required,oneof=pdf_span csv_row image_ocr_line manual_note"`
	Pointer string `json:"pointer" validate:"required"`
	Excerpt string `json:"excerpt"`
}

type Quality struct {
	Confidence *float64 `json:"confidence" validate:"omitempty,min=0,max=1"`
	Warnings   []string `json:"warnings"`
}

var requiredKeys = []string{"source", "merchant", "vendor", "invoice", "lineItems", "quality"}

// Schema checks model output against the invoice wire format.
type Schema struct {
	validate *validator.Validate
}

func NewSchema() *Schema {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	// Registration only fails for empty tags or nil funcs.
	_ = v.RegisterValidation("isodate", func(fl validator.FieldLevel) bool {
		_, err := time.Parse(models.DateLayout, fl.Field().String())
		return err == nil
	})
	return &Schema{validate: v}
}

// Validate parses raw and returns the document with every issue found. The
// document is only usable when no issues are returned.
func (s *Schema) Validate(raw []byte) (*Document, []string) {
	var keys map[string]json.RawMessage
	if err := json.Unmarshal(raw, &keys); err != nil {
		return nil, []string{fmt.Sprintf("response is not a JSON object: %v", err)}
	}

	var issues []string
	for _, k := range requiredKeys {
		if _, ok := keys[k]; !ok {
			issues = append(issues, fmt.Sprintf("missing required key %q", k))
		}
	}
	if v, ok := keys["schemaVersion"]; ok {
		var version string
		if err := json.Unmarshal(v, &version); err != nil || version != llm.SchemaVersion {
			issues = append(issues, fmt.Sprintf("schemaVersion must be %q", llm.SchemaVersion))
		}
	}

	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, append(issues, fmt.Sprintf("invalid field type: %v", err))
	}

	if err := s.validate.Struct(&doc); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return nil, append(issues, err.Error())
		}
		for _, fe := range verrs {
			issues = append(issues, describe(fe))
		}
	}

	if len(issues) > 0 {
		return &doc, issues
	}
	return &doc, nil
}

func describe(fe validator.FieldError) string {
	field := strings.TrimPrefix(fe.Namespace(), "Document.")
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s]", field, fe.Param())
	case "len":
		return fmt.Sprintf("%s must be %s characters", field, fe.Param())
	case "min":
		return fmt.Sprintf("%s must be at least %s", field, fe.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s", field, fe.Param())
	case "isodate":
		return fmt.Sprintf("%s must be a YYYY-MM-DD date", field)
	default:
		return fmt.Sprintf("%s failed %s validation", field, fe.Tag())
	}
}
