package extractor

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/BerylCAtieno/invoice-leak-detector/internal/llm"
	"github.com/BerylCAtieno/invoice-leak-detector/internal/models"
	"github.com/BerylCAtieno/invoice-leak-detector/internal/utils"
	"golang.org/x/sync/errgroup"
)

// VisionClient returns the ordered text lines of one image.
type VisionClient interface {
	ExtractImageLines(ctx context.Context, image []byte, mimeType string) (*llm.ImageLines, error)
}

// Result is the outcome of a successful extraction.
type Result struct {
	Text           string
	Extractor      string
	PageCount      int
	FallbackVision bool
	Usage          llm.Usage
}

// Service turns uploaded bytes into plain text. Failures are returned as
// *utils.StageError carrying the persisted error code.
type Service interface {
	Extract(ctx context.Context, data []byte, mimeType string) (*Result, error)
}

type Options struct {
	Rasterizer        Rasterizer
	Vision            VisionClient
	VisionConcurrency int
	MaxImageDimension int
}

type service struct {
	rasterizer        Rasterizer
	vision            VisionClient
	visionConcurrency int
	maxImageDimension int
	readPDF           func([]byte) (string, int, error)
	logger            *utils.Logger
}

func NewService(opts Options, logger *utils.Logger) Service {
	return &service{
		rasterizer:        opts.Rasterizer,
		vision:            opts.Vision,
		visionConcurrency: max(opts.VisionConcurrency, 1),
		maxImageDimension: opts.MaxImageDimension,
		readPDF:           ExtractPDF,
		logger:            logger.WithComponent("extractor"),
	}
}

func (s *service) Extract(ctx context.Context, data []byte, mimeType string) (*Result, error) {
	switch normalizeMime(mimeType) {
	case models.MimePDF:
		return s.extractPDF(ctx, data)
	case models.MimeCSV:
		text, err := ExtractCSV(data)
		if err != nil {
			return nil, utils.NewPermanentError(models.ErrCodeExtractionFailed, err)
		}
		return &Result{Text: text, Extractor: models.ExtractorCSV, PageCount: 1}, nil
	case models.MimePNG, models.MimeJPEG:
		return s.extractImage(ctx, data)
	default:
		return nil, utils.NewPermanentError(models.ErrCodeUnsupportedMime,
			fmt.Errorf("unsupported mime type %q", mimeType))
	}
}

func normalizeMime(mimeType string) string {
	mimeType, _, _ = strings.Cut(mimeType, ";")
	mimeType = strings.ToLower(strings.TrimSpace(mimeType))
	if mimeType == "image/jpg" {
		return models.MimeJPEG
	}
	return mimeType
}

func (s *service) extractPDF(ctx context.Context, data []byte) (*Result, error) {
	text, pages, err := s.readPDF(data)
	if err != nil {
		// A broken text layer may still render; let the vision path decide.
		s.logger.Warn("PDF text layer unreadable, trying vision fallback", "error", err)
	}
	if err == nil && !blank(text) {
		return &Result{Text: text, Extractor: models.ExtractorPDFText, PageCount: pages}, nil
	}

	if s.rasterizer == nil || s.vision == nil {
		return nil, utils.NewPermanentError(models.ErrCodePDFTextEmpty,
			errors.New("PDF has no text layer and vision fallback is not configured"))
	}

	images, err := s.rasterizer.Rasterize(ctx, data)
	if err != nil {
		return nil, utils.NewStageError(models.ErrCodeExtractionFailed, err)
	}
	if len(images) == 0 {
		return nil, utils.NewPermanentError(models.ErrCodePDFTextEmpty, errors.New("PDF rendered no pages"))
	}

	pageTexts := make([]string, len(images))
	usages := make([]llm.Usage, len(images))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.visionConcurrency)
	for i, img := range images {
		g.Go(func() error {
			lines, err := s.readImage(gctx, img)
			if err != nil {
				return fmt.Errorf("page %d: %w", i+1, err)
			}
			pageTexts[i] = strings.Join(lines.Lines, "\n")
			usages[i] = lines.Usage
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, utils.NewStageError(models.ErrCodeExtractionFailed, err)
	}

	text = strings.Join(pageTexts, "\f")
	if blank(text) {
		return nil, utils.NewPermanentError(models.ErrCodePDFTextEmpty,
			errors.New("vision fallback returned no text for any page"))
	}

	s.logger.Info("PDF extracted via vision fallback", "pages", len(images))
	return &Result{
		Text:           text,
		Extractor:      models.ExtractorPDFVision,
		PageCount:      len(images),
		FallbackVision: true,
		Usage:          sumUsage(usages),
	}, nil
}

func (s *service) extractImage(ctx context.Context, data []byte) (*Result, error) {
	if s.vision == nil {
		return nil, utils.NewPermanentError(models.ErrCodeImageTextFailed, errors.New("vision model is not configured"))
	}

	img, mimeType, err := PrepareImage(data, s.maxImageDimension)
	if err != nil {
		return nil, utils.NewPermanentError(models.ErrCodeImageTextFailed, err)
	}

	lines, err := s.vision.ExtractImageLines(ctx, img, mimeType)
	if err != nil {
		return nil, utils.NewStageError(models.ErrCodeImageTextFailed, err)
	}
	if len(lines.Lines) == 0 {
		return nil, utils.NewPermanentError(models.ErrCodeImageTextFailed, errors.New("vision model returned no text lines"))
	}

	return &Result{
		Text:      strings.Join(lines.Lines, "\n"),
		Extractor: models.ExtractorImageVision,
		PageCount: 1,
		Usage:     lines.Usage,
	}, nil
}

func (s *service) readImage(ctx context.Context, page []byte) (*llm.ImageLines, error) {
	img, mimeType, err := PrepareImage(page, s.maxImageDimension)
	if err != nil {
		return nil, err
	}
	return s.vision.ExtractImageLines(ctx, img, mimeType)
}

func sumUsage(usages []llm.Usage) llm.Usage {
	var total llm.Usage
	for _, u := range usages {
		total.PromptTokens += u.PromptTokens
		total.CompletionTokens += u.CompletionTokens
		total.TotalTokens += u.TotalTokens
	}
	return total
}
