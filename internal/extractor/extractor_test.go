package extractor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image/color"
	"sync/atomic"
	"testing"

	"github.com/BerylCAtieno/invoice-leak-detector/internal/llm"
	"github.com/BerylCAtieno/invoice-leak-detector/internal/models"
	"github.com/BerylCAtieno/invoice-leak-detector/internal/utils"
	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pngOfWidth(t *testing.T, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, imaging.Encode(&buf, imaging.New(w, h, color.White), imaging.PNG))
	return buf.Bytes()
}

type fakeRasterizer struct {
	pages [][]byte
	err   error
}

func (f *fakeRasterizer) Rasterize(context.Context, []byte) ([][]byte, error) {
	return f.pages, f.err
}

// fakeVision answers with the decoded image width so page order is visible.
type fakeVision struct {
	calls atomic.Int32
	empty bool
	err   error
}

func (f *fakeVision) ExtractImageLines(_ context.Context, image []byte, _ string) (*llm.ImageLines, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	if f.empty {
		return &llm.ImageLines{}, nil
	}
	img, err := imaging.Decode(bytes.NewReader(image))
	if err != nil {
		return nil, err
	}
	return &llm.ImageLines{
		Lines: []string{fmt.Sprintf("width %d", img.Bounds().Dx()), "Total USD 10.00"},
		Usage: llm.Usage{TotalTokens: 10},
	}, nil
}

func newTestService(r Rasterizer, v VisionClient, pdfText string) *service {
	svc := NewService(Options{Rasterizer: r, Vision: v, VisionConcurrency: 2, MaxImageDimension: 2000}, utils.NewNopLogger()).(*service)
	svc.readPDF = func([]byte) (string, int, error) { return pdfText, 2, nil }
	return svc
}

func requireStageError(t *testing.T, err error, code string, permanent bool) {
	t.Helper()
	var se *utils.StageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, code, se.Code)
	assert.Equal(t, permanent, se.Permanent)
}

func TestPDFWithTextLayer(t *testing.T) {
	vision := &fakeVision{}
	svc := newTestService(&fakeRasterizer{}, vision, "ACME Inc\nTotal 10.00\fPage two")

	res, err := svc.Extract(context.Background(), []byte("%PDF"), models.MimePDF)
	require.NoError(t, err)
	assert.Equal(t, models.ExtractorPDFText, res.Extractor)
	assert.False(t, res.FallbackVision)
	assert.Equal(t, 2, res.PageCount)
	assert.Zero(t, vision.calls.Load())
}

func TestPDFVisionFallback(t *testing.T) {
	vision := &fakeVision{}
	raster := &fakeRasterizer{pages: [][]byte{pngOfWidth(t, 10, 10), pngOfWidth(t, 20, 10), pngOfWidth(t, 30, 10)}}
	svc := newTestService(raster, vision, " \f \n")

	res, err := svc.Extract(context.Background(), []byte("%PDF"), models.MimePDF)
	require.NoError(t, err)
	assert.True(t, res.FallbackVision)
	assert.Equal(t, models.ExtractorPDFVision, res.Extractor)
	assert.Equal(t, 3, res.PageCount)
	assert.Equal(t, "width 10\nTotal USD 10.00\fwidth 20\nTotal USD 10.00\fwidth 30\nTotal USD 10.00", res.Text)
	assert.Equal(t, 30, res.Usage.TotalTokens)
	assert.Equal(t, int32(3), vision.calls.Load())
}

func TestPDFVisionFallbackFailures(t *testing.T) {
	ctx := context.Background()

	t.Run("not configured", func(t *testing.T) {
		_, err := newTestService(nil, nil, "").Extract(ctx, nil, models.MimePDF)
		requireStageError(t, err, models.ErrCodePDFTextEmpty, true)
	})

	t.Run("no lines on any page", func(t *testing.T) {
		raster := &fakeRasterizer{pages: [][]byte{pngOfWidth(t, 10, 10)}}
		_, err := newTestService(raster, &fakeVision{empty: true}, "").Extract(ctx, nil, models.MimePDF)
		requireStageError(t, err, models.ErrCodePDFTextEmpty, true)
	})

	t.Run("vision call fails", func(t *testing.T) {
		raster := &fakeRasterizer{pages: [][]byte{pngOfWidth(t, 10, 10)}}
		_, err := newTestService(raster, &fakeVision{err: errors.New("503")}, "").Extract(ctx, nil, models.MimePDF)
		requireStageError(t, err, models.ErrCodeExtractionFailed, false)
	})

	t.Run("rasterizer fails", func(t *testing.T) {
		raster := &fakeRasterizer{err: errors.New("pdftoppm missing")}
		_, err := newTestService(raster, &fakeVision{}, "").Extract(ctx, nil, models.MimePDF)
		requireStageError(t, err, models.ErrCodeExtractionFailed, false)
	})
}

func TestUnsupportedMime(t *testing.T) {
	_, err := newTestService(nil, nil, "").Extract(context.Background(), []byte("x"), "application/zip")
	requireStageError(t, err, models.ErrCodeUnsupportedMime, true)
}

func TestExtractCSV(t *testing.T) {
	tests := []struct {
		name string
		data string
		want string
	}{
		{
			name: "comma",
			data: "date,description,amount\n2024-01-05,Pro plan,49.00\n",
			want: "date=2024-01-05 | description=Pro plan | amount=49.00",
		},
		{
			name: "semicolon with CRLF and blank cell",
			data: "date;description;amount\r\n2024-01-05;;49,00\r\n2024-02-05;Pro plan;49,00\r\n",
			want: "date=2024-01-05 | amount=49,00\ndate=2024-02-05 | description=Pro plan | amount=49,00",
		},
		{
			name: "tab",
			data: "vendor\tamount\nAcme\t10\n",
			want: "vendor=Acme | amount=10",
		},
		{
			name: "utf8 bom",
			data: "\xEF\xBB\xBFvendor,amount\nAcme,10\n",
			want: "vendor=Acme | amount=10",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ExtractCSV([]byte(tt.data))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestExtractCSVWithoutRows(t *testing.T) {
	_, err := ExtractCSV([]byte("date,amount\n"))
	assert.Error(t, err)

	_, err = newTestService(nil, nil, "").Extract(context.Background(), []byte("date,amount\n"), "text/csv; charset=utf-8")
	requireStageError(t, err, models.ErrCodeExtractionFailed, true)
}

func TestSniffDelimiter(t *testing.T) {
	assert.Equal(t, ',', sniffDelimiter("a,b,c"))
	assert.Equal(t, ';', sniffDelimiter("a;b;c,d"))
	assert.Equal(t, '\t', sniffDelimiter("a\tb\tc"))
	assert.Equal(t, ',', sniffDelimiter("single"))
}

func TestExtractImage(t *testing.T) {
	vision := &fakeVision{}
	svc := newTestService(nil, vision, "")

	res, err := svc.Extract(context.Background(), pngOfWidth(t, 3000, 1000), models.MimePNG)
	require.NoError(t, err)
	assert.Equal(t, models.ExtractorImageVision, res.Extractor)
	assert.Equal(t, "width 2000\nTotal USD 10.00", res.Text)
}

func TestExtractImageWithoutLines(t *testing.T) {
	svc := newTestService(nil, &fakeVision{empty: true}, "")
	_, err := svc.Extract(context.Background(), pngOfWidth(t, 10, 10), "image/jpg")
	requireStageError(t, err, models.ErrCodeImageTextFailed, true)

	_, err = svc.Extract(context.Background(), []byte("not an image"), models.MimeJPEG)
	requireStageError(t, err, models.ErrCodeImageTextFailed, true)
}

func TestPageNumberOrdering(t *testing.T) {
	assert.Equal(t, 7, pageNumber("/tmp/x/page-07.png"))
	assert.Equal(t, 12, pageNumber("page-12.png"))
}

func TestExtractPDFRejectsGarbage(t *testing.T) {
	_, _, err := ExtractPDF([]byte("definitely not a pdf"))
	assert.Error(t, err)
}
