package extractor

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// Rasterizer renders every PDF page to a PNG, in page order.
type Rasterizer interface {
	Rasterize(ctx context.Context, pdf []byte) ([][]byte, error)
}

type pdftoppmRasterizer struct {
	path string
	dpi  int
}

// NewPdftoppmRasterizer shells out to poppler's pdftoppm.
func NewPdftoppmRasterizer(path string, dpi int) Rasterizer {
	if path == "" {
		path = "pdftoppm"
	}
	if dpi <= 0 {
		dpi = 150
	}
	return &pdftoppmRasterizer{path: path, dpi: dpi}
}

func (r *pdftoppmRasterizer) Rasterize(ctx context.Context, pdf []byte) ([][]byte, error) {
	dir, err := os.MkdirTemp("", "rasterize-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp dir: %w", err)
	}
	defer os.RemoveAll(dir)

	input := filepath.Join(dir, "input.pdf")
	if err := os.WriteFile(input, pdf, 0o600); err != nil {
		return nil, fmt.Errorf("failed to write PDF: %w", err)
	}

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, r.path, "-png", "-r", strconv.Itoa(r.dpi), input, filepath.Join(dir, "page"))
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("pdftoppm failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}

	files, err := filepath.Glob(filepath.Join(dir, "page-*.png"))
	if err != nil {
		return nil, fmt.Errorf("failed to list rendered pages: %w", err)
	}
	sort.Slice(files, func(i, j int) bool {
		return pageNumber(files[i]) < pageNumber(files[j])
	})

	pages := make([][]byte, 0, len(files))
	for _, f := range files {
		data, err := os.ReadFile(f)
		if err != nil {
			return nil, fmt.Errorf("failed to read rendered page: %w", err)
		}
		pages = append(pages, data)
	}
	return pages, nil
}

// pageNumber parses "page-07.png"; pdftoppm zero-pads to the page count width.
func pageNumber(path string) int {
	name := strings.TrimSuffix(filepath.Base(path), ".png")
	n, _ := strconv.Atoi(strings.TrimPrefix(name, "page-"))
	return n
}
