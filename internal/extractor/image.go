package extractor

import (
	"bytes"
	"fmt"

	"github.com/disintegration/imaging"
)

// PrepareImage decodes an upload, applies EXIF orientation, bounds its
// longest side to maxDimension and re-encodes it as PNG for the vision model.
func PrepareImage(data []byte, maxDimension int) ([]byte, string, error) {
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, "", fmt.Errorf("failed to decode image: %w", err)
	}

	bounds := img.Bounds()
	if maxDimension > 0 && (bounds.Dx() > maxDimension || bounds.Dy() > maxDimension) {
		img = imaging.Fit(img, maxDimension, maxDimension, imaging.Lanczos)
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.PNG); err != nil {
		return nil, "", fmt.Errorf("failed to encode image: %w", err)
	}
	return buf.Bytes(), "image/png", nil
}
