package converter

import (
	"fmt"
	"image"
	"os"
	"path/filepath"
	"strings"

	"github.com/chai2010/webp"
	"github.com/disintegration/imaging"
)

const previewMaxSide = 512

// writePreview saves a small WebP thumbnail of the first page next to
// the TIFF, for quick visual checks without a TIFF viewer.
func writePreview(tiffPath string, page image.Image) error {
	bounds := page.Bounds()
	thumb := page
	if bounds.Dx() > previewMaxSide || bounds.Dy() > previewMaxSide {
		if bounds.Dx() >= bounds.Dy() {
			thumb = imaging.Resize(page, previewMaxSide, 0, imaging.Lanczos)
		} else {
			thumb = imaging.Resize(page, 0, previewMaxSide, imaging.Lanczos)
		}
	}

	outPath := strings.TrimSuffix(tiffPath, filepath.Ext(tiffPath)) + ".webp"
	f, err := os.Create(outPath)
	if err != nil {
		return fmt.Errorf("error creating preview file: %v", err)
	}
	defer f.Close()

	if err := webp.Encode(f, thumb, &webp.Options{Quality: 80}); err != nil {
		os.Remove(outPath)
		return fmt.Errorf("error encoding preview: %v", err)
	}
	return nil
}
