/**
 * Region layout helpers
 *
 * Reading-order sorting for geometric regions and the region-of-interest
 * crop pre-step shared by all recognition backends.
 */

package ocr

import (
	"bytes"
	"fmt"
	"image"
	"image/png"
	"sort"

	// Widen image.Decode beyond the stdlib formats; screenshots and fetched
	// images show up as BMP/TIFF/WebP often enough to matter.
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// SortReadingOrder orders regions top-to-bottom, left-to-right. Regions are
// grouped into horizontal bands so small baseline jitter does not shuffle
// words of the same visual line. Regions without geometry keep insertion
// order: there is nothing to sort by.
func SortReadingOrder(regions []TextRegion) []TextRegion {
	if len(regions) < 2 {
		return regions
	}

	for _, reg := range regions {
		if reg.WholeImage() {
			return regions
		}
	}

	// Band tolerance: half the average region height.
	totalHeight := 0
	for _, reg := range regions {
		totalHeight += reg.Bounds.Height
	}
	tolerance := totalHeight / (2 * len(regions))
	if tolerance < 1 {
		tolerance = 1
	}

	sorted := append([]TextRegion(nil), regions...)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i].Bounds, sorted[j].Bounds
		if diff := a.Y - b.Y; diff > tolerance || diff < -tolerance {
			return a.Y < b.Y
		}
		return a.X < b.X
	})

	return sorted
}

// Crop applies the region-of-interest pre-step: decode, intersect with the
// image bounds, re-encode as PNG. The source image is left untouched.
func Crop(img *CaptureImage, region Rect) (*CaptureImage, error) {
	if img.IsEmpty() {
		return nil, fmt.Errorf("cannot crop an empty image")
	}
	if region.IsEmpty() {
		return nil, fmt.Errorf("crop region is empty")
	}

	src, _, err := image.Decode(bytes.NewReader(img.Data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode image for crop: %w", err)
	}

	rect := image.Rect(region.X, region.Y, region.X+region.Width, region.Y+region.Height)
	rect = rect.Intersect(src.Bounds())
	if rect.Empty() {
		return nil, fmt.Errorf("crop region %+v lies outside image bounds %v", region, src.Bounds())
	}

	sub, ok := src.(interface {
		SubImage(image.Rectangle) image.Image
	})
	if !ok {
		return nil, fmt.Errorf("image type %T does not support cropping", src)
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, sub.SubImage(rect)); err != nil {
		return nil, fmt.Errorf("failed to encode cropped image: %w", err)
	}

	return &CaptureImage{
		Data:       buf.Bytes(),
		Format:     "png",
		Width:      rect.Dx(),
		Height:     rect.Dy(),
		Monitor:    img.Monitor,
		CapturedAt: img.CapturedAt,
	}, nil
}

// DecodeBounds reads the pixel dimensions from encoded image bytes.
func DecodeBounds(data []byte) (width, height int, err error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return 0, 0, fmt.Errorf("failed to decode image dimensions: %w", err)
	}
	return cfg.Width, cfg.Height, nil
}
