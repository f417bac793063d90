/**
 * Tests for the core OCR data model
 *
 * Covers backend kind parsing, request/result cloning, confidence
 * aggregation and the geometry helpers shared by all backends.
 */

package ocr

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"testing"

	"github.com/snaptext/ocr-worker/internal/errors"
)

func TestParseBackendKind(t *testing.T) {
	tests := []struct {
		input   string
		want    BackendKind
		wantErr bool
	}{
		{"tesseract", KindTesseract, false},
		{"openai", KindOpenAI, false},
		{"anthropic", KindAnthropic, false},
		{"gemini", KindGemini, false},
		{"grok", KindGrok, false},
		{"", "", true},
		{"TESSERACT", "", true},
		{"azure", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseBackendKind(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ParseBackendKind(%q) expected error, got %q", tt.input, got)
				}
				if code := errors.CodeOf(err); code != errors.ErrorUnknownBackend {
					t.Errorf("Error code mismatch: got %s, want %s", code, errors.ErrorUnknownBackend)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseBackendKind(%q) unexpected error: %v", tt.input, err)
			}
			if got != tt.want {
				t.Errorf("Kind mismatch: got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestBackendKindIsRemote(t *testing.T) {
	tests := []struct {
		kind BackendKind
		want bool
	}{
		{KindTesseract, false},
		{BackendKind(""), false},
		{KindOpenAI, true},
		{KindAnthropic, true},
		{KindGemini, true},
		{KindGrok, true},
	}

	for _, tt := range tests {
		if got := tt.kind.IsRemote(); got != tt.want {
			t.Errorf("IsRemote(%q) mismatch: got %v, want %v", tt.kind, got, tt.want)
		}
	}
}

func TestKnownKindsOnDeviceFirst(t *testing.T) {
	kinds := KnownKinds()
	if len(kinds) == 0 {
		t.Fatal("KnownKinds returned no kinds")
	}
	if kinds[0] != KindTesseract {
		t.Errorf("First kind mismatch: got %q, want %q", kinds[0], KindTesseract)
	}
}

func TestRectIsEmpty(t *testing.T) {
	tests := []struct {
		name string
		rect Rect
		want bool
	}{
		{"zero rect", Rect{}, true},
		{"zero width", Rect{X: 10, Y: 10, Width: 0, Height: 5}, true},
		{"zero height", Rect{X: 10, Y: 10, Width: 5, Height: 0}, true},
		{"negative width", Rect{Width: -3, Height: 5}, true},
		{"positive area", Rect{Width: 1, Height: 1}, false},
		{"negative origin", Rect{X: -5, Y: -5, Width: 10, Height: 10}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.rect.IsEmpty(); got != tt.want {
				t.Errorf("IsEmpty mismatch: got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCaptureImageIsEmpty(t *testing.T) {
	tests := []struct {
		name string
		img  *CaptureImage
		want bool
	}{
		{"nil image", nil, true},
		{"no data", &CaptureImage{Width: 10, Height: 10}, true},
		{"no width", &CaptureImage{Data: []byte{1}, Height: 10}, true},
		{"no height", &CaptureImage{Data: []byte{1}, Width: 10}, true},
		{"populated", &CaptureImage{Data: []byte{1}, Width: 10, Height: 10}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.img.IsEmpty(); got != tt.want {
				t.Errorf("IsEmpty mismatch: got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRequestClone(t *testing.T) {
	original := &Request{
		Backend:             KindOpenAI,
		Languages:           []string{"eng", "deu"},
		ConfidenceThreshold: 0.8,
		Region:              &Rect{X: 1, Y: 2, Width: 3, Height: 4},
	}

	clone := original.Clone()
	if clone == original {
		t.Fatal("Clone returned the same pointer")
	}

	clone.Languages[0] = "fra"
	clone.Region.X = 99

	if original.Languages[0] != "eng" {
		t.Errorf("Languages not deep-copied: got %q, want %q", original.Languages[0], "eng")
	}
	if original.Region.X != 1 {
		t.Errorf("Region not deep-copied: got %d, want %d", original.Region.X, 1)
	}
}

func TestRequestCloneNil(t *testing.T) {
	var req *Request
	if clone := req.Clone(); clone != nil {
		t.Errorf("Clone of nil request: got %+v, want nil", clone)
	}
}

func TestResultClone(t *testing.T) {
	original := &Result{
		Regions: []TextRegion{
			{Bounds: Rect{Width: 10, Height: 10}, Text: "hello", Confidence: 0.9},
		},
		FullText:   "hello",
		Confidence: 0.9,
		Backend:    KindTesseract,
	}

	clone := original.Clone()
	if clone == original {
		t.Fatal("Clone returned the same pointer")
	}

	clone.Regions[0].Text = "changed"
	if original.Regions[0].Text != "hello" {
		t.Errorf("Regions not deep-copied: got %q, want %q", original.Regions[0].Text, "hello")
	}
}

func TestNewResult(t *testing.T) {
	regions := []TextRegion{
		{Text: "first line", Confidence: 0.8},
		{Text: "second line", Confidence: 1.7},
		{Text: "third line", Confidence: -0.2},
	}

	result := NewResult(regions, KindTesseract)

	if result.Backend != KindTesseract {
		t.Errorf("Backend mismatch: got %q, want %q", result.Backend, KindTesseract)
	}
	want := "first line\nsecond line\nthird line"
	if result.FullText != want {
		t.Errorf("FullText mismatch: got %q, want %q", result.FullText, want)
	}
	// 1.7 clamps to 1 and -0.2 clamps to 0 before the mean.
	wantConf := (0.8 + 1.0 + 0.0) / 3
	if diff := result.Confidence - wantConf; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("Confidence mismatch: got %f, want %f", result.Confidence, wantConf)
	}
	if result.Failed() {
		t.Error("Fresh result reported as failed")
	}
}

func TestNewResultEmpty(t *testing.T) {
	result := NewResult(nil, KindOpenAI)
	if result.FullText != "" {
		t.Errorf("FullText mismatch: got %q, want empty", result.FullText)
	}
	if result.Confidence != 0 {
		t.Errorf("Confidence mismatch: got %f, want 0", result.Confidence)
	}
}

func TestFailedResult(t *testing.T) {
	ocrErr := errors.NewNetworkError("connection refused", nil)
	result := FailedResult(KindGemini, ocrErr)

	if !result.Failed() {
		t.Error("FailedResult did not report Failed()")
	}
	if result.Backend != KindGemini {
		t.Errorf("Backend mismatch: got %q, want %q", result.Backend, KindGemini)
	}
	if result.Err != ocrErr {
		t.Errorf("Err mismatch: got %v, want %v", result.Err, ocrErr)
	}
}

func TestJoinRegions(t *testing.T) {
	tests := []struct {
		name    string
		regions []TextRegion
		want    string
	}{
		{"empty", nil, ""},
		{"single", []TextRegion{{Text: "only"}}, "only"},
		{"multiple", []TextRegion{{Text: "a"}, {Text: "b"}, {Text: "c"}}, "a\nb\nc"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := JoinRegions(tt.regions); got != tt.want {
				t.Errorf("JoinRegions mismatch: got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestAggregateConfidence(t *testing.T) {
	tests := []struct {
		name    string
		regions []TextRegion
		want    float64
	}{
		{"empty", nil, 0},
		{"single", []TextRegion{{Confidence: 0.5}}, 0.5},
		{"mean", []TextRegion{{Confidence: 0.4}, {Confidence: 0.8}}, 0.6},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := AggregateConfidence(tt.regions)
			if diff := got - tt.want; diff > 1e-9 || diff < -1e-9 {
				t.Errorf("AggregateConfidence mismatch: got %f, want %f", got, tt.want)
			}
		})
	}
}

func TestClampConfidence(t *testing.T) {
	tests := []struct {
		input float64
		want  float64
	}{
		{-1, 0},
		{0, 0},
		{0.42, 0.42},
		{1, 1},
		{3.5, 1},
	}

	for _, tt := range tests {
		if got := ClampConfidence(tt.input); got != tt.want {
			t.Errorf("ClampConfidence(%f) mismatch: got %f, want %f", tt.input, got, tt.want)
		}
	}
}

func TestSortReadingOrder(t *testing.T) {
	regions := []TextRegion{
		{Bounds: Rect{X: 100, Y: 12, Width: 50, Height: 20}, Text: "line1-right"},
		{Bounds: Rect{X: 10, Y: 10, Width: 50, Height: 20}, Text: "line1-left"},
		{Bounds: Rect{X: 10, Y: 60, Width: 50, Height: 20}, Text: "line2"},
	}

	sorted := SortReadingOrder(regions)

	want := []string{"line1-left", "line1-right", "line2"}
	for i, text := range want {
		if sorted[i].Text != text {
			t.Errorf("Region %d mismatch: got %q, want %q", i, sorted[i].Text, text)
		}
	}
}

func TestSortReadingOrderWholeImage(t *testing.T) {
	regions := []TextRegion{
		{Text: "second"},
		{Text: "first"},
	}

	// Regions without geometry keep insertion order.
	sorted := SortReadingOrder(regions)
	if sorted[0].Text != "second" || sorted[1].Text != "first" {
		t.Errorf("Whole-image regions reordered: got [%q %q]", sorted[0].Text, sorted[1].Text)
	}
}

func TestCrop(t *testing.T) {
	img := testPNGImage(t, 100, 80)

	cropped, err := Crop(img, Rect{X: 10, Y: 10, Width: 30, Height: 20})
	if err != nil {
		t.Fatalf("Crop failed: %v", err)
	}

	if cropped.Width != 30 || cropped.Height != 20 {
		t.Errorf("Cropped size mismatch: got %dx%d, want 30x20", cropped.Width, cropped.Height)
	}
	if cropped.Format != "png" {
		t.Errorf("Format mismatch: got %q, want %q", cropped.Format, "png")
	}

	// The source image must be untouched.
	if img.Width != 100 || img.Height != 80 {
		t.Errorf("Source image modified: got %dx%d, want 100x80", img.Width, img.Height)
	}
}

func TestCropIntersectsBounds(t *testing.T) {
	img := testPNGImage(t, 50, 50)

	// Region overflows the right edge; the crop clips to the image.
	cropped, err := Crop(img, Rect{X: 40, Y: 40, Width: 30, Height: 30})
	if err != nil {
		t.Fatalf("Crop failed: %v", err)
	}
	if cropped.Width != 10 || cropped.Height != 10 {
		t.Errorf("Clipped size mismatch: got %dx%d, want 10x10", cropped.Width, cropped.Height)
	}
}

func TestCropErrors(t *testing.T) {
	img := testPNGImage(t, 50, 50)

	tests := []struct {
		name   string
		img    *CaptureImage
		region Rect
	}{
		{"empty image", &CaptureImage{}, Rect{Width: 10, Height: 10}},
		{"empty region", img, Rect{}},
		{"region outside bounds", img, Rect{X: 200, Y: 200, Width: 10, Height: 10}},
		{"undecodable data", &CaptureImage{Data: []byte("not an image"), Width: 5, Height: 5}, Rect{Width: 2, Height: 2}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Crop(tt.img, tt.region); err == nil {
				t.Error("Expected error, got nil")
			}
		})
	}
}

func TestDecodeBounds(t *testing.T) {
	img := testPNGImage(t, 64, 48)

	width, height, err := DecodeBounds(img.Data)
	if err != nil {
		t.Fatalf("DecodeBounds failed: %v", err)
	}
	if width != 64 || height != 48 {
		t.Errorf("Bounds mismatch: got %dx%d, want 64x48", width, height)
	}

	if _, _, err := DecodeBounds([]byte("garbage")); err == nil {
		t.Error("Expected error for undecodable data, got nil")
	}
}

// testPNGImage builds an in-memory PNG capture of the given size.
func testPNGImage(t *testing.T, width, height int) *CaptureImage {
	t.Helper()

	canvas := image.NewRGBA(image.Rect(0, 0, width, height))
	for x := 0; x < width; x++ {
		for y := 0; y < height; y++ {
			canvas.Set(x, y, color.RGBA{R: uint8(x % 256), G: uint8(y % 256), B: 128, A: 255})
		}
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, canvas); err != nil {
		t.Fatalf("Failed to encode test image: %v", err)
	}

	return &CaptureImage{
		Data:   buf.Bytes(),
		Format: "png",
		Width:  width,
		Height: height,
	}
}
