package testsupport

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"testing"
)

// JPEG returns an encoded w×h image. Padding bytes are appended after the
// end-of-image marker to reach at least minSize, so decoders still accept it.
func JPEG(t testing.TB, w, h int, minSize int) []byte {
	t.Helper()

	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 0x80, A: 0xff})
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, nil); err != nil {
		t.Fatalf("encode jpeg: %v", err)
	}
	if pad := minSize - buf.Len(); pad > 0 {
		buf.Write(bytes.Repeat([]byte{0}, pad))
	}
	return buf.Bytes()
}
