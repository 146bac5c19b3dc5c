package worker

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"testing"

	"github.com/stretchr/testify/require"
)

func samplePNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x % 256), G: uint8(y % 256), B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestRenderResizesToExactDimensions(t *testing.T) {
	src := samplePNG(t, 400, 300)

	out, err := render(src, 100, 100, "jpeg")
	require.NoError(t, err)
	require.Equal(t, "jpeg", out.format)

	decoded, _, err := image.Decode(bytes.NewReader(out.data))
	require.NoError(t, err)
	bounds := decoded.Bounds()
	require.Equal(t, 100, bounds.Dx())
	require.Equal(t, 100, bounds.Dy())
}

func TestRenderWebpFallsBackToJPEG(t *testing.T) {
	src := samplePNG(t, 50, 50)

	out, err := render(src, 20, 20, "webp")
	require.NoError(t, err)
	require.Equal(t, "jpeg", out.format)
	require.Contains(t, out.contentType, "jpeg")
}

func TestRenderPNGKeepsFormat(t *testing.T) {
	src := samplePNG(t, 50, 50)

	out, err := render(src, 20, 20, "png")
	require.NoError(t, err)
	require.Equal(t, "png", out.format)
	require.Contains(t, out.contentType, "png")
}

func TestRenderRejectsUnsupportedFormat(t *testing.T) {
	src := samplePNG(t, 10, 10)
	_, err := render(src, 10, 10, "gif")
	require.Error(t, err)
}

func TestRenderRejectsGarbageInput(t *testing.T) {
	_, err := render([]byte("not an image"), 10, 10, "png")
	require.Error(t, err)
}
