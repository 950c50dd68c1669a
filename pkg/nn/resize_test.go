package nn

import (
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLetterboxTransform(t *testing.T) {
	xform := LetterboxTransform(640, 640, 640, 640)
	require.Equal(t, IdentityResizeTransform(), xform)

	xform = LetterboxTransform(1280, 720, 640, 640)
	require.Equal(t, float32(0.5), xform.ScaleX)
	require.Equal(t, float32(0.5), xform.ScaleY)
	x, y := xform.Apply(1280, 720)
	require.Equal(t, float32(640), x)
	require.Equal(t, float32(360), y)
	x, y = xform.Unapply(x, y)
	require.Equal(t, float32(1280), x)
	require.Equal(t, float32(720), y)

	// Upscaling
	xform = LetterboxTransform(320, 160, 640, 640)
	require.Equal(t, float32(2), xform.ScaleX)
	w, h := xform.UnapplySize(100, 50)
	require.Equal(t, float32(50), w)
	require.Equal(t, float32(25), h)
}

func TestLetterbox(t *testing.T) {
	//                rgb        nn
	testLetterboxAt(t, 640, 480, 640, 640) // scale = 1, black padding on bottom
	testLetterboxAt(t, 480, 640, 640, 640) // scale = 1, black padding on right
	testLetterboxAt(t, 640, 480, 320, 256) // downscaling
	testLetterboxAt(t, 320, 240, 640, 640) // upscaling
	testLetterboxAt(t, 640, 640, 640, 640) // 1:1
}

func testLetterboxAt(t *testing.T, rgbWidth, rgbHeight, nnWidth, nnHeight int) {
	gray := color.RGBA{190, 190, 190, 255}
	src := image.NewRGBA(image.Rect(0, 0, rgbWidth, rgbHeight))
	for y := 0; y < rgbHeight; y++ {
		for x := 0; x < rgbWidth; x++ {
			src.SetRGBA(x, y, gray)
		}
	}

	dst, xform := Letterbox(src, nnWidth, nnHeight)
	require.Equal(t, nnWidth, dst.Bounds().Dx())
	require.Equal(t, nnHeight, dst.Bounds().Dy())

	// The center of the source image must land on gray
	cx, cy := xform.Apply(float32(rgbWidth)/2, float32(rgbHeight)/2)
	center := dst.RGBAAt(int(cx), int(cy))
	require.InDelta(t, gray.R, center.R, 2)
	require.InDelta(t, gray.G, center.G, 2)
	require.InDelta(t, gray.B, center.B, 2)

	// Anything beyond the scaled image must be black padding
	ex, ey := xform.Apply(float32(rgbWidth), float32(rgbHeight))
	if int(ex)+1 < nnWidth {
		require.Equal(t, color.RGBA{0, 0, 0, 255}, dst.RGBAAt(nnWidth-1, 0))
	}
	if int(ey)+1 < nnHeight {
		require.Equal(t, color.RGBA{0, 0, 0, 255}, dst.RGBAAt(0, nnHeight-1))
	}
}
