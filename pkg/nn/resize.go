package nn

import (
	"image"
	"image/color"

	"github.com/fogleman/gg"
)

// ResizeTransform maps from original image pixels to network-input pixels.
// nn = original*Scale + Offset
type ResizeTransform struct {
	OffsetX float32
	OffsetY float32
	ScaleX  float32
	ScaleY  float32
}

func IdentityResizeTransform() ResizeTransform {
	return ResizeTransform{
		ScaleX: 1,
		ScaleY: 1,
	}
}

// LetterboxTransform is the transform produced by Letterbox.
// The image is scaled uniformly so that it fits inside the network input, and
// the right or bottom edge is padded with black.
func LetterboxTransform(imgWidth, imgHeight, nnWidth, nnHeight int) ResizeTransform {
	xform := IdentityResizeTransform()
	if imgWidth <= 0 || imgHeight <= 0 || (imgWidth == nnWidth && imgHeight == nnHeight) {
		return xform
	}
	scaleX := float32(nnWidth) / float32(imgWidth)
	scaleY := float32(nnHeight) / float32(imgHeight)
	scale := min(scaleX, scaleY)
	xform.ScaleX = scale
	xform.ScaleY = scale
	return xform
}

// Apply maps a point from original image space to network space
func (r ResizeTransform) Apply(x, y float32) (float32, float32) {
	return x*r.ScaleX + r.OffsetX, y*r.ScaleY + r.OffsetY
}

// Unapply maps a point from network space back to original image space
func (r ResizeTransform) Unapply(x, y float32) (float32, float32) {
	return (x - r.OffsetX) / r.ScaleX, (y - r.OffsetY) / r.ScaleY
}

// UnapplySize maps a width/height from network space back to original image space
func (r ResizeTransform) UnapplySize(w, h float32) (float32, float32) {
	return w / r.ScaleX, h / r.ScaleY
}

// Letterbox draws img into a new nnWidth x nnHeight image, so that it can be fed to a network.
// The returned transform maps from img pixels to the new image's pixels.
func Letterbox(img image.Image, nnWidth, nnHeight int) (*image.RGBA, ResizeTransform) {
	b := img.Bounds()
	xform := LetterboxTransform(b.Dx(), b.Dy(), nnWidth, nnHeight)
	dc := gg.NewContext(nnWidth, nnHeight)
	dc.SetColor(color.Black)
	dc.Clear()
	dc.Scale(float64(xform.ScaleX), float64(xform.ScaleY))
	dc.DrawImage(img, -b.Min.X, -b.Min.Y)
	return dc.Image().(*image.RGBA), xform
}
