package recognition

import (
	"image"
	"math"

	"golang.org/x/image/draw"
	"golang.org/x/image/math/f64"
)

// Rotate turns img counter-clockwise by degrees, growing the canvas so no
// corner is cropped. Uncovered pixels are transparent black.
func Rotate(img image.Image, degrees float64) *image.RGBA {
	b := img.Bounds()
	w, h := float64(b.Dx()), float64(b.Dy())

	rad := degrees * math.Pi / 180
	sin, cos := math.Sin(rad), math.Cos(rad)
	nw := math.Abs(w*cos) + math.Abs(h*sin)
	nh := math.Abs(w*sin) + math.Abs(h*cos)

	// Trim float noise so right angles do not gain a pixel.
	dst := image.NewRGBA(image.Rect(0, 0, int(math.Ceil(nw-1e-6)), int(math.Ceil(nh-1e-6))))

	// y grows downwards, so a visual counter-clockwise turn uses +sin on x.
	cx, cy := float64(b.Min.X)+w/2, float64(b.Min.Y)+h/2
	s2d := f64.Aff3{
		cos, sin, nw/2 - (cos*cx + sin*cy),
		-sin, cos, nh/2 - (-sin*cx + cos*cy),
	}
	draw.BiLinear.Transform(dst, s2d, img, b, draw.Src, nil)
	return dst
}
