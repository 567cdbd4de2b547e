package capture

import (
	"image"

	"golang.org/x/image/draw"
)

// Mirror returns a horizontally flipped copy of img with its origin at (0,0).
func Mirror(img image.Image) *image.RGBA {
	b := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)

	w := b.Dx()
	for y := 0; y < b.Dy(); y++ {
		row := dst.Pix[y*dst.Stride : y*dst.Stride+w*4]
		for l, r := 0, w-1; l < r; l, r = l+1, r-1 {
			li, ri := l*4, r*4
			for c := 0; c < 4; c++ {
				row[li+c], row[ri+c] = row[ri+c], row[li+c]
			}
		}
	}
	return dst
}
