package recognition

import (
	"fmt"
	"image"
	"image/color"

	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

var (
	matchColor = color.RGBA{255, 0, 0, 255}
	newColor   = color.RGBA{0, 255, 0, 255}
	plateColor = color.RGBA{255, 255, 0, 255}
)

const boxThickness = 2

// Annotate draws the detections of a onto a copy of its cropped frame.
// Known faces get a red box with the target name and score, new faces a green box.
func Annotate(a *Analysis) *image.RGBA {
	b := a.Image.Bounds()
	dst := image.NewRGBA(b)
	draw.Draw(dst, b, a.Image, b.Min, draw.Src)

	for _, f := range a.Faces {
		if f.Target == nil {
			drawBox(dst, f.Box, newColor)
			continue
		}
		drawBox(dst, f.Box, matchColor)
		drawLabel(dst, image.Pt(f.Box.Min.X, f.Box.Min.Y-3), f.Target.Name, matchColor)
		drawLabel(dst, image.Pt(f.Box.Min.X, f.Box.Max.Y+13), fmt.Sprintf("%.0f%%", 100*f.Confidence()), matchColor)
	}

	if a.Plate != nil {
		label := a.Plate.Plate
		if a.Plate.Target != nil {
			label += " (" + a.Plate.Target.Name + ")"
		}
		drawLabel(dst, image.Pt(b.Min.X+4, b.Min.Y+15), label, plateColor)
	}
	return dst
}

func drawBox(dst *image.RGBA, r image.Rectangle, c color.Color) {
	u := image.NewUniform(c)
	t := boxThickness
	edges := []image.Rectangle{
		image.Rect(r.Min.X, r.Min.Y, r.Max.X, r.Min.Y+t),
		image.Rect(r.Min.X, r.Max.Y-t, r.Max.X, r.Max.Y),
		image.Rect(r.Min.X, r.Min.Y, r.Min.X+t, r.Max.Y),
		image.Rect(r.Max.X-t, r.Min.Y, r.Max.X, r.Max.Y),
	}
	for _, e := range edges {
		draw.Draw(dst, e.Intersect(dst.Bounds()), u, image.Point{}, draw.Src)
	}
}

// drawLabel writes text with its baseline at p.
func drawLabel(dst *image.RGBA, p image.Point, text string, c color.Color) {
	d := &font.Drawer{
		Dst:  dst,
		Src:  image.NewUniform(c),
		Face: basicfont.Face7x13,
		Dot:  fixed.P(p.X, p.Y),
	}
	d.DrawString(text)
}
