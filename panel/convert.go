// Package panel drives a small SPI display as a frame sink.
package panel

import (
	"fmt"
	"image"
	"strings"

	"golang.org/x/image/draw"
)

// Fit selects how a frame with a different aspect ratio is mapped onto the
// panel.
type Fit int

const (
	// Fill scales to cover the panel and crops the overflow.
	Fill Fit = iota
	// Letterbox scales to fit inside the panel with black bars.
	Letterbox
	// Stretch ignores the aspect ratio.
	Stretch
)

func ParseFit(s string) (Fit, error) {
	switch strings.ToLower(s) {
	case "fill", "":
		return Fill, nil
	case "letterbox", "fit":
		return Letterbox, nil
	case "stretch":
		return Stretch, nil
	}
	return 0, fmt.Errorf("unknown panel fit %q (fill, letterbox, stretch)", s)
}

// Converter scales RGBA frames to the panel size and packs them as
// big-endian RGB565, the byte order the controller expects on the bus.
// It reuses its buffers and is not safe for concurrent use.
type Converter struct {
	width, height int
	fit           Fit
	scaled        *image.RGBA
	out           []byte
}

func NewConverter(width, height int, fit Fit) *Converter {
	return &Converter{
		width:  width,
		height: height,
		fit:    fit,
		scaled: image.NewRGBA(image.Rect(0, 0, width, height)),
		out:    make([]byte, width*height*2),
	}
}

// Convert returns the panel image. The slice is overwritten by the next call.
func (c *Converter) Convert(src *image.RGBA) []byte {
	dst := c.scaled
	sr := src.Bounds()
	dr := dst.Bounds()
	switch c.fit {
	case Fill:
		sr = cover(sr, c.width, c.height)
	case Letterbox:
		draw.Draw(dst, dr, image.Black, image.Point{}, draw.Src)
		dr = contain(dr, sr.Dx(), sr.Dy())
	}
	if sr.Dx() == dr.Dx() && sr.Dy() == dr.Dy() {
		draw.Copy(dst, dr.Min, src, sr, draw.Src, nil)
	} else {
		draw.BiLinear.Scale(dst, dr, src, sr, draw.Src, nil)
	}
	PackRGB565(c.out, dst)
	return c.out
}

// cover returns the centered part of r with the aspect ratio w:h.
func cover(r image.Rectangle, w, h int) image.Rectangle {
	sw, sh := r.Dx(), r.Dy()
	if sw*h > sh*w {
		cw := sh * w / h
		x := r.Min.X + (sw-cw)/2
		return image.Rect(x, r.Min.Y, x+cw, r.Max.Y)
	}
	ch := sw * h / w
	y := r.Min.Y + (sh-ch)/2
	return image.Rect(r.Min.X, y, r.Max.X, y+ch)
}

// contain returns the largest centered rectangle inside r with aspect w:h.
func contain(r image.Rectangle, w, h int) image.Rectangle {
	rw, rh := r.Dx(), r.Dy()
	if rw*h > rh*w {
		cw := rh * w / h
		x := r.Min.X + (rw-cw)/2
		return image.Rect(x, r.Min.Y, x+cw, r.Max.Y)
	}
	ch := rw * h / w
	y := r.Min.Y + (rh-ch)/2
	return image.Rect(r.Min.X, y, r.Max.X, y+ch)
}

// PackRGB565 writes img into dst, two bytes per pixel, high byte first.
func PackRGB565(dst []byte, img *image.RGBA) {
	b := img.Bounds()
	i := 0
	for y := b.Min.Y; y < b.Max.Y; y++ {
		row := img.Pix[img.PixOffset(b.Min.X, y):]
		for x := 0; x < b.Dx(); x++ {
			r, g, bl := row[4*x], row[4*x+1], row[4*x+2]
			v := uint16(r>>3)<<11 | uint16(g>>2)<<5 | uint16(bl>>3)
			dst[i] = byte(v >> 8)
			dst[i+1] = byte(v)
			i += 2
		}
	}
}
