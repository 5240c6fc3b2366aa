// Package renderer composes the views a repaint pass could not hand
// directly to a scanout plane (spec.md §4.4's renderer-composition
// fallback: translucent, non-opaque, or overlapping views) into one
// RGBA image per output. Grounded on the teacher's VideoCompositor
// blend pipeline (video_compositor.go's composite/blendFrame family):
// the same z-ordered, top-down, alpha-tested blend and the same
// strip-parallel fan-out for large frames, re-expressed over
// image.RGBA and golang.org/x/image/draw's scaler instead of raw
// unsafe.Pointer pixel writes.
package renderer

import (
	"image"
	"image/color"
	"sync"

	"golang.org/x/image/draw"

	"github.com/duanruinan/cube/internal/scanout"
	"github.com/duanruinan/cube/internal/shmpool"
)

// stripHeight mirrors blendFrame1to1's 60-row strip size: large enough
// to amortize goroutine overhead, small enough to parallelize a
// typical output height across several cores.
const stripHeight = 60

// Input is one view's contribution to a renderer composition pass,
// already resolved to its destination rectangle on the output canvas.
type Input struct {
	Pixels *image.RGBA // the view's buffer contents, already in RGBA
	Dst    image.Rectangle
	Alpha  float32
}

// Compose blends inputs, bottom-to-top, into a freshly allocated
// outW x outH canvas. Each input is scaled into its destination
// rectangle with golang.org/x/image/draw before blending, matching
// blendFrameScaled's per-source resize when a view's source and
// destination sizes differ.
func Compose(inputs []Input, outW, outH int) *image.RGBA {
	canvas := image.NewRGBA(image.Rect(0, 0, outW, outH))
	for _, in := range inputs {
		scaled := scaleToRect(in.Pixels, in.Dst)
		blendStrips(canvas, scaled, in.Dst, in.Alpha)
	}
	return canvas
}

func scaleToRect(src *image.RGBA, dst image.Rectangle) *image.RGBA {
	if src.Bounds().Dx() == dst.Dx() && src.Bounds().Dy() == dst.Dy() {
		return src
	}
	out := image.NewRGBA(image.Rect(0, 0, dst.Dx(), dst.Dy()))
	draw.CatmullRom.Scale(out, out.Bounds(), src, src.Bounds(), draw.Src, nil)
	return out
}

// blendStrips fans the destination rectangle's rows out across
// goroutines the way blendFrame1to1 splits a full-frame blend into
// parallel horizontal strips, falling back to a single synchronous
// pass for anything shorter than one strip.
func blendStrips(canvas *image.RGBA, src *image.RGBA, dst image.Rectangle, alpha float32) {
	h := dst.Dy()
	if h <= stripHeight {
		blendStrip(canvas, src, dst, 0, h, alpha)
		return
	}

	var wg sync.WaitGroup
	for y0 := 0; y0 < h; y0 += stripHeight {
		y1 := y0 + stripHeight
		if y1 > h {
			y1 = h
		}
		wg.Add(1)
		go func(startY, endY int) {
			defer wg.Done()
			blendStrip(canvas, src, dst, startY, endY, alpha)
		}(y0, y1)
	}
	wg.Wait()
}

// blendStrip alpha-tests and copies rows [startY, endY) of src,
// relative to dst's origin, into canvas. A fully transparent source
// pixel never overwrites the destination, matching the original's
// "srcPixel&0xFF000000 != 0" opacity gate; alpha further scales
// whatever passes that gate for translucent views.
func blendStrip(canvas, src *image.RGBA, dst image.Rectangle, startY, endY int, alpha float32) {
	for y := startY; y < endY; y++ {
		for x := 0; x < dst.Dx(); x++ {
			sp := src.RGBAAt(x, y)
			if sp.A == 0 {
				continue
			}
			cx, cy := dst.Min.X+x, dst.Min.Y+y
			if alpha >= 1 {
				canvas.SetRGBA(cx, cy, sp)
				continue
			}
			canvas.SetRGBA(cx, cy, blendOver(sp, canvas.RGBAAt(cx, cy), alpha))
		}
	}
}

// blendOver composites src over dst using straight (non-premultiplied)
// alpha scaled by coverage.
func blendOver(src, dst color.RGBA, coverage float32) color.RGBA {
	a := float32(src.A) / 255 * coverage
	inv := 1 - a
	return color.RGBA{
		R: uint8(float32(src.R)*a + float32(dst.R)*inv),
		G: uint8(float32(src.G)*a + float32(dst.G)*inv),
		B: uint8(float32(src.B)*a + float32(dst.B)*inv),
		A: uint8(minF(255, float32(src.A)*a+float32(dst.A)*inv)),
	}
}

func minF(a, b float32) float32 {
	if a < b {
		return a
	}
	return b
}

// Backend is implemented by a concrete display sink that the renderer
// hands its composed canvas to when a view cannot reach a scanout
// plane directly. Grounded on the teacher's minimal VideoOutput
// contract (video_interface.go), narrowed to the one operation the
// compositor core needs from a renderer target: accept a finished
// frame for the given output.
type Backend interface {
	Present(outputIndex int, frame *image.RGBA) error
}

// BufferToRGBA interprets a buffer's first plane as pixel data in its
// declared format and converts it to image.RGBA for composition. Only
// the formats a software renderer can reasonably decode without a
// hardware YUV engine are supported; unsupported formats return a
// fully transparent image of the right size rather than garbage.
func BufferToRGBA(buf *shmpool.Buffer, raw []byte) *image.RGBA {
	w, h := int(buf.Width), int(buf.Height)
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	switch buf.Format {
	case shmpool.FormatARGB8888, shmpool.FormatXRGB8888:
		convertARGB8888(img, raw, w, h, buf.Format == shmpool.FormatXRGB8888)
	case shmpool.FormatRGB888:
		convertRGB888(img, raw, w, h)
	case shmpool.FormatRGB565:
		convertRGB565(img, raw, w, h)
	}
	return img
}

func convertARGB8888(img *image.RGBA, raw []byte, w, h int, forceOpaque bool) {
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			i := (y*w + x) * 4
			if i+3 >= len(raw) {
				return
			}
			a := raw[i+3]
			if forceOpaque {
				a = 255
			}
			img.SetRGBA(x, y, color.RGBA{R: raw[i+2], G: raw[i+1], B: raw[i], A: a})
		}
	}
}

func convertRGB888(img *image.RGBA, raw []byte, w, h int) {
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			i := (y*w + x) * 3
			if i+2 >= len(raw) {
				return
			}
			img.SetRGBA(x, y, color.RGBA{R: raw[i+2], G: raw[i+1], B: raw[i], A: 255})
		}
	}
}

func convertRGB565(img *image.RGBA, raw []byte, w, h int) {
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			i := (y*w + x) * 2
			if i+1 >= len(raw) {
				return
			}
			v := uint16(raw[i]) | uint16(raw[i+1])<<8
			r := uint8((v>>11)&0x1F) << 3
			g := uint8((v>>5)&0x3F) << 2
			b := uint8(v&0x1F) << 3
			img.SetRGBA(x, y, color.RGBA{R: r, G: g, B: b, A: 255})
		}
	}
}

// OutputRect converts a scanout.Rect into an image.Rectangle for
// renderer composition math.
func OutputRect(r scanout.Rect) image.Rectangle {
	return image.Rect(r.X, r.Y, r.X+r.W, r.Y+r.H)
}
