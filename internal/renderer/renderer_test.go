package renderer

import (
	"image"
	"image/color"
	"testing"

	"github.com/duanruinan/cube/internal/scanout"
	"github.com/duanruinan/cube/internal/shmpool"
)

func solidRGBA(w, h int, c color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, c)
		}
	}
	return img
}

func TestComposeOpaqueTopReplacesBottom(t *testing.T) {
	bottom := Input{Pixels: solidRGBA(4, 4, color.RGBA{R: 255, A: 255}), Dst: image.Rect(0, 0, 4, 4), Alpha: 1}
	top := Input{Pixels: solidRGBA(4, 4, color.RGBA{B: 255, A: 255}), Dst: image.Rect(0, 0, 4, 4), Alpha: 1}

	canvas := Compose([]Input{bottom, top}, 4, 4)
	got := canvas.RGBAAt(0, 0)
	if got.B != 255 || got.R != 0 {
		t.Fatalf("got %+v, want the opaque top layer fully covering the bottom", got)
	}
}

func TestComposeTranslucentBlendsWithBottom(t *testing.T) {
	bottom := Input{Pixels: solidRGBA(2, 2, color.RGBA{R: 255, A: 255}), Dst: image.Rect(0, 0, 2, 2), Alpha: 1}
	top := Input{Pixels: solidRGBA(2, 2, color.RGBA{B: 255, A: 255}), Dst: image.Rect(0, 0, 2, 2), Alpha: 0.5}

	canvas := Compose([]Input{bottom, top}, 2, 2)
	got := canvas.RGBAAt(0, 0)
	if got.R == 0 || got.B == 0 {
		t.Fatalf("got %+v, want a blend showing both layers", got)
	}
}

func TestComposeTransparentSourceDoesNotOverwrite(t *testing.T) {
	bottom := Input{Pixels: solidRGBA(2, 2, color.RGBA{G: 255, A: 255}), Dst: image.Rect(0, 0, 2, 2), Alpha: 1}
	transparent := Input{Pixels: solidRGBA(2, 2, color.RGBA{}), Dst: image.Rect(0, 0, 2, 2), Alpha: 1}

	canvas := Compose([]Input{bottom, transparent}, 2, 2)
	got := canvas.RGBAAt(0, 0)
	if got.G != 255 {
		t.Fatalf("got %+v, want the fully-transparent layer to leave the bottom untouched", got)
	}
}

func TestComposeScalesMismatchedSource(t *testing.T) {
	small := Input{Pixels: solidRGBA(2, 2, color.RGBA{R: 255, A: 255}), Dst: image.Rect(0, 0, 8, 8), Alpha: 1}
	canvas := Compose([]Input{small}, 8, 8)
	if canvas.Bounds().Dx() != 8 || canvas.Bounds().Dy() != 8 {
		t.Fatalf("canvas bounds = %v, want 8x8", canvas.Bounds())
	}
	if canvas.RGBAAt(4, 4).R == 0 {
		t.Fatal("expected the scaled-up source to cover the full destination")
	}
}

func TestComposeBlendsAcrossMultipleStrips(t *testing.T) {
	tall := Input{Pixels: solidRGBA(2, 200, color.RGBA{R: 255, A: 255}), Dst: image.Rect(0, 0, 2, 200), Alpha: 1}
	canvas := Compose([]Input{tall}, 2, 200)
	if canvas.RGBAAt(1, 199).R != 255 {
		t.Fatal("expected the last row of a multi-strip blend to be painted")
	}
}

func TestBufferToRGBAARGB8888(t *testing.T) {
	buf := &shmpool.Buffer{Width: 1, Height: 1, Format: shmpool.FormatARGB8888}
	raw := []byte{0x11, 0x22, 0x33, 0x80} // B, G, R, A
	img := BufferToRGBA(buf, raw)
	got := img.RGBAAt(0, 0)
	if got.R != 0x33 || got.G != 0x22 || got.B != 0x11 || got.A != 0x80 {
		t.Fatalf("got %+v, want R=33 G=22 B=11 A=80", got)
	}
}

func TestBufferToRGBAXRGB8888ForcesOpaque(t *testing.T) {
	buf := &shmpool.Buffer{Width: 1, Height: 1, Format: shmpool.FormatXRGB8888}
	raw := []byte{0x00, 0x00, 0xFF, 0x00}
	img := BufferToRGBA(buf, raw)
	if img.RGBAAt(0, 0).A != 255 {
		t.Fatal("expected XRGB8888 to force full opacity regardless of the stored alpha byte")
	}
}

func TestBufferToRGBARGB888(t *testing.T) {
	buf := &shmpool.Buffer{Width: 1, Height: 1, Format: shmpool.FormatRGB888}
	raw := []byte{0x10, 0x20, 0x30}
	img := BufferToRGBA(buf, raw)
	got := img.RGBAAt(0, 0)
	if got.R != 0x30 || got.G != 0x20 || got.B != 0x10 || got.A != 255 {
		t.Fatalf("got %+v, want R=30 G=20 B=10 A=ff", got)
	}
}

func TestBufferToRGBARGB565(t *testing.T) {
	buf := &shmpool.Buffer{Width: 1, Height: 1, Format: shmpool.FormatRGB565}
	// 0xF800 = top 5 bits (red) all set, rest zero.
	raw := []byte{0x00, 0xF8}
	img := BufferToRGBA(buf, raw)
	got := img.RGBAAt(0, 0)
	if got.R == 0 || got.G != 0 || got.B != 0 {
		t.Fatalf("got %+v, want a pure-red pixel", got)
	}
}

func TestBufferToRGBATruncatedDataLeavesRemainderTransparent(t *testing.T) {
	buf := &shmpool.Buffer{Width: 4, Height: 4, Format: shmpool.FormatARGB8888}
	raw := []byte{0x11, 0x22, 0x33, 0xFF} // only one pixel's worth of data
	img := BufferToRGBA(buf, raw)
	if img.RGBAAt(0, 0).A != 0xFF {
		t.Fatal("expected the one decodable pixel to be set")
	}
	if img.RGBAAt(3, 3).A != 0 {
		t.Fatal("expected pixels beyond the truncated data to stay transparent")
	}
}

func TestOutputRectConvertsScanoutRect(t *testing.T) {
	got := OutputRect(scanout.Rect{X: 10, Y: 20, W: 100, H: 50})
	want := image.Rect(10, 20, 110, 70)
	if got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
}
