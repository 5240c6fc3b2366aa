// Package ebitenrenderer is a windowed preview renderer.Backend: it
// shows the composited RGBA frame internal/renderer produces for every
// output side by side in one debug window, for development and for
// running Cube without a real DRM/KMS scanout device. Grounded on the
// teacher's EbitenOutput (video_backend_ebiten.go) — a single-image
// ebiten.Game fed by UpdateFrame/Draw — generalized from one emulated
// display's frame buffer to N named output sub-images laid out in a
// single window, since ebiten supports exactly one RunGame per process.
package ebitenrenderer

import (
	"image"
	"sync"

	"github.com/hajimehoshi/ebiten/v2"
)

// Backend is a renderer.Backend that previews every output's composed
// frame in one ebiten window. It implements ebiten.Game directly, the
// same shape as the teacher's EbitenOutput.
type Backend struct {
	mu      sync.RWMutex
	outputs map[int]*outputSlot
	order   []int
	started bool
}

type outputSlot struct {
	width, height int
	pixels        *image.RGBA
	img           *ebiten.Image
}

// New returns an unstarted preview backend. Call Start before the first
// Present; Present may be called before Start to pre-seed frames.
func New() *Backend {
	return &Backend{outputs: make(map[int]*outputSlot)}
}

// Start opens the preview window and begins the ebiten run loop in its
// own goroutine, mirroring EbitenOutput.Start's background
// ebiten.RunGame call. Ebiten requires its run loop to own the OS main
// thread on some platforms; callers on those platforms should invoke
// Start from main() via ebiten's RunGameWithOptions convention instead
// if a window actually needs to appear.
func (b *Backend) Start(title string) error {
	b.mu.Lock()
	if b.started {
		b.mu.Unlock()
		return nil
	}
	b.started = true
	b.mu.Unlock()

	ebiten.SetWindowTitle(title)
	ebiten.SetWindowResizable(true)
	ebiten.SetRunnableOnUnfocused(true)
	ebiten.SetVsyncEnabled(true)

	go func() {
		_ = ebiten.RunGame(b)
	}()
	return nil
}

// Present implements renderer.Backend: it copies frame into the named
// output's slot, creating the slot (and its backing ebiten.Image) on
// first use, the same lazy-allocate pattern as EbitenOutput.Draw's
// on-demand eo.window creation.
func (b *Backend) Present(outputIndex int, frame *image.RGBA) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	slot, ok := b.outputs[outputIndex]
	w, h := frame.Bounds().Dx(), frame.Bounds().Dy()
	if !ok {
		slot = &outputSlot{width: w, height: h}
		b.outputs[outputIndex] = slot
		b.order = append(b.order, outputIndex)
	}
	if slot.width != w || slot.height != h || slot.img == nil {
		slot.width, slot.height = w, h
		slot.img = ebiten.NewImage(w, h)
	}
	slot.pixels = frame
	slot.img.WritePixels(frame.Pix)
	return nil
}

// Update implements ebiten.Game; there is nothing to poll, every pixel
// arrives through Present.
func (b *Backend) Update() error { return nil }

// Draw implements ebiten.Game: every output's slot is blitted left to
// right into the window, the preview-window equivalent of the
// compositor's desktop canvas layout.
func (b *Backend) Draw(screen *ebiten.Image) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	x := 0
	for _, idx := range b.order {
		slot := b.outputs[idx]
		if slot == nil || slot.img == nil {
			continue
		}
		opts := &ebiten.DrawImageOptions{}
		opts.GeoM.Translate(float64(x), 0)
		screen.DrawImage(slot.img, opts)
		x += slot.width
	}
}

// Layout implements ebiten.Game, sizing the window to fit every output
// side by side at their native resolution.
func (b *Backend) Layout(_, _ int) (int, int) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	w, h := 0, 0
	for _, idx := range b.order {
		slot := b.outputs[idx]
		if slot == nil {
			continue
		}
		w += slot.width
		if slot.height > h {
			h = slot.height
		}
	}
	if w == 0 {
		w, h = 640, 480
	}
	return w, h
}
