// Package swscan is a headless, software scanout backend: it tracks
// pipeline/head/output/plane state and fakes an immediate atomic
// commit instead of touching real kernel scanout hardware. It plays
// the same role as the teacher's HeadlessVideoOutput test double
// (video_backend_headless.go) generalized from a single emulated
// display to the multi-pipeline scanout.Backend contract, and is the
// default backend for development and for internal/compositor's tests.
package swscan

import (
	"time"

	"github.com/duanruinan/cube/internal/cubeerr"
	"github.com/duanruinan/cube/internal/scanout"
	"github.com/duanruinan/cube/internal/shmpool"
)

// Backend is a software-only scanout.Backend. DoScanout accepts every
// commit without error and only records its buffers; DrainFlips then
// emits Flip for them. The backend never emits Complete itself:
// completion comes from shmpool once a successor buffer's flip
// supersedes an earlier one (spec.md §8 invariant 1).
type Backend struct {
	pipelines []scanout.Pipeline
	heads     []*scanout.Head
	outputs   []*scanout.Output

	pending []pendingFlip
}

type pendingFlip struct {
	output int
	buffer *shmpool.Buffer
}

// New builds a backend with one pipeline per entry in pipelines, each
// given a connected head at 1920x1080@60 and a primary+cursor plane.
func New(pipelines []scanout.Pipeline) *Backend {
	b := &Backend{pipelines: pipelines}
	for _, p := range pipelines {
		mode := scanout.Mode{
			Width: 1920, Height: 1080,
			RefreshMilliHz: 60000,
			PixelClockKHz:  148500,
			Preferred:      true,
		}
		b.heads = append(b.heads, &scanout.Head{
			Index:         p.HeadIndex,
			Connected:     true,
			ConnectorName: "virtual",
			MonitorName:   "swscan",
			PreferredMode: mode,
			CurrentMode:   mode,
		})
		b.outputs = append(b.outputs, &scanout.Output{
			Index:    p.OutputIndex,
			Enabled:  true,
			DeskRect: scanout.Rect{X: 0, Y: 0, W: mode.Width, H: mode.Height},
			Planes: []scanout.Plane{
				{Index: p.PrimaryPlaneIndex, Role: scanout.PlaneRolePrimary},
				{Index: p.CursorPlaneIndex, Role: scanout.PlaneRoleCursor},
			},
		})
	}
	return b
}

func (b *Backend) Pipelines() []scanout.Pipeline { return b.pipelines }

func (b *Backend) Heads() []*scanout.Head { return b.heads }

func (b *Backend) Outputs() []*scanout.Output { return b.outputs }

func (b *Backend) head(index int) *scanout.Head {
	for _, h := range b.heads {
		if h.Index == index {
			return h
		}
	}
	return nil
}

func (b *Backend) output(index int) *scanout.Output {
	for _, o := range b.outputs {
		if o.Index == index {
			return o
		}
	}
	return nil
}

func (b *Backend) EnumerateModes(headIndex int, filter scanout.ModeFilter) []scanout.Mode {
	h := b.head(headIndex)
	if h == nil {
		return nil
	}
	return scanout.FilterModes([]scanout.Mode{h.PreferredMode}, filter)
}

func (b *Backend) SwitchMode(outputIndex int, mode scanout.Mode) error {
	o := b.output(outputIndex)
	if o == nil {
		return &cubeerr.Backend{Operation: "swscan.SwitchMode", Details: "unknown output"}
	}
	o.DeskRect.W, o.DeskRect.H = mode.Width, mode.Height
	for _, p := range b.pipelines {
		if p.OutputIndex != outputIndex {
			continue
		}
		if h := b.head(p.HeadIndex); h != nil {
			h.CurrentMode = mode
		}
	}
	return nil
}

func (b *Backend) Enable(outputIndex int) error {
	if o := b.output(outputIndex); o != nil {
		o.Enabled = true
	}
	return nil
}

func (b *Backend) Disable(outputIndex int) error {
	if o := b.output(outputIndex); o != nil {
		o.Enabled = false
	}
	return nil
}

func (b *Backend) ImportDMABuf(clientID uint64, format shmpool.PixelFormat, w, h uint32, planes []shmpool.Plane) (*shmpool.Buffer, error) {
	return &shmpool.Buffer{
		Kind:    shmpool.KindDMA,
		Format:  format,
		Width:   w,
		Height:  h,
		Planes:  planes,
		ShmFD:   -1,
		OwnerID: clientID,
	}, nil
}

func (b *Backend) ReleaseDMABuf(buf *shmpool.Buffer) error { return nil }

// DoScanout records every plane's buffer as pending flip/complete. The
// caller (internal/compositor) drains pending flips on its own
// schedule via DrainFlips, keeping this backend non-blocking as the
// Backend interface requires.
func (b *Backend) DoScanout(c scanout.Commit) error {
	for _, pc := range c.Planes {
		if pc.Buffer == nil {
			continue
		}
		b.pending = append(b.pending, pendingFlip{output: c.OutputIndex, buffer: pc.Buffer})
	}
	return nil
}

// DrainFlips emits Flip for every commit recorded since the last call.
// A real backend would instead be driven by an interrupt/fence fd
// registered with the event loop; this one is polled once per repaint
// tick by the compositor, which is sufficient for a software target.
func (b *Backend) DrainFlips() {
	pending := b.pending
	b.pending = nil
	for _, pf := range pending {
		pf.buffer.Flip(pf.output)
	}
}

// VSyncInterval is the fixed refresh period swscan uses to pace
// repaints when no real vblank signal exists.
func (b *Backend) VSyncInterval() time.Duration {
	return time.Second / 60
}
