// Package cursor implements the mouse-cursor path from spec.md §4.4/
// §10: a small ring of cursor buffers (so a client can update the
// cursor image without waiting on the previous one to flip), hide/show
// state, hot-spot offset, and direct programming of each pipeline's
// cursor plane, bypassing the ordinary surface/view repaint walk.
// Grounded on the teacher's VideoCompositor layering model
// (video_compositor.go) narrowed to a single always-on-top layer that
// never participates in renderer composition.
package cursor

import (
	"github.com/duanruinan/cube/internal/scanout"
	"github.com/duanruinan/cube/internal/shmpool"
)

const ringSize = 2

// Cursor tracks the mouse-cursor plane state for one compositor
// instance. There is exactly one cursor shared across every output;
// each output's cursor plane is programmed with the same buffer at a
// position translated into that output's local coordinates.
type Cursor struct {
	ring    [ringSize]*shmpool.Buffer
	ringPos int

	visible  bool
	x, y     int
	hotX     int
	hotY     int
	ownerID  uint64
}

// New returns a hidden cursor with no buffer bound.
func New() *Cursor {
	return &Cursor{}
}

// SetBuffer binds buf as the next cursor image, owned by clientID. The
// previous ring entry, if any, is retained until its own flip-past
// completes by the normal shmpool dirty-bitmap mechanism; Cursor does
// not retain references itself beyond the current and previous slot.
func (c *Cursor) SetBuffer(clientID uint64, buf *shmpool.Buffer, hotX, hotY int) {
	c.ringPos = (c.ringPos + 1) % ringSize
	c.ring[c.ringPos] = buf
	c.hotX, c.hotY = hotX, hotY
	c.ownerID = clientID
}

// Current returns the active cursor buffer, or nil if none is bound.
func (c *Cursor) Current() *shmpool.Buffer { return c.ring[c.ringPos] }

// Show and Hide toggle cursor-plane visibility without touching the
// bound buffer.
func (c *Cursor) Show() { c.visible = true }
func (c *Cursor) Hide() { c.visible = false }

// Visible reports whether the cursor plane should currently be
// programmed at all.
func (c *Cursor) Visible() bool { return c.visible && c.Current() != nil }

// Move sets the cursor's desktop-canvas position (top-left of its
// hot-spot-adjusted bounding box is computed by PlaneCommit).
func (c *Cursor) Move(x, y int) { c.x, c.y = x, y }

// Position returns the current desktop-canvas coordinates.
func (c *Cursor) Position() (x, y int) { return c.x, c.y }

// PlaneCommit builds the cursor plane's entry in an output's atomic
// commit, translating the shared desktop position into the output's
// local coordinate space. ok is false when the cursor is hidden, has
// no buffer, or does not intersect this output.
func (c *Cursor) PlaneCommit(o *scanout.Output, pipelineCursorPlane int) (scanout.PlaneCommit, bool) {
	if !c.Visible() {
		return scanout.PlaneCommit{}, false
	}
	buf := c.Current()
	localX := c.x - c.hotX - o.DeskRect.X
	localY := c.y - c.hotY - o.DeskRect.Y
	w, h := int(buf.Width), int(buf.Height)
	if localX+w <= 0 || localY+h <= 0 || localX >= o.DeskRect.W || localY >= o.DeskRect.H {
		return scanout.PlaneCommit{}, false
	}
	return scanout.PlaneCommit{
		Buffer: buf,
		Plane:  pipelineCursorPlane,
		Src:    scanout.Rect{X: 0, Y: 0, W: w, H: h},
		Dst:    scanout.Rect{X: localX, Y: localY, W: w, H: h},
		ZPos:   int(^uint(0) >> 1), // always topmost
	}, true
}

// OwnerID is the client whose commit last set the bound cursor buffer,
// used to route bo-flipped/bo-complete for the cursor buffer back to
// the right agent.
func (c *Cursor) OwnerID() uint64 { return c.ownerID }
