// Package scanout defines the abstract backend contract spec.md §6
// describes as server-internal: pipelines, heads, outputs, planes,
// modes, atomic commit, and flip/complete notification. Concrete
// backends (a headless software scanner, or a real DRM/KMS driver)
// implement Backend; the compositor core only ever talks to this
// interface, matching the teacher's VideoOutput contract in
// video_interface.go generalized from a single emulated display to
// a multi-pipeline kernel scanout device.
package scanout

import (
	"github.com/duanruinan/cube/internal/shmpool"
	"github.com/duanruinan/cube/internal/signalset"
)

// PlaneRole is the compositing role a plane was reserved for.
type PlaneRole int

const (
	PlaneRolePrimary PlaneRole = iota
	PlaneRoleCursor
	PlaneRoleOverlay
)

// Plane is one compositing layer inside an output.
type Plane struct {
	Index int
	Role  PlaneRole
}

// Mode is a full CVT-style timing description (spec.md §3).
type Mode struct {
	Width, Height int
	RefreshMilliHz int
	PixelClockKHz  int

	HSyncStart, HSyncEnd, HTotal int
	VSyncStart, VSyncEnd, VTotal int
	HSkew                        int
	Interlaced                   bool
	PositiveHSync, PositiveVSync bool

	Preferred bool
	Custom    bool
}

// ModeFilter narrows Backend.EnumerateModes results.
type ModeFilter struct {
	BySize      bool
	ByClock     bool
	MinWidth    int
	MaxWidth    int
	MinHeight   int
	MaxHeight   int
	MinClockKHz int
	MaxClockKHz int
}

func (f ModeFilter) matches(m Mode) bool {
	if f.BySize {
		if m.Width < f.MinWidth || (f.MaxWidth > 0 && m.Width > f.MaxWidth) {
			return false
		}
		if m.Height < f.MinHeight || (f.MaxHeight > 0 && m.Height > f.MaxHeight) {
			return false
		}
	}
	if f.ByClock {
		if m.PixelClockKHz < f.MinClockKHz || (f.MaxClockKHz > 0 && m.PixelClockKHz > f.MaxClockKHz) {
			return false
		}
	}
	return true
}

// FilterModes returns preferred modes first, then the rest, restricted
// to those matching f.
func FilterModes(modes []Mode, f ModeFilter) []Mode {
	var preferred, rest []Mode
	for _, m := range modes {
		if !f.matches(m) {
			continue
		}
		if m.Preferred {
			preferred = append(preferred, m)
		} else {
			rest = append(rest, m)
		}
	}
	return append(preferred, rest...)
}

// HeadChangedEvent is emitted whenever a head's connected state or
// current mode transitions.
type HeadChangedEvent struct {
	HeadIndex int
	Connected bool
}

// Head is the monitor-facing side of an output.
type Head struct {
	Index         int
	Connected     bool
	ConnectorName string
	MonitorName   string
	EDID          []byte
	PreferredMode Mode
	CurrentMode   Mode

	OnChanged signalset.Signal[HeadChangedEvent]
}

// RetrieveEDID returns the raw EDID blob, passed through opaquely per
// spec.md §1 (EDID parsing is explicitly out of scope).
func (h *Head) RetrieveEDID() []byte { return h.EDID }

// Pipeline is the static {head, output, primary plane, cursor plane}
// mapping configured at startup.
type Pipeline struct {
	HeadIndex         int
	OutputIndex       int
	PrimaryPlaneIndex int
	CursorPlaneIndex  int
}

// Rect is a plain integer rectangle, used for output desktop placement
// and commit source/destination rectangles.
type Rect struct {
	X, Y, W, H int
}

// PlaneCommit is one entry of an atomic scanout commit: a buffer bound
// to a plane within an output, with its source and destination
// rectangles and stacking position.
type PlaneCommit struct {
	Buffer *shmpool.Buffer
	Plane  int
	Src    Rect
	Dst    Rect
	ZPos   int
}

// Commit is everything needed to program one output for one repaint
// pass.
type Commit struct {
	OutputIndex int
	Planes      []PlaneCommit
	ModeChange  *Mode // non-nil when a modeset must land with this commit
}

// Output is one physical scanout engine (a CRTC-equivalent).
type Output struct {
	Index    int
	Enabled  bool
	DeskRect Rect
	Planes   []Plane
}

// Backend is the scanout device contract. Every method runs on the
// event-loop thread; DoScanout must never block — a
// commit that cannot complete immediately returns cubeerr.ErrTryAgain
// and the compositor retries on the next repaint tick (spec.md §4.6).
type Backend interface {
	// Pipelines reports the static head/output/plane mapping this
	// device was configured with at startup.
	Pipelines() []Pipeline

	// Heads and Outputs expose the current hardware graph.
	Heads() []*Head
	Outputs() []*Output

	// EnumerateModes lists the modes a head supports, preferred modes
	// first (as FilterModes orders them), restricted by filter.
	EnumerateModes(headIndex int, filter ModeFilter) []Mode

	// SwitchMode requests a modeset on outputIndex. Asynchronous: may
	// return cubeerr.ErrTryAgain while a previous commit is in flight.
	SwitchMode(outputIndex int, mode Mode) error

	// Enable and Disable toggle an output's scanout engine.
	Enable(outputIndex int) error
	Disable(outputIndex int) error

	// ImportDMABuf registers client-supplied plane fds as a scanout
	// framebuffer, returning a shmpool.Buffer wrapping them.
	ImportDMABuf(clientID uint64, format shmpool.PixelFormat, w, h uint32, planes []shmpool.Plane) (*shmpool.Buffer, error)

	// DoScanout submits an atomic commit built by the compositor's
	// repaint scheduler.
	DoScanout(c Commit) error

	// ReleaseDMABuf releases backend-side framebuffer state for a
	// buffer that was imported via ImportDMABuf.
	ReleaseDMABuf(b *shmpool.Buffer) error
}
