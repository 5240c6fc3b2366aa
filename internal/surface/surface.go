// Package surface implements the per-client surface/view graph from
// spec.md §3/§4.4: surfaces hold a client's pixel source, views place
// a surface on the desktop canvas with geometry and z-order, and the
// z-ordered list is what the repaint scheduler in internal/compositor
// walks each pass. Grounded on the teacher's layered composition model
// in video_compositor.go (z-ordered sources with bring-to-top/falling
// semantics generalized from fixed layers to per-commit delta_z).
package surface

import (
	"sort"

	"github.com/duanruinan/cube/internal/scanout"
	"github.com/duanruinan/cube/internal/shmpool"
)

// DeltaZ is the z-order change requested by a commit.
type DeltaZ int32

const (
	Falling    DeltaZ = -1
	NoChange   DeltaZ = 0
	BringToTop DeltaZ = 1
)

// Surface is a client-owned pixel source, not yet placed on the canvas.
type Surface struct {
	ID       uint64
	OwnerID  uint64
	Width    int
	Height   int
	Damage   scanout.Rect
	Opaque   scanout.Rect
	IsOpaque bool
	Buffer   *shmpool.Buffer

	Views []*View
}

// View is a placement of a surface on the desktop canvas.
type View struct {
	ID         uint64
	Surface    *Surface
	Area       scanout.Rect
	HotX       int
	HotY       int
	ZPos       int
	Alpha      float32
	FullScreen bool
	TopLevel   bool // the spec's "float_view" flag

	// VisibleOn is the set of output indices this view currently
	// intersects, recomputed on every commit and on layout change.
	VisibleOn map[int]bool

	// Shown mirrors the commit's shown flag: a view can geometrically
	// intersect an output (VisibleOn) yet still be withheld from
	// scanout when the client has asked for it to be hidden.
	Shown bool

	// Plane is non-nil when the repaint scheduler assigned this view
	// direct plane scanout instead of renderer composition.
	Plane *int

	Dirty bool

	insertSeq uint64
}

// Graph owns every surface and view for the whole compositor, kept in
// one z-ordered list per spec.md §3's "total order of distinct z
// values after ties broken by insertion order" invariant.
type Graph struct {
	nextID    uint64
	nextSeq   uint64
	surfaces  map[uint64]*Surface
	views     map[uint64]*View
	zOrder    []*View // ascending z; zOrder[len-1] is topmost
}

// NewGraph returns an empty surface/view graph.
func NewGraph() *Graph {
	return &Graph{
		surfaces: make(map[uint64]*Surface),
		views:    make(map[uint64]*View),
	}
}

func (g *Graph) allocID() uint64 {
	g.nextID++
	return g.nextID
}

// CreateSurface allocates and registers a new surface owned by clientID.
func (g *Graph) CreateSurface(clientID uint64, isOpaque bool, damage, opaque scanout.Rect, w, h int) *Surface {
	s := &Surface{
		ID:       g.allocID(),
		OwnerID:  clientID,
		Width:    w,
		Height:   h,
		Damage:   damage,
		Opaque:   opaque,
		IsOpaque: isOpaque,
	}
	g.surfaces[s.ID] = s
	return s
}

// Surface looks up a surface by id, scoped to the owning client to
// enforce spec.md §7's "id refers to non-owned object" protocol check.
func (g *Graph) Surface(id, clientID uint64) (*Surface, bool) {
	s, ok := g.surfaces[id]
	if !ok || s.OwnerID != clientID {
		return nil, false
	}
	return s, true
}

// CreateView allocates a view bound to surface, inserts it into the
// z-order at zpos, and registers it.
func (g *Graph) CreateView(s *Surface, area scanout.Rect, zpos int, alpha float32, fullScreen, topLevel bool) *View {
	g.nextSeq++
	v := &View{
		ID:         g.allocID(),
		Surface:    s,
		Area:       area,
		ZPos:       zpos,
		Alpha:      alpha,
		FullScreen: fullScreen,
		TopLevel:   topLevel,
		VisibleOn:  make(map[int]bool),
		Shown:      true,
		insertSeq:  g.nextSeq,
	}
	s.Views = append(s.Views, v)
	g.views[v.ID] = v
	g.insertSorted(v)
	return v
}

// View looks up a view by id.
func (g *Graph) View(id uint64) (*View, bool) {
	v, ok := g.views[id]
	return v, ok
}

func (g *Graph) insertSorted(v *View) {
	i := sort.Search(len(g.zOrder), func(i int) bool {
		return less(v, g.zOrder[i])
	})
	g.zOrder = append(g.zOrder, nil)
	copy(g.zOrder[i+1:], g.zOrder[i:])
	g.zOrder[i] = v
}

func less(a, b *View) bool {
	if a.ZPos != b.ZPos {
		return a.ZPos < b.ZPos
	}
	return a.insertSeq < b.insertSeq
}

func (g *Graph) removeFromZOrder(v *View) {
	for i, candidate := range g.zOrder {
		if candidate == v {
			g.zOrder = append(g.zOrder[:i], g.zOrder[i+1:]...)
			return
		}
	}
}

// ZOrder returns the current z-order, ascending (topmost last).
func (g *Graph) ZOrder() []*View {
	return g.zOrder
}

// ApplyDeltaZ re-sorts v per spec.md §4.4: BringToTop places v above
// every non-float (non-top-level) view; Falling moves it below every
// float view. spec.md §9 open question 1 leaves tie-breaking among
// float siblings unspecified; this implementation preserves each
// float view's relative insertion order, which is the least surprising
// reading and the one DESIGN.md records as the resolved choice.
func (g *Graph) ApplyDeltaZ(v *View, delta DeltaZ) {
	if delta == NoChange {
		return
	}
	g.removeFromZOrder(v)
	g.nextSeq++
	v.insertSeq = g.nextSeq

	switch delta {
	case BringToTop:
		maxNonFloat := 0
		for _, o := range g.zOrder {
			if !o.TopLevel && o.ZPos >= maxNonFloat {
				maxNonFloat = o.ZPos + 1
			}
		}
		if v.ZPos < maxNonFloat {
			v.ZPos = maxNonFloat
		}
	case Falling:
		minFloat := 0
		for _, o := range g.zOrder {
			if o.TopLevel && o.ZPos <= minFloat {
				minFloat = o.ZPos - 1
			}
		}
		if v.ZPos > minFloat {
			v.ZPos = minFloat
		}
	}
	g.insertSorted(v)
}

// RecomputeVisibility intersects v's area with every output's desktop
// rectangle and returns the set of output indices it is now visible on.
func RecomputeVisibility(v *View, outputs []*scanout.Output) []int {
	v.VisibleOn = make(map[int]bool)
	var visible []int
	for _, o := range outputs {
		if !o.Enabled {
			continue
		}
		if intersects(v.Area, o.DeskRect) {
			v.VisibleOn[o.Index] = true
			visible = append(visible, o.Index)
		}
	}
	return visible
}

func intersects(a, b scanout.Rect) bool {
	if a.W <= 0 || a.H <= 0 {
		return false
	}
	ax2, ay2 := a.X+a.W, a.Y+a.H
	bx2, by2 := b.X+b.W, b.Y+b.H
	return a.X < bx2 && ax2 > b.X && a.Y < by2 && ay2 > b.Y
}

// DestroySurface removes s and cascades destruction to every view it
// backs (spec.md §3's "destruction cascades to its views").
func (g *Graph) DestroySurface(s *Surface) {
	for _, v := range s.Views {
		g.removeFromZOrder(v)
		delete(g.views, v.ID)
	}
	delete(g.surfaces, s.ID)
}

// DestroyView removes a single view without touching its surface.
func (g *Graph) DestroyView(v *View) {
	g.removeFromZOrder(v)
	delete(g.views, v.ID)
	for i, sv := range v.Surface.Views {
		if sv == v {
			v.Surface.Views = append(v.Surface.Views[:i], v.Surface.Views[i+1:]...)
			break
		}
	}
}

// SurfacesOf returns every surface owned by clientID, for disconnect
// teardown.
func (g *Graph) SurfacesOf(clientID uint64) []*Surface {
	var out []*Surface
	for _, s := range g.surfaces {
		if s.OwnerID == clientID {
			out = append(out, s)
		}
	}
	return out
}
