package surface

import (
	"testing"

	"github.com/duanruinan/cube/internal/scanout"
)

func TestCreateSurfaceAndView(t *testing.T) {
	g := NewGraph()
	s := g.CreateSurface(1, true, scanout.Rect{W: 10, H: 10}, scanout.Rect{W: 10, H: 10}, 10, 10)
	if s.ID == 0 {
		t.Fatal("expected non-zero surface id")
	}

	v := g.CreateView(s, scanout.Rect{X: 0, Y: 0, W: 10, H: 10}, 0, 1.0, false, false)
	if v.ID == 0 {
		t.Fatal("expected non-zero view id")
	}
	if len(g.ZOrder()) != 1 || g.ZOrder()[0] != v {
		t.Fatalf("expected view in z-order, got %v", g.ZOrder())
	}

	got, ok := g.Surface(s.ID, 1)
	if !ok || got != s {
		t.Fatalf("Surface lookup failed: got %v, ok=%v", got, ok)
	}
	if _, ok := g.Surface(s.ID, 2); ok {
		t.Fatal("expected lookup from a different owner to fail")
	}
}

func TestZOrderTieBreakPreservesInsertionOrder(t *testing.T) {
	g := NewGraph()
	s := g.CreateSurface(1, true, scanout.Rect{}, scanout.Rect{}, 1, 1)
	v1 := g.CreateView(s, scanout.Rect{W: 1, H: 1}, 5, 1, false, false)
	v2 := g.CreateView(s, scanout.Rect{W: 1, H: 1}, 5, 1, false, false)

	order := g.ZOrder()
	if len(order) != 2 || order[0] != v1 || order[1] != v2 {
		t.Fatalf("expected [v1, v2] for equal z, got %v", order)
	}
}

func TestApplyDeltaZBringToTop(t *testing.T) {
	g := NewGraph()
	s := g.CreateSurface(1, true, scanout.Rect{}, scanout.Rect{}, 1, 1)
	bottom := g.CreateView(s, scanout.Rect{W: 1, H: 1}, 0, 1, false, false)
	top := g.CreateView(s, scanout.Rect{W: 1, H: 1}, 5, 1, false, false)

	g.ApplyDeltaZ(bottom, BringToTop)

	order := g.ZOrder()
	if order[len(order)-1] != bottom {
		t.Fatalf("expected bottom view to become topmost, got %v", order)
	}
	_ = top
}

func TestApplyDeltaZNoChangeIsNoOp(t *testing.T) {
	g := NewGraph()
	s := g.CreateSurface(1, true, scanout.Rect{}, scanout.Rect{}, 1, 1)
	v := g.CreateView(s, scanout.Rect{W: 1, H: 1}, 3, 1, false, false)
	before := v.ZPos
	g.ApplyDeltaZ(v, NoChange)
	if v.ZPos != before {
		t.Fatalf("ZPos changed on NoChange: %d -> %d", before, v.ZPos)
	}
}

func TestRecomputeVisibility(t *testing.T) {
	outputs := []*scanout.Output{
		{Index: 0, Enabled: true, DeskRect: scanout.Rect{X: 0, Y: 0, W: 1920, H: 1080}},
		{Index: 1, Enabled: false, DeskRect: scanout.Rect{X: 1920, Y: 0, W: 1920, H: 1080}},
	}
	v := &View{Area: scanout.Rect{X: 100, Y: 100, W: 200, H: 200}}

	visible := RecomputeVisibility(v, outputs)

	if len(visible) != 1 || visible[0] != 0 {
		t.Fatalf("got %v, want [0] (disabled output must be excluded)", visible)
	}
	if !v.VisibleOn[0] {
		t.Fatal("expected VisibleOn[0] to be set")
	}
	if v.VisibleOn[1] {
		t.Fatal("disabled output must never be marked visible")
	}
}

func TestDestroySurfaceCascadesToViews(t *testing.T) {
	g := NewGraph()
	s := g.CreateSurface(1, true, scanout.Rect{}, scanout.Rect{}, 1, 1)
	v := g.CreateView(s, scanout.Rect{W: 1, H: 1}, 0, 1, false, false)

	g.DestroySurface(s)

	if _, ok := g.View(v.ID); ok {
		t.Fatal("expected view to be removed when its surface is destroyed")
	}
	if len(g.ZOrder()) != 0 {
		t.Fatalf("expected empty z-order after cascade, got %v", g.ZOrder())
	}
}

func TestDestroyViewLeavesSurfaceIntact(t *testing.T) {
	g := NewGraph()
	s := g.CreateSurface(1, true, scanout.Rect{}, scanout.Rect{}, 1, 1)
	v := g.CreateView(s, scanout.Rect{W: 1, H: 1}, 0, 1, false, false)

	g.DestroyView(v)

	if _, ok := g.Surface(s.ID, 1); !ok {
		t.Fatal("expected surface to survive its view's destruction")
	}
	if len(s.Views) != 0 {
		t.Fatalf("expected surface.Views to be empty, got %v", s.Views)
	}
}

func TestSurfacesOfFiltersByOwner(t *testing.T) {
	g := NewGraph()
	g.CreateSurface(1, true, scanout.Rect{}, scanout.Rect{}, 1, 1)
	g.CreateSurface(2, true, scanout.Rect{}, scanout.Rect{}, 1, 1)
	g.CreateSurface(1, true, scanout.Rect{}, scanout.Rect{}, 1, 1)

	got := g.SurfacesOf(1)
	if len(got) != 2 {
		t.Fatalf("got %d surfaces, want 2", len(got))
	}
	for _, s := range got {
		if s.OwnerID != 1 {
			t.Fatalf("unexpected owner %d in result", s.OwnerID)
		}
	}
}
