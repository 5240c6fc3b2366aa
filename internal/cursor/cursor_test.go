package cursor

import (
	"testing"

	"github.com/duanruinan/cube/internal/scanout"
	"github.com/duanruinan/cube/internal/shmpool"
)

func TestHiddenCursorHasNoPlaneCommit(t *testing.T) {
	c := New()
	o := &scanout.Output{Index: 0, Enabled: true, DeskRect: scanout.Rect{W: 1920, H: 1080}}
	if _, ok := c.PlaneCommit(o, 1); ok {
		t.Fatal("expected no plane commit for a hidden cursor")
	}
}

func TestSetBufferAndShowProducesPlaneCommit(t *testing.T) {
	c := New()
	buf := &shmpool.Buffer{Width: 32, Height: 32}
	c.SetBuffer(7, buf, 4, 4)
	c.Show()
	c.Move(100, 100)

	o := &scanout.Output{Index: 0, Enabled: true, DeskRect: scanout.Rect{W: 1920, H: 1080}}
	pc, ok := c.PlaneCommit(o, 1)
	if !ok {
		t.Fatal("expected a plane commit once visible with a bound buffer")
	}
	if pc.Plane != 1 {
		t.Fatalf("plane = %d, want 1", pc.Plane)
	}
	if pc.Dst.X != 96 || pc.Dst.Y != 96 {
		t.Fatalf("dst = %+v, want hotspot-adjusted (96, 96)", pc.Dst)
	}
	if c.OwnerID() != 7 {
		t.Fatalf("OwnerID() = %d, want 7", c.OwnerID())
	}
}

func TestHideStopsPlaneCommit(t *testing.T) {
	c := New()
	buf := &shmpool.Buffer{Width: 32, Height: 32}
	c.SetBuffer(1, buf, 0, 0)
	c.Show()
	c.Hide()

	o := &scanout.Output{Index: 0, Enabled: true, DeskRect: scanout.Rect{W: 1920, H: 1080}}
	if _, ok := c.PlaneCommit(o, 1); ok {
		t.Fatal("expected no plane commit after Hide")
	}
}

func TestPlaneCommitExcludesOffscreenCursor(t *testing.T) {
	c := New()
	buf := &shmpool.Buffer{Width: 32, Height: 32}
	c.SetBuffer(1, buf, 0, 0)
	c.Show()
	c.Move(-1000, -1000)

	o := &scanout.Output{Index: 0, Enabled: true, DeskRect: scanout.Rect{W: 1920, H: 1080}}
	if _, ok := c.PlaneCommit(o, 1); ok {
		t.Fatal("expected no plane commit when the cursor is entirely off this output")
	}
}

func TestSetBufferRingRotates(t *testing.T) {
	c := New()
	buf1 := &shmpool.Buffer{Width: 16, Height: 16}
	buf2 := &shmpool.Buffer{Width: 16, Height: 16}

	c.SetBuffer(1, buf1, 0, 0)
	if c.Current() != buf1 {
		t.Fatal("expected buf1 to be current after first SetBuffer")
	}
	c.SetBuffer(1, buf2, 0, 0)
	if c.Current() != buf2 {
		t.Fatal("expected buf2 to be current after second SetBuffer")
	}
}
