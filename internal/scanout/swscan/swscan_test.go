package swscan

import (
	"testing"

	"github.com/duanruinan/cube/internal/scanout"
	"github.com/duanruinan/cube/internal/shmpool"
)

func newTestBackend() *Backend {
	return New([]scanout.Pipeline{
		{HeadIndex: 0, OutputIndex: 0, PrimaryPlaneIndex: 0, CursorPlaneIndex: 1},
		{HeadIndex: 1, OutputIndex: 1, PrimaryPlaneIndex: 0, CursorPlaneIndex: 1},
	})
}

func TestNewPopulatesHeadsAndOutputs(t *testing.T) {
	b := newTestBackend()
	if len(b.Heads()) != 2 || len(b.Outputs()) != 2 {
		t.Fatalf("got %d heads, %d outputs, want 2 and 2", len(b.Heads()), len(b.Outputs()))
	}
	if !b.Heads()[0].Connected {
		t.Fatal("expected every head to start connected")
	}
	if !b.Outputs()[0].Enabled {
		t.Fatal("expected every output to start enabled")
	}
}

func TestEnableDisableOutput(t *testing.T) {
	b := newTestBackend()
	if err := b.Disable(0); err != nil {
		t.Fatalf("Disable: %v", err)
	}
	if b.Outputs()[0].Enabled {
		t.Fatal("expected output 0 to be disabled")
	}
	if err := b.Enable(0); err != nil {
		t.Fatalf("Enable: %v", err)
	}
	if !b.Outputs()[0].Enabled {
		t.Fatal("expected output 0 to be re-enabled")
	}
}

func TestSwitchModeUnknownOutputErrors(t *testing.T) {
	b := newTestBackend()
	err := b.SwitchMode(99, scanout.Mode{Width: 1280, Height: 720})
	if err == nil {
		t.Fatal("expected an error for an unknown output index")
	}
}

func TestSwitchModeUpdatesOutputAndHead(t *testing.T) {
	b := newTestBackend()
	mode := scanout.Mode{Width: 1280, Height: 720, RefreshMilliHz: 60000}
	if err := b.SwitchMode(0, mode); err != nil {
		t.Fatalf("SwitchMode: %v", err)
	}
	o := b.Outputs()[0]
	if o.DeskRect.W != 1280 || o.DeskRect.H != 720 {
		t.Fatalf("DeskRect = %+v, want 1280x720", o.DeskRect)
	}
	if b.Heads()[0].CurrentMode.Width != 1280 {
		t.Fatalf("head CurrentMode not updated: %+v", b.Heads()[0].CurrentMode)
	}
}

func TestEnumerateModesReturnsPreferredMode(t *testing.T) {
	b := newTestBackend()
	modes := b.EnumerateModes(0, scanout.ModeFilter{})
	if len(modes) != 1 || modes[0].Width != 1920 {
		t.Fatalf("modes = %+v, want the single preferred 1920x1080 mode", modes)
	}
}

func TestEnumerateModesUnknownHeadReturnsNil(t *testing.T) {
	b := newTestBackend()
	if got := b.EnumerateModes(99, scanout.ModeFilter{}); got != nil {
		t.Fatalf("got %v, want nil for an unknown head", got)
	}
}

func TestDoScanoutAndDrainFlipsOrdering(t *testing.T) {
	b := newTestBackend()
	buf := &shmpool.Buffer{ID: 1}
	buf.MarkDirty([]int{0})

	var flipped bool
	buf.OnFlipped.Add(func(e shmpool.FlipEvent) {
		flipped = true
		if e.Output != 0 {
			t.Fatalf("flip output = %d, want 0", e.Output)
		}
	})

	if err := b.DoScanout(scanout.Commit{OutputIndex: 0, Planes: []scanout.PlaneCommit{{Buffer: buf, Plane: 0}}}); err != nil {
		t.Fatalf("DoScanout: %v", err)
	}
	if flipped {
		t.Fatal("DoScanout must not flip synchronously")
	}

	b.DrainFlips()
	if !flipped {
		t.Fatal("expected DrainFlips to emit the deferred flip")
	}
}

func TestDoScanoutSkipsEmptyPlanes(t *testing.T) {
	b := newTestBackend()
	if err := b.DoScanout(scanout.Commit{OutputIndex: 0, Planes: []scanout.PlaneCommit{{Buffer: nil}}}); err != nil {
		t.Fatalf("DoScanout: %v", err)
	}
	b.DrainFlips()
}

func TestImportDMABufReturnsOwnedBuffer(t *testing.T) {
	b := newTestBackend()
	buf, err := b.ImportDMABuf(3, shmpool.FormatNV12, 64, 64, []shmpool.Plane{{Stride: 64}})
	if err != nil {
		t.Fatalf("ImportDMABuf: %v", err)
	}
	if buf.OwnerID != 3 || buf.Kind != shmpool.KindDMA {
		t.Fatalf("got %+v, want OwnerID=3 Kind=KindDMA", buf)
	}
}

func TestVSyncIntervalIsSixtyHz(t *testing.T) {
	b := newTestBackend()
	if got := b.VSyncInterval(); got.Microseconds() < 16000 || got.Microseconds() > 17000 {
		t.Fatalf("VSyncInterval = %v, want ~16.67ms", got)
	}
}
