package evloop

import (
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

func TestAddIdleRunsOnNextDispatch(t *testing.T) {
	l, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer l.Close()

	ran := false
	l.AddIdle(func() { ran = true })

	if err := l.Dispatch(0); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if !ran {
		t.Fatal("expected idle callback to run during Dispatch")
	}
}

func TestAddIdleScheduledDuringDispatchRunsInSamePass(t *testing.T) {
	l, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer l.Close()

	second := false
	l.AddIdle(func() {
		l.AddIdle(func() { second = true })
	})

	if err := l.Dispatch(0); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if !second {
		t.Fatal("expected an idle callback scheduled mid-dispatch to run before Dispatch returns")
	}
}

func TestFDSourceFiresOnReadable(t *testing.T) {
	l, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer l.Close()

	r, w, err := unix.Pipe2(unix.O_CLOEXEC | unix.O_NONBLOCK)
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}
	defer unix.Close(w)

	var gotMask EventMask
	fired := false
	src, err := l.AddFD(r, Readable, func(fd int, mask EventMask) int32 {
		fired = true
		gotMask = mask
		buf := make([]byte, 1)
		unix.Read(fd, buf)
		return 0
	})
	if err != nil {
		t.Fatalf("AddFD: %v", err)
	}
	defer l.Remove(src)

	unix.Write(w, []byte{1})

	if err := l.Dispatch(1000); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if !fired {
		t.Fatal("expected the fd callback to fire once the pipe became readable")
	}
	if gotMask&Readable == 0 {
		t.Fatalf("mask = %v, want Readable set", gotMask)
	}
}

func TestTimerFiresAfterDuration(t *testing.T) {
	l, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer l.Close()

	fired := make(chan struct{}, 1)
	src, err := l.AddTimer(func() int32 {
		fired <- struct{}{}
		return 0
	})
	if err != nil {
		t.Fatalf("AddTimer: %v", err)
	}
	if err := l.UpdateTimer(src, 10*time.Millisecond); err != nil {
		t.Fatalf("UpdateTimer: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if err := l.Dispatch(50); err != nil {
			t.Fatalf("Dispatch: %v", err)
		}
		select {
		case <-fired:
			return
		default:
		}
	}
	t.Fatal("timer never fired")
}

func TestRemoveDuringDispatchIsDeferred(t *testing.T) {
	l, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer l.Close()

	r, w, err := unix.Pipe2(unix.O_CLOEXEC | unix.O_NONBLOCK)
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}
	defer unix.Close(w)

	var src *Source
	src, err = l.AddFD(r, Readable, func(fd int, mask EventMask) int32 {
		buf := make([]byte, 1)
		unix.Read(fd, buf)
		l.Remove(src)
		return -1
	})
	if err != nil {
		t.Fatalf("AddFD: %v", err)
	}

	unix.Write(w, []byte{1})
	if err := l.Dispatch(1000); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if _, ok := l.sources[src.fd]; ok {
		t.Fatal("expected source to be unregistered after self-removal")
	}
}
