package agent

import (
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/duanruinan/cube/internal/wire"
	"github.com/duanruinan/cube/internal/wireconn"
)

func testConn(t *testing.T) (client, server *wireconn.Conn, cleanup func()) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cube-test.sock")

	lst, err := wireconn.Listen(path)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	client, err = wireconn.Dial(path)
	if err != nil {
		lst.Close()
		t.Fatalf("Dial: %v", err)
	}

	var srv *wireconn.Conn
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		srv, err = lst.Accept()
		if err == nil {
			break
		}
		if err == unix.EAGAIN {
			time.Sleep(time.Millisecond)
			continue
		}
		t.Fatalf("Accept: %v", err)
	}
	if srv == nil {
		t.Fatal("Accept never became ready")
	}
	return client, srv, func() {
		client.Close()
		srv.Close()
		lst.Close()
	}
}

func nopLog() *logrus.Entry {
	l := logrus.New()
	l.Out = io.Discard
	return logrus.NewEntry(l)
}

func TestStateString(t *testing.T) {
	cases := map[State]string{
		Connected:       "CONNECTED",
		Linked:          "LINKED",
		Active:          "ACTIVE",
		TeardownPending: "TEARDOWN_PENDING",
		Gone:            "GONE",
		State(99):       "UNKNOWN",
	}
	for s, want := range cases {
		if got := s.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", s, got, want)
		}
	}
}

func TestCapabilityHas(t *testing.T) {
	caps := CapNotifyLayout | CapHPD
	if !caps.Has(CapNotifyLayout) {
		t.Fatal("expected CapNotifyLayout to be set")
	}
	if caps.Has(CapRawInput) {
		t.Fatal("did not expect CapRawInput to be set")
	}
	if !caps.Has(CapNotifyLayout | CapHPD) {
		t.Fatal("expected both bits set together to match")
	}
}

func TestBeginTeardownAndAdvance(t *testing.T) {
	_, server, cleanup := testConn(t)
	defer cleanup()
	a := New(1, server, nopLog())

	a.RetainScanout()
	a.BeginTeardown()
	if a.State != TeardownPending {
		t.Fatalf("state = %v, want TEARDOWN_PENDING", a.State)
	}

	a.AdvanceTeardown()
	if a.State != TeardownPending {
		t.Fatal("should not advance to GONE while a scanout ref remains")
	}

	a.ReleaseScanout()
	if a.State != Gone {
		t.Fatalf("state = %v, want GONE once the last scanout ref drains", a.State)
	}
}

func TestBeginTeardownIsIdempotent(t *testing.T) {
	_, server, cleanup := testConn(t)
	defer cleanup()
	a := New(1, server, nopLog())

	a.State = Gone
	a.BeginTeardown()
	if a.State != Gone {
		t.Fatal("BeginTeardown must not move a GONE agent backward")
	}
}

func TestFlushDeliversQueuedFrame(t *testing.T) {
	client, server, cleanup := testConn(t)
	defer cleanup()
	a := New(1, server, nopLog())

	a.EnqueueKind(wire.KindLinkupAck, []byte{1, 2, 3, 4, 5, 6, 7, 8}, nil)
	if !a.HasPending() {
		t.Fatal("expected HasPending after Enqueue")
	}
	if err := a.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if a.HasPending() {
		t.Fatal("expected egress queue to drain after Flush")
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		body, _, ok, err := client.ReadFrame()
		if err != nil {
			t.Fatalf("ReadFrame: %v", err)
		}
		if ok {
			msg, err := wire.Decode(body)
			if err != nil {
				t.Fatalf("wire.Decode: %v", err)
			}
			if _, ok := msg.Get(wire.KindLinkupAck); !ok {
				t.Fatal("expected KindLinkupAck in decoded message")
			}
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("never received the flushed frame")
}

func TestOwnsSurface(t *testing.T) {
	_, server, cleanup := testConn(t)
	defer cleanup()
	a := New(42, server, nopLog())

	if a.OwnsSurface(nil) {
		t.Fatal("OwnsSurface(nil) must be false")
	}
}
