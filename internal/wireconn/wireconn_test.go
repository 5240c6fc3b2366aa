package wireconn

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/duanruinan/cube/internal/wire"
)

func dialAccept(t *testing.T) (client, server *Conn, cleanup func()) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cube-test.sock")

	lst, err := Listen(path)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	client, err = Dial(path)
	if err != nil {
		lst.Close()
		t.Fatalf("Dial: %v", err)
	}

	var srv *Conn
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
		t.Fatalf("Accept never became ready")
	}

	return client, srv, func() {
		client.Close()
		srv.Close()
		lst.Close()
	}
}

func TestSendReadFrameRoundTrip(t *testing.T) {
	client, server, cleanup := dialAccept(t)
	defer cleanup()

	m := wire.NewMessage()
	m.Set(wire.KindHPD, []byte{1, 2, 3, 4})
	frame := wire.Encode(m)

	if err := server.Send(frame, nil); err != nil {
		t.Fatalf("Send: %v", err)
	}

	var body []byte
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		b, _, ok, err := client.ReadFrame()
		if err != nil {
			t.Fatalf("ReadFrame: %v", err)
		}
		if ok {
			body = b
			break
		}
		time.Sleep(time.Millisecond)
	}
	if body == nil {
		t.Fatal("ReadFrame never assembled a frame")
	}

	got, err := wire.Decode(body)
	if err != nil {
		t.Fatalf("wire.Decode: %v", err)
	}
	payload, ok := got.Get(wire.KindHPD)
	if !ok || len(payload) != 4 {
		t.Fatalf("unexpected payload %v, ok=%v", payload, ok)
	}
}

func TestSendPassesFDs(t *testing.T) {
	client, server, cleanup := dialAccept(t)
	defer cleanup()

	tmp, err := os.CreateTemp(t.TempDir(), "cube-fd")
	if err != nil {
		t.Fatalf("CreateTemp: %v", err)
	}
	defer tmp.Close()
	if _, err := tmp.WriteString("hello"); err != nil {
		t.Fatalf("WriteString: %v", err)
	}

	m := wire.NewMessage()
	m.Set(wire.KindCreateBOAck, []byte{1})
	frame := wire.Encode(m)

	if err := server.Send(frame, []int{int(tmp.Fd())}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	var gotFDs []int
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		_, fds, ok, err := client.ReadFrame()
		if err != nil {
			t.Fatalf("ReadFrame: %v", err)
		}
		if ok {
			gotFDs = fds
			break
		}
		time.Sleep(time.Millisecond)
	}
	if len(gotFDs) != 1 {
		t.Fatalf("got %d fds, want 1", len(gotFDs))
	}
	defer unix.Close(gotFDs[0])

	buf := make([]byte, 5)
	n, err := unix.Pread(gotFDs[0], buf, 0)
	if err != nil {
		t.Fatalf("Pread: %v", err)
	}
	if string(buf[:n]) != "hello" {
		t.Fatalf("got %q, want %q", buf[:n], "hello")
	}
}

func TestListenRemovesStaleSocket(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cube-test.sock")
	if err := os.WriteFile(path, []byte("stale"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	lst, err := Listen(path)
	if err != nil {
		t.Fatalf("Listen over stale socket path: %v", err)
	}
	lst.Close()
}
