package wire

import (
	"bytes"
	"encoding/binary"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	m := NewMessage()
	m.Set(KindCommitAck, []byte{1, 2, 3, 4})
	m.Set(KindHPD, []byte{9, 9})

	frame := Encode(m)

	frameLen := binary.LittleEndian.Uint64(frame[0:8])
	if frameLen != uint64(len(frame)-8) {
		t.Fatalf("length prefix %d, want %d", frameLen, len(frame)-8)
	}

	got, err := Decode(frame[8:])
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	payload, ok := got.Get(KindCommitAck)
	if !ok || !bytes.Equal(payload, []byte{1, 2, 3, 4}) {
		t.Fatalf("KindCommitAck payload = %v, ok=%v", payload, ok)
	}
	payload, ok = got.Get(KindHPD)
	if !ok || !bytes.Equal(payload, []byte{9, 9}) {
		t.Fatalf("KindHPD payload = %v, ok=%v", payload, ok)
	}
	if _, ok := got.Get(KindShell); ok {
		t.Fatalf("KindShell unexpectedly present")
	}
}

func TestEncodeEmptyMessage(t *testing.T) {
	m := NewMessage()
	frame := Encode(m)
	got, err := Decode(frame[8:])
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	for k := Kind(0); k < NumKinds; k++ {
		if _, ok := got.Get(k); ok {
			t.Fatalf("kind %s unexpectedly present in empty message", k)
		}
	}
}

func TestDecodeRejectsBadTag(t *testing.T) {
	outer := make([]byte, 12)
	binary.LittleEndian.PutUint32(outer[0:4], 0xdeadbeef)
	binary.LittleEndian.PutUint32(outer[4:8], 4)
	if _, err := Decode(outer); err == nil {
		t.Fatal("expected error for unknown outer tag")
	}
}

func TestDecodeRejectsShortFrame(t *testing.T) {
	if _, err := Decode([]byte{1, 2, 3}); err == nil {
		t.Fatal("expected error for short frame")
	}
}

func TestDecodeRejectsLengthMismatch(t *testing.T) {
	m := NewMessage()
	m.Set(KindDestroy, []byte{1})
	frame := Encode(m)
	outer := frame[8:]
	// Truncate the payload without fixing the length field.
	truncated := outer[:len(outer)-1]
	if _, err := Decode(truncated); err == nil {
		t.Fatal("expected error for length/payload mismatch")
	}
}

func TestKindStringUnknown(t *testing.T) {
	if got := Kind(999).String(); got == "" {
		t.Fatal("expected non-empty string for unknown kind")
	}
}
