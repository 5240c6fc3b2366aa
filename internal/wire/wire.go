// Package wire implements the length-prefixed, offset-mapped TLV frame
// format from spec.md §4.2/§6: an 8-byte little-endian length prefix,
// an outer TLV {tag, length, payload}, and a payload that opens with a
// fixed-size offset map indexed by command kind. It replaces the
// JSON-over-Unix-socket framing the teacher used in runtime_ipc.go with
// the binary shape the protocol requires, while keeping the same
// "parse a fixed header, then dispatch on a small enum" structure.
package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/duanruinan/cube/internal/cubeerr"
)

// Kind enumerates the eighteen command kinds from spec.md §6, one bit
// position (here, one offset-map slot) each.
type Kind uint32

const (
	KindLinkupAck Kind = iota
	KindCreateSurface
	KindCreateSurfaceAck
	KindCreateView
	KindCreateViewAck
	KindCreateBO
	KindCreateBOAck
	KindDestroyBO
	KindDestroyBOAck
	KindCommit
	KindCommitAck
	KindBOFlipped
	KindBOComplete
	KindRawInputEvt
	KindDestroy
	KindDestroyAck
	KindHPD
	KindShell
	NumKinds
)

func (k Kind) String() string {
	names := [NumKinds]string{
		"linkup-ack", "create-surface", "create-surface-ack",
		"create-view", "create-view-ack", "create-bo", "create-bo-ack",
		"destroy-bo", "destroy-bo-ack", "commit", "commit-ack",
		"bo-flipped", "bo-complete", "raw-input-evt", "destroy",
		"destroy-ack", "hpd", "shell",
	}
	if k < NumKinds {
		return names[k]
	}
	return fmt.Sprintf("kind(%d)", uint32(k))
}

// outerTag identifies the outer TLV as a Cube protocol frame.
const outerTag uint32 = 0x43554245 // "CUBE"

const offsetMapBytes = int(NumKinds) * 4
const innerHeaderBytes = 8

// Message is a set of at-most-one payload per command kind, ready to be
// packed into a single frame. Most frames carry exactly one kind; the
// shell and hpd fan-out paths may combine a reply with a notification.
type Message struct {
	payload [NumKinds][]byte
	present [NumKinds]bool
}

// NewMessage returns an empty message.
func NewMessage() *Message {
	return &Message{}
}

// Set attaches payload as the inner TLV body for kind k.
func (m *Message) Set(k Kind, payload []byte) {
	m.payload[k] = payload
	m.present[k] = true
}

// Get returns the payload bytes for kind k, and whether it was present.
func (m *Message) Get(k Kind) ([]byte, bool) {
	return m.payload[k], m.present[k]
}

// Encode serializes m into a complete wire frame: the 8-byte length
// prefix followed by the outer TLV and its offset-mapped payload.
func Encode(m *Message) []byte {
	offsets := make([]uint32, NumKinds)
	inner := make([]byte, 0, 64)
	for k := Kind(0); k < NumKinds; k++ {
		if !m.present[k] {
			continue
		}
		offsets[k] = uint32(offsetMapBytes + len(inner))
		p := m.payload[k]
		hdr := make([]byte, innerHeaderBytes)
		binary.LittleEndian.PutUint32(hdr[0:4], uint32(k))
		binary.LittleEndian.PutUint32(hdr[4:8], uint32(len(p)))
		inner = append(inner, hdr...)
		inner = append(inner, p...)
	}

	payload := make([]byte, offsetMapBytes+len(inner))
	for k, off := range offsets {
		binary.LittleEndian.PutUint32(payload[k*4:k*4+4], off)
	}
	copy(payload[offsetMapBytes:], inner)

	outer := make([]byte, innerHeaderBytes+len(payload))
	binary.LittleEndian.PutUint32(outer[0:4], outerTag)
	binary.LittleEndian.PutUint32(outer[4:8], uint32(len(payload)))
	copy(outer[8:], payload)

	frame := make([]byte, 8+len(outer))
	binary.LittleEndian.PutUint64(frame[0:8], uint64(len(outer)))
	copy(frame[8:], outer)
	return frame
}

// Decode parses the outer TLV and every present inner TLV out of outer,
// the bytes following the 8-byte length prefix (wireconn strips the
// prefix as part of its two-phase receive state machine). Every
// returned payload slice aliases outer; callers that retain it across
// the next receive must copy.
func Decode(outer []byte) (*Message, error) {
	if len(outer) < innerHeaderBytes {
		return nil, &cubeerr.Protocol{Operation: "wire.Decode", Details: "frame shorter than outer TLV header"}
	}
	tag := binary.LittleEndian.Uint32(outer[0:4])
	if tag != outerTag {
		return nil, &cubeerr.Protocol{Operation: "wire.Decode", Details: fmt.Sprintf("unknown outer tag %#x", tag)}
	}
	length := binary.LittleEndian.Uint32(outer[4:8])
	payload := outer[8:]
	if uint32(len(payload)) != length {
		return nil, &cubeerr.Protocol{Operation: "wire.Decode", Details: "outer length field does not match received bytes"}
	}
	if len(payload) < offsetMapBytes {
		return nil, &cubeerr.Protocol{Operation: "wire.Decode", Details: "payload shorter than offset map"}
	}

	m := NewMessage()
	for k := Kind(0); k < NumKinds; k++ {
		off := binary.LittleEndian.Uint32(payload[k*4 : k*4+4])
		if off == 0 {
			continue
		}
		if int(off)+innerHeaderBytes > len(payload) {
			return nil, &cubeerr.Protocol{Operation: "wire.Decode", Details: fmt.Sprintf("%s offset out of range", k)}
		}
		innerTag := binary.LittleEndian.Uint32(payload[off : off+4])
		innerLen := binary.LittleEndian.Uint32(payload[off+4 : off+8])
		if Kind(innerTag) != k {
			return nil, &cubeerr.Protocol{Operation: "wire.Decode", Details: fmt.Sprintf("offset map / inner tag mismatch at %s", k)}
		}
		start := off + innerHeaderBytes
		end := uint64(start) + uint64(innerLen)
		if end > uint64(len(payload)) {
			return nil, &cubeerr.Protocol{Operation: "wire.Decode", Details: fmt.Sprintf("%s inner length out of range", k)}
		}
		m.Set(k, payload[start:end])
	}
	return m, nil
}
