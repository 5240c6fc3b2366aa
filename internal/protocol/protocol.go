// Package protocol encodes and decodes the payload for each command
// kind in the table at spec.md §6, on top of the raw TLV framing in
// internal/wire. Every payload is little-endian with its fields packed
// back to back in order; fields are not padded to their natural
// alignment (create-bo's 64-bit surface id, for instance, sits at
// offset 116). fd-bearing commands (create-bo) carry
// their file descriptors out of band through wireconn's ancillary data
// rather than in the payload itself.
package protocol

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/duanruinan/cube/internal/cubeerr"
)

// InvalidID is the all-ones sentinel used in place of a real 64-bit id
// to signal failure on *-ack commands (spec.md §6's "-1").
const InvalidID uint64 = ^uint64(0)

// CommitReplace is the commit-ack result value meaning this commit
// superseded an earlier, not-yet-flipped commit for the same surface.
// spec.md §9 open question 3 leaves the concrete value
// implementation-defined, only requiring it differ from 0 and -1; 2 is
// chosen here and used consistently by both ends.
const CommitReplace int64 = 2

// Rect is the {x, y, w, h} rectangle shape used throughout the wire
// format, always four signed 32-bit fields in that order.
type Rect struct {
	X, Y, W, H int32
}

func (r Rect) encode(b []byte) {
	binary.LittleEndian.PutUint32(b[0:4], uint32(r.X))
	binary.LittleEndian.PutUint32(b[4:8], uint32(r.Y))
	binary.LittleEndian.PutUint32(b[8:12], uint32(r.W))
	binary.LittleEndian.PutUint32(b[12:16], uint32(r.H))
}

func decodeRect(b []byte) Rect {
	return Rect{
		X: int32(binary.LittleEndian.Uint32(b[0:4])),
		Y: int32(binary.LittleEndian.Uint32(b[4:8])),
		W: int32(binary.LittleEndian.Uint32(b[8:12])),
		H: int32(binary.LittleEndian.Uint32(b[12:16])),
	}
}

const rectSize = 16

func badLen(op string, want, got int) error {
	return &cubeerr.Protocol{Operation: op, Details: fmt.Sprintf("expected %d bytes, got %d", want, got)}
}

// LinkupAck is sent immediately after accept, carrying the non-zero
// link id the client uses in its later destroy command.
type LinkupAck struct {
	LinkID uint64
}

func (m LinkupAck) Encode() []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, m.LinkID)
	return b
}

func DecodeLinkupAck(b []byte) (LinkupAck, error) {
	if len(b) != 8 {
		return LinkupAck{}, badLen("LinkupAck", 8, len(b))
	}
	return LinkupAck{LinkID: binary.LittleEndian.Uint64(b)}, nil
}

// CreateSurface requests a new surface; SID is always 0 on the wire
// (the server assigns the id and returns it in CreateSurfaceAck).
type CreateSurface struct {
	IsOpaque int32
	Damage   Rect
	W, H     uint32
	Opaque   Rect
}

const createSurfaceSize = 8 + 4 + rectSize + 4 + 4 + rectSize

func (m CreateSurface) Encode() []byte {
	b := make([]byte, createSurfaceSize)
	// first 8 bytes are the always-zero sid field kept for wire shape
	// compatibility with the original command struct.
	binary.LittleEndian.PutUint32(b[8:12], uint32(m.IsOpaque))
	m.Damage.encode(b[12:28])
	binary.LittleEndian.PutUint32(b[28:32], m.W)
	binary.LittleEndian.PutUint32(b[32:36], m.H)
	m.Opaque.encode(b[36:52])
	return b
}

func DecodeCreateSurface(b []byte) (CreateSurface, error) {
	if len(b) != createSurfaceSize {
		return CreateSurface{}, badLen("CreateSurface", createSurfaceSize, len(b))
	}
	return CreateSurface{
		IsOpaque: int32(binary.LittleEndian.Uint32(b[8:12])),
		Damage:   decodeRect(b[12:28]),
		W:        binary.LittleEndian.Uint32(b[28:32]),
		H:        binary.LittleEndian.Uint32(b[32:36]),
		Opaque:   decodeRect(b[36:52]),
	}, nil
}

// CreateSurfaceAck carries the server-assigned surface id, or InvalidID
// on failure.
type CreateSurfaceAck struct {
	SurfaceID uint64
}

func (m CreateSurfaceAck) Encode() []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, m.SurfaceID)
	return b
}

func DecodeCreateSurfaceAck(b []byte) (CreateSurfaceAck, error) {
	if len(b) != 8 {
		return CreateSurfaceAck{}, badLen("CreateSurfaceAck", 8, len(b))
	}
	return CreateSurfaceAck{SurfaceID: binary.LittleEndian.Uint64(b)}, nil
}

// CreateView requests a new view bound to a surface the caller owns;
// VID is always 0 on the wire.
type CreateView struct {
	FullScreen    bool
	TopLevel      bool
	Area          Rect
	Alpha         float32
	OutputMask    uint32
	PrimaryOutput uint32
}

const createViewSize = 8 + 1 + 1 + 2 /*pad*/ + rectSize + 4 + 4 + 4

func (m CreateView) Encode() []byte {
	b := make([]byte, createViewSize)
	if m.FullScreen {
		b[8] = 1
	}
	if m.TopLevel {
		b[9] = 1
	}
	m.Area.encode(b[12:28])
	binary.LittleEndian.PutUint32(b[28:32], math.Float32bits(m.Alpha))
	binary.LittleEndian.PutUint32(b[32:36], m.OutputMask)
	binary.LittleEndian.PutUint32(b[36:40], m.PrimaryOutput)
	return b
}

func DecodeCreateView(b []byte) (CreateView, error) {
	if len(b) != createViewSize {
		return CreateView{}, badLen("CreateView", createViewSize, len(b))
	}
	return CreateView{
		FullScreen:    b[8] != 0,
		TopLevel:      b[9] != 0,
		Area:          decodeRect(b[12:28]),
		Alpha:         math.Float32frombits(binary.LittleEndian.Uint32(b[28:32])),
		OutputMask:    binary.LittleEndian.Uint32(b[32:36]),
		PrimaryOutput: binary.LittleEndian.Uint32(b[36:40]),
	}, nil
}

// CreateViewAck carries the server-assigned view id, or InvalidID on
// failure.
type CreateViewAck struct {
	ViewID uint64
}

func (m CreateViewAck) Encode() []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, m.ViewID)
	return b
}

func DecodeCreateViewAck(b []byte) (CreateViewAck, error) {
	if len(b) != 8 {
		return CreateViewAck{}, badLen("CreateViewAck", 8, len(b))
	}
	return CreateViewAck{ViewID: binary.LittleEndian.Uint64(b)}, nil
}

// BufType distinguishes an SHM-backed buffer from an imported DMA-BUF.
type BufType uint32

const (
	BufTypeSHM BufType = iota
	BufTypeDMA
)

const maxPlanes = 4
const shmNameLen = 32

// CreateBO requests a new buffer object. For BufTypeSHM, ShmName names
// the region the server creates; for BufTypeDMA, the per-plane fds
// travel as ancillary data on the same wireconn message, ordered to
// match Strides/Offsets/Sizes.
type CreateBO struct {
	PixFmt    uint32
	Type      BufType
	ShmName   string
	W, H      uint32
	Strides   [maxPlanes]uint32
	Offsets   [maxPlanes]uint32
	Sizes     [maxPlanes]uint64
	Planes    int32
	SurfaceID uint64
}

const createBOSize = 4 + 4 + shmNameLen + 4 + 4 + maxPlanes*4 + maxPlanes*4 + maxPlanes*8 + 4 + 8

func (m CreateBO) Encode() []byte {
	b := make([]byte, createBOSize)
	o := 0
	binary.LittleEndian.PutUint32(b[o:], m.PixFmt)
	o += 4
	binary.LittleEndian.PutUint32(b[o:], uint32(m.Type))
	o += 4
	copy(b[o:o+shmNameLen], m.ShmName)
	o += shmNameLen
	binary.LittleEndian.PutUint32(b[o:], m.W)
	o += 4
	binary.LittleEndian.PutUint32(b[o:], m.H)
	o += 4
	for i := 0; i < maxPlanes; i++ {
		binary.LittleEndian.PutUint32(b[o:], m.Strides[i])
		o += 4
	}
	for i := 0; i < maxPlanes; i++ {
		binary.LittleEndian.PutUint32(b[o:], m.Offsets[i])
		o += 4
	}
	for i := 0; i < maxPlanes; i++ {
		binary.LittleEndian.PutUint64(b[o:], m.Sizes[i])
		o += 8
	}
	binary.LittleEndian.PutUint32(b[o:], uint32(m.Planes))
	o += 4
	binary.LittleEndian.PutUint64(b[o:], m.SurfaceID)
	return b
}

func DecodeCreateBO(b []byte) (CreateBO, error) {
	if len(b) != createBOSize {
		return CreateBO{}, badLen("CreateBO", createBOSize, len(b))
	}
	var m CreateBO
	o := 0
	m.PixFmt = binary.LittleEndian.Uint32(b[o:])
	o += 4
	m.Type = BufType(binary.LittleEndian.Uint32(b[o:]))
	o += 4
	m.ShmName = cStringTrim(b[o : o+shmNameLen])
	o += shmNameLen
	m.W = binary.LittleEndian.Uint32(b[o:])
	o += 4
	m.H = binary.LittleEndian.Uint32(b[o:])
	o += 4
	for i := 0; i < maxPlanes; i++ {
		m.Strides[i] = binary.LittleEndian.Uint32(b[o:])
		o += 4
	}
	for i := 0; i < maxPlanes; i++ {
		m.Offsets[i] = binary.LittleEndian.Uint32(b[o:])
		o += 4
	}
	for i := 0; i < maxPlanes; i++ {
		m.Sizes[i] = binary.LittleEndian.Uint64(b[o:])
		o += 8
	}
	m.Planes = int32(binary.LittleEndian.Uint32(b[o:]))
	o += 4
	m.SurfaceID = binary.LittleEndian.Uint64(b[o:])
	return m, nil
}

func cStringTrim(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

// CreateBOAck carries the server-assigned buffer id, or InvalidID.
type CreateBOAck struct {
	BOID uint64
}

func (m CreateBOAck) Encode() []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, m.BOID)
	return b
}

func DecodeCreateBOAck(b []byte) (CreateBOAck, error) {
	if len(b) != 8 {
		return CreateBOAck{}, badLen("CreateBOAck", 8, len(b))
	}
	return CreateBOAck{BOID: binary.LittleEndian.Uint64(b)}, nil
}

// DestroyBO, DestroyBOAck, BOFlipped, BOComplete, Destroy and DestroyAck
// all carry a single u64; share one codec.
type U64Msg struct {
	Value uint64
}

func (m U64Msg) Encode() []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, m.Value)
	return b
}

func DecodeU64Msg(b []byte) (U64Msg, error) {
	if len(b) != 8 {
		return U64Msg{}, badLen("U64Msg", 8, len(b))
	}
	return U64Msg{Value: binary.LittleEndian.Uint64(b)}, nil
}

// Commit carries the per-surface atomic update: buffer attach, view
// geometry, visibility, and z-order delta.
type Commit struct {
	BOID                             uint64
	BODamage                         Rect
	Shown                            int32
	ViewX, ViewY, ViewHotX, ViewHotY int32
	ViewW, ViewH                     uint32
	DeltaZ                           int32
}

const commitSize = 8 + rectSize + 4 + 4*4 + 4 + 4 + 4

func (m Commit) Encode() []byte {
	b := make([]byte, commitSize)
	o := 0
	binary.LittleEndian.PutUint64(b[o:], m.BOID)
	o += 8
	m.BODamage.encode(b[o : o+rectSize])
	o += rectSize
	binary.LittleEndian.PutUint32(b[o:], uint32(m.Shown))
	o += 4
	for _, v := range []int32{m.ViewX, m.ViewY, m.ViewHotX, m.ViewHotY} {
		binary.LittleEndian.PutUint32(b[o:], uint32(v))
		o += 4
	}
	binary.LittleEndian.PutUint32(b[o:], m.ViewW)
	o += 4
	binary.LittleEndian.PutUint32(b[o:], m.ViewH)
	o += 4
	binary.LittleEndian.PutUint32(b[o:], uint32(m.DeltaZ))
	return b
}

func DecodeCommit(b []byte) (Commit, error) {
	if len(b) != commitSize {
		return Commit{}, badLen("Commit", commitSize, len(b))
	}
	var m Commit
	o := 0
	m.BOID = binary.LittleEndian.Uint64(b[o:])
	o += 8
	m.BODamage = decodeRect(b[o : o+rectSize])
	o += rectSize
	m.Shown = int32(binary.LittleEndian.Uint32(b[o:]))
	o += 4
	vals := [4]*int32{&m.ViewX, &m.ViewY, &m.ViewHotX, &m.ViewHotY}
	for _, p := range vals {
		*p = int32(binary.LittleEndian.Uint32(b[o:]))
		o += 4
	}
	m.ViewW = binary.LittleEndian.Uint32(b[o:])
	o += 4
	m.ViewH = binary.LittleEndian.Uint32(b[o:])
	o += 4
	m.DeltaZ = int32(binary.LittleEndian.Uint32(b[o:]))
	return m, nil
}

// CommitAck reports 0 (accepted), CommitReplace, or -1 (failed).
type CommitAck struct {
	Result int64
}

func (m CommitAck) Encode() []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, uint64(m.Result))
	return b
}

func DecodeCommitAck(b []byte) (CommitAck, error) {
	if len(b) != 8 {
		return CommitAck{}, badLen("CommitAck", 8, len(b))
	}
	return CommitAck{Result: int64(binary.LittleEndian.Uint64(b))}, nil
}

// RawInputKind distinguishes a raw value report from a pointer-motion
// report within RawInputEvent's union payload.
type RawInputKind uint16

const (
	RawInputValue   RawInputKind = 0
	RawInputPointer RawInputKind = 1
)

// RawInputEvent is one entry of a raw-input-evt batch. The four-byte
// union is stored as Raw and interpreted through Value/Pointer
// depending on how the caller knows to read it (Type/Code convention
// mirrors an input-event subsystem, not reproduced here since HID
// hardware reading is out of scope).
type RawInputEvent struct {
	Type uint16
	Code uint16
	Raw  uint32
}

// Value interprets the union payload as a plain 32-bit value.
func (e RawInputEvent) Value() uint32 { return e.Raw }

// Pointer interprets the four-byte union payload as {x, y}. The union
// has no room for motion deltas, so dx and dy are always 0.
func (e RawInputEvent) Pointer() (x, y uint16, dx, dy int16) {
	x = uint16(e.Raw)
	y = uint16(e.Raw >> 16)
	// dx/dy share the same four bytes in the original union; callers
	// that need motion deltas alongside position pack two events.
	return x, y, 0, 0
}

const rawInputEventSize = 2 + 2 + 4

// RawInputEvt is a batch of input events delivered to clients with
// CAP_RAW_INPUT and raw_input_en set.
type RawInputEvt struct {
	Events []RawInputEvent
}

func (m RawInputEvt) Encode() []byte {
	b := make([]byte, 4+len(m.Events)*rawInputEventSize)
	binary.LittleEndian.PutUint32(b[0:4], uint32(len(m.Events)))
	o := 4
	for _, e := range m.Events {
		binary.LittleEndian.PutUint16(b[o:o+2], e.Type)
		binary.LittleEndian.PutUint16(b[o+2:o+4], e.Code)
		binary.LittleEndian.PutUint32(b[o+4:o+8], e.Raw)
		o += rawInputEventSize
	}
	return b
}

func DecodeRawInputEvt(b []byte) (RawInputEvt, error) {
	if len(b) < 4 {
		return RawInputEvt{}, badLen("RawInputEvt", 4, len(b))
	}
	count := int(binary.LittleEndian.Uint32(b[0:4]))
	want := 4 + count*rawInputEventSize
	if len(b) != want {
		return RawInputEvt{}, badLen("RawInputEvt", want, len(b))
	}
	events := make([]RawInputEvent, count)
	o := 4
	for i := range events {
		events[i] = RawInputEvent{
			Type: binary.LittleEndian.Uint16(b[o : o+2]),
			Code: binary.LittleEndian.Uint16(b[o+2 : o+4]),
			Raw:  binary.LittleEndian.Uint32(b[o+4 : o+8]),
		}
		o += rawInputEventSize
	}
	return RawInputEvt{Events: events}, nil
}

// HPD reports a hotplug transition: bit i set means pipe i's output is
// now available (a head is connected), bit i+8 set means it is on.
type HPD struct {
	Info uint64
}

func (h HPD) Available(pipe int) bool { return h.Info&(1<<uint(pipe)) != 0 }
func (h HPD) On(pipe int) bool        { return h.Info&(1<<uint(pipe+8)) != 0 }

func NewHPD(pipe int, available, on bool) HPD {
	var v uint64
	if available {
		v |= 1 << uint(pipe)
	}
	if on {
		v |= 1 << uint(pipe+8)
	}
	return HPD{Info: v}
}

func (m HPD) Encode() []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, m.Info)
	return b
}

func DecodeHPD(b []byte) (HPD, error) {
	if len(b) != 8 {
		return HPD{}, badLen("HPD", 8, len(b))
	}
	return HPD{Info: binary.LittleEndian.Uint64(b)}, nil
}

// ShellCmd enumerates the shell command sub-kinds, matching
// original_source/utils/cube_protocal.h's cb_shell_cmd enum.
// CanvasLayoutSetting is the spec's atomic desktop-layout replacement;
// DebugSetting mirrors the original's per-component debug-level
// variable (spec.md §9's "global mutable state" note).
// CanvasLayoutQuery is supplemented from the original protocol — the
// distilled spec only describes the setter, but client/cube_manager.c
// also queries the current layout on startup, so the read path is
// implemented alongside it.
type ShellCmd uint32

const (
	ShellDebugSetting ShellCmd = iota
	ShellCanvasLayoutSetting
	ShellCanvasLayoutQuery
	// ShellStatTips is supplemented from cube_manager.c's read-only
	// STAT_TIPS sub-command: it dumps compositor frame-timing counters
	// without mutating any state.
	ShellStatTips
)

// CanvasLayout is the atomic per-output desktop rectangle table, plus
// whether the outputs are duplicated (mirrored) or extended.
type CanvasLayout struct {
	Duplicated bool
	Rects      []Rect
}

// Shell is the command↔reply envelope for debug/layout operations.
// Exactly one of DebugFlags/Layout/StatTips is meaningful, selected by
// Cmd (none of them for a layout query request).
type Shell struct {
	Cmd        ShellCmd
	DebugFlags [8]byte
	Layout     CanvasLayout
	StatTips   StatTips
}

// StatTips carries the read-only frame-timing counters the STAT_TIPS
// sub-command reports: total repaints driven, how many scanout
// commits the watchdog had to retry, and the last repaint pass's
// duration in microseconds.
type StatTips struct {
	Frames          uint64
	DroppedCommits  uint64
	LastRepaintUsec uint64
}

func (m Shell) Encode() []byte {
	switch m.Cmd {
	case ShellDebugSetting:
		b := make([]byte, 4+8)
		binary.LittleEndian.PutUint32(b[0:4], uint32(m.Cmd))
		copy(b[4:12], m.DebugFlags[:])
		return b
	case ShellCanvasLayoutSetting:
		b := make([]byte, 4+1+4+len(m.Layout.Rects)*rectSize)
		binary.LittleEndian.PutUint32(b[0:4], uint32(m.Cmd))
		if m.Layout.Duplicated {
			b[4] = 1
		}
		binary.LittleEndian.PutUint32(b[5:9], uint32(len(m.Layout.Rects)))
		o := 9
		for _, r := range m.Layout.Rects {
			r.encode(b[o : o+rectSize])
			o += rectSize
		}
		return b
	case ShellStatTips:
		b := make([]byte, 4+24)
		binary.LittleEndian.PutUint32(b[0:4], uint32(m.Cmd))
		binary.LittleEndian.PutUint64(b[4:12], m.StatTips.Frames)
		binary.LittleEndian.PutUint64(b[12:20], m.StatTips.DroppedCommits)
		binary.LittleEndian.PutUint64(b[20:28], m.StatTips.LastRepaintUsec)
		return b
	default: // ShellCanvasLayoutQuery and any future no-payload sub-commands
		b := make([]byte, 4)
		binary.LittleEndian.PutUint32(b[0:4], uint32(m.Cmd))
		return b
	}
}

func DecodeShell(b []byte) (Shell, error) {
	if len(b) < 4 {
		return Shell{}, badLen("Shell", 4, len(b))
	}
	cmd := ShellCmd(binary.LittleEndian.Uint32(b[0:4]))
	switch cmd {
	case ShellDebugSetting:
		if len(b) != 12 {
			return Shell{}, badLen("Shell(DebugSetting)", 12, len(b))
		}
		var m Shell
		m.Cmd = cmd
		copy(m.DebugFlags[:], b[4:12])
		return m, nil
	case ShellCanvasLayoutSetting:
		if len(b) < 9 {
			return Shell{}, badLen("Shell(CanvasLayoutSetting)", 9, len(b))
		}
		count := int(binary.LittleEndian.Uint32(b[5:9]))
		want := 9 + count*rectSize
		if len(b) != want {
			return Shell{}, badLen("Shell(CanvasLayoutSetting)", want, len(b))
		}
		rects := make([]Rect, count)
		o := 9
		for i := range rects {
			rects[i] = decodeRect(b[o : o+rectSize])
			o += rectSize
		}
		return Shell{
			Cmd: cmd,
			Layout: CanvasLayout{
				Duplicated: b[4] != 0,
				Rects:      rects,
			},
		}, nil
	case ShellStatTips:
		if len(b) == 4 {
			return Shell{Cmd: cmd}, nil
		}
		if len(b) != 4+24 {
			return Shell{}, badLen("Shell(StatTips)", 4+24, len(b))
		}
		return Shell{
			Cmd: cmd,
			StatTips: StatTips{
				Frames:          binary.LittleEndian.Uint64(b[4:12]),
				DroppedCommits:  binary.LittleEndian.Uint64(b[12:20]),
				LastRepaintUsec: binary.LittleEndian.Uint64(b[20:28]),
			},
		}, nil
	default:
		return Shell{Cmd: cmd}, nil
	}
}
