// Package shmpool unifies named shared-memory regions and imported
// DMA-BUF descriptors behind a single Buffer handle, per spec.md §3/§4.3.
// It is grounded on the teacher's FrameSnapshot/DisplayConfig value
// types (video_interface.go) for the pixel-format enumeration, and on
// original_source/server/cube_compositor.c's dirty-bitmap release rule
// for when a buffer may be handed back to its client.
package shmpool

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/duanruinan/cube/internal/cubeerr"
	"github.com/duanruinan/cube/internal/signalset"
)

// PixelFormat enumerates the formats spec.md §3 lists as supported.
type PixelFormat uint32

const (
	FormatARGB8888 PixelFormat = iota
	FormatXRGB8888
	FormatRGB888
	FormatRGB565
	FormatNV12
	FormatNV16
	FormatNV24
	FormatYUYV
	FormatYUV420
	FormatYUV422
	FormatYUV444
)

// Kind distinguishes the two buffer backings unified by Buffer.
type Kind int

const (
	KindSHM Kind = iota
	KindDMA
)

const maxPlanes = 4

// Plane describes one memory plane of a buffer: stride, byte offset
// within its backing fd, and total size.
type Plane struct {
	Stride uint32
	Offset uint32
	Size   uint64
	FD     int // DMA only; the server's imported, close-on-exec copy
}

// FlipEvent is the payload of a buffer's OnFlipped signal, one of the
// three signals (OnDestroy, OnFlipped, OnComplete) spec.md §3 attaches
// to every buffer.
type FlipEvent struct {
	BufferID uint64
	Output   int
}

// Buffer is the unified SHM/DMA handle. Two sets track its place in the
// release protocol (spec.md §4.3, §8 invariant 1): dirty holds outputs
// that still owe this buffer its own first flip; shown holds outputs
// that have flipped to this buffer and have not yet flipped past it to
// a successor. A buffer is released to its owning client only once
// both sets are empty — its own first flip is not enough, every output
// that ever displayed it must also have moved on.
type Buffer struct {
	ID      uint64
	Kind    Kind
	Format  PixelFormat
	Width   uint32
	Height  uint32
	Planes  []Plane
	ShmName string
	ShmFD   int
	OwnerID uint64

	mu             sync.Mutex
	dirty          map[int]bool
	shown          map[int]bool
	completed      bool
	destroyPending bool
	destroyed      bool

	OnDestroy  signalset.Signal[uint64]
	OnFlipped  signalset.Signal[FlipEvent]
	OnComplete signalset.Signal[uint64]
}

// MarkDirty records that this buffer still owes outputs a first flip.
// It also re-arms completion tracking, so a buffer recommitted after
// already completing once can run the release protocol again.
func (b *Buffer) MarkDirty(outputs []int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.dirty == nil {
		b.dirty = make(map[int]bool)
	}
	for _, o := range outputs {
		b.dirty[o] = true
	}
	b.completed = false
}

// Flip reports that output has presented this buffer for the first
// time since it was marked dirty there, and emits the flipped signal.
// The output moves from dirty into shown: the buffer stays retained on
// output until Superseded reports that a successor has flipped past it
// there. Flip never completes a buffer by itself (spec.md §8 scenario
// A: a single committed buffer with no replacement is flipped, never
// completed).
func (b *Buffer) Flip(output int) {
	b.mu.Lock()
	delete(b.dirty, output)
	if b.shown == nil {
		b.shown = make(map[int]bool)
	}
	b.shown[output] = true
	b.mu.Unlock()

	b.OnFlipped.Emit(FlipEvent{BufferID: b.ID, Output: output})
}

// Superseded reports that a successor buffer has flipped on output,
// meaning this buffer has now been flipped past there (spec.md §8
// scenario E: "when B' flips, server emits bo-complete(B)"). Once every
// output this buffer was ever shown on has been superseded, and none
// remain dirty awaiting a first flip, the buffer completes.
func (b *Buffer) Superseded(output int) {
	b.mu.Lock()
	delete(b.shown, output)
	b.mu.Unlock()
	b.maybeComplete()
}

func (b *Buffer) maybeComplete() {
	b.mu.Lock()
	if b.destroyed || b.completed || len(b.dirty) != 0 || len(b.shown) != 0 {
		b.mu.Unlock()
		return
	}
	b.completed = true
	shouldDestroy := b.destroyPending
	b.mu.Unlock()

	b.OnComplete.Emit(b.ID)

	if shouldDestroy {
		b.finalize()
	}
}

// RequestDestroy marks the buffer destroy-pending. Outputs still only
// owed a first flip are abandoned immediately: once destruction is
// requested nothing will ever commit this buffer again, so those
// outputs will never flip it, and it is released right away (spec.md
// §8 scenario B, "B1 is released to the client immediately"). Outputs
// that already flipped it once (shown) are not abandoned; the buffer
// stays live until a successor supersedes it there (scenario E).
func (b *Buffer) RequestDestroy() {
	b.mu.Lock()
	b.destroyPending = true
	b.dirty = nil
	idle := len(b.shown) == 0
	b.mu.Unlock()
	if idle {
		b.finalize()
	}
}

func (b *Buffer) finalize() {
	b.mu.Lock()
	if b.destroyed {
		b.mu.Unlock()
		return
	}
	b.destroyed = true
	b.mu.Unlock()

	for _, p := range b.Planes {
		if p.FD >= 0 {
			unix.Close(p.FD)
		}
	}
	if b.Kind == KindSHM && b.ShmFD >= 0 {
		unix.Close(b.ShmFD)
	}
	b.OnDestroy.Emit(b.ID)
}

// Pool owns every live buffer, namespaced so that two clients never
// collide on an SHM region name.
type Pool struct {
	mu      sync.Mutex
	nextID  uint64
	buffers map[uint64]*Buffer
}

// NewPool returns an empty buffer pool.
func NewPool() *Pool {
	return &Pool{buffers: make(map[uint64]*Buffer)}
}

// ShmName builds a collision-free region name for clientID's buffer
// request, namespacing by the opaque client id per spec.md §4.3.
func ShmName(clientID uint64, requested string) string {
	return fmt.Sprintf("cube-%d-%s", clientID, requested)
}

// CreateSHM creates a new named memfd region and registers it as a new
// buffer owned by clientID. The region is sized to plane.Size as the
// client supplied it; width, height, stride and format are recorded on
// the buffer but are not used to compute or check that size.
func (p *Pool) CreateSHM(clientID uint64, name string, format PixelFormat, w, h uint32, plane Plane) (*Buffer, error) {
	fullName := ShmName(clientID, name)
	fd, err := unix.MemfdCreate(fullName, unix.MFD_CLOEXEC)
	if err != nil {
		return nil, &cubeerr.Resource{Operation: "shmpool.CreateSHM", Details: fullName, Err: err}
	}
	if err := unix.Ftruncate(fd, int64(plane.Size)); err != nil {
		unix.Close(fd)
		return nil, &cubeerr.Resource{Operation: "shmpool.CreateSHM", Details: "ftruncate", Err: err}
	}

	p.mu.Lock()
	p.nextID++
	id := p.nextID
	p.mu.Unlock()

	buf := &Buffer{
		ID:      id,
		Kind:    KindSHM,
		Format:  format,
		Width:   w,
		Height:  h,
		Planes:  []Plane{plane},
		ShmName: fullName,
		ShmFD:   fd,
		OwnerID: clientID,
	}
	p.mu.Lock()
	p.buffers[id] = buf
	p.mu.Unlock()
	return buf, nil
}

// ImportDMA registers a buffer backed by up to four already-received,
// close-on-exec plane fds (the caller, wireconn's ancillary-data path,
// owns importing and cloexec'ing them before this call).
func (p *Pool) ImportDMA(clientID uint64, format PixelFormat, w, h uint32, planes []Plane) (*Buffer, error) {
	if len(planes) == 0 || len(planes) > maxPlanes {
		return nil, &cubeerr.Resource{Operation: "shmpool.ImportDMA", Details: fmt.Sprintf("invalid plane count %d", len(planes))}
	}

	p.mu.Lock()
	p.nextID++
	id := p.nextID
	p.mu.Unlock()

	buf := &Buffer{
		ID:      id,
		Kind:    KindDMA,
		Format:  format,
		Width:   w,
		Height:  h,
		Planes:  planes,
		ShmFD:   -1,
		OwnerID: clientID,
	}
	p.mu.Lock()
	p.buffers[id] = buf
	p.mu.Unlock()
	return buf, nil
}

// Get returns the buffer with id, or ok=false.
func (p *Pool) Get(id uint64) (*Buffer, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	b, ok := p.buffers[id]
	return b, ok
}

// Forget removes id from the pool's bookkeeping (called once the
// buffer's OnDestroy signal fires). It does not release kernel
// resources itself; Buffer.finalize already did that.
func (p *Pool) Forget(id uint64) {
	p.mu.Lock()
	delete(p.buffers, id)
	p.mu.Unlock()
}

// OwnedBy returns every buffer currently owned by clientID, for
// disconnect teardown.
func (p *Pool) OwnedBy(clientID uint64) []*Buffer {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []*Buffer
	for _, b := range p.buffers {
		if b.OwnerID == clientID {
			out = append(out, b)
		}
	}
	return out
}
