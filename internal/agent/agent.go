// Package agent implements the per-connection client state machine from
// spec.md §4.5: CONNECTED → LINKED → ACTIVE → TEARDOWN_PENDING → GONE,
// capability-gated delivery, and a per-kind pre-templated egress queue
// so repeated sends of the same command kind reuse one wire.Message
// instead of allocating a new one (wire.Encode still allocates the
// encoded frame on every send). Grounded on the teacher's
// accept-loop/per-connection bookkeeping in runtime_ipc.go, generalized
// from JSON request/response to the binary wire.Message framing, and
// on original_source/server/cube_client_agent.h's send-buffer-per-kind
// layout.
package agent

import (
	"github.com/sirupsen/logrus"

	"github.com/duanruinan/cube/internal/shmpool"
	"github.com/duanruinan/cube/internal/surface"
	"github.com/duanruinan/cube/internal/wire"
	"github.com/duanruinan/cube/internal/wireconn"
)

// State is one position in the client lifecycle state machine.
type State int

const (
	Connected State = iota
	Linked
	Active
	TeardownPending
	Gone
)

func (s State) String() string {
	switch s {
	case Connected:
		return "CONNECTED"
	case Linked:
		return "LINKED"
	case Active:
		return "ACTIVE"
	case TeardownPending:
		return "TEARDOWN_PENDING"
	case Gone:
		return "GONE"
	default:
		return "UNKNOWN"
	}
}

// Capability is a bitmask of optional delivery classes a client opts
// into, gating which asynchronous notifications it receives.
type Capability uint32

const (
	CapNotifyLayout Capability = 1 << iota
	CapHPD
	CapRawInput
	CapMC
)

// Has reports whether every bit in want is set in c.
func (c Capability) Has(want Capability) bool { return c&want == want }

// outFrame is one queued egress write: the encoded frame plus any fds
// that must ride along as ancillary data (create-bo-ack's imported
// framebuffer fds, for instance).
type outFrame struct {
	frame []byte
	fds   []int
}

// Agent is one connected client's protocol state and resources.
type Agent struct {
	LinkID uint64
	Conn   *wireconn.Conn
	State  State

	Caps          Capability
	RawInputEn    bool

	// scanoutRefs counts buffers this client owns that are still live
	// in scanout; GONE is only reached once this and the surface/view
	// graph cleanup both finish (spec.md §4.5).
	scanoutRefs int

	// PendingCommits tracks, per surface id, the buffer id awaiting a
	// replacement decision so commit can answer COMMIT_REPLACE.
	PendingCommits map[uint64]uint64

	// CurrentSurface and CurrentView track this client's most recently
	// created surface/view. create-view and commit carry no explicit
	// surface/view id on the wire (spec.md §6's single-surface client
	// convention), so the compositor resolves them here instead of
	// guessing from map iteration order.
	CurrentSurface *surface.Surface
	CurrentView    *surface.View

	// templates holds one pre-allocated wire.Message per outbound
	// command kind, built once at construction. EnqueueKind patches a
	// template's payload in place per send rather than allocating a
	// fresh message every time, mirroring cube_client_agent.h's
	// send-buffer-per-kind layout.
	templates [wire.NumKinds]*wire.Message

	egress []outFrame

	log *logrus.Entry
}

// New constructs an agent in the CONNECTED state for an accepted conn.
func New(linkID uint64, conn *wireconn.Conn, log *logrus.Entry) *Agent {
	a := &Agent{
		LinkID:         linkID,
		Conn:           conn,
		State:          Connected,
		PendingCommits: make(map[uint64]uint64),
		log:            log.WithField("link_id", linkID),
	}
	for k := wire.Kind(0); k < wire.NumKinds; k++ {
		a.templates[k] = wire.NewMessage()
	}
	return a
}

// Enqueue appends one kind/payload pair as a new outbound frame, ready
// to be flushed by Flush once the socket is writable. Multiple kinds
// destined for the same message (e.g. a shell reply alongside an hpd
// fan-out) should be combined by the caller into one wire.Message
// before calling Enqueue.
func (a *Agent) Enqueue(msg *wire.Message, fds []int) {
	a.egress = append(a.egress, outFrame{frame: wire.Encode(msg), fds: fds})
}

// EnqueueKind is a convenience wrapper for the common case of a single
// command kind per frame. It patches kind k's pre-built template with
// payload instead of allocating a new wire.Message for every send.
func (a *Agent) EnqueueKind(k wire.Kind, payload []byte, fds []int) {
	m := a.templates[k]
	m.Set(k, payload)
	a.Enqueue(m, fds)
}

// HasPending reports whether any frames are queued for send.
func (a *Agent) HasPending() bool { return len(a.egress) > 0 }

// Flush writes as many queued frames as the socket accepts without
// blocking. It stops and returns nil at the first EAGAIN, leaving the
// remainder queued for the next writable notification. Any other
// send error marks the client for teardown and is returned.
func (a *Agent) Flush() error {
	for len(a.egress) > 0 {
		next := a.egress[0]
		if err := a.Conn.Send(next.frame, next.fds); err != nil {
			if err == wireconn.ErrWouldBlock {
				return nil
			}
			a.BeginTeardown()
			return err
		}
		a.egress = a.egress[1:]
	}
	return nil
}

// BeginTeardown transitions the agent to TEARDOWN_PENDING. Buffers
// still referenced by scanout are left alone; the compositor releases
// them naturally as flips land, and AdvanceTeardown moves the agent to
// GONE once scanoutRefs reaches zero.
func (a *Agent) BeginTeardown() {
	if a.State == TeardownPending || a.State == Gone {
		return
	}
	a.State = TeardownPending
}

// RetainScanout and ReleaseScanout track how many of this client's
// buffers are still live in scanout, the condition gating the
// TEARDOWN_PENDING → GONE transition.
func (a *Agent) RetainScanout()  { a.scanoutRefs++ }
func (a *Agent) ReleaseScanout() {
	if a.scanoutRefs > 0 {
		a.scanoutRefs--
	}
	a.AdvanceTeardown()
}

// AdvanceTeardown moves TEARDOWN_PENDING to GONE once no scanout
// references remain and no frames are left to deliver.
func (a *Agent) AdvanceTeardown() {
	if a.State == TeardownPending && a.scanoutRefs == 0 && !a.HasPending() {
		a.State = Gone
	}
}

// ReleasedBuffer pairs a released buffer with the reason it was
// released. No code in this module emits or consumes it: the compositor
// answers destroy-bo and commit-replace directly in its handlers.
type ReleasedBuffer struct {
	Buffer *shmpool.Buffer
	Reason string
}

// OwnsSurface reports whether s belongs to this client, the check
// spec.md §7 requires before honoring any surface-scoped command.
func (a *Agent) OwnsSurface(s *surface.Surface) bool {
	return s != nil && s.OwnerID == a.LinkID
}
