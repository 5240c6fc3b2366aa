// Package compositor is the central orchestrator from spec.md §2 item
// 9: it owns every client, surface, view, and buffer; the mouse-cursor
// plane; the desktop-layout table; hotplug dispatch; and drives the
// repaint scheduler and scanout commits. It is grounded on the
// teacher's VideoCompositor (video_compositor.go) — a fixed-rate
// refresh loop that blends registered sources by z-order into a final
// frame — generalized from one emulated framebuffer to N physical
// outputs, each walking its own z-ordered view list and handing
// plane-eligible views straight to the scanout backend. Views that are
// not plane-eligible are left out of the scanout commit; the compositor
// does not run internal/renderer on them. The per-output passes go
// through a golang.org/x/sync/errgroup limited to one goroutine at a
// time, since every pass writes the View.Plane of the shared views.
package compositor

import (
	"fmt"
	"io"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/sirupsen/logrus"

	"github.com/duanruinan/cube/internal/agent"
	"github.com/duanruinan/cube/internal/config"
	"github.com/duanruinan/cube/internal/cubeerr"
	"github.com/duanruinan/cube/internal/cursor"
	"github.com/duanruinan/cube/internal/evloop"
	"github.com/duanruinan/cube/internal/protocol"
	"github.com/duanruinan/cube/internal/scanout"
	"github.com/duanruinan/cube/internal/shell"
	"github.com/duanruinan/cube/internal/shmpool"
	"github.com/duanruinan/cube/internal/signalset"
	"github.com/duanruinan/cube/internal/surface"
	"github.com/duanruinan/cube/internal/wire"
	"github.com/duanruinan/cube/internal/wireconn"
)

const commitWatchdog = 500 * time.Millisecond
const repaintInterval = time.Second / 60

// Compositor is the whole server-side compositor kernel.
type Compositor struct {
	cfg     *config.Config
	log     *logrus.Entry
	loop    *evloop.Loop
	backend scanout.Backend
	pool    *shmpool.Pool
	graph   *surface.Graph
	cursor  *cursor.Cursor
	shell   *shell.Executor

	listener *wireconn.Listener
	agents   map[uint64]*agent.Agent
	byFD     map[int]*agent.Agent
	fdSrc    map[int]*evloop.Source
	nextLink uint64

	deskDuplicated bool
	deskRects      []scanout.Rect

	debugLevels config.DebugLevels

	repaintSrc *evloop.Source
	dirty      bool

	commitDeadlines map[int]time.Time // output index -> watchdog deadline while retrying

	frameCount      uint64
	droppedCommits  uint64
	lastRepaintUsec uint64

	// bufSurface remembers which surface a create-bo's caller bound the
	// new buffer to, since commit carries a bo id but no surface id of
	// its own.
	bufSurface map[uint64]uint64

	OnReady signalset.Signal[struct{}]
}

// New constructs a compositor bound to backend, not yet listening.
func New(cfg *config.Config, backend scanout.Backend, baseLog *logrus.Logger) (*Compositor, error) {
	loop, err := evloop.New()
	if err != nil {
		return nil, fmt.Errorf("compositor: %w", err)
	}
	c := &Compositor{
		cfg:             cfg,
		log:             baseLog.WithField("component", "compositor"),
		loop:            loop,
		backend:         backend,
		pool:            shmpool.NewPool(),
		graph:           surface.NewGraph(),
		cursor:          cursor.New(),
		agents:          make(map[uint64]*agent.Agent),
		byFD:            make(map[int]*agent.Agent),
		fdSrc:           make(map[int]*evloop.Source),
		debugLevels:     cfg.Debug,
		commitDeadlines: make(map[int]time.Time),
		bufSurface:      make(map[uint64]uint64),
	}
	c.shell = shell.NewExecutor(c, c, c)
	c.deskRects = defaultLayout(backend.Outputs())
	for _, h := range backend.Heads() {
		h.OnChanged.Add(c.onHeadChanged)
	}
	return c, nil
}

func defaultLayout(outputs []*scanout.Output) []scanout.Rect {
	rects := make([]scanout.Rect, len(outputs))
	for i, o := range outputs {
		rects[i] = o.DeskRect
	}
	return rects
}

// Listen binds the Unix protocol socket and registers it with the
// event loop.
func (c *Compositor) Listen() error {
	l, err := wireconn.Listen(c.cfg.SocketPath())
	if err != nil {
		return err
	}
	c.listener = l
	if _, err := c.loop.AddFD(l.FD(), evloop.Readable, c.onListenerReadable); err != nil {
		l.Close()
		return err
	}
	timer, err := c.loop.AddTimer(c.onRepaintTick)
	if err != nil {
		return err
	}
	c.repaintSrc = timer
	c.loop.UpdateTimer(timer, repaintInterval)
	c.loop.AddIdle(func() { c.OnReady.Emit(struct{}{}) })
	return nil
}

// Run drives the event loop until Close is called.
func (c *Compositor) Run() error {
	for {
		if err := c.loop.Dispatch(-1); err != nil {
			return err
		}
		if c.listener == nil {
			return nil
		}
	}
}

// Close tears down the listener and event loop.
func (c *Compositor) Close() error {
	if c.listener != nil {
		c.listener.Close()
		c.listener = nil
	}
	return c.loop.Close()
}

func (c *Compositor) onListenerReadable(fd int, mask evloop.EventMask) int32 {
	for {
		conn, err := c.listener.Accept()
		if err != nil {
			if err == unix.EAGAIN {
				return 0
			}
			c.log.WithError(err).Warn("accept failed")
			return 0
		}
		c.nextLink++
		linkID := c.nextLink
		clientLog := c.log.WithField("component", "agent")
		a := agent.New(linkID, conn, clientLog)
		c.agents[linkID] = a
		c.byFD[conn.FD()] = a

		src, err := c.loop.AddFD(conn.FD(), evloop.Readable, c.onClientReadable)
		if err != nil {
			conn.Close()
			delete(c.agents, linkID)
			delete(c.byFD, conn.FD())
			continue
		}
		c.fdSrc[conn.FD()] = src

		ack := protocol.LinkupAck{LinkID: linkID}
		a.EnqueueKind(wire.KindLinkupAck, ack.Encode(), nil)
		a.State = agent.Linked
		c.flushAgent(a)
	}
}

func (c *Compositor) onClientReadable(fd int, mask evloop.EventMask) int32 {
	a, ok := c.byFD[fd]
	if !ok {
		return 0
	}
	if mask&(evloop.Hangup|evloop.Error) != 0 {
		c.disconnect(a)
		return 0
	}
	for {
		body, fds, ready, err := a.Conn.ReadFrame()
		if err != nil {
			if err == io.EOF {
				c.disconnect(a)
				return 0
			}
			c.log.WithError(err).Warn("read failed, disconnecting client")
			c.disconnect(a)
			return 0
		}
		if !ready {
			return 0
		}
		msg, derr := wire.Decode(body)
		if derr != nil {
			c.log.WithError(derr).Warn("protocol error, disconnecting client")
			c.disconnect(a)
			return 0
		}
		c.dispatch(a, msg, fds)
		if a.State == agent.Gone {
			c.removeAgent(a)
			return 0
		}
	}
}

func (c *Compositor) flushAgent(a *agent.Agent) {
	if err := a.Flush(); err != nil && err != wireconn.ErrWouldBlock {
		c.disconnect(a)
	}
}

func (c *Compositor) disconnect(a *agent.Agent) {
	if a.State == agent.Gone {
		return
	}
	a.BeginTeardown()
	for _, s := range c.graph.SurfacesOf(a.LinkID) {
		c.graph.DestroySurface(s)
	}
	for _, b := range c.pool.OwnedBy(a.LinkID) {
		b.RequestDestroy()
	}
	a.AdvanceTeardown()
	if a.State == agent.Gone {
		c.removeAgent(a)
	}
}

func (c *Compositor) removeAgent(a *agent.Agent) {
	fd := a.Conn.FD()
	if src, ok := c.fdSrc[fd]; ok {
		c.loop.Remove(src)
		delete(c.fdSrc, fd)
	}
	delete(c.byFD, fd)
	delete(c.agents, a.LinkID)
	a.Conn.Close()
}

func (c *Compositor) dispatch(a *agent.Agent, msg *wire.Message, fds []int) {
	if a.State == agent.Linked {
		a.State = agent.Active
	}
	if p, ok := msg.Get(wire.KindCreateSurface); ok {
		c.handleCreateSurface(a, p)
	}
	if p, ok := msg.Get(wire.KindCreateView); ok {
		c.handleCreateView(a, p)
	}
	if p, ok := msg.Get(wire.KindCreateBO); ok {
		c.handleCreateBO(a, p, fds)
	}
	if p, ok := msg.Get(wire.KindDestroyBO); ok {
		c.handleDestroyBO(a, p)
	}
	if p, ok := msg.Get(wire.KindCommit); ok {
		c.handleCommit(a, p)
	}
	if p, ok := msg.Get(wire.KindDestroy); ok {
		c.handleDestroy(a, p)
	}
	if p, ok := msg.Get(wire.KindShell); ok {
		c.handleShell(a, p)
	}
	c.flushAgent(a)
}

func (c *Compositor) handleCreateSurface(a *agent.Agent, payload []byte) {
	req, err := protocol.DecodeCreateSurface(payload)
	if err != nil {
		c.disconnect(a)
		return
	}
	s := c.graph.CreateSurface(a.LinkID, req.IsOpaque != 0,
		scanout.Rect{X: int(req.Damage.X), Y: int(req.Damage.Y), W: int(req.Damage.W), H: int(req.Damage.H)},
		scanout.Rect{X: int(req.Opaque.X), Y: int(req.Opaque.Y), W: int(req.Opaque.W), H: int(req.Opaque.H)},
		int(req.W), int(req.H))
	a.CurrentSurface = s
	ack := protocol.CreateSurfaceAck{SurfaceID: s.ID}
	a.EnqueueKind(wire.KindCreateSurfaceAck, ack.Encode(), nil)
}

func (c *Compositor) handleCreateView(a *agent.Agent, payload []byte) {
	req, err := protocol.DecodeCreateView(payload)
	if err != nil {
		c.disconnect(a)
		return
	}
	// create-view carries no surface id on the wire; it binds to the
	// caller's most recently created surface, tracked on the agent
	// rather than guessed from the graph (spec.md §6's single-surface
	// client library contract).
	if a.CurrentSurface == nil {
		ack := protocol.CreateViewAck{ViewID: protocol.InvalidID}
		a.EnqueueKind(wire.KindCreateViewAck, ack.Encode(), nil)
		return
	}
	area := scanout.Rect{X: int(req.Area.X), Y: int(req.Area.Y), W: int(req.Area.W), H: int(req.Area.H)}
	v := c.graph.CreateView(a.CurrentSurface, area, 0, req.Alpha, req.FullScreen, req.TopLevel)
	a.CurrentView = v
	ack := protocol.CreateViewAck{ViewID: v.ID}
	a.EnqueueKind(wire.KindCreateViewAck, ack.Encode(), nil)
}

func (c *Compositor) handleCreateBO(a *agent.Agent, payload []byte, fds []int) {
	req, err := protocol.DecodeCreateBO(payload)
	if err != nil {
		c.disconnect(a)
		return
	}
	if _, ok := c.graph.Surface(req.SurfaceID, a.LinkID); !ok {
		ack := protocol.CreateBOAck{BOID: protocol.InvalidID}
		a.EnqueueKind(wire.KindCreateBOAck, ack.Encode(), nil)
		return
	}

	var buf *shmpool.Buffer
	switch req.Type {
	case protocol.BufTypeSHM:
		plane := shmpool.Plane{Stride: req.Strides[0], Offset: req.Offsets[0], Size: req.Sizes[0], FD: -1}
		buf, err = c.pool.CreateSHM(a.LinkID, req.ShmName, shmpool.PixelFormat(req.PixFmt), req.W, req.H, plane)
	case protocol.BufTypeDMA:
		planes := make([]shmpool.Plane, 0, req.Planes)
		for i := 0; i < int(req.Planes) && i < len(fds); i++ {
			planes = append(planes, shmpool.Plane{
				Stride: req.Strides[i], Offset: req.Offsets[i], Size: req.Sizes[i], FD: fds[i],
			})
		}
		// Buffer bookkeeping always lives in the pool, never in the
		// backend, so create-bo/destroy-bo/commit can look every buffer
		// up the same way regardless of kind; a real backend's
		// ImportDMABuf is reserved for pinning the dma-buf at the GPU
		// level, which the software backend has nothing to do.
		buf, err = c.pool.ImportDMA(a.LinkID, shmpool.PixelFormat(req.PixFmt), req.W, req.H, planes)
	default:
		err = &cubeerr.Resource{Operation: "CreateBO", Details: "unknown buffer type"}
	}
	if err != nil {
		c.log.WithError(err).Warn("create-bo failed")
		ack := protocol.CreateBOAck{BOID: protocol.InvalidID}
		a.EnqueueKind(wire.KindCreateBOAck, ack.Encode(), nil)
		return
	}

	buf.OnFlipped.Add(func(ev shmpool.FlipEvent) {
		a.Enqueue(flippedMsg(ev.BufferID), nil)
		c.flushAgent(a)
	})
	buf.OnComplete.Add(func(id uint64) {
		if a.State != agent.Gone {
			a.Enqueue(completeMsg(id), nil)
			c.flushAgent(a)
		}
		a.ReleaseScanout()
		if a.State == agent.Gone {
			if _, live := c.agents[a.LinkID]; live {
				c.removeAgent(a)
			}
		}
	})

	c.bufSurface[buf.ID] = req.SurfaceID

	ackPayload := protocol.CreateBOAck{BOID: buf.ID}
	a.EnqueueKind(wire.KindCreateBOAck, ackPayload.Encode(), nil)
}

func flippedMsg(boID uint64) *wire.Message {
	m := wire.NewMessage()
	m.Set(wire.KindBOFlipped, protocol.U64Msg{Value: boID}.Encode())
	return m
}

func completeMsg(boID uint64) *wire.Message {
	m := wire.NewMessage()
	m.Set(wire.KindBOComplete, protocol.U64Msg{Value: boID}.Encode())
	return m
}

func (c *Compositor) handleDestroyBO(a *agent.Agent, payload []byte) {
	req, err := protocol.DecodeU64Msg(payload)
	if err != nil {
		c.disconnect(a)
		return
	}
	buf, ok := c.pool.Get(req.Value)
	if !ok || buf.OwnerID != a.LinkID {
		ack := protocol.U64Msg{Value: protocol.InvalidID}
		a.EnqueueKind(wire.KindDestroyBOAck, ack.Encode(), nil)
		return
	}
	buf.OnDestroy.Add(func(id uint64) {
		c.pool.Forget(id)
		delete(c.bufSurface, id)
	})
	buf.RequestDestroy()
	ack := protocol.U64Msg{Value: 0}
	a.EnqueueKind(wire.KindDestroyBOAck, ack.Encode(), nil)
}

func (c *Compositor) handleCommit(a *agent.Agent, payload []byte) {
	req, err := protocol.DecodeCommit(payload)
	if err != nil {
		c.disconnect(a)
		return
	}
	buf, ok := c.pool.Get(req.BOID)
	if !ok || buf.OwnerID != a.LinkID {
		ack := protocol.CommitAck{Result: -1}
		a.EnqueueKind(wire.KindCommitAck, ack.Encode(), nil)
		return
	}

	// A CAP_MC client's commits program the shared cursor plane instead
	// of an ordinary surface/view: view_hot_x/y only has defined meaning
	// for the mouse cursor (spec.md §9 open question 2).
	if a.Caps.Has(agent.CapMC) {
		c.handleCursorCommit(a, buf, req)
		return
	}

	// commit carries a bo id but no surface or view id of its own; the
	// surface comes from the create-bo binding recorded in bufSurface,
	// the view from the agent's most recently created one.
	surfaceID, ok := c.bufSurface[req.BOID]
	if !ok {
		ack := protocol.CommitAck{Result: -1}
		a.EnqueueKind(wire.KindCommitAck, ack.Encode(), nil)
		return
	}
	s, ok := c.graph.Surface(surfaceID, a.LinkID)
	if !ok || a.CurrentView == nil || a.CurrentView.Surface != s {
		ack := protocol.CommitAck{Result: -1}
		a.EnqueueKind(wire.KindCommitAck, ack.Encode(), nil)
		return
	}
	v := a.CurrentView

	result := int64(0)
	if prev, pending := a.PendingCommits[s.ID]; pending && prev != req.BOID {
		if prevBuf, ok := c.pool.Get(prev); ok {
			prevBuf.RequestDestroy()
		}
		result = protocol.CommitReplace
	}
	a.PendingCommits[s.ID] = req.BOID
	sid, bo := s.ID, req.BOID
	buf.OnFlipped.Add(func(shmpool.FlipEvent) {
		if a.PendingCommits[sid] == bo {
			delete(a.PendingCommits, sid)
		}
	})

	// prevBuf is whatever buffer this surface displayed before this
	// commit. Its own first flip (if any) does not release it; only a
	// successor flipping past it does (spec.md §8 invariant 1), so wire
	// the new buffer's flips to supersede it on each output.
	prevBuf := s.Buffer
	s.Buffer = buf
	if prevBuf != nil && prevBuf != buf {
		pb := prevBuf
		buf.OnFlipped.Add(func(ev shmpool.FlipEvent) {
			pb.Superseded(ev.Output)
		})
	}

	v.Area = scanout.Rect{X: int(req.ViewX), Y: int(req.ViewY), W: int(req.ViewW), H: int(req.ViewH)}
	v.HotX, v.HotY = int(req.ViewHotX), int(req.ViewHotY)
	v.Shown = req.Shown != 0

	if req.DeltaZ != 0 {
		c.graph.ApplyDeltaZ(v, surface.DeltaZ(req.DeltaZ))
	}

	visible := surface.RecomputeVisibility(v, c.backend.Outputs())
	if !v.Shown {
		visible = nil
	}
	if len(visible) > 0 {
		a.RetainScanout()
		buf.MarkDirty(visible)
	}
	v.Dirty = true
	c.dirty = true

	ack := protocol.CommitAck{Result: result}
	a.EnqueueKind(wire.KindCommitAck, ack.Encode(), nil)

	if len(visible) == 0 {
		// Spec.md §8 boundary case: a view with nothing to paint, either
		// outside every desktop rectangle or explicitly hidden via
		// shown=0, is immediately complete, since nothing will ever flip
		// it.
		delete(a.PendingCommits, s.ID)
		buf.OnComplete.Emit(buf.ID)
	}
}

// handleCursorCommit implements the CAP_MC-gated mouse-cursor commit
// path: view_x/y becomes the shared cursor's desktop position,
// view_hot_x/y its hot-spot offset, and shown toggles cursor-plane
// visibility. It bypasses the surface/view graph entirely, matching
// internal/cursor's direct cursor-plane programming.
func (c *Compositor) handleCursorCommit(a *agent.Agent, buf *shmpool.Buffer, req protocol.Commit) {
	prevBuf := c.cursor.Current()
	c.cursor.SetBuffer(a.LinkID, buf, int(req.ViewHotX), int(req.ViewHotY))
	c.cursor.Move(int(req.ViewX), int(req.ViewY))
	if req.Shown != 0 {
		c.cursor.Show()
	} else {
		c.cursor.Hide()
	}
	if prevBuf != nil && prevBuf != buf {
		pb := prevBuf
		buf.OnFlipped.Add(func(ev shmpool.FlipEvent) {
			pb.Superseded(ev.Output)
		})
	}

	var visible []int
	if c.cursor.Visible() {
		for _, o := range c.backend.Outputs() {
			if _, ok := c.cursor.PlaneCommit(o, 0); ok {
				visible = append(visible, o.Index)
			}
		}
	}
	if len(visible) > 0 {
		a.RetainScanout()
		buf.MarkDirty(visible)
	}
	c.dirty = true

	ack := protocol.CommitAck{Result: 0}
	a.EnqueueKind(wire.KindCommitAck, ack.Encode(), nil)

	if len(visible) == 0 {
		buf.OnComplete.Emit(buf.ID)
	}
}

func (c *Compositor) handleDestroy(a *agent.Agent, payload []byte) {
	req, err := protocol.DecodeU64Msg(payload)
	if err != nil || req.Value != a.LinkID {
		c.disconnect(a)
		return
	}
	ack := protocol.U64Msg{Value: 0}
	a.EnqueueKind(wire.KindDestroyAck, ack.Encode(), nil)
	c.disconnect(a)
}

func (c *Compositor) handleShell(a *agent.Agent, payload []byte) {
	req, err := protocol.DecodeShell(payload)
	if err != nil {
		c.disconnect(a)
		return
	}
	reply, err := c.RunShell(req)
	if err != nil {
		c.log.WithError(err).Warn("shell command failed")
		return
	}
	a.EnqueueKind(wire.KindShell, reply.Encode(), nil)
}

// RunShell executes cmd against the compositor's layout and debug state
// and broadcasts layout-changed to CAP_NOTIFY_LAYOUT clients when it
// actually changed something, the same path a client-issued `shell`
// wire command drives. cmd/cubed's operator console calls this directly
// on the event-loop thread, so it needs no synchronization of its own
// (spec.md §5: single-threaded cooperative scheduling).
func (c *Compositor) RunShell(req protocol.Shell) (protocol.Shell, error) {
	reply, changed, err := c.shell.Run(req)
	if err != nil {
		return protocol.Shell{}, err
	}
	if changed && req.Cmd == protocol.ShellCanvasLayoutSetting {
		c.broadcastLayoutChanged()
	}
	return reply, nil
}

// Loop exposes the compositor's event loop so cmd/cubed can register
// additional fd sources (the operator console's stdin reader) on the
// same single thread everything else runs on.
func (c *Compositor) Loop() *evloop.Loop { return c.loop }

// SetLayout implements shell.LayoutTarget.
func (c *Compositor) SetLayout(duplicated bool, rects []protocol.Rect) error {
	converted := make([]scanout.Rect, len(rects))
	for i, r := range rects {
		converted[i] = scanout.Rect{X: int(r.X), Y: int(r.Y), W: int(r.W), H: int(r.H)}
	}
	c.deskDuplicated = duplicated
	c.deskRects = converted
	for i, o := range c.backend.Outputs() {
		if i < len(converted) {
			o.DeskRect = converted[i]
		}
	}
	for _, v := range c.graph.ZOrder() {
		surface.RecomputeVisibility(v, c.backend.Outputs())
	}
	c.dirty = true
	return nil
}

// CurrentLayout implements shell.LayoutTarget.
func (c *Compositor) CurrentLayout() (bool, []protocol.Rect) {
	rects := make([]protocol.Rect, len(c.deskRects))
	for i, r := range c.deskRects {
		rects[i] = protocol.Rect{X: int32(r.X), Y: int32(r.Y), W: int32(r.W), H: int32(r.H)}
	}
	return c.deskDuplicated, rects
}

// SetDebugLevels implements shell.DebugTarget.
func (c *Compositor) SetDebugLevels(levels config.DebugLevels) { c.debugLevels = levels }

// DebugLevels implements shell.DebugTarget.
func (c *Compositor) DebugLevels() config.DebugLevels { return c.debugLevels }

func (c *Compositor) broadcastLayoutChanged() {
	for _, a := range c.agents {
		if !a.Caps.Has(agent.CapNotifyLayout) {
			continue
		}
		dup, rects := c.CurrentLayout()
		reply := protocol.Shell{Cmd: protocol.ShellCanvasLayoutSetting, Layout: protocol.CanvasLayout{Duplicated: dup, Rects: rects}}
		a.EnqueueKind(wire.KindShell, reply.Encode(), nil)
		c.flushAgent(a)
	}
}

// onHeadChanged implements spec.md §4.7's dispatch_hotplug_event: fan
// out exactly one hpd notification per transition to every CAP_HPD
// client, and mark views on a disconnected output invisible (not
// torn down) so they reappear on reconnect.
func (c *Compositor) onHeadChanged(ev scanout.HeadChangedEvent) {
	pipe := ev.HeadIndex
	for i, o := range c.backend.Outputs() {
		if i != pipe {
			continue
		}
		o.Enabled = ev.Connected
	}
	if !ev.Connected {
		for _, v := range c.graph.ZOrder() {
			delete(v.VisibleOn, pipe)
		}
	} else {
		for _, v := range c.graph.ZOrder() {
			surface.RecomputeVisibility(v, c.backend.Outputs())
		}
	}

	h := protocol.NewHPD(pipe, ev.Connected, ev.Connected)
	for _, a := range c.agents {
		if !a.Caps.Has(agent.CapHPD) {
			continue
		}
		a.EnqueueKind(wire.KindHPD, h.Encode(), nil)
		c.flushAgent(a)
	}
	c.dirty = true
}

// onRepaintTick is the fixed-rate driver for the repaint scheduler; it
// coalesces every commit since the previous tick into one atomic
// commit per output (spec.md §4.4's repaint scheduler).
func (c *Compositor) onRepaintTick() int32 {
	c.loop.UpdateTimer(c.repaintSrc, repaintInterval)
	if !c.dirty {
		return 0
	}
	c.dirty = false

	start := time.Now()
	if err := c.repaintAllOutputs(); err != nil {
		c.log.WithError(err).Warn("repaint failed")
	}
	if drainer, ok := c.backend.(interface{ DrainFlips() }); ok {
		drainer.DrainFlips()
	}
	c.frameCount++
	c.lastRepaintUsec = uint64(time.Since(start).Microseconds())
	return 0
}

// StatTips returns the read-only frame-timing counters the stat-tips
// shell sub-command reports: total repaints driven, how many commits
// the watchdog in submitCommit had to retry, and the last repaint
// pass's wall-clock duration in microseconds.
func (c *Compositor) StatTips() (frames, droppedCommits, lastRepaintUsec uint64) {
	return c.frameCount, c.droppedCommits, c.lastRepaintUsec
}

func (c *Compositor) repaintAllOutputs() error {
	outputs := c.backend.Outputs()
	var g errgroup.Group
	g.SetLimit(1)
	commits := make([]scanout.Commit, len(outputs))
	for i, o := range outputs {
		i, o := i, o
		g.Go(func() error {
			commits[i] = c.buildCommit(o)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	for _, cm := range commits {
		if err := c.submitCommit(cm); err != nil {
			return err
		}
	}
	return nil
}

// buildCommit walks the z-order for one output, assigning plane
// scanout to eligible views and the mouse cursor to the output's
// cursor plane. Views that are not eligible get Plane==nil and are left
// out of the commit; nothing composites them.
func (c *Compositor) buildCommit(o *scanout.Output) scanout.Commit {
	if !o.Enabled {
		return scanout.Commit{OutputIndex: o.Index}
	}
	cursorPlane := 0
	for _, p := range o.Planes {
		if p.Role == scanout.PlaneRoleCursor {
			cursorPlane = p.Index
		}
	}
	var planes []scanout.PlaneCommit
	zpos := 0
	overlayPlane := 1
	for _, v := range c.graph.ZOrder() {
		if !v.VisibleOn[o.Index] || !v.Shown || v.Surface.Buffer == nil {
			v.Plane = nil
			continue
		}
		if planeScanoutEligible(v) {
			if overlayPlane == cursorPlane {
				overlayPlane++
			}
			idx := overlayPlane
			v.Plane = &idx
			overlayPlane++
			planes = append(planes, scanout.PlaneCommit{
				Buffer: v.Surface.Buffer,
				Plane:  idx,
				Src:    scanout.Rect{X: 0, Y: 0, W: v.Area.W, H: v.Area.H},
				Dst:    v.Area,
				ZPos:   zpos,
			})
		} else {
			v.Plane = nil
		}
		zpos++
	}
	if pc, ok := c.cursor.PlaneCommit(o, cursorPlane); ok {
		planes = append(planes, pc)
	}
	return scanout.Commit{OutputIndex: o.Index, Planes: planes}
}

// planeScanoutEligible checks the surface's opacity only. It does not
// test whether a sibling view clips the view or whether the buffer's
// pixel format suits the plane.
func planeScanoutEligible(v *surface.View) bool {
	return v.Surface.IsOpaque
}

func (c *Compositor) submitCommit(cm scanout.Commit) error {
	deadline, retrying := c.commitDeadlines[cm.OutputIndex]
	err := c.backend.DoScanout(cm)
	if err == nil {
		delete(c.commitDeadlines, cm.OutputIndex)
		return nil
	}
	if err != cubeerr.ErrTryAgain {
		delete(c.commitDeadlines, cm.OutputIndex)
		return &cubeerr.Backend{Operation: "submitCommit", Details: fmt.Sprintf("output %d", cm.OutputIndex), Err: err}
	}
	now := time.Now()
	c.droppedCommits++
	if !retrying {
		c.commitDeadlines[cm.OutputIndex] = now.Add(commitWatchdog)
		c.dirty = true
		return nil
	}
	if now.After(deadline) {
		delete(c.commitDeadlines, cm.OutputIndex)
		return &cubeerr.Backend{Operation: "submitCommit", Details: fmt.Sprintf("output %d watchdog expired", cm.OutputIndex)}
	}
	c.dirty = true
	return nil
}
