package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
	"golang.org/x/term"

	"github.com/duanruinan/cube/internal/compositor"
	"github.com/duanruinan/cube/internal/evloop"
	"github.com/duanruinan/cube/internal/protocol"
)

// Console is the operator's local shell passthrough: a raw-mode stdin
// reader registered directly with the compositor's event loop, mirroring
// the teacher's TerminalHost (terminal_host.go) use of golang.org/x/term
// for raw terminal I/O. Unlike TerminalHost it never spawns a reader
// goroutine — stdin is just another evloop.Loop fd source, so parsed
// commands run inline on the same single cooperative thread as every
// other compositor callback (spec.md §5), with no hand-off required.
type Console struct {
	comp     *compositor.Compositor
	log      *logrus.Entry
	fd       int
	oldState *term.State
	src      *evloop.Source
	line     []byte
}

// NewConsole puts stdin into raw mode and registers it with comp's event
// loop. Call Close to restore the terminal.
func NewConsole(comp *compositor.Compositor, log *logrus.Entry) (*Console, error) {
	fd := int(os.Stdin.Fd())
	old, err := term.MakeRaw(fd)
	if err != nil {
		return nil, fmt.Errorf("console: make raw: %w", err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		term.Restore(fd, old)
		return nil, fmt.Errorf("console: set nonblock: %w", err)
	}
	c := &Console{comp: comp, log: log, fd: fd, oldState: old}
	src, err := comp.Loop().AddFD(fd, evloop.Readable, c.onReadable)
	if err != nil {
		term.Restore(fd, old)
		return nil, fmt.Errorf("console: register stdin: %w", err)
	}
	c.src = src
	fmt.Fprint(os.Stdout, "cube> ")
	return c, nil
}

// Close restores the terminal to its prior state.
func (c *Console) Close() error {
	if c.src != nil {
		c.comp.Loop().Remove(c.src)
	}
	return term.Restore(c.fd, c.oldState)
}

func (c *Console) onReadable(fd int, mask evloop.EventMask) int32 {
	buf := make([]byte, 256)
	n, err := unix.Read(fd, buf)
	if err == unix.EAGAIN || n <= 0 {
		return 0
	}
	if err != nil {
		return 0
	}
	for _, b := range buf[:n] {
		switch b {
		case '\r', '\n':
			fmt.Fprint(os.Stdout, "\r\n")
			c.dispatch(strings.TrimSpace(string(c.line)))
			c.line = c.line[:0]
			fmt.Fprint(os.Stdout, "cube> ")
		case 0x7f, 0x08: // DEL / backspace
			if len(c.line) > 0 {
				c.line = c.line[:len(c.line)-1]
				fmt.Fprint(os.Stdout, "\b \b")
			}
		default:
			c.line = append(c.line, b)
			os.Stdout.Write([]byte{b})
		}
	}
	return 0
}

// dispatch parses one console line into a shell command and runs it
// through the same RunShell path a client's `shell` wire command takes.
// Grammar, deliberately tiny since a real CLI is out of scope (spec.md
// §1): "debug <component 0-7> <level>", "layout x,y,w,h ...",
// "layout-query", or "stats".
func (c *Console) dispatch(line string) {
	if line == "" {
		return
	}
	fields := strings.Fields(line)
	switch fields[0] {
	case "debug":
		c.dispatchDebug(fields[1:])
	case "layout":
		c.dispatchLayout(fields[1:])
	case "layout-query":
		_, rects := c.comp.CurrentLayout()
		fmt.Fprintf(os.Stdout, "%d rects: %v\r\n", len(rects), rects)
	case "stats":
		frames, dropped, lastUsec := c.comp.StatTips()
		fmt.Fprintf(os.Stdout, "frames=%d dropped_commits=%d last_repaint_us=%d\r\n", frames, dropped, lastUsec)
	default:
		fmt.Fprintf(os.Stdout, "unknown command %q\r\n", fields[0])
	}
}

func (c *Console) dispatchDebug(args []string) {
	if len(args) != 2 {
		fmt.Fprint(os.Stdout, "usage: debug <component 0-7> <level 0-255>\r\n")
		return
	}
	idx, err1 := strconv.Atoi(args[0])
	level, err2 := strconv.Atoi(args[1])
	if err1 != nil || err2 != nil || idx < 0 || idx > 7 || level < 0 || level > 255 {
		fmt.Fprint(os.Stdout, "invalid debug command\r\n")
		return
	}
	levels := c.comp.DebugLevels()
	levels[idx] = uint8(level)
	var flags [8]byte
	copy(flags[:], levels[:])
	if _, err := c.comp.RunShell(protocol.Shell{Cmd: protocol.ShellDebugSetting, DebugFlags: flags}); err != nil {
		c.log.WithError(err).Warn("console debug command failed")
	}
}

func (c *Console) dispatchLayout(args []string) {
	rects := make([]protocol.Rect, 0, len(args))
	for _, a := range args {
		parts := strings.Split(a, ",")
		if len(parts) != 4 {
			fmt.Fprintf(os.Stdout, "invalid rect %q, want x,y,w,h\r\n", a)
			return
		}
		var vals [4]int
		ok := true
		for i, p := range parts {
			v, err := strconv.Atoi(p)
			if err != nil {
				ok = false
				break
			}
			vals[i] = v
		}
		if !ok {
			fmt.Fprintf(os.Stdout, "invalid rect %q\r\n", a)
			return
		}
		rects = append(rects, protocol.Rect{X: int32(vals[0]), Y: int32(vals[1]), W: int32(vals[2]), H: int32(vals[3])})
	}
	dup, _ := c.comp.CurrentLayout()
	_, err := c.comp.RunShell(protocol.Shell{
		Cmd:    protocol.ShellCanvasLayoutSetting,
		Layout: protocol.CanvasLayout{Duplicated: dup, Rects: rects},
	})
	if err != nil {
		fmt.Fprintf(os.Stdout, "layout rejected: %v\r\n", err)
	}
}
