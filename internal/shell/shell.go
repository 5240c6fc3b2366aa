// Package shell executes the protocol's shell command (spec.md §4.7):
// debug-flag changes and atomic desktop-layout replacement, with
// replies broadcast to subscribed clients only on an actual state
// change. It also evaluates small Lua predicates that gate a debug
// setting on startup conditions, generalizing the conditional
// breakpoint-gating idea in debug_interface.go's ConditionOp/
// BreakpointCondition (itself a CPU-debugger concept) into a
// general-purpose scripted condition usable for any shell-driven
// setting, using gopher-lua the way the rest of the pack's tooling
// scripts use an embedded interpreter for small condition expressions.
package shell

import (
	"fmt"

	lua "github.com/yuin/gopher-lua"

	"github.com/duanruinan/cube/internal/config"
	"github.com/duanruinan/cube/internal/protocol"
)

// LayoutTarget is implemented by the compositor core: the single owner
// of the desktop-rectangle table (spec.md §3's "Ownership" rule).
type LayoutTarget interface {
	SetLayout(duplicated bool, rects []protocol.Rect) error
	CurrentLayout() (duplicated bool, rects []protocol.Rect)
}

// DebugTarget receives an updated set of per-component debug levels.
type DebugTarget interface {
	SetDebugLevels(levels config.DebugLevels)
	DebugLevels() config.DebugLevels
}

// StatsTarget reports the compositor's read-only frame-timing
// counters, the supplemented STAT_TIPS sub-command from
// cube_manager.c: total repaints driven, watchdog-retried commits,
// and the last repaint pass's duration.
type StatsTarget interface {
	StatTips() (frames, droppedCommits, lastRepaintUsec uint64)
}

// Executor runs shell commands against a compositor's layout and debug
// targets, and evaluates Lua condition scripts.
type Executor struct {
	Layout LayoutTarget
	Debug  DebugTarget
	Stats  StatsTarget
}

// NewExecutor builds an executor bound to the given targets.
func NewExecutor(layout LayoutTarget, debug DebugTarget, stats StatsTarget) *Executor {
	return &Executor{Layout: layout, Debug: debug, Stats: stats}
}

// Run executes cmd and returns the reply payload to send back to the
// issuing client, plus whether state actually changed (the signal for
// whether subscribed clients should also receive a broadcast per
// spec.md §4.5's "shell replies are broadcast ... only on state
// changes").
func (e *Executor) Run(cmd protocol.Shell) (reply protocol.Shell, changed bool, err error) {
	switch cmd.Cmd {
	case protocol.ShellDebugSetting:
		before := e.Debug.DebugLevels()
		var levels config.DebugLevels
		copy(levels[:], cmd.DebugFlags[:])
		e.Debug.SetDebugLevels(levels)
		return protocol.Shell{Cmd: cmd.Cmd, DebugFlags: cmd.DebugFlags}, before != levels, nil

	case protocol.ShellCanvasLayoutSetting:
		if err := validateLayout(cmd.Layout.Rects); err != nil {
			return protocol.Shell{}, false, err
		}
		beforeDup, beforeRects := e.Layout.CurrentLayout()
		if err := e.Layout.SetLayout(cmd.Layout.Duplicated, cmd.Layout.Rects); err != nil {
			return protocol.Shell{}, false, err
		}
		afterDup, afterRects := e.Layout.CurrentLayout()
		changed = beforeDup != afterDup || !sameRects(beforeRects, afterRects)
		return protocol.Shell{Cmd: cmd.Cmd, Layout: cmd.Layout}, changed, nil

	case protocol.ShellCanvasLayoutQuery:
		dup, rects := e.Layout.CurrentLayout()
		return protocol.Shell{
			Cmd: protocol.ShellCanvasLayoutSetting,
			Layout: protocol.CanvasLayout{
				Duplicated: dup,
				Rects:      rects,
			},
		}, false, nil

	case protocol.ShellStatTips:
		frames, dropped, lastUsec := e.Stats.StatTips()
		return protocol.Shell{
			Cmd: cmd.Cmd,
			StatTips: protocol.StatTips{
				Frames:          frames,
				DroppedCommits:  dropped,
				LastRepaintUsec: lastUsec,
			},
		}, false, nil

	default:
		return protocol.Shell{}, false, fmt.Errorf("shell: unknown command %d", cmd.Cmd)
	}
}

func sameRects(a, b []protocol.Rect) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// validateLayout enforces spec.md §4.7: all rectangles lie in
// non-negative coordinates, none has zero area.
func validateLayout(rects []protocol.Rect) error {
	for i, r := range rects {
		if r.X < 0 || r.Y < 0 {
			return fmt.Errorf("shell: layout rect %d has negative origin", i)
		}
		if r.W <= 0 || r.H <= 0 {
			return fmt.Errorf("shell: layout rect %d has zero area", i)
		}
	}
	return nil
}

// EvalCondition runs a small Lua boolean expression against a set of
// named numeric variables, e.g. deciding whether a component's debug
// level should start elevated based on the seat index. The script's
// last expression statement is its result via a convention where it
// assigns the global "result".
func EvalCondition(script string, vars map[string]float64) (bool, error) {
	L := lua.NewState()
	defer L.Close()

	for name, v := range vars {
		L.SetGlobal(name, lua.LNumber(v))
	}
	if err := L.DoString(script); err != nil {
		return false, fmt.Errorf("shell: lua condition: %w", err)
	}
	result := L.GetGlobal("result")
	return lua.LVAsBool(result), nil
}
