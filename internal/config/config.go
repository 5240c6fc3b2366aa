// Package config holds the hardware-independent configuration handed to
// every compositor component at construction time, the same way the
// teacher engine threads a single DisplayConfig through its video chain.
package config

import "strconv"

// DebugLevels indexes the eight per-component debug verbosity bytes from
// the wire contract in spec.md §6.
type DebugLevels [8]uint8

const (
	DebugEventLoop = iota
	DebugIPC
	DebugProtocol
	DebugBuffer
	DebugScanout
	DebugSurface
	DebugAgent
	DebugCompositor
)

// Config is the process-wide configuration struct. It is constructed once
// in cmd/cubed and passed by reference to every component; nothing in the
// compositor core reads environment variables or flags directly.
type Config struct {
	// Seat is the seat index this server instance owns; it selects the
	// socket name /tmp/cube_server-<seat>.
	Seat int

	// ScanoutDevice is the path to the abstract scanout device (e.g.
	// /dev/dri/card0 on a real backend; ignored by the headless/software
	// backend).
	ScanoutDevice string

	// TouchPipe is the output index that the touch-screen input device is
	// bound to, or -1 if there is no touch device.
	TouchPipe int

	// MouseAccel is the pointer acceleration multiplier; default 1.0.
	MouseAccel float64

	// Debug holds the eight per-component verbosity levels.
	Debug DebugLevels

	// LogPath is the rotated log file the core writes to, mirroring the
	// external log-shipping contract in spec.md §6.
	LogPath string
}

// Default returns the zero-value-safe configuration used when no explicit
// configuration is supplied (tests, headless tooling).
func Default() *Config {
	return &Config{
		Seat:       0,
		TouchPipe:  -1,
		MouseAccel: 1.0,
		LogPath:    "/tmp/cube_log_0.txt",
	}
}

// SocketPath returns the stream-socket name this configuration binds to.
func (c *Config) SocketPath() string {
	return socketPathFor(c.Seat)
}

func socketPathFor(seat int) string {
	if seat < 0 {
		seat = 0
	}
	return "/tmp/cube_server-" + strconv.Itoa(seat)
}
