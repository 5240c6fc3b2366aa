// Command cubed is the Cube compositor server's process entry point. It
// owns none of the compositor kernel's logic; it parses the low-ceremony
// flags spec.md §6 lists as configuration, wires a scanout backend and
// a logger, and drives the compositor's event loop until a signal asks
// it to stop. CLI parsing depth, a supervisor/restart loop, and log
// shipping are all out of scope per spec.md §1 and are not built here.
package main

import (
	"flag"
	"fmt"
	"os"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/duanruinan/cube/internal/compositor"
	"github.com/duanruinan/cube/internal/config"
	"github.com/duanruinan/cube/internal/cubelog"
	"github.com/duanruinan/cube/internal/scanout"
	"github.com/duanruinan/cube/internal/scanout/swscan"
)

func boilerPlate() {
	fmt.Println("cube - a multi-client display compositor server")
	fmt.Println("Kernel scanout multiplexer for untrusted client processes")
}

func main() {
	boilerPlate()

	seat := flag.Int("seat", 0, "seat index this server instance owns")
	device := flag.String("scanout-device", "", "path to the abstract scanout device (ignored by the software backend)")
	touchPipe := flag.Int("touch-pipe", -1, "output index the touch-screen input device is bound to, -1 for none")
	mouseAccel := flag.Float64("mouse-accel", 1.0, "pointer acceleration multiplier")
	logPath := flag.String("log", "", "rotated log file path; empty disables file logging")
	pipelineCount := flag.Int("pipelines", 1, "number of head/output pipelines to configure")
	console := flag.Bool("console", false, "attach an interactive operator console on stdin")
	flag.Parse()

	cfg := &config.Config{
		Seat:          *seat,
		ScanoutDevice: *device,
		TouchPipe:     *touchPipe,
		MouseAccel:    *mouseAccel,
		LogPath:       *logPath,
	}
	if cfg.LogPath == "" {
		cfg.LogPath = fmt.Sprintf("/tmp/cube_log_%d.txt", cfg.Seat)
	}

	log := cubelog.New(cfg.LogPath)
	entry := cubelog.Component(log, "cubed")

	backend := swscan.New(buildPipelines(*pipelineCount))

	comp, err := compositor.New(cfg, backend, log)
	if err != nil {
		entry.WithError(err).Fatal("failed to construct compositor")
	}
	comp.OnReady.Add(func(struct{}) {
		entry.WithField("socket", cfg.SocketPath()).Info("compositor ready")
	})

	if err := comp.Listen(); err != nil {
		entry.WithError(err).Fatal("failed to bind protocol socket")
	}
	defer comp.Close()

	installSignalHandlers(comp, entry)

	var con *Console
	if *console {
		con, err = NewConsole(comp, entry)
		if err != nil {
			entry.WithError(err).Warn("console unavailable, continuing headless")
		} else {
			defer con.Close()
		}
	}

	if err := comp.Run(); err != nil {
		entry.WithError(err).Fatal("event loop exited with error")
		os.Exit(1)
	}
}

// buildPipelines constructs the static {head, output, primary plane,
// cursor plane} mapping spec.md §3 calls a Pipeline, one per configured
// head/output pair, each output getting its own primary (index 0) and
// cursor (index 1) plane.
func buildPipelines(n int) []scanout.Pipeline {
	if n < 1 {
		n = 1
	}
	pipelines := make([]scanout.Pipeline, n)
	for i := range pipelines {
		pipelines[i] = scanout.Pipeline{
			HeadIndex:         i,
			OutputIndex:       i,
			PrimaryPlaneIndex: 0,
			CursorPlaneIndex:  1,
		}
	}
	return pipelines
}

// installSignalHandlers registers SIGINT/SIGTERM with the compositor's
// own event loop (spec.md §4.1's signal source) rather than spawning a
// separate signal-handling goroutine, keeping teardown on the single
// cooperative thread everything else runs on.
func installSignalHandlers(comp *compositor.Compositor, log *logrus.Entry) {
	loop := comp.Loop()
	stop := func(signum int) int32 {
		log.WithField("signal", signum).Info("signal received, shutting down")
		comp.Close()
		return 0
	}
	loop.AddSignal(int(syscall.SIGINT), stop)
	loop.AddSignal(int(syscall.SIGTERM), stop)
}
