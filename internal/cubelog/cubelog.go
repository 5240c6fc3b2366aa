// Package cubelog wires structured logging for the compositor core. The
// teacher logs with bare fmt.Printf; Cube upgrades that to leveled,
// field-tagged logging via logrus (already present in the retrieval pack's
// samsamfire-gocanopen and runZeroInc-sockstats modules) while keeping the
// original_source log server's 1 MiB rotation-with-one-backup behavior
// (utils/cube_log.c), since the core still owns the on-disk log file even
// though the shipping server itself is out of scope.
package cubelog

import (
	"io"
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

const rotateAt = 1 << 20 // 1 MiB, matches cube_log.c

// rotatingFile is an io.Writer that renames the current log to a ".1"
// backup and starts a fresh file once it crosses rotateAt bytes.
type rotatingFile struct {
	mu      sync.Mutex
	path    string
	f       *os.File
	written int64
}

func newRotatingFile(path string) (*rotatingFile, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	return &rotatingFile{path: path, f: f, written: info.Size()}, nil
}

func (r *rotatingFile) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.written+int64(len(p)) > rotateAt {
		r.rotateLocked()
	}
	n, err := r.f.Write(p)
	r.written += int64(n)
	return n, err
}

func (r *rotatingFile) rotateLocked() {
	r.f.Close()
	os.Rename(r.path, r.path+".1")
	f, err := os.OpenFile(r.path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		// Fall back to the old handle's path re-opened for append; if that
		// also fails, subsequent writes surface the error to the caller.
		f, _ = os.OpenFile(r.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	}
	r.f = f
	r.written = 0
}

// New builds a logrus logger that writes both to stderr and to the rotated
// log file at path. A zero path disables file logging (tests, headless
// tooling).
func New(path string) *logrus.Logger {
	l := logrus.New()
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if path == "" {
		return l
	}
	rf, err := newRotatingFile(path)
	if err != nil {
		l.WithError(err).Warn("cubelog: could not open log file, logging to stderr only")
		return l
	}
	l.SetOutput(io.MultiWriter(os.Stderr, rf))
	return l
}

// Component returns a logger scoped to one of the compositor's named
// components, the same granularity as the per-component debug levels in
// config.DebugLevels.
func Component(base *logrus.Logger, name string) *logrus.Entry {
	return base.WithField("component", name)
}
