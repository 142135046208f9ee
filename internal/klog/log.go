// Package klog provides per-subsystem loggers in the style of go-fuse's
// fuse.DebugLogger: a shared *log.Logger with a toggleable debug level per
// caller, rather than a structured-logging framework.
package klog

import (
	"log"
	"os"
	"sync"
)

// Subsystem is a named logger for one kernel component (mm, proc, vfs, net, ...).
type Subsystem struct {
	name  string
	debug bool
	mu    sync.Mutex
	out   *log.Logger
}

var (
	mu         sync.Mutex
	subsystems = map[string]*Subsystem{}
)

// Get returns the shared logger for name, creating it on first use.
func Get(name string) *Subsystem {
	mu.Lock()
	defer mu.Unlock()
	if s, ok := subsystems[name]; ok {
		return s
	}
	s := &Subsystem{
		name: name,
		out:  log.New(os.Stderr, "["+name+"] ", log.LstdFlags|log.Lmicroseconds),
	}
	subsystems[name] = s
	return s
}

// SetDebug toggles verbose logging for this subsystem.
func (s *Subsystem) SetDebug(v bool) {
	s.mu.Lock()
	s.debug = v
	s.mu.Unlock()
}

func (s *Subsystem) Printf(format string, args ...interface{}) {
	s.out.Printf(format, args...)
}

// Debugf only logs when this subsystem's debug flag is set, mirroring
// go-fuse's pattern of gating verbose FUSE tracing behind a Debug switch.
func (s *Subsystem) Debugf(format string, args ...interface{}) {
	s.mu.Lock()
	on := s.debug
	s.mu.Unlock()
	if on {
		s.out.Printf(format, args...)
	}
}
