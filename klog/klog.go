// Package klog defines the log-sink capability every kernel-core
// component is constructed with. spec.md §6 describes the consumed log
// sink as "a byte-level sink used for diagnostic output; no structural
// contract beyond 'bytes appear somewhere a human can read them'" — Sink
// is that capability, narrowed per spec.md §9's guidance to inject a
// small interface rather than reach for a global logger.
package klog

import (
	"io"

	"github.com/sirupsen/logrus"
)

// Sink is the narrow logging capability every subsystem takes at
// construction time.
type Sink interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	// Errorf records a recoverable error (rollback, double free,
	// queue-full, etc.) that was handled locally.
	Errorf(format string, args ...interface{})
	// Fatalf records an invariant violation that escalates to
	// defs.EFATAL and kills the offending thread. It must not panic or
	// exit the process — the caller decides how to terminate the thread.
	Fatalf(format string, args ...interface{})
}

// Logrus wraps a *logrus.Logger as a Sink.
type Logrus struct {
	L *logrus.Logger
}

// NewLogrus builds a Logrus sink writing to w at the given level.
func NewLogrus(w io.Writer, level logrus.Level) *Logrus {
	l := logrus.New()
	l.SetOutput(w)
	l.SetLevel(level)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return &Logrus{L: l}
}

func (s *Logrus) Debugf(format string, args ...interface{}) { s.L.Debugf(format, args...) }
func (s *Logrus) Infof(format string, args ...interface{})  { s.L.Infof(format, args...) }
func (s *Logrus) Warnf(format string, args ...interface{})  { s.L.Warnf(format, args...) }
func (s *Logrus) Errorf(format string, args ...interface{}) { s.L.Errorf(format, args...) }
func (s *Logrus) Fatalf(format string, args ...interface{}) { s.L.Errorf("FATAL: "+format, args...) }

// discard is the noop Sink used by tests and absent-subsystem defaults,
// per spec.md §9: "absence is represented by a noop implementation, not
// by a null check at every use site."
type discard struct{}

func (discard) Debugf(string, ...interface{}) {}
func (discard) Infof(string, ...interface{})  {}
func (discard) Warnf(string, ...interface{})  {}
func (discard) Errorf(string, ...interface{}) {}
func (discard) Fatalf(string, ...interface{}) {}

// Discard is the shared noop Sink instance.
var Discard Sink = discard{}
