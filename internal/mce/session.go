// Package mce mirrors the display and touchscreen/keypad lock state published
// by mce over the system bus.
//
// A Session hands out shared, reference-counted instances: one Monitor that
// tracks whether the service is on the bus, and one mirror per state kind
// (Display, Tklock) built on top of it. Each mirror pulls the current value
// when the service appears, follows the service's broadcasts afterwards and
// emits change notifications only on real transitions.
//
// Everything in this package runs on a single goroutine, normally the one
// driving an eventloop.Loop. Nothing here is safe for concurrent use.
package mce

import (
	"mcemirror/internal/bus"
	"mcemirror/internal/shared"

	"go.uber.org/zap"
)

// Registry kinds of the shared instances
const (
	KindMonitor = "monitor"
	KindDisplay = "display"
	KindTklock  = "tklock"
)

// Option configures a Session
type Option func(*Session)

// WithNames overrides the bus names of the service
func WithNames(names Names) Option {
	return func(s *Session) {
		s.names = names
	}
}

// WithStrictValidity stops a pull query answered after the service has gone
// away from marking a mirror valid again. By default such a late answer is
// applied in full.
func WithStrictValidity() Option {
	return func(s *Session) {
		s.strict = true
	}
}

// WithRegistry makes the session share instances through r
func WithRegistry(r *shared.Registry) Option {
	return func(s *Session) {
		s.registry = r
	}
}

// Session creates and shares the monitor and the mirrors
type Session struct {
	dialer   bus.Dialer
	logger   *zap.Logger
	registry *shared.Registry
	names    Names
	strict   bool
}

// NewSession creates a session that connects through dialer on first use
func NewSession(dialer bus.Dialer, logger *zap.Logger, opts ...Option) *Session {
	s := &Session{
		dialer: dialer,
		logger: logger,
		names:  DefaultNames(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.registry == nil {
		s.registry = shared.NewRegistry()
	}
	return s
}

// Registry returns the registry the session's instances live in
func (s *Session) Registry() *shared.Registry {
	return s.registry
}

// Names returns the bus names the session uses
func (s *Session) Names() Names {
	return s.names
}

// AcquireMonitor returns a reference to the shared Monitor
func (s *Session) AcquireMonitor() *shared.Handle[*Monitor] {
	return shared.Acquire(s.registry, KindMonitor, func(shared.Self[*Monitor]) (*Monitor, shared.Finalizer) {
		m := newMonitor(s.names, s.dialer, s.logger.Named("monitor"))
		return m, m.finalize
	})
}

// AcquireDisplay returns a reference to the shared Display mirror
func (s *Session) AcquireDisplay() *shared.Handle[*Display] {
	return shared.Acquire(s.registry, KindDisplay, func(self shared.Self[*Display]) (*Display, shared.Finalizer) {
		d := newDisplay(s, self)
		return d, d.mirror.finalize
	})
}

// AcquireTklock returns a reference to the shared Tklock mirror
func (s *Session) AcquireTklock() *shared.Handle[*Tklock] {
	return shared.Acquire(s.registry, KindTklock, func(self shared.Self[*Tklock]) (*Tklock, shared.Finalizer) {
		t := newTklock(s, self)
		return t, t.mirror.finalize
	})
}
