package mce

import (
	"mcemirror/internal/bus"
	"mcemirror/internal/notify"

	"go.uber.org/zap"
)

// EventAvailableChanged fires when the service appears on or vanishes from the bus
const EventAvailableChanged notify.Event = "available-changed"

// Monitor tracks whether the service owns its well-known name on the bus. It
// also owns the request and signal objects the mirrors talk through; those
// exist whether or not the service is currently there.
type Monitor struct {
	logger    *zap.Logger
	service   string
	conn      bus.Conn
	request   bus.Object
	signal    bus.Object
	watch     bus.Watch
	available bool
	owner     string
	handlers  notify.Emitter[*Monitor]
}

// MonitorSnapshot is a point-in-time copy of a Monitor's state
type MonitorSnapshot struct {
	Available bool   `json:"available"`
	Owner     string `json:"owner,omitempty"`
}

func newMonitor(names Names, dialer bus.Dialer, logger *zap.Logger) *Monitor {
	m := &Monitor{
		logger:  logger,
		service: names.Service,
	}

	conn, err := dialer()
	if err != nil {
		// Without a bus the service can never appear; mirrors stay invalid
		logger.Warn("Bus unavailable, service will never become available",
			zap.String("service", names.Service),
			zap.Error(err))
		return m
	}

	m.conn = conn
	m.request = conn.Object(names.Service, names.RequestPath, names.RequestInterface)
	m.signal = conn.Object(names.Service, names.SignalPath, names.SignalInterface)

	watch, err := conn.WatchName(names.Service, m.nameAppeared, m.nameVanished)
	if err != nil {
		logger.Warn("Failed to watch service name",
			zap.String("service", names.Service),
			zap.Error(err))
		return m
	}
	m.watch = watch
	return m
}

func (m *Monitor) nameAppeared(owner string) {
	m.logger.Debug("Name is owned",
		zap.String("service", m.service),
		zap.String("owner", owner))

	if m.available {
		m.logger.Warn("Service appeared while already available",
			zap.String("service", m.service),
			zap.String("previous_owner", m.owner),
			zap.String("owner", owner))
		m.owner = owner
		return
	}

	m.available = true
	m.owner = owner
	m.logger.Info("Service available", zap.String("service", m.service))
	m.handlers.Emit(EventAvailableChanged, m)
}

func (m *Monitor) nameVanished() {
	m.logger.Debug("Name has disappeared", zap.String("service", m.service))

	if !m.available {
		return
	}

	m.available = false
	m.owner = ""
	m.logger.Info("Service unavailable", zap.String("service", m.service))
	m.handlers.Emit(EventAvailableChanged, m)
}

func (m *Monitor) finalize() {
	if m.watch != nil {
		m.watch.Cancel()
		m.watch = nil
	}
	m.request = nil
	m.signal = nil
	if m.conn != nil {
		if err := m.conn.Close(); err != nil {
			m.logger.Warn("Failed to close bus connection", zap.Error(err))
		}
		m.conn = nil
	}
}

// Available reports whether the service currently owns its name
func (m *Monitor) Available() bool {
	return m.available
}

// Owner returns the unique bus name of the current owner, empty when unavailable
func (m *Monitor) Owner() string {
	return m.owner
}

// Request returns the object method calls go to, nil without a bus
func (m *Monitor) Request() bus.Object {
	return m.request
}

// Signal returns the object broadcasts come from, nil without a bus
func (m *Monitor) Signal() bus.Object {
	return m.signal
}

// Snapshot returns a copy of the current state
func (m *Monitor) Snapshot() MonitorSnapshot {
	return MonitorSnapshot{
		Available: m.available,
		Owner:     m.owner,
	}
}

// AddAvailableChangedHandler registers fn to run after availability flips
func (m *Monitor) AddAvailableChangedHandler(fn func(*Monitor)) notify.HandlerID {
	return m.handlers.Add(EventAvailableChanged, fn)
}

// RemoveHandler unregisters a handler. Zero and unknown ids are ignored.
func (m *Monitor) RemoveHandler(id notify.HandlerID) {
	m.handlers.Remove(id)
}

// RemoveHandlers unregisters every handler in ids and zeroes the slice
func (m *Monitor) RemoveHandlers(ids []notify.HandlerID) {
	m.handlers.RemoveAll(ids)
}
