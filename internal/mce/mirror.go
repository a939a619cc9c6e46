package mce

import (
	"mcemirror/internal/bus"
	"mcemirror/internal/notify"
	"mcemirror/internal/shared"

	"go.uber.org/zap"
)

// EventValidChanged fires when a mirror's cached value becomes trustworthy or stops being so
const EventValidChanged notify.Event = "valid-changed"

// mirror is the pull/push synchronization shared by Display and Tklock.
//
// On every "became available" edge it issues a pull query; the push signal is
// subscribed once, the first time the service is seen, and survives later
// availability flaps. Losing the service invalidates the cache at once but
// does not cancel an outstanding query.
type mirror struct {
	logger  *zap.Logger
	monitor *shared.Handle[*Monitor]
	method  string
	signal  string
	strict  bool

	// apply decodes raw into the owner's cached value and emits its value
	// notifications. It returns false for a token it does not know.
	apply func(raw string) bool

	// validChanged emits the owner's valid-changed notification
	validChanged func()

	// hold takes a reference to the owner for the duration of a query and
	// returns the function that drops it
	hold func() func()

	valid     bool
	monitorID notify.HandlerID
	signalID  bus.SignalID
	pending   bool
	requery   bool
}

// start hooks the mirror to the monitor and syncs right away if the service
// is already there
func (m *mirror) start() {
	mon := m.monitor.Get()
	m.monitorID = mon.AddAvailableChangedHandler(m.availableChanged)
	if mon.Available() {
		m.subscribe()
		m.query()
	}
}

func (m *mirror) availableChanged(mon *Monitor) {
	if mon.Available() {
		m.subscribe()
		m.query()
		return
	}

	if m.valid {
		m.valid = false
		m.validChanged()
	}
}

func (m *mirror) subscribe() {
	if m.signalID != 0 {
		return
	}

	obj := m.monitor.Get().Signal()
	if obj == nil {
		return
	}

	id, err := obj.Connect(m.signal, m.pushed)
	if err != nil {
		// Retried on the next availability edge
		m.logger.Warn("Failed to subscribe to signal",
			zap.String("signal", m.signal),
			zap.Error(err))
		return
	}
	m.signalID = id
}

func (m *mirror) query() {
	mon := m.monitor.Get()
	obj := mon.Request()
	if obj == nil || !mon.Available() {
		return
	}

	if m.pending {
		m.requery = true
		return
	}

	m.pending = true
	release := m.hold()
	obj.CallAsync(m.method, func(body []interface{}, err error) {
		defer release()
		m.queried(body, err)
	})
}

func (m *mirror) queried(body []interface{}, err error) {
	m.pending = false

	if err != nil {
		// Not retried: the next broadcast brings the mirror back in sync
		m.logger.Warn("Failed to query state",
			zap.String("method", m.method),
			zap.Error(err))
	} else if raw, err := bus.StringArg(body); err != nil {
		m.logger.Warn("Unexpected query reply",
			zap.String("method", m.method),
			zap.Error(err))
	} else {
		m.logger.Debug("State is currently", zap.String("value", raw))
		m.update(raw, true)
	}

	if m.requery {
		m.requery = false
		m.query()
	}
}

func (m *mirror) pushed(body []interface{}) {
	raw, err := bus.StringArg(body)
	if err != nil {
		m.logger.Warn("Unexpected signal arguments",
			zap.String("signal", m.signal),
			zap.Error(err))
		return
	}

	m.logger.Debug("State is", zap.String("value", raw))
	m.update(raw, false)
}

// update applies raw and promotes validity. A pull reply promotes validity
// even if the service has vanished since the query went out, unless the
// session asked for strict validity.
func (m *mirror) update(raw string, fromQuery bool) {
	if !m.apply(raw) {
		return
	}

	gate := m.monitor.Get().Available()
	if fromQuery && !m.strict {
		gate = true
	}

	if gate && !m.valid {
		m.valid = true
		m.validChanged()
	}
}

func (m *mirror) finalize() {
	mon := m.monitor.Get()
	if m.signalID != 0 {
		if obj := mon.Signal(); obj != nil {
			obj.Disconnect(m.signalID)
		}
		m.signalID = 0
	}
	mon.RemoveHandler(m.monitorID)
	m.monitorID = 0
	m.monitor.Release()
}
