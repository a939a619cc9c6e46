package mce

import (
	"testing"

	"mcemirror/internal/bus"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testOwner = ":1.42"

// newTestSession returns a session wired to a fresh mock bus
func newTestSession(t *testing.T, opts ...Option) (*Session, *bus.MockConn) {
	t.Helper()
	logger, _ := zap.NewDevelopment()
	mock := bus.NewMockConn()
	return NewSession(mock.Dialer(), logger, opts...), mock
}

func serviceAppears(mock *bus.MockConn) {
	mock.SetOwner(DefaultNames().Service, testOwner)
}

func serviceVanishes(mock *bus.MockConn) {
	mock.ClearOwner(DefaultNames().Service)
}

func pushDisplay(mock *bus.MockConn, args ...interface{}) {
	names := DefaultNames()
	mock.EmitSignal(names.SignalPath, names.SignalInterface, names.DisplayStatusSignal, args...)
}

func pushTklock(mock *bus.MockConn, raw string) {
	names := DefaultNames()
	mock.EmitSignal(names.SignalPath, names.SignalInterface, names.TklockModeSignal, raw)
}

// pendingQuery returns the single outstanding query for method
func pendingQuery(t *testing.T, mock *bus.MockConn, method string) *bus.MockCall {
	t.Helper()
	pending := mock.PendingCalls(method)
	require.Len(t, pending, 1, "pending %s calls", method)
	return pending[0]
}

// eventLog records notifications in the order they fire
type eventLog struct {
	events []string
}

func (l *eventLog) record(name string) func() {
	return func() {
		l.events = append(l.events, name)
	}
}

func (l *eventLog) count(name string) int {
	n := 0
	for _, e := range l.events {
		if e == name {
			n++
		}
	}
	return n
}

func (l *eventLog) reset() {
	l.events = nil
}

func watchDisplay(d *Display) *eventLog {
	log := &eventLog{}
	valid, state := log.record("valid"), log.record("state")
	d.AddValidChangedHandler(func(*Display) { valid() })
	d.AddStateChangedHandler(func(*Display) { state() })
	return log
}

func watchTklock(tk *Tklock) *eventLog {
	log := &eventLog{}
	valid, mode, locked := log.record("valid"), log.record("mode"), log.record("locked")
	tk.AddValidChangedHandler(func(*Tklock) { valid() })
	tk.AddModeChangedHandler(func(*Tklock) { mode() })
	tk.AddLockedChangedHandler(func(*Tklock) { locked() })
	return log
}
