package mce

import (
	"errors"
	"testing"

	"mcemirror/internal/bus"
	"mcemirror/internal/notify"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestMonitor_AbsentAtStart(t *testing.T) {
	session, mock := newTestSession(t)

	h := session.AcquireMonitor()
	defer h.Release()
	mon := h.Get()

	changes := 0
	mon.AddAvailableChangedHandler(func(*Monitor) { changes++ })

	assert.False(t, mon.Available())
	assert.NotNil(t, mon.Request())
	assert.NotNil(t, mon.Signal())

	serviceAppears(mock)
	assert.True(t, mon.Available())
	assert.Equal(t, testOwner, mon.Owner())
	assert.Equal(t, 1, changes)

	t.Run("repeated appearance is not an edge", func(t *testing.T) {
		mock.SetOwner(DefaultNames().Service, ":1.99")
		assert.True(t, mon.Available())
		assert.Equal(t, 1, changes)
	})

	serviceVanishes(mock)
	assert.False(t, mon.Available())
	assert.Empty(t, mon.Owner())
	assert.Equal(t, 2, changes)

	t.Run("repeated vanishing is not an edge", func(t *testing.T) {
		serviceVanishes(mock)
		assert.False(t, mon.Available())
		assert.Equal(t, 2, changes)
	})
}

func TestMonitor_PresentAtStart(t *testing.T) {
	session, mock := newTestSession(t)
	serviceAppears(mock)

	h := session.AcquireMonitor()
	defer h.Release()

	assert.Equal(t, MonitorSnapshot{Available: true, Owner: testOwner}, h.Get().Snapshot())
}

func TestMonitor_SharedInstance(t *testing.T) {
	session, mock := newTestSession(t)
	service := DefaultNames().Service

	h1 := session.AcquireMonitor()
	h2 := session.AcquireMonitor()

	assert.Same(t, h1.Get(), h2.Get())
	assert.Equal(t, 1, mock.WatchCount(service))
	assert.Equal(t, 2, session.Registry().Refs(KindMonitor))

	h1.Release()
	assert.True(t, session.Registry().Live(KindMonitor))
	assert.False(t, mock.Closed())

	h2.Release()
	assert.False(t, session.Registry().Live(KindMonitor))
	assert.Equal(t, 0, mock.WatchCount(service))
	assert.True(t, mock.Closed())
}

func TestMonitor_ReacquireStartsFresh(t *testing.T) {
	session, mock := newTestSession(t)

	h := session.AcquireMonitor()
	serviceAppears(mock)
	old := h.Get()
	h.Release()

	serviceVanishes(mock)
	h = session.AcquireMonitor()
	defer h.Release()

	assert.NotSame(t, old, h.Get())
	assert.False(t, h.Get().Available())
	assert.False(t, mock.Closed())
}

func TestMonitor_BusUnavailable(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	session := NewSession(bus.FailingDialer(errors.New("no bus")), logger)

	h := session.AcquireMonitor()
	mon := h.Get()

	assert.False(t, mon.Available())
	assert.Nil(t, mon.Request())
	assert.Nil(t, mon.Signal())

	d := session.AcquireDisplay()
	assert.False(t, d.Get().Valid())

	d.Release()
	h.Release()
	assert.False(t, session.Registry().Live(KindMonitor))
}

func TestMonitor_RemoveHandlers(t *testing.T) {
	session, mock := newTestSession(t)

	h := session.AcquireMonitor()
	defer h.Release()
	mon := h.Get()

	calls := 0
	ids := []notify.HandlerID{
		mon.AddAvailableChangedHandler(func(*Monitor) { calls++ }),
		mon.AddAvailableChangedHandler(func(*Monitor) { calls++ }),
	}
	single := mon.AddAvailableChangedHandler(func(*Monitor) { calls += 100 })

	assert.Zero(t, mon.AddAvailableChangedHandler(nil))
	mon.RemoveHandler(0)
	mon.RemoveHandlers(ids)
	mon.RemoveHandler(single)
	assert.Equal(t, []notify.HandlerID{0, 0}, ids)

	serviceAppears(mock)
	require.True(t, mon.Available())
	assert.Equal(t, 0, calls)
}
