package mce

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const displayMethod = "get_display_status"

func TestParseDisplayState(t *testing.T) {
	tests := []struct {
		raw   string
		state DisplayState
		ok    bool
	}{
		{"off", DisplayOff, true},
		{"dim", DisplayDim, true},
		{"on", DisplayOn, true},
		{"flashing", DisplayOff, false},
		{"ON", DisplayOff, false},
		{"", DisplayOff, false},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			state, ok := ParseDisplayState(tt.raw)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.state, state)
			if ok {
				assert.Equal(t, tt.raw, state.String())
			}
		})
	}
}

func TestDisplaySnapshot_JSON(t *testing.T) {
	data, err := json.Marshal(DisplaySnapshot{Valid: true, State: DisplayDim})
	require.NoError(t, err)
	assert.JSONEq(t, `{"valid":true,"state":"dim"}`, string(data))

	var decoded DisplaySnapshot
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, DisplaySnapshot{Valid: true, State: DisplayDim}, decoded)

	assert.Error(t, json.Unmarshal([]byte(`{"state":"flashing"}`), &decoded))
}

func TestDisplay_ServiceAppearsLater(t *testing.T) {
	session, mock := newTestSession(t)

	h := session.AcquireDisplay()
	defer h.Release()
	d := h.Get()
	log := watchDisplay(d)

	assert.False(t, d.Valid())
	assert.Equal(t, DisplayOff, d.State())
	assert.Equal(t, 0, mock.CallCount(displayMethod))

	serviceAppears(mock)
	call := pendingQuery(t, mock, displayMethod)
	assert.Equal(t, DefaultNames().RequestPath, call.Path)
	assert.Equal(t, DefaultNames().RequestInterface, call.Iface)
	assert.False(t, d.Valid())

	call.Reply("on")
	assert.True(t, d.Valid())
	assert.Equal(t, DisplayOn, d.State())
	assert.Equal(t, []string{"state", "valid"}, log.events)
}

func TestDisplay_ServicePresentAtConstruction(t *testing.T) {
	session, mock := newTestSession(t)
	serviceAppears(mock)

	h := session.AcquireDisplay()
	defer h.Release()

	assert.Equal(t, 1, mock.CallCount(displayMethod))
	assert.Equal(t, 1, mock.HandlerCount("display_status_ind"))

	pendingQuery(t, mock, displayMethod).Reply("off")
	assert.Equal(t, DisplaySnapshot{Valid: true, State: DisplayOff}, h.Get().Snapshot())
}

func TestDisplay_VanishDuringQuery(t *testing.T) {
	setup := func(t *testing.T, opts ...Option) (*Display, *eventLog, func(...interface{}), func()) {
		session, mock := newTestSession(t, opts...)
		h := session.AcquireDisplay()
		d := h.Get()

		serviceAppears(mock)
		call := pendingQuery(t, mock, displayMethod)
		pushDisplay(mock, "on")
		require.True(t, d.Valid())

		log := watchDisplay(d)
		serviceVanishes(mock)
		return d, log, call.Reply, h.Release
	}

	t.Run("late reply still validates", func(t *testing.T) {
		d, log, reply, release := setup(t)
		defer release()

		assert.False(t, d.Valid())
		assert.Equal(t, []string{"valid"}, log.events)

		reply("dim")
		assert.True(t, d.Valid())
		assert.Equal(t, DisplayDim, d.State())
		assert.Equal(t, []string{"valid", "state", "valid"}, log.events)
	})

	t.Run("strict validity ignores late reply", func(t *testing.T) {
		d, log, reply, release := setup(t, WithStrictValidity())
		defer release()

		reply("dim")
		assert.False(t, d.Valid())
		assert.Equal(t, DisplayDim, d.State())
		assert.Equal(t, []string{"valid", "state"}, log.events)
	})
}

func TestDisplay_UnknownToken(t *testing.T) {
	session, mock := newTestSession(t)
	serviceAppears(mock)

	h := session.AcquireDisplay()
	defer h.Release()
	d := h.Get()

	t.Run("in query reply", func(t *testing.T) {
		log := watchDisplay(d)
		pendingQuery(t, mock, displayMethod).Reply("flashing")
		assert.False(t, d.Valid())
		assert.Equal(t, DisplayOff, d.State())
		assert.Empty(t, log.events)
	})

	t.Run("in broadcast", func(t *testing.T) {
		pushDisplay(mock, "on")
		require.True(t, d.Valid())

		log := watchDisplay(d)
		pushDisplay(mock, "flashing")
		assert.True(t, d.Valid())
		assert.Equal(t, DisplayOn, d.State())
		assert.Empty(t, log.events)
	})
}

func TestDisplay_MalformedArguments(t *testing.T) {
	session, mock := newTestSession(t)
	serviceAppears(mock)

	h := session.AcquireDisplay()
	defer h.Release()
	d := h.Get()
	log := watchDisplay(d)

	pendingQuery(t, mock, displayMethod).Reply()
	pushDisplay(mock, true)
	pushDisplay(mock)

	assert.False(t, d.Valid())
	assert.Empty(t, log.events)
}

func TestDisplay_BroadcastBeforeReply(t *testing.T) {
	session, mock := newTestSession(t)

	h := session.AcquireDisplay()
	defer h.Release()
	d := h.Get()
	log := watchDisplay(d)

	serviceAppears(mock)
	call := pendingQuery(t, mock, displayMethod)

	pushDisplay(mock, "dim")
	assert.True(t, d.Valid())
	assert.Equal(t, DisplayDim, d.State())

	call.Reply("on")
	assert.True(t, d.Valid())
	assert.Equal(t, DisplayOn, d.State())
	assert.Equal(t, []string{"state", "valid", "state"}, log.events)
}

func TestDisplay_QueryFailure(t *testing.T) {
	session, mock := newTestSession(t)

	h := session.AcquireDisplay()
	defer h.Release()
	d := h.Get()
	log := watchDisplay(d)

	serviceAppears(mock)
	pendingQuery(t, mock, displayMethod).Fail(errors.New("timeout"))
	assert.False(t, d.Valid())
	assert.Equal(t, 1, mock.CallCount(displayMethod))

	pushDisplay(mock, "off")
	assert.True(t, d.Valid())
	assert.Equal(t, []string{"valid"}, log.events)
}

func TestDisplay_BroadcastWhileUnavailable(t *testing.T) {
	session, mock := newTestSession(t)
	serviceAppears(mock)

	h := session.AcquireDisplay()
	defer h.Release()
	d := h.Get()

	pendingQuery(t, mock, displayMethod).Reply("dim")
	serviceVanishes(mock)
	require.False(t, d.Valid())

	log := watchDisplay(d)
	pushDisplay(mock, "on")
	assert.False(t, d.Valid())
	assert.Equal(t, DisplayOn, d.State())
	assert.Equal(t, []string{"state"}, log.events)
}

func TestDisplay_DuplicateValues(t *testing.T) {
	session, mock := newTestSession(t)
	serviceAppears(mock)

	h := session.AcquireDisplay()
	defer h.Release()
	d := h.Get()
	pendingQuery(t, mock, displayMethod).Reply("off")

	log := watchDisplay(d)
	sequence := []string{"on", "on", "dim", "dim", "dim", "off", "on", "on"}
	transitions := 0
	prev := d.State()
	for _, raw := range sequence {
		pushDisplay(mock, raw)
		state, _ := ParseDisplayState(raw)
		if state != prev {
			transitions++
		}
		prev = state
	}

	assert.Equal(t, transitions, log.count("state"))
	assert.Equal(t, 0, log.count("valid"))
	assert.Equal(t, DisplayOn, d.State())
}

func TestDisplay_SubscribesOnce(t *testing.T) {
	session, mock := newTestSession(t)

	h := session.AcquireDisplay()
	defer h.Release()

	assert.Equal(t, 0, mock.HandlerCount("display_status_ind"))

	for i := 0; i < 3; i++ {
		serviceAppears(mock)
		pendingQuery(t, mock, displayMethod).Reply("on")
		serviceVanishes(mock)
	}

	assert.Equal(t, 1, mock.HandlerCount("display_status_ind"))
	assert.Equal(t, 3, mock.CallCount(displayMethod))
}

func TestDisplay_RequeryAfterFlap(t *testing.T) {
	session, mock := newTestSession(t)

	h := session.AcquireDisplay()
	defer h.Release()
	d := h.Get()

	serviceAppears(mock)
	first := pendingQuery(t, mock, displayMethod)

	serviceVanishes(mock)
	serviceAppears(mock)
	assert.Equal(t, 1, mock.CallCount(displayMethod), "at most one query in flight")

	first.Reply("dim")
	assert.Equal(t, 2, mock.CallCount(displayMethod))
	assert.True(t, d.Valid())

	pendingQuery(t, mock, displayMethod).Reply("on")
	assert.Equal(t, DisplayOn, d.State())
	assert.Empty(t, mock.PendingCalls(displayMethod))
}

func TestDisplay_NoRequeryWhenGone(t *testing.T) {
	session, mock := newTestSession(t)

	h := session.AcquireDisplay()
	defer h.Release()

	serviceAppears(mock)
	first := pendingQuery(t, mock, displayMethod)
	serviceVanishes(mock)
	serviceAppears(mock)
	serviceVanishes(mock)

	first.Reply("dim")
	assert.Equal(t, 1, mock.CallCount(displayMethod))
}

func TestDisplay_SharedAndReleased(t *testing.T) {
	session, mock := newTestSession(t)
	serviceAppears(mock)

	handles := make([]interface{ Release() }, 0, 3)
	first := session.AcquireDisplay()
	handles = append(handles, first)
	for i := 0; i < 2; i++ {
		h := session.AcquireDisplay()
		assert.Same(t, first.Get(), h.Get())
		handles = append(handles, h)
	}
	pendingQuery(t, mock, displayMethod).Reply("on")

	assert.Equal(t, 3, session.Registry().Refs(KindDisplay))
	assert.Equal(t, 1, session.Registry().Refs(KindMonitor))
	assert.Equal(t, 1, mock.CallCount(displayMethod))

	for _, h := range handles {
		assert.False(t, mock.Closed())
		h.Release()
	}

	assert.False(t, session.Registry().Live(KindDisplay))
	assert.False(t, session.Registry().Live(KindMonitor))
	assert.Equal(t, 0, mock.HandlerCount("display_status_ind"))
	assert.Equal(t, 0, mock.WatchCount(DefaultNames().Service))
	assert.True(t, mock.Closed())

	t.Run("reacquire builds a fresh mirror", func(t *testing.T) {
		h := session.AcquireDisplay()
		defer h.Release()

		assert.NotSame(t, first.Get(), h.Get())
		assert.False(t, h.Get().Valid())
		assert.Equal(t, 2, mock.CallCount(displayMethod))
	})
}

func TestDisplay_PendingQueryKeepsMirrorAlive(t *testing.T) {
	session, mock := newTestSession(t)
	serviceAppears(mock)

	h := session.AcquireDisplay()
	d := h.Get()
	call := pendingQuery(t, mock, displayMethod)
	assert.Equal(t, 2, session.Registry().Refs(KindDisplay))

	h.Release()
	assert.True(t, session.Registry().Live(KindDisplay))
	assert.Equal(t, 1, mock.HandlerCount("display_status_ind"))
	assert.False(t, mock.Closed())

	call.Reply("on")
	assert.Equal(t, DisplayOn, d.State())
	assert.False(t, session.Registry().Live(KindDisplay))
	assert.Equal(t, 0, mock.HandlerCount("display_status_ind"))
	assert.True(t, mock.Closed())
}

func TestDisplay_RemoveHandlers(t *testing.T) {
	session, mock := newTestSession(t)
	serviceAppears(mock)

	h := session.AcquireDisplay()
	defer h.Release()
	d := h.Get()

	calls := 0
	stateID := d.AddStateChangedHandler(func(*Display) { calls++ })
	validID := d.AddValidChangedHandler(func(*Display) { calls++ })
	assert.NotEqual(t, stateID, validID)

	d.RemoveHandler(0)
	d.RemoveHandler(stateID)
	d.RemoveHandler(stateID)
	d.RemoveHandler(validID)

	pendingQuery(t, mock, displayMethod).Reply("on")
	assert.Equal(t, 0, calls)
}
