package mce

import (
	"fmt"

	"mcemirror/internal/notify"
	"mcemirror/internal/shared"

	"go.uber.org/zap"
)

// EventStateChanged fires when the display state changes
const EventStateChanged notify.Event = "state-changed"

// DisplayState is the power state of the display
type DisplayState int

const (
	DisplayOff DisplayState = iota
	DisplayDim
	DisplayOn
)

var displayStateNames = map[DisplayState]string{
	DisplayOff: "off",
	DisplayDim: "dim",
	DisplayOn:  "on",
}

// ParseDisplayState maps a wire token to a DisplayState
func ParseDisplayState(raw string) (DisplayState, bool) {
	for state, name := range displayStateNames {
		if name == raw {
			return state, true
		}
	}
	return DisplayOff, false
}

// String returns the wire token of the state
func (s DisplayState) String() string {
	if name, ok := displayStateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("DisplayState(%d)", int(s))
}

// MarshalText implements encoding.TextMarshaler
func (s DisplayState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (s *DisplayState) UnmarshalText(text []byte) error {
	state, ok := ParseDisplayState(string(text))
	if !ok {
		return fmt.Errorf("unknown display state %q", text)
	}
	*s = state
	return nil
}

// Display mirrors the display power state
type Display struct {
	logger   *zap.Logger
	mirror   mirror
	state    DisplayState
	handlers notify.Emitter[*Display]
}

// DisplaySnapshot is a point-in-time copy of a Display's state
type DisplaySnapshot struct {
	Valid bool         `json:"valid"`
	State DisplayState `json:"state"`
}

func newDisplay(s *Session, self shared.Self[*Display]) *Display {
	d := &Display{
		logger: s.logger.Named("display"),
		state:  DisplayOff,
	}
	d.mirror = mirror{
		logger:  d.logger,
		monitor: s.AcquireMonitor(),
		method:  s.names.DisplayStatusMethod,
		signal:  s.names.DisplayStatusSignal,
		strict:  s.strict,
		apply:   d.apply,
		validChanged: func() {
			d.handlers.Emit(EventValidChanged, d)
		},
		hold: func() func() {
			return self.Hold().Release
		},
	}
	d.mirror.start()
	return d
}

func (d *Display) apply(raw string) bool {
	state, ok := ParseDisplayState(raw)
	if !ok {
		d.logger.Warn("Unexpected display state", zap.String("state", raw))
		return false
	}

	if state != d.state {
		d.state = state
		d.handlers.Emit(EventStateChanged, d)
	}
	return true
}

// Valid reports whether State reflects what the service last said
func (d *Display) Valid() bool {
	return d.mirror.valid
}

// State returns the last known display state. It keeps its value while the
// mirror is invalid.
func (d *Display) State() DisplayState {
	return d.state
}

// Snapshot returns a copy of the current state
func (d *Display) Snapshot() DisplaySnapshot {
	return DisplaySnapshot{
		Valid: d.mirror.valid,
		State: d.state,
	}
}

// AddValidChangedHandler registers fn to run after Valid flips
func (d *Display) AddValidChangedHandler(fn func(*Display)) notify.HandlerID {
	return d.handlers.Add(EventValidChanged, fn)
}

// AddStateChangedHandler registers fn to run after State changes
func (d *Display) AddStateChangedHandler(fn func(*Display)) notify.HandlerID {
	return d.handlers.Add(EventStateChanged, fn)
}

// RemoveHandler unregisters a handler. Zero and unknown ids are ignored.
func (d *Display) RemoveHandler(id notify.HandlerID) {
	d.handlers.Remove(id)
}

// RemoveHandlers unregisters every handler in ids and zeroes the slice
func (d *Display) RemoveHandlers(ids []notify.HandlerID) {
	d.handlers.RemoveAll(ids)
}
