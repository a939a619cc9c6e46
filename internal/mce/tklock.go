package mce

import (
	"fmt"

	"mcemirror/internal/notify"
	"mcemirror/internal/shared"

	"go.uber.org/zap"
)

const (
	// EventModeChanged fires when the lock mode changes
	EventModeChanged notify.Event = "mode-changed"

	// EventLockedChanged fires when the mode change also flips Locked
	EventLockedChanged notify.Event = "locked-changed"
)

// TklockMode is the touchscreen/keypad lock mode
type TklockMode int

const (
	TklockLocked TklockMode = iota
	TklockSilentLocked
	TklockLockedDim
	TklockLockedDelay
	TklockSilentLockedDim
	TklockUnlocked
	TklockSilentUnlocked
)

type tklockModeDesc struct {
	name   string
	mode   TklockMode
	locked bool
}

// Most commonly used modes first
var tklockModes = []tklockModeDesc{
	{"locked", TklockLocked, true},
	{"unlocked", TklockUnlocked, false},
	{"silent-locked", TklockSilentLocked, true},
	{"locked-dim", TklockLockedDim, true},
	{"locked-delay", TklockLockedDelay, true},
	{"silent-locked-dim", TklockSilentLockedDim, true},
	{"silent-unlocked", TklockSilentUnlocked, false},
}

// ParseTklockMode maps a wire token to a mode and its locked projection
func ParseTklockMode(raw string) (mode TklockMode, locked bool, ok bool) {
	for _, desc := range tklockModes {
		if desc.name == raw {
			return desc.mode, desc.locked, true
		}
	}
	return TklockLocked, true, false
}

// String returns the wire token of the mode
func (m TklockMode) String() string {
	for _, desc := range tklockModes {
		if desc.mode == m {
			return desc.name
		}
	}
	return fmt.Sprintf("TklockMode(%d)", int(m))
}

// MarshalText implements encoding.TextMarshaler
func (m TklockMode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (m *TklockMode) UnmarshalText(text []byte) error {
	mode, _, ok := ParseTklockMode(string(text))
	if !ok {
		return fmt.Errorf("unknown tklock mode %q", text)
	}
	*m = mode
	return nil
}

// Locked reports whether the mode is one of the locked modes
func (m TklockMode) Locked() bool {
	for _, desc := range tklockModes {
		if desc.mode == m {
			return desc.locked
		}
	}
	return false
}

// Tklock mirrors the touchscreen/keypad lock mode
type Tklock struct {
	logger   *zap.Logger
	mirror   mirror
	mode     TklockMode
	locked   bool
	handlers notify.Emitter[*Tklock]
}

// TklockSnapshot is a point-in-time copy of a Tklock's state
type TklockSnapshot struct {
	Valid  bool       `json:"valid"`
	Mode   TklockMode `json:"mode"`
	Locked bool       `json:"locked"`
}

func newTklock(s *Session, self shared.Self[*Tklock]) *Tklock {
	t := &Tklock{
		logger: s.logger.Named("tklock"),
		mode:   TklockLocked,
		locked: true,
	}
	t.mirror = mirror{
		logger:  t.logger,
		monitor: s.AcquireMonitor(),
		method:  s.names.TklockModeMethod,
		signal:  s.names.TklockModeSignal,
		strict:  s.strict,
		apply:   t.apply,
		validChanged: func() {
			t.handlers.Emit(EventValidChanged, t)
		},
		hold: func() func() {
			return self.Hold().Release
		},
	}
	t.mirror.start()
	return t
}

func (t *Tklock) apply(raw string) bool {
	mode, locked, ok := ParseTklockMode(raw)
	if !ok {
		t.logger.Warn("Unexpected mode", zap.String("mode", raw))
		return false
	}

	prevMode, prevLocked := t.mode, t.locked
	t.mode, t.locked = mode, locked

	if t.mode != prevMode {
		t.handlers.Emit(EventModeChanged, t)
	}
	if t.locked != prevLocked {
		t.handlers.Emit(EventLockedChanged, t)
	}
	return true
}

// Valid reports whether Mode reflects what the service last said
func (t *Tklock) Valid() bool {
	return t.mirror.valid
}

// Mode returns the last known lock mode
func (t *Tklock) Mode() TklockMode {
	return t.mode
}

// Locked reports whether the last known mode is a locked one
func (t *Tklock) Locked() bool {
	return t.locked
}

// Snapshot returns a copy of the current state
func (t *Tklock) Snapshot() TklockSnapshot {
	return TklockSnapshot{
		Valid:  t.mirror.valid,
		Mode:   t.mode,
		Locked: t.locked,
	}
}

// AddValidChangedHandler registers fn to run after Valid flips
func (t *Tklock) AddValidChangedHandler(fn func(*Tklock)) notify.HandlerID {
	return t.handlers.Add(EventValidChanged, fn)
}

// AddModeChangedHandler registers fn to run after Mode changes
func (t *Tklock) AddModeChangedHandler(fn func(*Tklock)) notify.HandlerID {
	return t.handlers.Add(EventModeChanged, fn)
}

// AddLockedChangedHandler registers fn to run after Locked flips
func (t *Tklock) AddLockedChangedHandler(fn func(*Tklock)) notify.HandlerID {
	return t.handlers.Add(EventLockedChanged, fn)
}

// RemoveHandler unregisters a handler. Zero and unknown ids are ignored.
func (t *Tklock) RemoveHandler(id notify.HandlerID) {
	t.handlers.Remove(id)
}

// RemoveHandlers unregisters every handler in ids and zeroes the slice
func (t *Tklock) RemoveHandlers(ids []notify.HandlerID) {
	t.handlers.RemoveAll(ids)
}
