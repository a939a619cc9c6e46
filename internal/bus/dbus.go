package bus

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/godbus/dbus/v5"
	"go.uber.org/zap"
)

const (
	busService       = "org.freedesktop.DBus"
	busPath          = dbus.ObjectPath("/org/freedesktop/DBus")
	busInterface     = "org.freedesktop.DBus"
	nameOwnerChanged = "NameOwnerChanged"
	getNameOwner     = busInterface + ".GetNameOwner"
	addMatch         = busInterface + ".AddMatch"
	removeMatch      = busInterface + ".RemoveMatch"
)

// SystemDialer connects to the system bus
func SystemDialer(poster Poster, logger *zap.Logger) Dialer {
	return func() (Conn, error) {
		conn, err := dbus.ConnectSystemBus(dbus.WithSignalHandler(dbus.NewSequentialSignalHandler()))
		if err != nil {
			return nil, fmt.Errorf("failed to connect to system bus: %w", err)
		}
		return NewDBusConn(conn, poster, logger), nil
	}
}

// SessionDialer connects to the session bus
func SessionDialer(poster Poster, logger *zap.Logger) Dialer {
	return func() (Conn, error) {
		conn, err := dbus.ConnectSessionBus(dbus.WithSignalHandler(dbus.NewSequentialSignalHandler()))
		if err != nil {
			return nil, fmt.Errorf("failed to connect to session bus: %w", err)
		}
		return NewDBusConn(conn, poster, logger), nil
	}
}

// AddressDialer connects to the bus listening at address
func AddressDialer(address string, poster Poster, logger *zap.Logger) Dialer {
	return func() (Conn, error) {
		conn, err := dbus.Connect(address, dbus.WithSignalHandler(dbus.NewSequentialSignalHandler()))
		if err != nil {
			return nil, fmt.Errorf("failed to connect to bus at %s: %w", address, err)
		}
		return NewDBusConn(conn, poster, logger), nil
	}
}

// DBusConn implements Conn on top of a godbus connection. Signals and call
// replies arrive on godbus goroutines and are handed to the Poster, so every
// callback runs on the poster's goroutine.
type DBusConn struct {
	conn    *dbus.Conn
	poster  Poster
	logger  *zap.Logger
	signals chan *dbus.Signal
	done    chan struct{}

	mu       sync.Mutex
	lastID   uint64
	watches  map[uint64]*nameWatch
	handlers map[SignalID]*signalHandler
	closed   bool
}

// NewDBusConn wraps an established connection and starts dispatching its signals
func NewDBusConn(conn *dbus.Conn, poster Poster, logger *zap.Logger) *DBusConn {
	c := &DBusConn{
		conn:     conn,
		poster:   poster,
		logger:   logger,
		signals:  make(chan *dbus.Signal, 16),
		done:     make(chan struct{}),
		watches:  make(map[uint64]*nameWatch),
		handlers: make(map[SignalID]*signalHandler),
	}
	conn.Signal(c.signals)
	go c.dispatch()
	return c
}

// dispatch forwards incoming signals to the poster
func (c *DBusConn) dispatch() {
	for {
		select {
		case <-c.done:
			return
		case sig, ok := <-c.signals:
			if !ok {
				return
			}
			if !c.poster.Post(func() { c.deliver(sig) }) {
				c.logger.Debug("Dropped signal, event loop stopped", zap.String("signal", sig.Name))
				return
			}
		}
	}
}

// deliver runs on the poster's goroutine
func (c *DBusConn) deliver(sig *dbus.Signal) {
	if sig.Path == busPath && sig.Name == busInterface+"."+nameOwnerChanged {
		c.deliverNameOwnerChanged(sig)
		return
	}

	c.mu.Lock()
	matched := make([]*signalHandler, 0, 1)
	for _, h := range c.handlers {
		if h.path == sig.Path && h.name == sig.Name {
			matched = append(matched, h)
		}
	}
	c.mu.Unlock()

	for _, h := range matched {
		h.fn(sig.Body)
	}
}

func (c *DBusConn) deliverNameOwnerChanged(sig *dbus.Signal) {
	var name, oldOwner, newOwner string
	if err := dbus.Store(sig.Body, &name, &oldOwner, &newOwner); err != nil {
		c.logger.Warn("Malformed NameOwnerChanged signal", zap.Error(err))
		return
	}

	c.mu.Lock()
	matched := make([]*nameWatch, 0, 1)
	for _, w := range c.watches {
		if w.name == name {
			matched = append(matched, w)
		}
	}
	c.mu.Unlock()

	c.logger.Debug("Name owner changed",
		zap.String("name", name),
		zap.String("old_owner", oldOwner),
		zap.String("new_owner", newOwner))

	for _, w := range matched {
		w.update(newOwner)
	}
}

func (c *DBusConn) nextID() uint64 {
	c.lastID++
	return c.lastID
}

// WatchName implements Conn
func (c *DBusConn) WatchName(name string, appeared func(owner string), vanished func()) (Watch, error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil, ErrNotConnected
	}

	// The bus handles messages in order, so the match is in place before
	// GetNameOwner is answered and no transition falls between the two
	c.updateMatch(addMatch, nameOwnerMatch(name))

	w := &nameWatch{
		conn:     c,
		name:     name,
		appeared: appeared,
		vanished: vanished,
	}

	c.mu.Lock()
	w.id = c.nextID()
	c.watches[w.id] = w
	c.mu.Unlock()

	// Resolve the current owner; NameOwnerChanged only reports later transitions
	ch := make(chan *dbus.Call, 1)
	c.conn.BusObject().Go(getNameOwner, 0, ch, name)
	go func() {
		call := <-ch
		var owner string
		if call.Err == nil {
			if err := call.Store(&owner); err != nil {
				c.logger.Warn("Failed to decode name owner", zap.String("name", name), zap.Error(err))
			}
		} else {
			c.logger.Debug("Name has no owner", zap.String("name", name), zap.Error(call.Err))
		}
		c.poster.Post(func() { w.resolve(owner) })
	}()

	return w, nil
}

// Object implements Conn
func (c *DBusConn) Object(service string, path dbus.ObjectPath, iface string) Object {
	return &dbusObject{
		conn:    c,
		service: service,
		path:    path,
		iface:   iface,
		obj:     c.conn.Object(service, path),
	}
}

// Close implements Conn
func (c *DBusConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.watches = make(map[uint64]*nameWatch)
	c.handlers = make(map[SignalID]*signalHandler)
	c.mu.Unlock()

	close(c.done)
	c.conn.RemoveSignal(c.signals)
	if err := c.conn.Close(); err != nil {
		return fmt.Errorf("failed to close bus connection: %w", err)
	}
	return nil
}

// updateMatch sends AddMatch or RemoveMatch without waiting for the answer.
// Failures are only logged.
func (c *DBusConn) updateMatch(method, rule string) {
	ch := make(chan *dbus.Call, 1)
	c.conn.BusObject().Go(method, 0, ch, rule)
	go func() {
		if call := <-ch; call.Err != nil {
			c.logger.Warn("Match rule update failed",
				zap.String("method", method),
				zap.String("rule", rule),
				zap.Error(call.Err))
		}
	}()
}

// matchRule formats a signal match rule from key/value pairs
func matchRule(pairs ...string) string {
	var b strings.Builder
	b.WriteString("type='signal'")
	for i := 0; i+1 < len(pairs); i += 2 {
		fmt.Fprintf(&b, ",%s='%s'", pairs[i], strings.ReplaceAll(pairs[i+1], "'", `'\''`))
	}
	return b.String()
}

func nameOwnerMatch(name string) string {
	return matchRule(
		"sender", busService,
		"path", string(busPath),
		"interface", busInterface,
		"member", nameOwnerChanged,
		"arg0", name)
}

// nameWatch follows ownership of one name. Its state is only touched on the
// poster's goroutine.
type nameWatch struct {
	conn     *DBusConn
	id       uint64
	name     string
	appeared func(owner string)
	vanished func()

	owner     string
	resolved  bool
	cancelled bool
}

// resolve applies the initial GetNameOwner answer unless a NameOwnerChanged
// signal already told us more recent news
func (w *nameWatch) resolve(owner string) {
	if w.resolved {
		return
	}
	w.update(owner)
}

// update moves the watch to owner, reporting a handover between two owners
// as vanished followed by appeared
func (w *nameWatch) update(owner string) {
	if w.cancelled {
		return
	}

	if !w.resolved {
		w.resolved = true
		if owner == "" {
			w.vanished()
			return
		}
		w.owner = owner
		w.appeared(owner)
		return
	}

	if owner == w.owner {
		return
	}
	if w.owner != "" {
		w.owner = ""
		w.vanished()
	}
	if owner != "" && !w.cancelled {
		w.owner = owner
		w.appeared(owner)
	}
}

// Cancel implements Watch
func (w *nameWatch) Cancel() {
	c := w.conn
	c.mu.Lock()
	_, ok := c.watches[w.id]
	delete(c.watches, w.id)
	closed := c.closed
	c.mu.Unlock()

	w.cancelled = true
	if !ok || closed {
		return
	}
	c.updateMatch(removeMatch, nameOwnerMatch(w.name))
}

type signalHandler struct {
	id   SignalID
	path dbus.ObjectPath
	name string
	fn   SignalFunc

	// member rebuilds the match rule on disconnect
	member string
}

type dbusObject struct {
	conn    *DBusConn
	service string
	path    dbus.ObjectPath
	iface   string
	obj     dbus.BusObject
}

// CallAsync implements Object
func (o *dbusObject) CallAsync(method string, done ReplyFunc, args ...interface{}) {
	ch := make(chan *dbus.Call, 1)
	o.obj.Go(o.iface+"."+method, 0, ch, args...)
	go func() {
		call := <-ch
		if !o.conn.poster.Post(func() { done(call.Body, call.Err) }) {
			o.conn.logger.Debug("Dropped call reply, event loop stopped",
				zap.String("method", method))
		}
	}()
}

// Connect implements Object
func (o *dbusObject) Connect(member string, handler SignalFunc) (SignalID, error) {
	if handler == nil {
		return 0, errors.New("nil signal handler")
	}

	o.conn.mu.Lock()
	closed := o.conn.closed
	o.conn.mu.Unlock()
	if closed {
		return 0, ErrNotConnected
	}

	o.conn.updateMatch(addMatch, o.match(member))

	o.conn.mu.Lock()
	defer o.conn.mu.Unlock()
	id := SignalID(o.conn.nextID())
	o.conn.handlers[id] = &signalHandler{
		id:     id,
		path:   o.path,
		name:   o.iface + "." + member,
		fn:     handler,
		member: member,
	}
	return id, nil
}

// Disconnect implements Object
func (o *dbusObject) Disconnect(id SignalID) {
	if id == 0 {
		return
	}

	o.conn.mu.Lock()
	h, ok := o.conn.handlers[id]
	delete(o.conn.handlers, id)
	closed := o.conn.closed
	o.conn.mu.Unlock()

	if !ok || closed {
		return
	}
	o.conn.updateMatch(removeMatch, o.match(h.member))
}

func (o *dbusObject) match(member string) string {
	return matchRule(
		"sender", o.service,
		"path", string(o.path),
		"interface", o.iface,
		"member", member)
}
