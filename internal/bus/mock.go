package bus

import (
	"errors"
	"sync"

	"github.com/godbus/dbus/v5"
)

// MockConn implements Conn in memory for testing. Every callback runs
// synchronously on the goroutine that triggers it, so a test drives the
// mirrors exactly like a single event loop would.
type MockConn struct {
	mu       sync.Mutex
	owners   map[string]string
	watches  map[uint64]*mockWatch
	handlers map[SignalID]*mockHandler
	calls    []*MockCall
	lastID   uint64
	closed   bool
}

// MockCall is an asynchronous call waiting for the test to answer it
type MockCall struct {
	Service string
	Path    dbus.ObjectPath
	Iface   string
	Method  string
	Args    []interface{}

	done     ReplyFunc
	finished bool
}

type mockWatch struct {
	mock     *MockConn
	id       uint64
	name     string
	appeared func(owner string)
	vanished func()
}

type mockHandler struct {
	path   dbus.ObjectPath
	iface  string
	member string
	fn     SignalFunc
}

type mockObject struct {
	mock    *MockConn
	service string
	path    dbus.ObjectPath
	iface   string
}

// NewMockConn creates a mock bus on which no name is owned
func NewMockConn() *MockConn {
	return &MockConn{
		owners:   make(map[string]string),
		watches:  make(map[uint64]*mockWatch),
		handlers: make(map[SignalID]*mockHandler),
	}
}

// Dialer returns a Dialer that always hands out this connection
func (m *MockConn) Dialer() Dialer {
	return func() (Conn, error) {
		m.mu.Lock()
		m.closed = false
		m.mu.Unlock()
		return m, nil
	}
}

// FailingDialer returns a Dialer that always fails with err
func FailingDialer(err error) Dialer {
	return func() (Conn, error) {
		return nil, err
	}
}

// WatchName implements Conn. The current ownership is reported before it returns.
func (m *MockConn) WatchName(name string, appeared func(owner string), vanished func()) (Watch, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrNotConnected
	}
	m.lastID++
	w := &mockWatch{
		mock:     m,
		id:       m.lastID,
		name:     name,
		appeared: appeared,
		vanished: vanished,
	}
	m.watches[w.id] = w
	owner := m.owners[name]
	m.mu.Unlock()

	if owner != "" {
		appeared(owner)
	} else {
		vanished()
	}
	return w, nil
}

// Cancel implements Watch
func (w *mockWatch) Cancel() {
	w.mock.mu.Lock()
	defer w.mock.mu.Unlock()
	delete(w.mock.watches, w.id)
}

// Object implements Conn
func (m *MockConn) Object(service string, path dbus.ObjectPath, iface string) Object {
	return &mockObject{
		mock:    m,
		service: service,
		path:    path,
		iface:   iface,
	}
}

// Close implements Conn
func (m *MockConn) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	return nil
}

// Closed reports whether Close was called since the last dial
func (m *MockConn) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// SetOwner makes owner the owner of name and notifies watchers. Watchers are
// told even if the owner did not change.
func (m *MockConn) SetOwner(name, owner string) {
	m.mu.Lock()
	m.owners[name] = owner
	watches := m.watchesFor(name)
	m.mu.Unlock()

	for _, w := range watches {
		w.appeared(owner)
	}
}

// ClearOwner releases name and notifies watchers. Watchers are told even if
// the name had no owner.
func (m *MockConn) ClearOwner(name string) {
	m.mu.Lock()
	delete(m.owners, name)
	watches := m.watchesFor(name)
	m.mu.Unlock()

	for _, w := range watches {
		w.vanished()
	}
}

func (m *MockConn) watchesFor(name string) []*mockWatch {
	var result []*mockWatch
	for _, w := range m.watches {
		if w.name == name {
			result = append(result, w)
		}
	}
	return result
}

// WatchCount returns the number of active watches on name
func (m *MockConn) WatchCount(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.watchesFor(name))
}

// CallAsync implements Object. The call stays pending until answered.
func (o *mockObject) CallAsync(method string, done ReplyFunc, args ...interface{}) {
	o.mock.mu.Lock()
	defer o.mock.mu.Unlock()

	o.mock.calls = append(o.mock.calls, &MockCall{
		Service: o.service,
		Path:    o.path,
		Iface:   o.iface,
		Method:  method,
		Args:    args,
		done:    done,
	})
}

// Connect implements Object
func (o *mockObject) Connect(member string, handler SignalFunc) (SignalID, error) {
	if handler == nil {
		return 0, errors.New("nil signal handler")
	}

	o.mock.mu.Lock()
	defer o.mock.mu.Unlock()

	if o.mock.closed {
		return 0, ErrNotConnected
	}
	o.mock.lastID++
	id := SignalID(o.mock.lastID)
	o.mock.handlers[id] = &mockHandler{
		path:   o.path,
		iface:  o.iface,
		member: member,
		fn:     handler,
	}
	return id, nil
}

// Disconnect implements Object
func (o *mockObject) Disconnect(id SignalID) {
	o.mock.mu.Lock()
	defer o.mock.mu.Unlock()
	delete(o.mock.handlers, id)
}

// EmitSignal delivers a broadcast to every matching subscriber
func (m *MockConn) EmitSignal(path dbus.ObjectPath, iface, member string, args ...interface{}) {
	m.mu.Lock()
	var matched []SignalFunc
	for _, h := range m.handlers {
		if h.path == path && h.iface == iface && h.member == member {
			matched = append(matched, h.fn)
		}
	}
	m.mu.Unlock()

	for _, fn := range matched {
		fn(args)
	}
}

// HandlerCount returns the number of subscribers to member
func (m *MockConn) HandlerCount(member string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	count := 0
	for _, h := range m.handlers {
		if h.member == member {
			count++
		}
	}
	return count
}

// PendingCalls returns the unanswered calls of method in the order they were made
func (m *MockConn) PendingCalls(method string) []*MockCall {
	m.mu.Lock()
	defer m.mu.Unlock()

	var pending []*MockCall
	for _, call := range m.calls {
		if call.Method == method && !call.finished {
			pending = append(pending, call)
		}
	}
	return pending
}

// CallCount returns how many times method was called
func (m *MockConn) CallCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	count := 0
	for _, call := range m.calls {
		if call.Method == method {
			count++
		}
	}
	return count
}

// Reply answers the call successfully. Answering twice is ignored.
func (c *MockCall) Reply(body ...interface{}) {
	if c.finished {
		return
	}
	c.finished = true
	c.done(body, nil)
}

// Fail answers the call with err. Answering twice is ignored.
func (c *MockCall) Fail(err error) {
	if c.finished {
		return
	}
	c.finished = true
	c.done(nil, err)
}
