// Package bus is the capability layer between the state mirrors and the
// message bus: watching a well-known name, calling remote methods
// asynchronously and subscribing to broadcast signals.
package bus

import (
	"errors"
	"fmt"

	"github.com/godbus/dbus/v5"
)

// ErrNotConnected is reported to callers of objects whose connection is gone
var ErrNotConnected = errors.New("bus not connected")

// Dialer opens a bus connection
type Dialer func() (Conn, error)

// Conn is a bus connection
type Conn interface {
	// WatchName calls appeared when name gets an owner and vanished when it
	// loses one. The initial ownership state is always reported.
	WatchName(name string, appeared func(owner string), vanished func()) (Watch, error)

	// Object returns a handle for calling methods on and receiving signals
	// from one interface of a remote object. Creating it does no I/O.
	Object(service string, path dbus.ObjectPath, iface string) Object

	Close() error
}

// Watch is an active name watch
type Watch interface {
	Cancel()
}

// SignalID identifies a signal subscription. Zero is never issued.
type SignalID uint64

// ReplyFunc receives the outcome of an asynchronous call
type ReplyFunc func(body []interface{}, err error)

// SignalFunc receives the arguments of a broadcast signal
type SignalFunc func(body []interface{})

// Object is a remote object interface
type Object interface {
	// CallAsync invokes method and delivers the reply later through done
	CallAsync(method string, done ReplyFunc, args ...interface{})

	// Connect subscribes handler to the signal named member
	Connect(member string, handler SignalFunc) (SignalID, error)

	// Disconnect removes a subscription. Zero is ignored.
	Disconnect(id SignalID)
}

// Poster delivers callbacks onto the goroutine that owns the mirrors
type Poster interface {
	Post(fn func()) bool
}

// StringArg extracts the single string carried by a reply or signal body
func StringArg(body []interface{}) (string, error) {
	var value string
	if err := dbus.Store(body, &value); err != nil {
		return "", fmt.Errorf("failed to decode string argument: %w", err)
	}
	return value, nil
}
