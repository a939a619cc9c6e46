package mce

import "github.com/godbus/dbus/v5"

// Names lists where on the bus the service and its methods and signals live
type Names struct {
	Service          string
	RequestPath      dbus.ObjectPath
	RequestInterface string
	SignalPath       dbus.ObjectPath
	SignalInterface  string

	DisplayStatusMethod string
	DisplayStatusSignal string
	TklockModeMethod    string
	TklockModeSignal    string
}

// DefaultNames returns the names used by mce
func DefaultNames() Names {
	return Names{
		Service:          "com.nokia.mce",
		RequestPath:      "/com/nokia/mce/request",
		RequestInterface: "com.nokia.mce.request",
		SignalPath:       "/com/nokia/mce/signal",
		SignalInterface:  "com.nokia.mce.signal",

		DisplayStatusMethod: "get_display_status",
		DisplayStatusSignal: "display_status_ind",
		TklockModeMethod:    "get_tklock_mode",
		TklockModeSignal:    "tklock_mode_ind",
	}
}
