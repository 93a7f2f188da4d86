// Package dbusx provides shared D-Bus type helpers: standard error names,
// error construction, and conversions between config values and the Go
// types the bus marshaller expects.
package dbusx

import "github.com/godbus/dbus/v5"

// Standard interfaces every exported object may be asked about.
const (
	IntrospectableInterface = "org.freedesktop.DBus.Introspectable"
	PropertiesInterface     = "org.freedesktop.DBus.Properties"
	PeerInterface           = "org.freedesktop.DBus.Peer"
)

// Standard D-Bus error names used in replies.
const (
	ErrUnknownMethod    = "org.freedesktop.DBus.Error.UnknownMethod"
	ErrFailed           = "org.freedesktop.DBus.Error.Failed"
	ErrInvalidSignature = "org.freedesktop.DBus.Error.InvalidSignature"
	ErrInvalidArgs      = "org.freedesktop.DBus.Error.InvalidArgs"
)

// NewError creates a D-Bus error with the given name and message.
func NewError(name, message string) *dbus.Error {
	return &dbus.Error{
		Name: name,
		Body: []interface{}{message},
	}
}

// UnknownMethod returns an UnknownMethod error for the given path/method.
func UnknownMethod(path dbus.ObjectPath, method string) *dbus.Error {
	return NewError(ErrUnknownMethod, "No handler for method "+method+" at "+string(path))
}

// InvalidSignature returns an InvalidSignature error.
func InvalidSignature(sig, reason string) *dbus.Error {
	return NewError(ErrInvalidSignature, "Bad signature "+sig+": "+reason)
}
