// Package decodeerr defines the error kind that the cpk, utftable,
// ftex, fpk, fsop and uniparam codecs raise when they cannot make sense
// of their input: short or truncated buffers, bad magic, unsupported
// variants, unknown type tags, malformed offsets, checksum failures,
// and the like. The bitstream, crilayla and zlibframe packages do not
// use it; they return their own sentinel errors.
package decodeerr

import "fmt"

// Error is a decode-time failure. Component names the codec package
// that raised it ("cpk", "utftable", "ftex", ...); Msg is a
// human-readable detail.
type Error struct {
	Component string
	Msg       string
}

func (e *Error) Error() string {
	return e.Component + ": " + e.Msg
}

// New builds an Error for component with a formatted message.
func New(component, format string, args ...interface{}) error {
	return &Error{Component: component, Msg: fmt.Sprintf(format, args...)}
}

// Wrap builds an error for component that also wraps an underlying
// cause, preserving it for errors.Is/errors.As. The returned error is
// not an *Error, so errors.As with an *Error target does not match it.
func Wrap(component string, err error, format string, args ...interface{}) error {
	return &wrapped{component: component, msg: fmt.Sprintf(format, args...), cause: err}
}

type wrapped struct {
	component string
	msg       string
	cause     error
}

func (e *wrapped) Error() string { return e.component + ": " + e.msg + ": " + e.cause.Error() }
func (e *wrapped) Unwrap() error { return e.cause }
