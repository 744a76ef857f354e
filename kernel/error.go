// Package kernel provides the ambient error, status, and diagnostic
// primitives shared by every vmcore component.
package kernel

import "fmt"

// Status is one of the stable status codes every fallible vmcore
// operation returns.
type Status int

const (
	// StatusSuccess indicates the operation completed.
	StatusSuccess Status = iota
	// StatusInvalidInput indicates misaligned, empty, non-canonical, or
	// otherwise malformed input.
	StatusInvalidInput
	// StatusInvalidSpan indicates a range is empty, reversed, or exceeds
	// a configured limit.
	StatusInvalidSpan
	// StatusInvalidAddress indicates a non-canonical address, a
	// higher-half address where user was expected, or an out-of-range
	// address.
	StatusInvalidAddress
	// StatusInvalidData indicates command-list validation failed
	// (overlapping operations).
	StatusInvalidData
	// StatusOutOfMemory indicates the PFH, PTA, or a control-block pool
	// is exhausted.
	StatusOutOfMemory
	// StatusNotAvailable indicates a range overlaps an existing
	// allocation.
	StatusNotAvailable
	// StatusNotFound indicates a range is not managed by this heap.
	StatusNotFound
	// StatusNotSupported indicates the operation is not implemented for
	// this entity kind.
	StatusNotSupported
	// StatusDeviceBusy indicates a non-blocking lock acquisition failed.
	StatusDeviceBusy
)

// String renders the status the way log output and Error.Error use it.
func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "Success"
	case StatusInvalidInput:
		return "InvalidInput"
	case StatusInvalidSpan:
		return "InvalidSpan"
	case StatusInvalidAddress:
		return "InvalidAddress"
	case StatusInvalidData:
		return "InvalidData"
	case StatusOutOfMemory:
		return "OutOfMemory"
	case StatusNotAvailable:
		return "NotAvailable"
	case StatusNotFound:
		return "NotFound"
	case StatusNotSupported:
		return "NotSupported"
	case StatusDeviceBusy:
		return "DeviceBusy"
	default:
		return "Unknown"
	}
}

// Error describes a vmcore error. All fallible operations that cannot
// express their failure purely as a Status (e.g. because they want to
// attach a human-readable reason) return *Error.
type Error struct {
	// Module names the component that raised the error (e.g. "pfh", "pt").
	Module string

	// Status is the stable status code callers should switch on.
	Status Status

	// Message is a human-readable description for logs and panics.
	Message string
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s: %s", e.Module, e.Status, e.Message)
}

// New constructs an *Error for the given module/status/message.
func New(module string, status Status, message string) *Error {
	return &Error{Module: module, Status: status, Message: message}
}

// StatusOf extracts the Status carried by err, or StatusSuccess for a
// nil error and StatusNotSupported for a non-vmcore error.
func StatusOf(err error) Status {
	if err == nil {
		return StatusSuccess
	}
	if e, ok := err.(*Error); ok {
		return e.Status
	}
	return StatusNotSupported
}
