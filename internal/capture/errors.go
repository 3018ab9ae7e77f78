package capture

import (
	"errors"
	"strings"
)

// Kind classifies a capture failure into something a user can act on.
type Kind int

const (
	KindUnknown Kind = iota
	KindPermissionDenied
	KindDeviceBusy
	KindDeviceNotFound
	KindUnsupported
)

func (k Kind) String() string {
	switch k {
	case KindPermissionDenied:
		return "permission_denied"
	case KindDeviceBusy:
		return "device_busy"
	case KindDeviceNotFound:
		return "device_not_found"
	case KindUnsupported:
		return "unsupported"
	default:
		return "unknown"
	}
}

// Error is a classified capture failure. Error() is the user-facing message.
type Error struct {
	Kind  Kind
	Cause error
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindPermissionDenied:
		return "Camera access denied. Please allow permission."
	case KindDeviceBusy:
		return "Camera is busy! Close other browser tabs/apps using it."
	case KindDeviceNotFound:
		return "No camera found."
	case KindUnsupported:
		return "Camera resolution not supported."
	}
	if e.Cause != nil {
		return e.Cause.Error()
	}
	return "capture failed"
}

func (e *Error) Unwrap() error { return e.Cause }

// Classify maps err to a *Error using message heuristics. An err that is
// already a *Error is returned as is; nil stays nil.
//
// Priority: permission > busy > not found > unsupported, so "permission
// denied opening /dev/video0 (not found in group)" is a permission error.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce
	}

	msg := strings.ToLower(err.Error())
	kind := KindUnknown
	switch {
	case containsAny(msg, "permission denied", "not permitted", "eacces", "access denied",
		"unauthorized", "forbidden", "(401)", "(403)"):
		kind = KindPermissionDenied
	case containsAny(msg, "device or resource busy", "ebusy", "busy", "in use"):
		kind = KindDeviceBusy
	case containsAny(msg, "no such file", "no such device", "enoent", "not found",
		"does not exist", "cannot identify device", "could not open", "deadline exceeded"):
		kind = KindDeviceNotFound
	case containsAny(msg, "not-negotiated", "not negotiated", "caps", "resolution",
		"format", "not supported", "unsupported"):
		kind = KindUnsupported
	}
	return &Error{Kind: kind, Cause: err}
}

func containsAny(s string, keywords ...string) bool {
	for _, kw := range keywords {
		if strings.Contains(s, kw) {
			return true
		}
	}
	return false
}
