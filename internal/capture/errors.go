package capture

import (
	"errors"
	"fmt"
)

// ErrorKind is the user-facing failure taxonomy for acquisition.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindUnsupportedPlatform
	KindNoDeviceFound
	KindPermissionDenied
	KindDeviceNotFound
	KindDeviceBusy
	KindInsecureContext
)

func (k ErrorKind) String() string {
	switch k {
	case KindUnsupportedPlatform:
		return "unsupported_platform"
	case KindNoDeviceFound:
		return "no_device_found"
	case KindPermissionDenied:
		return "permission_denied"
	case KindDeviceNotFound:
		return "device_not_found"
	case KindDeviceBusy:
		return "device_busy"
	case KindInsecureContext:
		return "insecure_context"
	default:
		return "unknown"
	}
}

// Sentinel errors providers return (or wrap) so Classify can map them.
var (
	ErrUnsupportedPlatform = errors.New("audio capture not supported on this platform")
	ErrNoDeviceFound       = errors.New("no audio input device present")
	ErrPermissionDenied    = errors.New("microphone permission denied")
	ErrDeviceNotFound      = errors.New("requested audio device not found")
	ErrDeviceBusy          = errors.New("audio device in use by another process")
	ErrInsecureContext     = errors.New("secure transport required for capture")
)

var sentinels = map[ErrorKind]error{
	KindUnsupportedPlatform: ErrUnsupportedPlatform,
	KindNoDeviceFound:       ErrNoDeviceFound,
	KindPermissionDenied:    ErrPermissionDenied,
	KindDeviceNotFound:      ErrDeviceNotFound,
	KindDeviceBusy:          ErrDeviceBusy,
	KindInsecureContext:     ErrInsecureContext,
}

// Error is a classified acquisition or device failure. It is terminal for
// the attempt that produced it; nothing retries automatically.
type Error struct {
	Kind   ErrorKind
	Detail string
	Err    error
}

func (e *Error) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("capture: %s: %s", e.Kind, e.Detail)
	}
	return fmt.Sprintf("capture: %s", e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrDeviceBusy) match a classified error even when
// the provider returned a platform-specific cause.
func (e *Error) Is(target error) bool {
	s, ok := sentinels[e.Kind]
	return ok && s == target
}

// Message returns the text shown to the candidate.
func (e *Error) Message() string {
	switch e.Kind {
	case KindUnsupportedPlatform:
		return "This device does not support voice features."
	case KindNoDeviceFound, KindDeviceNotFound:
		return "No microphone found. Please connect a microphone."
	case KindPermissionDenied:
		return "Microphone permission denied. Please enable it in your system settings."
	case KindDeviceBusy:
		return "Microphone is being used by another app. Please close other apps using the microphone."
	case KindInsecureContext:
		return "A secure connection is required for microphone access (except on localhost)."
	default:
		if e.Detail != "" {
			return "Microphone error: " + e.Detail
		}
		return "Microphone error."
	}
}

// NeedsRemediation reports whether the caller should show the permission
// guide and offer an explicit retry.
func (e *Error) NeedsRemediation() bool { return e.Kind == KindPermissionDenied }

// RemediationSteps is the permission guide shown after PermissionDenied.
func RemediationSteps() []string {
	return []string{
		"Open the system privacy settings and allow microphone access for this application.",
		"Close other applications that are using the microphone.",
		"Check that the microphone works in another application.",
		"Retry the permission request.",
	}
}

// Classify maps any error onto the taxonomy. A nil error stays nil and an
// already classified *Error is returned as is.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce
	}
	for kind, s := range sentinels {
		if errors.Is(err, s) {
			return &Error{Kind: kind, Err: err}
		}
	}
	return &Error{Kind: KindUnknown, Detail: err.Error(), Err: err}
}
