package scan

import (
	"context"
	"errors"
)

// Facing is the preferred camera.
type Facing string

const (
	FacingEnvironment Facing = "environment"
	FacingUser        Facing = "user"
)

// CaptureConfig tunes the decoder on the station.
type CaptureConfig struct {
	FPS     int `json:"fps"`
	BoxSize int `json:"box_size"`
}

// DefaultCaptureConfig matches a typical handheld QR station.
var DefaultCaptureConfig = CaptureConfig{FPS: 10, BoxSize: 250}

// DecodeFunc receives each decoded payload and reports whether it was taken.
type DecodeFunc func(payload string) bool

// Capture is a camera stream with a per-frame decoder. Implementations must
// never invoke onDecode from inside Start, Pause, Resume, Stop or Clear.
type Capture interface {
	Start(ctx context.Context, facing Facing, cfg CaptureConfig, onDecode DecodeFunc) error
	Pause(freeze bool)
	Resume() error
	Stop(ctx context.Context) error
	Clear()
}

var (
	ErrPermissionDenied = errors.New("capture: camera permission denied")
	ErrNoDevice         = errors.New("capture: no camera found")
	ErrNotActive        = errors.New("capture: stream not active")
)

// FailureReason classifies a capture failure for display.
type FailureReason string

const (
	FailureNone             FailureReason = ""
	FailurePermissionDenied FailureReason = "permission_denied"
	FailureNoDevice         FailureReason = "no_device"
	FailureOther            FailureReason = "other"
)

// Classify maps a capture error to its reason.
func Classify(err error) FailureReason {
	switch {
	case err == nil:
		return FailureNone
	case errors.Is(err, ErrPermissionDenied):
		return FailurePermissionDenied
	case errors.Is(err, ErrNoDevice):
		return FailureNoDevice
	default:
		return FailureOther
	}
}

// ErrorFor is the inverse of Classify, used when a station reports a
// device failure by name.
func ErrorFor(reason string) error {
	switch FailureReason(reason) {
	case FailurePermissionDenied:
		return ErrPermissionDenied
	case FailureNoDevice:
		return ErrNoDevice
	default:
		return errors.New("capture: " + reason)
	}
}
