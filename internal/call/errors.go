package call

import (
	"errors"
	"fmt"
)

var (
	// ErrCallEnded is returned by operations on a session that already
	// reached its terminal state.
	ErrCallEnded = errors.New("call already ended")

	// ErrBusy is returned when a conversation already has an active session.
	ErrBusy = errors.New("conversation already has an active call")

	// ErrNegotiationFailed reports a rejected description or a link that
	// never established connectivity. Never retried automatically.
	ErrNegotiationFailed = errors.New("negotiation failed")

	// ErrScreenShareActive guards operations that are unavailable while the
	// video slot carries the screen capture (e.g. camera facing switch).
	ErrScreenShareActive = errors.New("screen share active")

	// ErrNoSuchSession is returned by lookups for an unknown conversation.
	ErrNoSuchSession = errors.New("no such call session")

	// ErrNoActiveVideo guards camera operations that need a live camera,
	// like switching facing.
	ErrNoActiveVideo = errors.New("no active camera capture")

	// ErrVideoDisabled is returned when configuration keeps camera and
	// screen capture off for this device.
	ErrVideoDisabled = errors.New("video capture disabled by configuration")
)

// CaptureKind names a local capture device class in acquisition errors.
type CaptureKind string

const (
	CaptureMicrophone CaptureKind = "microphone"
	CaptureCamera     CaptureKind = "camera"
	CaptureScreen     CaptureKind = "screen"
)

// AcquisitionError reports a device that could not be opened (denied,
// missing, or busy). It aborts Start/Join/Accept before any link exists.
type AcquisitionError struct {
	Kind CaptureKind
	Err  error
}

func (e *AcquisitionError) Error() string {
	return fmt.Sprintf("%s unavailable: %v", e.Kind, e.Err)
}

func (e *AcquisitionError) Unwrap() error { return e.Err }
