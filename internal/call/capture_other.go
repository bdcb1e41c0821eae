//go:build !linux

package call

import (
	"fmt"

	"github.com/pion/webrtc/v4"
)

// NewMediaStack on non-Linux platforms has no capture drivers wired in
// (mediadevices needs V4L2/malgo/X11 here), so every capture attempt fails
// with an acquisition error and calls run receive-only.
func NewMediaStack(iceServers []webrtc.ICEServer) (Capturer, ConnFactory, error) {
	return unsupportedCapturer{}, NewPionConnFactory(iceServers), nil
}

type unsupportedCapturer struct{}

func (unsupportedCapturer) CaptureMicrophone() (LocalTrack, error) {
	return nil, fmt.Errorf("microphone capture not supported on this platform")
}

func (unsupportedCapturer) CaptureCamera(Facing) (LocalTrack, error) {
	return nil, fmt.Errorf("camera capture not supported on this platform")
}

func (unsupportedCapturer) CaptureScreen() (LocalTrack, error) {
	return nil, fmt.Errorf("screen capture not supported on this platform")
}
