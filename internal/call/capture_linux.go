//go:build linux

package call

import (
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	_ "github.com/pion/mediadevices/pkg/driver/screen"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
)

// NewMediaStack builds the capture side and a matching connection factory.
// Both must share one codec selector: mediadevices tracks only bind to peer
// connections whose media engine was populated by the same selector.
func NewMediaStack(iceServers []webrtc.ICEServer) (Capturer, ConnFactory, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, nil, err
	}
	vpxParams.BitRate = 1_500_000 // 1.5 Mbps

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, nil, err
	}

	selector := mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	)

	capturer := &deviceCapturer{selector: selector}

	factory := func() (PeerConn, error) {
		mediaEngine := &webrtc.MediaEngine{}
		selector.Populate(mediaEngine)

		interceptorRegistry := &interceptor.Registry{}
		if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
			return nil, err
		}

		se := webrtc.SettingEngine{}
		se.SetICETimeouts(30*time.Second, 120*time.Second, 2*time.Second)

		api := webrtc.NewAPI(
			webrtc.WithMediaEngine(mediaEngine),
			webrtc.WithInterceptorRegistry(interceptorRegistry),
			webrtc.WithSettingEngine(se),
		)

		pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
		if err != nil {
			return nil, err
		}
		return &pionConn{pc: pc}, nil
	}

	return capturer, factory, nil
}

// deviceCapturer opens hardware captures via pion/mediadevices (V4L2, malgo
// and X11 grab on Linux).
type deviceCapturer struct {
	selector *mediadevices.CodecSelector
}

func (c *deviceCapturer) CaptureMicrophone() (LocalTrack, error) {
	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Codec: c.selector,
		Audio: func(_ *mediadevices.MediaTrackConstraints) {},
	})
	if err != nil {
		return nil, err
	}
	return firstTrack(stream, webrtc.RTPCodecTypeAudio)
}

func (c *deviceCapturer) CaptureCamera(facing Facing) (LocalTrack, error) {
	deviceID, err := cameraDeviceFor(facing)
	if err != nil {
		return nil, err
	}

	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Codec: c.selector,
		Video: func(mc *mediadevices.MediaTrackConstraints) {
			if deviceID != "" {
				mc.DeviceID = prop.StringExact(deviceID)
			}
			// Exclude MJPEG — some cameras expose an MJPEG V4L2 node that
			// produces malformed JPEG frames, which poisons the VP8 encoder
			// and breaks SDP negotiation. Raw formats only.
			mc.FrameFormat = prop.FrameFormatOneOf{
				frame.FormatYUYV,
				frame.FormatI420,
				frame.FormatI444,
				frame.FormatRGBA,
			}
			// Cap at 640×480 — higher resolutions increase VP8 encoding
			// latency noticeably on laptop-class hardware.
			mc.Width = prop.IntRanged{Max: 640}
			mc.Height = prop.IntRanged{Max: 480}
		},
	})
	if err != nil {
		return nil, err
	}
	return firstTrack(stream, webrtc.RTPCodecTypeVideo)
}

func (c *deviceCapturer) CaptureScreen() (LocalTrack, error) {
	stream, err := mediadevices.GetDisplayMedia(mediadevices.MediaStreamConstraints{
		Codec: c.selector,
		Video: func(_ *mediadevices.MediaTrackConstraints) {},
	})
	if err != nil {
		return nil, err
	}
	return firstTrack(stream, webrtc.RTPCodecTypeVideo)
}

// cameraDeviceFor maps a facing to a concrete device. V4L2 exposes no facing
// metadata, so the first video input counts as user-facing and the second as
// environment-facing; single-camera machines get that one camera either way.
func cameraDeviceFor(facing Facing) (string, error) {
	var cameras []mediadevices.MediaDeviceInfo
	for _, d := range mediadevices.EnumerateDevices() {
		if d.Kind == mediadevices.VideoInput {
			cameras = append(cameras, d)
		}
	}
	switch {
	case len(cameras) == 0:
		return "", fmt.Errorf("no camera devices found")
	case facing == FacingEnvironment && len(cameras) > 1:
		return cameras[1].DeviceID, nil
	default:
		return cameras[0].DeviceID, nil
	}
}

// firstTrack pulls the single track of the wanted kind out of a stream and
// wraps it. Remaining tracks (there should be none) are closed.
func firstTrack(stream mediadevices.MediaStream, kind webrtc.RTPCodecType) (LocalTrack, error) {
	var picked mediadevices.Track
	for _, track := range stream.GetTracks() {
		if picked == nil && track.Kind() == kind {
			picked = track
			continue
		}
		track.Close()
	}
	if picked == nil {
		return nil, fmt.Errorf("capture produced no %s track", kind)
	}
	picked.OnEnded(func(err error) {
		if err != nil {
			log.Printf("CALL: local %s track ended: %v", kind, err)
		}
	})
	return &capturedTrack{Track: picked}, nil
}

// capturedTrack adds the application-level enabled flag on top of a
// mediadevices track. mediadevices has no disable primitive; intentional
// muting is conveyed to peers via the muted signal, not by touching RTP.
type capturedTrack struct {
	mediadevices.Track
	disabled atomic.Bool
}

func (t *capturedTrack) SetEnabled(enabled bool) {
	t.disabled.Store(!enabled)
}

func (t *capturedTrack) Enabled() bool {
	return !t.disabled.Load()
}
