package call

import (
	"log"

	"github.com/pion/webrtc/v4"
)

// VideoSource names what currently occupies the single outbound video slot.
type VideoSource string

const (
	SourceNone   VideoSource = "none"
	SourceCamera VideoSource = "camera"
	SourceScreen VideoSource = "screen"
)

// Facing selects which camera to capture on devices that have more than one.
type Facing string

const (
	FacingUser        Facing = "user"
	FacingEnvironment Facing = "environment"
)

// LocalTrack is a live local capture. Close must stop the underlying
// hardware capture, not merely detach it, so the device is released.
type LocalTrack interface {
	webrtc.TrackLocal
	Close() error
}

// Capturer opens local capture devices. The production implementation sits
// in capture_linux.go on top of pion/mediadevices; tests inject fakes.
type Capturer interface {
	CaptureMicrophone() (LocalTrack, error)
	CaptureCamera(facing Facing) (LocalTrack, error)
	CaptureScreen() (LocalTrack, error)
}

// linkFanout is the session-side surface the media controller applies
// changes through. The owning session implements it; callbacks run with the
// session lock already held.
type linkFanout interface {
	forEachLink(fn func(*PeerLink))
	broadcastSignal(sig Signal)
}

// MediaPrefs carries the user's capture preferences from configuration.
type MediaPrefs struct {
	// Facing is the camera a video call starts with; empty means FacingUser.
	Facing Facing

	// VideoDisabled keeps camera and screen capture off entirely; calls on
	// this device stay voice-only no matter what mode they were started in.
	VideoDisabled bool
}

// MediaController owns the local capture tracks of one session and keeps
// every link's outbound slots in sync as they change. All methods assume the
// owning session's lock is held — the controller has no lock of its own.
type MediaController struct {
	capturer Capturer
	fanout   linkFanout

	audio  LocalTrack
	video  LocalTrack
	source VideoSource
	facing Facing

	micMuted      bool
	videoDisabled bool

	// Whether the camera was live when screen sharing started, so stopping
	// the share can switch capture back.
	cameraBeforeShare bool
}

func newMediaController(capturer Capturer, fanout linkFanout, prefs MediaPrefs) *MediaController {
	facing := prefs.Facing
	if facing == "" {
		facing = FacingUser
	}
	return &MediaController{
		capturer:      capturer,
		fanout:        fanout,
		source:        SourceNone,
		facing:        facing,
		videoDisabled: prefs.VideoDisabled,
	}
}

// acquire opens the captures a call in the given mode needs. It either
// succeeds completely or leaves nothing open.
func (m *MediaController) acquire(mode Mode) error {
	audio, err := m.capturer.CaptureMicrophone()
	if err != nil {
		return &AcquisitionError{Kind: CaptureMicrophone, Err: err}
	}
	m.audio = audio

	if mode == ModeVideo && m.videoDisabled {
		// The device opted out of video; join the call voice-only rather
		// than failing it.
		log.Printf("CALL: video disabled by configuration, capturing audio only")
		return nil
	}
	if mode == ModeVideo {
		video, err := m.capturer.CaptureCamera(m.facing)
		if err != nil {
			m.audio.Close()
			m.audio = nil
			return &AcquisitionError{Kind: CaptureCamera, Err: err}
		}
		m.video = video
		m.source = SourceCamera
	}
	return nil
}

// CurrentTracks returns the tracks a newly created link must start with.
// Always the live state, never a snapshot: links created after a media
// change pick up that change.
func (m *MediaController) CurrentTracks() (audio, video webrtc.TrackLocal) {
	if m.audio != nil {
		audio = m.audio
	}
	if m.video != nil {
		video = m.video
	}
	return audio, video
}

// Muted reports the application-level microphone mute state.
func (m *MediaController) Muted() bool { return m.micMuted }

// Sharing reports whether the video slot carries the screen capture.
func (m *MediaController) Sharing() bool { return m.source == SourceScreen }

// Source reports what occupies the outbound video slot.
func (m *MediaController) Source() VideoSource { return m.source }

// ToggleMicrophone flips local mute. Muting empties the audio slot on every
// link in place — the slot and the capture survive, so unmuting is a plain
// replace with no renegotiation. Peers additionally learn about it through
// the application-level muted broadcast, because transport-level silence
// does not express intent.
func (m *MediaController) ToggleMicrophone() bool {
	m.micMuted = !m.micMuted
	if t, ok := m.audio.(interface{ SetEnabled(bool) }); ok {
		t.SetEnabled(!m.micMuted)
	}
	m.applyAudioToLinks(m.outboundAudio())
	m.fanout.broadcastSignal(Signal{Type: SigMuted, Muted: boolPtr(m.micMuted)})
	return m.micMuted
}

// outboundAudio is the track links should actually send: nil while muted.
func (m *MediaController) outboundAudio() webrtc.TrackLocal {
	if m.micMuted || m.audio == nil {
		return nil
	}
	return m.audio
}

// EnableVideo acquires the camera and puts it on every link's video slot.
// Links that already have a slot get the track replaced in place; links
// without one get a slot added, which costs a renegotiation round each.
func (m *MediaController) EnableVideo() error {
	if m.videoDisabled {
		return ErrVideoDisabled
	}
	switch m.source {
	case SourceCamera:
		return nil
	case SourceScreen:
		return ErrScreenShareActive
	}

	video, err := m.capturer.CaptureCamera(m.facing)
	if err != nil {
		return &AcquisitionError{Kind: CaptureCamera, Err: err}
	}
	m.video = video
	m.source = SourceCamera
	m.applyVideoToLinks(video)
	return nil
}

// DisableVideo stops the camera capture and empties the video slot on every
// link. The slot itself survives, so re-enabling later is a plain replace.
func (m *MediaController) DisableVideo() error {
	if m.source != SourceCamera {
		return nil
	}
	m.stopVideo()
	m.applyVideoToLinks(nil)
	return nil
}

// StartScreenShare swaps the screen capture into the video slot. The camera
// occupies the same slot, so a live camera is stopped first and remembered
// for StopScreenShare.
func (m *MediaController) StartScreenShare() error {
	if m.videoDisabled {
		return ErrVideoDisabled
	}
	if m.source == SourceScreen {
		return nil
	}

	m.cameraBeforeShare = m.source == SourceCamera
	if m.cameraBeforeShare {
		m.stopVideo()
	}

	screen, err := m.capturer.CaptureScreen()
	if err != nil {
		// Screen capture failed; bring the camera back if it was live.
		if m.cameraBeforeShare {
			if restoreErr := m.EnableVideo(); restoreErr != nil {
				log.Printf("CALL: camera restore after failed screen share: %v", restoreErr)
			}
			m.cameraBeforeShare = false
		}
		return &AcquisitionError{Kind: CaptureScreen, Err: err}
	}
	m.video = screen
	m.source = SourceScreen
	m.applyVideoToLinks(screen)
	m.fanout.broadcastSignal(Signal{Type: SigScreenShare, Sharing: boolPtr(true)})
	return nil
}

// StopScreenShare releases the screen capture and, when the camera was live
// before sharing began, switches capture back to it.
func (m *MediaController) StopScreenShare() error {
	if m.source != SourceScreen {
		return nil
	}
	m.stopVideo()
	m.fanout.broadcastSignal(Signal{Type: SigScreenShare, Sharing: boolPtr(false)})

	if m.cameraBeforeShare {
		m.cameraBeforeShare = false
		return m.EnableVideo()
	}
	m.applyVideoToLinks(nil)
	return nil
}

// SwitchCameraFacing re-acquires the camera with the opposite facing and
// replaces the outbound track in place on every link. Unavailable while the
// slot carries the screen capture.
func (m *MediaController) SwitchCameraFacing() error {
	if m.source == SourceScreen {
		return ErrScreenShareActive
	}
	if m.source != SourceCamera {
		return ErrNoActiveVideo
	}

	next := FacingEnvironment
	if m.facing == FacingEnvironment {
		next = FacingUser
	}
	video, err := m.capturer.CaptureCamera(next)
	if err != nil {
		return &AcquisitionError{Kind: CaptureCamera, Err: err}
	}

	old := m.video
	m.video = video
	m.facing = next
	m.applyVideoToLinks(video)
	if old != nil {
		old.Close()
	}
	return nil
}

// releaseAll stops every live capture. Called once when the session ends.
func (m *MediaController) releaseAll() {
	if m.audio != nil {
		m.audio.Close()
		m.audio = nil
	}
	m.stopVideo()
	m.cameraBeforeShare = false
}

func (m *MediaController) stopVideo() {
	if m.video != nil {
		m.video.Close()
		m.video = nil
	}
	m.source = SourceNone
}

// applyVideoToLinks pushes the current video track to every open link.
// Per-link failures are isolated: one broken link must not keep the others
// from converging.
func (m *MediaController) applyVideoToLinks(track webrtc.TrackLocal) {
	m.fanout.forEachLink(func(link *PeerLink) {
		if err := link.setVideoTrack(track); err != nil {
			log.Printf("CALL: set video track on link %s: %v", link.key, err)
		}
	})
}

// applyAudioToLinks swaps what every open link sends on its audio slot.
func (m *MediaController) applyAudioToLinks(track webrtc.TrackLocal) {
	m.fanout.forEachLink(func(link *PeerLink) {
		if err := link.setAudioTrack(track); err != nil {
			log.Printf("CALL: set audio track on link %s: %v", link.key, err)
		}
	})
}
