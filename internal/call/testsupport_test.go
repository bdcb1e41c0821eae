package call

import (
	"fmt"
	"sync"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
)

// ─── Signaler fake ───────────────────────────────────────────────────────────

type sentSignal struct {
	Conversation string
	To           PeerKey
	Broadcast    bool
	Signal       Signal
}

type fakeSignaler struct {
	mu   sync.Mutex
	sent []sentSignal
	subs []chan *Envelope
}

func newFakeSignaler() *fakeSignaler {
	return &fakeSignaler{}
}

func (f *fakeSignaler) Send(conversationID string, to PeerKey, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentSignal{Conversation: conversationID, To: to, Signal: payload.(Signal)})
	return nil
}

func (f *fakeSignaler) Broadcast(conversationID string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentSignal{Conversation: conversationID, Broadcast: true, Signal: payload.(Signal)})
	return nil
}

func (f *fakeSignaler) Subscribe() (chan *Envelope, func()) {
	ch := make(chan *Envelope, 16)
	f.mu.Lock()
	f.subs = append(f.subs, ch)
	f.mu.Unlock()
	return ch, func() {}
}

func (f *fakeSignaler) sentSignals() []sentSignal {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]sentSignal, len(f.sent))
	copy(out, f.sent)
	return out
}

// sentOfType filters recorded outbound signals by type.
func (f *fakeSignaler) sentOfType(sigType string) []sentSignal {
	var out []sentSignal
	for _, s := range f.sentSignals() {
		if s.Signal.Type == sigType {
			out = append(out, s)
		}
	}
	return out
}

// ─── PeerConn fake ───────────────────────────────────────────────────────────

type fakeSender struct {
	track    webrtc.TrackLocal
	replaced []webrtc.TrackLocal
}

func (s *fakeSender) ReplaceTrack(track webrtc.TrackLocal) error {
	s.track = track
	s.replaced = append(s.replaced, track)
	return nil
}

type fakeConn struct {
	mu sync.Mutex

	senders        []*fakeSender
	offersCreated  int
	answersCreated int
	remoteDescs    []webrtc.SessionDescription
	candidates     []webrtc.ICECandidateInit
	closed         bool

	failSetRemote error

	onICE   func(webrtc.ICECandidateInit)
	onTrack func(*webrtc.TrackRemote, *webrtc.RTPReceiver)
	onState func(webrtc.PeerConnectionState)
}

func (c *fakeConn) AddTrack(track webrtc.TrackLocal) (TrackSender, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sender := &fakeSender{track: track}
	c.senders = append(c.senders, sender)
	return sender, nil
}

func (c *fakeConn) CreateOffer() (webrtc.SessionDescription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.offersCreated++
	return webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  fmt.Sprintf("v=0 offer-%d", c.offersCreated),
	}, nil
}

func (c *fakeConn) CreateAnswer() (webrtc.SessionDescription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.answersCreated++
	return webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  fmt.Sprintf("v=0 answer-%d", c.answersCreated),
	}, nil
}

func (c *fakeConn) SetRemoteDescription(desc webrtc.SessionDescription) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failSetRemote != nil {
		return c.failSetRemote
	}
	c.remoteDescs = append(c.remoteDescs, desc)
	return nil
}

func (c *fakeConn) HasRemoteDescription() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.remoteDescs) > 0
}

func (c *fakeConn) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.candidates = append(c.candidates, candidate)
	return nil
}

func (c *fakeConn) OnICECandidate(fn func(webrtc.ICECandidateInit)) { c.onICE = fn }
func (c *fakeConn) OnTrack(fn func(*webrtc.TrackRemote, *webrtc.RTPReceiver)) {
	c.onTrack = fn
}
func (c *fakeConn) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	c.onState = fn
}

func (c *fakeConn) WriteRTCP([]rtcp.Packet) error { return nil }

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// connRecorder hands out fakeConns and remembers them in creation order.
type connRecorder struct {
	mu    sync.Mutex
	conns []*fakeConn
}

func (r *connRecorder) factory() (PeerConn, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn := &fakeConn{}
	r.conns = append(r.conns, conn)
	return conn, nil
}

// ─── Capturer fake ───────────────────────────────────────────────────────────

type fakeTrack struct {
	id      string
	kind    webrtc.RTPCodecType
	closed  bool
	enabled bool
}

func (t *fakeTrack) Bind(webrtc.TrackLocalContext) (webrtc.RTPCodecParameters, error) {
	return webrtc.RTPCodecParameters{}, nil
}
func (t *fakeTrack) Unbind(webrtc.TrackLocalContext) error { return nil }
func (t *fakeTrack) ID() string                            { return t.id }
func (t *fakeTrack) RID() string                           { return "" }
func (t *fakeTrack) StreamID() string                      { return "test" }
func (t *fakeTrack) Kind() webrtc.RTPCodecType             { return t.kind }
func (t *fakeTrack) Close() error                          { t.closed = true; return nil }
func (t *fakeTrack) SetEnabled(enabled bool)               { t.enabled = enabled }

type fakeCapturer struct {
	micErr    error
	camErr    error
	screenErr error

	micCount    int
	camCount    int
	screenCount int

	// Facing of every camera capture, in order.
	facings []Facing

	// Every track handed out, for asserting hardware release.
	tracks []*fakeTrack
}

func (c *fakeCapturer) CaptureMicrophone() (LocalTrack, error) {
	if c.micErr != nil {
		return nil, c.micErr
	}
	c.micCount++
	track := &fakeTrack{id: fmt.Sprintf("mic-%d", c.micCount), kind: webrtc.RTPCodecTypeAudio, enabled: true}
	c.tracks = append(c.tracks, track)
	return track, nil
}

func (c *fakeCapturer) CaptureCamera(facing Facing) (LocalTrack, error) {
	if c.camErr != nil {
		return nil, c.camErr
	}
	c.camCount++
	c.facings = append(c.facings, facing)
	track := &fakeTrack{id: fmt.Sprintf("cam-%d", c.camCount), kind: webrtc.RTPCodecTypeVideo, enabled: true}
	c.tracks = append(c.tracks, track)
	return track, nil
}

func (c *fakeCapturer) CaptureScreen() (LocalTrack, error) {
	if c.screenErr != nil {
		return nil, c.screenErr
	}
	c.screenCount++
	track := &fakeTrack{id: fmt.Sprintf("screen-%d", c.screenCount), kind: webrtc.RTPCodecTypeVideo, enabled: true}
	c.tracks = append(c.tracks, track)
	return track, nil
}

// ─── Harness ─────────────────────────────────────────────────────────────────

var (
	selfK = AccountKey("alice")
	peerB = AccountKey("bob")
	peerC = AccountKey("carol")
)

type harness struct {
	sig   *fakeSignaler
	conns *connRecorder
	cap   *fakeCapturer
	sess  *Session
}

func newHarness() *harness {
	return newHarnessWith(MediaPrefs{})
}

func newHarnessWith(prefs MediaPrefs) *harness {
	h := &harness{
		sig:   newFakeSignaler(),
		conns: &connRecorder{},
		cap:   &fakeCapturer{},
	}
	h.sess = newSession("conv1", selfK, h.sig, h.conns.factory, h.cap, prefs, nil)
	return h
}

// deliver feeds one signal into the session as if routed by the manager.
func (h *harness) deliver(from PeerKey, sig Signal) {
	h.sess.handleSignal(from, sig)
}

// answerFrom completes the current negotiation round from the peer's side.
func (h *harness) answerFrom(from PeerKey) {
	h.deliver(from, Signal{Type: SigSDP, SDP: &webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  "v=0 remote-answer",
	}})
}

func offerSig(n int) Signal {
	return Signal{Type: SigSDP, SDP: &webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  fmt.Sprintf("v=0 remote-offer-%d", n),
	}}
}

func candidateSig(n int) Signal {
	return Signal{Type: SigICE, Candidate: &webrtc.ICECandidateInit{
		Candidate: fmt.Sprintf("candidate:%d 1 udp 2130706431 192.0.2.%d 54321 typ host", n, n),
	}}
}
