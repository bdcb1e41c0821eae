package call

import (
	"io"
	"log"
	"sync/atomic"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// TrackSender is the outbound slot a local track is attached to. ReplaceTrack
// swaps the source in place without renegotiation; passing nil empties the
// slot but keeps it in the SDP.
type TrackSender interface {
	ReplaceTrack(track webrtc.TrackLocal) error
}

// PeerConn abstracts the slice of *webrtc.PeerConnection the call core uses,
// so the state machine can be driven in tests without devices or network.
type PeerConn interface {
	AddTrack(track webrtc.TrackLocal) (TrackSender, error)
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetRemoteDescription(desc webrtc.SessionDescription) error
	HasRemoteDescription() bool
	AddICECandidate(candidate webrtc.ICECandidateInit) error

	OnICECandidate(fn func(webrtc.ICECandidateInit))
	OnTrack(fn func(*webrtc.TrackRemote, *webrtc.RTPReceiver))
	OnConnectionStateChange(fn func(webrtc.PeerConnectionState))

	WriteRTCP(pkts []rtcp.Packet) error
	Close() error
}

// ConnFactory builds one PeerConn per PeerLink. The production factory wraps
// Pion; tests inject a scripted fake.
type ConnFactory func() (PeerConn, error)

// NewPionConnFactory returns a ConnFactory producing real Pion peer
// connections with default codecs and interceptors.
func NewPionConnFactory(iceServers []webrtc.ICEServer) ConnFactory {
	return func() (PeerConn, error) {
		mediaEngine := &webrtc.MediaEngine{}
		if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
			return nil, err
		}

		interceptorRegistry := &interceptor.Registry{}
		if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
			return nil, err
		}

		// Generous ICE timeouts: a brief relay/NAT hiccup should not end
		// the call. The 5 s default disconnect is far too short for relay
		// paths that drop out briefly during re-keying or failover.
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
}

type pionConn struct {
	pc *webrtc.PeerConnection
}

func (c *pionConn) AddTrack(track webrtc.TrackLocal) (TrackSender, error) {
	return c.pc.AddTrack(track)
}

func (c *pionConn) CreateOffer() (webrtc.SessionDescription, error) {
	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := c.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return offer, nil
}

func (c *pionConn) CreateAnswer() (webrtc.SessionDescription, error) {
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := c.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return answer, nil
}

func (c *pionConn) SetRemoteDescription(desc webrtc.SessionDescription) error {
	// Accepting a remote offer while our own offer is pending means the
	// caller already decided to yield the glare; roll our offer back first
	// or Pion rejects the description.
	if desc.Type == webrtc.SDPTypeOffer && c.pc.SignalingState() == webrtc.SignalingStateHaveLocalOffer {
		rollback := webrtc.SessionDescription{Type: webrtc.SDPTypeRollback}
		if err := c.pc.SetLocalDescription(rollback); err != nil {
			return err
		}
	}
	return c.pc.SetRemoteDescription(desc)
}

func (c *pionConn) HasRemoteDescription() bool {
	return c.pc.RemoteDescription() != nil
}

func (c *pionConn) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	return c.pc.AddICECandidate(candidate)
}

func (c *pionConn) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	c.pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		// Pion signals end of gathering with nil; peers only need real ones.
		if cand != nil {
			fn(cand.ToJSON())
		}
	})
}

func (c *pionConn) OnTrack(fn func(*webrtc.TrackRemote, *webrtc.RTPReceiver)) {
	c.pc.OnTrack(fn)
}

func (c *pionConn) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	c.pc.OnConnectionStateChange(fn)
}

func (c *pionConn) WriteRTCP(pkts []rtcp.Packet) error {
	return c.pc.WriteRTCP(pkts)
}

func (c *pionConn) Close() error {
	return c.pc.Close()
}

// pliInterval is how often a PLI is requested for an inbound video track so
// receivers that attach mid-stream get a keyframe promptly.
const pliInterval = 3 * time.Second

// trackStats counts inbound RTP for one remote track. Read via snapshot()
// for the status API; written only by the pump goroutine.
type trackStats struct {
	packets atomic.Uint64
	bytes   atomic.Uint64
}

func (s *trackStats) observe(pkt *rtp.Packet) {
	s.packets.Add(1)
	s.bytes.Add(uint64(len(pkt.Payload)))
}

func (s *trackStats) snapshot() (packets, bytes uint64) {
	return s.packets.Load(), s.bytes.Load()
}

// pumpRemoteTrack drains an inbound track and, for video, keeps requesting
// keyframes. Rendering consumes the same track object elsewhere; this pump
// only keeps the RTP flow and RTCP feedback alive.
func pumpRemoteTrack(conn PeerConn, track *webrtc.TrackRemote, stats *trackStats, done <-chan struct{}) {
	if track.Kind() == webrtc.RTPCodecTypeVideo {
		go func() {
			ticker := time.NewTicker(pliInterval)
			defer ticker.Stop()
			for {
				select {
				case <-done:
					return
				case <-ticker.C:
					err := conn.WriteRTCP([]rtcp.Packet{
						&rtcp.PictureLossIndication{MediaSSRC: uint32(track.SSRC())},
					})
					if err != nil {
						return
					}
				}
			}
		}()
	}

	for {
		select {
		case <-done:
			return
		default:
		}
		pkt, _, err := track.ReadRTP()
		if err != nil {
			if err != io.EOF {
				log.Printf("CALL: remote track %s read ended: %v", track.ID(), err)
			}
			return
		}
		stats.observe(pkt)
	}
}
