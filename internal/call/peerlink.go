package call

import (
	"fmt"
	"log"

	"github.com/pion/webrtc/v4"
)

// linkState is the per-link connection state machine. closed is terminal
// and reachable from every state.
type linkState int

const (
	linkNew linkState = iota
	linkOfferSent
	linkOfferReceived
	linkAnswerPending
	linkConnected
	linkRenegotiating
	linkClosed
)

func (s linkState) String() string {
	switch s {
	case linkNew:
		return "new"
	case linkOfferSent:
		return "offer-sent"
	case linkOfferReceived:
		return "offer-received"
	case linkAnswerPending:
		return "answer-pending"
	case linkConnected:
		return "connected"
	case linkRenegotiating:
		return "renegotiating"
	case linkClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// PeerLink is one peer-to-peer media session to a single remote participant.
// It is owned exclusively by one Session; all fields are guarded by that
// session's lock. Transport callbacks re-acquire the lock and re-check state
// before touching anything, since the link may have closed in the meantime.
type PeerLink struct {
	key  PeerKey
	sess *Session

	conn  PeerConn
	state linkState

	// Deterministic tie-breaker for renegotiation glare: the side with the
	// smaller wire key keeps its offer, the other rolls back and answers.
	// Role (caller/callee) is not used — it means nothing on group links.
	initiator bool

	buf *candidateBuffer

	// Verbatim copy of the last description sent, for resend_offer.
	lastLocalDesc *webrtc.SessionDescription

	// True while one of our offers is unanswered. A link never has two
	// outstanding offers; a second renegotiation wish is queued instead.
	negotiating         bool
	renegotiationQueued bool

	// True once this link asked the peer to retransmit its offer. One
	// request per link; a peer that stays silent is a failed link, not a
	// retry loop.
	resendRequested bool

	audioSender TrackSender
	videoSender TrackSender

	remoteStats map[string]*trackStats

	// Closed when the link closes; stops the track pumps.
	done chan struct{}
}

func (s *Session) newPeerLink(key PeerKey) (*PeerLink, error) {
	conn, err := s.connFactory()
	if err != nil {
		return nil, fmt.Errorf("create peer connection for %s: %w", key, err)
	}

	link := &PeerLink{
		key:         key,
		sess:        s,
		conn:        conn,
		state:       linkNew,
		initiator:   s.selfKey.Less(key),
		buf:         newCandidateBuffer(),
		remoteStats: make(map[string]*trackStats),
		done:        make(chan struct{}),
	}

	conn.OnICECandidate(func(candidate webrtc.ICECandidateInit) {
		// Transport goroutine: the session identity stamped by sendTo is
		// mutable (convert-to-group), so take the lock like onRemoteTrack.
		s.mu.Lock()
		defer s.mu.Unlock()
		if link.state == linkClosed {
			return
		}
		s.sendTo(key, Signal{Type: SigICE, Candidate: &candidate})
	})
	conn.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		link.onRemoteTrack(track)
	})
	conn.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		link.onTransportState(state)
	})

	// Links always start from the controller's current tracks, so a link
	// created after a media change carries that change from its first offer.
	audio, video := s.media.CurrentTracks()
	if audio != nil {
		sender, err := conn.AddTrack(audio)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("attach audio for %s: %w", key, err)
		}
		link.audioSender = sender
		if s.media.Muted() {
			// The slot negotiates with the real track but must not carry
			// media while the mic is muted.
			if err := sender.ReplaceTrack(nil); err != nil {
				log.Printf("CALL [%s]: mute audio slot for %s: %v", s.conversationID, key, err)
			}
		}
	}
	if video != nil {
		sender, err := conn.AddTrack(video)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("attach video for %s: %w", key, err)
		}
		link.videoSender = sender
	}

	return link, nil
}

// State returns the current connection state name.
func (l *PeerLink) State() string {
	l.sess.mu.Lock()
	defer l.sess.mu.Unlock()
	return l.state.String()
}

// sendOffer starts a negotiation round toward the peer. If a round is
// already outstanding the wish is queued and replayed once the current round
// completes — never two unanswered offers at once.
func (l *PeerLink) sendOffer() error {
	if l.state == linkClosed {
		return nil
	}
	if l.negotiating {
		l.renegotiationQueued = true
		return nil
	}

	offer, err := l.conn.CreateOffer()
	if err != nil {
		l.fail(fmt.Errorf("create offer: %w", err))
		return fmt.Errorf("%w: %v", ErrNegotiationFailed, err)
	}
	if l.state == linkClosed {
		// Closed while the offer was being produced; drop the stale result.
		return nil
	}

	l.negotiating = true
	l.lastLocalDesc = &offer
	switch l.state {
	case linkConnected:
		l.state = linkRenegotiating
	case linkNew:
		l.state = linkOfferSent
	}
	l.sess.sendTo(l.key, Signal{Type: SigSDP, SDP: &offer})
	return nil
}

// handleRemoteDescription consumes an inbound offer or answer. Stale and
// duplicate descriptions are dropped silently — expected under asynchronous
// delivery, never an error.
func (l *PeerLink) handleRemoteDescription(desc webrtc.SessionDescription) error {
	if l.state == linkClosed {
		return nil
	}

	switch desc.Type {
	case webrtc.SDPTypeAnswer:
		return l.handleRemoteAnswer(desc)
	case webrtc.SDPTypeOffer:
		return l.handleRemoteOffer(desc)
	default:
		log.Printf("CALL [%s]: dropping %s description from %s", l.sess.conversationID, desc.Type, l.key)
		return nil
	}
}

func (l *PeerLink) handleRemoteAnswer(desc webrtc.SessionDescription) error {
	if !l.negotiating {
		// Duplicate or stale answer for a round that already completed.
		return nil
	}
	if err := l.conn.SetRemoteDescription(desc); err != nil {
		l.fail(fmt.Errorf("apply answer: %w", err))
		return nil
	}
	if err := l.flushCandidates(); err != nil {
		log.Printf("CALL [%s]: flush candidates for %s: %v", l.sess.conversationID, l.key, err)
	}

	l.negotiating = false
	l.state = linkConnected

	if l.renegotiationQueued {
		l.renegotiationQueued = false
		return l.sendOffer()
	}
	return nil
}

func (l *PeerLink) handleRemoteOffer(desc webrtc.SessionDescription) error {
	if l.negotiating {
		// Glare: both ends offered at once. The initiator's offer stands
		// and the peer will answer it; the non-initiator abandons its own
		// round, answers the peer, and re-offers afterwards.
		if l.initiator {
			return nil
		}
		l.negotiating = false
		l.renegotiationQueued = true
	}

	if l.state == linkNew {
		l.state = linkOfferReceived
	}
	if err := l.conn.SetRemoteDescription(desc); err != nil {
		l.fail(fmt.Errorf("apply offer: %w", err))
		return nil
	}
	if err := l.flushCandidates(); err != nil {
		log.Printf("CALL [%s]: flush candidates for %s: %v", l.sess.conversationID, l.key, err)
	}

	l.state = linkAnswerPending
	answer, err := l.conn.CreateAnswer()
	if err != nil {
		l.fail(fmt.Errorf("create answer: %w", err))
		return nil
	}
	if l.state == linkClosed {
		return nil
	}

	l.lastLocalDesc = &answer
	l.sess.sendTo(l.key, Signal{Type: SigSDP, SDP: &answer})
	l.state = linkConnected

	if l.renegotiationQueued {
		l.renegotiationQueued = false
		return l.sendOffer()
	}
	return nil
}

// handleCandidate applies or buffers a connectivity hint. Candidates that
// land before the remote description are queued and flushed in order once
// the description arrives.
func (l *PeerLink) handleCandidate(candidate webrtc.ICECandidateInit) error {
	if l.state == linkClosed {
		return nil
	}
	if candidate.Candidate == "" {
		// Some clients send an empty candidate when their gathering ends.
		return nil
	}
	if !l.conn.HasRemoteDescription() && l.buf.add(candidate) {
		return nil
	}
	return l.conn.AddICECandidate(candidate)
}

// maybeRequestResend reacts to candidates arriving off the wire for a link
// that never saw a description: the peer is already gathering, so its offer
// must have been lost in transit. Ask for a verbatim retransmission, once.
// Not part of handleCandidate because the early-candidate flush at link
// creation runs right before the pending description is applied.
func (l *PeerLink) maybeRequestResend() {
	if l.resendRequested || l.state != linkNew {
		return
	}
	l.resendRequested = true
	l.sess.sendTo(l.key, Signal{Type: SigResendOffer})
}

func (l *PeerLink) flushCandidates() error {
	return l.buf.flush(l.conn.AddICECandidate)
}

// handleResendOffer retransmits the last description sent, bit for bit. It
// must not start a new round or touch any negotiation state: the requester
// missed the original transmission and expects exactly that one.
func (l *PeerLink) handleResendOffer() {
	if l.state == linkClosed || l.lastLocalDesc == nil {
		return
	}
	l.sess.sendTo(l.key, Signal{Type: SigSDP, SDP: l.lastLocalDesc})
}

// setVideoTrack updates the outbound video slot. An existing slot gets the
// track swapped in place with no renegotiation; creating the slot costs one
// renegotiation round.
func (l *PeerLink) setVideoTrack(track webrtc.TrackLocal) error {
	if l.state == linkClosed {
		return nil
	}
	if l.videoSender != nil {
		return l.videoSender.ReplaceTrack(track)
	}
	if track == nil {
		return nil
	}
	sender, err := l.conn.AddTrack(track)
	if err != nil {
		return fmt.Errorf("add video slot for %s: %w", l.key, err)
	}
	l.videoSender = sender
	return l.sendOffer()
}

// setAudioTrack updates what the audio slot sends. Muting passes nil: the
// slot is emptied in place and survives, so unmuting never renegotiates.
func (l *PeerLink) setAudioTrack(track webrtc.TrackLocal) error {
	if l.state == linkClosed || l.audioSender == nil {
		return nil
	}
	return l.audioSender.ReplaceTrack(track)
}

func (l *PeerLink) onRemoteTrack(track *webrtc.TrackRemote) {
	l.sess.mu.Lock()
	if l.state == linkClosed {
		l.sess.mu.Unlock()
		return
	}
	stats := &trackStats{}
	l.remoteStats[track.ID()] = stats
	done := l.done
	l.sess.mu.Unlock()

	log.Printf("CALL [%s]: remote %s track from %s", l.sess.conversationID, track.Kind(), l.key)
	go pumpRemoteTrack(l.conn, track, stats, done)
}

func (l *PeerLink) onTransportState(state webrtc.PeerConnectionState) {
	log.Printf("CALL [%s]: link %s transport %s", l.sess.conversationID, l.key, state)
	if state == webrtc.PeerConnectionStateFailed {
		l.sess.onLinkFailed(l)
	}
}

// fail marks the link broken and tells the session. Other links of a group
// session are unaffected.
func (l *PeerLink) fail(err error) {
	log.Printf("CALL [%s]: link %s failed: %v", l.sess.conversationID, l.key, err)
	l.closeLocked()
	l.sess.linkFailedLocked(l)
}

// closeLocked tears the link down. Terminal and idempotent; pending
// asynchronous work sees the state change and suppresses its effects.
func (l *PeerLink) closeLocked() {
	if l.state == linkClosed {
		return
	}
	l.state = linkClosed
	l.negotiating = false
	l.renegotiationQueued = false
	close(l.done)
	if err := l.conn.Close(); err != nil {
		log.Printf("CALL [%s]: close link %s: %v", l.sess.conversationID, l.key, err)
	}
}

// LinkStatus is the wire view of one link for the status API.
type LinkStatus struct {
	Peer        string            `json:"peer"`
	State       string            `json:"state"`
	HasVideoOut bool              `json:"has_video_out"`
	Inbound     map[string]uint64 `json:"inbound_packets,omitempty"`
}

func (l *PeerLink) statusLocked() LinkStatus {
	st := LinkStatus{
		Peer:        l.key.String(),
		State:       l.state.String(),
		HasVideoOut: l.videoSender != nil,
	}
	if len(l.remoteStats) > 0 {
		st.Inbound = make(map[string]uint64, len(l.remoteStats))
		for id, stats := range l.remoteStats {
			packets, _ := stats.snapshot()
			st.Inbound[id] = packets
		}
	}
	return st
}
