package call

import (
	"log"
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v4"
)

// sessionState is the lifecycle of one call session.
type sessionState int

const (
	statePendingOutgoing sessionState = iota // we invited, awaiting answer
	statePendingIncoming                     // invited, awaiting local accept
	stateActive
	stateEnded
)

func (s sessionState) String() string {
	switch s {
	case statePendingOutgoing:
		return "pending-outgoing"
	case statePendingIncoming:
		return "pending-incoming"
	case stateActive:
		return "active"
	case stateEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// Role of the local participant in a 1:1 call. Meaningless on group calls.
type Role string

const (
	RoleCaller Role = "caller"
	RoleCallee Role = "callee"
)

// remoteMediaState mirrors the application-level flags a peer broadcast.
type remoteMediaState struct {
	Muted   bool `json:"muted"`
	Sharing bool `json:"sharing"`
}

// Session is one call (1:1 or group): the roster, one PeerLink per remote
// participant, and the local media. All mutable state is guarded by mu; no
// package-level call state exists anywhere.
type Session struct {
	mu sync.Mutex

	conversationID string
	callID         string
	groupID        string // non-empty marks a group call
	mode           Mode
	role           Role
	state          sessionState

	// Mirrors state == stateEnded for lock-free reads by the manager's
	// registry (avoids a lock-order inversion with its own mutex).
	endedFlag atomic.Bool

	selfKey     PeerKey
	sig         Signaler
	connFactory ConnFactory
	media       *MediaController

	links map[PeerKey]*PeerLink

	// Candidates that arrived before their PeerLink existed (e.g. during
	// pending-incoming). Handed to the link at creation.
	earlyCandidates map[PeerKey]*candidateBuffer

	// An offer that raced ahead of the user's accept action.
	bufferedOffer *webrtc.SessionDescription
	bufferedFrom  PeerKey

	remoteMedia map[PeerKey]remoteMediaState
	guestNames  map[int64]string

	// Verifies guest join tokens; nil admits everyone.
	guestGate GuestGate

	// Invoked once on transition to ended, for registry cleanup.
	onEnded func(*Session)
}

func newSession(conversationID string, selfKey PeerKey, sig Signaler, factory ConnFactory, capturer Capturer, prefs MediaPrefs, onEnded func(*Session)) *Session {
	s := &Session{
		conversationID:  conversationID,
		selfKey:         selfKey,
		sig:             sig,
		connFactory:     factory,
		links:           make(map[PeerKey]*PeerLink),
		earlyCandidates: make(map[PeerKey]*candidateBuffer),
		remoteMedia:     make(map[PeerKey]remoteMediaState),
		guestNames:      make(map[int64]string),
		onEnded:         onEnded,
	}
	s.media = newMediaController(capturer, (*sessionFanout)(s), prefs)
	return s
}

// sessionFanout lets the media controller reach the links without exporting
// session internals. Methods run with the session lock held.
type sessionFanout Session

func (f *sessionFanout) forEachLink(fn func(*PeerLink)) {
	for _, link := range f.links {
		fn(link)
	}
}

func (f *sessionFanout) broadcastSignal(sig Signal) {
	(*Session)(f).broadcastLocked(sig)
}

// ─── Accessors ───────────────────────────────────────────────────────────────

func (s *Session) ConversationID() string { return s.conversationID }

func (s *Session) CallID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.callID
}

func (s *Session) Mode() Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

func (s *Session) State() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.String()
}

func (s *Session) ended() bool {
	return s.endedFlag.Load()
}

// isGroup is true for group calls; guarded by mu at call sites.
func (s *Session) isGroup() bool { return s.groupID != "" }

// ─── Lifecycle operations ────────────────────────────────────────────────────

// start drives an outgoing 1:1 call: acquire media, create the single link
// eagerly, send invite plus the first offer. Media fails before any link
// exists, so no half-created state is left behind.
func (s *Session) start(callID string, target PeerKey, mode Mode) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.media.acquire(mode); err != nil {
		return err
	}
	s.callID = callID
	s.mode = mode
	s.role = RoleCaller
	s.state = statePendingOutgoing

	link, err := s.createLinkLocked(target)
	if err != nil {
		s.media.releaseAll()
		return err
	}

	s.sendTo(target, Signal{Type: SigInvite, Mode: mode})
	if err := link.sendOffer(); err != nil {
		return err
	}
	log.Printf("CALL [%s]: started %s call %s → %s", s.conversationID, mode, callID, target)
	return nil
}

// startGroup registers an outgoing group call. No links yet: participants
// announce themselves through roster deltas and each joiner offers to us.
func (s *Session) startGroup(groupID string, mode Mode) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.media.acquire(mode); err != nil {
		return err
	}
	s.groupID = groupID
	s.mode = mode
	s.state = stateActive
	log.Printf("CALL [%s]: started group call %s (%s)", s.conversationID, groupID, mode)
	return nil
}

// joinGroup attaches to a group call already in progress. The joiner offers
// to every pre-existing member — never the other way around — so an N-way
// join cannot glare.
func (s *Session) joinGroup(groupID string, mode Mode, roster []RosterEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.media.acquire(mode); err != nil {
		return err
	}
	s.groupID = groupID
	s.mode = mode
	s.state = stateActive

	for _, entry := range roster {
		if entry.Key == s.selfKey {
			continue
		}
		if entry.Key.Kind == PeerGuest {
			s.guestNames[entry.Key.Guest] = entry.DisplayName
		}
		link, err := s.createLinkLocked(entry.Key)
		if err != nil {
			log.Printf("CALL [%s]: link to %s: %v", s.conversationID, entry.Key, err)
			continue
		}
		if err := link.sendOffer(); err != nil {
			log.Printf("CALL [%s]: offer to %s: %v", s.conversationID, entry.Key, err)
		}
	}
	log.Printf("CALL [%s]: joined group %s with %d peers", s.conversationID, groupID, len(s.links))
	return nil
}

// markIncoming primes a freshly created session as pending-incoming.
func (s *Session) markIncoming(callID string, caller PeerKey, mode Mode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callID = callID
	s.mode = mode
	s.role = RoleCallee
	s.state = statePendingIncoming
	s.bufferedFrom = caller
}

// Accept resolves a pending-incoming session. An offer that raced ahead of
// the user's accept is consumed now.
func (s *Session) Accept() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == stateEnded {
		return ErrCallEnded
	}
	if s.state != statePendingIncoming {
		return nil
	}
	if err := s.media.acquire(s.mode); err != nil {
		return err
	}

	link, err := s.createLinkLocked(s.bufferedFrom)
	if err != nil {
		s.media.releaseAll()
		return err
	}
	s.state = stateActive

	if s.bufferedOffer != nil {
		offer := *s.bufferedOffer
		s.bufferedOffer = nil
		if err := link.handleRemoteDescription(offer); err != nil {
			return err
		}
	}
	log.Printf("CALL [%s]: accepted call %s from %s", s.conversationID, s.callID, s.bufferedFrom)
	return nil
}

// Decline resolves a pending-incoming session without ever activating it.
func (s *Session) Decline() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != statePendingIncoming {
		return nil
	}
	s.sendTo(s.bufferedFrom, Signal{Type: SigRejected})
	s.endLocked(false)
	return nil
}

// End closes every link, releases the captures, and transitions to ended.
// Safe to call any number of times.
func (s *Session) End() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.endLocked(true)
}

func (s *Session) endLocked(notifyRemote bool) {
	if s.state == stateEnded {
		return
	}
	if notifyRemote && !s.isGroup() {
		for key := range s.links {
			s.sendTo(key, Signal{Type: SigEnd})
		}
	}
	for key, link := range s.links {
		link.closeLocked()
		delete(s.links, key)
	}
	s.media.releaseAll()
	s.state = stateEnded
	s.endedFlag.Store(true)
	log.Printf("CALL [%s]: ended", s.conversationID)
	if s.onEnded != nil {
		s.onEnded(s)
	}
}

// ConvertToGroup relabels an active 1:1 session as a group call in place.
// The existing link is neither torn down nor renegotiated; invited
// participants appear later through roster deltas.
func (s *Session) ConvertToGroup(newGroupID string, invited []PeerKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == stateEnded {
		return ErrCallEnded
	}
	s.groupID = newGroupID
	log.Printf("CALL [%s]: converted to group %s (%d invited)", s.conversationID, newGroupID, len(invited))
	return nil
}

// ─── Roster deltas ───────────────────────────────────────────────────────────

// onParticipantJoined creates a passive link for a new group member: the
// joiner offers to the existing members, so we only wait. Duplicate join
// notifications are no-ops.
func (s *Session) onParticipantJoined(key PeerKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.participantJoinedLocked(key)
}

func (s *Session) participantJoinedLocked(key PeerKey) {
	if s.state == stateEnded || key == s.selfKey {
		return
	}
	if _, exists := s.links[key]; exists {
		return
	}
	if _, err := s.createLinkLocked(key); err != nil {
		log.Printf("CALL [%s]: link for joined %s: %v", s.conversationID, key, err)
		return
	}
	log.Printf("CALL [%s]: %s joined", s.conversationID, key)
}

// onParticipantLeft closes and discards the member's link. Unknown members
// are a roster race, not an error.
func (s *Session) onParticipantLeft(key PeerKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.participantLeftLocked(key)
}

func (s *Session) participantLeftLocked(key PeerKey) {
	link, exists := s.links[key]
	if !exists {
		return
	}
	link.closeLocked()
	delete(s.links, key)
	delete(s.earlyCandidates, key)
	delete(s.remoteMedia, key)
	if key.Kind == PeerGuest {
		delete(s.guestNames, key.Guest)
	}
	log.Printf("CALL [%s]: %s left", s.conversationID, key)
}

// ─── Signal handling ─────────────────────────────────────────────────────────

// handleSignal consumes one routed inbound signal. Everything stale or
// duplicate is absorbed here; the only caller-visible failures are local.
func (s *Session) handleSignal(from PeerKey, sig Signal) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == stateEnded {
		return
	}

	switch sig.Type {
	case SigSDP:
		if sig.SDP == nil {
			return
		}
		s.handleSDPLocked(from, *sig.SDP)

	case SigICE:
		if sig.Candidate == nil {
			return
		}
		s.handleCandidateLocked(from, *sig.Candidate)

	case SigResendOffer:
		if link, ok := s.links[from]; ok {
			link.handleResendOffer()
		}

	case SigMuted:
		if sig.Muted != nil {
			st := s.remoteMedia[from]
			st.Muted = *sig.Muted
			s.remoteMedia[from] = st
		}

	case SigScreenShare:
		if sig.Sharing != nil {
			st := s.remoteMedia[from]
			st.Sharing = *sig.Sharing
			s.remoteMedia[from] = st
		}

	case SigEnd, SigRejected:
		// Remote termination is local End, just triggered from afar.
		s.endLocked(false)

	case SigGroupJoined:
		s.participantJoinedLocked(sig.From)

	case SigGroupLeft:
		s.participantLeftLocked(sig.From)

	case SigGuestJoined:
		if s.guestGate != nil {
			if err := s.guestGate.VerifyGuest(s.groupID, sig.Token); err != nil {
				log.Printf("CALL [%s]: rejecting guest %d: %v", s.conversationID, sig.GuestID, err)
				return
			}
		}
		s.guestNames[sig.GuestID] = sig.DisplayName
		s.participantJoinedLocked(GuestKey(sig.GuestID))

	case SigGuestLeft:
		s.participantLeftLocked(GuestKey(sig.GuestID))

	case SigGroupEnded:
		s.endLocked(false)

	default:
		log.Printf("CALL [%s]: dropping unknown signal %q from %s", s.conversationID, sig.Type, from)
	}
}

func (s *Session) handleSDPLocked(from PeerKey, desc webrtc.SessionDescription) {
	link, ok := s.links[from]
	if !ok {
		switch {
		case s.state == statePendingIncoming && desc.Type == webrtc.SDPTypeOffer:
			// The caller's offer raced ahead of the user's accept.
			s.bufferedOffer = &desc
			s.bufferedFrom = from
		case s.state == stateActive && s.isGroup():
			// First signal referencing an unknown group peer creates its link.
			var err error
			if link, err = s.createLinkLocked(from); err != nil {
				log.Printf("CALL [%s]: link for %s: %v", s.conversationID, from, err)
				return
			}
			if err := link.handleRemoteDescription(desc); err != nil {
				log.Printf("CALL [%s]: description from %s: %v", s.conversationID, from, err)
			}
		}
		// 1:1 descriptions from peers we have no link to are stale; drop.
		return
	}
	if s.state == statePendingOutgoing && desc.Type == webrtc.SDPTypeAnswer {
		s.state = stateActive
	}
	if err := link.handleRemoteDescription(desc); err != nil {
		log.Printf("CALL [%s]: description from %s: %v", s.conversationID, from, err)
	}
}

func (s *Session) handleCandidateLocked(from PeerKey, candidate webrtc.ICECandidateInit) {
	if link, ok := s.links[from]; ok {
		if err := link.handleCandidate(candidate); err != nil {
			log.Printf("CALL [%s]: candidate from %s: %v", s.conversationID, from, err)
		}
		link.maybeRequestResend()
		return
	}
	// No link yet — hold the hint until one exists for this peer.
	buf, ok := s.earlyCandidates[from]
	if !ok {
		buf = newCandidateBuffer()
		s.earlyCandidates[from] = buf
	}
	buf.add(candidate)
}

// ─── Local media operations ──────────────────────────────────────────────────

// ToggleMicrophone flips local mute and broadcasts the new state. Returns
// true when muted.
func (s *Session) ToggleMicrophone() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == stateEnded {
		return false, ErrCallEnded
	}
	return s.media.ToggleMicrophone(), nil
}

// EnableVideo upgrades the call to video.
func (s *Session) EnableVideo() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == stateEnded {
		return ErrCallEnded
	}
	if err := s.media.EnableVideo(); err != nil {
		return err
	}
	s.mode = ModeVideo
	return nil
}

// DisableVideo drops back to voice.
func (s *Session) DisableVideo() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == stateEnded {
		return ErrCallEnded
	}
	if err := s.media.DisableVideo(); err != nil {
		return err
	}
	s.mode = ModeVoice
	return nil
}

// StartScreenShare puts the screen capture on the video slot of every link.
func (s *Session) StartScreenShare() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == stateEnded {
		return ErrCallEnded
	}
	return s.media.StartScreenShare()
}

// StopScreenShare releases the screen capture, restoring the camera when it
// was live before sharing began.
func (s *Session) StopScreenShare() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == stateEnded {
		return ErrCallEnded
	}
	return s.media.StopScreenShare()
}

// SwitchCameraFacing swaps to the opposite camera in place.
func (s *Session) SwitchCameraFacing() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == stateEnded {
		return ErrCallEnded
	}
	return s.media.SwitchCameraFacing()
}

// ─── Internals ───────────────────────────────────────────────────────────────

// createLinkLocked builds the link for key, feeds it any candidates that
// arrived early, and tells the new peer our current media flags so it does
// not start from a stale default.
func (s *Session) createLinkLocked(key PeerKey) (*PeerLink, error) {
	link, err := s.newPeerLink(key)
	if err != nil {
		return nil, err
	}
	s.links[key] = link

	if buf, ok := s.earlyCandidates[key]; ok {
		delete(s.earlyCandidates, key)
		buf.flush(func(candidate webrtc.ICECandidateInit) error {
			return link.handleCandidate(candidate)
		})
	}

	if s.media.Muted() {
		s.sendTo(key, Signal{Type: SigMuted, Muted: boolPtr(true)})
	}
	if s.media.Sharing() {
		s.sendTo(key, Signal{Type: SigScreenShare, Sharing: boolPtr(true)})
	}
	return link, nil
}

// sendTo emits one directed signal. Outbound signaling is fire-and-forget;
// failures are logged, never retried here.
func (s *Session) sendTo(to PeerKey, sig Signal) {
	sig.CallID = s.callID
	sig.GroupID = s.groupID
	sig.From = s.selfKey
	sig.To = to
	if err := s.sig.Send(s.conversationID, to, sig); err != nil {
		log.Printf("CALL [%s]: send %s to %s: %v", s.conversationID, sig.Type, to, err)
	}
}

func (s *Session) broadcastLocked(sig Signal) {
	sig.CallID = s.callID
	sig.GroupID = s.groupID
	sig.From = s.selfKey
	if err := s.sig.Broadcast(s.conversationID, sig); err != nil {
		log.Printf("CALL [%s]: broadcast %s: %v", s.conversationID, sig.Type, err)
	}
}

// linkFailedLocked discards a broken link. A 1:1 session cannot outlive its
// only link; a group session keeps going for the remaining peers.
func (s *Session) linkFailedLocked(link *PeerLink) {
	if current, ok := s.links[link.key]; !ok || current != link {
		return
	}
	delete(s.links, link.key)
	if !s.isGroup() && s.state != stateEnded {
		s.endLocked(true)
	}
}

// onLinkFailed is the transport-goroutine entry of linkFailedLocked.
func (s *Session) onLinkFailed(link *PeerLink) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == stateEnded {
		return
	}
	link.closeLocked()
	s.linkFailedLocked(link)
}

// ─── Status ──────────────────────────────────────────────────────────────────

// SessionStatus is the JSON view served by the control API.
type SessionStatus struct {
	ConversationID string                      `json:"conversation_id"`
	CallID         string                      `json:"call_id,omitempty"`
	GroupID        string                      `json:"group_id,omitempty"`
	Mode           Mode                        `json:"mode"`
	State          string                      `json:"state"`
	Muted          bool                        `json:"muted"`
	VideoSource    VideoSource                 `json:"video_source"`
	Links          []LinkStatus                `json:"links"`
	RemoteMedia    map[string]remoteMediaState `json:"remote_media,omitempty"`
	GuestNames     map[int64]string            `json:"guest_names,omitempty"`
}

// Status returns a point-in-time snapshot of the session.
func (s *Session) Status() SessionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := SessionStatus{
		ConversationID: s.conversationID,
		CallID:         s.callID,
		GroupID:        s.groupID,
		Mode:           s.mode,
		State:          s.state.String(),
		Muted:          s.media.Muted(),
		VideoSource:    s.media.Source(),
	}
	for _, link := range s.links {
		st.Links = append(st.Links, link.statusLocked())
	}
	if len(s.remoteMedia) > 0 {
		st.RemoteMedia = make(map[string]remoteMediaState, len(s.remoteMedia))
		for key, state := range s.remoteMedia {
			st.RemoteMedia[key.String()] = state
		}
	}
	if len(s.guestNames) > 0 {
		st.GuestNames = make(map[int64]string, len(s.guestNames))
		for id, name := range s.guestNames {
			st.GuestNames[id] = name
		}
	}
	return st
}
