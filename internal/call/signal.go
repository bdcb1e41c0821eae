package call

import "github.com/pion/webrtc/v4"

// Signal type constants — the value of the "type" field of every call
// payload on the wire. Group-scoped roster deltas arrive from the server
// side of the conversation, everything else flows peer to peer.
const (
	SigInvite      = "invite"       // caller → callee: propose a 1:1 call
	SigSDP         = "sdp"          // either → other: offer or answer
	SigICE         = "ice"          // either → other: trickle ICE candidate
	SigResendOffer = "resend_offer" // late joiner: retransmit last description
	SigRejected    = "rejected"     // callee → caller: declined before pickup
	SigEnd         = "end"          // either side: terminal for a 1:1 call
	SigMuted       = "muted"        // broadcast: application-level mute state
	SigScreenShare = "screen_share" // broadcast: application-level share state

	SigGroupJoined = "group.joined"
	SigGroupLeft   = "group.left"
	SigGuestJoined = "group.guest_joined"
	SigGuestLeft   = "group.guest_left"
	SigGroupEnded  = "group.ended"
)

// Mode of a call. A voice call may be upgraded to video mid-call and back.
type Mode string

const (
	ModeVoice Mode = "voice"
	ModeVideo Mode = "video"
)

// Signal is the single wire envelope for all call payloads. Exactly which
// fields are set depends on Type; unset fields are omitted on the wire.
type Signal struct {
	Type    string `json:"type"`
	CallID  string `json:"call_id,omitempty"`
	GroupID string `json:"group_id,omitempty"`

	From PeerKey `json:"from,omitempty"`
	To   PeerKey `json:"to,omitempty"`

	Mode      Mode                       `json:"mode,omitempty"`
	SDP       *webrtc.SessionDescription `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit   `json:"candidate,omitempty"`

	Muted   *bool `json:"muted,omitempty"`
	Sharing *bool `json:"sharing,omitempty"`

	// Guest roster deltas carry the raw numeric id plus a display name,
	// and on join the one-time token minted by the inviter's join link.
	GuestID     int64  `json:"guest_id,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
	Token       string `json:"token,omitempty"`
}

func boolPtr(b bool) *bool { return &b }
