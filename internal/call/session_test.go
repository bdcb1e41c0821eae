package call

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/pion/webrtc/v4"
)

func (h *harness) joinGroupWith(t *testing.T, roster ...RosterEntry) {
	t.Helper()
	if err := h.sess.joinGroup("grp-1", ModeVoice, roster); err != nil {
		t.Fatalf("join group: %v", err)
	}
}

func TestAcceptConsumesBufferedOffer(t *testing.T) {
	h := newHarness()
	h.sess.markIncoming("call-1", peerB, ModeVoice)

	// The caller's offer and candidates race ahead of the user's accept.
	h.deliver(peerB, offerSig(1))
	h.deliver(peerB, candidateSig(0))
	h.deliver(peerB, candidateSig(1))
	if len(h.conns.conns) != 0 {
		t.Fatal("link created before accept")
	}

	if err := h.sess.Accept(); err != nil {
		t.Fatalf("accept: %v", err)
	}

	conn := h.conns.conns[0]
	if len(conn.remoteDescs) != 1 || conn.remoteDescs[0].Type != webrtc.SDPTypeOffer {
		t.Fatalf("remote descriptions = %+v, want the buffered offer", conn.remoteDescs)
	}
	if conn.answersCreated != 1 {
		t.Errorf("answers created = %d, want 1", conn.answersCreated)
	}
	if len(conn.candidates) != 2 {
		t.Errorf("candidates applied = %d, want both early ones", len(conn.candidates))
	}
	if got := h.sess.State(); got != "active" {
		t.Errorf("session state = %s, want active", got)
	}
}

func TestDeclineSendsRejectedAndEnds(t *testing.T) {
	h := newHarness()
	h.sess.markIncoming("call-1", peerB, ModeVoice)

	if err := h.sess.Decline(); err != nil {
		t.Fatalf("decline: %v", err)
	}

	rejected := h.sig.sentOfType(SigRejected)
	if len(rejected) != 1 || rejected[0].To != peerB {
		t.Fatalf("rejected signals = %+v, want one to %s", rejected, peerB)
	}
	if got := h.sess.State(); got != "ended" {
		t.Fatalf("session state = %s, want ended", got)
	}
	if err := h.sess.Accept(); !errors.Is(err, ErrCallEnded) {
		t.Errorf("accept after decline = %v, want ErrCallEnded", err)
	}
}

// Termination is terminal: nothing that arrives afterwards may revive the
// session or leak a new connection.
func TestEndIsTerminal(t *testing.T) {
	h := newHarness()
	conn := h.startVoiceTo(t, peerB)
	h.answerFrom(peerB)

	h.sess.End()

	if got := h.sess.State(); got != "ended" {
		t.Fatalf("session state = %s, want ended", got)
	}
	if !conn.closed {
		t.Error("connection not closed on end")
	}
	for i, track := range h.cap.tracks {
		if !track.closed {
			t.Errorf("capture %d not released on end", i)
		}
	}
	ends := h.sig.sentOfType(SigEnd)
	if len(ends) != 1 || ends[0].To != peerB {
		t.Fatalf("end signals = %+v, want one to %s", ends, peerB)
	}

	sentBefore := len(h.sig.sentSignals())
	h.deliver(peerB, offerSig(2))
	h.deliver(peerB, candidateSig(0))
	h.deliver(peerB, Signal{Type: SigResendOffer})
	h.sess.End() // idempotent

	if len(h.conns.conns) != 1 {
		t.Errorf("connections = %d, a terminal session grew a new link", len(h.conns.conns))
	}
	if got := len(h.sig.sentSignals()); got != sentBefore {
		t.Errorf("signals sent after end: %d → %d", sentBefore, got)
	}
	if err := h.sess.EnableVideo(); !errors.Is(err, ErrCallEnded) {
		t.Errorf("enable video after end = %v, want ErrCallEnded", err)
	}
}

func TestRemoteEndTerminatesWithoutEcho(t *testing.T) {
	h := newHarness()
	h.startVoiceTo(t, peerB)
	h.answerFrom(peerB)

	h.deliver(peerB, Signal{Type: SigEnd})

	if got := h.sess.State(); got != "ended" {
		t.Fatalf("session state = %s, want ended", got)
	}
	if ends := h.sig.sentOfType(SigEnd); len(ends) != 0 {
		t.Errorf("end echoed back: %+v", ends)
	}
}

func TestRejectedEndsOutgoingCall(t *testing.T) {
	h := newHarness()
	h.startVoiceTo(t, peerB)

	h.deliver(peerB, Signal{Type: SigRejected})

	if got := h.sess.State(); got != "ended" {
		t.Errorf("session state = %s, want ended", got)
	}
}

// A transport failure on the only link of a 1:1 call ends the whole call.
func TestLinkFailureEndsOneToOne(t *testing.T) {
	h := newHarness()
	h.startVoiceTo(t, peerB)
	h.answerFrom(peerB)

	link := h.sess.links[peerB]
	h.sess.onLinkFailed(link)

	if got := h.sess.State(); got != "ended" {
		t.Errorf("session state = %s, want ended", got)
	}
	for i, track := range h.cap.tracks {
		if !track.closed {
			t.Errorf("capture %d not released", i)
		}
	}
}

// A group call outlives the failure of one member's link.
func TestLinkFailureSparesGroup(t *testing.T) {
	h := newHarness()
	h.joinGroupWith(t, RosterEntry{Key: peerB}, RosterEntry{Key: peerC})

	h.sess.onLinkFailed(h.sess.links[peerB])

	if got := h.sess.State(); got != "active" {
		t.Errorf("session state = %s, want active", got)
	}
	if len(h.sess.links) != 1 {
		t.Errorf("links = %d, want the survivor only", len(h.sess.links))
	}
}

// ─── Group calls ─────────────────────────────────────────────────────────────

func TestJoinOffersToExistingMembers(t *testing.T) {
	h := newHarness()
	h.joinGroupWith(t,
		RosterEntry{Key: selfK},
		RosterEntry{Key: peerB},
		RosterEntry{Key: peerC},
	)

	if len(h.sess.links) != 2 {
		t.Fatalf("links = %d, want one per remote member", len(h.sess.links))
	}
	if _, ok := h.sess.links[selfK]; ok {
		t.Error("created a link to self")
	}
	offers := h.sig.sentOfType(SigSDP)
	if len(offers) != 2 {
		t.Fatalf("offers sent = %d, want one per member", len(offers))
	}
	for _, o := range offers {
		if o.Signal.SDP.Type != webrtc.SDPTypeOffer {
			t.Errorf("joiner sent %s, must always offer", o.Signal.SDP.Type)
		}
		if o.Signal.GroupID != "grp-1" {
			t.Errorf("offer group id = %q, want grp-1", o.Signal.GroupID)
		}
	}
}

func TestDuplicateJoinDeltaIsIdempotent(t *testing.T) {
	h := newHarness()
	h.joinGroupWith(t, RosterEntry{Key: peerB})

	h.deliver(peerC, Signal{Type: SigGroupJoined, From: peerC})
	h.deliver(peerC, Signal{Type: SigGroupJoined, From: peerC})

	if len(h.sess.links) != 2 {
		t.Fatalf("links = %d, want duplicate delta absorbed", len(h.sess.links))
	}
	if len(h.conns.conns) != 2 {
		t.Errorf("connections = %d, want no duplicate link", len(h.conns.conns))
	}
	// Existing members wait for the joiner's offer; we must not have offered.
	if link := h.sess.links[peerC]; link.state != linkNew {
		t.Errorf("link to joiner = %s, want new (passive)", link.state)
	}
}

func TestLeaveDeltaClosesOnlyThatLink(t *testing.T) {
	h := newHarness()
	h.joinGroupWith(t, RosterEntry{Key: peerB}, RosterEntry{Key: peerC})
	connB := h.conns.conns[0]
	connC := h.conns.conns[1]

	h.deliver(peerB, Signal{Type: SigGroupLeft, From: peerB})

	if !connB.closed {
		t.Error("leaver's connection not closed")
	}
	if connC.closed {
		t.Error("bystander's connection closed")
	}
	if got := h.sess.State(); got != "active" {
		t.Errorf("session state = %s, group must survive a leave", got)
	}

	// Unknown leaver is a roster race, not a fault.
	h.deliver(peerB, Signal{Type: SigGroupLeft, From: peerB})
	if len(h.sess.links) != 1 {
		t.Errorf("links = %d, want just the bystander", len(h.sess.links))
	}
}

// Links created after a media change must start with the current tracks,
// not the tracks of call start.
func TestLateJoinerGetsCurrentTracks(t *testing.T) {
	h := newHarness()
	if err := h.sess.startGroup("grp-1", ModeVoice); err != nil {
		t.Fatalf("start group: %v", err)
	}
	if err := h.sess.EnableVideo(); err != nil {
		t.Fatalf("enable video: %v", err)
	}

	h.deliver(peerB, Signal{Type: SigGroupJoined, From: peerB})

	conn := h.conns.conns[0]
	if len(conn.senders) != 2 {
		t.Fatalf("late joiner got %d tracks, want audio and video", len(conn.senders))
	}
}

// Candidates from a peer whose link does not exist yet are held and flushed
// into the link at creation, still in order.
func TestEarlyCandidatesReachTheNewLink(t *testing.T) {
	h := newHarness()
	if err := h.sess.startGroup("grp-1", ModeVoice); err != nil {
		t.Fatalf("start group: %v", err)
	}

	h.deliver(peerB, candidateSig(0))
	h.deliver(peerB, candidateSig(1))
	h.deliver(peerB, offerSig(1)) // first signal creates the link in a group

	conn := h.conns.conns[0]
	if len(conn.remoteDescs) != 1 {
		t.Fatalf("remote descriptions = %d, want the offer applied", len(conn.remoteDescs))
	}
	if len(conn.candidates) != 2 {
		t.Fatalf("candidates applied = %d, want both early ones", len(conn.candidates))
	}
	for i, c := range conn.candidates {
		if want := candidateSig(i).Candidate.Candidate; c.Candidate != want {
			t.Errorf("candidate %d = %q, want %q", i, c.Candidate, want)
		}
	}
}

func TestGuestDeltasTrackNames(t *testing.T) {
	h := newHarness()
	h.joinGroupWith(t, RosterEntry{Key: peerB})

	h.deliver(PeerKey{}, Signal{Type: SigGuestJoined, GuestID: 7, DisplayName: "Visitor"})

	if _, ok := h.sess.links[GuestKey(7)]; !ok {
		t.Fatal("no link for joined guest")
	}
	st := h.sess.Status()
	if st.GuestNames[7] != "Visitor" {
		t.Errorf("guest names = %+v, want 7 → Visitor", st.GuestNames)
	}

	h.deliver(PeerKey{}, Signal{Type: SigGuestLeft, GuestID: 7})
	if _, ok := h.sess.links[GuestKey(7)]; ok {
		t.Error("guest link survived the leave delta")
	}
	if names := h.sess.Status().GuestNames; len(names) != 0 {
		t.Errorf("guest names = %+v after leave, want empty", names)
	}
}

func TestGroupEndedTerminatesEveryLink(t *testing.T) {
	h := newHarness()
	h.joinGroupWith(t, RosterEntry{Key: peerB}, RosterEntry{Key: peerC})

	h.deliver(PeerKey{}, Signal{Type: SigGroupEnded})

	if got := h.sess.State(); got != "ended" {
		t.Fatalf("session state = %s, want ended", got)
	}
	for i, conn := range h.conns.conns {
		if !conn.closed {
			t.Errorf("connection %d not closed", i)
		}
	}
}

func TestConvertToGroupKeepsLink(t *testing.T) {
	h := newHarness()
	conn := h.startVoiceTo(t, peerB)
	h.answerFrom(peerB)

	if err := h.sess.ConvertToGroup("grp-9", []PeerKey{peerC}); err != nil {
		t.Fatalf("convert: %v", err)
	}
	if conn.closed {
		t.Fatal("existing link torn down by conversion")
	}
	if conn.offersCreated != 1 {
		t.Errorf("offers created = %d, conversion must not renegotiate", conn.offersCreated)
	}

	// Invited members appear through roster deltas like any other joiner.
	h.deliver(peerC, Signal{Type: SigGroupJoined, From: peerC})
	if len(h.sess.links) != 2 {
		t.Errorf("links = %d after delta, want 2", len(h.sess.links))
	}

	// Leaving a converted group no longer ends the whole call.
	h.deliver(peerC, Signal{Type: SigGroupLeft, From: peerC})
	if got := h.sess.State(); got != "active" {
		t.Errorf("session state = %s, want active", got)
	}
}

func TestRemoteMediaFlagsTracked(t *testing.T) {
	h := newHarness()
	h.startVoiceTo(t, peerB)
	h.answerFrom(peerB)

	h.deliver(peerB, Signal{Type: SigMuted, Muted: boolPtr(true)})
	h.deliver(peerB, Signal{Type: SigScreenShare, Sharing: boolPtr(true)})

	st := h.sess.Status()
	remote := st.RemoteMedia["user:bob"]
	if !remote.Muted || !remote.Sharing {
		t.Errorf("remote media = %+v, want muted and sharing", remote)
	}

	h.deliver(peerB, Signal{Type: SigMuted, Muted: boolPtr(false)})
	if got := h.sess.Status().RemoteMedia["user:bob"]; got.Muted {
		t.Errorf("remote media = %+v, want unmuted", got)
	}
}

// A new link is told our current media flags so it does not assume the
// defaults.
func TestNewLinkLearnsCurrentFlags(t *testing.T) {
	h := newHarness()
	if err := h.sess.startGroup("grp-1", ModeVoice); err != nil {
		t.Fatalf("start group: %v", err)
	}
	if _, err := h.sess.ToggleMicrophone(); err != nil {
		t.Fatalf("toggle: %v", err)
	}

	h.deliver(peerB, Signal{Type: SigGroupJoined, From: peerB})

	var directed []sentSignal
	for _, s := range h.sig.sentOfType(SigMuted) {
		if !s.Broadcast && s.To == peerB {
			directed = append(directed, s)
		}
	}
	if len(directed) != 1 || !*directed[0].Signal.Muted {
		t.Errorf("directed mute signals = %+v, want muted=true to the joiner", directed)
	}
}

// Candidate callbacks surface on transport goroutines; the signal they emit
// must carry the session identity as it is now, not as it was when the link
// was created.
func TestIceCandidateCallbackSeesConvertedIdentity(t *testing.T) {
	h := newHarness()
	conn := h.startVoiceTo(t, peerB)
	h.answerFrom(peerB)

	if err := h.sess.ConvertToGroup("grp-9", nil); err != nil {
		t.Fatalf("convert: %v", err)
	}
	conn.onICE(webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 1 192.0.2.1 54321 typ host"})

	ice := h.sig.sentOfType(SigICE)
	if len(ice) != 1 {
		t.Fatalf("ice signals = %d, want 1", len(ice))
	}
	if got := ice[0].Signal.GroupID; got != "grp-9" {
		t.Errorf("ice GroupID = %q, want the converted grp-9", got)
	}

	// And conversions racing the callback must serialize cleanly.
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			conn.onICE(webrtc.ICECandidateInit{Candidate: "candidate:2 1 udp 1 192.0.2.2 54321 typ host"})
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			_ = h.sess.ConvertToGroup(fmt.Sprintf("grp-%d", i), nil)
		}
	}()
	wg.Wait()
}

func TestIceCandidateCallbackSilentAfterEnd(t *testing.T) {
	h := newHarness()
	conn := h.startVoiceTo(t, peerB)
	h.answerFrom(peerB)
	h.sess.End()

	before := len(h.sig.sentOfType(SigICE))
	conn.onICE(webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 1 192.0.2.1 54321 typ host"})
	if got := len(h.sig.sentOfType(SigICE)); got != before {
		t.Errorf("ice signals after end = %d, want %d", got, before)
	}
}

type fakeGuestGate struct {
	err    error
	groups []string
	tokens []string
}

func (g *fakeGuestGate) VerifyGuest(groupID, token string) error {
	g.groups = append(g.groups, groupID)
	g.tokens = append(g.tokens, token)
	return g.err
}

func TestGuestJoinTokenVerified(t *testing.T) {
	h := newHarness()
	gate := &fakeGuestGate{}
	h.sess.guestGate = gate
	h.joinGroupWith(t, RosterEntry{Key: peerB})

	h.deliver(PeerKey{}, Signal{Type: SigGuestJoined, GuestID: 7, DisplayName: "Visitor", Token: "tok-7"})
	if _, ok := h.sess.links[GuestKey(7)]; !ok {
		t.Fatal("verified guest not admitted")
	}
	if len(gate.groups) != 1 || gate.groups[0] != "grp-1" || gate.tokens[0] != "tok-7" {
		t.Errorf("gate saw groups %v tokens %v, want grp-1 and tok-7", gate.groups, gate.tokens)
	}

	gate.err = errors.New("token expired")
	h.deliver(PeerKey{}, Signal{Type: SigGuestJoined, GuestID: 8, DisplayName: "Crasher", Token: "tok-8"})
	if _, ok := h.sess.links[GuestKey(8)]; ok {
		t.Error("rejected guest got a link")
	}
	if names := h.sess.Status().GuestNames; len(names) != 1 {
		t.Errorf("guest names = %+v, want the verified guest only", names)
	}
}
