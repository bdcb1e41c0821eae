// Package call orchestrates native WebRTC call sessions using Pion: one
// Session per conversation, one PeerLink per remote participant, and the
// local captures shared across all links. It is designed to be maximally
// standalone — coupling to the transports and the backend is via the
// Signaler and RosterFetcher interfaces only.
package call

import (
	"encoding/json"
	"log"
	"sync"

	"github.com/google/uuid"
)

// IncomingCall is handed to subscribers when a remote invite arrives.
// Exactly one of Accept or Decline should be called.
type IncomingCall struct {
	ConversationID string  `json:"conversation_id"`
	CallID         string  `json:"call_id"`
	From           PeerKey `json:"from"`
	Mode           Mode    `json:"mode"`

	Accept  func() (*Session, error) `json:"-"`
	Decline func()                   `json:"-"`
}

// Options configures a Manager. Signaler, SelfKey and ConnFactory are
// required; Capturer and Roster may be nil for receive-only or 1:1-only
// deployments.
type Options struct {
	Signaler    Signaler
	SelfKey     PeerKey
	ConnFactory ConnFactory
	Capturer    Capturer
	Roster      RosterFetcher

	// Media carries the user's capture preferences into every session.
	Media MediaPrefs

	// Guests verifies join tokens on guest roster deltas. Nil admits every
	// guest, for deployments without a shared join secret.
	Guests GuestGate
}

// Manager owns the active sessions and routes signaling to them. It is also
// the surrounding policy of the one-active-call-per-conversation rule: the
// per-conversation registry refuses a second concurrent session.
type Manager struct {
	opts Options

	mu       sync.RWMutex
	sessions map[string]*Session

	incomingMu sync.RWMutex
	incoming   map[chan *IncomingCall]struct{}

	done     chan struct{}
	stopOnce sync.Once
}

// New creates a Manager and starts routing signaling immediately.
func New(opts Options) *Manager {
	m := &Manager{
		opts:     opts,
		sessions: make(map[string]*Session),
		incoming: make(map[chan *IncomingCall]struct{}),
		done:     make(chan struct{}),
	}
	go m.dispatchLoop()
	return m
}

// ─── Session lifecycle ───────────────────────────────────────────────────────

// Start begins an outgoing 1:1 call on a conversation.
func (m *Manager) Start(conversationID string, target PeerKey, mode Mode) (*Session, error) {
	sess, err := m.register(conversationID)
	if err != nil {
		return nil, err
	}
	if err := sess.start(uuid.NewString(), target, mode); err != nil {
		m.remove(sess)
		return nil, err
	}
	return sess, nil
}

// StartGroup begins an outgoing group call. Only local presence is set up;
// links appear as joiners announce themselves.
func (m *Manager) StartGroup(conversationID, groupID string, mode Mode) (*Session, error) {
	sess, err := m.register(conversationID)
	if err != nil {
		return nil, err
	}
	if err := sess.startGroup(groupID, mode); err != nil {
		m.remove(sess)
		return nil, err
	}
	return sess, nil
}

// Join attaches to a group call already in progress: fetch the roster, then
// offer to every existing member.
func (m *Manager) Join(conversationID, groupID string, mode Mode) (*Session, error) {
	var roster []RosterEntry
	if m.opts.Roster != nil {
		var err error
		roster, err = m.opts.Roster.FetchRoster(groupID)
		if err != nil {
			return nil, err
		}
	}

	sess, err := m.register(conversationID)
	if err != nil {
		return nil, err
	}
	if err := sess.joinGroup(groupID, mode, roster); err != nil {
		m.remove(sess)
		return nil, err
	}
	return sess, nil
}

// Get returns the session for a conversation, if any.
func (m *Manager) Get(conversationID string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.sessions[conversationID]
	return sess, ok
}

// AllSessions snapshots the current session set.
func (m *Manager) AllSessions() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		out = append(out, sess)
	}
	return out
}

// Close shuts the manager down and ends every active session.
func (m *Manager) Close() {
	m.stopOnce.Do(func() { close(m.done) })

	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for _, sess := range sessions {
		sess.End()
	}
}

// ─── Incoming-call subscriptions ─────────────────────────────────────────────

// SubscribeIncoming returns a channel that receives future incoming calls.
// Each control-API event stream holds one subscription.
func (m *Manager) SubscribeIncoming() chan *IncomingCall {
	ch := make(chan *IncomingCall, 4)
	m.incomingMu.Lock()
	m.incoming[ch] = struct{}{}
	m.incomingMu.Unlock()
	return ch
}

func (m *Manager) UnsubscribeIncoming(ch chan *IncomingCall) {
	m.incomingMu.Lock()
	delete(m.incoming, ch)
	m.incomingMu.Unlock()
}

func (m *Manager) notifyIncoming(ic *IncomingCall) {
	m.incomingMu.RLock()
	defer m.incomingMu.RUnlock()
	for ch := range m.incoming {
		select {
		case ch <- ic:
		default:
			// Subscriber not draining; it polls status anyway.
		}
	}
}

// ─── Routing ─────────────────────────────────────────────────────────────────

func (m *Manager) dispatchLoop() {
	ch, cancel := m.opts.Signaler.Subscribe()
	defer cancel()

	for {
		select {
		case <-m.done:
			return
		case env, ok := <-ch:
			if !ok {
				return
			}
			m.dispatch(env)
		}
	}
}

// dispatch routes one inbound envelope. Unroutable messages — unknown
// conversation, ended session, malformed payload — are dropped without
// error: under eventual consistency between roster updates and signaling
// they are expected, not a fault.
func (m *Manager) dispatch(env *Envelope) {
	var sig Signal
	if err := json.Unmarshal(env.Payload, &sig); err != nil {
		log.Printf("SIGNAL: dropping malformed payload on %s: %v", env.Conversation, err)
		return
	}

	// The transport authenticated the sender; prefer its from over the
	// payload's self-declared one.
	from := env.From
	if from.IsZero() {
		from = sig.From
	}

	m.mu.RLock()
	sess, ok := m.sessions[env.Conversation]
	m.mu.RUnlock()

	if ok && !sess.ended() {
		sess.handleSignal(from, sig)
		return
	}

	if sig.Type == SigInvite && !ok {
		m.handleInvite(env.Conversation, from, sig)
		return
	}

	// Signals for sessions that ended (or never existed) stay dropped; a
	// terminal session is terminal no matter what else arrives for its id.
	log.Printf("SIGNAL: dropping %s for inactive conversation %s", sig.Type, env.Conversation)
}

func (m *Manager) handleInvite(conversationID string, from PeerKey, sig Signal) {
	sess, err := m.register(conversationID)
	if err != nil {
		// A live session exists; duplicate invite is a race, drop it.
		return
	}

	mode := sig.Mode
	if mode == "" {
		mode = ModeVoice
	}
	sess.markIncoming(sig.CallID, from, mode)

	ic := &IncomingCall{
		ConversationID: conversationID,
		CallID:         sig.CallID,
		From:           from,
		Mode:           mode,
		Accept: func() (*Session, error) {
			if err := sess.Accept(); err != nil {
				return nil, err
			}
			return sess, nil
		},
		Decline: func() {
			if err := sess.Decline(); err != nil {
				log.Printf("CALL [%s]: decline: %v", conversationID, err)
			}
		},
	}
	log.Printf("CALL [%s]: incoming %s call from %s", conversationID, mode, from)
	m.notifyIncoming(ic)
}

// ─── Registry ────────────────────────────────────────────────────────────────

func (m *Manager) register(conversationID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.sessions[conversationID]; ok && !existing.ended() {
		return nil, ErrBusy
	}
	sess := newSession(conversationID, m.opts.SelfKey, m.opts.Signaler, m.opts.ConnFactory, m.opts.Capturer, m.opts.Media, m.remove)
	sess.guestGate = m.opts.Guests
	m.sessions[conversationID] = sess
	return sess, nil
}

// remove drops a session from the registry. Guarded against a newer session
// having already replaced it under the same conversation id.
func (m *Manager) remove(sess *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if current, ok := m.sessions[sess.ConversationID()]; ok && current == sess {
		delete(m.sessions, sess.ConversationID())
	}
}
