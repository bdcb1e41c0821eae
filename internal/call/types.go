package call

import "encoding/json"

// Signaler is the only surface the call package needs from the transport
// layer. Concrete implementations live in internal/p2p (gossipsub topics)
// and internal/gateway (websocket to a hosted signaling server); run.go is
// the only place that imports both sides.
type Signaler interface {
	// Send delivers payload to one participant of the conversation.
	// Delivery is fire-and-forget: at most once, no ordering across peers.
	Send(conversationID string, to PeerKey, payload any) error
	// Broadcast delivers payload to every participant of the conversation.
	Broadcast(conversationID string, payload any) error
	// Subscribe returns a channel of inbound envelopes. cancel releases the
	// subscription; the channel is closed when the transport shuts down.
	Subscribe() (ch chan *Envelope, cancel func())
}

// Envelope is one inbound signaling message as handed over by a Signaler.
// Payload stays raw until the Manager routes it by its "type" field.
type Envelope struct {
	Conversation string          `json:"conversation"`
	From         PeerKey         `json:"from"`
	Payload      json.RawMessage `json:"payload"`
}

// RosterFetcher is the slice of the backend API the call package needs to
// join a group call that is already running: the current participant set.
type RosterFetcher interface {
	FetchRoster(groupID string) ([]RosterEntry, error)
}

// RosterEntry is one participant in a fetched roster snapshot.
type RosterEntry struct {
	Key         PeerKey `json:"key"`
	DisplayName string  `json:"display_name,omitempty"`
}

// GuestGate admits or rejects a guest joining a group call by the one-time
// join token it presents. The backend's token minter implements this.
type GuestGate interface {
	VerifyGuest(groupID, token string) error
}
