package proto

import (
	"encoding/json"
	"time"
)

const (
	PresenceTopic = "huddle.presence.v1"
	MdnsTag       = "huddle-mdns"

	// Prefix of the per-conversation signaling topics; the conversation id
	// is appended verbatim.
	CallTopicPrefix = "huddle.call.v1."
)

const (
	TypeOnline  = "online"
	TypeUpdate  = "update"
	TypeOffline = "offline"
)

// PresenceMsg is the heartbeat every peer publishes on the presence topic.
type PresenceMsg struct {
	Type        string   `json:"type"` // online|update|offline
	PeerID      string   `json:"peerId"`
	Account     string   `json:"account"`
	DisplayName string   `json:"displayName,omitempty"`
	InCall      bool     `json:"inCall,omitempty"`
	Addrs       []string `json:"addrs,omitempty"` // multiaddresses for WAN connectivity
	TS          int64    `json:"ts"`
}

// CallMsg is the pubsub frame on a conversation's signaling topic. To is nil
// for broadcasts; addressed frames are dropped by everyone else.
type CallMsg struct {
	From    string          `json:"from"`
	To      *string         `json:"to,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

func NowMillis() int64 { return time.Now().UnixMilli() }
