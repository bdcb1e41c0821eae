package p2p

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/mfeldt/huddle/internal/proto"
)

// StartPresence joins the presence topic and runs the heartbeat, prune, and
// consume loops until ctx is cancelled. A final offline message is published
// on the way out.
func (n *Node) StartPresence(ctx context.Context) error {
	topic, err := n.ps.Join(n.opts.PresenceTopic)
	if err != nil {
		return err
	}
	sub, err := topic.Subscribe()
	if err != nil {
		topic.Close()
		return err
	}
	n.presenceTopic = topic
	n.presenceSub = sub

	go n.consumeLoop(ctx)
	go n.heartbeatLoop(ctx)
	return nil
}

// PublishPresence emits one presence message of the given type now.
func (n *Node) PublishPresence(ctx context.Context, typ string) {
	if n.presenceTopic == nil {
		return
	}
	msg := proto.PresenceMsg{
		Type:    typ,
		PeerID:  n.ID(),
		Account: n.opts.Account,
		TS:      proto.NowMillis(),
	}
	if typ == proto.TypeOnline || typ == proto.TypeUpdate {
		msg.DisplayName = n.opts.DisplayName
		msg.Addrs = n.wanAddrs()
		if n.inCall != nil {
			msg.InCall = n.inCall()
		}
	}

	b, _ := json.Marshal(msg)
	if err := n.presenceTopic.Publish(ctx, b); err != nil {
		log.Printf("P2P: presence publish: %v", err)
	}
}

func (n *Node) heartbeatLoop(ctx context.Context) {
	heartbeat := n.opts.Heartbeat
	if heartbeat <= 0 {
		heartbeat = 5 * time.Second
	}

	n.PublishPresence(ctx, proto.TypeOnline)

	t := time.NewTicker(heartbeat)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			// Best effort goodbye so peers drop us before the TTL runs out.
			offCtx, cancel := context.WithTimeout(context.Background(), time.Second)
			n.PublishPresence(offCtx, proto.TypeOffline)
			cancel()
			return
		case <-t.C:
			n.PublishPresence(ctx, proto.TypeUpdate)
			ttl := n.opts.PresenceTTL
			n.peers.PruneStale(time.Now().Add(-ttl), time.Now().Add(-3*ttl))
		}
	}
}

func (n *Node) consumeLoop(ctx context.Context) {
	for {
		m, err := n.presenceSub.Next(ctx)
		if err != nil {
			return
		}

		var pm proto.PresenceMsg
		if err := json.Unmarshal(m.Data, &pm); err != nil {
			continue
		}
		if pm.PeerID == "" || pm.Type == "" || pm.PeerID == n.ID() {
			continue
		}

		switch pm.Type {
		case proto.TypeOnline, proto.TypeUpdate:
			if pm.Type == proto.TypeOnline {
				n.diagf("presence: %s (%s) online", pm.Account, pm.PeerID)
			}
			n.peers.Upsert(pm.PeerID, pm.Account, pm.DisplayName, pm.InCall)
			n.addPeerAddrs(pm.PeerID, pm.Addrs)
		case proto.TypeOffline:
			n.diagf("presence: %s (%s) offline", pm.Account, pm.PeerID)
			n.peers.Remove(pm.PeerID)
		}
	}
}
