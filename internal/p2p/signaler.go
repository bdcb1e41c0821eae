package p2p

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/mfeldt/huddle/internal/call"
	"github.com/mfeldt/huddle/internal/proto"

	pubsub "github.com/libp2p/go-libp2p-pubsub"
)

const publishTimeout = 5 * time.Second

// topicRouter carries call signaling over one gossipsub topic per
// conversation. Directed sends still travel the shared topic; every other
// member drops frames not addressed to it. It implements call.Signaler.
type topicRouter struct {
	node *Node

	mu     sync.Mutex
	convs  map[string]*conversation
	subs   map[chan *call.Envelope]struct{}
	closed bool
}

type conversation struct {
	topic  *pubsub.Topic
	sub    *pubsub.Subscription
	cancel context.CancelFunc
}

func newTopicRouter(n *Node) *topicRouter {
	return &topicRouter{
		node:  n,
		convs: make(map[string]*conversation),
		subs:  make(map[chan *call.Envelope]struct{}),
	}
}

// Signaler exposes the router under the surface the call manager needs.
func (n *Node) Signaler() call.Signaler { return n.router }

// JoinConversation starts listening on a conversation's signaling topic.
// Idempotent; Send and Broadcast join implicitly.
func (n *Node) JoinConversation(conversationID string) error {
	_, err := n.router.join(conversationID)
	return err
}

// LeaveConversation stops listening on a conversation's signaling topic.
func (n *Node) LeaveConversation(conversationID string) {
	n.router.leave(conversationID)
}

func (r *topicRouter) selfWire() string {
	return call.AccountKey(r.node.opts.Account).String()
}

func (r *topicRouter) join(conversationID string) (*conversation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, fmt.Errorf("node closed")
	}
	if conv, ok := r.convs[conversationID]; ok {
		return conv, nil
	}

	topic, err := r.node.ps.Join(proto.CallTopicPrefix + conversationID)
	if err != nil {
		return nil, fmt.Errorf("join signaling topic for %s: %w", conversationID, err)
	}
	sub, err := topic.Subscribe()
	if err != nil {
		topic.Close()
		return nil, fmt.Errorf("subscribe signaling topic for %s: %w", conversationID, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	conv := &conversation{topic: topic, sub: sub, cancel: cancel}
	r.convs[conversationID] = conv
	go r.readLoop(ctx, conversationID, conv)
	r.node.diagf("signaling: joined topic for %s", conversationID)
	return conv, nil
}

func (r *topicRouter) leave(conversationID string) {
	r.mu.Lock()
	conv, ok := r.convs[conversationID]
	delete(r.convs, conversationID)
	r.mu.Unlock()
	if ok {
		conv.cancel()
		conv.sub.Cancel()
		conv.topic.Close()
		r.node.diagf("signaling: left topic for %s", conversationID)
	}
}

func (r *topicRouter) closeAll() {
	r.mu.Lock()
	convs := r.convs
	r.convs = map[string]*conversation{}
	subs := r.subs
	r.subs = map[chan *call.Envelope]struct{}{}
	r.closed = true
	r.mu.Unlock()

	for _, conv := range convs {
		conv.cancel()
		conv.sub.Cancel()
		conv.topic.Close()
	}
	for ch := range subs {
		close(ch)
	}
}

func (r *topicRouter) readLoop(ctx context.Context, conversationID string, conv *conversation) {
	for {
		m, err := conv.sub.Next(ctx)
		if err != nil {
			return
		}
		if m.ReceivedFrom == r.node.Host.ID() {
			continue
		}

		var frame proto.CallMsg
		if err := json.Unmarshal(m.Data, &frame); err != nil {
			continue
		}
		if frame.To != nil && *frame.To != r.selfWire() {
			// Addressed to somebody else on the shared topic.
			continue
		}
		from, err := call.ParsePeerKey(frame.From)
		if err != nil {
			continue
		}

		env := &call.Envelope{
			Conversation: conversationID,
			From:         from,
			Payload:      frame.Payload,
		}
		r.deliver(env)
	}
}

func (r *topicRouter) deliver(env *call.Envelope) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for ch := range r.subs {
		select {
		case ch <- env:
		default:
			log.Printf("P2P: dropping signal for %s, subscriber not draining", env.Conversation)
		}
	}
}

func (r *topicRouter) publish(conversationID string, to *call.PeerKey, payload any) error {
	conv, err := r.join(conversationID)
	if err != nil {
		return err
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode signal: %w", err)
	}
	frame := proto.CallMsg{From: r.selfWire(), Payload: raw}
	if to != nil {
		wire := to.String()
		frame.To = &wire
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	return conv.topic.Publish(ctx, data)
}

// Send delivers payload to one participant of the conversation.
func (r *topicRouter) Send(conversationID string, to call.PeerKey, payload any) error {
	return r.publish(conversationID, &to, payload)
}

// Broadcast delivers payload to every participant of the conversation.
func (r *topicRouter) Broadcast(conversationID string, payload any) error {
	return r.publish(conversationID, nil, payload)
}

// Subscribe returns a channel of inbound envelopes across all joined
// conversations.
func (r *topicRouter) Subscribe() (chan *call.Envelope, func()) {
	ch := make(chan *call.Envelope, 64)
	r.mu.Lock()
	r.subs[ch] = struct{}{}
	r.mu.Unlock()

	cancel := func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if _, ok := r.subs[ch]; ok {
			delete(r.subs, ch)
			close(ch)
		}
	}
	return ch, cancel
}
