// Package gateway connects to a hosted signaling server over websocket, for
// deployments where peers cannot reach each other through pubsub (mobile
// clients, restrictive NATs without a relay). It implements the same
// Signaler surface as the p2p transport, so the call manager cannot tell
// the two apart.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mfeldt/huddle/internal/call"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxReconnect   = 30 * time.Second
	outboundBuffer = 256
)

// Frame is the wire message exchanged with the gateway. To is empty for
// broadcasts.
type Frame struct {
	Conversation string          `json:"conversation"`
	From         string          `json:"from,omitempty"`
	To           string          `json:"to,omitempty"`
	Payload      json.RawMessage `json:"payload"`
}

// Client is a reconnecting websocket Signaler. Outbound frames go through a
// buffered queue so Send never blocks the call state machine; frames queued
// while the link is down are flushed after reconnect.
type Client struct {
	url      string
	token    string
	selfWire string

	out chan []byte

	mu     sync.Mutex
	subs   map[chan *call.Envelope]struct{}
	closed bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Client and starts its connection loop immediately.
func New(url, token string, self call.PeerKey) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		url:      url,
		token:    token,
		selfWire: self.String(),
		out:      make(chan []byte, outboundBuffer),
		subs:     make(map[chan *call.Envelope]struct{}),
		cancel:   cancel,
	}
	c.wg.Add(1)
	go c.connectLoop(ctx)
	return c
}

func (c *Client) Close() {
	c.cancel()
	c.wg.Wait()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	for ch := range c.subs {
		close(ch)
	}
	c.subs = map[chan *call.Envelope]struct{}{}
}

// Send delivers payload to one participant of the conversation.
func (c *Client) Send(conversationID string, to call.PeerKey, payload any) error {
	return c.enqueue(conversationID, to.String(), payload)
}

// Broadcast delivers payload to every participant of the conversation.
func (c *Client) Broadcast(conversationID string, payload any) error {
	return c.enqueue(conversationID, "", payload)
}

func (c *Client) enqueue(conversationID, to string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode signal: %w", err)
	}
	data, err := json.Marshal(Frame{
		Conversation: conversationID,
		From:         c.selfWire,
		To:           to,
		Payload:      raw,
	})
	if err != nil {
		return err
	}

	select {
	case c.out <- data:
		return nil
	default:
		return fmt.Errorf("gateway outbound queue full")
	}
}

// Subscribe returns a channel of inbound envelopes.
func (c *Client) Subscribe() (chan *call.Envelope, func()) {
	ch := make(chan *call.Envelope, 64)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	c.subs[ch] = struct{}{}
	c.mu.Unlock()

	cancel := func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if _, ok := c.subs[ch]; ok {
			delete(c.subs, ch)
			close(ch)
		}
	}
	return ch, cancel
}

func (c *Client) deliver(env *call.Envelope) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for ch := range c.subs {
		select {
		case ch <- env:
		default:
			log.Printf("GATEWAY: dropping signal for %s, subscriber not draining", env.Conversation)
		}
	}
}

// connectLoop dials, runs the pumps, and redials with capped exponential
// backoff for as long as the client lives.
func (c *Client) connectLoop(ctx context.Context) {
	defer c.wg.Done()

	backoff := time.Second
	for {
		conn, err := c.dial(ctx)
		if err != nil {
			log.Printf("GATEWAY: connect to %s: %v (retry in %s)", c.url, err, backoff)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxReconnect {
				backoff = maxReconnect
			}
			continue
		}

		log.Printf("GATEWAY: connected to %s", c.url)
		backoff = time.Second
		c.runPumps(ctx, conn)
		conn.Close()
		if ctx.Err() != nil {
			return
		}
		log.Printf("GATEWAY: connection lost, reconnecting")
	}
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}
	header.Set("X-Peer-Key", c.selfWire)

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, c.url, header)
	return conn, err
}

// runPumps drives one live connection until it breaks or ctx ends.
func (c *Client) runPumps(ctx context.Context, conn *websocket.Conn) {
	done := make(chan struct{})

	// Read pump.
	go func() {
		defer close(done)
		conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var frame Frame
			if err := json.Unmarshal(data, &frame); err != nil {
				log.Printf("GATEWAY: malformed frame: %v", err)
				continue
			}
			if frame.To != "" && frame.To != c.selfWire {
				continue
			}
			from, err := call.ParsePeerKey(frame.From)
			if err != nil {
				continue
			}
			c.deliver(&call.Envelope{
				Conversation: frame.Conversation,
				From:         from,
				Payload:      frame.Payload,
			})
		}
	}()

	// Write pump.
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		case <-done:
			return
		case data := <-c.out:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Printf("GATEWAY: write: %v", err)
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
