
package p2p

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/mfeldt/huddle/internal/state"
	"github.com/mfeldt/huddle/internal/util"

	logging "github.com/ipfs/go-log/v2"
	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	"github.com/libp2p/go-libp2p/p2p/host/autorelay"
	ma "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"
)

func init() {
	// Silence noisy libp2p subsystems — dial failures and backoff errors
	// go to stderr by default and pollute terminal output.
	logging.SetLogLevel("swarm2", "error")
	logging.SetLogLevel("relay", "info")
	logging.SetLogLevel("autorelay", "info")
	logging.SetLogLevel("autonat", "warn")
}

// Options configures a Node.
type Options struct {
	ListenPort int    // 0 picks an ephemeral port
	KeyFile    string // persistent identity key location
	MdnsTag    string // LAN discovery service tag

	// Static circuit relays: full multiaddrs including a /p2p/<id> part.
	RelayAddrs []string

	PresenceTopic string
	PresenceTTL   time.Duration
	Heartbeat     time.Duration

	// Identity announced on the presence topic.
	Account     string
	DisplayName string
}

// Node is the libp2p side of the application: one host, gossipsub, LAN
// discovery, presence, and the per-conversation signaling topics.
type Node struct {
	Host host.Host

	ps   *pubsub.PubSub
	opts Options

	peers *state.PeerTable

	presenceTopic *pubsub.Topic
	presenceSub   *pubsub.Subscription

	// Reported in presence heartbeats; set by the app layer.
	inCall func() bool

	router *topicRouter

	diag      *util.TailLog
	startTime time.Time
}

type mdnsNotifee struct {
	node *Node
}

func (m *mdnsNotifee) HandlePeerFound(pi peer.AddrInfo) {
	ctx, cancel := context.WithTimeout(context.Background(), util.DefaultConnectTimeout)
	defer cancel()
	if err := m.node.Host.Connect(ctx, pi); err == nil {
		m.node.diagf("mdns: connected to %s", pi.ID)
	}
}

// loadOrCreateKey loads a persistent identity key from disk,
// or generates a new Ed25519 key and saves it on first run.
func loadOrCreateKey(keyFile string) (crypto.PrivKey, bool, error) {
	data, err := os.ReadFile(keyFile)
	if err == nil {
		priv, err := crypto.UnmarshalPrivateKey(data)
		if err == nil {
			return priv, false, nil
		}
		log.Printf("WARNING: corrupt identity key at %s: %v (generating new key)", keyFile, err)
	}

	priv, _, err := crypto.GenerateEd25519Key(nil)
	if err != nil {
		return nil, false, err
	}

	raw, err := crypto.MarshalPrivateKey(priv)
	if err != nil {
		return nil, false, fmt.Errorf("marshal identity key: %w", err)
	}

	if dir := filepath.Dir(keyFile); dir != "" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, false, fmt.Errorf("create key directory: %w", err)
		}
	}

	if err := os.WriteFile(keyFile, raw, 0600); err != nil {
		return nil, false, fmt.Errorf("save identity key: %w", err)
	}

	return priv, true, nil
}

func New(ctx context.Context, opts Options, peers *state.PeerTable, inCall func() bool) (*Node, error) {
	priv, isNew, err := loadOrCreateKey(opts.KeyFile)
	if err != nil {
		return nil, err
	}
	if isNew {
		log.Printf("Generated new identity key: %s", opts.KeyFile)
	} else {
		log.Printf("Loaded identity key: %s", opts.KeyFile)
	}

	libp2pOpts := []libp2p.Option{
		libp2p.Identity(priv),
		libp2p.ListenAddrStrings(fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", opts.ListenPort)),
	}

	// When static relays are configured, enable circuit relay transport,
	// hole-punching, and auto-relay so the peer gets a public relay address.
	relays := parseRelayAddrs(opts.RelayAddrs)
	if len(relays) > 0 {
		libp2pOpts = append(libp2pOpts,
			libp2p.EnableRelay(),
			libp2p.EnableHolePunching(),
			libp2p.EnableAutoRelayWithStaticRelays(relays,
				autorelay.WithBootDelay(0),
				autorelay.WithBackoff(30*time.Second),
			),
		)
	}

	h, err := libp2p.New(libp2pOpts...)
	if err != nil {
		return nil, err
	}

	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		_ = h.Close()
		return nil, err
	}

	n := &Node{
		Host:      h,
		ps:        ps,
		opts:      opts,
		peers:     peers,
		inCall:    inCall,
		diag:      util.NewTailLog(200),
		startTime: time.Now(),
	}
	n.router = newTopicRouter(n)
	n.diagf("host up: %s", h.ID())
	if len(relays) > 0 {
		n.diagf("relay: enabled (%d static relays)", len(relays))
	}

	md := mdns.NewMdnsService(h, opts.MdnsTag, &mdnsNotifee{node: n})
	if err := md.Start(); err != nil {
		_ = h.Close()
		return nil, err
	}
	return n, nil
}

// diagf logs an operational message and keeps it in the diagnostics buffer
// served by the control API.
func (n *Node) diagf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	log.Print(msg)
	n.diag.Append(fmt.Sprintf("[%s] %s", time.Now().Format("15:04:05"), msg))
}

// DiagSnapshot reports transport health for the control API.
func (n *Node) DiagSnapshot() map[string]any {
	var addrs []string
	hasCircuit := false
	for _, a := range n.Host.Addrs() {
		addrs = append(addrs, a.String())
		if isCircuitAddr(a) {
			hasCircuit = true
		}
	}

	hostname, _ := os.Hostname()
	return map[string]any{
		"peer_id":         n.ID(),
		"account":         n.opts.Account,
		"addrs":           addrs,
		"has_circuit":     hasCircuit,
		"connected_peers": len(n.Host.Network().Peers()),
		"uptime":          time.Since(n.startTime).Truncate(time.Second).String(),
		"started":         n.startTime.Format("2006-01-02 15:04:05"),
		"presence_ttl":    n.opts.PresenceTTL.String(),
		"hostname":        hostname,
		"logs":            n.diag.Lines(),
	}
}

func (n *Node) Close() error {
	n.router.closeAll()
	return n.Host.Close()
}

func (n *Node) ID() string {
	return n.Host.ID().String()
}

// wanAddrs returns the host's multiaddresses filtered to exclude loopback
// and link-local addresses. Circuit relay addresses (p2p-circuit) are always
// included since they represent a public relay path.
func (n *Node) wanAddrs() []string {
	var out []string
	for _, a := range n.Host.Addrs() {
		if isCircuitAddr(a) {
			out = append(out, a.String())
			continue
		}
		ip, err := manet.ToIP(a)
		if err != nil {
			continue
		}
		if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
			continue
		}
		out = append(out, a.String())
	}
	return out
}

// isCircuitAddr returns true if the multiaddr contains a /p2p-circuit component.
func isCircuitAddr(a ma.Multiaddr) bool {
	for _, p := range a.Protocols() {
		if p.Code == ma.P_CIRCUIT {
			return true
		}
	}
	return false
}

func parseRelayAddrs(addrs []string) []peer.AddrInfo {
	var out []peer.AddrInfo
	for _, s := range addrs {
		a, err := ma.NewMultiaddr(s)
		if err != nil {
			log.Printf("relay: invalid multiaddr %q: %v", s, err)
			continue
		}
		ai, err := peer.AddrInfoFromP2pAddr(a)
		if err != nil {
			log.Printf("relay: %q has no /p2p component: %v", s, err)
			continue
		}
		out = append(out, *ai)
	}
	return out
}

// addPeerAddrs parses multiaddr strings and adds them to the peerstore.
// Circuit relay addresses get a longer TTL since they represent a stable
// relay path that outlives individual presence heartbeats.
func (n *Node) addPeerAddrs(peerID string, addrs []string) {
	if len(addrs) == 0 {
		return
	}
	pid, err := peer.Decode(peerID)
	if err != nil {
		return
	}
	var direct, circuit []ma.Multiaddr
	for _, s := range addrs {
		a, err := ma.NewMultiaddr(s)
		if err != nil {
			continue
		}
		if ip, err := manet.ToIP(a); err == nil {
			if ip.IsLoopback() || ip.IsLinkLocalUnicast() {
				continue
			}
		}
		if isCircuitAddr(a) {
			circuit = append(circuit, a)
		} else {
			direct = append(direct, a)
		}
	}
	ttl := n.opts.PresenceTTL
	if ttl <= 0 {
		ttl = 20 * time.Second
	}
	if len(direct) > 0 {
		n.Host.Peerstore().AddAddrs(pid, direct, ttl)
	}
	if len(circuit) > 0 {
		n.Host.Peerstore().AddAddrs(pid, circuit, ttl*10)
	}
}
