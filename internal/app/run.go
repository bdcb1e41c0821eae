// Package app assembles a running peer from its configuration: transports,
// media stack, call manager, control API, and the config watcher.
package app

import (
	"context"
	"errors"
	"log"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/mfeldt/huddle/internal/backend"
	"github.com/mfeldt/huddle/internal/call"
	"github.com/mfeldt/huddle/internal/config"
	"github.com/mfeldt/huddle/internal/ctlapi"
	"github.com/mfeldt/huddle/internal/gateway"
	"github.com/mfeldt/huddle/internal/p2p"
	"github.com/mfeldt/huddle/internal/state"
	"github.com/mfeldt/huddle/internal/util"
)

type Options struct {
	PeerDir string
	CfgPath string
	Cfg     config.Config
}

func Run(ctx context.Context, opt Options) error {
	cfg := opt.Cfg

	inCall, attachManager := callProbe()

	// ── Transport: libp2p mesh, or websocket gateway when the mesh is off.
	peers := state.NewPeerTable()
	var (
		node      *p2p.Node
		gw        *gateway.Client
		signaler  call.Signaler
		diag      func() map[string]any
		selfKey   = call.AccountKey(cfg.Profile.Account)
	)
	if !cfg.P2P.Disabled {
		n, err := p2p.New(ctx, p2p.Options{
			ListenPort:    cfg.P2P.ListenPort,
			KeyFile:       util.ResolvePath(opt.PeerDir, cfg.Identity.KeyFile),
			MdnsTag:       cfg.P2P.MdnsTag,
			RelayAddrs:    cfg.P2P.RelayAddrs,
			PresenceTopic: cfg.Presence.Topic,
			PresenceTTL:   time.Duration(cfg.Presence.TTLSec) * time.Second,
			Heartbeat:     time.Duration(cfg.Presence.HeartbeatSec) * time.Second,
			Account:       cfg.Profile.Account,
			DisplayName:   cfg.Profile.DisplayName,
		}, peers, inCall)
		if err != nil {
			return err
		}
		node = n
		defer node.Close()

		if err := node.StartPresence(ctx); err != nil {
			return err
		}
		signaler = node.Signaler()
		diag = node.DiagSnapshot
	} else {
		gw = gateway.New(cfg.Gateway.URL, cfg.Gateway.Token, selfKey)
		defer gw.Close()
		signaler = gw
		log.Printf("APP: p2p disabled, signaling via gateway %s", cfg.Gateway.URL)
	}

	// ── Media stack. The conn factory is swappable so an ICE server change
	// in the config file applies to new links without a restart.
	capturer, factory, err := call.NewMediaStack(iceServers(cfg.ICE))
	if err != nil {
		return err
	}
	var liveFactory atomic.Value
	liveFactory.Store(factory)
	connFactory := call.ConnFactory(func() (call.PeerConn, error) {
		return liveFactory.Load().(call.ConnFactory)()
	})

	// ── Optional hosted backend: group rosters, invites, join links.
	var roster call.RosterFetcher
	var minter *backend.TokenMinter
	if cfg.Backend.URL != "" {
		roster = backend.NewClient(cfg.Backend.URL, cfg.Backend.APIToken)
	}
	if cfg.Backend.JoinSecret != "" {
		minter = backend.NewTokenMinter(cfg.Backend.JoinSecret,
			time.Duration(cfg.Backend.JoinLinkTTLMin)*time.Minute)
	}

	callOpts := call.Options{
		Signaler:    signaler,
		SelfKey:     selfKey,
		ConnFactory: connFactory,
		Capturer:    capturer,
		Roster:      roster,
		Media: call.MediaPrefs{
			Facing:        call.Facing(cfg.Media.PreferredFacing),
			VideoDisabled: cfg.Media.VideoDisabled,
		},
	}
	if minter != nil {
		callOpts.Guests = minter
	}
	mgr := call.New(callOpts)
	defer mgr.Close()
	attachManager(mgr)

	// ── Local control API.
	ctlAddr := cfg.Control.HTTPAddr
	if ctlAddr == "" {
		ctlAddr = "127.0.0.1:0"
	}
	ctl, err := ctlapi.New(ctlAddr, ctlapi.Deps{
		Calls:  mgr,
		Peers:  peers,
		Diag:   diag,
		Minter: minter,
	})
	if err != nil {
		return err
	}
	serveErr := make(chan error, 1)
	go func() { serveErr <- ctl.Serve() }()
	defer ctl.Close()

	// ── Config watcher: pick up ICE server edits live.
	watcher, err := config.Watch(opt.CfgPath, func(next config.Config) {
		_, nextFactory, err := call.NewMediaStack(iceServers(next.ICE))
		if err != nil {
			log.Printf("APP: config reload: rebuilding media stack: %v", err)
			return
		}
		liveFactory.Store(nextFactory)
		log.Printf("APP: config reloaded, %d ice server(s) active", len(next.ICE))
	})
	if err != nil {
		log.Printf("APP: config watch disabled: %v", err)
	} else {
		defer watcher.Close()
	}

	log.Printf("APP: peer %q ready", cfg.Profile.Account)

	select {
	case <-ctx.Done():
		return nil
	case err := <-serveErr:
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	}
}

// callProbe is the busy flag the presence heartbeat reports. Heartbeat
// goroutines start before the call manager exists, so the manager arrives
// through an atomic slot rather than a captured variable.
func callProbe() (inCall func() bool, attach func(*call.Manager)) {
	var slot atomic.Pointer[call.Manager]
	inCall = func() bool {
		m := slot.Load()
		return m != nil && len(m.AllSessions()) > 0
	}
	return inCall, slot.Store
}

func iceServers(entries []config.ICE) []webrtc.ICEServer {
	servers := make([]webrtc.ICEServer, 0, len(entries))
	for _, e := range entries {
		srv := webrtc.ICEServer{URLs: e.URLs}
		if e.Username != "" {
			srv.Username = e.Username
			srv.Credential = e.Credential
		}
		servers = append(servers, srv)
	}
	return servers
}
