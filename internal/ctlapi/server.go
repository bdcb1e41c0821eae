// Package ctlapi serves the local HTTP control surface that front ends
// (desktop shell, CLI, scripts) use to drive calls. It binds to loopback
// and rejects anything that is not a local request.
package ctlapi

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/mfeldt/huddle/internal/backend"
	"github.com/mfeldt/huddle/internal/call"
	"github.com/mfeldt/huddle/internal/state"
)

// Deps carries everything the control API exposes. Calls is required;
// the rest may be nil and the matching endpoints degrade gracefully.
type Deps struct {
	Calls  *call.Manager
	Peers  *state.PeerTable
	Diag   func() map[string]any
	Minter *backend.TokenMinter
}

type Server struct {
	deps Deps
	srv  *http.Server
	ln   net.Listener
}

func New(addr string, deps Deps) (*Server, error) {
	if deps.Calls == nil {
		return nil, errors.New("ctlapi: call manager is required")
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	s := &Server{deps: deps, ln: ln}
	mux := http.NewServeMux()
	s.registerRoutes(mux)
	s.srv = &http.Server{
		Handler:           localOnly(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s, nil
}

// Addr returns the bound address, useful when the configured port is 0.
func (s *Server) Addr() string {
	return s.ln.Addr().String()
}

// Serve blocks until the server is closed.
func (s *Server) Serve() error {
	log.Printf("CTL: listening on http://%s", s.Addr())
	err := s.srv.Serve(s.ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return s.srv.Shutdown(ctx)
}

func localOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !isLocalRequest(r) {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}
