package ctlapi

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/mfeldt/huddle/internal/call"
	"github.com/mfeldt/huddle/internal/state"
)

// registerRoutes wires the local control endpoints onto the mux.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	mgr := s.deps.Calls

	// GET /api/call/status — all live sessions with link and media state.
	handleGet(mux, "/api/call/status", func(w http.ResponseWriter, r *http.Request) {
		sessions := mgr.AllSessions()
		statuses := make([]call.SessionStatus, 0, len(sessions))
		for _, sess := range sessions {
			statuses = append(statuses, sess.Status())
		}
		writeJSON(w, map[string]any{
			"session_count": len(statuses),
			"sessions":      statuses,
		})
	})

	// POST /api/call/start
	handlePost(mux, "/api/call/start", func(w http.ResponseWriter, r *http.Request, req struct {
		ConversationID string `json:"conversation_id"`
		To             string `json:"to"`
		Mode           string `json:"mode"`
	}) {
		if req.ConversationID == "" || req.To == "" {
			http.Error(w, "missing conversation_id or to", http.StatusBadRequest)
			return
		}
		target, err := call.ParsePeerKey(req.To)
		if err != nil {
			http.Error(w, fmt.Sprintf("bad peer key: %v", err), http.StatusBadRequest)
			return
		}
		sess, err := mgr.Start(req.ConversationID, target, parseMode(req.Mode))
		if err != nil {
			callError(w, err)
			return
		}
		writeJSON(w, sess.Status())
	})

	// POST /api/call/start-group
	handlePost(mux, "/api/call/start-group", func(w http.ResponseWriter, r *http.Request, req struct {
		ConversationID string `json:"conversation_id"`
		GroupID        string `json:"group_id"`
		Mode           string `json:"mode"`
	}) {
		if req.ConversationID == "" || req.GroupID == "" {
			http.Error(w, "missing conversation_id or group_id", http.StatusBadRequest)
			return
		}
		sess, err := mgr.StartGroup(req.ConversationID, req.GroupID, parseMode(req.Mode))
		if err != nil {
			callError(w, err)
			return
		}
		writeJSON(w, sess.Status())
	})

	// POST /api/call/join — join a group call that is already running.
	handlePost(mux, "/api/call/join", func(w http.ResponseWriter, r *http.Request, req struct {
		ConversationID string `json:"conversation_id"`
		GroupID        string `json:"group_id"`
		Mode           string `json:"mode"`
	}) {
		if req.ConversationID == "" || req.GroupID == "" {
			http.Error(w, "missing conversation_id or group_id", http.StatusBadRequest)
			return
		}
		sess, err := mgr.Join(req.ConversationID, req.GroupID, parseMode(req.Mode))
		if err != nil {
			callError(w, err)
			return
		}
		writeJSON(w, sess.Status())
	})

	// POST /api/call/accept
	handlePost(mux, "/api/call/accept", func(w http.ResponseWriter, r *http.Request, req struct {
		ConversationID string `json:"conversation_id"`
	}) {
		sess, ok := mgr.Get(req.ConversationID)
		if !ok {
			http.Error(w, "no such call", http.StatusNotFound)
			return
		}
		if err := sess.Accept(); err != nil {
			callError(w, err)
			return
		}
		writeJSON(w, sess.Status())
	})

	// POST /api/call/decline
	handlePost(mux, "/api/call/decline", func(w http.ResponseWriter, r *http.Request, req struct {
		ConversationID string `json:"conversation_id"`
	}) {
		sess, ok := mgr.Get(req.ConversationID)
		if !ok {
			http.Error(w, "no such call", http.StatusNotFound)
			return
		}
		if err := sess.Decline(); err != nil {
			callError(w, err)
			return
		}
		writeJSON(w, map[string]string{"status": "declined"})
	})

	// POST /api/call/hangup
	handlePost(mux, "/api/call/hangup", func(w http.ResponseWriter, r *http.Request, req struct {
		ConversationID string `json:"conversation_id"`
	}) {
		sess, ok := mgr.Get(req.ConversationID)
		if !ok {
			writeJSON(w, map[string]string{"status": "not_found"})
			return
		}
		sess.End()
		writeJSON(w, map[string]string{"status": "ended"})
	})

	// POST /api/call/toggle-mic
	handlePost(mux, "/api/call/toggle-mic", func(w http.ResponseWriter, r *http.Request, req struct {
		ConversationID string `json:"conversation_id"`
	}) {
		sess, ok := mgr.Get(req.ConversationID)
		if !ok {
			http.Error(w, "no such call", http.StatusNotFound)
			return
		}
		muted, err := sess.ToggleMicrophone()
		if err != nil {
			callError(w, err)
			return
		}
		writeJSON(w, map[string]bool{"muted": muted})
	})

	// POST /api/call/video — enable or disable the camera.
	handlePost(mux, "/api/call/video", func(w http.ResponseWriter, r *http.Request, req struct {
		ConversationID string `json:"conversation_id"`
		Enabled        bool   `json:"enabled"`
	}) {
		sess, ok := mgr.Get(req.ConversationID)
		if !ok {
			http.Error(w, "no such call", http.StatusNotFound)
			return
		}
		var err error
		if req.Enabled {
			err = sess.EnableVideo()
		} else {
			err = sess.DisableVideo()
		}
		if err != nil {
			callError(w, err)
			return
		}
		writeJSON(w, map[string]any{"video_source": sess.Status().VideoSource})
	})

	// POST /api/call/screenshare
	handlePost(mux, "/api/call/screenshare", func(w http.ResponseWriter, r *http.Request, req struct {
		ConversationID string `json:"conversation_id"`
		Enabled        bool   `json:"enabled"`
	}) {
		sess, ok := mgr.Get(req.ConversationID)
		if !ok {
			http.Error(w, "no such call", http.StatusNotFound)
			return
		}
		var err error
		if req.Enabled {
			err = sess.StartScreenShare()
		} else {
			err = sess.StopScreenShare()
		}
		if err != nil {
			callError(w, err)
			return
		}
		writeJSON(w, map[string]any{"video_source": sess.Status().VideoSource})
	})

	// POST /api/call/camera-facing — flip between front and back camera.
	handlePost(mux, "/api/call/camera-facing", func(w http.ResponseWriter, r *http.Request, req struct {
		ConversationID string `json:"conversation_id"`
	}) {
		sess, ok := mgr.Get(req.ConversationID)
		if !ok {
			http.Error(w, "no such call", http.StatusNotFound)
			return
		}
		if err := sess.SwitchCameraFacing(); err != nil {
			callError(w, err)
			return
		}
		writeJSON(w, map[string]string{"status": "switched"})
	})

	// POST /api/call/convert-to-group — upgrade a 1:1 call in place.
	handlePost(mux, "/api/call/convert-to-group", func(w http.ResponseWriter, r *http.Request, req struct {
		ConversationID string   `json:"conversation_id"`
		GroupID        string   `json:"group_id"`
		Invited        []string `json:"invited"`
	}) {
		sess, ok := mgr.Get(req.ConversationID)
		if !ok {
			http.Error(w, "no such call", http.StatusNotFound)
			return
		}
		if req.GroupID == "" {
			http.Error(w, "missing group_id", http.StatusBadRequest)
			return
		}
		invited := make([]call.PeerKey, 0, len(req.Invited))
		for _, raw := range req.Invited {
			key, err := call.ParsePeerKey(raw)
			if err != nil {
				http.Error(w, fmt.Sprintf("bad peer key %q: %v", raw, err), http.StatusBadRequest)
				return
			}
			invited = append(invited, key)
		}
		if err := sess.ConvertToGroup(req.GroupID, invited); err != nil {
			callError(w, err)
			return
		}
		writeJSON(w, sess.Status())
	})

	// POST /api/call/join-link — mint a guest join token for a group call.
	handlePost(mux, "/api/call/join-link", func(w http.ResponseWriter, r *http.Request, req struct {
		GroupID     string `json:"group_id"`
		GuestID     int64  `json:"guest_id"`
		DisplayName string `json:"display_name"`
	}) {
		if s.deps.Minter == nil {
			http.Error(w, "guest links not configured", http.StatusNotImplemented)
			return
		}
		if req.GroupID == "" {
			http.Error(w, "missing group_id", http.StatusBadRequest)
			return
		}
		tok, err := s.deps.Minter.MintJoinToken(req.GroupID, req.GuestID, req.DisplayName)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]string{"token": tok})
	})

	// GET /api/call/events — SSE stream of incoming call notifications.
	handleGet(mux, "/api/call/events", func(w http.ResponseWriter, r *http.Request) {
		sseHeaders(w)
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming not supported", http.StatusInternalServerError)
			return
		}

		inCh := mgr.SubscribeIncoming()
		defer mgr.UnsubscribeIncoming(inCh)

		fmt.Fprintf(w, "event: connected\ndata: {\"status\":\"ok\"}\n\n")
		flusher.Flush()

		ctx := r.Context()
		for {
			select {
			case <-ctx.Done():
				return
			case ic, ok := <-inCh:
				if !ok {
					return
				}
				writeSSEEvent(w, "incoming-call", ic)
				flusher.Flush()
			}
		}
	})

	// GET /api/peers — the presence directory, for pickers and status dots.
	handleGet(mux, "/api/peers", func(w http.ResponseWriter, r *http.Request) {
		if s.deps.Peers == nil {
			writeJSON(w, map[string]state.SeenPeer{})
			return
		}
		writeJSON(w, s.deps.Peers.Snapshot())
	})

	// GET /api/diag — transport diagnostics.
	handleGet(mux, "/api/diag", func(w http.ResponseWriter, r *http.Request) {
		if s.deps.Diag == nil {
			writeJSON(w, map[string]any{})
			return
		}
		writeJSON(w, s.deps.Diag())
	})
}

func parseMode(raw string) call.Mode {
	if raw == string(call.ModeVideo) {
		return call.ModeVideo
	}
	return call.ModeVoice
}

// callError maps well-known call package errors to HTTP status codes.
func callError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, call.ErrBusy):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, call.ErrCallEnded), errors.Is(err, call.ErrNoSuchSession):
		http.Error(w, err.Error(), http.StatusGone)
	case errors.Is(err, call.ErrScreenShareActive), errors.Is(err, call.ErrNoActiveVideo):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
