// Package backend is the thin client for the hosted conversation service:
// group call lifecycle, roster snapshots, invitations, and guest join links.
// Everything here is optional — a peer without a backend URL simply cannot
// join server-tracked group calls.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/mfeldt/huddle/internal/call"
)

// Client talks to the conversation service REST API.
type Client struct {
	baseURL string
	token   string
	client  *http.Client
}

func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// GroupCall describes the server-tracked call on a group conversation.
type GroupCall struct {
	ID      string `json:"id"`
	GroupID string `json:"group_id"`
	Mode    string `json:"mode"`
	Started int64  `json:"started"`
}

// JoinLink is a time-limited URL that lets a guest join a group call.
type JoinLink struct {
	URL     string `json:"url"`
	Token   string `json:"token"`
	Expires int64  `json:"expires"`
}

type apiError struct {
	Status  int
	Message string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("backend: %d %s", e.Status, e.Message)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &apiError{Status: resp.StatusCode, Message: strings.TrimSpace(string(msg))}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// StartGroupCall registers a new call on a group conversation.
func (c *Client) StartGroupCall(ctx context.Context, groupID string, mode call.Mode) (*GroupCall, error) {
	var gc GroupCall
	err := c.do(ctx, http.MethodPost, "/v1/groups/"+groupID+"/calls",
		map[string]any{"mode": mode}, &gc)
	if err != nil {
		return nil, err
	}
	return &gc, nil
}

// JoinGroupCall announces this participant on the group's current call.
func (c *Client) JoinGroupCall(ctx context.Context, groupID string) (*GroupCall, error) {
	var gc GroupCall
	err := c.do(ctx, http.MethodPost, "/v1/groups/"+groupID+"/calls/current/join", nil, &gc)
	if err != nil {
		return nil, err
	}
	return &gc, nil
}

// LeaveGroupCall removes this participant from the group's current call.
func (c *Client) LeaveGroupCall(ctx context.Context, groupID string) error {
	return c.do(ctx, http.MethodPost, "/v1/groups/"+groupID+"/calls/current/leave", nil, nil)
}

// EndGroupCall terminates the group's current call for everyone.
func (c *Client) EndGroupCall(ctx context.Context, groupID string) error {
	return c.do(ctx, http.MethodDelete, "/v1/groups/"+groupID+"/calls/current", nil, nil)
}

// FetchRoster returns the current participant set of the group's call. It
// satisfies the roster surface the call manager needs for Join.
func (c *Client) FetchRoster(groupID string) ([]call.RosterEntry, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var roster struct {
		Participants []call.RosterEntry `json:"participants"`
	}
	err := c.do(ctx, http.MethodGet, "/v1/groups/"+groupID+"/calls/current/roster", nil, &roster)
	if err != nil {
		return nil, err
	}
	return roster.Participants, nil
}

// AcceptCall records that the local user picked up a 1:1 call, so other
// devices of the same account stop ringing.
func (c *Client) AcceptCall(ctx context.Context, conversationID, callID string) error {
	return c.do(ctx, http.MethodPost, "/v1/conversations/"+conversationID+"/calls/"+callID+"/accept", nil, nil)
}

// DeclineCall records a declined 1:1 call.
func (c *Client) DeclineCall(ctx context.Context, conversationID, callID string) error {
	return c.do(ctx, http.MethodPost, "/v1/conversations/"+conversationID+"/calls/"+callID+"/decline", nil, nil)
}

// EndCall closes the server-side record of a 1:1 call.
func (c *Client) EndCall(ctx context.Context, conversationID, callID string) error {
	return c.do(ctx, http.MethodDelete, "/v1/conversations/"+conversationID+"/calls/"+callID, nil, nil)
}

// RequestOfferResend asks the backend to nudge a participant whose offer
// never arrived into retransmitting its last description. Fallback for the
// peer-to-peer resend_offer signal when the peer is only reachable through
// the backend push path.
func (c *Client) RequestOfferResend(ctx context.Context, groupID string, from call.PeerKey) error {
	return c.do(ctx, http.MethodPost, "/v1/groups/"+groupID+"/calls/current/resend",
		map[string]any{"from": from.String()}, nil)
}

// Invite asks the backend to notify an account about a 1:1 call, for peers
// currently offline on the mesh (push notification path).
func (c *Client) Invite(ctx context.Context, conversationID string, target call.PeerKey, mode call.Mode) error {
	return c.do(ctx, http.MethodPost, "/v1/conversations/"+conversationID+"/invite",
		map[string]any{"to": target.String(), "mode": mode}, nil)
}

// ReportMedia mirrors the local mute/screen-share flags to the backend so
// conversation UIs can render them without being in the call.
func (c *Client) ReportMedia(ctx context.Context, groupID string, muted, sharing bool) error {
	return c.do(ctx, http.MethodPost, "/v1/groups/"+groupID+"/calls/current/media",
		map[string]any{"muted": muted, "sharing": sharing}, nil)
}

// CreateJoinLink asks the backend for a guest join link on the group call.
func (c *Client) CreateJoinLink(ctx context.Context, groupID, displayName string) (*JoinLink, error) {
	var link JoinLink
	err := c.do(ctx, http.MethodPost, "/v1/groups/"+groupID+"/calls/current/links",
		map[string]any{"display_name": displayName}, &link)
	if err != nil {
		return nil, err
	}
	return &link, nil
}

// RevokeJoinLink invalidates a previously created join link.
func (c *Client) RevokeJoinLink(ctx context.Context, groupID, token string) error {
	return c.do(ctx, http.MethodDelete, "/v1/groups/"+groupID+"/calls/current/links/"+token, nil, nil)
}
