package backend

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/mfeldt/huddle/internal/call"
)

func TestStartGroupCall(t *testing.T) {
	var gotAuth, gotPath, gotMode string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		var body struct {
			Mode string `json:"mode"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		gotMode = body.Mode
		json.NewEncoder(w).Encode(GroupCall{ID: "call-9", GroupID: "g1", Mode: body.Mode})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "secret-token")
	gc, err := c.StartGroupCall(context.Background(), "g1", call.ModeVideo)
	if err != nil {
		t.Fatalf("StartGroupCall: %v", err)
	}
	if gc.ID != "call-9" {
		t.Errorf("call id = %q, want call-9", gc.ID)
	}
	if gotAuth != "Bearer secret-token" {
		t.Errorf("auth header = %q", gotAuth)
	}
	if gotPath != "/v1/groups/g1/calls" {
		t.Errorf("path = %q", gotPath)
	}
	if gotMode != "video" {
		t.Errorf("mode = %q, want video", gotMode)
	}
}

func TestFetchRoster(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/groups/g1/calls/current/roster" {
			t.Errorf("path = %q", r.URL.Path)
		}
		w.Write([]byte(`{"participants":[
			{"key":"user:bob","display_name":"Bob"},
			{"key":"guest:7","display_name":"Visitor"}]}`))
	}))
	defer srv.Close()

	roster, err := NewClient(srv.URL, "").FetchRoster("g1")
	if err != nil {
		t.Fatalf("FetchRoster: %v", err)
	}
	if len(roster) != 2 {
		t.Fatalf("got %d entries, want 2", len(roster))
	}
	if roster[0].Key != call.AccountKey("bob") {
		t.Errorf("entry 0 = %v", roster[0].Key)
	}
	if roster[1].Key != call.GuestKey(7) || roster[1].DisplayName != "Visitor" {
		t.Errorf("entry 1 = %v %q", roster[1].Key, roster[1].DisplayName)
	}
}

func TestErrorResponsesSurfaceStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no active call", http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, "").JoinGroupCall(context.Background(), "g1")
	if err == nil {
		t.Fatal("expected error")
	}
	var apiErr *apiError
	if !errors.As(err, &apiErr) {
		t.Fatalf("error type = %T", err)
	}
	if apiErr.Status != http.StatusNotFound {
		t.Errorf("status = %d", apiErr.Status)
	}
	if apiErr.Message != "no active call" {
		t.Errorf("message = %q", apiErr.Message)
	}
}

func TestInviteAndMediaReports(t *testing.T) {
	var paths []string
	var bodies []map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		bodies = append(bodies, body)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "")
	ctx := context.Background()
	if err := c.Invite(ctx, "conv1", call.AccountKey("bob"), call.ModeVoice); err != nil {
		t.Fatalf("Invite: %v", err)
	}
	if err := c.ReportMedia(ctx, "g1", true, false); err != nil {
		t.Fatalf("ReportMedia: %v", err)
	}

	if paths[0] != "/v1/conversations/conv1/invite" {
		t.Errorf("invite path = %q", paths[0])
	}
	if bodies[0]["to"] != "user:bob" || bodies[0]["mode"] != "voice" {
		t.Errorf("invite body = %v", bodies[0])
	}
	if paths[1] != "/v1/groups/g1/calls/current/media" {
		t.Errorf("media path = %q", paths[1])
	}
	if bodies[1]["muted"] != true || bodies[1]["sharing"] != false {
		t.Errorf("media body = %v", bodies[1])
	}
}

func TestCallLifecycleEndpoints(t *testing.T) {
	type hit struct{ method, path string }
	var hits []hit
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits = append(hits, hit{r.Method, r.URL.Path})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "")
	ctx := context.Background()
	if err := c.AcceptCall(ctx, "conv1", "call-9"); err != nil {
		t.Fatalf("AcceptCall: %v", err)
	}
	if err := c.DeclineCall(ctx, "conv1", "call-9"); err != nil {
		t.Fatalf("DeclineCall: %v", err)
	}
	if err := c.EndCall(ctx, "conv1", "call-9"); err != nil {
		t.Fatalf("EndCall: %v", err)
	}

	want := []hit{
		{http.MethodPost, "/v1/conversations/conv1/calls/call-9/accept"},
		{http.MethodPost, "/v1/conversations/conv1/calls/call-9/decline"},
		{http.MethodDelete, "/v1/conversations/conv1/calls/call-9"},
	}
	if len(hits) != len(want) {
		t.Fatalf("requests = %+v", hits)
	}
	for i := range want {
		if hits[i] != want[i] {
			t.Errorf("request %d = %+v, want %+v", i, hits[i], want[i])
		}
	}
}

func TestRequestOfferResend(t *testing.T) {
	var gotPath, gotFrom string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		var body struct {
			From string `json:"from"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		gotFrom = body.From
	}))
	defer srv.Close()

	err := NewClient(srv.URL, "").RequestOfferResend(context.Background(), "g1", call.AccountKey("bob"))
	if err != nil {
		t.Fatalf("RequestOfferResend: %v", err)
	}
	if gotPath != "/v1/groups/g1/calls/current/resend" {
		t.Errorf("path = %q", gotPath)
	}
	if gotFrom != "user:bob" {
		t.Errorf("from = %q, want user:bob", gotFrom)
	}
}
