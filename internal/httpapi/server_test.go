package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"chatcore/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.New(":memory:", nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestHealth(t *testing.T) {
	st := newTestStore(t)
	api := New(st, nil)
	ts := httptest.NewServer(api.Echo())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var health healthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if health.Status != "ok" {
		t.Fatalf("status = %q", health.Status)
	}
}

func TestStatsReflectsStore(t *testing.T) {
	st := newTestStore(t)
	if _, err := st.CreateUser(context.Background(), "alice", "password1"); err != nil {
		t.Fatalf("create user: %v", err)
	}

	api := New(st, nil)
	ts := httptest.NewServer(api.Echo())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/stats")
	if err != nil {
		t.Fatalf("GET /api/stats: %v", err)
	}
	defer resp.Body.Close()
	var stats statsResponse
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if stats.Users != 1 {
		t.Fatalf("users = %d, want 1", stats.Users)
	}
	if stats.Groups < 1 {
		t.Fatalf("groups = %d, want at least the bootstrap public group", stats.Groups)
	}
}

func TestListAndBanUser(t *testing.T) {
	st := newTestStore(t)
	userID, err := st.CreateUser(context.Background(), "bob", "password1")
	if err != nil {
		t.Fatalf("create user: %v", err)
	}

	api := New(st, nil)
	ts := httptest.NewServer(api.Echo())
	defer ts.Close()

	listResp, err := http.Get(ts.URL + "/api/users")
	if err != nil {
		t.Fatalf("GET /api/users: %v", err)
	}
	defer listResp.Body.Close()
	var users []userResponse
	if err := json.NewDecoder(listResp.Body).Decode(&users); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(users) != 1 || users[0].Username != "bob" {
		t.Fatalf("unexpected user list: %+v", users)
	}

	banReq, _ := http.NewRequest(http.MethodPost, ts.URL+"/api/users/"+strconv.FormatInt(userID, 10)+"/ban", nil)
	banResp, err := http.DefaultClient.Do(banReq)
	if err != nil {
		t.Fatalf("POST ban: %v", err)
	}
	defer banResp.Body.Close()
	if banResp.StatusCode != http.StatusNoContent {
		t.Fatalf("ban status = %d", banResp.StatusCode)
	}

	u, err := st.UserByID(context.Background(), userID)
	if err != nil {
		t.Fatalf("user by id: %v", err)
	}
	if !u.IsBanned {
		t.Fatal("expected user to be banned after POST /api/users/:id/ban")
	}
}

func TestGetUserNotFound(t *testing.T) {
	st := newTestStore(t)
	api := New(st, nil)
	ts := httptest.NewServer(api.Echo())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/users/999")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

