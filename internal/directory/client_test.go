package directory

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func newDirectoryServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/users/alice/profile", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"topics":["go","music"],"seniority":"senior","onboarded":true}`))
	})
	mux.HandleFunc("/users/alice/can-search", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"allowed":true,"reason":"","flag_count":0}`))
	})
	mux.HandleFunc("/users/mallory/can-search", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"allowed":false,"reason":"flagged","flag_count":5}`))
	})
	return httptest.NewServer(mux)
}

func TestGetProfile(t *testing.T) {
	srv := newDirectoryServer(t)
	defer srv.Close()

	c := NewClient(srv.URL, 2*time.Second)
	p, err := c.GetProfile(context.Background(), "alice")
	if err != nil {
		t.Fatalf("get profile: %v", err)
	}
	if len(p.Topics) != 2 || p.Topics[0] != "go" {
		t.Errorf("topics = %v", p.Topics)
	}
	if p.Seniority != "senior" || !p.Onboarded {
		t.Errorf("profile = %+v", p)
	}
}

func TestCanSearchAllowed(t *testing.T) {
	srv := newDirectoryServer(t)
	defer srv.Close()

	c := NewClient(srv.URL, 2*time.Second)
	policy, err := c.CanSearch(context.Background(), "alice")
	if err != nil {
		t.Fatalf("can-search: %v", err)
	}
	if !policy.Allowed {
		t.Errorf("policy = %+v, want allowed", policy)
	}
}

func TestCanSearchFlaggedCarriesCount(t *testing.T) {
	srv := newDirectoryServer(t)
	defer srv.Close()

	c := NewClient(srv.URL, 2*time.Second)
	policy, err := c.CanSearch(context.Background(), "mallory")
	if err != nil {
		t.Fatalf("can-search: %v", err)
	}
	if policy.Allowed {
		t.Fatal("flagged user reported as allowed")
	}
	if policy.Reason != "flagged" || policy.FlagCount != 5 {
		t.Errorf("policy = %+v, want reason=flagged flag_count=5", policy)
	}
}

func TestUnknownUserIsAnError(t *testing.T) {
	srv := newDirectoryServer(t)
	defer srv.Close()

	c := NewClient(srv.URL, 2*time.Second)
	if _, err := c.GetProfile(context.Background(), "ghost"); err == nil {
		t.Fatal("expected error for unknown user")
	}
}

func TestUnreachableDirectory(t *testing.T) {
	c := NewClient("http://127.0.0.1:1", 200*time.Millisecond)
	if _, err := c.CanSearch(context.Background(), "alice"); err == nil {
		t.Fatal("expected error for unreachable directory")
	}
}
