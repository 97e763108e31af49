package backend

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"

	"github.com/rs/zerolog"
)

func TestCheckServiceKeyConstantTime(t *testing.T) {
	t.Parallel()

	c := New(Config{ServiceKey: "__LOL_TESTING__"}, zerolog.Nop())

	tests := []struct {
		name      string
		presented string
		want      bool
	}{
		{"exact match", "__LOL_TESTING__", true},
		{"wrong value same length", "__LOL_TESTINGX__"[:len("__LOL_TESTING__")], false},
		{"too short", "__LOL_TESTING", false},
		{"too long", "__LOL_TESTING__EXTRA", false},
		{"empty", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := c.CheckServiceKey(tt.presented); got != tt.want {
				t.Errorf("CheckServiceKey(%q) = %v, want %v", tt.presented, got, tt.want)
			}
		})
	}
}

func TestCheckServiceKeyAlwaysAcceptsWhenUnconfigured(t *testing.T) {
	t.Parallel()

	c := New(Config{ServiceKey: ""}, zerolog.Nop())
	if !c.CheckServiceKey("anything") {
		t.Errorf("CheckServiceKey() = false with no configured key, want true")
	}
	if !c.CheckServiceKey("") {
		t.Errorf("CheckServiceKey(\"\") = false with no configured key, want true")
	}
}

func TestSendToBackendValidAuthToken(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Fatalf("ParseForm() error: %v", err)
		}
		if r.FormValue("serviceKey") != "__LOL_TESTING__" {
			t.Errorf("serviceKey = %q, want __LOL_TESTING__", r.FormValue("serviceKey"))
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"nodejsValidAuthToken":true,"clientId":"sid1","uid":666,"channels":[]}`))
	}))
	defer srv.Close()

	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatalf("url.Parse() error: %v", err)
	}
	host, port := u.Hostname(), mustPort(t, u)

	c := New(Config{Scheme: "http", Host: host, Port: port, BasePath: "/", MessagePath: "", ServiceKey: "__LOL_TESTING__"}, zerolog.Nop())

	resp, err := c.SendToBackend(context.Background(), map[string]any{"authToken": "lol_test_auth_token"})
	if err != nil {
		t.Fatalf("SendToBackend() error: %v", err)
	}
	if !resp.ValidAuthToken() {
		t.Errorf("ValidAuthToken() = false, want true")
	}
	if resp.HasError() {
		t.Errorf("HasError() = true, want false")
	}
}

func TestSendToBackendRejectsInvalidAuthToken(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"nodejsValidAuthToken":false}`))
	}))
	defer srv.Close()

	u, _ := url.Parse(srv.URL)
	c := New(Config{Scheme: "http", Host: u.Hostname(), Port: mustPort(t, u), BasePath: "/", MessagePath: ""}, zerolog.Nop())

	resp, err := c.SendToBackend(context.Background(), map[string]any{"authToken": "bad"})
	if err != nil {
		t.Fatalf("SendToBackend() error: %v", err)
	}
	if resp.ValidAuthToken() {
		t.Errorf("ValidAuthToken() = true, want false")
	}
}

func TestSendToBackendNotFound(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	u, _ := url.Parse(srv.URL)
	c := New(Config{Scheme: "http", Host: u.Hostname(), Port: mustPort(t, u), BasePath: "/", MessagePath: ""}, zerolog.Nop())

	resp, err := c.SendToBackend(context.Background(), map[string]any{})
	if err != nil {
		t.Fatalf("SendToBackend() error: %v", err)
	}
	if resp.ValidAuthToken() {
		t.Errorf("ValidAuthToken() = true for 404 response, want false")
	}
}

func mustPort(t *testing.T, u *url.URL) int {
	t.Helper()
	port, err := strconv.Atoi(u.Port())
	if err != nil {
		t.Fatalf("parse port %q: %v", u.Port(), err)
	}
	return port
}
