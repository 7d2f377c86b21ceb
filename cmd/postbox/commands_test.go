package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func runCLI(t *testing.T, addr string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(out)
	cmd.SetArgs(append([]string{"--addr", addr}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func TestSendCommand(t *testing.T) {
	t.Parallel()

	var gotBody map[string]string
	var gotAuth, gotContext string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/send" || r.Method != http.MethodPost {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")
		gotContext = r.Header.Get("X-Postbox-Context")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"result": `Mail sent to "samus" from "link".`})
	}))
	defer srv.Close()

	out, err := runCLI(t, srv.URL, "--token", "hunter2", "--context", "tmux:0",
		"send", "samus", "link", "meet", "at", "the", "dock")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if !strings.Contains(out, "Mail sent") {
		t.Fatalf("output = %q", out)
	}
	if gotBody["to"] != "samus" || gotBody["from"] != "link" {
		t.Fatalf("body = %+v", gotBody)
	}
	if gotBody["message"] != "meet at the dock" {
		t.Fatalf("message = %q", gotBody["message"])
	}
	if gotAuth != "Bearer hunter2" {
		t.Fatalf("auth header = %q", gotAuth)
	}
	if gotContext != "tmux:0" {
		t.Fatalf("context header = %q", gotContext)
	}
}

func TestWatchRequiresContext(t *testing.T) {
	t.Parallel()

	_, err := runCLI(t, "http://127.0.0.1:1", "watch", "samus")
	if err == nil || !strings.Contains(err.Error(), "--context is required") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestMessagesCommand(t *testing.T) {
	t.Parallel()

	at := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/messages/samus" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if r.URL.Query().Get("unread") != "1" {
			t.Errorf("query = %q", r.URL.RawQuery)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"recipient": "samus",
			"messages": []map[string]any{
				{"id": "a", "recipient": "samus", "sender": "link", "body": "hello\nthere", "created_at": at, "read": false},
			},
		})
	}))
	defer srv.Close()

	out, err := runCLI(t, srv.URL, "messages", "samus", "--unread")
	if err != nil {
		t.Fatalf("messages: %v", err)
	}
	if !strings.Contains(out, "* 2026-03-02T10:00:00Z  from link") {
		t.Fatalf("output = %q", out)
	}
	if !strings.Contains(out, "    hello\n    there") {
		t.Fatalf("body indent missing: %q", out)
	}
}

func TestHealthCommandDegraded(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":  "degraded",
			"store":   "mailbox store unavailable: disk I/O error",
			"mail":    map[string]any{"total": 3, "unread": 2},
			"watches": 1,
		})
	}))
	defer srv.Close()

	out, err := runCLI(t, srv.URL, "health")
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	if !strings.Contains(out, "status:  degraded") {
		t.Fatalf("output = %q", out)
	}
	if !strings.Contains(out, "3 total, 2 unread") {
		t.Fatalf("output = %q", out)
	}
}

func TestSurfacesAPIError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "invalid input: to is required"})
	}))
	defer srv.Close()

	_, err := runCLI(t, srv.URL, "send", "", "link", "hello")
	if err == nil || !strings.Contains(err.Error(), "to is required") {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(err.Error(), "400") {
		t.Fatalf("status missing from error: %v", err)
	}
}
