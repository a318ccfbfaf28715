package panel

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
)

// newPanelServer stands up a fake panel: an /oauth2/token endpoint and
// the daemon proxy routes. handler receives only authenticated API calls.
func newPanelServer(t *testing.T, handler http.HandlerFunc) (*httptest.Server, *atomic.Int64) {
	t.Helper()
	var tokenIssues atomic.Int64

	mux := http.NewServeMux()
	mux.HandleFunc("/oauth2/token", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			http.Error(w, "bad form", http.StatusBadRequest)
			return
		}
		if r.PostForm.Get("grant_type") != "client_credentials" {
			// client_id/secret may arrive via basic auth instead of the form.
			http.Error(w, "unsupported grant", http.StatusBadRequest)
			return
		}
		n := tokenIssues.Add(1)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"access_token":"tok-%d","token_type":"Bearer","expires_in":3600}`, n)
	})
	mux.HandleFunc("/proxy/daemon/", func(w http.ResponseWriter, r *http.Request) {
		handler(w, r)
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, &tokenIssues
}

func newTestClient(t *testing.T, baseURL string) *Client {
	t.Helper()
	c, err := New(ClientOpts{
		BaseURL:      baseURL,
		ServerID:     "srv1",
		ClientID:     "id",
		ClientSecret: "secret",
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestNew_RequiresFields(t *testing.T) {
	if _, err := New(ClientOpts{ServerID: "s", ClientID: "i", ClientSecret: "s"}); err == nil {
		t.Error("expected error for missing base URL")
	}
	if _, err := New(ClientOpts{BaseURL: "http://x", ClientID: "i", ClientSecret: "s"}); err == nil {
		t.Error("expected error for missing server ID")
	}
	if _, err := New(ClientOpts{BaseURL: "http://x", ServerID: "s"}); err == nil {
		t.Error("expected error for missing credentials")
	}
}

func TestToken_IssuedOnce(t *testing.T) {
	srv, issues := newPanelServer(t, func(w http.ResponseWriter, r *http.Request) {})
	c := newTestClient(t, srv.URL)

	tok1, err := c.Token(context.Background())
	if err != nil {
		t.Fatalf("Token: %v", err)
	}
	tok2, err := c.Token(context.Background())
	if err != nil {
		t.Fatalf("Token (cached): %v", err)
	}
	if tok1 != tok2 {
		t.Errorf("tokens differ: %q vs %q", tok1, tok2)
	}
	if got := issues.Load(); got != 1 {
		t.Errorf("token endpoint hit %d times, want 1", got)
	}
}

func TestStatus_Running(t *testing.T) {
	srv, _ := newPanelServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/proxy/daemon/server/srv1/status" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); !strings.HasPrefix(got, "Bearer tok-") {
			t.Errorf("Authorization = %q, want bearer token", got)
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"running":true}`)
	})
	c := newTestClient(t, srv.URL)

	status, err := c.Status(context.Background())
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status != StatusRunning {
		t.Errorf("status = %q, want %q", status, StatusRunning)
	}
}

func TestStatus_Offline(t *testing.T) {
	srv, _ := newPanelServer(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"running":false}`)
	})
	c := newTestClient(t, srv.URL)

	status, err := c.Status(context.Background())
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status != StatusOffline {
		t.Errorf("status = %q, want %q", status, StatusOffline)
	}
}

func TestStatus_ErrorIsUnknown(t *testing.T) {
	srv, _ := newPanelServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "panel on fire", http.StatusInternalServerError)
	})
	c := newTestClient(t, srv.URL)

	status, err := c.Status(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
	if status != StatusUnknown {
		t.Errorf("status = %q, want %q", status, StatusUnknown)
	}
}

func TestStatus_EmptyBodyIsUnknown(t *testing.T) {
	srv, _ := newPanelServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	c := newTestClient(t, srv.URL)

	status, err := c.Status(context.Background())
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status != StatusUnknown {
		t.Errorf("status = %q, want %q", status, StatusUnknown)
	}
}

func TestStartStop_PostCorrectPaths(t *testing.T) {
	var paths []string
	srv, _ := newPanelServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %q, want POST", r.Method)
		}
		paths = append(paths, r.URL.Path)
		w.WriteHeader(http.StatusAccepted)
	})
	c := newTestClient(t, srv.URL)

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := c.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	want := []string{"/proxy/daemon/server/srv1/start", "/proxy/daemon/server/srv1/stop"}
	if len(paths) != 2 || paths[0] != want[0] || paths[1] != want[1] {
		t.Errorf("paths = %v, want %v", paths, want)
	}
}

func TestSendCommand_RawBody(t *testing.T) {
	var gotBody string
	srv, _ := newPanelServer(t, func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.WriteHeader(http.StatusNoContent)
	})
	c := newTestClient(t, srv.URL)

	if err := c.SendCommand(context.Background(), "say hello"); err != nil {
		t.Fatalf("SendCommand: %v", err)
	}
	if gotBody != "say hello" {
		t.Errorf("body = %q, want %q", gotBody, "say hello")
	}
}

func TestDo_Retries401WithFreshToken(t *testing.T) {
	var apiCalls atomic.Int64
	srv, issues := newPanelServer(t, func(w http.ResponseWriter, r *http.Request) {
		if apiCalls.Add(1) == 1 {
			// Reject the first token to force a re-auth.
			http.Error(w, "expired", http.StatusUnauthorized)
			return
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok-2" {
			t.Errorf("retry Authorization = %q, want %q", got, "Bearer tok-2")
		}
		io.WriteString(w, `{"running":true}`)
	})
	c := newTestClient(t, srv.URL)

	status, err := c.Status(context.Background())
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status != StatusRunning {
		t.Errorf("status = %q, want %q", status, StatusRunning)
	}
	if got := apiCalls.Load(); got != 2 {
		t.Errorf("API called %d times, want 2", got)
	}
	if got := issues.Load(); got != 2 {
		t.Errorf("token issued %d times, want 2", got)
	}
}
