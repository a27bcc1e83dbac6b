package openhands

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestCreateConversation(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		var gotKey string
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost || r.URL.Path != "/api/conversations" {
				t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
			}
			gotKey = r.Header.Get("X-Session-API-Key")
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"conversation_id":"conv-123"}`))
		}))
		defer srv.Close()

		c := NewClient(srv.URL, "sk-test")
		id, err := c.CreateConversation(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		if id != "conv-123" {
			t.Errorf("conversation id = %q", id)
		}
		if gotKey != "sk-test" {
			t.Errorf("api key header = %q", gotKey)
		}
	})

	t.Run("unauthorized maps to ErrAuth", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusUnauthorized)
		}))
		defer srv.Close()

		c := NewClient(srv.URL, "bad-key")
		_, err := c.CreateConversation(context.Background())
		if !errors.Is(err, ErrAuth) {
			t.Errorf("expected ErrAuth, got %v", err)
		}
	})

	t.Run("refused connection maps to ErrBackendDown", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
		srv.Close() // port is now closed

		c := NewClient(srv.URL, "")
		_, err := c.CreateConversation(context.Background())
		if !errors.Is(err, ErrBackendDown) {
			t.Errorf("expected ErrBackendDown, got %v", err)
		}
	})

	t.Run("empty conversation id is an error", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{}`))
		}))
		defer srv.Close()

		c := NewClient(srv.URL, "")
		if _, err := c.CreateConversation(context.Background()); err == nil {
			t.Error("expected error for empty conversation_id")
		}
	})
}

func TestHealth(t *testing.T) {
	t.Run("up", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path != "/api/options/config" {
				t.Errorf("unexpected path %s", r.URL.Path)
			}
			w.Write([]byte(`{}`))
		}))
		defer srv.Close()

		if err := NewClient(srv.URL, "").Health(context.Background()); err != nil {
			t.Errorf("health: %v", err)
		}
	})

	t.Run("server error", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}))
		defer srv.Close()

		if err := NewClient(srv.URL, "").Health(context.Background()); err == nil {
			t.Error("expected error for 500")
		}
	})

	t.Run("down", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
		srv.Close()

		err := NewClient(srv.URL, "").Health(context.Background())
		if !errors.Is(err, ErrBackendDown) {
			t.Errorf("expected ErrBackendDown, got %v", err)
		}
	})
}
