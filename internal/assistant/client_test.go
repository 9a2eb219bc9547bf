package assistant

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// ---------------------------------------------------------------------------
// Test: Client construction
// ---------------------------------------------------------------------------

func TestNewClient_NilWithoutKey(t *testing.T) {
	if c := NewClient(ClientConfig{}); c != nil {
		t.Error("expected nil client without an API key")
	}
	if c := NewClient(ClientConfig{APIKey: "sk-test"}); c == nil {
		t.Error("expected a client with an API key")
	}
}

// ---------------------------------------------------------------------------
// Test: Complete request/response handling
// ---------------------------------------------------------------------------

func TestComplete_SendsRequestAndParsesReply(t *testing.T) {
	var got messagesRequest
	var gotKey, gotVersion string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/messages" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		gotKey = r.Header.Get("x-api-key")
		gotVersion = r.Header.Get("anthropic-version")
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"content": []map[string]string{{"type": "text", "text": "Sure, here's an idea."}},
		})
	}))
	defer srv.Close()

	c := NewClient(ClientConfig{APIKey: "sk-test", BaseURL: srv.URL})

	reply, err := c.Complete(context.Background(), "be helpful", []ChatTurn{
		{Role: RoleUser, Content: "alice: hi"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reply != "Sure, here's an idea." {
		t.Errorf("unexpected reply %q", reply)
	}

	if gotKey != "sk-test" {
		t.Errorf("expected api key header, got %q", gotKey)
	}
	if gotVersion != apiVersion {
		t.Errorf("expected version header %q, got %q", apiVersion, gotVersion)
	}
	if got.Model != defaultModel {
		t.Errorf("expected default model, got %q", got.Model)
	}
	if got.MaxTokens != defaultMaxTokens {
		t.Errorf("expected default max_tokens, got %d", got.MaxTokens)
	}
	if got.System != "be helpful" {
		t.Errorf("unexpected system prompt %q", got.System)
	}
	if len(got.Messages) != 1 || got.Messages[0].Content != "alice: hi" {
		t.Errorf("unexpected messages %v", got.Messages)
	}
}

func TestComplete_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"error": map[string]string{"message": "rate limited"},
		})
	}))
	defer srv.Close()

	c := NewClient(ClientConfig{APIKey: "sk-test", BaseURL: srv.URL})

	_, err := c.Complete(context.Background(), "sys", []ChatTurn{{Role: RoleUser, Content: "hi"}})
	if err == nil {
		t.Fatal("expected an error")
	}
	if want := "rate limited"; !strings.Contains(err.Error(), want) {
		t.Errorf("expected error containing %q, got %v", want, err)
	}
}

func TestComplete_NoTextContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"content": []map[string]string{},
		})
	}))
	defer srv.Close()

	c := NewClient(ClientConfig{APIKey: "sk-test", BaseURL: srv.URL})

	if _, err := c.Complete(context.Background(), "sys", nil); err == nil {
		t.Fatal("expected an error for a reply without text content")
	}
}
