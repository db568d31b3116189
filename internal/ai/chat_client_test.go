package ai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func TestChatClientGenerateSuccess(t *testing.T) {
	var prompt string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var request chatRequest
		if err := json.NewDecoder(r.Body).Decode(&request); err != nil || len(request.Messages) != 2 {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		prompt = request.Messages[1].Content
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"  Oi Ana, tudo certo?  "}}]}`))
	}))
	defer server.Close()

	client := NewChatClient(ChatClientConfig{APIKey: "test-key", BaseURL: server.URL, Timeout: 2 * time.Second})
	text, err := client.Generate(context.Background(), GenerateInput{
		Tone:          "casual",
		Goal:          "schedule a demo",
		RecipientName: "Ana",
		History:       []string{"lead: Oi", "agent: Ola!"},
	})
	if err != nil {
		t.Fatalf("expected success, got err=%v", err)
	}
	if text != "Oi Ana, tudo certo?" {
		t.Fatalf("unexpected text %q", text)
	}
	for _, fragment := range []string{"to Ana", "Tone: casual", "Goal: schedule a demo", "lead: Oi"} {
		if !strings.Contains(prompt, fragment) {
			t.Fatalf("expected prompt to contain %q, got:\n%s", fragment, prompt)
		}
	}
}

func TestChatClientRetriesOnRateLimit(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":[{"type":"text","text":"ok"}]}}]}`))
	}))
	defer server.Close()

	client := NewChatClient(ChatClientConfig{APIKey: "test-key", BaseURL: server.URL, MaxRetries: 2})
	text, err := client.Generate(context.Background(), GenerateInput{})
	if err != nil {
		t.Fatalf("expected retry success, got err=%v", err)
	}
	if text != "ok" || atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("unexpected result text=%q calls=%d", text, calls)
	}
}

func TestChatClientDoesNotRetryClientErrors(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"bad"}`))
	}))
	defer server.Close()

	client := NewChatClient(ChatClientConfig{APIKey: "test-key", BaseURL: server.URL, MaxRetries: 3})
	_, err := client.Generate(context.Background(), GenerateInput{})
	var statusErr *StatusError
	if !errors.As(err, &statusErr) || statusErr.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected status error, got %v", err)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("expected a single call, got %d", calls)
	}
}

func TestChatClientWithoutKeyIsUnavailable(t *testing.T) {
	client := NewChatClient(ChatClientConfig{})
	if _, err := client.Generate(context.Background(), GenerateInput{}); !errors.Is(err, ErrGeneratorUnavailable) {
		t.Fatalf("expected unavailable error, got %v", err)
	}
}

func TestStaticGenerator(t *testing.T) {
	text, err := StaticGenerator{}.Generate(context.Background(), GenerateInput{RecipientName: "Ana", Goal: "enviar a proposta"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(text, "Ana") || !strings.Contains(text, "enviar a proposta") {
		t.Fatalf("unexpected text %q", text)
	}
}
