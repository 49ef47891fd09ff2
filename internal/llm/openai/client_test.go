package openai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"powerquality-backend/internal/llm"
)

func TestIsGPT5(t *testing.T) {
	tests := []struct {
		name  string
		model string
		want  bool
	}{
		{name: "gpt5", model: "gpt-5", want: true},
		{name: "gpt5 variant", model: "gpt-5-mini", want: true},
		{name: "gpt5 uppercase", model: " GPT-5o ", want: true},
		{name: "gpt4", model: "gpt-4o", want: false},
		{name: "empty", model: "", want: false},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			if got := isGPT5(tt.model); got != tt.want {
				t.Fatalf("isGPT5(%q) = %v, want %v", tt.model, got, tt.want)
			}
		})
	}
}

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := NewClient("test-key", "gpt-4o-mini")
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	client.baseURL = server.URL
	return client
}

func TestSummarizeSendsJSONObjectRequest(t *testing.T) {
	var got map[string]any
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer test-key" {
			t.Errorf("missing bearer token")
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"{\"summary\":\"230 V nominal\"}"}}]}`))
	})

	raw, err := client.Summarize(context.Background(), llm.SummarizeInput{
		Chunk:        "t,v\n0,230\n",
		ChunkIndex:   0,
		ChunkCount:   2,
		LanguageCode: "pt-BR",
	})
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	if !strings.Contains(string(raw), "230 V nominal") {
		t.Fatalf("unexpected output %s", raw)
	}

	format, _ := got["response_format"].(map[string]any)
	if format["type"] != "json_object" {
		t.Fatalf("expected json_object response format, got %v", got["response_format"])
	}
	if _, ok := got["temperature"]; !ok {
		t.Fatalf("expected temperature for non gpt-5 model")
	}
	messages, _ := got["messages"].([]any)
	if len(messages) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(messages))
	}
	developer, _ := messages[1].(map[string]any)
	content, _ := developer["content"].(string)
	if !strings.Contains(content, "Segment 1 of 2") || !strings.Contains(content, "Brazilian Portuguese") {
		t.Fatalf("developer prompt not rendered: %q", content)
	}
}

func TestCompleteReturnsStatusError(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"error":{"message":"overloaded"}}`))
	})

	_, err := client.Identify(context.Background(), llm.IdentifyInput{Summary: "s"})
	var statusErr *StatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("expected StatusError, got %v", err)
	}
	if statusErr.StatusCode != http.StatusServiceUnavailable || !statusErr.Temporary() {
		t.Fatalf("unexpected status error: %+v", statusErr)
	}
}

func TestCompleteRejectsNonJSONContent(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"not json"}}]}`))
	})

	if _, err := client.Review(context.Background(), llm.ReviewInput{Report: []byte(`{}`)}); err == nil {
		t.Fatalf("expected error for non-JSON content")
	}
}

func TestLanguageName(t *testing.T) {
	tests := map[string]string{
		"":      "English",
		"pt-BR": "Brazilian Portuguese",
		"es":    "Spanish",
		"nl-NL": "nl-NL",
	}
	for code, want := range tests {
		if got := languageName(code); got != want {
			t.Fatalf("languageName(%q) = %q, want %q", code, got, want)
		}
	}
}
