package openai

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/MrWong99/speakwell/internal/grading"
	"github.com/MrWong99/speakwell/pkg/types"
)

func completionBody(content string) string {
	b, _ := json.Marshal(map[string]any{
		"id":      "chatcmpl-1",
		"object":  "chat.completion",
		"created": 1,
		"model":   "gpt-4o-mini",
		"choices": []map[string]any{{
			"index":         0,
			"finish_reason": "stop",
			"message":       map[string]any{"role": "assistant", "content": content},
		}},
	})
	return string(b)
}

func TestAnalyze(t *testing.T) {
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			http.NotFound(w, r)
			return
		}
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &gotBody)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, completionBody(`{"band": 6.5, "feedback": [{"criterion": "Fluency and Coherence", "text": "Mostly fluent."}]}`))
	}))
	defer srv.Close()

	a, err := New("sk-test", "", WithBaseURL(srv.URL+"/v1/"), WithMaxRetries(0))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	fb, err := a.Analyze(context.Background(), grading.Request{
		Mode:     grading.ModePart1,
		Messages: types.Transcript{{Role: types.RoleUser, Content: "Hello"}},
	})
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if fb.Band != 6.5 || len(fb.Blocks) != 1 {
		t.Errorf("feedback = %+v", fb)
	}

	if gotBody["model"] != DefaultModel {
		t.Errorf("model = %v, want %s", gotBody["model"], DefaultModel)
	}
	rf, _ := gotBody["response_format"].(map[string]any)
	if rf["type"] != "json_object" {
		t.Errorf("response_format = %v, want json_object", gotBody["response_format"])
	}
	msgs, _ := gotBody["messages"].([]any)
	if len(msgs) != 2 {
		t.Fatalf("messages = %d, want 2", len(msgs))
	}
}

func TestAnalyze_InvalidReply(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, completionBody("I cannot grade this."))
	}))
	defer srv.Close()

	a, _ := New("sk-test", "gpt-4o", WithBaseURL(srv.URL+"/v1/"), WithMaxRetries(0))
	_, err := a.Analyze(context.Background(), grading.Request{Mode: grading.ModeFull})
	if !errors.Is(err, grading.ErrInvalidFeedback) {
		t.Fatalf("err = %v, want ErrInvalidFeedback", err)
	}
}

func TestNew_MissingAPIKey(t *testing.T) {
	if _, err := New("", "gpt-4o"); err == nil {
		t.Fatal("expected error for empty api key")
	}
}
