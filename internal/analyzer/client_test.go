package analyzer

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/wya0/ai-goofish-monitor/internal/config"
	"github.com/wya0/ai-goofish-monitor/internal/renderer"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func chatReply(content string) string {
	body, _ := json.Marshal(map[string]interface{}{
		"choices": []map[string]interface{}{
			{"message": map[string]string{"content": content}},
		},
	})
	return string(body)
}

func sampleDetail() *renderer.ListingDetail {
	return &renderer.ListingDetail{
		SourceID:    "8123456789",
		Title:       "索尼全画幅 a7m4 套机",
		Price:       "11500",
		Description: "个人自用，快门数 3000，包装齐全",
		SellerNick:  "摄影老张",
	}
}

func TestAnalyzeParsesVerdict(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.Model != "gpt-4o" {
			t.Errorf("model = %q", req.Model)
		}
		if len(req.Messages) != 2 {
			t.Errorf("messages = %d, want 2", len(req.Messages))
		}
		io.WriteString(w, chatReply(`{"is_recommended": true, "reason": "快门数低，价格低于市场价"}`))
	}))
	defer srv.Close()

	c := NewClient(&config.AIConfig{BaseURL: srv.URL, APIKey: "sk-test", Model: "gpt-4o", Timeout: 5 * time.Second}, testLogger())
	v, err := c.Analyze(context.Background(), "快门数低于 5000，价格低于 12000", sampleDetail(), nil)
	if err != nil {
		t.Fatalf("Analyze() error = %v", err)
	}
	if !v.Recommended {
		t.Error("verdict should be recommended")
	}
	if v.Reason == "" {
		t.Error("reason should not be empty")
	}
	if gotAuth != "Bearer sk-test" {
		t.Errorf("Authorization = %q", gotAuth)
	}
}

func TestAnalyzeRetriesOn5xx(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		io.WriteString(w, chatReply(`{"is_recommended": false, "reason": "疑似商贩"}`))
	}))
	defer srv.Close()

	c := NewClient(&config.AIConfig{BaseURL: srv.URL, Model: "gpt-4o", Timeout: 5 * time.Second}, testLogger())
	v, err := c.Analyze(context.Background(), "仅个人卖家", sampleDetail(), nil)
	if err != nil {
		t.Fatalf("Analyze() error = %v", err)
	}
	if v.Recommended {
		t.Error("verdict should be rejected")
	}
	if calls.Load() != 2 {
		t.Errorf("calls = %d, want 2", calls.Load())
	}
}

func TestAnalyzeDoesNotRetryOn400(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		io.WriteString(w, `{"error":{"message":"bad request"}}`)
	}))
	defer srv.Close()

	c := NewClient(&config.AIConfig{BaseURL: srv.URL, Model: "gpt-4o", Timeout: 5 * time.Second}, testLogger())
	if _, err := c.Analyze(context.Background(), "标准", sampleDetail(), nil); err == nil {
		t.Fatal("Analyze() should fail on 400")
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1 (no retry)", calls.Load())
	}
}

func TestParseVerdictHandlesMarkdownFence(t *testing.T) {
	v, err := parseVerdict("```json\n{\"is_recommended\": true, \"reason\": \"ok\"}\n```")
	if err != nil {
		t.Fatalf("parseVerdict() error = %v", err)
	}
	if !v.Recommended || v.Reason != "ok" {
		t.Errorf("verdict = %+v", v)
	}
}

func TestParseVerdictRejectsGarbage(t *testing.T) {
	if _, err := parseVerdict("抱歉，我无法判断。"); err == nil {
		t.Fatal("parseVerdict() should fail without json")
	}
}
