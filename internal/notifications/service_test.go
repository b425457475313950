package notifications

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"verity/internal/config"
)

func TestNewServiceReturnsNoopWithoutTopic(t *testing.T) {
	cfg := config.Default()
	cfg.Notifications.NtfyTopic = ""
	service := NewService(&cfg)
	if _, isNoop := service.(noopService); !isNoop {
		t.Fatalf("expected noop service, got %T", service)
	}
	if err := service.Publish(t.Context(), EventJobQueued, Payload{}); err != nil {
		t.Fatalf("noop Publish should never fail: %v", err)
	}
}

func TestPublishSendsNtfyRequest(t *testing.T) {
	var gotTitle, gotTags, gotPriority, gotBody string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotTitle = r.Header.Get("Title")
		gotTags = r.Header.Get("Tags")
		gotPriority = r.Header.Get("Priority")
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	cfg := config.Default()
	cfg.Notifications.NtfyTopic = server.URL
	service := NewService(&cfg)

	err := service.Publish(t.Context(), EventJobFailed, Payload{
		JobID: 3,
		Title: "interview.mp4",
		Error: "no video stream",
	})
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if gotTitle != "Verity - Analysis Failed" {
		t.Fatalf("unexpected title: %q", gotTitle)
	}
	if gotPriority != "high" {
		t.Fatalf("failures should be high priority, got %q", gotPriority)
	}
	if !strings.Contains(gotTags, "failed") {
		t.Fatalf("unexpected tags: %q", gotTags)
	}
	if !strings.Contains(gotBody, "no video stream") {
		t.Fatalf("body should carry the failure reason: %q", gotBody)
	}
}

func TestPublishReportsServerErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "topic quota exceeded", http.StatusTooManyRequests)
	}))
	defer server.Close()

	cfg := config.Default()
	cfg.Notifications.NtfyTopic = server.URL
	service := NewService(&cfg)

	err := service.Publish(t.Context(), EventJobQueued, Payload{JobID: 1})
	if err == nil || !strings.Contains(err.Error(), "429") {
		t.Fatalf("expected status error, got %v", err)
	}
}

func TestRenderCompleted(t *testing.T) {
	msg := render(EventJobCompleted, Payload{
		JobID:       9,
		Title:       "clip.mp4",
		Verdict:     "FAKE",
		Probability: 0.91,
	})
	if !strings.Contains(msg.body, "FAKE") || !strings.Contains(msg.body, "0.91") {
		t.Fatalf("completed message should carry verdict and probability: %q", msg.body)
	}
}

func TestRenderFallsBackToJobID(t *testing.T) {
	msg := render(EventJobQueued, Payload{JobID: 12})
	if !strings.Contains(msg.body, "job 12") {
		t.Fatalf("expected job id fallback, got %q", msg.body)
	}
}
