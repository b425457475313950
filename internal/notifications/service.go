package notifications

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"verity/internal/config"
)

const userAgent = "Verity-Go/0.1.0"

// Event identifies a notification-worthy moment in a job's life.
type Event string

const (
	EventJobQueued    Event = "job_queued"
	EventJobCompleted Event = "job_completed"
	EventJobFailed    Event = "job_failed"
	EventTest         Event = "test"
)

// Payload carries the details rendered into a notification.
type Payload struct {
	JobID       int64
	Title       string
	Verdict     string
	Probability float64
	Error       string
}

// Service delivers job notifications to the configured channel.
type Service interface {
	Publish(ctx context.Context, event Event, payload Payload) error
}

// NewService builds a notification service backed by ntfy when configured.
// When no ntfy topic is configured, a noop implementation is returned.
func NewService(cfg *config.Config) Service {
	topic := strings.TrimSpace(cfg.Notifications.NtfyTopic)
	if topic == "" {
		return noopService{}
	}

	timeout := time.Duration(cfg.Notifications.RequestTimeout) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &ntfyService{
		endpoint: topic,
		client:   &http.Client{Timeout: timeout},
	}
}

type message struct {
	title    string
	body     string
	tags     []string
	priority string
}

type ntfyService struct {
	endpoint string
	client   *http.Client
}

func (n *ntfyService) Publish(ctx context.Context, event Event, payload Payload) error {
	return n.send(ctx, render(event, payload))
}

func render(event Event, payload Payload) message {
	title := strings.TrimSpace(payload.Title)
	if title == "" {
		title = fmt.Sprintf("job %d", payload.JobID)
	}
	switch event {
	case EventJobQueued:
		return message{
			title: "Verity - Queued",
			body:  fmt.Sprintf("Queued for analysis: %s", title),
			tags:  []string{"verity", "queued"},
		}
	case EventJobCompleted:
		return message{
			title: "Verity - Analysis Complete",
			body: fmt.Sprintf("%s: %s (probability %.2f)",
				title, payload.Verdict, payload.Probability),
			tags: []string{"verity", "completed"},
		}
	case EventJobFailed:
		reason := strings.TrimSpace(payload.Error)
		if reason == "" {
			reason = "unknown"
		}
		return message{
			title:    "Verity - Analysis Failed",
			body:     fmt.Sprintf("%s failed: %s", title, reason),
			tags:     []string{"verity", "failed", "alert"},
			priority: "high",
		}
	case EventTest:
		return message{
			title:    "Verity - Test",
			body:     "Notification system test",
			tags:     []string{"verity", "test"},
			priority: "low",
		}
	default:
		return message{
			title: "Verity",
			body:  fmt.Sprintf("%s: %s", event, title),
			tags:  []string{"verity"},
		}
	}
}

func (n *ntfyService) send(ctx context.Context, data message) error {
	if n == nil || n.client == nil {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, strings.NewReader(data.body))
	if err != nil {
		return fmt.Errorf("build ntfy request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	if data.title != "" {
		req.Header.Set("Title", data.title)
	}
	if len(data.tags) > 0 {
		req.Header.Set("Tags", strings.Join(data.tags, ","))
	}
	if data.priority != "" && data.priority != "default" {
		req.Header.Set("Priority", data.priority)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send ntfy notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("ntfy returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

type noopService struct{}

func (noopService) Publish(context.Context, Event, Payload) error { return nil }
