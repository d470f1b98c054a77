package notifications

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"meshqueue/internal/config"
	"meshqueue/internal/jobs"
)

const userAgent = "meshqueue/0.1.0"

// Service defines the notification surface exposed to the worker pool and CLI.
type Service interface {
	NotifyJobFinished(ctx context.Context, job *jobs.Job) error
	TestNotification(ctx context.Context) error
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

	client := &http.Client{Timeout: timeout}
	return &ntfyService{
		endpoint: topic,
		client:   client,
	}
}

type payload struct {
	title    string
	message  string
	tags     []string
	priority string
}

type ntfyService struct {
	endpoint string
	client   *http.Client
}

func (n *ntfyService) NotifyJobFinished(ctx context.Context, job *jobs.Job) error {
	if job == nil {
		return nil
	}
	return n.send(ctx, finishedPayload(job))
}

func finishedPayload(job *jobs.Job) payload {
	name := strings.TrimSpace(job.InputName)
	if name == "" {
		name = job.ID
	}
	pipeline := strings.Join(job.Pipeline, " > ")

	switch job.State {
	case jobs.StateSucceeded:
		var b strings.Builder
		fmt.Fprintf(&b, "✅ %s finished %s", name, pipeline)
		if n := len(job.Warnings); n > 0 {
			fmt.Fprintf(&b, " with %d warning(s)", n)
		}
		fmt.Fprintf(&b, "\nJob: %s", job.ID)
		return payload{
			title:   "meshqueue - Job Complete",
			message: b.String(),
			tags:    []string{"meshqueue", "job", "succeeded"},
		}
	case jobs.StateCancelled:
		return payload{
			title:   "meshqueue - Job Cancelled",
			message: fmt.Sprintf("Cancelled: %s\nJob: %s", name, job.ID),
			tags:    []string{"meshqueue", "job", "cancelled"},
		}
	default:
		var b strings.Builder
		fmt.Fprintf(&b, "❌ %s failed", name)
		if cause := job.Error; cause != nil {
			if cause.Stage != "" {
				fmt.Fprintf(&b, " in %s", cause.Stage)
			}
			fmt.Fprintf(&b, ": %s", strings.TrimSpace(cause.Message))
			if cause.Kind != "" {
				fmt.Fprintf(&b, " (%s)", cause.Kind)
			}
		}
		fmt.Fprintf(&b, "\nJob: %s", job.ID)
		return payload{
			title:    "meshqueue - Job Failed",
			message:  b.String(),
			tags:     []string{"meshqueue", "job", "failed"},
			priority: "high",
		}
	}
}

func (n *ntfyService) TestNotification(ctx context.Context) error {
	data := payload{
		title:    "meshqueue - Test",
		message:  "🧪 Notification system test",
		tags:     []string{"meshqueue", "test"},
		priority: "low",
	}
	return n.send(ctx, data)
}

func (n *ntfyService) send(ctx context.Context, data payload) error {
	if n == nil || n.client == nil {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, strings.NewReader(data.message))
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

func (noopService) NotifyJobFinished(context.Context, *jobs.Job) error { return nil }
func (noopService) TestNotification(context.Context) error             { return nil }
