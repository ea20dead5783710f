package notifications

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"tracklift/internal/config"
	"tracklift/internal/transfer"
)

const userAgent = "tracklift/0.1.0"

// Service defines the notification surface used by the CLI.
type Service interface {
	NotifyJobFinished(ctx context.Context, e transfer.Event) error
	NotifyRunCompleted(ctx context.Context, committed, failed, cancelled int, duration time.Duration) error
	TestNotification(ctx context.Context) error
}

// NewService builds a notification service backed by ntfy when configured.
// When no ntfy topic is configured, a noop implementation is returned.
func NewService(cfg *config.Config) Service {
	if cfg == nil {
		return noopService{}
	}
	topic := strings.TrimSpace(cfg.Notify.NtfyTopic)
	if topic == "" {
		return noopService{}
	}

	timeout := cfg.Notify.RequestTimeout()
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &ntfyService{
		endpoint: topic,
		client:   &http.Client{Timeout: timeout},
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

func (n *ntfyService) NotifyJobFinished(ctx context.Context, e transfer.Event) error {
	title := strings.TrimSpace(e.Title)
	if title == "" {
		title = fmt.Sprintf("Track %02d", e.Track)
	}

	var data payload
	switch e.State {
	case transfer.StateCommitted:
		message := fmt.Sprintf("🎵 Committed track %d: %s", e.Track, title)
		if len(e.Annotations) > 0 {
			message += "\n" + strings.Join(e.Annotations, "\n")
		}
		data = payload{
			title:   "tracklift - Track Committed",
			message: message,
			tags:    []string{"tracklift", "transfer", "committed"},
		}
	case transfer.StateCancelled:
		data = payload{
			title:    "tracklift - Track Cancelled",
			message:  fmt.Sprintf("Cancelled track %d: %s", e.Track, title),
			tags:     []string{"tracklift", "transfer", "cancelled"},
			priority: "low",
		}
	case transfer.StateFailed:
		cause := strings.TrimSpace(e.Cause)
		if cause == "" {
			cause = "unknown"
		}
		data = payload{
			title:    "tracklift - Track Failed",
			message:  fmt.Sprintf("❌ Track %d (%s) failed: %s", e.Track, title, cause),
			tags:     []string{"tracklift", "transfer", "error"},
			priority: "high",
		}
	default:
		return nil
	}
	return n.send(ctx, data)
}

func (n *ntfyService) NotifyRunCompleted(ctx context.Context, committed, failed, cancelled int, duration time.Duration) error {
	duration = duration.Round(time.Second)
	if duration < 0 {
		duration = 0
	}

	var message, title string
	if failed == 0 && cancelled == 0 {
		title = "tracklift - Transfer Complete"
		message = fmt.Sprintf("Transferred %d tracks in %s", committed, duration)
	} else {
		title = "tracklift - Transfer Complete (with errors)"
		message = fmt.Sprintf("%d committed, %d failed, %d cancelled in %s", committed, failed, cancelled, duration)
	}
	return n.send(ctx, payload{
		title:   title,
		message: message,
		tags:    []string{"tracklift", "run", "completed"},
	})
}

func (n *ntfyService) TestNotification(ctx context.Context) error {
	return n.send(ctx, payload{
		title:    "tracklift - Test",
		message:  "🧪 Notification system test",
		tags:     []string{"tracklift", "test"},
		priority: "low",
	})
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

func (noopService) NotifyJobFinished(context.Context, transfer.Event) error { return nil }
func (noopService) NotifyRunCompleted(context.Context, int, int, int, time.Duration) error {
	return nil
}
func (noopService) TestNotification(context.Context) error { return nil }
