// Package notify delivers operator notifications. Delivery is fire-and-forget:
// failures are logged and never returned to the caller.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/sciffer/labrange/internal/config"
)

// Level is the severity of a notification
type Level string

const (
	LevelInfo     Level = "info"
	LevelWarning  Level = "warning"
	LevelCritical Level = "critical"
)

// Notification is one message for operators
type Notification struct {
	Level    Level                  `json:"level"`
	Title    string                 `json:"title"`
	Message  string                 `json:"message"`
	Channels []string               `json:"channels,omitempty"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
	SentAt   time.Time              `json:"sent_at"`
}

// Sink delivers notifications somewhere
type Sink interface {
	Send(ctx context.Context, n Notification) error
}

// LogSink writes notifications to the structured log
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink creates a sink that logs every notification
func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger}
}

// Send implements Sink
func (s *LogSink) Send(_ context.Context, n Notification) error {
	fields := []zap.Field{
		zap.String("level", string(n.Level)),
		zap.String("title", n.Title),
		zap.Strings("channels", n.Channels),
		zap.Any("metadata", n.Metadata),
	}
	switch n.Level {
	case LevelCritical:
		s.logger.Error(n.Message, fields...)
	case LevelWarning:
		s.logger.Warn(n.Message, fields...)
	default:
		s.logger.Info(n.Message, fields...)
	}
	return nil
}

// WebhookSink posts notifications as JSON to a URL
type WebhookSink struct {
	url    string
	client *http.Client
}

// NewWebhookSink creates a webhook sink
func NewWebhookSink(url string, client *http.Client) *WebhookSink {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &WebhookSink{url: url, client: client}
}

// Send implements Sink
func (s *WebhookSink) Send(ctx context.Context, n Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to encode notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// Dispatcher fans notifications out to every sink
type Dispatcher struct {
	sinks    []Sink
	channels []string
	logger   *zap.Logger
}

// NewDispatcher creates a dispatcher. channels are attached to every notification.
func NewDispatcher(channels []string, logger *zap.Logger, sinks ...Sink) *Dispatcher {
	return &Dispatcher{sinks: sinks, channels: channels, logger: logger}
}

// FromConfig builds a dispatcher with a log sink and, when configured, a webhook sink
func FromConfig(cfg config.NotifyConfig, logger *zap.Logger) *Dispatcher {
	sinks := []Sink{NewLogSink(logger)}
	if cfg.WebhookURL != "" {
		sinks = append(sinks, NewWebhookSink(cfg.WebhookURL, nil))
	}
	return NewDispatcher(cfg.Channels, logger, sinks...)
}

// Send delivers to every sink and logs delivery failures
func (d *Dispatcher) Send(ctx context.Context, level Level, title, message string, metadata map[string]interface{}) {
	n := Notification{
		Level:    level,
		Title:    title,
		Message:  message,
		Channels: d.channels,
		Metadata: metadata,
		SentAt:   time.Now().UTC(),
	}
	for _, sink := range d.sinks {
		if err := sink.Send(ctx, n); err != nil {
			d.logger.Warn("failed to deliver notification",
				zap.String("title", title),
				zap.String("sink", fmt.Sprintf("%T", sink)),
				zap.Error(err),
			)
		}
	}
}
