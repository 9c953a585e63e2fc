// Package notify delivers best-effort operator alerts.
//
// Delivery failures are swallowed and logged: a notification failure must
// never fail the run it is reporting on. A durable JSON-lines log sink is
// always active; a webhook channel is optional.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Severity classifies a notification.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Channel is one delivery target. Send errors are reported to the caller
// but the Notifier never propagates them beyond its own log.
type Channel interface {
	Name() string
	Send(ctx context.Context, severity Severity, title, message string, fields map[string]interface{}) error
}

// Notifier fans a notification out to every configured channel.
type Notifier struct {
	channels []Channel
	logger   *log.Logger
}

// New creates a Notifier over the given channels. If logger is nil, a
// default logger writing to stderr is used.
func New(logger *log.Logger, channels ...Channel) *Notifier {
	if logger == nil {
		logger = log.New(os.Stderr, "[notify] ", log.LstdFlags)
	}
	return &Notifier{
		channels: channels,
		logger:   logger,
	}
}

// Notify delivers to all channels, best-effort. Each channel gets its own
// timeout so one stuck webhook can't hold up the rest.
func (n *Notifier) Notify(ctx context.Context, severity Severity, title, message string, fields map[string]interface{}) {
	for _, ch := range n.channels {
		sendCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		if err := ch.Send(sendCtx, severity, title, message, fields); err != nil {
			n.logger.Printf("Warning: %s delivery failed: %v", ch.Name(), err)
		}
		cancel()
	}
}

// logEntry is the JSON-lines shape written by the log sink.
type logEntry struct {
	Timestamp time.Time              `json:"timestamp"`
	Severity  Severity               `json:"severity"`
	Title     string                 `json:"title"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// LogChannel is the always-active durable sink: JSON lines on a rotating
// file.
type LogChannel struct {
	writer *lumberjack.Logger
}

// NewLogChannel creates a LogChannel writing to path, rotating at 10MB
// and keeping 5 old files.
func NewLogChannel(path string) *LogChannel {
	return &LogChannel{
		writer: &lumberjack.Logger{
			Filename:   path,
			MaxSize:    10, // megabytes
			MaxBackups: 5,
			Compress:   true,
		},
	}
}

// Name implements Channel.
func (c *LogChannel) Name() string {
	return "log"
}

// Send implements Channel.
func (c *LogChannel) Send(_ context.Context, severity Severity, title, message string, fields map[string]interface{}) error {
	entry := logEntry{
		Timestamp: time.Now().UTC(),
		Severity:  severity,
		Title:     title,
		Message:   message,
		Fields:    fields,
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}
	data = append(data, '\n')
	if _, err := c.writer.Write(data); err != nil {
		return fmt.Errorf("failed to write notification: %w", err)
	}
	return nil
}

// Close flushes and closes the rotating file.
func (c *LogChannel) Close() error {
	return c.writer.Close()
}

// WebhookChannel POSTs notifications as JSON to a configured URL.
type WebhookChannel struct {
	url        string
	httpClient *http.Client
}

// NewWebhookChannel creates a WebhookChannel for the given URL.
func NewWebhookChannel(url string) *WebhookChannel {
	return &WebhookChannel{
		url:        url,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// Name implements Channel.
func (c *WebhookChannel) Name() string {
	return "webhook"
}

// Send implements Channel.
func (c *WebhookChannel) Send(ctx context.Context, severity Severity, title, message string, fields map[string]interface{}) error {
	payload, err := json.Marshal(logEntry{
		Timestamp: time.Now().UTC(),
		Severity:  severity,
		Title:     title,
		Message:   message,
		Fields:    fields,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}
