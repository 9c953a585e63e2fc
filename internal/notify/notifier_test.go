package notify

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
)

type recordingChannel struct {
	name string
	err  error

	sent     int
	severity Severity
	title    string
	message  string
}

func (c *recordingChannel) Name() string { return c.name }

func (c *recordingChannel) Send(_ context.Context, severity Severity, title, message string, _ map[string]interface{}) error {
	c.sent++
	c.severity = severity
	c.title = title
	c.message = message
	return c.err
}

func quietLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func TestNotify_FansOutToAllChannels(t *testing.T) {
	a := &recordingChannel{name: "a"}
	b := &recordingChannel{name: "b"}
	n := New(quietLogger(), a, b)

	n.Notify(context.Background(), SeverityWarning, "Title", "message", nil)

	for _, ch := range []*recordingChannel{a, b} {
		if ch.sent != 1 {
			t.Errorf("channel %s sent %d times, want 1", ch.name, ch.sent)
		}
		if ch.severity != SeverityWarning || ch.title != "Title" {
			t.Errorf("channel %s got severity=%s title=%q", ch.name, ch.severity, ch.title)
		}
	}
}

func TestNotify_FailingChannelDoesNotBlockOthers(t *testing.T) {
	failing := &recordingChannel{name: "bad", err: errors.New("delivery failed")}
	healthy := &recordingChannel{name: "good"}
	n := New(quietLogger(), failing, healthy)

	// Must not panic or propagate the failure
	n.Notify(context.Background(), SeverityCritical, "Title", "message", nil)

	if healthy.sent != 1 {
		t.Errorf("healthy channel sent %d times, want 1", healthy.sent)
	}
}

func TestLogChannel_WritesJSONLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notifications.log")
	ch := NewLogChannel(path)

	err := ch.Send(context.Background(), SeverityInfo, "Sync run committed", "3 added",
		map[string]interface{}{"run_id": "run-1"})
	if err != nil {
		t.Fatalf("Send() failed: %v", err)
	}
	if err := ch.Send(context.Background(), SeverityWarning, "Second", "line", nil); err != nil {
		t.Fatalf("Send() failed: %v", err)
	}
	if err := ch.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("failed to open notification log: %v", err)
	}
	defer f.Close()

	var entries []logEntry
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var entry logEntry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			t.Fatalf("line is not valid JSON: %v", err)
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		t.Fatalf("scan failed: %v", err)
	}

	if len(entries) != 2 {
		t.Fatalf("got %d log entries, want 2", len(entries))
	}
	first := entries[0]
	if first.Severity != SeverityInfo || first.Title != "Sync run committed" {
		t.Errorf("entry = %+v", first)
	}
	if first.Fields["run_id"] != "run-1" {
		t.Errorf("fields = %v, want run_id", first.Fields)
	}
	if first.Timestamp.IsZero() {
		t.Error("entry has no timestamp")
	}
}

func TestWebhookChannel_PostsJSON(t *testing.T) {
	var got logEntry
	var contentType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		contentType = r.Header.Get("Content-Type")
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("failed to decode webhook body: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ch := NewWebhookChannel(srv.URL)
	err := ch.Send(context.Background(), SeverityCritical, "Sync run rolled back", "spike detected",
		map[string]interface{}{"run_id": "run-9"})
	if err != nil {
		t.Fatalf("Send() failed: %v", err)
	}

	if contentType != "application/json" {
		t.Errorf("content type = %q", contentType)
	}
	if got.Severity != SeverityCritical || got.Title != "Sync run rolled back" {
		t.Errorf("payload = %+v", got)
	}
}

func TestWebhookChannel_NonSuccessStatusIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	ch := NewWebhookChannel(srv.URL)
	err := ch.Send(context.Background(), SeverityInfo, "Title", "message", nil)
	if err == nil {
		t.Fatal("expected error for a 502 response")
	}
}
