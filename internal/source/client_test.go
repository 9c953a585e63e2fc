package source

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func testClient(t *testing.T, baseURL string) *Client {
	t.Helper()

	client, err := NewClient(&Config{
		BaseURL:          baseURL,
		Timeout:          2 * time.Second,
		MaxRetries:       3,
		BackoffBase:      time.Millisecond,
		BreakerThreshold: 5,
		BreakerCooldown:  time.Minute,
	})
	if err != nil {
		t.Fatalf("NewClient() failed: %v", err)
	}
	return client
}

func writePage(w http.ResponseWriter, events []RawEvent, hasMore bool) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"events":   events,
		"has_more": hasMore,
	})
}

func TestNewClient_RequiresBaseURL(t *testing.T) {
	if _, err := NewClient(&Config{}); err == nil {
		t.Fatal("expected error for empty base URL")
	}
}

func TestFetchChangedSince_Paginates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("page") {
		case "1":
			writePage(w, []RawEvent{{ID: "ev-1"}, {ID: "ev-2"}}, true)
		case "2":
			writePage(w, []RawEvent{{ID: "ev-3"}}, false)
		default:
			t.Errorf("unexpected page %q", r.URL.Query().Get("page"))
			w.WriteHeader(http.StatusBadRequest)
		}
	}))
	defer srv.Close()

	client := testClient(t, srv.URL)
	events, err := client.FetchChangedSince(context.Background(), time.Now().Add(-time.Hour), time.Now())
	if err != nil {
		t.Fatalf("FetchChangedSince() failed: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("got %d events, want 3", len(events))
	}
	if events[2].ID != "ev-3" {
		t.Errorf("page order broken: %v", events)
	}
}

func TestFetchChangedSince_SendsWindow(t *testing.T) {
	var gotSince, gotUntil string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSince = r.URL.Query().Get("modified_since")
		gotUntil = r.URL.Query().Get("modified_until")
		writePage(w, nil, false)
	}))
	defer srv.Close()

	since := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	until := time.Date(2026, 8, 2, 0, 0, 0, 0, time.UTC)

	client := testClient(t, srv.URL)
	if _, err := client.FetchChangedSince(context.Background(), since, until); err != nil {
		t.Fatalf("FetchChangedSince() failed: %v", err)
	}

	if gotSince != "2026-08-01T00:00:00Z" {
		t.Errorf("modified_since = %q", gotSince)
	}
	if gotUntil != "2026-08-02T00:00:00Z" {
		t.Errorf("modified_until = %q", gotUntil)
	}
}

func TestFetchChangedSince_RetriesTransientFailure(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		writePage(w, []RawEvent{{ID: "ev-1"}}, false)
	}))
	defer srv.Close()

	client := testClient(t, srv.URL)
	events, err := client.FetchChangedSince(context.Background(), time.Now().Add(-time.Hour), time.Now())
	if err != nil {
		t.Fatalf("FetchChangedSince() failed after transient errors: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("server saw %d calls, want 3", got)
	}
}

func TestFetchChangedSince_NoRetryOnClientError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	client := testClient(t, srv.URL)
	_, err := client.FetchChangedSince(context.Background(), time.Now().Add(-time.Hour), time.Now())

	var reqErr *RequestError
	if !errors.As(err, &reqErr) {
		t.Fatalf("got %v, want RequestError", err)
	}
	if reqErr.Attempts != 1 {
		t.Errorf("Attempts = %d, want 1 (4xx must not retry)", reqErr.Attempts)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("server saw %d calls, want 1", got)
	}
}

func TestFetchChangedSince_ExhaustsRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	client := testClient(t, srv.URL)
	_, err := client.FetchChangedSince(context.Background(), time.Now().Add(-time.Hour), time.Now())

	var reqErr *RequestError
	if !errors.As(err, &reqErr) {
		t.Fatalf("got %v, want RequestError", err)
	}
	// initial attempt + 3 retries
	if reqErr.Attempts != 4 {
		t.Errorf("Attempts = %d, want 4", reqErr.Attempts)
	}
}

func TestFetchChangedSince_BreakerOpensAndShortCircuits(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	client, err := NewClient(&Config{
		BaseURL:          srv.URL,
		MaxRetries:       6,
		BackoffBase:      time.Millisecond,
		BreakerThreshold: 5,
		BreakerCooldown:  time.Minute,
	})
	if err != nil {
		t.Fatalf("NewClient() failed: %v", err)
	}

	_, err = client.FetchChangedSince(context.Background(), time.Now().Add(-time.Hour), time.Now())
	var open *CircuitOpenError
	if !errors.As(err, &open) {
		t.Fatalf("got %v, want CircuitOpenError once breaker trips", err)
	}

	// 5 failures tripped the breaker; attempt 6 was refused without I/O
	if got := calls.Load(); got != 5 {
		t.Errorf("server saw %d calls, want 5", got)
	}

	// Subsequent fetches fail immediately with no I/O at all
	before := client.RequestCount()
	_, err = client.FetchChangedSince(context.Background(), time.Now().Add(-time.Hour), time.Now())
	if !errors.As(err, &open) {
		t.Fatalf("got %v, want CircuitOpenError", err)
	}
	if client.RequestCount() != before {
		t.Error("open breaker still performed I/O")
	}
}

func TestRetryDelay_ExponentialWithCap(t *testing.T) {
	client := &Client{backoff: 2 * time.Second}

	want := []time.Duration{
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		32 * time.Second,
		32 * time.Second, // capped
	}
	for i, w := range want {
		if got := client.retryDelay(i + 1); got != w {
			t.Errorf("retryDelay(%d) = %v, want %v", i+1, got, w)
		}
	}
}
