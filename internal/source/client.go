// Package source provides the client for the remote event catalog API.
//
// The client fetches events modified within a bounded window, retrying
// transient failures with exponential backoff and tripping a circuit
// breaker after repeated failures so a down catalog doesn't stall runs.
package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"sync/atomic"
	"time"
)

// RawEvent is one event as returned by the catalog API.
type RawEvent struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	Status       string    `json:"status"`
	StartDate    string    `json:"start_date,omitempty"` // RFC 3339, may be absent
	Venue        string    `json:"venue,omitempty"`
	Categories   []string  `json:"categories,omitempty"`
	LastModified time.Time `json:"last_modified"`
}

// page is one page of the catalog's changed-events response.
type page struct {
	Events  []RawEvent `json:"events"`
	HasMore bool       `json:"has_more"`
}

// RequestError is returned after retries are exhausted for one request.
// Distinct from CircuitOpenError: a RequestError means we tried and failed,
// a CircuitOpenError means we refused to try.
type RequestError struct {
	URL      string
	Attempts int
	Err      error
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("request to %s failed after %d attempts: %v", e.URL, e.Attempts, e.Err)
}

func (e *RequestError) Unwrap() error {
	return e.Err
}

// Config holds client configuration.
type Config struct {
	// BaseURL of the catalog API, e.g. https://catalog.example.com/api/v1
	BaseURL string

	// Timeout for a single HTTP request (default: 30s)
	Timeout time.Duration

	// MaxRetries per page request on transient failure (default: 5)
	MaxRetries int

	// BackoffBase is the first retry delay; doubles each attempt and is
	// capped at 16x the base, so defaults give 2s, 4s, 8s, 16s, 32s.
	BackoffBase time.Duration

	// BreakerThreshold is the consecutive-failure count that opens the
	// circuit (default: 5)
	BreakerThreshold int

	// BreakerCooldown is how long the circuit stays open (default: 60s)
	BreakerCooldown time.Duration

	// Logger for client activity (default: stderr logger)
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Timeout:          30 * time.Second,
		MaxRetries:       5,
		BackoffBase:      2 * time.Second,
		BreakerThreshold: 5,
		BreakerCooldown:  60 * time.Second,
		Logger:           log.New(os.Stderr, "[source] ", log.LstdFlags),
	}
}

// Client fetches changed events from the remote catalog.
type Client struct {
	baseURL    string
	httpClient *http.Client
	breaker    *Breaker
	maxRetries int
	backoff    time.Duration
	logger     *log.Logger

	// requests counts every HTTP attempt, including failed ones.
	// Readable concurrently by the health endpoint.
	requests atomic.Int64
}

// NewClient creates a Client for the given configuration.
func NewClient(config *Config) (*Client, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if config.BaseURL == "" {
		return nil, fmt.Errorf("base URL cannot be empty")
	}
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	if config.MaxRetries == 0 {
		config.MaxRetries = 5
	}
	if config.BackoffBase == 0 {
		config.BackoffBase = 2 * time.Second
	}
	if config.BreakerThreshold == 0 {
		config.BreakerThreshold = 5
	}
	if config.BreakerCooldown == 0 {
		config.BreakerCooldown = 60 * time.Second
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[source] ", log.LstdFlags)
	}

	return &Client{
		baseURL:    config.BaseURL,
		httpClient: &http.Client{Timeout: config.Timeout},
		breaker:    NewBreaker("event-catalog", config.BreakerThreshold, config.BreakerCooldown),
		maxRetries: config.MaxRetries,
		backoff:    config.BackoffBase,
		logger:     config.Logger,
	}, nil
}

// Breaker exposes the client's circuit breaker for health inspection.
func (c *Client) Breaker() *Breaker {
	return c.breaker
}

// RequestCount returns the total number of HTTP attempts made, including
// retries and failures.
func (c *Client) RequestCount() int64 {
	return c.requests.Load()
}

// FetchChangedSince returns all events modified in [since, until], paging
// through the catalog's windowed query.
//
// Returns *CircuitOpenError without any I/O if the breaker is open, or
// *RequestError once retries for a page are exhausted.
func (c *Client) FetchChangedSince(ctx context.Context, since, until time.Time) ([]RawEvent, error) {
	var events []RawEvent

	for pageNum := 1; ; pageNum++ {
		p, err := c.fetchPage(ctx, since, until, pageNum)
		if err != nil {
			return nil, err
		}

		events = append(events, p.Events...)
		if !p.HasMore {
			break
		}
	}

	c.logger.Printf("Fetched %d changed events since %s", len(events), since.Format(time.RFC3339))
	return events, nil
}

// fetchPage requests one page, retrying transient failures with
// exponential backoff. Every attempt goes through the circuit breaker.
func (c *Client) fetchPage(ctx context.Context, since, until time.Time, pageNum int) (*page, error) {
	reqURL := fmt.Sprintf("%s/events/changes?%s", c.baseURL, url.Values{
		"modified_since": {since.UTC().Format(time.RFC3339)},
		"modified_until": {until.UTC().Format(time.RFC3339)},
		"page":           {strconv.Itoa(pageNum)},
	}.Encode())

	var lastErr error
	attempts := 0

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			delay := c.retryDelay(attempt)
			c.logger.Printf("Retrying page %d in %v (attempt %d/%d): %v",
				pageNum, delay, attempt, c.maxRetries, lastErr)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		if err := c.breaker.Allow(); err != nil {
			// No I/O attempted; surface the open circuit directly
			return nil, err
		}

		attempts++
		p, err := c.doRequest(ctx, reqURL)
		if err == nil {
			c.breaker.RecordSuccess()
			return p, nil
		}

		c.breaker.RecordFailure()
		lastErr = err

		if !isTransient(err) {
			break
		}
	}

	return nil, &RequestError{URL: reqURL, Attempts: attempts, Err: lastErr}
}

// retryDelay returns the backoff before retry attempt n (1-based),
// doubling from the base and capped at 16x.
func (c *Client) retryDelay(attempt int) time.Duration {
	delay := c.backoff << (attempt - 1)
	if limit := c.backoff << 4; delay > limit {
		delay = limit
	}
	return delay
}

// doRequest performs a single HTTP attempt and decodes the page.
func (c *Client) doRequest(ctx context.Context, reqURL string) (*page, error) {
	c.requests.Add(1)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		// Drain so the connection can be reused
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, &httpStatusError{status: resp.StatusCode}
	}

	var p page
	if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &p, nil
}

// httpStatusError marks a non-200 response for retry classification.
type httpStatusError struct {
	status int
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("unexpected status %d", e.status)
}

// isTransient reports whether an error is worth retrying:
// network timeouts, 5xx responses, and 429 rate limiting.
func isTransient(err error) bool {
	var statusErr *httpStatusError
	if errors.As(err, &statusErr) {
		return statusErr.status >= 500 || statusErr.status == http.StatusTooManyRequests
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	// http.Client wraps timeouts in url.Error
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return urlErr.Timeout() || urlErr.Temporary()
	}

	return false
}
