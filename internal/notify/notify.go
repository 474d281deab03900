// Package notify posts integrity notifications to an HTTP notification
// service.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"minhash-go/internal/errclass"
	"minhash-go/internal/minhash"
)

const (
	DefaultTimeout    = 30 * time.Second
	DefaultRetries    = 2
	DefaultRetryDelay = 2 * time.Second
	maxErrorBody      = 1024
)

// Options configures a Client.
type Options struct {
	Timeout    time.Duration
	Retries    int
	RetryDelay time.Duration
	HTTPClient *http.Client
}

// Client sends notifications as JSON POST requests.
type Client struct {
	url  string
	http *http.Client
	opts Options
}

var _ minhash.Notifier = (*Client)(nil)

func NewClient(apiURL string, opts Options) (*Client, error) {
	if apiURL == "" {
		return nil, errclass.ErrMalformed.WithMessage("notification api url is required")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Retries < 0 {
		opts.Retries = 0
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = DefaultRetryDelay
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: opts.Timeout}
	}
	return &Client{url: apiURL, http: hc, opts: opts}, nil
}

// Send posts n, retrying on transport errors and non-2xx answers. The
// final failure is ErrExternalUnavailable.
func (c *Client) Send(ctx context.Context, n minhash.Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("encoding notification: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= c.opts.Retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return errclass.ErrExternalUnavailable.Wrap(ctx.Err(), "sending notification")
			case <-time.After(c.opts.RetryDelay):
			}
		}
		if lastErr = c.post(ctx, payload); lastErr == nil {
			return nil
		}
	}
	return errclass.ErrExternalUnavailable.Wrap(lastErr, "sending notification to "+c.url)
}

func (c *Client) post(ctx context.Context, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return fmt.Errorf("http %d: %s", resp.StatusCode, bytes.TrimSpace(body))
}
