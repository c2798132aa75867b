package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"tools.zach/dev/imesignals/internal/signals"
)

// ErrWebhookClosed is logged when events arrive after [Webhook.Close].
var ErrWebhookClosed = errors.New("webhook closed")

// WebhookOptions configures a [Webhook].
type WebhookOptions struct {
	// URL receives one JSON POST per event.
	URL string
	// RetryMax is the number of retries after the first attempt.
	RetryMax int
	// Timeout bounds each attempt. Zero means 10 seconds.
	Timeout time.Duration
	// QueueSize bounds events waiting to be posted. Zero means 32.
	QueueSize int
	// RetryWaitMin and RetryWaitMax bound the backoff between retries.
	// Zero keeps the retryablehttp defaults.
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration
}

// Webhook posts each event's intent as JSON to a URL. Publish only enqueues;
// a single goroutine performs the requests in order.
type Webhook struct {
	url    string
	client *retryablehttp.Client

	// mu guards closed and sends on queue.
	mu     sync.Mutex
	closed bool
	queue  chan signals.Event
	// finished is closed when the worker has drained the queue.
	finished chan struct{}

	sent    atomic.Uint64
	failed  atomic.Uint64
	dropped atomic.Uint64
}

// NewWebhook validates opts and starts the delivery goroutine.
func NewWebhook(opts WebhookOptions) (*Webhook, error) {
	u, err := url.Parse(opts.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("invalid webhook url %q", opts.URL)
	}
	if opts.RetryMax < 0 {
		return nil, fmt.Errorf("retry max must be >= 0, got %d", opts.RetryMax)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 32
	}

	client := retryablehttp.NewClient()
	client.RetryMax = opts.RetryMax
	client.HTTPClient.Timeout = opts.Timeout
	client.Logger = nil // suppress retryablehttp's default logging
	if opts.RetryWaitMin > 0 {
		client.RetryWaitMin = opts.RetryWaitMin
	}
	if opts.RetryWaitMax > 0 {
		client.RetryWaitMax = opts.RetryWaitMax
	}

	w := &Webhook{
		url:      opts.URL,
		client:   client,
		queue:    make(chan signals.Event, opts.QueueSize),
		finished: make(chan struct{}),
	}
	go w.run()
	return w, nil
}

// Publish enqueues ev for delivery. A full queue drops ev.
func (w *Webhook) Publish(ev signals.Event) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		w.dropped.Add(1)
		slog.Warn("webhook event dropped", "event", ev.Kind, "error", ErrWebhookClosed)
		return
	}
	select {
	case w.queue <- ev:
	default:
		w.dropped.Add(1)
		slog.Warn("webhook queue full, dropping event", "event", ev.Kind, "calling_app", ev.CallingApp)
	}
}

// Close stops accepting events and waits until queued events are delivered
// or have failed. It is idempotent.
func (w *Webhook) Close() error {
	w.mu.Lock()
	if !w.closed {
		w.closed = true
		close(w.queue)
	}
	w.mu.Unlock()
	<-w.finished
	return nil
}

// Sent returns how many events were accepted by the endpoint.
func (w *Webhook) Sent() uint64 { return w.sent.Load() }

// Failed returns how many events could not be delivered.
func (w *Webhook) Failed() uint64 { return w.failed.Load() }

// Dropped returns how many events were never attempted.
func (w *Webhook) Dropped() uint64 { return w.dropped.Load() }

func (w *Webhook) run() {
	defer close(w.finished)
	for ev := range w.queue {
		if err := w.post(context.Background(), ev); err != nil {
			w.failed.Add(1)
			slog.Warn("webhook delivery failed", "event", ev.Kind, "url", w.url, "error", err)
			continue
		}
		w.sent.Add(1)
	}
}

// post sends one event. Transport errors and 5xx responses are retried by
// the client; any non-2xx final status is an error.
func (w *Webhook) post(ctx context.Context, ev signals.Event) error {
	body, err := json.Marshal(ev.Intent())
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "imesignals")

	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("unexpected status %s", resp.Status)
	}
	return nil
}
