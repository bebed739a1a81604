package notify

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/avast/retry-go"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/G-Research/busbench/internal/busbench/configuration"
	"github.com/G-Research/busbench/internal/busbench/message"
)

const (
	defaultWebhookTimeout  = 10 * time.Second
	defaultWebhookAttempts = 3
	defaultWebhookDelay    = 500 * time.Millisecond
)

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d", e.Code)
}

// WebhookNotifier POSTs the encoded signal to a URL. Network errors and 5xx responses are
// retried with exponential backoff; 4xx responses fail immediately.
type WebhookNotifier struct {
	url      string
	headers  map[string]string
	client   *http.Client
	attempts uint
	delay    time.Duration
}

func NewWebhookNotifier(config configuration.WebhookConfig) *WebhookNotifier {
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = defaultWebhookTimeout
	}
	return &WebhookNotifier{
		url:      config.URL,
		headers:  config.Headers,
		client:   &http.Client{Timeout: timeout},
		attempts: defaultWebhookAttempts,
		delay:    defaultWebhookDelay,
	}
}

func (n *WebhookNotifier) Notify(ctx context.Context, signal *message.CompletionSignal) error {
	body, err := message.EncodeCompletion(signal)
	if err != nil {
		return err
	}
	return retry.Do(
		func() error {
			return n.post(ctx, body)
		},
		retry.Context(ctx),
		retry.Attempts(n.attempts),
		retry.Delay(n.delay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			var statusErr *StatusError
			if errors.As(err, &statusErr) {
				return statusErr.Code >= 500
			}
			return true
		}),
		retry.OnRetry(func(attempt uint, err error) {
			log.WithError(err).Warnf("attempt %d to notify %s failed", attempt+1, n.url)
		}),
	)
}

func (n *WebhookNotifier) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return errors.WithStack(err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range n.headers {
		req.Header.Set(k, v)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return errors.WithStack(err)
	}
	defer resp.Body.Close()
	// Drain so the connection can be reused
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{Code: resp.StatusCode}
	}
	return nil
}

func (n *WebhookNotifier) Endpoint() string {
	return n.url
}

func (n *WebhookNotifier) Close() error {
	n.client.CloseIdleConnections()
	return nil
}
