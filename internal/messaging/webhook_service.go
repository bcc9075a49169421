package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/ReplyPipe/internal/models"
	"github.com/go-resty/resty/v2"
)

// Defaults for WebhookService.
const (
	DefaultWebhookTimeout    = 10 * time.Second
	DefaultWebhookRetries    = 2
	DefaultWebhookRetryDelay = 500 * time.Millisecond
)

// WebhookPayload is the JSON body POSTed for every reply.
type WebhookPayload struct {
	UserID  string         `json:"user_id"`
	Channel models.Channel `json:"channel"`
	Content string         `json:"content"`
	Image   string         `json:"image,omitempty"`
	SentAt  time.Time      `json:"sent_at"`
}

// WebhookOpts configures a WebhookService.
type WebhookOpts struct {
	Timeout    time.Duration
	Retries    int
	RetryDelay time.Duration
	Headers    map[string]string
}

// WebhookOption defines a configuration option for WebhookService.
type WebhookOption func(*WebhookOpts)

func WithWebhookTimeout(d time.Duration) WebhookOption {
	return func(o *WebhookOpts) { o.Timeout = d }
}

func WithWebhookRetries(n int, delay time.Duration) WebhookOption {
	return func(o *WebhookOpts) { o.Retries, o.RetryDelay = n, delay }
}

// WithWebhookHeader adds a header to every request, e.g. an Authorization token.
func WithWebhookHeader(key, value string) WebhookOption {
	return func(o *WebhookOpts) {
		if o.Headers == nil {
			o.Headers = map[string]string{}
		}
		o.Headers[key] = value
	}
}

// WebhookService delivers replies by POSTing JSON to a fixed URL. Inbound
// messages for this channel arrive through the HTTP API.
type WebhookService struct {
	url     string
	client  *resty.Client
	streams *eventStreams
}

// ErrNoWebhookURL is returned by SendReply when no URL was configured.
var ErrNoWebhookURL = errors.New("webhook channel has no URL configured")

// NewWebhookService creates a service that posts to url.
func NewWebhookService(url string, opts ...WebhookOption) *WebhookService {
	cfg := WebhookOpts{
		Timeout:    DefaultWebhookTimeout,
		Retries:    DefaultWebhookRetries,
		RetryDelay: DefaultWebhookRetryDelay,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	client := resty.New().
		SetTimeout(cfg.Timeout).
		SetRetryCount(cfg.Retries).
		SetRetryWaitTime(cfg.RetryDelay).
		SetHeader("Content-Type", "application/json").
		SetHeaders(cfg.Headers).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || r.StatusCode() >= 500
		})
	return &WebhookService{
		url:     url,
		client:  client,
		streams: newEventStreams("WebhookService"),
	}
}

// Channel returns models.ChannelWebhook.
func (s *WebhookService) Channel() models.Channel { return models.ChannelWebhook }

// ValidateAndCanonicalizeRecipient accepts any non-blank identifier.
func (s *WebhookService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	canonical := strings.TrimSpace(recipient)
	if canonical == "" {
		return "", fmt.Errorf("recipient cannot be empty")
	}
	return canonical, nil
}

func (s *WebhookService) Start(ctx context.Context) error { return nil }

func (s *WebhookService) Stop() error {
	s.streams.close()
	return nil
}

// SendReply POSTs the reply. Any non-2xx answer is an error.
func (s *WebhookService) SendReply(ctx context.Context, to string, reply models.Reply) error {
	if s.streams.isStopped() {
		return ErrServiceStopped
	}
	if s.url == "" {
		return ErrNoWebhookURL
	}
	resp, err := s.client.R().
		SetContext(ctx).
		SetBody(WebhookPayload{
			UserID:  to,
			Channel: models.ChannelWebhook,
			Content: reply.Content,
			Image:   reply.Image,
			SentAt:  time.Now().UTC(),
		}).
		Post(s.url)
	if err != nil {
		slog.Error("WebhookService SendReply request failed", "error", err, "to", to)
		return fmt.Errorf("webhook request failed: %w", err)
	}
	if resp.IsError() {
		slog.Error("WebhookService SendReply rejected", "status", resp.StatusCode(), "to", to)
		return fmt.Errorf("webhook returned %s", resp.Status())
	}
	s.streams.emitReceipt(models.Receipt{To: to, Channel: models.ChannelWebhook, Status: models.MessageStatusSent, Time: time.Now().Unix()})
	return nil
}

func (s *WebhookService) Receipts() <-chan models.Receipt { return s.streams.receipts }

func (s *WebhookService) Responses() <-chan models.InboundMessage { return s.streams.responses }
