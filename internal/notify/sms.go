package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"log/slog"

	"golang.org/x/time/rate"

	"github.com/finsentry/finsentry/internal/config"
	"github.com/finsentry/finsentry/pkg/models"
)

// SMSChannel delivers notifications through an HTTP SMS gateway.
type SMSChannel struct {
	cfg     config.SMSConfig
	client  *http.Client
	limiter *rate.Limiter
	log     *slog.Logger
}

type smsPayload struct {
	To             string `json:"to"`
	From           string `json:"from,omitempty"`
	Body           string `json:"body"`
	IdempotencyKey string `json:"idempotency_key"`
}

type smsResponse struct {
	MessageID string `json:"message_id"`
}

// NewSMSChannel constructs the SMS gateway adapter.
func NewSMSChannel(cfg config.SMSConfig, log *slog.Logger) *SMSChannel {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	limit := rate.Limit(cfg.RatePerSecond)
	if cfg.RatePerSecond <= 0 {
		limit = rate.Inf
	}
	if log == nil {
		log = slog.Default()
	}
	return &SMSChannel{
		cfg:     cfg,
		client:  &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(limit, 1),
		log:     log.With("component", "sms_channel"),
	}
}

func (c *SMSChannel) Kind() models.DeliveryChannel { return models.ChannelSMS }

func (c *SMSChannel) Policy() config.RetryConfig { return c.cfg.Retry }

// Send posts one message to the gateway. 429 and 5xx responses are
// transient; other 4xx responses are permanent, with 400 on a phone number
// treated as a bounce.
func (c *SMSChannel) Send(ctx context.Context, msg Message) (Receipt, error) {
	if c.cfg.URL == "" {
		return Receipt{}, &ProviderError{Class: ErrorClassPermanent, Detail: "sms gateway is not configured"}
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return Receipt{}, err
	}

	body, err := json.Marshal(smsPayload{
		To:             msg.Destination,
		From:           c.cfg.From,
		Body:           msg.Body,
		IdempotencyKey: msg.IdempotencyKey,
	})
	if err != nil {
		return Receipt{}, &ProviderError{Class: ErrorClassPermanent, Detail: "failed to marshal sms payload", Err: err}
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return Receipt{}, &ProviderError{Class: ErrorClassPermanent, Detail: "failed to build sms request", Err: err}
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Idempotency-Key", msg.IdempotencyKey)
	if c.cfg.APIKey != "" {
		request.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	response, err := c.client.Do(request)
	if err != nil {
		return Receipt{}, &ProviderError{Class: ErrorClassTransient, Detail: "sms request failed", Err: err}
	}
	responseBody, readErr := io.ReadAll(io.LimitReader(response.Body, 1<<16))
	_ = response.Body.Close()

	if response.StatusCode >= http.StatusOK && response.StatusCode < http.StatusMultipleChoices {
		var parsed smsResponse
		if readErr == nil {
			_ = json.Unmarshal(responseBody, &parsed)
		}
		return Receipt{ProviderRef: parsed.MessageID}, nil
	}

	detail := strings.TrimSpace(string(responseBody))
	if detail == "" {
		detail = response.Status
	}
	switch {
	case response.StatusCode == http.StatusTooManyRequests || response.StatusCode >= 500:
		return Receipt{}, &ProviderError{
			Class:  ErrorClassTransient,
			Detail: fmt.Sprintf("sms gateway unavailable: status %d (%s)", response.StatusCode, detail),
		}
	default:
		return Receipt{}, &ProviderError{
			Class:  ErrorClassPermanent,
			Bounce: response.StatusCode == http.StatusBadRequest,
			Detail: fmt.Sprintf("sms gateway rejected message: status %d (%s)", response.StatusCode, detail),
		}
	}
}
