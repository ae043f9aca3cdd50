package notify

import (
	"context"

	"log/slog"

	"github.com/finsentry/finsentry/internal/config"
	"github.com/finsentry/finsentry/pkg/models"
)

// Pusher pushes a live update to connected clients. Optional; the in-app
// notification row is already durable by the time a push happens.
type Pusher interface {
	Push(ctx context.Context, msg Message) error
}

// InAppChannel marks in-app deliveries sent. The notification row itself is
// the delivery, so a failed live push is logged but never fails the
// delivery.
type InAppChannel struct {
	pusher Pusher
	log    *slog.Logger
}

// NewInAppChannel constructs the in-app channel. pusher may be nil.
func NewInAppChannel(pusher Pusher, log *slog.Logger) *InAppChannel {
	if log == nil {
		log = slog.Default()
	}
	return &InAppChannel{pusher: pusher, log: log.With("component", "inapp_channel")}
}

func (c *InAppChannel) Kind() models.DeliveryChannel { return models.ChannelInApp }

func (c *InAppChannel) Policy() config.RetryConfig {
	return config.RetryConfig{MaxAttempts: 1}
}

func (c *InAppChannel) Send(ctx context.Context, msg Message) (Receipt, error) {
	if c.pusher != nil {
		if err := c.pusher.Push(ctx, msg); err != nil {
			c.log.Debug("live push failed", "notification_id", msg.NotificationID, "error", err)
		}
	}
	return Receipt{}, nil
}
