package notify

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"log/slog"

	"github.com/VictoriaMetrics/metrics"
	"github.com/google/uuid"

	"github.com/finsentry/finsentry/internal/config"
	"github.com/finsentry/finsentry/pkg/models"
)

// Ledger is the persistence surface the dispatcher records delivery
// progress on. *sqlite.DB implements it.
type Ledger interface {
	UpdateDeliveryStatus(ctx context.Context, deliveryID string, status models.DeliveryStatus, attemptCount int, providerRef, errorDetail string, at time.Time) error
	InsertDeadLetter(ctx context.Context, dl *models.DeadLetter) error
	CountDeliveriesForUserSince(ctx context.Context, userID models.UserID, channel models.DeliveryChannel, since time.Time, excludeDeliveryID string) (int, error)
}

// DispatcherOptions encapsulates the dependencies for a Dispatcher.
type DispatcherOptions struct {
	Ledger   Ledger
	Channels []Channel
	Breaker  config.BreakerConfig
	Logger   *slog.Logger
	// Now overrides the clock.
	Now func() time.Time
}

// Dispatcher fans a notification out to its delivery channels. Each channel
// runs independently: retries with jittered exponential backoff behind a
// per-provider circuit breaker, progress recorded on the delivery ledger,
// exhausted deliveries dead-lettered. One channel failing never blocks the
// others.
type Dispatcher struct {
	ledger   Ledger
	channels map[models.DeliveryChannel]Channel
	breakers map[models.DeliveryChannel]*Breaker
	log      *slog.Logger
	now      func() time.Time
}

// NewDispatcher constructs a dispatcher over the given channels. External
// channels (everything but in-app) each get their own circuit breaker.
func NewDispatcher(opts DispatcherOptions) *Dispatcher {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	d := &Dispatcher{
		ledger:   opts.Ledger,
		channels: make(map[models.DeliveryChannel]Channel, len(opts.Channels)),
		breakers: make(map[models.DeliveryChannel]*Breaker),
		log:      log.With("component", "dispatcher"),
		now:      now,
	}
	for _, channel := range opts.Channels {
		d.channels[channel.Kind()] = channel
		if channel.Kind() != models.ChannelInApp {
			d.breakers[channel.Kind()] = NewBreaker(opts.Breaker, now)
		}
	}
	return d
}

// BreakerStates returns the current state of every provider breaker, keyed
// by channel.
func (d *Dispatcher) BreakerStates() map[models.DeliveryChannel]string {
	states := make(map[models.DeliveryChannel]string, len(d.breakers))
	for kind, breaker := range d.breakers {
		states[kind] = breaker.State().String()
	}
	return states
}

// Dispatch delivers the notification on every channel its deliveries name
// and blocks until all of them settle.
func (d *Dispatcher) Dispatch(ctx context.Context, notification *models.Notification, deliveries []*models.Delivery, prefs *models.NotificationPreferences) {
	var wg sync.WaitGroup
	for _, delivery := range deliveries {
		wg.Add(1)
		go func(delivery *models.Delivery) {
			defer wg.Done()
			d.deliver(ctx, notification, delivery, prefs)
		}(delivery)
	}
	wg.Wait()
}

func (d *Dispatcher) deliver(ctx context.Context, notification *models.Notification, delivery *models.Delivery, prefs *models.NotificationPreferences) {
	log := d.log.With("delivery_id", delivery.ID, "channel", delivery.Channel, "notification_id", notification.ID)

	channel, ok := d.channels[delivery.Channel]
	if !ok {
		d.markFailed(ctx, delivery, fmt.Sprintf("no adapter registered for channel %q", delivery.Channel), false)
		log.Error("no channel adapter registered")
		return
	}

	// In-app deliveries bypass quiet hours and rate limits: the row is
	// already durable and invisible until the user looks.
	if delivery.Channel != models.ChannelInApp {
		if prefs.InQuietHours(d.now()) {
			log.Info("delivery deferred by quiet hours", "resume_at", prefs.QuietHoursEndAt(d.now()))
			return
		}
		// Over-limit channels are skipped, not failed: the row stays
		// pending for a later pass, same as quiet hours.
		if detail, limited := d.rateLimited(ctx, notification.UserID, delivery, prefs); limited {
			log.Warn("delivery skipped by rate limit", "detail", detail)
			return
		}
	}

	msg := Message{
		NotificationID: notification.ID,
		IdempotencyKey: idempotencyKey(notification.ID, delivery.Channel),
		Destination:    delivery.Destination,
		Title:          notification.Title,
		Body:           notification.Message,
		Metadata:       notification.Metadata,
	}

	policy := channel.Policy()
	maxAttempts := policy.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	breaker := d.breakers[delivery.Channel]
	rng := rand.New(rand.NewSource(d.now().UnixNano()))

	attempts := 0
	for {
		attempts++
		attemptsTotal(delivery.Channel).Inc()

		receipt, err := d.attempt(ctx, channel, breaker, msg)
		if err == nil {
			d.markSent(ctx, delivery, receipt, attempts)
			log.Info("delivery sent", "attempts", attempts, "provider_ref", receipt.ProviderRef)
			return
		}

		delivery.AttemptCount = attempts

		if !Transient(err) {
			// No dead letter: replaying a permanent rejection would just
			// bounce again. The failed/bounced row is the record.
			failuresTotal(delivery.Channel).Inc()
			d.markFailed(ctx, delivery, err.Error(), Bounced(err))
			log.Warn("delivery rejected permanently", "attempts", attempts, "error", err)
			return
		}

		if attempts >= maxAttempts {
			failuresTotal(delivery.Channel).Inc()
			d.markFailed(ctx, delivery, err.Error(), false)
			d.deadLetter(ctx, notification, delivery, err.Error(), attempts)
			log.Warn("delivery exhausted retries", "attempts", attempts, "error", err)
			return
		}

		if updateErr := d.ledger.UpdateDeliveryStatus(ctx, delivery.ID, models.DeliveryStatusRetrying, attempts, "", err.Error(), d.now().UTC()); updateErr != nil {
			log.Error("failed to record retry", "error", updateErr)
		}
		delay := backoffDelay(policy, attempts-1, rng)
		log.Debug("delivery attempt failed, backing off", "attempt", attempts, "delay", delay, "error", err)
		if sleepErr := sleep(ctx, delay); sleepErr != nil {
			log.Warn("delivery abandoned by shutdown", "attempts", attempts)
			return
		}
	}
}

// attempt runs one send behind the channel's breaker. A refused call counts
// as a transient failure without touching the provider.
func (d *Dispatcher) attempt(ctx context.Context, channel Channel, breaker *Breaker, msg Message) (Receipt, error) {
	if breaker != nil && !breaker.Allow() {
		return Receipt{}, ErrCircuitOpen
	}
	receipt, err := channel.Send(ctx, msg)
	if breaker != nil {
		// Every allowed call must resolve, or a half-open trial would stay
		// in flight forever. A permanent rejection means the provider
		// answered, so it counts as healthy.
		if err != nil && Transient(err) {
			breaker.Failure()
		} else {
			breaker.Success()
		}
	}
	return receipt, err
}

// rateLimited checks the user's hourly and daily caps for external
// channels. The delivery being dispatched already has a row from trigger
// commit, so it is excluded from the counts.
func (d *Dispatcher) rateLimited(ctx context.Context, userID models.UserID, delivery *models.Delivery, prefs *models.NotificationPreferences) (string, bool) {
	now := d.now()
	if prefs.MaxPerHour > 0 {
		count, err := d.ledger.CountDeliveriesForUserSince(ctx, userID, delivery.Channel, now.Add(-time.Hour), delivery.ID)
		if err != nil {
			d.log.Error("hourly rate limit check failed", "user_id", userID, "error", err)
		} else if count >= prefs.MaxPerHour {
			return fmt.Sprintf("hourly delivery limit reached (%d)", prefs.MaxPerHour), true
		}
	}
	if prefs.MaxPerDay > 0 {
		count, err := d.ledger.CountDeliveriesForUserSince(ctx, userID, delivery.Channel, now.Add(-24*time.Hour), delivery.ID)
		if err != nil {
			d.log.Error("daily rate limit check failed", "user_id", userID, "error", err)
		} else if count >= prefs.MaxPerDay {
			return fmt.Sprintf("daily delivery limit reached (%d)", prefs.MaxPerDay), true
		}
	}
	return "", false
}

func (d *Dispatcher) markSent(ctx context.Context, delivery *models.Delivery, receipt Receipt, attempts int) {
	if err := d.ledger.UpdateDeliveryStatus(ctx, delivery.ID, models.DeliveryStatusSent, attempts, receipt.ProviderRef, "", d.now().UTC()); err != nil {
		d.log.Error("failed to record sent delivery", "delivery_id", delivery.ID, "error", err)
	}
	sentTotal(delivery.Channel).Inc()
}

func (d *Dispatcher) markFailed(ctx context.Context, delivery *models.Delivery, detail string, bounced bool) {
	status := models.DeliveryStatusFailed
	if bounced {
		status = models.DeliveryStatusBounced
	}
	if err := d.ledger.UpdateDeliveryStatus(ctx, delivery.ID, status, delivery.AttemptCount, "", detail, d.now().UTC()); err != nil {
		d.log.Error("failed to record failed delivery", "delivery_id", delivery.ID, "error", err)
	}
}

func (d *Dispatcher) deadLetter(ctx context.Context, notification *models.Notification, delivery *models.Delivery, reason string, attempts int) {
	dl := &models.DeadLetter{
		DeliveryID:     delivery.ID,
		NotificationID: notification.ID,
		Channel:        delivery.Channel,
		Destination:    delivery.Destination,
		Reason:         reason,
		Attempts:       attempts,
		CreatedAt:      d.now().UTC(),
	}
	if err := d.ledger.InsertDeadLetter(ctx, dl); err != nil {
		d.log.Error("failed to record dead letter", "delivery_id", delivery.ID, "error", err)
		return
	}
	deadLettersTotal(delivery.Channel).Inc()
}

// idempotencyKey derives a key that is stable across retries and process
// restarts for the same (notification, channel) pair.
func idempotencyKey(notificationID string, channel models.DeliveryChannel) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(notificationID+":"+string(channel))).String()
}

func attemptsTotal(channel models.DeliveryChannel) *metrics.Counter {
	return metrics.GetOrCreateCounter(fmt.Sprintf(`finsentry_delivery_attempts_total{channel=%q}`, channel))
}

func sentTotal(channel models.DeliveryChannel) *metrics.Counter {
	return metrics.GetOrCreateCounter(fmt.Sprintf(`finsentry_deliveries_sent_total{channel=%q}`, channel))
}

func failuresTotal(channel models.DeliveryChannel) *metrics.Counter {
	return metrics.GetOrCreateCounter(fmt.Sprintf(`finsentry_deliveries_failed_total{channel=%q}`, channel))
}

func deadLettersTotal(channel models.DeliveryChannel) *metrics.Counter {
	return metrics.GetOrCreateCounter(fmt.Sprintf(`finsentry_dead_letters_total{channel=%q}`, channel))
}
