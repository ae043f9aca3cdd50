package notify

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/finsentry/finsentry/internal/config"
	"github.com/finsentry/finsentry/pkg/models"
)

type statusUpdate struct {
	deliveryID  string
	status      models.DeliveryStatus
	attempts    int
	providerRef string
	errorDetail string
}

type fakeLedger struct {
	mu            sync.Mutex
	updates       []statusUpdate
	deadLetters   []*models.DeadLetter
	sentCount     int
	countExcludes []string
}

func (l *fakeLedger) UpdateDeliveryStatus(ctx context.Context, deliveryID string, status models.DeliveryStatus, attemptCount int, providerRef, errorDetail string, at time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.updates = append(l.updates, statusUpdate{deliveryID, status, attemptCount, providerRef, errorDetail})
	return nil
}

func (l *fakeLedger) InsertDeadLetter(ctx context.Context, dl *models.DeadLetter) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.deadLetters = append(l.deadLetters, dl)
	return nil
}

func (l *fakeLedger) CountDeliveriesForUserSince(ctx context.Context, userID models.UserID, channel models.DeliveryChannel, since time.Time, excludeDeliveryID string) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.countExcludes = append(l.countExcludes, excludeDeliveryID)
	return l.sentCount, nil
}

func (l *fakeLedger) lastStatus() statusUpdate {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.updates[len(l.updates)-1]
}

// scriptedChannel returns the scripted errors in order, then succeeds.
type scriptedChannel struct {
	mu     sync.Mutex
	kind   models.DeliveryChannel
	policy config.RetryConfig
	errs   []error
	keys   []string
	calls  int
}

func (c *scriptedChannel) Kind() models.DeliveryChannel { return c.kind }

func (c *scriptedChannel) Policy() config.RetryConfig { return c.policy }

func (c *scriptedChannel) Send(ctx context.Context, msg Message) (Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.keys = append(c.keys, msg.IdempotencyKey)
	call := c.calls
	c.calls++
	if call < len(c.errs) && c.errs[call] != nil {
		return Receipt{}, c.errs[call]
	}
	return Receipt{ProviderRef: "ref-123"}, nil
}

func fastRetry(maxAttempts int) config.RetryConfig {
	return config.RetryConfig{
		MaxAttempts:  maxAttempts,
		InitialDelay: time.Millisecond,
		Multiplier:   2,
		MaxDelay:     5 * time.Millisecond,
	}
}

func testNotification() (*models.Notification, *models.Delivery) {
	notification := &models.Notification{
		ID:      "n-1",
		UserID:  10,
		AlertID: 1,
		Title:   "Low balance: Checking",
		Message: "Your Checking balance of $95.00 is below your $100.00 threshold.",
	}
	delivery := &models.Delivery{
		ID:             "d-1",
		NotificationID: "n-1",
		Channel:        models.ChannelEmail,
		Destination:    "user@example.com",
		Status:         models.DeliveryStatusPending,
	}
	return notification, delivery
}

func newTestDispatcher(ledger Ledger, channel Channel) *Dispatcher {
	return NewDispatcher(DispatcherOptions{
		Ledger:   ledger,
		Channels: []Channel{channel},
		Breaker:  config.BreakerConfig{FailureThreshold: 5, Cooldown: time.Minute, SuccessThreshold: 2},
	})
}

func transientErr(detail string) error {
	return &ProviderError{Class: ErrorClassTransient, Detail: detail}
}

func TestDispatchRetriesThenSucceeds(t *testing.T) {
	ledger := &fakeLedger{}
	channel := &scriptedChannel{
		kind:   models.ChannelEmail,
		policy: fastRetry(3),
		errs:   []error{transientErr("timeout"), transientErr("timeout")},
	}
	dispatcher := newTestDispatcher(ledger, channel)

	notification, delivery := testNotification()
	prefs := models.DefaultNotificationPreferences(10)
	dispatcher.Dispatch(context.Background(), notification, []*models.Delivery{delivery}, prefs)

	if channel.calls != 3 {
		t.Fatalf("send calls = %d, want 3", channel.calls)
	}
	last := ledger.lastStatus()
	if last.status != models.DeliveryStatusSent || last.attempts != 3 {
		t.Errorf("final status = %+v, want sent after 3 attempts", last)
	}
	if last.providerRef != "ref-123" {
		t.Errorf("providerRef = %q, want ref-123", last.providerRef)
	}
	if len(ledger.deadLetters) != 0 {
		t.Errorf("dead letters = %d, want 0 on eventual success", len(ledger.deadLetters))
	}

	// Two intermediate retrying updates precede the sent update.
	var retrying int
	for _, update := range ledger.updates {
		if update.status == models.DeliveryStatusRetrying {
			retrying++
		}
	}
	if retrying != 2 {
		t.Errorf("retrying updates = %d, want 2", retrying)
	}
}

func TestDispatchExhaustionDeadLetters(t *testing.T) {
	ledger := &fakeLedger{}
	channel := &scriptedChannel{
		kind:   models.ChannelEmail,
		policy: fastRetry(3),
		errs:   []error{transientErr("down"), transientErr("down"), transientErr("down")},
	}
	dispatcher := newTestDispatcher(ledger, channel)

	notification, delivery := testNotification()
	dispatcher.Dispatch(context.Background(), notification, []*models.Delivery{delivery}, models.DefaultNotificationPreferences(10))

	if channel.calls != 3 {
		t.Fatalf("send calls = %d, want 3", channel.calls)
	}
	last := ledger.lastStatus()
	if last.status != models.DeliveryStatusFailed {
		t.Errorf("final status = %q, want failed", last.status)
	}
	if len(ledger.deadLetters) != 1 {
		t.Fatalf("dead letters = %d, want exactly 1", len(ledger.deadLetters))
	}
	dl := ledger.deadLetters[0]
	if dl.DeliveryID != delivery.ID || dl.Attempts != 3 || dl.Reason == "" {
		t.Errorf("dead letter = %+v, want delivery d-1 with 3 attempts and a reason", dl)
	}
}

func TestDispatchPermanentErrorDoesNotRetry(t *testing.T) {
	ledger := &fakeLedger{}
	channel := &scriptedChannel{
		kind:   models.ChannelEmail,
		policy: fastRetry(5),
		errs:   []error{&ProviderError{Class: ErrorClassPermanent, Bounce: true, Detail: "no such mailbox"}},
	}
	dispatcher := newTestDispatcher(ledger, channel)

	notification, delivery := testNotification()
	dispatcher.Dispatch(context.Background(), notification, []*models.Delivery{delivery}, models.DefaultNotificationPreferences(10))

	if channel.calls != 1 {
		t.Fatalf("send calls = %d, want 1 for a permanent rejection", channel.calls)
	}
	last := ledger.lastStatus()
	if last.status != models.DeliveryStatusBounced {
		t.Errorf("final status = %q, want bounced", last.status)
	}
	// Bounces are terminal but not replayable; only retry exhaustion
	// dead-letters.
	if len(ledger.deadLetters) != 0 {
		t.Errorf("dead letters = %d, want 0 for a bounce", len(ledger.deadLetters))
	}
}

func TestDispatchIdempotencyKeyStableAcrossAttempts(t *testing.T) {
	ledger := &fakeLedger{}
	channel := &scriptedChannel{
		kind:   models.ChannelEmail,
		policy: fastRetry(3),
		errs:   []error{transientErr("timeout")},
	}
	dispatcher := newTestDispatcher(ledger, channel)

	notification, delivery := testNotification()
	dispatcher.Dispatch(context.Background(), notification, []*models.Delivery{delivery}, models.DefaultNotificationPreferences(10))

	if len(channel.keys) != 2 {
		t.Fatalf("send calls = %d, want 2", len(channel.keys))
	}
	if channel.keys[0] != channel.keys[1] {
		t.Error("idempotency key changed between attempts")
	}
	if channel.keys[0] != idempotencyKey(notification.ID, models.ChannelEmail) {
		t.Error("idempotency key is not derived from notification and channel")
	}
	if idempotencyKey(notification.ID, models.ChannelEmail) == idempotencyKey(notification.ID, models.ChannelSMS) {
		t.Error("different channels must get different idempotency keys")
	}
}

func TestDispatchQuietHoursDefersExternalChannels(t *testing.T) {
	ledger := &fakeLedger{}
	channel := &scriptedChannel{kind: models.ChannelEmail, policy: fastRetry(3)}
	dispatcher := NewDispatcher(DispatcherOptions{
		Ledger:   ledger,
		Channels: []Channel{channel, NewInAppChannel(nil, nil)},
		Breaker:  config.BreakerConfig{},
		Now: func() time.Time {
			return time.Date(2026, 8, 30, 23, 0, 0, 0, time.UTC)
		},
	})

	prefs := models.DefaultNotificationPreferences(10)
	prefs.QuietHoursStart = "22:00"
	prefs.QuietHoursEnd = "07:00"

	notification, emailDelivery := testNotification()
	inAppDelivery := &models.Delivery{
		ID:             "d-2",
		NotificationID: notification.ID,
		Channel:        models.ChannelInApp,
		Destination:    models.InAppDestination,
		Status:         models.DeliveryStatusPending,
	}
	dispatcher.Dispatch(context.Background(), notification, []*models.Delivery{emailDelivery, inAppDelivery}, prefs)

	if channel.calls != 0 {
		t.Errorf("email sends = %d, want 0 during quiet hours", channel.calls)
	}
	// The email delivery stays pending; only the in-app delivery settles.
	for _, update := range ledger.updates {
		if update.deliveryID == emailDelivery.ID {
			t.Errorf("email delivery was updated to %q during quiet hours", update.status)
		}
	}
	last := ledger.lastStatus()
	if last.deliveryID != inAppDelivery.ID || last.status != models.DeliveryStatusSent {
		t.Errorf("in-app delivery update = %+v, want sent", last)
	}
}

func TestDispatchRateLimitSkipsDelivery(t *testing.T) {
	ledger := &fakeLedger{sentCount: 10}
	channel := &scriptedChannel{kind: models.ChannelEmail, policy: fastRetry(3)}
	dispatcher := newTestDispatcher(ledger, channel)

	prefs := models.DefaultNotificationPreferences(10) // MaxPerHour 10
	notification, delivery := testNotification()
	dispatcher.Dispatch(context.Background(), notification, []*models.Delivery{delivery}, prefs)

	if channel.calls != 0 {
		t.Errorf("send calls = %d, want 0 when rate limited", channel.calls)
	}
	// Skipped, not failed: the row stays pending for a later pass.
	if len(ledger.updates) != 0 {
		t.Errorf("delivery updates = %+v, want none for a rate-limit skip", ledger.updates)
	}
	if len(ledger.deadLetters) != 0 {
		t.Errorf("dead letters = %d, want 0", len(ledger.deadLetters))
	}
}

func TestDispatchRateLimitExcludesOwnDelivery(t *testing.T) {
	// One prior delivery this hour, limit 2: the current delivery's own
	// pending row must not count as the second.
	ledger := &fakeLedger{sentCount: 1}
	channel := &scriptedChannel{kind: models.ChannelEmail, policy: fastRetry(3)}
	dispatcher := newTestDispatcher(ledger, channel)

	prefs := models.DefaultNotificationPreferences(10)
	prefs.MaxPerHour = 2
	prefs.MaxPerDay = 0
	notification, delivery := testNotification()
	dispatcher.Dispatch(context.Background(), notification, []*models.Delivery{delivery}, prefs)

	if channel.calls != 1 {
		t.Fatalf("send calls = %d, want 1 under the limit", channel.calls)
	}
	if len(ledger.countExcludes) == 0 || ledger.countExcludes[0] != delivery.ID {
		t.Errorf("rate limit count excluded %v, want the delivery's own id %q", ledger.countExcludes, delivery.ID)
	}
}

func TestDispatchPermanentErrorResolvesHalfOpenTrial(t *testing.T) {
	ledger := &fakeLedger{}
	channel := &scriptedChannel{
		kind:   models.ChannelEmail,
		policy: fastRetry(1),
		errs: []error{
			transientErr("down"),
			&ProviderError{Class: ErrorClassPermanent, Detail: "invalid recipient"},
		},
	}
	clock := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	dispatcher := NewDispatcher(DispatcherOptions{
		Ledger:   ledger,
		Channels: []Channel{channel},
		Breaker:  config.BreakerConfig{FailureThreshold: 1, Cooldown: time.Minute, SuccessThreshold: 2},
		Now:      func() time.Time { return clock },
	})

	notification, delivery := testNotification()
	prefs := models.DefaultNotificationPreferences(10)

	// One transient failure trips the breaker open.
	dispatcher.Dispatch(context.Background(), notification, []*models.Delivery{delivery}, prefs)
	if state := dispatcher.BreakerStates()[models.ChannelEmail]; state != "open" {
		t.Fatalf("breaker state = %q, want open", state)
	}

	// Past the cooldown, the trial call gets a permanent rejection. The
	// provider answered, so the trial must resolve instead of staying in
	// flight forever.
	clock = clock.Add(2 * time.Minute)
	trial := &models.Delivery{ID: "d-2", NotificationID: "n-1", Channel: models.ChannelEmail, Destination: "user@example.com", Status: models.DeliveryStatusPending}
	dispatcher.Dispatch(context.Background(), notification, []*models.Delivery{trial}, prefs)
	if channel.calls != 2 {
		t.Fatalf("send calls = %d, want 2 (trial reached the provider)", channel.calls)
	}

	// The next delivery must still reach the now-healthy provider.
	next := &models.Delivery{ID: "d-3", NotificationID: "n-1", Channel: models.ChannelEmail, Destination: "user@example.com", Status: models.DeliveryStatusPending}
	dispatcher.Dispatch(context.Background(), notification, []*models.Delivery{next}, prefs)
	if channel.calls != 3 {
		t.Fatalf("send calls = %d, want 3 after the trial resolved", channel.calls)
	}
	last := ledger.lastStatus()
	if last.deliveryID != next.ID || last.status != models.DeliveryStatusSent {
		t.Errorf("delivery update = %+v, want sent", last)
	}
	if state := dispatcher.BreakerStates()[models.ChannelEmail]; state != "closed" {
		t.Errorf("breaker state = %q, want closed after two healthy answers", state)
	}
}

func TestDispatchOpenBreakerSkipsProvider(t *testing.T) {
	ledger := &fakeLedger{}
	channel := &scriptedChannel{kind: models.ChannelEmail, policy: fastRetry(1)}
	dispatcher := NewDispatcher(DispatcherOptions{
		Ledger:   ledger,
		Channels: []Channel{channel},
		Breaker:  config.BreakerConfig{FailureThreshold: 1, Cooldown: time.Hour, SuccessThreshold: 1},
	})

	// Trip the breaker with one failing delivery.
	channel.errs = []error{transientErr("down")}
	notification, delivery := testNotification()
	dispatcher.Dispatch(context.Background(), notification, []*models.Delivery{delivery}, models.DefaultNotificationPreferences(10))
	if state := dispatcher.BreakerStates()[models.ChannelEmail]; state != "open" {
		t.Fatalf("breaker state = %q, want open", state)
	}

	// The next delivery is refused without reaching the provider.
	callsBefore := channel.calls
	next := &models.Delivery{ID: "d-3", NotificationID: "n-1", Channel: models.ChannelEmail, Destination: "user@example.com", Status: models.DeliveryStatusPending}
	dispatcher.Dispatch(context.Background(), notification, []*models.Delivery{next}, models.DefaultNotificationPreferences(10))

	if channel.calls != callsBefore {
		t.Errorf("provider was called while the breaker was open")
	}
	last := ledger.lastStatus()
	if last.deliveryID != next.ID || last.status != models.DeliveryStatusFailed {
		t.Errorf("refused delivery update = %+v, want failed", last)
	}
	if len(ledger.deadLetters) != 2 {
		t.Errorf("dead letters = %d, want 2", len(ledger.deadLetters))
	}
}
