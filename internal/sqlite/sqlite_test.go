package sqlite

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/finsentry/finsentry/internal/config"
	"github.com/finsentry/finsentry/pkg/models"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := New(Options{
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		Config: config.SQLiteConfig{Path: filepath.Join(t.TempDir(), "test.db")},
	})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func seedAlert(t *testing.T, db *DB) *models.Alert {
	t.Helper()
	accountID := models.AccountID(100)
	alert := &models.Alert{
		UserID:    10,
		Type:      models.AlertTypeAccountThreshold,
		Name:      "Low checking balance",
		AccountID: &accountID,
		Conditions: models.AlertConditions{
			AccountThreshold: &models.AccountThresholdConditions{
				Threshold: decimal.RequireFromString("100.00"),
				Direction: models.DirectionBelow,
			},
		},
		EmailEnabled: true,
		IsActive:     true,
	}
	if err := db.CreateAlert(context.Background(), alert); err != nil {
		t.Fatalf("failed to create alert: %v", err)
	}
	return alert
}

func TestAlertRoundTrip(t *testing.T) {
	db := newTestDB(t)
	created := seedAlert(t, db)

	got, err := db.GetAlert(context.Background(), created.ID)
	if err != nil {
		t.Fatalf("failed to get alert: %v", err)
	}
	if got.Type != models.AlertTypeAccountThreshold || got.Name != created.Name {
		t.Errorf("got alert %+v, want type/name to round-trip", got)
	}
	if got.AccountID == nil || *got.AccountID != 100 {
		t.Errorf("AccountID = %v, want 100", got.AccountID)
	}
	cond := got.Conditions.AccountThreshold
	if cond == nil || !cond.Threshold.Equal(decimal.RequireFromString("100.00")) || cond.Direction != models.DirectionBelow {
		t.Errorf("conditions = %+v, want threshold 100.00 below", cond)
	}
	if got.State.Version != models.AlertStateVersion {
		t.Errorf("state version = %d, want %d", got.State.Version, models.AlertStateVersion)
	}
	if got.StateVersion != 0 {
		t.Errorf("optimistic version = %d, want 0 on a fresh alert", got.StateVersion)
	}

	if _, err := db.GetAlert(context.Background(), created.ID+999); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing alert error = %v, want ErrNotFound", err)
	}
}

func TestCommitTriggerPersistsAtomically(t *testing.T) {
	db := newTestDB(t)
	alert := seedAlert(t, db)
	ctx := context.Background()

	alert.State.LastDirection = models.DirectionBelow
	now := time.Now().UTC().Truncate(time.Second)
	notification := &models.Notification{
		ID:        "n-1",
		UserID:    alert.UserID,
		AlertID:   alert.ID,
		Title:     "Low balance: Checking",
		Message:   "Your Checking balance of $95.00 is below your $100.00 threshold.",
		Metadata:  map[string]any{"balance": "95.00"},
		CreatedAt: now,
	}
	deliveries := []*models.Delivery{
		{ID: "d-1", NotificationID: "n-1", Channel: models.ChannelInApp, Destination: models.InAppDestination, Status: models.DeliveryStatusPending},
		{ID: "d-2", NotificationID: "n-1", Channel: models.ChannelEmail, Destination: "user@example.com", Status: models.DeliveryStatusPending},
	}

	if err := db.CommitTrigger(ctx, alert, notification, deliveries); err != nil {
		t.Fatalf("commit failed: %v", err)
	}
	if alert.StateVersion != 1 {
		t.Errorf("StateVersion = %d, want 1 after commit", alert.StateVersion)
	}
	if alert.LastTriggeredAt == nil {
		t.Error("LastTriggeredAt not set after commit")
	}

	reloaded, err := db.GetAlert(ctx, alert.ID)
	if err != nil {
		t.Fatalf("failed to reload alert: %v", err)
	}
	if reloaded.State.LastDirection != models.DirectionBelow {
		t.Errorf("persisted LastDirection = %q, want below", reloaded.State.LastDirection)
	}
	if reloaded.StateVersion != 1 {
		t.Errorf("persisted state_version = %d, want 1", reloaded.StateVersion)
	}

	gotNotification, err := db.GetNotification(ctx, "n-1")
	if err != nil {
		t.Fatalf("failed to get notification: %v", err)
	}
	if gotNotification.Title != notification.Title || gotNotification.IsRead {
		t.Errorf("notification = %+v", gotNotification)
	}

	gotDeliveries, err := db.ListDeliveries(ctx, "n-1")
	if err != nil {
		t.Fatalf("failed to list deliveries: %v", err)
	}
	if len(gotDeliveries) != 2 {
		t.Fatalf("deliveries = %d, want 2", len(gotDeliveries))
	}
	for _, d := range gotDeliveries {
		if d.Status != models.DeliveryStatusPending {
			t.Errorf("delivery %s status = %q, want pending", d.ID, d.Status)
		}
	}
}

func TestCommitTriggerDetectsStateRace(t *testing.T) {
	db := newTestDB(t)
	alert := seedAlert(t, db)
	ctx := context.Background()

	stale := *alert
	now := time.Now().UTC()
	first := &models.Notification{ID: "n-1", UserID: alert.UserID, AlertID: alert.ID, Title: "t", Message: "m", CreatedAt: now}
	if err := db.CommitTrigger(ctx, alert, first, nil); err != nil {
		t.Fatalf("first commit failed: %v", err)
	}

	second := &models.Notification{ID: "n-2", UserID: alert.UserID, AlertID: alert.ID, Title: "t", Message: "m", CreatedAt: now}
	err := db.CommitTrigger(ctx, &stale, second, nil)
	if !IsStateConflict(err) {
		t.Fatalf("stale commit error = %v, want state conflict", err)
	}
	if _, getErr := db.GetNotification(ctx, "n-2"); !errors.Is(getErr, ErrNotFound) {
		t.Error("losing commit must not leave a notification behind")
	}
}

func TestUpdateDeliveryStatusEnforcesStateMachine(t *testing.T) {
	db := newTestDB(t)
	alert := seedAlert(t, db)
	ctx := context.Background()

	now := time.Now().UTC()
	notification := &models.Notification{ID: "n-1", UserID: alert.UserID, AlertID: alert.ID, Title: "t", Message: "m", CreatedAt: now}
	deliveries := []*models.Delivery{
		{ID: "d-1", NotificationID: "n-1", Channel: models.ChannelEmail, Destination: "user@example.com", Status: models.DeliveryStatusPending},
	}
	if err := db.CommitTrigger(ctx, alert, notification, deliveries); err != nil {
		t.Fatalf("commit failed: %v", err)
	}

	if err := db.UpdateDeliveryStatus(ctx, "d-1", models.DeliveryStatusRetrying, 1, "", "timeout", now); err != nil {
		t.Fatalf("pending -> retrying failed: %v", err)
	}
	if err := db.UpdateDeliveryStatus(ctx, "d-1", models.DeliveryStatusSent, 2, "ref-1", "", now); err != nil {
		t.Fatalf("retrying -> sent failed: %v", err)
	}
	// Sent may not regress to retrying.
	if err := db.UpdateDeliveryStatus(ctx, "d-1", models.DeliveryStatusRetrying, 3, "", "", now); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("sent -> retrying error = %v, want ErrInvalidTransition", err)
	}
	if err := db.UpdateDeliveryStatus(ctx, "d-1", models.DeliveryStatusDelivered, 2, "ref-1", "", now); err != nil {
		t.Fatalf("sent -> delivered failed: %v", err)
	}
	// Delivered is terminal.
	if err := db.UpdateDeliveryStatus(ctx, "d-1", models.DeliveryStatusFailed, 2, "", "late failure", now); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("delivered -> failed error = %v, want ErrInvalidTransition", err)
	}

	got, err := db.ListDeliveries(ctx, "n-1")
	if err != nil {
		t.Fatal(err)
	}
	if got[0].Status != models.DeliveryStatusDelivered || got[0].AttemptCount != 2 || got[0].ProviderRef != "ref-1" {
		t.Errorf("delivery = %+v, want delivered with 2 attempts and ref-1", got[0])
	}
}

func TestCountDeliveriesExcludesCurrentDelivery(t *testing.T) {
	db := newTestDB(t)
	alert := seedAlert(t, db)
	ctx := context.Background()

	now := time.Now().UTC()
	notification := &models.Notification{ID: "n-1", UserID: alert.UserID, AlertID: alert.ID, Title: "t", Message: "m", CreatedAt: now}
	deliveries := []*models.Delivery{
		{ID: "d-1", NotificationID: "n-1", Channel: models.ChannelEmail, Destination: "user@example.com", Status: models.DeliveryStatusPending},
	}
	if err := db.CommitTrigger(ctx, alert, notification, deliveries); err != nil {
		t.Fatalf("commit failed: %v", err)
	}

	// The user's first-ever delivery must not count against its own quota.
	count, err := db.CountDeliveriesForUserSince(ctx, alert.UserID, models.ChannelEmail, now.Add(-time.Hour), "d-1")
	if err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 0 {
		t.Errorf("count = %d, want 0 with the in-flight delivery excluded", count)
	}

	// Earlier deliveries still count.
	count, err = db.CountDeliveriesForUserSince(ctx, alert.UserID, models.ChannelEmail, now.Add(-time.Hour), "d-other")
	if err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 1 {
		t.Errorf("count = %d, want 1 for a different delivery id", count)
	}
}

func TestNotificationPreferencesDefaultAndUpsert(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	prefs, err := db.GetNotificationPreferences(ctx, 42)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !prefs.EmailEnabled || prefs.SMSEnabled || prefs.MaxPerHour != 10 {
		t.Errorf("default prefs = %+v", prefs)
	}

	prefs.EmailAddress = "user@example.com"
	prefs.QuietHoursStart = "22:00"
	prefs.QuietHoursEnd = "07:00"
	prefs.Timezone = "America/New_York"
	prefs.MerchantAlertFrequency = models.MerchantAlertFirstOfDay
	if err := db.UpsertNotificationPreferences(ctx, prefs); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}

	reloaded, err := db.GetNotificationPreferences(ctx, 42)
	if err != nil {
		t.Fatal(err)
	}
	if reloaded.EmailAddress != "user@example.com" ||
		reloaded.QuietHoursStart != "22:00" ||
		reloaded.Timezone != "America/New_York" ||
		reloaded.MerchantAlertFrequency != models.MerchantAlertFirstOfDay {
		t.Errorf("reloaded prefs = %+v", reloaded)
	}

	// Second upsert overwrites.
	reloaded.MaxPerDay = 20
	if err := db.UpsertNotificationPreferences(ctx, reloaded); err != nil {
		t.Fatal(err)
	}
	again, err := db.GetNotificationPreferences(ctx, 42)
	if err != nil {
		t.Fatal(err)
	}
	if again.MaxPerDay != 20 {
		t.Errorf("MaxPerDay = %d, want 20", again.MaxPerDay)
	}
}

func TestListUserIDsWithActiveAlertsPages(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		accountID := models.AccountID(100 + i)
		alert := &models.Alert{
			UserID:    models.UserID(i),
			Type:      models.AlertTypeAccountThreshold,
			Name:      "t",
			AccountID: &accountID,
			Conditions: models.AlertConditions{
				AccountThreshold: &models.AccountThresholdConditions{
					Threshold: decimal.NewFromInt(100),
					Direction: models.DirectionBelow,
				},
			},
			IsActive: true,
		}
		if err := db.CreateAlert(ctx, alert); err != nil {
			t.Fatal(err)
		}
	}

	var all []models.UserID
	var cursor models.UserID
	for {
		page, err := db.ListUserIDsWithActiveAlerts(ctx, models.BatchAlertTypes, cursor, 2)
		if err != nil {
			t.Fatal(err)
		}
		if len(page) == 0 {
			break
		}
		all = append(all, page...)
		cursor = page[len(page)-1]
	}
	if len(all) != 5 {
		t.Fatalf("users = %v, want 5 distinct users", all)
	}
	for i, userID := range all {
		if userID != models.UserID(i+1) {
			t.Errorf("users[%d] = %d, want %d", i, userID, i+1)
		}
	}
}
