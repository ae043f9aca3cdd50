package alerts

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/finsentry/finsentry/pkg/models"
)

// DedupeStore is the slice of the store the dedup engine reads.
type DedupeStore interface {
	CountNotificationsForAlertSince(ctx context.Context, alertID models.AlertID, since time.Time) (int, error)
}

// Deduper decides whether a fired trigger should actually produce a
// notification. When ShouldEmit returns true it has already mutated the
// alert's State; the caller must persist that state in the same transaction
// that creates the notification.
type Deduper struct {
	log          *slog.Logger
	store        DedupeStore
	cooldown     time.Duration
	fingerprints *fingerprintCache
	now          func() time.Time
}

// DeduperOptions configures a Deduper.
type DeduperOptions struct {
	Logger         *slog.Logger
	Store          DedupeStore
	Cooldown       time.Duration
	FingerprintTTL time.Duration
	Now            func() time.Time
}

// NewDeduper constructs a Deduper with sane defaults.
func NewDeduper(opts DeduperOptions) *Deduper {
	cooldown := opts.Cooldown
	if cooldown <= 0 {
		cooldown = 6 * time.Hour
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Deduper{
		log:          log.With("component", "deduper"),
		store:        opts.Store,
		cooldown:     cooldown,
		fingerprints: newFingerprintCache(opts.FingerprintTTL, now),
		now:          now,
	}
}

// ShouldEmit applies the per-type persisted dedup rule plus the volatile
// fingerprint check. transaction_limit alerts are never suppressed.
func (d *Deduper) ShouldEmit(ctx context.Context, alert *models.Alert, result models.TriggerResult, prefs *models.NotificationPreferences) (bool, error) {
	if !result.Fires {
		return false, nil
	}

	// transaction_limit is security-relevant: every qualifying transaction
	// notifies, bypassing even the fingerprint cache.
	if alert.Type == models.AlertTypeTransactionLimit {
		return true, nil
	}

	fp := fingerprint(alert.ID, result.Metadata)
	if d.fingerprints.Seen(fp) {
		d.log.Debug("suppressed by fingerprint cache", "alert_id", alert.ID)
		return false, nil
	}

	return d.applyPolicy(ctx, alert, result, prefs)
}

// Confirm records the trigger's fingerprint once the notification has been
// durably committed. Recording before the commit would let a failed commit
// suppress the next evaluation for the cache TTL.
func (d *Deduper) Confirm(alert *models.Alert, result models.TriggerResult) {
	if alert.Type == models.AlertTypeTransactionLimit {
		return
	}
	d.fingerprints.Record(fingerprint(alert.ID, result.Metadata))
}

func (d *Deduper) applyPolicy(ctx context.Context, alert *models.Alert, result models.TriggerResult, prefs *models.NotificationPreferences) (bool, error) {
	switch alert.Type {
	case models.AlertTypeAccountThreshold:
		direction := alert.Conditions.AccountThreshold.Direction
		if alert.LastTriggeredAt != nil &&
			alert.State.LastDirection == direction &&
			d.now().Sub(*alert.LastTriggeredAt) < d.cooldown {
			return false, nil
		}
		alert.State.LastDirection = direction
		return true, nil

	case models.AlertTypeGoal:
		milestone, err := intMetadata(result.Metadata, "milestone")
		if err != nil {
			return false, err
		}
		for _, m := range alert.State.MilestonesNotified {
			if m == milestone {
				return false, nil
			}
		}
		alert.State.MilestonesNotified = append(alert.State.MilestonesNotified, milestone)
		return true, nil

	case models.AlertTypeSpendingTarget:
		threshold, err := intMetadata(result.Metadata, "threshold")
		if err != nil {
			return false, err
		}
		period, _ := result.Metadata["period"].(string)
		if alert.State.ThresholdPeriod != period {
			// New budget period: the sent list starts over.
			alert.State.ThresholdsSent = nil
			alert.State.ThresholdPeriod = period
		}
		for _, t := range alert.State.ThresholdsSent {
			if t == threshold {
				return false, nil
			}
		}
		alert.State.ThresholdsSent = append(alert.State.ThresholdsSent, threshold)
		return true, nil

	case models.AlertTypeUpcomingBill:
		dueDate, _ := result.Metadata["due_date"].(string)
		if dueDate == "" {
			return false, fmt.Errorf("trigger metadata missing due_date")
		}
		if alert.State.LastDueDateNotified == dueDate {
			return false, nil
		}
		alert.State.LastDueDateNotified = dueDate
		return true, nil

	case models.AlertTypeMerchantName:
		frequency := models.MerchantAlertImmediate
		if prefs != nil && prefs.MerchantAlertFrequency != "" {
			frequency = prefs.MerchantAlertFrequency
		}
		switch frequency {
		case models.MerchantAlertImmediate:
			return true, nil
		case models.MerchantAlertFirstOfDay:
			loc := time.UTC
			if prefs != nil {
				loc = prefs.Location()
			}
			local := d.now().In(loc)
			startOfDay := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
			count, err := d.store.CountNotificationsForAlertSince(ctx, alert.ID, startOfDay.UTC())
			if err != nil {
				return false, fmt.Errorf("failed to check first-of-day dedup: %w", err)
			}
			return count == 0, nil
		case models.MerchantAlertDigest:
			// Digest aggregation happens elsewhere; realtime emission is
			// suppressed entirely.
			d.log.Debug("merchant alert deferred to digest", "alert_id", alert.ID)
			return false, nil
		default:
			return false, fmt.Errorf("unknown merchant alert frequency %q", frequency)
		}

	default:
		return false, fmt.Errorf("%w: %q", ErrUnknownAlertType, alert.Type)
	}
}

func intMetadata(metadata map[string]any, key string) (int, error) {
	switch v := metadata[key].(type) {
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case float64:
		return int(v), nil
	default:
		return 0, fmt.Errorf("trigger metadata missing %s", key)
	}
}
