package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/finsentry/finsentry/pkg/models"
)

// ErrInvalidTransition is returned when a delivery status update would move
// backwards or out of a terminal state.
var ErrInvalidTransition = errors.New("invalid delivery status transition")

const selectNotificationBase = `SELECT
    id, user_id, alert_id, title, message, metadata, is_read, created_at
FROM notifications`

const selectDeliveryBase = `SELECT
    id, notification_id, channel, destination, status, attempt_count,
    provider_ref, error_detail, created_at, sent_at, delivered_at, failed_at
FROM deliveries`

// GetNotification retrieves a single notification by id.
func (db *DB) GetNotification(ctx context.Context, id string) (*models.Notification, error) {
	row := db.readDB.QueryRowContext(ctx, selectNotificationBase+" WHERE id = ?", id)
	n, err := scanNotification(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return n, err
}

// ListNotifications returns a user's notifications, newest first.
func (db *DB) ListNotifications(ctx context.Context, userID models.UserID, limit, offset int) ([]*models.Notification, error) {
	if limit <= 0 {
		limit = 50
	}
	query := selectNotificationBase + " WHERE user_id = ? ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?"
	rows, err := db.readDB.QueryContext(ctx, query, int64(userID), limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list notifications: %w", err)
	}
	defer rows.Close()

	var notifications []*models.Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		notifications = append(notifications, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating notifications: %w", err)
	}
	return notifications, nil
}

// CountUnreadNotifications returns the number of unread notifications for a
// user.
func (db *DB) CountUnreadNotifications(ctx context.Context, userID models.UserID) (int, error) {
	var count int
	err := db.readDB.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM notifications WHERE user_id = ? AND is_read = 0", int64(userID)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count unread notifications: %w", err)
	}
	return count, nil
}

// MarkNotificationRead flags a notification as read.
func (db *DB) MarkNotificationRead(ctx context.Context, id string) error {
	res, err := db.writeDB.ExecContext(ctx, "UPDATE notifications SET is_read = 1 WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to mark notification read: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrNotFound
	}
	return nil
}

// CountNotificationsForAlertSince counts notifications created for an alert
// at or after the given time. Used by first_of_day merchant dedup.
func (db *DB) CountNotificationsForAlertSince(ctx context.Context, alertID models.AlertID, since time.Time) (int, error) {
	var count int
	err := db.readDB.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM notifications WHERE alert_id = ? AND created_at >= ?",
		int64(alertID), since).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count alert notifications: %w", err)
	}
	return count, nil
}

// ListDeliveries returns the delivery rows for a notification.
func (db *DB) ListDeliveries(ctx context.Context, notificationID string) ([]*models.Delivery, error) {
	rows, err := db.readDB.QueryContext(ctx, selectDeliveryBase+" WHERE notification_id = ? ORDER BY channel", notificationID)
	if err != nil {
		return nil, fmt.Errorf("failed to list deliveries: %w", err)
	}
	defer rows.Close()

	var deliveries []*models.Delivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		deliveries = append(deliveries, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating deliveries: %w", err)
	}
	return deliveries, nil
}

// UpdateDeliveryStatus applies a status transition to a delivery row,
// enforcing the monotonic state machine. The matching timestamp column is set
// from at.
func (db *DB) UpdateDeliveryStatus(ctx context.Context, deliveryID string, status models.DeliveryStatus, attemptCount int, providerRef, errorDetail string, at time.Time) error {
	tx, err := db.writeDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin delivery update: %w", err)
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx, "SELECT status FROM deliveries WHERE id = ?", deliveryID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to read delivery status: %w", err)
	}
	if !models.DeliveryStatus(current).CanTransition(status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, status)
	}

	query := `UPDATE deliveries SET status = ?, attempt_count = ?, provider_ref = ?, error_detail = ?`
	args := []any{string(status), attemptCount, nullableString(providerRef), nullableString(errorDetail)}
	switch status {
	case models.DeliveryStatusSent:
		query += ", sent_at = ?"
		args = append(args, at)
	case models.DeliveryStatusDelivered:
		query += ", delivered_at = ?"
		args = append(args, at)
	case models.DeliveryStatusFailed, models.DeliveryStatusBounced:
		query += ", failed_at = ?"
		args = append(args, at)
	}
	query += " WHERE id = ?"
	args = append(args, deliveryID)

	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to update delivery status: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit delivery update: %w", err)
	}
	return nil
}

// CountDeliveriesForUserSince counts a user's delivery rows for a channel
// created at or after the given time. Backs the hourly/daily rate limits;
// excludeDeliveryID keeps the delivery currently being dispatched from
// counting against its own quota.
func (db *DB) CountDeliveriesForUserSince(ctx context.Context, userID models.UserID, channel models.DeliveryChannel, since time.Time, excludeDeliveryID string) (int, error) {
	var count int
	err := db.readDB.QueryRowContext(ctx, `SELECT COUNT(*)
FROM deliveries d
JOIN notifications n ON n.id = d.notification_id
WHERE n.user_id = ? AND d.channel = ? AND d.created_at >= ? AND d.id != ?`,
		int64(userID), string(channel), since, excludeDeliveryID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count deliveries: %w", err)
	}
	return count, nil
}

func scanNotification(scanner interface{ Scan(dest ...any) error }) (*models.Notification, error) {
	var (
		n            models.Notification
		userID       int64
		alertID      int64
		metadataJSON sql.NullString
		isRead       int
	)
	if err := scanner.Scan(&n.ID, &userID, &alertID, &n.Title, &n.Message, &metadataJSON, &isRead, &n.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan notification: %w", err)
	}
	n.UserID = models.UserID(userID)
	n.AlertID = models.AlertID(alertID)
	n.IsRead = isRead == 1
	if metadataJSON.Valid && metadataJSON.String != "" {
		if err := json.Unmarshal([]byte(metadataJSON.String), &n.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal notification metadata: %w", err)
		}
	}
	return &n, nil
}

func scanDelivery(scanner interface{ Scan(dest ...any) error }) (*models.Delivery, error) {
	var (
		d           models.Delivery
		channel     string
		status      string
		providerRef sql.NullString
		errorDetail sql.NullString
		sentAt      sql.NullTime
		deliveredAt sql.NullTime
		failedAt    sql.NullTime
	)
	if err := scanner.Scan(
		&d.ID, &d.NotificationID, &channel, &d.Destination, &status, &d.AttemptCount,
		&providerRef, &errorDetail, &d.CreatedAt, &sentAt, &deliveredAt, &failedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan delivery: %w", err)
	}
	d.Channel = models.DeliveryChannel(channel)
	d.Status = models.DeliveryStatus(status)
	d.ProviderRef = providerRef.String
	d.ErrorDetail = errorDetail.String
	d.SentAt = timePtr(sentAt)
	d.DeliveredAt = timePtr(deliveredAt)
	d.FailedAt = timePtr(failedAt)
	return &d, nil
}
