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

const selectAlertBase = `SELECT
    id,
    user_id,
    type,
    name,
    account_id,
    goal_id,
    budget_id,
    bill_id,
    conditions,
    email_enabled,
    sms_enabled,
    is_active,
    last_triggered_at,
    state,
    state_version,
    created_at,
    updated_at
FROM alerts`

// CreateAlert inserts a new alert rule. Alert CRUD belongs to an external
// collaborator; this method exists for seeding and tests.
func (db *DB) CreateAlert(ctx context.Context, alert *models.Alert) error {
	if alert == nil {
		return fmt.Errorf("alert payload is required")
	}
	if err := alert.Conditions.Validate(alert.Type); err != nil {
		return fmt.Errorf("invalid alert conditions: %w", err)
	}

	conditionsJSON, err := json.Marshal(alert.Conditions)
	if err != nil {
		return fmt.Errorf("failed to marshal alert conditions: %w", err)
	}
	if alert.State.Version == 0 {
		alert.State.Version = models.AlertStateVersion
	}
	stateJSON, err := json.Marshal(alert.State)
	if err != nil {
		return fmt.Errorf("failed to marshal alert state: %w", err)
	}

	now := time.Now().UTC()
	res, err := db.writeDB.ExecContext(ctx, `INSERT INTO alerts (
    user_id, type, name, account_id, goal_id, budget_id, bill_id,
    conditions, email_enabled, sms_enabled, is_active, state, state_version,
    created_at, updated_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)`,
		int64(alert.UserID),
		string(alert.Type),
		alert.Name,
		idOrNil(alert.AccountID),
		idOrNil(alert.GoalID),
		idOrNil(alert.BudgetID),
		idOrNil(alert.BillID),
		string(conditionsJSON),
		boolToInt(alert.EmailEnabled),
		boolToInt(alert.SMSEnabled),
		boolToInt(alert.IsActive),
		string(stateJSON),
		now,
		now,
	)
	if err != nil {
		return fmt.Errorf("failed to insert alert: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read alert id: %w", err)
	}
	alert.ID = models.AlertID(id)
	alert.CreatedAt = now
	alert.UpdatedAt = now
	return nil
}

// GetAlert retrieves an alert by its identifier.
func (db *DB) GetAlert(ctx context.Context, alertID models.AlertID) (*models.Alert, error) {
	row := db.readDB.QueryRowContext(ctx, selectAlertBase+" WHERE id = ?", int64(alertID))
	alert, err := scanAlert(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return alert, err
}

// ListActiveAlerts returns all active alerts for a user.
func (db *DB) ListActiveAlerts(ctx context.Context, userID models.UserID) ([]*models.Alert, error) {
	return db.listAlerts(ctx, selectAlertBase+" WHERE user_id = ? AND is_active = 1 ORDER BY id", int64(userID))
}

// ListActiveAlertsByTypes returns a user's active alerts restricted to the
// given types. Used by realtime and bill sweeps to avoid a full-user scan.
func (db *DB) ListActiveAlertsByTypes(ctx context.Context, userID models.UserID, types []models.AlertType) ([]*models.Alert, error) {
	if len(types) == 0 {
		return nil, nil
	}
	args := []any{int64(userID)}
	for _, t := range types {
		args = append(args, string(t))
	}
	query := selectAlertBase + " WHERE user_id = ? AND is_active = 1 AND type IN (" + placeholders(len(types)) + ") ORDER BY id"
	return db.listAlerts(ctx, query, args...)
}

// ListUserIDsWithActiveAlerts returns a page of user ids owning at least one
// active alert of the given types, for cursor-based batch sweeps. Pass
// afterUser 0 for the first page.
func (db *DB) ListUserIDsWithActiveAlerts(ctx context.Context, types []models.AlertType, afterUser models.UserID, limit int) ([]models.UserID, error) {
	if len(types) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	args := make([]any, 0, len(types)+2)
	for _, t := range types {
		args = append(args, string(t))
	}
	args = append(args, int64(afterUser), limit)
	query := `SELECT DISTINCT user_id FROM alerts
WHERE is_active = 1 AND type IN (` + placeholders(len(types)) + `) AND user_id > ?
ORDER BY user_id LIMIT ?`

	rows, err := db.readDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list alert users: %w", err)
	}
	defer rows.Close()

	var users []models.UserID
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan user id: %w", err)
		}
		users = append(users, models.UserID(id))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating alert users: %w", err)
	}
	return users, nil
}

// CommitTrigger atomically records a fired alert: it creates the notification,
// its pending delivery rows, and persists the alert's updated dedup state.
// The alert's state_version is checked so a concurrent evaluation of the same
// alert loses cleanly with ErrStateConflict instead of clobbering state.
func (db *DB) CommitTrigger(ctx context.Context, alert *models.Alert, notification *models.Notification, deliveries []*models.Delivery) error {
	stateJSON, err := json.Marshal(alert.State)
	if err != nil {
		return fmt.Errorf("failed to marshal alert state: %w", err)
	}
	var metadataJSON []byte
	if notification.Metadata != nil {
		metadataJSON, err = json.Marshal(notification.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal notification metadata: %w", err)
		}
	}

	tx, err := db.writeDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin trigger transaction: %w", err)
	}
	defer tx.Rollback()

	now := notification.CreatedAt
	res, err := tx.ExecContext(ctx, `UPDATE alerts
SET last_triggered_at = ?,
    state = ?,
    state_version = state_version + 1,
    updated_at = ?
WHERE id = ? AND state_version = ?`,
		now, string(stateJSON), now, int64(alert.ID), alert.StateVersion)
	if err != nil {
		return fmt.Errorf("failed to update alert state: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrStateConflict
	}

	if _, err := tx.ExecContext(ctx, `INSERT INTO notifications (
    id, user_id, alert_id, title, message, metadata, is_read, created_at
) VALUES (?, ?, ?, ?, ?, ?, 0, ?)`,
		notification.ID,
		int64(notification.UserID),
		int64(notification.AlertID),
		notification.Title,
		notification.Message,
		nullableString(string(metadataJSON)),
		now,
	); err != nil {
		return fmt.Errorf("failed to insert notification: %w", err)
	}

	for _, d := range deliveries {
		if _, err := tx.ExecContext(ctx, `INSERT INTO deliveries (
    id, notification_id, channel, destination, status, attempt_count, created_at
) VALUES (?, ?, ?, ?, ?, 0, ?)`,
			d.ID,
			d.NotificationID,
			string(d.Channel),
			d.Destination,
			string(models.DeliveryStatusPending),
			now,
		); err != nil {
			return fmt.Errorf("failed to insert delivery row: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit trigger transaction: %w", err)
	}

	alert.LastTriggeredAt = &now
	alert.StateVersion++
	return nil
}

func (db *DB) listAlerts(ctx context.Context, query string, args ...any) ([]*models.Alert, error) {
	rows, err := db.readDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list alerts: %w", err)
	}
	defer rows.Close()

	var alerts []*models.Alert
	for rows.Next() {
		alert, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		alerts = append(alerts, alert)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating alerts: %w", err)
	}
	return alerts, nil
}

func scanAlert(scanner interface{ Scan(dest ...any) error }) (*models.Alert, error) {
	var (
		alert           models.Alert
		id              int64
		userID          int64
		alertType       string
		accountID       sql.NullInt64
		goalID          sql.NullInt64
		budgetID        sql.NullInt64
		billID          sql.NullInt64
		conditionsJSON  string
		emailEnabled    int
		smsEnabled      int
		isActive        int
		lastTriggeredAt sql.NullTime
		stateJSON       string
	)
	if err := scanner.Scan(
		&id,
		&userID,
		&alertType,
		&alert.Name,
		&accountID,
		&goalID,
		&budgetID,
		&billID,
		&conditionsJSON,
		&emailEnabled,
		&smsEnabled,
		&isActive,
		&lastTriggeredAt,
		&stateJSON,
		&alert.StateVersion,
		&alert.CreatedAt,
		&alert.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan alert: %w", err)
	}

	alert.ID = models.AlertID(id)
	alert.UserID = models.UserID(userID)
	alert.Type = models.AlertType(alertType)
	alert.EmailEnabled = emailEnabled == 1
	alert.SMSEnabled = smsEnabled == 1
	alert.IsActive = isActive == 1
	alert.LastTriggeredAt = timePtr(lastTriggeredAt)
	if accountID.Valid {
		v := models.AccountID(accountID.Int64)
		alert.AccountID = &v
	}
	if goalID.Valid {
		v := models.GoalID(goalID.Int64)
		alert.GoalID = &v
	}
	if budgetID.Valid {
		v := models.BudgetID(budgetID.Int64)
		alert.BudgetID = &v
	}
	if billID.Valid {
		v := models.BillID(billID.Int64)
		alert.BillID = &v
	}
	if err := json.Unmarshal([]byte(conditionsJSON), &alert.Conditions); err != nil {
		return nil, fmt.Errorf("failed to unmarshal alert conditions: %w", err)
	}
	if err := json.Unmarshal([]byte(stateJSON), &alert.State); err != nil {
		return nil, fmt.Errorf("failed to unmarshal alert state: %w", err)
	}
	return &alert, nil
}

func idOrNil[T ~int64](id *T) any {
	if id == nil {
		return nil
	}
	return int64(*id)
}
