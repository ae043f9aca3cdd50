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

// GetNotificationPreferences returns a user's delivery preferences, falling
// back to defaults when none have been saved.
func (db *DB) GetNotificationPreferences(ctx context.Context, userID models.UserID) (*models.NotificationPreferences, error) {
	var raw string
	err := db.readDB.QueryRowContext(ctx,
		"SELECT preferences_json FROM notification_preferences WHERE user_id = ?",
		int64(userID)).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return models.DefaultNotificationPreferences(userID), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get notification preferences for user %d: %w", userID, err)
	}

	prefs := models.DefaultNotificationPreferences(userID)
	if err := json.Unmarshal([]byte(raw), prefs); err != nil {
		return nil, fmt.Errorf("failed to unmarshal notification preferences for user %d: %w", userID, err)
	}
	prefs.UserID = userID
	return prefs, nil
}

// UpsertNotificationPreferences saves a user's delivery preferences.
func (db *DB) UpsertNotificationPreferences(ctx context.Context, prefs *models.NotificationPreferences) error {
	raw, err := json.Marshal(prefs)
	if err != nil {
		return fmt.Errorf("failed to marshal notification preferences: %w", err)
	}
	_, err = db.writeDB.ExecContext(ctx, `INSERT INTO notification_preferences (user_id, preferences_json, updated_at)
VALUES (?, ?, ?)
ON CONFLICT (user_id) DO UPDATE SET preferences_json = excluded.preferences_json, updated_at = excluded.updated_at`,
		int64(prefs.UserID), string(raw), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to upsert notification preferences for user %d: %w", prefs.UserID, err)
	}
	return nil
}
