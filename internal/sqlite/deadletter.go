package sqlite

import (
	"context"
	"fmt"

	"github.com/finsentry/finsentry/pkg/models"
)

// InsertDeadLetter appends a permanently failed delivery to the dead letter
// table for operator inspection.
func (db *DB) InsertDeadLetter(ctx context.Context, dl *models.DeadLetter) error {
	res, err := db.writeDB.ExecContext(ctx, `INSERT INTO dead_letters (
    delivery_id, notification_id, channel, destination, reason, attempts, created_at
) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		dl.DeliveryID,
		dl.NotificationID,
		string(dl.Channel),
		dl.Destination,
		dl.Reason,
		dl.Attempts,
		dl.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert dead letter: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		dl.ID = id
	}
	return nil
}

// ListDeadLetters returns the most recent dead letters.
func (db *DB) ListDeadLetters(ctx context.Context, limit int) ([]*models.DeadLetter, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.readDB.QueryContext(ctx, `SELECT
    id, delivery_id, notification_id, channel, destination, reason, attempts, created_at
FROM dead_letters ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list dead letters: %w", err)
	}
	defer rows.Close()

	var letters []*models.DeadLetter
	for rows.Next() {
		var (
			dl      models.DeadLetter
			channel string
		)
		if err := rows.Scan(&dl.ID, &dl.DeliveryID, &dl.NotificationID, &channel, &dl.Destination, &dl.Reason, &dl.Attempts, &dl.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan dead letter: %w", err)
		}
		dl.Channel = models.DeliveryChannel(channel)
		letters = append(letters, &dl)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating dead letters: %w", err)
	}
	return letters, nil
}
