package models

// Typed identifiers keep the various integer IDs from being mixed up at call
// sites. All of them map to INTEGER PRIMARY KEY columns in SQLite.
type (
	UserID        int64
	AlertID       int64
	AccountID     int64
	TransactionID int64
	BudgetID      int64
	GoalID        int64
	BillID        int64
)
