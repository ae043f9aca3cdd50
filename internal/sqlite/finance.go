package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/finsentry/finsentry/pkg/models"
)

// The financial entities are owned by an external CRUD collaborator; the
// engine only batch-reads the slices it needs for evaluation.

// AccountsByIDs batch-fetches accounts keyed by id.
func (db *DB) AccountsByIDs(ctx context.Context, ids []models.AccountID) (map[models.AccountID]*models.Account, error) {
	result := make(map[models.AccountID]*models.Account, len(ids))
	if len(ids) == 0 {
		return result, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = int64(id)
	}
	rows, err := db.readDB.QueryContext(ctx,
		"SELECT id, user_id, name, balance FROM accounts WHERE id IN ("+placeholders(len(ids))+")", args...)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch accounts: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			a       models.Account
			id      int64
			userID  int64
			balance string
		)
		if err := rows.Scan(&id, &userID, &a.Name, &balance); err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		a.ID = models.AccountID(id)
		a.UserID = models.UserID(userID)
		if a.Balance, err = parseDecimal(balance); err != nil {
			return nil, err
		}
		result[a.ID] = &a
	}
	return result, rows.Err()
}

// GoalsByIDs batch-fetches goals keyed by id.
func (db *DB) GoalsByIDs(ctx context.Context, ids []models.GoalID) (map[models.GoalID]*models.Goal, error) {
	result := make(map[models.GoalID]*models.Goal, len(ids))
	if len(ids) == 0 {
		return result, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = int64(id)
	}
	rows, err := db.readDB.QueryContext(ctx,
		"SELECT id, user_id, name, target_amount, current_amount FROM goals WHERE id IN ("+placeholders(len(ids))+")", args...)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch goals: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			g               models.Goal
			id              int64
			userID          int64
			target, current string
		)
		if err := rows.Scan(&id, &userID, &g.Name, &target, &current); err != nil {
			return nil, fmt.Errorf("failed to scan goal: %w", err)
		}
		g.ID = models.GoalID(id)
		g.UserID = models.UserID(userID)
		if g.TargetAmount, err = parseDecimal(target); err != nil {
			return nil, err
		}
		if g.CurrentAmount, err = parseDecimal(current); err != nil {
			return nil, err
		}
		result[g.ID] = &g
	}
	return result, rows.Err()
}

// BudgetsByIDs batch-fetches budgets keyed by id.
func (db *DB) BudgetsByIDs(ctx context.Context, ids []models.BudgetID) (map[models.BudgetID]*models.Budget, error) {
	result := make(map[models.BudgetID]*models.Budget, len(ids))
	if len(ids) == 0 {
		return result, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = int64(id)
	}
	rows, err := db.readDB.QueryContext(ctx,
		"SELECT id, user_id, category, amount, spent, period FROM budgets WHERE id IN ("+placeholders(len(ids))+")", args...)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch budgets: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			b             models.Budget
			id            int64
			userID        int64
			amount, spent string
		)
		if err := rows.Scan(&id, &userID, &b.Category, &amount, &spent, &b.Period); err != nil {
			return nil, fmt.Errorf("failed to scan budget: %w", err)
		}
		b.ID = models.BudgetID(id)
		b.UserID = models.UserID(userID)
		if b.Amount, err = parseDecimal(amount); err != nil {
			return nil, err
		}
		if b.Spent, err = parseDecimal(spent); err != nil {
			return nil, err
		}
		result[b.ID] = &b
	}
	return result, rows.Err()
}

// BillsByIDs batch-fetches bills keyed by id.
func (db *DB) BillsByIDs(ctx context.Context, ids []models.BillID) (map[models.BillID]*models.Bill, error) {
	result := make(map[models.BillID]*models.Bill, len(ids))
	if len(ids) == 0 {
		return result, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = int64(id)
	}
	rows, err := db.readDB.QueryContext(ctx,
		"SELECT id, user_id, name, amount, next_due_date FROM bills WHERE id IN ("+placeholders(len(ids))+")", args...)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch bills: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			b       models.Bill
			id      int64
			userID  int64
			amount  string
			dueDate string
		)
		if err := rows.Scan(&id, &userID, &b.Name, &amount, &dueDate); err != nil {
			return nil, fmt.Errorf("failed to scan bill: %w", err)
		}
		b.ID = models.BillID(id)
		b.UserID = models.UserID(userID)
		if b.Amount, err = parseDecimal(amount); err != nil {
			return nil, err
		}
		if b.NextDueDate, err = time.Parse("2006-01-02", dueDate); err != nil {
			return nil, fmt.Errorf("invalid bill due date %q: %w", dueDate, err)
		}
		result[b.ID] = &b
	}
	return result, rows.Err()
}

// GetTransaction fetches a single transaction, used as the triggering entity
// for realtime evaluation.
func (db *DB) GetTransaction(ctx context.Context, id models.TransactionID) (*models.Transaction, error) {
	var (
		t         models.Transaction
		txID      int64
		userID    int64
		accountID int64
		amount    string
	)
	err := db.readDB.QueryRowContext(ctx,
		"SELECT id, user_id, account_id, merchant_name, amount, posted_at FROM transactions WHERE id = ?",
		int64(id)).Scan(&txID, &userID, &accountID, &t.MerchantName, &amount, &t.PostedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch transaction %d: %w", id, err)
	}
	t.ID = models.TransactionID(txID)
	t.UserID = models.UserID(userID)
	t.AccountID = models.AccountID(accountID)
	if t.Amount, err = parseDecimal(amount); err != nil {
		return nil, err
	}
	return &t, nil
}
