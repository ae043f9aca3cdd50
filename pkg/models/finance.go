package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Account is the slice of the accounts table this engine reads.
type Account struct {
	ID      AccountID       `json:"id"`
	UserID  UserID          `json:"user_id"`
	Name    string          `json:"name"`
	Balance decimal.Decimal `json:"balance"`
}

// Transaction is a posted transaction. Amount is negative for debits.
type Transaction struct {
	ID           TransactionID   `json:"id"`
	UserID       UserID          `json:"user_id"`
	AccountID    AccountID       `json:"account_id"`
	MerchantName string          `json:"merchant_name"`
	Amount       decimal.Decimal `json:"amount"`
	PostedAt     time.Time       `json:"posted_at"`
}

// Goal is a savings goal tracked toward a target amount.
type Goal struct {
	ID            GoalID          `json:"id"`
	UserID        UserID          `json:"user_id"`
	Name          string          `json:"name"`
	TargetAmount  decimal.Decimal `json:"target_amount"`
	CurrentAmount decimal.Decimal `json:"current_amount"`
}

// ProgressPercent returns current/target as a percentage, zero when the
// target is not positive.
func (g *Goal) ProgressPercent() decimal.Decimal {
	if g.TargetAmount.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero
	}
	return g.CurrentAmount.Div(g.TargetAmount).Mul(decimal.NewFromInt(100))
}

// Budget is a monthly spending budget for a category. Spent covers the
// period named by Period (YYYY-MM).
type Budget struct {
	ID       BudgetID        `json:"id"`
	UserID   UserID          `json:"user_id"`
	Category string          `json:"category"`
	Amount   decimal.Decimal `json:"amount"`
	Spent    decimal.Decimal `json:"spent"`
	Period   string          `json:"period"`
}

// SpentPercent returns spent/amount as a percentage, zero when the budget
// amount is not positive.
func (b *Budget) SpentPercent() decimal.Decimal {
	if b.Amount.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero
	}
	return b.Spent.Div(b.Amount).Mul(decimal.NewFromInt(100))
}

// Bill is a recurring bill with its next occurrence.
type Bill struct {
	ID          BillID          `json:"id"`
	UserID      UserID          `json:"user_id"`
	Name        string          `json:"name"`
	Amount      decimal.Decimal `json:"amount"`
	NextDueDate time.Time       `json:"next_due_date"`
}

// DueDateKey renders the next due date in the canonical YYYY-MM-DD form used
// for dedup bookkeeping.
func (b *Bill) DueDateKey() string {
	return b.NextDueDate.Format("2006-01-02")
}

// PeriodKey renders t's month in the canonical YYYY-MM form used for budget
// period bookkeeping.
func PeriodKey(t time.Time) string {
	return t.Format("2006-01")
}
