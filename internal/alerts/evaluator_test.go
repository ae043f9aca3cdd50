package alerts

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/finsentry/finsentry/pkg/models"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func ptr[T any](v T) *T { return &v }

func thresholdAlert(direction models.ThresholdDirection, threshold string) *models.Alert {
	return &models.Alert{
		ID:        1,
		UserID:    10,
		Type:      models.AlertTypeAccountThreshold,
		AccountID: ptr(models.AccountID(100)),
		Conditions: models.AlertConditions{
			AccountThreshold: &models.AccountThresholdConditions{
				Threshold: dec(threshold),
				Direction: direction,
			},
		},
		IsActive: true,
	}
}

func contextWithBalance(balance string) *models.EvaluationContext {
	return &models.EvaluationContext{
		UserID: 10,
		Mode:   models.TriggerModeScheduled,
		Accounts: map[models.AccountID]*models.Account{
			100: {ID: 100, UserID: 10, Name: "Checking", Balance: dec(balance)},
		},
		Now: time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC),
	}
}

func TestAccountThresholdEvaluator(t *testing.T) {
	tests := []struct {
		name      string
		direction models.ThresholdDirection
		threshold string
		balance   string
		fires     bool
	}{
		{"below fires when under", models.DirectionBelow, "100.00", "95.00", true},
		{"below does not fire at boundary", models.DirectionBelow, "100.00", "100.00", false},
		{"below does not fire when over", models.DirectionBelow, "100.00", "105.00", false},
		{"above fires when over", models.DirectionAbove, "100.00", "105.00", true},
		{"above does not fire at boundary", models.DirectionAbove, "100.00", "100.00", false},
		{"above does not fire when under", models.DirectionAbove, "100.00", "95.00", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			alert := thresholdAlert(tt.direction, tt.threshold)
			result, err := accountThresholdEvaluator{}.Evaluate(alert, contextWithBalance(tt.balance))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if result.Fires != tt.fires {
				t.Errorf("fires = %v, want %v", result.Fires, tt.fires)
			}
		})
	}
}

func TestAccountThresholdMissingAccount(t *testing.T) {
	alert := thresholdAlert(models.DirectionBelow, "100.00")
	ec := &models.EvaluationContext{Accounts: map[models.AccountID]*models.Account{}}

	_, err := accountThresholdEvaluator{}.Evaluate(alert, ec)
	if !errors.Is(err, ErrMissingEntity) {
		t.Fatalf("expected ErrMissingEntity, got %v", err)
	}
}

func goalAlert(notified []int) *models.Alert {
	return &models.Alert{
		ID:         2,
		UserID:     10,
		Type:       models.AlertTypeGoal,
		GoalID:     ptr(models.GoalID(200)),
		Conditions: models.AlertConditions{Goal: &models.GoalConditions{}},
		State:      models.AlertState{Version: models.AlertStateVersion, MilestonesNotified: notified},
	}
}

func contextWithGoal(current, target string) *models.EvaluationContext {
	return &models.EvaluationContext{
		Goals: map[models.GoalID]*models.Goal{
			200: {ID: 200, Name: "Vacation", CurrentAmount: dec(current), TargetAmount: dec(target)},
		},
	}
}

func TestGoalEvaluator(t *testing.T) {
	tests := []struct {
		name      string
		current   string
		notified  []int
		fires     bool
		milestone int
	}{
		{"below first milestone", "200.00", nil, false, 0},
		{"reaches 25", "250.00", nil, true, 25},
		{"exact boundary fires", "500.00", []int{25}, true, 50},
		{"jump fires only highest", "600.00", nil, true, 50},
		{"already notified does not refire", "600.00", []int{50}, false, 0},
		{"no lower milestone after higher", "300.00", []int{50}, false, 0},
		{"completion", "1000.00", []int{25, 50, 75}, true, 100},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			alert := goalAlert(tt.notified)
			result, err := goalEvaluator{}.Evaluate(alert, contextWithGoal(tt.current, "1000.00"))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if result.Fires != tt.fires {
				t.Fatalf("fires = %v, want %v", result.Fires, tt.fires)
			}
			if tt.fires {
				if got := result.Metadata["milestone"].(int); got != tt.milestone {
					t.Errorf("milestone = %d, want %d", got, tt.milestone)
				}
			}
		})
	}
}

func merchantAlert(pattern string, matchType models.MatchType) *models.Alert {
	return &models.Alert{
		ID:     3,
		UserID: 10,
		Type:   models.AlertTypeMerchantName,
		Conditions: models.AlertConditions{
			MerchantName: &models.MerchantNameConditions{Pattern: pattern, MatchType: matchType},
		},
	}
}

func TestMerchantNameEvaluator(t *testing.T) {
	tests := []struct {
		name      string
		pattern   string
		matchType models.MatchType
		merchant  string
		fires     bool
	}{
		{"exact match case insensitive", "Amazon", models.MatchTypeExact, "amazon", true},
		{"exact mismatch", "Amazon", models.MatchTypeExact, "Amazon Fresh", false},
		{"contains match", "amazon", models.MatchTypeContains, "AMAZON MKTPLACE", true},
		{"contains mismatch", "amazon", models.MatchTypeContains, "Target", false},
		{"whitespace trimmed before matching", "Amazon", models.MatchTypeExact, "  Amazon  ", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ec := &models.EvaluationContext{
				Mode: models.TriggerModeRealtime,
				Transaction: &models.Transaction{
					ID: 500, UserID: 10, AccountID: 100,
					MerchantName: tt.merchant, Amount: dec("-42.00"),
				},
			}
			result, err := merchantNameEvaluator{}.Evaluate(merchantAlert(tt.pattern, tt.matchType), ec)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if result.Fires != tt.fires {
				t.Errorf("fires = %v, want %v", result.Fires, tt.fires)
			}
		})
	}
}

func TestMerchantNameNoTransaction(t *testing.T) {
	result, err := merchantNameEvaluator{}.Evaluate(merchantAlert("Amazon", models.MatchTypeExact), &models.EvaluationContext{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Fires {
		t.Error("merchant alert fired without a triggering transaction")
	}
}

func spendingAlert(state models.AlertState) *models.Alert {
	return &models.Alert{
		ID:         4,
		UserID:     10,
		Type:       models.AlertTypeSpendingTarget,
		BudgetID:   ptr(models.BudgetID(300)),
		Conditions: models.AlertConditions{SpendingTarget: &models.SpendingTargetConditions{}},
		State:      state,
	}
}

func contextWithBudget(spent, amount, period string) *models.EvaluationContext {
	return &models.EvaluationContext{
		Budgets: map[models.BudgetID]*models.Budget{
			300: {ID: 300, Category: "Dining", Amount: dec(amount), Spent: dec(spent), Period: period},
		},
	}
}

func TestSpendingTargetEvaluator(t *testing.T) {
	tests := []struct {
		name      string
		spent     string
		state     models.AlertState
		fires     bool
		threshold int
	}{
		{"below all thresholds", "200.00", models.AlertState{}, false, 0},
		{"reaches 50", "500.00", models.AlertState{}, true, 50},
		{"jump fires only highest", "950.00", models.AlertState{}, true, 90},
		{
			"sent threshold does not refire",
			"850.00",
			models.AlertState{ThresholdPeriod: "2026-08", ThresholdsSent: []int{50, 80}},
			false, 0,
		},
		{
			"stale period state is ignored",
			"600.00",
			models.AlertState{ThresholdPeriod: "2026-07", ThresholdsSent: []int{50, 80, 90, 100}},
			true, 50,
		},
		{"overspend reaches 100", "1200.00", models.AlertState{}, true, 100},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			alert := spendingAlert(tt.state)
			result, err := spendingTargetEvaluator{}.Evaluate(alert, contextWithBudget(tt.spent, "1000.00", "2026-08"))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if result.Fires != tt.fires {
				t.Fatalf("fires = %v, want %v", result.Fires, tt.fires)
			}
			if tt.fires {
				if got := result.Metadata["threshold"].(int); got != tt.threshold {
					t.Errorf("threshold = %d, want %d", got, tt.threshold)
				}
			}
		})
	}
}

func limitAlert(limit string, accountID *models.AccountID) *models.Alert {
	return &models.Alert{
		ID:     5,
		UserID: 10,
		Type:   models.AlertTypeTransactionLimit,
		Conditions: models.AlertConditions{
			TransactionLimit: &models.TransactionLimitConditions{Limit: dec(limit), AccountID: accountID},
		},
	}
}

func TestTransactionLimitEvaluator(t *testing.T) {
	tests := []struct {
		name      string
		amount    string
		limit     string
		accountID *models.AccountID
		fires     bool
	}{
		{"debit at limit fires", "-500.00", "500.00", nil, true},
		{"debit over limit fires", "-750.00", "500.00", nil, true},
		{"debit under limit does not fire", "-499.99", "500.00", nil, false},
		{"credit over limit fires on absolute value", "750.00", "500.00", nil, true},
		{"matching account filter fires", "-750.00", "500.00", ptr(models.AccountID(100)), true},
		{"other account filtered out", "-750.00", "500.00", ptr(models.AccountID(999)), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ec := &models.EvaluationContext{
				Transaction: &models.Transaction{
					ID: 600, UserID: 10, AccountID: 100,
					MerchantName: "Best Buy", Amount: dec(tt.amount),
				},
			}
			result, err := transactionLimitEvaluator{}.Evaluate(limitAlert(tt.limit, tt.accountID), ec)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if result.Fires != tt.fires {
				t.Errorf("fires = %v, want %v", result.Fires, tt.fires)
			}
		})
	}
}

func billAlert(daysBefore int, lastNotified string) *models.Alert {
	return &models.Alert{
		ID:         6,
		UserID:     10,
		Type:       models.AlertTypeUpcomingBill,
		BillID:     ptr(models.BillID(400)),
		Conditions: models.AlertConditions{UpcomingBill: &models.UpcomingBillConditions{DaysBefore: daysBefore}},
		State:      models.AlertState{LastDueDateNotified: lastNotified},
	}
}

func TestUpcomingBillEvaluator(t *testing.T) {
	now := time.Date(2026, 8, 30, 9, 0, 0, 0, time.UTC)
	tests := []struct {
		name         string
		dueDate      time.Time
		daysBefore   int
		lastNotified string
		fires        bool
	}{
		{"due inside window", now.AddDate(0, 0, 2), 3, "", true},
		{"due today", now, 3, "", true},
		{"due at window edge", now.AddDate(0, 0, 3), 3, "", true},
		{"due beyond window", now.AddDate(0, 0, 4), 3, "", false},
		{"already past due", now.AddDate(0, 0, -1), 3, "", false},
		{"due date already notified", now.AddDate(0, 0, 2), 3, "2026-09-01", false},
		{"different due date notifies again", now.AddDate(0, 0, 2), 3, "2026-08-01", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ec := &models.EvaluationContext{
				Bills: map[models.BillID]*models.Bill{
					400: {ID: 400, Name: "Rent", Amount: dec("1500.00"), NextDueDate: tt.dueDate},
				},
				Now: now,
			}
			result, err := upcomingBillEvaluator{}.Evaluate(billAlert(tt.daysBefore, tt.lastNotified), ec)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if result.Fires != tt.fires {
				t.Errorf("fires = %v, want %v", result.Fires, tt.fires)
			}
		})
	}
}

func TestHighestReached(t *testing.T) {
	tests := []struct {
		name     string
		progress string
		already  []int
		want     int
		ok       bool
	}{
		{"none reached", "10", nil, 0, false},
		{"first step", "25", nil, 25, true},
		{"skips to highest", "60", nil, 50, true},
		{"already covers reached", "60", []int{50}, 0, false},
		{"higher already blocks lower", "30", []int{50}, 0, false},
		{"all reached", "120", nil, 100, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := highestReached([]int{25, 50, 75, 100}, dec(tt.progress), tt.already)
			if got != tt.want || ok != tt.ok {
				t.Errorf("highestReached = (%d, %v), want (%d, %v)", got, ok, tt.want, tt.ok)
			}
		})
	}
}
