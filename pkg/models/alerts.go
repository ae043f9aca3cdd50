package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// AlertType discriminates the alert variants supported by the engine.
type AlertType string

const (
	AlertTypeAccountThreshold AlertType = "account_threshold"
	AlertTypeGoal             AlertType = "goal"
	AlertTypeMerchantName     AlertType = "merchant_name"
	AlertTypeSpendingTarget   AlertType = "spending_target"
	AlertTypeTransactionLimit AlertType = "transaction_limit"
	AlertTypeUpcomingBill     AlertType = "upcoming_bill"
)

// BatchAlertTypes are the variants evaluated on the periodic sweep.
// Realtime variants (merchant_name, transaction_limit) are evaluated on
// transaction events instead, and upcoming_bill runs on its own daily sweep.
var BatchAlertTypes = []AlertType{
	AlertTypeAccountThreshold,
	AlertTypeGoal,
	AlertTypeSpendingTarget,
}

// RealtimeAlertTypes are the variants evaluated when a new transaction lands.
var RealtimeAlertTypes = []AlertType{
	AlertTypeMerchantName,
	AlertTypeTransactionLimit,
}

// ThresholdDirection selects which side of the threshold fires an
// account_threshold alert.
type ThresholdDirection string

const (
	DirectionBelow ThresholdDirection = "below"
	DirectionAbove ThresholdDirection = "above"
)

// MatchType controls merchant name matching.
type MatchType string

const (
	MatchTypeExact    MatchType = "exact"
	MatchTypeContains MatchType = "contains"
)

// AccountThresholdConditions configures an account_threshold alert.
type AccountThresholdConditions struct {
	Threshold decimal.Decimal    `json:"threshold"`
	Direction ThresholdDirection `json:"direction"`
}

// GoalConditions configures a goal milestone alert. Milestones themselves are
// fixed at {25, 50, 75, 100} percent.
type GoalConditions struct{}

// MerchantNameConditions configures a merchant_name alert.
type MerchantNameConditions struct {
	Pattern   string    `json:"pattern"`
	MatchType MatchType `json:"match_type"`
}

// SpendingTargetConditions configures a spending_target alert. Thresholds are
// fixed at {50, 80, 90, 100} percent of the budget amount.
type SpendingTargetConditions struct{}

// TransactionLimitConditions configures a transaction_limit alert. AccountID
// is optional; when nil every account qualifies.
type TransactionLimitConditions struct {
	Limit     decimal.Decimal `json:"limit"`
	AccountID *AccountID      `json:"account_id,omitempty"`
}

// UpcomingBillConditions configures an upcoming_bill alert.
type UpcomingBillConditions struct {
	DaysBefore int `json:"days_before"`
}

// AlertConditions is a tagged union: exactly the member matching the alert's
// type must be set.
type AlertConditions struct {
	AccountThreshold *AccountThresholdConditions `json:"account_threshold,omitempty"`
	Goal             *GoalConditions             `json:"goal,omitempty"`
	MerchantName     *MerchantNameConditions     `json:"merchant_name,omitempty"`
	SpendingTarget   *SpendingTargetConditions   `json:"spending_target,omitempty"`
	TransactionLimit *TransactionLimitConditions `json:"transaction_limit,omitempty"`
	UpcomingBill     *UpcomingBillConditions     `json:"upcoming_bill,omitempty"`
}

// Validate checks that the conditions shape matches the alert type.
func (c AlertConditions) Validate(alertType AlertType) error {
	switch alertType {
	case AlertTypeAccountThreshold:
		if c.AccountThreshold == nil {
			return fmt.Errorf("account_threshold conditions are required")
		}
		switch c.AccountThreshold.Direction {
		case DirectionBelow, DirectionAbove:
		default:
			return fmt.Errorf("invalid threshold direction %q", c.AccountThreshold.Direction)
		}
	case AlertTypeGoal:
		if c.Goal == nil {
			return fmt.Errorf("goal conditions are required")
		}
	case AlertTypeMerchantName:
		if c.MerchantName == nil {
			return fmt.Errorf("merchant_name conditions are required")
		}
		if c.MerchantName.Pattern == "" {
			return fmt.Errorf("merchant pattern is required")
		}
		switch c.MerchantName.MatchType {
		case MatchTypeExact, MatchTypeContains:
		default:
			return fmt.Errorf("invalid match_type %q", c.MerchantName.MatchType)
		}
	case AlertTypeSpendingTarget:
		if c.SpendingTarget == nil {
			return fmt.Errorf("spending_target conditions are required")
		}
	case AlertTypeTransactionLimit:
		if c.TransactionLimit == nil {
			return fmt.Errorf("transaction_limit conditions are required")
		}
		if c.TransactionLimit.Limit.LessThanOrEqual(decimal.Zero) {
			return fmt.Errorf("transaction limit must be positive")
		}
	case AlertTypeUpcomingBill:
		if c.UpcomingBill == nil {
			return fmt.Errorf("upcoming_bill conditions are required")
		}
		if c.UpcomingBill.DaysBefore < 0 {
			return fmt.Errorf("days_before must not be negative")
		}
	default:
		return fmt.Errorf("unknown alert type %q", alertType)
	}
	return nil
}

// AlertStateVersion is the current schema version of AlertState. Bump when
// the shape changes so old persisted blobs can be migrated on read.
const AlertStateVersion = 1

// AlertState is the per-alert "already notified" bookkeeping that must survive
// restarts. It is mutated only inside the same transaction that creates the
// notification.
type AlertState struct {
	Version int `json:"version"`
	// LastDirection records which side of the threshold last fired, so the
	// cooldown only suppresses repeats in the same direction.
	LastDirection ThresholdDirection `json:"last_direction,omitempty"`
	// MilestonesNotified holds goal milestones (percent) already sent.
	MilestonesNotified []int `json:"milestones_notified,omitempty"`
	// ThresholdsSent holds spending thresholds (percent) sent for
	// ThresholdPeriod. The list resets when the budget period changes.
	ThresholdsSent  []int  `json:"thresholds_sent,omitempty"`
	ThresholdPeriod string `json:"threshold_period,omitempty"` // YYYY-MM
	// LastDueDateNotified is the bill due date (YYYY-MM-DD) last notified.
	LastDueDateNotified string `json:"last_due_date_notified,omitempty"`
}

// Alert is a user-owned rule watched by the evaluation engine. The engine
// treats it as read-only except for LastTriggeredAt and State.
type Alert struct {
	ID     AlertID   `json:"id"`
	UserID UserID    `json:"user_id"`
	Type   AlertType `json:"type"`
	Name   string    `json:"name"`

	// Polymorphic source reference; at most one is set, depending on Type.
	AccountID *AccountID `json:"account_id,omitempty"`
	GoalID    *GoalID    `json:"goal_id,omitempty"`
	BudgetID  *BudgetID  `json:"budget_id,omitempty"`
	BillID    *BillID    `json:"bill_id,omitempty"`

	Conditions   AlertConditions `json:"conditions"`
	EmailEnabled bool            `json:"email_enabled"`
	SMSEnabled   bool            `json:"sms_enabled"`
	IsActive     bool            `json:"is_active"`

	LastTriggeredAt *time.Time `json:"last_triggered_at,omitempty"`
	State           AlertState `json:"state"`
	// StateVersion guards State against concurrent evaluation of the same
	// alert (optimistic concurrency, checked on commit).
	StateVersion int64 `json:"state_version"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TriggerMode describes what initiated an evaluation run.
type TriggerMode string

const (
	TriggerModeScheduled TriggerMode = "scheduled"
	TriggerModeRealtime  TriggerMode = "realtime"
	TriggerModeManual    TriggerMode = "manual"
)

// EvaluationContext carries everything an evaluator needs so it never has to
// fetch data itself. It lives for a single evaluation run.
type EvaluationContext struct {
	UserID UserID
	Mode   TriggerMode
	// Transaction is set for realtime runs triggered by a new transaction.
	Transaction *Transaction
	Accounts    map[AccountID]*Account
	Goals       map[GoalID]*Goal
	Budgets     map[BudgetID]*Budget
	Bills       map[BillID]*Bill
	Now         time.Time
}

// TriggerResult is the outcome of evaluating a single alert.
type TriggerResult struct {
	AlertID AlertID
	Fires   bool
	Title   string
	Message string
	// Metadata holds the values substituted into the title/message. It is
	// snapshotted onto the notification and hashed for dedup fingerprinting.
	Metadata map[string]any
}
