package alerts

import (
	"fmt"

	"github.com/finsentry/finsentry/pkg/models"
)

// spendingThresholds are the fixed budget-usage percentages a spending_target
// alert notifies on.
var spendingThresholds = []int{50, 80, 90, 100}

// spendingTargetEvaluator fires when budget usage reaches a threshold not yet
// sent this budget period. The thresholds-sent bookkeeping resets when the
// period (month) changes, which the evaluator accounts for by ignoring stale
// state from a previous period.
type spendingTargetEvaluator struct{}

func (spendingTargetEvaluator) Type() models.AlertType {
	return models.AlertTypeSpendingTarget
}

func (spendingTargetEvaluator) Evaluate(alert *models.Alert, ec *models.EvaluationContext) (models.TriggerResult, error) {
	if alert.Conditions.SpendingTarget == nil {
		return noFire(alert.ID), conditionsError(alert, "spending_target conditions missing")
	}
	if alert.BudgetID == nil {
		return noFire(alert.ID), conditionsError(alert, "budget reference missing")
	}
	budget, ok := ec.Budgets[*alert.BudgetID]
	if !ok {
		return noFire(alert.ID), fmt.Errorf("%w: budget %d", ErrMissingEntity, *alert.BudgetID)
	}

	var sent []int
	if alert.State.ThresholdPeriod == budget.Period {
		sent = alert.State.ThresholdsSent
	}
	percent := budget.SpentPercent()
	threshold, ok := highestReached(spendingThresholds, percent, sent)
	if !ok {
		return noFire(alert.ID), nil
	}

	title := fmt.Sprintf("Budget alert: %s at %d%%", budget.Category, threshold)
	message := fmt.Sprintf("You've spent %s of your %s %s budget (%d%% reached).",
		fmtMoney(budget.Spent), fmtMoney(budget.Amount), budget.Category, threshold)
	if threshold >= 100 {
		title = fmt.Sprintf("Budget exceeded: %s", budget.Category)
	}

	return models.TriggerResult{
		AlertID: alert.ID,
		Fires:   true,
		Title:   title,
		Message: message,
		Metadata: map[string]any{
			"budget_id": int64(budget.ID),
			"threshold": threshold,
			"percent":   percent.StringFixed(1),
			"spent":     budget.Spent.StringFixed(2),
			"amount":    budget.Amount.StringFixed(2),
			"period":    budget.Period,
		},
	}, nil
}
