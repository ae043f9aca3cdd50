package alerts

import (
	"fmt"

	"github.com/finsentry/finsentry/pkg/models"
)

// accountThresholdEvaluator fires when an account balance crosses the
// configured threshold. Boundary equality never fires.
type accountThresholdEvaluator struct{}

func (accountThresholdEvaluator) Type() models.AlertType {
	return models.AlertTypeAccountThreshold
}

func (accountThresholdEvaluator) Evaluate(alert *models.Alert, ec *models.EvaluationContext) (models.TriggerResult, error) {
	cond := alert.Conditions.AccountThreshold
	if cond == nil {
		return noFire(alert.ID), conditionsError(alert, "account_threshold conditions missing")
	}
	if alert.AccountID == nil {
		return noFire(alert.ID), conditionsError(alert, "account reference missing")
	}
	account, ok := ec.Accounts[*alert.AccountID]
	if !ok {
		return noFire(alert.ID), fmt.Errorf("%w: account %d", ErrMissingEntity, *alert.AccountID)
	}

	var fires bool
	switch cond.Direction {
	case models.DirectionBelow:
		fires = account.Balance.LessThan(cond.Threshold)
	case models.DirectionAbove:
		fires = account.Balance.GreaterThan(cond.Threshold)
	default:
		return noFire(alert.ID), conditionsError(alert, fmt.Sprintf("direction %q", cond.Direction))
	}
	if !fires {
		return noFire(alert.ID), nil
	}

	var title, message string
	if cond.Direction == models.DirectionBelow {
		title = fmt.Sprintf("Low balance: %s", account.Name)
		message = fmt.Sprintf("Your %s balance of %s is below your %s threshold.",
			account.Name, fmtMoney(account.Balance), fmtMoney(cond.Threshold))
	} else {
		title = fmt.Sprintf("High balance: %s", account.Name)
		message = fmt.Sprintf("Your %s balance of %s is above your %s threshold.",
			account.Name, fmtMoney(account.Balance), fmtMoney(cond.Threshold))
	}

	return models.TriggerResult{
		AlertID: alert.ID,
		Fires:   true,
		Title:   title,
		Message: message,
		Metadata: map[string]any{
			"account_id": int64(account.ID),
			"balance":    account.Balance.StringFixed(2),
			"threshold":  cond.Threshold.StringFixed(2),
			"direction":  string(cond.Direction),
		},
	}, nil
}
