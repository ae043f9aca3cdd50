package alerts

import (
	"fmt"
	"strings"

	"github.com/finsentry/finsentry/pkg/models"
)

// merchantNameEvaluator fires when the triggering transaction's merchant
// matches the alert's pattern. Realtime only: without a triggering
// transaction it never fires.
type merchantNameEvaluator struct{}

func (merchantNameEvaluator) Type() models.AlertType {
	return models.AlertTypeMerchantName
}

func (merchantNameEvaluator) Evaluate(alert *models.Alert, ec *models.EvaluationContext) (models.TriggerResult, error) {
	cond := alert.Conditions.MerchantName
	if cond == nil {
		return noFire(alert.ID), conditionsError(alert, "merchant_name conditions missing")
	}
	txn := ec.Transaction
	if txn == nil {
		return noFire(alert.ID), nil
	}

	merchant := strings.TrimSpace(txn.MerchantName)
	var matches bool
	switch cond.MatchType {
	case models.MatchTypeExact:
		matches = strings.EqualFold(merchant, cond.Pattern)
	case models.MatchTypeContains:
		matches = strings.Contains(strings.ToLower(merchant), strings.ToLower(cond.Pattern))
	default:
		return noFire(alert.ID), conditionsError(alert, fmt.Sprintf("match_type %q", cond.MatchType))
	}
	if !matches {
		return noFire(alert.ID), nil
	}

	return models.TriggerResult{
		AlertID: alert.ID,
		Fires:   true,
		Title:   fmt.Sprintf("Transaction at %s", merchant),
		Message: fmt.Sprintf("A transaction of %s was posted at %s.", fmtMoney(txn.Amount.Abs()), merchant),
		Metadata: map[string]any{
			"transaction_id": int64(txn.ID),
			"merchant":       merchant,
			"amount":         txn.Amount.StringFixed(2),
			"pattern":        cond.Pattern,
		},
	}, nil
}
