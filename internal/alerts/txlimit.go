package alerts

import (
	"fmt"

	"github.com/finsentry/finsentry/pkg/models"
)

// transactionLimitEvaluator fires whenever the triggering transaction's
// absolute amount reaches the configured limit. Security-relevant: every
// qualifying transaction fires, with no dedup suppression downstream.
type transactionLimitEvaluator struct{}

func (transactionLimitEvaluator) Type() models.AlertType {
	return models.AlertTypeTransactionLimit
}

func (transactionLimitEvaluator) Evaluate(alert *models.Alert, ec *models.EvaluationContext) (models.TriggerResult, error) {
	cond := alert.Conditions.TransactionLimit
	if cond == nil {
		return noFire(alert.ID), conditionsError(alert, "transaction_limit conditions missing")
	}
	txn := ec.Transaction
	if txn == nil {
		return noFire(alert.ID), nil
	}
	if cond.AccountID != nil && *cond.AccountID != txn.AccountID {
		return noFire(alert.ID), nil
	}
	if txn.Amount.Abs().LessThan(cond.Limit) {
		return noFire(alert.ID), nil
	}

	merchant := txn.MerchantName
	if merchant == "" {
		merchant = "an unknown merchant"
	}
	return models.TriggerResult{
		AlertID: alert.ID,
		Fires:   true,
		Title:   fmt.Sprintf("Large transaction: %s", fmtMoney(txn.Amount.Abs())),
		Message: fmt.Sprintf("A transaction of %s at %s met or exceeded your %s limit.",
			fmtMoney(txn.Amount.Abs()), merchant, fmtMoney(cond.Limit)),
		Metadata: map[string]any{
			"transaction_id": int64(txn.ID),
			"account_id":     int64(txn.AccountID),
			"amount":         txn.Amount.StringFixed(2),
			"limit":          cond.Limit.StringFixed(2),
		},
	}, nil
}
