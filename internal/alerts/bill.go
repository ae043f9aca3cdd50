package alerts

import (
	"fmt"
	"time"

	"github.com/finsentry/finsentry/pkg/models"
)

// upcomingBillEvaluator fires when a bill's next occurrence falls inside the
// configured lead window and that due date has not been notified yet.
type upcomingBillEvaluator struct{}

func (upcomingBillEvaluator) Type() models.AlertType {
	return models.AlertTypeUpcomingBill
}

func (upcomingBillEvaluator) Evaluate(alert *models.Alert, ec *models.EvaluationContext) (models.TriggerResult, error) {
	cond := alert.Conditions.UpcomingBill
	if cond == nil {
		return noFire(alert.ID), conditionsError(alert, "upcoming_bill conditions missing")
	}
	if alert.BillID == nil {
		return noFire(alert.ID), conditionsError(alert, "bill reference missing")
	}
	bill, ok := ec.Bills[*alert.BillID]
	if !ok {
		return noFire(alert.ID), fmt.Errorf("%w: bill %d", ErrMissingEntity, *alert.BillID)
	}

	days := daysUntil(ec.Now, bill.NextDueDate)
	if days < 0 || days > cond.DaysBefore {
		return noFire(alert.ID), nil
	}
	dueKey := bill.DueDateKey()
	if alert.State.LastDueDateNotified == dueKey {
		return noFire(alert.ID), nil
	}

	var when string
	switch days {
	case 0:
		when = "today"
	case 1:
		when = "tomorrow"
	default:
		when = fmt.Sprintf("in %d days", days)
	}

	return models.TriggerResult{
		AlertID: alert.ID,
		Fires:   true,
		Title:   fmt.Sprintf("Bill due %s: %s", when, bill.Name),
		Message: fmt.Sprintf("Your %s bill of %s is due %s (%s).",
			bill.Name, fmtMoney(bill.Amount), when, dueKey),
		Metadata: map[string]any{
			"bill_id":        int64(bill.ID),
			"due_date":       dueKey,
			"days_until_due": days,
			"amount":         bill.Amount.StringFixed(2),
		},
	}, nil
}

// daysUntil counts whole calendar days from now's date to due's date.
func daysUntil(now, due time.Time) int {
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	dueDay := time.Date(due.Year(), due.Month(), due.Day(), 0, 0, 0, 0, time.UTC)
	return int(dueDay.Sub(today).Hours() / 24)
}
