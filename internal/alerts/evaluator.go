// Package alerts implements condition evaluation for user-defined financial
// alerts: six evaluator variants, deduplication, and the orchestrator that
// drives batched and realtime evaluation runs.
package alerts

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/finsentry/finsentry/pkg/models"
)

var (
	// ErrMissingEntity indicates the entity an alert references was not in
	// the evaluation context. Treated as non-fire with a warning, not a
	// failure.
	ErrMissingEntity = errors.New("referenced entity missing from context")
	// ErrInvalidConditions indicates the alert's conditions do not match its
	// type. The alert is skipped until corrected externally.
	ErrInvalidConditions = errors.New("invalid alert conditions")
	// ErrUnknownAlertType indicates no evaluator is registered for the
	// alert's type.
	ErrUnknownAlertType = errors.New("unknown alert type")
)

// Evaluator answers whether a single alert's condition has become true given
// current context data. Implementations are pure: no I/O, no mutation.
type Evaluator interface {
	Type() models.AlertType
	Evaluate(alert *models.Alert, ec *models.EvaluationContext) (models.TriggerResult, error)
}

// builtinEvaluators returns the registry of the six supported variants.
func builtinEvaluators() map[models.AlertType]Evaluator {
	registry := make(map[models.AlertType]Evaluator)
	for _, e := range []Evaluator{
		accountThresholdEvaluator{},
		goalEvaluator{},
		merchantNameEvaluator{},
		spendingTargetEvaluator{},
		transactionLimitEvaluator{},
		upcomingBillEvaluator{},
	} {
		registry[e.Type()] = e
	}
	return registry
}

func noFire(alertID models.AlertID) models.TriggerResult {
	return models.TriggerResult{AlertID: alertID, Fires: false}
}

// fmtMoney renders a decimal amount as a currency string, e.g. "$95.00" or
// "-$12.50".
func fmtMoney(d decimal.Decimal) string {
	if d.IsNegative() {
		return "-$" + d.Neg().StringFixed(2)
	}
	return "$" + d.StringFixed(2)
}

// highestReached returns the largest value in steps that progress has reached
// and that exceeds every value in already. Returns 0, false when none
// qualifies. Firing only the highest step keeps milestones monotonic: a jump
// from 10% to 60% notifies 50 once, never 25 afterwards.
func highestReached(steps []int, progress decimal.Decimal, already []int) (int, bool) {
	maxNotified := 0
	for _, v := range already {
		if v > maxNotified {
			maxNotified = v
		}
	}
	best := 0
	for _, step := range steps {
		if step <= maxNotified {
			continue
		}
		if progress.GreaterThanOrEqual(decimal.NewFromInt(int64(step))) && step > best {
			best = step
		}
	}
	return best, best > 0
}

func conditionsError(alert *models.Alert, detail string) error {
	return fmt.Errorf("%w: alert %d (%s): %s", ErrInvalidConditions, alert.ID, alert.Type, detail)
}
