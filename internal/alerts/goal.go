package alerts

import (
	"fmt"

	"github.com/finsentry/finsentry/pkg/models"
)

// goalMilestones are the fixed progress percentages a goal alert notifies on.
var goalMilestones = []int{25, 50, 75, 100}

// goalEvaluator fires when goal progress reaches a milestone that has not
// been notified yet. Only one milestone fires per run: the highest one the
// progress has reached.
type goalEvaluator struct{}

func (goalEvaluator) Type() models.AlertType {
	return models.AlertTypeGoal
}

func (goalEvaluator) Evaluate(alert *models.Alert, ec *models.EvaluationContext) (models.TriggerResult, error) {
	if alert.Conditions.Goal == nil {
		return noFire(alert.ID), conditionsError(alert, "goal conditions missing")
	}
	if alert.GoalID == nil {
		return noFire(alert.ID), conditionsError(alert, "goal reference missing")
	}
	goal, ok := ec.Goals[*alert.GoalID]
	if !ok {
		return noFire(alert.ID), fmt.Errorf("%w: goal %d", ErrMissingEntity, *alert.GoalID)
	}

	progress := goal.ProgressPercent()
	milestone, ok := highestReached(goalMilestones, progress, alert.State.MilestonesNotified)
	if !ok {
		return noFire(alert.ID), nil
	}

	title := fmt.Sprintf("Goal milestone: %s at %d%%", goal.Name, milestone)
	message := fmt.Sprintf("You've reached %d%% of your %s goal: %s of %s saved.",
		milestone, goal.Name, fmtMoney(goal.CurrentAmount), fmtMoney(goal.TargetAmount))
	if milestone == 100 {
		title = fmt.Sprintf("Goal reached: %s", goal.Name)
		message = fmt.Sprintf("Congratulations! You've fully funded your %s goal of %s.",
			goal.Name, fmtMoney(goal.TargetAmount))
	}

	return models.TriggerResult{
		AlertID: alert.ID,
		Fires:   true,
		Title:   title,
		Message: message,
		Metadata: map[string]any{
			"goal_id":   int64(goal.ID),
			"milestone": milestone,
			"progress":  progress.StringFixed(1),
			"current":   goal.CurrentAmount.StringFixed(2),
			"target":    goal.TargetAmount.StringFixed(2),
		},
	}, nil
}
