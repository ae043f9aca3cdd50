package alerts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/google/uuid"

	"github.com/finsentry/finsentry/internal/config"
	"github.com/finsentry/finsentry/pkg/models"
)

var (
	evaluationsTotal   = metrics.NewCounter("finsentry_alert_evaluations_total")
	evaluationFailures = metrics.NewCounter("finsentry_alert_evaluation_failures_total")
	triggersTotal      = metrics.NewCounter("finsentry_alert_triggers_total")
	suppressedTotal    = metrics.NewCounter("finsentry_alert_suppressed_total")
	notificationsTotal = metrics.NewCounter("finsentry_notifications_created_total")
)

// Store is the persistence surface the orchestrator depends on. *sqlite.DB
// implements it.
type Store interface {
	DedupeStore
	ListActiveAlerts(ctx context.Context, userID models.UserID) ([]*models.Alert, error)
	ListActiveAlertsByTypes(ctx context.Context, userID models.UserID, types []models.AlertType) ([]*models.Alert, error)
	ListUserIDsWithActiveAlerts(ctx context.Context, types []models.AlertType, afterUser models.UserID, limit int) ([]models.UserID, error)
	AccountsByIDs(ctx context.Context, ids []models.AccountID) (map[models.AccountID]*models.Account, error)
	GoalsByIDs(ctx context.Context, ids []models.GoalID) (map[models.GoalID]*models.Goal, error)
	BudgetsByIDs(ctx context.Context, ids []models.BudgetID) (map[models.BudgetID]*models.Budget, error)
	BillsByIDs(ctx context.Context, ids []models.BillID) (map[models.BillID]*models.Bill, error)
	GetNotificationPreferences(ctx context.Context, userID models.UserID) (*models.NotificationPreferences, error)
	CommitTrigger(ctx context.Context, alert *models.Alert, notification *models.Notification, deliveries []*models.Delivery) error
}

// Dispatcher fans a committed notification out to its delivery channels.
type Dispatcher interface {
	Dispatch(ctx context.Context, notification *models.Notification, deliveries []*models.Delivery, prefs *models.NotificationPreferences)
}

// Options encapsulates the dependencies required to run the evaluation
// orchestrator.
type Options struct {
	Config     config.AlertsConfig
	Store      Store
	Logger     *slog.Logger
	Dispatcher Dispatcher
	// Evaluators overrides the builtin registry; tests use this to inject
	// failing variants.
	Evaluators map[models.AlertType]Evaluator
	// Now overrides the clock.
	Now func() time.Time
	// IsStateConflict reports whether a CommitTrigger error is a lost
	// optimistic concurrency race (benign). Defaults to never.
	IsStateConflict func(error) bool
}

// Manager orchestrates alert evaluation: it fetches active alerts, batch
// loads context data, fans evaluation out with bounded parallelism, applies
// deduplication, and commits surviving triggers atomically.
type Manager struct {
	cfg             config.AlertsConfig
	store           Store
	log             *slog.Logger
	dispatcher      Dispatcher
	evaluators      map[models.AlertType]Evaluator
	deduper         *Deduper
	now             func() time.Time
	isStateConflict func(error) bool
}

// NewManager constructs the evaluation orchestrator.
func NewManager(opts Options) *Manager {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	evaluators := opts.Evaluators
	if evaluators == nil {
		evaluators = builtinEvaluators()
	}
	isConflict := opts.IsStateConflict
	if isConflict == nil {
		isConflict = func(error) bool { return false }
	}
	return &Manager{
		cfg:        opts.Config,
		store:      opts.Store,
		log:        log.With("component", "alert_manager"),
		dispatcher: opts.Dispatcher,
		evaluators: evaluators,
		deduper: NewDeduper(DeduperOptions{
			Logger:         log,
			Store:          opts.Store,
			Cooldown:       opts.Config.ThresholdCooldown,
			FingerprintTTL: opts.Config.FingerprintTTL,
			Now:            now,
		}),
		now:             now,
		isStateConflict: isConflict,
	}
}

// EvaluateUser runs every active alert the user has. Used for manual
// triggers.
func (m *Manager) EvaluateUser(ctx context.Context, userID models.UserID) ([]*models.Notification, error) {
	return m.evaluateUser(ctx, userID, models.TriggerModeManual, nil, nil)
}

// EvaluateUserTypes runs the user's active alerts restricted to the given
// types. Used by the scheduled sweeps.
func (m *Manager) EvaluateUserTypes(ctx context.Context, userID models.UserID, types []models.AlertType) ([]*models.Notification, error) {
	return m.evaluateUser(ctx, userID, models.TriggerModeScheduled, types, nil)
}

// EvaluateTransaction runs the realtime path for a newly posted transaction:
// only merchant_name and transaction_limit alerts are considered.
func (m *Manager) EvaluateTransaction(ctx context.Context, txn *models.Transaction) ([]*models.Notification, error) {
	if txn == nil {
		return nil, fmt.Errorf("transaction is required")
	}
	return m.evaluateUser(ctx, txn.UserID, models.TriggerModeRealtime, models.RealtimeAlertTypes, txn)
}

// EvaluateBatch sweeps all users owning active alerts of the given types in
// fixed-size pages with a continuation cursor. Returns the number of
// notifications created. Cancellation stops before the next user; in-flight
// alert commits finish.
func (m *Manager) EvaluateBatch(ctx context.Context, types []models.AlertType) (int, error) {
	created := 0
	var cursor models.UserID
	for {
		users, err := m.store.ListUserIDsWithActiveAlerts(ctx, types, cursor, m.cfg.PageSize)
		if err != nil {
			return created, fmt.Errorf("failed to page alert users: %w", err)
		}
		if len(users) == 0 {
			return created, nil
		}
		for _, userID := range users {
			if err := ctx.Err(); err != nil {
				return created, err
			}
			notifications, err := m.EvaluateUserTypes(ctx, userID, types)
			if err != nil {
				m.log.Error("user evaluation failed", "user_id", userID, "error", err)
				continue
			}
			created += len(notifications)
		}
		cursor = users[len(users)-1]
	}
}

type evalOutcome struct {
	alert  *models.Alert
	result models.TriggerResult
	err    error
}

func (m *Manager) evaluateUser(ctx context.Context, userID models.UserID, mode models.TriggerMode, types []models.AlertType, txn *models.Transaction) ([]*models.Notification, error) {
	var (
		alerts []*models.Alert
		err    error
	)
	if len(types) > 0 {
		alerts, err = m.store.ListActiveAlertsByTypes(ctx, userID, types)
	} else {
		alerts, err = m.store.ListActiveAlerts(ctx, userID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch alerts for user %d: %w", userID, err)
	}
	if len(alerts) == 0 {
		return nil, nil
	}

	ec, err := m.buildContext(ctx, userID, mode, alerts, txn)
	if err != nil {
		return nil, err
	}

	prefs, err := m.store.GetNotificationPreferences(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch preferences for user %d: %w", userID, err)
	}

	outcomes := m.evaluateAlerts(ctx, alerts, ec)

	var created []*models.Notification
	for _, outcome := range outcomes {
		evaluationsTotal.Inc()
		if outcome.err != nil {
			evaluationFailures.Inc()
			if errors.Is(outcome.err, ErrMissingEntity) {
				m.log.Warn("alert references missing entity", "alert_id", outcome.alert.ID, "error", outcome.err)
			} else {
				m.log.Error("alert evaluation failed", "alert_id", outcome.alert.ID, "error", outcome.err)
			}
			continue
		}
		if !outcome.result.Fires {
			continue
		}
		triggersTotal.Inc()

		emit, err := m.deduper.ShouldEmit(ctx, outcome.alert, outcome.result, prefs)
		if err != nil {
			m.log.Error("dedup check failed", "alert_id", outcome.alert.ID, "error", err)
			continue
		}
		if !emit {
			suppressedTotal.Inc()
			m.log.Debug("trigger suppressed by dedup", "alert_id", outcome.alert.ID)
			continue
		}

		notification, deliveries := m.buildNotification(outcome.alert, outcome.result, prefs)
		if err := m.store.CommitTrigger(ctx, outcome.alert, notification, deliveries); err != nil {
			if m.isStateConflict(err) {
				m.log.Debug("lost state race, skipping", "alert_id", outcome.alert.ID)
				continue
			}
			m.log.Error("failed to commit trigger", "alert_id", outcome.alert.ID, "error", err)
			continue
		}
		m.deduper.Confirm(outcome.alert, outcome.result)
		notificationsTotal.Inc()
		m.log.Info("notification created",
			"alert_id", outcome.alert.ID, "user_id", userID,
			"type", outcome.alert.Type, "notification_id", notification.ID)
		created = append(created, notification)

		if m.dispatcher != nil {
			m.dispatcher.Dispatch(ctx, notification, deliveries, prefs)
		}
	}
	return created, nil
}

// evaluateAlerts runs the evaluators in fixed-size chunks so parallelism
// stays bounded. Cancellation stops before the next chunk; a chunk already
// started runs to completion.
func (m *Manager) evaluateAlerts(ctx context.Context, alerts []*models.Alert, ec *models.EvaluationContext) []evalOutcome {
	chunk := m.cfg.EvaluationConcurrency
	if chunk <= 0 {
		chunk = 10
	}
	outcomes := make([]evalOutcome, 0, len(alerts))
	for start := 0; start < len(alerts); start += chunk {
		if ctx.Err() != nil {
			break
		}
		end := min(start+chunk, len(alerts))
		batch := make([]evalOutcome, end-start)
		var wg sync.WaitGroup
		for i := start; i < end; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				batch[i-start] = m.evaluateOne(alerts[i], ec)
			}(i)
		}
		wg.Wait()
		outcomes = append(outcomes, batch...)
	}
	return outcomes
}

// evaluateOne isolates a single alert evaluation, converting panics into
// errors so one misbehaving evaluator can't take down the batch.
func (m *Manager) evaluateOne(alert *models.Alert, ec *models.EvaluationContext) (outcome evalOutcome) {
	outcome.alert = alert
	defer func() {
		if r := recover(); r != nil {
			outcome.err = fmt.Errorf("evaluator panic: %v", r)
		}
	}()

	evaluator, ok := m.evaluators[alert.Type]
	if !ok {
		outcome.err = fmt.Errorf("%w: %q", ErrUnknownAlertType, alert.Type)
		return outcome
	}
	outcome.result, outcome.err = evaluator.Evaluate(alert, ec)
	return outcome
}

// buildContext batch-loads every entity the alert set references, one query
// per entity type.
func (m *Manager) buildContext(ctx context.Context, userID models.UserID, mode models.TriggerMode, alerts []*models.Alert, txn *models.Transaction) (*models.EvaluationContext, error) {
	var (
		accountIDs []models.AccountID
		goalIDs    []models.GoalID
		budgetIDs  []models.BudgetID
		billIDs    []models.BillID
	)
	for _, alert := range alerts {
		switch alert.Type {
		case models.AlertTypeAccountThreshold:
			if alert.AccountID != nil {
				accountIDs = append(accountIDs, *alert.AccountID)
			}
		case models.AlertTypeGoal:
			if alert.GoalID != nil {
				goalIDs = append(goalIDs, *alert.GoalID)
			}
		case models.AlertTypeSpendingTarget:
			if alert.BudgetID != nil {
				budgetIDs = append(budgetIDs, *alert.BudgetID)
			}
		case models.AlertTypeUpcomingBill:
			if alert.BillID != nil {
				billIDs = append(billIDs, *alert.BillID)
			}
		}
	}

	ec := &models.EvaluationContext{
		UserID:      userID,
		Mode:        mode,
		Transaction: txn,
		Now:         m.now(),
	}
	var err error
	if ec.Accounts, err = m.store.AccountsByIDs(ctx, accountIDs); err != nil {
		return nil, fmt.Errorf("failed to load accounts: %w", err)
	}
	if ec.Goals, err = m.store.GoalsByIDs(ctx, goalIDs); err != nil {
		return nil, fmt.Errorf("failed to load goals: %w", err)
	}
	if ec.Budgets, err = m.store.BudgetsByIDs(ctx, budgetIDs); err != nil {
		return nil, fmt.Errorf("failed to load budgets: %w", err)
	}
	if ec.Bills, err = m.store.BillsByIDs(ctx, billIDs); err != nil {
		return nil, fmt.Errorf("failed to load bills: %w", err)
	}
	return ec, nil
}

// buildNotification assembles the notification row and one pending delivery
// row per enabled channel. In-app is always included: the notification is
// durably visible even when every external channel is disabled or failing.
func (m *Manager) buildNotification(alert *models.Alert, result models.TriggerResult, prefs *models.NotificationPreferences) (*models.Notification, []*models.Delivery) {
	now := m.now().UTC()
	notification := &models.Notification{
		ID:        uuid.NewString(),
		UserID:    alert.UserID,
		AlertID:   alert.ID,
		Title:     result.Title,
		Message:   result.Message,
		Metadata:  result.Metadata,
		CreatedAt: now,
	}

	deliveries := []*models.Delivery{{
		ID:             uuid.NewString(),
		NotificationID: notification.ID,
		Channel:        models.ChannelInApp,
		Destination:    models.InAppDestination,
		Status:         models.DeliveryStatusPending,
		CreatedAt:      now,
	}}
	if alert.EmailEnabled && prefs.EmailEnabled && prefs.EmailAddress != "" {
		deliveries = append(deliveries, &models.Delivery{
			ID:             uuid.NewString(),
			NotificationID: notification.ID,
			Channel:        models.ChannelEmail,
			Destination:    prefs.EmailAddress,
			Status:         models.DeliveryStatusPending,
			CreatedAt:      now,
		})
	}
	if alert.SMSEnabled && prefs.SMSEnabled && prefs.SMSNumber != "" {
		deliveries = append(deliveries, &models.Delivery{
			ID:             uuid.NewString(),
			NotificationID: notification.ID,
			Channel:        models.ChannelSMS,
			Destination:    prefs.SMSNumber,
			Status:         models.DeliveryStatusPending,
			CreatedAt:      now,
		})
	}
	return notification, deliveries
}
