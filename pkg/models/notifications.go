package models

import "time"

// DeliveryChannel enumerates the supported outbound channels.
type DeliveryChannel string

const (
	ChannelEmail DeliveryChannel = "email"
	ChannelSMS   DeliveryChannel = "sms"
	ChannelInApp DeliveryChannel = "in_app"
)

// InAppDestination is the placeholder destination for in-app deliveries,
// which have no external address.
const InAppDestination = "internal"

// DeliveryStatus is the lifecycle state of a single delivery attempt chain.
type DeliveryStatus string

const (
	DeliveryStatusPending   DeliveryStatus = "pending"
	DeliveryStatusRetrying  DeliveryStatus = "retrying"
	DeliveryStatusSent      DeliveryStatus = "sent"
	DeliveryStatusDelivered DeliveryStatus = "delivered"
	DeliveryStatusFailed    DeliveryStatus = "failed"
	DeliveryStatusBounced   DeliveryStatus = "bounced"
)

// statusRank orders the non-terminal progression; terminal states are handled
// separately in CanTransition.
var statusRank = map[DeliveryStatus]int{
	DeliveryStatusPending:   0,
	DeliveryStatusRetrying:  1,
	DeliveryStatusSent:      2,
	DeliveryStatusDelivered: 3,
}

// IsTerminal reports whether s permits no further transitions.
func (s DeliveryStatus) IsTerminal() bool {
	switch s {
	case DeliveryStatusDelivered, DeliveryStatusFailed, DeliveryStatusBounced:
		return true
	}
	return false
}

// CanTransition reports whether moving from s to next respects the monotonic
// delivery state machine: pending → retrying → sent → delivered, with
// failed/bounced reachable from any non-terminal state.
func (s DeliveryStatus) CanTransition(next DeliveryStatus) bool {
	if s.IsTerminal() {
		return false
	}
	switch next {
	case DeliveryStatusFailed, DeliveryStatusBounced:
		return true
	case DeliveryStatusRetrying:
		// Retrying may repeat between attempts.
		return statusRank[s] <= statusRank[DeliveryStatusRetrying]
	default:
		rank, ok := statusRank[next]
		if !ok {
			return false
		}
		return rank > statusRank[s]
	}
}

// Notification is the user-visible record created when an alert fires and
// survives deduplication.
type Notification struct {
	ID        string         `json:"id"`
	UserID    UserID         `json:"user_id"`
	AlertID   AlertID        `json:"alert_id"`
	Title     string         `json:"title"`
	Message   string         `json:"message"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	IsRead    bool           `json:"is_read"`
	CreatedAt time.Time      `json:"created_at"`
}

// Delivery is one channel-specific delivery record for a notification.
type Delivery struct {
	ID             string          `json:"id"`
	NotificationID string          `json:"notification_id"`
	Channel        DeliveryChannel `json:"channel"`
	Destination    string          `json:"destination"`
	Status         DeliveryStatus  `json:"status"`
	AttemptCount   int             `json:"attempt_count"`
	ProviderRef    string          `json:"provider_ref,omitempty"`
	ErrorDetail    string          `json:"error_detail,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	SentAt         *time.Time      `json:"sent_at,omitempty"`
	DeliveredAt    *time.Time      `json:"delivered_at,omitempty"`
	FailedAt       *time.Time      `json:"failed_at,omitempty"`
}

// DeadLetter records a delivery that exhausted its retries, kept for operator
// inspection and manual replay. Never retried automatically.
type DeadLetter struct {
	ID             int64           `json:"id"`
	DeliveryID     string          `json:"delivery_id"`
	NotificationID string          `json:"notification_id"`
	Channel        DeliveryChannel `json:"channel"`
	Destination    string          `json:"destination"`
	Reason         string          `json:"reason"`
	Attempts       int             `json:"attempts"`
	CreatedAt      time.Time       `json:"created_at"`
}
