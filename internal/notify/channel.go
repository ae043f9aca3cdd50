// Package notify implements multi-channel notification delivery: pluggable
// channels (email, SMS, in-app) behind retry policies, per-provider circuit
// breakers, rate limits, and a durable delivery ledger with a dead-letter
// sink for exhausted attempts.
package notify

import (
	"context"
	"errors"
	"fmt"

	"github.com/finsentry/finsentry/internal/config"
	"github.com/finsentry/finsentry/pkg/models"
)

// Message is the channel-agnostic payload a Channel sends.
type Message struct {
	NotificationID string
	// IdempotencyKey is stable across retries of the same delivery so
	// providers can drop duplicates.
	IdempotencyKey string
	Destination    string
	Title          string
	Body           string
	Metadata       map[string]any
}

// Receipt is what a successful send returns.
type Receipt struct {
	// ProviderRef is the provider-assigned message identifier, if any.
	ProviderRef string
}

// Channel sends a message over one delivery medium.
type Channel interface {
	Kind() models.DeliveryChannel
	Policy() config.RetryConfig
	Send(ctx context.Context, msg Message) (Receipt, error)
}

// ErrorClass partitions provider failures by who is at fault, which decides
// whether a retry can help.
type ErrorClass int

const (
	// ErrorClassTransient covers provider-side or network trouble; retrying
	// may succeed.
	ErrorClassTransient ErrorClass = iota
	// ErrorClassPermanent covers request-side trouble (bad destination,
	// rejected content); retrying is pointless.
	ErrorClassPermanent
)

// ProviderError describes a failed send with enough detail to route it.
type ProviderError struct {
	Class  ErrorClass
	Bounce bool
	Detail string
	Err    error
}

func (e *ProviderError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Detail, e.Err)
	}
	return e.Detail
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Transient reports whether retrying the send may succeed. Errors that are
// not ProviderErrors are treated as transient (network-level failures).
func Transient(err error) bool {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Class == ErrorClassTransient
	}
	return true
}

// Bounced reports whether the failure is a destination bounce.
func Bounced(err error) bool {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Bounce
	}
	return false
}
