package models

import (
	"fmt"
	"time"
)

// MerchantAlertFrequency controls how often merchant_name alerts may notify.
type MerchantAlertFrequency string

const (
	MerchantAlertImmediate  MerchantAlertFrequency = "immediate"
	MerchantAlertFirstOfDay MerchantAlertFrequency = "first_of_day"
	MerchantAlertDigest     MerchantAlertFrequency = "daily_digest"
)

// NotificationPreferences holds a user's delivery settings.
type NotificationPreferences struct {
	UserID       UserID `json:"user_id"`
	EmailEnabled bool   `json:"email_enabled"`
	EmailAddress string `json:"email_address,omitempty"`
	SMSEnabled   bool   `json:"sms_enabled"`
	SMSNumber    string `json:"sms_number,omitempty"`

	// Quiet hours are expressed as HH:MM in the user's timezone. An empty
	// start or end disables the window. The window may cross midnight.
	QuietHoursStart string `json:"quiet_hours_start,omitempty"`
	QuietHoursEnd   string `json:"quiet_hours_end,omitempty"`
	Timezone        string `json:"timezone,omitempty"`

	// Rate limits are per channel; zero disables the limit.
	MaxPerHour int `json:"max_per_hour"`
	MaxPerDay  int `json:"max_per_day"`

	MerchantAlertFrequency MerchantAlertFrequency `json:"merchant_alert_frequency"`
}

// DefaultNotificationPreferences returns the preferences applied when a user
// has never saved any.
func DefaultNotificationPreferences(userID UserID) *NotificationPreferences {
	return &NotificationPreferences{
		UserID:                 userID,
		EmailEnabled:           true,
		SMSEnabled:             false,
		Timezone:               "UTC",
		MaxPerHour:             10,
		MaxPerDay:              50,
		MerchantAlertFrequency: MerchantAlertImmediate,
	}
}

// Location resolves the user's timezone, falling back to UTC when unset or
// unknown.
func (p *NotificationPreferences) Location() *time.Location {
	if p.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(p.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// InQuietHours reports whether now falls inside the user's quiet-hours window.
// The comparison happens in the user's local timezone.
func (p *NotificationPreferences) InQuietHours(now time.Time) bool {
	if p.QuietHoursStart == "" || p.QuietHoursEnd == "" {
		return false
	}
	start, err := parseClock(p.QuietHoursStart)
	if err != nil {
		return false
	}
	end, err := parseClock(p.QuietHoursEnd)
	if err != nil {
		return false
	}
	local := now.In(p.Location())
	minute := local.Hour()*60 + local.Minute()
	if start == end {
		return false
	}
	if start < end {
		return minute >= start && minute < end
	}
	// Window crosses midnight, e.g. 22:00-07:00.
	return minute >= start || minute < end
}

// QuietHoursEndAt returns the next moment the quiet-hours window closes,
// used to tell the scheduler when a deferred delivery becomes ready.
func (p *NotificationPreferences) QuietHoursEndAt(now time.Time) time.Time {
	end, err := parseClock(p.QuietHoursEnd)
	if err != nil {
		return now
	}
	local := now.In(p.Location())
	endToday := time.Date(local.Year(), local.Month(), local.Day(), end/60, end%60, 0, 0, local.Location())
	if !endToday.After(local) {
		endToday = endToday.AddDate(0, 0, 1)
	}
	return endToday
}

func parseClock(s string) (int, error) {
	var h, m int
	if _, err := fmt.Sscanf(s, "%d:%d", &h, &m); err != nil {
		return 0, err
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, fmt.Errorf("invalid clock value %q", s)
	}
	return h*60 + m, nil
}
