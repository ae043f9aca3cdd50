package models

import (
	"testing"

	"github.com/shopspring/decimal"
)

func mustDecimal(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	if err != nil {
		t.Fatalf("bad decimal %q: %v", s, err)
	}
	return d
}

func TestAlertConditionsValidate(t *testing.T) {
	accountID := AccountID(1)
	tests := []struct {
		name       string
		alertType  AlertType
		conditions AlertConditions
		wantErr    bool
	}{
		{
			"valid account threshold", AlertTypeAccountThreshold,
			AlertConditions{AccountThreshold: &AccountThresholdConditions{Threshold: decimal.NewFromInt(100), Direction: DirectionBelow}},
			false,
		},
		{
			"threshold missing conditions", AlertTypeAccountThreshold,
			AlertConditions{},
			true,
		},
		{
			"threshold invalid direction", AlertTypeAccountThreshold,
			AlertConditions{AccountThreshold: &AccountThresholdConditions{Direction: "sideways"}},
			true,
		},
		{
			"valid goal", AlertTypeGoal,
			AlertConditions{Goal: &GoalConditions{}},
			false,
		},
		{
			"valid merchant", AlertTypeMerchantName,
			AlertConditions{MerchantName: &MerchantNameConditions{Pattern: "Amazon", MatchType: MatchTypeContains}},
			false,
		},
		{
			"merchant empty pattern", AlertTypeMerchantName,
			AlertConditions{MerchantName: &MerchantNameConditions{MatchType: MatchTypeExact}},
			true,
		},
		{
			"merchant bad match type", AlertTypeMerchantName,
			AlertConditions{MerchantName: &MerchantNameConditions{Pattern: "Amazon", MatchType: "regex"}},
			true,
		},
		{
			"valid transaction limit", AlertTypeTransactionLimit,
			AlertConditions{TransactionLimit: &TransactionLimitConditions{Limit: decimal.NewFromInt(500), AccountID: &accountID}},
			false,
		},
		{
			"transaction limit must be positive", AlertTypeTransactionLimit,
			AlertConditions{TransactionLimit: &TransactionLimitConditions{Limit: decimal.Zero}},
			true,
		},
		{
			"valid upcoming bill", AlertTypeUpcomingBill,
			AlertConditions{UpcomingBill: &UpcomingBillConditions{DaysBefore: 3}},
			false,
		},
		{
			"negative days before", AlertTypeUpcomingBill,
			AlertConditions{UpcomingBill: &UpcomingBillConditions{DaysBefore: -1}},
			true,
		},
		{
			"unknown type", AlertType("price_watch"),
			AlertConditions{},
			true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.conditions.Validate(tt.alertType)
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
