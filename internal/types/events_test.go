package types

import (
	"testing"
	"time"
)

func TestDomainType_Recognized(t *testing.T) {
	recognized := []DomainType{
		DomainPurchaseCompleted,
		DomainSubscriptionCreated,
		DomainSubscriptionRenewed,
		DomainSubscriptionUpdated,
		DomainSubscriptionCanceled,
	}
	for _, d := range recognized {
		if !d.Recognized() {
			t.Errorf("%q should be recognized", d)
		}
	}

	for _, d := range []DomainType{DomainUnrecognized, "", "purchase", "subscription_paused"} {
		if d.Recognized() {
			t.Errorf("%q should not be recognized", d)
		}
	}
}

func TestNormalizedEvent_HasPeriod(t *testing.T) {
	now := time.Now()
	later := now.Add(30 * 24 * time.Hour)

	if (NormalizedEvent{}).HasPeriod() {
		t.Error("empty event should not have a period")
	}
	if (NormalizedEvent{PeriodEnd: &later}).HasPeriod() {
		t.Error("event with only an end should not have a full period")
	}
	if !(NormalizedEvent{PeriodStart: &now, PeriodEnd: &later}).HasPeriod() {
		t.Error("event with both bounds should have a period")
	}
}
