package model

import (
	"testing"
	"time"
)

func TestSeverityOrdering(t *testing.T) {
	order := []Severity{SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical}
	for i := 1; i < len(order); i++ {
		if order[i].Rank() <= order[i-1].Rank() {
			t.Fatalf("%s not ranked above %s", order[i], order[i-1])
		}
	}
	if !SeverityCritical.AtLeast(SeverityLow) {
		t.Fatalf("critical not at least low")
	}
	if SeverityLow.AtLeast(SeverityMedium) {
		t.Fatalf("low at least medium")
	}
	if !SeverityMedium.AtLeast(SeverityMedium) {
		t.Fatalf("severity not at least itself")
	}
}

func TestParseSeverity(t *testing.T) {
	sev, err := ParseSeverity(" High ")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if sev != SeverityHigh {
		t.Fatalf("parsed %s", sev)
	}
	if _, err := ParseSeverity("urgent"); err == nil {
		t.Fatalf("unknown severity accepted")
	}
	if _, err := ParseSeverity(""); err == nil {
		t.Fatalf("empty severity accepted")
	}
}

func TestSecurityEventValidate(t *testing.T) {
	ev := SecurityEvent{
		Type:      EventFailedAuthentication,
		Severity:  SeverityMedium,
		Source:    "1.2.3.4",
		Timestamp: time.Now(),
	}
	if err := ev.Validate(); err != nil {
		t.Fatalf("valid event rejected: %v", err)
	}

	bad := ev
	bad.Type = "bogus"
	if err := bad.Validate(); err == nil {
		t.Fatalf("unknown type accepted")
	}
	bad = ev
	bad.Severity = "urgent"
	if err := bad.Validate(); err == nil {
		t.Fatalf("unknown severity accepted")
	}
	bad = ev
	bad.Source = "  "
	if err := bad.Validate(); err == nil {
		t.Fatalf("empty source accepted")
	}
}

func TestAlertRuleWindowed(t *testing.T) {
	r := AlertRule{Threshold: 5, Window: time.Minute}
	if !r.Windowed() {
		t.Fatalf("threshold rule not windowed")
	}
	if (AlertRule{}).Windowed() {
		t.Fatalf("immediate rule windowed")
	}
}
