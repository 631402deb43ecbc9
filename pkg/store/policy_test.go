package store

import "testing"

func TestClassifyAlwaysPersistsSecurityAndAdmin(t *testing.T) {
	p := Policy{}
	cases := []string{"system/security/auth_failed", "control/admin/rotate_keys"}
	for _, topic := range cases {
		if got := p.Classify(topic, ""); got != DecisionAlways {
			t.Errorf("Classify(%q) = %v, want DecisionAlways", topic, got)
		}
	}
}

func TestClassifyNeverPersistsTransientTopics(t *testing.T) {
	p := Policy{ConditionalEnabled: true}
	cases := []string{"emotion/state", "ui/typing/indicator"}
	for _, topic := range cases {
		if got := p.Classify(topic, ""); got != DecisionNever {
			t.Errorf("Classify(%q) = %v, want DecisionNever even with conditional enabled", topic, got)
		}
	}
}

func TestClassifyLogsAtOrAboveWarningAlwaysPersists(t *testing.T) {
	p := Policy{}
	if got := p.Classify("logs/broker/dispatch", LogWarning); got != DecisionAlways {
		t.Errorf("Classify warning log = %v, want DecisionAlways", got)
	}
	if got := p.Classify("logs/broker/dispatch", LogError); got != DecisionAlways {
		t.Errorf("Classify error log = %v, want DecisionAlways", got)
	}
}

func TestClassifyLogsBelowWarningFollowsConditionalFlag(t *testing.T) {
	p := Policy{ConditionalEnabled: false}
	if got := p.Classify("logs/broker/dispatch", LogInfo); got != DecisionNever {
		t.Errorf("Classify info log with conditional off = %v, want DecisionNever", got)
	}

	p.ConditionalEnabled = true
	if got := p.Classify("logs/broker/dispatch", LogInfo); got != DecisionConditional {
		t.Errorf("Classify info log with conditional on = %v, want DecisionConditional", got)
	}
}

func TestDecisionShouldPersist(t *testing.T) {
	if !DecisionAlways.ShouldPersist() {
		t.Error("DecisionAlways should persist")
	}
	if DecisionNever.ShouldPersist() {
		t.Error("DecisionNever should not persist")
	}
	if !DecisionConditional.ShouldPersist() {
		t.Error("DecisionConditional should persist when resolved true")
	}
}
