package types

import "testing"

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusPending, StatusProcessing, true},
		{StatusProcessing, StatusProcessed, true},
		{StatusProcessing, StatusError, true},
		{StatusProcessing, StatusDuplicate, true},
		{StatusPending, StatusProcessed, false},
		{StatusProcessed, StatusProcessing, false},
		{StatusError, StatusPending, false},
		{StatusDuplicate, StatusProcessed, false},
	}
	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestTerminal(t *testing.T) {
	for s, want := range map[Status]bool{
		StatusPending: false, StatusProcessing: false,
		StatusProcessed: true, StatusError: true, StatusDuplicate: true,
	} {
		if s.Terminal() != want {
			t.Errorf("%s.Terminal() = %v", s, !want)
		}
	}
}

func TestEntityType(t *testing.T) {
	if EntityType("planet").Valid() {
		t.Error("planet should not be a valid entity type")
	}
	for _, et := range EntityTypes {
		if !et.Valid() {
			t.Errorf("%s should be valid", et)
		}
	}
	tests := []struct {
		t    EntityType
		in   string
		want string
	}{
		{EntityCVE, "cve-2024-3400", "CVE-2024-3400"},
		{EntityDomain, "Evil.Example", "evil.example"},
		{EntitySHA256, "ABCDEF", "abcdef"},
		{EntityIP, "203.0.113.7", "203.0.113.7"},
		{EntityPerson, "Jane Doe", "Jane Doe"},
	}
	for _, tt := range tests {
		if got := tt.t.Canonical(tt.in); got != tt.want {
			t.Errorf("%s.Canonical(%q) = %q, want %q", tt.t, tt.in, got, tt.want)
		}
	}
}

func TestIsEnabled(t *testing.T) {
	off := false
	if !(SourceConfig{}).IsEnabled() {
		t.Error("omitted enabled should default to true")
	}
	if (SourceConfig{Enabled: &off}).IsEnabled() {
		t.Error("explicit false should disable")
	}
	if (AlertCondition{Enabled: &off}).IsEnabled() {
		t.Error("explicit false should disable alert")
	}
}

func TestCycleSummary_Source(t *testing.T) {
	var c CycleSummary
	c.Source("cisa").Collected++
	c.Source("cisa").Collected++
	if c.Sources["cisa"].Collected != 2 {
		t.Fatalf("collected = %d", c.Sources["cisa"].Collected)
	}
}
