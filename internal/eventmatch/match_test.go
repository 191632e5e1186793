package eventmatch

import "testing"

func TestMatches(t *testing.T) {
	tests := []struct {
		name      string
		eventType string
		pattern   string
		want      bool
	}{
		{"exact match", "invoice.paid", "invoice.paid", true},
		{"exact mismatch", "invoice.paid", "invoice.voided", false},
		{"single segment wildcard", "invoice.paid", "invoice.*", true},
		{"wildcard does not cross segments", "invoice.paid.partial", "invoice.*", false},
		{"wildcard in first position", "invoice.paid", "*.paid", true},
		{"wildcard middle segment", "invoice.paid.partial", "invoice.*.partial", true},
		{"bare star matches everything", "invoice.paid", "*", true},
		{"bare star matches single segment", "ping", "*", true},
		{"double star matches everything", "customer.address.updated", "**", true},
		{"segment count must agree", "invoice", "invoice.*", false},
		{"case sensitive", "Invoice.paid", "invoice.paid", false},
		{"empty pattern never matches", "invoice.paid", "", false},
		{"empty event never matches", "", "invoice.*", false},
		{"empty segment does not satisfy wildcard", "invoice.", "invoice.*", false},
		{"literal with more segments", "invoice.paid", "invoice.paid.partial", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Matches(tt.eventType, tt.pattern); got != tt.want {
				t.Errorf("Matches(%q, %q) = %v, want %v", tt.eventType, tt.pattern, got, tt.want)
			}
		})
	}
}

func TestMatchesAny(t *testing.T) {
	patterns := []string{"invoice.paid", "customer.*"}

	if !MatchesAny("customer.created", patterns) {
		t.Error("Expected customer.created to match customer.*")
	}
	if !MatchesAny("invoice.paid", patterns) {
		t.Error("Expected invoice.paid to match exactly")
	}
	if MatchesAny("invoice.voided", patterns) {
		t.Error("Expected invoice.voided not to match")
	}
	if MatchesAny("invoice.paid", nil) {
		t.Error("Expected no match against empty pattern list")
	}
}

func TestCandidatePatterns(t *testing.T) {
	got := CandidatePatterns("invoice.paid")

	want := map[string]bool{
		"invoice.paid": true,
		"invoice.*":    true,
		"*.paid":       true,
		"*.*":          true,
		"*":            true,
		"**":           true,
	}
	if len(got) != len(want) {
		t.Fatalf("Expected %d candidates, got %d: %v", len(want), len(got), got)
	}
	for _, p := range got {
		if !want[p] {
			t.Errorf("Unexpected candidate %q", p)
		}
	}

	// Every candidate must actually match the event type.
	for _, p := range got {
		if !Matches("invoice.paid", p) {
			t.Errorf("Candidate %q does not match invoice.paid", p)
		}
	}

	if CandidatePatterns("") != nil {
		t.Error("Expected nil candidates for empty event type")
	}
}
