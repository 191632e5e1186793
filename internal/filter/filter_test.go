package filter

import (
	"fmt"
	"testing"
)

func TestSampled_Deterministic(t *testing.T) {
	rate := 0.5

	// The same (event, subscription) pair always reaches the same decision.
	first := Sampled(&rate, "evt_1", "sub_1")
	for i := 0; i < 100; i++ {
		if Sampled(&rate, "evt_1", "sub_1") != first {
			t.Fatal("Sampling decision changed between calls for the same pair")
		}
	}
}

func TestSampled_Boundaries(t *testing.T) {
	zero, one := 0.0, 1.0

	if Sampled(&zero, "evt_1", "sub_1") {
		t.Error("Rate 0 must admit nothing")
	}
	if !Sampled(&one, "evt_1", "sub_1") {
		t.Error("Rate 1 must admit everything")
	}
	if !Sampled(nil, "evt_1", "sub_1") {
		t.Error("Nil rate must admit everything")
	}
}

func TestSampled_ApproximatesRate(t *testing.T) {
	rate := 0.3
	admitted := 0
	const n = 10000

	for i := 0; i < n; i++ {
		if Sampled(&rate, fmt.Sprintf("evt_%d", i), "sub_1") {
			admitted++
		}
	}

	// FNV distributes well enough for a loose tolerance.
	got := float64(admitted) / n
	if got < 0.25 || got > 0.35 {
		t.Errorf("Expected admission rate near 0.3, got %.3f", got)
	}
}

func TestEvalCondition(t *testing.T) {
	e := NewEvaluator()
	payload := map[string]any{
		"amount":   150,
		"currency": "USD",
		"livemode": true,
	}

	tests := []struct {
		name      string
		condition string
		want      bool
		wantErr   bool
	}{
		{"empty admits", "", true, false},
		{"true condition", `payload.amount > 100`, true, false},
		{"false condition", `payload.amount > 1000`, false, false},
		{"compound", `payload.currency == "USD" && payload.livemode`, true, false},
		{"event type available", `eventType == "invoice.paid"`, true, false},
		{"missing field is falsy", `payload.missing == "x"`, false, false},
		{"runtime type error", `payload.currency > 10`, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := e.EvalCondition(tt.condition, "invoice.paid", payload)
			if tt.wantErr {
				if err == nil {
					t.Error("Expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("EvalCondition failed: %v", err)
			}
			if got != tt.want {
				t.Errorf("EvalCondition(%q) = %v, want %v", tt.condition, got, tt.want)
			}
		})
	}
}

func TestEvalCondition_CompileErrorNeverAdmits(t *testing.T) {
	e := NewEvaluator()

	admitted, err := e.EvalCondition("payload.amount >", "invoice.paid", nil)
	if err == nil {
		t.Fatal("Expected compile error")
	}
	if admitted {
		t.Error("A broken condition must not admit the event")
	}
}

func TestValidateCondition(t *testing.T) {
	if err := ValidateCondition(""); err != nil {
		t.Errorf("Empty condition must validate: %v", err)
	}
	if err := ValidateCondition(`payload.amount > 100`); err != nil {
		t.Errorf("Valid condition rejected: %v", err)
	}
	if err := ValidateCondition(`payload.amount >`); err == nil {
		t.Error("Expected error for malformed expression")
	}
}
