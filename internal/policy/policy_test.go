// internal/policy/policy_test.go

package policy

import (
	"testing"

	"github.com/TuringDynamics3000/TuringMachines/internal/models"
)

func TestDefaultPacksRegistered(t *testing.T) {
	l := NewLoader()
	for _, jurisdiction := range []string{"AU", "EU", "GCC"} {
		if _, err := l.Get(jurisdiction, "latest"); err != nil {
			t.Fatalf("default pack missing for %s: %v", jurisdiction, err)
		}
	}
	if _, err := l.Get("MARS", "latest"); err == nil {
		t.Fatal("expected error for unknown jurisdiction")
	}
}

func TestLatestPicksHighestVersion(t *testing.T) {
	l := NewLoader()
	l.Register(Pack{Jurisdiction: "AU", PackID: "au-core", Version: "1.1.0",
		RequiredSignals: []string{models.SignalLiveness},
		OutcomeByBand:   map[string]models.Outcome{"low": models.OutcomeApprove},
	})

	p, err := l.Get("AU", "latest")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Version != "1.1.0" {
		t.Fatalf("expected latest 1.1.0, got %s", p.Version)
	}

	// Pinned versions still resolve.
	p, err = l.Get("AU", "1.0.0")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Version != "1.0.0" {
		t.Fatalf("expected pinned 1.0.0, got %s", p.Version)
	}
}

func TestSignalsComplete(t *testing.T) {
	p := Pack{RequiredSignals: []string{models.SignalLiveness, models.SignalMatchScore}}

	tests := []struct {
		name    string
		signals map[string]float64
		want    bool
	}{
		{"empty", map[string]float64{}, false},
		{"partial", map[string]float64{models.SignalLiveness: 0.8}, false},
		{"complete", map[string]float64{models.SignalLiveness: 0.8, models.SignalMatchScore: 0.9}, true},
		{"zero values still count as observed", map[string]float64{models.SignalLiveness: 0, models.SignalMatchScore: 0}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := p.SignalsComplete(tt.signals); got != tt.want {
				t.Fatalf("want %v, got %v", tt.want, got)
			}
		})
	}
}

func TestOutcomeForBand(t *testing.T) {
	l := NewLoader()
	au, _ := l.Get("AU", "latest")
	gcc, _ := l.Get("GCC", "latest")

	if got := au.OutcomeForBand("low"); got != models.OutcomeApprove {
		t.Fatalf("AU low should approve, got %s", got)
	}
	if got := gcc.OutcomeForBand("medium"); got != models.OutcomeDecline {
		t.Fatalf("GCC medium should decline under enhanced due diligence, got %s", got)
	}
	// Unknown bands never auto-approve.
	if got := au.OutcomeForBand("weird"); got != models.OutcomeReview {
		t.Fatalf("unknown band should land in review, got %s", got)
	}
}
