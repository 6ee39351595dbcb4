package main

import (
	"reflect"
	"strings"
	"testing"
)

func statuesAt(freqs map[string]float64) []StatueConfig {
	statues := make([]StatueConfig, 0, len(freqs))
	for name, f := range freqs {
		statues = append(statues, StatueConfig{Name: name, Frequency: f})
	}
	return statues
}

func TestFrequencyPlanValid(t *testing.T) {
	plan, err := NewFrequencyPlan(statuesAt(map[string]float64{
		"alpha":   3000,
		"bravo":   5300,
		"charlie": 9500,
	}), 44100)
	if err != nil {
		t.Fatalf("valid plan rejected: %v", err)
	}
	if got := plan.Names(); !reflect.DeepEqual(got, []string{"alpha", "bravo", "charlie"}) {
		t.Errorf("Names() = %v", got)
	}
	if got := plan.PeersOf("bravo"); !reflect.DeepEqual(got, []string{"alpha", "charlie"}) {
		t.Errorf("PeersOf(bravo) = %v", got)
	}
}

func TestFrequencyPlanRejectsHarmonics(t *testing.T) {
	cases := []struct {
		name  string
		a, b  float64
		ratio string
	}{
		{"octave", 3000, 6000, "2"},
		{"near octave", 3000, 6100, "2"},
		{"third harmonic", 3000, 9000, "3"},
		{"fifth", 3000, 4500, "1.5"},
		{"near equal", 3000, 3050, "1"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewFrequencyPlan(statuesAt(map[string]float64{
				"alpha": tc.a,
				"bravo": tc.b,
			}), 44100)
			if err == nil {
				t.Fatalf("plan %g/%g accepted, want harmonic rejection", tc.a, tc.b)
			}
			if !strings.Contains(err.Error(), "harmonically related") {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestFrequencyPlanRejectsOutOfBand(t *testing.T) {
	if _, err := NewFrequencyPlan(statuesAt(map[string]float64{
		"alpha": 0,
		"bravo": 5300,
	}), 44100); err == nil {
		t.Error("zero frequency accepted")
	}
	if _, err := NewFrequencyPlan(statuesAt(map[string]float64{
		"alpha": 23000,
		"bravo": 5300,
	}), 44100); err == nil {
		t.Error("frequency above Nyquist accepted")
	}
	if _, err := NewFrequencyPlan(statuesAt(map[string]float64{
		"alpha": 22050,
		"bravo": 5300,
	}), 44100); err == nil {
		t.Error("frequency at Nyquist accepted")
	}
}

func TestFrequencyPlanExampleConfig(t *testing.T) {
	// The six-statue assignment shipped in the example config must pass.
	_, err := NewFrequencyPlan(statuesAt(map[string]float64{
		"alpha":   3500,
		"bravo":   3700,
		"charlie": 3900,
		"delta":   4100,
		"echo":    6500,
		"foxtrot": 9200,
	}), 44100)
	if err != nil {
		t.Fatalf("example assignment rejected: %v", err)
	}
}

func TestCheckSpacingAfterRetune(t *testing.T) {
	plan := FrequencyPlan{"alpha": 3000, "bravo": 5300, "charlie": 9500}

	trial := FrequencyPlan{"alpha": 2100, "bravo": 5300, "charlie": 9500}
	if err := trial.checkSpacing(); err != nil {
		t.Errorf("retune alpha to 2100 rejected: %v", err)
	}

	trial = FrequencyPlan{"alpha": 5400, "bravo": 5300, "charlie": 9500}
	if err := trial.checkSpacing(); err == nil {
		t.Error("retune alpha next to bravo accepted")
	}

	// Original plan still intact and valid.
	if err := plan.checkSpacing(); err != nil {
		t.Errorf("base plan invalid: %v", err)
	}
}
